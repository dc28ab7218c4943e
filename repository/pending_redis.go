package repository

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/goliatone/go-onboard"
)

const (
	defaultPendingPrefix = "onboard:pending:"
	fieldCodeHash        = "code_hash"
	fieldData            = "data"
)

// takeIfMatch returns 0 when the key is missing, -1 on a code mismatch and
// the stored payload after deleting the key on a match.
var takeIfMatch = redis.NewScript(`
local stored = redis.call('HGET', KEYS[1], 'code_hash')
if not stored then
	return 0
end
if stored ~= ARGV[1] then
	return -1
end
local data = redis.call('HGET', KEYS[1], 'data')
redis.call('DEL', KEYS[1])
return data
`)

// RedisPendingStore implements onboard.PendingStore backed by Redis. Each
// record is a hash holding the code digest and the JSON payload, expiry is
// delegated to the key TTL.
type RedisPendingStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

var _ onboard.PendingStore = (*RedisPendingStore)(nil)

// RedisPendingOption configures RedisPendingStore.
type RedisPendingOption func(*RedisPendingStore)

func WithPendingPrefix(prefix string) RedisPendingOption {
	return func(s *RedisPendingStore) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// WithPendingTTL is used for records without ExpiresAt.
func WithPendingTTL(ttl time.Duration) RedisPendingOption {
	return func(s *RedisPendingStore) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

func WithPendingRedisClock(now func() time.Time) RedisPendingOption {
	return func(s *RedisPendingStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewRedisPendingStore constructs a Redis-backed pending store.
func NewRedisPendingStore(client redis.UniversalClient, opts ...RedisPendingOption) *RedisPendingStore {
	s := &RedisPendingStore{
		client: client,
		prefix: defaultPendingPrefix,
		ttl:    onboard.DefaultOTPTTL,
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *RedisPendingStore) key(email string) string {
	return s.prefix + onboard.NormalizeEmail(email)
}

// Put implements onboard.PendingStore.
func (s *RedisPendingStore) Put(ctx context.Context, rec *onboard.PendingRegistration) error {
	if rec == nil || onboard.NormalizeEmail(rec.Email) == "" {
		return onboard.Annotate(onboard.ErrValidation, "email required", nil)
	}

	ttl := s.ttl
	if !rec.ExpiresAt.IsZero() {
		ttl = rec.ExpiresAt.Sub(s.now())
	}
	if ttl <= 0 {
		return onboard.Annotate(onboard.ErrValidation, "pending registration already expired", nil)
	}

	stored := rec.Clone()
	stored.Email = onboard.NormalizeEmail(rec.Email)
	codeHash := hashCode(stored.Code)
	stored.Code = ""

	payload, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("marshal pending registration: %w", err)
	}

	key := s.key(stored.Email)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, fieldCodeHash, codeHash, fieldData, payload)
		pipe.PExpire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("persist pending registration: %w", err)
	}
	return nil
}

// Get implements onboard.PendingStore. The returned record carries no code.
func (s *RedisPendingStore) Get(ctx context.Context, email string) (*onboard.PendingRegistration, error) {
	data, err := s.client.HGet(ctx, s.key(email), fieldData).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, onboard.ErrNoPendingChallenge
		}
		return nil, fmt.Errorf("load pending registration: %w", err)
	}
	return s.decode(data)
}

// Delete implements onboard.PendingStore.
func (s *RedisPendingStore) Delete(ctx context.Context, email string) error {
	if err := s.client.Del(ctx, s.key(email)).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("delete pending registration: %w", err)
	}
	return nil
}

// TakeIfMatch implements onboard.PendingStore atomically with a script.
func (s *RedisPendingStore) TakeIfMatch(ctx context.Context, email, code string) (*onboard.PendingRegistration, error) {
	if code == "" {
		return nil, onboard.ErrInvalidOTP
	}

	res, err := takeIfMatch.Run(ctx, s.client, []string{s.key(email)}, hashCode(code)).Result()
	if err != nil {
		return nil, fmt.Errorf("take pending registration: %w", err)
	}

	switch v := res.(type) {
	case int64:
		if v == -1 {
			return nil, onboard.ErrInvalidOTP
		}
		return nil, onboard.ErrNoPendingChallenge
	case string:
		rec, err := s.decode([]byte(v))
		if err != nil {
			return nil, err
		}
		rec.Code = code
		return rec, nil
	default:
		return nil, fmt.Errorf("take pending registration: unexpected reply %T", res)
	}
}

func (s *RedisPendingStore) decode(data []byte) (*onboard.PendingRegistration, error) {
	var rec onboard.PendingRegistration
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode pending registration: %w", err)
	}
	if rec.Expired(s.now()) {
		return nil, onboard.ErrNoPendingChallenge
	}
	return &rec, nil
}

func hashCode(code string) string {
	h := sha256.Sum256([]byte(code))
	return hex.EncodeToString(h[:])
}
