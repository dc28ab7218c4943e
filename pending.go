package onboard

import (
	"context"
	"crypto/subtle"
	"strings"
	"sync"
	"time"
)

// PendingRegistration is the unverified signup held until its code is
// confirmed. Password may be sealed, see PasswordSealer.
type PendingRegistration struct {
	Email      string    `json:"email"`
	Name       string    `json:"name"`
	Phone      string    `json:"phone"`
	Department string    `json:"department"`
	Code       string    `json:"otp"`
	Password   string    `json:"password"`
	Sealed     bool      `json:"sealed,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Expired reports whether the record is no longer usable at now.
func (p *PendingRegistration) Expired(now time.Time) bool {
	if p == nil {
		return true
	}
	if p.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(p.ExpiresAt)
}

// Clone returns a copy safe to hand to callers.
func (p *PendingRegistration) Clone() *PendingRegistration {
	if p == nil {
		return nil
	}
	cp := *p
	return &cp
}

// PendingStore holds at most one PendingRegistration per email.
type PendingStore interface {
	// Put replaces any existing record for rec.Email
	Put(ctx context.Context, rec *PendingRegistration) error
	// Get returns ErrNoPendingChallenge when absent or expired
	Get(ctx context.Context, email string) (*PendingRegistration, error)
	Delete(ctx context.Context, email string) error
	// TakeIfMatch deletes and returns the record only when code matches.
	// A mismatch returns ErrInvalidOTP and leaves the record in place.
	TakeIfMatch(ctx context.Context, email, code string) (*PendingRegistration, error)
}

// NormalizeEmail is the key used for pending records and lookups.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// CodesEqual compares codes in constant time.
func CodesEqual(expected, submitted string) bool {
	if expected == "" || submitted == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(submitted)) == 1
}

// MemoryPendingStore is a process local PendingStore.
type MemoryPendingStore struct {
	mu      sync.RWMutex
	records map[string]*PendingRegistration
	locks   *keyedMutex
	now     func() time.Time
	logger  Logger
}

// MemoryPendingStoreOption configures MemoryPendingStore.
type MemoryPendingStoreOption func(*MemoryPendingStore)

// WithPendingClock overrides the clock used for expiry checks.
func WithPendingClock(now func() time.Time) MemoryPendingStoreOption {
	return func(s *MemoryPendingStore) {
		if now != nil {
			s.now = now
		}
	}
}

// WithPendingLogger sets the logger used by the sweeper.
func WithPendingLogger(logger Logger) MemoryPendingStoreOption {
	return func(s *MemoryPendingStore) {
		s.logger = normalizeLogger(logger)
	}
}

// NewMemoryPendingStore creates an empty in memory store.
func NewMemoryPendingStore(opts ...MemoryPendingStoreOption) *MemoryPendingStore {
	s := &MemoryPendingStore{
		records: make(map[string]*PendingRegistration),
		locks:   newKeyedMutex(),
		now:     time.Now,
		logger:  defLogger{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *MemoryPendingStore) Put(ctx context.Context, rec *PendingRegistration) error {
	if rec == nil {
		return Annotate(ErrValidation, "pending registration required", nil)
	}
	key := NormalizeEmail(rec.Email)
	if key == "" {
		return Annotate(ErrValidation, "email required", nil)
	}

	if rec.Expired(s.now()) {
		return Annotate(ErrValidation, "pending registration already expired", nil)
	}

	unlock := s.locks.Lock(key)
	defer unlock()

	stored := rec.Clone()
	stored.Email = key

	s.mu.Lock()
	s.records[key] = stored
	s.mu.Unlock()
	return nil
}

func (s *MemoryPendingStore) Get(ctx context.Context, email string) (*PendingRegistration, error) {
	key := NormalizeEmail(email)

	s.mu.RLock()
	rec, ok := s.records[key]
	s.mu.RUnlock()

	if !ok || rec.Expired(s.now()) {
		return nil, ErrNoPendingChallenge
	}
	return rec.Clone(), nil
}

func (s *MemoryPendingStore) Delete(ctx context.Context, email string) error {
	key := NormalizeEmail(email)

	unlock := s.locks.Lock(key)
	defer unlock()

	s.mu.Lock()
	delete(s.records, key)
	s.mu.Unlock()
	return nil
}

func (s *MemoryPendingStore) TakeIfMatch(ctx context.Context, email, code string) (*PendingRegistration, error) {
	key := NormalizeEmail(email)

	unlock := s.locks.Lock(key)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		return nil, ErrNoPendingChallenge
	}
	if rec.Expired(s.now()) {
		delete(s.records, key)
		return nil, ErrNoPendingChallenge
	}
	if !CodesEqual(rec.Code, code) {
		return nil, ErrInvalidOTP
	}

	delete(s.records, key)
	return rec, nil
}

// Len returns the number of stored records, expired ones included.
func (s *MemoryPendingStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Sweep removes expired records and returns how many were dropped.
func (s *MemoryPendingStore) Sweep() int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, rec := range s.records {
		if rec.Expired(now) {
			delete(s.records, key)
			removed++
		}
	}
	return removed
}

// RunSweeper calls Sweep every interval until ctx is done.
func (s *MemoryPendingStore) RunSweeper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := s.Sweep(); n > 0 {
				s.logger.Debug("pending store sweep removed %d expired records", n)
			}
		}
	}
}

// keyedMutex serializes work per key and drops idle entries.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedEntry)}
}

// Lock acquires the lock for key and returns its release func.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	entry, ok := k.locks[key]
	if !ok {
		entry = &keyedEntry{}
		k.locks[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		k.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
