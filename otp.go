package onboard

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	"github.com/nyaruka/phonenumbers"
	"golang.org/x/time/rate"
)

const (
	OTPLength        = 6
	DefaultOTPTTL    = 10 * time.Minute
	otpLowerBound    = 100000
	otpRange         = 900000
	minPasswordChars = 6

	// limiterPruneSize triggers an inline prune of idle limiters.
	limiterPruneSize = 4096
)

// GenerateCode returns a uniformly distributed code in [100000, 999999].
func GenerateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(otpRange))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d", n.Int64()+otpLowerBound), nil
}

// RequestOTPMessage is the signup form submitted before verification.
type RequestOTPMessage struct {
	Name       string `json:"name"`
	Email      string `json:"email"`
	Phone      string `json:"phone"`
	Department string `json:"department"`
	Password   string `json:"password"`
	Region     string `json:"-"`
}

func (m RequestOTPMessage) Type() string { return "onboard.otp.request" }

// Validate will run validation rules
func (m RequestOTPMessage) Validate() error {
	return validation.ValidateStruct(&m,
		validation.Field(&m.Name, validation.Required, validation.Length(1, 200)),
		validation.Field(&m.Email, validation.Required, validation.Length(3, 254), is.Email),
		validation.Field(&m.Phone, validation.Required, validation.By(ValidatePhone(m.Region))),
		validation.Field(&m.Department, validation.Required, validation.Length(1, 120)),
		validation.Field(&m.Password, validation.Required, validation.Length(minPasswordChars, 128)),
	)
}

// ValidatePhone checks that the value parses as a valid number for region.
func ValidatePhone(region string) validation.RuleFunc {
	if region == "" {
		region = "US"
	}
	return func(value any) error {
		raw, _ := value.(string)
		if strings.TrimSpace(raw) == "" {
			return nil
		}
		num, err := phonenumbers.Parse(raw, region)
		if err != nil {
			return errors.New("must be a valid phone number")
		}
		if !phonenumbers.IsValidNumber(num) {
			return errors.New("must be a valid phone number")
		}
		return nil
	}
}

// VerifyOTPMessage is the code submission.
type VerifyOTPMessage struct {
	Email string `json:"email"`
	Code  string `json:"otp"`
}

func (m VerifyOTPMessage) Type() string { return "onboard.otp.verify" }

// Validate will run validation rules
func (m VerifyOTPMessage) Validate() error {
	return validation.ValidateStruct(&m,
		validation.Field(&m.Email, validation.Required, is.Email),
		validation.Field(&m.Code, validation.Required, validation.Length(OTPLength, OTPLength), is.Digit),
	)
}

// validationError folds ozzo errors into ErrValidation keeping field details.
func validationError(err error) error {
	if err == nil {
		return nil
	}
	fields := map[string]any{}
	var verrs validation.Errors
	if errors.As(err, &verrs) {
		for field, ferr := range verrs {
			fields[field] = ferr.Error()
		}
	}
	return Annotate(ErrValidation, err.Error(), map[string]any{"fields": fields})
}

// OTPChallenge issues and verifies one time codes against a PendingStore.
type OTPChallenge struct {
	store    PendingStore
	provider IdentityProvider
	notifier Notifier
	sealer   PasswordSealer
	sink     ActivitySink
	logger   Logger
	now      func() time.Time
	generate func() (string, error)
	ttl      time.Duration
	region   string

	limitMu  sync.Mutex
	limiters map[string]*emailLimiter
	limit    rate.Limit
	burst    int
}

type emailLimiter struct {
	limiter *rate.Limiter
	seen    time.Time
}

// OTPOption configures OTPChallenge.
type OTPOption func(*OTPChallenge)

func WithOTPTTL(ttl time.Duration) OTPOption {
	return func(c *OTPChallenge) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

func WithOTPClock(now func() time.Time) OTPOption {
	return func(c *OTPChallenge) {
		if now != nil {
			c.now = now
		}
	}
}

// WithCodeGenerator overrides GenerateCode, used by tests.
func WithCodeGenerator(fn func() (string, error)) OTPOption {
	return func(c *OTPChallenge) {
		if fn != nil {
			c.generate = fn
		}
	}
}

func WithNotifier(n Notifier) OTPOption {
	return func(c *OTPChallenge) {
		c.notifier = n
	}
}

func WithPasswordSealer(s PasswordSealer) OTPOption {
	return func(c *OTPChallenge) {
		c.sealer = s
	}
}

func WithOTPActivitySink(sink ActivitySink) OTPOption {
	return func(c *OTPChallenge) {
		c.sink = normalizeActivitySink(sink)
	}
}

func WithOTPLogger(logger Logger) OTPOption {
	return func(c *OTPChallenge) {
		c.logger = normalizeLogger(logger)
	}
}

// WithPhoneRegion sets the default region for numbers without a country code.
func WithPhoneRegion(region string) OTPOption {
	return func(c *OTPChallenge) {
		if region != "" {
			c.region = strings.ToUpper(region)
		}
	}
}

// WithRequestLimit throttles code requests per email. perMinute <= 0 disables it.
func WithRequestLimit(perMinute, burst int) OTPOption {
	return func(c *OTPChallenge) {
		if perMinute <= 0 {
			c.limit = 0
			return
		}
		if burst <= 0 {
			burst = 1
		}
		c.limit = rate.Every(time.Minute / time.Duration(perMinute))
		c.burst = burst
	}
}

// NewOTPChallenge creates an OTPChallenge. Duplicate checks use provider.
func NewOTPChallenge(store PendingStore, provider IdentityProvider, opts ...OTPOption) *OTPChallenge {
	c := &OTPChallenge{
		store:    store,
		provider: provider,
		sink:     noopActivitySink{},
		logger:   defLogger{},
		now:      time.Now,
		generate: GenerateCode,
		ttl:      DefaultOTPTTL,
		region:   "US",
		limiters: make(map[string]*emailLimiter),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// TTL returns the lifetime of issued codes.
func (c *OTPChallenge) TTL() time.Duration {
	return c.ttl
}

// RequestOTP stores a fresh code for msg.Email, replacing any earlier one,
// and hands it to the notifier. The code is never returned.
func (c *OTPChallenge) RequestOTP(ctx context.Context, msg RequestOTPMessage) (err error) {
	ctx, span := tracer.Start(ctx, "onboard.otp.request")
	defer func() {
		spanError(span, err)
		span.End()
	}()

	if msg.Region == "" {
		msg.Region = c.region
	}
	msg.Name = strings.TrimSpace(msg.Name)
	msg.Department = strings.TrimSpace(msg.Department)
	if err := msg.Validate(); err != nil {
		return validationError(err)
	}

	email := NormalizeEmail(msg.Email)

	if !c.allow(email) {
		c.logger.Warn("otp request throttled for %s", email)
		return ErrTooManyRequests
	}

	if _, err := c.provider.LookupByEmail(ctx, email); err == nil {
		return ErrDuplicateAccount
	} else if !errors.Is(err, ErrIdentityNotFound) {
		c.logger.Error("lookup by email failed: %v", err)
		return providerError("lookup by email", err)
	}

	code, err := c.generate()
	if err != nil {
		return Annotate(ErrProvider, "failed to generate code", map[string]any{"cause": err.Error()})
	}

	password := msg.Password
	sealed := false
	if c.sealer != nil {
		if password, err = c.sealer.Seal(email, msg.Password); err != nil {
			return Annotate(ErrProvider, "failed to seal password", map[string]any{"cause": err.Error()})
		}
		sealed = true
	}

	now := c.now()
	rec := &PendingRegistration{
		Email:      email,
		Name:       msg.Name,
		Phone:      msg.Phone,
		Department: msg.Department,
		Code:       code,
		Password:   password,
		Sealed:     sealed,
		CreatedAt:  now,
		ExpiresAt:  now.Add(c.ttl),
	}

	if err := c.store.Put(ctx, rec); err != nil {
		c.logger.Error("failed to store pending registration for %s: %v", email, err)
		return providerError("store pending registration", err)
	}

	c.notify(ctx, email, code)

	recordActivity(ctx, c.sink, c.logger, c.now, ActivityEvent{
		EventType: ActivityEventOTPRequested,
		Email:     email,
		Metadata:  map[string]any{"expires_at": rec.ExpiresAt},
	})

	return nil
}

// VerifyOTP consumes the code for email. Each code succeeds at most once
// and a mismatch leaves the pending record untouched. Codes are compared
// exactly, surrounding whitespace is a mismatch.
func (c *OTPChallenge) VerifyOTP(ctx context.Context, email, code string) (*PendingRegistration, error) {
	ctx, span := tracer.Start(ctx, "onboard.otp.verify")
	defer span.End()

	email = NormalizeEmail(email)

	rec, err := c.store.TakeIfMatch(ctx, email, code)
	if err != nil {
		if errors.Is(err, ErrInvalidOTP) || errors.Is(err, ErrNoPendingChallenge) {
			recordActivity(ctx, c.sink, c.logger, c.now, ActivityEvent{
				EventType: ActivityEventOTPRejected,
				Email:     email,
				Metadata:  map[string]any{"reason": TextCode(err)},
			})
			return nil, err
		}
		return nil, providerError("take pending registration", err)
	}

	recordActivity(ctx, c.sink, c.logger, c.now, ActivityEvent{
		EventType: ActivityEventOTPVerified,
		Email:     email,
	})

	return rec, nil
}

// Password returns the plaintext password held by rec.
func (c *OTPChallenge) Password(rec *PendingRegistration) (string, error) {
	return openPassword(c.sealer, rec)
}

func (c *OTPChallenge) notify(ctx context.Context, email, code string) {
	if c.notifier == nil {
		return
	}
	go func(ctx context.Context) {
		if err := c.notifier.SendOTP(ctx, email, code); err != nil {
			c.logger.Warn("otp delivery to %s failed: %v", email, err)
		}
	}(context.WithoutCancel(ctx))
}

func (c *OTPChallenge) allow(email string) bool {
	if c.limit == 0 {
		return true
	}
	now := c.now()

	c.limitMu.Lock()
	defer c.limitMu.Unlock()

	entry, ok := c.limiters[email]
	if !ok {
		if len(c.limiters) >= limiterPruneSize {
			c.pruneLimiters(now)
		}
		entry = &emailLimiter{limiter: rate.NewLimiter(c.limit, c.burst)}
		c.limiters[email] = entry
	}
	entry.seen = now
	return entry.limiter.AllowN(now, 1)
}

// SweepLimiters drops per email limiters idle long enough to have refilled
// their burst and returns how many were dropped. A dropped limiter is
// recreated full, so throttling is unchanged.
func (c *OTPChallenge) SweepLimiters() int {
	now := c.now()
	c.limitMu.Lock()
	defer c.limitMu.Unlock()
	return c.pruneLimiters(now)
}

// Limiters returns the number of tracked per email limiters.
func (c *OTPChallenge) Limiters() int {
	c.limitMu.Lock()
	defer c.limitMu.Unlock()
	return len(c.limiters)
}

// RunSweeper calls SweepLimiters every interval until ctx is done.
func (c *OTPChallenge) RunSweeper(ctx context.Context, interval time.Duration) error {
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
			if n := c.SweepLimiters(); n > 0 {
				c.logger.Debug("otp sweep removed %d idle limiters", n)
			}
		}
	}
}

func (c *OTPChallenge) pruneLimiters(now time.Time) int {
	if c.limit == 0 {
		n := len(c.limiters)
		clear(c.limiters)
		return n
	}
	refill := time.Duration(float64(c.burst) / float64(c.limit) * float64(time.Second))

	removed := 0
	for email, entry := range c.limiters {
		if now.Sub(entry.seen) >= refill {
			delete(c.limiters, email)
			removed++
		}
	}
	return removed
}
