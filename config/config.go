// Package config loads the onboarding service configuration from the
// environment and an optional env file using Viper.
package config

import (
	"errors"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/spf13/viper"

	"github.com/goliatone/go-onboard"
)

// Config holds the service configuration. It implements onboard.Config.
type Config struct {
	// HTTPAddr is the address the HTTP server listens on
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// DatabaseDSN is the SQLite DSN for profiles and identities
	DatabaseDSN string `mapstructure:"DATABASE_DSN"`

	// RedisAddr enables the shared pending store when set
	RedisAddr     string `mapstructure:"REDIS_ADDR"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	RedisDB       int    `mapstructure:"REDIS_DB"`
	RedisPrefix   string `mapstructure:"REDIS_PREFIX"`

	OTPTTL               string `mapstructure:"OTP_TTL"`
	OTPRequestsPerMinute int    `mapstructure:"OTP_REQUESTS_PER_MINUTE"`
	OTPRequestBurst      int    `mapstructure:"OTP_REQUEST_BURST"`
	// SweepInterval is how often expired pending records are dropped
	SweepInterval string `mapstructure:"SWEEP_INTERVAL"`

	SigningKey      string `mapstructure:"SIGNING_KEY"`
	JWTIssuer       string `mapstructure:"JWT_ISSUER"`
	JWTAudience     string `mapstructure:"JWT_AUDIENCE"`
	TokenExpiration string `mapstructure:"TOKEN_EXPIRATION"`

	// SealingKey encrypts passwords held in pending records, empty disables sealing
	SealingKey  string `mapstructure:"SEALING_KEY"`
	PhoneRegion string `mapstructure:"PHONE_REGION"`
	BcryptCost  int    `mapstructure:"BCRYPT_COST"`
	HashedIDs   bool   `mapstructure:"HASHED_IDS"`

	// ResendVerification sends a new verification challenge on unverified sign in
	ResendVerification bool `mapstructure:"RESEND_VERIFICATION"`
	// DevConsoleNotifier logs one time codes instead of delivering them.
	// Must not be enabled when Env is production.
	DevConsoleNotifier bool `mapstructure:"DEV_CONSOLE_NOTIFIER"`
	// PolicyFile is an optional Rego module guarding admin routes
	PolicyFile    string `mapstructure:"POLICY_FILE"`
	PolicyPackage string `mapstructure:"POLICY_PACKAGE"`

	Env      string `mapstructure:"APP_ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`
	Debug    bool   `mapstructure:"DEBUG"`
}

var _ onboard.Config = (*Config)(nil)

var defaults = map[string]any{
	"HTTP_ADDR":               ":8080",
	"DATABASE_DSN":            "file:onboard.db?cache=shared",
	"REDIS_ADDR":              "",
	"REDIS_PASSWORD":          "",
	"REDIS_DB":                0,
	"REDIS_PREFIX":            "onboard:pending:",
	"OTP_TTL":                 "10m",
	"OTP_REQUESTS_PER_MINUTE": 3,
	"OTP_REQUEST_BURST":       3,
	"SWEEP_INTERVAL":          "1m",
	"SIGNING_KEY":             "",
	"JWT_ISSUER":              "go-onboard",
	"JWT_AUDIENCE":            "",
	"TOKEN_EXPIRATION":        "24h",
	"SEALING_KEY":             "",
	"PHONE_REGION":            "US",
	"BCRYPT_COST":             12,
	"HASHED_IDS":              false,
	"RESEND_VERIFICATION":     true,
	"DEV_CONSOLE_NOTIFIER":    false,
	"POLICY_FILE":             "",
	"POLICY_PACKAGE":          "onboard.authz",
	"APP_ENV":                 "",
	"LOG_LEVEL":               "info",
	"DEBUG":                   false,
}

// Load reads .env when present, then the environment. Env vars win.
func Load() (*Config, error) {
	return LoadFile(".env")
}

// LoadFile is Load with an explicit env file. A missing file is ignored.
func LoadFile(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("env")
		_ = v.ReadInConfig()
	}

	v.SetEnvPrefix("ONBOARD")
	v.AutomaticEnv()

	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate will run validation rules
func (c Config) Validate() error {
	err := validation.ValidateStruct(&c,
		validation.Field(&c.HTTPAddr, validation.Required),
		validation.Field(&c.DatabaseDSN, validation.Required),
		validation.Field(&c.SigningKey, validation.Required, validation.Length(16, 0)),
		validation.Field(&c.BcryptCost, validation.Min(4), validation.Max(31)),
		validation.Field(&c.OTPTTL, validation.By(isDuration)),
		validation.Field(&c.TokenExpiration, validation.By(isDuration)),
		validation.Field(&c.SweepInterval, validation.By(isDuration)),
	)
	if err != nil {
		return err
	}

	if c.DevConsoleNotifier && c.IsProduction() {
		return errors.New("config: DEV_CONSOLE_NOTIFIER must not be true when APP_ENV=production")
	}
	return nil
}

func isDuration(value any) error {
	raw, _ := value.(string)
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return errors.New("must be a valid duration")
	}
	if d <= 0 {
		return errors.New("must be positive")
	}
	return nil
}

// IsProduction reports whether APP_ENV is production.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// GetOTPTTL returns the code lifetime, 10m when unset or invalid.
func (c *Config) GetOTPTTL() time.Duration {
	return parseDuration(c.OTPTTL, onboard.DefaultOTPTTL)
}

func (c *Config) GetOTPRequestsPerMinute() int {
	return c.OTPRequestsPerMinute
}

func (c *Config) GetSigningKey() string {
	return c.SigningKey
}

func (c *Config) GetIssuer() string {
	return c.JWTIssuer
}

// GetTokenExpiration returns the session token lifetime, 24h when unset or invalid.
func (c *Config) GetTokenExpiration() time.Duration {
	return parseDuration(c.TokenExpiration, 24*time.Hour)
}

func (c *Config) GetSealingKey() string {
	return c.SealingKey
}

func (c *Config) GetPhoneRegion() string {
	return c.PhoneRegion
}

// GetSweepInterval returns the pending store sweep interval, 1m when unset or invalid.
func (c *Config) GetSweepInterval() time.Duration {
	return parseDuration(c.SweepInterval, time.Minute)
}

// Audience returns the configured token audiences.
func (c *Config) Audience() []string {
	if c == nil || c.JWTAudience == "" {
		return nil
	}
	parts := strings.Split(c.JWTAudience, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
