// Package auth implements the three Latchflow login ceremonies (recipient
// OTP, admin magic link and the CLI device-code flow) plus session and API
// token management. Credentials are stored hash-only (SHA-256), compared in
// constant time, single-use where the ceremony demands it, and every flow is
// rate limited per (ip, subject).
package auth

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/latchflow/latchflow/internal/latchflow/db"
	"github.com/latchflow/latchflow/internal/latchflow/email"
	"github.com/latchflow/latchflow/internal/latchflow/metrics"
	"github.com/latchflow/latchflow/internal/latchflow/ratelimit"
)

// Sentinel errors. The HTTP layer maps these onto the status-code contract.
var (
	// ErrInvalidCredentials covers every bad-secret case: unknown identity,
	// wrong OTP, unknown or dead session. Deliberately indistinct so
	// responses do not reveal which part failed.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	// ErrTooManyAttempts is returned once an OTP has burned its attempt
	// budget.
	ErrTooManyAttempts = errors.New("auth: too many attempts")
	// ErrRateLimited is returned when the (ip, subject) window is exhausted.
	ErrRateLimited = errors.New("auth: rate limited")
	// ErrExpired is returned for expired magic links and device codes.
	ErrExpired = errors.New("auth: expired")
	// ErrRevoked is returned when a device authorization was revoked.
	ErrRevoked = errors.New("auth: revoked")
	// ErrPending is returned while a device authorization awaits approval.
	ErrPending = errors.New("auth: authorization pending")
	// ErrSlowDown is returned when a device poll arrives before the
	// advertised interval has elapsed.
	ErrSlowDown = errors.New("auth: polling too fast")
	// ErrUnavailable is returned when an approved device token was already
	// collected (or lost to a restart) and can never be handed out again.
	ErrUnavailable = errors.New("auth: token no longer available")
	// ErrInvalidCode is returned for device or user codes that match
	// nothing.
	ErrInvalidCode = errors.New("auth: invalid code")
)

// Default knobs applied by New when the corresponding option is zero.
const (
	DefaultOTPLength           = 6
	DefaultOTPTTL              = 10 * time.Minute
	DefaultRecipientSessionTTL = 2 * time.Hour
	DefaultMagicLinkTTL        = 15 * time.Minute
	DefaultAdminSessionTTL     = 12 * time.Hour
	DefaultDeviceCodeTTL       = 10 * time.Minute
	DefaultDeviceCodeInterval  = 5 * time.Second
	DefaultTokenPrefix         = "lfk_"

	// OTPMaxAttempts is the verify budget per issued code.
	OTPMaxAttempts = 5

	// rateLimit / rateWindow bound guesses per (ip, subject).
	rateLimit  = 10
	rateWindow = time.Minute
)

// Options configures a Service. Zero values fall back to the package
// defaults above; empty cookie names fall back to the lf_* conventions.
type Options struct {
	AdminSessionCookie     string
	RecipientSessionCookie string
	OTPLength              int
	OTPTTL                 time.Duration
	RecipientSessionTTL    time.Duration
	MagicLinkTTL           time.Duration
	AdminSessionTTL        time.Duration
	CookieSecure           bool
	// AllowDevAuth makes StartAdminLogin return the login URL in the
	// response instead of relying on mail delivery. Development only.
	AllowDevAuth       bool
	DeviceCodeTTL      time.Duration
	DeviceCodeInterval time.Duration
	TokenPrefix        string
	// TokenTTL bounds API tokens minted by the device flow. Zero means
	// no expiry.
	TokenTTL      time.Duration
	DefaultScopes []string
	// BaseURL is the externally reachable origin used to build magic-link
	// and device-verification URLs.
	BaseURL string
}

// Service runs the ceremonies against the store and the mail provider.
type Service struct {
	store   *db.Store
	mail    email.Provider
	limiter *ratelimit.Limiter
	metrics *metrics.Metrics
	log     *slog.Logger
	opts    Options

	// issued holds raw API tokens minted at device approval, keyed by
	// device-code hash. Each entry is released to exactly one successful
	// poll and evicted; a process restart loses pending entries, which
	// surfaces as ErrUnavailable.
	mu     sync.Mutex
	issued map[string]string
}

// New builds a Service. Nil metrics and logger are replaced with no-ops.
func New(store *db.Store, mail email.Provider, m *metrics.Metrics, logger *slog.Logger, opts Options) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.AdminSessionCookie == "" {
		opts.AdminSessionCookie = "lf_admin_sess"
	}
	if opts.RecipientSessionCookie == "" {
		opts.RecipientSessionCookie = "lf_recipient_sess"
	}
	if opts.OTPLength == 0 {
		opts.OTPLength = DefaultOTPLength
	}
	if opts.OTPTTL == 0 {
		opts.OTPTTL = DefaultOTPTTL
	}
	if opts.RecipientSessionTTL == 0 {
		opts.RecipientSessionTTL = DefaultRecipientSessionTTL
	}
	if opts.MagicLinkTTL == 0 {
		opts.MagicLinkTTL = DefaultMagicLinkTTL
	}
	if opts.AdminSessionTTL == 0 {
		opts.AdminSessionTTL = DefaultAdminSessionTTL
	}
	if opts.DeviceCodeTTL == 0 {
		opts.DeviceCodeTTL = DefaultDeviceCodeTTL
	}
	if opts.DeviceCodeInterval == 0 {
		opts.DeviceCodeInterval = DefaultDeviceCodeInterval
	}
	if opts.TokenPrefix == "" {
		opts.TokenPrefix = DefaultTokenPrefix
	}
	if len(opts.DefaultScopes) == 0 {
		opts.DefaultScopes = []string{ScopeCoreRead}
	}
	if opts.BaseURL == "" {
		opts.BaseURL = "http://localhost:8080"
	}

	return &Service{
		store:   store,
		mail:    mail,
		limiter: ratelimit.New(rateLimit, rateWindow),
		metrics: m,
		log:     logger.With("component", "auth"),
		opts:    opts,
	}
}

// allow consumes one attempt from the (ip, subject) window.
func (s *Service) allow(ip, subject string) bool {
	return s.limiter.Allow(ratelimit.Key(ip, subject))
}

// Sweep drops expired rate-limit buckets. Called periodically by the app.
func (s *Service) Sweep() {
	s.limiter.Sweep()
}

func (s *Service) record(flow, result string) {
	if s.metrics != nil {
		s.metrics.RecordAuthAttempt(flow, result)
	}
}
