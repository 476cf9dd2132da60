package auth_test

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/latchflow/latchflow/common/crypto"
	"github.com/latchflow/latchflow/internal/latchflow/auth"
	"github.com/latchflow/latchflow/internal/latchflow/db"
	"github.com/latchflow/latchflow/internal/latchflow/email"
)

func newTestStore(t *testing.T) *db.Store {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "latchflow-auth-*.db")
	if err != nil {
		t.Fatalf("temp db: %v", err)
	}
	f.Close()

	s, err := db.Open(f.Name())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestService(t *testing.T, opts auth.Options) (*auth.Service, *db.Store, *email.MemoryProvider) {
	t.Helper()
	store := newTestStore(t)
	mail := email.NewMemoryProvider()
	svc := auth.New(store, mail, nil, nil, opts)
	return svc, store, mail
}

func createRecipient(t *testing.T, store *db.Store, addr string) *db.Recipient {
	t.Helper()
	rec := &db.Recipient{Email: addr, IsEnabled: true}
	err := store.RunInTransaction(context.Background(), func(tx *sql.Tx) error {
		return db.CreateRecipientTx(context.Background(), tx, rec)
	})
	if err != nil {
		t.Fatalf("create recipient: %v", err)
	}
	return rec
}

var otpPattern = regexp.MustCompile(`\b(\d{6})\b`)

func lastOTP(t *testing.T, mail *email.MemoryProvider) string {
	t.Helper()
	msgs := mail.Messages()
	if len(msgs) == 0 {
		t.Fatal("no mail captured")
	}
	m := otpPattern.FindStringSubmatch(msgs[len(msgs)-1].TextBody)
	if m == nil {
		t.Fatalf("no code in mail body %q", msgs[len(msgs)-1].TextBody)
	}
	return m[1]
}

func requestWithCookie(name, value string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.AddCookie(&http.Cookie{Name: name, Value: value})
	return r
}

// --- Recipient OTP ---

func TestRecipientOTP_FullFlow(t *testing.T) {
	svc, store, mail := newTestService(t, auth.Options{})
	ctx := context.Background()
	rec := createRecipient(t, store, "dana@example.com")

	if err := svc.StartRecipientOTP(ctx, "dana@example.com", "10.0.0.1"); err != nil {
		t.Fatalf("StartRecipientOTP: %v", err)
	}
	code := lastOTP(t, mail)

	raw, got, err := svc.VerifyRecipientOTP(ctx, "dana@example.com", code, "10.0.0.1")
	if err != nil {
		t.Fatalf("VerifyRecipientOTP: %v", err)
	}
	if got.ID != rec.ID {
		t.Errorf("verified wrong recipient: %q", got.ID)
	}
	if raw == "" {
		t.Fatal("expected a session token")
	}

	// The session token resolves back to the recipient.
	r := requestWithCookie("lf_recipient_sess", raw)
	resolved, err := svc.RecipientFromRequest(r)
	if err != nil {
		t.Fatalf("RecipientFromRequest: %v", err)
	}
	if resolved.ID != rec.ID {
		t.Errorf("session resolved to %q, want %q", resolved.ID, rec.ID)
	}

	// The code was single-use.
	if _, _, err := svc.VerifyRecipientOTP(ctx, "dana@example.com", code, "10.0.0.2"); !errors.Is(err, auth.ErrInvalidCredentials) {
		t.Errorf("reused code: got %v, want ErrInvalidCredentials", err)
	}
}

func TestRecipientOTP_UnknownIdentityIsSilent(t *testing.T) {
	svc, _, mail := newTestService(t, auth.Options{})

	if err := svc.StartRecipientOTP(context.Background(), "ghost@example.com", "10.0.0.1"); err != nil {
		t.Fatalf("expected silent success for unknown recipient, got %v", err)
	}
	if n := len(mail.Messages()); n != 0 {
		t.Errorf("expected no mail for unknown recipient, got %d", n)
	}
}

func TestRecipientOTP_AttemptBudget(t *testing.T) {
	svc, store, mail := newTestService(t, auth.Options{})
	ctx := context.Background()
	createRecipient(t, store, "dana@example.com")

	if err := svc.StartRecipientOTP(ctx, "dana@example.com", "10.0.0.1"); err != nil {
		t.Fatalf("StartRecipientOTP: %v", err)
	}
	code := lastOTP(t, mail)

	// Burn the five allowed attempts with wrong guesses.
	for i := 0; i < 5; i++ {
		if _, _, err := svc.VerifyRecipientOTP(ctx, "dana@example.com", "000000", "10.0.0.2"); !errors.Is(err, auth.ErrInvalidCredentials) {
			t.Fatalf("attempt %d: got %v, want ErrInvalidCredentials", i+1, err)
		}
	}

	// Even the right code is dead on attempt six.
	if _, _, err := svc.VerifyRecipientOTP(ctx, "dana@example.com", code, "10.0.0.3"); !errors.Is(err, auth.ErrTooManyAttempts) {
		t.Errorf("exhausted code: got %v, want ErrTooManyAttempts", err)
	}
}

func TestRecipientOTP_ResendReplacesCode(t *testing.T) {
	svc, store, mail := newTestService(t, auth.Options{})
	ctx := context.Background()
	createRecipient(t, store, "dana@example.com")

	if err := svc.StartRecipientOTP(ctx, "dana@example.com", "10.0.0.1"); err != nil {
		t.Fatalf("first start: %v", err)
	}
	first := lastOTP(t, mail)

	if err := svc.StartRecipientOTP(ctx, "dana@example.com", "10.0.0.1"); err != nil {
		t.Fatalf("resend: %v", err)
	}
	second := lastOTP(t, mail)

	if _, _, err := svc.VerifyRecipientOTP(ctx, "dana@example.com", first, "10.0.0.2"); err == nil && first != second {
		t.Error("stale code still redeemable after resend")
	}
	if _, _, err := svc.VerifyRecipientOTP(ctx, "dana@example.com", second, "10.0.0.3"); err != nil {
		t.Errorf("fresh code rejected: %v", err)
	}
}

func TestRecipientLogout_Idempotent(t *testing.T) {
	svc, store, mail := newTestService(t, auth.Options{})
	ctx := context.Background()
	createRecipient(t, store, "dana@example.com")

	if err := svc.StartRecipientOTP(ctx, "dana@example.com", "10.0.0.1"); err != nil {
		t.Fatalf("StartRecipientOTP: %v", err)
	}
	raw, _, err := svc.VerifyRecipientOTP(ctx, "dana@example.com", lastOTP(t, mail), "10.0.0.1")
	if err != nil {
		t.Fatalf("VerifyRecipientOTP: %v", err)
	}

	r := requestWithCookie("lf_recipient_sess", raw)
	if err := svc.LogoutRecipient(ctx, r); err != nil {
		t.Fatalf("first logout: %v", err)
	}
	if err := svc.LogoutRecipient(ctx, r); err != nil {
		t.Fatalf("second logout: %v", err)
	}
	if _, err := svc.RecipientFromRequest(r); !errors.Is(err, auth.ErrInvalidCredentials) {
		t.Errorf("revoked session still resolves: %v", err)
	}

	// Logout with no cookie at all is fine too.
	if err := svc.LogoutRecipient(ctx, httptest.NewRequest(http.MethodPost, "/", nil)); err != nil {
		t.Errorf("cookieless logout: %v", err)
	}
}

func TestAuthRateLimit(t *testing.T) {
	svc, _, _ := newTestService(t, auth.Options{})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if err := svc.StartRecipientOTP(ctx, "ghost@example.com", "10.9.9.9"); err != nil {
			t.Fatalf("attempt %d: %v", i+1, err)
		}
	}
	if err := svc.StartRecipientOTP(ctx, "ghost@example.com", "10.9.9.9"); !errors.Is(err, auth.ErrRateLimited) {
		t.Errorf("11th attempt: got %v, want ErrRateLimited", err)
	}

	// A different caller key is unaffected.
	if err := svc.StartRecipientOTP(ctx, "ghost@example.com", "10.9.9.10"); err != nil {
		t.Errorf("fresh ip rate limited: %v", err)
	}
}

// --- Admin magic link ---

func loginURLToken(t *testing.T, loginURL string) string {
	t.Helper()
	u, err := url.Parse(loginURL)
	if err != nil {
		t.Fatalf("parse login url: %v", err)
	}
	tok := u.Query().Get("token")
	if tok == "" {
		t.Fatalf("login url %q has no token", loginURL)
	}
	return tok
}

func TestAdminMagicLink_FullFlow(t *testing.T) {
	svc, store, mail := newTestService(t, auth.Options{AllowDevAuth: true, BaseURL: "http://localhost:8080"})
	ctx := context.Background()

	res, err := svc.StartAdminLogin(ctx, "Admin@Example.com", "10.0.0.1")
	if err != nil {
		t.Fatalf("StartAdminLogin: %v", err)
	}
	if res.LoginURL == "" {
		t.Fatal("dev mode should return login_url")
	}
	if len(mail.Messages()) != 1 {
		t.Fatalf("expected one mail, got %d", len(mail.Messages()))
	}

	raw, u, err := svc.CompleteAdminLogin(ctx, loginURLToken(t, res.LoginURL))
	if err != nil {
		t.Fatalf("CompleteAdminLogin: %v", err)
	}
	if u.Email != "admin@example.com" {
		t.Errorf("email not normalized: %q", u.Email)
	}

	r := requestWithCookie("lf_admin_sess", raw)
	resolved, err := svc.AdminFromRequest(r)
	if err != nil {
		t.Fatalf("AdminFromRequest: %v", err)
	}
	if resolved.ID != u.ID {
		t.Errorf("session resolved to %q, want %q", resolved.ID, u.ID)
	}

	// The user row exists exactly once.
	if _, err := store.GetUserByEmail(ctx, "admin@example.com"); err != nil {
		t.Errorf("GetUserByEmail: %v", err)
	}
}

func TestAdminMagicLink_SingleUse(t *testing.T) {
	svc, _, _ := newTestService(t, auth.Options{AllowDevAuth: true})
	ctx := context.Background()

	res, err := svc.StartAdminLogin(ctx, "admin@example.com", "10.0.0.1")
	if err != nil {
		t.Fatalf("StartAdminLogin: %v", err)
	}
	token := loginURLToken(t, res.LoginURL)

	if _, _, err := svc.CompleteAdminLogin(ctx, token); err != nil {
		t.Fatalf("first callback: %v", err)
	}
	if _, _, err := svc.CompleteAdminLogin(ctx, token); !errors.Is(err, auth.ErrInvalidCredentials) {
		t.Errorf("second callback: got %v, want ErrInvalidCredentials", err)
	}
}

func TestAdminMagicLink_Expired(t *testing.T) {
	svc, _, _ := newTestService(t, auth.Options{AllowDevAuth: true, MagicLinkTTL: -time.Minute})

	res, err := svc.StartAdminLogin(context.Background(), "admin@example.com", "10.0.0.1")
	if err != nil {
		t.Fatalf("StartAdminLogin: %v", err)
	}
	if _, _, err := svc.CompleteAdminLogin(context.Background(), loginURLToken(t, res.LoginURL)); !errors.Is(err, auth.ErrInvalidCredentials) {
		t.Errorf("expired link: got %v, want ErrInvalidCredentials", err)
	}
}

// --- Device code flow ---

func adminUser(t *testing.T, store *db.Store, addr string) *db.User {
	t.Helper()
	u, err := store.EnsureUser(context.Background(), addr)
	if err != nil {
		t.Fatalf("EnsureUser: %v", err)
	}
	return u
}

// rewindPoll backdates the last poll stamp so the next poll clears the
// interval gate without sleeping.
func rewindPoll(t *testing.T, store *db.Store, deviceCode string) {
	t.Helper()
	d, err := store.GetDeviceAuthByDeviceCodeHash(context.Background(), crypto.HashToken(deviceCode))
	if err != nil {
		t.Fatalf("load device auth: %v", err)
	}
	if err := store.MarkDevicePoll(context.Background(), d.ID, time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("rewind poll: %v", err)
	}
}

func TestDeviceFlow_FullCeremony(t *testing.T) {
	svc, store, _ := newTestService(t, auth.Options{TokenPrefix: "lfk_"})
	ctx := context.Background()
	approver := adminUser(t, store, "approver@example.com")

	start, err := svc.StartDeviceAuth(ctx, "cli-user@example.com", "laptop", "10.0.0.1")
	if err != nil {
		t.Fatalf("StartDeviceAuth: %v", err)
	}
	if start.DeviceCode == "" || start.Interval != 5 {
		t.Fatalf("unexpected start payload: %+v", start)
	}
	if !regexp.MustCompile(`^[A-Z2-9]{4}-[A-Z2-9]{4}$`).MatchString(start.UserCode) {
		t.Fatalf("unexpected user code format %q", start.UserCode)
	}

	// Pending until approved.
	if _, err := svc.PollDeviceAuth(ctx, start.DeviceCode); !errors.Is(err, auth.ErrPending) {
		t.Fatalf("pre-approval poll: got %v, want ErrPending", err)
	}

	// Back-to-back polls trip the interval gate.
	if _, err := svc.PollDeviceAuth(ctx, start.DeviceCode); !errors.Is(err, auth.ErrSlowDown) {
		t.Fatalf("fast poll: got %v, want ErrSlowDown", err)
	}

	// Approval accepts sloppy user-code input.
	sloppy := strings.ToLower(strings.ReplaceAll(start.UserCode, "-", ""))
	if err := svc.ApproveDeviceAuth(ctx, sloppy, approver, "10.0.0.2"); err != nil {
		t.Fatalf("ApproveDeviceAuth: %v", err)
	}

	rewindPoll(t, store, start.DeviceCode)
	raw, err := svc.PollDeviceAuth(ctx, start.DeviceCode)
	if err != nil {
		t.Fatalf("post-approval poll: %v", err)
	}
	if !strings.HasPrefix(raw, "lfk_") {
		t.Errorf("token %q missing prefix", raw)
	}

	// The raw token authenticates as a bearer credential.
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer "+raw)
	tok, err := svc.TokenFromRequest(r)
	if err != nil {
		t.Fatalf("TokenFromRequest: %v", err)
	}
	owner, err := store.GetUser(ctx, tok.UserID)
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if owner.Email != "cli-user@example.com" {
		t.Errorf("token belongs to %q, want the requesting user", owner.Email)
	}

	// The raw value is released exactly once.
	rewindPoll(t, store, start.DeviceCode)
	if _, err := svc.PollDeviceAuth(ctx, start.DeviceCode); !errors.Is(err, auth.ErrUnavailable) {
		t.Errorf("second collection: got %v, want ErrUnavailable", err)
	}
}

func TestDeviceFlow_InvalidAndExpired(t *testing.T) {
	svc, _, _ := newTestService(t, auth.Options{DeviceCodeTTL: -time.Minute})
	ctx := context.Background()

	if _, err := svc.PollDeviceAuth(ctx, "no-such-code"); !errors.Is(err, auth.ErrInvalidCode) {
		t.Errorf("unknown device code: got %v, want ErrInvalidCode", err)
	}

	start, err := svc.StartDeviceAuth(ctx, "cli-user@example.com", "", "10.0.0.1")
	if err != nil {
		t.Fatalf("StartDeviceAuth: %v", err)
	}
	if _, err := svc.PollDeviceAuth(ctx, start.DeviceCode); !errors.Is(err, auth.ErrExpired) {
		t.Errorf("expired device code: got %v, want ErrExpired", err)
	}
}

func TestDeviceFlow_Revoked(t *testing.T) {
	svc, store, _ := newTestService(t, auth.Options{})
	ctx := context.Background()

	start, err := svc.StartDeviceAuth(ctx, "cli-user@example.com", "", "10.0.0.1")
	if err != nil {
		t.Fatalf("StartDeviceAuth: %v", err)
	}
	if err := svc.RevokeDeviceAuth(ctx, start.UserCode); err != nil {
		t.Fatalf("RevokeDeviceAuth: %v", err)
	}
	rewindPoll(t, store, start.DeviceCode)
	if _, err := svc.PollDeviceAuth(ctx, start.DeviceCode); !errors.Is(err, auth.ErrRevoked) {
		t.Errorf("revoked poll: got %v, want ErrRevoked", err)
	}
}

// --- API tokens ---

func TestTokens_OwnershipAndRotation(t *testing.T) {
	svc, store, _ := newTestService(t, auth.Options{})
	ctx := context.Background()
	owner := adminUser(t, store, "owner@example.com")
	other := adminUser(t, store, "other@example.com")

	raw, tok, err := svc.IssueToken(ctx, owner.ID, "ci", []string{auth.ScopeCoreRead, auth.ScopeBundlesRead}, 0)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	// Another user cannot touch it.
	if err := svc.RevokeToken(ctx, other.ID, tok.ID); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("cross-user revoke: got %v, want ErrNotFound", err)
	}

	// Rotation keeps scopes, kills the old credential.
	newRaw, newTok, err := svc.RotateToken(ctx, owner.ID, tok.ID)
	if err != nil {
		t.Fatalf("RotateToken: %v", err)
	}
	if newRaw == raw {
		t.Error("rotation reissued the same raw token")
	}
	if !auth.HasScopes(newTok, []string{auth.ScopeBundlesRead}) {
		t.Error("rotation dropped scopes")
	}

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer "+raw)
	if _, err := svc.TokenFromRequest(r); !errors.Is(err, auth.ErrInvalidCredentials) {
		t.Errorf("old credential after rotation: got %v, want ErrInvalidCredentials", err)
	}
	r.Header.Set("Authorization", "Bearer "+newRaw)
	if _, err := svc.TokenFromRequest(r); err != nil {
		t.Errorf("new credential rejected: %v", err)
	}

	if err := svc.RevokeToken(ctx, owner.ID, newTok.ID); err != nil {
		t.Fatalf("RevokeToken: %v", err)
	}
	if _, err := svc.TokenFromRequest(r); !errors.Is(err, auth.ErrInvalidCredentials) {
		t.Errorf("revoked credential: got %v, want ErrInvalidCredentials", err)
	}
}

func TestIssueToken_RejectsUnknownScope(t *testing.T) {
	svc, store, _ := newTestService(t, auth.Options{})
	owner := adminUser(t, store, "owner@example.com")

	if _, _, err := svc.IssueToken(context.Background(), owner.ID, "bad", []string{"root:everything"}, 0); err == nil {
		t.Error("expected unknown scope to be rejected")
	}
}

func TestHasScopes(t *testing.T) {
	tok := &db.APIToken{Scopes: []string{auth.ScopeCoreRead, auth.ScopeFilesWrite}}

	if !auth.HasScopes(tok, nil) {
		t.Error("empty requirement should pass")
	}
	if !auth.HasScopes(tok, []string{auth.ScopeCoreRead}) {
		t.Error("held scope should pass")
	}
	if auth.HasScopes(tok, []string{auth.ScopeCoreRead, auth.ScopeCoreWrite}) {
		t.Error("missing scope should fail")
	}
}

// --- Cookies ---

func TestCookieAttributes(t *testing.T) {
	svc, _, _ := newTestService(t, auth.Options{CookieSecure: true})

	w := httptest.NewRecorder()
	svc.SetAdminCookie(w, "raw-token")
	res := w.Result()
	if len(res.Cookies()) != 1 {
		t.Fatalf("expected one cookie, got %d", len(res.Cookies()))
	}
	c := res.Cookies()[0]
	if c.Name != "lf_admin_sess" || !c.HttpOnly || !c.Secure || c.Path != "/" || c.SameSite != http.SameSiteLaxMode {
		t.Errorf("unexpected cookie attributes: %+v", c)
	}
	if c.MaxAge <= 0 {
		t.Errorf("session cookie should carry a positive Max-Age, got %d", c.MaxAge)
	}

	w = httptest.NewRecorder()
	svc.ClearAdminCookie(w)
	c = w.Result().Cookies()[0]
	if c.MaxAge >= 0 && c.Value != "" {
		t.Errorf("clear should expire the cookie, got %+v", c)
	}
}
