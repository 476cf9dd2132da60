package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/latchflow/latchflow/common/crypto"
	"github.com/latchflow/latchflow/internal/latchflow/db"
)

// API token scopes. Write scopes do not imply their read counterpart;
// callers needing both request both.
const (
	ScopeCoreRead        = "core:read"
	ScopeCoreWrite       = "core:write"
	ScopeFilesRead       = "files:read"
	ScopeFilesWrite      = "files:write"
	ScopeBundlesRead     = "bundles:read"
	ScopeBundlesWrite    = "bundles:write"
	ScopeRecipientsRead  = "recipients:read"
	ScopeRecipientsWrite = "recipients:write"
)

var knownScopes = map[string]bool{
	ScopeCoreRead:        true,
	ScopeCoreWrite:       true,
	ScopeFilesRead:       true,
	ScopeFilesWrite:      true,
	ScopeBundlesRead:     true,
	ScopeBundlesWrite:    true,
	ScopeRecipientsRead:  true,
	ScopeRecipientsWrite: true,
}

// ValidScope reports whether s is one of the fixed scope strings.
func ValidScope(s string) bool {
	return knownScopes[s]
}

// HasScopes reports whether the token grants every required scope.
func HasScopes(t *db.APIToken, required []string) bool {
	if len(required) == 0 {
		return true
	}
	held := make(map[string]bool, len(t.Scopes))
	for _, sc := range t.Scopes {
		held[sc] = true
	}
	for _, sc := range required {
		if !held[sc] {
			return false
		}
	}
	return true
}

// IssueToken mints an API token for the user. The raw value (prefix plus
// 32 bytes of base64url) is returned once and never stored; the row keeps
// the SHA-256 digest and the display prefix.
func (s *Service) IssueToken(ctx context.Context, userID, name string, scopes []string, ttl time.Duration) (string, *db.APIToken, error) {
	for _, sc := range scopes {
		if !ValidScope(sc) {
			return "", nil, fmt.Errorf("auth: unknown scope %q", sc)
		}
	}
	if len(scopes) == 0 {
		scopes = s.opts.DefaultScopes
	}

	body, err := crypto.NewToken()
	if err != nil {
		return "", nil, err
	}
	raw := s.opts.TokenPrefix + body

	t := &db.APIToken{
		UserID:    userID,
		TokenHash: crypto.HashToken(raw),
		Prefix:    displayPrefix(raw),
		Scopes:    scopes,
	}
	if name != "" {
		t.Name = sql.NullString{String: name, Valid: true}
	}
	if ttl > 0 {
		t.ExpiresAt = sql.NullTime{Time: time.Now().Add(ttl), Valid: true}
	}
	if err := s.store.CreateAPIToken(ctx, t); err != nil {
		return "", nil, err
	}

	s.log.Info("api token issued", "token_id", t.ID, "user_id", userID, "scopes", strings.Join(scopes, ","))
	return raw, t, nil
}

// Tokens lists the caller's API tokens, revoked ones included.
func (s *Service) Tokens(ctx context.Context, userID string) ([]*db.APIToken, error) {
	return s.store.ListAPITokens(ctx, userID)
}

// RevokeToken revokes one of the caller's tokens. Tokens owned by other
// users read as not found.
func (s *Service) RevokeToken(ctx context.Context, userID, tokenID string) error {
	t, err := s.store.GetAPIToken(ctx, tokenID)
	if err != nil {
		return err
	}
	if t.UserID != userID {
		return fmt.Errorf("db: api token %q: %w", tokenID, db.ErrNotFound)
	}
	if err := s.store.RevokeAPIToken(ctx, tokenID); err != nil {
		return err
	}
	s.log.Info("api token revoked", "token_id", tokenID, "user_id", userID)
	return nil
}

// RotateToken revokes the old token and mints a successor carrying the same
// name, scopes and expiry policy. Returns the new raw value once.
func (s *Service) RotateToken(ctx context.Context, userID, tokenID string) (string, *db.APIToken, error) {
	old, err := s.store.GetAPIToken(ctx, tokenID)
	if err != nil {
		return "", nil, err
	}
	if old.UserID != userID {
		return "", nil, fmt.Errorf("db: api token %q: %w", tokenID, db.ErrNotFound)
	}

	body, err := crypto.NewToken()
	if err != nil {
		return "", nil, err
	}
	raw := s.opts.TokenPrefix + body

	replacement, err := s.store.RotateAPIToken(ctx, tokenID, crypto.HashToken(raw), displayPrefix(raw))
	if err != nil {
		return "", nil, err
	}

	s.log.Info("api token rotated", "old_token_id", tokenID, "token_id", replacement.ID, "user_id", userID)
	return raw, replacement, nil
}

// TokenFromRequest resolves an Authorization: Bearer header to a live API
// token and stamps its last use. Missing header returns ErrInvalidCredentials
// so callers can distinguish "no bearer attached" from a store failure.
func (s *Service) TokenFromRequest(r *http.Request) (*db.APIToken, error) {
	raw, ok := BearerToken(r)
	if !ok {
		return nil, ErrInvalidCredentials
	}
	t, err := s.store.GetLiveAPITokenByHash(r.Context(), crypto.HashToken(raw), time.Now())
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if err := s.store.TouchAPIToken(r.Context(), t.ID, time.Now()); err != nil {
		s.log.Warn("touch api token failed", "token_id", t.ID, "error", err)
	}
	return t, nil
}

// BearerToken extracts the bearer credential from the request, reporting
// whether the header was present at all.
func BearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return "", false
	}
	const prefix = "Bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(h[len(prefix):]), true
}

// displayPrefix keeps enough of the raw token for humans to tell entries
// apart in listings without weakening the secret.
func displayPrefix(raw string) string {
	if len(raw) <= 12 {
		return raw
	}
	return raw[:12]
}
