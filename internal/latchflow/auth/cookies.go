package auth

import (
	"net/http"
	"time"
)

// SetAdminCookie attaches a fresh admin session cookie to the response.
func (s *Service) SetAdminCookie(w http.ResponseWriter, raw string) {
	s.setCookie(w, s.opts.AdminSessionCookie, raw, s.opts.AdminSessionTTL)
}

// ClearAdminCookie expires the admin session cookie. Safe to call when no
// cookie was set; logout stays idempotent.
func (s *Service) ClearAdminCookie(w http.ResponseWriter) {
	s.setCookie(w, s.opts.AdminSessionCookie, "", 0)
}

// SetRecipientCookie attaches a fresh recipient portal session cookie.
func (s *Service) SetRecipientCookie(w http.ResponseWriter, raw string) {
	s.setCookie(w, s.opts.RecipientSessionCookie, raw, s.opts.RecipientSessionTTL)
}

// ClearRecipientCookie expires the recipient portal session cookie.
func (s *Service) ClearRecipientCookie(w http.ResponseWriter) {
	s.setCookie(w, s.opts.RecipientSessionCookie, "", 0)
}

// setCookie writes a session cookie with the house rules: HttpOnly,
// SameSite=Lax, Path=/. A zero ttl clears the cookie via Max-Age=0.
func (s *Service) setCookie(w http.ResponseWriter, name, value string, ttl time.Duration) {
	c := &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   s.opts.CookieSecure,
	}
	if ttl > 0 {
		c.MaxAge = int(ttl / time.Second)
	} else {
		c.MaxAge = -1
	}
	http.SetCookie(w, c)
}
