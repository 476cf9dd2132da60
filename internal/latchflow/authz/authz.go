package authz

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/latchflow/latchflow/common/trace"
	"github.com/latchflow/latchflow/internal/latchflow/auth"
	"github.com/latchflow/latchflow/internal/latchflow/db"
)

// Decision verdicts as persisted in authz_decisions.
const (
	DecisionAllow = "ALLOW"
	DecisionDeny  = "DENY"
)

// Identity is the authenticated principal attached to the request context
// by the middleware. Token is nil for cookie sessions.
type Identity struct {
	User  *db.User
	Token *db.APIToken
}

type ctxKey struct{}

// IdentityFrom returns the principal the middleware authenticated.
func IdentityFrom(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(*Identity)
	return id, ok
}

// WithIdentity attaches a principal to the context. Exported for handler
// tests that bypass the middleware.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// Requirement states what a route demands: the policy signature checked for
// cookie sessions and the scopes checked for bearer tokens.
type Requirement struct {
	PolicySignature string
	Scopes          []string
}

// Authorizer owns the compiled policy and issues verdicts. Safe for
// concurrent use; reloads swap the policy atomically.
type Authorizer struct {
	store *db.Store
	auth  *auth.Service
	log   *slog.Logger

	mu     sync.RWMutex
	policy *Policy

	path    string
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// New builds an Authorizer. An empty path installs the deny-all policy for
// non-admins; reload watches the file and recompiles on change.
func New(store *db.Store, authSvc *auth.Service, logger *slog.Logger, path string, reload bool) (*Authorizer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Authorizer{
		store:  store,
		auth:   authSvc,
		log:    logger.With("component", "authz"),
		policy: EmptyPolicy(),
		path:   path,
	}

	if path != "" {
		p, err := LoadPolicy(path)
		if err != nil {
			return nil, err
		}
		a.policy = p
		a.log.Info("policy loaded", "path", path, "rules", p.Rules())
	}

	if reload && path != "" {
		if err := a.watch(); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// Close stops the reload watcher, if any.
func (a *Authorizer) Close() error {
	if a.watcher == nil {
		return nil
	}
	err := a.watcher.Close()
	<-a.done
	return err
}

// watch re-reads the policy whenever the file changes. The parent directory
// is watched because editors typically replace the file via rename.
func (a *Authorizer) watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(a.path)); err != nil {
		w.Close()
		return err
	}
	a.watcher = w
	a.done = make(chan struct{})

	go func() {
		defer close(a.done)
		target := filepath.Clean(a.path)
		for {
			select {
			case evt, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(evt.Name) != target {
					continue
				}
				if evt.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				p, err := LoadPolicy(a.path)
				if err != nil {
					// Keep serving the previous policy rather than
					// failing open or closed on a bad edit.
					a.log.Warn("policy reload failed", "path", a.path, "error", err)
					continue
				}
				a.mu.Lock()
				a.policy = p
				a.mu.Unlock()
				a.log.Info("policy reloaded", "path", a.path, "rules", p.Rules())
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				a.log.Warn("policy watcher error", "error", err)
			}
		}
	}()
	return nil
}

// Replace swaps the active policy. Used by tests and by operators driving
// reloads out of band.
func (a *Authorizer) Replace(p *Policy) {
	a.mu.Lock()
	a.policy = p
	a.mu.Unlock()
}

// RuleCount reports the number of compiled rules in the active policy.
func (a *Authorizer) RuleCount() int {
	return a.current().Rules()
}

func (a *Authorizer) current() *Policy {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.policy
}

// RequireAdminOrAPIToken guards an admin route. A bearer header, when
// present, is the only credential considered: it must name a live token
// holding the required scopes. Without a bearer header an admin session
// cookie is required; admins pass outright, other users are matched against
// the policy signature. Every verdict is recorded.
func (a *Authorizer) RequireAdminOrAPIToken(req Requirement, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := auth.BearerToken(r); ok {
			t, err := a.auth.TokenFromRequest(r)
			if err != nil {
				writeAuthzError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid or expired token")
				return
			}
			if !auth.HasScopes(t, req.Scopes) {
				a.LogDecision(r.Context(), Decision{
					Decision:  DecisionDeny,
					Reason:    "missing scope",
					Signature: req.PolicySignature,
					TokenID:   t.ID,
				})
				writeAuthzError(w, http.StatusForbidden, "FORBIDDEN", "token lacks required scope")
				return
			}
			u, err := a.store.GetUser(r.Context(), t.UserID)
			if err != nil {
				writeAuthzError(w, http.StatusUnauthorized, "UNAUTHORIZED", "token owner unavailable")
				return
			}
			a.LogDecision(r.Context(), Decision{
				Decision:  DecisionAllow,
				Reason:    "api token",
				Signature: req.PolicySignature,
				UserID:    u.ID,
				TokenID:   t.ID,
			})
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), &Identity{User: u, Token: t})))
			return
		}

		u, err := a.auth.AdminFromRequest(r)
		if err != nil {
			writeAuthzError(w, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required")
			return
		}
		if !u.IsAdmin {
			allowed, reason := a.current().Allows("user", req.PolicySignature)
			if !allowed {
				a.LogDecision(r.Context(), Decision{
					Decision:  DecisionDeny,
					Reason:    "no matching policy rule",
					Signature: req.PolicySignature,
					UserID:    u.ID,
				})
				writeAuthzError(w, http.StatusForbidden, "FORBIDDEN", "not permitted")
				return
			}
			a.LogDecision(r.Context(), Decision{
				Decision:  DecisionAllow,
				Reason:    reason,
				Signature: req.PolicySignature,
				UserID:    u.ID,
			})
		} else {
			a.LogDecision(r.Context(), Decision{
				Decision:  DecisionAllow,
				Reason:    "admin",
				Signature: req.PolicySignature,
				UserID:    u.ID,
			})
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), &Identity{User: u})))
	})
}

// Decision is one verdict to record.
type Decision struct {
	Decision  string
	Reason    string
	Signature string
	UserID    string
	TokenID   string
}

// LogDecision persists the verdict and mirrors it to the log. Recording
// outlives the request context so client disconnects cannot erase the
// trail; a failed insert is logged, never fatal.
func (a *Authorizer) LogDecision(ctx context.Context, d Decision) {
	row := &db.AuthzDecisionRow{
		Decision:  d.Decision,
		Reason:    d.Reason,
		Signature: d.Signature,
	}
	if d.UserID != "" {
		row.UserID = sql.NullString{String: d.UserID, Valid: true}
	}
	if d.TokenID != "" {
		row.TokenID = sql.NullString{String: d.TokenID, Valid: true}
	}
	if err := a.store.InsertAuthzDecision(context.WithoutCancel(ctx), row); err != nil {
		a.log.Warn("record decision failed", "signature", d.Signature, "error", err)
	}
	a.log.Debug("authz decision",
		"decision", d.Decision, "signature", d.Signature, "reason", d.Reason,
		"user_id", d.UserID, "token_id", d.TokenID,
		"trace_id", trace.FromContext(ctx))
}

// writeAuthzError emits the wire error shape without importing the HTTP
// package, which sits above this one.
func writeAuthzError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":  "error",
		"code":    code,
		"message": message,
	})
}
