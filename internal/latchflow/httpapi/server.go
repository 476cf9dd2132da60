// Package httpapi is the HTTP surface of Latchflow: the auth ceremonies,
// the admin CRUD for bundles, files, recipients and the plugin graph, the
// recipient portal, webhook ingestion and the operational endpoints. Bodies
// are JSON; errors share one envelope; admin routes pass through the
// admin-or-token guard.
package httpapi

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/latchflow/latchflow/common/trace"
	"github.com/latchflow/latchflow/internal/latchflow/auth"
	"github.com/latchflow/latchflow/internal/latchflow/authz"
	"github.com/latchflow/latchflow/internal/latchflow/bundle"
	"github.com/latchflow/latchflow/internal/latchflow/db"
	"github.com/latchflow/latchflow/internal/latchflow/download"
	"github.com/latchflow/latchflow/internal/latchflow/history"
	"github.com/latchflow/latchflow/internal/latchflow/metrics"
	"github.com/latchflow/latchflow/internal/latchflow/plugin"
	"github.com/latchflow/latchflow/internal/latchflow/plugin/builtin"
	"github.com/latchflow/latchflow/internal/latchflow/queue"
	"github.com/latchflow/latchflow/internal/latchflow/storage"
	"github.com/latchflow/latchflow/internal/latchflow/trigger"
)

// Deps collects everything the handlers reach into. All fields except
// Logger and Version are required.
type Deps struct {
	Store      *db.Store
	Auth       *auth.Service
	Authz      *authz.Authorizer
	History    *history.Tracker
	Storage    *storage.Service
	Downloads  *download.Service
	Scheduler  *bundle.Scheduler
	Triggers   *trigger.Manager
	Queue      queue.Queue
	Registry   *plugin.Registry
	Encryption *plugin.ConfigEncryption
	Hooks      *builtin.WebhookHub
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
	Version    string
}

// Server owns the router and the handler dependencies.
type Server struct {
	store     *db.Store
	auth      *auth.Service
	authz     *authz.Authorizer
	history   *history.Tracker
	storage   *storage.Service
	downloads *download.Service
	scheduler *bundle.Scheduler
	triggers  *trigger.Manager
	queue     queue.Queue
	registry  *plugin.Registry
	enc       *plugin.ConfigEncryption
	hooks     *builtin.WebhookHub
	metrics   *metrics.Metrics
	log       *slog.Logger
	version   string
	started   time.Time
}

// New builds the server. Call Router to obtain the handler to serve.
func New(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:     d.Store,
		auth:      d.Auth,
		authz:     d.Authz,
		history:   d.History,
		storage:   d.Storage,
		downloads: d.Downloads,
		scheduler: d.Scheduler,
		triggers:  d.Triggers,
		queue:     d.Queue,
		registry:  d.Registry,
		enc:       d.Encryption,
		hooks:     d.Hooks,
		metrics:   d.Metrics,
		log:       logger.With("component", "httpapi"),
		version:   d.Version,
		started:   time.Now(),
	}
}

// guard wraps an admin handler with the admin-or-token check.
func (s *Server) guard(signature string, scopes []string, h http.HandlerFunc) http.Handler {
	return s.authz.RequireAdminOrAPIToken(authz.Requirement{
		PolicySignature: signature,
		Scopes:          scopes,
	}, h)
}

// Router assembles the full route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.logRequests)
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "no such route")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "BAD_REQUEST", "method not allowed")
	})

	// Auth ceremonies.
	r.HandleFunc("/auth/admin/start", s.handleAdminStart).Methods(http.MethodPost)
	r.HandleFunc("/auth/admin/callback", s.handleAdminCallback).Methods(http.MethodGet)
	r.HandleFunc("/auth/admin/logout", s.handleAdminLogout).Methods(http.MethodPost)
	r.HandleFunc("/auth/recipient/start", s.handleRecipientStart).Methods(http.MethodPost)
	r.HandleFunc("/auth/recipient/verify", s.handleRecipientVerify).Methods(http.MethodPost)
	r.HandleFunc("/portal/auth/otp/resend", s.handleRecipientStart).Methods(http.MethodPost)
	r.HandleFunc("/auth/recipient/logout", s.handleRecipientLogout).Methods(http.MethodPost)

	// Device-code flow and token management.
	r.HandleFunc("/auth/cli/device/start", s.handleDeviceStart).Methods(http.MethodPost)
	r.HandleFunc("/auth/cli/device/approve", s.handleDeviceApprove).Methods(http.MethodPost)
	r.HandleFunc("/auth/cli/device/reject", s.handleDeviceReject).Methods(http.MethodPost)
	r.HandleFunc("/auth/cli/device/poll", s.handleDevicePoll).Methods(http.MethodPost)
	r.Handle("/auth/cli/tokens",
		s.guard("GET /auth/cli/tokens", []string{auth.ScopeCoreRead}, s.handleListTokens)).Methods(http.MethodGet)
	r.Handle("/auth/cli/tokens",
		s.guard("POST /auth/cli/tokens", []string{auth.ScopeCoreWrite}, s.handleCreateToken)).Methods(http.MethodPost)
	r.Handle("/auth/cli/tokens/{id}/revoke",
		s.guard("POST /auth/cli/tokens", []string{auth.ScopeCoreWrite}, s.handleRevokeToken)).Methods(http.MethodPost)
	r.Handle("/auth/cli/tokens/{id}/rotate",
		s.guard("POST /auth/cli/tokens", []string{auth.ScopeCoreWrite}, s.handleRotateToken)).Methods(http.MethodPost)
	r.Handle("/auth/cli/whoami",
		s.guard("GET /auth/cli/whoami", []string{auth.ScopeCoreRead}, s.handleWhoami)).Methods(http.MethodGet)

	// Bundles.
	r.Handle("/bundles",
		s.guard("GET /bundles", []string{auth.ScopeBundlesRead}, s.handleListBundles)).Methods(http.MethodGet)
	r.Handle("/bundles",
		s.guard("POST /bundles", []string{auth.ScopeBundlesWrite}, s.handleCreateBundle)).Methods(http.MethodPost)
	r.Handle("/bundles/{bundleId}",
		s.guard("GET /bundles/*", []string{auth.ScopeBundlesRead}, s.handleGetBundle)).Methods(http.MethodGet)
	r.Handle("/bundles/{bundleId}",
		s.guard("PATCH /bundles/*", []string{auth.ScopeBundlesWrite}, s.handleUpdateBundle)).Methods(http.MethodPatch)
	r.Handle("/bundles/{bundleId}",
		s.guard("DELETE /bundles/*", []string{auth.ScopeBundlesWrite}, s.handleDeleteBundle)).Methods(http.MethodDelete)
	r.Handle("/bundles/{bundleId}/objects",
		s.guard("GET /bundles/*", []string{auth.ScopeBundlesRead}, s.handleListBundleObjects)).Methods(http.MethodGet)
	r.Handle("/bundles/{bundleId}/objects",
		s.guard("POST /bundles/*", []string{auth.ScopeBundlesWrite}, s.handleAddBundleObjects)).Methods(http.MethodPost)
	r.Handle("/bundles/{bundleId}/objects/{id}",
		s.guard("POST /bundles/*", []string{auth.ScopeBundlesWrite}, s.handleToggleBundleObject)).Methods(http.MethodPost)
	r.Handle("/bundles/{bundleId}/versions",
		s.guard("GET /bundles/*", []string{auth.ScopeBundlesRead}, s.handleBundleVersions)).Methods(http.MethodGet)
	r.Handle("/bundles/{bundleId}/versions/{version}",
		s.guard("GET /bundles/*", []string{auth.ScopeBundlesRead}, s.handleBundleVersionAt)).Methods(http.MethodGet)
	r.Handle("/admin/bundles/{bundleId}/build",
		s.guard("POST /admin/bundles/*", []string{auth.ScopeBundlesWrite}, s.handleBuildBundle)).Methods(http.MethodPost)
	r.Handle("/admin/bundles/{bundleId}/build/status",
		s.guard("GET /admin/bundles/*", []string{auth.ScopeBundlesRead}, s.handleBuildStatus)).Methods(http.MethodGet)

	// Files.
	r.Handle("/files",
		s.guard("GET /files", []string{auth.ScopeFilesRead}, s.handleListFiles)).Methods(http.MethodGet)
	r.Handle("/files",
		s.guard("POST /files", []string{auth.ScopeFilesWrite}, s.handleUploadFile)).Methods(http.MethodPost)
	r.Handle("/files/upload",
		s.guard("POST /files", []string{auth.ScopeFilesWrite}, s.handleUploadFile)).Methods(http.MethodPost)
	r.Handle("/files/upload-url",
		s.guard("POST /files", []string{auth.ScopeFilesWrite}, s.handleUploadURL)).Methods(http.MethodPost)
	r.Handle("/files/commit",
		s.guard("POST /files", []string{auth.ScopeFilesWrite}, s.handleCommitFile)).Methods(http.MethodPost)
	r.Handle("/files/batch/delete",
		s.guard("POST /files/batch/*", []string{auth.ScopeFilesWrite}, s.handleBatchDeleteFiles)).Methods(http.MethodPost)
	r.Handle("/files/batch/move",
		s.guard("POST /files/batch/*", []string{auth.ScopeFilesWrite}, s.handleBatchMoveFiles)).Methods(http.MethodPost)
	r.Handle("/files/{id}",
		s.guard("GET /files/*", []string{auth.ScopeFilesRead}, s.handleGetFile)).Methods(http.MethodGet)
	r.Handle("/files/{id}",
		s.guard("DELETE /files/*", []string{auth.ScopeFilesWrite}, s.handleDeleteFile)).Methods(http.MethodDelete)
	r.Handle("/files/{id}/download",
		s.guard("GET /files/*", []string{auth.ScopeFilesRead}, s.handleDownloadFile)).Methods(http.MethodGet)

	// Recipients and assignments.
	r.Handle("/recipients",
		s.guard("GET /recipients", []string{auth.ScopeRecipientsRead}, s.handleListRecipients)).Methods(http.MethodGet)
	r.Handle("/recipients",
		s.guard("POST /recipients", []string{auth.ScopeRecipientsWrite}, s.handleCreateRecipient)).Methods(http.MethodPost)
	r.Handle("/recipients/{recipientId}",
		s.guard("GET /recipients/*", []string{auth.ScopeRecipientsRead}, s.handleGetRecipient)).Methods(http.MethodGet)
	r.Handle("/recipients/{recipientId}",
		s.guard("PATCH /recipients/*", []string{auth.ScopeRecipientsWrite}, s.handleUpdateRecipient)).Methods(http.MethodPatch)
	r.Handle("/recipients/{recipientId}",
		s.guard("DELETE /recipients/*", []string{auth.ScopeRecipientsWrite}, s.handleDeleteRecipient)).Methods(http.MethodDelete)
	r.Handle("/bundles/{bundleId}/recipients",
		s.guard("GET /bundles/*", []string{auth.ScopeRecipientsRead}, s.handleListAssignments)).Methods(http.MethodGet)
	r.Handle("/bundles/{bundleId}/recipients",
		s.guard("POST /bundles/*", []string{auth.ScopeRecipientsWrite}, s.handleAssignRecipient)).Methods(http.MethodPost)
	r.Handle("/bundles/{bundleId}/recipients/batch",
		s.guard("POST /bundles/*", []string{auth.ScopeRecipientsWrite}, s.handleAssignRecipientsBatch)).Methods(http.MethodPost)
	r.Handle("/bundles/{bundleId}/recipients",
		s.guard("DELETE /bundles/*", []string{auth.ScopeRecipientsWrite}, s.handleUnassignRecipient)).Methods(http.MethodDelete)

	// Recipient portal.
	r.HandleFunc("/portal/me", s.handlePortalMe).Methods(http.MethodGet)
	r.HandleFunc("/portal/bundles", s.handlePortalBundles).Methods(http.MethodGet)
	r.HandleFunc("/portal/assignments", s.handlePortalAssignments).Methods(http.MethodGet)
	r.HandleFunc("/portal/bundles/{bundleId}/objects", s.handlePortalBundleObjects).Methods(http.MethodGet)
	r.HandleFunc("/portal/bundles/{bundleId}", s.handlePortalDownload).Methods(http.MethodGet)

	// Plugin graph.
	r.Handle("/plugins",
		s.guard("GET /plugins", []string{auth.ScopeCoreRead}, s.handleListPlugins)).Methods(http.MethodGet)
	r.Handle("/plugins/capabilities",
		s.guard("GET /plugins/*", []string{auth.ScopeCoreRead}, s.handleListCapabilities)).Methods(http.MethodGet)
	r.Handle("/plugins/capabilities/{id}",
		s.guard("PATCH /plugins/*", []string{auth.ScopeCoreWrite}, s.handleToggleCapability)).Methods(http.MethodPatch)
	r.Handle("/triggers",
		s.guard("GET /triggers", []string{auth.ScopeCoreRead}, s.handleListTriggers)).Methods(http.MethodGet)
	r.Handle("/triggers",
		s.guard("POST /triggers", []string{auth.ScopeCoreWrite}, s.handleCreateTrigger)).Methods(http.MethodPost)
	r.Handle("/triggers/{id}",
		s.guard("GET /triggers/*", []string{auth.ScopeCoreRead}, s.handleGetTrigger)).Methods(http.MethodGet)
	r.Handle("/triggers/{id}",
		s.guard("PATCH /triggers/*", []string{auth.ScopeCoreWrite}, s.handleUpdateTrigger)).Methods(http.MethodPatch)
	r.Handle("/triggers/{id}",
		s.guard("DELETE /triggers/*", []string{auth.ScopeCoreWrite}, s.handleDeleteTrigger)).Methods(http.MethodDelete)
	r.Handle("/triggers/{id}/fire",
		s.guard("POST /triggers/*", []string{auth.ScopeCoreWrite}, s.handleFireTrigger)).Methods(http.MethodPost)
	r.Handle("/triggers/{id}/events",
		s.guard("GET /triggers/*", []string{auth.ScopeCoreRead}, s.handleTriggerEvents)).Methods(http.MethodGet)
	r.Handle("/actions",
		s.guard("GET /actions", []string{auth.ScopeCoreRead}, s.handleListActions)).Methods(http.MethodGet)
	r.Handle("/actions",
		s.guard("POST /actions", []string{auth.ScopeCoreWrite}, s.handleCreateAction)).Methods(http.MethodPost)
	r.Handle("/actions/{id}",
		s.guard("GET /actions/*", []string{auth.ScopeCoreRead}, s.handleGetAction)).Methods(http.MethodGet)
	r.Handle("/actions/{id}",
		s.guard("PATCH /actions/*", []string{auth.ScopeCoreWrite}, s.handleUpdateAction)).Methods(http.MethodPatch)
	r.Handle("/actions/{id}",
		s.guard("DELETE /actions/*", []string{auth.ScopeCoreWrite}, s.handleDeleteAction)).Methods(http.MethodDelete)
	r.Handle("/actions/{id}/invoke",
		s.guard("POST /actions/*", []string{auth.ScopeCoreWrite}, s.handleInvokeAction)).Methods(http.MethodPost)
	r.Handle("/actions/{id}/invocations",
		s.guard("GET /actions/*", []string{auth.ScopeCoreRead}, s.handleActionInvocations)).Methods(http.MethodGet)
	r.Handle("/pipelines",
		s.guard("GET /pipelines", []string{auth.ScopeCoreRead}, s.handleListPipelines)).Methods(http.MethodGet)
	r.Handle("/pipelines",
		s.guard("POST /pipelines", []string{auth.ScopeCoreWrite}, s.handleCreatePipeline)).Methods(http.MethodPost)
	r.Handle("/pipelines/{id}",
		s.guard("GET /pipelines/*", []string{auth.ScopeCoreRead}, s.handleGetPipeline)).Methods(http.MethodGet)
	r.Handle("/pipelines/{id}",
		s.guard("PATCH /pipelines/*", []string{auth.ScopeCoreWrite}, s.handleUpdatePipeline)).Methods(http.MethodPatch)
	r.Handle("/pipelines/{id}",
		s.guard("DELETE /pipelines/*", []string{auth.ScopeCoreWrite}, s.handleDeletePipeline)).Methods(http.MethodDelete)

	// Inbound webhooks.
	r.HandleFunc("/hooks/{definitionId}", s.handleWebhook).Methods(http.MethodPost)

	// Operational.
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.Handle("/status",
		s.guard("GET /status", []string{auth.ScopeCoreRead}, s.handleStatus)).Methods(http.MethodGet)
	r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/version", s.handleVersion).Methods(http.MethodGet)

	return r
}

// logRequests stamps each request with a correlation ID and emits one
// access line. The ID is echoed in X-Request-Id so clients can quote it.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startedAt := time.Now()
		traceID := trace.GenerateID()
		w.Header().Set("X-Request-Id", traceID)
		r = r.WithContext(trace.WithTraceID(r.Context(), traceID))

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		s.log.Debug("request",
			"method", r.Method, "path", r.URL.Path,
			"status", sw.status, "elapsed", time.Since(startedAt),
			"trace_id", traceID)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// clientIP prefers the first X-Forwarded-For hop, falling back to the
// socket address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// identityUserID returns the authenticated admin user id placed in the
// context by the guard.
func identityUserID(ctx context.Context) string {
	if id, ok := authz.IdentityFrom(ctx); ok && id.User != nil {
		return id.User.ID
	}
	return ""
}

// actorFrom attributes a change to the authenticated user, or to the
// system when a route mutates state without a guard in front of it.
func actorFrom(ctx context.Context) history.Actor {
	if id := identityUserID(ctx); id != "" {
		return history.UserActor(id)
	}
	return history.SystemActor()
}
