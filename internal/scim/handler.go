package scim

import (
	"log/slog"
	"net/http"
	"regexp"
	"strings"

	"github.com/ltsch/mock-scim-server-sub001/internal/auth"
	"github.com/ltsch/mock-scim-server-sub001/internal/config"
	"github.com/ltsch/mock-scim-server-sub001/internal/store"
)

// tenantIDPattern constrains the tenant path segment. Anything else is
// rejected before touching the store.
var tenantIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// Handler serves the multi-tenant SCIM v2 surface.
type Handler struct {
	store   *store.Store
	logger  *slog.Logger
	limiter *auth.RateLimiter
	cfg     *config.Config
}

// NewHandler registers all SCIM routes on mux under the tenant-scoped
// prefix and returns the handler.
func NewHandler(mux *http.ServeMux, st *store.Store, logger *slog.Logger, cfg *config.Config) *Handler {
	h := &Handler{
		store:   st,
		logger:  logger,
		limiter: auth.NewRateLimiter(cfg.RateLimit, cfg.RateLimitWindow),
		cfg:     cfg,
	}

	const prefix = "/scim-identifier/{tenantID}/scim/v2"

	for _, res := range []struct {
		kind store.Kind
		path string
	}{
		{store.KindUser, "Users"},
		{store.KindGroup, "Groups"},
		{store.KindEntitlement, "Entitlements"},
		{store.KindRole, "Roles"},
	} {
		kind := res.kind
		mux.HandleFunc("GET "+prefix+"/"+res.path, h.withAuth(h.forKind(kind, h.handleList)))
		mux.HandleFunc("POST "+prefix+"/"+res.path, h.withAuth(h.forKind(kind, h.handleCreate)))
		mux.HandleFunc("GET "+prefix+"/"+res.path+"/{id}", h.withAuth(h.forKind(kind, h.handleGet)))
		mux.HandleFunc("PUT "+prefix+"/"+res.path+"/{id}", h.withAuth(h.forKind(kind, h.handleReplace)))
		mux.HandleFunc("PATCH "+prefix+"/"+res.path+"/{id}", h.withAuth(h.forKind(kind, h.handlePatch)))
		mux.HandleFunc("DELETE "+prefix+"/"+res.path+"/{id}", h.withAuth(h.forKind(kind, h.handleDelete)))
	}

	mux.HandleFunc("GET "+prefix+"/Groups/{id}/members", h.withAuth(h.handleListMembers))
	mux.HandleFunc("POST "+prefix+"/Groups/{id}/members", h.withAuth(h.handleAddMember))
	mux.HandleFunc("GET "+prefix+"/Groups/{id}/members/{userID}", h.withAuth(h.handleCheckMember))
	mux.HandleFunc("DELETE "+prefix+"/Groups/{id}/members/{userID}", h.withAuth(h.handleRemoveMember))

	mux.HandleFunc("PATCH "+prefix+"/Users/{id}/password", h.withAuth(h.handlePasswordChange))

	mux.HandleFunc("GET "+prefix+"/ServiceProviderConfig", h.withAuth(h.handleServiceProviderConfig))
	mux.HandleFunc("GET "+prefix+"/ResourceTypes", h.withAuth(h.handleResourceTypes))
	mux.HandleFunc("GET "+prefix+"/Schemas", h.withAuth(h.handleSchemas))
	mux.HandleFunc("GET "+prefix+"/Schemas/{urn}", h.withAuth(h.handleSchemaByURN))

	return h
}

// tenantHandler is a SCIM handler with the tenant already resolved.
type tenantHandler func(w http.ResponseWriter, r *http.Request, tenantID string)

// withAuth wraps a handler with bearer authentication, tenant validation,
// per-tenant rate limiting and content type checks.
func (h *Handler) withAuth(next tenantHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID := r.PathValue("tenantID")
		if !tenantIDPattern.MatchString(tenantID) {
			writeError(w, http.StatusBadRequest, "invalid tenant identifier")
			return
		}

		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "missing or malformed Authorization header")
			return
		}
		key, err := auth.VerifyAPIKey(r.Context(), h.store, token)
		if err != nil {
			h.logger.Warn("scim auth failed", "tenant", tenantID, "remote", r.RemoteAddr)
			writeError(w, http.StatusUnauthorized, "invalid API key")
			return
		}

		if !h.limiter.Allow(tenantID) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		switch r.Method {
		case http.MethodPost, http.MethodPut, http.MethodPatch:
			ct := r.Header.Get("Content-Type")
			if ct != "" && !strings.HasPrefix(ct, "application/json") && !strings.HasPrefix(ct, "application/scim+json") {
				writeError(w, http.StatusUnsupportedMediaType, "unsupported content type")
				return
			}
		}

		h.logger.Debug("scim request", "method", r.Method, "path", r.URL.Path, "tenant", tenantID, "key", key.Name)
		next(w, r, tenantID)
	}
}

// forKind binds a resource handler to one entity kind, loading the
// tenant's effective schema for it.
func (h *Handler) forKind(kind store.Kind, fn func(w http.ResponseWriter, r *http.Request, tenantID string, rs resourceSchema)) tenantHandler {
	return func(w http.ResponseWriter, r *http.Request, tenantID string) {
		rs, err := schemaForKind(r.Context(), h.store, tenantID, kind)
		if err != nil {
			h.logger.Error("failed to load tenant schema", "tenant", tenantID, "kind", kind, "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		fn(w, r, tenantID, rs)
	}
}
