package scim

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"unicode"

	"github.com/ltsch/mock-scim-server-sub001/internal/store"
)

// passwordPolicy is the per-tenant password change configuration, read from
// the tenant's configuration document. Password changes are disabled unless
// the tenant opts in.
type passwordPolicy struct {
	Enabled        bool
	MinLength      int
	RequireUpper   bool
	RequireDigit   bool
	RequireSpecial bool
}

func defaultPasswordPolicy() passwordPolicy {
	return passwordPolicy{MinLength: 8}
}

// passwordPolicyFor loads the tenant's password policy. A missing
// configuration document means the default policy with changes disabled.
func (h *Handler) passwordPolicyFor(ctx context.Context, tenantID string) (passwordPolicy, error) {
	policy := defaultPasswordPolicy()

	ts, err := h.store.GetTenantSchema(ctx, tenantID, configSchemaURN(tenantID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return policy, nil
		}
		return passwordPolicy{}, err
	}

	if v, ok := ts.Definition["changePasswordEnabled"].(bool); ok {
		policy.Enabled = v
	}
	if v, ok := ts.Definition["passwordMinLength"].(float64); ok && v > 0 {
		policy.MinLength = int(v)
	}
	if v, ok := ts.Definition["passwordRequireUppercase"].(bool); ok {
		policy.RequireUpper = v
	}
	if v, ok := ts.Definition["passwordRequireDigit"].(bool); ok {
		policy.RequireDigit = v
	}
	if v, ok := ts.Definition["passwordRequireSpecial"].(bool); ok {
		policy.RequireSpecial = v
	}
	return policy, nil
}

func (p passwordPolicy) validate(password string) error {
	if len(password) < p.MinLength {
		return fmt.Errorf("password must be at least %d characters", p.MinLength)
	}
	var hasUpper, hasDigit, hasSpecial bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsDigit(r):
			hasDigit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			hasSpecial = true
		}
	}
	if p.RequireUpper && !hasUpper {
		return errors.New("password must contain an uppercase letter")
	}
	if p.RequireDigit && !hasDigit {
		return errors.New("password must contain a digit")
	}
	if p.RequireSpecial && !hasSpecial {
		return errors.New("password must contain a special character")
	}
	return nil
}

// handlePasswordChange accepts a PATCH against the password sub-resource.
// Tenants that have not enabled password changes get 501, matching the
// capability advertised in their ServiceProviderConfig. The mock server
// validates but never stores the password.
func (h *Handler) handlePasswordChange(w http.ResponseWriter, r *http.Request, tenantID string) {
	ctx := r.Context()
	userID, ok := resourceID(w, r)
	if !ok {
		return
	}

	policy, err := h.passwordPolicyFor(ctx, tenantID)
	if err != nil {
		h.logger.Error("failed to load password policy", "tenant", tenantID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !policy.Enabled {
		writeError(w, http.StatusNotImplemented, "password changes are not supported for this tenant")
		return
	}

	user, err := h.store.GetEntityByID(ctx, store.KindUser, tenantID, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "User not found")
			return
		}
		h.logger.Error("failed to load user", "tenant", tenantID, "user", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	var req PatchRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	password := passwordFromPatch(req)
	if password == "" {
		writeScimError(w, http.StatusBadRequest, "patch request carries no password value", "invalidValue")
		return
	}
	if err := policy.validate(password); err != nil {
		writeScimError(w, http.StatusBadRequest, err.Error(), "invalidValue")
		return
	}

	rs, err := schemaForKind(ctx, h.store, tenantID, store.KindUser)
	if err != nil {
		h.logger.Error("failed to load tenant schema", "tenant", tenantID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	h.logger.Info("password change accepted", "tenant", tenantID, "user", userID)
	writeJSON(w, http.StatusOK, entityToSCIM(rs, user, baseURLFromRequest(r, tenantID), nil, nil))
}

// passwordFromPatch extracts the password from a PATCH request, accepting
// both the path form and the path-less object form.
func passwordFromPatch(req PatchRequest) string {
	for _, op := range req.Operations {
		if op.Path == "password" {
			if s, ok := op.Value.(string); ok {
				return s
			}
		}
		if op.Path == "" {
			if obj, ok := op.Value.(map[string]any); ok {
				if s, ok := obj["password"].(string); ok {
					return s
				}
			}
		}
	}
	return ""
}
