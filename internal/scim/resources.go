package scim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/ltsch/mock-scim-server-sub001/internal/store"
)

// pageParams parses startIndex and count. startIndex is 1-based per SCIM;
// values below 1 clamp to 1. count clamps to the configured page maximum,
// negative counts yield an empty page with an accurate total.
func (h *Handler) pageParams(r *http.Request) (startIndex, count int) {
	startIndex = 1
	if raw := r.URL.Query().Get("startIndex"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 1 {
			startIndex = v
		}
	}
	count = h.cfg.DefaultPageSize
	if raw := r.URL.Query().Get("count"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			count = v
		}
	}
	if count < 0 {
		count = 0
	}
	if count > h.cfg.MaxPageSize {
		count = h.cfg.MaxPageSize
	}
	return startIndex, count
}

// resourceID validates the id path segment. SCIM resource ids are always
// UUIDs; anything else is malformed input rather than a miss.
func resourceID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.PathValue("id")
	if uuid.Validate(id) != nil {
		writeError(w, http.StatusBadRequest, "malformed resource id")
		return "", false
	}
	return id, true
}

// storeError maps store sentinel errors to SCIM responses.
func (h *Handler) storeError(w http.ResponseWriter, rs resourceSchema, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, fmt.Sprintf("%s not found", rs.Name))
	case errors.Is(err, store.ErrConflict):
		writeScimError(w, http.StatusConflict,
			fmt.Sprintf("a %s with this %s already exists", rs.Name, rs.UniqueAttr), "uniqueness")
	default:
		h.logger.Error("store operation failed", "resource", rs.Name, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request, tenantID string, rs resourceSchema) {
	ctx := r.Context()
	startIndex, count := h.pageParams(r)
	query := parseFilter(r.URL.Query().Get("filter"))

	total, err := h.store.CountEntities(ctx, rs.Kind, tenantID, query)
	if err != nil {
		h.storeError(w, rs, err)
		return
	}

	resources := []any{}
	if count > 0 {
		entities, err := h.store.ListEntities(ctx, rs.Kind, tenantID, startIndex-1, count, query)
		if err != nil {
			h.storeError(w, rs, err)
			return
		}
		baseURL := baseURLFromRequest(r, tenantID)
		for _, e := range entities {
			resources = append(resources, entityToSCIM(rs, e, baseURL, nil, nil))
		}
	}

	writeJSON(w, http.StatusOK, ListResponse{
		Schemas:      []string{SchemaListResp},
		TotalResults: total,
		StartIndex:   startIndex,
		ItemsPerPage: len(resources),
		Resources:    resources,
	})
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request, tenantID string, rs resourceSchema) {
	ctx := r.Context()

	var payload map[string]any
	if err := decodeBody(w, r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	attrs, custom, verr := validateResource(rs, payload, true)
	if verr != nil {
		writeScimError(w, http.StatusBadRequest, verr.Detail, verr.ScimType)
		return
	}

	// Friendlier detail than the constraint violation alone.
	uniqueVal, _ := attrs[rs.UniqueAttr].(string)
	if _, err := h.store.GetEntityByAttr(ctx, rs.Kind, tenantID, rs.UniqueAttr, uniqueVal); err == nil {
		writeScimError(w, http.StatusConflict,
			fmt.Sprintf("a %s with %s %q already exists", rs.Name, rs.UniqueAttr, uniqueVal), "uniqueness")
		return
	} else if !errors.Is(err, store.ErrNotFound) {
		h.storeError(w, rs, err)
		return
	}

	e, err := h.store.CreateEntity(ctx, rs.Kind, tenantID, attrs, custom)
	if err != nil {
		h.storeError(w, rs, err)
		return
	}

	h.logger.Info("scim resource created", "tenant", tenantID, "resource", rs.Name, "id", e.ScimID)
	baseURL := baseURLFromRequest(r, tenantID)
	w.Header().Set("Location", fmt.Sprintf("%s/%ss/%s", baseURL, rs.Name, e.ScimID))
	writeJSON(w, http.StatusCreated, entityToSCIM(rs, e, baseURL, nil, nil))
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request, tenantID string, rs resourceSchema) {
	ctx := r.Context()
	id, ok := resourceID(w, r)
	if !ok {
		return
	}

	e, err := h.store.GetEntityByID(ctx, rs.Kind, tenantID, id)
	if err != nil {
		h.storeError(w, rs, err)
		return
	}

	var members, groups []store.Member
	switch rs.Kind {
	case store.KindGroup:
		if members, err = h.store.ListGroupMembers(ctx, tenantID, id); err != nil {
			h.storeError(w, rs, err)
			return
		}
	case store.KindUser:
		if groups, err = h.store.ListGroupsForUser(ctx, tenantID, id); err != nil {
			h.storeError(w, rs, err)
			return
		}
	}

	writeJSON(w, http.StatusOK, entityToSCIM(rs, e, baseURLFromRequest(r, tenantID), members, groups))
}

func (h *Handler) handleReplace(w http.ResponseWriter, r *http.Request, tenantID string, rs resourceSchema) {
	ctx := r.Context()
	id, ok := resourceID(w, r)
	if !ok {
		return
	}

	if _, err := h.store.GetEntityByID(ctx, rs.Kind, tenantID, id); err != nil {
		h.storeError(w, rs, err)
		return
	}

	var payload map[string]any
	if err := decodeBody(w, r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	attrs, custom, verr := validateResource(rs, payload, true)
	if verr != nil {
		writeScimError(w, http.StatusBadRequest, verr.Detail, verr.ScimType)
		return
	}

	// PUT replaces the whole resource: attributes absent from the payload
	// are cleared, omitted booleans revert to their defaults.
	clearAbsent(rs, attrs)

	if err := h.checkUniqueForUpdate(ctx, rs, tenantID, id, attrs); err != nil {
		h.storeError(w, rs, err)
		return
	}

	e, err := h.store.UpdateEntity(ctx, rs.Kind, tenantID, id, attrs, custom)
	if err != nil {
		h.storeError(w, rs, err)
		return
	}

	h.logger.Info("scim resource replaced", "tenant", tenantID, "resource", rs.Name, "id", id)
	writeJSON(w, http.StatusOK, entityToSCIM(rs, e, baseURLFromRequest(r, tenantID), nil, nil))
}

func (h *Handler) handlePatch(w http.ResponseWriter, r *http.Request, tenantID string, rs resourceSchema) {
	ctx := r.Context()
	id, ok := resourceID(w, r)
	if !ok {
		return
	}

	e, err := h.store.GetEntityByID(ctx, rs.Kind, tenantID, id)
	if err != nil {
		h.storeError(w, rs, err)
		return
	}

	var payload map[string]any
	if err := decodeBody(w, r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// encoding/json matches struct fields case-insensitively, so the key
	// probe has to as well.
	hasOps := false
	for k := range payload {
		if strings.EqualFold(k, "operations") {
			hasOps = true
			break
		}
	}

	var changes patchChanges
	if hasOps {
		raw, _ := json.Marshal(payload)
		var req PatchRequest
		_ = json.Unmarshal(raw, &req)

		var verr *ValidationError
		if changes, verr = applyPatch(rs, e.Attrs, e.Custom, req); verr != nil {
			writeScimError(w, http.StatusBadRequest, verr.Detail, verr.ScimType)
			return
		}
	} else {
		// A body without Operations is a plain resource document applied
		// as a partial update. Several providers send attribute-only
		// patches in this shape.
		attrs, custom, verr := validateResource(rs, payload, false)
		if verr != nil {
			writeScimError(w, http.StatusBadRequest, verr.Detail, verr.ScimType)
			return
		}
		changes = patchChanges{attrs: attrs}
		if len(custom) > 0 {
			merged := make(map[string]any, len(e.Custom)+len(custom))
			for k, v := range e.Custom {
				merged[k] = v
			}
			for k, v := range custom {
				merged[k] = v
			}
			changes.custom = merged
		}
	}

	if len(changes.attrs) > 0 || changes.custom != nil {
		if err := h.checkUniqueForUpdate(ctx, rs, tenantID, id, changes.attrs); err != nil {
			h.storeError(w, rs, err)
			return
		}
	}

	// Attribute merge and membership edits commit together or not at all.
	if len(changes.attrs) > 0 || changes.custom != nil ||
		len(changes.memberAdds) > 0 || len(changes.memberRemoves) > 0 {
		err := h.store.UpdateEntityWithMembers(ctx, rs.Kind, tenantID, id,
			changes.attrs, changes.custom, changes.memberAdds, changes.memberRemoves)
		if err != nil {
			if errors.Is(err, store.ErrMemberNotFound) {
				writeScimError(w, http.StatusBadRequest, err.Error(), "invalidValue")
				return
			}
			h.storeError(w, rs, err)
			return
		}
	}

	updated, err := h.store.GetEntityByID(ctx, rs.Kind, tenantID, id)
	if err != nil {
		h.storeError(w, rs, err)
		return
	}

	var members []store.Member
	if rs.Kind == store.KindGroup {
		if members, err = h.store.ListGroupMembers(ctx, tenantID, id); err != nil {
			h.storeError(w, rs, err)
			return
		}
	}

	h.logger.Info("scim resource patched", "tenant", tenantID, "resource", rs.Name, "id", id)
	writeJSON(w, http.StatusOK, entityToSCIM(rs, updated, baseURLFromRequest(r, tenantID), members, nil))
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request, tenantID string, rs resourceSchema) {
	ctx := r.Context()
	id, ok := resourceID(w, r)
	if !ok {
		return
	}

	var err error
	if rs.Kind == store.KindUser {
		// Users are soft deleted so their history survives deprovisioning.
		err = h.store.DeactivateUser(ctx, tenantID, id)
	} else {
		err = h.store.DeleteEntity(ctx, rs.Kind, tenantID, id)
	}
	if err != nil {
		h.storeError(w, rs, err)
		return
	}

	h.logger.Info("scim resource deleted", "tenant", tenantID, "resource", rs.Name, "id", id)
	w.WriteHeader(http.StatusNoContent)
}

// clearAbsent extends a replace attribute set with explicit nil for every
// canonical text attribute the payload omitted.
func clearAbsent(rs resourceSchema, attrs map[string]any) {
	var walk func(defs []attrDef)
	walk = func(defs []attrDef) {
		for _, def := range defs {
			if len(def.Sub) > 0 {
				walk(def.Sub)
				continue
			}
			if def.Canonical == "" || def.Type == typeBoolean {
				continue
			}
			if _, present := attrs[def.Canonical]; !present {
				attrs[def.Canonical] = nil
			}
		}
	}
	walk(rs.Attrs)
}

// checkUniqueForUpdate rejects an update that would take the tenant-unique
// attribute of another resource. Keeping the current value or moving to a
// free one is fine.
func (h *Handler) checkUniqueForUpdate(ctx context.Context, rs resourceSchema, tenantID, id string, attrs map[string]any) error {
	value, ok := attrs[rs.UniqueAttr].(string)
	if !ok || value == "" {
		return nil
	}
	existing, err := h.store.GetEntityByAttr(ctx, rs.Kind, tenantID, rs.UniqueAttr, value)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if existing.ScimID != id {
		return fmt.Errorf("%w: %s %s", store.ErrConflict, rs.UniqueAttr, value)
	}
	return nil
}
