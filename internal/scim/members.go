package scim

import (
	"errors"
	"net/http"
	"strings"

	"github.com/ltsch/mock-scim-server-sub001/internal/store"
)

// memberRequest is the body of an explicit membership add.
type memberRequest struct {
	Value string `json:"value"`
}

func (h *Handler) handleListMembers(w http.ResponseWriter, r *http.Request, tenantID string) {
	groupID := r.PathValue("id")

	members, err := h.store.ListGroupMembers(r.Context(), tenantID, groupID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Group not found")
			return
		}
		h.logger.Error("failed to list group members", "tenant", tenantID, "group", groupID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	refs := make([]MemberRef, 0, len(members))
	for _, m := range members {
		display := m.DisplayName
		if display == "" {
			display = m.UserName
		}
		refs = append(refs, MemberRef{Value: m.ScimID, Display: display})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"members":      refs,
		"totalResults": len(refs),
	})
}

func (h *Handler) handleAddMember(w http.ResponseWriter, r *http.Request, tenantID string) {
	groupID := r.PathValue("id")

	var req memberRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Value == "" {
		writeScimError(w, http.StatusBadRequest, `member "value" is required`, "invalidValue")
		return
	}

	if err := h.store.AddGroupMember(r.Context(), tenantID, groupID, req.Value); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, memberErrDetail(err))
			return
		}
		h.logger.Error("failed to add group member", "tenant", tenantID, "group", groupID, "user", req.Value, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	h.logger.Info("group member added", "tenant", tenantID, "group", groupID, "user", req.Value)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleRemoveMember(w http.ResponseWriter, r *http.Request, tenantID string) {
	groupID := r.PathValue("id")
	userID := r.PathValue("userID")

	if err := h.store.RemoveGroupMember(r.Context(), tenantID, groupID, userID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, memberErrDetail(err))
			return
		}
		h.logger.Error("failed to remove group member", "tenant", tenantID, "group", groupID, "user", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	h.logger.Info("group member removed", "tenant", tenantID, "group", groupID, "user", userID)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleCheckMember(w http.ResponseWriter, r *http.Request, tenantID string) {
	groupID := r.PathValue("id")
	userID := r.PathValue("userID")

	isMember, err := h.store.IsGroupMember(r.Context(), tenantID, groupID, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, memberErrDetail(err))
			return
		}
		h.logger.Error("failed to check group member", "tenant", tenantID, "group", groupID, "user", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"groupId":  groupID,
		"userId":   userID,
		"isMember": isMember,
	})
}

// memberErrDetail names the side of a membership operation that was missing.
func memberErrDetail(err error) string {
	msg := err.Error()
	switch {
	case strings.HasPrefix(msg, "resolve group"):
		return "Group not found"
	case strings.HasPrefix(msg, "resolve user"):
		return "User not found"
	default:
		return "not found"
	}
}
