// Package scim implements a multi-tenant SCIM 2.0 provisioning surface over
// the entity store. Each tenant is addressed by a path segment and holds an
// isolated set of Users, Groups, Entitlements and Roles.
package scim

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
)

// SCIM 2.0 schema URIs.
const (
	SchemaUser        = "urn:ietf:params:scim:schemas:core:2.0:User"
	SchemaGroup       = "urn:ietf:params:scim:schemas:core:2.0:Group"
	SchemaEntitlement = "urn:okta:scim:schemas:core:1.0:Entitlement"
	SchemaRole        = "urn:okta:scim:schemas:core:1.0:Role"
	SchemaListResp    = "urn:ietf:params:scim:api:messages:2.0:ListResponse"
	SchemaPatchOp     = "urn:ietf:params:scim:api:messages:2.0:PatchOp"
	SchemaError       = "urn:ietf:params:scim:api:messages:2.0:Error"
	SchemaSPConfig    = "urn:ietf:params:scim:schemas:core:2.0:ServiceProviderConfig"
)

// maxBodyBytes caps request bodies on the SCIM surface.
const maxBodyBytes = 1 << 20

// Error is the SCIM error response envelope.
type Error struct {
	Schemas  []string `json:"schemas"`
	Status   string   `json:"status"`
	Detail   string   `json:"detail"`
	ScimType string   `json:"scimType,omitempty"`
}

// ListResponse is the SCIM paginated list envelope.
type ListResponse struct {
	Schemas      []string `json:"schemas"`
	TotalResults int64    `json:"totalResults"`
	StartIndex   int      `json:"startIndex"`
	ItemsPerPage int      `json:"itemsPerPage"`
	Resources    []any    `json:"Resources"`
}

// Meta is the common resource metadata block.
type Meta struct {
	ResourceType string `json:"resourceType"`
	Created      string `json:"created"`
	LastModified string `json:"lastModified"`
	Version      string `json:"version"`
	Location     string `json:"location"`
}

// Name is the SCIM user name sub-object.
type Name struct {
	GivenName  string `json:"givenName,omitempty"`
	FamilyName string `json:"familyName,omitempty"`
}

// Email is one entry of a SCIM user's emails array.
type Email struct {
	Value   string `json:"value"`
	Type    string `json:"type,omitempty"`
	Primary bool   `json:"primary"`
}

// MemberRef is one entry of a group's members array.
type MemberRef struct {
	Value   string `json:"value"`
	Display string `json:"display,omitempty"`
}

// GroupRef is one entry of a user's groups array.
type GroupRef struct {
	Value   string `json:"value"`
	Display string `json:"display,omitempty"`
}

// PatchOperation is a single SCIM PATCH operation.
type PatchOperation struct {
	Op    string `json:"op"`
	Path  string `json:"path,omitempty"`
	Value any    `json:"value,omitempty"`
}

// PatchRequest is the SCIM PATCH request envelope.
type PatchRequest struct {
	Schemas    []string         `json:"schemas"`
	Operations []PatchOperation `json:"Operations"`
}

// writeJSON writes a SCIM JSON response with the SCIM media type.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/scim+json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("scim: failed to encode response", "error", err)
	}
}

// writeError writes a SCIM error envelope.
func writeError(w http.ResponseWriter, status int, detail string) {
	writeScimError(w, status, detail, "")
}

func writeScimError(w http.ResponseWriter, status int, detail, scimType string) {
	writeJSON(w, status, Error{
		Schemas:  []string{SchemaError},
		Status:   fmt.Sprintf("%d", status),
		Detail:   detail,
		ScimType: scimType,
	})
}

// decodeBody decodes a request body with a size cap, rejecting unknown
// payload shapes with a descriptive error.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// baseURLFromRequest reconstructs the external base URL of the SCIM surface
// for a tenant, honoring forwarding headers set by a fronting proxy.
func baseURLFromRequest(r *http.Request, tenantID string) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	host := r.Host
	if fwd := r.Header.Get("X-Forwarded-Host"); fwd != "" {
		host = fwd
	}
	return fmt.Sprintf("%s://%s/scim-identifier/%s/scim/v2", scheme, host, tenantID)
}

// splitPath splits a SCIM attribute path into its dotted segments.
func splitPath(path string) []string {
	if path == "" {
		return nil
	}
	return strings.Split(path, ".")
}
