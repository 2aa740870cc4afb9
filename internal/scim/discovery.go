package scim

import (
	"net/http"

	"github.com/ltsch/mock-scim-server-sub001/internal/store"
)

func (h *Handler) handleServiceProviderConfig(w http.ResponseWriter, r *http.Request, tenantID string) {
	policy, err := h.passwordPolicyFor(r.Context(), tenantID)
	if err != nil {
		h.logger.Error("failed to load tenant config", "tenant", tenantID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"schemas":          []string{SchemaSPConfig},
		"documentationUri": "https://tools.ietf.org/html/rfc7644",
		"patch":            map[string]any{"supported": true},
		"bulk":             map[string]any{"supported": false, "maxOperations": 0, "maxPayloadSize": 0},
		"filter":           map[string]any{"supported": true, "maxResults": h.cfg.MaxCountLimit},
		"changePassword":   map[string]any{"supported": policy.Enabled},
		"sort":             map[string]any{"supported": false},
		"etag":             map[string]any{"supported": false},
		"authenticationSchemes": []map[string]any{
			{
				"type":        "oauthbearertoken",
				"name":        "OAuth Bearer Token",
				"description": "Authentication scheme using the OAuth Bearer Token standard",
				"primary":     true,
			},
		},
	})
}

// resourceTypeDocs describes the four resource types every tenant exposes.
var resourceTypeDocs = []struct {
	name     string
	endpoint string
	urn      string
}{
	{"User", "/Users", SchemaUser},
	{"Group", "/Groups", SchemaGroup},
	{"Entitlement", "/Entitlements", SchemaEntitlement},
	{"Role", "/Roles", SchemaRole},
}

func (h *Handler) handleResourceTypes(w http.ResponseWriter, r *http.Request, tenantID string) {
	resources := make([]any, 0, len(resourceTypeDocs))
	for _, rt := range resourceTypeDocs {
		resources = append(resources, map[string]any{
			"schemas":  []string{"urn:ietf:params:scim:schemas:core:2.0:ResourceType"},
			"id":       rt.name,
			"name":     rt.name,
			"endpoint": rt.endpoint,
			"schema":   rt.urn,
			"meta":     map[string]any{"resourceType": "ResourceType"},
		})
	}
	writeJSON(w, http.StatusOK, ListResponse{
		Schemas:      []string{SchemaListResp},
		TotalResults: int64(len(resources)),
		StartIndex:   1,
		ItemsPerPage: len(resources),
		Resources:    resources,
	})
}

// schemaDoc renders the discovery document for one resource schema,
// including any custom attributes the tenant has registered.
func schemaDoc(rs resourceSchema) map[string]any {
	attrs := make([]any, 0, len(rs.Attrs)+len(rs.Custom))
	appendAttr := func(def attrDef) {
		doc := map[string]any{
			"name":        def.Name,
			"type":        string(def.Type),
			"required":    def.Required,
			"multiValued": def.MultiValued,
			"mutability":  "readWrite",
			"returned":    "default",
		}
		if len(def.Sub) > 0 {
			subs := make([]any, 0, len(def.Sub))
			for _, sub := range def.Sub {
				subs = append(subs, map[string]any{
					"name":        sub.Name,
					"type":        string(sub.Type),
					"required":    sub.Required,
					"multiValued": sub.MultiValued,
				})
			}
			doc["subAttributes"] = subs
		}
		attrs = append(attrs, doc)
	}
	for _, def := range rs.Attrs {
		if def.Name == "schemas" {
			continue
		}
		appendAttr(def)
	}
	for _, def := range rs.Custom {
		appendAttr(def)
	}

	return map[string]any{
		"id":         rs.URN,
		"name":       rs.Name,
		"attributes": attrs,
		"meta":       map[string]any{"resourceType": "Schema", "location": "/Schemas/" + rs.URN},
	}
}

func (h *Handler) tenantSchemas(r *http.Request, tenantID string) ([]resourceSchema, error) {
	kinds := []store.Kind{store.KindUser, store.KindGroup, store.KindEntitlement, store.KindRole}
	schemas := make([]resourceSchema, 0, len(kinds))
	for _, kind := range kinds {
		rs, err := schemaForKind(r.Context(), h.store, tenantID, kind)
		if err != nil {
			return nil, err
		}
		schemas = append(schemas, rs)
	}
	return schemas, nil
}

func (h *Handler) handleSchemas(w http.ResponseWriter, r *http.Request, tenantID string) {
	schemas, err := h.tenantSchemas(r, tenantID)
	if err != nil {
		h.logger.Error("failed to load tenant schemas", "tenant", tenantID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	resources := make([]any, 0, len(schemas))
	for _, rs := range schemas {
		resources = append(resources, schemaDoc(rs))
	}
	writeJSON(w, http.StatusOK, ListResponse{
		Schemas:      []string{SchemaListResp},
		TotalResults: int64(len(resources)),
		StartIndex:   1,
		ItemsPerPage: len(resources),
		Resources:    resources,
	})
}

func (h *Handler) handleSchemaByURN(w http.ResponseWriter, r *http.Request, tenantID string) {
	urn := r.PathValue("urn")

	schemas, err := h.tenantSchemas(r, tenantID)
	if err != nil {
		h.logger.Error("failed to load tenant schemas", "tenant", tenantID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	for _, rs := range schemas {
		if rs.URN == urn {
			writeJSON(w, http.StatusOK, schemaDoc(rs))
			return
		}
	}
	writeError(w, http.StatusNotFound, "Schema not found")
}
