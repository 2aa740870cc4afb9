package scim

import (
	"context"
	"errors"
	"fmt"

	"github.com/ltsch/mock-scim-server-sub001/internal/store"
)

// attrType is the value type of a schema attribute.
type attrType string

const (
	typeString  attrType = "string"
	typeBoolean attrType = "boolean"
	typeComplex attrType = "complex"
)

// attrDef describes one attribute of a resource schema. Canonical is the
// flat attribute name the store keys on; for sub-attributes of complex
// types it maps e.g. name.givenName to givenName.
type attrDef struct {
	Name        string
	Type        attrType
	Required    bool
	MultiValued bool
	Canonical   string
	Sub         []attrDef
}

// resourceSchema is the validation and discovery descriptor for one kind.
type resourceSchema struct {
	Kind       store.Kind
	URN        string
	Name       string
	UniqueAttr string // tenant-unique canonical attribute
	Attrs      []attrDef
	Custom     []attrDef // tenant-defined extension attributes
}

var baseSchemas = map[store.Kind]resourceSchema{
	store.KindUser: {
		Kind:       store.KindUser,
		URN:        SchemaUser,
		Name:       "User",
		UniqueAttr: "userName",
		Attrs: []attrDef{
			{Name: "userName", Type: typeString, Required: true, Canonical: "userName"},
			{Name: "externalId", Type: typeString, Canonical: "externalId"},
			{Name: "displayName", Type: typeString, Canonical: "displayName"},
			{Name: "active", Type: typeBoolean, Canonical: "active"},
			{Name: "name", Type: typeComplex, Sub: []attrDef{
				{Name: "givenName", Type: typeString, Canonical: "givenName"},
				{Name: "familyName", Type: typeString, Canonical: "familyName"},
			}},
			{Name: "emails", Type: typeComplex, MultiValued: true, Sub: []attrDef{
				{Name: "value", Type: typeString, Canonical: "email"},
				{Name: "type", Type: typeString},
				{Name: "primary", Type: typeBoolean},
			}},
			{Name: "groups", Type: typeComplex, MultiValued: true},
			{Name: "password", Type: typeString},
			{Name: "schemas", Type: typeString, MultiValued: true},
		},
	},
	store.KindGroup: {
		Kind:       store.KindGroup,
		URN:        SchemaGroup,
		Name:       "Group",
		UniqueAttr: "displayName",
		Attrs: []attrDef{
			{Name: "displayName", Type: typeString, Required: true, Canonical: "displayName"},
			{Name: "description", Type: typeString, Canonical: "description"},
			{Name: "members", Type: typeComplex, MultiValued: true},
			{Name: "schemas", Type: typeString, MultiValued: true},
		},
	},
	store.KindEntitlement: {
		Kind:       store.KindEntitlement,
		URN:        SchemaEntitlement,
		Name:       "Entitlement",
		UniqueAttr: "displayName",
		Attrs: []attrDef{
			{Name: "displayName", Type: typeString, Required: true, Canonical: "displayName"},
			{Name: "type", Type: typeString, Canonical: "type"},
			{Name: "description", Type: typeString, Canonical: "description"},
			{Name: "entitlementType", Type: typeString, Canonical: "entitlementType"},
			{Name: "multiValued", Type: typeBoolean, Canonical: "multiValued"},
			{Name: "schemas", Type: typeString, MultiValued: true},
		},
	},
	store.KindRole: {
		Kind:       store.KindRole,
		URN:        SchemaRole,
		Name:       "Role",
		UniqueAttr: "displayName",
		Attrs: []attrDef{
			{Name: "displayName", Type: typeString, Required: true, Canonical: "displayName"},
			{Name: "description", Type: typeString, Canonical: "description"},
			{Name: "schemas", Type: typeString, MultiValued: true},
		},
	},
}

// findAttr resolves a top-level attribute by name.
func (rs resourceSchema) findAttr(name string) (attrDef, bool) {
	for _, a := range rs.Attrs {
		if a.Name == name {
			return a, true
		}
	}
	for _, a := range rs.Custom {
		if a.Name == name {
			return a, true
		}
	}
	return attrDef{}, false
}

// isCustom reports whether name is a tenant-defined extension attribute.
func (rs resourceSchema) isCustom(name string) bool {
	for _, a := range rs.Custom {
		if a.Name == name {
			return true
		}
	}
	return false
}

// schemaForKind loads the schema for a kind within a tenant, overlaying any
// custom attribute definitions the tenant has registered. Definitions are
// read per request so schema changes take effect immediately.
func schemaForKind(ctx context.Context, st *store.Store, serverID string, kind store.Kind) (resourceSchema, error) {
	rs := baseSchemas[kind]

	urn := customSchemaURN(serverID, kind)
	ts, err := st.GetTenantSchema(ctx, serverID, urn)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return rs, nil
		}
		return resourceSchema{}, fmt.Errorf("load custom schema: %w", err)
	}

	attrsRaw, _ := ts.Definition["attributes"].([]any)
	for _, raw := range attrsRaw {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		name, _ := m["name"].(string)
		if name == "" {
			continue
		}
		def := attrDef{Name: name, Type: typeString}
		if t, _ := m["type"].(string); t == string(typeBoolean) {
			def.Type = typeBoolean
		}
		if req, _ := m["required"].(bool); req {
			def.Required = true
		}
		rs.Custom = append(rs.Custom, def)
	}
	return rs, nil
}

// customSchemaURN is the tenant-scoped URN under which custom attribute
// definitions for a kind are stored.
func customSchemaURN(serverID string, kind store.Kind) string {
	return fmt.Sprintf("urn:scim:server:%s:schemas:%s", serverID, string(kind))
}

// configSchemaURN is the tenant-scoped URN of the tenant configuration
// document.
func configSchemaURN(serverID string) string {
	return fmt.Sprintf("urn:scim:server:%s:config", serverID)
}
