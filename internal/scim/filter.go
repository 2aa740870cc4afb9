package scim

import (
	"strings"

	"github.com/ltsch/mock-scim-server-sub001/internal/store"
)

// filterableAttrs is the whitelist of attributes a filter expression may
// reference. Filters on anything else fall back to substring search.
var filterableAttrs = map[string]bool{
	"userName":    true,
	"displayName": true,
	"email":       true,
	"givenName":   true,
	"familyName":  true,
	"active":      true,
	"externalId":  true,
}

var filterOps = map[string]store.Operator{
	"eq": store.OpEquals,
	"co": store.OpContains,
	"sw": store.OpStartsWith,
	"ew": store.OpEndsWith,
}

// parseFilter parses a SCIM filter of the form `attr op "value"`. Only the
// single-clause grammar is supported. A filter that does not parse, or that
// references a non-whitelisted attribute, degrades to a substring search
// across the kind's default fields rather than failing the request.
func parseFilter(filter string) store.Query {
	filter = strings.TrimSpace(filter)
	if filter == "" {
		return store.Query{}
	}

	parts := strings.SplitN(filter, " ", 3)
	if len(parts) != 3 {
		return store.Query{Fallback: filter}
	}

	attr := parts[0]
	op, ok := filterOps[strings.ToLower(parts[1])]
	if !ok || !filterableAttrs[attr] {
		return store.Query{Fallback: filter}
	}

	value := strings.TrimSpace(parts[2])
	if len(value) < 2 || !strings.HasPrefix(value, `"`) || !strings.HasSuffix(value, `"`) {
		return store.Query{Fallback: filter}
	}
	value = value[1 : len(value)-1]

	return store.Query{Predicate: &store.Predicate{
		Field:    attr,
		Operator: op,
		Value:    value,
	}}
}
