package scim

import (
	"fmt"
	"strings"

	"github.com/ltsch/mock-scim-server-sub001/internal/store"
)

// ValidationError is a request-level validation failure that maps to a 400
// SCIM error response.
type ValidationError struct {
	ScimType string
	Detail   string
}

func (e *ValidationError) Error() string { return e.Detail }

func invalidValue(format string, args ...any) *ValidationError {
	return &ValidationError{ScimType: "invalidValue", Detail: fmt.Sprintf(format, args...)}
}

func invalidPath(format string, args ...any) *ValidationError {
	return &ValidationError{ScimType: "invalidPath", Detail: fmt.Sprintf(format, args...)}
}

// ignoredAttrs are payload keys accepted but not persisted as entity
// attributes. Membership is managed through dedicated operations, passwords
// through the password endpoint.
var ignoredAttrs = map[string]bool{
	"schemas":  true,
	"id":       true,
	"meta":     true,
	"groups":   true,
	"members":  true,
	"password": true,
}

// validateResource flattens a SCIM resource payload into the canonical
// attribute map plus tenant-defined custom attributes. Unknown attributes
// are rejected rather than dropped, so misconfigured clients fail loudly.
func validateResource(rs resourceSchema, payload map[string]any, forCreate bool) (attrs, custom map[string]any, verr *ValidationError) {
	attrs = make(map[string]any)
	custom = make(map[string]any)

	for key, value := range payload {
		if ignoredAttrs[key] {
			continue
		}
		def, ok := rs.findAttr(key)
		if !ok {
			return nil, nil, invalidValue("unknown attribute %q for resource type %s", key, rs.Name)
		}
		if rs.isCustom(key) {
			if err := checkScalar(def, value); err != nil {
				return nil, nil, err
			}
			custom[key] = value
			continue
		}

		switch {
		case def.Name == "emails":
			email, err := emailFromPayload(value)
			if err != nil {
				return nil, nil, err
			}
			if email != "" {
				attrs["email"] = email
			} else {
				attrs["email"] = nil
			}
		case def.Type == typeComplex:
			sub, ok := value.(map[string]any)
			if !ok {
				return nil, nil, invalidValue("attribute %q must be an object", key)
			}
			for subKey, subVal := range sub {
				subDef, ok := findSub(def, subKey)
				if !ok {
					return nil, nil, invalidValue("unknown sub-attribute %q of %q", subKey, key)
				}
				if subDef.Canonical == "" {
					continue
				}
				if err := checkScalar(subDef, subVal); err != nil {
					return nil, nil, err
				}
				attrs[subDef.Canonical] = subVal
			}
		default:
			if def.Canonical == "" {
				continue
			}
			if err := checkScalar(def, value); err != nil {
				return nil, nil, err
			}
			attrs[def.Canonical] = value
		}
	}

	if forCreate {
		for _, def := range rs.Attrs {
			if def.Required && def.Canonical != "" {
				v, present := attrs[def.Canonical]
				s, _ := v.(string)
				if !present || s == "" {
					return nil, nil, invalidValue("missing required attribute %q", def.Name)
				}
			}
		}
		for _, def := range rs.Custom {
			if def.Required {
				if _, present := custom[def.Name]; !present {
					return nil, nil, invalidValue("missing required attribute %q", def.Name)
				}
			}
		}
		if rs.Kind == store.KindUser {
			if _, present := attrs["active"]; !present {
				attrs["active"] = true
			}
		}
	}

	return attrs, custom, nil
}

func checkScalar(def attrDef, value any) *ValidationError {
	if value == nil {
		return nil
	}
	switch def.Type {
	case typeBoolean:
		if _, ok := value.(bool); !ok {
			return invalidValue("attribute %q must be a boolean", def.Name)
		}
	case typeString:
		if _, ok := value.(string); !ok {
			return invalidValue("attribute %q must be a string", def.Name)
		}
	}
	return nil
}

func findSub(def attrDef, name string) (attrDef, bool) {
	for _, sub := range def.Sub {
		if sub.Name == name {
			return sub, true
		}
	}
	return attrDef{}, false
}

// emailFromPayload extracts the primary (first) email value from a SCIM
// emails array.
func emailFromPayload(value any) (string, *ValidationError) {
	list, ok := value.([]any)
	if !ok {
		return "", invalidValue(`attribute "emails" must be an array`)
	}
	if len(list) == 0 {
		return "", nil
	}
	first, ok := list[0].(map[string]any)
	if !ok {
		return "", invalidValue(`entries of "emails" must be objects`)
	}
	email, ok := first["value"].(string)
	if !ok {
		return "", invalidValue(`entries of "emails" must carry a string "value"`)
	}
	return email, nil
}

// patchChanges is the outcome of applying a PATCH request against a
// resource: attribute changes plus membership edge changes for groups.
type patchChanges struct {
	attrs         map[string]any
	custom        map[string]any
	customTouched bool
	memberAdds    []string
	memberRemoves []string
}

// applyPatch validates a PATCH request against a schema and the resource's
// current state, producing the set of changes to persist. Any invalid
// operation fails the whole request before anything is applied.
func applyPatch(rs resourceSchema, current, currentCustom map[string]any, req PatchRequest) (patchChanges, *ValidationError) {
	if len(req.Operations) == 0 {
		return patchChanges{}, invalidValue("patch request carries no operations")
	}

	ch := patchChanges{
		attrs:  make(map[string]any),
		custom: make(map[string]any),
	}
	for k, v := range currentCustom {
		ch.custom[k] = v
	}

	for _, op := range req.Operations {
		opName := strings.ToLower(op.Op)
		switch opName {
		case "add", "replace":
			if err := applySet(rs, &ch, op); err != nil {
				return patchChanges{}, err
			}
		case "remove":
			if err := applyRemove(rs, &ch, current, op); err != nil {
				return patchChanges{}, err
			}
		default:
			return patchChanges{}, invalidValue("unsupported patch op %q", op.Op)
		}
	}

	if !ch.customTouched {
		ch.custom = nil
	}
	return ch, nil
}

// applySet handles add and replace operations. A path-less operation takes
// an object value and applies each key as its own set.
func applySet(rs resourceSchema, ch *patchChanges, op PatchOperation) *ValidationError {
	if op.Path == "" {
		obj, ok := op.Value.(map[string]any)
		if !ok {
			return invalidValue("patch %s without a path requires an object value", strings.ToLower(op.Op))
		}
		for key, val := range obj {
			if err := setPath(rs, ch, key, val); err != nil {
				return err
			}
		}
		return nil
	}
	return setPath(rs, ch, op.Path, op.Value)
}

func setPath(rs resourceSchema, ch *patchChanges, path string, value any) *ValidationError {
	segs := splitPath(path)

	if segs[0] == "members" {
		if rs.Kind != store.KindGroup {
			return invalidPath("attribute %q is not patchable on %s", path, rs.Name)
		}
		ids, err := memberIDs(value)
		if err != nil {
			return err
		}
		ch.memberAdds = append(ch.memberAdds, ids...)
		return nil
	}

	def, ok := rs.findAttr(segs[0])
	if !ok {
		return invalidPath("unknown attribute %q for resource type %s", segs[0], rs.Name)
	}

	if rs.isCustom(segs[0]) {
		if err := checkScalar(def, value); err != nil {
			return err
		}
		ch.custom[segs[0]] = value
		ch.customTouched = true
		return nil
	}

	switch {
	case def.Name == "emails":
		email, err := emailFromPayload(value)
		if err != nil {
			// Okta also patches emails as a bare string value.
			s, ok := value.(string)
			if !ok {
				return err
			}
			email = s
		}
		ch.attrs["email"] = email
	case def.Type == typeComplex && len(segs) == 2:
		subDef, ok := findSub(def, segs[1])
		if !ok || subDef.Canonical == "" {
			return invalidPath("unknown sub-attribute %q of %q", segs[1], segs[0])
		}
		if err := checkScalar(subDef, value); err != nil {
			return err
		}
		ch.attrs[subDef.Canonical] = value
	case def.Type == typeComplex:
		sub, ok := value.(map[string]any)
		if !ok {
			return invalidValue("attribute %q must be an object", segs[0])
		}
		for subKey, subVal := range sub {
			subDef, ok := findSub(def, subKey)
			if !ok {
				return invalidPath("unknown sub-attribute %q of %q", subKey, segs[0])
			}
			if subDef.Canonical == "" {
				continue
			}
			if err := checkScalar(subDef, subVal); err != nil {
				return err
			}
			ch.attrs[subDef.Canonical] = subVal
		}
	default:
		if def.Canonical == "" {
			return invalidPath("attribute %q is not patchable", segs[0])
		}
		if err := checkScalar(def, value); err != nil {
			return err
		}
		ch.attrs[def.Canonical] = value
	}
	return nil
}

// applyRemove handles remove operations. Removing a multi-valued member
// entry that is not present fails with noTarget; removing a single-valued
// attribute clears it.
func applyRemove(rs resourceSchema, ch *patchChanges, current map[string]any, op PatchOperation) *ValidationError {
	if op.Path == "" {
		return invalidPath("patch remove requires a path")
	}
	segs := splitPath(op.Path)

	if segs[0] == "members" {
		if rs.Kind != store.KindGroup {
			return invalidPath("attribute %q is not patchable on %s", op.Path, rs.Name)
		}
		if op.Value == nil {
			return invalidValue("patch remove on members requires a value naming the member")
		}
		ids, err := memberIDs(op.Value)
		if err != nil {
			return err
		}
		ch.memberRemoves = append(ch.memberRemoves, ids...)
		return nil
	}

	def, ok := rs.findAttr(segs[0])
	if !ok {
		return invalidPath("unknown attribute %q for resource type %s", segs[0], rs.Name)
	}
	if def.Required {
		return invalidValue("attribute %q cannot be removed", def.Name)
	}

	if rs.isCustom(segs[0]) {
		if _, present := ch.custom[segs[0]]; !present {
			if _, present := current[segs[0]]; !present {
				return &ValidationError{ScimType: "noTarget", Detail: fmt.Sprintf("attribute %q has no value to remove", segs[0])}
			}
		}
		delete(ch.custom, segs[0])
		ch.customTouched = true
		return nil
	}

	switch {
	case def.Name == "emails":
		ch.attrs["email"] = nil
	case def.Name == "active":
		// Booleans have no absent state; removal deactivates.
		ch.attrs["active"] = false
	case def.Type == typeComplex && len(segs) == 2:
		subDef, ok := findSub(def, segs[1])
		if !ok || subDef.Canonical == "" {
			return invalidPath("unknown sub-attribute %q of %q", segs[1], segs[0])
		}
		ch.attrs[subDef.Canonical] = nil
	case def.Type == typeComplex:
		for _, subDef := range def.Sub {
			if subDef.Canonical != "" {
				ch.attrs[subDef.Canonical] = nil
			}
		}
	default:
		if def.Canonical == "" {
			return invalidPath("attribute %q is not patchable", segs[0])
		}
		ch.attrs[def.Canonical] = nil
	}
	return nil
}

// memberIDs extracts user ids from a members patch value, accepting either
// a single member object or an array of them.
func memberIDs(value any) ([]string, *ValidationError) {
	var entries []any
	switch v := value.(type) {
	case []any:
		entries = v
	case map[string]any:
		entries = []any{v}
	default:
		return nil, invalidValue(`attribute "members" must be an object or array of objects`)
	}

	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		m, ok := e.(map[string]any)
		if !ok {
			return nil, invalidValue(`entries of "members" must be objects`)
		}
		id, ok := m["value"].(string)
		if !ok || id == "" {
			return nil, invalidValue(`entries of "members" must carry a string "value"`)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
