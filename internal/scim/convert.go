package scim

import (
	"fmt"
	"time"

	"github.com/ltsch/mock-scim-server-sub001/internal/store"
)

// entityToSCIM renders a stored entity as its SCIM resource representation.
// members is populated for single-resource Group reads and defaults to an
// empty array elsewhere; groups is only populated for single-resource User
// reads.
func entityToSCIM(rs resourceSchema, e store.Entity, baseURL string, members []store.Member, groups []store.Member) map[string]any {
	out := map[string]any{
		"schemas": []string{rs.URN},
		"id":      e.ScimID,
		"meta":    metaFor(rs, e, baseURL),
	}

	str := func(attr string) (string, bool) {
		v, ok := e.Attrs[attr].(string)
		return v, ok && v != ""
	}

	switch rs.Kind {
	case store.KindUser:
		userName, _ := str("userName")
		out["userName"] = userName
		if v, ok := str("externalId"); ok {
			out["externalId"] = v
		}
		if v, ok := str("displayName"); ok {
			out["displayName"] = v
		}
		active, _ := e.Attrs["active"].(bool)
		out["active"] = active

		given, hasGiven := str("givenName")
		family, hasFamily := str("familyName")
		if hasGiven || hasFamily {
			out["name"] = Name{GivenName: given, FamilyName: family}
		}
		if email, ok := str("email"); ok {
			out["emails"] = []Email{{Value: email, Type: "work", Primary: true}}
		}
		if groups != nil {
			refs := make([]GroupRef, 0, len(groups))
			for _, g := range groups {
				refs = append(refs, GroupRef{Value: g.ScimID, Display: g.DisplayName})
			}
			out["groups"] = refs
		}

	case store.KindGroup:
		displayName, _ := str("displayName")
		out["displayName"] = displayName
		if v, ok := str("description"); ok {
			out["description"] = v
		}
		// Groups always carry a members array, empty when the edge list
		// was not joined in.
		refs := make([]MemberRef, 0, len(members))
		for _, m := range members {
			display := m.DisplayName
			if display == "" {
				display = m.UserName
			}
			refs = append(refs, MemberRef{Value: m.ScimID, Display: display})
		}
		out["members"] = refs

	case store.KindEntitlement:
		displayName, _ := str("displayName")
		out["displayName"] = displayName
		if v, ok := str("type"); ok {
			out["type"] = v
		}
		if v, ok := str("description"); ok {
			out["description"] = v
		}
		if v, ok := str("entitlementType"); ok {
			out["entitlementType"] = v
		}
		if v, ok := e.Attrs["multiValued"].(bool); ok {
			out["multiValued"] = v
		}

	case store.KindRole:
		displayName, _ := str("displayName")
		out["displayName"] = displayName
		if v, ok := str("description"); ok {
			out["description"] = v
		}
	}

	for k, v := range e.Custom {
		if _, taken := out[k]; !taken {
			out[k] = v
		}
	}

	return out
}

func metaFor(rs resourceSchema, e store.Entity, baseURL string) Meta {
	return Meta{
		ResourceType: rs.Name,
		Created:      e.CreatedAt.UTC().Format(time.RFC3339),
		LastModified: e.UpdatedAt.UTC().Format(time.RFC3339),
		Version:      `W/"1"`,
		Location:     fmt.Sprintf("%s/%ss/%s", baseURL, rs.Name, e.ScimID),
	}
}
