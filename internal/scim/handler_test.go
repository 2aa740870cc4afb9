package scim_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ltsch/mock-scim-server-sub001/internal/config"
	"github.com/ltsch/mock-scim-server-sub001/internal/scim"
	"github.com/ltsch/mock-scim-server-sub001/internal/store"
	"github.com/ltsch/mock-scim-server-sub001/internal/testutil"
)

// scimTestEnv holds shared state for SCIM integration tests.
type scimTestEnv struct {
	handler http.Handler
	st      *store.Store
	tenant  string
}

func setupSCIM(t *testing.T) *scimTestEnv {
	t.Helper()
	st := testutil.SetupPostgres(t)
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))

	cfg := &config.Config{
		DefaultPageSize: 100,
		MaxPageSize:     100,
		MaxCountLimit:   1000,
		RateLimit:       10000,
		RateLimitWindow: time.Minute,
	}

	mux := http.NewServeMux()
	scim.NewHandler(mux, st, logger, cfg)

	return &scimTestEnv{
		handler: mux,
		st:      st,
		tenant:  "tenant-" + testutil.NewID()[:8],
	}
}

func (e *scimTestEnv) requestAs(tenant, method, path string, body ...any) *httptest.ResponseRecorder {
	var reqBody *bytes.Buffer
	if len(body) > 0 && body[0] != nil {
		b, _ := json.Marshal(body[0])
		reqBody = bytes.NewBuffer(b)
	} else {
		reqBody = &bytes.Buffer{}
	}

	req := httptest.NewRequest(method, "/scim-identifier/"+tenant+"/scim/v2"+path, reqBody)
	req.Header.Set("Authorization", "Bearer "+testutil.TestAPIKey)
	req.Header.Set("Content-Type", "application/scim+json")

	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func (e *scimTestEnv) request(method, path string, body ...any) *httptest.ResponseRecorder {
	return e.requestAs(e.tenant, method, path, body...)
}

func queryEscape(s string) string { return url.QueryEscape(s) }

func (e *scimTestEnv) decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func (e *scimTestEnv) createUser(t *testing.T, userName string) string {
	t.Helper()
	w := e.request("POST", "/Users", map[string]any{
		"schemas":  []string{scim.SchemaUser},
		"userName": userName,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return e.decode(t, w)["id"].(string)
}

func (e *scimTestEnv) createGroup(t *testing.T, displayName string) string {
	t.Helper()
	w := e.request("POST", "/Groups", map[string]any{
		"schemas":     []string{scim.SchemaGroup},
		"displayName": displayName,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return e.decode(t, w)["id"].(string)
}

// --- Auth Tests ---

func TestAuth_MissingToken(t *testing.T) {
	env := setupSCIM(t)
	req := httptest.NewRequest("GET", "/scim-identifier/"+env.tenant+"/scim/v2/Users", nil)
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuth_InvalidToken(t *testing.T) {
	env := setupSCIM(t)
	req := httptest.NewRequest("GET", "/scim-identifier/"+env.tenant+"/scim/v2/Users", nil)
	req.Header.Set("Authorization", "Bearer wrong-key")
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuth_InvalidTenantID(t *testing.T) {
	env := setupSCIM(t)
	w := env.requestAs("bad tenant!", "GET", "/Users")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAuth_UnsupportedContentType(t *testing.T) {
	env := setupSCIM(t)
	req := httptest.NewRequest("POST", "/scim-identifier/"+env.tenant+"/scim/v2/Users", bytes.NewBufferString("<xml/>"))
	req.Header.Set("Authorization", "Bearer "+testutil.TestAPIKey)
	req.Header.Set("Content-Type", "application/xml")
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnsupportedMediaType, w.Code)
}

// --- User CRUD Tests ---

func TestCreateUser(t *testing.T) {
	env := setupSCIM(t)

	w := env.request("POST", "/Users", map[string]any{
		"schemas":  []string{scim.SchemaUser},
		"userName": "alice@example.com",
		"name": map[string]any{
			"givenName":  "Alice",
			"familyName": "Smith",
		},
		"emails": []any{
			map[string]any{"value": "alice@example.com", "primary": true},
		},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "application/scim+json", w.Header().Get("Content-Type"))
	assert.NotEmpty(t, w.Header().Get("Location"))

	user := env.decode(t, w)
	assert.Equal(t, "alice@example.com", user["userName"])
	assert.Equal(t, true, user["active"])
	assert.NotEmpty(t, user["id"])

	meta := user["meta"].(map[string]any)
	assert.Equal(t, "User", meta["resourceType"])
}

func TestCreateUserDuplicate(t *testing.T) {
	env := setupSCIM(t)
	env.createUser(t, "alice")

	w := env.request("POST", "/Users", map[string]any{
		"schemas":  []string{scim.SchemaUser},
		"userName": "alice",
	})
	assert.Equal(t, http.StatusConflict, w.Code)

	body := env.decode(t, w)
	assert.Equal(t, "409", body["status"])
	assert.Equal(t, "uniqueness", body["scimType"])
	assert.Contains(t, body["schemas"], "urn:ietf:params:scim:api:messages:2.0:Error")
}

func TestCreateUserDuplicateOtherTenant(t *testing.T) {
	env := setupSCIM(t)
	env.createUser(t, "alice")

	w := env.requestAs("other-tenant", "POST", "/Users", map[string]any{
		"schemas":  []string{scim.SchemaUser},
		"userName": "alice",
	})
	assert.Equal(t, http.StatusCreated, w.Code, "same userName in another tenant must succeed")
}

func TestCreateUserMissingUserName(t *testing.T) {
	env := setupSCIM(t)
	w := env.request("POST", "/Users", map[string]any{
		"schemas":     []string{scim.SchemaUser},
		"displayName": "No Name",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateUserUnknownAttribute(t *testing.T) {
	env := setupSCIM(t)
	w := env.request("POST", "/Users", map[string]any{
		"schemas":    []string{scim.SchemaUser},
		"userName":   "alice",
		"department": "sales",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetUser(t *testing.T) {
	env := setupSCIM(t)
	id := env.createUser(t, "alice")

	w := env.request("GET", "/Users/"+id)
	require.Equal(t, http.StatusOK, w.Code)
	user := env.decode(t, w)
	assert.Equal(t, id, user["id"])
	assert.Equal(t, "alice", user["userName"])
}

func TestGetUserNotFound(t *testing.T) {
	env := setupSCIM(t)
	w := env.request("GET", "/Users/00000000-0000-4000-8000-000000000000")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetUserMalformedID(t *testing.T) {
	env := setupSCIM(t)
	w := env.request("GET", "/Users/not-a-uuid")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTenantIsolation(t *testing.T) {
	env := setupSCIM(t)
	id := env.createUser(t, "alice")

	w := env.requestAs("other-tenant", "GET", "/Users/"+id)
	assert.Equal(t, http.StatusNotFound, w.Code, "resources must not leak across tenants")

	w = env.requestAs("other-tenant", "GET", "/Users")
	list := env.decode(t, w)
	assert.Equal(t, float64(0), list["totalResults"])
}

func TestReplaceUser(t *testing.T) {
	env := setupSCIM(t)
	id := env.createUser(t, "alice")

	w := env.request("PUT", "/Users/"+id, map[string]any{
		"schemas":     []string{scim.SchemaUser},
		"userName":    "alice",
		"displayName": "Alice Smith",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	user := env.decode(t, w)
	assert.Equal(t, "Alice Smith", user["displayName"])

	// A second PUT without displayName clears it
	w = env.request("PUT", "/Users/"+id, map[string]any{
		"schemas":  []string{scim.SchemaUser},
		"userName": "alice",
	})
	require.Equal(t, http.StatusOK, w.Code)
	user = env.decode(t, w)
	_, has := user["displayName"]
	assert.False(t, has)
}

func TestReplaceUserConflict(t *testing.T) {
	env := setupSCIM(t)
	env.createUser(t, "alice")
	id := env.createUser(t, "bob")

	w := env.request("PUT", "/Users/"+id, map[string]any{
		"schemas":  []string{scim.SchemaUser},
		"userName": "alice",
	})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestPatchUser(t *testing.T) {
	env := setupSCIM(t)
	id := env.createUser(t, "alice")

	w := env.request("PATCH", "/Users/"+id, map[string]any{
		"schemas": []string{scim.SchemaPatchOp},
		"Operations": []any{
			map[string]any{"op": "replace", "path": "displayName", "value": "Alice S"},
			map[string]any{"op": "replace", "path": "active", "value": false},
		},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	user := env.decode(t, w)
	assert.Equal(t, "Alice S", user["displayName"])
	assert.Equal(t, false, user["active"])
}

func TestPatchUserUnknownAttributeLeavesStateUnchanged(t *testing.T) {
	env := setupSCIM(t)
	id := env.createUser(t, "alice")

	w := env.request("PATCH", "/Users/"+id, map[string]any{
		"schemas": []string{scim.SchemaPatchOp},
		"Operations": []any{
			map[string]any{"op": "replace", "path": "displayName", "value": "Changed"},
			map[string]any{"op": "replace", "path": "department", "value": "sales"},
		},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.request("GET", "/Users/"+id)
	user := env.decode(t, w)
	_, has := user["displayName"]
	assert.False(t, has, "a failed patch must not apply any of its operations")
}

func TestPatchUserPlainResourceBody(t *testing.T) {
	env := setupSCIM(t)
	id := env.createUser(t, "alice")

	// A body without an Operations key is a plain resource document
	// applied as a partial update.
	w := env.request("PATCH", "/Users/"+id, map[string]any{
		"schemas":     []string{scim.SchemaUser},
		"displayName": "Alice S",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	user := env.decode(t, w)
	assert.Equal(t, "Alice S", user["displayName"])
	assert.Equal(t, "alice", user["userName"], "omitted attributes stay untouched")
	assert.Equal(t, true, user["active"])
}

func TestDeleteUserIsSoft(t *testing.T) {
	env := setupSCIM(t)
	id := env.createUser(t, "alice")

	w := env.request("DELETE", "/Users/"+id)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = env.request("GET", "/Users/"+id)
	require.Equal(t, http.StatusOK, w.Code, "soft-deleted users remain readable")
	user := env.decode(t, w)
	assert.Equal(t, false, user["active"])
}

func TestDeleteGroupIsHard(t *testing.T) {
	env := setupSCIM(t)
	id := env.createGroup(t, "engineering")

	w := env.request("DELETE", "/Groups/"+id)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = env.request("GET", "/Groups/"+id)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// --- List and Filter Tests ---

func TestListUsersPagination(t *testing.T) {
	env := setupSCIM(t)
	for i := 0; i < 5; i++ {
		env.createUser(t, fmt.Sprintf("user-%d", i))
	}

	w := env.request("GET", "/Users?startIndex=1&count=2")
	require.Equal(t, http.StatusOK, w.Code)
	list := env.decode(t, w)
	assert.Equal(t, float64(5), list["totalResults"])
	assert.Equal(t, float64(1), list["startIndex"])
	assert.Equal(t, float64(2), list["itemsPerPage"])
	assert.Len(t, list["Resources"], 2)

	w = env.request("GET", "/Users?startIndex=5&count=2")
	list = env.decode(t, w)
	assert.Equal(t, float64(1), list["itemsPerPage"], "final page is partial")

	w = env.request("GET", "/Users?startIndex=100&count=2")
	list = env.decode(t, w)
	assert.Equal(t, float64(0), list["itemsPerPage"])
	assert.Equal(t, float64(5), list["totalResults"], "total stays accurate past the end")
}

func TestListUsersFilter(t *testing.T) {
	env := setupSCIM(t)
	env.createUser(t, "alice@example.com")
	env.createUser(t, "bob@example.com")

	w := env.request("GET", `/Users?filter=`+queryEscape(`userName eq "alice@example.com"`))
	require.Equal(t, http.StatusOK, w.Code)
	list := env.decode(t, w)
	assert.Equal(t, float64(1), list["totalResults"])

	resources := list["Resources"].([]any)
	user := resources[0].(map[string]any)
	assert.Equal(t, "alice@example.com", user["userName"])
}

func TestListUsersFilterNoMatchIsEmpty(t *testing.T) {
	env := setupSCIM(t)
	env.createUser(t, "alice")

	w := env.request("GET", `/Users?filter=`+queryEscape(`userName eq "missing"`))
	require.Equal(t, http.StatusOK, w.Code)
	list := env.decode(t, w)
	assert.Equal(t, float64(0), list["totalResults"])
}

func TestListUsersSubstringFilterOnBoolean(t *testing.T) {
	env := setupSCIM(t)
	env.createUser(t, "alice")
	env.createUser(t, "bob")

	// Substring operators are meaningless on a boolean attribute and
	// degrade to an unfiltered list instead of an error.
	w := env.request("GET", `/Users?filter=`+queryEscape(`active co "tru"`))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	list := env.decode(t, w)
	assert.Equal(t, float64(2), list["totalResults"])
}

// --- Group Membership Tests ---

func TestGroupMembersEndpoints(t *testing.T) {
	env := setupSCIM(t)
	groupID := env.createGroup(t, "engineering")
	userID := env.createUser(t, "alice")

	w := env.request("POST", "/Groups/"+groupID+"/members", map[string]any{"value": userID})
	assert.Equal(t, http.StatusNoContent, w.Code)

	// Adding again is idempotent
	w = env.request("POST", "/Groups/"+groupID+"/members", map[string]any{"value": userID})
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = env.request("GET", "/Groups/"+groupID+"/members")
	require.Equal(t, http.StatusOK, w.Code)
	body := env.decode(t, w)
	assert.Equal(t, float64(1), body["totalResults"])

	w = env.request("GET", "/Groups/"+groupID+"/members/"+userID)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, env.decode(t, w)["isMember"])

	// Group GET joins members
	w = env.request("GET", "/Groups/"+groupID)
	group := env.decode(t, w)
	members := group["members"].([]any)
	require.Len(t, members, 1)
	assert.Equal(t, userID, members[0].(map[string]any)["value"])

	// User GET joins groups
	w = env.request("GET", "/Users/"+userID)
	user := env.decode(t, w)
	groups := user["groups"].([]any)
	require.Len(t, groups, 1)
	assert.Equal(t, groupID, groups[0].(map[string]any)["value"])

	w = env.request("DELETE", "/Groups/"+groupID+"/members/"+userID)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = env.request("GET", "/Groups/"+groupID+"/members/"+userID)
	assert.Equal(t, false, env.decode(t, w)["isMember"])
}

func TestGroupPatchMembers(t *testing.T) {
	env := setupSCIM(t)
	groupID := env.createGroup(t, "engineering")
	userID := env.createUser(t, "alice")

	w := env.request("PATCH", "/Groups/"+groupID, map[string]any{
		"schemas": []string{scim.SchemaPatchOp},
		"Operations": []any{
			map[string]any{"op": "add", "path": "members", "value": []any{
				map[string]any{"value": userID},
			}},
		},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	group := env.decode(t, w)
	members := group["members"].([]any)
	require.Len(t, members, 1)

	w = env.request("PATCH", "/Groups/"+groupID, map[string]any{
		"schemas": []string{scim.SchemaPatchOp},
		"Operations": []any{
			map[string]any{"op": "remove", "path": "members", "value": map[string]any{"value": userID}},
		},
	})
	require.Equal(t, http.StatusOK, w.Code)
	group = env.decode(t, w)
	assert.Len(t, group["members"], 0)
}

func TestGroupPatchMixedOperationsCommitTogether(t *testing.T) {
	env := setupSCIM(t)
	groupID := env.createGroup(t, "engineering")

	w := env.request("PATCH", "/Groups/"+groupID, map[string]any{
		"schemas": []string{scim.SchemaPatchOp},
		"Operations": []any{
			map[string]any{"op": "replace", "path": "displayName", "value": "platform"},
			map[string]any{"op": "add", "path": "members", "value": []any{
				map[string]any{"value": testutil.NewID()},
			}},
		},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())

	// The failed member add must take the rename down with it.
	w = env.request("GET", "/Groups/"+groupID)
	group := env.decode(t, w)
	assert.Equal(t, "engineering", group["displayName"])
	assert.Len(t, group["members"], 0)
}

func TestGroupResponsesAlwaysCarryMembers(t *testing.T) {
	env := setupSCIM(t)
	env.createGroup(t, "engineering")

	w := env.request("GET", "/Groups")
	require.Equal(t, http.StatusOK, w.Code)
	list := env.decode(t, w)
	resources := list["Resources"].([]any)
	require.Len(t, resources, 1)

	group := resources[0].(map[string]any)
	members, ok := group["members"].([]any)
	require.True(t, ok, "list entries carry a members array")
	assert.Empty(t, members)
}

func TestAddMemberUnknownUser(t *testing.T) {
	env := setupSCIM(t)
	groupID := env.createGroup(t, "engineering")

	w := env.request("POST", "/Groups/"+groupID+"/members", map[string]any{"value": "missing"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// --- Discovery Tests ---

func TestServiceProviderConfig(t *testing.T) {
	env := setupSCIM(t)
	w := env.request("GET", "/ServiceProviderConfig")
	require.Equal(t, http.StatusOK, w.Code)

	doc := env.decode(t, w)
	assert.Contains(t, doc["schemas"], scim.SchemaSPConfig)
	patch := doc["patch"].(map[string]any)
	assert.Equal(t, true, patch["supported"])
	changePassword := doc["changePassword"].(map[string]any)
	assert.Equal(t, false, changePassword["supported"], "password changes default to disabled")
}

func TestResourceTypes(t *testing.T) {
	env := setupSCIM(t)
	w := env.request("GET", "/ResourceTypes")
	require.Equal(t, http.StatusOK, w.Code)

	list := env.decode(t, w)
	assert.Equal(t, float64(4), list["totalResults"])
}

func TestSchemas(t *testing.T) {
	env := setupSCIM(t)
	w := env.request("GET", "/Schemas")
	require.Equal(t, http.StatusOK, w.Code)
	list := env.decode(t, w)
	assert.Equal(t, float64(4), list["totalResults"])

	w = env.request("GET", "/Schemas/"+scim.SchemaUser)
	require.Equal(t, http.StatusOK, w.Code)
	doc := env.decode(t, w)
	assert.Equal(t, scim.SchemaUser, doc["id"])

	w = env.request("GET", "/Schemas/urn:unknown:schema")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// --- Password Tests ---

func TestPasswordChangeDisabled(t *testing.T) {
	env := setupSCIM(t)
	id := env.createUser(t, "alice")

	w := env.request("PATCH", "/Users/"+id+"/password", map[string]any{
		"schemas": []string{scim.SchemaPatchOp},
		"Operations": []any{
			map[string]any{"op": "replace", "path": "password", "value": "NewPassw0rd!"},
		},
	})
	assert.Equal(t, http.StatusNotImplemented, w.Code)
}

// --- Entitlement and Role Tests ---

func TestEntitlementCRUD(t *testing.T) {
	env := setupSCIM(t)

	w := env.request("POST", "/Entitlements", map[string]any{
		"schemas":         []string{scim.SchemaEntitlement},
		"displayName":     "license-pro",
		"type":            "license",
		"entitlementType": "application",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	id := env.decode(t, w)["id"].(string)

	w = env.request("GET", "/Entitlements/"+id)
	require.Equal(t, http.StatusOK, w.Code)
	ent := env.decode(t, w)
	assert.Equal(t, "license-pro", ent["displayName"])
	assert.Contains(t, ent["schemas"], scim.SchemaEntitlement)

	w = env.request("DELETE", "/Entitlements/"+id)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = env.request("GET", "/Entitlements/"+id)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRoleCRUD(t *testing.T) {
	env := setupSCIM(t)

	w := env.request("POST", "/Roles", map[string]any{
		"schemas":     []string{scim.SchemaRole},
		"displayName": "admin",
		"description": "Administrators",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	id := env.decode(t, w)["id"].(string)

	w = env.request("PATCH", "/Roles/"+id, map[string]any{
		"schemas": []string{scim.SchemaPatchOp},
		"Operations": []any{
			map[string]any{"op": "replace", "path": "description", "value": "Updated"},
		},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "Updated", env.decode(t, w)["description"])
}
