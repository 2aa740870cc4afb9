// Package testutil provides shared test helpers for integration tests.
package testutil

import (
	"context"
	"crypto/rand"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ltsch/mock-scim-server-sub001/internal/auth"
	"github.com/ltsch/mock-scim-server-sub001/internal/store"
)

var entropy = ulid.Monotonic(rand.Reader, 0)

// TestAPIKey is the raw API key every test store is bootstrapped with.
const TestAPIKey = "test-api-key"

// precomputedHash is a bcrypt hash of TestAPIKey computed once at init
// time. This avoids paying the bcrypt cost for every test setup.
var precomputedHash string

func init() {
	h, err := auth.HashAPIKey(TestAPIKey)
	if err != nil {
		panic("testutil: precompute hash: " + err.Error())
	}
	precomputedHash = h
}

// NewID generates a unique ULID for test isolation.
func NewID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// SetupPostgres starts a PostgreSQL testcontainer and returns a connected
// Store with the test API key bootstrapped. The container is stopped when
// the test completes.
func SetupPostgres(t *testing.T) *store.Store {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:17-alpine",
		postgres.WithDatabase("scim_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() { container.Terminate(context.Background()) })

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("get connection string: %v", err)
	}

	st, err := store.New(ctx, connStr)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	if err := st.EnsureAPIKey(ctx, "test", precomputedHash); err != nil {
		t.Fatalf("bootstrap test api key: %v", err)
	}

	return st
}

// CreateTestUser creates a user in the given tenant and returns its SCIM id.
func CreateTestUser(t *testing.T, st *store.Store, tenantID, userName string) string {
	t.Helper()
	e, err := st.CreateEntity(context.Background(), store.KindUser, tenantID, map[string]any{
		"userName": userName,
		"active":   true,
	}, nil)
	if err != nil {
		t.Fatalf("create test user: %v", err)
	}
	return e.ScimID
}

// CreateTestGroup creates a group in the given tenant and returns its SCIM id.
func CreateTestGroup(t *testing.T, st *store.Store, tenantID, displayName string) string {
	t.Helper()
	e, err := st.CreateEntity(context.Background(), store.KindGroup, tenantID, map[string]any{
		"displayName": displayName,
	}, nil)
	if err != nil {
		t.Fatalf("create test group: %v", err)
	}
	return e.ScimID
}
