package store

import (
	"context"
	"fmt"
)

// TenantSchema is a tenant-scoped schema document: either a custom attribute
// extension or the tenant's configuration document. Definition is stored as
// an opaque JSON object and interpreted by the caller.
type TenantSchema struct {
	ServerID    string
	URN         string
	Name        string
	Description string
	Definition  map[string]any
}

// GetTenantSchema fetches one schema document by URN.
func (s *Store) GetTenantSchema(ctx context.Context, serverID, urn string) (TenantSchema, error) {
	ts := TenantSchema{ServerID: serverID, URN: urn}
	err := s.pool.QueryRow(ctx,
		"SELECT name, COALESCE(description, ''), definition FROM tenant_schemas WHERE server_id = $1 AND urn = $2",
		serverID, urn,
	).Scan(&ts.Name, &ts.Description, &ts.Definition)
	if err != nil {
		return TenantSchema{}, translateErr(err)
	}
	if ts.Definition == nil {
		ts.Definition = map[string]any{}
	}
	return ts, nil
}

// UpsertTenantSchema inserts or replaces a schema document for a tenant.
func (s *Store) UpsertTenantSchema(ctx context.Context, ts TenantSchema) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tenant_schemas (server_id, urn, name, description, definition)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (server_id, urn)
		DO UPDATE SET name = EXCLUDED.name, description = EXCLUDED.description, definition = EXCLUDED.definition`,
		ts.ServerID, ts.URN, ts.Name, ts.Description, ts.Definition,
	)
	if err != nil {
		return fmt.Errorf("upsert tenant schema: %w", err)
	}
	return nil
}
