package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind identifies a SCIM entity kind. The set is closed: each kind is backed
// by its own table and column mapping, selected once per request.
type Kind string

const (
	KindUser        Kind = "User"
	KindGroup       Kind = "Group"
	KindEntitlement Kind = "Entitlement"
	KindRole        Kind = "Role"
)

// Operator is a filter comparison operator.
type Operator string

const (
	OpEquals     Operator = "eq"
	OpContains   Operator = "co"
	OpStartsWith Operator = "sw"
	OpEndsWith   Operator = "ew"
)

// Predicate is a parsed filter clause: one field compared to one value.
type Predicate struct {
	Field    string
	Operator Operator
	Value    string
}

// Query describes how a list or count operation narrows its result set.
// Predicate takes priority; when it is nil and Fallback is non-empty, a
// substring search across the kind's default textual fields is applied.
type Query struct {
	Predicate *Predicate
	Fallback  string
}

// Entity is a stored SCIM resource. Attrs holds the canonical attribute map
// (flat SCIM attribute names), Custom holds tenant-defined extension
// attributes persisted as JSON.
type Entity struct {
	Key       int64 // internal surrogate key, never exposed
	ScimID    string
	ServerID  string
	Attrs     map[string]any
	Custom    map[string]any
	CreatedAt time.Time
	UpdatedAt time.Time
}

type colType int

const (
	colText colType = iota
	colBool
)

// attrColumn maps one canonical SCIM attribute to a table column.
type attrColumn struct {
	attr string
	col  string
	typ  colType
}

// kindSpec describes the persistence shape of one entity kind.
type kindSpec struct {
	table       string
	attrs       []attrColumn
	searchAttrs []string // fallback substring search fields
}

var kindSpecs = map[Kind]kindSpec{
	KindUser: {
		table: "users",
		attrs: []attrColumn{
			{"userName", "user_name", colText},
			{"externalId", "external_id", colText},
			{"displayName", "display_name", colText},
			{"givenName", "given_name", colText},
			{"familyName", "family_name", colText},
			{"email", "email", colText},
			{"active", "active", colBool},
		},
		searchAttrs: []string{"userName", "displayName", "email"},
	},
	KindGroup: {
		table: "groups",
		attrs: []attrColumn{
			{"displayName", "display_name", colText},
			{"description", "description", colText},
		},
		searchAttrs: []string{"displayName", "description"},
	},
	KindEntitlement: {
		table: "entitlements",
		attrs: []attrColumn{
			{"displayName", "display_name", colText},
			{"type", "type", colText},
			{"description", "description", colText},
			{"entitlementType", "entitlement_type", colText},
			{"multiValued", "multi_valued", colBool},
		},
		searchAttrs: []string{"displayName", "type", "description"},
	},
	KindRole: {
		table: "roles",
		attrs: []attrColumn{
			{"displayName", "display_name", colText},
			{"description", "description", colText},
		},
		searchAttrs: []string{"displayName", "description"},
	},
}

// column returns the column mapping for a canonical attribute name, or false
// when the kind has no such attribute.
func (ks kindSpec) column(attr string) (attrColumn, bool) {
	for _, ac := range ks.attrs {
		if ac.attr == attr {
			return ac, true
		}
	}
	return attrColumn{}, false
}

// selectColumns returns the full projection for this kind.
func (ks kindSpec) selectColumns() string {
	cols := []string{"id", "scim_id", "server_id", "custom_attributes", "created_at", "updated_at"}
	for _, ac := range ks.attrs {
		cols = append(cols, ac.col)
	}
	return strings.Join(cols, ", ")
}

// scanEntity scans one row produced by selectColumns into an Entity.
func (ks kindSpec) scanEntity(row interface{ Scan(dest ...any) error }) (Entity, error) {
	e := Entity{Attrs: make(map[string]any)}

	dest := []any{&e.Key, &e.ScimID, &e.ServerID, &e.Custom, &e.CreatedAt, &e.UpdatedAt}
	holders := make([]any, len(ks.attrs))
	for i, ac := range ks.attrs {
		if ac.typ == colBool {
			holders[i] = new(bool)
		} else {
			holders[i] = new(*string)
		}
		dest = append(dest, holders[i])
	}

	if err := row.Scan(dest...); err != nil {
		return Entity{}, translateErr(err)
	}

	for i, ac := range ks.attrs {
		switch ac.typ {
		case colBool:
			e.Attrs[ac.attr] = *holders[i].(*bool)
		default:
			if v := *holders[i].(**string); v != nil {
				e.Attrs[ac.attr] = *v
			}
		}
	}
	if e.Custom == nil {
		e.Custom = map[string]any{}
	}

	return e, nil
}

// whereClause builds the tenant-scoped WHERE clause for a Query. Arguments
// are appended to args and the clause references them positionally.
func (ks kindSpec) whereClause(serverID string, q Query) (string, []any) {
	args := []any{serverID}
	clauses := []string{"server_id = $1"}

	match := func(ac attrColumn, op Operator, value string) string {
		switch op {
		case OpContains:
			args = append(args, likeEscaper.Replace(value))
			return fmt.Sprintf("%s LIKE '%%' || $%d || '%%'", ac.col, len(args))
		case OpStartsWith:
			args = append(args, likeEscaper.Replace(value))
			return fmt.Sprintf("%s LIKE $%d || '%%'", ac.col, len(args))
		case OpEndsWith:
			args = append(args, likeEscaper.Replace(value))
			return fmt.Sprintf("%s LIKE '%%' || $%d", ac.col, len(args))
		default:
			if ac.typ == colBool {
				// Boolean columns compare against the literal "true"/"false".
				args = append(args, strings.EqualFold(value, "true"))
			} else {
				args = append(args, value)
			}
			return fmt.Sprintf("%s = $%d", ac.col, len(args))
		}
	}

	if p := q.Predicate; p != nil {
		// A predicate on an attribute this kind doesn't have matches the
		// whole tenant set, same as no filter. Substring operators on a
		// boolean column degrade the same way instead of generating SQL
		// Postgres would reject.
		if ac, ok := ks.column(p.Field); ok {
			if ac.typ != colBool || p.Operator == OpEquals {
				clauses = append(clauses, match(ac, p.Operator, p.Value))
			}
		}
	} else if q.Fallback != "" {
		var ors []string
		for _, attr := range ks.searchAttrs {
			if ac, ok := ks.column(attr); ok {
				ors = append(ors, match(ac, OpContains, q.Fallback))
			}
		}
		if len(ors) > 0 {
			clauses = append(clauses, "("+strings.Join(ors, " OR ")+")")
		}
	}

	return strings.Join(clauses, " AND "), args
}

// likeEscaper neutralizes LIKE metacharacters in user-supplied filter values
// so "100%" matches the literal string rather than any "100" prefix.
var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// CreateEntity inserts a new entity of the given kind, assigning a fresh
// UUID resource id. Attribute keys not mapped to a column for this kind are
// ignored; callers validate attribute names before reaching the store.
func (s *Store) CreateEntity(ctx context.Context, kind Kind, serverID string, attrs, custom map[string]any) (Entity, error) {
	return createEntity(ctx, s.pool, kind, serverID, attrs, custom)
}

func createEntity(ctx context.Context, db querier, kind Kind, serverID string, attrs, custom map[string]any) (Entity, error) {
	ks, ok := kindSpecs[kind]
	if !ok {
		panic(fmt.Sprintf("store: unknown entity kind %q", kind))
	}
	if custom == nil {
		custom = map[string]any{}
	}

	cols := []string{"scim_id", "server_id", "custom_attributes"}
	args := []any{uuid.NewString(), serverID, custom}
	for _, ac := range ks.attrs {
		if v, present := attrs[ac.attr]; present {
			cols = append(cols, ac.col)
			args = append(args, v)
		}
	}

	placeholders := make([]string, len(cols))
	for i := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}

	sql := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) RETURNING %s",
		ks.table, strings.Join(cols, ", "), strings.Join(placeholders, ", "), ks.selectColumns(),
	)

	e, err := ks.scanEntity(db.QueryRow(ctx, sql, args...))
	if err != nil {
		return Entity{}, fmt.Errorf("create %s: %w", strings.ToLower(string(kind)), err)
	}
	return e, nil
}

// GetEntityByID fetches an entity by its SCIM resource id within a tenant.
func (s *Store) GetEntityByID(ctx context.Context, kind Kind, serverID, scimID string) (Entity, error) {
	ks := kindSpecs[kind]
	sql := fmt.Sprintf(
		"SELECT %s FROM %s WHERE server_id = $1 AND scim_id = $2",
		ks.selectColumns(), ks.table,
	)
	return ks.scanEntity(s.pool.QueryRow(ctx, sql, serverID, scimID))
}

// GetEntityByAttr fetches an entity by an exact match on one canonical
// attribute within a tenant (used for uniqueness pre-checks).
func (s *Store) GetEntityByAttr(ctx context.Context, kind Kind, serverID, attr, value string) (Entity, error) {
	ks := kindSpecs[kind]
	ac, ok := ks.column(attr)
	if !ok {
		panic(fmt.Sprintf("store: kind %s has no attribute %q", kind, attr))
	}
	sql := fmt.Sprintf(
		"SELECT %s FROM %s WHERE server_id = $1 AND %s = $2",
		ks.selectColumns(), ks.table, ac.col,
	)
	return ks.scanEntity(s.pool.QueryRow(ctx, sql, serverID, value))
}

// ListEntities returns entities in stable surrogate-key order, offset/limit
// paginated, narrowed by q.
func (s *Store) ListEntities(ctx context.Context, kind Kind, serverID string, offset, limit int, q Query) ([]Entity, error) {
	ks := kindSpecs[kind]
	where, args := ks.whereClause(serverID, q)
	args = append(args, limit, offset)
	sql := fmt.Sprintf(
		"SELECT %s FROM %s WHERE %s ORDER BY id LIMIT $%d OFFSET $%d",
		ks.selectColumns(), ks.table, where, len(args)-1, len(args),
	)

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", ks.table, err)
	}
	defer rows.Close()

	var entities []Entity
	for rows.Next() {
		e, err := ks.scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", ks.table, err)
		}
		entities = append(entities, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list %s: %w", ks.table, err)
	}
	return entities, nil
}

// CountEntities returns the number of entities matching q. Evaluated with the
// same WHERE clause as ListEntities so list and count stay consistent.
func (s *Store) CountEntities(ctx context.Context, kind Kind, serverID string, q Query) (int64, error) {
	ks := kindSpecs[kind]
	where, args := ks.whereClause(serverID, q)
	sql := fmt.Sprintf("SELECT count(*) FROM %s WHERE %s", ks.table, where)

	var count int64
	if err := s.pool.QueryRow(ctx, sql, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count %s: %w", ks.table, err)
	}
	return count, nil
}

// UpdateEntity merges the provided attributes into an existing entity and
// replaces its custom attribute document. Attributes absent from attrs are
// left untouched. The whole update is a single statement, so readers never
// observe a partially applied merge.
func (s *Store) UpdateEntity(ctx context.Context, kind Kind, serverID, scimID string, attrs, custom map[string]any) (Entity, error) {
	return updateEntity(ctx, s.pool, kind, serverID, scimID, attrs, custom)
}

func updateEntity(ctx context.Context, db querier, kind Kind, serverID, scimID string, attrs, custom map[string]any) (Entity, error) {
	ks := kindSpecs[kind]

	sets := []string{"updated_at = now()"}
	args := []any{serverID, scimID}
	for _, ac := range ks.attrs {
		if v, present := attrs[ac.attr]; present {
			args = append(args, v)
			sets = append(sets, fmt.Sprintf("%s = $%d", ac.col, len(args)))
		}
	}
	if custom != nil {
		args = append(args, custom)
		sets = append(sets, fmt.Sprintf("custom_attributes = $%d", len(args)))
	}

	sql := fmt.Sprintf(
		"UPDATE %s SET %s WHERE server_id = $1 AND scim_id = $2 RETURNING %s",
		ks.table, strings.Join(sets, ", "), ks.selectColumns(),
	)

	e, err := ks.scanEntity(db.QueryRow(ctx, sql, args...))
	if err != nil {
		return Entity{}, err
	}
	return e, nil
}

// DeleteEntity removes an entity. Returns ErrNotFound when no row matched.
// Membership edges referencing the entity are removed by the schema's
// ON DELETE CASCADE constraints.
func (s *Store) DeleteEntity(ctx context.Context, kind Kind, serverID, scimID string) error {
	ks := kindSpecs[kind]
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE server_id = $1 AND scim_id = $2", ks.table),
		serverID, scimID,
	)
	if err != nil {
		return fmt.Errorf("delete %s: %w", ks.table, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeactivateUser soft-deletes a user by setting active=false. The row is
// retained so subsequent reads return the deactivated record.
func (s *Store) DeactivateUser(ctx context.Context, serverID, scimID string) error {
	tag, err := s.pool.Exec(ctx,
		"UPDATE users SET active = FALSE, updated_at = now() WHERE server_id = $1 AND scim_id = $2",
		serverID, scimID,
	)
	if err != nil {
		return fmt.Errorf("deactivate user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
