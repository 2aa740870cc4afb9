package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Member is one user edge of a group, carrying enough to render a SCIM
// member sub-resource.
type Member struct {
	ScimID      string
	UserName    string
	DisplayName string
}

// resolveKeys looks up the surrogate keys for a group and a user within the
// same tenant. Either side missing yields ErrNotFound.
func resolveKeys(ctx context.Context, db querier, serverID, groupID, userID string) (groupKey, userKey int64, err error) {
	err = db.QueryRow(ctx,
		"SELECT id FROM groups WHERE server_id = $1 AND scim_id = $2",
		serverID, groupID,
	).Scan(&groupKey)
	if err != nil {
		return 0, 0, fmt.Errorf("resolve group: %w", translateErr(err))
	}
	err = db.QueryRow(ctx,
		"SELECT id FROM users WHERE server_id = $1 AND scim_id = $2",
		serverID, userID,
	).Scan(&userKey)
	if err != nil {
		return 0, 0, fmt.Errorf("resolve user: %w", translateErr(err))
	}
	return groupKey, userKey, nil
}

// AddGroupMember links a user into a group. Both sides are resolved and the
// edge inserted in one transaction so the membership cannot land on a row
// deleted in between. Adding an existing member is a no-op, so the
// operation is idempotent.
func (s *Store) AddGroupMember(ctx context.Context, serverID, groupID, userID string) error {
	return s.WithTx(ctx, func(tx pgx.Tx) error {
		return addGroupMember(ctx, tx, serverID, groupID, userID)
	})
}

func addGroupMember(ctx context.Context, db querier, serverID, groupID, userID string) error {
	groupKey, userKey, err := resolveKeys(ctx, db, serverID, groupID, userID)
	if err != nil {
		return err
	}
	_, err = db.Exec(ctx,
		"INSERT INTO user_groups (user_id, group_id) VALUES ($1, $2) ON CONFLICT DO NOTHING",
		userKey, groupKey,
	)
	if err != nil {
		return fmt.Errorf("add group member: %w", err)
	}
	return nil
}

// RemoveGroupMember unlinks a user from a group. Removing a user who is not
// a member is a no-op.
func (s *Store) RemoveGroupMember(ctx context.Context, serverID, groupID, userID string) error {
	return s.WithTx(ctx, func(tx pgx.Tx) error {
		return removeGroupMember(ctx, tx, serverID, groupID, userID)
	})
}

func removeGroupMember(ctx context.Context, db querier, serverID, groupID, userID string) error {
	groupKey, userKey, err := resolveKeys(ctx, db, serverID, groupID, userID)
	if err != nil {
		return err
	}
	_, err = db.Exec(ctx,
		"DELETE FROM user_groups WHERE user_id = $1 AND group_id = $2",
		userKey, groupKey,
	)
	if err != nil {
		return fmt.Errorf("remove group member: %w", err)
	}
	return nil
}

// UpdateEntityWithMembers applies an attribute merge together with membership
// additions and removals in a single transaction. Either every mutation
// commits or none does, so a bad member id cannot leave the attribute update
// behind. A membership change naming an unknown user or group surfaces as
// ErrMemberNotFound.
func (s *Store) UpdateEntityWithMembers(ctx context.Context, kind Kind, serverID, scimID string, attrs, custom map[string]any, memberAdds, memberRemoves []string) error {
	return s.WithTx(ctx, func(tx pgx.Tx) error {
		if len(attrs) > 0 || custom != nil {
			if _, err := updateEntity(ctx, tx, kind, serverID, scimID, attrs, custom); err != nil {
				return err
			}
		}
		for _, userID := range memberAdds {
			if err := addGroupMember(ctx, tx, serverID, scimID, userID); err != nil {
				return memberErr(err, userID)
			}
		}
		for _, userID := range memberRemoves {
			if err := removeGroupMember(ctx, tx, serverID, scimID, userID); err != nil {
				return memberErr(err, userID)
			}
		}
		return nil
	})
}

func memberErr(err error, userID string) error {
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrMemberNotFound, userID)
	}
	return err
}

// ListGroupMembers returns the members of a group in stable join order.
// The group must exist; an empty group returns an empty slice.
func (s *Store) ListGroupMembers(ctx context.Context, serverID, groupID string) ([]Member, error) {
	var groupKey int64
	err := s.pool.QueryRow(ctx,
		"SELECT id FROM groups WHERE server_id = $1 AND scim_id = $2",
		serverID, groupID,
	).Scan(&groupKey)
	if err != nil {
		return nil, fmt.Errorf("resolve group: %w", translateErr(err))
	}

	rows, err := s.pool.Query(ctx, `
		SELECT u.scim_id, u.user_name, COALESCE(u.display_name, '')
		FROM user_groups ug
		JOIN users u ON u.id = ug.user_id
		WHERE ug.group_id = $1
		ORDER BY u.id`,
		groupKey,
	)
	if err != nil {
		return nil, fmt.Errorf("list group members: %w", err)
	}
	defer rows.Close()

	members := []Member{}
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.ScimID, &m.UserName, &m.DisplayName); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list group members: %w", err)
	}
	return members, nil
}

// ListGroupsForUser returns the groups a user belongs to, as (scim_id,
// displayName) pairs.
func (s *Store) ListGroupsForUser(ctx context.Context, serverID, userID string) ([]Member, error) {
	var userKey int64
	err := s.pool.QueryRow(ctx,
		"SELECT id FROM users WHERE server_id = $1 AND scim_id = $2",
		serverID, userID,
	).Scan(&userKey)
	if err != nil {
		return nil, fmt.Errorf("resolve user: %w", translateErr(err))
	}

	rows, err := s.pool.Query(ctx, `
		SELECT g.scim_id, COALESCE(g.display_name, '')
		FROM user_groups ug
		JOIN groups g ON g.id = ug.group_id
		WHERE ug.user_id = $1
		ORDER BY g.id`,
		userKey,
	)
	if err != nil {
		return nil, fmt.Errorf("list groups for user: %w", err)
	}
	defer rows.Close()

	groups := []Member{}
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.ScimID, &m.DisplayName); err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		groups = append(groups, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list groups for user: %w", err)
	}
	return groups, nil
}

// IsGroupMember reports whether a user is a member of a group.
func (s *Store) IsGroupMember(ctx context.Context, serverID, groupID, userID string) (bool, error) {
	groupKey, userKey, err := resolveKeys(ctx, s.pool, serverID, groupID, userID)
	if err != nil {
		return false, err
	}
	var exists bool
	err = s.pool.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM user_groups WHERE user_id = $1 AND group_id = $2)",
		userKey, groupKey,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check group member: %w", err)
	}
	return exists, nil
}
