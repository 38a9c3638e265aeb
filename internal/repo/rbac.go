package repo

import (
	"context"
	"database/sql"
)

// Pipeline roles. An actor may hold both.
const (
	RoleOperator = "operator"
	RoleAssessor = "assessor"
)

func (r Repo) EnsureActor(ctx context.Context, tx *sql.Tx, actorID string, now string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO actors(id, created_at) VALUES (?,?)`, actorID, now)
	return err
}

func (r Repo) GrantRole(ctx context.Context, tx *sql.Tx, actorID, role, now string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO actor_roles(actor_id, role, created_at) VALUES (?,?,?)`, actorID, role, now)
	return err
}

func (r Repo) RevokeRole(ctx context.Context, tx *sql.Tx, actorID, role string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM actor_roles WHERE actor_id=? AND role=?`, actorID, role)
	return err
}

func (r Repo) ActorRoles(ctx context.Context, actorID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT role FROM actor_roles WHERE actor_id=? ORDER BY role`, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []string
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

// ListRoleGrants returns every (actor, role) pair, for the admin listing.
func (r Repo) ListRoleGrants(ctx context.Context) (map[string][]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT actor_id, role FROM actor_roles ORDER BY actor_id, role`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string][]string{}
	for rows.Next() {
		var actorID, role string
		if err := rows.Scan(&actorID, &role); err != nil {
			return nil, err
		}
		res[actorID] = append(res[actorID], role)
	}
	return res, rows.Err()
}
