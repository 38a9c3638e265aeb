// Package auth resolves the pipeline role a request acts under. The role
// is never process-global state: every call derives it from the
// authenticated identity plus an optional acting-as request.
package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// RoleNotHeldError indicates the actor does not hold the requested role.
type RoleNotHeldError struct {
	ActorID string
	Role    string
}

func (e RoleNotHeldError) Error() string {
	return fmt.Sprintf("actor %s does not hold role %s", e.ActorID, e.Role)
}

// Service answers role questions backed by SQL grants.
type Service struct {
	DB *sql.DB
}

func (s Service) ActorHasRole(ctx context.Context, actorID, role string) (bool, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT 1 FROM actor_roles WHERE actor_id=? AND role=? LIMIT 1`, actorID, role)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (s Service) ActorRoles(ctx context.Context, actorID string) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT role FROM actor_roles WHERE actor_id=? ORDER BY role`, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []string
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return nil, err
		}
		roles = append(roles, r)
	}
	return roles, rows.Err()
}

// Resolve picks the effective role for one request. A requested role must
// be among the held ones; with no request, a single held role is used
// implicitly and holding several requires the caller to pick.
func Resolve(actorID, requested string, held []string) (string, error) {
	if requested != "" {
		for _, r := range held {
			if r == requested {
				return requested, nil
			}
		}
		return "", RoleNotHeldError{ActorID: actorID, Role: requested}
	}
	switch len(held) {
	case 0:
		return "", RoleNotHeldError{ActorID: actorID, Role: "any"}
	case 1:
		return held[0], nil
	default:
		return "", errors.New("actor holds multiple roles; specify one")
	}
}

// ResolveForActor combines stored grants with claim roles from the token.
// Claim roles stand on their own so a deployment without the grants table
// seeded still works off signed tokens.
func (s Service) ResolveForActor(ctx context.Context, actorID, requested string, claimRoles []string) (string, error) {
	held := claimRoles
	if len(held) == 0 {
		stored, err := s.ActorRoles(ctx, actorID)
		if err != nil {
			return "", err
		}
		held = stored
	}
	return Resolve(actorID, requested, held)
}
