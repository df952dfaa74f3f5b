package repo

import (
	"context"
	"database/sql"
	"strings"

	"loom/internal/domain"
)

const depCols = `blocked_id,blocker_id,type,actor,created_at`

func scanDependency(row rowScanner) (domain.Dependency, error) {
	var d domain.Dependency
	var typ string
	var actor sql.NullString
	err := row.Scan(&d.BlockedID, &d.BlockerID, &typ, &actor, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	d.Type = domain.DepType(typ)
	if actor.Valid {
		d.Actor = actor.String
	}
	return d, nil
}

// InsertDependency is idempotent on the (blocked, blocker, type) key.
// Returns false when the edge already existed.
func (r Repo) InsertDependency(ctx context.Context, tx *sql.Tx, d domain.Dependency) (bool, error) {
	res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO dependencies(`+depCols+`) VALUES (?,?,?,?,?)`,
		d.BlockedID, d.BlockerID, string(d.Type), nullable(d.Actor), d.CreatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// DeleteDependency removes the matching edge; missing edges are not an
// error. Returns whether a row was removed.
func (r Repo) DeleteDependency(ctx context.Context, tx *sql.Tx, blockedID, blockerID string, typ domain.DepType) (bool, error) {
	res, err := tx.ExecContext(ctx, `DELETE FROM dependencies WHERE blocked_id=? AND blocker_id=? AND type=?`,
		blockedID, blockerID, string(typ))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func typeFilter(types []domain.DepType) (string, []any) {
	if len(types) == 0 {
		return "", nil
	}
	placeholders := make([]string, len(types))
	args := make([]any, len(types))
	for i, t := range types {
		placeholders[i] = "?"
		args[i] = string(t)
	}
	return " AND type IN (" + strings.Join(placeholders, ",") + ")", args
}

func (r Repo) listEdges(ctx context.Context, q queryer, column, id string, types []domain.DepType) ([]domain.Dependency, error) {
	filter, filterArgs := typeFilter(types)
	args := append([]any{id}, filterArgs...)
	rows, err := q.QueryContext(ctx, `SELECT `+depCols+` FROM dependencies WHERE `+column+`=?`+filter+` ORDER BY created_at, blocker_id, blocked_id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Dependency
	for rows.Next() {
		d, err := scanDependency(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// ListDependencies returns edges where id is the blocked endpoint.
func (r Repo) ListDependencies(ctx context.Context, id string, types ...domain.DepType) ([]domain.Dependency, error) {
	return r.listEdges(ctx, r.DB, "blocked_id", id, types)
}

func (r Repo) ListDependenciesTx(ctx context.Context, tx *sql.Tx, id string, types ...domain.DepType) ([]domain.Dependency, error) {
	return r.listEdges(ctx, tx, "blocked_id", id, types)
}

// ListDependents returns edges where id is the blocker endpoint.
func (r Repo) ListDependents(ctx context.Context, id string, types ...domain.DepType) ([]domain.Dependency, error) {
	return r.listEdges(ctx, r.DB, "blocker_id", id, types)
}

func (r Repo) ListDependentsTx(ctx context.Context, tx *sql.Tx, id string, types ...domain.DepType) ([]domain.Dependency, error) {
	return r.listEdges(ctx, tx, "blocker_id", id, types)
}

// ParentEdgeTx returns the parent-child edge naming id as the child, or
// ErrNotFound. The schema permits at most one because the engine rejects
// a second parent before insert.
func (r Repo) ParentEdgeTx(ctx context.Context, tx *sql.Tx, id string) (domain.Dependency, error) {
	return scanDependency(tx.QueryRowContext(ctx,
		`SELECT `+depCols+` FROM dependencies WHERE blocked_id=? AND type=? LIMIT 1`,
		id, string(domain.DepParentChild)))
}

// CountUnresolvedBlockersTx counts blocking edges into id whose blocker
// still exists, is not tombstoned, and has not reached a resolved status.
func (r Repo) CountUnresolvedBlockersTx(ctx context.Context, tx *sql.Tx, id string) (int, error) {
	row := tx.QueryRowContext(ctx, `
SELECT count(*) FROM dependencies d
JOIN elements b ON b.id = d.blocker_id
WHERE d.blocked_id=? AND d.type IN (?,?,?)
  AND b.deleted_at IS NULL
  AND (b.status IS NULL OR b.status NOT IN (?,?))`,
		id, string(domain.DepBlocks), string(domain.DepParentChild), string(domain.DepAwaits),
		domain.StatusDone, domain.StatusClosed)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// OrphanedEdges returns edges with at least one missing endpoint row.
// Deleting an element does not cascade to its edges; the doctor reports
// these rather than silently repairing them.
func (r Repo) OrphanedEdges(ctx context.Context) ([]domain.Dependency, error) {
	rows, err := r.DB.QueryContext(ctx, `
SELECT `+depCols+` FROM dependencies d
WHERE NOT EXISTS (SELECT 1 FROM elements e WHERE e.id = d.blocked_id)
   OR NOT EXISTS (SELECT 1 FROM elements e WHERE e.id = d.blocker_id)`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Dependency
	for rows.Next() {
		d, err := scanDependency(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}
