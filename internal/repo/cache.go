package repo

import (
	"context"
	"database/sql"

	"loom/internal/domain"
)

func (r Repo) UpsertBlockedCacheTx(ctx context.Context, tx *sql.Tx, elementID, cachedAt string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO blocked_cache(element_id,cached_at) VALUES (?,?)
ON CONFLICT(element_id) DO NOTHING`, elementID, cachedAt)
	return err
}

func (r Repo) DeleteBlockedCacheTx(ctx context.Context, tx *sql.Tx, elementID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM blocked_cache WHERE element_id=?`, elementID)
	return err
}

func (r Repo) ClearBlockedCacheTx(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM blocked_cache`)
	return err
}

func (r Repo) ListBlockedCache(ctx context.Context) ([]domain.BlockedCacheEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT element_id,cached_at FROM blocked_cache ORDER BY element_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.BlockedCacheEntry
	for rows.Next() {
		var e domain.BlockedCacheEntry
		if err := rows.Scan(&e.ElementID, &e.CachedAt); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) scanIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CacheOrphans returns cache entries whose element row is gone or
// tombstoned.
func (r Repo) CacheOrphans(ctx context.Context) ([]string, error) {
	return r.scanIDs(ctx, `
SELECT c.element_id FROM blocked_cache c
LEFT JOIN elements e ON e.id = c.element_id
WHERE e.id IS NULL OR e.deleted_at IS NOT NULL
ORDER BY c.element_id`)
}

// MissingCacheEntries returns live elements in blocked status without a
// cache entry.
func (r Repo) MissingCacheEntries(ctx context.Context) ([]string, error) {
	return r.scanIDs(ctx, `
SELECT e.id FROM elements e
LEFT JOIN blocked_cache c ON c.element_id = e.id
WHERE e.status=? AND e.deleted_at IS NULL AND c.element_id IS NULL
ORDER BY e.id`, domain.StatusBlocked)
}

// StaleCacheEntries returns cache entries whose element is live but no
// longer in blocked status.
func (r Repo) StaleCacheEntries(ctx context.Context) ([]string, error) {
	return r.scanIDs(ctx, `
SELECT c.element_id FROM blocked_cache c
JOIN elements e ON e.id = c.element_id
WHERE e.deleted_at IS NULL AND (e.status IS NULL OR e.status != ?)
ORDER BY c.element_id`, domain.StatusBlocked)
}

// ListBlockableIDsTx returns every live element of a blockable kind, for
// the full cache rebuild.
func (r Repo) ListBlockableIDsTx(ctx context.Context, tx *sql.Tx) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id FROM elements WHERE deleted_at IS NULL AND kind IN (?,?,?) ORDER BY id`,
		string(domain.KindTask), string(domain.KindPlan), string(domain.KindWorkflow))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
