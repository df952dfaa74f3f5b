package engine

import (
	"context"
	"database/sql"
	"errors"

	"loom/internal/domain"
	"loom/internal/events"
	"loom/internal/repo"
)

// recomputeBlocked brings one element's status and cache entry in line
// with its unresolved blocking edges. Runs inside the mutating
// transaction; the cache never lags the graph.
func (e Engine) recomputeBlocked(ctx context.Context, tx *sql.Tx, id string) error {
	el, err := e.Repo.GetElementTx(ctx, tx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return e.Repo.DeleteBlockedCacheTx(ctx, tx, id)
	}
	if err != nil {
		return err
	}
	if el.Deleted() || !el.Kind.Blockable() {
		return e.Repo.DeleteBlockedCacheTx(ctx, tx, id)
	}

	n, err := e.Repo.CountUnresolvedBlockersTx(ctx, tx, id)
	if err != nil {
		return err
	}
	blocked := n > 0

	switch {
	case blocked && (el.Status == domain.StatusOpen || el.Status == domain.StatusInProgress):
		el.Status = domain.StatusBlocked
		el.UpdatedAt = e.nextStamp(el.UpdatedAt)
		if err := e.Repo.UpdateElement(ctx, tx, el); err != nil {
			return err
		}
		return e.Repo.UpsertBlockedCacheTx(ctx, tx, id, e.stamp())
	case blocked && el.Status == domain.StatusBlocked:
		return e.Repo.UpsertBlockedCacheTx(ctx, tx, id, e.stamp())
	case !blocked && el.Status == domain.StatusBlocked:
		el.Status = domain.StatusOpen
		el.UpdatedAt = e.nextStamp(el.UpdatedAt)
		if err := e.Repo.UpdateElement(ctx, tx, el); err != nil {
			return err
		}
		return e.Repo.DeleteBlockedCacheTx(ctx, tx, id)
	default:
		// Resolved or already-clear elements hold no entry.
		return e.Repo.DeleteBlockedCacheTx(ctx, tx, id)
	}
}

// recomputeDependents refreshes every element that blockerID blocks.
func (e Engine) recomputeDependents(ctx context.Context, tx *sql.Tx, blockerID string) error {
	edges, err := e.Repo.ListDependentsTx(ctx, tx, blockerID,
		domain.DepBlocks, domain.DepParentChild, domain.DepAwaits)
	if err != nil {
		return err
	}
	for _, edge := range edges {
		if err := e.recomputeBlocked(ctx, tx, edge.BlockedID); err != nil {
			return err
		}
	}
	return nil
}

// CacheReport is the doctor's view of blocked-cache health. A healthy
// store has zeroes across the board; anything else is corruption that
// only an explicit rebuild may repair.
type CacheReport struct {
	Orphans       []string `json:"orphans,omitempty"`
	Missing       []string `json:"missing,omitempty"`
	Stale         []string `json:"stale,omitempty"`
	OrphanedEdges int      `json:"orphaned_edges"`
	Healthy       bool     `json:"healthy"`
}

// CheckBlockedCache audits the cache against the live graph and element
// set. Read-only: divergence is reported, never silently patched.
func (e Engine) CheckBlockedCache(ctx context.Context) (CacheReport, error) {
	var report CacheReport
	var err error
	if report.Orphans, err = e.Repo.CacheOrphans(ctx); err != nil {
		return report, err
	}
	if report.Missing, err = e.Repo.MissingCacheEntries(ctx); err != nil {
		return report, err
	}
	if report.Stale, err = e.Repo.StaleCacheEntries(ctx); err != nil {
		return report, err
	}
	orphanedEdges, err := e.Repo.OrphanedEdges(ctx)
	if err != nil {
		return report, err
	}
	report.OrphanedEdges = len(orphanedEdges)
	report.Healthy = len(report.Orphans) == 0 && len(report.Missing) == 0 &&
		len(report.Stale) == 0 && report.OrphanedEdges == 0
	return report, nil
}

// RebuildBlockedCache drops and recomputes the whole cache in one
// transaction. Returns how many elements were recomputed.
func (e Engine) RebuildBlockedCache(ctx context.Context, actor domain.ActorContext) (int, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if err := e.Repo.ClearBlockedCacheTx(ctx, tx); err != nil {
		return 0, err
	}
	ids, err := e.Repo.ListBlockableIDsTx(ctx, tx)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		if err := e.recomputeBlocked(ctx, tx, id); err != nil {
			return 0, err
		}
	}
	if err := e.Events.Append(ctx, tx, "cache.rebuilt", "", actor.Actor, events.EventPayload{"recomputed": len(ids)}); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(ids), nil
}
