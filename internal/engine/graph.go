package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"loom/internal/domain"
	"loom/internal/events"
	"loom/internal/repo"
)

// AddDependency inserts a typed edge after rejecting self-loops and,
// for parent-child edges, second parents and hierarchy cycles. The edge
// insert and the blocked-cache update commit as one unit; a rejected
// edge leaves the graph unchanged. Insertion is idempotent on the
// (blocked, blocker, type) key.
func (e Engine) AddDependency(ctx context.Context, actor domain.ActorContext, dep domain.Dependency) error {
	if !dep.Type.Valid() {
		return domain.ValidationError{Field: "type", Reason: fmt.Sprintf("unknown dependency type %q", dep.Type)}
	}
	if dep.BlockedID == "" || dep.BlockerID == "" {
		return domain.ValidationError{Field: "dependency", Reason: "both endpoints are required"}
	}
	if dep.BlockedID == dep.BlockerID {
		return domain.ValidationError{Field: "dependency", Reason: "element cannot depend on itself"}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, id := range []string{dep.BlockedID, dep.BlockerID} {
		el, err := e.Repo.GetElementTx(ctx, tx, id)
		if err != nil {
			return fmt.Errorf("dependency endpoint %s: %w", id, err)
		}
		if el.Deleted() {
			return domain.ValidationError{Field: "dependency", Reason: fmt.Sprintf("element %s is deleted", id)}
		}
	}

	if dep.Type == domain.DepParentChild {
		if err := e.checkHierarchy(ctx, tx, dep); err != nil {
			return err
		}
	}

	dep.Actor = actor.Actor
	dep.CreatedAt = e.stamp()
	inserted, err := e.Repo.InsertDependency(ctx, tx, dep)
	if err != nil {
		return err
	}
	if dep.Type.Blocking() {
		if err := e.recomputeBlocked(ctx, tx, dep.BlockedID); err != nil {
			return err
		}
	}
	if inserted {
		if err := e.Events.Append(ctx, tx, "dependency.added", dep.BlockedID, actor.Actor, events.EventPayload{
			"blocker": dep.BlockerID, "type": string(dep.Type),
		}); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// checkHierarchy enforces the forest shape of parent-child edges: at
// most one parent per element, and no ancestor chain that loops back.
func (e Engine) checkHierarchy(ctx context.Context, tx *sql.Tx, dep domain.Dependency) error {
	existing, err := e.Repo.ParentEdgeTx(ctx, tx, dep.BlockedID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	if err == nil && existing.BlockerID != dep.BlockerID {
		return domain.CycleError{
			BlockedID: dep.BlockedID,
			BlockerID: dep.BlockerID,
			Reason:    fmt.Sprintf("element already has parent %s", existing.BlockerID),
		}
	}
	// Walk the parent chain upward from the proposed parent. Reaching
	// the child means the edge would close a cycle. The walk is bounded
	// by hierarchy depth, not graph size.
	seen := map[string]bool{}
	cur := dep.BlockerID
	for cur != "" && !seen[cur] {
		if cur == dep.BlockedID {
			return domain.CycleError{
				BlockedID: dep.BlockedID,
				BlockerID: dep.BlockerID,
				Reason:    "would create a hierarchy cycle",
			}
		}
		seen[cur] = true
		edge, err := e.Repo.ParentEdgeTx(ctx, tx, cur)
		if errors.Is(err, repo.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		cur = edge.BlockerID
	}
	return nil
}

// RemoveDependency deletes the matching edge and refreshes the blocked
// cache for blocking types. Removing an absent edge is not an error.
func (e Engine) RemoveDependency(ctx context.Context, actor domain.ActorContext, blockedID, blockerID string, typ domain.DepType) error {
	if !typ.Valid() {
		return domain.ValidationError{Field: "type", Reason: fmt.Sprintf("unknown dependency type %q", typ)}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	removed, err := e.Repo.DeleteDependency(ctx, tx, blockedID, blockerID, typ)
	if err != nil {
		return err
	}
	if typ.Blocking() {
		if err := e.recomputeBlocked(ctx, tx, blockedID); err != nil {
			return err
		}
	}
	if removed {
		if err := e.Events.Append(ctx, tx, "dependency.removed", blockedID, actor.Actor, events.EventPayload{
			"blocker": blockerID, "type": string(typ),
		}); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Dependencies returns committed edges where id is the blocked endpoint.
func (e Engine) Dependencies(ctx context.Context, id string, types ...domain.DepType) ([]domain.Dependency, error) {
	return e.Repo.ListDependencies(ctx, id, types...)
}

// Dependents returns committed edges where id is the blocker endpoint.
func (e Engine) Dependents(ctx context.Context, id string, types ...domain.DepType) ([]domain.Dependency, error) {
	return e.Repo.ListDependents(ctx, id, types...)
}
