// Package engine is the mutation and consistency core: the element
// store with optimistic concurrency, the dependency graph with cycle
// rejection, and the blocked cache that stays in step with both.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"loom/internal/config"
	"loom/internal/domain"
	"loom/internal/events"
	"loom/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339Nano)
}

// nextStamp returns a timestamp strictly after the current one, so the
// OCC token always advances even under a coarse or frozen clock.
func (e Engine) nextStamp(current string) string {
	now := e.now().UTC()
	if cur, err := time.Parse(time.RFC3339Nano, current); err == nil && !now.After(cur) {
		now = cur.Add(time.Nanosecond)
	}
	return now.Format(time.RFC3339Nano)
}

// NewID returns a kind-prefixed element id.
func NewID(kind domain.Kind) string {
	return fmt.Sprintf("%s-%s", kind, uuid.New().String())
}

// Get returns the element, tombstoned or not. Absence is reported as
// repo.ErrNotFound, never a panic.
func (e Engine) Get(ctx context.Context, id string) (domain.Element, error) {
	return e.Repo.GetElement(ctx, id)
}

// Create persists a new element. The server assigns id and timestamps;
// the returned copy is the stored one.
func (e Engine) Create(ctx context.Context, actor domain.ActorContext, el domain.Element) (domain.Element, error) {
	if !el.Kind.Valid() {
		return domain.Element{}, domain.ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown element kind %q", el.Kind)}
	}
	if el.ID == "" {
		el.ID = NewID(el.Kind)
	} else if prefix := domain.ElementIDPrefix(el.ID); prefix != string(el.Kind) {
		return domain.Element{}, domain.ValidationError{Field: "id", Reason: fmt.Sprintf("id prefix %q does not match kind %q", prefix, el.Kind)}
	}
	if el.Kind.Blockable() {
		if el.Status == "" {
			el.Status = domain.StatusOpen
		}
		if !domain.ValidStatus(el.Status) {
			return domain.Element{}, domain.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", el.Status)}
		}
		if el.Status == domain.StatusBlocked {
			return domain.Element{}, domain.ValidationError{Field: "status", Reason: "blocked is derived from the graph and cannot be set"}
		}
	} else if el.Status != "" {
		return domain.Element{}, domain.ValidationError{Field: "status", Reason: fmt.Sprintf("%s elements carry no status", el.Kind)}
	}
	if el.Detail == nil {
		detail, err := domain.NewDetail(el.Kind)
		if err != nil {
			return domain.Element{}, err
		}
		el.Detail = detail
	} else if el.Detail.ElementKind() != el.Kind {
		return domain.Element{}, domain.ValidationError{Field: "detail", Reason: fmt.Sprintf("detail is for kind %q, element is %q", el.Detail.ElementKind(), el.Kind)}
	}
	if el.CreatedBy == "" {
		el.CreatedBy = actor.Actor
	}
	now := e.stamp()
	el.CreatedAt = now
	el.UpdatedAt = now
	el.DeletedAt = nil

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Element{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertElement(ctx, tx, el); err != nil {
		return domain.Element{}, fmt.Errorf("insert element: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "element.created", el.ID, actor.Actor, events.EventPayload{
		"kind": string(el.Kind), "title": el.Title, "status": el.Status,
	}); err != nil {
		return domain.Element{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Element{}, err
	}
	return el, nil
}

// Patch names the element fields an update may change. Nil fields are
// left untouched; Meta and Tags replace wholesale when set.
type Patch struct {
	Title  *string
	Status *string
	Tags   *[]string
	Meta   *map[string]string
	Detail domain.Detail
}

// UpdateOptions carries the optimistic-concurrency token. Empty means
// an unconditional last-writer-wins update.
type UpdateOptions struct {
	ExpectedUpdatedAt string
}

// Update merges the patch into the stored element. With
// ExpectedUpdatedAt set, the write is conditioned on the stored token
// still matching at write time; a mismatch raises
// domain.ConflictError carrying both timestamps. Status changes on
// blockable elements recompute the blocked state of the element and its
// dependents inside the same transaction.
func (e Engine) Update(ctx context.Context, actor domain.ActorContext, id string, patch Patch, opts UpdateOptions) (domain.Element, error) {
	cur, err := e.Repo.GetElement(ctx, id)
	if err != nil {
		return domain.Element{}, err
	}
	if cur.Deleted() {
		return domain.Element{}, domain.ValidationError{Field: "id", Reason: fmt.Sprintf("element %s is deleted", id)}
	}

	next := cur
	if patch.Title != nil {
		next.Title = *patch.Title
	}
	if patch.Status != nil {
		if !cur.Kind.Blockable() {
			return domain.Element{}, domain.ValidationError{Field: "status", Reason: fmt.Sprintf("%s elements carry no status", cur.Kind)}
		}
		if !domain.ValidStatus(*patch.Status) {
			return domain.Element{}, domain.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", *patch.Status)}
		}
		if *patch.Status == domain.StatusBlocked {
			return domain.Element{}, domain.ValidationError{Field: "status", Reason: "blocked is derived from the graph and cannot be set"}
		}
		next.Status = *patch.Status
	}
	if patch.Tags != nil {
		next.Tags = *patch.Tags
	}
	if patch.Meta != nil {
		next.Meta = *patch.Meta
	}
	if patch.Detail != nil {
		if patch.Detail.ElementKind() != cur.Kind {
			return domain.Element{}, domain.ValidationError{Field: "detail", Reason: fmt.Sprintf("detail is for kind %q, element is %q", patch.Detail.ElementKind(), cur.Kind)}
		}
		next.Detail = patch.Detail
	}
	next.UpdatedAt = e.nextStamp(cur.UpdatedAt)
	statusChanged := next.Status != cur.Status

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Element{}, err
	}
	defer tx.Rollback()

	if opts.ExpectedUpdatedAt != "" {
		applied, err := e.Repo.UpdateElementGuarded(ctx, tx, next, opts.ExpectedUpdatedAt)
		if err != nil {
			return domain.Element{}, err
		}
		if !applied {
			stored, err := e.Repo.GetElementTx(ctx, tx, id)
			if err != nil {
				return domain.Element{}, err
			}
			return domain.Element{}, domain.ConflictError{
				ElementID: id,
				Expected:  opts.ExpectedUpdatedAt,
				Actual:    stored.UpdatedAt,
			}
		}
	} else {
		if err := e.Repo.UpdateElement(ctx, tx, next); err != nil {
			return domain.Element{}, err
		}
	}

	settledStatus := next.Status
	if statusChanged && cur.Kind.Blockable() {
		if err := e.recomputeBlocked(ctx, tx, id); err != nil {
			return domain.Element{}, err
		}
		if err := e.recomputeDependents(ctx, tx, id); err != nil {
			return domain.Element{}, err
		}
		// Recompute may settle the status away from the patched value;
		// the audit row records what actually commits.
		settled, err := e.Repo.GetElementTx(ctx, tx, id)
		if err != nil {
			return domain.Element{}, err
		}
		settledStatus = settled.Status
	}
	if err := e.Events.Append(ctx, tx, "element.updated", id, actor.Actor, events.EventPayload{
		"from_status": cur.Status, "to_status": settledStatus,
	}); err != nil {
		return domain.Element{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Element{}, err
	}
	return e.Repo.GetElement(ctx, id)
}

// Delete tombstones the element. The record stays retrievable until the
// tombstone TTL elapses and PurgeTombstones removes it. Deleting is
// idempotent.
func (e Engine) Delete(ctx context.Context, actor domain.ActorContext, id string) error {
	cur, err := e.Repo.GetElement(ctx, id)
	if err != nil {
		return err
	}
	if cur.Deleted() {
		return nil
	}
	deletedAt := e.stamp()
	cur.DeletedAt = &deletedAt
	cur.UpdatedAt = e.nextStamp(cur.UpdatedAt)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := e.Repo.UpdateElement(ctx, tx, cur); err != nil {
		return err
	}
	// The tombstone must not linger in the blocked cache, and anything
	// it was blocking may now be clear.
	if err := e.Repo.DeleteBlockedCacheTx(ctx, tx, id); err != nil {
		return err
	}
	if err := e.recomputeDependents(ctx, tx, id); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "element.deleted", id, actor.Actor, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// PurgeTombstones physically removes elements whose tombstone outlived
// the configured TTL. Housekeeping only; never runs implicitly.
func (e Engine) PurgeTombstones(ctx context.Context, actor domain.ActorContext) (int, error) {
	ttl := config.DefaultTombstoneTTL
	if e.Config != nil {
		ttl = e.Config.TombstoneTTL()
	}
	cutoff := e.now().UTC().Add(-ttl).Format(time.RFC3339Nano)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	ids, err := e.Repo.PurgeTombstones(ctx, tx, cutoff)
	if err != nil {
		return 0, err
	}
	if len(ids) > 0 {
		if err := e.Events.Append(ctx, tx, "store.purged", "", actor.Actor, events.EventPayload{"count": len(ids)}); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// EntityLookup adapts the store to the identity package's callback.
func (e Engine) EntityLookup(ctx context.Context) func(actor string) (domain.Element, bool, error) {
	return func(actor string) (domain.Element, bool, error) {
		el, err := e.Repo.FindEntityByActor(ctx, actor)
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Element{}, false, nil
		}
		if err != nil {
			return domain.Element{}, false, err
		}
		return el, true, nil
	}
}
