package engine

import (
	"context"
	"errors"
	"testing"

	"loom/internal/domain"
)

func addEdge(t *testing.T, e Engine, blocked, blocker string, typ domain.DepType) {
	t.Helper()
	err := e.AddDependency(context.Background(), testActor(), domain.Dependency{
		BlockedID: blocked, BlockerID: blocker, Type: typ,
	})
	if err != nil {
		t.Fatalf("add %s edge %s -> %s: %v", typ, blocker, blocked, err)
	}
}

func TestHierarchyCycleRejected(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	a := mustCreate(t, e, domain.Element{Kind: domain.KindTask, Title: "a"})
	b := mustCreate(t, e, domain.Element{Kind: domain.KindTask, Title: "b"})
	c := mustCreate(t, e, domain.Element{Kind: domain.KindTask, Title: "c"})

	// a is b's parent, b is c's parent.
	addEdge(t, e, b.ID, a.ID, domain.DepParentChild)
	addEdge(t, e, c.ID, b.ID, domain.DepParentChild)

	// Making c a's parent would close the loop.
	err := e.AddDependency(ctx, testActor(), domain.Dependency{
		BlockedID: a.ID, BlockerID: c.ID, Type: domain.DepParentChild,
	})
	var cycle domain.CycleError
	if !errors.As(err, &cycle) {
		t.Fatalf("expected CycleError, got %v", err)
	}

	// The rejected edge left the graph untouched.
	deps, err := e.Dependencies(ctx, a.ID)
	if err != nil {
		t.Fatalf("list deps: %v", err)
	}
	if len(deps) != 0 {
		t.Fatalf("expected no edges on a, got %d", len(deps))
	}
}

func TestSingleParentEnforced(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	a := mustCreate(t, e, domain.Element{Kind: domain.KindTask, Title: "a"})
	b := mustCreate(t, e, domain.Element{Kind: domain.KindTask, Title: "b"})
	d := mustCreate(t, e, domain.Element{Kind: domain.KindTask, Title: "d"})

	addEdge(t, e, b.ID, a.ID, domain.DepParentChild)

	// A second parent is rejected.
	err := e.AddDependency(ctx, testActor(), domain.Dependency{
		BlockedID: b.ID, BlockerID: d.ID, Type: domain.DepParentChild,
	})
	var cycle domain.CycleError
	if !errors.As(err, &cycle) {
		t.Fatalf("expected CycleError for second parent, got %v", err)
	}

	// Re-adding the same parent edge is idempotent.
	addEdge(t, e, b.ID, a.ID, domain.DepParentChild)
	deps, _ := e.Dependencies(ctx, b.ID)
	if len(deps) != 1 {
		t.Fatalf("expected 1 edge after idempotent re-add, got %d", len(deps))
	}
}

func TestEdgeValidation(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	actor := testActor()

	a := mustCreate(t, e, domain.Element{Kind: domain.KindTask, Title: "a"})

	var vErr domain.ValidationError
	if err := e.AddDependency(ctx, actor, domain.Dependency{
		BlockedID: a.ID, BlockerID: a.ID, Type: domain.DepBlocks,
	}); !errors.As(err, &vErr) {
		t.Fatalf("expected self-loop rejection, got %v", err)
	}
	if err := e.AddDependency(ctx, actor, domain.Dependency{
		BlockedID: a.ID, BlockerID: "task-missing", Type: domain.DepBlocks,
	}); err == nil {
		t.Fatal("expected missing endpoint rejection")
	}
	if err := e.AddDependency(ctx, actor, domain.Dependency{
		BlockedID: a.ID, BlockerID: a.ID, Type: "friends-with",
	}); !errors.As(err, &vErr) {
		t.Fatalf("expected unknown type rejection, got %v", err)
	}

	doomed := mustCreate(t, e, domain.Element{Kind: domain.KindTask, Title: "doomed"})
	if err := e.Delete(ctx, actor, doomed.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := e.AddDependency(ctx, actor, domain.Dependency{
		BlockedID: a.ID, BlockerID: doomed.ID, Type: domain.DepBlocks,
	}); !errors.As(err, &vErr) {
		t.Fatalf("expected tombstoned endpoint rejection, got %v", err)
	}
}

func TestRemoveDependencyIdempotent(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	actor := testActor()

	a := mustCreate(t, e, domain.Element{Kind: domain.KindTask, Title: "a"})
	b := mustCreate(t, e, domain.Element{Kind: domain.KindTask, Title: "b"})
	addEdge(t, e, a.ID, b.ID, domain.DepBlocks)

	if err := e.RemoveDependency(ctx, actor, a.ID, b.ID, domain.DepBlocks); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := e.RemoveDependency(ctx, actor, a.ID, b.ID, domain.DepBlocks); err != nil {
		t.Fatalf("removing absent edge should be a no-op: %v", err)
	}
	deps, _ := e.Dependencies(ctx, a.ID)
	if len(deps) != 0 {
		t.Fatalf("expected empty graph, got %d edges", len(deps))
	}
}

func TestDependentsListing(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	a := mustCreate(t, e, domain.Element{Kind: domain.KindTask, Title: "a"})
	b := mustCreate(t, e, domain.Element{Kind: domain.KindTask, Title: "b"})
	c := mustCreate(t, e, domain.Element{Kind: domain.KindTask, Title: "c"})
	addEdge(t, e, a.ID, c.ID, domain.DepBlocks)
	addEdge(t, e, b.ID, c.ID, domain.DepAwaits)

	dependents, err := e.Dependents(ctx, c.ID)
	if err != nil {
		t.Fatalf("dependents: %v", err)
	}
	if len(dependents) != 2 {
		t.Fatalf("expected 2 dependents of c, got %d", len(dependents))
	}
}
