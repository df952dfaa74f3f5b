package engine

import (
	"context"
	"encoding/json"
	"testing"

	"loom/internal/domain"
)

func getStatus(t *testing.T, e Engine, id string) string {
	t.Helper()
	el, err := e.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return el.Status
}

func cacheHas(t *testing.T, e Engine, id string) bool {
	t.Helper()
	entries, err := e.Repo.ListBlockedCache(context.Background())
	if err != nil {
		t.Fatalf("list cache: %v", err)
	}
	for _, entry := range entries {
		if entry.ElementID == id {
			return true
		}
	}
	return false
}

// Full lifecycle: adding a blocking edge flips the dependent to blocked
// and caches it; resolving the blocker clears both in the same mutation.
func TestBlockingLifecycle(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	actor := testActor()

	task := mustCreate(t, e, domain.Element{Kind: domain.KindTask, Title: "dependent"})
	blocker := mustCreate(t, e, domain.Element{Kind: domain.KindTask, Title: "blocker"})

	addEdge(t, e, task.ID, blocker.ID, domain.DepBlocks)
	if got := getStatus(t, e, task.ID); got != domain.StatusBlocked {
		t.Fatalf("expected blocked after edge add, got %s", got)
	}
	if !cacheHas(t, e, task.ID) {
		t.Fatal("expected cache entry for blocked element")
	}

	// Resolving the blocker unblocks the dependent transactionally.
	done := domain.StatusDone
	if _, err := e.Update(ctx, actor, blocker.ID, Patch{Status: &done}, UpdateOptions{}); err != nil {
		t.Fatalf("resolve blocker: %v", err)
	}
	if got := getStatus(t, e, task.ID); got != domain.StatusOpen {
		t.Fatalf("expected open after blocker done, got %s", got)
	}
	if cacheHas(t, e, task.ID) {
		t.Fatal("cache entry should be gone after unblock")
	}

	// Reopening the blocker re-blocks.
	open := domain.StatusOpen
	if _, err := e.Update(ctx, actor, blocker.ID, Patch{Status: &open}, UpdateOptions{}); err != nil {
		t.Fatalf("reopen blocker: %v", err)
	}
	if got := getStatus(t, e, task.ID); got != domain.StatusBlocked {
		t.Fatalf("expected blocked after blocker reopened, got %s", got)
	}
}

func TestRemoveEdgeUnblocks(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	actor := testActor()

	task := mustCreate(t, e, domain.Element{Kind: domain.KindTask, Title: "dependent"})
	blocker := mustCreate(t, e, domain.Element{Kind: domain.KindTask, Title: "blocker"})
	addEdge(t, e, task.ID, blocker.ID, domain.DepAwaits)
	if got := getStatus(t, e, task.ID); got != domain.StatusBlocked {
		t.Fatalf("awaits edge should block, got %s", got)
	}

	if err := e.RemoveDependency(ctx, actor, task.ID, blocker.ID, domain.DepAwaits); err != nil {
		t.Fatalf("remove edge: %v", err)
	}
	if got := getStatus(t, e, task.ID); got != domain.StatusOpen {
		t.Fatalf("expected open after edge removal, got %s", got)
	}
	if cacheHas(t, e, task.ID) {
		t.Fatal("cache entry should be gone")
	}
}

func TestDeleteBlockerUnblocksDependents(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	actor := testActor()

	task := mustCreate(t, e, domain.Element{Kind: domain.KindTask, Title: "dependent"})
	blocker := mustCreate(t, e, domain.Element{Kind: domain.KindTask, Title: "blocker"})
	addEdge(t, e, task.ID, blocker.ID, domain.DepBlocks)

	if err := e.Delete(ctx, actor, blocker.ID); err != nil {
		t.Fatalf("delete blocker: %v", err)
	}
	if got := getStatus(t, e, task.ID); got != domain.StatusOpen {
		t.Fatalf("expected open after blocker tombstoned, got %s", got)
	}
}

func TestReferencesNeverBlock(t *testing.T) {
	e, _ := newTestEngine(t)

	task := mustCreate(t, e, domain.Element{Kind: domain.KindTask, Title: "task"})
	doc := mustCreate(t, e, domain.Element{Kind: domain.KindDocument, Title: "spec doc"})
	addEdge(t, e, task.ID, doc.ID, domain.DepReferences)

	if got := getStatus(t, e, task.ID); got != domain.StatusOpen {
		t.Fatalf("references edge must not block, got %s", got)
	}
	if cacheHas(t, e, task.ID) {
		t.Fatal("references edge must not cache")
	}
}

func TestMultipleBlockersAllMustResolve(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	actor := testActor()

	task := mustCreate(t, e, domain.Element{Kind: domain.KindTask, Title: "dependent"})
	b1 := mustCreate(t, e, domain.Element{Kind: domain.KindTask, Title: "b1"})
	b2 := mustCreate(t, e, domain.Element{Kind: domain.KindTask, Title: "b2"})
	addEdge(t, e, task.ID, b1.ID, domain.DepBlocks)
	addEdge(t, e, task.ID, b2.ID, domain.DepBlocks)

	done := domain.StatusDone
	if _, err := e.Update(ctx, actor, b1.ID, Patch{Status: &done}, UpdateOptions{}); err != nil {
		t.Fatalf("resolve b1: %v", err)
	}
	if got := getStatus(t, e, task.ID); got != domain.StatusBlocked {
		t.Fatalf("one unresolved blocker left, expected blocked, got %s", got)
	}

	closed := domain.StatusClosed
	if _, err := e.Update(ctx, actor, b2.ID, Patch{Status: &closed}, UpdateOptions{}); err != nil {
		t.Fatalf("resolve b2: %v", err)
	}
	if got := getStatus(t, e, task.ID); got != domain.StatusOpen {
		t.Fatalf("all blockers resolved, expected open, got %s", got)
	}
}

func TestManualBlockedStatusRejected(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	task := mustCreate(t, e, domain.Element{Kind: domain.KindTask, Title: "task"})
	blocked := domain.StatusBlocked
	if _, err := e.Update(ctx, testActor(), task.ID, Patch{Status: &blocked}, UpdateOptions{}); err == nil {
		t.Fatal("setting blocked manually should be rejected")
	}
}

// A status patch that recompute immediately overrides must not leave an
// audit row naming a status the element never rests at.
func TestUpdateEventRecordsSettledStatus(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	actor := testActor()

	task := mustCreate(t, e, domain.Element{Kind: domain.KindTask, Title: "dependent"})
	blocker := mustCreate(t, e, domain.Element{Kind: domain.KindTask, Title: "blocker"})
	addEdge(t, e, task.ID, blocker.ID, domain.DepBlocks)

	// Forcing open while a blocker is unresolved settles back to blocked
	// inside the same transaction.
	open := domain.StatusOpen
	if _, err := e.Update(ctx, actor, task.ID, Patch{Status: &open}, UpdateOptions{}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if got := getStatus(t, e, task.ID); got != domain.StatusBlocked {
		t.Fatalf("expected blocked after settling, got %s", got)
	}

	evts, err := e.Repo.ListEvents(ctx, task.ID, 1)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(evts) != 1 || evts[0].Type != "element.updated" {
		t.Fatalf("expected latest event element.updated, got %+v", evts)
	}
	var payload struct {
		FromStatus string `json:"from_status"`
		ToStatus   string `json:"to_status"`
	}
	if err := json.Unmarshal([]byte(evts[0].Payload), &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.FromStatus != domain.StatusBlocked || payload.ToStatus != domain.StatusBlocked {
		t.Fatalf("event recorded %s -> %s, want blocked -> blocked", payload.FromStatus, payload.ToStatus)
	}
}

func TestDoctorDetectsCorruptionAndRebuilds(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	task := mustCreate(t, e, domain.Element{Kind: domain.KindTask, Title: "dependent"})
	blocker := mustCreate(t, e, domain.Element{Kind: domain.KindTask, Title: "blocker"})
	addEdge(t, e, task.ID, blocker.ID, domain.DepBlocks)

	report, err := e.CheckBlockedCache(ctx)
	if err != nil {
		t.Fatalf("doctor: %v", err)
	}
	if !report.Healthy {
		t.Fatalf("fresh store should be healthy: %+v", report)
	}

	// Corrupt the cache behind the engine's back: an entry for an
	// element that no longer exists and a missing entry for task.
	if _, err := e.DB.Exec(`INSERT INTO blocked_cache(element_id, cached_at) VALUES ('task-ghost', '2025-01-01T00:00:00Z')`); err != nil {
		t.Fatalf("seed orphan: %v", err)
	}
	if _, err := e.DB.Exec(`DELETE FROM blocked_cache WHERE element_id=?`, task.ID); err != nil {
		t.Fatalf("drop entry: %v", err)
	}

	report, err = e.CheckBlockedCache(ctx)
	if err != nil {
		t.Fatalf("doctor after corruption: %v", err)
	}
	if report.Healthy {
		t.Fatal("corrupted cache reported healthy")
	}
	if len(report.Orphans) != 1 || report.Orphans[0] != "task-ghost" {
		t.Fatalf("expected orphan task-ghost, got %v", report.Orphans)
	}
	if len(report.Missing) != 1 || report.Missing[0] != task.ID {
		t.Fatalf("expected missing entry for %s, got %v", task.ID, report.Missing)
	}

	// Only an explicit rebuild repairs it.
	if _, err := e.RebuildBlockedCache(ctx, testActor()); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	report, err = e.CheckBlockedCache(ctx)
	if err != nil {
		t.Fatalf("doctor after rebuild: %v", err)
	}
	if !report.Healthy {
		t.Fatalf("expected healthy after rebuild: %+v", report)
	}
}
