package engine

import (
	"context"
	"testing"
	"time"

	"garrison/internal/config"
	"garrison/internal/db"
	"garrison/internal/domain"
	"garrison/internal/migrate"
)

func newWakeEngine(t *testing.T) *Engine {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := New(conn, config.Default(), nil)
	e.Now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return e
}

// A waiter snapshot can go stale between the list read and the per-conscript
// lock. The lease must only land if the conscript is still parked in
// provisioning against the camp's alias.
func TestWakeWaitersSkipsStoppedConscript(t *testing.T) {
	e := newWakeEngine(t)
	ctx := context.Background()
	camp, err := e.RegisterCamp(ctx, "dev-1", "tester")
	if err != nil {
		t.Fatal(err)
	}
	c, err := e.CreateConscript(ctx, "alpha", "tester")
	if err != nil {
		t.Fatal(err)
	}

	// park the conscript in provisioning against the alias
	tx, err := e.DB.Begin()
	if err != nil {
		t.Fatal(err)
	}
	c.Status = domain.ConscriptProvisioning
	c.AssignedCampAlias = &camp.Alias
	if err := e.Repo.UpdateConscript(ctx, tx, c); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	snapshot := []domain.Conscript{c}

	// stopped between the snapshot and the wake
	if _, err := e.Stop(ctx, c.ID, "tester"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	e.wakeWaiters(ctx, camp, snapshot)

	got, err := e.GetCamp(ctx, camp.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.AssignedConscriptIDs) != 0 {
		t.Fatalf("stale waiter must not be leased, got %v", got.AssignedConscriptIDs)
	}
	cur, _ := e.Repo.GetConscript(ctx, c.ID)
	if cur.Status != domain.ConscriptIdle || cur.AssignedCampAlias != nil {
		t.Fatalf("stopped conscript must stay idle and unlinked: %+v", cur)
	}
}

func TestWakeWaitersLeasesLiveWaiter(t *testing.T) {
	e := newWakeEngine(t)
	ctx := context.Background()
	camp, err := e.RegisterCamp(ctx, "dev-1", "tester")
	if err != nil {
		t.Fatal(err)
	}
	c, err := e.CreateConscript(ctx, "alpha", "tester")
	if err != nil {
		t.Fatal(err)
	}
	tx, err := e.DB.Begin()
	if err != nil {
		t.Fatal(err)
	}
	c.Status = domain.ConscriptProvisioning
	c.AssignedCampAlias = &camp.Alias
	if err := e.Repo.UpdateConscript(ctx, tx, c); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	e.wakeWaiters(ctx, camp, []domain.Conscript{c})

	got, err := e.GetCamp(ctx, camp.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.AssignedConscriptIDs) != 1 || got.AssignedConscriptIDs[0] != c.ID {
		t.Fatalf("live waiter should hold the lease, got %v", got.AssignedConscriptIDs)
	}
}
