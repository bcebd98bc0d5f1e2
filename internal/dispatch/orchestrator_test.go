package dispatch

import (
	"context"
	"testing"
	"time"

	"garrison/internal/config"
	"garrison/internal/db"
	"garrison/internal/domain"
	"garrison/internal/engine"
	"garrison/internal/events"
	"garrison/internal/migrate"
)

func newTestEngine(t *testing.T) *engine.Engine {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default(), nil)
	e.Now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return e
}

func directive(t *testing.T, e *engine.Engine, in engine.DirectiveInput) domain.Directive {
	t.Helper()
	d, err := e.CreateDirective(context.Background(), in, "tester")
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func conscript(t *testing.T, e *engine.Engine, name string) domain.Conscript {
	t.Helper()
	c, err := e.CreateConscript(context.Background(), name, "tester")
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestPassDispatchesInQueueOrder(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	first := directive(t, e, engine.DirectiveInput{Title: "first"})
	second := directive(t, e, engine.DirectiveInput{Title: "second"})
	c := conscript(t, e, "alpha")

	o := New(e, nil, time.Second)
	if err := o.LoadDirectives([]string{first.ID, second.ID}); err != nil {
		t.Fatal(err)
	}
	o.pass(ctx)

	got, _ := e.GetDirective(ctx, first.ID)
	if got.Status != domain.DirectiveInProgress || got.AssignedConscriptID == nil || *got.AssignedConscriptID != c.ID {
		t.Fatalf("first directive should be dispatched to the only conscript: %+v", got)
	}
	got, _ = e.GetDirective(ctx, second.ID)
	if got.Status != domain.DirectiveBacklog {
		t.Fatalf("second directive should stay pending, got %s", got.Status)
	}
}

func TestPassSkipsUnsatisfiedDependencies(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	a := directive(t, e, engine.DirectiveInput{Title: "A"})
	b := directive(t, e, engine.DirectiveInput{Title: "B", DependsOn: []string{a.ID}})
	conscript(t, e, "alpha")

	o := New(e, nil, time.Second)
	// B queued first; its open dependency must not block A
	if err := o.LoadDirectives([]string{b.ID, a.ID}); err != nil {
		t.Fatal(err)
	}
	o.pass(ctx)

	got, _ := e.GetDirective(ctx, a.ID)
	if got.Status != domain.DirectiveInProgress {
		t.Fatalf("A should be dispatched, got %s", got.Status)
	}
	got, _ = e.GetDirective(ctx, b.ID)
	if got.Status != domain.DirectiveBacklog {
		t.Fatalf("B should wait on its dependency, got %s", got.Status)
	}

	// Drive A to merged; the next pass must pick B up.
	a, _ = e.GetDirective(ctx, a.ID)
	cID := *a.AssignedConscriptID
	if _, err := e.CampReady(ctx, cID); err != nil {
		t.Fatal(err)
	}
	if _, err := e.BranchCreated(ctx, cID, "garrison/a"); err != nil {
		t.Fatal(err)
	}
	if _, err := e.AgentCompleted(ctx, cID); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Approve(ctx, cID, "reviewer"); err != nil {
		t.Fatal(err)
	}
	o.pass(ctx)

	got, _ = e.GetDirective(ctx, b.ID)
	if got.Status != domain.DirectiveInProgress || got.AssignedConscriptID == nil || *got.AssignedConscriptID != cID {
		t.Fatalf("B should be dispatched once its dependency merged: %+v", got)
	}
}

func TestPassCampShortage(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	if _, err := e.RegisterCamp(ctx, "dev-1", "tester"); err != nil {
		t.Fatal(err)
	}
	needy1 := directive(t, e, engine.DirectiveInput{Title: "one", RequiresCamp: boolPtr(true)})
	needy2 := directive(t, e, engine.DirectiveInput{Title: "two", RequiresCamp: boolPtr(true)})
	plain := directive(t, e, engine.DirectiveInput{Title: "three"})
	conscript(t, e, "alpha")
	conscript(t, e, "beta")
	conscript(t, e, "gamma")

	o := New(e, nil, time.Second)
	if err := o.LoadDirectives([]string{needy1.ID, needy2.ID, plain.ID}); err != nil {
		t.Fatal(err)
	}
	o.pass(ctx)

	// one camp, capacity one: the second camp-bound directive waits, the
	// plain one still dispatches with the conscript the camp shortage spared
	got, _ := e.GetDirective(ctx, needy1.ID)
	if got.Status != domain.DirectiveInProgress {
		t.Fatalf("first camp directive should run: %s", got.Status)
	}
	got, _ = e.GetDirective(ctx, needy2.ID)
	if got.Status != domain.DirectiveBacklog {
		t.Fatalf("second camp directive should wait: %s", got.Status)
	}
	got, _ = e.GetDirective(ctx, plain.ID)
	if got.Status != domain.DirectiveInProgress {
		t.Fatalf("camp-free directive should run: %s", got.Status)
	}
}

func TestLoadRefusedWhileRunning(t *testing.T) {
	e := newTestEngine(t)
	d := directive(t, e, engine.DirectiveInput{Title: "work"})

	o := New(e, events.NewBus(8), 50*time.Millisecond)
	if err := o.LoadDirectives([]string{d.ID}); err != nil {
		t.Fatal(err)
	}
	if err := o.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer o.Stop()
	if err := o.LoadDirectives([]string{d.ID}); err == nil {
		t.Fatalf("expected load to be refused while running")
	}
	if err := o.Start(context.Background()); err == nil {
		t.Fatalf("expected second start to be refused")
	}
}

func TestRunStopsWhenQueueExhausted(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	d := directive(t, e, engine.DirectiveInput{Title: "doomed"})
	if _, err := e.AbandonDirective(ctx, d.ID, "tester"); err != nil {
		t.Fatal(err)
	}

	o := New(e, events.NewBus(8), 10*time.Millisecond)
	if err := o.LoadDirectives([]string{d.ID}); err != nil {
		t.Fatal(err)
	}
	if err := o.Start(ctx); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for o.Running() {
		if time.Now().After(deadline) {
			t.Fatalf("orchestrator should stop itself once every directive is terminal")
		}
		time.Sleep(5 * time.Millisecond)
	}

	status, err := o.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if status.Running || status.Total != 1 || status.Completed != 1 {
		t.Fatalf("unexpected status: %+v", status)
	}
}

func TestStatusDropsDeletedDirectives(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	keep := directive(t, e, engine.DirectiveInput{Title: "keep"})
	gone := directive(t, e, engine.DirectiveInput{Title: "gone"})

	o := New(e, nil, time.Second)
	if err := o.LoadDirectives([]string{keep.ID, gone.ID}); err != nil {
		t.Fatal(err)
	}
	if err := e.DeleteDirective(ctx, gone.ID, "tester"); err != nil {
		t.Fatal(err)
	}

	status, err := o.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if status.Total != 1 || status.Pending != 1 {
		t.Fatalf("deleted directive should drop out of counts: %+v", status)
	}
}

func boolPtr(b bool) *bool { return &b }
