package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"garrison/internal/config"
	"garrison/internal/db"
	"garrison/internal/domain"
	"garrison/internal/engine"
	"garrison/internal/migrate"
)

type testEnv struct {
	Engine *engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default(), nil)
	eng.Now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func (env testEnv) conscript(t *testing.T, name string) domain.Conscript {
	t.Helper()
	c, err := env.Engine.CreateConscript(env.Ctx, name, "tester")
	if err != nil {
		t.Fatalf("create conscript: %v", err)
	}
	return c
}

func (env testEnv) directive(t *testing.T, in engine.DirectiveInput) domain.Directive {
	t.Helper()
	d, err := env.Engine.CreateDirective(env.Ctx, in, "tester")
	if err != nil {
		t.Fatalf("create directive: %v", err)
	}
	return d
}

// assignAndDevelop walks a fresh conscript to developing on the directive.
func (env testEnv) assignAndDevelop(t *testing.T, conscriptID, directiveID string) domain.Conscript {
	t.Helper()
	c, err := env.Engine.Assign(env.Ctx, engine.AssignOptions{ConscriptID: conscriptID, DirectiveID: directiveID, ActorID: "tester"})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if _, err := env.Engine.CampReady(env.Ctx, c.ID); err != nil {
		t.Fatalf("camp ready: %v", err)
	}
	c, err = env.Engine.BranchCreated(env.Ctx, c.ID, "garrison/test")
	if err != nil {
		t.Fatalf("branch created: %v", err)
	}
	return c
}

func TestConscriptLifecycle(t *testing.T) {
	env := newTestEnv(t)
	c := env.conscript(t, "alpha")
	d := env.directive(t, engine.DirectiveInput{Title: "Implement feature", Status: "ready"})

	c = env.assignAndDevelop(t, c.ID, d.ID)
	if c.Status != domain.ConscriptDeveloping {
		t.Fatalf("expected developing, got %s", c.Status)
	}
	got, err := env.Engine.GetDirective(env.Ctx, d.ID)
	if err != nil || got.Status != domain.DirectiveInProgress {
		t.Fatalf("directive should be in_progress: %s %v", got.Status, err)
	}
	if got.AssignedConscriptID == nil || *got.AssignedConscriptID != c.ID {
		t.Fatalf("directive not linked to conscript")
	}

	c, err = env.Engine.AgentCompleted(env.Ctx, c.ID)
	if err != nil || c.Status != domain.ConscriptQAReady {
		t.Fatalf("to qa_ready: %s %v", c.Status, err)
	}
	got, _ = env.Engine.GetDirective(env.Ctx, d.ID)
	if got.Status != domain.DirectiveQAReview {
		t.Fatalf("directive should be qa_review, got %s", got.Status)
	}

	// nil runner: approve merges synchronously
	c, err = env.Engine.Approve(env.Ctx, c.ID, "reviewer")
	if err != nil || c.Status != domain.ConscriptIdle {
		t.Fatalf("approve should end idle: %s %v", c.Status, err)
	}
	got, _ = env.Engine.GetDirective(env.Ctx, d.ID)
	if got.Status != domain.DirectiveMerged {
		t.Fatalf("directive should be merged, got %s", got.Status)
	}
	if got.AssignedConscriptID != nil {
		t.Fatalf("merged directive should be unlinked")
	}
	if c.AssignedDirectiveID != nil || c.BranchName != nil {
		t.Fatalf("idle conscript should carry no assignment")
	}

	// approving an idle conscript is an invalid transition
	_, err = env.Engine.Approve(env.Ctx, c.ID, "reviewer")
	var invalid engine.InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
}

func TestRejectReworkLoop(t *testing.T) {
	env := newTestEnv(t)
	c := env.conscript(t, "alpha")
	d := env.directive(t, engine.DirectiveInput{Title: "Fix bug"})
	c = env.assignAndDevelop(t, c.ID, d.ID)
	if _, err := env.Engine.AgentCompleted(env.Ctx, c.ID); err != nil {
		t.Fatal(err)
	}

	c, err := env.Engine.Reject(env.Ctx, c.ID, "tests are missing", "reviewer")
	if err != nil || c.Status != domain.ConscriptRework {
		t.Fatalf("reject should move to rework: %s %v", c.Status, err)
	}
	got, _ := env.Engine.GetDirective(env.Ctx, d.ID)
	if got.Status != domain.DirectiveInProgress {
		t.Fatalf("rejected directive stays in_progress, got %s", got.Status)
	}
	entries, err := env.Engine.Repo.ListChatEntries(env.Ctx, c.ID, "")
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, entry := range entries {
		if entry.Role == domain.RoleSystem && entry.Body == "Review feedback: tests are missing" {
			found = true
		}
	}
	if !found {
		t.Fatalf("feedback should land in chat history")
	}

	// second round through review
	c, err = env.Engine.AcknowledgeRework(env.Ctx, c.ID)
	if err != nil || c.Status != domain.ConscriptDeveloping {
		t.Fatalf("rework ack: %s %v", c.Status, err)
	}
	c, err = env.Engine.AgentCompleted(env.Ctx, c.ID)
	if err != nil || c.Status != domain.ConscriptQAReady {
		t.Fatalf("second qa_ready: %s %v", c.Status, err)
	}
	if _, err := env.Engine.Approve(env.Ctx, c.ID, "reviewer"); err != nil {
		t.Fatalf("approve after rework: %v", err)
	}
}

func TestAuditRowsUseEngineClock(t *testing.T) {
	env := newTestEnv(t)
	c := env.conscript(t, "alpha")
	rows, err := env.Engine.Repo.LatestEvents(env.Ctx, 1, "conscript.created", "conscript", c.ID)
	if err != nil || len(rows) != 1 {
		t.Fatalf("latest events: %d %v", len(rows), err)
	}
	if want := "2026-03-01T12:00:00Z"; rows[0].TS != want {
		t.Fatalf("audit timestamp %s, want %s", rows[0].TS, want)
	}
}

func TestRejectOutsideReview(t *testing.T) {
	env := newTestEnv(t)
	c := env.conscript(t, "alpha")
	d := env.directive(t, engine.DirectiveInput{Title: "Fix bug"})
	c = env.assignAndDevelop(t, c.ID, d.ID)

	_, err := env.Engine.Reject(env.Ctx, c.ID, "too early", "reviewer")
	var invalid engine.InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
	got, _ := env.Engine.Repo.GetConscript(env.Ctx, c.ID)
	if got.Status != domain.ConscriptDeveloping {
		t.Fatalf("failed reject must leave the conscript developing, got %s", got.Status)
	}
	gotD, _ := env.Engine.GetDirective(env.Ctx, d.ID)
	if gotD.Status != domain.DirectiveInProgress {
		t.Fatalf("failed reject must leave the directive in_progress, got %s", gotD.Status)
	}
}

func TestStopReleasesCampAndRequeuesDirective(t *testing.T) {
	env := newTestEnv(t)
	c := env.conscript(t, "alpha")
	d := env.directive(t, engine.DirectiveInput{Title: "Camp work"})
	camp, err := env.Engine.RegisterCamp(env.Ctx, "dev-1", "tester")
	if err != nil {
		t.Fatalf("register camp: %v", err)
	}

	if _, err := env.Engine.Assign(env.Ctx, engine.AssignOptions{
		ConscriptID: c.ID, DirectiveID: d.ID, CampAlias: "dev-1", ActorID: "tester",
	}); err != nil {
		t.Fatalf("assign with camp: %v", err)
	}
	leased, _ := env.Engine.GetCamp(env.Ctx, camp.ID)
	if len(leased.AssignedConscriptIDs) != 1 {
		t.Fatalf("camp should be leased")
	}

	c, err = env.Engine.Stop(env.Ctx, c.ID, "tester")
	if err != nil || c.Status != domain.ConscriptIdle {
		t.Fatalf("stop: %s %v", c.Status, err)
	}
	got, _ := env.Engine.GetDirective(env.Ctx, d.ID)
	if got.Status != domain.DirectiveReady || got.AssignedConscriptID != nil {
		t.Fatalf("stopped directive should return to ready, got %s", got.Status)
	}
	released, _ := env.Engine.GetCamp(env.Ctx, camp.ID)
	if len(released.AssignedConscriptIDs) != 0 {
		t.Fatalf("camp lease should be released")
	}
	if c.AssignedCampAlias != nil {
		t.Fatalf("conscript should drop camp alias")
	}
}

func TestSendMessage(t *testing.T) {
	env := newTestEnv(t)
	c := env.conscript(t, "alpha")
	d := env.directive(t, engine.DirectiveInput{Title: "Ask things"})
	c = env.assignAndDevelop(t, c.ID, d.ID)

	c, err := env.Engine.AgentAsked(env.Ctx, c.ID, "Which database?")
	if err != nil || c.Status != domain.ConscriptNeedsInput {
		t.Fatalf("agent asked: %s %v", c.Status, err)
	}
	c, err = env.Engine.SendMessage(env.Ctx, c.ID, "Use sqlite", "tester")
	if err != nil || c.Status != domain.ConscriptDeveloping {
		t.Fatalf("message should resume development: %s %v", c.Status, err)
	}

	// while developing the message only extends the conversation
	c, err = env.Engine.SendMessage(env.Ctx, c.ID, "Also add an index", "tester")
	if err != nil || c.Status != domain.ConscriptDeveloping {
		t.Fatalf("developing message: %s %v", c.Status, err)
	}

	// idle conscripts refuse input
	idle := env.conscript(t, "beta")
	_, err = env.Engine.SendMessage(env.Ctx, idle.ID, "hello", "tester")
	var invalid engine.InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
}

func TestFailureAndRetry(t *testing.T) {
	env := newTestEnv(t)
	c := env.conscript(t, "alpha")
	d := env.directive(t, engine.DirectiveInput{Title: "Flaky work"})
	c = env.assignAndDevelop(t, c.ID, d.ID)

	if err := env.Engine.ReportFailure(env.Ctx, c.ID, "agent", errors.New("process exited 1")); err != nil {
		t.Fatalf("report failure: %v", err)
	}
	c, _ = env.Engine.Repo.GetConscript(env.Ctx, c.ID)
	if c.Status != domain.ConscriptError {
		t.Fatalf("expected error state, got %s", c.Status)
	}
	if c.LastError == nil || c.ResumeStatus == nil || *c.ResumeStatus != domain.ConscriptDeveloping {
		t.Fatalf("failure should record cause and resume state: %+v", c)
	}
	got, _ := env.Engine.GetDirective(env.Ctx, d.ID)
	if got.Status != domain.DirectiveInProgress {
		t.Fatalf("directive keeps in_progress through failure, got %s", got.Status)
	}

	// human input retries into the recorded state
	c, err := env.Engine.SendMessage(env.Ctx, c.ID, "try again", "tester")
	if err != nil || c.Status != domain.ConscriptDeveloping {
		t.Fatalf("retry: %s %v", c.Status, err)
	}
	if c.LastError != nil || c.ResumeStatus != nil {
		t.Fatalf("retry should clear failure fields")
	}
}

func TestDeleteConscriptIdleOnly(t *testing.T) {
	env := newTestEnv(t)
	c := env.conscript(t, "alpha")
	d := env.directive(t, engine.DirectiveInput{Title: "Busy"})
	env.assignAndDevelop(t, c.ID, d.ID)
	if err := env.Engine.DeleteConscript(env.Ctx, c.ID, "tester"); err == nil {
		t.Fatalf("expected refusal to delete a working conscript")
	}
	idle := env.conscript(t, "beta")
	if err := env.Engine.DeleteConscript(env.Ctx, idle.ID, "tester"); err != nil {
		t.Fatalf("delete idle: %v", err)
	}
}
