package engine_test

import (
	"errors"
	"testing"
	"time"

	"garrison/internal/domain"
	"garrison/internal/engine"
)

func TestRegisterCampDuplicateAlias(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.RegisterCamp(env.Ctx, "dev-1", "tester"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := env.Engine.RegisterCamp(env.Ctx, "dev-1", "tester"); err == nil {
		t.Fatalf("expected duplicate alias error")
	}
}

func TestClaimCampCapacity(t *testing.T) {
	env := newTestEnv(t)
	camp, err := env.Engine.RegisterCamp(env.Ctx, "dev-1", "tester")
	if err != nil {
		t.Fatal(err)
	}
	a := env.conscript(t, "alpha")
	b := env.conscript(t, "beta")

	got, err := env.Engine.ClaimCamp(env.Ctx, a.ID, "tester")
	if err != nil || got.ID != camp.ID {
		t.Fatalf("claim: %v", err)
	}

	// camps are exclusive by default
	_, err = env.Engine.ClaimCamp(env.Ctx, b.ID, "tester")
	if !errors.Is(err, engine.ErrResourceUnavailable) {
		t.Fatalf("expected resource unavailable, got %v", err)
	}

	// sharing raises the per-camp limit
	env.Engine.Settings.AllowSharedCamps = true
	env.Engine.Settings.MaxConscriptsPerCamp = 2
	got, err = env.Engine.ClaimCamp(env.Ctx, b.ID, "tester")
	if err != nil || got.ID != camp.ID {
		t.Fatalf("shared claim: %v", err)
	}
	c := env.conscript(t, "gamma")
	_, err = env.Engine.ClaimCamp(env.Ctx, c.ID, "tester")
	if !errors.Is(err, engine.ErrResourceUnavailable) {
		t.Fatalf("expected full shared camp to refuse, got %v", err)
	}
}

func TestAssignKeepsPreClaimedCamp(t *testing.T) {
	env := newTestEnv(t)
	held, err := env.Engine.RegisterCamp(env.Ctx, "held", "tester")
	if err != nil {
		t.Fatal(err)
	}
	spare, err := env.Engine.RegisterCamp(env.Ctx, "spare", "tester")
	if err != nil {
		t.Fatal(err)
	}
	c := env.conscript(t, "alpha")
	if _, err := env.Engine.AssignCamp(env.Ctx, held.ID, c.ID, "tester"); err != nil {
		t.Fatalf("pre-claim: %v", err)
	}
	d := env.directive(t, engine.DirectiveInput{Title: "Camp work"})

	c, err = env.Engine.Assign(env.Ctx, engine.AssignOptions{ConscriptID: c.ID, DirectiveID: d.ID, ClaimCamp: true, ActorID: "tester"})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if c.AssignedCampAlias == nil || *c.AssignedCampAlias != "held" {
		t.Fatalf("assign must keep the held camp, got %v", c.AssignedCampAlias)
	}
	got, _ := env.Engine.GetCamp(env.Ctx, spare.ID)
	if len(got.AssignedConscriptIDs) != 0 {
		t.Fatalf("spare camp must stay unleased, got %v", got.AssignedConscriptIDs)
	}

	// claiming again while holding is a no-op too
	reclaimed, err := env.Engine.ClaimCamp(env.Ctx, c.ID, "tester")
	if err != nil || reclaimed.ID != held.ID {
		t.Fatalf("re-claim should return the held camp: %v %v", reclaimed.Alias, err)
	}

	if _, err := env.Engine.Stop(env.Ctx, c.ID, "tester"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	got, _ = env.Engine.GetCamp(env.Ctx, held.ID)
	if len(got.AssignedConscriptIDs) != 0 {
		t.Fatalf("stop must release the held lease, got %v", got.AssignedConscriptIDs)
	}
}

func TestAssignCampCapacityExceeded(t *testing.T) {
	env := newTestEnv(t)
	camp, err := env.Engine.RegisterCamp(env.Ctx, "dev-1", "tester")
	if err != nil {
		t.Fatal(err)
	}
	a := env.conscript(t, "alpha")
	b := env.conscript(t, "beta")
	if _, err := env.Engine.AssignCamp(env.Ctx, camp.ID, a.ID, "tester"); err != nil {
		t.Fatalf("assign camp: %v", err)
	}
	_, err = env.Engine.AssignCamp(env.Ctx, camp.ID, b.ID, "tester")
	var full engine.CapacityExceededError
	if !errors.As(err, &full) {
		t.Fatalf("expected CapacityExceededError, got %v", err)
	}
}

func TestExpiredCampSweepIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	past := env.Engine.Now().Add(-time.Hour).UTC().Format(time.RFC3339)
	tx, err := env.Engine.DB.Begin()
	if err != nil {
		t.Fatal(err)
	}
	camp := domain.Camp{ID: "camp-old", Alias: "old", ExpiresAt: &past, CreatedAt: past}
	if err := env.Engine.Repo.InsertCamp(env.Ctx, tx, camp); err != nil {
		t.Fatalf("insert camp: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	swept, err := env.Engine.SweepExpiredCamps(env.Ctx)
	if err != nil || len(swept) != 1 || swept[0].ID != "camp-old" {
		t.Fatalf("first sweep should report the camp: %v %v", swept, err)
	}
	swept, err = env.Engine.SweepExpiredCamps(env.Ctx)
	if err != nil || len(swept) != 0 {
		t.Fatalf("second sweep should be empty: %v %v", swept, err)
	}

	// expired camps cannot be leased
	a := env.conscript(t, "alpha")
	_, err = env.Engine.AssignCamp(env.Ctx, "camp-old", a.ID, "tester")
	if !errors.Is(err, engine.ErrResourceUnavailable) {
		t.Fatalf("expected expired camp to refuse lease, got %v", err)
	}
}

func TestProvisionQuota(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Settings.Provider.ActiveMax = 1

	// nil runner: provisioning completes synchronously
	alias, err := env.Engine.ProvisionCamp(env.Ctx, "fresh", "tester")
	if err != nil || alias != "fresh" {
		t.Fatalf("provision: %v", err)
	}
	camp, err := env.Engine.Repo.GetCampByAlias(env.Ctx, "fresh")
	if err != nil {
		t.Fatalf("provisioned camp missing: %v", err)
	}
	if camp.ExpiresAt == nil {
		t.Fatalf("provisioned camp should carry an expiry")
	}

	_, err = env.Engine.ProvisionCamp(env.Ctx, "second", "tester")
	if !errors.Is(err, engine.ErrResourceUnavailable) {
		t.Fatalf("expected active limit, got %v", err)
	}
}

func TestProvisionDailyQuota(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Settings.Provider.DailyMax = 1
	if _, err := env.Engine.ProvisionCamp(env.Ctx, "one", "tester"); err != nil {
		t.Fatal(err)
	}
	_, err := env.Engine.ProvisionCamp(env.Ctx, "two", "tester")
	if !errors.Is(err, engine.ErrResourceUnavailable) {
		t.Fatalf("expected daily limit, got %v", err)
	}
}

func TestReleaseCampDropsAllLeases(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Settings.AllowSharedCamps = true
	env.Engine.Settings.MaxConscriptsPerCamp = 2
	camp, err := env.Engine.RegisterCamp(env.Ctx, "dev-1", "tester")
	if err != nil {
		t.Fatal(err)
	}
	a := env.conscript(t, "alpha")
	b := env.conscript(t, "beta")
	if _, err := env.Engine.AssignCamp(env.Ctx, camp.ID, a.ID, "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AssignCamp(env.Ctx, camp.ID, b.ID, "tester"); err != nil {
		t.Fatal(err)
	}

	got, err := env.Engine.ReleaseCamp(env.Ctx, camp.ID, "tester")
	if err != nil || len(got.AssignedConscriptIDs) != 0 {
		t.Fatalf("release: %v %v", got.AssignedConscriptIDs, err)
	}
	for _, id := range []string{a.ID, b.ID} {
		c, _ := env.Engine.Repo.GetConscript(env.Ctx, id)
		if c.AssignedCampAlias != nil {
			t.Fatalf("conscript %s should drop its camp alias", id)
		}
	}
	if got.EffectiveStatus(env.Engine.Now()) != domain.CampAvailable {
		t.Fatalf("released camp should be available")
	}
}

func TestDeleteCampRefusesLeased(t *testing.T) {
	env := newTestEnv(t)
	camp, err := env.Engine.RegisterCamp(env.Ctx, "dev-1", "tester")
	if err != nil {
		t.Fatal(err)
	}
	a := env.conscript(t, "alpha")
	if _, err := env.Engine.AssignCamp(env.Ctx, camp.ID, a.ID, "tester"); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.DeleteCamp(env.Ctx, camp.ID, "tester"); err == nil {
		t.Fatalf("expected refusal to delete leased camp")
	}
	if _, err := env.Engine.ReleaseCamp(env.Ctx, camp.ID, "tester"); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.DeleteCamp(env.Ctx, camp.ID, "tester"); err != nil {
		t.Fatalf("delete unleased: %v", err)
	}
}

func TestPoolStatus(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.RegisterCamp(env.Ctx, "dev-1", "tester"); err != nil {
		t.Fatal(err)
	}
	camp2, err := env.Engine.RegisterCamp(env.Ctx, "dev-2", "tester")
	if err != nil {
		t.Fatal(err)
	}
	a := env.conscript(t, "alpha")
	if _, err := env.Engine.AssignCamp(env.Ctx, camp2.ID, a.ID, "tester"); err != nil {
		t.Fatal(err)
	}

	status, err := env.Engine.PoolStatus(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if status.Total != 2 || status.Available != 1 || status.Leased != 1 || status.Expired != 0 {
		t.Fatalf("unexpected pool counts: %+v", status)
	}
	if status.ActiveMax != env.Engine.Settings.Provider.ActiveMax {
		t.Fatalf("quota limits should surface: %+v", status)
	}
}
