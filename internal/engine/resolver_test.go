package engine

import (
	"testing"
	"time"

	"garrison/internal/domain"
)

func TestCanAssignPairings(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour).UTC().Format(time.RFC3339)
	idle := &domain.Conscript{ID: "c1", Status: domain.ConscriptIdle}
	busy := &domain.Conscript{ID: "c2", Status: domain.ConscriptDeveloping}
	ready := &domain.Directive{ID: "d1", Status: domain.DirectiveReady}
	merged := &domain.Directive{ID: "d2", Status: domain.DirectiveMerged}
	free := &domain.Camp{ID: "k1", Alias: "dev-1"}
	leased := &domain.Camp{ID: "k2", Alias: "dev-2", AssignedConscriptIDs: []string{"c9"}}
	expired := &domain.Camp{ID: "k3", Alias: "dev-3", ExpiresAt: &past}

	cases := []struct {
		name string
		p    Pairing
		want bool
	}{
		{"directive onto idle conscript", Pairing{SourceKind: KindDirective, SourceID: "d1", TargetKind: KindConscript, TargetID: "c1", Conscript: idle, Directive: ready, DependenciesOK: true, Now: now}, true},
		{"directive onto busy conscript", Pairing{SourceKind: KindDirective, SourceID: "d1", TargetKind: KindConscript, TargetID: "c2", Conscript: busy, Directive: ready, DependenciesOK: true, Now: now}, false},
		{"conscript onto ready directive", Pairing{SourceKind: KindConscript, SourceID: "c1", TargetKind: KindDirective, TargetID: "d1", Conscript: idle, Directive: ready, DependenciesOK: true, Now: now}, true},
		{"conscript onto directive with open deps", Pairing{SourceKind: KindConscript, SourceID: "c1", TargetKind: KindDirective, TargetID: "d1", Conscript: idle, Directive: ready, DependenciesOK: false, Now: now}, false},
		{"conscript onto merged directive", Pairing{SourceKind: KindConscript, SourceID: "c1", TargetKind: KindDirective, TargetID: "d2", Conscript: idle, Directive: merged, DependenciesOK: true, Now: now}, false},
		{"conscript onto available camp", Pairing{SourceKind: KindConscript, SourceID: "c1", TargetKind: KindCamp, TargetID: "k1", Conscript: idle, Camp: free, CampCapacity: 1, Now: now}, true},
		{"conscript onto full camp", Pairing{SourceKind: KindConscript, SourceID: "c1", TargetKind: KindCamp, TargetID: "k2", Conscript: idle, Camp: leased, CampCapacity: 1, Now: now}, false},
		{"conscript onto shared camp with room", Pairing{SourceKind: KindConscript, SourceID: "c1", TargetKind: KindCamp, TargetID: "k2", Conscript: idle, Camp: leased, CampCapacity: 3, Now: now}, true},
		{"conscript onto expired camp", Pairing{SourceKind: KindConscript, SourceID: "c1", TargetKind: KindCamp, TargetID: "k3", Conscript: idle, Camp: expired, CampCapacity: 1, Now: now}, false},
		{"camp onto idle conscript", Pairing{SourceKind: KindCamp, SourceID: "k1", TargetKind: KindConscript, TargetID: "c1", Conscript: idle, Camp: free, CampCapacity: 1, Now: now}, true},
		{"same kind", Pairing{SourceKind: KindConscript, SourceID: "c1", TargetKind: KindConscript, TargetID: "c2", Conscript: idle, Now: now}, false},
		{"same id", Pairing{SourceKind: KindDirective, SourceID: "x", TargetKind: KindConscript, TargetID: "x", Conscript: idle, Now: now}, false},
	}
	for _, tc := range cases {
		if got := canAssign(tc.p); got != tc.want {
			t.Errorf("%s: got %v, want %v", tc.name, got, tc.want)
		}
	}
}
