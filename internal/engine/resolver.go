package engine

import (
	"context"
	"fmt"
	"time"

	"garrison/internal/domain"
)

// Entity kinds accepted by the assignment resolver.
const (
	KindDirective = "directive"
	KindConscript = "conscript"
	KindCamp      = "camp"
)

// Pairing is a snapshot of one proposed source→target assignment. The
// resolver reads it and nothing else, so the decision is a pure function of
// the snapshot.
type Pairing struct {
	SourceKind string
	SourceID   string
	TargetKind string
	TargetID   string

	Conscript *domain.Conscript
	Directive *domain.Directive
	Camp      *domain.Camp

	DependenciesOK bool
	CampCapacity   int
	Now            time.Time
}

// canAssign is the single compatibility rule shared by manual assignment
// forms and drag-and-drop. It is advisory: the mutating operations
// re-validate under lock before committing.
func canAssign(p Pairing) bool {
	if p.SourceKind == p.TargetKind {
		return false
	}
	if p.SourceID == p.TargetID {
		return false
	}
	switch {
	case p.SourceKind == KindDirective && p.TargetKind == KindConscript,
		p.SourceKind == KindCamp && p.TargetKind == KindConscript:
		return p.Conscript != nil && p.Conscript.Status == domain.ConscriptIdle
	case p.SourceKind == KindConscript && p.TargetKind == KindDirective:
		if p.Conscript == nil || p.Conscript.Status != domain.ConscriptIdle {
			return false
		}
		if p.Directive == nil {
			return false
		}
		if p.Directive.Status != domain.DirectiveBacklog && p.Directive.Status != domain.DirectiveReady {
			return false
		}
		return p.DependenciesOK
	case p.SourceKind == KindConscript && p.TargetKind == KindCamp:
		if p.Conscript == nil || p.Conscript.Status != domain.ConscriptIdle {
			return false
		}
		if p.Camp == nil {
			return false
		}
		switch p.Camp.EffectiveStatus(p.Now) {
		case domain.CampAvailable:
			return true
		case domain.CampLeased:
			return len(p.Camp.AssignedConscriptIDs) < p.CampCapacity
		}
		return false
	}
	return false
}

// CanAssign loads the referenced records and answers whether the pairing is
// currently eligible. Unknown ids simply answer false.
func (e *Engine) CanAssign(ctx context.Context, sourceKind, sourceID, targetKind, targetID string) (bool, error) {
	p := Pairing{
		SourceKind:   sourceKind,
		SourceID:     sourceID,
		TargetKind:   targetKind,
		TargetID:     targetID,
		CampCapacity: e.Settings.EffectiveCampCapacity(),
		Now:          e.now(),
	}
	for _, ref := range []struct{ kind, id string }{{sourceKind, sourceID}, {targetKind, targetID}} {
		switch ref.kind {
		case KindConscript:
			c, err := e.Repo.GetConscript(ctx, ref.id)
			if err != nil {
				return false, nil
			}
			p.Conscript = &c
		case KindDirective:
			d, err := e.Repo.GetDirective(ctx, ref.id)
			if err != nil {
				return false, nil
			}
			p.Directive = &d
		case KindCamp:
			c, err := e.Repo.GetCamp(ctx, ref.id)
			if err != nil {
				return false, nil
			}
			p.Camp = &c
		default:
			return false, fmt.Errorf("unknown entity kind %q", ref.kind)
		}
	}
	if p.Directive != nil {
		ok, err := e.DependenciesSatisfied(ctx, *p.Directive)
		if err != nil {
			return false, err
		}
		p.DependenciesOK = ok
	}
	return canAssign(p), nil
}
