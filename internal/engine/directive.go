package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"garrison/internal/domain"
	"garrison/internal/events"
	"garrison/internal/repo"
)

// DirectiveInput carries the user-editable directive fields.
type DirectiveInput struct {
	Title              string   `json:"title"`
	Description        string   `json:"description,omitempty"`
	AcceptanceCriteria string   `json:"acceptance_criteria,omitempty"`
	Labels             []string `json:"labels,omitempty"`
	Priority           string   `json:"priority,omitempty" enum:"low,medium,high,critical"`
	Status             string   `json:"status,omitempty" enum:"backlog,ready"`
	Source             string   `json:"source,omitempty" enum:"manual,external"`
	RequiresCamp       *bool    `json:"requires_camp,omitempty"`
	DependsOn          []string `json:"depends_on,omitempty"`
}

// DirectivePatch is a partial update; nil fields are left untouched.
type DirectivePatch struct {
	Title              *string   `json:"title,omitempty"`
	Description        *string   `json:"description,omitempty"`
	AcceptanceCriteria *string   `json:"acceptance_criteria,omitempty"`
	Labels             *[]string `json:"labels,omitempty"`
	Priority           *string   `json:"priority,omitempty"`
	Status             *string   `json:"status,omitempty"`
	RequiresCamp       *bool     `json:"requires_camp,omitempty"`
	DependsOn          *[]string `json:"depends_on,omitempty"`
}

func (e *Engine) ListDirectives(ctx context.Context, f repo.DirectiveFilters) ([]domain.Directive, error) {
	return e.Repo.ListDirectives(ctx, f)
}

func (e *Engine) GetDirective(ctx context.Context, id string) (domain.Directive, error) {
	return e.Repo.GetDirective(ctx, id)
}

// CreateDirective validates and stores a new directive. New directives start
// in backlog unless explicitly created ready; the in-flight and terminal
// statuses are owned by the lifecycle and cannot be set here.
func (e *Engine) CreateDirective(ctx context.Context, in DirectiveInput, actorID string) (domain.Directive, error) {
	if strings.TrimSpace(in.Title) == "" {
		return domain.Directive{}, fmt.Errorf("directive title is required")
	}
	d := domain.Directive{
		ID:                 uuid.NewString(),
		Title:              strings.TrimSpace(in.Title),
		Description:        in.Description,
		AcceptanceCriteria: in.AcceptanceCriteria,
		Labels:             in.Labels,
		Priority:           in.Priority,
		Status:             in.Status,
		Source:             in.Source,
		DependsOn:          dedupe(in.DependsOn),
	}
	if d.Priority == "" {
		d.Priority = domain.PriorityMedium
	}
	if !domain.ValidPriority(d.Priority) {
		return d, fmt.Errorf("unknown priority %q", d.Priority)
	}
	if d.Status == "" {
		d.Status = domain.DirectiveBacklog
	}
	if d.Status != domain.DirectiveBacklog && d.Status != domain.DirectiveReady {
		return d, fmt.Errorf("a directive starts in backlog or ready, not %q", d.Status)
	}
	if d.Source == "" {
		d.Source = domain.SourceManual
	}
	if d.Source != domain.SourceManual && d.Source != domain.SourceExternal {
		return d, fmt.Errorf("unknown source %q", d.Source)
	}
	if in.RequiresCamp != nil {
		d.RequiresCamp = *in.RequiresCamp
	}
	now := e.nowStr()
	d.CreatedAt = now
	d.UpdatedAt = now

	tx, err := e.begin(ctx)
	if err != nil {
		return d, err
	}
	defer tx.Rollback()
	if err := e.checkDependencies(ctx, tx, d.ID, d.DependsOn); err != nil {
		return d, err
	}
	if err := e.Repo.InsertDirective(ctx, tx, d); err != nil {
		return d, err
	}
	if err := e.Repo.ReplaceDependencies(ctx, tx, d.ID, d.DependsOn); err != nil {
		return d, err
	}
	if err := e.Events.Append(ctx, tx, "directive.created", "directive", d.ID, actorID, events.EventPayload{
		"title":  d.Title,
		"status": d.Status,
	}); err != nil {
		return d, err
	}
	if err := tx.Commit(); err != nil {
		return d, err
	}
	return d, nil
}

// UpdateDirective applies a partial edit. Status edits are restricted to the
// user-reachable states; in_progress, qa_review, approved and merged belong
// to the lifecycle. Reopening a terminal directive goes to backlog only.
func (e *Engine) UpdateDirective(ctx context.Context, id string, p DirectivePatch, actorID string) (domain.Directive, error) {
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Directive{}, err
	}
	defer tx.Rollback()

	d, err := e.Repo.GetDirectiveTx(ctx, tx, id)
	if err != nil {
		return d, err
	}
	if p.Title != nil {
		if strings.TrimSpace(*p.Title) == "" {
			return d, fmt.Errorf("directive title is required")
		}
		d.Title = strings.TrimSpace(*p.Title)
	}
	if p.Description != nil {
		d.Description = *p.Description
	}
	if p.AcceptanceCriteria != nil {
		d.AcceptanceCriteria = *p.AcceptanceCriteria
	}
	if p.Labels != nil {
		d.Labels = *p.Labels
	}
	if p.Priority != nil {
		if !domain.ValidPriority(*p.Priority) {
			return d, fmt.Errorf("unknown priority %q", *p.Priority)
		}
		d.Priority = *p.Priority
	}
	if p.RequiresCamp != nil {
		d.RequiresCamp = *p.RequiresCamp
	}
	if p.Status != nil && *p.Status != d.Status {
		if err := validUserStatusEdit(d, *p.Status); err != nil {
			return d, err
		}
		d.Status = *p.Status
	}
	if p.DependsOn != nil {
		deps := dedupe(*p.DependsOn)
		if err := e.checkDependencies(ctx, tx, d.ID, deps); err != nil {
			return d, err
		}
		d.DependsOn = deps
		if err := e.Repo.ReplaceDependencies(ctx, tx, d.ID, deps); err != nil {
			return d, err
		}
	}
	d.UpdatedAt = e.nowStr()
	if err := e.Repo.UpdateDirective(ctx, tx, d); err != nil {
		return d, err
	}
	if err := e.Events.Append(ctx, tx, "directive.updated", "directive", d.ID, actorID, events.EventPayload{
		"status": d.Status,
	}); err != nil {
		return d, err
	}
	if err := tx.Commit(); err != nil {
		return d, err
	}
	return d, nil
}

func validUserStatusEdit(d domain.Directive, next string) error {
	if !domain.ValidDirectiveStatus(next) {
		return fmt.Errorf("unknown status %q", next)
	}
	switch next {
	case domain.DirectiveBacklog, domain.DirectiveReady:
		if d.AssignedConscriptID != nil {
			return fmt.Errorf("directive %s is assigned to a conscript; stop it first", d.ID)
		}
		return nil
	case domain.DirectiveRejected:
		if d.AssignedConscriptID != nil {
			return fmt.Errorf("directive %s is assigned to a conscript; stop it first", d.ID)
		}
		return nil
	default:
		return fmt.Errorf("status %s is set by the lifecycle, not by edits", next)
	}
}

// DeleteDirective removes a directive. It refuses while a conscript holds it
// and while other directives depend on it.
func (e *Engine) DeleteDirective(ctx context.Context, id, actorID string) error {
	d, err := e.Repo.GetDirective(ctx, id)
	if err != nil {
		return err
	}
	if d.AssignedConscriptID != nil {
		return fmt.Errorf("directive %s is assigned to conscript %s; stop it first", id, *d.AssignedConscriptID)
	}
	dependents, err := e.Repo.Dependents(ctx, id)
	if err != nil {
		return err
	}
	if len(dependents) > 0 {
		return fmt.Errorf("directive %s is a dependency of %v", id, dependents)
	}
	return e.Repo.DeleteDirective(ctx, id)
}

// AbandonDirective marks a directive terminally rejected. Distinct from a
// review rejection, which loops the work back instead.
func (e *Engine) AbandonDirective(ctx context.Context, id, actorID string) (domain.Directive, error) {
	return e.setUserStatus(ctx, id, domain.DirectiveRejected, "directive.abandoned", actorID)
}

// ReopenDirective returns a terminal directive to the backlog.
func (e *Engine) ReopenDirective(ctx context.Context, id, actorID string) (domain.Directive, error) {
	d, err := e.Repo.GetDirective(ctx, id)
	if err != nil {
		return d, err
	}
	if !d.Terminal() {
		return d, fmt.Errorf("directive %s is %s; only merged or rejected directives reopen", id, d.Status)
	}
	return e.setUserStatus(ctx, id, domain.DirectiveBacklog, "directive.reopened", actorID)
}

func (e *Engine) setUserStatus(ctx context.Context, id, status, event, actorID string) (domain.Directive, error) {
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Directive{}, err
	}
	defer tx.Rollback()
	d, err := e.Repo.GetDirectiveTx(ctx, tx, id)
	if err != nil {
		return d, err
	}
	if d.AssignedConscriptID != nil {
		return d, fmt.Errorf("directive %s is assigned to a conscript; stop it first", id)
	}
	d.Status = status
	d.UpdatedAt = e.nowStr()
	if err := e.Repo.UpdateDirective(ctx, tx, d); err != nil {
		return d, err
	}
	if err := e.Events.Append(ctx, tx, event, "directive", d.ID, actorID, events.EventPayload{
		"status": status,
	}); err != nil {
		return d, err
	}
	if err := tx.Commit(); err != nil {
		return d, err
	}
	return d, nil
}

// checkDependencies verifies every dependency exists and that the edges keep
// the graph acyclic, including edges not yet written for id itself.
func (e *Engine) checkDependencies(ctx context.Context, tx *sql.Tx, id string, deps []string) error {
	for _, dep := range deps {
		if dep == id {
			return fmt.Errorf("directive %s cannot depend on itself", id)
		}
		if _, err := e.Repo.GetDirectiveTx(ctx, tx, dep); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return fmt.Errorf("unknown dependency %s", dep)
			}
			return err
		}
	}
	// Walk down from the proposed edges; reaching id again closes a cycle.
	seen := map[string]bool{}
	stack := append([]string(nil), deps...)
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == id {
			return fmt.Errorf("dependency cycle through directive %s", id)
		}
		if seen[cur] {
			continue
		}
		seen[cur] = true
		next, err := e.Repo.ListDirectiveDependencies(ctx, cur)
		if err != nil {
			return err
		}
		stack = append(stack, next...)
	}
	return nil
}

// unsatisfiedDeps lists the dependencies of d that are not yet merged or
// approved. Dependencies deleted since the edge was written count as
// unsatisfied.
func (e *Engine) unsatisfiedDeps(ctx context.Context, tx *sql.Tx, d domain.Directive) ([]string, error) {
	var missing []string
	for _, dep := range d.DependsOn {
		depd, err := e.Repo.GetDirectiveTx(ctx, tx, dep)
		if errors.Is(err, repo.ErrNotFound) {
			missing = append(missing, dep)
			continue
		}
		if err != nil {
			return nil, err
		}
		if !depd.Satisfies() {
			missing = append(missing, dep)
		}
	}
	return missing, nil
}

// DependenciesSatisfied reports whether d is dispatchable with respect to
// its dependency edges.
func (e *Engine) DependenciesSatisfied(ctx context.Context, d domain.Directive) (bool, error) {
	missing, err := e.unsatisfiedDeps(ctx, nil, d)
	if err != nil {
		return false, err
	}
	return len(missing) == 0, nil
}

func dedupe(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(ids))
	var out []string
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
