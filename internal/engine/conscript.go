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

// ensureConscriptTransition enforces the lifecycle state machine. The error
// state may only resume into a working state (the one recorded before the
// failure) or be stopped back to idle.
func ensureConscriptTransition(conscriptID, cur, next string) error {
	allowed := map[string][]string{
		domain.ConscriptIdle:         {domain.ConscriptAssigned},
		domain.ConscriptAssigned:     {domain.ConscriptProvisioning, domain.ConscriptBranching, domain.ConscriptError, domain.ConscriptIdle},
		domain.ConscriptProvisioning: {domain.ConscriptBranching, domain.ConscriptError, domain.ConscriptIdle},
		domain.ConscriptBranching:    {domain.ConscriptDeveloping, domain.ConscriptError, domain.ConscriptIdle},
		domain.ConscriptDeveloping:   {domain.ConscriptNeedsInput, domain.ConscriptQAReady, domain.ConscriptError, domain.ConscriptIdle},
		domain.ConscriptNeedsInput:   {domain.ConscriptDeveloping, domain.ConscriptError, domain.ConscriptIdle},
		domain.ConscriptQAReady:      {domain.ConscriptMerging, domain.ConscriptRework, domain.ConscriptError, domain.ConscriptIdle},
		domain.ConscriptMerging:      {domain.ConscriptError, domain.ConscriptIdle},
		domain.ConscriptRework:       {domain.ConscriptDeveloping, domain.ConscriptError, domain.ConscriptIdle},
		domain.ConscriptError: {domain.ConscriptProvisioning, domain.ConscriptBranching, domain.ConscriptDeveloping,
			domain.ConscriptNeedsInput, domain.ConscriptRework, domain.ConscriptMerging, domain.ConscriptIdle},
	}
	for _, a := range allowed[cur] {
		if a == next {
			return nil
		}
	}
	return InvalidTransitionError{ConscriptID: conscriptID, Current: cur, Requested: next}
}

// CreateConscript registers a new idle agent slot.
func (e *Engine) CreateConscript(ctx context.Context, name, actorID string) (domain.Conscript, error) {
	if strings.TrimSpace(name) == "" {
		return domain.Conscript{}, errors.New("name is required")
	}
	now := e.nowStr()
	c := domain.Conscript{
		ID:        uuid.New().String(),
		Name:      name,
		Status:    domain.ConscriptIdle,
		CreatedAt: now,
		UpdatedAt: now,
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return c, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertConscript(ctx, tx, c); err != nil {
		return c, err
	}
	if err := e.Events.Append(ctx, tx, "conscript.created", "conscript", c.ID, actorID, events.EventPayload{"name": name}); err != nil {
		return c, err
	}
	if err := tx.Commit(); err != nil {
		return c, err
	}
	e.publishStatus(c, "created")
	return c, nil
}

// DeleteConscript removes a conscript. Only idle conscripts may be deleted.
func (e *Engine) DeleteConscript(ctx context.Context, id, actorID string) error {
	lock := e.lockConscript(id)
	lock.Lock()
	defer lock.Unlock()
	c, err := e.Repo.GetConscript(ctx, id)
	if err != nil {
		return err
	}
	if c.Status != domain.ConscriptIdle {
		return InvalidTransitionError{ConscriptID: id, Current: c.Status, Requested: "deleted"}
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM conscripts WHERE id=?`, id); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "conscript.deleted", "conscript", id, actorID, nil); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.dropConscriptLock(id)
	return nil
}

// AssignOptions are parameters for dispatching a directive to a conscript.
type AssignOptions struct {
	ConscriptID string
	DirectiveID string
	CampAlias   string // explicit camp; may still be provisioning
	ClaimCamp   bool   // lease any available camp from the pool
	BranchName  string
	WorkDir     string
	ActorID     string
}

// Assign links an idle conscript to a dispatchable directive, optionally
// leasing a camp, in one atomic step. The conscript lock is taken before the
// pool lock; that order holds everywhere a compound operation needs both.
func (e *Engine) Assign(ctx context.Context, opts AssignOptions) (domain.Conscript, error) {
	lock := e.lockConscript(opts.ConscriptID)
	lock.Lock()
	defer lock.Unlock()
	e.poolLock.Lock()
	defer e.poolLock.Unlock()

	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Conscript{}, err
	}
	defer tx.Rollback()

	c, err := e.Repo.GetConscriptTx(ctx, tx, opts.ConscriptID)
	if err != nil {
		return c, err
	}
	if err := ensureConscriptTransition(c.ID, c.Status, domain.ConscriptAssigned); err != nil {
		return c, err
	}
	d, err := e.Repo.GetDirectiveTx(ctx, tx, opts.DirectiveID)
	if err != nil {
		return c, err
	}
	if d.Status != domain.DirectiveBacklog && d.Status != domain.DirectiveReady {
		return c, fmt.Errorf("directive %s is %s, not dispatchable", d.ID, d.Status)
	}
	if missing, err := e.unsatisfiedDeps(ctx, tx, d); err != nil {
		return c, err
	} else if len(missing) > 0 {
		return c, DependencyUnsatisfiedError{DirectiveID: d.ID, Missing: missing}
	}

	campAlias := opts.CampAlias
	waitingOnCamp := false
	if campAlias != "" && c.AssignedCampAlias != nil && *c.AssignedCampAlias != campAlias {
		// Swapping to an explicit camp drops the lease on the old one,
		// otherwise the old lease would never be released.
		if err := e.releaseCampLocked(ctx, tx, &c); err != nil {
			return c, err
		}
		c.AssignedCampAlias = nil
	}
	if campAlias == "" && opts.ClaimCamp && c.AssignedCampAlias != nil {
		// The conscript already holds a camp (claimed or dragged on before
		// the directive); keep it instead of leasing a second one.
		held, err := e.Repo.GetCampByAlias(ctx, *c.AssignedCampAlias)
		switch {
		case err == nil:
			if err := e.leaseLocked(ctx, tx, held, c.ID); err != nil {
				return c, err
			}
			campAlias = held.Alias
		case errors.Is(err, repo.ErrNotFound):
			c.AssignedCampAlias = nil // camp deleted under the lease
		default:
			return c, err
		}
	}
	if campAlias == "" && opts.ClaimCamp {
		camp, err := e.claimLocked(ctx, tx, c.ID)
		if err != nil {
			return c, err
		}
		campAlias = camp.Alias
	} else if opts.CampAlias != "" {
		if e.CampProvisioning(campAlias) {
			waitingOnCamp = true
		} else {
			camp, err := e.Repo.GetCampByAlias(ctx, campAlias)
			if err != nil {
				return c, err
			}
			if err := e.leaseLocked(ctx, tx, camp, c.ID); err != nil {
				return c, err
			}
		}
	}

	branch := opts.BranchName
	if branch == "" {
		branch = e.Settings.BranchPrefix + shortID(d.ID)
	}
	now := e.nowStr()
	c.Status = domain.ConscriptAssigned
	c.AssignedDirectiveID = &d.ID
	c.BranchName = &branch
	c.LastError = nil
	c.ResumeStatus = nil
	if campAlias != "" {
		c.AssignedCampAlias = &campAlias
	}
	c.UpdatedAt = now
	if err := e.Repo.UpdateConscript(ctx, tx, c); err != nil {
		return c, err
	}

	d.Status = domain.DirectiveInProgress
	d.AssignedConscriptID = &c.ID
	d.UpdatedAt = now
	if err := e.Repo.UpdateDirective(ctx, tx, d); err != nil {
		return c, err
	}

	prompt, err := e.buildPromptTx(ctx, tx, d)
	if err != nil {
		return c, err
	}
	if err := e.Repo.InsertChatEntry(ctx, tx, domain.ChatEntry{
		ConscriptID: c.ID,
		DirectiveID: &d.ID,
		Role:        domain.RoleUser,
		Body:        prompt,
		CreatedAt:   now,
	}); err != nil {
		return c, err
	}
	if err := e.Events.Append(ctx, tx, "conscript.assigned", "conscript", c.ID, opts.ActorID, events.EventPayload{
		"directive_id": d.ID,
		"camp_alias":   campAlias,
		"branch":       branch,
	}); err != nil {
		return c, err
	}
	if err := tx.Commit(); err != nil {
		return c, err
	}
	e.publishStatus(c, "assigned")

	if e.Runner != nil {
		workDir := opts.WorkDir
		if workDir == "" {
			workDir = e.Settings.OpenPath
		}
		go e.runAssignment(c.ID, branch, workDir, prompt, d.ID, waitingOnCamp)
	}
	return c, nil
}

// runAssignment drives the post-assign pipeline: wait for the camp if one is
// still provisioning, otherwise create the branch and start the agent. Every
// step reports back through transition operations, which re-validate state.
func (e *Engine) runAssignment(conscriptID, branch, workDir, prompt, directiveID string, waitingOnCamp bool) {
	ctx := context.Background()
	if waitingOnCamp {
		if _, err := e.transition(ctx, conscriptID, domain.ConscriptProvisioning, "provisioning", nil); err != nil {
			return
		}
		// Provision completion re-enters via CampReady.
		return
	}
	if _, err := e.CampReady(ctx, conscriptID); err != nil {
		return
	}
	if err := e.Runner.CreateBranch(ctx, workDir, branch); err != nil {
		_ = e.ReportFailure(ctx, conscriptID, "branching", err)
		return
	}
	if _, err := e.BranchCreated(ctx, conscriptID, branch); err != nil {
		return
	}
	if err := e.Runner.StartAgent(ctx, AgentRequest{
		ConscriptID: conscriptID,
		DirectiveID: directiveID,
		Branch:      branch,
		WorkDir:     workDir,
		Prompt:      prompt,
	}); err != nil {
		_ = e.ReportFailure(ctx, conscriptID, "agent", err)
	}
}

// transition applies one guarded state change under the conscript's lock.
// mutate, when non-nil, runs inside the same transaction for side fields and
// receives the state the conscript is leaving.
func (e *Engine) transition(ctx context.Context, conscriptID, next, event string, mutate func(*sql.Tx, *domain.Conscript, string) error) (domain.Conscript, error) {
	lock := e.lockConscript(conscriptID)
	lock.Lock()
	defer lock.Unlock()
	return e.transitionLocked(ctx, conscriptID, next, event, mutate)
}

func (e *Engine) transitionLocked(ctx context.Context, conscriptID, next, event string, mutate func(*sql.Tx, *domain.Conscript, string) error) (domain.Conscript, error) {
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Conscript{}, err
	}
	defer tx.Rollback()
	c, err := e.Repo.GetConscriptTx(ctx, tx, conscriptID)
	if err != nil {
		return c, err
	}
	if err := ensureConscriptTransition(c.ID, c.Status, next); err != nil {
		return c, err
	}
	prev := c.Status
	c.Status = next
	c.UpdatedAt = e.nowStr()
	if mutate != nil {
		if err := mutate(tx, &c, prev); err != nil {
			return c, err
		}
	}
	if err := e.Repo.UpdateConscript(ctx, tx, c); err != nil {
		return c, err
	}
	if err := e.Events.Append(ctx, tx, "conscript."+next, "conscript", c.ID, "system", events.EventPayload{
		"from": prev,
		"to":   next,
	}); err != nil {
		return c, err
	}
	if err := tx.Commit(); err != nil {
		return c, err
	}
	e.publishStatus(c, event)
	return c, nil
}

// CampReady moves an assigned or provisioning conscript on to branching.
func (e *Engine) CampReady(ctx context.Context, conscriptID string) (domain.Conscript, error) {
	return e.transition(ctx, conscriptID, domain.ConscriptBranching, "camp_ready", nil)
}

// BranchCreated records the working branch and begins development.
func (e *Engine) BranchCreated(ctx context.Context, conscriptID, branch string) (domain.Conscript, error) {
	return e.transition(ctx, conscriptID, domain.ConscriptDeveloping, "branch_created", func(tx *sql.Tx, c *domain.Conscript, prev string) error {
		c.BranchName = &branch
		return nil
	})
}

// AgentAsked records a question from the agent and pauses for human input.
func (e *Engine) AgentAsked(ctx context.Context, conscriptID, question string) (domain.Conscript, error) {
	return e.transition(ctx, conscriptID, domain.ConscriptNeedsInput, "question", func(tx *sql.Tx, c *domain.Conscript, prev string) error {
		return e.Repo.InsertChatEntry(ctx, tx, domain.ChatEntry{
			ConscriptID: c.ID,
			DirectiveID: c.AssignedDirectiveID,
			Role:        domain.RoleAgent,
			Body:        question,
			CreatedAt:   e.nowStr(),
		})
	})
}

// AgentCompleted signals the agent finished its work; the directive moves to
// review and the conscript awaits a human verdict.
func (e *Engine) AgentCompleted(ctx context.Context, conscriptID string) (domain.Conscript, error) {
	return e.transition(ctx, conscriptID, domain.ConscriptQAReady, "qa_ready", func(tx *sql.Tx, c *domain.Conscript, prev string) error {
		return e.setDirectiveStatusTx(ctx, tx, c.AssignedDirectiveID, domain.DirectiveQAReview)
	})
}

// Approve accepts reviewed work: the conscript begins merging and the
// directive is marked approved. Merge completion (immediate without a
// Runner) finishes the cycle.
func (e *Engine) Approve(ctx context.Context, conscriptID, actorID string) (domain.Conscript, error) {
	c, err := e.transition(ctx, conscriptID, domain.ConscriptMerging, "approved", func(tx *sql.Tx, c *domain.Conscript, prev string) error {
		if err := e.setDirectiveStatusTx(ctx, tx, c.AssignedDirectiveID, domain.DirectiveApproved); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, "review.approved", "conscript", c.ID, actorID, nil)
	})
	if err != nil {
		return c, err
	}
	if e.Runner == nil {
		return e.finishMerge(ctx, conscriptID)
	}
	go func() {
		mctx := context.Background()
		workDir := e.Settings.OpenPath
		branch := ""
		if c.BranchName != nil {
			branch = *c.BranchName
		}
		if err := e.Runner.Merge(mctx, workDir, branch); err != nil {
			_ = e.ReportFailure(mctx, conscriptID, "merge", err)
			return
		}
		if _, err := e.finishMerge(mctx, conscriptID); err != nil {
			// Stale completion: the conscript was stopped or failed while
			// the merge ran. Discard.
			return
		}
	}()
	return c, nil
}

// finishMerge completes an approved merge: directive merged, camp released,
// conscript idle. Validates the conscript is still merging (stale guard).
func (e *Engine) finishMerge(ctx context.Context, conscriptID string) (domain.Conscript, error) {
	lock := e.lockConscript(conscriptID)
	lock.Lock()
	defer lock.Unlock()
	e.poolLock.Lock()
	defer e.poolLock.Unlock()
	return e.transitionLocked(ctx, conscriptID, domain.ConscriptIdle, "merged", func(tx *sql.Tx, c *domain.Conscript, prev string) error {
		if c.AssignedDirectiveID == nil {
			return fmt.Errorf("conscript %s has no directive to merge", c.ID)
		}
		if err := e.setDirectiveStatusTx(ctx, tx, c.AssignedDirectiveID, domain.DirectiveMerged); err != nil {
			return err
		}
		if err := e.clearDirectiveLinkTx(ctx, tx, *c.AssignedDirectiveID); err != nil {
			return err
		}
		if err := e.releaseCampLocked(ctx, tx, c); err != nil {
			return err
		}
		e.unlink(c)
		return nil
	})
}

// Reject sends reviewed work back for another pass. The directive is NOT
// terminally rejected; the feedback lands in the chat history and the
// conscript reworks it.
func (e *Engine) Reject(ctx context.Context, conscriptID, feedback, actorID string) (domain.Conscript, error) {
	c, err := e.transition(ctx, conscriptID, domain.ConscriptRework, "rejected", func(tx *sql.Tx, c *domain.Conscript, prev string) error {
		if err := e.setDirectiveStatusTx(ctx, tx, c.AssignedDirectiveID, domain.DirectiveInProgress); err != nil {
			return err
		}
		if err := e.Repo.InsertChatEntry(ctx, tx, domain.ChatEntry{
			ConscriptID: c.ID,
			DirectiveID: c.AssignedDirectiveID,
			Role:        domain.RoleSystem,
			Body:        "Review feedback: " + feedback,
			CreatedAt:   e.nowStr(),
		}); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, "review.rejected", "conscript", c.ID, actorID, events.EventPayload{"feedback": feedback})
	})
	if err != nil {
		return c, err
	}
	if e.Runner != nil {
		go func() {
			rctx := context.Background()
			if err := e.Runner.SendAgentInput(rctx, conscriptID, feedback); err != nil {
				_ = e.ReportFailure(rctx, conscriptID, "agent", err)
				return
			}
			_, _ = e.AcknowledgeRework(rctx, conscriptID)
		}()
	}
	return c, nil
}

// AcknowledgeRework resumes development once the agent picked up the
// feedback.
func (e *Engine) AcknowledgeRework(ctx context.Context, conscriptID string) (domain.Conscript, error) {
	return e.transition(ctx, conscriptID, domain.ConscriptDeveloping, "rework_started", nil)
}

// SendMessage delivers human input to a conscript. From needs_input it
// resumes development; from error it retries into the state recorded before
// the failure; while developing it simply extends the conversation.
func (e *Engine) SendMessage(ctx context.Context, conscriptID, text, actorID string) (domain.Conscript, error) {
	lock := e.lockConscript(conscriptID)
	lock.Lock()
	defer lock.Unlock()

	c, err := e.Repo.GetConscript(ctx, conscriptID)
	if err != nil {
		return c, err
	}
	appendEntry := func(tx *sql.Tx, c *domain.Conscript, prev string) error {
		return e.Repo.InsertChatEntry(ctx, tx, domain.ChatEntry{
			ConscriptID: c.ID,
			DirectiveID: c.AssignedDirectiveID,
			Role:        domain.RoleUser,
			Body:        text,
			CreatedAt:   e.nowStr(),
		})
	}
	switch c.Status {
	case domain.ConscriptNeedsInput:
		c, err = e.transitionLocked(ctx, conscriptID, domain.ConscriptDeveloping, "input", appendEntry)
	case domain.ConscriptError:
		resume := domain.ConscriptDeveloping
		if c.ResumeStatus != nil && *c.ResumeStatus != "" {
			resume = *c.ResumeStatus
		}
		c, err = e.transitionLocked(ctx, conscriptID, resume, "retry", func(tx *sql.Tx, c *domain.Conscript, prev string) error {
			c.ResumeStatus = nil
			c.LastError = nil
			return appendEntry(tx, c, prev)
		})
	case domain.ConscriptDeveloping:
		tx, berr := e.begin(ctx)
		if berr != nil {
			return c, berr
		}
		defer tx.Rollback()
		if err := appendEntry(tx, &c, c.Status); err != nil {
			return c, err
		}
		if err := tx.Commit(); err != nil {
			return c, err
		}
	default:
		return c, InvalidTransitionError{ConscriptID: conscriptID, Current: c.Status, Requested: domain.ConscriptDeveloping}
	}
	if err != nil {
		return c, err
	}
	if e.Runner != nil {
		go func() { _ = e.Runner.SendAgentInput(context.Background(), conscriptID, text) }()
	}
	return c, nil
}

// ReportFailure drives a conscript to the error state, recording the failed
// stage and the working state to resume into on retry. The directive stays
// in_progress; recovery requires explicit human action.
func (e *Engine) ReportFailure(ctx context.Context, conscriptID, stage string, cause error) error {
	ext := ExternalFailureError{Stage: stage, Err: cause}
	_, err := e.transition(ctx, conscriptID, domain.ConscriptError, "failure", func(tx *sql.Tx, c *domain.Conscript, prev string) error {
		if prev != domain.ConscriptError {
			c.ResumeStatus = &prev
		}
		msg := ext.Error()
		c.LastError = &msg
		return e.Repo.InsertChatEntry(ctx, tx, domain.ChatEntry{
			ConscriptID: c.ID,
			DirectiveID: c.AssignedDirectiveID,
			Role:        domain.RoleSystem,
			Body:        msg,
			CreatedAt:   e.nowStr(),
		})
	})
	return err
}

// Stop aborts whatever a conscript is doing and returns it to idle. The
// directive is returned to ready (work was attempted) unless it already
// reached a terminal outcome; any camp lease is released. Safe to call while
// an asynchronous side effect is in flight: its completion will be discarded
// by the stale-state guards.
func (e *Engine) Stop(ctx context.Context, conscriptID, actorID string) (domain.Conscript, error) {
	lock := e.lockConscript(conscriptID)
	lock.Lock()
	defer lock.Unlock()
	e.poolLock.Lock()
	defer e.poolLock.Unlock()
	return e.transitionLocked(ctx, conscriptID, domain.ConscriptIdle, "stopped", func(tx *sql.Tx, c *domain.Conscript, prev string) error {
		if c.AssignedDirectiveID != nil {
			d, err := e.Repo.GetDirectiveTx(ctx, tx, *c.AssignedDirectiveID)
			if err != nil && !errors.Is(err, repo.ErrNotFound) {
				return err
			}
			if err == nil && !d.Terminal() {
				d.Status = domain.DirectiveReady
				d.AssignedConscriptID = nil
				d.UpdatedAt = e.nowStr()
				if err := e.Repo.UpdateDirective(ctx, tx, d); err != nil {
					return err
				}
			}
		}
		if err := e.releaseCampLocked(ctx, tx, c); err != nil {
			return err
		}
		e.unlink(c)
		return e.Events.Append(ctx, tx, "conscript.stopped", "conscript", c.ID, actorID, nil)
	})
}

// unlink clears all assignment fields on the in-memory record prior to
// persisting an idle conscript.
func (e *Engine) unlink(c *domain.Conscript) {
	c.AssignedDirectiveID = nil
	c.AssignedCampAlias = nil
	c.BranchName = nil
	c.ResumeStatus = nil
	c.LastError = nil
}

func (e *Engine) setDirectiveStatusTx(ctx context.Context, tx *sql.Tx, directiveID *string, status string) error {
	if directiveID == nil {
		return fmt.Errorf("conscript has no linked directive")
	}
	d, err := e.Repo.GetDirectiveTx(ctx, tx, *directiveID)
	if err != nil {
		return err
	}
	d.Status = status
	d.UpdatedAt = e.nowStr()
	return e.Repo.UpdateDirective(ctx, tx, d)
}

func (e *Engine) clearDirectiveLinkTx(ctx context.Context, tx *sql.Tx, directiveID string) error {
	d, err := e.Repo.GetDirectiveTx(ctx, tx, directiveID)
	if err != nil {
		return err
	}
	d.AssignedConscriptID = nil
	d.UpdatedAt = e.nowStr()
	return e.Repo.UpdateDirective(ctx, tx, d)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
