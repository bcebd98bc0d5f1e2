package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"garrison/internal/domain"
	"garrison/internal/events"
	"garrison/internal/repo"
)

// ListCamps returns every camp in the pool, oldest first.
func (e *Engine) ListCamps(ctx context.Context) ([]domain.Camp, error) {
	return e.Repo.ListCamps(ctx)
}

func (e *Engine) GetCamp(ctx context.Context, id string) (domain.Camp, error) {
	return e.Repo.GetCamp(ctx, id)
}

// claimLocked picks the oldest claimable camp and leases it to conscriptID.
// Fully available camps win over partially shared ones. Caller holds the
// pool lock and the open transaction; the transaction has not touched camp
// rows before this point, so the pre-transaction read is the current state.
func (e *Engine) claimLocked(ctx context.Context, tx *sql.Tx, conscriptID string) (domain.Camp, error) {
	camps, err := e.Repo.ListCamps(ctx)
	if err != nil {
		return domain.Camp{}, err
	}
	now := e.now()
	var shared *domain.Camp
	for i := range camps {
		c := camps[i]
		switch c.EffectiveStatus(now) {
		case domain.CampAvailable:
			return c, e.leaseLockedTx(ctx, tx, c, conscriptID)
		case domain.CampLeased:
			if shared == nil && len(c.AssignedConscriptIDs) < e.Settings.EffectiveCampCapacity() {
				shared = &camps[i]
			}
		}
	}
	if shared != nil {
		return *shared, e.leaseLockedTx(ctx, tx, *shared, conscriptID)
	}
	return domain.Camp{}, fmt.Errorf("no claimable camp: %w", ErrResourceUnavailable)
}

// leaseLocked validates and records one camp→conscript lease. Caller holds
// the pool lock.
func (e *Engine) leaseLocked(ctx context.Context, tx *sql.Tx, c domain.Camp, conscriptID string) error {
	return e.leaseLockedTx(ctx, tx, c, conscriptID)
}

func (e *Engine) leaseLockedTx(ctx context.Context, tx *sql.Tx, c domain.Camp, conscriptID string) error {
	switch c.EffectiveStatus(e.now()) {
	case domain.CampExpired:
		return fmt.Errorf("camp %s is expired: %w", c.Alias, ErrResourceUnavailable)
	case domain.CampError:
		return fmt.Errorf("camp %s is in error: %w", c.Alias, ErrResourceUnavailable)
	}
	for _, id := range c.AssignedConscriptIDs {
		if id == conscriptID {
			return nil // already leased to this conscript
		}
	}
	if len(c.AssignedConscriptIDs) >= e.Settings.EffectiveCampCapacity() {
		return CapacityExceededError{CampAlias: c.Alias, Capacity: e.Settings.EffectiveCampCapacity()}
	}
	if err := e.Repo.AddCampAssignment(ctx, tx, c.ID, conscriptID, e.nowStr()); err != nil {
		return err
	}
	return e.Events.Append(ctx, tx, "camp.leased", "camp", c.ID, "", events.EventPayload{
		"alias":        c.Alias,
		"conscript_id": conscriptID,
	})
}

// releaseCampLocked drops the conscript's lease, if any. A camp already
// deleted out from under the lease is treated as released.
func (e *Engine) releaseCampLocked(ctx context.Context, tx *sql.Tx, c *domain.Conscript) error {
	if c.AssignedCampAlias == nil {
		return nil
	}
	camp, err := e.Repo.GetCampByAlias(ctx, *c.AssignedCampAlias)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := e.Repo.RemoveCampAssignment(ctx, tx, camp.ID, c.ID); err != nil {
		return err
	}
	return e.Events.Append(ctx, tx, "camp.released", "camp", camp.ID, "", events.EventPayload{
		"alias":        camp.Alias,
		"conscript_id": c.ID,
	})
}

// ClaimCamp leases any claimable camp to the conscript without assigning a
// directive. Used by the dispatcher and by the camp API.
func (e *Engine) ClaimCamp(ctx context.Context, conscriptID, actorID string) (domain.Camp, error) {
	lock := e.lockConscript(conscriptID)
	lock.Lock()
	defer lock.Unlock()
	e.poolLock.Lock()
	defer e.poolLock.Unlock()

	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Camp{}, err
	}
	defer tx.Rollback()

	c, err := e.Repo.GetConscriptTx(ctx, tx, conscriptID)
	if err != nil {
		return domain.Camp{}, err
	}
	if c.AssignedCampAlias != nil {
		held, err := e.Repo.GetCampByAlias(ctx, *c.AssignedCampAlias)
		if err == nil {
			return held, nil // one camp per conscript; keep the held one
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return domain.Camp{}, err
		}
		c.AssignedCampAlias = nil // stale alias, camp deleted
	}
	camp, err := e.claimLocked(ctx, tx, conscriptID)
	if err != nil {
		return domain.Camp{}, err
	}
	c.AssignedCampAlias = &camp.Alias
	c.UpdatedAt = e.nowStr()
	if err := e.Repo.UpdateConscript(ctx, tx, c); err != nil {
		return domain.Camp{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Camp{}, err
	}
	return e.Repo.GetCamp(ctx, camp.ID)
}

// AssignCamp leases one specific camp to one conscript.
func (e *Engine) AssignCamp(ctx context.Context, campID, conscriptID, actorID string) (domain.Camp, error) {
	lock := e.lockConscript(conscriptID)
	lock.Lock()
	defer lock.Unlock()
	e.poolLock.Lock()
	defer e.poolLock.Unlock()

	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Camp{}, err
	}
	defer tx.Rollback()

	camp, err := e.Repo.GetCamp(ctx, campID)
	if err != nil {
		return camp, err
	}
	c, err := e.Repo.GetConscriptTx(ctx, tx, conscriptID)
	if err != nil {
		return camp, err
	}
	if c.AssignedCampAlias != nil && *c.AssignedCampAlias != camp.Alias {
		// Moving to a different camp; drop the old lease first.
		if err := e.releaseCampLocked(ctx, tx, &c); err != nil {
			return camp, err
		}
	}
	if err := e.leaseLocked(ctx, tx, camp, conscriptID); err != nil {
		return camp, err
	}
	c.AssignedCampAlias = &camp.Alias
	c.UpdatedAt = e.nowStr()
	if err := e.Repo.UpdateConscript(ctx, tx, c); err != nil {
		return camp, err
	}
	if err := tx.Commit(); err != nil {
		return camp, err
	}
	return e.Repo.GetCamp(ctx, campID)
}

// UnassignCamp drops one camp→conscript lease.
func (e *Engine) UnassignCamp(ctx context.Context, campID, conscriptID, actorID string) error {
	lock := e.lockConscript(conscriptID)
	lock.Lock()
	defer lock.Unlock()
	e.poolLock.Lock()
	defer e.poolLock.Unlock()

	tx, err := e.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	camp, err := e.Repo.GetCamp(ctx, campID)
	if err != nil {
		return err
	}
	if err := e.Repo.RemoveCampAssignment(ctx, tx, camp.ID, conscriptID); err != nil {
		return err
	}
	c, err := e.Repo.GetConscriptTx(ctx, tx, conscriptID)
	if err == nil && c.AssignedCampAlias != nil && *c.AssignedCampAlias == camp.Alias {
		c.AssignedCampAlias = nil
		c.UpdatedAt = e.nowStr()
		if err := e.Repo.UpdateConscript(ctx, tx, c); err != nil {
			return err
		}
	} else if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	if err := e.Events.Append(ctx, tx, "camp.released", "camp", camp.ID, actorID, events.EventPayload{
		"alias":        camp.Alias,
		"conscript_id": conscriptID,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// ReleaseCamp drops every lease on the camp and detaches the conscripts
// holding them. Conscript lifecycles are untouched; a developing conscript
// simply loses its environment link.
func (e *Engine) ReleaseCamp(ctx context.Context, campID, actorID string) (domain.Camp, error) {
	e.poolLock.Lock()
	defer e.poolLock.Unlock()

	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Camp{}, err
	}
	defer tx.Rollback()

	camp, err := e.Repo.GetCamp(ctx, campID)
	if err != nil {
		return camp, err
	}
	now := e.nowStr()
	for _, conscriptID := range camp.AssignedConscriptIDs {
		if err := e.Repo.RemoveCampAssignment(ctx, tx, camp.ID, conscriptID); err != nil {
			return camp, err
		}
		c, err := e.Repo.GetConscriptTx(ctx, tx, conscriptID)
		if errors.Is(err, repo.ErrNotFound) {
			continue
		}
		if err != nil {
			return camp, err
		}
		if c.AssignedCampAlias != nil && *c.AssignedCampAlias == camp.Alias {
			c.AssignedCampAlias = nil
			c.UpdatedAt = now
			if err := e.Repo.UpdateConscript(ctx, tx, c); err != nil {
				return camp, err
			}
		}
	}
	if err := e.Events.Append(ctx, tx, "camp.released", "camp", camp.ID, actorID, events.EventPayload{
		"alias": camp.Alias,
		"count": len(camp.AssignedConscriptIDs),
	}); err != nil {
		return camp, err
	}
	if err := tx.Commit(); err != nil {
		return camp, err
	}
	return e.Repo.GetCamp(ctx, campID)
}

// RegisterCamp adopts a pre-existing environment under the given alias. A
// registered camp carries no expiry; its lifetime is managed externally.
func (e *Engine) RegisterCamp(ctx context.Context, alias, actorID string) (domain.Camp, error) {
	e.poolLock.Lock()
	defer e.poolLock.Unlock()
	return e.registerLocked(ctx, alias, nil, actorID)
}

func (e *Engine) registerLocked(ctx context.Context, alias string, expiresAt *string, actorID string) (domain.Camp, error) {
	if alias == "" {
		return domain.Camp{}, fmt.Errorf("camp alias is required")
	}
	if _, err := e.Repo.GetCampByAlias(ctx, alias); err == nil {
		return domain.Camp{}, fmt.Errorf("camp %s is already registered", alias)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Camp{}, err
	}
	camp := domain.Camp{
		ID:        uuid.NewString(),
		Alias:     alias,
		ExpiresAt: expiresAt,
		CreatedAt: e.nowStr(),
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return camp, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertCamp(ctx, tx, camp); err != nil {
		return camp, err
	}
	if err := e.Events.Append(ctx, tx, "camp.registered", "camp", camp.ID, actorID, events.EventPayload{
		"alias": camp.Alias,
	}); err != nil {
		return camp, err
	}
	if err := tx.Commit(); err != nil {
		return camp, err
	}
	return camp, nil
}

// DiscoverCamps asks the runner for provider-side environments and registers
// any the pool does not know yet. Returns the newly adopted camps.
func (e *Engine) DiscoverCamps(ctx context.Context, actorID string) ([]domain.Camp, error) {
	if e.Runner == nil {
		return nil, nil
	}
	aliases, err := e.Runner.ListEnvironments(ctx)
	if err != nil {
		return nil, ExternalFailureError{Stage: "discover", Err: err}
	}
	e.poolLock.Lock()
	defer e.poolLock.Unlock()
	var adopted []domain.Camp
	for _, alias := range aliases {
		if _, err := e.Repo.GetCampByAlias(ctx, alias); err == nil {
			continue
		} else if !errors.Is(err, repo.ErrNotFound) {
			return adopted, err
		}
		camp, err := e.registerLocked(ctx, alias, nil, actorID)
		if err != nil {
			return adopted, err
		}
		adopted = append(adopted, camp)
	}
	return adopted, nil
}

// ProvisionCamp requests a new environment from the provider. The provider
// quota is checked up front; a rejected request never reaches the runner.
// With a runner configured, provisioning runs asynchronously and streams
// progress lines on the bus; the returned alias identifies the camp that
// will exist once it completes. Conscripts assigned against the in-flight
// alias wait in the provisioning state and resume when the camp lands.
func (e *Engine) ProvisionCamp(ctx context.Context, alias, actorID string) (string, error) {
	if alias == "" {
		alias = "camp-" + shortID(uuid.NewString())
	}
	e.poolLock.Lock()
	if _, err := e.Repo.GetCampByAlias(ctx, alias); err == nil {
		e.poolLock.Unlock()
		return "", fmt.Errorf("camp %s already exists", alias)
	} else if !errors.Is(err, repo.ErrNotFound) {
		e.poolLock.Unlock()
		return "", err
	}
	if e.CampProvisioning(alias) {
		e.poolLock.Unlock()
		return "", fmt.Errorf("camp %s is already provisioning", alias)
	}
	if err := e.checkQuotaLocked(ctx); err != nil {
		e.poolLock.Unlock()
		return "", err
	}
	e.markProvisioning(alias, true)
	e.poolLock.Unlock()

	if e.Runner == nil {
		return alias, e.finishProvision(ctx, alias, actorID)
	}
	go func() {
		pctx := context.Background()
		err := e.Runner.Provision(pctx, alias, func(line string) {
			if e.Bus != nil {
				e.Bus.Publish(events.TypeProvisionOutput, map[string]any{
					"alias": alias,
					"line":  line,
				})
			}
		})
		if err != nil {
			e.failProvision(pctx, alias, err)
			return
		}
		_ = e.finishProvision(pctx, alias, actorID)
	}()
	return alias, nil
}

// checkQuotaLocked enforces the provider's active and daily limits. Camps in
// flight count against both.
func (e *Engine) checkQuotaLocked(ctx context.Context) error {
	status, err := e.poolStatusLocked(ctx)
	if err != nil {
		return err
	}
	if status.ActiveUsed >= status.ActiveMax {
		return fmt.Errorf("provider active limit %d reached: %w", status.ActiveMax, ErrResourceUnavailable)
	}
	if status.DailyUsed >= status.DailyMax {
		return fmt.Errorf("provider daily limit %d reached: %w", status.DailyMax, ErrResourceUnavailable)
	}
	return nil
}

// finishProvision records the provisioned camp and wakes every conscript
// that was assigned against the alias while it was in flight.
func (e *Engine) finishProvision(ctx context.Context, alias, actorID string) error {
	e.poolLock.Lock()
	var expires *string
	if ttl := e.Settings.CampTTLMinutes; ttl > 0 {
		s := e.now().UTC().Add(time.Duration(ttl) * time.Minute).Format(time.RFC3339)
		expires = &s
	}
	camp, err := e.registerLocked(ctx, alias, expires, actorID)
	e.markProvisioning(alias, false)
	e.poolLock.Unlock()
	if err != nil {
		return err
	}
	if e.Bus != nil {
		e.Bus.Publish(events.TypeNotification, map[string]any{
			"event": "camp.provisioned",
			"alias": alias,
		})
	}
	return e.wakeCampWaiters(ctx, camp)
}

// failProvision surfaces a provider failure to every waiting conscript.
func (e *Engine) failProvision(ctx context.Context, alias string, cause error) {
	e.markProvisioning(alias, false)
	if e.Bus != nil {
		e.Bus.Publish(events.TypeNotification, map[string]any{
			"event": "camp.provision_failed",
			"alias": alias,
			"error": cause.Error(),
		})
	}
	waiters, err := e.campWaiters(ctx, alias)
	if err != nil {
		return
	}
	for _, c := range waiters {
		_ = e.ReportFailure(ctx, c.ID, "provisioning", cause)
	}
}

// campWaiters lists conscripts parked in the provisioning state against the
// given alias.
func (e *Engine) campWaiters(ctx context.Context, alias string) ([]domain.Conscript, error) {
	all, err := e.Repo.ListConscripts(ctx)
	if err != nil {
		return nil, err
	}
	var waiters []domain.Conscript
	for _, c := range all {
		if c.Status == domain.ConscriptProvisioning && c.AssignedCampAlias != nil && *c.AssignedCampAlias == alias {
			waiters = append(waiters, c)
		}
	}
	return waiters, nil
}

// wakeCampWaiters leases the fresh camp to its waiters and resumes their
// assignment pipelines.
func (e *Engine) wakeCampWaiters(ctx context.Context, camp domain.Camp) error {
	waiters, err := e.campWaiters(ctx, camp.Alias)
	if err != nil {
		return err
	}
	e.wakeWaiters(ctx, camp, waiters)
	return nil
}

// wakeWaiters works from a snapshot of the waiter list; each candidate is
// re-read under its lock before the lease lands.
func (e *Engine) wakeWaiters(ctx context.Context, camp domain.Camp, waiters []domain.Conscript) {
	for _, w := range waiters {
		lock := e.lockConscript(w.ID)
		lock.Lock()
		e.poolLock.Lock()
		leased := false
		err := func() error {
			tx, err := e.begin(ctx)
			if err != nil {
				return err
			}
			defer tx.Rollback()
			// Re-read under the lock: the conscript may have been stopped
			// or re-routed while the camp was in flight. Lease only if it
			// is still parked against this alias.
			w2, err := e.Repo.GetConscriptTx(ctx, tx, w.ID)
			if errors.Is(err, repo.ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			if w2.Status != domain.ConscriptProvisioning || w2.AssignedCampAlias == nil || *w2.AssignedCampAlias != camp.Alias {
				return nil
			}
			cur, err := e.Repo.GetCampByAlias(ctx, camp.Alias)
			if err != nil {
				return err
			}
			if err := e.leaseLocked(ctx, tx, cur, w.ID); err != nil {
				return err
			}
			if err := tx.Commit(); err != nil {
				return err
			}
			leased = true
			return nil
		}()
		e.poolLock.Unlock()
		lock.Unlock()
		if err != nil {
			_ = e.ReportFailure(ctx, w.ID, "provisioning", err)
			continue
		}
		if leased {
			e.resumeAssignment(ctx, w)
		}
	}
}

// resumeAssignment restarts the post-camp pipeline for a conscript that was
// waiting on provisioning: the prompt is the one recorded at assignment.
func (e *Engine) resumeAssignment(ctx context.Context, c domain.Conscript) {
	if e.Runner == nil || c.AssignedDirectiveID == nil || c.BranchName == nil {
		return
	}
	prompt := ""
	entries, err := e.Repo.ListChatEntries(ctx, c.ID, *c.AssignedDirectiveID)
	if err == nil {
		for _, entry := range entries {
			if entry.Role == domain.RoleUser {
				prompt = entry.Body
			}
		}
	}
	go e.runAssignment(c.ID, *c.BranchName, e.Settings.OpenPath, prompt, *c.AssignedDirectiveID, false)
}

// SweepExpiredCamps reports camps that crossed their expiry since the last
// sweep. Each expiry is noted exactly once; removal stays a caller decision.
func (e *Engine) SweepExpiredCamps(ctx context.Context) ([]domain.Camp, error) {
	e.poolLock.Lock()
	defer e.poolLock.Unlock()

	expired, err := e.Repo.UnnotedExpiredCamps(ctx, e.nowStr())
	if err != nil {
		return nil, err
	}
	for _, c := range expired {
		tx, err := e.begin(ctx)
		if err != nil {
			return nil, err
		}
		err = func() error {
			defer tx.Rollback()
			if err := e.Repo.MarkCampExpiryNoted(ctx, tx, c.ID); err != nil {
				return err
			}
			if err := e.Events.Append(ctx, tx, "camp.expired", "camp", c.ID, "", events.EventPayload{
				"alias": c.Alias,
			}); err != nil {
				return err
			}
			return tx.Commit()
		}()
		if err != nil {
			return nil, err
		}
		if e.Bus != nil {
			e.Bus.Publish(events.TypeNotification, map[string]any{
				"event": "camp.expired",
				"alias": c.Alias,
			})
		}
	}
	return expired, nil
}

// DeleteCamp removes a camp record. Leased camps must be released first.
func (e *Engine) DeleteCamp(ctx context.Context, id, actorID string) error {
	e.poolLock.Lock()
	defer e.poolLock.Unlock()

	camp, err := e.Repo.GetCamp(ctx, id)
	if err != nil {
		return err
	}
	if camp.EffectiveStatus(e.now()) == domain.CampLeased {
		return fmt.Errorf("camp %s is leased; release it first", camp.Alias)
	}
	return e.Repo.DeleteCamp(ctx, id)
}

// PoolStatus reports pool-wide counts and the provider quota snapshot.
func (e *Engine) PoolStatus(ctx context.Context) (domain.PoolStatus, error) {
	e.poolLock.Lock()
	defer e.poolLock.Unlock()
	return e.poolStatusLocked(ctx)
}

func (e *Engine) poolStatusLocked(ctx context.Context) (domain.PoolStatus, error) {
	camps, err := e.Repo.ListCamps(ctx)
	if err != nil {
		return domain.PoolStatus{}, err
	}
	now := e.now()
	status := domain.PoolStatus{
		Total:     len(camps),
		ActiveMax: e.Settings.Provider.ActiveMax,
		DailyMax:  e.Settings.Provider.DailyMax,
	}
	for _, c := range camps {
		switch c.EffectiveStatus(now) {
		case domain.CampAvailable:
			status.Available++
			status.ActiveUsed++
		case domain.CampLeased:
			status.Leased++
			status.ActiveUsed++
		case domain.CampExpired:
			status.Expired++
		case domain.CampError:
			status.ActiveUsed++
		}
	}
	daily, err := e.Repo.CountCampsCreatedSince(ctx, now.UTC().Add(-24*time.Hour).Format(time.RFC3339))
	if err != nil {
		return status, err
	}
	inFlight := e.provisioningCount()
	status.ActiveUsed += inFlight
	status.DailyUsed = daily + inFlight
	return status, nil
}

func (e *Engine) provisioningCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.provisioning)
}
