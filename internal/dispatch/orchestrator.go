package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"garrison/internal/domain"
	"garrison/internal/engine"
	"garrison/internal/events"
	"garrison/internal/repo"
)

// Orchestrator runs the dispatch loop: it holds an ordered queue of
// directive ids and assigns them to idle conscripts as resources free up. A
// pass runs at start, on every conscript status change and on a fixed poll
// interval. Directives the pass cannot place are left pending, never
// blocking later ones.
type Orchestrator struct {
	engine *engine.Engine
	bus    *events.Bus
	poll   time.Duration

	mu      sync.Mutex
	queue   []string
	running bool
	cancel  context.CancelFunc
	unsub   func()
	wake    chan struct{}
	done    chan struct{}
	last    domain.OrchestratorStatus
	hasLast bool
}

func New(e *engine.Engine, bus *events.Bus, poll time.Duration) *Orchestrator {
	if poll <= 0 {
		poll = 5 * time.Second
	}
	return &Orchestrator{engine: e, bus: bus, poll: poll}
}

// LoadDirectives replaces the queue. Refused while a run is active.
func (o *Orchestrator) LoadDirectives(ids []string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return fmt.Errorf("orchestrator is running; stop it before loading directives")
	}
	seen := make(map[string]bool, len(ids))
	o.queue = o.queue[:0]
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		o.queue = append(o.queue, id)
	}
	return nil
}

// Queue returns a copy of the loaded directive ids in dispatch order.
func (o *Orchestrator) Queue() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.queue...)
}

// Start begins dispatching: one pass immediately, then on every conscript
// status change and every poll tick, until the queue is exhausted or Stop is
// called.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator is already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	o.running = true
	o.cancel = cancel
	o.wake = make(chan struct{}, 1)
	o.done = make(chan struct{})
	wake := o.wake
	if o.bus != nil {
		o.unsub = o.bus.Subscribe(events.TypeStatusChanged, func(events.Event) {
			select {
			case wake <- struct{}{}:
			default:
			}
		})
	}
	done := o.done
	o.mu.Unlock()

	go o.run(runCtx, wake, done)
	return nil
}

// Stop halts dispatching. In-flight conscripts keep working; nothing new is
// assigned.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.running = false
	cancel, unsub, done := o.cancel, o.unsub, o.done
	o.cancel, o.unsub = nil, nil
	o.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	cancel()
	<-done
	o.publishProgress(context.Background())
}

// Running reports whether a dispatch loop is active.
func (o *Orchestrator) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

func (o *Orchestrator) run(ctx context.Context, wake chan struct{}, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(o.poll)
	defer ticker.Stop()

	for {
		o.pass(ctx)
		if o.exhausted(ctx) {
			o.mu.Lock()
			cancel := o.cancel
			if o.running {
				o.running = false
				if o.unsub != nil {
					o.unsub()
					o.unsub = nil
				}
				o.cancel = nil
			}
			o.mu.Unlock()
			if cancel != nil {
				cancel()
			}
			o.publishProgress(ctx)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-wake:
		case <-ticker.C:
		}
	}
}

// pass walks the queue once and assigns whatever fits. Newly expired camps
// are noted first so their expiry events go out before dispatch decisions.
func (o *Orchestrator) pass(ctx context.Context) {
	e := o.engine
	_, _ = e.SweepExpiredCamps(ctx)

	idle, err := e.Repo.ListIdleConscripts(ctx)
	if err != nil {
		return
	}
	for _, id := range o.Queue() {
		if len(idle) == 0 {
			break
		}
		d, err := e.Repo.GetDirective(ctx, id)
		if errors.Is(err, repo.ErrNotFound) {
			continue
		}
		if err != nil {
			return
		}
		if d.Status != domain.DirectiveBacklog && d.Status != domain.DirectiveReady {
			continue
		}
		if ok, err := e.DependenciesSatisfied(ctx, d); err != nil || !ok {
			continue
		}
		_, err = e.Assign(ctx, engine.AssignOptions{
			ConscriptID: idle[0].ID,
			DirectiveID: d.ID,
			ClaimCamp:   d.RequiresCamp,
			ActorID:     "orchestrator",
		})
		if errors.Is(err, engine.ErrResourceUnavailable) {
			// No camp right now; the directive stays pending and later
			// queue entries still get a chance.
			continue
		}
		if err != nil {
			continue
		}
		idle = idle[1:]
	}
	o.publishProgress(ctx)
}

// exhausted reports whether every queued directive is terminal or gone.
func (o *Orchestrator) exhausted(ctx context.Context) bool {
	queue := o.Queue()
	if len(queue) == 0 {
		return true
	}
	for _, id := range queue {
		d, err := o.engine.Repo.GetDirective(ctx, id)
		if errors.Is(err, repo.ErrNotFound) {
			continue
		}
		if err != nil {
			return false
		}
		if !d.Terminal() {
			return false
		}
	}
	return true
}

// Status recomputes the snapshot from the directive store. Directives
// deleted since loading drop out of every count.
func (o *Orchestrator) Status(ctx context.Context) (domain.OrchestratorStatus, error) {
	status := domain.OrchestratorStatus{Running: o.Running()}
	for _, id := range o.Queue() {
		d, err := o.engine.Repo.GetDirective(ctx, id)
		if errors.Is(err, repo.ErrNotFound) {
			continue
		}
		if err != nil {
			return status, err
		}
		status.Total++
		switch d.Status {
		case domain.DirectiveMerged, domain.DirectiveRejected:
			status.Completed++
		case domain.DirectiveInProgress, domain.DirectiveQAReview:
			status.InProgress++
		}
	}
	status.Pending = status.Total - status.Completed - status.InProgress
	return status, nil
}

// publishProgress emits a Progress event when the snapshot changed since the
// last emission.
func (o *Orchestrator) publishProgress(ctx context.Context) {
	if o.bus == nil {
		return
	}
	status, err := o.Status(ctx)
	if err != nil {
		return
	}
	o.mu.Lock()
	changed := !o.hasLast || status != o.last
	o.last = status
	o.hasLast = true
	o.mu.Unlock()
	if changed {
		o.bus.Publish(events.TypeProgress, map[string]any{
			"running":     status.Running,
			"total":       status.Total,
			"pending":     status.Pending,
			"in_progress": status.InProgress,
			"completed":   status.Completed,
		})
	}
}
