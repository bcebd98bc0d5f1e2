package engine

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"garrison/internal/config"
	"garrison/internal/domain"
	"garrison/internal/events"
	"garrison/internal/repo"
)

// Engine owns the orchestration core: the conscript lifecycle state machine,
// the camp pool and the directive store. Every multi-record mutation runs in
// one transaction under the affected conscript's mutex (and the pool mutex
// when a camp is involved), always acquired conscript before pool.
type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Bus      *events.Bus
	Settings *config.Settings
	Runner   Runner
	Now      func() time.Time

	mu             sync.Mutex
	conscriptLocks map[string]*sync.Mutex
	poolLock       sync.Mutex
	provisioning   map[string]bool // camp aliases with a provision in flight
}

func New(db *sql.DB, settings *config.Settings, bus *events.Bus) *Engine {
	e := &Engine{
		DB:             db,
		Repo:           repo.Repo{DB: db},
		Bus:            bus,
		Settings:       settings,
		Now:            time.Now,
		conscriptLocks: make(map[string]*sync.Mutex),
		provisioning:   make(map[string]bool),
	}
	// The writer reads the clock through the engine so audit rows follow
	// a replaced Now as well.
	e.Events = events.Writer{DB: db, Now: e.now}
	return e
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) nowStr() string {
	return e.now().UTC().Format(time.RFC3339)
}

// lockConscript serializes all transitions for one conscript.
func (e *Engine) lockConscript(id string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.conscriptLocks[id]
	if !ok {
		m = &sync.Mutex{}
		e.conscriptLocks[id] = m
	}
	return m
}

func (e *Engine) dropConscriptLock(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.conscriptLocks, id)
}

func (e *Engine) markProvisioning(alias string, v bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if v {
		e.provisioning[alias] = true
	} else {
		delete(e.provisioning, alias)
	}
}

// CampProvisioning reports whether alias has a provision in flight.
func (e *Engine) CampProvisioning(alias string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.provisioning[alias]
}

// publishStatus emits the per-transition notification stream. Called after
// the transaction committed, never under a lock held for I/O.
func (e *Engine) publishStatus(c domain.Conscript, event string) {
	if e.Bus == nil {
		return
	}
	e.Bus.Publish(events.TypeStatusChanged, map[string]any{
		"conscript_id": c.ID,
		"status":       c.Status,
	})
	data := map[string]any{
		"conscript_id": c.ID,
		"name":         c.Name,
		"status":       c.Status,
	}
	if event != "" {
		data["event"] = event
	}
	e.Bus.Publish(events.TypeNotification, data)
}

// begin starts a write transaction.
func (e *Engine) begin(ctx context.Context) (*sql.Tx, error) {
	return e.DB.BeginTx(ctx, nil)
}
