package engine

import (
	"errors"
	"fmt"
)

// ErrResourceUnavailable signals there is no idle conscript or available camp
// to satisfy a claim right now. Callers treat it as "try later", not a fault.
var ErrResourceUnavailable = errors.New("resource unavailable")

// InvalidTransitionError reports a lifecycle operation attempted from a
// disallowed state. It is surfaced to the caller and never retried blindly.
type InvalidTransitionError struct {
	ConscriptID string
	Current     string
	Requested   string
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("conscript %s: invalid transition %s -> %s", e.ConscriptID, e.Current, e.Requested)
}

// DependencyUnsatisfiedError reports a directive blocked by incomplete
// dependencies. The orchestrator skips such directives silently.
type DependencyUnsatisfiedError struct {
	DirectiveID string
	Missing     []string
}

func (e DependencyUnsatisfiedError) Error() string {
	return fmt.Sprintf("directive %s: dependencies not satisfied: %v", e.DirectiveID, e.Missing)
}

// CapacityExceededError reports a camp at its sharing limit.
type CapacityExceededError struct {
	CampAlias string
	Capacity  int
}

func (e CapacityExceededError) Error() string {
	return fmt.Sprintf("camp %s: capacity %d reached", e.CampAlias, e.Capacity)
}

// ExternalFailureError wraps a provisioning, branching, agent or merge
// failure. It drives the conscript to the error state and requires human
// action; there is no automatic retry.
type ExternalFailureError struct {
	Stage string
	Err   error
}

func (e ExternalFailureError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
}

func (e ExternalFailureError) Unwrap() error { return e.Err }
