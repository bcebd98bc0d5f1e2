package domain

import "time"

// Directive statuses.
const (
	DirectiveBacklog    = "backlog"
	DirectiveReady      = "ready"
	DirectiveInProgress = "in_progress"
	DirectiveQAReview   = "qa_review"
	DirectiveApproved   = "approved"
	DirectiveMerged     = "merged"
	DirectiveRejected   = "rejected"
)

// Directive priorities.
const (
	PriorityLow      = "low"
	PriorityMedium   = "medium"
	PriorityHigh     = "high"
	PriorityCritical = "critical"
)

// Directive sources.
const (
	SourceManual   = "manual"
	SourceExternal = "external"
)

// Conscript statuses.
const (
	ConscriptIdle         = "idle"
	ConscriptAssigned     = "assigned"
	ConscriptBranching    = "branching"
	ConscriptProvisioning = "provisioning"
	ConscriptDeveloping   = "developing"
	ConscriptNeedsInput   = "needs_input"
	ConscriptQAReady      = "qa_ready"
	ConscriptMerging      = "merging"
	ConscriptRework       = "rework"
	ConscriptError        = "error"
)

// Camp derived statuses.
const (
	CampAvailable = "available"
	CampLeased    = "leased"
	CampExpired   = "expired"
	CampError     = "error"
)

// Chat entry roles.
const (
	RoleUser   = "user"
	RoleAgent  = "agent"
	RoleSystem = "system"
)

// Directive is a unit of work. DependsOn edges form a DAG; a directive is
// dispatchable only when every dependency has reached merged or approved.
type Directive struct {
	ID                  string   `json:"id"`
	Title               string   `json:"title"`
	Description         string   `json:"description,omitempty"`
	AcceptanceCriteria  string   `json:"acceptance_criteria,omitempty"`
	Labels              []string `json:"labels,omitempty"`
	Priority            string   `json:"priority" enum:"low,medium,high,critical"`
	Status              string   `json:"status" enum:"backlog,ready,in_progress,qa_review,approved,merged,rejected"`
	Source              string   `json:"source" enum:"manual,external"`
	RequiresCamp        bool     `json:"requires_camp"`
	DependsOn           []string `json:"depends_on,omitempty"`
	AssignedConscriptID *string  `json:"assigned_conscript_id,omitempty"`
	CreatedAt           string   `json:"created_at" format:"date-time"`
	UpdatedAt           string   `json:"updated_at" format:"date-time"`
}

// Terminal reports whether the directive has reached a terminal outcome.
func (d Directive) Terminal() bool {
	return d.Status == DirectiveMerged || d.Status == DirectiveRejected
}

// Satisfies reports whether the directive counts as a completed dependency.
func (d Directive) Satisfies() bool {
	return d.Status == DirectiveMerged || d.Status == DirectiveApproved
}

// Conscript is an agent execution slot working at most one directive at a time.
// ResumeStatus remembers the working state to return to after an error.
type Conscript struct {
	ID                  string  `json:"id"`
	Name                string  `json:"name"`
	Status              string  `json:"status" enum:"idle,assigned,branching,provisioning,developing,needs_input,qa_ready,merging,rework,error"`
	AssignedDirectiveID *string `json:"assigned_directive_id,omitempty"`
	AssignedCampAlias   *string `json:"assigned_camp_alias,omitempty"`
	BranchName          *string `json:"branch_name,omitempty"`
	ResumeStatus        *string `json:"resume_status,omitempty"`
	LastError           *string `json:"last_error,omitempty"`
	CreatedAt           string  `json:"created_at" format:"date-time"`
	UpdatedAt           string  `json:"updated_at" format:"date-time"`
}

// Camp is a leasable ephemeral development environment. Status is derived,
// never stored: see EffectiveStatus.
type Camp struct {
	ID                   string   `json:"id"`
	Alias                string   `json:"alias"`
	AssignedConscriptIDs []string `json:"assigned_conscript_ids,omitempty"`
	ExpiresAt            *string  `json:"expires_at,omitempty" format:"date-time"`
	ErrorMsg             *string  `json:"error,omitempty"`
	CreatedAt            string   `json:"created_at" format:"date-time"`
}

// EffectiveStatus derives the camp status at the given instant. Expiry wins
// over lease state; an error mark wins over availability.
func (c Camp) EffectiveStatus(now time.Time) string {
	if c.ExpiresAt != nil {
		if exp, err := time.Parse(time.RFC3339, *c.ExpiresAt); err == nil && !now.Before(exp) {
			return CampExpired
		}
	}
	if c.ErrorMsg != nil {
		return CampError
	}
	if len(c.AssignedConscriptIDs) > 0 {
		return CampLeased
	}
	return CampAvailable
}

// ChatEntry is one line of a conscript's conversation history. System entries
// carry review feedback and failure reports.
type ChatEntry struct {
	ID          int64   `json:"id"`
	ConscriptID string  `json:"conscript_id"`
	DirectiveID *string `json:"directive_id,omitempty"`
	Role        string  `json:"role" enum:"user,agent,system"`
	Body        string  `json:"body"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
}

// Event is one row of the append-only audit log.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// OrchestratorStatus is the dispatcher's recomputed snapshot over its loaded
// queue. Completed counts terminal outcomes (merged or rejected).
type OrchestratorStatus struct {
	Running    bool `json:"running"`
	Total      int  `json:"total"`
	Pending    int  `json:"pending"`
	InProgress int  `json:"in_progress"`
	Completed  int  `json:"completed"`
}

// PoolStatus summarizes the camp pool and provider quota usage.
type PoolStatus struct {
	Total      int `json:"total"`
	Available  int `json:"available"`
	Leased     int `json:"leased"`
	Expired    int `json:"expired"`
	ActiveUsed int `json:"active_used"`
	ActiveMax  int `json:"active_max"`
	DailyUsed  int `json:"daily_used"`
	DailyMax   int `json:"daily_max"`
}

// ValidDirectiveStatus reports whether s is a known directive status.
func ValidDirectiveStatus(s string) bool {
	switch s {
	case DirectiveBacklog, DirectiveReady, DirectiveInProgress, DirectiveQAReview,
		DirectiveApproved, DirectiveMerged, DirectiveRejected:
		return true
	}
	return false
}

// ValidPriority reports whether p is a known priority.
func ValidPriority(p string) bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// ValidConscriptStatus reports whether s is a known conscript status.
func ValidConscriptStatus(s string) bool {
	switch s {
	case ConscriptIdle, ConscriptAssigned, ConscriptBranching, ConscriptProvisioning,
		ConscriptDeveloping, ConscriptNeedsInput, ConscriptQAReady, ConscriptMerging,
		ConscriptRework, ConscriptError:
		return true
	}
	return false
}
