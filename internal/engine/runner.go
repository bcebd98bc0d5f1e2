package engine

import "context"

// ProvisionSink receives provisioning progress lines as they are produced.
type ProvisionSink func(line string)

// AgentRequest carries everything an agent process needs to start work.
type AgentRequest struct {
	ConscriptID string
	DirectiveID string
	Branch      string
	WorkDir     string
	Prompt      string
}

// Runner executes the long-running side effects of conscript transitions:
// environment provisioning, branch creation, agent processes and merges.
// Implementations run outside the engine's locks and report outcomes back
// through the engine's transition operations. A nil Runner makes every side
// effect an immediate success, which keeps the state machine fully drivable
// in tests and in dry-run setups.
type Runner interface {
	Provision(ctx context.Context, alias string, out ProvisionSink) error
	ListEnvironments(ctx context.Context) ([]string, error)
	CreateBranch(ctx context.Context, workDir, branch string) error
	StartAgent(ctx context.Context, req AgentRequest) error
	SendAgentInput(ctx context.Context, conscriptID, text string) error
	Merge(ctx context.Context, workDir, branch string) error
}
