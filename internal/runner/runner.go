package runner

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"garrison/internal/config"
	"garrison/internal/engine"
)

// Exec performs the engine's side effects with real processes: git for
// branching and merging, the configured agent command for development work,
// and optional provider commands for camp provisioning and discovery.
type Exec struct {
	Engine   *engine.Engine
	Settings *config.Settings

	// ProvisionCommand provisions one environment; the alias is appended as
	// the final argument. Empty means provisioning succeeds without running
	// anything (local-only setups).
	ProvisionCommand []string
	// DiscoverCommand prints one environment alias per line. Empty means
	// discovery finds nothing.
	DiscoverCommand []string
	// LogDir receives one agent log per conscript.
	LogDir string

	mu     sync.Mutex
	agents map[string]*agentProc
}

type agentProc struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
}

func NewExec(e *engine.Engine, settings *config.Settings, logDir string) *Exec {
	if logDir == "" {
		logDir = filepath.Join(".garrison", "logs")
	}
	return &Exec{
		Engine:   e,
		Settings: settings,
		LogDir:   logDir,
		agents:   make(map[string]*agentProc),
	}
}

// Provision runs the provider command and streams its output lines.
func (x *Exec) Provision(ctx context.Context, alias string, out engine.ProvisionSink) error {
	if len(x.ProvisionCommand) == 0 {
		return nil
	}
	args := append(append([]string(nil), x.ProvisionCommand[1:]...), alias)
	cmd := exec.CommandContext(ctx, x.ProvisionCommand[0], args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	cmd.Stderr = cmd.Stdout
	if err := cmd.Start(); err != nil {
		return err
	}
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		if out != nil {
			out(scanner.Text())
		}
	}
	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("provision %s: %w", alias, err)
	}
	return scanner.Err()
}

// ListEnvironments runs the discover command and parses one alias per line.
func (x *Exec) ListEnvironments(ctx context.Context) ([]string, error) {
	if len(x.DiscoverCommand) == 0 {
		return nil, nil
	}
	cmd := exec.CommandContext(ctx, x.DiscoverCommand[0], x.DiscoverCommand[1:]...)
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("discover environments: %w", err)
	}
	var aliases []string
	for _, line := range strings.Split(string(out), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			aliases = append(aliases, line)
		}
	}
	return aliases, nil
}

// CreateBranch creates (or reuses) the work branch in workDir.
func (x *Exec) CreateBranch(ctx context.Context, workDir, branch string) error {
	if err := git(ctx, workDir, "rev-parse", "--verify", "refs/heads/"+branch); err == nil {
		return git(ctx, workDir, "checkout", branch)
	}
	return git(ctx, workDir, "checkout", "-b", branch)
}

// StartAgent runs the agent process to completion, logging its output, and
// reports the outcome back into the lifecycle.
func (x *Exec) StartAgent(ctx context.Context, req engine.AgentRequest) error {
	args := append(append([]string(nil), x.Settings.Agent.Args...), "-p", req.Prompt)
	cmd := exec.CommandContext(ctx, x.Settings.Agent.Command, args...)
	cmd.Dir = req.WorkDir

	if err := os.MkdirAll(x.LogDir, 0o755); err != nil {
		return err
	}
	logFile, err := os.Create(filepath.Join(x.LogDir, req.ConscriptID+".log"))
	if err != nil {
		return err
	}
	defer logFile.Close()
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}
	x.mu.Lock()
	x.agents[req.ConscriptID] = &agentProc{cmd: cmd, stdin: stdin}
	x.mu.Unlock()
	defer func() {
		x.mu.Lock()
		delete(x.agents, req.ConscriptID)
		x.mu.Unlock()
	}()

	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("agent exited: %w", err)
	}
	_, err = x.Engine.AgentCompleted(ctx, req.ConscriptID)
	return err
}

// SendAgentInput writes a line to the running agent's stdin.
func (x *Exec) SendAgentInput(ctx context.Context, conscriptID, text string) error {
	x.mu.Lock()
	proc := x.agents[conscriptID]
	x.mu.Unlock()
	if proc == nil {
		return fmt.Errorf("no agent running for conscript %s", conscriptID)
	}
	_, err := io.WriteString(proc.stdin, text+"\n")
	return err
}

// Merge folds the work branch into the branch workDir currently has checked
// out.
func (x *Exec) Merge(ctx context.Context, workDir, branch string) error {
	return git(ctx, workDir, "merge", "--no-ff", branch)
}

func git(ctx context.Context, dir string, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", dir}, args...)...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("git %s: %w\n%s", strings.Join(args, " "), err, out)
	}
	return nil
}
