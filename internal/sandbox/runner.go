// Package sandbox – runner.go implements the Runner that dispatches
// execution to the appropriate backend and applies the security policy.
package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Runner is the main execution manager. It selects the appropriate
// sandbox backend based on isolation level and dispatches requests.
type Runner struct {
	cfg       Config
	policy    *Policy
	logger    *slog.Logger
	executors map[IsolationLevel]Executor
	mu        sync.RWMutex
}

// NewRunner creates a Runner from the given configuration.
func NewRunner(cfg Config, logger *slog.Logger) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid sandbox config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	r := &Runner{
		cfg:       cfg,
		policy:    NewPolicy(cfg),
		logger:    logger.With("component", "sandbox"),
		executors: make(map[IsolationLevel]Executor),
	}

	r.executors[IsolationNone] = NewDirectExecutor(cfg, logger)

	restricted := NewRestrictedExecutor(cfg, logger)
	if restricted.Available() {
		r.executors[IsolationRestricted] = restricted
		logger.Info("sandbox: restricted executor available (Linux namespaces)")
	} else {
		logger.Warn("sandbox: restricted executor not available, falling back to direct")
	}

	return r, nil
}

// Run executes a command with the configured sandbox.
func (r *Runner) Run(ctx context.Context, req *ExecRequest) (*ExecResult, error) {
	if req.Isolation == "" {
		req.Isolation = r.cfg.DefaultIsolation
	}
	if req.Timeout == 0 {
		req.Timeout = r.cfg.Timeout
	}
	if req.Runtime == "" && req.Script != "" {
		req.Runtime = DetectRuntime(req.Script)
	} else if req.Runtime == "" && req.Command != "" {
		req.Runtime = RuntimeShell
	}

	if err := r.policy.Validate(req); err != nil {
		return &ExecResult{ExitCode: 1, Stderr: fmt.Sprintf("policy violation: %s", err), Killed: true, KillReason: "policy_violation"}, err
	}

	if req.Script != "" && (req.Runtime == RuntimePython || req.Runtime == RuntimeNode) {
		if content, err := os.ReadFile(req.Script); err == nil {
			if results := r.policy.ScanScript(string(content)); HasCritical(results) {
				return r.blockedResult(req.Script, results)
			}
		}
	}
	if req.Command != "" && req.Runtime == RuntimeShell {
		if results := r.policy.ScanShellScript(req.Command); HasCritical(results) {
			return r.blockedResult("<inline command>", results)
		}
	}

	req.Env = r.policy.FilterEnv(req.Env)

	tmpDir, err := r.prepareTempDir()
	if err != nil {
		return nil, fmt.Errorf("preparing temp dir: %w", err)
	}
	if req.Env == nil {
		req.Env = make(map[string]string)
	}
	req.Env["STARKCORE_TMPDIR"] = tmpDir
	req.Env["TMPDIR"] = tmpDir
	req.Env["HOME"] = tmpDir
	if req.WorkDir == "" {
		req.WorkDir = tmpDir
	}

	r.mu.RLock()
	executor, ok := r.executors[req.Isolation]
	r.mu.RUnlock()
	if !ok {
		executor = r.fallbackExecutor()
		if executor == nil {
			return nil, fmt.Errorf("no executor available for isolation level %q", req.Isolation)
		}
		r.logger.Warn("sandbox: falling back executor", "requested", req.Isolation, "using", executor.Name())
	}

	execCtx, cancel := context.WithTimeout(ctx, req.Timeout)
	defer cancel()

	r.logger.Info("sandbox: executing", "runtime", req.Runtime, "isolation", req.Isolation, "executor", executor.Name(), "timeout", req.Timeout)

	start := time.Now()
	result, err := executor.Execute(execCtx, req)
	if result != nil {
		result.Duration = time.Since(start)
		r.truncateOutput(result)
	}
	if err != nil {
		r.logger.Error("sandbox: execution failed", "error", err, "duration", time.Since(start))
	}
	return result, err
}

func (r *Runner) blockedResult(target string, results []ScanResult) (*ExecResult, error) {
	var msgs []string
	for _, res := range results {
		if res.Severity == "critical" {
			msgs = append(msgs, fmt.Sprintf("line %d: %s (%s)", res.Line, res.Message, res.Content))
		}
	}
	errMsg := fmt.Sprintf("preflight blocked %s: %v", target, msgs)
	r.logger.Warn("sandbox: preflight scan blocked execution", "target", target, "findings", len(results))
	return &ExecResult{ExitCode: 1, Stderr: errMsg, Killed: true, KillReason: "preflight_blocked"}, fmt.Errorf("%s", errMsg)
}

// RunShell is a convenience method for running an inline shell command.
func (r *Runner) RunShell(ctx context.Context, command string) (*ExecResult, error) {
	return r.Run(ctx, &ExecRequest{Runtime: RuntimeShell, Command: command})
}

// Close releases all executor resources.
func (r *Runner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for _, exec := range r.executors {
		if err := exec.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("closing executors: %v", errs)
	}
	return nil
}

func (r *Runner) fallbackExecutor() Executor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, level := range []IsolationLevel{IsolationRestricted, IsolationNone} {
		if exec, ok := r.executors[level]; ok {
			return exec
		}
	}
	return nil
}

func (r *Runner) prepareTempDir() (string, error) {
	baseDir := r.cfg.TempDir
	if baseDir == "" {
		baseDir = filepath.Join(os.TempDir(), "starkcore-sandbox")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return "", err
	}
	return os.MkdirTemp(baseDir, "exec-*")
}

func (r *Runner) truncateOutput(result *ExecResult) {
	max := int(r.cfg.MaxOutputBytes)
	if max <= 0 {
		return
	}
	if len(result.Stdout) > max {
		result.Stdout = result.Stdout[:max] + "\n... [output truncated]"
	}
	if len(result.Stderr) > max {
		result.Stderr = result.Stderr[:max] + "\n... [output truncated]"
	}
}
