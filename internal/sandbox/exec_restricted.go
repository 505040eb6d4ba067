//go:build !windows

// Package sandbox – exec_restricted.go implements the restricted executor
// using Linux namespaces for lightweight process isolation:
//
//   - PID namespace isolation (process can't see other processes)
//   - Network namespace isolation (blocks network unless AllowNetwork)
//   - User namespace so the child runs unprivileged
//   - Filtered environment variables
//
// Requires Linux with user namespaces enabled. Falls back to
// DirectExecutor on other systems (see Runner.fallbackExecutor).
package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
)

// trustedBinDirs are the only directories from which interpreter binaries
// may be resolved. This prevents PATH-hijacking, where a writable
// directory earlier in PATH shadows a trusted system binary.
var trustedBinDirs = []string{
	"/usr/local/bin", "/usr/bin", "/bin",
	"/usr/local/sbin", "/usr/sbin", "/sbin",
}

// RestrictedExecutor runs commands with Linux namespace isolation.
type RestrictedExecutor struct {
	cfg    Config
	logger *slog.Logger
}

func NewRestrictedExecutor(cfg Config, logger *slog.Logger) *RestrictedExecutor {
	return &RestrictedExecutor{cfg: cfg, logger: logger}
}

func (e *RestrictedExecutor) Execute(ctx context.Context, req *ExecRequest) (*ExecResult, error) {
	if !e.Available() {
		return nil, fmt.Errorf("restricted executor not available on %s", runtime.GOOS)
	}

	cmd, err := e.buildCommand(ctx, req)
	if err != nil {
		return nil, err
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if req.Stdin != "" {
		cmd.Stdin = strings.NewReader(req.Stdin)
	}

	err = cmd.Run()
	result := &ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}

	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
			if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
				result.Killed = true
				switch status.Signal() {
				case syscall.SIGKILL:
					result.KillReason = "killed (possible OOM)"
				case syscall.SIGXCPU:
					result.KillReason = "cpu_limit"
				default:
					result.KillReason = fmt.Sprintf("signal_%d", status.Signal())
				}
			}
			if ctx.Err() != nil {
				result.Killed = true
				result.KillReason = "timeout"
			}
		} else {
			return result, fmt.Errorf("executing command: %w", err)
		}
	}
	return result, nil
}

// Available checks if Linux user namespaces are usable on this host.
func (e *RestrictedExecutor) Available() bool {
	if runtime.GOOS != "linux" {
		return false
	}
	data, err := os.ReadFile("/proc/sys/kernel/unprivileged_userns_clone")
	if err == nil {
		return strings.TrimSpace(string(data)) == "1"
	}
	return true
}

func (e *RestrictedExecutor) Name() string { return "restricted" }
func (e *RestrictedExecutor) Close() error { return nil }

func (e *RestrictedExecutor) buildCommand(ctx context.Context, req *ExecRequest) (*exec.Cmd, error) {
	bin, args := resolveInterpreter(e.cfg, req)

	verified, err := verifyTrustedBin(bin)
	if err != nil {
		return nil, fmt.Errorf("interpreter path verification failed for %q: %w", bin, err)
	}
	bin = verified

	cmd := exec.CommandContext(ctx, bin, args...)
	if req.WorkDir != "" {
		cmd.Dir = req.WorkDir
	}
	cmd.Env = e.buildEnv(req)

	allowNet := e.cfg.AllowNetwork != nil && *e.cfg.AllowNetwork
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
		Cloneflags: syscall.CLONE_NEWPID |
			syscall.CLONE_NEWNS |
			syscall.CLONE_NEWUSER |
			e.netCloneFlag(allowNet),
		UidMappings: []syscall.SysProcIDMap{{ContainerID: 0, HostID: os.Getuid(), Size: 1}},
		GidMappings: []syscall.SysProcIDMap{{ContainerID: 0, HostID: os.Getgid(), Size: 1}},
	}

	cmd.Cancel = func() error {
		if cmd.Process != nil {
			return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
		return nil
	}
	return cmd, nil
}

func (e *RestrictedExecutor) netCloneFlag(allowNet bool) uintptr {
	if !allowNet {
		return syscall.CLONE_NEWNET
	}
	return 0
}

func (e *RestrictedExecutor) buildEnv(req *ExecRequest) []string {
	env := []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"LANG=en_US.UTF-8",
		"LC_ALL=en_US.UTF-8",
		"TERM=xterm",
	}
	for k, v := range req.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	return env
}

func resolveInterpreter(cfg Config, req *ExecRequest) (string, []string) {
	if req.Script == "" && req.Command != "" {
		interpreter := cfg.Runtimes[RuntimeShell]
		if interpreter == "" {
			interpreter = "/bin/sh"
		}
		return interpreter, []string{"-c", req.Command}
	}

	interpreter := cfg.Runtimes[req.Runtime]
	switch req.Runtime {
	case RuntimePython:
		if interpreter == "" {
			interpreter = "python3"
		}
		return interpreter, append([]string{"-u", req.Script}, req.Args...)
	case RuntimeNode:
		if interpreter == "" {
			interpreter = "node"
		}
		return interpreter, append([]string{req.Script}, req.Args...)
	case RuntimeShell:
		if interpreter == "" {
			interpreter = "/bin/sh"
		}
		return interpreter, append([]string{req.Script}, req.Args...)
	default:
		return req.Script, req.Args
	}
}

// verifyTrustedBin resolves a binary name via exec.LookPath and confirms
// the resolved path is rooted under one of trustedBinDirs, preventing a
// malicious directory earlier in PATH from shadowing a system interpreter.
func verifyTrustedBin(name string) (string, error) {
	resolved, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("binary not found: %w", err)
	}
	resolved = filepath.Clean(resolved)
	for _, trusted := range trustedBinDirs {
		if resolved == trusted || strings.HasPrefix(resolved, trusted+"/") {
			return resolved, nil
		}
	}
	return "", fmt.Errorf("resolved binary %q is not in a trusted directory (allowed: %v)", resolved, trustedBinDirs)
}
