package tools

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/starkcore/starkcore/internal/register"
	"github.com/starkcore/starkcore/internal/sandbox"
)

// RegisterBuiltins installs the baseline tool catalogue the spec's
// profiles reference by group. Handlers here are intentionally simple —
// they exist so the registry, policy, and executor have real tools to
// exercise, following the teacher's pattern of one small file per tool
// family (system_tools.go, env_tools.go) rather than one large switch.
func RegisterBuiltins(reg *Registry) {
	reg.MustRegister(Tool{
		Name: "web_search", Group: GroupWeb, Description: "search the web for a query",
		Schema:          []ArgSpec{{Name: "query", Kind: ArgString, Required: true}},
		SideEffectClass: Network,
		Enabled:         true,
		Handler:         webSearchHandler,
	})
	reg.MustRegister(Tool{
		Name: "read_file", Group: GroupFilesystem, Description: "read a UTF-8 text file",
		Schema:          []ArgSpec{{Name: "path", Kind: ArgString, Required: true}},
		SideEffectClass: PureRead,
		Enabled:         true,
		Handler:         readFileHandler,
	})
	reg.MustRegister(Tool{
		Name: "write_file", Group: GroupFilesystem, Description: "write a UTF-8 text file",
		Schema:          []ArgSpec{{Name: "path", Kind: ArgString, Required: true}, {Name: "content", Kind: ArgString, Required: true}},
		SideEffectClass: LocalWrite,
		Enabled:         true,
		Handler:         writeFileHandler,
	})
	reg.MustRegister(Tool{
		Name: "list_files", Group: GroupFilesystem, Description: "list files under a directory",
		Schema:          []ArgSpec{{Name: "path", Kind: ArgString, Required: false, Default: "."}},
		SideEffectClass: PureRead,
		Enabled:         true,
		Handler:         listFilesHandler,
	})
	reg.MustRegister(Tool{
		Name: "exec", Group: GroupExec, Description: "run a shell command",
		Schema:          []ArgSpec{{Name: "command", Kind: ArgString, Required: true}},
		Timeout:         2 * time.Minute,
		SideEffectClass: LocalWrite,
		Enabled:         true,
		Handler:         execHandler,
	})
	reg.MustRegister(Tool{
		Name: "send_message", Group: GroupMessaging, Description: "send a message on the current channel",
		Schema:          []ArgSpec{{Name: "text", Kind: ArgString, Required: true}},
		SideEffectClass: Network,
		Enabled:         true,
		Handler:         noopHandler("message queued for delivery"),
	})
	reg.MustRegister(Tool{
		Name: "system_status", Group: GroupSystem, Description: "report process health and the current time",
		SideEffectClass: PureRead,
		Enabled:         true,
		Handler:         systemStatusHandler,
	})
}

// WireSandbox replaces the "exec" builtin's handler with one that runs
// shell commands through runner instead of a bare exec.Command, giving
// the confirmation/policy pipeline in Executor.Invoke a real confinement
// layer underneath. Called once at startup, after RegisterBuiltins, once
// the sandbox.Runner is available.
func WireSandbox(reg *Registry, runner *sandbox.Runner) {
	t, ok := reg.Get("exec")
	if !ok {
		return
	}
	t.Handler = sandboxedExecHandler(runner)
	reg.Replace(t)
}

func sandboxedExecHandler(runner *sandbox.Runner) Handler {
	return func(ctx context.Context, args map[string]any, reg *register.Register) (Result, error) {
		command, _ := args["command"].(string)
		res, err := runner.RunShell(ctx, command)
		if res == nil {
			return Result{}, fmt.Errorf("exec %q: %w", command, err)
		}
		out := res.Stdout + res.Stderr
		if err != nil {
			return Result{Text: out}, fmt.Errorf("exec %q: %w", command, err)
		}
		if res.ExitCode != 0 {
			return Result{Text: out}, fmt.Errorf("exec %q: exit status %d", command, res.ExitCode)
		}
		return Result{Text: out}, nil
	}
}

func noopHandler(text string) Handler {
	return func(ctx context.Context, args map[string]any, reg *register.Register) (Result, error) {
		return Result{Text: text}, nil
	}
}

func webSearchHandler(ctx context.Context, args map[string]any, reg *register.Register) (Result, error) {
	query, _ := args["query"].(string)
	// No search-provider SDK is wired here; the handler exists to exercise
	// the policy/timeout/audit pipeline for the "web" group. A real
	// provider client would replace this body without touching the
	// executor.
	return Result{Text: fmt.Sprintf("no results configured for query %q", query)}, nil
}

func readFileHandler(ctx context.Context, args map[string]any, reg *register.Register) (Result, error) {
	path, _ := args["path"].(string)
	b, err := os.ReadFile(path)
	if err != nil {
		return Result{}, fmt.Errorf("read %s: %w", path, err)
	}
	return Result{Text: string(b)}, nil
}

func writeFileHandler(ctx context.Context, args map[string]any, reg *register.Register) (Result, error) {
	path, _ := args["path"].(string)
	content, _ := args["content"].(string)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Result{}, fmt.Errorf("mkdir for %s: %w", path, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return Result{}, fmt.Errorf("write %s: %w", path, err)
	}
	return Result{Text: fmt.Sprintf("wrote %d bytes to %s", len(content), path)}, nil
}

func listFilesHandler(ctx context.Context, args map[string]any, reg *register.Register) (Result, error) {
	path, _ := args["path"].(string)
	if path == "" {
		path = "."
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return Result{}, fmt.Errorf("list %s: %w", path, err)
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name()
	}
	return Result{Text: strings.Join(names, "\n")}, nil
}

func execHandler(ctx context.Context, args map[string]any, reg *register.Register) (Result, error) {
	command, _ := args["command"].(string)
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return Result{Text: string(out)}, fmt.Errorf("exec %q: %w", command, err)
	}
	return Result{Text: string(out)}, nil
}

func systemStatusHandler(ctx context.Context, args map[string]any, reg *register.Register) (Result, error) {
	return Result{Text: fmt.Sprintf("ok, uptime reported at %s", time.Now().Format(time.RFC3339))}, nil
}
