package sandbox

import (
	"fmt"
	"os"
	"regexp"
	"strings"
)

// Policy enforces security rules on execution requests: command
// allowlisting, environment variable filtering, and content scanning.
type Policy struct {
	cfg Config

	allowedBins   map[string]bool
	blockedEnvSet map[string]bool
	allowedEnvSet map[string]bool
	scanRules     []ScanRule
}

// ScanRule defines a pattern to detect in script content.
type ScanRule struct {
	Name     string
	Severity string // "critical", "warn"
	Pattern  *regexp.Regexp
	Message  string
}

// ScanResult reports a detected issue in script content.
type ScanResult struct {
	Rule     string
	Severity string
	Message  string
	Line     int
	Content  string
}

// NewPolicy creates a Policy from the sandbox config.
func NewPolicy(cfg Config) *Policy {
	p := &Policy{
		cfg:           cfg,
		allowedBins:   defaultAllowedBins(),
		blockedEnvSet: make(map[string]bool),
		allowedEnvSet: make(map[string]bool),
		scanRules:     defaultScanRules(),
	}
	for _, env := range cfg.BlockedEnv {
		p.blockedEnvSet[env] = true
	}
	for _, env := range cfg.AllowedEnv {
		p.allowedEnvSet[env] = true
	}
	return p
}

// Validate checks whether an execution request is allowed.
func (p *Policy) Validate(req *ExecRequest) error {
	if req.Isolation == IsolationNone {
		return nil
	}
	if req.Script != "" {
		info, err := os.Stat(req.Script)
		if err != nil {
			return fmt.Errorf("script not found: %s", req.Script)
		}
		if info.IsDir() {
			return fmt.Errorf("script path is a directory: %s", req.Script)
		}
	}
	return nil
}

// FilterEnv returns a new map containing only the env vars the policy allows.
func (p *Policy) FilterEnv(env map[string]string) map[string]string {
	filtered := make(map[string]string)
	for k, v := range env {
		if p.blockedEnvSet[k] || hasBlockedPrefix(k) {
			continue
		}
		if len(p.allowedEnvSet) > 0 && !p.allowedEnvSet[k] {
			continue
		}
		filtered[k] = v
	}
	return filtered
}

func hasBlockedPrefix(name string) bool {
	for _, prefix := range blockedEnvPrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

// ScanScript analyzes non-shell script content for dangerous patterns.
func (p *Policy) ScanScript(content string) []ScanResult {
	var results []ScanResult
	for i, line := range strings.Split(content, "\n") {
		for _, rule := range p.scanRules {
			if rule.Pattern.MatchString(line) {
				results = append(results, ScanResult{
					Rule: rule.Name, Severity: rule.Severity, Message: rule.Message,
					Line: i + 1, Content: strings.TrimSpace(line),
				})
			}
		}
	}
	return results
}

// ScanShellScript analyzes shell content with a separate rule set, since
// $VAR syntax is valid in shell and shouldn't trip the language-confusion rule.
func (p *Policy) ScanShellScript(content string) []ScanResult {
	var results []ScanResult
	for i, line := range strings.Split(content, "\n") {
		for _, rule := range defaultShellScanRules() {
			if rule.Pattern.MatchString(line) {
				results = append(results, ScanResult{
					Rule: rule.Name, Severity: rule.Severity, Message: rule.Message,
					Line: i + 1, Content: strings.TrimSpace(line),
				})
			}
		}
	}
	return results
}

// HasCritical reports whether any scan result is critical severity.
func HasCritical(results []ScanResult) bool {
	for _, r := range results {
		if r.Severity == "critical" {
			return true
		}
	}
	return false
}

// IsBinAllowed checks if a binary is in the allowlist.
func (p *Policy) IsBinAllowed(bin string) bool { return p.allowedBins[bin] }

// AddAllowedBin adds a binary to the safe execution list.
func (p *Policy) AddAllowedBin(bin string) { p.allowedBins[bin] = true }

func defaultAllowedBins() map[string]bool {
	return map[string]bool{
		"python3": true, "python": true,
		"node": true, "npx": true, "bun": true,
		"sh": true, "bash": true,
		"npm": true, "pip": true, "uv": true,
		"jq": true, "yq": true,
		"grep": true, "rg": true,
		"cut": true, "sort": true, "uniq": true,
		"head": true, "tail": true,
		"tr": true, "wc": true,
		"cat": true, "echo": true, "printf": true,
		"date": true, "env": true,
		"curl": true, "wget": true,
		"base64": true, "sha256sum": true, "md5sum": true,
		"git": true,
	}
}

func defaultScanRules() []ScanRule {
	return []ScanRule{
		{
			Name: "python-exec", Severity: "critical",
			Pattern: regexp.MustCompile(`(?i)\b(exec|eval)\s*\(`),
			Message: "dynamic code execution detected (exec/eval)",
		},
		{
			Name: "python-subprocess-shell", Severity: "critical",
			Pattern: regexp.MustCompile(`subprocess\.(call|run|Popen)\s*\([^)]*shell\s*=\s*True`),
			Message: "subprocess with shell=True (command injection risk)",
		},
		{
			Name: "node-eval", Severity: "critical",
			Pattern: regexp.MustCompile(`\b(eval|new\s+Function)\s*\(`),
			Message: "dynamic code execution (eval/new Function)",
		},
		{
			Name: "node-child-process", Severity: "critical",
			Pattern: regexp.MustCompile(`require\s*\(\s*['"]child_process['"]\s*\)`),
			Message: "direct child_process import (exec/spawn)",
		},
		{
			Name: "reverse-shell", Severity: "critical",
			Pattern: regexp.MustCompile(`(?i)(\/dev\/tcp\/|nc\s+-[a-z]*e|bash\s+-i\s+>&|python.*socket.*connect)`),
			Message: "possible reverse shell",
		},
		{
			Name: "exfiltration", Severity: "warn",
			Pattern: regexp.MustCompile(`(?i)(readFile|open\s*\([^)]*\/etc\/(passwd|shadow)|\.ssh\/)`),
			Message: "potential access of sensitive files",
		},
		{
			Name: "obfuscation-base64-exec", Severity: "warn",
			Pattern: regexp.MustCompile(`(?i)(base64.*decode|atob)\s*\([^)]+\)\s*\)`),
			Message: "base64 decode + execute pattern",
		},
		{
			Name: "shell-env-injection", Severity: "critical",
			Pattern: regexp.MustCompile(`\$[A-Z_][A-Z0-9_]{2,}`),
			Message: "shell-style env var reference in a non-shell script (possible language confusion)",
		},
	}
}

func defaultShellScanRules() []ScanRule {
	return []ScanRule{
		{
			Name: "shell-reverse-shell", Severity: "critical",
			Pattern: regexp.MustCompile(`(?i)(\/dev\/tcp\/|nc\s+-[a-z]*e|bash\s+-i\s+>&|python.*socket.*connect)`),
			Message: "possible reverse shell",
		},
		{
			Name: "shell-file-write-flag", Severity: "critical",
			Pattern: regexp.MustCompile(`\b(sort\s+.*-o|grep\s+.*-f\s+\S|jq\s+.*-f\s+\S|curl\s+.*-[oO]\s+\S|wget\s+.*-O\s+\S)`),
			Message: "flag writes output to a file path outside the temp directory",
		},
		{
			Name: "shell-sensitive-read", Severity: "critical",
			Pattern: regexp.MustCompile(`(?i)(cat|head|tail|less|more|grep)\s+.*\/(?:etc\/(?:passwd|shadow|sudoers)|root\/|\.ssh\/)`),
			Message: "attempt to read a sensitive system file",
		},
		{
			Name: "shell-base64-exec", Severity: "warn",
			Pattern: regexp.MustCompile(`(?i)(base64\s+.*\|\s*(bash|sh|eval)|echo\s+[A-Za-z0-9+/]{20,}.*\|\s*(base64|bash|sh))`),
			Message: "base64-encoded payload piped to a shell interpreter",
		},
	}
}
