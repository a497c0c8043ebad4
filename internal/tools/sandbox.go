package tools

import (
	"fmt"
	"time"

	"github.com/JJ-Ju/multi-cli/internal/config"
)

// Sandbox holds the filesystem and terminal that built-in tools operate through.
type Sandbox struct {
	FS       *Filesystem
	Terminal *Terminal
}

var defaultNetworkDenied = []string{
	"curl", "wget", "ping", "nc", "netcat", "telnet", "ssh", "scp", "sftp",
}

// NewSandbox builds filesystem and terminal access respecting config flags.
// baseDir overrides sandbox.working_dir when set.
func NewSandbox(baseDir string, sandboxCfg config.SandboxConfig, toolsCfg config.ToolsConfig) (*Sandbox, error) {
	if baseDir == "" {
		baseDir = sandboxCfg.WorkingDir
	}
	fsTool, err := NewFilesystem(baseDir, sandboxCfg.AllowWrite && toolsCfg.AllowFileWrite)
	if err != nil {
		return nil, fmt.Errorf("build filesystem tool: %w", err)
	}

	denied := append([]string{}, sandboxCfg.DeniedCommands...)
	if !sandboxCfg.AllowNetwork {
		denied = append(denied, defaultNetworkDenied...)
	}

	timeout := time.Duration(toolsCfg.ExecTimeoutSeconds) * time.Second
	if sandboxTimeout := time.Duration(sandboxCfg.TimeoutSeconds) * time.Second; sandboxTimeout > 0 && (timeout == 0 || sandboxTimeout < timeout) {
		timeout = sandboxTimeout
	}

	term := &Terminal{
		WorkingDir:     fsTool.Guard().BaseDir,
		Allowed:        sandboxCfg.AllowedCommands,
		Denied:         dedupeStrings(denied),
		Timeout:        timeout,
		AllowExecution: toolsCfg.AllowExec && sandboxCfg.Enabled,
	}

	return &Sandbox{
		FS:       fsTool,
		Terminal: term,
	}, nil
}

func dedupeStrings(values []string) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
