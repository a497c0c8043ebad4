package tools

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JJ-Ju/multi-cli/internal/config"
)

func TestSandboxRespectsAllowExec(t *testing.T) {
	sb, err := NewSandbox(t.TempDir(), config.SandboxConfig{
		Enabled:         true,
		AllowWrite:      true,
		AllowedCommands: []string{"echo"},
		TimeoutSeconds:  5,
	}, config.ToolsConfig{
		AllowExec:          true,
		AllowFileWrite:     true,
		ExecTimeoutSeconds: 30,
	})
	require.NoError(t, err)
	require.True(t, sb.Terminal.AllowExecution)
	require.Equal(t, 5*time.Second, sb.Terminal.Timeout)
	require.Equal(t, sb.FS.Guard().BaseDir, sb.Terminal.WorkingDir)
	require.True(t, sb.FS.AllowWrite())
}

func TestSandboxDisablesExecWhenConfigFalse(t *testing.T) {
	sb, err := NewSandbox(t.TempDir(), config.SandboxConfig{
		Enabled:        true,
		TimeoutSeconds: 5,
	}, config.ToolsConfig{
		AllowExec:      false,
		AllowFileWrite: true,
	})
	require.NoError(t, err)
	require.False(t, sb.Terminal.AllowExecution)
	require.False(t, sb.FS.AllowWrite(), "sandbox.allow_write gates file writes")
}

func TestSandboxAddsNetworkDeniesWhenDisabled(t *testing.T) {
	sb, err := NewSandbox(t.TempDir(), config.SandboxConfig{
		Enabled:        true,
		AllowNetwork:   false,
		DeniedCommands: []string{"curl", "rm"},
		TimeoutSeconds: 5,
	}, config.ToolsConfig{AllowExec: true})
	require.NoError(t, err)
	require.Contains(t, sb.Terminal.Denied, "curl")
	require.Contains(t, sb.Terminal.Denied, "ssh")
	require.Contains(t, sb.Terminal.Denied, "rm")

	count := 0
	for _, d := range sb.Terminal.Denied {
		if d == "curl" {
			count++
		}
	}
	require.Equal(t, 1, count)
}
