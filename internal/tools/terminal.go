package tools

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

const maxCapturedOutput = 256 << 10

// Terminal executes shell commands with allow/deny checks.
type Terminal struct {
	WorkingDir     string
	Shell          string // defaults to bash, falling back to sh
	Allowed        []string
	Denied         []string
	Timeout        time.Duration
	AllowExecution bool
}

// ExecResult carries combined output and status code.
type ExecResult struct {
	Output    string
	ExitCode  int
	Truncated bool
}

// CheckCommand applies the allow and deny lists to every segment of a command
// chain (split on ;, &&, || and |).
func (t *Terminal) CheckCommand(command string) error {
	if !t.AllowExecution {
		return errors.New("execution disabled by configuration")
	}
	if strings.TrimSpace(command) == "" {
		return fmt.Errorf("command is required")
	}
	for _, segment := range splitCommands(command) {
		root := RootCommand(segment)
		if root == "" {
			continue
		}
		lower := strings.ToLower(root)
		for _, deny := range t.Denied {
			if lower == strings.ToLower(deny) {
				return fmt.Errorf("command %q is denied", root)
			}
		}
		if len(t.Allowed) == 0 {
			continue
		}
		allowed := false
		for _, allow := range t.Allowed {
			if lower == strings.ToLower(allow) {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("command %q is not in allowlist", root)
		}
	}
	return nil
}

// Run executes command through the shell in dir (WorkingDir when empty).
// Output lines are passed to emit as they arrive. A non-zero exit is reported
// in ExecResult, not as an error; cancellation and timeouts are errors.
func (t *Terminal) Run(ctx context.Context, command, dir string, emit func(string)) (ExecResult, error) {
	if err := t.CheckCommand(command); err != nil {
		return ExecResult{}, err
	}

	timeout := t.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, t.shell(), "-c", command)
	cmd.Dir = t.WorkingDir
	if dir != "" {
		cmd.Dir = dir
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		// Kill the whole group so pipelines and background children stop too.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = time.Second

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw
	if err := cmd.Start(); err != nil {
		return ExecResult{}, fmt.Errorf("start command: %w", err)
	}
	waitErr := make(chan error, 1)
	go func() {
		err := cmd.Wait()
		_ = pw.Close()
		waitErr <- err
	}()

	var (
		out       strings.Builder
		truncated bool
	)
	reader := bufio.NewReader(pr)
	for {
		line, err := reader.ReadString('\n')
		if line != "" {
			if emit != nil {
				emit(line)
			}
			if out.Len()+len(line) <= maxCapturedOutput {
				out.WriteString(line)
			} else {
				truncated = true
			}
		}
		if err != nil {
			break
		}
	}
	err := <-waitErr

	res := ExecResult{Output: out.String(), Truncated: truncated}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return res, ctxErr
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return res, fmt.Errorf("command timed out after %s", timeout)
	}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		return res, err
	}
	return res, nil
}

func (t *Terminal) shell() string {
	if t.Shell != "" {
		return t.Shell
	}
	if _, err := exec.LookPath("bash"); err == nil {
		return "bash"
	}
	return "sh"
}

// RootCommand returns the program name of a simple command: leading env
// assignments are skipped and paths are reduced to their base name.
func RootCommand(command string) string {
	for _, field := range strings.Fields(strings.TrimSpace(command)) {
		if strings.Contains(field, "=") && !strings.HasPrefix(field, "=") && !strings.ContainsAny(field, "/") {
			continue
		}
		field = strings.TrimLeft(field, "({")
		if field == "" {
			continue
		}
		return filepath.Base(field)
	}
	return ""
}

func splitCommands(command string) []string {
	replacer := strings.NewReplacer("&&", "\n", "||", "\n", ";", "\n", "|", "\n")
	var out []string
	for _, part := range strings.Split(replacer.Replace(command), "\n") {
		if s := strings.TrimSpace(part); s != "" {
			out = append(out, s)
		}
	}
	return out
}
