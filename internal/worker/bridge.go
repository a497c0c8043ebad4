package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JJ-Ju/multi-cli/internal/observability"
)

const defaultShutdownTimeout = 3 * time.Second

// Config controls how the worker process is located and spawned.
type Config struct {
	Runtimes        []string
	Module          string
	Dir             string
	ProvidersDir    string
	Env             []string
	ShutdownTimeout time.Duration
	LogFile         string
	LogLevel        string
}

// Credentials are sent with the initialize handshake.
type Credentials struct {
	APIKey string
}

// Capabilities is the worker's reply to initialize.
type Capabilities struct {
	Status   string   `json:"status"`
	Features Features `json:"capabilities"`
}

// Features lists optional worker abilities.
type Features struct {
	SupportsCollections bool `json:"supportsCollections"`
}

// Bridge owns the worker process and exposes call/stream operations over it.
// The process is spawned lazily and re-spawned after an unexpected exit.
type Bridge struct {
	cfg     Config
	logger  *zap.Logger
	metrics *observability.Metrics
	command commandFunc

	// startMu serializes spawn, handshake and shutdown.
	startMu sync.Mutex
	runtime string
	creds   *Credentials
	model   string

	mu   sync.Mutex
	proc *process
}

type process struct {
	cmd         *exec.Cmd
	stdin       io.WriteCloser
	conn        *Conn
	exited      chan struct{}
	stopping    atomic.Bool
	initialized bool
	caps        Capabilities
}

// NewBridge constructs an idle bridge; nothing is spawned until first use.
func NewBridge(cfg Config, logger *zap.Logger, metrics *observability.Metrics) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	return &Bridge{cfg: cfg, logger: logger, metrics: metrics, command: exec.CommandContext}
}

// EnsureStarted spawns the worker if it is not running.
func (b *Bridge) EnsureStarted(ctx context.Context) error {
	b.startMu.Lock()
	defer b.startMu.Unlock()
	_, err := b.ensureProcessLocked(ctx)
	return err
}

// Initialize performs the handshake. Once it has succeeded on the running
// process, further calls return the same capabilities without contacting
// the worker. Credentials are kept so a re-spawned worker is re-initialized
// transparently.
func (b *Bridge) Initialize(ctx context.Context, creds Credentials, modelHint string) (Capabilities, error) {
	if strings.TrimSpace(creds.APIKey) == "" {
		return Capabilities{}, fmt.Errorf("%w: no API key supplied", ErrAuthenticationRequired)
	}

	b.startMu.Lock()
	defer b.startMu.Unlock()

	if p := b.current(); p != nil && p.initialized {
		return p.caps, nil
	}
	b.creds = &creds
	b.model = modelHint

	p, err := b.readyLocked(ctx)
	if err != nil {
		return Capabilities{}, err
	}
	return p.caps, nil
}

// Initialized reports whether the running worker has completed the handshake.
func (b *Bridge) Initialized() bool {
	b.startMu.Lock()
	defer b.startMu.Unlock()
	p := b.current()
	return p != nil && p.initialized
}

// CallUnary sends one request and returns its terminal result payload.
func (b *Bridge) CallUnary(ctx context.Context, action string, payload any) (json.RawMessage, error) {
	conn, err := b.conn(ctx)
	if err != nil {
		return nil, err
	}
	return conn.Call(ctx, action, payload)
}

// CallStreaming sends one request and returns its event stream. Callers must
// drain Events or Close the stream.
func (b *Bridge) CallStreaming(ctx context.Context, action string, payload any) (*Stream, error) {
	conn, err := b.conn(ctx)
	if err != nil {
		return nil, err
	}
	return conn.Stream(ctx, action, payload)
}

// Cancel detaches the caller from a pending correlation. The worker is not
// told; its eventual reply is discarded.
func (b *Bridge) Cancel(requestID string) bool {
	b.mu.Lock()
	p := b.proc
	b.mu.Unlock()
	if p == nil {
		return false
	}
	return p.conn.Cancel(requestID)
}

// Shutdown asks the worker to exit, waits up to the configured timeout, then
// kills it. Pending correlations fail with ErrProcessTerminated.
func (b *Bridge) Shutdown(ctx context.Context) error {
	b.startMu.Lock()
	defer b.startMu.Unlock()

	b.mu.Lock()
	p := b.proc
	b.mu.Unlock()
	if p == nil {
		return nil
	}
	p.stopping.Store(true)

	waitCtx, cancel := context.WithTimeout(ctx, b.cfg.ShutdownTimeout)
	defer cancel()

	if _, err := p.conn.Call(waitCtx, ActionShutdown, nil); err != nil && !errors.Is(err, ErrProcessTerminated) {
		b.logger.Debug("worker shutdown request failed", zap.Error(err))
	}
	_ = p.stdin.Close()

	var err error
	select {
	case <-p.exited:
	case <-waitCtx.Done():
		b.logger.Warn("worker did not exit in time, killing it", zap.Duration("timeout", b.cfg.ShutdownTimeout))
		if killErr := p.cmd.Process.Kill(); killErr != nil && !errors.Is(killErr, os.ErrProcessDone) {
			err = fmt.Errorf("kill worker: %w", killErr)
		}
		select {
		case <-p.exited:
		case <-time.After(time.Second):
			err = errors.Join(err, errors.New("worker did not exit after kill"))
		}
	}
	p.conn.Close(&TerminatedError{Reason: "shutdown", ExitCode: -1})

	b.mu.Lock()
	if b.proc == p {
		b.proc = nil
	}
	b.mu.Unlock()
	return err
}

func (b *Bridge) conn(ctx context.Context) (*Conn, error) {
	b.startMu.Lock()
	defer b.startMu.Unlock()
	p, err := b.readyLocked(ctx)
	if err != nil {
		return nil, err
	}
	return p.conn, nil
}

func (b *Bridge) current() *process {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.proc
}

// readyLocked returns a running, initialized process. Caller holds startMu.
func (b *Bridge) readyLocked(ctx context.Context) (*process, error) {
	if b.creds == nil {
		return nil, ErrNotInitialized
	}
	p, err := b.ensureProcessLocked(ctx)
	if err != nil {
		return nil, err
	}
	if p.initialized {
		return p, nil
	}

	payload := map[string]any{"api_key": b.creds.APIKey}
	if b.model != "" {
		payload["model"] = b.model
	}
	raw, err := p.conn.Call(ctx, ActionInitialize, payload)
	if err != nil {
		return nil, classifyInitError(err)
	}
	var caps Capabilities
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &caps); err != nil {
			return nil, fmt.Errorf("decode initialize result: %w", &ProtocolError{Reason: err.Error(), Line: string(raw)})
		}
	}
	p.initialized = true
	p.caps = caps
	b.logger.Info("worker initialized", zap.String("model", b.model), zap.Bool("collections", caps.Features.SupportsCollections))
	return p, nil
}

// ensureProcessLocked spawns the worker if needed. Caller holds startMu.
func (b *Bridge) ensureProcessLocked(ctx context.Context) (*process, error) {
	if p := b.current(); p != nil {
		return p, nil
	}

	env := b.environ()
	if b.runtime == "" {
		runtime, err := locateRuntime(ctx, b.command, b.cfg.Runtimes, env, b.logger)
		if err != nil {
			return nil, err
		}
		b.runtime = runtime
	}

	args := []string{"-m", b.cfg.Module}
	if b.cfg.LogLevel != "" {
		args = append(args, "--log-level", strings.ToUpper(b.cfg.LogLevel))
	}
	if b.cfg.LogFile != "" {
		args = append(args, "--log-file", b.cfg.LogFile)
	}

	// The worker outlives the call that spawned it.
	cmd := b.command(context.Background(), b.runtime, args...)
	cmd.Dir = b.cfg.Dir
	cmd.Env = env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		b.runtime = ""
		return nil, fmt.Errorf("%w: start %s: %w", ErrRuntimeUnavailable, cmd.Path, err)
	}

	p := &process{
		cmd:    cmd,
		stdin:  stdin,
		conn:   NewConn(stdout, stdin, b.logger, b.metrics),
		exited: make(chan struct{}),
	}

	var readers errgroup.Group
	readers.Go(p.conn.Serve)
	readers.Go(func() error {
		b.drainStderr(stderr)
		return nil
	})
	go b.watch(p, &readers)

	b.mu.Lock()
	b.proc = p
	b.mu.Unlock()

	b.logger.Info("worker started", zap.String("runtime", b.runtime), zap.String("module", b.cfg.Module), zap.Int("pid", cmd.Process.Pid))
	return p, nil
}

// watch reaps the process once its output streams are drained and fails
// everything still waiting on it.
func (b *Bridge) watch(p *process, readers *errgroup.Group) {
	readErr := readers.Wait()
	waitErr := p.cmd.Wait()

	term := &TerminatedError{Reason: "exit", ExitCode: -1, Err: readErr}
	if p.stopping.Load() {
		term.Reason = "shutdown"
	}
	if state := p.cmd.ProcessState; state != nil {
		term.ExitCode = state.ExitCode()
		if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			term.Signal = ws.Signal().String()
			if term.Reason == "exit" {
				term.Reason = "killed"
			}
		}
	}
	// Detach before failing callers so a retry spawns a fresh process.
	b.mu.Lock()
	if b.proc == p {
		b.proc = nil
	}
	b.mu.Unlock()
	p.conn.Close(term)

	if term.Reason == "shutdown" {
		b.logger.Info("worker stopped", zap.Int("exit_code", term.ExitCode))
	} else {
		b.logger.Warn("worker exited unexpectedly", zap.Int("exit_code", term.ExitCode), zap.String("signal", term.Signal), zap.NamedError("wait", waitErr))
	}
	b.metrics.RecordWorkerExit(term.Reason)
	close(p.exited)
}

func (b *Bridge) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			b.logger.Debug("worker stderr", zap.String("line", line))
		}
	}
}

// environ returns the worker environment with the providers directory
// prepended to PYTHONPATH.
func (b *Bridge) environ() []string {
	env := append(os.Environ(), b.cfg.Env...)
	env = append(env, "PYTHONUNBUFFERED=1")
	if dir := strings.TrimSpace(b.cfg.ProvidersDir); dir != "" {
		if abs, err := filepath.Abs(dir); err == nil {
			dir = abs
		}
		path := dir
		if existing := lookupEnv(env, "PYTHONPATH"); existing != "" {
			path = dir + string(os.PathListSeparator) + existing
		}
		env = append(env, "PYTHONPATH="+path)
	}
	return env
}

// lookupEnv returns the last value of key in env, matching exec's precedence.
func lookupEnv(env []string, key string) string {
	prefix := key + "="
	for i := len(env) - 1; i >= 0; i-- {
		if strings.HasPrefix(env[i], prefix) {
			return strings.TrimPrefix(env[i], prefix)
		}
	}
	return ""
}
