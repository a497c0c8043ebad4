package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JJ-Ju/multi-cli/internal/observability"
)

const helperEnv = "GO_WANT_HELPER_WORKER"

func TestMain(m *testing.M) {
	if os.Getenv(helperEnv) == "1" {
		os.Exit(runHelperWorker(os.Args))
	}
	os.Exit(m.Run())
}

// helperCommand re-executes the test binary as a fake worker.
func helperCommand(ctx context.Context, name string, args ...string) *exec.Cmd {
	cs := append([]string{"--", name}, args...)
	return exec.CommandContext(ctx, os.Args[0], cs...)
}

func runHelperWorker(args []string) int {
	for i, arg := range args {
		if arg == "--" {
			args = args[i+1:]
			break
		}
	}
	if len(args) > 0 && args[0] == "missing-runtime" {
		return 127
	}
	for _, arg := range args {
		if arg == "--version" {
			fmt.Println("Python 3.12.0")
			return 0
		}
	}

	mode := os.Getenv("FAKE_WORKER_MODE")
	out := json.NewEncoder(os.Stdout)
	reply := func(kind, id string, payload any) {
		_ = out.Encode(map[string]any{"type": kind, "requestId": id, "payload": payload})
	}
	fail := func(id, msg string) {
		_ = out.Encode(map[string]any{"type": "error", "requestId": id, "error": map[string]string{"message": msg}})
	}

	inits := 0
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		var req struct {
			RequestID string          `json:"requestId"`
			Action    string          `json:"action"`
			Payload   json.RawMessage `json:"payload"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			_ = out.Encode(map[string]any{"type": "error", "requestId": nil, "error": map[string]string{"message": "Invalid JSON"}})
			continue
		}
		switch req.Action {
		case ActionInitialize:
			var p struct {
				APIKey string `json:"api_key"`
			}
			_ = json.Unmarshal(req.Payload, &p)
			if p.APIKey == "reject" {
				fail(req.RequestID, "Invalid API key")
				continue
			}
			inits++
			reply("result", req.RequestID, map[string]any{"status": "ok", "capabilities": map[string]bool{"supportsCollections": true}})
		case "stats":
			reply("result", req.RequestID, map[string]int{"initializeCount": inits})
		case "echo":
			reply("result", req.RequestID, req.Payload)
		case ActionChat:
			for _, text := range []string{"Hel", "lo ", "world"} {
				reply("event", req.RequestID, map[string]string{"event": "delta", "text": text})
			}
			reply("result", req.RequestID, map[string]any{
				"message": map[string]any{"role": "model", "content": []map[string]string{{"type": "text", "text": "Hello world"}}},
				"usage":   map[string]int{"totalTokens": 10},
			})
		case "slow":
		case "garbage":
			fmt.Println("not json at all")
			reply("result", req.RequestID, map[string]bool{"ok": true})
		case "crash":
			return 7
		case ActionShutdown:
			reply("result", req.RequestID, map[string]string{"status": "shutting down"})
			if mode != "ignore-shutdown" {
				return 0
			}
		default:
			fail(req.RequestID, "Unknown action: "+req.Action)
		}
	}
	if mode == "ignore-shutdown" {
		time.Sleep(time.Hour)
	}
	return 0
}

func newTestBridge(t *testing.T, mode string) (*Bridge, *observability.Metrics) {
	t.Helper()
	metrics := observability.NewMetrics()
	b := NewBridge(Config{
		Runtimes:        []string{"missing-runtime", "python3"},
		Module:          "grok_sidecar",
		Env:             []string{helperEnv + "=1", "FAKE_WORKER_MODE=" + mode},
		ShutdownTimeout: 300 * time.Millisecond,
	}, nil, metrics)
	b.command = helperCommand
	t.Cleanup(func() {
		_ = b.Shutdown(context.Background())
	})
	return b, metrics
}

func TestBridgeInitializeAndStreamChat(t *testing.T) {
	b, _ := newTestBridge(t, "")
	ctx := context.Background()

	caps, err := b.Initialize(ctx, Credentials{APIKey: "xai-test"}, "grok-beta")
	require.NoError(t, err)
	require.Equal(t, "ok", caps.Status)
	require.True(t, caps.Features.SupportsCollections)
	require.True(t, b.Initialized())

	stream, err := b.CallStreaming(ctx, ActionChat, map[string]string{"message": "hi"})
	require.NoError(t, err)

	var text strings.Builder
	for ev := range stream.Events() {
		var delta struct {
			Event string `json:"event"`
			Text  string `json:"text"`
		}
		require.NoError(t, json.Unmarshal(ev, &delta))
		require.Equal(t, "delta", delta.Event)
		text.WriteString(delta.Text)
	}
	require.Equal(t, "Hello world", text.String())

	res, err := stream.Wait(ctx)
	require.NoError(t, err)
	var result struct {
		Usage struct {
			TotalTokens int `json:"totalTokens"`
		} `json:"usage"`
	}
	require.NoError(t, json.Unmarshal(res, &result))
	require.Equal(t, 10, result.Usage.TotalTokens)

	require.NoError(t, b.Shutdown(ctx))
	require.False(t, b.Initialized())
}

func TestBridgeInitializeIsIdempotent(t *testing.T) {
	b, _ := newTestBridge(t, "")
	ctx := context.Background()

	_, err := b.Initialize(ctx, Credentials{APIKey: "xai-test"}, "")
	require.NoError(t, err)
	_, err = b.Initialize(ctx, Credentials{APIKey: "other"}, "grok-2")
	require.NoError(t, err)

	raw, err := b.CallUnary(ctx, "stats", nil)
	require.NoError(t, err)
	require.JSONEq(t, `{"initializeCount":1}`, string(raw))
}

func TestBridgeCallsRequireInitialization(t *testing.T) {
	b, _ := newTestBridge(t, "")
	_, err := b.CallUnary(context.Background(), "echo", nil)
	require.ErrorIs(t, err, ErrNotInitialized)
}

func TestBridgeAuthenticationFailures(t *testing.T) {
	b, _ := newTestBridge(t, "")
	ctx := context.Background()

	_, err := b.Initialize(ctx, Credentials{}, "")
	require.ErrorIs(t, err, ErrAuthenticationRequired)

	_, err = b.Initialize(ctx, Credentials{APIKey: "reject"}, "")
	require.ErrorIs(t, err, ErrAuthenticationRequired)
	require.False(t, b.Initialized())
}

func TestBridgeRuntimeUnavailable(t *testing.T) {
	b := NewBridge(Config{Runtimes: []string{"missing-runtime"}, Env: []string{helperEnv + "=1"}}, nil, nil)
	b.command = helperCommand

	err := b.EnsureStarted(context.Background())
	require.ErrorIs(t, err, ErrRuntimeUnavailable)
	require.Contains(t, err.Error(), "missing-runtime")
}

func TestBridgeUnknownActionIsRemoteError(t *testing.T) {
	b, _ := newTestBridge(t, "")
	ctx := context.Background()
	_, err := b.Initialize(ctx, Credentials{APIKey: "xai-test"}, "")
	require.NoError(t, err)

	_, err = b.CallUnary(ctx, "bogus", nil)
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	require.Equal(t, "Unknown action: bogus", remote.Message)

	raw, err := b.CallUnary(ctx, "garbage", nil)
	require.NoError(t, err)
	require.JSONEq(t, `{"ok":true}`, string(raw))
}

func TestBridgeCrashFailsPendingAndRespawns(t *testing.T) {
	b, metrics := newTestBridge(t, "")
	ctx := context.Background()
	_, err := b.Initialize(ctx, Credentials{APIKey: "xai-test"}, "")
	require.NoError(t, err)

	slowErr := make(chan error, 1)
	go func() {
		_, err := b.CallUnary(ctx, "slow", nil)
		slowErr <- err
	}()
	require.Eventually(t, func() bool {
		p := b.current()
		return p != nil && p.conn.Pending() == 1
	}, 2*time.Second, 10*time.Millisecond)

	_, err = b.CallUnary(ctx, "crash", nil)
	require.ErrorIs(t, err, ErrProcessTerminated)
	var term *TerminatedError
	require.ErrorAs(t, err, &term)
	require.Equal(t, 7, term.ExitCode)

	select {
	case err := <-slowErr:
		require.ErrorIs(t, err, ErrProcessTerminated)
	case <-time.After(2 * time.Second):
		t.Fatal("pending call was not failed")
	}
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.WorkerExits.WithLabelValues("exit")))

	raw, err := b.CallUnary(ctx, "stats", nil)
	require.NoError(t, err)
	require.JSONEq(t, `{"initializeCount":1}`, string(raw))
}

func TestBridgeShutdownKillsUnresponsiveWorker(t *testing.T) {
	b, _ := newTestBridge(t, "ignore-shutdown")
	ctx := context.Background()
	_, err := b.Initialize(ctx, Credentials{APIKey: "xai-test"}, "")
	require.NoError(t, err)

	slowErr := make(chan error, 1)
	go func() {
		_, err := b.CallUnary(ctx, "slow", nil)
		slowErr <- err
	}()
	require.Eventually(t, func() bool {
		p := b.current()
		return p != nil && p.conn.Pending() == 1
	}, 2*time.Second, 10*time.Millisecond)

	start := time.Now()
	require.NoError(t, b.Shutdown(ctx))
	require.Less(t, time.Since(start), 3*time.Second)
	require.ErrorIs(t, <-slowErr, ErrProcessTerminated)
	require.Nil(t, b.current())
}

func TestBridgeEnvironPrependsProvidersDir(t *testing.T) {
	t.Setenv("PYTHONPATH", "/existing")
	dir := t.TempDir()
	b := NewBridge(Config{ProvidersDir: dir}, nil, nil)

	env := b.environ()
	require.Equal(t, dir+string(os.PathListSeparator)+"/existing", lookupEnv(env, "PYTHONPATH"))
	require.Equal(t, "1", lookupEnv(env, "PYTHONUNBUFFERED"))
	require.True(t, filepath.IsAbs(strings.Split(lookupEnv(env, "PYTHONPATH"), string(os.PathListSeparator))[0]))
}
