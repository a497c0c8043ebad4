package agent

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JJ-Ju/multi-cli/internal/config"
	"github.com/JJ-Ju/multi-cli/internal/llm"
	"github.com/JJ-Ju/multi-cli/internal/llm/mock"
	"github.com/JJ-Ju/multi-cli/internal/provider"
	"github.com/JJ-Ju/multi-cli/internal/rpc"
	"github.com/JJ-Ju/multi-cli/internal/scheduler"
	"github.com/JJ-Ju/multi-cli/internal/tools"
)

type scriptedProvider struct {
	gen *mock.Generator
}

func (p *scriptedProvider) ID() string                { return "mock" }
func (p *scriptedProvider) DefaultModel() string      { return "mock-model" }
func (p *scriptedProvider) SupportsModel(string) bool { return true }

func (p *scriptedProvider) BuildGeneratorConfig(*config.Config, provider.AuthMode) (provider.GeneratorConfig, error) {
	return provider.GeneratorConfig{ProviderID: "mock", Model: "mock-model"}, nil
}

func (p *scriptedProvider) NewContentGenerator(context.Context, provider.GeneratorConfig, *config.Config, string) (llm.ContentGenerator, error) {
	return p.gen, nil
}

func (p *scriptedProvider) NewConversationClient(_ *config.Config, opts provider.ConversationOptions) (*provider.Conversation, error) {
	return provider.NewConversation("mock", opts), nil
}

func text(s string) llm.StreamChunk { return llm.StreamChunk{Kind: llm.ChunkText, Text: s} }

func call(id, name string, args any) llm.StreamChunk {
	raw, _ := json.Marshal(args)
	return llm.StreamChunk{Kind: llm.ChunkToolCall, ToolCall: llm.ToolCall{
		ID: id, Function: llm.ToolFunctionCall{Name: name, Arguments: raw},
	}}
}

func done(reason string) llm.StreamChunk {
	return llm.StreamChunk{Kind: llm.ChunkDone, FinishReason: reason, Usage: llm.Usage{TotalTokens: 3}}
}

type fixture struct {
	runner *AgentRunner
	gen    *mock.Generator
	dir    string
}

func newFixture(t *testing.T, turns ...mock.Turn) *fixture {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("remember the milk\n"), 0o644))

	cfg := &config.Config{
		Sandbox: config.SandboxConfig{AllowWrite: true},
		Tools:   config.ToolsConfig{AllowFileWrite: true, MaxConcurrency: 2},
	}
	sb, err := tools.NewSandbox(dir, cfg.Sandbox, cfg.Tools)
	require.NoError(t, err)
	toolReg, err := tools.NewBuiltinRegistry(tools.Options{Sandbox: sb})
	require.NoError(t, err)

	gen := &mock.Generator{Turns: turns}
	providers := provider.NewRegistry("mock", nil, nil)
	require.NoError(t, providers.Register(&scriptedProvider{gen: gen}))
	policy, err := scheduler.NewPolicy("default", nil)
	require.NoError(t, err)

	return &fixture{
		runner: &AgentRunner{
			Config:    cfg,
			Providers: providers,
			Tools:     toolReg,
			Workspace: sb.FS,
			Policy:    policy,
		},
		gen: gen,
		dir: dir,
	}
}

func collect(t *testing.T, task *Task) []rpc.RunTaskEvent {
	t.Helper()
	var out []rpc.RunTaskEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-task.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("task did not finish; events so far: %+v", out)
		}
	}
}

func ofType(events []rpc.RunTaskEvent, typ string) []rpc.RunTaskEvent {
	var out []rpc.RunTaskEvent
	for _, ev := range events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func TestRunnerStreamsTokensThenDone(t *testing.T) {
	f := newFixture(t, mock.Turn{text("hello "), text("there"), done(llm.FinishStop)})

	task, err := f.runner.Start(context.Background(), rpc.RunTaskRequest{SessionID: "s1", Prompt: "hi"}, false)
	require.NoError(t, err)
	events := collect(t, task)

	tokens := ofType(events, rpc.EventToken)
	require.Len(t, tokens, 2)
	require.Equal(t, "s1", tokens[0].SessionID)
	require.Equal(t, "s1-corr", tokens[0].CorrelationID)

	last := events[len(events)-1]
	require.Equal(t, rpc.EventDone, last.Type)
	require.True(t, last.Done)
	require.Equal(t, llm.FinishStop, last.FinishReason)
	require.Equal(t, "mock", last.Provider)
	require.Equal(t, 3, last.Usage.TotalTokens)
}

func TestRunnerNonInteractiveCancelsConfirmations(t *testing.T) {
	f := newFixture(t,
		mock.Turn{
			call("w1", "write_file", map[string]string{"file_path": "out.txt", "content": "x"}),
			call("r1", "read_file", map[string]string{"file_path": "notes.txt"}),
			done(llm.FinishToolCalls),
		},
		mock.Turn{text("could not write"), done(llm.FinishStop)},
	)

	task, err := f.runner.Start(context.Background(), rpc.RunTaskRequest{Prompt: "write"}, false)
	require.NoError(t, err)
	events := collect(t, task)

	require.Empty(t, ofType(events, rpc.EventConfirm))
	final := map[string]string{}
	for _, ev := range ofType(events, rpc.EventTool) {
		final[ev.Tool.CallID] = ev.Tool.Status
	}
	require.Equal(t, string(scheduler.StatusCancelled), final["w1"])
	require.Equal(t, string(scheduler.StatusSuccess), final["r1"])
	require.NoFileExists(t, filepath.Join(f.dir, "out.txt"))
	require.Equal(t, rpc.EventDone, events[len(events)-1].Type)

	msgs := f.gen.Requests()[1].Messages
	var readResult string
	for _, m := range msgs {
		if m.Role == llm.RoleTool && m.ToolCallID == "r1" {
			readResult = m.Content
		}
	}
	require.Contains(t, readResult, "remember the milk")
}

func TestRunnerInteractiveCancelEndsWithError(t *testing.T) {
	f := newFixture(t, mock.Turn{
		call("w1", "write_file", map[string]string{"file_path": "out.txt", "content": "x"}),
		done(llm.FinishToolCalls),
	})

	task, err := f.runner.Start(context.Background(), rpc.RunTaskRequest{Prompt: "write"}, true)
	require.NoError(t, err)

	var events []rpc.RunTaskEvent
	for ev := range task.Events() {
		events = append(events, ev)
		if ev.Type == rpc.EventConfirm {
			require.Equal(t, "w1", ev.CallID)
			require.Equal(t, tools.ConfirmEdit, ev.Confirm.Kind)
			require.Contains(t, ev.Confirm.Diff, "+x")
			task.Cancel()
		}
	}
	last := events[len(events)-1]
	require.Equal(t, rpc.EventError, last.Type)
	require.Equal(t, "cancelled", last.Error)
	require.NoFileExists(t, filepath.Join(f.dir, "out.txt"))
}

func TestRunnerInteractiveResolve(t *testing.T) {
	f := newFixture(t,
		mock.Turn{
			call("w1", "write_file", map[string]string{"file_path": "out.txt", "content": "approved"}),
			done(llm.FinishToolCalls),
		},
		mock.Turn{text("written"), done(llm.FinishStop)},
	)

	task, err := f.runner.Start(context.Background(), rpc.RunTaskRequest{Prompt: "write"}, true)
	require.NoError(t, err)
	var last rpc.RunTaskEvent
	for ev := range task.Events() {
		if ev.Type == rpc.EventConfirm {
			require.NoError(t, task.Resolve(ev.CallID, scheduler.OutcomeProceedOnce, nil))
		}
		last = ev
	}
	require.Equal(t, rpc.EventDone, last.Type)
	data, err := os.ReadFile(filepath.Join(f.dir, "out.txt"))
	require.NoError(t, err)
	require.Equal(t, "approved", string(data))
}

func TestRunnerContextPathsAndProviderErrors(t *testing.T) {
	f := newFixture(t, mock.Turn{text("ok"), done(llm.FinishStop)})

	_, err := f.runner.Start(context.Background(), rpc.RunTaskRequest{Prompt: "x", Provider: "nope"}, false)
	require.ErrorIs(t, err, provider.ErrUnknownProvider)

	_, err = f.runner.Start(context.Background(), rpc.RunTaskRequest{Prompt: "x", ContextPaths: []string{"missing.txt"}}, false)
	require.Error(t, err)

	_, err = f.runner.Start(context.Background(), rpc.RunTaskRequest{}, false)
	require.Error(t, err)

	task, err := f.runner.Start(context.Background(), rpc.RunTaskRequest{
		Prompt:       "summarise",
		Provider:     "mock",
		ContextPaths: []string{"notes.txt", "."},
	}, false)
	require.NoError(t, err)
	collect(t, task)

	user := f.gen.Requests()[0].Messages[1].Content
	require.Contains(t, user, "File: notes.txt\nremember the milk")
	require.Contains(t, user, "File: .\nnotes.txt")
}
