package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JJ-Ju/multi-cli/internal/agent"
	"github.com/JJ-Ju/multi-cli/internal/app"
	"github.com/JJ-Ju/multi-cli/internal/logging"
	"github.com/JJ-Ju/multi-cli/internal/scheduler"
)

// NewChatCmd runs the conversation loop in-process. With a prompt argument it
// answers once; without one it reads prompts line by line.
func NewChatCmd(opts *Options) *cobra.Command {
	var (
		providerID string
		approval   string
	)

	cmd := &cobra.Command{
		Use:   "chat [prompt]",
		Short: "Chat with the active provider; tool calls are confirmed on the terminal",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			logger, err := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck // best-effort

			rt, err := app.New(cfg, logger)
			if err != nil {
				return fmt.Errorf("provider initialization failed: %w", err)
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := rt.Close(shutdownCtx); err != nil {
					logger.Warn("shutdown", zap.Error(err))
				}
			}()

			if providerID != "" {
				if _, err := rt.Providers.Switch(providerID); err != nil {
					return err
				}
			}
			if approval != "" {
				p, err := scheduler.NewPolicy(approval, nil)
				if err != nil {
					return err
				}
				rt.Policy.SetMode(p.Mode())
			}

			client, err := rt.NewClient("")
			if err != nil {
				return err
			}
			defer client.Close() //nolint:errcheck // nothing left to report

			s := &chatSession{
				rt:     rt,
				client: client,
				out:    cmd.OutOrStdout(),
				prompt: newPrompter(cmd.InOrStdin(), cmd.OutOrStdout()),
			}
			if len(args) == 1 {
				return s.send(cmd.Context(), args[0])
			}
			return s.repl(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&providerID, "provider", "", "Provider id to switch to before chatting")
	cmd.Flags().StringVar(&approval, "approval", "", "Approval mode override: default, auto_edit or yolo")
	return cmd
}

type chatSession struct {
	rt     *app.App
	client *agent.Client
	out    io.Writer
	prompt *prompter
}

func (s *chatSession) repl(ctx context.Context) error {
	active, err := s.rt.Providers.Active()
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "multi-cli chat (provider %s). /provider <id>, /reset, /exit\n", active.ID())
	for {
		fmt.Fprint(s.out, "> ")
		line, err := s.prompt.readLine()
		if errors.Is(err, io.EOF) {
			fmt.Fprintln(s.out)
			return nil
		}
		if err != nil {
			return err
		}
		line = strings.TrimSpace(line)
		switch {
		case line == "":
			continue
		case line == "/exit" || line == "/quit":
			return nil
		case line == "/reset":
			s.client.Reset()
			fmt.Fprintln(s.out, "history cleared")
			continue
		case strings.HasPrefix(line, "/provider"):
			id := strings.TrimSpace(strings.TrimPrefix(line, "/provider"))
			if id == "" {
				fmt.Fprintf(s.out, "providers: %s\n", strings.Join(s.rt.Providers.IDs(), ", "))
				continue
			}
			if _, err := s.rt.Providers.Switch(id); err != nil {
				fmt.Fprintf(s.out, "error: %v\n", err)
				continue
			}
			fmt.Fprintf(s.out, "switched to %s\n", id)
			continue
		}
		if err := s.send(ctx, line); err != nil {
			fmt.Fprintf(s.out, "error: %v\n", err)
		}
	}
}

// send runs one prompt. Ctrl-C cancels the running turn instead of the
// process.
func (s *chatSession) send(ctx context.Context, prompt string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	sink := &terminalSink{out: s.out, prompt: s.prompt, client: s.client, asked: make(map[string]bool), status: make(map[string]scheduler.Status)}
	res, err := s.client.Send(ctx, prompt, sink)
	fmt.Fprintln(s.out)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return errors.New("cancelled")
		}
		return err
	}
	if res.FinishReason == agent.FinishMaxSteps {
		fmt.Fprintln(s.out, "[stopped: step limit reached]")
	}
	return nil
}

// terminalSink prints the conversation and asks for confirmations. It runs
// on the scheduler dispatcher, so answering blocks later tool events only.
type terminalSink struct {
	out    io.Writer
	prompt *prompter
	client *agent.Client

	mu     sync.Mutex
	asked  map[string]bool
	status map[string]scheduler.Status
}

func (t *terminalSink) Text(delta string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprint(t.out, delta)
}

func (t *terminalSink) ToolOutput(_, chunk string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintln(t.out, "  "+strings.TrimRight(chunk, "\n"))
}

func (t *terminalSink) ToolCalls(snapshot []scheduler.ToolCall) {
	for _, call := range snapshot {
		req := call.Request()
		t.mu.Lock()
		changed := t.status[req.CallID] != call.Status()
		t.status[req.CallID] = call.Status()
		t.mu.Unlock()
		if !changed {
			continue
		}

		var errMsg string
		if resp, ok := scheduler.ResponseOf(call); ok && resp.Error != nil {
			errMsg = resp.Error.Message
		}
		if line := toolLine(req.Name, string(call.Status()), errMsg); line != "" {
			t.mu.Lock()
			fmt.Fprintf(t.out, "\n%s\n", line)
			t.mu.Unlock()
		}

		waiting, ok := call.(scheduler.WaitingCall)
		if !ok || t.asked[req.CallID] {
			continue
		}
		t.asked[req.CallID] = true
		outcome := t.prompt.ask(waiting.Details)
		if err := t.client.Resolve(req.CallID, outcome, nil); err != nil {
			fmt.Fprintf(t.out, "confirmation not applied: %v\n", err)
		}
	}
}
