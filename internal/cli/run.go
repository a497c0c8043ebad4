package cli

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/bufbuild/connect-go"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/net/http2"

	"github.com/JJ-Ju/multi-cli/internal/rpc"
	agentrpc "github.com/JJ-Ju/multi-cli/internal/rpc/agent"
	"github.com/JJ-Ju/multi-cli/internal/rpc/connectjson"
	"github.com/JJ-Ju/multi-cli/internal/scheduler"
)

// NewRunCmd wires the run command to stream events from the daemon.
func NewRunCmd(opts *Options) *cobra.Command {
	var (
		contextPaths []string
		providerID   string
		interactive  bool
	)

	cmd := &cobra.Command{
		Use:   "run \"<prompt>\"",
		Short: "Send a prompt to the daemon and stream the response",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}

			prompt := args[0]
			if strings.TrimSpace(prompt) == "" {
				return fmt.Errorf("prompt cannot be empty")
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			sessionID := "cli-" + uuid.NewString()
			reqBody := rpc.RunTaskRequest{
				SessionID:     sessionID,
				CorrelationID: sessionID + "-" + uuid.NewString()[:8],
				Provider:      providerID,
				Prompt:        prompt,
				ContextPaths:  contextPaths,
			}

			baseURL := daemonURL(cfg.Server.Addr)
			switch strings.ToLower(strings.TrimSpace(cfg.Server.Transport)) {
			case "ndjson":
				return runNDJSON(ctx, cmd, baseURL+"/agent/run", reqBody)
			default:
				var p *prompter
				if interactive {
					p = newPrompter(cmd.InOrStdin(), cmd.OutOrStdout())
				}
				return runConnect(ctx, cmd, baseURL+agentrpc.ConnectRunTaskProcedure, reqBody, p)
			}
		},
	}

	cmd.Flags().StringSliceVar(&contextPaths, "context", nil, "Context file paths to load and send with the prompt (repeatable or comma-separated)")
	cmd.Flags().StringVar(&providerID, "provider", "", "Switch the daemon to this provider before running")
	cmd.Flags().BoolVar(&interactive, "interactive", true, "Answer tool confirmations on the terminal (connect transport only)")
	return cmd
}

func daemonURL(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return addr
	}
	if strings.HasPrefix(addr, ":") {
		return "http://localhost" + addr
	}
	return "http://" + addr
}

func runNDJSON(ctx context.Context, cmd *cobra.Command, url string, reqBody rpc.RunTaskRequest) error {
	data, err := json.Marshal(reqBody)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("daemon returned status %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		var evt rpc.RunTaskEvent
		if err := json.Unmarshal(scanner.Bytes(), &evt); err != nil {
			return fmt.Errorf("decode event: %w", err)
		}
		if err := renderEvent(cmd, evt); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// runConnect streams over the bidi RPC. A nil prompter cancels every
// confirmation request.
func runConnect(ctx context.Context, cmd *cobra.Command, url string, reqBody rpc.RunTaskRequest, p *prompter) error {
	client := connect.NewClient[rpc.RunTaskStreamRequest, rpc.RunTaskEvent](buildH2CClient(), url, connect.WithCodec(connectjson.Codec{}))
	stream := client.CallBidiStream(ctx)

	if err := stream.Send(&rpc.RunTaskStreamRequest{Run: &reqBody}); err != nil {
		return err
	}

	// propagate cancellation to the daemon.
	go func() {
		<-ctx.Done()
		_ = stream.Send(&rpc.RunTaskStreamRequest{Cancel: true, SessionID: reqBody.SessionID, CorrelationID: reqBody.CorrelationID})
		_ = stream.CloseRequest()
	}()

	for {
		evt, err := stream.Receive()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		if evt.Type == rpc.EventConfirm && evt.Confirm != nil {
			outcome := scheduler.OutcomeCancel
			if p != nil {
				outcome = p.ask(*evt.Confirm)
			}
			if err := stream.Send(&rpc.RunTaskStreamRequest{
				Confirm:   &rpc.ConfirmRequest{CallID: evt.CallID, Outcome: string(outcome)},
				SessionID: reqBody.SessionID,
			}); err != nil {
				return err
			}
			continue
		}
		if err := renderEvent(cmd, *evt); err != nil {
			return err
		}
	}
	_ = stream.CloseRequest()
	return stream.CloseResponse()
}

func renderEvent(cmd *cobra.Command, evt rpc.RunTaskEvent) error {
	out := cmd.OutOrStdout()
	switch evt.Type {
	case rpc.EventToken:
		fmt.Fprint(out, evt.Token)
	case rpc.EventTool:
		if evt.Tool != nil {
			if line := toolLine(evt.Tool.Name, evt.Tool.Status, evt.Tool.Error); line != "" {
				fmt.Fprintf(out, "\n%s\n", line)
			}
		}
	case rpc.EventOutput:
		fmt.Fprintln(out, "  "+strings.TrimRight(evt.Output, "\n"))
	case rpc.EventDone:
		fmt.Fprintf(out, "\n[done %s, %d step(s)]\n", evt.FinishReason, evt.Step)
	case rpc.EventError:
		return fmt.Errorf("daemon error: %s", evt.Error)
	}
	return nil
}

func buildH2CClient() *http.Client {
	return &http.Client{
		Transport: &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, network, addr)
			},
		},
	}
}
