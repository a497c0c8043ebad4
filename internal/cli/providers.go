package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/JJ-Ju/multi-cli/internal/daemon"
	"github.com/JJ-Ju/multi-cli/internal/provider"
)

// NewProvidersCmd lists configured providers; the switch subcommand changes
// the daemon's active provider.
func NewProvidersCmd(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "providers",
		Short: "List configured model providers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			ids := make([]string, 0, len(cfg.Providers))
			for id := range cfg.Providers {
				ids = append(ids, id)
			}
			sort.Strings(ids)

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "\tID\tTYPE\tMODEL")
			for _, id := range ids {
				entry := cfg.Providers[id]
				marker := ""
				if id == cfg.Provider {
					marker = "*"
				}
				model := entry.Model
				if entry.Type == "worker" {
					model = provider.ResolveGrokModel(entry.Model)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", marker, id, entry.Type, model)
			}
			return w.Flush()
		},
	}
	cmd.AddCommand(newProvidersSwitchCmd(opts))
	return cmd
}

func newProvidersSwitchCmd(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "switch <id>",
		Short: "Switch the running daemon to another provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			resp, err := switchProvider(cmd.Context(), daemonURL(cfg.Server.Addr)+"/providers", args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "active provider: %s\n", resp.Active)
			return nil
		},
	}
}

func switchProvider(ctx context.Context, url, id string) (daemon.ProvidersResponse, error) {
	body, err := json.Marshal(daemon.SwitchRequest{ID: id})
	if err != nil {
		return daemon.ProvidersResponse{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return daemon.ProvidersResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return daemon.ProvidersResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return daemon.ProvidersResponse{}, fmt.Errorf("daemon returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	var out daemon.ProvidersResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return daemon.ProvidersResponse{}, fmt.Errorf("decode response: %w", err)
	}
	return out, nil
}
