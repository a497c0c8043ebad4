package cli

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/spf13/cobra"

	"github.com/JJ-Ju/multi-cli/internal/app"
	"github.com/JJ-Ju/multi-cli/internal/provider/grok"
)

const probePrompt = "Reply with the name of the model family you belong to."

// NewDoctorCmd returns a health-check command validating config and environment.
func NewDoctorCmd(opts *Options) *cobra.Command {
	var probe bool

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Validate configuration and environment",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Config OK. Providers: %d, active: %s\n", len(cfg.Providers), cfg.Provider)
			fmt.Fprintf(out, "Sandbox enabled: %v, approval: %s, metrics: %v\n", cfg.Sandbox.Enabled, cfg.Approval.Mode, cfg.Server.MetricsEnabled)

			usesWorker := false
			for _, p := range cfg.Providers {
				usesWorker = usesWorker || p.Type == "worker"
			}
			if usesWorker {
				found := ""
				for _, rt := range cfg.Worker.Runtimes {
					if path, err := exec.LookPath(rt); err == nil {
						found = path
						break
					}
				}
				if found == "" {
					fmt.Fprintf(out, "Worker runtime: none of %v found on PATH\n", cfg.Worker.Runtimes)
				} else {
					fmt.Fprintf(out, "Worker runtime: %s, log: %s\n", found, cfg.WorkerLogFile())
				}
			}
			if !probe {
				return nil
			}

			rt, err := app.New(cfg, nil)
			if err != nil {
				return fmt.Errorf("provider initialization failed: %w", err)
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 60*time.Second)
			defer cancel()
			defer rt.Close(ctx) //nolint:errcheck // best-effort

			binding, err := rt.Providers.Active()
			if err != nil {
				return err
			}
			gp, ok := binding.Provider.(*grok.Provider)
			if !ok {
				fmt.Fprintf(out, "Probe: provider %s has no validation endpoint\n", binding.ID())
				return nil
			}
			res, err := gp.Validate(ctx, probePrompt)
			if err != nil {
				return fmt.Errorf("probe %s: %w", binding.ID(), err)
			}
			fmt.Fprintf(out, "Probe %s: passed=%v\n", binding.ID(), res.Passed)
			if !res.Passed {
				return fmt.Errorf("probe failed: %s", res.RawResponse)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&probe, "probe", false, "Start the active provider and send a validation prompt")
	return cmd
}
