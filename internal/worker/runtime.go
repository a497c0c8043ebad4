package worker

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
)

// commandFunc builds processes; tests swap it for a helper process.
type commandFunc func(ctx context.Context, name string, args ...string) *exec.Cmd

const probeTimeout = 5 * time.Second

// locateRuntime probes candidates in order and returns the first one whose
// version check exits successfully.
func locateRuntime(ctx context.Context, command commandFunc, candidates []string, env []string, logger *zap.Logger) (string, error) {
	var tried []string
	for _, candidate := range candidates {
		candidate = strings.TrimSpace(candidate)
		if candidate == "" {
			continue
		}
		tried = append(tried, candidate)

		probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		cmd := command(probeCtx, candidate, "--version")
		cmd.Env = env
		out, err := cmd.CombinedOutput()
		cancel()
		if err != nil {
			logger.Debug("worker runtime probe failed", zap.String("runtime", candidate), zap.Error(err))
			if ctx.Err() != nil {
				return "", fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
			}
			continue
		}
		logger.Debug("worker runtime located", zap.String("runtime", candidate), zap.String("version", strings.TrimSpace(string(out))))
		return candidate, nil
	}
	if len(tried) == 0 {
		return "", fmt.Errorf("%w: no runtime candidates configured", ErrRuntimeUnavailable)
	}
	return "", fmt.Errorf("%w: tried %s", ErrRuntimeUnavailable, strings.Join(tried, ", "))
}
