package configbuilder

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JJ-Ju/multi-cli/internal/config"
	"github.com/JJ-Ju/multi-cli/internal/provider"
	"github.com/JJ-Ju/multi-cli/internal/provider/grok"
	"github.com/JJ-Ju/multi-cli/internal/worker"
)

func TestBuildRegistryFromConfig(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{
		Provider: "default",
		Providers: map[string]config.ProviderConfig{
			"default": {Type: "openai", Model: "gpt-4o-mini"},
			"local":   {Type: "ollama"},
			"grok":    {Type: "worker"},
		},
	}
	bridge := worker.NewBridge(worker.Config{}, nil, nil)

	reg, err := BuildRegistryFromConfig(cfg, Deps{Bridge: bridge})
	require.NoError(t, err)
	require.Equal(t, []string{"default", "grok", "local"}, reg.IDs())

	p, err := reg.Get("grok")
	require.NoError(t, err)
	_, ok := p.(*grok.Provider)
	require.True(t, ok)
	_, ok = p.(provider.ToolingProvider)
	require.True(t, ok)

	active, err := reg.Active()
	require.NoError(t, err)
	require.Equal(t, "default", active.ID())
	require.True(t, NeedsWorker(cfg))
}

func TestBuildRegistryRejectsBadEntries(t *testing.T) {
	t.Parallel()

	_, err := BuildRegistryFromConfig(&config.Config{
		Provider:  "default",
		Providers: map[string]config.ProviderConfig{"default": {Type: "fax"}},
	}, Deps{})
	require.ErrorContains(t, err, "unknown provider type")

	_, err = BuildRegistryFromConfig(&config.Config{
		Provider:  "grok",
		Providers: map[string]config.ProviderConfig{"grok": {Type: "worker"}},
	}, Deps{})
	require.ErrorContains(t, err, "needs a worker bridge")

	_, err = BuildRegistryFromConfig(&config.Config{
		Provider:  "missing",
		Providers: map[string]config.ProviderConfig{"default": {Type: "openai"}},
	}, Deps{})
	require.ErrorIs(t, err, provider.ErrUnknownProvider)
}
