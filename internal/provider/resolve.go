package provider

import (
	"os"
	"strings"
)

const (
	// DefaultGrokModel is used when neither config nor environment names a model.
	DefaultGrokModel = "grok-beta"
)

// firstNonEmpty returns explicit when set, otherwise the first non-empty
// environment variable in order, otherwise fallback.
func firstNonEmpty(explicit string, envs []string, fallback string) string {
	if v := strings.TrimSpace(explicit); v != "" {
		return v
	}
	for _, name := range envs {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			return v
		}
	}
	return fallback
}

// ResolveGrokModel applies config > GROK_MODEL > XAI_MODEL > grok-beta.
func ResolveGrokModel(explicit string) string {
	return firstNonEmpty(explicit, []string{"GROK_MODEL", "XAI_MODEL"}, DefaultGrokModel)
}

// ResolveGrokAPIKey applies config > XAI_API_KEY > GROK_API_KEY.
func ResolveGrokAPIKey(explicit string) string {
	return firstNonEmpty(explicit, []string{"XAI_API_KEY", "GROK_API_KEY"}, "")
}

// ResolveBackendModel applies config > MULTICLI_MODEL > builtin.
func ResolveBackendModel(explicit, builtin string) string {
	return firstNonEmpty(explicit, []string{"MULTICLI_MODEL"}, builtin)
}
