package agent

import (
	"fmt"
	"strings"

	"github.com/JJ-Ju/multi-cli/internal/config"
)

const defaultSystemPrompt = `You are multi-cli, a coding assistant working inside the user's project directory.
Use the available tools to inspect files before changing them, prefer minimal edits, and explain what you did in a few sentences.
Never run destructive commands unless the user asked for them.`

// buildSystemPrompt returns the configured system prompt or the built-in one.
func buildSystemPrompt(cfg config.AgentConfig) string {
	if s := strings.TrimSpace(cfg.SystemPrompt); s != "" {
		return s
	}
	return defaultSystemPrompt
}

// buildUserPrompt embeds the prompt with optional context files.
func buildUserPrompt(prompt string, files []ContextFile) string {
	if len(files) == 0 {
		return prompt
	}

	var b strings.Builder
	b.WriteString(prompt)
	b.WriteString("\n\nContext:\n")
	for _, f := range files {
		fmt.Fprintf(&b, "File: %s\n", f.Path)
		b.WriteString(f.Content)
		if !strings.HasSuffix(f.Content, "\n") {
			b.WriteString("\n")
		}
		b.WriteString("---\n")
	}
	return b.String()
}
