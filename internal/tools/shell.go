package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Shell runs a command line through the sandboxed terminal.
type Shell struct {
	*schema
	term  *Terminal
	guard *PathGuard
}

// NewShell builds the run_shell_command tool.
func NewShell(term *Terminal, guard *PathGuard) *Shell {
	return &Shell{schema: shellSchema, term: term, guard: guard}
}

var shellSchema = mustSchema("run_shell_command",
	"Executes a shell command in the workspace and returns its combined output and exit code.",
	`{
		"type": "object",
		"properties": {
			"command": {"type": "string", "minLength": 1},
			"description": {"type": "string"},
			"directory": {"type": "string", "description": "Directory to run in, relative to the workspace"}
		},
		"required": ["command"],
		"additionalProperties": false
	}`)

type shellArgs struct {
	Command     string `json:"command"`
	Description string `json:"description"`
	Directory   string `json:"directory"`
}

func (t *Shell) Build(raw json.RawMessage) (Invocation, error) {
	var args shellArgs
	if err := decodeArgs(t.schema, raw, &args); err != nil {
		return nil, err
	}
	if err := t.term.CheckCommand(args.Command); err != nil {
		return nil, invalidArgs("%v", err)
	}
	dir := ""
	if args.Directory != "" {
		resolved, err := t.guard.Resolve(args.Directory)
		if err != nil {
			return nil, invalidArgs("%v", err)
		}
		dir = resolved
	}
	return &shellCall{tool: t, args: args, dir: dir}, nil
}

type shellCall struct {
	tool *Shell
	args shellArgs
	dir  string
}

func (c *shellCall) Describe() string {
	if c.args.Description != "" {
		return fmt.Sprintf("%s (%s)", c.args.Command, c.args.Description)
	}
	return c.args.Command
}

func (c *shellCall) Confirmation(context.Context) (*ConfirmationDetails, error) {
	root := RootCommand(c.args.Command)
	return &ConfirmationDetails{
		Kind:    ConfirmExec,
		Class:   root,
		Title:   "Confirm shell command",
		Command: c.args.Command,
	}, nil
}

func (c *shellCall) Execute(ctx context.Context, emit func(string)) (Result, error) {
	res, err := c.tool.term.Run(ctx, c.args.Command, c.dir, emit)
	if err != nil {
		return Result{}, err
	}
	dir := "(root)"
	if c.args.Directory != "" {
		dir = c.args.Directory
	}
	output := res.Output
	if output == "" {
		output = "(empty)"
	}
	if res.Truncated {
		output += "\n[output truncated]"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Command: %s\nDirectory: %s\nOutput: %s\n", c.args.Command, dir, strings.TrimRight(output, "\n"))
	fmt.Fprintf(&b, "Exit Code: %d", res.ExitCode)
	display := res.Output
	if res.ExitCode != 0 {
		display = fmt.Sprintf("%s\n[exit code %d]", strings.TrimRight(res.Output, "\n"), res.ExitCode)
	}
	return Result{LLMContent: b.String(), Display: display}, nil
}
