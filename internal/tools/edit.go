package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/JJ-Ju/multi-cli/internal/provider"
)

// Replace performs an exact search/replace edit on one file.
type Replace struct {
	*schema
	fs        *Filesystem
	corrector EditCorrector
}

// NewReplace builds the replace tool. corrector may be nil; when set it is
// asked to repair old_string values that do not match the file.
func NewReplace(fsys *Filesystem, corrector EditCorrector) *Replace {
	return &Replace{schema: replaceSchema, fs: fsys, corrector: corrector}
}

var replaceSchema = mustSchema("replace",
	"Replaces old_string with new_string in a file. old_string must match exactly, including whitespace, "+
		"and occur expected_replacements times (default 1). An empty old_string creates a new file.",
	`{
		"type": "object",
		"properties": {
			"file_path": {"type": "string", "minLength": 1},
			"old_string": {"type": "string"},
			"new_string": {"type": "string"},
			"expected_replacements": {"type": "integer", "minimum": 1}
		},
		"required": ["file_path", "old_string", "new_string"],
		"additionalProperties": false
	}`)

type replaceArgs struct {
	FilePath             string `json:"file_path"`
	OldString            string `json:"old_string"`
	NewString            string `json:"new_string"`
	ExpectedReplacements int    `json:"expected_replacements"`
}

func (t *Replace) Build(raw json.RawMessage) (Invocation, error) {
	var args replaceArgs
	if err := decodeArgs(t.schema, raw, &args); err != nil {
		return nil, err
	}
	if args.OldString == args.NewString {
		return nil, invalidArgs("old_string and new_string are identical, nothing to change")
	}
	if _, err := t.fs.guard.Resolve(args.FilePath); err != nil {
		return nil, invalidArgs("%v", err)
	}
	if args.ExpectedReplacements == 0 {
		args.ExpectedReplacements = 1
	}
	return &replaceCall{tool: t, args: args}, nil
}

type replaceCall struct {
	tool *Replace
	args replaceArgs
	plan *editPlan
}

type editPlan struct {
	current string
	updated string
	isNew   bool
	count   int
}

func (c *replaceCall) Describe() string { return "edit " + c.args.FilePath }

func (c *replaceCall) calculate(ctx context.Context) (*editPlan, error) {
	if c.plan != nil {
		return c.plan, nil
	}
	current, err := c.tool.fs.ReadAll(c.args.FilePath)
	missing := errors.Is(err, fs.ErrNotExist)
	if err != nil && !missing {
		return nil, err
	}
	switch {
	case missing && c.args.OldString == "":
		c.plan = &editPlan{updated: c.args.NewString, isNew: true}
		return c.plan, nil
	case missing:
		return nil, fmt.Errorf("file not found: %s (use an empty old_string to create it)", c.args.FilePath)
	case c.args.OldString == "":
		return nil, fmt.Errorf("file already exists, cannot create: %s", c.args.FilePath)
	}

	// Compare against LF content so CRLF files still match model output.
	normalized := strings.ReplaceAll(current, "\r\n", "\n")
	oldString, newString := c.args.OldString, c.args.NewString
	count := strings.Count(normalized, oldString)
	if count == 0 && c.tool.corrector != nil {
		fixed, err := c.tool.corrector.EnsureCorrectEdit(ctx, provider.EditRequest{
			FilePath:       c.args.FilePath,
			CurrentContent: normalized,
			OriginalParams: provider.EditParams{FilePath: c.args.FilePath, OldString: oldString, NewString: newString},
		})
		if err == nil && fixed.Params.OldString != "" {
			oldString, newString = fixed.Params.OldString, fixed.Params.NewString
			count = strings.Count(normalized, oldString)
		}
	}
	if count == 0 {
		return nil, fmt.Errorf("failed to edit %s: could not find the string to replace", c.args.FilePath)
	}
	if count != c.args.ExpectedReplacements {
		return nil, fmt.Errorf("failed to edit %s: expected %d occurrence(s) but found %d",
			c.args.FilePath, c.args.ExpectedReplacements, count)
	}
	c.plan = &editPlan{
		current: normalized,
		updated: strings.ReplaceAll(normalized, oldString, newString),
		count:   count,
	}
	return c.plan, nil
}

func (c *replaceCall) Confirmation(ctx context.Context) (*ConfirmationDetails, error) {
	plan, err := c.calculate(ctx)
	if err != nil {
		return nil, err
	}
	return &ConfirmationDetails{
		Kind:     ConfirmEdit,
		Class:    string(ConfirmEdit),
		Title:    "Confirm edit: " + c.args.FilePath,
		FilePath: c.args.FilePath,
		Diff:     unifiedDiff(c.args.FilePath, plan.current, plan.updated),
	}, nil
}

func (c *replaceCall) Execute(ctx context.Context, _ func(string)) (Result, error) {
	plan, err := c.calculate(ctx)
	if err != nil {
		return Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if err := c.tool.fs.WriteFile(c.args.FilePath, plan.updated); err != nil {
		return Result{}, err
	}
	msg := fmt.Sprintf("Successfully modified file: %s (%d replacements).", c.args.FilePath, plan.count)
	if plan.isNew {
		msg = "Created new file: " + c.args.FilePath + " with provided content."
	}
	return Result{LLMContent: msg, Display: unifiedDiff(c.args.FilePath, plan.current, plan.updated)}, nil
}

func unifiedDiff(name, before, after string) string {
	text, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        splitLines(before),
		B:        splitLines(after),
		FromFile: "a/" + name,
		ToFile:   "b/" + name,
		Context:  3,
	})
	if err != nil {
		return ""
	}
	return text
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	return difflib.SplitLines(s)
}
