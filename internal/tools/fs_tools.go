package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"strings"
)

// ReadFile reads a text file, optionally a line window of it.
type ReadFile struct {
	*schema
	fs *Filesystem
}

// NewReadFile builds the read_file tool.
func NewReadFile(fsys *Filesystem) *ReadFile {
	return &ReadFile{schema: readFileSchema, fs: fsys}
}

var readFileSchema = mustSchema("read_file",
	"Reads a file from the workspace. Large files can be paged with offset (0-based line) and limit (lines).",
	`{
		"type": "object",
		"properties": {
			"file_path": {"type": "string", "minLength": 1, "description": "Path of the file, absolute or relative to the workspace"},
			"offset": {"type": "integer", "minimum": 0},
			"limit": {"type": "integer", "minimum": 1}
		},
		"required": ["file_path"],
		"additionalProperties": false
	}`)

type readFileArgs struct {
	FilePath string `json:"file_path"`
	Offset   int    `json:"offset"`
	Limit    int    `json:"limit"`
}

func (t *ReadFile) Build(raw json.RawMessage) (Invocation, error) {
	var args readFileArgs
	if err := decodeArgs(t.schema, raw, &args); err != nil {
		return nil, err
	}
	if _, err := t.fs.guard.Resolve(args.FilePath); err != nil {
		return nil, invalidArgs("%v", err)
	}
	return &readFileCall{fs: t.fs, args: args}, nil
}

type readFileCall struct {
	fs   *Filesystem
	args readFileArgs
}

func (c *readFileCall) Describe() string { return "read " + c.args.FilePath }

func (c *readFileCall) Confirmation(context.Context) (*ConfirmationDetails, error) { return nil, nil }

func (c *readFileCall) Execute(ctx context.Context, _ func(string)) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	slice, err := c.fs.ReadFile(c.args.FilePath, c.args.Offset, c.args.Limit)
	if err != nil {
		return Result{}, err
	}
	if slice.Binary {
		msg := fmt.Sprintf("Cannot display content of binary file: %s", c.args.FilePath)
		return Result{LLMContent: msg, Display: "binary file skipped"}, nil
	}
	content := slice.Content
	if slice.Truncated {
		content = fmt.Sprintf("[File content truncated: showing lines %d-%d of %d total lines. Use offset/limit to view more.]\n%s",
			slice.StartLine, slice.EndLine, slice.TotalLines, content)
	}
	return Result{
		LLMContent: content,
		Display:    fmt.Sprintf("read %d lines", slice.EndLine-slice.StartLine+1),
	}, nil
}

// ListDirectory lists a directory.
type ListDirectory struct {
	*schema
	fs *Filesystem
}

// NewListDirectory builds the list_directory tool.
func NewListDirectory(fsys *Filesystem) *ListDirectory {
	return &ListDirectory{schema: listDirectorySchema, fs: fsys}
}

var listDirectorySchema = mustSchema("list_directory",
	"Lists the entries of a workspace directory. Directories come first and are marked [DIR].",
	`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "minLength": 1},
			"ignore": {"type": "array", "items": {"type": "string"}, "description": "Glob patterns of names to skip"}
		},
		"required": ["path"],
		"additionalProperties": false
	}`)

type listDirectoryArgs struct {
	Path   string   `json:"path"`
	Ignore []string `json:"ignore"`
}

func (t *ListDirectory) Build(raw json.RawMessage) (Invocation, error) {
	var args listDirectoryArgs
	if err := decodeArgs(t.schema, raw, &args); err != nil {
		return nil, err
	}
	if _, err := t.fs.guard.Resolve(args.Path); err != nil {
		return nil, invalidArgs("%v", err)
	}
	return &listDirectoryCall{fs: t.fs, args: args}, nil
}

type listDirectoryCall struct {
	fs   *Filesystem
	args listDirectoryArgs
}

func (c *listDirectoryCall) Describe() string { return "list " + c.args.Path }

func (c *listDirectoryCall) Confirmation(context.Context) (*ConfirmationDetails, error) {
	return nil, nil
}

func (c *listDirectoryCall) Execute(ctx context.Context, _ func(string)) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	entries, err := c.fs.ListDir(c.args.Path, c.args.Ignore)
	if err != nil {
		return Result{}, err
	}
	if len(entries) == 0 {
		return Result{LLMContent: fmt.Sprintf("Directory %s is empty.", c.args.Path), Display: "empty directory"}, nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Directory listing for %s:\n", c.args.Path)
	for _, e := range entries {
		if e.IsDir {
			fmt.Fprintf(&b, "[DIR] %s\n", e.Name)
			continue
		}
		fmt.Fprintf(&b, "%s\n", e.Name)
	}
	return Result{LLMContent: b.String(), Display: fmt.Sprintf("listed %d entries", len(entries))}, nil
}

// SearchFileContent greps workspace files with a regular expression.
type SearchFileContent struct {
	*schema
	fs *Filesystem
}

// NewSearchFileContent builds the search_file_content tool.
func NewSearchFileContent(fsys *Filesystem) *SearchFileContent {
	return &SearchFileContent{schema: searchSchema, fs: fsys}
}

var searchSchema = mustSchema("search_file_content",
	"Searches file contents under a directory for a regular expression. include filters file names by glob.",
	`{
		"type": "object",
		"properties": {
			"pattern": {"type": "string", "minLength": 1},
			"path": {"type": "string"},
			"include": {"type": "string"}
		},
		"required": ["pattern"],
		"additionalProperties": false
	}`)

type searchArgs struct {
	Pattern string `json:"pattern"`
	Path    string `json:"path"`
	Include string `json:"include"`
}

func (t *SearchFileContent) Build(raw json.RawMessage) (Invocation, error) {
	var args searchArgs
	if err := decodeArgs(t.schema, raw, &args); err != nil {
		return nil, err
	}
	if args.Path == "" {
		args.Path = "."
	}
	if _, err := t.fs.guard.Resolve(args.Path); err != nil {
		return nil, invalidArgs("%v", err)
	}
	return &searchCall{fs: t.fs, args: args}, nil
}

type searchCall struct {
	fs   *Filesystem
	args searchArgs
}

func (c *searchCall) Describe() string {
	return fmt.Sprintf("search %q in %s", c.args.Pattern, c.args.Path)
}

func (c *searchCall) Confirmation(context.Context) (*ConfirmationDetails, error) { return nil, nil }

func (c *searchCall) Execute(ctx context.Context, _ func(string)) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	results, err := c.fs.Search(c.args.Path, c.args.Pattern, c.args.Include, 0)
	if err != nil {
		return Result{}, err
	}
	if len(results) == 0 {
		msg := fmt.Sprintf("No matches found for pattern %q in %s.", c.args.Pattern, c.args.Path)
		return Result{LLMContent: msg, Display: "no matches"}, nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Found %d matches for pattern %q in %s:\n---\n", len(results), c.args.Pattern, c.args.Path)
	current := ""
	for _, r := range results {
		if r.Path != current {
			current = r.Path
			fmt.Fprintf(&b, "File: %s\n", r.Path)
		}
		fmt.Fprintf(&b, "L%d: %s\n", r.Line, r.Snippet)
	}
	return Result{LLMContent: b.String(), Display: fmt.Sprintf("%d matches", len(results))}, nil
}

// WriteFile replaces or creates a file with new content.
type WriteFile struct {
	*schema
	fs        *Filesystem
	corrector EditCorrector
}

// NewWriteFile builds the write_file tool. corrector may be nil.
func NewWriteFile(fsys *Filesystem, corrector EditCorrector) *WriteFile {
	return &WriteFile{schema: writeFileSchema, fs: fsys, corrector: corrector}
}

var writeFileSchema = mustSchema("write_file",
	"Writes content to a workspace file, creating it and parent directories when missing.",
	`{
		"type": "object",
		"properties": {
			"file_path": {"type": "string", "minLength": 1},
			"content": {"type": "string"}
		},
		"required": ["file_path", "content"],
		"additionalProperties": false
	}`)

type writeFileArgs struct {
	FilePath string `json:"file_path"`
	Content  string `json:"content"`
}

func (t *WriteFile) Build(raw json.RawMessage) (Invocation, error) {
	var args writeFileArgs
	if err := decodeArgs(t.schema, raw, &args); err != nil {
		return nil, err
	}
	if _, err := t.fs.guard.Resolve(args.FilePath); err != nil {
		return nil, invalidArgs("%v", err)
	}
	return &writeFileCall{tool: t, args: args}, nil
}

type writeFileCall struct {
	tool *WriteFile
	args writeFileArgs
}

func (c *writeFileCall) Describe() string { return "write " + c.args.FilePath }

// proposed returns the current content (empty for a new file) and the content to write.
func (c *writeFileCall) proposed(ctx context.Context) (string, string, bool, error) {
	current, err := c.tool.fs.ReadAll(c.args.FilePath)
	isNew := errors.Is(err, fs.ErrNotExist)
	if err != nil && !isNew {
		return "", "", false, err
	}
	content := c.args.Content
	if c.tool.corrector != nil {
		if fixed, err := c.tool.corrector.EnsureCorrectFileContent(ctx, content); err == nil {
			content = fixed
		}
	}
	return current, content, isNew, nil
}

func (c *writeFileCall) Confirmation(ctx context.Context) (*ConfirmationDetails, error) {
	current, content, isNew, err := c.proposed(ctx)
	if err != nil {
		return nil, err
	}
	title := "Overwrite " + c.args.FilePath
	if isNew {
		title = "Create " + c.args.FilePath
	}
	return &ConfirmationDetails{
		Kind:     ConfirmEdit,
		Class:    string(ConfirmEdit),
		Title:    title,
		FilePath: c.args.FilePath,
		Diff:     unifiedDiff(c.args.FilePath, current, content),
	}, nil
}

func (c *writeFileCall) Execute(ctx context.Context, _ func(string)) (Result, error) {
	current, content, isNew, err := c.proposed(ctx)
	if err != nil {
		return Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if err := c.tool.fs.WriteFile(c.args.FilePath, content); err != nil {
		return Result{}, err
	}
	msg := "Successfully overwrote file: " + c.args.FilePath
	if isNew {
		msg = "Successfully created and wrote to new file: " + c.args.FilePath
	}
	return Result{LLMContent: msg, Display: unifiedDiff(c.args.FilePath, current, content)}, nil
}
