package tools

import (
	"errors"

	"go.uber.org/zap"
)

// Options selects and wires the built-in tools.
type Options struct {
	Sandbox        *Sandbox
	Corrector      EditCorrector // optional, from the active provider's tooling
	Web            WebTooling    // optional; web_search is only offered when set
	Fetcher        *Fetcher
	EnableWebFetch bool
	Logger         *zap.Logger
}

// Builtins returns the tools enabled by opts. Write tools need a writable
// filesystem and run_shell_command needs execution enabled.
func Builtins(opts Options) ([]Tool, error) {
	if opts.Sandbox == nil || opts.Sandbox.FS == nil {
		return nil, errors.New("tools: sandbox filesystem is required")
	}
	fsys := opts.Sandbox.FS
	out := []Tool{
		NewReadFile(fsys),
		NewListDirectory(fsys),
		NewSearchFileContent(fsys),
	}
	if fsys.AllowWrite() {
		out = append(out, NewWriteFile(fsys, opts.Corrector), NewReplace(fsys, opts.Corrector))
	}
	if term := opts.Sandbox.Terminal; term != nil && term.AllowExecution {
		out = append(out, NewShell(term, fsys.Guard()))
	}
	if opts.EnableWebFetch && (opts.Fetcher != nil || opts.Web != nil) {
		out = append(out, NewWebFetch(opts.Web, opts.Fetcher, opts.Logger))
	}
	if opts.Web != nil {
		out = append(out, NewWebSearch(opts.Web))
	}
	return out, nil
}

// NewBuiltinRegistry is Builtins collected into a Registry.
func NewBuiltinRegistry(opts Options) (*Registry, error) {
	builtins, err := Builtins(opts)
	if err != nil {
		return nil, err
	}
	return NewRegistry(builtins...)
}
