package tools

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Schema describes a tool for tool-calling clients and the /tools/schemas endpoint.
type Schema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// schema is a compiled parameter schema shared by a tool and its invocations.
type schema struct {
	name        string
	description string
	raw         json.RawMessage
	compiled    *jsonschema.Schema
}

func compileSchema(name, description string, raw json.RawMessage) (*schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name+".json", bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("add schema resource for %q: %w", name, err)
	}
	compiled, err := compiler.Compile(name + ".json")
	if err != nil {
		return nil, fmt.Errorf("compile schema for %q: %w", name, err)
	}
	return &schema{name: name, description: description, raw: raw, compiled: compiled}, nil
}

// mustSchema compiles a built-in schema; built-ins are constants, so a failure is a programming error.
func mustSchema(name, description, raw string) *schema {
	s, err := compileSchema(name, description, json.RawMessage(raw))
	if err != nil {
		panic(err)
	}
	return s
}

func (s *schema) Name() string            { return s.name }
func (s *schema) Description() string     { return s.description }
func (s *schema) Schema() json.RawMessage { return s.raw }

func (s *schema) validate(raw json.RawMessage) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return invalidArgs("%s arguments are not valid JSON: %v", s.name, err)
	}
	if err := s.compiled.Validate(v); err != nil {
		return invalidArgs("%s: %v", s.name, err)
	}
	return nil
}

func invalidArgs(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArguments, fmt.Sprintf(format, args...))
}
