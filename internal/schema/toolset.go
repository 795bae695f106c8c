package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ChoiceMode is the tool-selection policy sent with a request.
type ChoiceMode string

const (
	// ChoiceAuto lets the model decide whether to invoke a tool.
	ChoiceAuto ChoiceMode = "auto"
	// ChoiceAny forces the model to invoke one of the tools.
	ChoiceAny ChoiceMode = "any"
	// ChoiceTool forces the model to invoke the named tool.
	ChoiceTool ChoiceMode = "tool"
	// ChoiceNone forbids tool invocation.
	ChoiceNone ChoiceMode = "none"
)

// Choice is a selection policy; Tool is only meaningful with ChoiceTool.
type Choice struct {
	Mode ChoiceMode
	Tool string
}

func Auto() Choice             { return Choice{Mode: ChoiceAuto} }
func Any() Choice              { return Choice{Mode: ChoiceAny} }
func None() Choice             { return Choice{Mode: ChoiceNone} }
func Force(name string) Choice { return Choice{Mode: ChoiceTool, Tool: name} }

// Tool is a named function signature the model may invoke by returning
// arguments that conform to InputSchema.
type Tool struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// ToolSet is the structured-output specification of a request.
type ToolSet struct {
	Tools  []Tool
	Choice Choice
}

var toolNameRe = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_-]{0,63}$`)

// Lookup returns the tool with the given name.
func (s *ToolSet) Lookup(name string) (*Tool, bool) {
	for i := range s.Tools {
		if s.Tools[i].Name == name {
			return &s.Tools[i], true
		}
	}
	return nil, false
}

// Validate enforces the minimal tool-specification shape: a non-empty list of
// uniquely named tools, each with an object-typed input schema that compiles
// as JSON Schema, and a selection policy that refers to a declared tool.
func (s *ToolSet) Validate() error {
	if s == nil || len(s.Tools) == 0 {
		return &ParseError{Reason: "empty tool list"}
	}
	seen := make(map[string]struct{}, len(s.Tools))
	for i := range s.Tools {
		t := &s.Tools[i]
		if !toolNameRe.MatchString(t.Name) {
			return &ParseError{Reason: fmt.Sprintf("tool %d: invalid name %q", i, t.Name)}
		}
		if _, dup := seen[t.Name]; dup {
			return &ParseError{Reason: fmt.Sprintf("duplicate tool name %q", t.Name)}
		}
		seen[t.Name] = struct{}{}
		if t.InputSchema == nil {
			return &ParseError{Reason: fmt.Sprintf("tool %q: missing input schema", t.Name)}
		}
		if typ, _ := t.InputSchema["type"].(string); typ != "object" {
			return &ParseError{Reason: fmt.Sprintf("tool %q: input schema type must be object, got %v", t.Name, t.InputSchema["type"])}
		}
		if _, err := t.compile(); err != nil {
			return &ParseError{Reason: fmt.Sprintf("tool %q: invalid input schema", t.Name), Err: err}
		}
	}
	switch s.Choice.Mode {
	case "", ChoiceAuto, ChoiceAny, ChoiceNone:
	case ChoiceTool:
		if _, ok := s.Lookup(s.Choice.Tool); !ok {
			return &ParseError{Reason: fmt.Sprintf("tool choice names undeclared tool %q", s.Choice.Tool)}
		}
	default:
		return &ParseError{Reason: fmt.Sprintf("unknown tool choice %q", s.Choice.Mode)}
	}
	return nil
}

// Properties returns the declared top-level property names, sorted.
func (t *Tool) Properties() []string {
	props, _ := t.InputSchema["properties"].(map[string]any)
	out := make([]string, 0, len(props))
	for k := range props {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Required returns the required top-level property names in declared order.
func (t *Tool) Required() []string {
	var out []string
	switch req := t.InputSchema["required"].(type) {
	case []any:
		for _, r := range req {
			if s, ok := r.(string); ok {
				out = append(out, s)
			}
		}
	case []string:
		out = append(out, req...)
	}
	return out
}

// Conform validates decoded tool arguments against the input schema.
// The endpoint already enforces the schema; this is for callers that want
// a local check before trusting a record.
func (t *Tool) Conform(args map[string]any) error {
	sch, err := t.compile()
	if err != nil {
		return err
	}
	// normalise through JSON so numbers and nested values have decoder types
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode arguments: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("decode arguments: %w", err)
	}
	if err := sch.Validate(doc); err != nil {
		return fmt.Errorf("arguments do not match %s schema: %w", t.Name, err)
	}
	return nil
}

func (t *Tool) compile() (*jsonschema.Schema, error) {
	raw, err := json.Marshal(t.InputSchema)
	if err != nil {
		return nil, fmt.Errorf("encode input schema: %w", err)
	}
	url := t.Name + ".json"
	compiler := jsonschema.NewCompiler()
	compiler.LoadURL = refuseExternal
	if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("load input schema: %w", err)
	}
	sch, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile input schema: %w", err)
	}
	return sch, nil
}

// ErrExternalRef is returned for a $ref that points outside the schema itself.
var ErrExternalRef = errors.New("external $ref not allowed")

// refuseExternal replaces the compiler's file and http loader: an input schema
// may only reference its own definitions.
func refuseExternal(url string) (io.ReadCloser, error) {
	return nil, fmt.Errorf("%w: %s", ErrExternalRef, url)
}

// ParseError reports a tool specification that failed the shape contract.
type ParseError struct {
	Reason  string
	Snippet string
	Err     error
}

func (e *ParseError) Error() string {
	msg := "schema parse: " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Snippet != "" {
		msg += fmt.Sprintf(" (input: %q)", e.Snippet)
	}
	return msg
}

func (e *ParseError) Unwrap() error { return e.Err }

// IsParseError reports whether err is or wraps a *ParseError.
func IsParseError(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}
