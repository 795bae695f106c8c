package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/local/docinfer/internal/metrics"
)

// MaxSchemaText bounds the model output accepted by Parse.
const MaxSchemaText = 256 << 10

// wireTool accepts both the Converse toolConfig entry
// ({"toolSpec":{...,"inputSchema":{"json":...}}}) and the flat shape models
// often emit ({"name","description","input_schema"}).
type wireTool struct {
	ToolSpec         *wireTool       `json:"toolSpec,omitempty"`
	Name             string          `json:"name,omitempty"`
	Description      string          `json:"description,omitempty"`
	InputSchema      json.RawMessage `json:"inputSchema,omitempty"`
	InputSchemaSnake json.RawMessage `json:"input_schema,omitempty"`
	Parameters       json.RawMessage `json:"parameters,omitempty"`
}

type wireChoice struct {
	Auto *struct{} `json:"auto,omitempty"`
	Any  *struct{} `json:"any,omitempty"`
	None *struct{} `json:"none,omitempty"`
	Tool *struct {
		Name string `json:"name"`
	} `json:"tool,omitempty"`
}

// Parse turns model-authored text into a validated ToolSet. The text may be
// raw JSON, fenced in a markdown code block, or embedded in prose. It is only
// ever decoded as JSON; anything that does not match the tool specification
// shape is rejected with a *ParseError.
func Parse(text string) (*ToolSet, error) {
	ts, err := parse(text)
	if err != nil {
		metrics.IncSchemaParseFailure()
		log.Debug().Err(err).Msg("tool specification rejected")
		return nil, err
	}
	return ts, nil
}

func parse(text string) (*ToolSet, error) {
	if len(text) > MaxSchemaText {
		return nil, &ParseError{Reason: fmt.Sprintf("input exceeds %d bytes", MaxSchemaText)}
	}
	obj, err := decodeObject(text)
	if err != nil {
		return nil, err
	}

	var (
		tools  []json.RawMessage
		choice json.RawMessage
	)
	switch {
	case obj["tools"] != nil:
		if err := json.Unmarshal(obj["tools"], &tools); err != nil {
			return nil, &ParseError{Reason: "tools is not a list", Snippet: snippet(text), Err: err}
		}
		choice = obj["toolChoice"]
		if choice == nil {
			choice = obj["tool_choice"]
		}
	case obj["toolSpec"] != nil || obj["name"] != nil:
		// a single tool without the wrapper
		raw, _ := json.Marshal(obj)
		tools = []json.RawMessage{raw}
	default:
		return nil, &ParseError{Reason: "no tool list", Snippet: snippet(text)}
	}

	ts := &ToolSet{}
	for i, raw := range tools {
		t, err := decodeTool(raw)
		if err != nil {
			return nil, &ParseError{Reason: fmt.Sprintf("tool %d", i), Snippet: snippet(string(raw)), Err: err}
		}
		ts.Tools = append(ts.Tools, t)
	}
	if len(choice) > 0 && !bytes.Equal(choice, []byte("null")) {
		c, err := decodeChoice(choice)
		if err != nil {
			return nil, &ParseError{Reason: "invalid tool choice", Snippet: snippet(string(choice)), Err: err}
		}
		ts.Choice = c
	}

	if err := ts.Validate(); err != nil {
		return nil, err
	}
	return ts, nil
}

// Marshal emits the canonical Converse toolConfig shape. Parse(Marshal(ts))
// yields an equivalent ToolSet.
func (s *ToolSet) Marshal() ([]byte, error) {
	type spec struct {
		Name        string         `json:"name"`
		Description string         `json:"description,omitempty"`
		InputSchema map[string]any `json:"inputSchema"`
	}
	type tool struct {
		ToolSpec spec `json:"toolSpec"`
	}
	out := struct {
		Tools      []tool         `json:"tools"`
		ToolChoice map[string]any `json:"toolChoice,omitempty"`
	}{}
	for _, t := range s.Tools {
		out.Tools = append(out.Tools, tool{ToolSpec: spec{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: map[string]any{"json": t.InputSchema},
		}})
	}
	switch s.Choice.Mode {
	case ChoiceAuto, ChoiceAny, ChoiceNone:
		out.ToolChoice = map[string]any{string(s.Choice.Mode): struct{}{}}
	case ChoiceTool:
		out.ToolChoice = map[string]any{"tool": map[string]string{"name": s.Choice.Tool}}
	}
	return json.Marshal(out)
}

func decodeTool(raw json.RawMessage) (Tool, error) {
	var wt wireTool
	if err := json.Unmarshal(raw, &wt); err != nil {
		return Tool{}, fmt.Errorf("not an object: %w", err)
	}
	if wt.ToolSpec != nil {
		wt = *wt.ToolSpec
	}
	inputRaw := wt.InputSchema
	if len(inputRaw) == 0 {
		inputRaw = wt.InputSchemaSnake
	}
	if len(inputRaw) == 0 {
		inputRaw = wt.Parameters
	}
	t := Tool{Name: strings.TrimSpace(wt.Name), Description: strings.TrimSpace(wt.Description)}
	if len(inputRaw) == 0 {
		return t, fmt.Errorf("missing input schema")
	}
	var input map[string]any
	if err := json.Unmarshal(inputRaw, &input); err != nil {
		return t, fmt.Errorf("input schema is not an object: %w", err)
	}
	// unwrap {"json": {...}}
	if inner, ok := input["json"].(map[string]any); ok && input["type"] == nil {
		input = inner
	}
	t.InputSchema = input
	return t, nil
}

func decodeChoice(raw json.RawMessage) (Choice, error) {
	// plain string form: "auto" / "any" / "none" / "<tool name>"
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		switch ChoiceMode(strings.ToLower(s)) {
		case ChoiceAuto, ChoiceAny, ChoiceNone:
			return Choice{Mode: ChoiceMode(strings.ToLower(s))}, nil
		}
		return Force(s), nil
	}
	var wc wireChoice
	if err := json.Unmarshal(raw, &wc); err != nil {
		return Choice{}, err
	}
	switch {
	case wc.Tool != nil:
		return Force(wc.Tool.Name), nil
	case wc.Any != nil:
		return Any(), nil
	case wc.None != nil:
		return None(), nil
	case wc.Auto != nil:
		return Auto(), nil
	}
	return Choice{}, fmt.Errorf("expected one of auto, any, none, tool")
}

// decodeObject finds the first candidate in text that decodes as a JSON object.
func decodeObject(text string) (map[string]json.RawMessage, error) {
	content := strings.TrimSpace(text)
	if content == "" {
		return nil, &ParseError{Reason: "empty input"}
	}

	candidates := []string{content}
	if stripped := stripCodeFences(content); stripped != "" && stripped != content {
		candidates = append(candidates, stripped)
	}
	if extracted := extractObject(content); extracted != "" && extracted != content {
		candidates = append(candidates, extracted)
	}

	var lastErr error
	for _, candidate := range candidates {
		var v any
		if err := json.Unmarshal([]byte(candidate), &v); err != nil {
			lastErr = err
			continue
		}
		if _, ok := v.(map[string]any); !ok {
			return nil, &ParseError{Reason: fmt.Sprintf("expected a JSON object, got %T", v), Snippet: snippet(candidate)}
		}
		var obj map[string]json.RawMessage
		if err := json.Unmarshal([]byte(candidate), &obj); err != nil {
			return nil, &ParseError{Reason: "decode object", Snippet: snippet(candidate), Err: err}
		}
		return obj, nil
	}
	return nil, &ParseError{Reason: "no JSON object found", Snippet: snippet(content), Err: lastErr}
}

func stripCodeFences(content string) string {
	start := strings.Index(content, "```")
	if start < 0 {
		return ""
	}
	rest := content[start+3:]
	// drop the info string ("json") on the fence line
	if nl := strings.Index(rest, "\n"); nl >= 0 {
		rest = rest[nl+1:]
	} else {
		return ""
	}
	if end := strings.Index(rest, "```"); end >= 0 {
		rest = rest[:end]
	}
	return strings.TrimSpace(rest)
}

func extractObject(content string) string {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end < start {
		return ""
	}
	return strings.TrimSpace(content[start : end+1])
}

func snippet(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 120 {
		return s[:120] + "..."
	}
	return s
}
