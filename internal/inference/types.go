package inference

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/local/docinfer/internal/attachment"
	"github.com/local/docinfer/internal/records"
	"github.com/local/docinfer/internal/schema"
)

// Sampling overrides the client's default inference parameters for one call.
// Nil pointers keep the default.
type Sampling struct {
	MaxTokens   int
	Temperature *float64
	TopP        *float64
}

// Request is a single user turn: an instruction, at most one document and an
// optional tool specification.
type Request struct {
	Instruction string
	// Attachment is an already read document.
	Attachment *attachment.Document
	// AttachmentRef is loaded through the client's attachment.Loader.
	AttachmentRef string
	Tools         *schema.ToolSet
	Sampling      *Sampling
	System        string
}

// BlockKind distinguishes the two kinds of content a response may carry.
type BlockKind string

const (
	BlockText    BlockKind = "text"
	BlockToolUse BlockKind = "tool_use"
)

// Block is one element of the model's reply, in the order it was produced.
type Block struct {
	Kind       BlockKind
	Text       string
	Invocation *ToolInvocation
}

// ToolInvocation is a structured call the model made against a declared tool.
type ToolInvocation struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// Record decodes the invocation arguments.
func (t ToolInvocation) Record() (records.Record, error) {
	var r records.Record
	if err := json.Unmarshal(t.Input, &r); err != nil {
		return nil, fmt.Errorf("decode %s arguments: %w", t.Name, err)
	}
	return r, nil
}

// Usage is the token accounting reported by the endpoint.
type Usage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

// Response is the normalised reply. Text and Invocations are views over
// Blocks; a response may contain both.
type Response struct {
	Blocks      []Block
	Text        []string
	Invocations []ToolInvocation
	StopReason  string
	Usage       Usage
	LatencyMs   int64
	RequestID   string
}

// Joined returns the text segments separated by newlines. A single segment
// is returned unchanged.
func (r *Response) Joined() string {
	return strings.Join(r.Text, "\n")
}

// Invocation returns the first invocation of the named tool.
func (r *Response) Invocation(name string) (ToolInvocation, bool) {
	for _, inv := range r.Invocations {
		if inv.Name == name {
			return inv, true
		}
	}
	return ToolInvocation{}, false
}
