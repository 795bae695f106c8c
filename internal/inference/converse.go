package inference

import (
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/samber/lo"

	"github.com/local/docinfer/internal/attachment"
	"github.com/local/docinfer/internal/schema"
)

// buildInput assembles the single user message: document block first, then
// the instruction.
func (c *Client) buildInput(req Request, doc *attachment.Document) *bedrockruntime.ConverseInput {
	var content []types.ContentBlock
	if doc != nil {
		content = append(content, &types.ContentBlockMemberDocument{Value: types.DocumentBlock{
			Format: types.DocumentFormat(doc.Format),
			Name:   aws.String(doc.SafeName()),
			Source: &types.DocumentSourceMemberBytes{Value: doc.Bytes},
		}})
	}
	content = append(content, &types.ContentBlockMemberText{Value: req.Instruction})

	input := &bedrockruntime.ConverseInput{
		ModelId: aws.String(c.opts.ModelID),
		Messages: []types.Message{{
			Role:    types.ConversationRoleUser,
			Content: content,
		}},
		InferenceConfig: c.inferenceConfig(req.Sampling),
	}
	if req.System != "" {
		input.System = []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: req.System}}
	}
	// Converse has no "none" choice; leaving the tools out is how a call
	// forbids invocation.
	if req.Tools != nil && req.Tools.Choice.Mode != schema.ChoiceNone {
		input.ToolConfig = toolConfig(req.Tools)
	}
	return input
}

func (c *Client) inferenceConfig(s *Sampling) *types.InferenceConfiguration {
	cfg := &types.InferenceConfiguration{
		MaxTokens:   aws.Int32(int32(c.opts.MaxTokens)),
		Temperature: aws.Float32(float32(c.opts.Temperature)),
	}
	if s == nil {
		return cfg
	}
	if s.MaxTokens > 0 {
		cfg.MaxTokens = aws.Int32(int32(s.MaxTokens))
	}
	if s.Temperature != nil {
		cfg.Temperature = aws.Float32(float32(*s.Temperature))
	}
	if s.TopP != nil {
		cfg.TopP = aws.Float32(float32(*s.TopP))
	}
	return cfg
}

func toolConfig(ts *schema.ToolSet) *types.ToolConfiguration {
	cfg := &types.ToolConfiguration{
		Tools: lo.Map(ts.Tools, func(t schema.Tool, _ int) types.Tool {
			spec := types.ToolSpecification{
				Name:        aws.String(t.Name),
				InputSchema: &types.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(t.InputSchema)},
			}
			if t.Description != "" {
				spec.Description = aws.String(t.Description)
			}
			return &types.ToolMemberToolSpec{Value: spec}
		}),
	}
	switch ts.Choice.Mode {
	case schema.ChoiceAny:
		cfg.ToolChoice = &types.ToolChoiceMemberAny{Value: types.AnyToolChoice{}}
	case schema.ChoiceTool:
		cfg.ToolChoice = &types.ToolChoiceMemberTool{Value: types.SpecificToolChoice{Name: aws.String(ts.Choice.Tool)}}
	case schema.ChoiceAuto:
		cfg.ToolChoice = &types.ToolChoiceMemberAuto{Value: types.AutoToolChoice{}}
	}
	return cfg
}

// normalize flattens the output message into ordered blocks.
func normalize(out *bedrockruntime.ConverseOutput) (*Response, error) {
	if out == nil {
		return nil, fmt.Errorf("empty output")
	}
	msg, ok := out.Output.(*types.ConverseOutputMemberMessage)
	if !ok {
		return nil, fmt.Errorf("output is %T, not a message", out.Output)
	}

	resp := &Response{StopReason: string(out.StopReason)}
	for i, cb := range msg.Value.Content {
		switch v := cb.(type) {
		case *types.ContentBlockMemberText:
			resp.Blocks = append(resp.Blocks, Block{Kind: BlockText, Text: v.Value})
			resp.Text = append(resp.Text, v.Value)
		case *types.ContentBlockMemberToolUse:
			inv, err := toolInvocation(v.Value)
			if err != nil {
				return nil, fmt.Errorf("content block %d: %w", i, err)
			}
			resp.Blocks = append(resp.Blocks, Block{Kind: BlockToolUse, Invocation: &inv})
			resp.Invocations = append(resp.Invocations, inv)
		default:
			// reasoning, images and other block kinds carry nothing we surface
		}
	}

	if u := out.Usage; u != nil {
		resp.Usage = Usage{
			InputTokens:  int(aws.ToInt32(u.InputTokens)),
			OutputTokens: int(aws.ToInt32(u.OutputTokens)),
			TotalTokens:  int(aws.ToInt32(u.TotalTokens)),
		}
	}
	if m := out.Metrics; m != nil {
		resp.LatencyMs = aws.ToInt64(m.LatencyMs)
	}
	return resp, nil
}

func toolInvocation(tu types.ToolUseBlock) (ToolInvocation, error) {
	inv := ToolInvocation{ID: aws.ToString(tu.ToolUseId), Name: aws.ToString(tu.Name)}
	if tu.Input == nil {
		inv.Input = json.RawMessage("{}")
		return inv, nil
	}
	raw, err := tu.Input.MarshalSmithyDocument()
	if err != nil {
		return inv, fmt.Errorf("decode %s input: %w", inv.Name, err)
	}
	inv.Input = raw
	return inv, nil
}
