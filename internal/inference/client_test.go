package inference

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/local/docinfer/internal/attachment"
	"github.com/local/docinfer/internal/schema"
)

const invoiceSchema = `{
  "tools": [{"toolSpec": {
    "name": "invoice_record",
    "description": "Fields of one hotel invoice",
    "inputSchema": {"json": {
      "type": "object",
      "properties": {"guest_name": {"type": "string"}, "total": {"type": "number"}},
      "required": ["guest_name", "total"]
    }}
  }}],
  "toolChoice": {"tool": {"name": "invoice_record"}}
}`

type fakeConverser struct {
	calls int
	in    *bedrockruntime.ConverseInput
	out   *bedrockruntime.ConverseOutput
	err   error
	block bool
}

func (f *fakeConverser) Converse(ctx context.Context, in *bedrockruntime.ConverseInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	f.calls++
	f.in = in
	if f.block {
		<-ctx.Done()
		return nil, &smithy.OperationError{ServiceID: "Bedrock Runtime", OperationName: "Converse", Err: ctx.Err()}
	}
	return f.out, f.err
}

func reply(blocks ...types.ContentBlock) *bedrockruntime.ConverseOutput {
	return &bedrockruntime.ConverseOutput{
		Output: &types.ConverseOutputMemberMessage{Value: types.Message{
			Role:    types.ConversationRoleAssistant,
			Content: blocks,
		}},
		StopReason: types.StopReasonEndTurn,
		Usage:      &types.TokenUsage{InputTokens: aws.Int32(120), OutputTokens: aws.Int32(30), TotalTokens: aws.Int32(150)},
		Metrics:    &types.ConverseMetrics{LatencyMs: aws.Int64(842)},
	}
}

func text(s string) types.ContentBlock { return &types.ContentBlockMemberText{Value: s} }

func toolUse(name string, input map[string]any) types.ContentBlock {
	return &types.ContentBlockMemberToolUse{Value: types.ToolUseBlock{
		Name:      aws.String(name),
		ToolUseId: aws.String("tooluse_" + name),
		Input:     document.NewLazyDocument(input),
	}}
}

func mustTools(t *testing.T, raw string) *schema.ToolSet {
	t.Helper()
	ts, err := schema.Parse(raw)
	require.NoError(t, err)
	return ts
}

func TestInfer_NoSchemaReturnsText(t *testing.T) {
	fake := &fakeConverser{out: reply(text("The invoice is for guest A, total 100."))}
	c := New(fake, Options{})

	resp, err := c.Infer(context.Background(), Request{Instruction: "Summarize this invoice"})
	require.NoError(t, err)
	assert.Equal(t, 1, fake.calls)

	assert.GreaterOrEqual(t, len(resp.Text), 1)
	assert.Empty(t, resp.Invocations)
	assert.Equal(t, "The invoice is for guest A, total 100.", resp.Joined())
	assert.Equal(t, "end_turn", resp.StopReason)
	assert.Equal(t, Usage{InputTokens: 120, OutputTokens: 30, TotalTokens: 150}, resp.Usage)
	assert.EqualValues(t, 842, resp.LatencyMs)
	assert.NotEmpty(t, resp.RequestID)

	in := fake.in
	assert.Nil(t, in.ToolConfig)
	assert.Equal(t, "anthropic.claude-3-5-sonnet-20240620-v1:0", aws.ToString(in.ModelId))
	require.Len(t, in.Messages, 1)
	assert.Equal(t, types.ConversationRoleUser, in.Messages[0].Role)
	require.Len(t, in.Messages[0].Content, 1)
	assert.Equal(t, &types.ContentBlockMemberText{Value: "Summarize this invoice"}, in.Messages[0].Content[0])
	assert.EqualValues(t, 4096, aws.ToInt32(in.InferenceConfig.MaxTokens))
	assert.EqualValues(t, 0, aws.ToFloat32(in.InferenceConfig.Temperature))
	assert.Nil(t, in.InferenceConfig.TopP)
}

func TestInfer_ForcedToolYieldsConformingRecord(t *testing.T) {
	tools := mustTools(t, invoiceSchema)
	fake := &fakeConverser{out: reply(toolUse("invoice_record", map[string]any{"guest_name": "A", "total": 100}))}
	c := New(fake, Options{})

	resp, err := c.Infer(context.Background(), Request{Instruction: "Extract the invoice fields", Tools: tools})
	require.NoError(t, err)
	require.Len(t, resp.Invocations, 1)
	assert.Empty(t, resp.Text)

	inv := resp.Invocations[0]
	assert.Equal(t, "invoice_record", inv.Name)
	assert.Equal(t, "tooluse_invoice_record", inv.ID)

	rec, err := inv.Record()
	require.NoError(t, err)
	keys := make([]string, 0, len(rec))
	for k := range rec {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	tool, _ := tools.Lookup("invoice_record")
	assert.Equal(t, tool.Properties(), keys)
	for _, req := range tool.Required() {
		assert.Contains(t, rec, req)
	}
	assert.Equal(t, "A", rec["guest_name"])
	assert.EqualValues(t, 100, rec["total"])

	tc := fake.in.ToolConfig
	require.NotNil(t, tc)
	require.Len(t, tc.Tools, 1)
	spec, ok := tc.Tools[0].(*types.ToolMemberToolSpec)
	require.True(t, ok)
	assert.Equal(t, "invoice_record", aws.ToString(spec.Value.Name))
	assert.Equal(t, "Fields of one hotel invoice", aws.ToString(spec.Value.Description))
	_, ok = spec.Value.InputSchema.(*types.ToolInputSchemaMemberJson)
	assert.True(t, ok)
	choice, ok := tc.ToolChoice.(*types.ToolChoiceMemberTool)
	require.True(t, ok)
	assert.Equal(t, "invoice_record", aws.ToString(choice.Value.Name))
}

func TestInfer_ChoicePolicies(t *testing.T) {
	tests := []struct {
		name  string
		given schema.Choice
		check func(t *testing.T, tc *types.ToolConfiguration)
	}{
		{"auto", schema.Auto(), func(t *testing.T, tc *types.ToolConfiguration) {
			require.NotNil(t, tc)
			assert.IsType(t, &types.ToolChoiceMemberAuto{}, tc.ToolChoice)
		}},
		{"any", schema.Any(), func(t *testing.T, tc *types.ToolConfiguration) {
			require.NotNil(t, tc)
			assert.IsType(t, &types.ToolChoiceMemberAny{}, tc.ToolChoice)
		}},
		{"unset", schema.Choice{}, func(t *testing.T, tc *types.ToolConfiguration) {
			require.NotNil(t, tc)
			assert.Nil(t, tc.ToolChoice)
		}},
		{"none", schema.None(), func(t *testing.T, tc *types.ToolConfiguration) {
			assert.Nil(t, tc)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tools := mustTools(t, invoiceSchema)
			tools.Choice = tt.given
			fake := &fakeConverser{out: reply(text("ok"))}
			_, err := New(fake, Options{}).Infer(context.Background(), Request{Instruction: "go", Tools: tools})
			require.NoError(t, err)
			tt.check(t, fake.in.ToolConfig)
		})
	}
}

func TestInfer_MixedBlocksKeepOrder(t *testing.T) {
	fake := &fakeConverser{out: reply(
		text("Here are the fields."),
		toolUse("invoice_record", map[string]any{"guest_name": "B", "total": 200}),
	)}
	tools := mustTools(t, invoiceSchema)
	tools.Choice = schema.Auto()

	resp, err := New(fake, Options{}).Infer(context.Background(), Request{Instruction: "Extract", Tools: tools})
	require.NoError(t, err)

	require.Len(t, resp.Text, 1)
	require.Len(t, resp.Invocations, 1)
	require.Len(t, resp.Blocks, 2)
	assert.Equal(t, BlockText, resp.Blocks[0].Kind)
	assert.Equal(t, "Here are the fields.", resp.Blocks[0].Text)
	assert.Equal(t, BlockToolUse, resp.Blocks[1].Kind)
	assert.Equal(t, "invoice_record", resp.Blocks[1].Invocation.Name)

	inv, ok := resp.Invocation("invoice_record")
	require.True(t, ok)
	assert.JSONEq(t, `{"guest_name":"B","total":200}`, string(inv.Input))
	_, ok = resp.Invocation("other")
	assert.False(t, ok)
}

func TestInfer_AttachmentBlockPrecedesInstruction(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "invoice_march.csv")
	require.NoError(t, os.WriteFile(p, []byte("guest_name,total\nA,100\n"), 0o600))

	fake := &fakeConverser{out: reply(text("Guest A owes 100."))}
	c := New(fake, Options{})

	_, err := c.Infer(context.Background(), Request{Instruction: "Summarize", AttachmentRef: p})
	require.NoError(t, err)

	content := fake.in.Messages[0].Content
	require.Len(t, content, 2)
	docBlock, ok := content[0].(*types.ContentBlockMemberDocument)
	require.True(t, ok)
	assert.Equal(t, types.DocumentFormatCsv, docBlock.Value.Format)
	assert.Equal(t, "invoice-march", aws.ToString(docBlock.Value.Name))
	src, ok := docBlock.Value.Source.(*types.DocumentSourceMemberBytes)
	require.True(t, ok)
	assert.Equal(t, "guest_name,total\nA,100\n", string(src.Value))
	assert.Equal(t, &types.ContentBlockMemberText{Value: "Summarize"}, content[1])

	// in-memory documents take the same path
	doc, err := attachment.NewDocument("notes.md", []byte("# Notes\nTotal: 100"))
	require.NoError(t, err)
	_, err = c.Infer(context.Background(), Request{Instruction: "Summarize", Attachment: doc})
	require.NoError(t, err)
	docBlock = fake.in.Messages[0].Content[0].(*types.ContentBlockMemberDocument)
	assert.Equal(t, types.DocumentFormatMd, docBlock.Value.Format)
}

func TestInfer_LocalFailuresMakeNoCall(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name  string
		req   Request
		check func(t *testing.T, err error)
	}{
		{"empty instruction", Request{Instruction: "  \n"}, func(t *testing.T, err error) {
			assert.ErrorIs(t, err, ErrEmptyInstruction)
		}},
		{"missing file", Request{Instruction: "x", AttachmentRef: filepath.Join(dir, "absent.pdf")}, func(t *testing.T, err error) {
			assert.True(t, attachment.IsReadError(err))
		}},
		{"unsupported format", Request{Instruction: "x", Attachment: &attachment.Document{Name: "deck.pptx", Format: "pptx", Bytes: []byte("x")}}, func(t *testing.T, err error) {
			assert.True(t, attachment.IsReadError(err))
		}},
		{"empty document", Request{Instruction: "x", Attachment: &attachment.Document{Name: "e.txt", Format: attachment.FormatTXT}}, func(t *testing.T, err error) {
			assert.True(t, attachment.IsReadError(err))
		}},
		{"both attachments", Request{Instruction: "x", AttachmentRef: "a.txt", Attachment: &attachment.Document{Name: "b.txt"}}, func(t *testing.T, err error) {
			assert.ErrorIs(t, err, ErrConflictingAttachment)
		}},
		{"invalid tools", Request{Instruction: "x", Tools: &schema.ToolSet{}}, func(t *testing.T, err error) {
			assert.True(t, schema.IsParseError(err))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakeConverser{out: reply(text("should not be reached"))}
			resp, err := New(fake, Options{}).Infer(context.Background(), tt.req)
			assert.Nil(t, resp)
			require.Error(t, err)
			tt.check(t, err)
			assert.False(t, IsServiceError(err))
			assert.Equal(t, 0, fake.calls)
		})
	}
}

func apiFailure(status int, code, msg string) error {
	return &smithy.OperationError{
		ServiceID:     "Bedrock Runtime",
		OperationName: "Converse",
		Err: &awshttp.ResponseError{
			ResponseError: &smithyhttp.ResponseError{
				Response: &smithyhttp.Response{Response: &http.Response{StatusCode: status}},
				Err:      &smithy.GenericAPIError{Code: code, Message: msg},
			},
			RequestID: "aws-req-1",
		},
	}
}

func TestInfer_QuotaRejectionIsServiceError(t *testing.T) {
	fake := &fakeConverser{err: apiFailure(400, "ServiceQuotaExceededException", "Your request exceeds the service quota for your account.")}
	c := New(fake, Options{ModelID: "anthropic.claude-3-haiku-20240307-v1:0"})

	resp, err := c.Infer(context.Background(), Request{Instruction: "Summarize"})
	assert.Nil(t, resp)
	require.Error(t, err)
	assert.Equal(t, 1, fake.calls)

	var se *ServiceError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "ServiceQuotaExceededException", se.Code)
	assert.Equal(t, 400, se.StatusCode)
	assert.Equal(t, "aws-req-1", se.AWSRequestID)
	assert.NotEmpty(t, se.RequestID)
	assert.Contains(t, se.Error(), "exceeds the service quota")
	assert.False(t, se.Timeout)
	assert.False(t, IsRetryable(err))
	assert.False(t, IsThrottled(err))
}

func TestInfer_Timeout(t *testing.T) {
	fake := &fakeConverser{block: true}
	c := New(fake, Options{Timeout: 20 * time.Millisecond})

	resp, err := c.Infer(context.Background(), Request{Instruction: "Summarize"})
	assert.Nil(t, resp)
	assert.Equal(t, 1, fake.calls)
	assert.True(t, IsServiceError(err))
	assert.True(t, IsTimeout(err))
	assert.True(t, IsRetryable(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestInfer_InvalidOutput(t *testing.T) {
	fake := &fakeConverser{out: &bedrockruntime.ConverseOutput{}}
	resp, err := New(fake, Options{}).Infer(context.Background(), Request{Instruction: "x"})
	assert.Nil(t, resp)
	var se *ServiceError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, CodeInvalidResponse, se.Code)
}

func TestInfer_SamplingAndSystem(t *testing.T) {
	fake := &fakeConverser{out: reply(text("ok"))}
	c := New(fake, Options{MaxTokens: 1000, Temperature: 0.2})
	temp, topP := 0.7, 0.9

	_, err := c.Infer(context.Background(), Request{
		Instruction: "x",
		System:      "You read hotel invoices.",
		Sampling:    &Sampling{MaxTokens: 256, Temperature: &temp, TopP: &topP},
	})
	require.NoError(t, err)

	ic := fake.in.InferenceConfig
	assert.EqualValues(t, 256, aws.ToInt32(ic.MaxTokens))
	assert.InDelta(t, 0.7, aws.ToFloat32(ic.Temperature), 1e-6)
	assert.InDelta(t, 0.9, aws.ToFloat32(ic.TopP), 1e-6)
	require.Len(t, fake.in.System, 1)
	assert.Equal(t, &types.SystemContentBlockMemberText{Value: "You read hotel invoices."}, fake.in.System[0])

	_, err = c.Infer(context.Background(), Request{Instruction: "x"})
	require.NoError(t, err)
	assert.EqualValues(t, 1000, aws.ToInt32(fake.in.InferenceConfig.MaxTokens))
	assert.InDelta(t, 0.2, aws.ToFloat32(fake.in.InferenceConfig.Temperature), 1e-6)
	assert.Nil(t, fake.in.System)
}

func TestJoined(t *testing.T) {
	assert.Equal(t, "", (&Response{}).Joined())
	assert.Equal(t, "one", (&Response{Text: []string{"one"}}).Joined())
	assert.Equal(t, "one\ntwo", (&Response{Text: []string{"one", "two"}}).Joined())
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		code      string
		status    int
		retryable bool
		throttled bool
	}{
		{"throttling", apiFailure(429, "ThrottlingException", "Too many requests"), "ThrottlingException", 429, true, true},
		{"validation", apiFailure(400, "ValidationException", "bad input"), "ValidationException", 400, false, false},
		{"access denied", apiFailure(403, "AccessDeniedException", "no model access"), "AccessDeniedException", 403, false, false},
		{"model not ready", apiFailure(429, "ModelNotReadyException", "warming up"), "ModelNotReadyException", 429, true, true},
		{"server", apiFailure(500, "InternalServerException", "oops"), "InternalServerException", 500, true, false},
		{"bare 503", &awshttp.ResponseError{ResponseError: &smithyhttp.ResponseError{
			Response: &smithyhttp.Response{Response: &http.Response{StatusCode: 503}},
			Err:      errors.New("upstream unavailable"),
		}}, "ServiceUnavailable", 503, true, false},
		{"unreachable", &smithy.OperationError{ServiceID: "Bedrock Runtime", OperationName: "Converse", Err: errors.New("dial tcp: connection refused")}, CodeUnreachable, 0, true, false},
		{"canceled", context.Canceled, CodeCanceled, 0, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			se := classify(tt.err, "req", false)
			assert.Equal(t, tt.code, se.Code)
			assert.Equal(t, tt.status, se.StatusCode)
			assert.Equal(t, tt.retryable, IsRetryable(se))
			assert.Equal(t, tt.throttled, IsThrottled(se))
			assert.ErrorIs(t, se, tt.err)
		})
	}
	assert.False(t, IsRetryable(errors.New("plain")))
	assert.False(t, IsTimeout(errors.New("plain")))
}
