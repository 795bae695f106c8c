// Package inference sends one instruction, an optional document and an
// optional tool specification to the Bedrock Converse endpoint and returns
// the normalised reply.
package inference

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/google/uuid"

	"github.com/local/docinfer/internal/attachment"
	"github.com/local/docinfer/internal/config"
	"github.com/local/docinfer/internal/logger"
	"github.com/local/docinfer/internal/metrics"
)

// Converser is the Converse method of *bedrockruntime.Client.
type Converser interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// Options configures a Client.
type Options struct {
	ModelID     string
	MaxTokens   int
	Temperature float64
	// Timeout bounds a single call; zero means no client-side deadline.
	Timeout time.Duration
	// Loader resolves AttachmentRef and checks in-memory attachments.
	// Nil gets a local-only loader with the default size limit.
	Loader *attachment.Loader
}

// OptionsFromConfig maps the bedrock section of the config.
func OptionsFromConfig(cfg config.Config, loader *attachment.Loader) Options {
	return Options{
		ModelID:     cfg.Bedrock.ModelID,
		MaxTokens:   cfg.Bedrock.MaxTokens,
		Temperature: cfg.Bedrock.Temperature,
		Timeout:     cfg.Bedrock.Timeout,
		Loader:      loader,
	}
}

// Client issues inference calls. It holds no per-call state.
type Client struct {
	api  Converser
	opts Options
}

// New creates a client over api.
func New(api Converser, opts Options) *Client {
	if opts.ModelID == "" {
		opts.ModelID = config.DefaultModelID
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 4096
	}
	if opts.Loader == nil {
		opts.Loader = attachment.NewLoader(attachment.Options{MaxBytes: config.DefaultMaxAttachmentBytes})
	}
	return &Client{api: api, opts: opts}
}

// NewBedrockClient builds the runtime client with SDK retries disabled: every
// Infer is exactly one attempt and retry policy belongs to the caller.
func NewBedrockClient(cfg aws.Config) *bedrockruntime.Client {
	return bedrockruntime.NewFromConfig(cfg, func(o *bedrockruntime.Options) {
		o.Retryer = aws.NopRetryer{}
	})
}

// ModelID returns the model the client sends requests to.
func (c *Client) ModelID() string { return c.opts.ModelID }

// Infer performs one blocking call. Local validation failures
// (ErrEmptyInstruction, *attachment.ReadError, *schema.ParseError) are
// returned before anything is sent; endpoint failures are *ServiceError.
func (c *Client) Infer(ctx context.Context, req Request) (*Response, error) {
	lg := logger.Component("inference")

	if strings.TrimSpace(req.Instruction) == "" {
		return nil, ErrEmptyInstruction
	}
	if req.Attachment != nil && req.AttachmentRef != "" {
		return nil, ErrConflictingAttachment
	}

	doc := req.Attachment
	if req.AttachmentRef != "" {
		loaded, err := c.opts.Loader.Load(ctx, req.AttachmentRef)
		if err != nil {
			return nil, err
		}
		doc = loaded
	} else if doc != nil {
		if err := c.opts.Loader.Check(doc); err != nil {
			return nil, err
		}
	}

	if req.Tools != nil {
		if err := req.Tools.Validate(); err != nil {
			return nil, err
		}
	}

	input := c.buildInput(req, doc)
	requestID := uuid.NewString()

	callCtx := ctx
	if c.opts.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
	}

	start := time.Now()
	out, err := c.api.Converse(callCtx, input)
	dur := time.Since(start)

	if err != nil {
		timedOut := errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
		se := classify(err, requestID, timedOut)
		metrics.ObserveInference(c.opts.ModelID, se.Code, dur)
		lg.Error().
			Err(err).
			Str("request_id", requestID).
			Str("model", c.opts.ModelID).
			Str("code", se.Code).
			Int("status", se.StatusCode).
			Dur("duration", dur).
			Msg("inference failed")
		return nil, se
	}

	resp, err := normalize(out)
	if err != nil {
		se := &ServiceError{Code: CodeInvalidResponse, Message: err.Error(), RequestID: requestID, Err: err}
		metrics.ObserveInference(c.opts.ModelID, se.Code, dur)
		lg.Error().Err(err).Str("request_id", requestID).Msg("inference returned an unusable response")
		return nil, se
	}
	resp.RequestID = requestID

	metrics.ObserveInference(c.opts.ModelID, "success", dur)
	for _, inv := range resp.Invocations {
		metrics.IncToolInvocation(inv.Name)
	}

	ev := lg.Info().
		Str("request_id", requestID).
		Str("model", c.opts.ModelID).
		Int("text_blocks", len(resp.Text)).
		Int("tool_invocations", len(resp.Invocations)).
		Str("stop_reason", resp.StopReason).
		Int("input_tokens", resp.Usage.InputTokens).
		Int("output_tokens", resp.Usage.OutputTokens).
		Dur("duration", dur)
	if doc != nil {
		ev = ev.Str("format", string(doc.Format)).Int("attachment_size", len(doc.Bytes))
	}
	ev.Msg("inference completed")

	return resp, nil
}
