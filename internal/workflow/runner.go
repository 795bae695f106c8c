// Package workflow strings inference calls together: summarising a document,
// having the model author an extraction schema, extracting records from many
// documents with it, and answering questions over the extracted records.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/local/docinfer/internal/config"
	"github.com/local/docinfer/internal/inference"
	"github.com/local/docinfer/internal/logger"
	"github.com/local/docinfer/internal/records"
	"github.com/local/docinfer/internal/schema"
)

// ErrNoInvocation means the model answered in prose instead of calling a tool.
var ErrNoInvocation = errors.New("response contains no tool invocation")

// Inferer is the part of *inference.Client the workflows use.
type Inferer interface {
	Infer(ctx context.Context, req inference.Request) (*inference.Response, error)
}

// Options controls caller-side policy. MaxAttempts <= 1 disables retries.
type Options struct {
	MaxAttempts   int
	RetryDelay    time.Duration
	StrictRecords bool
}

// OptionsFromConfig maps the workflow section of the config.
func OptionsFromConfig(cfg config.WorkflowConfig) Options {
	return Options{
		MaxAttempts:   cfg.MaxAttempts,
		RetryDelay:    cfg.RetryDelay,
		StrictRecords: cfg.StrictRecords,
	}
}

type Runner struct {
	client Inferer
	opts   Options
	log    zerolog.Logger
}

func NewRunner(client Inferer, opts Options) *Runner {
	return &Runner{client: client, opts: opts, log: logger.Component("workflow")}
}

// Summarize returns the model's text summary of the referenced document.
func (r *Runner) Summarize(ctx context.Context, ref, prompt string) (string, error) {
	resp, err := r.infer(ctx, inference.Request{
		Instruction:   or(prompt, SummarizePrompt),
		AttachmentRef: ref,
	})
	if err != nil {
		return "", fmt.Errorf("summarize %s: %w", ref, err)
	}
	return resp.Joined(), nil
}

// AuthorSchema asks the model to design a tool specification for documents
// like ref and parses it at the trust boundary. A single authored tool with
// no selection policy is forced, so later extraction calls must use it.
func (r *Runner) AuthorSchema(ctx context.Context, ref, prompt string) (*schema.ToolSet, error) {
	resp, err := r.infer(ctx, inference.Request{
		Instruction:   or(prompt, SchemaPrompt),
		AttachmentRef: ref,
	})
	if err != nil {
		return nil, fmt.Errorf("author schema from %s: %w", ref, err)
	}
	ts, err := schema.Parse(resp.Joined())
	if err != nil {
		r.log.Warn().Err(err).Str("ref", ref).Str("request_id", resp.RequestID).Msg("model-authored schema rejected")
		return nil, err
	}
	if len(ts.Tools) == 1 && ts.Choice.Mode == "" {
		ts.Choice = schema.Force(ts.Tools[0].Name)
	}
	r.log.Info().
		Str("ref", ref).
		Strs("tools", toolNames(ts)).
		Msg("schema authored")
	return ts, nil
}

// Extract runs one structured call against ref and returns a record for each
// tool invocation, in order.
func (r *Runner) Extract(ctx context.Context, ref string, tools *schema.ToolSet, prompt string) ([]records.Entry, error) {
	if tools == nil {
		return nil, fmt.Errorf("extract %s: no tool specification", ref)
	}
	resp, err := r.infer(ctx, inference.Request{
		Instruction:   or(prompt, ExtractPrompt),
		AttachmentRef: ref,
		Tools:         tools,
	})
	if err != nil {
		return nil, fmt.Errorf("extract %s: %w", ref, err)
	}
	if len(resp.Invocations) == 0 {
		return nil, fmt.Errorf("extract %s: %w (stop reason %q)", ref, ErrNoInvocation, resp.StopReason)
	}

	entries := make([]records.Entry, 0, len(resp.Invocations))
	for _, inv := range resp.Invocations {
		rec, err := inv.Record()
		if err != nil {
			return nil, fmt.Errorf("extract %s: %w", ref, err)
		}
		if r.opts.StrictRecords {
			tool, ok := tools.Lookup(inv.Name)
			if !ok {
				return nil, fmt.Errorf("extract %s: model invoked undeclared tool %q", ref, inv.Name)
			}
			if err := tool.Conform(rec); err != nil {
				return nil, fmt.Errorf("extract %s: %w", ref, err)
			}
		}
		entries = append(entries, records.Entry{Source: ref, Tool: inv.Name, Record: rec})
	}
	return entries, nil
}

// Failure is one document ExtractAll skipped.
type Failure struct {
	Ref string
	Err error
}

// Report summarises an ExtractAll run.
type Report struct {
	Processed int
	Records   int
	Failures  []Failure
}

// Err joins the failures, or returns nil when every document succeeded.
func (rep *Report) Err() error {
	errs := make([]error, 0, len(rep.Failures))
	for _, f := range rep.Failures {
		errs = append(errs, f.Err)
	}
	return errors.Join(errs...)
}

// ExtractAll processes refs one at a time and appends their records to coll.
// A failing document is recorded in the report and skipped; records already
// in coll are kept. Cancellation of ctx stops the run.
func (r *Runner) ExtractAll(ctx context.Context, refs []string, tools *schema.ToolSet, prompt string, coll *records.Collection) *Report {
	rep := &Report{}
	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			rep.Failures = append(rep.Failures, Failure{Ref: ref, Err: err})
			continue
		}
		rep.Processed++
		entries, err := r.Extract(ctx, ref, tools, prompt)
		if err != nil {
			r.log.Warn().Err(err).Str("ref", ref).Msg("skipping document")
			rep.Failures = append(rep.Failures, Failure{Ref: ref, Err: err})
			continue
		}
		for _, e := range entries {
			coll.Add(e.Source, e.Tool, e.Record)
		}
		rep.Records += len(entries)
	}
	r.log.Info().
		Int("documents", len(refs)).
		Int("records", rep.Records).
		Int("failed", len(rep.Failures)).
		Int("collection_size", coll.Len()).
		Msg("extraction finished")
	return rep
}

// Ask serialises the collection into one call with no attachment and no tools
// and returns the model's answer as is.
func (r *Runner) Ask(ctx context.Context, question string, coll *records.Collection) (string, error) {
	if strings.TrimSpace(question) == "" {
		return "", inference.ErrEmptyInstruction
	}
	data, err := coll.JSON()
	if err != nil {
		return "", err
	}
	resp, err := r.infer(ctx, inference.Request{Instruction: fmt.Sprintf(askTemplate, data, question)})
	if err != nil {
		return "", fmt.Errorf("ask: %w", err)
	}
	return resp.Joined(), nil
}

// infer is a single call unless retries are enabled, in which case only
// errors the endpoint may recover from are retried.
func (r *Runner) infer(ctx context.Context, req inference.Request) (*inference.Response, error) {
	if r.opts.MaxAttempts <= 1 {
		return r.client.Infer(ctx, req)
	}
	var resp *inference.Response
	err := retry.Do(
		func() error {
			var err error
			resp, err = r.client.Infer(ctx, req)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(uint(r.opts.MaxAttempts)),
		retry.Delay(r.opts.RetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(inference.IsRetryable),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			r.log.Warn().Err(err).Uint("attempt", n+1).Msg("retrying inference")
		}),
	)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func toolNames(ts *schema.ToolSet) []string {
	return lo.Map(ts.Tools, func(t schema.Tool, _ int) string { return t.Name })
}
