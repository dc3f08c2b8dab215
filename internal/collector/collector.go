// Package collector orchestrates a collection run: extract the diff,
// detect the language, run the verification commands, assemble the
// trace, and submit it. Verification failures are evidence and flow
// into the trace; only infrastructure faults (no git repository, blank
// task) abort the run.
package collector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Javihaus/cert-code/internal/client"
	"github.com/Javihaus/cert-code/internal/config"
	"github.com/Javihaus/cert-code/internal/gitdiff"
	"github.com/Javihaus/cert-code/internal/language"
	"github.com/Javihaus/cert-code/internal/queue"
	"github.com/Javihaus/cert-code/internal/trace"
	"github.com/Javihaus/cert-code/internal/verify"
)

// Request describes one collection run.
type Request struct {
	Task    string
	Ref     string // defaults to HEAD
	BaseRef string // defaults to Ref's first parent
	Tool    string // code-generation tool label, optional
	// ContextPaths supplements the configured context files for this
	// run only.
	ContextPaths []string
	// SkipVerification collects the diff without running any commands;
	// all three steps are recorded as skipped.
	SkipVerification bool
}

// Collector wires the pipeline stages together.
type Collector struct {
	cfg      config.Config
	registry *language.Registry
	runner   *verify.Runner
	builder  *trace.Builder
	repoRoot string
	logger   *zap.Logger
}

// New creates a Collector rooted at repoRoot.
func New(cfg config.Config, repoRoot string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	maxContext := cfg.Context.MaxSize
	return &Collector{
		cfg:      cfg,
		registry: cfg.BuildRegistry(),
		runner:   verify.NewRunner(cfg.Verification.MaxOutputBytes, logger),
		builder:  trace.NewBuilder(maxContext, logger),
		repoRoot: repoRoot,
		logger:   logger,
	}
}

// Registry exposes the merged language registry, e.g. for listing.
func (c *Collector) Registry() *language.Registry { return c.registry }

// Collect runs the pipeline through trace construction without
// submitting. The returned trace carries whatever verification evidence
// could be gathered, including tool errors.
func (c *Collector) Collect(ctx context.Context, req Request) (*trace.Trace, error) {
	ref := req.Ref
	if ref == "" {
		ref = "HEAD"
	}

	repo, err := gitdiff.NewCLIRepository(ctx, c.repoRoot)
	if err != nil {
		return nil, err
	}

	diff, err := gitdiff.NewExtractor(repo, c.logger).Extract(ctx, ref, req.BaseRef)
	if err != nil {
		return nil, err
	}
	diff.Language = gitdiff.DetectLanguage(diff, c.registry)

	c.logger.Info("Diff collected",
		zap.String("ref", ref),
		zap.String("language", diff.Language),
		zap.Int("files", len(diff.Files)),
		zap.Int("additions", diff.TotalAdditions()),
		zap.Int("deletions", diff.TotalDeletions()))

	var results []trace.VerificationResult
	if !req.SkipVerification {
		results = c.verify(ctx, diff.Language)
	} else {
		for _, kind := range trace.CanonicalKinds {
			results = append(results, trace.VerificationResult{
				Kind:   kind,
				Status: trace.StatusSkipped,
			})
		}
	}

	contextPaths := append([]string{}, c.cfg.Context.Files...)
	contextPaths = append(contextPaths, req.ContextPaths...)

	return c.builder.Build(req.Task, diff, results, contextPaths, req.Tool)
}

// verify resolves the detected language's commands and runs them in
// parallel. An unknown language yields three skipped results rather
// than an error: the trace is still submittable evidence.
func (c *Collector) verify(ctx context.Context, lang string) []trace.VerificationResult {
	desc, err := c.registry.Resolve(lang)
	if err != nil {
		c.logger.Warn("No verification commands for language, skipping all steps",
			zap.String("language", lang))
		results := make([]trace.VerificationResult, 0, len(trace.CanonicalKinds))
		for _, kind := range trace.CanonicalKinds {
			results = append(results, trace.VerificationResult{
				Kind:   kind,
				Status: trace.StatusSkipped,
			})
		}
		return results
	}

	reqs := []verify.Request{
		{Kind: trace.KindTest, Command: desc.TestCommand, Timeout: c.cfg.TestTimeout()},
		{Kind: trace.KindLint, Command: desc.LintCommand, Policy: desc.LintScore, Timeout: c.cfg.LintTimeout()},
		{Kind: trace.KindTypecheck, Command: desc.TypecheckCommand, Policy: desc.TypecheckScore, Timeout: c.cfg.TypecheckTimeout()},
	}
	results := c.runner.RunAll(ctx, c.repoRoot, reqs)

	// Kinds whose command is empty never ran; record them as skipped so
	// every trace carries all three steps.
	present := make(map[trace.VerificationKind]bool, len(results))
	for _, r := range results {
		present[r.Kind] = true
	}
	for _, kind := range trace.CanonicalKinds {
		if !present[kind] {
			results = append(results, trace.VerificationResult{
				Kind:   kind,
				Status: trace.StatusSkipped,
			})
		}
	}
	return results
}

// CollectAndSubmit runs the full pipeline for a single task. When
// submission exhausts its retries the trace payload lands in the retry
// queue so a later run can retransmit it without re-running
// verification. The outcome is returned alongside any queueing error.
func (c *Collector) CollectAndSubmit(ctx context.Context, req Request, cl *client.Client, q *queue.RetryQueue) (client.Outcome, error) {
	t, err := c.Collect(ctx, req)
	if err != nil {
		return client.Outcome{}, err
	}

	out := cl.SubmitOne(ctx, t)
	if out.Err != nil && errors.Is(out.Err, client.ErrRetryExhausted) && q != nil {
		payload, perr := t.Payload()
		if perr == nil {
			if qerr := q.Enqueue(t.Task(), payload, t.IdempotencyToken(), c.cfg.Submission.MaxAttempts, out.Err.Error()); qerr != nil {
				c.logger.Error("Failed to queue trace for retry", zap.Error(qerr))
			}
		}
	}
	return out, nil
}

// Resubmit drains the retry queue through the client. Stored payloads
// are retransmitted as-is; successful and duplicate submissions are
// removed from the queue, fresh failures update their attempt counts.
func Resubmit(ctx context.Context, q *queue.RetryQueue, cl *client.Client, logger *zap.Logger) (submitted, failed int, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	entries, err := q.Pending(0)
	if err != nil {
		return 0, 0, err
	}
	if len(entries) == 0 {
		return 0, 0, nil
	}
	logger.Info("Resubmitting queued traces", zap.Int("count", len(entries)))

	for _, e := range entries {
		if ctx.Err() != nil {
			return submitted, failed, ctx.Err()
		}

		out := cl.SubmitPayload(ctx, e.Payload, e.Token)
		switch {
		case out.Success:
			submitted++
			if rerr := q.Remove(e.ID); rerr != nil {
				logger.Warn("Failed to remove submitted queue entry",
					zap.String("id", e.ID), zap.Error(rerr))
			}
		case errors.Is(out.Err, client.ErrRejected):
			// A rejected payload will never succeed; drop it.
			failed++
			logger.Warn("Queued trace rejected, dropping",
				zap.String("token", e.Token), zap.Error(out.Err))
			if rerr := q.Remove(e.ID); rerr != nil {
				logger.Warn("Failed to remove rejected queue entry",
					zap.String("id", e.ID), zap.Error(rerr))
			}
		default:
			failed++
			if qerr := q.Enqueue(e.Task, e.Payload, e.Token, e.Attempts+1, out.Err.Error()); qerr != nil {
				logger.Warn("Failed to update queue entry",
					zap.String("id", e.ID), zap.Error(qerr))
			}
		}
	}
	return submitted, failed, nil
}

// BatchItem pairs a task with its optional per-item overrides for
// Batch.
type BatchItem struct {
	Task    string
	Ref     string
	BaseRef string
	Tool    string
}

// Batch collects one trace per item sequentially (verification runs
// compete for the same working tree) and then submits them all with
// bounded concurrency. Collection errors for individual items become
// failed outcomes rather than aborting the batch.
func (c *Collector) Batch(ctx context.Context, items []BatchItem, cl *client.Client, q *queue.RetryQueue) ([]client.Outcome, error) {
	if len(items) == 0 {
		return nil, nil
	}

	start := time.Now()
	traces := make([]*trace.Trace, 0, len(items))
	collectErrs := make(map[int]error)
	indexOf := make(map[*trace.Trace]int)

	for i, item := range items {
		t, err := c.Collect(ctx, Request{
			Task:    item.Task,
			Ref:     item.Ref,
			BaseRef: item.BaseRef,
			Tool:    item.Tool,
		})
		if err != nil {
			collectErrs[i] = err
			c.logger.Error("Collection failed",
				zap.String("task", item.Task), zap.Error(err))
			continue
		}
		indexOf[t] = i
		traces = append(traces, t)
	}

	submitted, err := cl.SubmitBatch(ctx, traces, c.cfg.Submission.Concurrency)
	if err != nil {
		return nil, err
	}

	// Reassemble in item order, interleaving collection failures.
	outcomes := make([]client.Outcome, len(items))
	for i := range items {
		if cerr, ok := collectErrs[i]; ok {
			outcomes[i] = client.Outcome{Err: fmt.Errorf("collection failed: %w", cerr)}
		}
	}
	for _, out := range submitted {
		outcomes[indexOf[out.Trace]] = out
	}

	if q != nil {
		for _, out := range outcomes {
			if out.Err == nil || !errors.Is(out.Err, client.ErrRetryExhausted) || out.Trace == nil {
				continue
			}
			payload, perr := out.Trace.Payload()
			if perr != nil {
				continue
			}
			if qerr := q.Enqueue(out.Trace.Task(), payload, out.Token, c.cfg.Submission.MaxAttempts, out.Err.Error()); qerr != nil {
				c.logger.Error("Failed to queue trace for retry", zap.Error(qerr))
			}
		}
	}

	c.logger.Info("Batch run complete",
		zap.Int("items", len(items)),
		zap.Duration("elapsed", time.Since(start)))
	return outcomes, nil
}
