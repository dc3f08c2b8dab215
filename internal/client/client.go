// Package client submits traces to the CERT evaluation API. Batches run
// on a fixed-size worker pool with bounded in-flight requests; each
// attempt carries a deterministic idempotency token, retries transient
// failures with exponential backoff and jitter, and one trace's failure
// never aborts its siblings.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/Javihaus/cert-code/internal/trace"
)

var (
	// ErrInvalidConcurrency rejects batch calls with concurrency <= 0.
	ErrInvalidConcurrency = errors.New("concurrency must be positive")
	// ErrRetryExhausted marks a submission that failed after the
	// maximum number of attempts.
	ErrRetryExhausted = errors.New("submission retries exhausted")
	// ErrRejected marks a non-retryable submission failure (4xx other
	// than 429, malformed payload).
	ErrRejected = errors.New("submission rejected")
	// ErrCancelled marks traces that were never dispatched because the
	// caller cancelled the batch.
	ErrCancelled = errors.New("submission cancelled")
)

// DefaultMaxAttempts bounds submission attempts (first try + retries).
const DefaultMaxAttempts = 4

// Outcome is the per-trace submission result. Exactly one Outcome is
// produced for every submitted trace, success or not.
type Outcome struct {
	Trace      *trace.Trace
	Token      string
	Success    bool
	TraceID    string          // assigned by the remote service
	Duplicate  bool            // recognized server-side via idempotency token
	Evaluation json.RawMessage // opaque synchronous evaluation, if any
	Err        error
}

// Options configures a Client.
type Options struct {
	BaseURL        string
	APIKey         string
	MaxAttempts    int
	RequestTimeout time.Duration
	// InitialBackoff seeds the exponential backoff; tests shrink it.
	InitialBackoff time.Duration
	HTTPClient     *http.Client
	Logger         *zap.Logger
}

// Client is a CERT API submission client. Safe for concurrent use.
type Client struct {
	baseURL     string
	apiKey      string
	maxAttempts int
	reqTimeout  time.Duration
	initialWait time.Duration
	http        *http.Client
	logger      *zap.Logger

	// Shared rate-limit state: workers hold off until this instant
	// after a 429. Access is mutex-guarded.
	mu         sync.Mutex
	retryAfter time.Time
}

// New creates a Client.
func New(opts Options) *Client {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 500 * time.Millisecond
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Client{
		baseURL:     opts.BaseURL,
		apiKey:      opts.APIKey,
		maxAttempts: opts.MaxAttempts,
		reqTimeout:  opts.RequestTimeout,
		initialWait: opts.InitialBackoff,
		http:        opts.HTTPClient,
		logger:      opts.Logger,
	}
}

// SubmitOne builds the payload for a single trace and submits it.
func (c *Client) SubmitOne(ctx context.Context, t *trace.Trace) Outcome {
	payload, err := t.Payload()
	if err != nil {
		return Outcome{Trace: t, Token: t.IdempotencyToken(), Err: fmt.Errorf("%w: %v", ErrRejected, err)}
	}
	out := c.SubmitPayload(ctx, payload, t.IdempotencyToken())
	out.Trace = t
	return out
}

// SubmitBatch submits traces with at most concurrency simultaneous
// in-flight requests. It returns one outcome per input trace, in input
// order regardless of completion order. Cancelling ctx stops dispatch
// of new requests, lets in-flight ones finish, and marks unattempted
// traces with ErrCancelled. The call itself only errors on invalid
// arguments - per-trace failures live in the outcomes.
func (c *Client) SubmitBatch(ctx context.Context, traces []*trace.Trace, concurrency int) ([]Outcome, error) {
	if concurrency <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidConcurrency, concurrency)
	}

	outcomes := make([]Outcome, len(traces))
	jobs := make(chan int)

	workers := concurrency
	if workers > len(traces) {
		workers = len(traces)
	}

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				if ctx.Err() != nil {
					outcomes[idx] = Outcome{
						Trace: traces[idx],
						Token: traces[idx].IdempotencyToken(),
						Err:   ErrCancelled,
					}
					continue
				}
				outcomes[idx] = c.SubmitOne(ctx, traces[idx])
			}
		}()
	}

	for i := range traces {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	failures := 0
	for _, out := range outcomes {
		if !out.Success {
			failures++
		}
	}
	c.logger.Info("Batch submission complete",
		zap.Int("traces", len(traces)),
		zap.Int("concurrency", concurrency),
		zap.Int("failures", failures))
	return outcomes, nil
}

// SubmitPayload submits an already-serialized trace payload with its
// idempotency token. Resubmission from the retry queue goes through
// here so verification is never re-run for a retransmit.
func (c *Client) SubmitPayload(ctx context.Context, payload []byte, token string) Outcome {
	out := Outcome{Token: token}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.initialWait
	bo.RandomizationFactor = 0.5
	bo.Reset()

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		c.waitForRateLimit(ctx)

		resp, err := c.post(ctx, payload, token)
		if err == nil {
			out.Success = true
			out.TraceID = resp.traceID
			out.Duplicate = resp.duplicate
			out.Evaluation = resp.evaluation
			return out
		}
		lastErr = err

		if errors.Is(err, ErrRejected) {
			out.Err = err
			return out
		}
		if attempt == c.maxAttempts {
			break
		}

		wait := bo.NextBackOff()
		c.logger.Debug("Retrying submission",
			zap.String("token", token),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err))
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			// Cancelled between attempts; no further retries dispatch.
			out.Err = fmt.Errorf("%w: %v", ErrCancelled, lastErr)
			return out
		}
	}

	out.Err = fmt.Errorf("%w after %d attempts: %v", ErrRetryExhausted, c.maxAttempts, lastErr)
	return out
}

type apiResponse struct {
	traceID    string
	duplicate  bool
	evaluation json.RawMessage
}

// retryableError wraps transient failures so the retry loop can
// distinguish them from ErrRejected.
type retryableError struct{ err error }

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

func (c *Client) post(ctx context.Context, payload []byte, token string) (*apiResponse, error) {
	// In-flight requests outlive batch cancellation: only the
	// per-request timeout applies here, dispatch checks ctx.
	reqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.reqTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+"/traces", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRejected, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "cert-code/"+trace.Version)
	req.Header.Set("Idempotency-Key", token)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// Network failures (timeouts, refused connections) are transient.
		return nil, &retryableError{fmt.Errorf("request failed: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &retryableError{fmt.Errorf("reading response: %w", err)}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return parseSuccess(body)

	case resp.StatusCode == http.StatusConflict:
		// The server saw this idempotency token already: the earlier
		// attempt succeeded even though its response was lost.
		r, perr := parseSuccess(body)
		if perr != nil {
			r = &apiResponse{}
		}
		r.duplicate = true
		return r, nil

	case resp.StatusCode == http.StatusTooManyRequests:
		c.noteRateLimit(resp.Header.Get("Retry-After"))
		return nil, &retryableError{fmt.Errorf("rate limited (429): %s", errorMessage(body))}

	case resp.StatusCode >= 500:
		return nil, &retryableError{fmt.Errorf("server error (%d): %s", resp.StatusCode, errorMessage(body))}

	default:
		return nil, fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, errorMessage(body))
	}
}

func parseSuccess(body []byte) (*apiResponse, error) {
	var data struct {
		ID         string          `json:"id"`
		TraceID    string          `json:"trace_id"`
		Duplicate  bool            `json:"duplicate"`
		Evaluation json.RawMessage `json:"evaluation"`
	}
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, &retryableError{fmt.Errorf("malformed response body: %w", err)}
	}
	id := data.TraceID
	if id == "" {
		id = data.ID
	}
	return &apiResponse{traceID: id, duplicate: data.Duplicate, evaluation: data.Evaluation}, nil
}

func errorMessage(body []byte) string {
	var data struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	if json.Unmarshal(body, &data) == nil && data.Error != "" {
		if data.Code != "" {
			return data.Code + ": " + data.Error
		}
		return data.Error
	}
	msg := string(body)
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}

// noteRateLimit records a 429 in the shared rate-limit state.
func (c *Client) noteRateLimit(retryAfter string) {
	wait := time.Second
	if secs, err := strconv.Atoi(retryAfter); err == nil && secs > 0 {
		wait = time.Duration(secs) * time.Second
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	until := time.Now().Add(wait)
	if until.After(c.retryAfter) {
		c.retryAfter = until
	}
}

// waitForRateLimit blocks while the shared rate-limit window is open.
func (c *Client) waitForRateLimit(ctx context.Context) {
	c.mu.Lock()
	until := c.retryAfter
	c.mu.Unlock()

	wait := time.Until(until)
	if wait <= 0 {
		return
	}
	select {
	case <-time.After(wait):
	case <-ctx.Done():
	}
}
