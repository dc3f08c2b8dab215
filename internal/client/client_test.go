package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/Javihaus/cert-code/internal/trace"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"))
}

func testTrace(t *testing.T, task string) *trace.Trace {
	t.Helper()
	b := trace.NewBuilder(0, zap.NewNop())
	tr, err := b.FromParts(task, trace.DiffSummary{
		Files:    []trace.FileChange{{Path: "main.py", Kind: trace.ChangeModified, LinesAdded: 1}},
		Language: "python",
		Raw:      "diff --git a/main.py b/main.py\n",
	}, []trace.VerificationResult{
		{Kind: trace.KindTest, Status: trace.StatusPassed, Score: trace.ScoreOf(1), Tool: "pytest"},
	}, nil, "")
	require.NoError(t, err)
	return tr
}

func testClient(url string, maxAttempts int) *Client {
	return New(Options{
		BaseURL:        url,
		APIKey:         "test-key",
		MaxAttempts:    maxAttempts,
		RequestTimeout: 5 * time.Second,
		InitialBackoff: time.Millisecond,
	})
}

func TestSubmitOneSuccess(t *testing.T) {
	var gotToken, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken = r.Header.Get("Idempotency-Key")
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"trace_id":"tr_123"}`)
	}))
	defer srv.Close()

	tr := testTrace(t, "add feature")
	out := testClient(srv.URL, 4).SubmitOne(context.Background(), tr)

	require.NoError(t, out.Err)
	assert.True(t, out.Success)
	assert.Equal(t, "tr_123", out.TraceID)
	assert.False(t, out.Duplicate)
	assert.Equal(t, tr.IdempotencyToken(), gotToken)
	assert.Equal(t, "Bearer test-key", gotAuth)
}

func TestSubmitRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, `{"trace_id":"tr_ok"}`)
	}))
	defer srv.Close()

	out := testClient(srv.URL, 4).SubmitOne(context.Background(), testTrace(t, "task"))

	require.NoError(t, out.Err)
	assert.True(t, out.Success)
	assert.Equal(t, int32(3), calls.Load())
}

func TestSubmitRetryExhaustion(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	out := testClient(srv.URL, 4).SubmitOne(context.Background(), testTrace(t, "task"))

	assert.False(t, out.Success)
	assert.ErrorIs(t, out.Err, ErrRetryExhausted)
	assert.Equal(t, int32(4), calls.Load(), "first attempt plus three retries")
}

func TestSubmitRejectedIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		fmt.Fprint(w, `{"error":"missing field","code":"invalid_payload"}`)
	}))
	defer srv.Close()

	out := testClient(srv.URL, 4).SubmitOne(context.Background(), testTrace(t, "task"))

	assert.False(t, out.Success)
	assert.ErrorIs(t, out.Err, ErrRejected)
	assert.Contains(t, out.Err.Error(), "invalid_payload")
	assert.Equal(t, int32(1), calls.Load())
}

func TestSubmitDuplicateConflictIsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		fmt.Fprint(w, `{"trace_id":"tr_earlier"}`)
	}))
	defer srv.Close()

	out := testClient(srv.URL, 4).SubmitOne(context.Background(), testTrace(t, "task"))

	require.NoError(t, out.Err)
	assert.True(t, out.Success)
	assert.True(t, out.Duplicate, "409 means the earlier attempt already landed")
	assert.Equal(t, "tr_earlier", out.TraceID)
}

func TestSubmitRateLimitHonorsRetryAfter(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, `{"trace_id":"tr_after_limit"}`)
	}))
	defer srv.Close()

	start := time.Now()
	out := testClient(srv.URL, 4).SubmitOne(context.Background(), testTrace(t, "task"))

	require.NoError(t, out.Err)
	assert.True(t, out.Success)
	assert.GreaterOrEqual(t, time.Since(start), time.Second,
		"second attempt must wait out the Retry-After window")
}

func TestSubmitBatchInvalidConcurrency(t *testing.T) {
	c := testClient("http://localhost:0", 1)
	for _, n := range []int{0, -1} {
		_, err := c.SubmitBatch(context.Background(), nil, n)
		assert.ErrorIs(t, err, ErrInvalidConcurrency)
	}
}

func TestSubmitBatchOutcomesInInputOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			InputText string `json:"input_text"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		fmt.Fprintf(w, `{"trace_id":%q}`, "id-"+body.InputText)
	}))
	defer srv.Close()

	traces := make([]*trace.Trace, 10)
	for i := range traces {
		traces[i] = testTrace(t, fmt.Sprintf("task-%d", i))
	}

	outcomes, err := testClient(srv.URL, 1).SubmitBatch(context.Background(), traces, 3)
	require.NoError(t, err)
	require.Len(t, outcomes, 10)

	for i, out := range outcomes {
		require.NoError(t, out.Err)
		assert.Same(t, traces[i], out.Trace)
		assert.Equal(t, fmt.Sprintf("id-task-%d", i), out.TraceID)
	}
}

func TestSubmitBatchBoundsInFlightRequests(t *testing.T) {
	var mu sync.Mutex
	inFlight, maxInFlight := 0, 0

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()

		time.Sleep(30 * time.Millisecond)

		mu.Lock()
		inFlight--
		mu.Unlock()
		fmt.Fprint(w, `{"trace_id":"x"}`)
	}))
	defer srv.Close()

	traces := make([]*trace.Trace, 10)
	for i := range traces {
		traces[i] = testTrace(t, fmt.Sprintf("task-%d", i))
	}

	outcomes, err := testClient(srv.URL, 1).SubmitBatch(context.Background(), traces, 3)
	require.NoError(t, err)
	require.Len(t, outcomes, 10)

	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, maxInFlight, 3, "never more than concurrency requests in flight")
	assert.Greater(t, maxInFlight, 1, "the pool actually runs in parallel")
}

func TestSubmitBatchOneFailureDoesNotAbortSiblings(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var body struct {
			InputText string `json:"input_text"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.InputText == "task-2" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, `{"trace_id":"ok"}`)
	}))
	defer srv.Close()

	traces := make([]*trace.Trace, 5)
	for i := range traces {
		traces[i] = testTrace(t, fmt.Sprintf("task-%d", i))
	}

	outcomes, err := testClient(srv.URL, 4).SubmitBatch(context.Background(), traces, 2)
	require.NoError(t, err)
	require.Len(t, outcomes, 5)

	for i, out := range outcomes {
		if i == 2 {
			assert.ErrorIs(t, out.Err, ErrRetryExhausted)
			continue
		}
		assert.True(t, out.Success, "trace %d", i)
	}
}

func TestSubmitBatchCancellation(t *testing.T) {
	release := make(chan struct{})
	var once sync.Once
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// First request parks until the test cancels the batch, so the
		// remaining jobs are still queued at cancellation time.
		<-release
		fmt.Fprint(w, `{"trace_id":"late"}`)
	}))
	defer srv.Close()

	traces := make([]*trace.Trace, 6)
	for i := range traces {
		traces[i] = testTrace(t, fmt.Sprintf("task-%d", i))
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
		once.Do(func() { close(release) })
	}()
	defer once.Do(func() { close(release) })

	outcomes, err := testClient(srv.URL, 1).SubmitBatch(ctx, traces, 1)
	require.NoError(t, err)
	require.Len(t, outcomes, 6)

	// The in-flight request finished; everything queued behind it was
	// marked cancelled without being sent.
	assert.True(t, outcomes[0].Success, "in-flight request completes despite cancellation")
	cancelled := 0
	for _, out := range outcomes[1:] {
		if assert.Error(t, out.Err) {
			assert.ErrorIs(t, out.Err, ErrCancelled)
			cancelled++
		}
	}
	assert.Equal(t, 5, cancelled)
}

func TestSubmitPayloadReusesToken(t *testing.T) {
	var gotToken string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken = r.Header.Get("Idempotency-Key")
		fmt.Fprint(w, `{"trace_id":"tr_requeued"}`)
	}))
	defer srv.Close()

	out := testClient(srv.URL, 1).SubmitPayload(context.Background(), []byte(`{"name":"x"}`), "stored-token")

	require.NoError(t, out.Err)
	assert.Equal(t, "stored-token", gotToken)
	assert.Equal(t, "stored-token", out.Token)
}
