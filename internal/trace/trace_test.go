package trace

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func sampleDiff() DiffSummary {
	return DiffSummary{
		Files: []FileChange{
			{Path: "api/handler.py", Kind: ChangeModified, LinesAdded: 12, LinesRemoved: 4},
			{Path: "api/limits.py", Kind: ChangeAdded, LinesAdded: 40},
		},
		Language: "python",
		Raw:      "diff --git a/api/handler.py b/api/handler.py\n",
	}
}

func sampleResults() []VerificationResult {
	return []VerificationResult{
		{Kind: KindTest, Status: StatusPassed, Score: ScoreOf(1), Tool: "pytest"},
		{Kind: KindLint, Status: StatusFailed, Score: ScoreOf(0), Tool: "ruff"},
		{Kind: KindTypecheck, Status: StatusSkipped},
	}
}

func TestIdempotencyTokenDeterministic(t *testing.T) {
	b := NewBuilder(0, zap.NewNop())

	t1, err := b.FromParts("add rate limiting", sampleDiff(), sampleResults(), nil, "cursor")
	require.NoError(t, err)

	// Rebuild later: same content must yield the same token even though
	// the creation timestamps differ.
	b2 := NewBuilder(0, zap.NewNop())
	b2.now = func() time.Time { return time.Now().Add(time.Hour) }
	t2, err := b2.FromParts("add rate limiting", sampleDiff(), sampleResults(), nil, "cursor")
	require.NoError(t, err)

	assert.Equal(t, t1.IdempotencyToken(), t2.IdempotencyToken())
	assert.Len(t, t1.IdempotencyToken(), 64)
}

func TestIdempotencyTokenChangesWithContent(t *testing.T) {
	b := NewBuilder(0, zap.NewNop())

	base, err := b.FromParts("task", sampleDiff(), sampleResults(), nil, "")
	require.NoError(t, err)

	tests := []struct {
		name  string
		build func() (*Trace, error)
	}{
		{"different task", func() (*Trace, error) {
			return b.FromParts("other task", sampleDiff(), sampleResults(), nil, "")
		}},
		{"different diff", func() (*Trace, error) {
			d := sampleDiff()
			d.Raw += "+extra\n"
			return b.FromParts("task", d, sampleResults(), nil, "")
		}},
		{"different score", func() (*Trace, error) {
			rs := sampleResults()
			rs[0].Score = ScoreOf(0.5)
			return b.FromParts("task", sampleDiff(), rs, nil, "")
		}},
		{"different tool", func() (*Trace, error) {
			return b.FromParts("task", sampleDiff(), sampleResults(), nil, "aider")
		}},
		{"extra context", func() (*Trace, error) {
			ctx := []ContextFile{{Path: "README.md", Content: "docs"}}
			return b.FromParts("task", sampleDiff(), sampleResults(), ctx, "")
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			other, err := tt.build()
			require.NoError(t, err)
			assert.NotEqual(t, base.IdempotencyToken(), other.IdempotencyToken())
		})
	}
}

func TestPayloadShape(t *testing.T) {
	b := NewBuilder(0, zap.NewNop())
	tr, err := b.FromParts(
		strings.Repeat("long task description ", 10),
		sampleDiff(),
		sampleResults(),
		[]ContextFile{{Path: "README.md", Content: "# readme"}},
		"cursor",
	)
	require.NoError(t, err)

	data, err := tr.Payload()
	require.NoError(t, err)

	var p map[string]any
	require.NoError(t, json.Unmarshal(data, &p))

	assert.Equal(t, "code", p["kind"])
	name, _ := p["name"].(string)
	assert.True(t, strings.HasPrefix(name, "code-gen: "))
	assert.LessOrEqual(t, len(name), len("code-gen: ")+50)
	assert.Equal(t, "python", p["code_language"])
	assert.Equal(t, tr.Diff().Raw, p["output_text"])

	stats, ok := p["code_diff_stats"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(52), stats["additions"])
	assert.Equal(t, float64(4), stats["deletions"])
	assert.Equal(t, float64(2), stats["files"])

	verification, ok := p["verification"].([]any)
	require.True(t, ok)
	require.Len(t, verification, 3)

	// A skipped step's score is absent from the payload, not zero.
	skipped := verification[2].(map[string]any)
	assert.Equal(t, "skipped", skipped["status"])
	_, hasScore := skipped["score"]
	assert.False(t, hasScore)

	meta, ok := p["metadata"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "cert-code", meta["source"])
	assert.Equal(t, "cursor", meta["tool"])
}

func TestTraceAccessorsReturnCopies(t *testing.T) {
	b := NewBuilder(0, zap.NewNop())
	tr, err := b.FromParts("task", sampleDiff(), sampleResults(), nil, "")
	require.NoError(t, err)

	results := tr.Results()
	results[0].Status = StatusError
	assert.Equal(t, StatusPassed, tr.Results()[0].Status)
}

func TestDiffSummaryTotals(t *testing.T) {
	d := sampleDiff()
	assert.Equal(t, 52, d.TotalAdditions())
	assert.Equal(t, 4, d.TotalDeletions())
	assert.Equal(t, []string{"api/handler.py", "api/limits.py"}, d.ChangedPaths())
}
