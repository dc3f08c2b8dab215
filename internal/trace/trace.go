// Package trace defines the evidence bundle for a single AI-assisted code
// change: the parsed diff, the local verification results, and the context
// files the change was generated against. A Trace is the unit submitted to
// the CERT evaluation API.
package trace

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Version is reported in submission payload metadata.
const Version = "0.1.0"

// LanguageUnknown is used when no registered language matches the diff.
const LanguageUnknown = "unknown"

// ChangeKind classifies how a file changed within a diff.
type ChangeKind string

const (
	ChangeAdded    ChangeKind = "added"
	ChangeModified ChangeKind = "modified"
	ChangeDeleted  ChangeKind = "deleted"
	ChangeRenamed  ChangeKind = "renamed"
)

// FileChange is a single file entry in a DiffSummary.
// Binary files carry zero line counts and no hunk text.
type FileChange struct {
	Path         string     `json:"path"`
	OldPath      string     `json:"old_path,omitempty"` // set for renames
	Kind         ChangeKind `json:"kind"`
	LinesAdded   int        `json:"lines_added"`
	LinesRemoved int        `json:"lines_removed"`
	Hunks        string     `json:"-"`
	Binary       bool       `json:"binary,omitempty"`
}

// DiffSummary is the normalized form of a git diff. Files preserve the
// order they appeared in the raw diff. Created once per collection run
// and never mutated afterwards.
type DiffSummary struct {
	Files    []FileChange
	Language string // dominant language identifier, or LanguageUnknown
	Raw      string // original unified diff text
}

// TotalAdditions returns the added line count across all files.
func (d DiffSummary) TotalAdditions() int {
	total := 0
	for _, f := range d.Files {
		total += f.LinesAdded
	}
	return total
}

// TotalDeletions returns the removed line count across all files.
func (d DiffSummary) TotalDeletions() int {
	total := 0
	for _, f := range d.Files {
		total += f.LinesRemoved
	}
	return total
}

// ChangedPaths returns the new-side paths of all file changes, in diff order.
func (d DiffSummary) ChangedPaths() []string {
	paths := make([]string, 0, len(d.Files))
	for _, f := range d.Files {
		paths = append(paths, f.Path)
	}
	return paths
}

// VerificationKind identifies one of the independently executable and
// independently scorable verification steps.
type VerificationKind string

const (
	KindTest      VerificationKind = "test"
	KindLint      VerificationKind = "lint"
	KindTypecheck VerificationKind = "typecheck"
)

// CanonicalKinds is the fixed presentation order of verification results
// within a Trace, regardless of execution completion order.
var CanonicalKinds = []VerificationKind{KindTest, KindLint, KindTypecheck}

// VerificationStatus is the uniform outcome of one verification step.
type VerificationStatus string

const (
	StatusPassed  VerificationStatus = "passed"
	StatusFailed  VerificationStatus = "failed"
	StatusSkipped VerificationStatus = "skipped"
	StatusError   VerificationStatus = "error"
)

// FailureReason distinguishes infrastructure errors from tool findings.
// A missing linter must never be conflated with a linter that found
// violations.
type FailureReason string

const (
	ReasonNone         FailureReason = ""
	ReasonToolNotFound FailureReason = "tool_not_found"
	ReasonTimeout      FailureReason = "timeout"
)

// VerificationResult is the normalized outcome of running one external
// verification command. Score is nil when the step was skipped - absent,
// not zero.
type VerificationResult struct {
	Kind      VerificationKind
	Status    VerificationStatus
	Score     *float64
	Tool      string
	Output    string
	Truncated bool // output hit the configured cap
	Duration  time.Duration
	Reason    FailureReason
}

// ScoreOf is a convenience for building a score pointer.
func ScoreOf(v float64) *float64 { return &v }

// ContextFile is the (possibly truncated) content of a file supplied as
// generation context. Truncation is always visible to the consumer so a
// low context-alignment score can be traced back to it.
type ContextFile struct {
	Path      string `json:"path"`
	Content   string `json:"content"`
	Truncated bool   `json:"truncated"`
}

// Trace is the complete evidence bundle for one code-generation event.
// It is immutable after construction: the Builder is the only way to
// create one and no field is externally settable.
type Trace struct {
	task      string
	diff      DiffSummary
	results   []VerificationResult
	contexts  []ContextFile
	tool      string
	createdAt time.Time
	token     string
}

// Task returns the task description the AI was given.
func (t *Trace) Task() string { return t.task }

// Diff returns the normalized diff summary.
func (t *Trace) Diff() DiffSummary { return t.diff }

// Results returns the verification results in canonical order.
func (t *Trace) Results() []VerificationResult {
	out := make([]VerificationResult, len(t.results))
	copy(out, t.results)
	return out
}

// ContextFiles returns the context file contents in input order.
func (t *Trace) ContextFiles() []ContextFile {
	out := make([]ContextFile, len(t.contexts))
	copy(out, t.contexts)
	return out
}

// Tool returns the code-generation tool label, or empty when unset.
func (t *Trace) Tool() string { return t.tool }

// CreatedAt returns the construction timestamp.
func (t *Trace) CreatedAt() time.Time { return t.createdAt }

// IdempotencyToken returns the deterministic token derived from the
// trace content hash. Two traces built from identical content share a
// token, so a retried request that already succeeded server-side is
// recognized as a duplicate rather than double-counted.
func (t *Trace) IdempotencyToken() string { return t.token }

type diffStatsPayload struct {
	Additions int `json:"additions"`
	Deletions int `json:"deletions"`
	Files     int `json:"files"`
}

type resultPayload struct {
	Kind       VerificationKind   `json:"kind"`
	Status     VerificationStatus `json:"status"`
	Score      *float64           `json:"score,omitempty"`
	Tool       string             `json:"tool,omitempty"`
	Reason     FailureReason      `json:"reason,omitempty"`
	DurationMs int64              `json:"duration_ms"`
	Output     string             `json:"output,omitempty"`
}

type tracePayload struct {
	Name         string             `json:"name"`
	Kind         string             `json:"kind"`
	InputText    string             `json:"input_text"`
	OutputText   string             `json:"output_text"`
	CodeLanguage string             `json:"code_language"`
	FilesChanged []string           `json:"code_files_changed"`
	DiffStats    diffStatsPayload   `json:"code_diff_stats"`
	Verification []resultPayload    `json:"verification"`
	Context      []ContextFile      `json:"context,omitempty"`
	Metadata     map[string]string  `json:"metadata"`
	CreatedAt    time.Time          `json:"created_at"`
}

// Payload serializes the trace into the CERT trace API format.
func (t *Trace) Payload() ([]byte, error) {
	name := t.task
	if len(name) > 50 {
		name = name[:50]
	}

	results := make([]resultPayload, 0, len(t.results))
	for _, r := range t.results {
		results = append(results, resultPayload{
			Kind:       r.Kind,
			Status:     r.Status,
			Score:      r.Score,
			Tool:       r.Tool,
			Reason:     r.Reason,
			DurationMs: r.Duration.Milliseconds(),
			Output:     r.Output,
		})
	}

	meta := map[string]string{
		"source":  "cert-code",
		"version": Version,
	}
	if t.tool != "" {
		meta["tool"] = t.tool
	}

	p := tracePayload{
		Name:         "code-gen: " + name,
		Kind:         "code",
		InputText:    t.task,
		OutputText:   t.diff.Raw,
		CodeLanguage: t.diff.Language,
		FilesChanged: t.diff.ChangedPaths(),
		DiffStats: diffStatsPayload{
			Additions: t.diff.TotalAdditions(),
			Deletions: t.diff.TotalDeletions(),
			Files:     len(t.diff.Files),
		},
		Verification: results,
		Context:      t.contexts,
		Metadata:     meta,
		CreatedAt:    t.createdAt,
	}

	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal trace payload: %w", err)
	}
	return data, nil
}

// contentToken hashes the trace content into the idempotency token.
// The creation timestamp is deliberately excluded so a trace rebuilt
// from identical evidence yields the same token.
func contentToken(task string, diff DiffSummary, results []VerificationResult, contexts []ContextFile, tool string) string {
	h := sha256.New()
	h.Write([]byte(task))
	h.Write([]byte{0})
	h.Write([]byte(diff.Raw))
	h.Write([]byte{0})
	h.Write([]byte(diff.Language))
	for _, r := range results {
		h.Write([]byte{0})
		h.Write([]byte(r.Kind))
		h.Write([]byte(r.Status))
		h.Write([]byte(r.Tool))
		h.Write([]byte(r.Reason))
		if r.Score != nil {
			h.Write([]byte(strconv.FormatFloat(*r.Score, 'f', -1, 64)))
		}
	}
	for _, c := range contexts {
		h.Write([]byte{0})
		h.Write([]byte(c.Path))
		h.Write([]byte(c.Content))
	}
	h.Write([]byte{0})
	h.Write([]byte(tool))
	return hex.EncodeToString(h.Sum(nil))
}
