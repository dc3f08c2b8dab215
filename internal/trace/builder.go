package trace

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrEmptyTask is returned when the task description is blank after trimming.
var ErrEmptyTask = errors.New("task description is empty")

// DefaultMaxContextBytes caps each context file's content in a trace.
const DefaultMaxContextBytes = 100000

// Builder assembles immutable Traces. It is the single point of Trace
// construction and of context-file truncation.
type Builder struct {
	maxContextBytes int
	logger          *zap.Logger
	now             func() time.Time
}

// NewBuilder creates a Builder. maxContextBytes <= 0 selects the default.
func NewBuilder(maxContextBytes int, logger *zap.Logger) *Builder {
	if maxContextBytes <= 0 {
		maxContextBytes = DefaultMaxContextBytes
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Builder{
		maxContextBytes: maxContextBytes,
		logger:          logger,
		now:             time.Now,
	}
}

// Build constructs a Trace from collected evidence. Context files are
// read from disk and truncated to the configured max size with the
// truncation flag recorded - never silently dropped. Results are
// reordered into the canonical {test, lint, typecheck} sequence.
func (b *Builder) Build(
	task string,
	diff DiffSummary,
	results []VerificationResult,
	contextPaths []string,
	tool string,
) (*Trace, error) {
	if strings.TrimSpace(task) == "" {
		return nil, ErrEmptyTask
	}

	contexts, err := b.loadContextFiles(contextPaths)
	if err != nil {
		return nil, err
	}

	ordered := canonicalOrder(results)

	t := &Trace{
		task:      task,
		diff:      diff,
		results:   ordered,
		contexts:  contexts,
		tool:      tool,
		createdAt: b.now(),
	}
	t.token = contentToken(t.task, t.diff, t.results, t.contexts, t.tool)
	return t, nil
}

// FromParts reconstructs trace content without touching the filesystem.
// Used by tests and by callers that already hold file contents.
func (b *Builder) FromParts(
	task string,
	diff DiffSummary,
	results []VerificationResult,
	contexts []ContextFile,
	tool string,
) (*Trace, error) {
	if strings.TrimSpace(task) == "" {
		return nil, ErrEmptyTask
	}

	bounded := make([]ContextFile, 0, len(contexts))
	for _, c := range contexts {
		bounded = append(bounded, b.bound(c))
	}

	t := &Trace{
		task:      task,
		diff:      diff,
		results:   canonicalOrder(results),
		contexts:  bounded,
		tool:      tool,
		createdAt: b.now(),
	}
	t.token = contentToken(t.task, t.diff, t.results, t.contexts, t.tool)
	return t, nil
}

func (b *Builder) loadContextFiles(paths []string) ([]ContextFile, error) {
	contexts := make([]ContextFile, 0, len(paths))
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				b.logger.Warn("Context file not found, skipping",
					zap.String("path", path))
				continue
			}
			return nil, fmt.Errorf("failed to read context file %s: %w", path, err)
		}
		contexts = append(contexts, b.bound(ContextFile{
			Path:    path,
			Content: string(data),
		}))
	}
	return contexts, nil
}

func (b *Builder) bound(c ContextFile) ContextFile {
	if len(c.Content) > b.maxContextBytes {
		b.logger.Warn("Context file truncated",
			zap.String("path", c.Path),
			zap.Int("size", len(c.Content)),
			zap.Int("max", b.maxContextBytes))
		c.Content = c.Content[:b.maxContextBytes]
		c.Truncated = true
	}
	return c
}

// canonicalOrder arranges results as {test, lint, typecheck}, dropping
// nothing: results of the same kind keep their relative order and any
// unrecognized kind sorts last.
func canonicalOrder(results []VerificationResult) []VerificationResult {
	ordered := make([]VerificationResult, 0, len(results))
	for _, kind := range CanonicalKinds {
		for _, r := range results {
			if r.Kind == kind {
				ordered = append(ordered, r)
			}
		}
	}
	for _, r := range results {
		known := false
		for _, kind := range CanonicalKinds {
			if r.Kind == kind {
				known = true
				break
			}
		}
		if !known {
			ordered = append(ordered, r)
		}
	}
	return ordered
}
