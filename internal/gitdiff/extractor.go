package gitdiff

import (
	"bufio"
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/Javihaus/cert-code/internal/trace"
)

// Extractor produces normalized DiffSummaries from a Repository.
type Extractor struct {
	repo   Repository
	logger *zap.Logger
}

// NewExtractor creates an Extractor over a repository collaborator.
func NewExtractor(repo Repository, logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{repo: repo, logger: logger}
}

// Extract diffs baseRef..ref and parses the result. When baseRef is
// empty the ref's first parent is used; a root commit falls back to
// git's empty tree so the initial commit still produces a diff.
func (e *Extractor) Extract(ctx context.Context, ref, baseRef string) (trace.DiffSummary, error) {
	resolved, err := e.repo.ResolveRef(ctx, ref)
	if err != nil {
		return trace.DiffSummary{}, err
	}

	base := baseRef
	if base == "" {
		parent, err := e.repo.ResolveRef(ctx, ref+"^")
		if err != nil {
			e.logger.Debug("Ref has no parent, diffing against empty tree",
				zap.String("ref", ref))
			parent = emptyTree
		}
		base = parent
	} else {
		if base, err = e.repo.ResolveRef(ctx, base); err != nil {
			return trace.DiffSummary{}, err
		}
	}

	raw, err := e.repo.DiffBetween(ctx, base, resolved)
	if err != nil {
		return trace.DiffSummary{}, err
	}

	summary := Parse(raw)
	e.logger.Debug("Diff extracted",
		zap.String("ref", resolved),
		zap.String("base", base),
		zap.Int("files", len(summary.Files)),
		zap.Int("additions", summary.TotalAdditions()),
		zap.Int("deletions", summary.TotalDeletions()))
	return summary, nil
}

// Parse converts a unified diff into a DiffSummary. Binary files are
// recorded with their change kind and zero line counts.
func Parse(raw string) trace.DiffSummary {
	summary := trace.DiffSummary{Raw: raw, Language: trace.LanguageUnknown}

	var current *trace.FileChange
	var hunks strings.Builder
	flush := func() {
		if current == nil {
			return
		}
		if !current.Binary {
			current.Hunks = hunks.String()
		}
		summary.Files = append(summary.Files, *current)
		current = nil
		hunks.Reset()
	}

	scanner := bufio.NewScanner(strings.NewReader(raw))
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	inHunk := false

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "diff --git "):
			flush()
			oldPath, newPath := splitHeaderPaths(strings.TrimPrefix(line, "diff --git "))
			current = &trace.FileChange{Path: newPath, Kind: trace.ChangeModified}
			_ = oldPath
			inHunk = false

		case current == nil:
			// Preamble before the first file header.

		case strings.HasPrefix(line, "new file mode"):
			current.Kind = trace.ChangeAdded

		case strings.HasPrefix(line, "deleted file mode"):
			current.Kind = trace.ChangeDeleted

		case strings.HasPrefix(line, "rename from "):
			current.Kind = trace.ChangeRenamed
			current.OldPath = strings.TrimPrefix(line, "rename from ")

		case strings.HasPrefix(line, "rename to "):
			current.Kind = trace.ChangeRenamed
			current.Path = strings.TrimPrefix(line, "rename to ")

		case strings.HasPrefix(line, "Binary files ") || strings.HasPrefix(line, "GIT binary patch"):
			current.Binary = true
			current.LinesAdded = 0
			current.LinesRemoved = 0
			inHunk = false

		case strings.HasPrefix(line, "@@"):
			inHunk = true
			hunks.WriteString(line)
			hunks.WriteByte('\n')

		case inHunk && strings.HasPrefix(line, "+"):
			current.LinesAdded++
			hunks.WriteString(line)
			hunks.WriteByte('\n')

		case inHunk && strings.HasPrefix(line, "-"):
			current.LinesRemoved++
			hunks.WriteString(line)
			hunks.WriteByte('\n')

		case inHunk && (strings.HasPrefix(line, " ") || line == ""):
			hunks.WriteString(line)
			hunks.WriteByte('\n')

		case inHunk && strings.HasPrefix(line, `\ No newline`):
			hunks.WriteString(line)
			hunks.WriteByte('\n')
		}
	}
	flush()

	return summary
}

// splitHeaderPaths parses the "a/old b/new" remainder of a diff --git
// header. Paths containing " b/" are ambiguous in this format; git
// itself resolves them via the +++/--- lines, but the common case is
// handled here the same way the rename headers are.
func splitHeaderPaths(s string) (oldPath, newPath string) {
	if i := strings.Index(s, " b/"); i >= 0 {
		return strings.TrimPrefix(s[:i], "a/"), s[i+3:]
	}
	fields := strings.Fields(s)
	if len(fields) == 2 {
		return strings.TrimPrefix(fields[0], "a/"), strings.TrimPrefix(fields[1], "b/")
	}
	return s, s
}
