// Package verify executes external verification commands (tests, lint,
// type-checks) and normalizes their heterogeneous output into uniform
// VerificationResults. Commands run as real processes with hard
// wall-clock timeouts; a missing binary and a tool that found issues
// are reported as distinct outcomes so downstream scoring never
// conflates them.
package verify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Javihaus/cert-code/internal/language"
	"github.com/Javihaus/cert-code/internal/trace"
)

// DefaultMaxOutputBytes caps captured stdout/stderr per command.
const DefaultMaxOutputBytes = 256 * 1024

// DefaultTimeout is applied when a caller passes a non-positive timeout.
const DefaultTimeout = 5 * time.Minute

// Runner executes verification commands and parses their output.
type Runner struct {
	maxOutputBytes int64
	logger         *zap.Logger
}

// NewRunner creates a Runner. maxOutputBytes <= 0 selects the default.
func NewRunner(maxOutputBytes int64, logger *zap.Logger) *Runner {
	if maxOutputBytes <= 0 {
		maxOutputBytes = DefaultMaxOutputBytes
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{maxOutputBytes: maxOutputBytes, logger: logger}
}

// Request describes one verification command for RunAll.
type Request struct {
	Kind    trace.VerificationKind
	Command string
	Policy  language.ScorePolicy
	Timeout time.Duration
}

// Run executes a single command with the binary score policy.
func (r *Runner) Run(ctx context.Context, kind trace.VerificationKind, command, workingDir string, timeout time.Duration) trace.VerificationResult {
	return r.RunWithPolicy(ctx, kind, command, workingDir, timeout, language.ScoreBinary)
}

// RunWithPolicy executes a command and parses its output with the given
// issue-score policy. The timeout is a hard deadline: on expiry the
// process is killed (no zombie left running), status is error and the
// raw output carries a timeout marker. The same guarantee holds when
// the caller cancels ctx.
func (r *Runner) RunWithPolicy(
	ctx context.Context,
	kind trace.VerificationKind,
	command, workingDir string,
	timeout time.Duration,
	policy language.ScorePolicy,
) trace.VerificationResult {
	result := trace.VerificationResult{Kind: kind, Status: trace.StatusSkipped}

	fields := strings.Fields(command)
	if len(fields) == 0 {
		return result
	}
	result.Tool = fields[0]

	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, fields[0], fields[1:]...)
	cmd.Dir = workingDir
	cmd.WaitDelay = 3 * time.Second

	var stdoutBuf, stderrBuf bytes.Buffer
	stdout := &limitedWriter{w: &stdoutBuf, max: r.maxOutputBytes}
	stderr := &limitedWriter{w: &stderrBuf, max: r.maxOutputBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	r.logger.Debug("Running verification command",
		zap.String("kind", string(kind)),
		zap.String("command", command),
		zap.String("dir", workingDir),
		zap.Duration("timeout", timeout))

	start := time.Now()
	err := cmd.Run()
	result.Duration = time.Since(start)

	output := stdoutBuf.String()
	if s := stderrBuf.String(); s != "" {
		if output != "" {
			output += "\n"
		}
		output += s
	}
	result.Output = output
	result.Truncated = stdout.truncated || stderr.truncated

	switch {
	case err != nil && errors.Is(err, exec.ErrNotFound):
		result.Status = trace.StatusError
		result.Reason = trace.ReasonToolNotFound
		result.Output = fmt.Sprintf("command not found: %s", fields[0])
		r.logger.Warn("Verification tool not found",
			zap.String("kind", string(kind)),
			zap.String("binary", fields[0]))
		return result

	case execCtx.Err() == context.DeadlineExceeded:
		result.Status = trace.StatusError
		result.Reason = trace.ReasonTimeout
		result.Output = appendMarker(result.Output, fmt.Sprintf("[timeout after %s]", timeout))
		r.logger.Warn("Verification command timed out",
			zap.String("kind", string(kind)),
			zap.String("command", command),
			zap.Duration("timeout", timeout))
		return result

	case ctx.Err() == context.Canceled:
		result.Status = trace.StatusError
		result.Output = appendMarker(result.Output, "[cancelled]")
		return result
	}

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// Command ran but returned non-zero; known tool families
			// exit non-zero when they find issues, so keep parsing.
			exitCode = exitErr.ExitCode()
		} else {
			result.Status = trace.StatusError
			result.Output = appendMarker(result.Output, err.Error())
			return result
		}
	}

	counts := parserFor(command)(output, exitCode)
	score(&result, counts, exitCode, policy)

	r.logger.Debug("Verification command finished",
		zap.String("kind", string(kind)),
		zap.String("status", string(result.Status)),
		zap.Int("exit_code", exitCode),
		zap.Duration("duration", result.Duration))
	return result
}

// RunAll executes the requests in parallel - the kinds are independent,
// read the same immutable inputs, and mutate no shared state - and
// returns results in request order. Requests with empty commands are
// omitted from the output.
func (r *Runner) RunAll(ctx context.Context, workingDir string, reqs []Request) []trace.VerificationResult {
	slots := make([]*trace.VerificationResult, len(reqs))

	g, gctx := errgroup.WithContext(ctx)
	for i, req := range reqs {
		if strings.TrimSpace(req.Command) == "" {
			continue
		}
		i, req := i, req
		g.Go(func() error {
			res := r.RunWithPolicy(gctx, req.Kind, req.Command, workingDir, req.Timeout, req.Policy)
			slots[i] = &res
			return nil
		})
	}
	_ = g.Wait()

	results := make([]trace.VerificationResult, 0, len(reqs))
	for _, slot := range slots {
		if slot != nil {
			results = append(results, *slot)
		}
	}
	return results
}

// score fills status and score from parsed counts.
//
// Test tallies: score = passed/(passed+failed) when the denominator is
// positive, else the step is skipped (score absent, never zero).
// Issue tools: the policy decides whether warnings count against the
// score; any counted issue fails the step with score 0.
func score(result *trace.VerificationResult, c toolCounts, exitCode int, policy language.ScorePolicy) {
	if c.issueTool {
		issues := c.errors
		if policy == language.ScoreBinary {
			issues += c.warnings
		}
		switch {
		case issues > 0:
			result.Status = trace.StatusFailed
			result.Score = trace.ScoreOf(0)
		case exitCode == 0:
			result.Status = trace.StatusPassed
			result.Score = trace.ScoreOf(1)
		default:
			result.Status = trace.StatusFailed
			result.Score = trace.ScoreOf(0)
		}
		return
	}

	if c.tallied {
		total := c.passed + c.failed
		if total == 0 {
			if exitCode == 0 {
				result.Status = trace.StatusSkipped
				result.Score = nil
				return
			}
			result.Status = trace.StatusFailed
			result.Score = trace.ScoreOf(0)
			return
		}
		result.Score = trace.ScoreOf(float64(c.passed) / float64(total))
		if c.failed > 0 || exitCode != 0 {
			result.Status = trace.StatusFailed
		} else {
			result.Status = trace.StatusPassed
		}
		return
	}

	// No tool-family tally: fall back to the exit code.
	if exitCode == 0 {
		result.Status = trace.StatusPassed
		result.Score = trace.ScoreOf(1)
	} else {
		result.Status = trace.StatusFailed
		result.Score = trace.ScoreOf(0)
	}
}

func appendMarker(output, marker string) string {
	if output == "" {
		return marker
	}
	return output + "\n" + marker
}

// limitedWriter caps total bytes written, tracking truncation instead
// of failing the pipe.
type limitedWriter struct {
	w         io.Writer
	max       int64
	written   int64
	truncated bool
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	if lw.written >= lw.max {
		lw.truncated = true
		return n, nil
	}
	remaining := lw.max - lw.written
	if int64(n) > remaining {
		lw.truncated = true
		written, err := lw.w.Write(p[:remaining])
		lw.written += int64(written)
		return n, err
	}
	written, err := lw.w.Write(p)
	lw.written += int64(written)
	return written, err
}
