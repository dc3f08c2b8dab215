// Package gitdiff extracts normalized diffs from a git repository and
// detects the dominant language of a change set. Git is consumed
// through a read-only collaborator interface; the CLI implementation
// shells out to the git binary.
package gitdiff

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// ErrGitUnavailable is returned when the repository cannot be located
// or a ref does not resolve.
var ErrGitUnavailable = errors.New("git unavailable")

// emptyTree is git's well-known empty tree object, used as the diff
// base for a root commit that has no parent.
const emptyTree = "4b825dc642cb6eb9a060e54bf8d69288fbee4904"

// Repository is the read-only git collaborator. The core never writes
// to the repository.
type Repository interface {
	// ResolveRef resolves a ref to a full commit hash.
	ResolveRef(ctx context.Context, ref string) (string, error)
	// DiffBetween returns the unified diff from baseRef to ref.
	DiffBetween(ctx context.Context, baseRef, ref string) (string, error)
	// FileContentsAt returns a file's content at a ref.
	FileContentsAt(ctx context.Context, ref, path string) (string, error)
}

// CLIRepository implements Repository by invoking the git binary with
// the repository root as working directory.
type CLIRepository struct {
	root string
}

// NewCLIRepository probes root for a git repository.
func NewCLIRepository(ctx context.Context, root string) (*CLIRepository, error) {
	repo := &CLIRepository{root: root}
	if _, err := repo.git(ctx, "rev-parse", "--git-dir"); err != nil {
		return nil, fmt.Errorf("%w: %s is not a git repository", ErrGitUnavailable, root)
	}
	return repo, nil
}

// Root returns the repository root path.
func (r *CLIRepository) Root() string { return r.root }

// ResolveRef resolves a ref to a full commit hash.
func (r *CLIRepository) ResolveRef(ctx context.Context, ref string) (string, error) {
	out, err := r.git(ctx, "rev-parse", "--verify", ref+"^{commit}")
	if err != nil {
		return "", fmt.Errorf("%w: ref %q does not resolve", ErrGitUnavailable, ref)
	}
	return strings.TrimSpace(out), nil
}

// DiffBetween returns the unified diff between two resolved refs, with
// rename detection enabled.
func (r *CLIRepository) DiffBetween(ctx context.Context, baseRef, ref string) (string, error) {
	out, err := r.git(ctx, "diff", "-M", baseRef, ref)
	if err != nil {
		return "", fmt.Errorf("%w: diff %s..%s failed: %v", ErrGitUnavailable, baseRef, ref, err)
	}
	return out, nil
}

// FileContentsAt returns a file's content at the given ref.
func (r *CLIRepository) FileContentsAt(ctx context.Context, ref, path string) (string, error) {
	out, err := r.git(ctx, "show", ref+":"+path)
	if err != nil {
		return "", fmt.Errorf("%w: cannot read %s at %s", ErrGitUnavailable, path, ref)
	}
	return out, nil
}

func (r *CLIRepository) git(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = r.root
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}
