// Package source fetches branch checkouts that the registry can classify and run.
package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/gofrs/flock"
)

var (
	ErrRefNotFound = errors.New("branch not found")
	ErrInvalidRef  = errors.New("invalid branch name")
)

const lockRetryInterval = 50 * time.Millisecond

var unsafeRefChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// DirName maps a branch name to the directory (and project id) it is checked
// out under: "feature/login" becomes "feature-login".
func DirName(ref string) string {
	name := strings.ReplaceAll(strings.TrimSpace(ref), "/", "-")
	name = unsafeRefChars.ReplaceAllString(name, "_")
	return strings.TrimLeft(name, ".-")
}

// DefaultBaseDir is where checkouts land when no base directory is configured.
func DefaultBaseDir() string { return filepath.Join(os.TempDir(), "gitview") }

// Git clones and updates single-branch checkouts with go-git.
type Git struct {
	logger *slog.Logger
}

func NewGit(l *slog.Logger) *Git {
	if l == nil {
		l = slog.Default()
	}
	return &Git{logger: l.With("component", "source")}
}

// Acquire makes baseDir/DirName(ref) a checkout of ref from remoteURL and
// returns its absolute path. An existing checkout is switched to ref and pulled.
func (g *Git) Acquire(ctx context.Context, remoteURL, ref, baseDir string) (string, error) {
	ref = strings.TrimPrefix(strings.TrimSpace(ref), "refs/heads/")
	name := DirName(ref)
	if ref == "" || name == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	if strings.TrimSpace(remoteURL) == "" {
		return "", errors.New("repository url is required")
	}
	if baseDir == "" {
		baseDir = DefaultBaseDir()
	}
	base, err := filepath.Abs(baseDir)
	if err != nil {
		return "", fmt.Errorf("resolve base dir: %w", err)
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return "", fmt.Errorf("create base dir: %w", err)
	}
	target := filepath.Join(base, name)

	fl, err := lockCheckout(ctx, filepath.Join(base, "."+name+".lock"))
	if err != nil {
		return "", err
	}
	defer func() {
		if err := fl.Close(); err != nil {
			g.logger.Debug("release checkout lock", "path", fl.Path(), "error", err)
		}
	}()

	branch := plumbing.NewBranchReferenceName(ref)
	log := g.logger.With("repo", remoteURL, "branch", ref, "dir", target)
	if _, err := os.Stat(filepath.Join(target, ".git")); err == nil {
		log.Info("updating checkout")
		return target, g.update(ctx, target, branch)
	}

	log.Info("cloning branch")
	_, err = git.PlainCloneContext(ctx, target, false, &git.CloneOptions{
		URL:           remoteURL,
		ReferenceName: branch,
		SingleBranch:  true,
	})
	if err != nil {
		_ = os.RemoveAll(target)
		if isRefNotFound(err) {
			return "", fmt.Errorf("%w: %s", ErrRefNotFound, ref)
		}
		return "", fmt.Errorf("clone %s: %w", remoteURL, err)
	}
	log.Info("clone completed")
	return target, nil
}

func (g *Git) update(ctx context.Context, dir string, branch plumbing.ReferenceName) error {
	repo, err := git.PlainOpen(dir)
	if err != nil {
		return fmt.Errorf("open checkout: %w", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}
	if err := wt.Checkout(&git.CheckoutOptions{Branch: branch}); err != nil {
		if isRefNotFound(err) {
			return fmt.Errorf("%w: %s", ErrRefNotFound, branch.Short())
		}
		return fmt.Errorf("checkout %s: %w", branch.Short(), err)
	}
	err = wt.PullContext(ctx, &git.PullOptions{
		RemoteName:    git.DefaultRemoteName,
		ReferenceName: branch,
		SingleBranch:  true,
	})
	switch {
	case err == nil, errors.Is(err, git.NoErrAlreadyUpToDate):
		return nil
	case isRefNotFound(err):
		return fmt.Errorf("%w: %s", ErrRefNotFound, branch.Short())
	default:
		return fmt.Errorf("pull %s: %w", branch.Short(), err)
	}
}

// Refresh pulls the branch currently checked out in dir and reports whether
// HEAD moved. It takes the same lock as Acquire.
func (g *Git) Refresh(ctx context.Context, dir string) (bool, error) {
	dir = filepath.Clean(dir)
	fl, err := lockCheckout(ctx, filepath.Join(filepath.Dir(dir), "."+filepath.Base(dir)+".lock"))
	if err != nil {
		return false, err
	}
	defer func() { _ = fl.Close() }()

	repo, err := git.PlainOpen(dir)
	if err != nil {
		return false, fmt.Errorf("open checkout: %w", err)
	}
	head, err := repo.Head()
	if err != nil {
		return false, fmt.Errorf("read HEAD: %w", err)
	}
	if !head.Name().IsBranch() {
		return false, fmt.Errorf("%s is not on a branch", dir)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return false, fmt.Errorf("open worktree: %w", err)
	}
	err = wt.PullContext(ctx, &git.PullOptions{
		RemoteName:    git.DefaultRemoteName,
		ReferenceName: head.Name(),
		SingleBranch:  true,
	})
	if errors.Is(err, git.NoErrAlreadyUpToDate) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("pull %s: %w", head.Name().Short(), err)
	}
	after, err := repo.Head()
	if err != nil {
		return false, fmt.Errorf("read HEAD: %w", err)
	}
	changed := after.Hash() != head.Hash()
	if changed {
		g.logger.Info("checkout refreshed", "dir", dir, "branch", head.Name().Short(), "from", head.Hash().String()[:7], "to", after.Hash().String()[:7])
	}
	return changed, nil
}

func isRefNotFound(err error) bool {
	return errors.Is(err, plumbing.ErrReferenceNotFound) || errors.Is(err, git.NoMatchingRefSpecError{})
}

// lockCheckout serializes work on one checkout directory, across processes too.
func lockCheckout(ctx context.Context, path string) (*flock.Flock, error) {
	fl := flock.New(path)
	locked, err := fl.TryLockContext(ctx, lockRetryInterval)
	if err != nil {
		return nil, fmt.Errorf("acquire checkout lock %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("acquire checkout lock %s: lock not acquired", path)
	}
	return fl, nil
}
