// Package puller reconciles a local working copy with a remote branch
// without discarding uncommitted local edits.
//
// A pull run is a small state machine: if the target directory does not
// exist the repository is cloned and the branch checked out; otherwise
// the update path runs, strictly ordered:
//
//  1. Restore locally deleted files that still exist upstream.
//  2. If the tree has modified tracked files, commit them to a
//     checkpoint so the merge has a fixed local side.
//  3. Fetch and merge origin/<branch> with -Xours, retrying exactly
//     once through a forced checkpoint commit when the merge exits
//     with unresolved conflicts.
//
// The result is "local edits win on conflicting files, remote content
// wins everywhere else". Every executed git command and every line it
// prints is delivered to the caller through a ProgressFunc. A run
// either completes or aborts at the failing step with the working tree
// left exactly as that step produced it; no rollback is attempted.
//
// Runs against the same directory must be serialized by the caller.
package puller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/autopull/autopull/internal/gitexec"
)

// Recognized git exit codes. These are the only codes the puller treats
// as anything other than fatal, and each is tolerated on exactly one
// call path.
const (
	// ExitMergeConflict is returned by git merge when automatic
	// merging stops on unresolved conflicts. Triggers the single
	// commit-and-retry remediation.
	ExitMergeConflict = 1

	// ExitFetchTransient is returned by git fetch on benign ref or
	// network hiccups. Tolerated only on the existence-check path,
	// where the local remote-tracking refs are good enough.
	ExitFetchTransient = 1

	// ExitObjectMissing is returned by git cat-file -e when the
	// queried object does not exist. Means "file absent upstream",
	// not an error.
	ExitObjectMissing = 128
)

// Checkpoint commits are made under a fixed identity with a fixed
// placeholder message; they are synchronization points, not history.
const (
	checkpointName    = "AutoPull"
	checkpointEmail   = "autopull@localhost"
	checkpointMessage = "WIP"
)

// ErrNoGitURL is returned by New when the target has no remote URL.
var ErrNoGitURL = errors.New("git URL is required")

// ProgressFunc receives one human-readable progress line per executed
// command and per line of subprocess output.
type ProgressFunc func(line string)

// Target identifies the repository/branch pair a run reconciles.
// Immutable for the duration of one run.
type Target struct {
	// GitURL is the remote repository URL. Required.
	GitURL string

	// Branch is the branch to track. Empty means the remote's
	// primary branch, resolved from origin/HEAD.
	Branch string

	// Dir is the local working copy directory. Empty means the
	// current directory.
	Dir string
}

// Puller runs the reconciliation protocol for one target.
type Puller struct {
	target Target
	logger *log.Logger
}

// New validates the target and returns a Puller. A nil logger disables
// step logging.
func New(target Target, logger *log.Logger) (*Puller, error) {
	if target.GitURL == "" {
		return nil, ErrNoGitURL
	}
	if target.Dir == "" {
		target.Dir = "."
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	return &Puller{target: target, logger: logger}, nil
}

// Target returns the target this puller reconciles. The branch reflects
// the remote's primary branch once a run has resolved it.
func (p *Puller) Target() Target {
	return p.target
}

// Pull performs one reconciliation run, delivering progress lines to
// progress (which may be nil). Any fatal error aborts the run at that
// point; the working tree is left as the failing step produced it.
func (p *Puller) Pull(ctx context.Context, progress ProgressFunc) error {
	if progress == nil {
		progress = func(string) {}
	}

	p.logger.Printf("Pulling into %s from %s, branch %q", p.target.Dir, p.target.GitURL, p.target.Branch)

	if _, err := os.Stat(p.target.Dir); os.IsNotExist(err) {
		if err := p.initialize(ctx, progress); err != nil {
			return err
		}
	} else {
		if err := p.update(ctx, progress); err != nil {
			return err
		}
	}

	p.logger.Printf("Pulled from %s", p.target.GitURL)
	return nil
}

// initialize clones the repository and checks out the tracked branch.
func (p *Puller) initialize(ctx context.Context, emit ProgressFunc) error {
	p.logger.Printf("Repo %s doesn't exist. Cloning...", p.target.Dir)

	if err := gitexec.Run(ctx, "", gitexec.LineFunc(emit), "clone", p.target.GitURL, p.target.Dir); err != nil {
		return err
	}
	if err := p.resolveBranch(ctx); err != nil {
		return err
	}
	if err := gitexec.Run(ctx, p.target.Dir, gitexec.LineFunc(emit), "checkout", p.target.Branch); err != nil {
		return err
	}

	p.logger.Printf("Repo %s initialized", p.target.Dir)
	return nil
}

// update reconciles an existing working copy with upstream.
func (p *Puller) update(ctx context.Context, emit ProgressFunc) error {
	if err := p.resolveBranch(ctx); err != nil {
		return err
	}

	if err := p.resetDeletedFiles(ctx, emit); err != nil {
		return err
	}

	dirty, err := p.isDirty(ctx)
	if err != nil {
		return err
	}
	if dirty {
		if err := p.saveLocalChanges(ctx, emit); err != nil {
			return err
		}
	}

	return p.pullAndResolve(ctx, emit)
}

// resolveBranch fills in an empty Target.Branch with the remote's
// primary branch. origin/HEAD is set by clone; if it is missing the
// currently checked-out branch is used instead.
func (p *Puller) resolveBranch(ctx context.Context) error {
	if p.target.Branch != "" {
		return nil
	}

	out, err := gitexec.Output(ctx, p.target.Dir, "symbolic-ref", "--short", "refs/remotes/origin/HEAD")
	if err == nil {
		ref := strings.TrimSpace(string(out))
		p.target.Branch = strings.TrimPrefix(ref, "origin/")
		if p.target.Branch != "" {
			return nil
		}
	}

	out, err = gitexec.Output(ctx, p.target.Dir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return fmt.Errorf("failed to resolve default branch: %w", err)
	}
	p.target.Branch = strings.TrimSpace(string(out))
	if p.target.Branch == "" || p.target.Branch == "HEAD" {
		return fmt.Errorf("failed to resolve default branch: detached HEAD and no origin/HEAD")
	}

	return nil
}
