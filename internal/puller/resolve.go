package puller

import (
	"context"

	"github.com/autopull/autopull/internal/gitexec"
)

// pullAndResolve fetches the remote and merges its tip into the local
// branch with local changes taking precedence on conflicting files.
//
// A merge exiting with ExitMergeConflict gets exactly one remediation:
// commit the conflict-marked tree as a checkpoint and re-run the same
// merge. That fixes the modify/delete case, where a file modified
// locally and deleted remotely cannot be auto-merged until a commit
// pins the local side as "modified, not absent". Any other merge
// failure, or a failure of the retried merge, is fatal. The retry is
// bounded at one on purpose: broader retrying would only mask
// non-transient conflicts.
func (p *Puller) pullAndResolve(ctx context.Context, emit ProgressFunc) error {
	p.logger.Printf("Starting pull from %s", p.target.GitURL)

	if err := gitexec.Run(ctx, p.target.Dir, gitexec.LineFunc(emit), "checkout", p.target.Branch); err != nil {
		return err
	}
	if err := gitexec.Run(ctx, p.target.Dir, gitexec.LineFunc(emit), "fetch"); err != nil {
		return err
	}

	// The merge may produce a merge commit, which needs an identity on
	// machines that have none configured. Same per-invocation identity
	// as checkpoint commits.
	mergeArgs := []string{
		"-c", "user.name=" + checkpointName,
		"-c", "user.email=" + checkpointEmail,
		"merge", "-Xours", "origin/" + p.target.Branch,
	}

	err := gitexec.Run(ctx, p.target.Dir, gitexec.LineFunc(emit), mergeArgs...)
	if err == nil {
		return nil
	}
	if gitexec.ExitCode(err) != ExitMergeConflict {
		return err
	}

	if err := p.makeCommit(ctx, emit); err != nil {
		return err
	}
	return gitexec.Run(ctx, p.target.Dir, gitexec.LineFunc(emit), mergeArgs...)
}
