package puller

import (
	"context"
	"fmt"

	"github.com/autopull/autopull/internal/gitexec"
)

// resetDeletedFiles restores each locally deleted file that still
// exists on the remote branch tip, discarding the local deletion. A
// file absent upstream (also deleted there, or never pushed) is skipped
// silently: deleting a file locally is how a user requests a fresh
// copy, and there is nothing to refresh if upstream dropped it too.
func (p *Puller) resetDeletedFiles(ctx context.Context, emit ProgressFunc) error {
	files, err := p.listDeletedFiles(ctx)
	if err != nil {
		return err
	}

	for _, file := range files {
		if err := p.remoteHasFile(ctx, emit, file); err != nil {
			if gitexec.ExitCode(err) == ExitObjectMissing {
				continue
			}
			return err
		}
		if err := gitexec.Run(ctx, p.target.Dir, gitexec.LineFunc(emit), "checkout", "--", file); err != nil {
			return err
		}
		p.logger.Printf("Restored %s", file)
	}

	return nil
}

// remoteHasFile checks whether path exists at the remote branch tip by
// probing origin/<branch>:<path> in the object store. It fetches first
// so the remote-tracking ref is current; a fetch failing with the
// transient code is tolerated, since the existing refs still answer the
// question well enough.
func (p *Puller) remoteHasFile(ctx context.Context, emit ProgressFunc, path string) error {
	if err := gitexec.Run(ctx, p.target.Dir, gitexec.LineFunc(emit), "fetch"); err != nil {
		if gitexec.ExitCode(err) != ExitFetchTransient {
			return err
		}
	}

	object := fmt.Sprintf("origin/%s:%s", p.target.Branch, path)
	return gitexec.Run(ctx, p.target.Dir, gitexec.LineFunc(emit), "cat-file", "-e", object)
}

// saveLocalChanges switches to the tracked branch and commits the
// current local modifications to a checkpoint.
func (p *Puller) saveLocalChanges(ctx context.Context, emit ProgressFunc) error {
	if err := gitexec.Run(ctx, p.target.Dir, gitexec.LineFunc(emit), "checkout", p.target.Branch); err != nil {
		return err
	}
	return p.makeCommit(ctx, emit)
}

// makeCommit stages everything and commits under the fixed checkpoint
// identity. The identity is passed per-invocation with -c rather than
// written to the repository config, so the user's own identity settings
// are never touched.
func (p *Puller) makeCommit(ctx context.Context, emit ProgressFunc) error {
	if err := gitexec.Run(ctx, p.target.Dir, gitexec.LineFunc(emit), "add", "-A"); err != nil {
		return err
	}

	err := gitexec.Run(ctx, p.target.Dir, gitexec.LineFunc(emit),
		"-c", "user.name="+checkpointName,
		"-c", "user.email="+checkpointEmail,
		"commit", "-m", checkpointMessage)
	if err != nil {
		return err
	}

	p.logger.Printf("Made %s checkpoint commit", checkpointMessage)
	return nil
}
