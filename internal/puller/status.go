package puller

import (
	"context"
	"regexp"

	"github.com/autopull/autopull/internal/gitexec"
)

// Status parsing is pattern matching over git's status output. The
// patterns are compiled once here so format drift has a single fix
// point.
var (
	// deletedFileRE matches "deleted:    path" lines in verbose
	// git status output, capturing the path.
	deletedFileRE = regexp.MustCompile(`deleted:\s+([^\n\r]+)`)

	// modifiedFileRE matches modified tracked files in porcelain
	// output: optional whitespace, a single M, whitespace, path.
	// Untracked ("??") and deleted ("D") entries deliberately do
	// not match.
	modifiedFileRE = regexp.MustCompile(`(?m)^\s*M\s+(.*)$`)
)

// isDirty reports whether the working tree has at least one modified
// tracked file. Untracked files and deletions do not count; deletions
// are handled separately by resetDeletedFiles, and untracked files
// need no checkpoint to survive a merge.
func (p *Puller) isDirty(ctx context.Context) (bool, error) {
	out, err := gitexec.Output(ctx, p.target.Dir, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return modifiedFileRE.Match(out), nil
}

// listDeletedFiles returns the paths of files deleted from the working
// tree relative to the index, in git's own status output order.
func (p *Puller) listDeletedFiles(ctx context.Context) ([]string, error) {
	out, err := gitexec.Output(ctx, p.target.Dir, "status")
	if err != nil {
		return nil, err
	}

	var files []string
	for _, m := range deletedFileRE.FindAllSubmatch(out, -1) {
		files = append(files, string(m[1]))
	}
	return files, nil
}
