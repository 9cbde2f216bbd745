// Command autopull keeps a local working copy in sync with a remote
// git branch without discarding uncommitted local edits.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/autopull/autopull/internal/journal"
	"github.com/autopull/autopull/internal/puller"
	"github.com/autopull/autopull/internal/ui"
)

var rootCmd = &cobra.Command{
	Use:   "autopull <git-url>",
	Short: "Sync a working copy with a remote branch, preserving local edits",
	Long: `Sync a local working copy with a remote git branch without human
interaction and without discarding in-progress local edits.

If the target directory does not exist, the repository is cloned and
the branch checked out. Otherwise autopull restores locally deleted
files that still exist upstream, commits modified tracked files to a
checkpoint, and merges the remote tip with local changes taking
precedence on conflicting files.

The remote URL may also be set via AUTOPULL_GIT_URL; --branch and
--dir accept AUTOPULL_BRANCH and AUTOPULL_DIR.

Example usage:
  autopull https://example.com/data-repo.git
  autopull https://example.com/data-repo.git --branch main --dir ~/work/data
  autopull watch https://example.com/data-repo.git --interval 10m
  autopull serve https://example.com/data-repo.git --port 8080`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		target, err := targetFromArgs(args)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		p, err := puller.New(target, nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		jnl := openJournal()
		if jnl != nil {
			defer jnl.Close()
		}

		ctx := context.Background()

		var runID int64
		if jnl != nil {
			if id, err := jnl.Begin(ctx, target.GitURL, target.Branch, target.Dir); err == nil {
				runID = id
			}
		}

		start := time.Now()
		lines := 0
		pullErr := p.Pull(ctx, func(line string) {
			lines++
			if strings.HasPrefix(line, "$ ") {
				fmt.Println(ui.RenderDim(line))
			} else {
				fmt.Println(line)
			}
		})

		if jnl != nil && runID != 0 {
			outcome, errText := journal.OutcomeOK, ""
			if pullErr != nil {
				outcome, errText = journal.OutcomeError, pullErr.Error()
			}
			if err := jnl.Finish(ctx, runID, outcome, errText, lines); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to record run: %v\n", err)
			}
		}

		if pullErr != nil {
			fmt.Fprintf(os.Stderr, "%s Sync failed: %v\n", ui.RenderFail("✗"), pullErr)
			os.Exit(1)
		}

		fmt.Printf("%s Sync complete in %v\n", ui.RenderPass("✓"), time.Since(start).Round(time.Millisecond))
	},
}

func init() {
	rootCmd.PersistentFlags().StringP("branch", "b", "", "Branch to sync (default: the remote's primary branch)")
	rootCmd.PersistentFlags().StringP("dir", "d", "", "Local directory to sync into (default: current directory)")
	rootCmd.PersistentFlags().String("journal", "", "Path to the sync journal database (default: user cache dir)")
	rootCmd.PersistentFlags().Bool("no-journal", false, "Disable sync run recording")

	viper.SetEnvPrefix("AUTOPULL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	_ = viper.BindPFlag("branch", rootCmd.PersistentFlags().Lookup("branch"))
	_ = viper.BindPFlag("dir", rootCmd.PersistentFlags().Lookup("dir"))
	_ = viper.BindPFlag("journal", rootCmd.PersistentFlags().Lookup("journal"))
	_ = viper.BindPFlag("no-journal", rootCmd.PersistentFlags().Lookup("no-journal"))
}

// targetFromArgs builds the sync target from the positional URL (or
// AUTOPULL_GIT_URL) and the branch/dir settings.
func targetFromArgs(args []string) (puller.Target, error) {
	gitURL := viper.GetString("git-url")
	if len(args) > 0 {
		gitURL = args[0]
	}
	if gitURL == "" {
		return puller.Target{}, fmt.Errorf("a git URL is required (argument or AUTOPULL_GIT_URL)")
	}

	return puller.Target{
		GitURL: gitURL,
		Branch: viper.GetString("branch"),
		Dir:    viper.GetString("dir"),
	}, nil
}

// defaultJournalPath places the journal under the user cache directory,
// outside any working copy, so checkpoint commits never pick it up.
func defaultJournalPath() (string, error) {
	cache, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("failed to locate user cache directory: %w", err)
	}
	return filepath.Join(cache, "autopull", "journal.db"), nil
}

// openJournal opens the run journal, or returns nil (with a warning)
// when journaling is disabled or unavailable. Sync runs proceed either
// way; the journal is bookkeeping, not a dependency.
func openJournal() *journal.Journal {
	if viper.GetBool("no-journal") {
		return nil
	}

	path := viper.GetString("journal")
	if path == "" {
		var err error
		path, err = defaultJournalPath()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: journaling disabled: %v\n", err)
			return nil
		}
	}

	jnl, err := journal.Open(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: journaling disabled: %v\n", err)
		return nil
	}
	return jnl
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
