package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/autopull/autopull/internal/daemon"
	"github.com/autopull/autopull/internal/puller"
	"github.com/autopull/autopull/internal/ui"
)

var watchCmd = &cobra.Command{
	Use:   "watch <git-url>",
	Short: "Continuously sync the working copy with the remote branch",
	Long: `Run autopull as a daemon: sync immediately, then resync on a fixed
interval and shortly after local edits are detected.

Local file events are debounced so rapid edits are batched into one
run. A rotating log file can be configured for unattended operation.

Example usage:
  autopull watch https://example.com/data-repo.git
  autopull watch https://example.com/data-repo.git --interval 10m
  autopull watch https://example.com/data-repo.git --log-file /var/log/autopull.log`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		target, err := targetFromArgs(args)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		interval, _ := cmd.Flags().GetDuration("interval")
		debounce, _ := cmd.Flags().GetDuration("debounce")
		logFile, _ := cmd.Flags().GetString("log-file")

		config := daemon.DefaultConfig()
		config.Interval = interval
		config.DebounceInterval = debounce

		if logFile != "" {
			config.Logger = log.New(&lumberjack.Logger{
				Filename:   logFile,
				MaxSize:    10, // megabytes
				MaxBackups: 3,
				MaxAge:     28, // days
			}, "[autopull] ", log.LstdFlags)
		}

		p, err := puller.New(target, config.Logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		jnl := openJournal()
		if jnl != nil {
			defer jnl.Close()
		}

		d, err := daemon.New(p, jnl, config)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to create daemon: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("%s Watching %s (branch %s, every %v)\n", ui.RenderAccent("🔄"), target.GitURL, branchLabel(target), interval)
		fmt.Println("\nPress Ctrl+C to stop...")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if err := d.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Daemon stopped with error: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	watchCmd.Flags().Duration("interval", 5*time.Minute, "Resync interval")
	watchCmd.Flags().Duration("debounce", 2*time.Second, "Quiet period after local edits before resyncing")
	watchCmd.Flags().String("log-file", "", "Log to a rotating file instead of stderr")

	_ = viper.BindPFlag("interval", watchCmd.Flags().Lookup("interval"))

	rootCmd.AddCommand(watchCmd)
}

func branchLabel(t puller.Target) string {
	if t.Branch == "" {
		return "<remote default>"
	}
	return t.Branch
}
