// Package daemon keeps a working copy continuously reconciled with its
// remote branch.
//
// The daemon:
//  1. Performs an initial sync (cloning if the directory is missing)
//  2. Resyncs on a fixed interval
//  3. Watches the working copy and schedules a debounced resync after
//     local edits, so checkpoints and deleted-file restores happen
//     promptly instead of waiting out the interval
//  4. Handles graceful shutdown
package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/autopull/autopull/internal/journal"
	"github.com/autopull/autopull/internal/puller"
)

// Config holds configuration for the daemon.
type Config struct {
	// Interval is how often to resync regardless of local activity.
	Interval time.Duration

	// DebounceInterval is how long the working copy must stay quiet
	// after a file event before an event-triggered resync runs. This
	// batches rapid edits together and keeps half-written saves out
	// of checkpoint commits.
	DebounceInterval time.Duration

	// Logger for daemon activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Interval:         5 * time.Minute,
		DebounceInterval: 2 * time.Second,
		Logger:           log.New(os.Stderr, "[autopull] ", log.LstdFlags),
	}
}

// Daemon orchestrates periodic and event-triggered sync runs.
type Daemon struct {
	puller  *puller.Puller
	journal *journal.Journal // may be nil
	config  *Config

	watcher *fsnotify.Watcher

	// lastEvent is the time of the most recent file event; zero when
	// no resync is pending.
	lastEvent   time.Time
	lastEventMu sync.Mutex

	// syncMu serializes runs; the working copy tolerates no
	// concurrent git use.
	syncMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a daemon for the given puller. jnl may be nil to disable
// run recording.
func New(p *puller.Puller, jnl *journal.Journal, config *Config) (*Daemon, error) {
	if p == nil {
		return nil, fmt.Errorf("puller cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = DefaultConfig().Logger
	}
	if config.Interval <= 0 {
		config.Interval = DefaultConfig().Interval
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = DefaultConfig().DebounceInterval
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Daemon{
		puller:  p,
		journal: jnl,
		config:  config,
		watcher: watcher,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start begins the daemon's operation. It blocks until ctx is cancelled
// or the initial sync fails.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Println("Starting daemon")

	// The initial sync also creates the directory when the target is
	// not cloned yet, so it must precede the watch registration.
	if err := d.runSync(); err != nil {
		return fmt.Errorf("initial sync failed: %w", err)
	}

	dir := d.puller.Target().Dir
	if err := d.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	d.config.Logger.Printf("Watching: %s (resync every %v)", dir, d.config.Interval)

	d.wg.Add(3)
	go d.watchFileEvents()
	go d.debounceLoop()
	go d.intervalLoop()

	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon.
func (d *Daemon) Stop() error {
	d.config.Logger.Println("Stopping daemon")

	d.cancel()

	if err := d.watcher.Close(); err != nil {
		d.config.Logger.Printf("Error closing watcher: %v", err)
	}

	d.wg.Wait()

	d.config.Logger.Println("Daemon stopped")
	return nil
}

// runSync performs one sync run, recording it in the journal.
func (d *Daemon) runSync() error {
	d.syncMu.Lock()
	defer d.syncMu.Unlock()

	target := d.puller.Target()

	var runID int64
	if d.journal != nil {
		if id, err := d.journal.Begin(d.ctx, target.GitURL, target.Branch, target.Dir); err != nil {
			d.config.Logger.Printf("Warning: failed to journal run start: %v", err)
		} else {
			runID = id
		}
	}

	start := time.Now()
	lines := 0
	err := d.puller.Pull(d.ctx, func(line string) {
		lines++
		d.config.Logger.Println(line)
	})

	if d.journal != nil && runID != 0 {
		outcome, errText := journal.OutcomeOK, ""
		if err != nil {
			outcome, errText = journal.OutcomeError, err.Error()
		}
		jctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if jerr := d.journal.Finish(jctx, runID, outcome, errText, lines); jerr != nil {
			d.config.Logger.Printf("Warning: failed to journal run finish: %v", jerr)
		}
		cancel()
	}

	if err != nil {
		d.config.Logger.Printf("Sync failed after %v: %v", time.Since(start).Round(time.Millisecond), err)
		return err
	}

	d.config.Logger.Printf("Sync complete in %v", time.Since(start).Round(time.Millisecond))
	return nil
}

// watchFileEvents monitors filesystem events and marks a resync
// pending. Events under .git are git's own bookkeeping and are
// ignored, as is the watcher's view of sync runs themselves.
func (d *Daemon) watchFileEvents() {
	defer d.wg.Done()

	gitDir := string(filepath.Separator) + ".git"

	for {
		select {
		case <-d.ctx.Done():
			return

		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}

			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if strings.Contains(event.Name, gitDir) || filepath.Base(event.Name) == ".git" {
				continue
			}

			d.lastEventMu.Lock()
			d.lastEvent = time.Now()
			d.lastEventMu.Unlock()

		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

// debounceLoop runs an event-triggered resync once the working copy has
// been quiet for the debounce interval.
func (d *Daemon) debounceLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			d.lastEventMu.Lock()
			pending := !d.lastEvent.IsZero() && time.Since(d.lastEvent) >= d.config.DebounceInterval
			if pending {
				d.lastEvent = time.Time{}
			}
			d.lastEventMu.Unlock()

			if pending {
				d.config.Logger.Println("Local changes detected, resyncing")
				if err := d.runSync(); err != nil {
					d.config.Logger.Printf("Event-triggered sync failed: %v", err)
				}
			}
		}
	}
}

// intervalLoop resyncs on the configured interval.
func (d *Daemon) intervalLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			if err := d.runSync(); err != nil {
				d.config.Logger.Printf("Periodic sync failed: %v", err)
			}
		}
	}
}
