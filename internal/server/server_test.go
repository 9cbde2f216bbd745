package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/autopull/autopull/internal/journal"
	"github.com/autopull/autopull/internal/puller"
)

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
}

func gitC(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git %v failed: %v\n%s", args, err, out)
	}
}

// setupRemote builds a bare repository on main containing a.txt.
func setupRemote(t *testing.T) string {
	t.Helper()

	tmp := t.TempDir()
	src := filepath.Join(tmp, "src")
	if err := os.MkdirAll(src, 0755); err != nil {
		t.Fatalf("failed to create src dir: %v", err)
	}

	gitC(t, src, "init")
	gitC(t, src, "config", "user.name", "Test User")
	gitC(t, src, "config", "user.email", "test@example.com")
	if err := os.WriteFile(filepath.Join(src, "a.txt"), []byte("hello\n"), 0644); err != nil {
		t.Fatalf("failed to write a.txt: %v", err)
	}
	gitC(t, src, "add", "-A")
	gitC(t, src, "commit", "-m", "initial")
	gitC(t, src, "branch", "-M", "main")

	remote := filepath.Join(tmp, "remote.git")
	gitC(t, tmp, "clone", "--bare", src, remote)
	return remote
}

func startTestServer(t *testing.T, p *puller.Puller, jnl *journal.Journal) *Server {
	t.Helper()

	srv := New(p, jnl, &Config{
		Port:   0,
		Logger: log.New(io.Discard, "", 0),
	})
	if err := srv.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	t.Cleanup(func() { _ = srv.Stop() })
	return srv
}

// collectSync dials /sync and reads messages until a terminal phase.
func collectSync(t *testing.T, addr string) []Message {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, fmt.Sprintf("ws://%s/sync", addr), nil)
	if err != nil {
		t.Fatalf("failed to dial sync endpoint: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	var msgs []Message
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("failed to read message: %v", err)
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("failed to decode message %q: %v", data, err)
		}
		msgs = append(msgs, msg)
		if msg.Phase == PhaseFinished || msg.Phase == PhaseError {
			return msgs
		}
	}
}

func TestSyncStreamsProgress(t *testing.T) {
	requireGit(t)

	remote := setupRemote(t)
	dir := filepath.Join(t.TempDir(), "clone")
	p, err := puller.New(puller.Target{GitURL: remote, Branch: "main", Dir: dir}, nil)
	if err != nil {
		t.Fatalf("puller.New() failed: %v", err)
	}

	srv := startTestServer(t, p, nil)
	msgs := collectSync(t, srv.GetAddr())

	last := msgs[len(msgs)-1]
	if last.Phase != PhaseFinished {
		t.Fatalf("terminal phase = %q (%q), want finished", last.Phase, last.Message)
	}

	sawClone := false
	for _, msg := range msgs[:len(msgs)-1] {
		if msg.Phase != PhaseSyncing {
			t.Errorf("mid-run phase = %q, want syncing", msg.Phase)
		}
		if strings.HasPrefix(msg.Output, "$ git clone") {
			sawClone = true
		}
	}
	if !sawClone {
		t.Error("no clone command echoed in progress output")
	}

	if _, err := os.Stat(filepath.Join(dir, "a.txt")); err != nil {
		t.Errorf("a.txt missing after sync: %v", err)
	}
}

func TestSyncReportsError(t *testing.T) {
	requireGit(t)

	dir := filepath.Join(t.TempDir(), "clone")
	p, err := puller.New(puller.Target{
		GitURL: filepath.Join(t.TempDir(), "no-such-remote.git"),
		Branch: "main",
		Dir:    dir,
	}, nil)
	if err != nil {
		t.Fatalf("puller.New() failed: %v", err)
	}

	srv := startTestServer(t, p, nil)
	msgs := collectSync(t, srv.GetAddr())

	last := msgs[len(msgs)-1]
	if last.Phase != PhaseError {
		t.Fatalf("terminal phase = %q, want error", last.Phase)
	}
	if last.Message == "" {
		t.Error("error message is empty")
	}
}

func TestSyncRejectsConcurrentRun(t *testing.T) {
	requireGit(t)

	remote := setupRemote(t)
	dir := filepath.Join(t.TempDir(), "clone")
	p, err := puller.New(puller.Target{GitURL: remote, Branch: "main", Dir: dir}, nil)
	if err != nil {
		t.Fatalf("puller.New() failed: %v", err)
	}

	srv := startTestServer(t, p, nil)

	// Hold the run lock so the request finds it busy.
	srv.syncMu.Lock()
	defer srv.syncMu.Unlock()

	msgs := collectSync(t, srv.GetAddr())
	if len(msgs) != 1 || msgs[0].Phase != PhaseError {
		t.Fatalf("messages = %+v, want single error message", msgs)
	}
	if !strings.Contains(msgs[0].Message, "in progress") {
		t.Errorf("rejection message = %q, want busy notice", msgs[0].Message)
	}
}

func TestSyncRecordsJournalRun(t *testing.T) {
	requireGit(t)

	remote := setupRemote(t)
	dir := filepath.Join(t.TempDir(), "clone")
	p, err := puller.New(puller.Target{GitURL: remote, Branch: "main", Dir: dir}, nil)
	if err != nil {
		t.Fatalf("puller.New() failed: %v", err)
	}

	jnl, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("journal.Open() failed: %v", err)
	}
	defer jnl.Close()

	srv := startTestServer(t, p, jnl)
	collectSync(t, srv.GetAddr())

	runs, err := jnl.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("Recent() failed: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("got %d journal runs, want 1", len(runs))
	}
	if runs[0].Outcome != journal.OutcomeOK {
		t.Errorf("run outcome = %q, want ok", runs[0].Outcome)
	}
	if runs[0].Lines == 0 {
		t.Error("run recorded zero progress lines")
	}
}

func TestHealthEndpoint(t *testing.T) {
	p, err := puller.New(puller.Target{
		GitURL: "https://example.com/repo.git",
		Branch: "main",
		Dir:    t.TempDir(),
	}, nil)
	if err != nil {
		t.Fatalf("puller.New() failed: %v", err)
	}

	srv := startTestServer(t, p, nil)

	resp, err := http.Get(fmt.Sprintf("http://%s/health", srv.GetAddr()))
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var body map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode health response: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status field = %v, want ok", body["status"])
	}
	if body["repo"] != "https://example.com/repo.git" {
		t.Errorf("repo field = %v, want target URL", body["repo"])
	}
}
