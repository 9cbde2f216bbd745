// Package server exposes sync runs over HTTP for environments that
// refresh working copies from a browser or orchestration hook.
//
// GET /sync upgrades to a WebSocket; the connection triggers one sync
// run against the configured target and receives one JSON message per
// progress line, then a terminal "finished" or "error" message. Git
// does not tolerate concurrent use of one working copy, so the server
// admits one run at a time: a request arriving mid-run is answered with
// an immediate error message instead of queueing.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/autopull/autopull/internal/journal"
	"github.com/autopull/autopull/internal/puller"
)

// Phase identifies the meaning of a sync message.
type Phase string

const (
	// PhaseSyncing carries one line of sync progress output.
	PhaseSyncing Phase = "syncing"

	// PhaseFinished marks successful completion of the run.
	PhaseFinished Phase = "finished"

	// PhaseError marks an aborted run; Message holds the error.
	PhaseError Phase = "error"
)

// Message is one WebSocket frame sent to a sync client.
type Message struct {
	Phase   Phase  `json:"phase"`
	Output  string `json:"output,omitempty"`
	Message string `json:"message,omitempty"`
}

// Config holds server configuration.
type Config struct {
	// Port to listen on. 0 picks a random available port.
	Port int

	// Logger for server activity (default: stderr logger).
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Port:   8080,
		Logger: log.Default(),
	}
}

// Server runs sync requests over WebSocket connections.
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server

	puller  *puller.Puller
	journal *journal.Journal // may be nil

	// syncMu serializes sync runs; TryLock gives waiting requests an
	// immediate rejection instead of a queue.
	syncMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// New creates a sync server for the given puller. jnl may be nil to
// disable run recording.
func New(p *puller.Puller, jnl *journal.Journal, config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		addr:    fmt.Sprintf(":%d", config.Port),
		puller:  p,
		journal: jnl,
		ctx:     ctx,
		cancel:  cancel,
		logger:  config.Logger,
	}
}

// Start begins listening and serving. It returns once the listener is
// up; serving continues in the background until Stop.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/sync", s.handleSync)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/", s.handleRoot)

	s.server = &http.Server{
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Sync server listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("Server error: %v", err)
		}
	}()

	return nil
}

// Stop shuts down the server, cancelling any in-flight sync run.
func (s *Server) Stop() error {
	s.logger.Println("Stopping sync server")

	s.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	s.wg.Wait()
	return nil
}

// GetAddr returns the server's listening address.
func (s *Server) GetAddr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// handleSync upgrades to WebSocket and runs one sync, streaming
// progress lines as they are produced.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if !s.syncMu.TryLock() {
		s.send(conn, Message{
			Phase:   PhaseError,
			Message: "another sync is in progress, try again later",
		})
		return
	}
	defer s.syncMu.Unlock()

	target := s.puller.Target()
	s.logger.Printf("Sync requested by %s for %s", r.RemoteAddr, target.GitURL)

	var runID int64
	if s.journal != nil {
		if id, err := s.journal.Begin(s.ctx, target.GitURL, target.Branch, target.Dir); err != nil {
			s.logger.Printf("Warning: failed to journal run start: %v", err)
		} else {
			runID = id
		}
	}

	// The run is bound to the server lifetime, not the request: a
	// client that disconnects mid-run must not kill git and leave the
	// working copy half-merged.
	lines := 0
	pullErr := s.puller.Pull(s.ctx, func(line string) {
		lines++
		s.send(conn, Message{Phase: PhaseSyncing, Output: line})
	})

	if s.journal != nil && runID != 0 {
		outcome, errText := journal.OutcomeOK, ""
		if pullErr != nil {
			outcome, errText = journal.OutcomeError, pullErr.Error()
		}
		jctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.journal.Finish(jctx, runID, outcome, errText, lines); err != nil {
			s.logger.Printf("Warning: failed to journal run finish: %v", err)
		}
		cancel()
	}

	if pullErr != nil {
		s.logger.Printf("Sync failed: %v", pullErr)
		s.send(conn, Message{Phase: PhaseError, Message: pullErr.Error()})
		return
	}

	s.send(conn, Message{Phase: PhaseFinished})
}

// send writes one message to the client, dropping it on write failure.
func (s *Server) send(conn *websocket.Conn, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Printf("Failed to marshal message: %v", err)
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()

	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		s.logger.Printf("Failed to send to client: %v", err)
	}
}

// handleHealth returns server health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	target := s.puller.Target()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "ok",
		"repo":   target.GitURL,
		"branch": target.Branch,
	})
}

// handleRoot returns basic server information.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
    <title>autopull</title>
</head>
<body>
    <h1>autopull sync server</h1>
    <p>Sync endpoint: <code>ws://%s/sync</code></p>
    <p>Health check: <a href="/health">/health</a></p>
    <p>Connecting a WebSocket client to /sync triggers one sync run and streams its progress.</p>
</body>
</html>`, r.Host)
}
