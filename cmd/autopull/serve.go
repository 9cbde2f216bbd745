package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/autopull/autopull/internal/puller"
	"github.com/autopull/autopull/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve <git-url>",
	Short: "Serve sync runs over HTTP with live progress streaming",
	Long: `Start an HTTP server that performs a sync run per request and streams
its progress over a WebSocket.

Connecting a WebSocket client to /sync triggers one run; the client
receives one JSON message per progress line ({"phase":"syncing",
"output":...}) followed by a terminal "finished" or "error" message.
Only one sync runs at a time; concurrent requests are rejected with an
error message rather than queued.

Example usage:
  autopull serve https://example.com/data-repo.git            # port 8080
  autopull serve https://example.com/data-repo.git --port 9000

Connect with a WebSocket client:
  ws://localhost:8080/sync`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		target, err := targetFromArgs(args)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		port, _ := cmd.Flags().GetInt("port")

		p, err := puller.New(target, log.New(os.Stderr, "[serve] ", log.LstdFlags))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		jnl := openJournal()
		if jnl != nil {
			defer jnl.Close()
		}

		config := &server.Config{
			Port:   port,
			Logger: log.New(os.Stderr, "[serve] ", log.LstdFlags),
		}

		srv := server.New(p, jnl, config)

		if err := srv.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to start server: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("Sync server started on http://localhost:%d\n", port)
		fmt.Printf("Sync endpoint: ws://localhost:%d/sync\n", port)
		fmt.Printf("Health check: http://localhost:%d/health\n", port)
		fmt.Println("\nPress Ctrl+C to stop...")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		<-ctx.Done()

		fmt.Println("\nShutting down sync server...")
		if err := srv.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "Error during shutdown: %v\n", err)
			os.Exit(1)
		}

		fmt.Println("Sync server stopped")
	},
}

func init() {
	serveCmd.Flags().IntP("port", "p", 8080, "Port to listen on")

	_ = viper.BindPFlag("port", serveCmd.Flags().Lookup("port"))

	rootCmd.AddCommand(serveCmd)
}
