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

	"github.com/changshengEVA/M-Agent/internal/broker"
	"github.com/changshengEVA/M-Agent/internal/history"
	"github.com/changshengEVA/M-Agent/internal/server"
	"github.com/changshengEVA/M-Agent/internal/watcher"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Watch the record directory and serve the live graph",
	Long: `Start the sync backend:

  1. Loads all fact records and builds the initial merged graph
  2. Watches the data directory, reconciling after each change burst
  3. Serves the read API and the WebSocket push channel

WebSocket protocol (ws://host:port/ws):
  initial_data    - full graph + stats, once per connection
  data_updated    - diff between graph versions after a reconcile
  resync_required - this client fell behind; a fresh snapshot follows

Read API:
  /api/nodes /api/edges /api/scenes /api/stats /api/graph
  /api/entity/{id} /api/history /health

Example usage:
  kgviz serve                                # defaults
  kgviz serve --port 9000 --debounce 500ms   # custom port and window`,
	Run: func(cmd *cobra.Command, args []string) {
		dataDir := viper.GetString("data-dir")
		port := viper.GetInt("port")
		debounce := viper.GetDuration("debounce")
		queueSize := viper.GetInt("queue-size")
		historyPath := viper.GetString("history-db")

		out := logOutput()

		// Reconcile history is best-effort: refusal to open only costs
		// the log, never the service.
		var store *history.Store
		if historyPath != "" {
			var err error
			store, err = history.Open(historyPath)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Warning: reconcile history disabled: %v\n", err)
			} else if err := store.InitSchema(); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: reconcile history disabled: %v\n", err)
				_ = store.Close()
				store = nil
			}
		}

		brokerCfg := &broker.Config{
			QueueSize: queueSize,
			Logger:    log.New(out, "[broker] ", log.LstdFlags),
		}
		if store != nil {
			brokerCfg.History = store
		}
		b := broker.New(dataDir, brokerCfg)

		// Initial pass. Failure is not fatal: the watcher will retry
		// the directory and the server meanwhile serves an empty graph.
		if err := b.Reconcile(broker.Trigger{ChangeType: broker.ChangeInitial}); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: initial load failed: %v\n", err)
		}

		w := watcher.New(dataDir, b, &watcher.Config{
			Debounce: debounce,
			Logger:   log.New(out, "[watcher] ", log.LstdFlags),
		})
		if err := w.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to start watcher: %v\n", err)
			os.Exit(1)
		}

		srv := server.New(b, store, &server.Config{
			Port:   port,
			Logger: log.New(out, "[server] ", log.LstdFlags),
		})
		if err := srv.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to start server: %v\n", err)
			os.Exit(1)
		}

		g, _ := b.Snapshot()
		fmt.Printf("kgviz serving on http://localhost%s\n", portSuffix(srv.Addr()))
		fmt.Printf("  data dir:  %s\n", dataDir)
		fmt.Printf("  graph:     version %d, %d nodes, %d edges\n", g.Version, len(g.Nodes), len(g.Edges))
		fmt.Printf("  websocket: ws://localhost%s/ws\n", portSuffix(srv.Addr()))
		fmt.Println("\nPress Ctrl+C to stop...")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		<-ctx.Done()

		fmt.Println("\nShutting down...")
		if err := w.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "Error stopping watcher: %v\n", err)
		}
		if err := srv.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "Error stopping server: %v\n", err)
		}
		if store != nil {
			if err := store.Close(); err != nil {
				fmt.Fprintf(os.Stderr, "Error closing history: %v\n", err)
			}
		}
	},
}

// portSuffix extracts ":port" from a listen address like "[::]:8000".
func portSuffix(addr string) string {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			return addr[i:]
		}
	}
	return addr
}

func init() {
	serveCmd.Flags().IntP("port", "p", 8000, "Port to listen on")
	serveCmd.Flags().Duration("debounce", 1*time.Second, "Quiet period before reconciling after a change burst")
	serveCmd.Flags().Int("queue-size", 16, "Per-subscriber message queue capacity")

	_ = viper.BindPFlag("port", serveCmd.Flags().Lookup("port"))
	_ = viper.BindPFlag("debounce", serveCmd.Flags().Lookup("debounce"))
	_ = viper.BindPFlag("queue-size", serveCmd.Flags().Lookup("queue-size"))

	rootCmd.AddCommand(serveCmd)
}
