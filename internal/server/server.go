// Package server exposes the synchronized graph over HTTP: a WebSocket
// push channel for live updates and a read-only JSON API served from
// broker snapshots.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/changshengEVA/M-Agent/internal/broker"
	"github.com/changshengEVA/M-Agent/internal/history"
)

const writeTimeout = 5 * time.Second

// Config holds server configuration.
type Config struct {
	// Port to listen on (default: 8000). Use 0 for a random port.
	Port int

	// Logger for server activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Port:   8000,
		Logger: log.New(os.Stderr, "[server] ", log.LstdFlags),
	}
}

// Server serves the push channel and the read API.
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server

	broker    *broker.Broker
	historyDB *history.Store

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// New creates a Server backed by the given broker. The history store is
// optional; without one /api/history returns an empty list.
func New(b *broker.Broker, h *history.Store, config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		addr:      fmt.Sprintf(":%d", config.Port),
		broker:    b,
		historyDB: h,
		ctx:       ctx,
		cancel:    cancel,
		logger:    config.Logger,
	}
}

// Start begins serving. It returns once the listener is up.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/api/nodes", s.handleNodes)
	mux.HandleFunc("/api/edges", s.handleEdges)
	mux.HandleFunc("/api/scenes", s.handleScenes)
	mux.HandleFunc("/api/stats", s.handleStats)
	mux.HandleFunc("/api/graph", s.handleGraph)
	mux.HandleFunc("/api/entity/{id}", s.handleEntity)
	mux.HandleFunc("/api/history", s.handleHistory)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/", s.handleRoot)

	s.server = &http.Server{
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("Server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts the server down, closing all push connections.
func (s *Server) Stop() error {
	s.logger.Println("Stopping server")
	s.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	s.wg.Wait()
	return nil
}

// Addr returns the server's listening address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// handleWebSocket upgrades the connection and runs the push protocol:
// one initial_data message, then data_updated diffs in reconcile order,
// with resync_required plus a fresh snapshot whenever this subscriber
// falls too far behind.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	sub := s.broker.Subscribe()

	s.wg.Add(2)
	go s.writeLoop(conn, sub)
	go s.readLoop(conn, sub)
}

// writeLoop drains the subscriber mailbox onto the wire. A resync
// marker is forwarded as-is and immediately followed by a fresh
// snapshot; the broker re-arms the mailbox atomically with building
// that snapshot, so no diff slips between the two.
func (s *Server) writeLoop(conn *websocket.Conn, sub *broker.Subscriber) {
	defer s.wg.Done()
	defer s.disconnect(conn, sub)

	for {
		select {
		case <-s.ctx.Done():
			return

		case msg, ok := <-sub.Messages():
			if !ok {
				return
			}

			if err := s.writeMessage(conn, msg); err != nil {
				return
			}

			if msg.Type == broker.MessageTypeResync {
				if err := s.writeMessage(conn, s.broker.CompleteResync(sub)); err != nil {
					return
				}
			}
		}
	}
}

// readLoop discards client frames; its purpose is noticing disconnects.
func (s *Server) readLoop(conn *websocket.Conn, sub *broker.Subscriber) {
	defer s.wg.Done()
	defer s.disconnect(conn, sub)

	for {
		if _, _, err := conn.Read(s.ctx); err != nil {
			return
		}
	}
}

func (s *Server) writeMessage(conn *websocket.Conn, msg broker.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Printf("Failed to marshal %s message: %v", msg.Type, err)
		return err
	}

	ctx, cancel := context.WithTimeout(s.ctx, writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

// disconnect tears down one push connection. Delivery failures after
// this point are discarded with the mailbox.
func (s *Server) disconnect(conn *websocket.Conn, sub *broker.Subscriber) {
	s.broker.Unsubscribe(sub)
	_ = conn.Close(websocket.StatusNormalClosure, "")
}
