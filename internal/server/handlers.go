package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/changshengEVA/M-Agent/internal/graph"
	"github.com/changshengEVA/M-Agent/internal/history"
)

// visNode is the node shape the frontend visualization consumes.
type visNode struct {
	ID         string  `json:"id"`
	Label      string  `json:"label"`
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
	Title      string  `json:"title"`
}

// visEdge is the edge shape the frontend visualization consumes.
type visEdge struct {
	ID         string  `json:"id"`
	From       string  `json:"from"`
	To         string  `json:"to"`
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	Title      string  `json:"title"`
}

// statsResponse composes graph statistics with reconcile health.
type statsResponse struct {
	*graph.Stats
	LastReconcile time.Time `json:"last_reconcile,omitzero"`
	LastError     string    `json:"last_error,omitempty"`
	LoadErrors    int       `json:"load_errors"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Printf("Failed to encode response: %v", err)
	}
}

func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request) {
	g, _ := s.broker.Snapshot()
	s.writeJSON(w, http.StatusOK, g.NodeList())
}

func (s *Server) handleEdges(w http.ResponseWriter, r *http.Request) {
	g, _ := s.broker.Snapshot()
	s.writeJSON(w, http.StatusOK, g.EdgeList())
}

func (s *Server) handleScenes(w http.ResponseWriter, r *http.Request) {
	g, _ := s.broker.Snapshot()
	s.writeJSON(w, http.StatusOK, g.SceneList())
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	_, status := s.broker.Snapshot()
	s.writeJSON(w, http.StatusOK, &statsResponse{
		Stats:         s.broker.Stats(),
		LastReconcile: status.LastReconcile,
		LastError:     status.LastError,
		LoadErrors:    status.LoadErrors,
	})
}

// handleGraph returns the visualization payload: nodes and edges with
// precomputed labels and hover titles.
func (s *Server) handleGraph(w http.ResponseWriter, r *http.Request) {
	g, _ := s.broker.Snapshot()

	nodes := make([]visNode, 0, len(g.Nodes))
	for _, n := range g.NodeList() {
		nodes = append(nodes, visNode{
			ID:         n.ID,
			Label:      n.ID,
			Type:       n.Type,
			Confidence: n.Confidence,
			Title:      fmt.Sprintf("type: %s<br>confidence: %.2f<br>seen in %d scenes", n.Type, n.Confidence, len(n.Scenes)),
		})
	}

	edges := make([]visEdge, 0, len(g.Edges))
	for _, e := range g.EdgeList() {
		edges = append(edges, visEdge{
			ID:         e.ID,
			From:       e.Subject,
			To:         e.Object,
			Label:      e.Relation,
			Confidence: e.Confidence,
			Title:      fmt.Sprintf("relation: %s<br>confidence: %.2f<br>seen in %d scenes", e.Relation, e.Confidence, len(e.Scenes)),
		})
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"nodes": nodes,
		"edges": edges,
	})
}

func (s *Server) handleEntity(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	g, _ := s.broker.Snapshot()
	node, ok := g.Nodes[id]
	if !ok {
		s.writeJSON(w, http.StatusNotFound, map[string]string{
			"error": fmt.Sprintf("entity %q not found", id),
		})
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"entity":    node,
		"relations": g.EdgesFor(id),
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.historyDB == nil {
		s.writeJSON(w, http.StatusOK, []*history.Entry{})
		return
	}

	entries, err := s.historyDB.Recent(50)
	if err != nil {
		s.logger.Printf("Failed to read reconcile history: %v", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to read reconcile history",
		})
		return
	}
	if entries == nil {
		entries = []*history.Entry{}
	}

	s.writeJSON(w, http.StatusOK, entries)
}

// handleRoot returns basic server information
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
    <title>Knowledge Graph Sync</title>
</head>
<body>
    <h1>Knowledge Graph Sync Server</h1>
    <p>WebSocket endpoint: <code>ws://%s/ws</code></p>
    <p>Graph payload: <a href="/api/graph">/api/graph</a></p>
    <p>Statistics: <a href="/api/stats">/api/stats</a></p>
    <p>Health check: <a href="/health">/health</a></p>
    <p>Connect a WebSocket client to receive real-time graph updates.</p>
</body>
</html>`, r.Host)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	g, status := s.broker.Snapshot()

	health := "ok"
	if status.LastError != "" {
		health = "degraded"
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":      health,
		"version":     g.Version,
		"subscribers": s.broker.SubscriberCount(),
	})
}
