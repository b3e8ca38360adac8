package broker

import (
	"time"

	"github.com/changshengEVA/M-Agent/internal/graph"
)

// MessageType identifies a push-channel message.
type MessageType string

const (
	// MessageTypeInitial carries the full current graph and stats.
	// It is always the first message a subscriber receives, and the
	// first message after a resync.
	MessageTypeInitial MessageType = "initial_data"

	// MessageTypeUpdate carries the diff produced by one reconcile.
	MessageTypeUpdate MessageType = "data_updated"

	// MessageTypeResync tells the subscriber its queue overflowed:
	// buffered state must be discarded and the next message will be a
	// fresh MessageTypeInitial.
	MessageTypeResync MessageType = "resync_required"
)

// ChangeType classifies the filesystem change that triggered a reconcile.
type ChangeType string

const (
	ChangeCreated  ChangeType = "created"
	ChangeModified ChangeType = "modified"
	ChangeDeleted  ChangeType = "deleted"
	// ChangeInitial marks the startup pass, before any file event.
	ChangeInitial ChangeType = "initial"
)

// Trigger annotates a reconcile request with its cause, for
// observability only; the pass always reloads everything regardless.
type Trigger struct {
	ChangeType ChangeType
	File       string
}

// GraphData is the full-graph payload carried by initial_data messages.
type GraphData struct {
	Nodes  []*graph.EntityNode   `json:"nodes"`
	Edges  []*graph.RelationEdge `json:"edges"`
	Scenes []graph.Scene         `json:"scenes"`
}

// Message is one push-channel message. Which fields are set depends on
// Type: initial_data carries Graph, data_updated carries Diff and the
// trigger annotation, resync_required carries neither.
type Message struct {
	Type       MessageType  `json:"type"`
	Timestamp  time.Time    `json:"timestamp"`
	Version    int64        `json:"version,omitempty"`
	ChangeType ChangeType   `json:"change_type,omitempty"`
	File       string       `json:"file,omitempty"`
	Stats      *graph.Stats `json:"stats,omitempty"`
	Graph      *GraphData   `json:"graph,omitempty"`
	Diff       *graph.Diff  `json:"diff,omitempty"`
}
