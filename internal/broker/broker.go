// Package broker owns the canonical merged graph and keeps every
// observer synchronized with it.
//
// The broker is the single writer: reconcile passes are strictly
// single-flight, rebuild the graph from the data directory, and swap it
// in atomically, so readers always see either the fully-old or the
// fully-new version. Snapshot reads and subscriber registration never
// block on an in-flight pass.
package broker

import (
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/changshengEVA/M-Agent/internal/graph"
	"github.com/changshengEVA/M-Agent/internal/history"
	"github.com/changshengEVA/M-Agent/internal/record"
)

// Recorder receives one entry per reconcile pass. Implemented by
// *history.Store; a nil Recorder disables the log.
type Recorder interface {
	RecordPass(history.Entry) error
}

// Config holds broker configuration.
type Config struct {
	// QueueSize is each subscriber's mailbox capacity.
	QueueSize int

	// History receives the reconcile log. Optional.
	History Recorder

	// Logger for broker activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		QueueSize: 16,
		Logger:    log.New(os.Stderr, "[broker] ", log.LstdFlags),
	}
}

// Status is the reconcile health metadata exposed alongside snapshots.
type Status struct {
	// LastReconcile is when the last pass finished, successful or not.
	LastReconcile time.Time `json:"last_reconcile,omitzero"`
	// LastError is the failure of the most recent pass, empty if it
	// succeeded. A non-empty value means the graph is the last good one.
	LastError string `json:"last_error,omitempty"`
	// LoadErrors counts files/elements skipped by the last successful load.
	LoadErrors int `json:"load_errors"`
}

// Broker owns the canonical graph and the subscriber set.
type Broker struct {
	dataDir   string
	queueSize int
	historyDB Recorder
	logger    *log.Logger

	// mu guards current, status and subscribers. Swap-and-broadcast and
	// subscriber registration take it exclusively, which is what makes
	// the snapshot-then-diffs ordering guarantee hold.
	mu          sync.RWMutex
	current     *graph.MergedGraph
	loadedAt    time.Time
	status      Status
	subscribers map[string]*Subscriber

	// flightMu guards the single-flight reconcile state.
	flightMu sync.Mutex
	inFlight bool
	pending  bool
	nextTrig Trigger
}

// New creates a Broker reading records from dataDir. The graph starts
// at version 0, empty, until the first reconcile.
func New(dataDir string, config *Config) *Broker {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[broker] ", log.LstdFlags)
	}
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultConfig().QueueSize
	}

	return &Broker{
		dataDir:     dataDir,
		queueSize:   config.QueueSize,
		historyDB:   config.History,
		logger:      config.Logger,
		current:     graph.Empty(),
		subscribers: make(map[string]*Subscriber),
	}
}

// Snapshot returns the current graph and reconcile status. The graph is
// immutable; callers may read it freely. Snapshot never blocks on an
// in-flight reconcile and never observes a partially-built graph.
func (b *Broker) Snapshot() (*graph.MergedGraph, Status) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.current, b.status
}

// Stats returns summary statistics for the current graph.
func (b *Broker) Stats() *graph.Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.current.Stats(b.loadedAt)
}

// Subscribe registers a new subscriber. Its first delivered message is
// a full snapshot of the graph as of registration; every diff produced
// after registration follows in order. A diff broadcast that was
// already underway is never delivered to the new subscriber.
func (b *Broker) Subscribe() *Subscriber {
	sub := newSubscriber(b.queueSize)

	b.mu.Lock()
	sub.Enqueue(b.initialMessageLocked())
	b.subscribers[sub.id] = sub
	count := len(b.subscribers)
	b.mu.Unlock()

	b.logger.Printf("Subscriber %s registered (total: %d)", sub.id, count)
	return sub
}

// Unsubscribe removes a subscriber and closes its mailbox. Safe to call
// more than once.
func (b *Broker) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	_, existed := b.subscribers[sub.id]
	delete(b.subscribers, sub.id)
	count := len(b.subscribers)
	b.mu.Unlock()

	if existed {
		sub.close()
		b.logger.Printf("Subscriber %s removed (total: %d)", sub.id, count)
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// CompleteResync re-arms an overflowed subscriber and returns the
// fresh initial_data snapshot that finishes the handshake. Re-arm and
// snapshot share the critical section the swap-and-broadcast path
// takes, so every diff produced after the returned snapshot is
// enqueued to the mailbox; none can land between the two and be lost.
func (b *Broker) CompleteResync(sub *Subscriber) Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub.Resume()
	return b.initialMessageLocked()
}

func (b *Broker) initialMessageLocked() Message {
	g := b.current
	return Message{
		Type:      MessageTypeInitial,
		Timestamp: time.Now(),
		Version:   g.Version,
		Stats:     g.Stats(b.loadedAt),
		Graph: &GraphData{
			Nodes:  g.NodeList(),
			Edges:  g.EdgeList(),
			Scenes: g.SceneList(),
		},
	}
}

// RequestReconcile schedules a reconcile pass and returns immediately.
//
// If a pass is already executing, exactly one follow-up run is queued;
// further requests while one is queued coalesce into it, keeping the
// trigger annotation of the latest request.
func (b *Broker) RequestReconcile(trig Trigger) {
	b.flightMu.Lock()
	if b.inFlight {
		b.pending = true
		b.nextTrig = trig
		b.flightMu.Unlock()
		return
	}
	b.inFlight = true
	b.flightMu.Unlock()

	go b.runFlight(trig)
}

// Reconcile runs passes synchronously until no follow-up is pending,
// through the same single-flight guard as RequestReconcile. Used for
// the startup pass and by tests. If a pass is already in flight the
// request coalesces and Reconcile returns nil immediately.
func (b *Broker) Reconcile(trig Trigger) error {
	b.flightMu.Lock()
	if b.inFlight {
		b.pending = true
		b.nextTrig = trig
		b.flightMu.Unlock()
		return nil
	}
	b.inFlight = true
	b.flightMu.Unlock()

	return b.runFlight(trig)
}

// runFlight executes reconcile passes until the pending flag stays
// clear, then releases the in-flight guard. Returns the last pass error.
func (b *Broker) runFlight(trig Trigger) error {
	var err error
	for {
		err = b.pass(trig)
		if err != nil {
			b.logger.Printf("Reconcile failed: %v", err)
		}

		b.flightMu.Lock()
		if b.pending {
			b.pending = false
			trig = b.nextTrig
			b.flightMu.Unlock()
			continue
		}
		b.inFlight = false
		b.flightMu.Unlock()
		return err
	}
}

// pass runs one load→merge→diff→swap→broadcast cycle. On failure the
// canonical graph is untouched and no broadcast occurs.
func (b *Broker) pass(trig Trigger) error {
	start := time.Now()

	records, loadErrs, err := record.LoadAll(b.dataDir)
	if err != nil {
		b.setFailure(err)
		b.record(history.Entry{
			Version:    b.version(),
			Outcome:    history.OutcomeFailed,
			ChangeType: string(trig.ChangeType),
			File:       trig.File,
			Error:      err.Error(),
			Duration:   time.Since(start),
		})
		return fmt.Errorf("reconcile aborted: %w", err)
	}

	for _, le := range loadErrs {
		b.logger.Printf("Warning: %v", le)
	}

	next := graph.Merge(records)

	// Single writer: current cannot change between this read and the
	// swap below, so the diff can be computed outside the lock.
	cur, _ := b.Snapshot()
	diff := graph.Compare(cur, next)

	if diff.Empty() {
		// No node or edge changed, but scene metadata may have (a
		// scene-only record, a new generated_at). Install the rebuild
		// under the unchanged version so Snapshot and /api/scenes always
		// reflect the latest merge. Nothing to broadcast.
		next.Version = cur.Version
		now := time.Now()
		b.mu.Lock()
		b.current = next
		b.loadedAt = now
		b.status = Status{LastReconcile: now, LoadErrors: len(loadErrs)}
		b.mu.Unlock()

		b.record(history.Entry{
			Version:    cur.Version,
			Outcome:    history.OutcomeNoop,
			ChangeType: string(trig.ChangeType),
			File:       trig.File,
			Nodes:      len(next.Nodes),
			Edges:      len(next.Edges),
			Scenes:     len(next.Scenes),
			LoadErrors: len(loadErrs),
			Duration:   time.Since(start),
		})
		return nil
	}

	next.Version = cur.Version + 1
	loadedAt := time.Now()

	msg := Message{
		Type:       MessageTypeUpdate,
		Timestamp:  loadedAt,
		Version:    next.Version,
		ChangeType: trig.ChangeType,
		File:       trig.File,
		Stats:      next.Stats(loadedAt),
		Diff:       diff,
	}

	// Swap and broadcast under one critical section so a subscriber
	// registering concurrently either sees the old graph plus this
	// diff, or the new graph without it.
	b.mu.Lock()
	b.current = next
	b.loadedAt = loadedAt
	b.status = Status{LastReconcile: loadedAt, LoadErrors: len(loadErrs)}
	for _, sub := range b.subscribers {
		sub.Enqueue(msg)
	}
	subs := len(b.subscribers)
	b.mu.Unlock()

	added, updated, removed := diff.Changes()
	b.logger.Printf("Reconciled to version %d: %d nodes, %d edges, %d scenes (+%d ~%d -%d) -> %d subscribers in %v",
		next.Version, len(next.Nodes), len(next.Edges), len(next.Scenes),
		added, updated, removed, subs, time.Since(start).Round(time.Millisecond))

	b.record(history.Entry{
		Version:    next.Version,
		Outcome:    history.OutcomeApplied,
		ChangeType: string(trig.ChangeType),
		File:       trig.File,
		Nodes:      len(next.Nodes),
		Edges:      len(next.Edges),
		Scenes:     len(next.Scenes),
		LoadErrors: len(loadErrs),
		Added:      added,
		Updated:    updated,
		Removed:    removed,
		Duration:   time.Since(start),
	})
	return nil
}

func (b *Broker) setFailure(err error) {
	b.mu.Lock()
	b.status.LastReconcile = time.Now()
	b.status.LastError = err.Error()
	b.mu.Unlock()
}

func (b *Broker) version() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.current.Version
}

// record writes a history entry, logging failures instead of
// propagating them: the log must never fail a pass.
func (b *Broker) record(e history.Entry) {
	if b.historyDB == nil {
		return
	}
	if err := b.historyDB.RecordPass(e); err != nil {
		b.logger.Printf("Warning: failed to record reconcile history: %v", err)
	}
}
