// Package watcher turns bursty filesystem activity in the record
// directory into single debounced reconcile requests.
//
// The watcher does no parsing or merging itself: its only job is to
// notice that record files changed, wait out the burst, and poke the
// broker once. The trigger annotation (change type, filename) is
// observability data; correctness never depends on it because every
// reconcile reloads the whole directory.
package watcher

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/changshengEVA/M-Agent/internal/broker"
	"github.com/changshengEVA/M-Agent/internal/record"
)

// Reconciler is the watcher's view of the sync broker.
type Reconciler interface {
	RequestReconcile(broker.Trigger)
}

// Config holds watcher configuration.
type Config struct {
	// Debounce is the quiet period after the last qualifying event
	// before a reconcile is requested.
	Debounce time.Duration

	// RetryInterval is the initial backoff when the watched directory
	// is missing or unwatchable at startup. Doubled up to MaxRetryInterval.
	RetryInterval    time.Duration
	MaxRetryInterval time.Duration

	// Logger for watcher activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Debounce:         1 * time.Second,
		RetryInterval:    2 * time.Second,
		MaxRetryInterval: 30 * time.Second,
		Logger:           log.New(os.Stderr, "[watcher] ", log.LstdFlags),
	}
}

// Watcher observes one directory for record file changes.
type Watcher struct {
	dir      string
	target   Reconciler
	config   *Config
	debounce *debouncer

	done chan struct{}
	wg   sync.WaitGroup

	mu      sync.Mutex
	running bool
}

// New creates a Watcher for dir that requests reconciles on target.
func New(dir string, target Reconciler, config *Config) *Watcher {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[watcher] ", log.LstdFlags)
	}
	if config.Debounce <= 0 {
		config.Debounce = DefaultConfig().Debounce
	}
	if config.RetryInterval <= 0 {
		config.RetryInterval = DefaultConfig().RetryInterval
	}
	if config.MaxRetryInterval < config.RetryInterval {
		config.MaxRetryInterval = config.RetryInterval
	}

	w := &Watcher{
		dir:    dir,
		target: target,
		config: config,
		done:   make(chan struct{}),
	}
	w.debounce = newDebouncer(config.Debounce, target.RequestReconcile)
	return w
}

// Start begins watching in the background.
//
// A missing or unwatchable directory is not fatal: the watcher retries
// with backoff until it can attach, while the broker keeps serving its
// last graph.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("watcher already running")
	}
	w.running = true

	w.wg.Add(1)
	go w.run()

	return nil
}

// Stop shuts the watcher down and waits for its goroutine to exit.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	close(w.done)
	w.wg.Wait()
	w.debounce.Stop()

	return nil
}

// IsRunning returns true if the watcher is currently running.
func (w *Watcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// run attaches to the directory, retrying with backoff, then processes
// events until stopped.
func (w *Watcher) run() {
	defer w.wg.Done()

	backoff := w.config.RetryInterval
	for {
		fsw, err := w.attach()
		if err == nil {
			w.config.Logger.Printf("Watching %s (debounce %v)", w.dir, w.config.Debounce)
			w.processEvents(fsw)
			_ = fsw.Close()
			return
		}

		w.config.Logger.Printf("Cannot watch %s: %v (retrying in %v)", w.dir, err, backoff)
		select {
		case <-w.done:
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > w.config.MaxRetryInterval {
			backoff = w.config.MaxRetryInterval
		}
	}
}

// attach verifies the directory exists and adds it to a new fsnotify
// watcher.
func (w *Watcher) attach() (*fsnotify.Watcher, error) {
	info, err := os.Stat(w.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to stat directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", w.dir)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := fsw.Add(w.dir); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("failed to watch directory: %w", err)
	}

	return fsw, nil
}

// processEvents is the main loop converting fsnotify events into
// debounced reconcile triggers.
func (w *Watcher) processEvents(fsw *fsnotify.Watcher) {
	for {
		select {
		case <-w.done:
			return

		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			if trig, ok := convertEvent(event); ok {
				w.config.Logger.Printf("File event: %s %s", trig.ChangeType, trig.File)
				w.debounce.Hit(trig)
			}

		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

// convertEvent maps an fsnotify event to a reconcile trigger.
// Returns false for events that don't concern record files.
func convertEvent(event fsnotify.Event) (broker.Trigger, bool) {
	name := filepath.Base(event.Name)
	if !record.IsRecordFile(name) {
		return broker.Trigger{}, false
	}

	var ct broker.ChangeType
	switch {
	case event.Has(fsnotify.Create):
		ct = broker.ChangeCreated
	case event.Has(fsnotify.Write):
		ct = broker.ChangeModified
	case event.Has(fsnotify.Remove):
		ct = broker.ChangeDeleted
	case event.Has(fsnotify.Rename):
		// The old name is gone; the new name arrives as a create.
		ct = broker.ChangeDeleted
	default:
		// Chmod and friends don't change record contents.
		return broker.Trigger{}, false
	}

	return broker.Trigger{ChangeType: ct, File: name}, true
}
