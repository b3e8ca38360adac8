package watcher

import (
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/changshengEVA/M-Agent/internal/broker"
)

// countingReconciler records RequestReconcile calls for assertions.
type countingReconciler struct {
	mu    sync.Mutex
	calls []broker.Trigger
}

func (c *countingReconciler) RequestReconcile(trig broker.Trigger) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, trig)
}

func (c *countingReconciler) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

func (c *countingReconciler) last() broker.Trigger {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.calls) == 0 {
		return broker.Trigger{}
	}
	return c.calls[len(c.calls)-1]
}

func testConfig() *Config {
	return &Config{
		Debounce:         50 * time.Millisecond,
		RetryInterval:    20 * time.Millisecond,
		MaxRetryInterval: 100 * time.Millisecond,
		Logger:           log.New(io.Discard, "", 0),
	}
}

func waitForCalls(t *testing.T, rec *countingReconciler, want int, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if rec.count() >= want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %d reconcile calls (got %d)", want, rec.count())
}

func TestDebouncer_CoalescesBurst(t *testing.T) {
	rec := &countingReconciler{}
	d := newDebouncer(50*time.Millisecond, rec.RequestReconcile)
	defer d.Stop()

	// Ten qualifying events inside the quiet window: exactly one call.
	for i := 0; i < 10; i++ {
		d.Hit(broker.Trigger{ChangeType: broker.ChangeModified, File: "scene_000001.kg_candidate.json"})
		time.Sleep(2 * time.Millisecond)
	}

	waitForCalls(t, rec, 1, time.Second)
	time.Sleep(100 * time.Millisecond)
	if got := rec.count(); got != 1 {
		t.Errorf("Expected exactly 1 reconcile call for the burst, got %d", got)
	}
}

func TestDebouncer_SlidingWindow(t *testing.T) {
	rec := &countingReconciler{}
	d := newDebouncer(60*time.Millisecond, rec.RequestReconcile)
	defer d.Stop()

	// Hits spaced under the window keep pushing the firing out.
	for i := 0; i < 5; i++ {
		d.Hit(broker.Trigger{ChangeType: broker.ChangeModified})
		time.Sleep(30 * time.Millisecond)
	}
	if got := rec.count(); got != 0 {
		t.Errorf("Window should still be sliding, got %d calls", got)
	}

	waitForCalls(t, rec, 1, time.Second)
}

func TestDebouncer_CarriesLatestTrigger(t *testing.T) {
	rec := &countingReconciler{}
	d := newDebouncer(30*time.Millisecond, rec.RequestReconcile)
	defer d.Stop()

	d.Hit(broker.Trigger{ChangeType: broker.ChangeCreated, File: "a.kg_candidate.json"})
	d.Hit(broker.Trigger{ChangeType: broker.ChangeDeleted, File: "b.kg_candidate.json"})

	waitForCalls(t, rec, 1, time.Second)
	last := rec.last()
	if last.ChangeType != broker.ChangeDeleted || last.File != "b.kg_candidate.json" {
		t.Errorf("Fired trigger = %+v, want the latest hit", last)
	}
}

func TestDebouncer_SeparateBursts(t *testing.T) {
	rec := &countingReconciler{}
	d := newDebouncer(25*time.Millisecond, rec.RequestReconcile)
	defer d.Stop()

	d.Hit(broker.Trigger{ChangeType: broker.ChangeCreated})
	waitForCalls(t, rec, 1, time.Second)

	d.Hit(broker.Trigger{ChangeType: broker.ChangeModified})
	waitForCalls(t, rec, 2, time.Second)
}

func TestDebouncer_StaleFiringDoesNotCutWindowShort(t *testing.T) {
	rec := &countingReconciler{}
	d := newDebouncer(80*time.Millisecond, rec.RequestReconcile)
	defer d.Stop()

	d.Hit(broker.Trigger{ChangeType: broker.ChangeModified})

	// A timer callback that lost the race against a fresh Hit (the Hit's
	// Reset has already re-armed the timer) must not fire early.
	d.flush()
	if got := rec.count(); got != 0 {
		t.Fatalf("Stale firing produced %d calls inside the quiet window", got)
	}

	// The real firing still happens once the window passes.
	waitForCalls(t, rec, 1, time.Second)
	time.Sleep(120 * time.Millisecond)
	if got := rec.count(); got != 1 {
		t.Errorf("Expected exactly 1 call, got %d", got)
	}
}

func TestConvertEvent(t *testing.T) {
	cases := []struct {
		name   string
		event  fsnotify.Event
		want   broker.ChangeType
		wantOK bool
	}{
		{"create", fsnotify.Event{Name: "/d/s1.kg_candidate.json", Op: fsnotify.Create}, broker.ChangeCreated, true},
		{"write", fsnotify.Event{Name: "/d/s1.kg_candidate.json", Op: fsnotify.Write}, broker.ChangeModified, true},
		{"remove", fsnotify.Event{Name: "/d/s1.kg_candidate.json", Op: fsnotify.Remove}, broker.ChangeDeleted, true},
		{"rename", fsnotify.Event{Name: "/d/s1.kg_candidate.json", Op: fsnotify.Rename}, broker.ChangeDeleted, true},
		{"chmod", fsnotify.Event{Name: "/d/s1.kg_candidate.json", Op: fsnotify.Chmod}, "", false},
		{"other json", fsnotify.Event{Name: "/d/notes.json", Op: fsnotify.Create}, "", false},
		{"non-json", fsnotify.Event{Name: "/d/readme.txt", Op: fsnotify.Write}, "", false},
	}

	for _, c := range cases {
		trig, ok := convertEvent(c.event)
		if ok != c.wantOK {
			t.Errorf("%s: ok = %v, want %v", c.name, ok, c.wantOK)
			continue
		}
		if ok && trig.ChangeType != c.want {
			t.Errorf("%s: change type = %s, want %s", c.name, trig.ChangeType, c.want)
		}
		if ok && trig.File != filepath.Base(c.event.Name) {
			t.Errorf("%s: file = %s, want base name", c.name, trig.File)
		}
	}
}

func TestWatcher_StartStop(t *testing.T) {
	rec := &countingReconciler{}
	w := New(t.TempDir(), rec, testConfig())

	if err := w.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if !w.IsRunning() {
		t.Error("Watcher should be running after Start()")
	}
	if err := w.Start(); err == nil {
		t.Error("Second Start() should fail")
	}

	if err := w.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	if w.IsRunning() {
		t.Error("Watcher should not be running after Stop()")
	}
}

func TestWatcher_FileChangeTriggersReconcile(t *testing.T) {
	dir := t.TempDir()
	rec := &countingReconciler{}
	w := New(dir, rec, testConfig())

	if err := w.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer w.Stop()

	// Give the watcher time to attach.
	time.Sleep(100 * time.Millisecond)

	path := filepath.Join(dir, "scene_000001.kg_candidate.json")
	if err := os.WriteFile(path, []byte(`{"scene_id":"scene_000001","facts":{"entities":[],"relations":[]}}`), 0644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}

	waitForCalls(t, rec, 1, 2*time.Second)
}

func TestWatcher_IgnoresUnrelatedFiles(t *testing.T) {
	dir := t.TempDir()
	rec := &countingReconciler{}
	w := New(dir, rec, testConfig())

	if err := w.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer w.Stop()

	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}

	time.Sleep(200 * time.Millisecond)
	if got := rec.count(); got != 0 {
		t.Errorf("Unrelated file triggered %d reconciles", got)
	}
}

func TestWatcher_RetriesMissingDirectory(t *testing.T) {
	parent := t.TempDir()
	dir := filepath.Join(parent, "records")

	rec := &countingReconciler{}
	w := New(dir, rec, testConfig())

	// Directory doesn't exist yet: Start must succeed and keep retrying.
	if err := w.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer w.Stop()

	time.Sleep(50 * time.Millisecond)
	if err := os.Mkdir(dir, 0755); err != nil {
		t.Fatalf("Failed to create dir: %v", err)
	}

	// Once attached, events flow.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		path := filepath.Join(dir, "scene_000001.kg_candidate.json")
		if err := os.WriteFile(path, []byte(`{}`), 0644); err != nil {
			t.Fatalf("Failed to write file: %v", err)
		}
		if rec.count() > 0 {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatal("Watcher never attached to the late-created directory")
}
