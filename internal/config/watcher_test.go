package config_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voicepay/internal/config"
)

const watcherValidYAML = `
server:
  log_level: info
bank:
  pin: "1234"
contacts:
  - name: Ravi
    mobile: "9876543210"
`

const watcherUpdatedYAML = `
server:
  log_level: debug
bank:
  pin: "4321"
contacts:
  - name: Ravi
    mobile: "9876543210"
  - name: Kiran
    mobile: "9000000001"
`

const watcherInvalidYAML = `
server:
  log_level: bananas
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write file %q: %v", path, err)
	}
}

// bumpMtime moves the file's mtime forward so the next poll notices it even
// on filesystems with coarse timestamps.
func bumpMtime(t *testing.T, path string, by time.Duration) {
	t.Helper()
	ts := time.Now().Add(by)
	if err := os.Chtimes(path, ts, ts); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

type callbackRecorder struct {
	mu       sync.Mutex
	calls    int
	prev, next *config.Config
	called   chan struct{}
}

func newCallbackRecorder() *callbackRecorder {
	return &callbackRecorder{called: make(chan struct{}, 1)}
}

func (r *callbackRecorder) onChange(prev, next *config.Config) {
	r.mu.Lock()
	r.calls++
	r.prev, r.next = prev, next
	r.mu.Unlock()
	select {
	case r.called <- struct{}{}:
	default:
	}
}

func (r *callbackRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, cfgPath, watcherValidYAML)

	w, err := config.NewWatcher(cfgPath, nil, config.WithInterval(50*time.Millisecond))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer w.Stop()

	cfg := w.Current()
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level: got %q, want %q", cfg.Server.LogLevel, config.LogInfo)
	}
	if len(cfg.Contacts) != 1 {
		t.Errorf("contacts: got %d, want 1", len(cfg.Contacts))
	}
}

func TestWatcher_DetectsChange(t *testing.T) {
	t.Parallel()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, cfgPath, watcherValidYAML)

	rec := newCallbackRecorder()
	w, err := config.NewWatcher(cfgPath, rec.onChange, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer w.Stop()

	writeFile(t, cfgPath, watcherUpdatedYAML)
	bumpMtime(t, cfgPath, 2*time.Second)

	select {
	case <-rec.called:
	case <-time.After(2 * time.Second):
		t.Fatal("callback was not invoked within timeout")
	}

	rec.mu.Lock()
	d := config.Diff(rec.prev, rec.next)
	rec.mu.Unlock()

	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("log level diff = %v %q", d.LogLevelChanged, d.NewLogLevel)
	}
	if !d.ContactsChanged || len(d.ContactsAdded) != 1 || d.ContactsAdded[0] != "Kiran" {
		t.Errorf("contacts diff = %+v", d)
	}
	if !d.BankChanged {
		t.Error("expected BankChanged")
	}
	if got := w.Current().Bank.PIN; got != "4321" {
		t.Errorf("Current() pin = %q, want 4321", got)
	}
}

func TestWatcher_InvalidFileKeepsOldConfig(t *testing.T) {
	t.Parallel()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, cfgPath, watcherValidYAML)

	rec := newCallbackRecorder()
	w, err := config.NewWatcher(cfgPath, rec.onChange, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer w.Stop()

	writeFile(t, cfgPath, watcherInvalidYAML)
	bumpMtime(t, cfgPath, 2*time.Second)
	time.Sleep(200 * time.Millisecond)

	if calls := rec.count(); calls != 0 {
		t.Errorf("callback should not be called for invalid config, got %d calls", calls)
	}
	if cur := w.Current(); cur.Server.LogLevel != config.LogInfo {
		t.Errorf("Current() should still have old config, got log_level=%q", cur.Server.LogLevel)
	}
}

func TestWatcher_InitialLoadFails(t *testing.T) {
	t.Parallel()
	if _, err := config.NewWatcher("/nonexistent/path.yaml", nil); err == nil {
		t.Fatal("expected error for non-existent file, got nil")
	}
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	t.Parallel()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, cfgPath, watcherValidYAML)

	w, err := config.NewWatcher(cfgPath, nil, config.WithInterval(50*time.Millisecond))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	w.Stop()
	w.Stop()
}

func TestWatcher_TouchWithoutContentChange(t *testing.T) {
	t.Parallel()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, cfgPath, watcherValidYAML)

	rec := newCallbackRecorder()
	w, err := config.NewWatcher(cfgPath, rec.onChange, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer w.Stop()

	bumpMtime(t, cfgPath, time.Second)
	time.Sleep(200 * time.Millisecond)

	if calls := rec.count(); calls != 0 {
		t.Errorf("callback should not fire for touch-only, got %d calls", calls)
	}
}

func TestWatcher_RecoversAfterInvalidEdit(t *testing.T) {
	t.Parallel()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, cfgPath, watcherValidYAML)

	rec := newCallbackRecorder()
	w, err := config.NewWatcher(cfgPath, rec.onChange, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer w.Stop()

	writeFile(t, cfgPath, watcherInvalidYAML)
	bumpMtime(t, cfgPath, time.Second)
	time.Sleep(100 * time.Millisecond)

	writeFile(t, cfgPath, watcherUpdatedYAML)
	bumpMtime(t, cfgPath, 2*time.Second)

	select {
	case <-rec.called:
	case <-time.After(2 * time.Second):
		t.Fatal("callback was not invoked after the file was fixed")
	}
	if got := rec.count(); got != 1 {
		t.Errorf("callback calls = %d, want 1", got)
	}
	rec.mu.Lock()
	prev := rec.prev
	rec.mu.Unlock()
	if prev.Server.LogLevel != config.LogInfo {
		t.Errorf("previous config log_level = %q, want the last valid one", prev.Server.LogLevel)
	}
}
