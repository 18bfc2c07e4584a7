package config_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/tonerag/internal/config"
)

const formalOnlyYAML = `
server:
  log_level: info
providers:
  llm:
    name: lora
    base_url: "http://localhost:8000"
tones:
  - id: formal
    adapter: formal-lora
`

const formalAndPirateYAML = `
server:
  log_level: debug
providers:
  llm:
    name: lora
    base_url: "http://localhost:8000"
tones:
  - id: formal
    adapter: formal-lora
  - id: pirate
    adapter: pirate-lora
    temperature: 0
`

const badToneYAML = `
server:
  log_level: info
providers:
  llm:
    name: lora
    base_url: "http://localhost:8000"
tones:
  - id: formal
    adapter: formal-lora
    temperature: 5
`

// toneRecorder collects the tone ids of every applied config.
type toneRecorder struct {
	mu      sync.Mutex
	applied [][]string
	seen    chan struct{}
}

func newToneRecorder() *toneRecorder {
	return &toneRecorder{seen: make(chan struct{}, 8)}
}

func (r *toneRecorder) apply(_, next *config.Config) {
	ids := make([]string, 0, len(next.Tones))
	for _, tc := range next.Tones {
		ids = append(ids, tc.ID)
	}
	r.mu.Lock()
	r.applied = append(r.applied, ids)
	r.mu.Unlock()
	select {
	case r.seen <- struct{}{}:
	default:
	}
}

func (r *toneRecorder) calls() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]string(nil), r.applied...)
}

// writeConfig replaces path atomically so the poller never sees a half
// written file.
func writeConfig(t *testing.T, path, content string) {
	t.Helper()
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatalf("rename %s: %v", tmp, err)
	}
}

// startWatcher writes content to a temp file and watches it. Tests that drive
// changes through Reload pass a long interval so the poller stays out of the way.
func startWatcher(t *testing.T, content string, apply config.ApplyFunc, interval time.Duration) (*config.Watcher, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tonerag.yaml")
	writeConfig(t, path, content)
	w, err := config.NewWatcher(path, apply, config.WithInterval(interval))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	t.Cleanup(w.Stop)
	return w, path
}

func TestWatcher_InitialLoadDoesNotApply(t *testing.T) {
	t.Parallel()
	rec := newToneRecorder()
	w, _ := startWatcher(t, formalOnlyYAML, rec.apply, time.Hour)

	cfg := w.Current()
	if cfg == nil || len(cfg.Tones) != 1 || cfg.Tones[0].ID != "formal" {
		t.Fatalf("Current() = %+v, want the formal tone only", cfg)
	}
	if got := rec.calls(); len(got) != 0 {
		t.Errorf("apply ran %d times for the initial load", len(got))
	}
}

func TestWatcher_ReloadAppliesNewTone(t *testing.T) {
	t.Parallel()
	rec := newToneRecorder()
	w, path := startWatcher(t, formalOnlyYAML, rec.apply, time.Hour)

	writeConfig(t, path, formalAndPirateYAML)
	applied, err := w.Reload()
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if !applied {
		t.Fatal("Reload reported no change after adding a tone")
	}

	calls := rec.calls()
	if len(calls) != 1 || len(calls[0]) != 2 || calls[0][1] != "pirate" {
		t.Fatalf("applied = %v, want one reload with [formal pirate]", calls)
	}
	cur := w.Current()
	if cur.Server.LogLevel != config.LogDebug {
		t.Errorf("log level = %q, want %q", cur.Server.LogLevel, config.LogDebug)
	}
	pirate := cur.Tones[1]
	if pirate.Temperature == nil || *pirate.Temperature != 0 {
		t.Errorf("pirate temperature = %v, want explicit 0", pirate.Temperature)
	}
}

func TestWatcher_ReloadUnchangedContent(t *testing.T) {
	t.Parallel()
	rec := newToneRecorder()
	w, path := startWatcher(t, formalOnlyYAML, rec.apply, time.Hour)

	// Rewriting the same bytes bumps mtime but is not an edit.
	writeConfig(t, path, formalOnlyYAML)
	applied, err := w.Reload()
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if applied || len(rec.calls()) != 0 {
		t.Errorf("applied = %v, calls = %v; want no apply", applied, rec.calls())
	}
}

func TestWatcher_ReloadRejectsInvalidTone(t *testing.T) {
	t.Parallel()
	rec := newToneRecorder()
	w, path := startWatcher(t, formalOnlyYAML, rec.apply, time.Hour)

	writeConfig(t, path, badToneYAML)
	applied, err := w.Reload()
	if err == nil {
		t.Fatal("Reload accepted a tone with temperature 5")
	}
	if applied || len(rec.calls()) != 0 {
		t.Errorf("invalid config reached apply: %v", rec.calls())
	}
	if tc := w.Current().Tones[0]; tc.Temperature != nil {
		t.Errorf("Current() changed to the rejected config: %+v", tc)
	}

	// Fixing the file afterwards is picked up.
	writeConfig(t, path, formalAndPirateYAML)
	if applied, err := w.Reload(); err != nil || !applied {
		t.Fatalf("Reload after fix = %v, %v; want applied", applied, err)
	}
}

func TestWatcher_PollPicksUpEdit(t *testing.T) {
	t.Parallel()
	rec := newToneRecorder()
	w, path := startWatcher(t, formalOnlyYAML, rec.apply, 20*time.Millisecond)

	writeConfig(t, path, formalAndPirateYAML)
	// Some filesystems keep a coarse mtime; move it forward so the poller
	// cannot mistake the edit for the original file.
	later := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	select {
	case <-rec.seen:
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not apply the edited tones")
	}
	if got := len(w.Current().Tones); got != 2 {
		t.Errorf("Current() has %d tones, want 2", got)
	}
}

func TestWatcher_NoApplyAfterStop(t *testing.T) {
	t.Parallel()
	rec := newToneRecorder()
	w, path := startWatcher(t, formalOnlyYAML, rec.apply, 10*time.Millisecond)

	w.Stop()
	w.Stop()

	writeConfig(t, path, formalAndPirateYAML)
	later := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	if got := rec.calls(); len(got) != 0 {
		t.Errorf("apply ran after Stop: %v", got)
	}
}

func TestWatcher_MissingFile(t *testing.T) {
	t.Parallel()
	if _, err := config.NewWatcher(filepath.Join(t.TempDir(), "absent.yaml"), nil); err == nil {
		t.Fatal("NewWatcher succeeded for a missing file")
	}
}
