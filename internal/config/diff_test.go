package config_test

import (
	"testing"
	"time"

	"github.com/MrWong99/tonerag/internal/config"
)

func tonesConfig(tones ...config.ToneConfig) *config.Config {
	return &config.Config{
		Server: config.ServerConfig{LogLevel: config.LogInfo},
		Tones:  tones,
	}
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := tonesConfig(config.ToneConfig{ID: "formal", Adapter: "formal-lora"})
	d := config.Diff(cfg, cfg)
	if d.TonesChanged {
		t.Error("expected TonesChanged=false for identical configs")
	}
	if d.LogLevelChanged {
		t.Error("expected LogLevelChanged=false for identical configs")
	}
	if len(d.ToneChanges) != 0 || len(d.RestartRequired) != 0 {
		t.Errorf("expected no changes, got %+v", d)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{Server: config.ServerConfig{LogLevel: config.LogInfo}}
	new := &config.Config{Server: config.ServerConfig{LogLevel: config.LogDebug}}

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("expected NewLogLevel=debug, got %q", d.NewLogLevel)
	}
}

func TestDiff_ToneChanges(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		old    config.ToneConfig
		new    config.ToneConfig
		assert func(t *testing.T, td config.ToneDiff)
	}{
		{
			name: "adapter",
			old:  config.ToneConfig{ID: "formal", Adapter: "formal-v1"},
			new:  config.ToneConfig{ID: "formal", Adapter: "formal-v2"},
			assert: func(t *testing.T, td config.ToneDiff) {
				if !td.AdapterChanged || td.TemplateChanged || td.SamplingChanged {
					t.Errorf("diff = %+v, want only AdapterChanged", td)
				}
			},
		},
		{
			name: "template",
			old:  config.ToneConfig{ID: "formal", Adapter: "a", PromptTemplate: "{{.Query}}"},
			new:  config.ToneConfig{ID: "formal", Adapter: "a", PromptTemplate: "Rewrite: {{.Query}}"},
			assert: func(t *testing.T, td config.ToneDiff) {
				if !td.TemplateChanged || td.AdapterChanged {
					t.Errorf("diff = %+v, want only TemplateChanged", td)
				}
			},
		},
		{
			name: "sampling",
			old:  config.ToneConfig{ID: "formal", Adapter: "a", Temperature: new(0.2)},
			new:  config.ToneConfig{ID: "formal", Adapter: "a", Temperature: new(0.7)},
			assert: func(t *testing.T, td config.ToneDiff) {
				if !td.SamplingChanged {
					t.Errorf("diff = %+v, want SamplingChanged", td)
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := config.Diff(tonesConfig(tt.old), tonesConfig(tt.new))
			if !d.TonesChanged || len(d.ToneChanges) != 1 {
				t.Fatalf("ToneChanges = %+v, want exactly one", d.ToneChanges)
			}
			if d.ToneChanges[0].ID != "formal" {
				t.Errorf("ID = %q, want formal", d.ToneChanges[0].ID)
			}
			tt.assert(t, d.ToneChanges[0])
		})
	}
}

func TestDiff_ToneAddedAndRemoved(t *testing.T) {
	t.Parallel()
	old := tonesConfig(config.ToneConfig{ID: "formal", Adapter: "a"}, config.ToneConfig{ID: "pirate", Adapter: "b"})
	new := tonesConfig(config.ToneConfig{ID: "formal", Adapter: "a"}, config.ToneConfig{ID: "casual", Adapter: "c"})

	d := config.Diff(old, new)
	if len(d.ToneChanges) != 2 {
		t.Fatalf("ToneChanges = %+v, want 2", d.ToneChanges)
	}
	if got := d.ToneChanges[0]; got.ID != "casual" || !got.Added {
		t.Errorf("first change = %+v, want casual added", got)
	}
	if got := d.ToneChanges[1]; got.ID != "pirate" || !got.Removed {
		t.Errorf("second change = %+v, want pirate removed", got)
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()
	old := &config.Config{}
	new := &config.Config{
		Cache:    config.CacheConfig{TTL: time.Hour},
		Pipeline: config.PipelineConfig{MaxK: 10},
	}
	d := config.Diff(old, new)
	if len(d.RestartRequired) != 2 || d.RestartRequired[0] != "cache" || d.RestartRequired[1] != "pipeline" {
		t.Errorf("RestartRequired = %v, want [cache pipeline]", d.RestartRequired)
	}
}
