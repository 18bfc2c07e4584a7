// Command tonerag is the main entry point for the tone-generation service.
//
// Without -query it serves the ops endpoints and keeps the index in step with
// the document store until interrupted. With -query it answers one request,
// prints the result as JSON and exits. -ingest loads a folder of documents
// first in either mode.
package main

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/MrWong99/tonerag/internal/app"
	"github.com/MrWong99/tonerag/internal/config"
	"github.com/MrWong99/tonerag/internal/observe"
	"github.com/MrWong99/tonerag/internal/pipeline"
	"github.com/MrWong99/tonerag/internal/resilience"
	"github.com/MrWong99/tonerag/pkg/provider/embeddings"
	ollamaembed "github.com/MrWong99/tonerag/pkg/provider/embeddings/ollama"
	oaembed "github.com/MrWong99/tonerag/pkg/provider/embeddings/openai"
	"github.com/MrWong99/tonerag/pkg/provider/llm"
	"github.com/MrWong99/tonerag/pkg/provider/llm/anyllm"
	"github.com/MrWong99/tonerag/pkg/provider/llm/lora"
	oaillm "github.com/MrWong99/tonerag/pkg/provider/llm/openai"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	ingestDir := flag.String("ingest", "", "ingest every document under this directory before serving")
	query := flag.String("query", "", "answer one request for this text and exit")
	toneID := flag.String("tone", "", "tone for -query")
	k := flag.Int("k", -1, "reference documents for -query (default: pipeline.default_k)")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "tonerag: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "tonerag: %v\n", err)
		}
		return 1
	}
	if *query != "" && *toneID == "" {
		fmt.Fprintln(os.Stderr, "tonerag: -query requires -tone")
		return 2
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(app.SlogLevel(cfg.Server.LogLevel))
	slog.SetDefault(newLogger(level))

	slog.Info("tonerag starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry SDK ─────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: cfg.Telemetry.ServiceName})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	application, err := app.New(ctx, cfg, providers, app.WithLogLevel(level))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := application.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "err", err)
		}
	}()

	// ── Ingestion ─────────────────────────────────────────────────────────────
	if *ingestDir != "" {
		stats, err := application.Ingest(ctx, *ingestDir)
		if err != nil {
			slog.Error("ingest failed", "dir", *ingestDir, "err", err)
			return 1
		}
		slog.Info("ingest complete",
			"dir", *ingestDir,
			"sources", stats.Sources,
			"chunks", stats.Chunks,
			"removed", stats.Removed,
			"duration", stats.Duration)
	}

	// ── One-shot mode ─────────────────────────────────────────────────────────
	if *query != "" {
		return answer(ctx, application, *query, *toneID, *k)
	}

	// ── Serve ─────────────────────────────────────────────────────────────────
	if err := application.WatchConfig(*configPath); err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		go reloadOnHangup(ctx, application)
	}

	slog.Info("server ready; press Ctrl+C to shut down")
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("shutdown signal received, stopping")
	return 0
}

// reloadOnHangup re-reads the config file each time the process gets SIGHUP.
func reloadOnHangup(ctx context.Context, a *app.App) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			applied, err := a.ReloadConfig()
			if err != nil {
				slog.Warn("config reload on SIGHUP failed", "err", err)
				continue
			}
			slog.Info("config reload on SIGHUP", "applied", applied)
		}
	}
}

// answer runs one request and prints the response as JSON on stdout.
func answer(ctx context.Context, a *app.App, text, toneID string, k int) int {
	resp, err := a.Query(ctx, text, toneID, k)
	if err != nil {
		slog.Error("request failed", "tone", toneID, "err", err)
		if errors.Is(err, pipeline.ErrInputInvalid) || errors.Is(err, pipeline.ErrToneNotFound) {
			return 2
		}
		return 1
	}
	states := make([]string, len(resp.States))
	for i, s := range resp.States {
		states[i] = s.String()
	}
	out := struct {
		Output       string   `json:"output"`
		Fingerprint  string   `json:"fingerprint"`
		CacheHit     bool     `json:"cache_hit"`
		RetrievedIDs []string `json:"retrieved_document_ids"`
		ModelVersion string   `json:"model_version"`
		Degraded     bool     `json:"degraded,omitempty"`
		States       []string `json:"states"`
	}{
		Output:       resp.Output,
		Fingerprint:  string(resp.Fingerprint),
		CacheHit:     resp.CacheHit,
		RetrievedIDs: resp.RetrievedIDs,
		ModelVersion: resp.ModelVersion,
		Degraded:     resp.Degraded,
		States:       states,
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		slog.Error("write response", "err", err)
		return 1
	}
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// anyllmBackends are the hosted and local model APIs reached through any-llm-go.
var anyllmBackends = []string{"anthropic", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile", "ollama"}

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the appropriate
// provider from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────

	// openai also covers vLLM and other servers speaking the chat completions
	// protocol; each LoRA adapter is served under its own model name.
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oaillm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaillm.WithBaseURL(entry.BaseURL))
		}
		if entry.Timeout > 0 {
			opts = append(opts, oaillm.WithTimeout(entry.Timeout))
		}
		if n := optInt(entry.Options, "context_window"); n > 0 {
			opts = append(opts, oaillm.WithContextWindow(n))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, oaillm.WithOrganization(org))
		}
		return oaillm.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterLLM("lora", func(entry config.ProviderEntry) (llm.Provider, error) {
		opts := []lora.Option{lora.WithHTTPClient(tracedClient(cmp.Or(entry.Timeout, lora.DefaultTimeout)))}
		if entry.Model != "" {
			opts = append(opts, lora.WithBaseModel(entry.Model))
		}
		if n := optInt(entry.Options, "context_window"); n > 0 {
			opts = append(opts, lora.WithContextWindow(n))
		}
		return lora.New(entry.BaseURL, opts...)
	})

	for _, providerName := range anyllmBackends {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var backend []anyllmlib.Option
			if entry.APIKey != "" {
				backend = append(backend, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				backend = append(backend, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			opts := []anyllm.Option{anyllm.WithBackendOptions(backend...)}
			if m := optStringMap(entry.Options, "adapter_models"); len(m) > 0 {
				opts = append(opts, anyllm.WithAdapterModels(m))
			}
			if n := optInt(entry.Options, "context_window"); n > 0 {
				opts = append(opts, anyllm.WithContextWindow(n))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ── Embeddings ────────────────────────────────────────────────────────────

	reg.RegisterEmbeddings("openai", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		var opts []oaembed.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaembed.WithBaseURL(entry.BaseURL))
		}
		if entry.Timeout > 0 {
			opts = append(opts, oaembed.WithTimeout(entry.Timeout))
		}
		if n := optInt(entry.Options, "dimensions"); n > 0 {
			opts = append(opts, oaembed.WithDimensions(n))
		}
		return oaembed.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterEmbeddings("ollama", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		opts := []ollamaembed.Option{ollamaembed.WithHTTPClient(tracedClient(entry.Timeout))}
		if n := optInt(entry.Options, "dimensions"); n > 0 {
			opts = append(opts, ollamaembed.WithDimensions(n))
		}
		return ollamaembed.New(entry.BaseURL, entry.Model, opts...)
	})
}

// buildProviders instantiates the providers named in cfg using the registry.
// LLM replicas are combined with the primary endpoint behind a failover
// group.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	entry := cfg.Providers.LLM
	primary, err := reg.CreateLLM(entry)
	if err != nil {
		return nil, fmt.Errorf("create llm provider %q: %w", entry.Name, err)
	}
	slog.Info("provider created", "kind", "llm", "name", entry.Name, "model", primary.ModelID())

	ps := &app.Providers{LLM: primary}
	if len(entry.Replicas) > 0 {
		fb := resilience.NewLLMFallback(primary, entry.BaseURL, resilience.FallbackConfig{})
		for _, url := range entry.Replicas {
			replica := entry
			replica.BaseURL = url
			p, err := reg.CreateLLM(replica)
			if err != nil {
				return nil, fmt.Errorf("create llm replica %q: %w", url, err)
			}
			if err := fb.AddFallback(url, p); err != nil {
				return nil, err
			}
		}
		slog.Info("llm failover enabled", "replicas", len(entry.Replicas))
		ps.LLM = fb
	}

	emb, err := reg.CreateEmbeddings(cfg.Providers.Embeddings)
	if err != nil {
		return nil, fmt.Errorf("create embeddings provider %q: %w", cfg.Providers.Embeddings.Name, err)
	}
	slog.Info("provider created", "kind", "embeddings", "name", cfg.Providers.Embeddings.Name, "model", emb.ModelID())
	ps.Embeddings = emb
	return ps, nil
}

// tracedClient returns an HTTP client that propagates trace context to
// self-hosted model servers.
func tracedClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
		Timeout:   timeout,
	}
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level slog.Leveler) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optInt extracts an integer value from a provider Options map. YAML decodes
// whole numbers as int; floats are truncated.
func optInt(opts map[string]any, key string) int {
	switch v := opts[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 0
	}
}

// optStringMap extracts a string-to-string table from a provider Options map.
// Entries with non-string values are skipped.
func optStringMap(opts map[string]any, key string) map[string]string {
	raw, ok := opts[key].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}
