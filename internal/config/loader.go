package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":        {"openai", "lora", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"embeddings": {"openai", "ollama"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero-valued fields with their defaults.
func ApplyDefaults(cfg *Config) {
	setDefault(&cfg.Server.ListenAddr, ":8080")
	setDefault(&cfg.Server.LogLevel, LogInfo)

	setDefault(&cfg.Index.Metric, "cosine")

	setDefault(&cfg.Cache.Backend, CacheMemory)
	setDefault(&cfg.Cache.TTL, 24*time.Hour)
	setDefault(&cfg.Cache.MaxEntries, 10_000)
	setDefault(&cfg.Cache.ComputeTimeout, 2*time.Minute)

	setDefault(&cfg.Pipeline.DefaultK, 4)
	setDefault(&cfg.Pipeline.MaxK, 50)
	setDefault(&cfg.Pipeline.MaxQueryChars, 8_000)
	setDefault(&cfg.Pipeline.RequestTimeout, time.Minute)
	setDefault(&cfg.Pipeline.GenerationTimeout, 30*time.Second)
	setDefault(&cfg.Pipeline.MaxConcurrentEmbeddings, 8)
	setDefault(&cfg.Pipeline.MaxConcurrentGenerations, 4)

	setDefault(&cfg.Telemetry.NATSSubject, "tonerag.events")
	setDefault(&cfg.Telemetry.ServiceName, "tonerag")

	setDefault(&cfg.Ingest.ChunkSize, 1000)
	setDefault(&cfg.Ingest.ChunkOverlap, 200)
	setDefault(&cfg.Ingest.BatchSize, 64)
	if len(cfg.Ingest.Extensions) == 0 {
		cfg.Ingest.Extensions = []string{".txt", ".md"}
	}
}

func setDefault[T comparable](field *T, def T) {
	var zero T
	if *field == zero {
		*field = def
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)
	if len(cfg.Providers.LLM.Replicas) > 0 && cfg.Providers.LLM.BaseURL == "" {
		errs = append(errs, errors.New("providers.llm.replicas requires providers.llm.base_url for the primary endpoint"))
	}

	// Tones
	seen := make(map[string]int, len(cfg.Tones))
	for i, tc := range cfg.Tones {
		prefix := fmt.Sprintf("tones[%d]", i)
		if tc.ID == "" {
			errs = append(errs, fmt.Errorf("%s.id is required", prefix))
		} else {
			if prev, ok := seen[tc.ID]; ok {
				errs = append(errs, fmt.Errorf("%s.id %q is a duplicate of tones[%d]", prefix, tc.ID, prev))
			}
			seen[tc.ID] = i
		}
		if tc.Adapter == "" {
			errs = append(errs, fmt.Errorf("%s.adapter is required", prefix))
		}
		if tc.AdapterVersion < 0 {
			errs = append(errs, fmt.Errorf("%s.adapter_version must not be negative", prefix))
		}
		if t := tc.Temperature; t != nil && (*t < 0 || *t > 2) {
			errs = append(errs, fmt.Errorf("%s.temperature %.2f is out of range [0, 2]", prefix, *t))
		}
		if tc.MaxTokens < 0 {
			errs = append(errs, fmt.Errorf("%s.max_tokens must not be negative", prefix))
		}
	}
	if len(cfg.Tones) == 0 {
		slog.Warn("no tones configured; every request will fail with tone not found until one is registered")
	}

	// Index
	switch strings.ToLower(cfg.Index.Metric) {
	case "", "cosine", "neg_euclidean", "euclidean", "l2":
	default:
		errs = append(errs, fmt.Errorf("index.metric %q is invalid; valid values: cosine, neg_euclidean", cfg.Index.Metric))
	}
	if cfg.Index.Dimension < 0 {
		errs = append(errs, errors.New("index.dimension must not be negative"))
	}
	if cfg.Index.RebuildInterval < 0 {
		errs = append(errs, errors.New("index.rebuild_interval must not be negative"))
	}

	// Cache
	if !cfg.Cache.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("cache.backend %q is invalid; valid values: memory, postgres, none", cfg.Cache.Backend))
	}
	if cfg.Cache.Backend == CachePostgres && cfg.Store.PostgresDSN == "" {
		errs = append(errs, errors.New("cache.backend postgres requires store.postgres_dsn"))
	}
	if cfg.Cache.TTL < 0 {
		errs = append(errs, errors.New("cache.ttl must not be negative"))
	}
	if cfg.Cache.MaxEntries < 0 {
		errs = append(errs, errors.New("cache.max_entries must not be negative"))
	}

	// Pipeline
	p := cfg.Pipeline
	if p.MaxK < 0 || p.DefaultK < 0 {
		errs = append(errs, errors.New("pipeline.default_k and pipeline.max_k must not be negative"))
	}
	if p.MaxK > 0 && p.DefaultK > p.MaxK {
		errs = append(errs, fmt.Errorf("pipeline.default_k %d exceeds pipeline.max_k %d", p.DefaultK, p.MaxK))
	}
	if p.MaxConcurrentEmbeddings < 0 || p.MaxConcurrentGenerations < 0 {
		errs = append(errs, errors.New("pipeline concurrency limits must not be negative"))
	}
	if p.RequestTimeout > 0 && p.GenerationTimeout > p.RequestTimeout {
		slog.Warn("pipeline.generation_timeout exceeds pipeline.request_timeout; the reduced-context retry will rarely run",
			"generation_timeout", p.GenerationTimeout,
			"request_timeout", p.RequestTimeout)
	}

	// Ingest
	if cfg.Ingest.ChunkSize <= 0 {
		errs = append(errs, errors.New("ingest.chunk_size must be positive"))
	} else if cfg.Ingest.ChunkOverlap < 0 || cfg.Ingest.ChunkOverlap >= cfg.Ingest.ChunkSize {
		errs = append(errs, fmt.Errorf("ingest.chunk_overlap %d must be in [0, chunk_size)", cfg.Ingest.ChunkOverlap))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok || slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name; may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
