// Package config provides the configuration schema, loader, and provider registry
// for the tonerag service.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// CacheBackend selects where cached responses live.
type CacheBackend string

const (
	// CacheMemory keeps responses in a bounded in-process LRU.
	CacheMemory CacheBackend = "memory"

	// CachePostgres stores responses in the configured PostgreSQL database so
	// that several replicas share hits.
	CachePostgres CacheBackend = "postgres"

	// CacheNone disables response caching. Every request generates.
	CacheNone CacheBackend = "none"
)

// IsValid reports whether b is a recognised cache backend.
func (b CacheBackend) IsValid() bool {
	switch b {
	case CacheMemory, CachePostgres, CacheNone:
		return true
	}
	return false
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Tones     []ToneConfig    `yaml:"tones"`
	Index     IndexConfig     `yaml:"index"`
	Store     StoreConfig     `yaml:"store"`
	Cache     CacheConfig     `yaml:"cache"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Ingest    IngestConfig    `yaml:"ingest"`
}

// ServerConfig holds network and logging settings for the operational
// HTTP endpoints.
type ServerConfig struct {
	// ListenAddr is the TCP address the ops server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// ProvidersConfig declares the model backends. Each entry selects a named
// provider registered in the [Registry].
type ProvidersConfig struct {
	LLM        ProviderEntry `yaml:"llm"`
	Embeddings ProviderEntry `yaml:"embeddings"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai", "lora").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Replicas lists additional base URLs serving the same model. Requests
	// fail over to them in order when the primary endpoint is unavailable.
	// Only used for the llm provider.
	Replicas []string `yaml:"replicas"`

	// Timeout bounds a single provider HTTP call. Zero leaves the provider default.
	Timeout time.Duration `yaml:"timeout"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above.
	Options map[string]any `yaml:"options"`
}

// ToneConfig describes one target tone and the adapter that produces it.
type ToneConfig struct {
	// ID is the key callers pass to select the tone (e.g., "formal").
	ID string `yaml:"id"`

	// Description is a human-readable summary shown by the admin listing.
	Description string `yaml:"description"`

	// Adapter names the fine-tuned adapter the model overlays for this tone.
	Adapter string `yaml:"adapter"`

	// AdapterVersion is the starting version of the adapter. The registry bumps
	// it whenever the profile changes at runtime.
	AdapterVersion int `yaml:"adapter_version"`

	// SystemPrompt is sent as the system message. Optional.
	SystemPrompt string `yaml:"system_prompt"`

	// PromptTemplate is a text/template rendered with .Query, .Tone, .Context
	// and .Examples. Empty selects the built-in template.
	PromptTemplate string `yaml:"prompt_template"`

	// Temperature is the sampling temperature in [0, 2]. Unset leaves the model
	// default; zero asks for greedy decoding.
	Temperature *float64 `yaml:"temperature"`

	// MaxTokens caps the generated output. Zero leaves the model default.
	MaxTokens int `yaml:"max_tokens"`
}

// IndexConfig configures the in-memory vector index.
type IndexConfig struct {
	// Metric is "cosine" (default) or "neg_euclidean".
	Metric string `yaml:"metric"`

	// Dimension is the embedding length. Zero takes the embeddings provider's value.
	Dimension int `yaml:"dimension"`

	// SnapshotPath is where the index artifact is loaded from at startup and
	// saved to on shutdown. Empty disables persistence.
	SnapshotPath string `yaml:"snapshot_path"`

	// RebuildInterval is the period of the reconciliation loop that rebuilds
	// the index from the document store. Zero disables the loop.
	RebuildInterval time.Duration `yaml:"rebuild_interval"`
}

// StoreConfig selects the document store.
type StoreConfig struct {
	// PostgresDSN is the PostgreSQL connection string for the pgvector document
	// store. Empty selects the in-memory store.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// CacheConfig configures the response cache.
type CacheConfig struct {
	Backend CacheBackend `yaml:"backend"`

	// TTL is how long a cached response stays valid. Default: 24h.
	TTL time.Duration `yaml:"ttl"`

	// MaxEntries bounds the memory backend. Default: 10000.
	MaxEntries int `yaml:"max_entries"`

	// ComputeTimeout bounds a generation shared by concurrent identical
	// requests, independent of any single requester. Default: 2m.
	ComputeTimeout time.Duration `yaml:"compute_timeout"`
}

// PipelineConfig holds request limits and concurrency bounds.
type PipelineConfig struct {
	DefaultK                 int           `yaml:"default_k"`
	MaxK                     int           `yaml:"max_k"`
	MaxQueryChars            int           `yaml:"max_query_chars"`
	RequestTimeout           time.Duration `yaml:"request_timeout"`
	GenerationTimeout        time.Duration `yaml:"generation_timeout"`
	MaxConcurrentEmbeddings  int           `yaml:"max_concurrent_embeddings"`
	MaxConcurrentGenerations int           `yaml:"max_concurrent_generations"`
}

// TelemetryConfig configures the per-request event side channel.
type TelemetryConfig struct {
	// NATSURL enables publishing request events to NATS when set.
	NATSURL string `yaml:"nats_url"`

	// NATSSubject is the subject events are published on. Default: "tonerag.events".
	NATSSubject string `yaml:"nats_subject"`

	// ServiceName is reported in metrics and traces. Default: "tonerag".
	ServiceName string `yaml:"service_name"`
}

// IngestConfig configures document ingestion.
type IngestConfig struct {
	ChunkSize    int      `yaml:"chunk_size"`
	ChunkOverlap int      `yaml:"chunk_overlap"`
	BatchSize    int      `yaml:"batch_size"`
	Extensions   []string `yaml:"extensions"`
}
