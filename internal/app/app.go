// Package app wires all tonerag subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves the ops endpoints and background loops, and Shutdown
// tears everything down in order.
//
// For testing, inject implementations via functional options
// (WithDocumentStore, WithCacheBackend, etc.). When an option is not
// provided, New creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/MrWong99/tonerag/internal/cache"
	pgcache "github.com/MrWong99/tonerag/internal/cache/postgres"
	"github.com/MrWong99/tonerag/internal/config"
	"github.com/MrWong99/tonerag/internal/embedsvc"
	"github.com/MrWong99/tonerag/internal/generate"
	"github.com/MrWong99/tonerag/internal/health"
	"github.com/MrWong99/tonerag/internal/indexer"
	"github.com/MrWong99/tonerag/internal/ingest"
	"github.com/MrWong99/tonerag/internal/observe"
	"github.com/MrWong99/tonerag/internal/pipeline"
	"github.com/MrWong99/tonerag/internal/resilience"
	"github.com/MrWong99/tonerag/internal/retrieval"
	"github.com/MrWong99/tonerag/internal/telemetry"
	"github.com/MrWong99/tonerag/internal/tone"
	"github.com/MrWong99/tonerag/pkg/docstore"
	"github.com/MrWong99/tonerag/pkg/docstore/postgres"
	"github.com/MrWong99/tonerag/pkg/provider/embeddings"
	"github.com/MrWong99/tonerag/pkg/provider/llm"
	"github.com/MrWong99/tonerag/pkg/vectorindex"
)

// Providers holds the model backends. Both are required. Populated by main.go
// via the config registry.
type Providers struct {
	LLM        llm.Provider
	Embeddings embeddings.Provider
}

// expirer is implemented by cache backends that need an active sweep of
// expired entries.
type expirer interface {
	DeleteExpired(ctx context.Context) (int, error)
}

// App owns all subsystem lifetimes and serves tone-generation requests.
type App struct {
	cfg       *config.Config
	providers *Providers
	metrics   *observe.Metrics
	logLevel  *slog.LevelVar

	// Subsystems: initialised in New, torn down in Shutdown.
	store        docstore.Store
	handle       *vectorindex.Handle
	indexer      *indexer.Manager
	embedder     *embedsvc.Service
	tones        *tone.Registry
	cacheBackend cache.Backend
	noCache      bool
	cache        *cache.Cache
	generator    *generate.Generator
	telemetry    telemetry.Emitter
	pipeline     *pipeline.Service
	ingester     *ingest.Ingester
	health       *health.Handler
	admin        *Admin

	// reloadMu serialises config reloads and admin tone changes.
	reloadMu sync.Mutex
	// runtimeTones holds ids registered through Admin and absent from the
	// config. Reloads carry them over. Guarded by reloadMu.
	runtimeTones map[string]struct{}

	// watcher is set by WatchConfig.
	watcher *config.Watcher

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithDocumentStore injects a document store instead of creating one from config.
func WithDocumentStore(s docstore.Store) Option {
	return func(a *App) { a.store = s }
}

// WithCacheBackend injects a cache backend instead of creating one from
// config. A nil backend disables caching.
func WithCacheBackend(b cache.Backend) Option {
	return func(a *App) {
		a.cacheBackend = b
		a.noCache = b == nil
	}
}

// WithTelemetry injects the request event emitter instead of building the
// metrics and NATS emitters from config.
func WithTelemetry(e telemetry.Emitter) Option {
	return func(a *App) { a.telemetry = e }
}

// WithMetrics injects the metric instruments. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogLevel hands the app the level variable of the default logger so
// config reloads can change verbosity.
func WithLogLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = v }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry). Use Option functions
// to inject test doubles for any subsystem.
//
// New performs all initialisation synchronously: document store connection,
// index snapshot load or rebuild, tone registration and cache setup.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.LLM == nil || providers.Embeddings == nil {
		return nil, errors.New("app: llm and embeddings providers are required")
	}
	a := &App{
		cfg:          cfg,
		providers:    providers,
		runtimeTones: make(map[string]struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	dim := cfg.Index.Dimension
	if dim == 0 {
		dim = providers.Embeddings.Dimensions()
	}
	if dim <= 0 {
		return nil, errors.New("app: embedding dimension unknown; set index.dimension")
	}

	// ── 1. Document store ────────────────────────────────────────────────
	if err := a.initStore(ctx, dim); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 2. Embedding service ─────────────────────────────────────────────
	a.embedder = embedsvc.New(providers.Embeddings,
		embedsvc.WithMaxConcurrent(cfg.Pipeline.MaxConcurrentEmbeddings),
		embedsvc.WithMetrics(a.metrics),
		embedsvc.WithProviderName(cfg.Providers.Embeddings.Name),
	)

	// ── 3. Vector index ──────────────────────────────────────────────────
	if err := a.initIndex(ctx, dim); err != nil {
		return nil, fmt.Errorf("app: init index: %w", err)
	}

	// ── 4. Tones ─────────────────────────────────────────────────────────
	a.tones = tone.NewRegistry()
	if _, err := a.tones.Sync(profilesFromConfig(cfg.Tones)); err != nil {
		return nil, fmt.Errorf("app: init tones: %w", err)
	}

	// ── 5. Cache ─────────────────────────────────────────────────────────
	if err := a.initCache(ctx); err != nil {
		return nil, fmt.Errorf("app: init cache: %w", err)
	}

	// ── 6. Generator ─────────────────────────────────────────────────────
	a.generator = generate.New(providers.LLM,
		generate.WithMaxConcurrent(cfg.Pipeline.MaxConcurrentGenerations),
		generate.WithTimeout(cfg.Pipeline.GenerationTimeout),
		generate.WithMetrics(a.metrics),
		generate.WithProviderName(cfg.Providers.LLM.Name),
	)

	// ── 7. Telemetry ─────────────────────────────────────────────────────
	a.initTelemetry()

	// ── 8. Pipeline ──────────────────────────────────────────────────────
	retriever := retrieval.New(a.embedder, a.handle, a.store,
		retrieval.WithRebuildRequester(a.indexer),
		retrieval.WithMetrics(a.metrics),
	)
	svc, err := pipeline.New(pipeline.Deps{
		Tones:     a.tones,
		Embedder:  a.embedder,
		Retriever: retriever,
		Generator: a.generator,
		Cache:     a.cache,
		Telemetry: a.telemetry,
	},
		pipeline.WithMaxQueryChars(cfg.Pipeline.MaxQueryChars),
		pipeline.WithMaxK(cfg.Pipeline.MaxK),
		pipeline.WithRequestTimeout(cfg.Pipeline.RequestTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("app: init pipeline: %w", err)
	}
	a.pipeline = svc
	if err := svc.RestoreEpoch(ctx); err != nil {
		return nil, fmt.Errorf("app: init pipeline: %w", err)
	}

	// ── 9. Ingestion ─────────────────────────────────────────────────────
	a.ingester = ingest.New(a.embedder, a.store, a.indexer,
		ingest.WithSplitter(ingest.NewSplitter(cfg.Ingest.ChunkSize, cfg.Ingest.ChunkOverlap)),
		ingest.WithBatchSize(cfg.Ingest.BatchSize),
		ingest.WithExtensions(cfg.Ingest.Extensions...),
	)

	// ── 10. Health & admin ───────────────────────────────────────────────
	a.health = health.New(a.checkers()...)
	a.admin = &Admin{app: a}

	slog.Info("app initialised",
		"documents", a.handle.Current().Len(),
		"dimension", dim,
		"metric", a.handle.Metric(),
		"tones", a.tones.Len(),
		"cache", a.cacheName(),
	)
	return a, nil
}

// initStore opens the PostgreSQL store when a DSN is configured and falls back
// to an in-memory store otherwise.
func (a *App) initStore(ctx context.Context, dim int) error {
	if a.store != nil {
		return nil
	}
	dsn := a.cfg.Store.PostgresDSN
	if dsn == "" {
		slog.Warn("no store.postgres_dsn configured; documents are kept in memory only")
		a.store = docstore.NewMemStore()
		return nil
	}
	s, err := postgres.NewStore(ctx, dsn, dim)
	if err != nil {
		return err
	}
	a.store = s
	a.closers = append(a.closers, func() error {
		s.Close()
		return nil
	})
	return nil
}

// initIndex creates the live index and fills it from the snapshot artifact or,
// failing that, from the document store.
func (a *App) initIndex(ctx context.Context, dim int) error {
	metric, err := vectorindex.ParseMetric(a.cfg.Index.Metric)
	if err != nil {
		return err
	}
	a.handle, err = vectorindex.NewHandle(dim, metric)
	if err != nil {
		return err
	}
	a.indexer = indexer.New(a.handle, a.store,
		indexer.WithSnapshotPath(a.cfg.Index.SnapshotPath),
		indexer.WithEmbeddingModel(a.providers.Embeddings.ModelID()),
		indexer.WithReconcileInterval(a.cfg.Index.RebuildInterval),
		indexer.WithMetrics(a.metrics),
	)

	loaded, err := a.indexer.LoadSnapshot(ctx)
	if err != nil {
		// A stale or corrupt artifact is replaced by a rebuild below.
		slog.Warn("index snapshot unusable, rebuilding from store", "err", err)
	}
	if loaded {
		if _, err := a.indexer.Reconcile(ctx); err != nil {
			slog.Warn("index reconcile after snapshot load failed", "err", err)
		}
		return nil
	}
	if _, err := a.indexer.Rebuild(ctx); err != nil {
		return err
	}
	return nil
}

// initCache selects the response cache backend.
func (a *App) initCache(ctx context.Context) error {
	cc := a.cfg.Cache
	if a.cacheBackend == nil && !a.noCache {
		switch cc.Backend {
		case config.CacheNone:
		case config.CachePostgres:
			s, ok := a.store.(*postgres.Store)
			if !ok {
				return errors.New("postgres cache backend requires the postgres document store")
			}
			b, err := pgcache.NewBackend(ctx, s.Pool())
			if err != nil {
				return err
			}
			a.cacheBackend = b
		default:
			a.cacheBackend = cache.NewMemoryBackend(cc.MaxEntries)
		}
	}
	a.cache = cache.New(a.cacheBackend,
		cache.WithTTL(cc.TTL),
		cache.WithComputeTimeout(cc.ComputeTimeout),
		cache.WithMetrics(a.metrics),
	)
	return nil
}

// initTelemetry builds the request event fan-out. A NATS server that cannot
// be reached at startup is logged and skipped; requests never wait on it.
func (a *App) initTelemetry() {
	if a.telemetry != nil {
		return
	}
	emitters := telemetry.Multi{telemetry.NewMetrics(a.metrics)}
	if url := a.cfg.Telemetry.NATSURL; url != "" {
		nc, err := telemetry.ConnectNATS(url, a.cfg.Telemetry.NATSSubject, a.cfg.Telemetry.ServiceName)
		if err != nil {
			slog.Warn("telemetry side channel disabled", "err", err)
		} else {
			emitters = append(emitters, nc)
			a.closers = append(a.closers, nc.Close)
		}
	}
	a.telemetry = emitters
}

// checkers returns the readiness checks for the configured subsystems.
func (a *App) checkers() []health.Checker {
	checks := []health.Checker{
		{
			Name:     "index",
			Critical: false,
			Check: func(context.Context) error {
				if a.handle.Current().Len() == 0 {
					return errors.New("index is empty")
				}
				return nil
			},
		},
		{
			Name:     "llm",
			Critical: false,
			Check: func(context.Context) error {
				if st := a.generator.BreakerState(); st != resilience.StateClosed {
					return fmt.Errorf("circuit breaker %s", st)
				}
				return nil
			},
		},
	}
	if hc, ok := a.providers.LLM.(llm.HealthChecker); ok {
		checks = append(checks, health.Checker{Name: "llm_server", Check: hc.Health})
	}
	if p, ok := a.store.(health.Pinger); ok {
		checks = append(checks, health.Ping("store", true, p))
	}
	if a.cacheBackend != nil {
		checks = append(checks, health.Ping("cache", false, a.cache))
	}
	if m, ok := a.telemetry.(telemetry.Multi); ok {
		for _, e := range m {
			if n, ok := e.(*telemetry.NATS); ok {
				checks = append(checks, health.Ping("nats", false, n))
			}
		}
	}
	return checks
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Pipeline returns the request service.
func (a *App) Pipeline() *pipeline.Service { return a.pipeline }

// Admin returns the administrative surface.
func (a *App) Admin() *Admin { return a.admin }

// Health returns the readiness checker.
func (a *App) Health() *health.Handler { return a.health }

// Query runs one tone-generation request. A negative K selects the
// configured default.
func (a *App) Query(ctx context.Context, text, toneID string, k int) (*pipeline.Response, error) {
	if k < 0 {
		k = a.cfg.Pipeline.DefaultK
	}
	return a.pipeline.Run(ctx, pipeline.Request{Text: text, ToneID: toneID, K: k})
}

// Ingest loads every matching file under dir into the store and index.
func (a *App) Ingest(ctx context.Context, dir string) (ingest.Stats, error) {
	return a.ingester.IngestDir(ctx, dir)
}

// Handler returns the ops HTTP handler: health checks, Prometheus metrics and
// the admin status report.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	a.health.Register(mux)
	mux.Handle("GET /metrics", observe.MetricsHandler())
	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, a.admin.Status(r.Context()))
	})
	mux.HandleFunc("GET /debug/retrieval", a.serveRetrievalCheck)
	return observe.Middleware(a.metrics)(mux)
}

// serveRetrievalCheck answers GET /debug/retrieval?q=<text>&k=<n>.
func (a *App) serveRetrievalCheck(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	text := q.Get("q")
	if text == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing query parameter q"})
		return
	}
	k := a.cfg.Pipeline.DefaultK
	if v := q.Get("k"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "k must be a non-negative integer"})
			return
		}
		k = n
	}
	chk, err := a.admin.CheckRetrieval(r.Context(), text, k)
	switch {
	case errors.Is(err, ErrNoStoreSearch):
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": err.Error()})
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	default:
		writeJSON(w, http.StatusOK, chk)
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the index maintenance loop, the cache sweeper and, when a listen
// address is configured, the ops HTTP server. It blocks until ctx is
// cancelled or the server fails.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Go(func() { a.indexer.Run(ctx) })
	if e, ok := a.cacheBackend.(expirer); ok {
		wg.Go(func() { a.sweepCache(ctx, e) })
	}

	slog.Info("app running", "documents", a.handle.Current().Len(), "tones", a.tones.Len())

	var runErr error
	if addr := a.cfg.Server.ListenAddr; addr != "" {
		runErr = a.serve(ctx, addr)
		cancel()
	} else {
		<-ctx.Done()
	}
	wg.Wait()
	if runErr != nil {
		return runErr
	}
	return ctx.Err()
}

// serve runs the ops HTTP server until ctx is done or the listener fails.
func (a *App) serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		errCh <- err
	}()
	slog.Info("ops server listening", "addr", addr, "tls", a.cfg.Server.TLS != nil)

	select {
	case err := <-errCh:
		return fmt.Errorf("app: ops server: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("ops server shutdown", "err", err)
	}
	return nil
}

// sweepCache deletes expired entries from backends that do not expire lazily.
func (a *App) sweepCache(ctx context.Context, e expirer) {
	interval := a.cfg.Cache.TTL / 4
	interval = max(interval, time.Minute)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := e.DeleteExpired(ctx)
			if err != nil {
				slog.Warn("cache sweep failed", "err", err)
				continue
			}
			if n > 0 {
				slog.Debug("cache sweep", "expired", n)
			}
		}
	}
}

// ─── Config reload ───────────────────────────────────────────────────────────

// WatchConfig polls path and applies tone and log level changes as they
// appear. The watcher is stopped during Shutdown.
func (a *App) WatchConfig(path string, opts ...config.WatcherOption) error {
	w, err := config.NewWatcher(path, a.ApplyConfig, opts...)
	if err != nil {
		return fmt.Errorf("app: watch config: %w", err)
	}
	a.watcher = w
	a.closers = append([]func() error{func() error {
		w.Stop()
		return nil
	}}, a.closers...)
	return nil
}

// ErrNotWatching is returned by ReloadConfig before WatchConfig succeeded.
var ErrNotWatching = errors.New("app: config file is not watched")

// ReloadConfig re-reads the watched config file immediately instead of
// waiting for the next poll. It reports whether anything was applied.
func (a *App) ReloadConfig() (bool, error) {
	if a.watcher == nil {
		return false, ErrNotWatching
	}
	applied, err := a.watcher.Reload()
	if err != nil {
		return false, fmt.Errorf("app: reload config: %w", err)
	}
	return applied, nil
}

// ApplyConfig applies the hot-reloadable parts of next. Changes to other
// sections are logged and take effect after a restart.
func (a *App) ApplyConfig(old, next *config.Config) {
	a.reloadMu.Lock()
	defer a.reloadMu.Unlock()

	d := config.Diff(old, next)
	if d.TonesChanged {
		res, err := a.tones.Sync(a.withRuntimeTones(next.Tones))
		if err != nil {
			slog.Error("config reload: tones rejected", "err", err)
		} else {
			slog.Info("config reload: tones updated",
				"added", res.Added,
				"updated", res.Updated,
				"removed", res.Removed)
		}
	}
	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(SlogLevel(d.NewLogLevel))
		slog.Info("config reload: log level changed", "level", d.NewLogLevel)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config reload: changes need a restart", "sections", d.RestartRequired)
	}
}

// withRuntimeTones returns the profiles for tones plus every tone registered
// at runtime that tones does not define. A tone that appears in the config
// stops being a runtime tone. Callers hold reloadMu.
func (a *App) withRuntimeTones(tones []config.ToneConfig) []tone.Profile {
	profiles := profilesFromConfig(tones)
	for _, tc := range tones {
		delete(a.runtimeTones, tc.ID)
	}
	for id := range a.runtimeTones {
		p, err := a.tones.Resolve(id)
		if err != nil {
			delete(a.runtimeTones, id)
			continue
		}
		profiles = append(profiles, p)
	}
	return profiles
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown saves the index snapshot and releases all resources. It is safe to
// call more than once; only the first call has any effect.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if err := a.indexer.SaveSnapshot(); err != nil {
			slog.Warn("index snapshot save failed", "err", err)
		}

		// Run closers in order.
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// SlogLevel converts a config log level to its slog equivalent.
func SlogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// profilesFromConfig converts tone config entries to registry profiles.
func profilesFromConfig(tcs []config.ToneConfig) []tone.Profile {
	out := make([]tone.Profile, 0, len(tcs))
	for _, tc := range tcs {
		out = append(out, ProfileFromConfig(tc))
	}
	return out
}

// ProfileFromConfig converts one tone config entry to a registry profile.
func ProfileFromConfig(tc config.ToneConfig) tone.Profile {
	return tone.Profile{
		ToneID:         tc.ID,
		Description:    tc.Description,
		Adapter:        tone.AdapterRef{Name: tc.Adapter, Version: tc.AdapterVersion},
		SystemPrompt:   tc.SystemPrompt,
		PromptTemplate: tc.PromptTemplate,
		Temperature:    tc.Temperature,
		MaxTokens:      tc.MaxTokens,
	}
}

func (a *App) cacheName() string {
	switch a.cacheBackend.(type) {
	case nil:
		return "none"
	case *cache.MemoryBackend:
		return "memory"
	case *pgcache.Backend:
		return "postgres"
	default:
		return fmt.Sprintf("%T", a.cacheBackend)
	}
}
