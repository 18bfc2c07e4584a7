// Package pipeline runs tone-generation requests end to end.
//
// A [Service] drives each request through an explicit state machine:
//
//	RECEIVED → EMBEDDING → RETRIEVING → FINGERPRINTING → CACHE_LOOKUP
//	  → CACHE_HIT → RESPONDED
//	  → CACHE_MISS → GENERATING → CACHE_WRITE → RESPONDED
//
// with FAILED reachable from every step. Only three conditions fail a request:
// [ErrInputInvalid], [ErrToneNotFound] and [ErrGenerationFailed]. Retrieval
// problems, an unavailable embedding backend and an unavailable cache degrade
// the request instead. Every request, including failed ones, emits one
// [telemetry.Event].
//
// The tone is resolved before anything else runs so an unknown tone costs no
// model calls.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/MrWong99/tonerag/internal/cache"
	"github.com/MrWong99/tonerag/internal/generate"
	"github.com/MrWong99/tonerag/internal/observe"
	"github.com/MrWong99/tonerag/internal/retrieval"
	"github.com/MrWong99/tonerag/internal/telemetry"
	"github.com/MrWong99/tonerag/internal/tone"
	"github.com/MrWong99/tonerag/pkg/provider/embeddings"
	"github.com/MrWong99/tonerag/pkg/types"
)

var (
	// ErrInputInvalid is returned for empty, oversized or malformed queries
	// and for a negative k.
	ErrInputInvalid = errors.New("pipeline: invalid input")

	// ErrToneNotFound is returned when the requested tone is not registered.
	ErrToneNotFound = tone.ErrToneNotFound

	// ErrGenerationFailed is returned when the model could not produce an
	// output.
	ErrGenerationFailed = generate.ErrGenerationFailed
)

const (
	// DefaultMaxQueryChars bounds the query length in runes.
	DefaultMaxQueryChars = 8000

	// DefaultMaxK bounds the number of retrieved documents.
	DefaultMaxK = 50
)

// Request is one tone-generation request.
type Request struct {
	Text   string
	ToneID string

	// K is the number of reference documents to retrieve. Zero retrieves
	// none; values above the configured maximum are capped.
	K int
}

// Response is the result of a successful request.
type Response struct {
	Output      string
	Fingerprint cache.Fingerprint
	CacheHit    bool

	// RetrievedIDs lists the reference documents in rank order.
	RetrievedIDs []string

	// ModelVersion identifies the base model, adapter and cache epoch the
	// output belongs to.
	ModelVersion string

	// States is the path the request took through the state machine.
	States []State

	// Degraded is set when retrieval, embedding or the cache did not work
	// normally and the output was produced anyway.
	Degraded bool
}

// ToneResolver looks up tone profiles. *tone.Registry implements it.
type ToneResolver interface {
	Resolve(id string) (tone.Profile, error)
}

// Embedder produces query vectors. *embedsvc.Service implements it.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Retriever finds reference documents for a query vector.
// *retrieval.Retriever implements it.
type Retriever interface {
	RetrieveVector(ctx context.Context, vec []float32, k int) (retrieval.Result, error)
}

// Generator produces tone-shifted text. *generate.Generator implements it.
type Generator interface {
	Generate(ctx context.Context, query string, p tone.Profile, docs []types.ScoredDocument) (*generate.Output, error)
	ModelID() string
}

// Deps are the collaborators of a [Service]. Tones, Embedder, Retriever and
// Generator are required. A nil Cache disables caching; a nil Telemetry
// discards events.
type Deps struct {
	Tones     ToneResolver
	Embedder  Embedder
	Retriever Retriever
	Generator Generator
	Cache     *cache.Cache
	Telemetry telemetry.Emitter
}

// Service runs requests. It is safe for concurrent use.
type Service struct {
	tones     ToneResolver
	embedder  Embedder
	retriever Retriever
	generator Generator
	cache     *cache.Cache
	telemetry telemetry.Emitter

	maxQueryChars int
	maxK          int
	timeout       time.Duration

	epochMu sync.Mutex // serialises bumps so the stored epoch is monotonic
	epoch   atomic.Uint64
}

// Option configures a Service.
type Option func(*Service)

// WithMaxQueryChars bounds the query length in runes.
func WithMaxQueryChars(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxQueryChars = n
		}
	}
}

// WithMaxK caps the number of retrieved documents.
func WithMaxK(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxK = n
		}
	}
}

// WithRequestTimeout bounds a whole request. Zero disables the bound.
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Service) { s.timeout = d }
}

// New creates a Service.
func New(d Deps, opts ...Option) (*Service, error) {
	var errs []error
	if d.Tones == nil {
		errs = append(errs, errors.New("tone resolver is required"))
	}
	if d.Embedder == nil {
		errs = append(errs, errors.New("embedder is required"))
	}
	if d.Retriever == nil {
		errs = append(errs, errors.New("retriever is required"))
	}
	if d.Generator == nil {
		errs = append(errs, errors.New("generator is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}

	s := &Service{
		tones:         d.Tones,
		embedder:      d.Embedder,
		retriever:     d.Retriever,
		generator:     d.Generator,
		cache:         d.Cache,
		telemetry:     d.Telemetry,
		maxQueryChars: DefaultMaxQueryChars,
		maxK:          DefaultMaxK,
	}
	if s.cache == nil {
		s.cache = cache.New(nil)
	}
	if s.telemetry == nil {
		s.telemetry = telemetry.Nop{}
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Cache returns the response cache.
func (s *Service) Cache() *cache.Cache { return s.cache }

// Epoch returns the current cache epoch.
func (s *Service) Epoch() uint64 { return s.epoch.Load() }

// RestoreEpoch continues from the epoch stored in the cache backend, so an
// invalidation made before a restart still holds. Backends that keep no epoch
// leave it unchanged.
func (s *Service) RestoreEpoch(ctx context.Context) error {
	stored, err := s.cache.LoadEpoch(ctx)
	if err != nil {
		return fmt.Errorf("pipeline: restore epoch: %w", err)
	}
	s.epochMu.Lock()
	defer s.epochMu.Unlock()
	if stored > s.epoch.Load() {
		s.epoch.Store(stored)
	}
	return nil
}

// BumpEpoch starts a new cache epoch, records it in the cache backend and
// returns it. Outputs cached under earlier epochs are no longer reachable.
// The new epoch is in effect even when recording it fails; the error then
// means it will not survive a restart.
func (s *Service) BumpEpoch(ctx context.Context) (uint64, error) {
	s.epochMu.Lock()
	defer s.epochMu.Unlock()
	next := s.epoch.Add(1)
	if err := s.cache.SaveEpoch(ctx, next); err != nil {
		return next, fmt.Errorf("pipeline: bump epoch: %w", err)
	}
	return next, nil
}

// ModelVersion returns the model version string for p in the current epoch.
func (s *Service) ModelVersion(p tone.Profile) string {
	return fmt.Sprintf("%s/%s#%d", s.generator.ModelID(), p.Adapter, s.epoch.Load())
}

// Run executes req.
func (s *Service) Run(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	ctx, span := observe.StartSpan(ctx, "pipeline.Run")
	defer span.End()
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	r := &request{
		Service: s,
		req:     req,
		tr:      newTrace(),
		log:     observe.Logger(ctx).With("tone", req.ToneID),
		event: telemetry.Event{
			Timestamp: start,
			RequestID: observe.CorrelationID(ctx),
			ToneID:    req.ToneID,
		},
	}
	resp, err := r.run(ctx)

	r.event.Status = statusOf(err)
	r.event.StageLatency = r.tr.latency
	r.event.Total = time.Since(start)
	s.telemetry.Emit(context.WithoutCancel(ctx), r.event)

	if err != nil {
		span.RecordError(err)
		r.log.Info("request failed", "status", r.event.Status, "duration", r.event.Total, "err", err)
		return nil, err
	}
	r.log.Debug("request complete",
		"fingerprint", resp.Fingerprint.Short(),
		"cache_hit", resp.CacheHit,
		"degraded", resp.Degraded,
		"duration", r.event.Total)
	return resp, nil
}

// request carries the per-request state of one Run.
type request struct {
	*Service
	req   Request
	tr    *trace
	log   *slog.Logger
	event telemetry.Event
}

func (r *request) to(st State) {
	from := r.tr.current()
	r.tr.to(st)
	r.log.Debug("pipeline transition", "from", from, "to", st)
}

func (r *request) fail(err error) (*Response, error) {
	r.to(StateFailed)
	return nil, err
}

func (r *request) run(ctx context.Context) (*Response, error) {
	if err := r.validate(); err != nil {
		return r.fail(err)
	}
	p, err := r.tones.Resolve(r.req.ToneID)
	if err != nil {
		return r.fail(fmt.Errorf("pipeline: %w", err))
	}
	modelVersion := r.ModelVersion(p)
	r.event.AdapterVersion = p.Adapter.String()
	r.event.ModelVersion = modelVersion
	resp := &Response{ModelVersion: modelVersion}

	// EMBEDDING
	r.to(StateEmbedding)
	var vec []float32
	if r.req.K > 0 {
		vec, err = r.embed(ctx)
		switch {
		case errors.Is(err, embeddings.ErrInvalidInput):
			return r.fail(fmt.Errorf("%w: %w", ErrInputInvalid, err))
		case ctx.Err() != nil:
			return r.fail(fmt.Errorf("pipeline: embed: %w", ctx.Err()))
		case err != nil:
			resp.Degraded = true
			r.log.Warn("embedding unavailable, continuing without reference documents", "err", err)
		}
	}

	// RETRIEVING
	r.to(StateRetrieving)
	var found retrieval.Result
	if vec != nil {
		rctx, span := observe.StartSpan(ctx, "pipeline.retrieve")
		found, err = r.retriever.RetrieveVector(rctx, vec, r.req.K)
		span.End()
		if err != nil {
			return r.fail(fmt.Errorf("pipeline: retrieve: %w", err))
		}
		if found.Degraded {
			resp.Degraded = true
		}
	}
	resp.RetrievedIDs = found.IDs()
	r.event.RetrievedIDs = resp.RetrievedIDs
	if top, ok := found.TopScore(); ok {
		score := float64(top)
		r.event.TopSimilarity = &score
	}

	// FINGERPRINTING
	r.to(StateFingerprinting)
	resp.Fingerprint = cache.NewFingerprint(r.req.Text, p.ToneID, resp.RetrievedIDs, modelVersion)
	r.event.Fingerprint = string(resp.Fingerprint)

	// CACHE_LOOKUP
	r.to(StateCacheLookup)
	out, status := r.cache.Lookup(ctx, resp.Fingerprint)
	if status == cache.StatusHit {
		r.to(StateCacheHit)
		resp.Output = out
		resp.CacheHit = true
		return r.respond(resp), nil
	}
	r.to(StateCacheMiss)
	bypass := status == cache.StatusBypass
	if bypass && r.cache.Backend() != nil {
		resp.Degraded = true
	}

	// GENERATING
	r.to(StateGenerating)
	res, err := r.cache.Compute(ctx, resp.Fingerprint, bypass, func(cctx context.Context) (string, error) {
		gen, err := r.generator.Generate(cctx, r.req.Text, p, found.Hits)
		if err != nil {
			return "", err
		}
		return gen.Text, nil
	})
	if err != nil {
		if ctx.Err() == nil && !errors.Is(err, ErrGenerationFailed) {
			err = fmt.Errorf("%w: %w", ErrGenerationFailed, err)
		}
		return r.fail(err)
	}

	// CACHE_WRITE: the computation stores its own output so that it lands
	// even when every waiter has gone.
	r.to(StateCacheWrite)
	resp.Output = res.Output
	resp.CacheHit = res.Hit
	return r.respond(resp), nil
}

func (r *request) respond(resp *Response) *Response {
	r.to(StateResponded)
	r.event.CacheHit = resp.CacheHit
	r.event.Degraded = resp.Degraded
	resp.States = r.tr.states
	return resp
}

func (r *request) embed(ctx context.Context) ([]float32, error) {
	ctx, span := observe.StartSpan(ctx, "pipeline.embed")
	defer span.End()
	return r.embedder.Embed(ctx, r.req.Text)
}

// validate checks the request and caps K.
func (r *request) validate() error {
	text := r.req.Text
	switch {
	case strings.TrimSpace(text) == "":
		return fmt.Errorf("%w: query is empty", ErrInputInvalid)
	case !utf8.ValidString(text):
		return fmt.Errorf("%w: query is not valid UTF-8", ErrInputInvalid)
	case utf8.RuneCountInString(text) > r.maxQueryChars:
		return fmt.Errorf("%w: query exceeds %d characters", ErrInputInvalid, r.maxQueryChars)
	case r.req.K < 0:
		return fmt.Errorf("%w: k must not be negative, got %d", ErrInputInvalid, r.req.K)
	}
	if r.req.K > r.maxK {
		r.log.Debug("capping k", "requested", r.req.K, "max", r.maxK)
		r.req.K = r.maxK
	}
	return nil
}

// statusOf maps a Run error to the status reported in telemetry.
func statusOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInputInvalid):
		return "input_invalid"
	case errors.Is(err, ErrToneNotFound):
		return "tone_not_found"
	case errors.Is(err, ErrGenerationFailed):
		return "generation_failed"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "error"
	}
}
