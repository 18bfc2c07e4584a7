// Package telemetry carries the per-request experiment-tracking event.
//
// Every pipeline request, successful or not, produces one [Event]. Emitters
// fan it out to metrics and to an external tracking channel. Emit never fails
// the request: implementations log their own errors and return.
package telemetry

import (
	"context"
	"time"

	"github.com/MrWong99/tonerag/internal/observe"
)

// Event describes one pipeline request.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`

	ToneID         string `json:"tone_id"`
	AdapterVersion string `json:"adapter_version,omitempty"`
	ModelVersion   string `json:"model_version,omitempty"`

	// Status is "ok" or a short error kind such as "tone_not_found".
	Status   string `json:"status"`
	CacheHit bool   `json:"cache_hit"`
	Degraded bool   `json:"degraded,omitempty"`

	// TopSimilarity is nil when nothing was retrieved.
	TopSimilarity *float64 `json:"top_similarity_score,omitempty"`

	Fingerprint  string   `json:"fingerprint,omitempty"`
	RetrievedIDs []string `json:"retrieved_ids,omitempty"`

	// StageLatency maps a stage name to its duration.
	StageLatency map[string]time.Duration `json:"-"`
	Total        time.Duration            `json:"-"`
}

// Emitter receives events.
type Emitter interface {
	Emit(ctx context.Context, e Event)
}

// Nop discards events.
type Nop struct{}

// Emit implements [Emitter].
func (Nop) Emit(context.Context, Event) {}

// Multi forwards each event to every emitter in order.
type Multi []Emitter

// Emit implements [Emitter].
func (m Multi) Emit(ctx context.Context, e Event) {
	for _, em := range m {
		em.Emit(ctx, e)
	}
}

// Metrics records events as OpenTelemetry measurements.
type Metrics struct {
	m *observe.Metrics
}

// NewMetrics returns an emitter writing to m. A nil m selects
// [observe.DefaultMetrics].
func NewMetrics(m *observe.Metrics) *Metrics {
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &Metrics{m: m}
}

// Emit implements [Emitter].
func (e *Metrics) Emit(ctx context.Context, ev Event) {
	for stage, d := range ev.StageLatency {
		e.m.RecordStage(ctx, stage, d)
	}
	e.m.RecordRequest(ctx, ev.ToneID, ev.Status, ev.Total)
	if ev.TopSimilarity != nil {
		e.m.RecordTopSimilarity(ctx, ev.ToneID, *ev.TopSimilarity)
	}
}

var (
	_ Emitter = Nop{}
	_ Emitter = Multi(nil)
	_ Emitter = (*Metrics)(nil)
)
