package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
)

// DefaultSubject is the NATS subject events are published on.
const DefaultSubject = "tonerag.events"

// wireEvent is the JSON form of an [Event] on the NATS side channel.
type wireEvent struct {
	Event
	LatencyMS map[string]float64 `json:"latency_per_stage_ms"`
	TotalMS   float64            `json:"total_ms"`
}

func toWire(e Event) wireEvent {
	w := wireEvent{Event: e, LatencyMS: make(map[string]float64, len(e.StageLatency))}
	for stage, d := range e.StageLatency {
		w.LatencyMS[stage] = ms(d)
	}
	w.TotalMS = ms(e.Total)
	return w
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// headerCarrier adapts nats.Msg headers for OTel propagation.
type headerCarrier nats.Msg

func (c *headerCarrier) Get(key string) string {
	if c.Header == nil {
		return ""
	}
	return c.Header.Get(key)
}

func (c *headerCarrier) Set(key, val string) {
	if c.Header == nil {
		c.Header = make(nats.Header)
	}
	c.Header.Set(key, val)
}

func (c *headerCarrier) Keys() []string {
	keys := make([]string, 0, len(c.Header))
	for k := range c.Header {
		keys = append(keys, k)
	}
	return keys
}

// NATS publishes events as JSON to a NATS subject for experiment tracking.
// Trace context is propagated in message headers.
type NATS struct {
	nc      *nats.Conn
	subject string
	owned   bool
}

var _ Emitter = (*NATS)(nil)

// NewNATS publishes on an existing connection. The caller keeps ownership of
// nc.
func NewNATS(nc *nats.Conn, subject string) *NATS {
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATS{nc: nc, subject: subject}
}

// ConnectNATS dials url and returns an emitter owning the connection.
// Reconnects are handled by the client; events published while disconnected
// are buffered by it.
func ConnectNATS(url, subject, clientName string) (*NATS, error) {
	nc, err := nats.Connect(url,
		nats.Name(clientName),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("telemetry: nats disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			slog.Info("telemetry: nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: connect nats %s: %w", url, err)
	}
	e := NewNATS(nc, subject)
	e.owned = true
	return e, nil
}

// Subject returns the subject events are published on.
func (e *NATS) Subject() string { return e.subject }

// Emit implements [Emitter].
func (e *NATS) Emit(ctx context.Context, ev Event) {
	if err := e.publish(ctx, ev); err != nil {
		slog.Warn("telemetry: publish event failed", "subject", e.subject, "tone", ev.ToneID, "err", err)
	}
}

func (e *NATS) publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(toWire(ev))
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	msg := &nats.Msg{Subject: e.subject, Data: data}
	otel.GetTextMapPropagator().Inject(ctx, (*headerCarrier)(msg))
	return e.nc.PublishMsg(msg)
}

// Ping reports whether the connection is up.
func (e *NATS) Ping(context.Context) error {
	if !e.nc.IsConnected() {
		return fmt.Errorf("telemetry: nats not connected (status %s)", e.nc.Status())
	}
	return nil
}

// Close flushes pending events and, when the emitter owns the connection,
// closes it.
func (e *NATS) Close() error {
	if !e.owned {
		return e.nc.Flush()
	}
	return e.nc.Drain()
}
