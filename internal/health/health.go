// Package health serves the liveness and readiness endpoints.
//
//   - /healthz reports that the process can serve HTTP.
//   - /readyz runs every registered [Checker] concurrently. A failing
//     critical check makes the service unready (503). A failing non-critical
//     check only marks it degraded: the pipeline keeps answering, for example
//     by bypassing an unavailable cache.
//
// Responses are JSON objects with a top-level "status" of "ok", "degraded" or
// "fail" and a "checks" map with one entry per checker.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// Checker is a named readiness check.
type Checker struct {
	// Name labels the check in the response (e.g. "store", "index").
	Name string

	// Critical marks dependencies the service cannot answer without.
	Critical bool

	// Check returns nil when the dependency is healthy. It must respect ctx.
	Check func(ctx context.Context) error
}

// Pinger is implemented by dependencies with a health check.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Ping returns a Checker calling p.Ping.
func Ping(name string, critical bool, p Pinger) Checker {
	return Checker{Name: name, Critical: critical, Check: p.Ping}
}

// CheckResult is the outcome of one checker.
type CheckResult struct {
	Status     string  `json:"status"`
	Error      string  `json:"error,omitempty"`
	DurationMS float64 `json:"duration_ms"`
}

// Report aggregates the checker outcomes.
type Report struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz. The checker list is fixed at
// construction.
type Handler struct {
	checkers []Checker
}

// New creates a Handler evaluating checkers on each /readyz request.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// Healthz always answers 200.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Report{Status: "ok"})
}

// Readyz answers 200 unless a critical check fails.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	res := h.Check(r.Context())
	status := http.StatusOK
	if res.Status == "fail" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// Check runs all checkers concurrently and aggregates their results.
func (h *Handler) Check(ctx context.Context) Report {
	results := make([]CheckResult, len(h.checkers))
	var wg sync.WaitGroup
	for i, c := range h.checkers {
		wg.Go(func() {
			cctx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()
			start := time.Now()
			err := c.Check(cctx)
			results[i] = CheckResult{Status: "ok", DurationMS: float64(time.Since(start).Microseconds()) / 1000}
			if err != nil {
				results[i].Status = "fail"
				results[i].Error = err.Error()
			}
		})
	}
	wg.Wait()

	res := Report{Status: "ok", Checks: make(map[string]CheckResult, len(h.checkers))}
	for i, c := range h.checkers {
		res.Checks[c.Name] = results[i]
		if results[i].Status == "ok" {
			continue
		}
		if c.Critical {
			res.Status = "fail"
		} else if res.Status == "ok" {
			res.Status = "degraded"
		}
	}
	return res
}

// Register adds the health routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
