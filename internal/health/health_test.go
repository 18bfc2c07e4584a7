package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func serve(t *testing.T, h *Handler, path string) (int, Report) {
	t.Helper()
	mux := http.NewServeMux()
	h.Register(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))

	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	var body Report
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	return rec.Code, body
}

func ok(context.Context) error { return nil }

func failing(msg string) func(context.Context) error {
	return func(context.Context) error { return errors.New(msg) }
}

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func TestHealthz(t *testing.T) {
	code, body := serve(t, New(Checker{Name: "store", Critical: true, Check: failing("down")}), "/healthz")
	if code != http.StatusOK || body.Status != "ok" {
		t.Errorf("got %d %q, want 200 ok", code, body.Status)
	}
}

func TestReadyz(t *testing.T) {
	tests := []struct {
		name       string
		checkers   []Checker
		wantCode   int
		wantStatus string
	}{
		{
			name:       "no checkers",
			wantCode:   http.StatusOK,
			wantStatus: "ok",
		},
		{
			name: "all pass",
			checkers: []Checker{
				{Name: "store", Critical: true, Check: ok},
				Ping("cache", false, pinger{}),
			},
			wantCode:   http.StatusOK,
			wantStatus: "ok",
		},
		{
			name: "non-critical failure degrades",
			checkers: []Checker{
				{Name: "store", Critical: true, Check: ok},
				Ping("cache", false, pinger{err: errors.New("connection refused")}),
			},
			wantCode:   http.StatusOK,
			wantStatus: "degraded",
		},
		{
			name: "critical failure",
			checkers: []Checker{
				{Name: "store", Critical: true, Check: failing("pool closed")},
				Ping("cache", false, pinger{err: errors.New("connection refused")}),
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "fail",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := serve(t, New(tt.checkers...), "/readyz")
			if code != tt.wantCode || body.Status != tt.wantStatus {
				t.Errorf("got %d %q, want %d %q", code, body.Status, tt.wantCode, tt.wantStatus)
			}
			if len(body.Checks) != len(tt.checkers) {
				t.Errorf("checks = %v", body.Checks)
			}
		})
	}
}

func TestReadyz_ReportsErrors(t *testing.T) {
	_, body := serve(t, New(Checker{Name: "index", Critical: true, Check: failing("index is empty")}), "/readyz")
	got := body.Checks["index"]
	if got.Status != "fail" || got.Error != "index is empty" {
		t.Errorf("index check = %+v", got)
	}
}

func TestCheck_RunsConcurrently(t *testing.T) {
	slow := func(ctx context.Context) error {
		select {
		case <-time.After(100 * time.Millisecond):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	h := New(
		Checker{Name: "a", Check: slow},
		Checker{Name: "b", Check: slow},
		Checker{Name: "c", Check: slow},
	)
	start := time.Now()
	res := h.Check(context.Background())
	if d := time.Since(start); d > 250*time.Millisecond {
		t.Errorf("checks took %v, want them to overlap", d)
	}
	if res.Status != "ok" {
		t.Errorf("status = %q", res.Status)
	}
}

func TestCheck_HonoursCancellation(t *testing.T) {
	h := New(Checker{Name: "blocked", Critical: true, Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if res := h.Check(ctx); res.Status != "fail" {
		t.Errorf("status = %q, want fail", res.Status)
	}
}
