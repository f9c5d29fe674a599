// Package health serves the liveness and readiness probes of the avatar
// server.
//
// GET /healthz answers 200 as long as the process serves HTTP. GET /readyz
// runs every registered [Checker] concurrently: it answers 200 with status
// "ok" when all pass, 200 with "degraded" when only optional checks fail,
// and 503 with "fail" otherwise.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// checkTimeout bounds each check.
const checkTimeout = 5 * time.Second

// Report statuses.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusFail     = "fail"
)

// Checker probes one dependency.
type Checker struct {
	// Name keys the result in the report, e.g. "history" or "tts".
	Name string

	// Check returns nil when the dependency is usable. It must honour ctx.
	Check func(ctx context.Context) error

	// Optional checks degrade the report instead of failing it. The avatar
	// still answers without them, only with less context.
	Optional bool
}

// Optional returns c marked as optional.
func Optional(c Checker) Checker {
	c.Optional = true
	return c
}

// CheckResult is the outcome of one [Checker].
type CheckResult struct {
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
	Duration string `json:"duration"`
}

// Report is the body of /readyz.
type Report struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// Handler serves the probes. The checker list is fixed at construction.
type Handler struct {
	checkers []Checker
}

// New returns a handler running checkers on every readiness probe.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...)}
}

// Evaluate runs every check and folds the results into a report.
func (h *Handler) Evaluate(ctx context.Context) Report {
	results := make([]CheckResult, len(h.checkers))
	var g errgroup.Group
	for i, c := range h.checkers {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()
			start := time.Now()
			err := c.Check(ctx)
			results[i] = CheckResult{Status: StatusOK, Duration: time.Since(start).Round(time.Microsecond).String()}
			if err != nil {
				results[i].Status = StatusFail
				results[i].Error = err.Error()
			}
			return nil
		})
	}
	_ = g.Wait()

	rep := Report{Status: StatusOK, Checks: make(map[string]CheckResult, len(h.checkers))}
	for i, c := range h.checkers {
		r := results[i]
		rep.Checks[c.Name] = r
		switch {
		case r.Status == StatusOK:
		case c.Optional:
			if rep.Status == StatusOK {
				rep.Status = StatusDegraded
			}
		default:
			rep.Status = StatusFail
		}
	}
	return rep
}

// Healthz is the liveness probe.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Report{Status: StatusOK})
}

// Readyz is the readiness probe.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	rep := h.Evaluate(r.Context())
	code := http.StatusOK
	if rep.Status == StatusFail {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, rep)
}

// Register mounts both probes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// ─── checkers ────────────────────────────────────────────────────────────────

// Pinger is satisfied by stores with a connectivity probe, such as the
// PostgreSQL conversation history.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingCheck reports p's Ping result.
func PingCheck(name string, p Pinger) Checker {
	return Checker{Name: name, Check: p.Ping}
}

// Breakers is satisfied by provider failover groups.
type Breakers interface {
	Healthy() bool
}

// ErrAllBreakersOpen is reported while every provider of a failover group
// rejects calls.
var ErrAllBreakersOpen = errors.New("all provider circuit breakers are open")

// BreakerCheck fails while every provider behind b is tripped.
func BreakerCheck(name string, b Breakers) Checker {
	return Checker{Name: name, Check: func(context.Context) error {
		if !b.Healthy() {
			return ErrAllBreakersOpen
		}
		return nil
	}}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"status":"fail"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(append(body, '\n'))
}
