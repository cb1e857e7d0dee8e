package httpapi

import (
	"context"
	"net/http"
	"time"

	"goa.design/clue/health"
)

// healthTimeout bounds the combined dependency pings. Health probes run
// on tight kubelet schedules; a hung dependency must not hold the probe.
const healthTimeout = 2 * time.Second

// healthReport is the health response body. Component values carry
// clue's per-dependency status strings ("OK" or the ping error).
type healthReport struct {
	Status     string            `json:"status"`
	Mode       string            `json:"mode"`
	Components map[string]string `json:"components"`
}

// healthHandler separates dependencies the pipeline cannot run without
// (engine, status store) from ones it can limp along on (the downstream
// catalog, needed only for document auto-resolution and listings). Only
// required failures turn the probe 503; optional failures mark the
// report degraded but keep the endpoint 200 so the pod stays in
// rotation.
type healthHandler struct {
	required health.Checker
	optional health.Checker
	mode     string
}

// namedPinger fixes the component key reported for a dependency, so the
// response shape stays stable across engine and store implementations.
type namedPinger struct {
	name string
	dep  health.Pinger
}

func (p namedPinger) Name() string { return p.name }

func (p namedPinger) Ping(ctx context.Context) error { return p.dep.Ping(ctx) }

func newHealthHandler(mode string, eng, store, downstream health.Pinger) *healthHandler {
	return &healthHandler{
		required: health.NewChecker(
			namedPinger{"engine", eng},
			namedPinger{"status_store", store},
		),
		optional: health.NewChecker(
			namedPinger{"downstream_api", downstream},
		),
		mode: mode,
	}
}

func (h *healthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	req, reqOK := h.required.Check(ctx)
	opt, optOK := h.optional.Check(ctx)

	components := make(map[string]string, len(req.Status)+len(opt.Status))
	for name, st := range req.Status {
		components[name] = st
	}
	for name, st := range opt.Status {
		components[name] = st
	}

	report := healthReport{Status: "healthy", Mode: h.mode, Components: components}
	code := http.StatusOK
	if !optOK {
		report.Status = "degraded"
	}
	if !reqOK {
		report.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, r, code, report)
}
