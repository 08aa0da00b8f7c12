// Package health is the fleet daemon's shared readiness primitive: an
// atomic flag plus HTTP handlers, reused by both the Host Bridge and
// the Tenant Gateway rather than each rolling its own.
package health

import (
	"net/http"
	"sync/atomic"

	"github.com/gorilla/mux"
)

// HealthChecker tracks whether the owning server is ready to accept
// work. A server is always live once its process is up; readiness is
// the separate, explicit signal this type exists for (e.g. the Tenant
// Gateway is not ready until its guest pool has finished its initial
// fill).
type HealthChecker struct {
	ready atomic.Bool
}

// NewHealthChecker returns a checker that starts not ready.
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{}
}

// SetReady flips the readiness state.
func (hc *HealthChecker) SetReady(ready bool) {
	hc.ready.Store(ready)
}

// IsReady reports the current readiness state.
func (hc *HealthChecker) IsReady() bool {
	return hc.ready.Load()
}

// LivenessHandler always answers 200; it only proves the process is
// responding.
func (hc *HealthChecker) LivenessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok")) //nolint:errcheck
	})
}

// ReadinessHandler answers 200 once ready, 503 otherwise.
func (hc *HealthChecker) ReadinessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hc.IsReady() {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ok")) //nolint:errcheck
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("not ready")) //nolint:errcheck
	})
}

// AttachHealthEndpoints registers the split liveness/readiness surface
// (/healthz, /readyz) on a gorilla/mux router, for components that want
// both signals distinctly.
func AttachHealthEndpoints(r *mux.Router, checker *HealthChecker) {
	r.Handle("/healthz", checker.LivenessHandler())
	r.Handle("/readyz", checker.ReadinessHandler())
}
