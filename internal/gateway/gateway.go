// Package gateway implements the Tenant Gateway: a thin HTTP
// front exposing /health and /assign_cvm, serialized by the pool's own
// mutex for the duration of each assignment.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"k8s.io/klog/v2"

	"github.com/scoutflo/tdx-fleet/internal/health"
	"github.com/scoutflo/tdx-fleet/internal/model"
)

// AssignCVM is the pool operation the gateway fronts; implemented by
// *pool.Pool in production and faked in tests.
type AssignCVM interface {
	AssignCVM(ctx context.Context, runID, threadID, agentID string, cfg model.RunConfig) (int, error)
}

// assignCVMRequest is the POST /assign_cvm body: RunConfig plus the
// tenant-supplied run identifiers.
type assignCVMRequest struct {
	RunID         string            `json:"run_id"`
	ThreadID      string            `json:"thread_id"`
	AgentID       string            `json:"agent_id"`
	Provider      string            `json:"provider"`
	Model         string            `json:"model"`
	Temperature   float64           `json:"temperature"`
	MaxTokens     int               `json:"max_tokens"`
	MaxIterations int               `json:"max_iterations"`
	EnvVars       map[string]string `json:"env_vars"`
}

type assignCVMResponse struct {
	Port int `json:"port"`
}

// Gateway is the HTTP front. It does not own the pool's lifecycle.
type Gateway struct {
	Pool   AssignCVM
	Health *health.HealthChecker

	server *http.Server
}

// New constructs a Gateway bound to pool. The health checker starts not
// ready; callers flip it once the pool has finished its initial fill.
func New(pool AssignCVM) *Gateway {
	return &Gateway{Pool: pool, Health: health.NewHealthChecker()}
}

func (g *Gateway) router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", g.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/assign_cvm", g.handleAssignCVM).Methods(http.MethodPost)
	return r
}

// VerifyEnvelope checks the signed request envelope a tenant is expected
// to attach to /assign_cvm calls. Production signing/verification policy
// is unspecified upstream, so this always returns true; it exists as the
// call site future policy will plug into, not as real authorization.
func VerifyEnvelope(r *http.Request) bool {
	return true
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !g.Health.IsReady() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleAssignCVM is the sole tenant-facing operation. Any pool failure
// (no free CVM, attestation failure, assign/run RPC failure) collapses
// to 500 with the error's human rendering.
func (g *Gateway) handleAssignCVM(w http.ResponseWriter, r *http.Request) {
	if !VerifyEnvelope(r) {
		http.Error(w, "envelope verification failed", http.StatusUnauthorized)
		return
	}

	var req assignCVMRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	cfg := model.RunConfig{
		Provider:      req.Provider,
		Model:         req.Model,
		Temperature:   req.Temperature,
		MaxTokens:     req.MaxTokens,
		MaxIterations: req.MaxIterations,
		EnvVars:       req.EnvVars,
	}

	port, err := g.Pool.AssignCVM(r.Context(), req.RunID, req.ThreadID, req.AgentID, cfg)
	if err != nil {
		klog.Errorf("assign_cvm failed for run %s: %v", req.RunID, err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(assignCVMResponse{Port: port}) //nolint:errcheck
}

// Start binds a listener on addr and serves in a background goroutine,
// returning once the listener is bound so callers can rely on the
// return for readiness rather than racing a channel.
func (g *Gateway) Start(addr string) (string, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("bind gateway listener on %s: %w", addr, err)
	}
	g.server = &http.Server{Handler: g.router()}
	go func() {
		if err := g.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			klog.Errorf("gateway server error: %v", err)
		}
	}()
	klog.V(1).Infof("tenant gateway listening on %s", listener.Addr().String())
	return listener.Addr().String(), nil
}

// Shutdown stops accepting new work and waits for in-flight requests,
// bounded by ctx.
func (g *Gateway) Shutdown(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	return g.server.Shutdown(ctx)
}

// WaitForSignal blocks until ctx is done (for a signal.NotifyContext,
// until an interrupt/terminate signal arrives), then runs shutdownFn
// with a fresh context bounded by deadline.
func WaitForSignal(ctx context.Context, shutdownFn func(context.Context) error, deadline time.Duration) error {
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), deadline)
	defer cancel()
	return shutdownFn(shutdownCtx)
}
