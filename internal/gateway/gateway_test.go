package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/scoutflo/tdx-fleet/internal/model"
)

type fakePool struct {
	port int
	err  error
	got  model.RunConfig
}

func (f *fakePool) AssignCVM(ctx context.Context, runID, threadID, agentID string, cfg model.RunConfig) (int, error) {
	f.got = cfg
	return f.port, f.err
}

// TestHealthReflectsReadiness covers the /health endpoint's two states.
func TestHealthReflectsReadiness(t *testing.T) {
	g := New(&fakePool{})
	srv := httptest.NewServer(g.router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status before ready = %d, want 503", resp.StatusCode)
	}

	g.Health.SetReady(true)
	resp, err = http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status after ready = %d, want 200", resp.StatusCode)
	}
}

// TestAssignCVMHappyPath covers the POST /assign_cvm success shape.
func TestAssignCVMHappyPath(t *testing.T) {
	pool := &fakePool{port: 31337}
	g := New(pool)
	srv := httptest.NewServer(g.router())
	defer srv.Close()

	body, _ := json.Marshal(assignCVMRequest{
		RunID: "run-1", ThreadID: "thread-1", AgentID: "agent-1",
		Provider: "anthropic", Model: "claude", MaxTokens: 100,
	})
	resp, err := http.Post(srv.URL+"/assign_cvm", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /assign_cvm: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var out assignCVMResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if out.Port != 31337 {
		t.Fatalf("port = %d, want 31337", out.Port)
	}
	if pool.got.Provider != "anthropic" {
		t.Fatalf("pool received provider %q, want anthropic", pool.got.Provider)
	}
}

// TestAssignCVMFailureMapsTo500 covers the blanket mapping of any pool
// failure to 500 with the error's human rendering.
func TestAssignCVMFailureMapsTo500(t *testing.T) {
	pool := &fakePool{err: model.ErrNoFreeCvm}
	g := New(pool)
	srv := httptest.NewServer(g.router())
	defer srv.Close()

	body, _ := json.Marshal(assignCVMRequest{RunID: "run-1"})
	resp, err := http.Post(srv.URL+"/assign_cvm", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /assign_cvm: %v", err)
	}
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", resp.StatusCode)
	}
}
