package pool

import (
	"context"
	"testing"

	"github.com/scoutflo/tdx-fleet/internal/model"
)

func TestPoolFillsToCapacity(t *testing.T) {
	docker := newFakeDocker()
	p, err := New(context.Background(), docker, "runner:latest", 3, "https://pccs.example")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := p.Len(); got != 3 {
		t.Fatalf("pool size = %d, want 3", got)
	}
	if len(p.active) != 3 {
		t.Fatalf("active size = %d, want 3", len(p.active))
	}
}

// TestFreeQueueUnchangedOnFailedProbe: since no real CVM listens on the
// fake ports, every GetCVM attestation probe fails, so the free queue
// must be left exactly as it started (no partial removal).
func TestFreeQueueUnchangedOnFailedProbe(t *testing.T) {
	docker := newFakeDocker()
	p, err := New(context.Background(), docker, "runner:latest", 4, "https://pccs.example")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = p.GetCVM(context.Background())
	if err != model.ErrNoFreeCvm {
		t.Fatalf("GetCVM error = %v, want ErrNoFreeCvm", err)
	}
	if got := p.Len(); got != 4 {
		t.Fatalf("free queue size after failed GetCVM = %d, want unchanged 4", got)
	}
}

func TestShutdownDrainsActiveAndFree(t *testing.T) {
	docker := newFakeDocker()
	p, err := New(context.Background(), docker, "runner:latest", 2, "https://pccs.example")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if p.Len() != 0 {
		t.Fatalf("free queue after shutdown = %d, want 0", p.Len())
	}
	if len(p.active) != 0 {
		t.Fatalf("active map after shutdown = %d, want 0", len(p.active))
	}
	if len(docker.removed) != 2 {
		t.Fatalf("removed containers = %d, want 2", len(docker.removed))
	}
}
