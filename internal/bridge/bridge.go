// Package bridge implements the Host Bridge: a loopback HTTP
// server a running CVM calls back into for sealing-key relay and
// fire-and-forget event notification.
package bridge

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gorilla/mux"
	"k8s.io/klog/v2"

	"github.com/scoutflo/tdx-fleet/internal/health"
	"github.com/scoutflo/tdx-fleet/internal/model"
	"github.com/scoutflo/tdx-fleet/internal/wire/keyprovider"
)

// Bridge serves GetSealingKey and Notify over a loopback socket bound to
// an ephemeral port, one instance per running VM.
type Bridge struct {
	VMDir           string
	KeyProviderAddr string
	KeyProviderDial time.Duration
	Health          *health.HealthChecker
	server          *http.Server
	listener        net.Listener
}

// New builds a Bridge for the instance rooted at vmDir, relaying sealing
// key requests to the key provider listening at keyProviderAddr.
func New(vmDir, keyProviderAddr string) *Bridge {
	return &Bridge{
		VMDir:           vmDir,
		KeyProviderAddr: keyProviderAddr,
		KeyProviderDial: 5 * time.Second,
		Health:          health.NewHealthChecker(),
	}
}

type getSealingKeyRequest struct {
	Quote string `json:"quote"`
}

type getSealingKeyResponse struct {
	EncryptedKey  string `json:"encrypted_key"`
	ProviderQuote string `json:"provider_quote"`
}

type notifyRequest struct {
	Event   string `json:"event"`
	Payload string `json:"payload"`
}

// apiError is the {"error": ...} body every non-2xx response carries.
type apiError struct {
	Error string `json:"error"`
}

func (b *Bridge) router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/api/GetSealingKey", b.handleGetSealingKey).Methods(http.MethodPost)
	r.HandleFunc("/api/Notify", b.handleNotify).Methods(http.MethodPost)
	health.AttachHealthEndpoints(r, b.Health)
	return r
}

func (b *Bridge) handleGetSealingKey(w http.ResponseWriter, r *http.Request) {
	var req getSealingKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: %v", model.ErrData, err))
		return
	}
	quote, err := hex.DecodeString(req.Quote)
	if err != nil {
		writeError(w, fmt.Errorf("%w: quote is not valid hex", model.ErrData))
		return
	}

	resp, err := keyprovider.Request(b.KeyProviderAddr, quote, b.KeyProviderDial)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, getSealingKeyResponse{
		EncryptedKey:  hex.EncodeToString(resp.EncryptedKey),
		ProviderQuote: hex.EncodeToString(resp.ProviderQuote),
	})
}

func (b *Bridge) handleNotify(w http.ResponseWriter, r *http.Request) {
	var req notifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: %v", model.ErrData, err))
		return
	}

	if req.Event == "instance.info" {
		path := filepath.Join(b.VMDir, "shared", ".instance_info")
		if err := os.WriteFile(path, []byte(req.Payload), 0o644); err != nil {
			writeError(w, fmt.Errorf("write instance info: %w", err))
			return
		}
	}
	// All other events are silently accepted: the sink is append-only
	// and event-type-opaque to the host.

	w.WriteHeader(http.StatusOK)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, model.ErrRequestTooLarge):
		status = http.StatusBadRequest
	case errors.Is(err, model.ErrNotFound):
		status = http.StatusNotFound
	}
	klog.V(1).Infof("bridge request failed: %v", err)
	writeJSON(w, status, apiError{Error: err.Error()})
}

// Start binds the bridge to 127.0.0.1:0 and serves in a goroutine,
// returning the bound address synchronously so the caller can thread
// the URL into the VM config before launch.
func (b *Bridge) Start() (string, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", fmt.Errorf("bind bridge listener: %w", err)
	}
	b.listener = ln
	b.server = &http.Server{Handler: b.router()}

	go func() {
		if err := b.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			klog.Errorf("host bridge serve error: %v", err)
		}
	}()

	b.Health.SetReady(true)
	return ln.Addr().String(), nil
}

// Addr returns the bound loopback address; empty until Start succeeds.
func (b *Bridge) Addr() string {
	if b.listener == nil {
		return ""
	}
	return b.listener.Addr().String()
}

// Shutdown stops the bridge, waiting up to the context deadline for
// in-flight requests to finish.
func (b *Bridge) Shutdown(ctx context.Context) error {
	if b.server == nil {
		return nil
	}
	return b.server.Shutdown(ctx)
}
