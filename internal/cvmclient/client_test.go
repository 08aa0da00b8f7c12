package cvmclient

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/scoutflo/tdx-fleet/internal/attestation"
)

const (
	testQuoteHeaderSize  = 48
	testTDReportBodySize = 584
	testReportDataOffset = 520
	testTeeTypeTDX       = uint32(0x00000081)
)

func buildCannedQuoteHex(reportData [64]byte) string {
	raw := make([]byte, testQuoteHeaderSize+testTDReportBodySize)
	binary.LittleEndian.PutUint32(raw[4:8], testTeeTypeTDX)
	copy(raw[testQuoteHeaderSize+testReportDataOffset:], reportData[:])
	return hex.EncodeToString(raw)
}

// TestStickyAttestationSkipsRepeatNetworkCalls: after Attest succeeds,
// subsequent non-quote RPCs make exactly one network call each (no
// re-attestation round trip).
func TestStickyAttestationSkipsRepeatNetworkCalls(t *testing.T) {
	pccs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("-----BEGIN FAKE-----\nZmFrZQ==\n-----END FAKE-----")) //nolint:errcheck
	}))
	defer pccs.Close()

	var quoteCalls int32
	cvm := httptest.NewUnstartedServer(nil)
	cvm.EnableHTTP2 = true

	mux := http.NewServeMux()
	mux.HandleFunc("/quote", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&quoteCalls, 1)
		expected := attestation.DeriveExpectedReportData(cvm.Certificate())
		resp, _ := json.Marshal(QuoteResponse{Quote: buildCannedQuoteHex(expected)})
		w.Write(resp) //nolint:errcheck
	})
	mux.HandleFunc("/is_assigned", func(w http.ResponseWriter, r *http.Request) {
		resp, _ := json.Marshal(IsAssignedResponse{IsAssigned: true})
		w.Write(resp) //nolint:errcheck
	})
	cvm.Config.Handler = mux
	cvm.StartTLS()
	defer cvm.Close()

	client, err := New(cvm.URL, nil, pccs.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := client.Attest(context.Background()); err != nil {
		t.Fatalf("Attest: %v", err)
	}
	if calls := atomic.LoadInt32(&quoteCalls); calls != 1 {
		t.Fatalf("quote calls after Attest = %d, want 1", calls)
	}

	for i := 0; i < 3; i++ {
		if _, err := client.IsAssigned(context.Background()); err != nil {
			t.Fatalf("IsAssigned call %d: %v", i, err)
		}
	}
	if calls := atomic.LoadInt32(&quoteCalls); calls != 1 {
		t.Fatalf("quote calls after 3 IsAssigned calls = %d, want 1 (no re-attestation)", calls)
	}
}
