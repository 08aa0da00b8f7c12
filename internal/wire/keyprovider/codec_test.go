package keyprovider

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/scoutflo/tdx-fleet/internal/model"
)

// writeFrame is the test-side encoder for a {"encrypted_key":...} style
// response frame, independent of the production Encode (which only ever
// emits request frames) so the round trip genuinely exercises both ends.
func writeFrame(t *testing.T, w *bytes.Buffer, v interface{}) {
	t.Helper()
	payload, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal test frame: %v", err)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	w.Write(lenBuf[:])
	w.Write(payload)
}

// numericArray renders bytes as a JSON array of small integers, matching
// the wire format ([u8] as JSON numbers), since json.Marshal([]byte) would
// otherwise base64-encode it.
func numericArray(b []byte) []int {
	out := make([]int, len(b))
	for i, v := range b {
		out[i] = int(v)
	}
	return out
}

func TestRoundTrip(t *testing.T) {
	cases := [][]byte{
		{},
		{1, 2, 3, 4},
		bytes.Repeat([]byte{0xAB}, 9000), // exercises the >4096 chunked read path
	}
	for _, quote := range cases {
		var req bytes.Buffer
		if err := Encode(&req, quote); err != nil {
			t.Fatalf("Encode: %v", err)
		}
		var lenBuf [4]byte
		req.Read(lenBuf[:])
		n := binary.BigEndian.Uint32(lenBuf[:])
		payload := req.Bytes()
		if uint32(len(payload)) != n {
			t.Fatalf("encoded length %d != prefix %d", len(payload), n)
		}
		var decoded QuoteRequest
		if err := json.Unmarshal(payload, &decoded); err != nil {
			t.Fatalf("unmarshal request: %v", err)
		}
		if !bytes.Equal(decoded.Quote, quote) && !(len(decoded.Quote) == 0 && len(quote) == 0) {
			t.Fatalf("request quote mismatch: got %v want %v", decoded.Quote, quote)
		}

		// Reference server: echoes {encrypted_key: q, provider_quote: q}.
		var echo bytes.Buffer
		writeFrame(t, &echo, map[string]interface{}{
			"encrypted_key":  numericArray(quote),
			"provider_quote": numericArray(quote),
		})
		resp, err := Decode(&echo)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if !bytes.Equal(resp.EncryptedKey, quote) && !(len(resp.EncryptedKey) == 0 && len(quote) == 0) {
			t.Fatalf("round trip mismatch encrypted_key: got %v want %v", resp.EncryptedKey, quote)
		}
		if !bytes.Equal(resp.ProviderQuote, quote) && !(len(resp.ProviderQuote) == 0 && len(quote) == 0) {
			t.Fatalf("round trip mismatch provider_quote: got %v want %v", resp.ProviderQuote, quote)
		}
	}
}

func TestDecodeConnectionClosedMidFrame(t *testing.T) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], 100)
	buf := bytes.NewBuffer(lenBuf[:])
	buf.Write([]byte(`{"trunc`)) // fewer than 100 bytes, then EOF

	_, err := Decode(buf)
	if !errors.Is(err, model.ErrConnectionClosed) {
		t.Fatalf("want ErrConnectionClosed, got %v", err)
	}
}

func TestDecodeMalformedJSON(t *testing.T) {
	payload := []byte("not json")
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	buf := bytes.NewBuffer(lenBuf[:])
	buf.Write(payload)

	_, err := Decode(buf)
	if !errors.Is(err, model.ErrData) {
		t.Fatalf("want ErrData, got %v", err)
	}
}

// TestSealingKeyRequestOverSocket runs a real mock key provider socket
// server that expects quote=[1,2,3,4] and replies encrypted_key=[5,6,7,8],
// provider_quote=[9,10,11,12].
func TestSealingKeyRequestOverSocket(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		var lenBuf [4]byte
		if _, err := conn.Read(lenBuf[:]); err != nil {
			return
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		payload := make([]byte, n)
		if _, err := conn.Read(payload); err != nil {
			return
		}
		var req QuoteRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return
		}
		if !bytes.Equal(req.Quote, []byte{1, 2, 3, 4}) {
			return
		}

		var resp bytes.Buffer
		writeFrame(t, &resp, map[string]interface{}{
			"encrypted_key":  numericArray([]byte{5, 6, 7, 8}),
			"provider_quote": numericArray([]byte{9, 10, 11, 12}),
		})
		conn.Write(resp.Bytes())
	}()

	resp, err := Request(ln.Addr().String(), []byte{1, 2, 3, 4}, 5*time.Second)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if !bytes.Equal(resp.EncryptedKey, []byte{5, 6, 7, 8}) {
		t.Fatalf("encrypted_key = %v", resp.EncryptedKey)
	}
	if !bytes.Equal(resp.ProviderQuote, []byte{9, 10, 11, 12}) {
		t.Fatalf("provider_quote = %v", resp.ProviderQuote)
	}
}
