// Package keyprovider implements the length-prefixed binary framing used to
// talk to the external key provider: a 4-byte big-endian length prefix
// followed by a UTF-8 JSON payload, one request-response pair per connection.
package keyprovider

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/scoutflo/tdx-fleet/internal/model"
)

const readChunkSize = 4096

// byteArray is a []byte that marshals/unmarshals as a JSON array of small
// integers (matching the wire's `[u8;N]` shape), not Go's default
// base64-string encoding for []byte. Unmarshal clamps out-of-[0,255]
// elements to 0 rather than failing the whole decode.
type byteArray []byte

func (b byteArray) MarshalJSON() ([]byte, error) {
	nums := make([]int, len(b))
	for i, v := range b {
		nums[i] = int(v)
	}
	return json.Marshal(nums)
}

func (b *byteArray) UnmarshalJSON(data []byte) error {
	var raw []int64
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make([]byte, len(raw))
	for i, v := range raw {
		if v < 0 || v > 255 {
			out[i] = 0
			continue
		}
		out[i] = byte(v)
	}
	*b = out
	return nil
}

// QuoteRequest is the client->server frame payload.
type QuoteRequest struct {
	Quote byteArray `json:"quote"`
}

// SealingKeyResponse is the server->client frame payload. Elements of the
// wire arrays are JSON numbers; out-of-range values default to 0 byte, per
// the spec's lenient decode rule.
type SealingKeyResponse struct {
	EncryptedKey  []byte `json:"encrypted_key"`
	ProviderQuote []byte `json:"provider_quote"`
}

type wireResponse struct {
	EncryptedKey  byteArray `json:"encrypted_key"`
	ProviderQuote byteArray `json:"provider_quote"`
}

// Encode writes a framed {"quote": [...]} request to w.
func Encode(w io.Writer, quote []byte) error {
	payload, err := json.Marshal(QuoteRequest{Quote: byteArray(quote)})
	if err != nil {
		return fmt.Errorf("encode quote frame: %w", err)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

// Decode reads one framed response from r.
func Decode(r io.Reader) (*SealingKeyResponse, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			return nil, fmt.Errorf("reading frame length: %w", model.ErrConnectionClosed)
		}
		return nil, fmt.Errorf("reading frame length: %w", err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])

	payload := make([]byte, 0, n)
	buf := make([]byte, readChunkSize)
	for uint32(len(payload)) < n {
		want := n - uint32(len(payload))
		if want > readChunkSize {
			want = readChunkSize
		}
		read, err := io.ReadFull(r, buf[:want])
		if err != nil {
			if err == io.ErrUnexpectedEOF || err == io.EOF {
				return nil, fmt.Errorf("reading frame payload: %w", model.ErrConnectionClosed)
			}
			return nil, fmt.Errorf("reading frame payload: %w", err)
		}
		payload = append(payload, buf[:read]...)
	}

	var wr wireResponse
	if err := json.Unmarshal(payload, &wr); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrData, err)
	}
	return &SealingKeyResponse{
		EncryptedKey:  []byte(wr.EncryptedKey),
		ProviderQuote: []byte(wr.ProviderQuote),
	}, nil
}

// Request dials addr fresh, sends the framed quote request, reads the
// framed response, and closes the connection. The key provider transport
// reconnects per call; there is no connection pooling.
func Request(addr string, quote []byte, dialTimeout time.Duration) (*SealingKeyResponse, error) {
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial key provider: %w", err)
	}
	defer conn.Close()

	if err := Encode(conn, quote); err != nil {
		return nil, err
	}
	return Decode(conn)
}
