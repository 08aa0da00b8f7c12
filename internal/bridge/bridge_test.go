package bridge

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
)

// mockKeyProvider starts a one-shot key provider expecting quote=want
// and replying with the given byte arrays, returning its listen address.
func mockKeyProvider(t *testing.T, want []byte, encryptedKey, providerQuote []byte) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		defer ln.Close()

		var lenBuf [4]byte
		if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
			return
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		payload := make([]byte, n)
		if _, err := io.ReadFull(conn, payload); err != nil {
			return
		}
		var req struct {
			Quote []int `json:"quote"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return
		}
		got := make([]byte, len(req.Quote))
		for i, v := range req.Quote {
			got[i] = byte(v)
		}
		if !bytes.Equal(got, want) {
			return
		}

		toNums := func(b []byte) []int {
			out := make([]int, len(b))
			for i, v := range b {
				out[i] = int(v)
			}
			return out
		}
		resp, _ := json.Marshal(map[string]interface{}{
			"encrypted_key":  toNums(encryptedKey),
			"provider_quote": toNums(providerQuote),
		})
		var respLen [4]byte
		binary.BigEndian.PutUint32(respLen[:], uint32(len(resp)))
		conn.Write(respLen[:])
		conn.Write(resp)
	}()
	return ln.Addr().String()
}

func TestGetSealingKeyHappyPath(t *testing.T) {
	kpAddr := mockKeyProvider(t, []byte{1, 2, 3, 4}, []byte{5, 6, 7, 8}, []byte{9, 10, 11, 12})

	b := New(t.TempDir(), kpAddr)
	addr, err := b.Start()
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer b.Shutdown(context.Background()) //nolint:errcheck

	body, _ := json.Marshal(getSealingKeyRequest{Quote: "01020304"})
	resp, err := http.Post("http://"+addr+"/api/GetSealingKey", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out getSealingKeyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.EncryptedKey != "05060708" || out.ProviderQuote != "090a0b0c" {
		t.Fatalf("unexpected response: %+v", out)
	}
}

func TestGetSealingKeyBadHexReturns500(t *testing.T) {
	b := New(t.TempDir(), "127.0.0.1:0")
	addr, err := b.Start()
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer b.Shutdown(context.Background()) //nolint:errcheck

	body, _ := json.Marshal(getSealingKeyRequest{Quote: "not-hex"})
	resp, err := http.Post("http://"+addr+"/api/GetSealingKey", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusInternalServerError)
	}
}

func TestNotifyPersistsInstanceInfo(t *testing.T) {
	vmDir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(vmDir, "shared"), 0o755); err != nil {
		t.Fatalf("mkdir shared: %v", err)
	}

	b := New(vmDir, "")
	addr, err := b.Start()
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer b.Shutdown(context.Background()) //nolint:errcheck

	body, _ := json.Marshal(notifyRequest{Event: "instance.info", Payload: "hello"})
	resp, err := http.Post("http://"+addr+"/api/Notify", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	got, err := os.ReadFile(filepath.Join(vmDir, "shared", ".instance_info"))
	if err != nil {
		t.Fatalf("read instance info: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("instance info = %q, want hello", got)
	}
}

func TestNotifyIgnoresUnknownEvent(t *testing.T) {
	vmDir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(vmDir, "shared"), 0o755); err != nil {
		t.Fatalf("mkdir shared: %v", err)
	}

	b := New(vmDir, "")
	addr, err := b.Start()
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer b.Shutdown(context.Background()) //nolint:errcheck

	body, _ := json.Marshal(notifyRequest{Event: "other", Payload: "x"})
	resp, err := http.Post("http://"+addr+"/api/Notify", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	if _, err := os.Stat(filepath.Join(vmDir, "shared", ".instance_info")); !os.IsNotExist(err) {
		t.Fatalf("instance info file should not exist, stat err = %v", err)
	}
}
