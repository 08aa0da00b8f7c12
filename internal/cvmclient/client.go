// Package cvmclient implements the CVM Client: an attested HTTPS
// client to a single guest CVM. Trust is established by TDX attestation,
// not by certificate chain validation, so the transport deliberately
// skips chain verification and a held attestation state gates every
// other call.
package cvmclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"

	"golang.org/x/net/http2"
	"k8s.io/klog/v2"

	"github.com/scoutflo/tdx-fleet/internal/attestation"
	"github.com/scoutflo/tdx-fleet/internal/model"
)

// AuthData is the optional bearer envelope threaded into every request's
// Authorization header.
type AuthData struct {
	Token string `json:"token"`
}

// AssignRequest is the body of POST /assign.
type AssignRequest struct {
	AgentID       string            `json:"agent_id"`
	ThreadID      string            `json:"thread_id"`
	APIURL        string            `json:"api_url"`
	Provider      string            `json:"provider"`
	Model         string            `json:"model"`
	Temperature   float64           `json:"temperature"`
	MaxTokens     int               `json:"max_tokens"`
	MaxIterations int               `json:"max_iterations"`
	EnvVars       map[string]string `json:"env_vars"`
}

// RunRequest is the body of POST /run.
type RunRequest struct {
	RunID string `json:"run_id"`
}

// QuoteResponse is the body of GET /quote.
type QuoteResponse struct {
	Quote string `json:"quote"`
}

// IsAssignedResponse is the body of GET /is_assigned.
type IsAssignedResponse struct {
	IsAssigned bool    `json:"is_assigned"`
	AgentID    *string `json:"agent_id,omitempty"`
}

// RequestFailedError is returned when a call gets a non-2xx response.
type RequestFailedError struct {
	Status int
	Body   string
}

func (e *RequestFailedError) Error() string {
	return fmt.Sprintf("request failed with status %d: %s", e.Status, e.Body)
}

// Client is one object per target CVM. It is sticky-attested: the first
// successful Attest flips isAttested permanently for this object's
// lifetime; callers who want freshness construct a new Client.
type Client struct {
	baseURL    string
	auth       *AuthData
	httpClient *http.Client
	verifier   *attestation.Verifier

	mu          sync.Mutex
	isAttested  bool
	leafCert    *x509.Certificate
	leafCertPEM []byte
}

// New parses baseURL, fetches the guest's TLS leaf certificate, and
// builds an HTTP/2 client that does not validate the certificate chain.
func New(baseURL string, auth *AuthData, pccsURL string) (*Client, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse CVM url: %w", err)
	}
	host := parsed.Hostname()
	port := parsed.Port()
	if port == "" {
		if parsed.Scheme == "https" {
			port = "443"
		} else {
			port = "80"
		}
	}

	leaf, leafPEM, err := fetchLeafCertificate(host, port)
	if err != nil {
		return nil, fmt.Errorf("fetch server certificate: %w", err)
	}

	transport := &http2.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec // trust comes from TDX attestation, not PKI
	}
	return &Client{
		baseURL:     baseURL,
		auth:        auth,
		httpClient:  &http.Client{Transport: transport},
		verifier:    attestation.NewVerifier(pccsURL),
		leafCert:    leaf,
		leafCertPEM: leafPEM,
	}, nil
}

// makeRequest triggers Attest if this client has not yet attested and
// path is not "quote" itself, then performs the HTTP call.
func (c *Client) makeRequest(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	c.mu.Lock()
	needsAttest := !c.isAttested && path != "quote"
	c.mu.Unlock()
	if needsAttest {
		klog.V(1).Info("server not attested yet, performing attestation")
		if _, err := c.Attest(ctx); err != nil {
			return nil, err
		}
	}

	reqURL := c.baseURL + "/" + path
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.auth != nil {
		authJSON, err := json.Marshal(c.auth)
		if err != nil {
			return nil, fmt.Errorf("serialize auth data: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+string(authJSON))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &RequestFailedError{Status: resp.StatusCode, Body: string(respBody)}
	}
	return respBody, nil
}

// GetQuote calls GET /quote.
func (c *Client) GetQuote(ctx context.Context) (*QuoteResponse, error) {
	body, err := c.makeRequest(ctx, http.MethodGet, "quote", nil)
	if err != nil {
		return nil, err
	}
	var q QuoteResponse
	if err := json.Unmarshal(body, &q); err != nil {
		return nil, fmt.Errorf("%w: parse quote response: %v", model.ErrData, err)
	}
	return &q, nil
}

// Assign calls POST /assign.
func (c *Client) Assign(ctx context.Context, req AssignRequest) ([]byte, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("serialize assign request: %w", err)
	}
	return c.makeRequest(ctx, http.MethodPost, "assign", payload)
}

// Run calls POST /run.
func (c *Client) Run(ctx context.Context, runID string) ([]byte, error) {
	payload, err := json.Marshal(RunRequest{RunID: runID})
	if err != nil {
		return nil, fmt.Errorf("serialize run request: %w", err)
	}
	return c.makeRequest(ctx, http.MethodPost, "run", payload)
}

// IsAssigned calls GET /is_assigned.
func (c *Client) IsAssigned(ctx context.Context) (*IsAssignedResponse, error) {
	body, err := c.makeRequest(ctx, http.MethodGet, "is_assigned", nil)
	if err != nil {
		return nil, err
	}
	var out IsAssignedResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("%w: parse is_assigned response: %v", model.ErrData, err)
	}
	return &out, nil
}

// Attest fetches a quote, derives the expected report_data from the
// held TLS leaf certificate, and verifies it. Success flips a sticky
// bit; subsequent calls on this Client skip re-verification.
func (c *Client) Attest(ctx context.Context) (*QuoteResponse, error) {
	c.mu.Lock()
	alreadyAttested := c.isAttested
	c.mu.Unlock()
	if alreadyAttested {
		klog.V(1).Info("already attested")
		return c.GetQuote(ctx)
	}

	quoteResp, err := c.GetQuote(ctx)
	if err != nil {
		return nil, err
	}

	expected := attestation.DeriveExpectedReportData(c.leafCert)

	if _, err := hex.DecodeString(quoteResp.Quote); err != nil {
		return nil, fmt.Errorf("%w: quote is not valid hex", model.ErrData)
	}
	if _, err := c.verifier.Verify(ctx, quoteResp.Quote, expected, nowUnix()); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.isAttested = true
	c.mu.Unlock()
	klog.V(1).Info("attestation successful, certificate is now trusted")
	return quoteResp, nil
}
