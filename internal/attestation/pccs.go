package attestation

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// CollateralTimeout is the fixed timeout for collateral fetches from PCCS.
const CollateralTimeout = 30 * time.Second

// pccsCertPath is the Intel SGX/TDX certification service path collateral
// is fetched under, per the PCCS v4 API.
const pccsCertPath = "/sgx/certification/v4/"

// Collateral bundles the PCK certificate chain and TCB info the quote
// verifier checks the quote's signing chain against.
type Collateral struct {
	PCKCertChain []byte
	TCBInfo      []byte
	QEIdentity   []byte
}

// CollateralFetcher fetches PCCS collateral over HTTP.
type CollateralFetcher struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewCollateralFetcher builds a fetcher against baseURL (a PCCS host),
// with requests bounded by CollateralTimeout.
func NewCollateralFetcher(baseURL string) *CollateralFetcher {
	return &CollateralFetcher{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: CollateralTimeout},
	}
}

// Fetch retrieves the PCK cert chain, TCB info, and QE identity needed to
// verify a quote whose platform FMSPC is fmspcHex.
func (f *CollateralFetcher) Fetch(ctx context.Context, fmspcHex string) (*Collateral, error) {
	ctx, cancel := context.WithTimeout(ctx, CollateralTimeout)
	defer cancel()

	pckChain, err := f.get(ctx, "pckcrl?ca=processor")
	if err != nil {
		return nil, fmt.Errorf("fetch pck cert chain: %w", err)
	}
	tcbInfo, err := f.get(ctx, fmt.Sprintf("tcb?fmspc=%s", fmspcHex))
	if err != nil {
		return nil, fmt.Errorf("fetch tcb info: %w", err)
	}
	qeIdentity, err := f.get(ctx, "qe/identity")
	if err != nil {
		return nil, fmt.Errorf("fetch qe identity: %w", err)
	}

	return &Collateral{
		PCKCertChain: pckChain,
		TCBInfo:      tcbInfo,
		QEIdentity:   qeIdentity,
	}, nil
}

func (f *CollateralFetcher) get(ctx context.Context, suffix string) ([]byte, error) {
	url := f.BaseURL + pccsCertPath + suffix
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return body, nil
}
