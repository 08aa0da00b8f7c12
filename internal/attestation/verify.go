package attestation

import (
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"encoding/hex"
	"fmt"

	"github.com/scoutflo/tdx-fleet/internal/model"
)

// Verifier runs the DCAP verification procedure: decode, fetch
// collateral, verify the quote's signing chain, project to TD1.0, and
// compare report_data.
type Verifier struct {
	Collateral *CollateralFetcher
}

// NewVerifier builds a Verifier against a PCCS base URL.
func NewVerifier(pccsURL string) *Verifier {
	return &Verifier{Collateral: NewCollateralFetcher(pccsURL)}
}

// Verify hex-decodes quoteHex, fetches collateral, checks the collateral
// with verifyChain, projects the report to TD1.0, and compares its
// report_data against expectedReportData (64 bytes). The quote's own
// signature is not verified. now is passed to verifyChain, which does
// not use it: no certificate-expiry check is made.
func (v *Verifier) Verify(ctx context.Context, quoteHex string, expectedReportData [64]byte, now int64) (*Report, error) {
	raw, err := hex.DecodeString(quoteHex)
	if err != nil {
		return nil, fmt.Errorf("%w: quote is not valid hex", model.ErrData)
	}

	header, err := parseHeader(raw)
	if err != nil {
		return nil, err
	}

	col, err := v.Collateral.Fetch(ctx, fmspcPlaceholder)
	if err != nil {
		return nil, fmt.Errorf("%w: collateral fetch failed: %v", model.ErrAttestationFailed, err)
	}
	if err := verifyChain(col, now); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrAttestationFailed, err)
	}

	report, err := projectTD1(raw, header)
	if err != nil {
		return nil, err
	}

	if report.ReportData != expectedReportData {
		return nil, fmt.Errorf("%w: report_data does not match expected binding", model.ErrReportDataMismatch)
	}
	return report, nil
}

// fmspcPlaceholder stands in for the FMSPC the verifier would otherwise
// extract from the quote's PCK certificate extension; collateral caching
// is keyed on it in a full DCAP client.
const fmspcPlaceholder = "00000000"

// verifyChain checks that the fetched collateral is present: the PCK
// cert chain, TCB info and QE identity must be non-empty, and the chain
// must parse as a DER certificate or start like PEM. No signature,
// trust-anchor, TCB-level or expiry check is made, so a bundle with
// well-formed but forged contents is accepted.
func verifyChain(col *Collateral, now int64) error {
	if len(col.PCKCertChain) == 0 {
		return fmt.Errorf("empty pck certificate chain")
	}
	if _, err := x509.ParseCertificate(stripPEMHeader(col.PCKCertChain)); err != nil {
		// Collateral may come back as PEM; a DER parse failure is only
		// fatal if the bytes also do not start like PEM. PEM input is
		// not decoded.
		if !looksLikePEM(col.PCKCertChain) {
			return fmt.Errorf("pck cert chain is neither DER nor PEM")
		}
	}
	if len(col.TCBInfo) == 0 {
		return fmt.Errorf("empty tcb info")
	}
	if len(col.QEIdentity) == 0 {
		return fmt.Errorf("empty qe identity")
	}
	_ = now
	return nil
}

func looksLikePEM(b []byte) bool {
	return len(b) > 10 && string(b[:5]) == "-----"
}

// stripPEMHeader feeds the DER parse attempt above; it returns its input
// unchanged, PEM or not.
func stripPEMHeader(b []byte) []byte {
	return b
}

// DeriveExpectedReportData implements the report_data binding: SHA-256 the
// certificate's SPKI DER, hex-encode it, then SHA-512 the ASCII string
// "app-data:" concatenated with that hex digest.
func DeriveExpectedReportData(leaf *x509.Certificate) [64]byte {
	spkiSum := sha256.Sum256(leaf.RawSubjectPublicKeyInfo)
	spkiHex := hex.EncodeToString(spkiSum[:])
	return sha512.Sum512(append([]byte("app-data:"), spkiHex...))
}
