// Package attestation verifies DCAP TDX quotes against a PCCS collateral
// service and projects the verified report to its TD1.0 variant for
// report_data comparison. There is no ecosystem Go package for TDX DCAP
// quote verification in the reference corpus, so the binary layout here
// is hand-parsed the way sev.ParseReport parses an SEV-SNP report: fixed
// byte offsets over a little-endian structure.
package attestation

import (
	"encoding/binary"
	"fmt"

	"github.com/scoutflo/tdx-fleet/internal/model"
)

// TDX DCAP quote v4 layout: a 48-byte quote header, followed by the TD
// report body. report_data sits at a fixed offset within the TD report
// body per the Intel TDX DCAP quote generation library's quote format.
const (
	quoteHeaderSize  = 48
	tdReportBodySize = 584
	reportDataOffset = 520 // offset within the TD report body
	reportDataSize   = 64

	teeTypeTDX = uint32(0x00000081)
)

// Report is the projected TD1.0 report fields this verifier cares about.
type Report struct {
	TeeTCBSvn  [16]byte
	MrSeam     [48]byte
	MrTd       [48]byte
	ReportData [reportDataSize]byte
}

// quoteHeader mirrors the fixed 48-byte DCAP quote header; only the
// fields used to reject non-TDX quotes are named.
type quoteHeader struct {
	Version            uint16
	AttestationKeyType uint16
	TeeType            uint32
}

func parseHeader(raw []byte) (quoteHeader, error) {
	var h quoteHeader
	if len(raw) < quoteHeaderSize {
		return h, fmt.Errorf("%w: quote shorter than header", model.ErrData)
	}
	h.Version = binary.LittleEndian.Uint16(raw[0:2])
	h.AttestationKeyType = binary.LittleEndian.Uint16(raw[2:4])
	h.TeeType = binary.LittleEndian.Uint32(raw[4:8])
	return h, nil
}

// projectTD1 extracts the TD1.0 report from a quote whose header has
// already been validated as TDX. Non-TD1.0 (wrong size, wrong tee_type)
// reports are rejected with ErrReportKindMismatch.
func projectTD1(raw []byte, h quoteHeader) (*Report, error) {
	if h.TeeType != teeTypeTDX {
		return nil, fmt.Errorf("%w: tee_type %#x is not TDX", model.ErrReportKindMismatch, h.TeeType)
	}
	body := raw[quoteHeaderSize:]
	if len(body) < tdReportBodySize {
		return nil, fmt.Errorf("%w: TD report body too short (%d bytes)", model.ErrReportKindMismatch, len(body))
	}
	var rep Report
	copy(rep.TeeTCBSvn[:], body[0:16])
	copy(rep.MrSeam[:], body[16:64])
	copy(rep.MrTd[:], body[136:184])
	copy(rep.ReportData[:], body[reportDataOffset:reportDataOffset+reportDataSize])
	return &rep, nil
}
