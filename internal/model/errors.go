package model

import "errors"

// Sentinel errors for the semantic kinds named in the error handling design.
// Call sites wrap these with fmt.Errorf("...: %w", ErrX, ...) and callers
// assert with errors.Is.
var (
	ErrConnectionClosed  = errors.New("key provider connection closed mid-frame")
	ErrRequestTooLarge   = errors.New("request too large")
	ErrNotFound          = errors.New("not found")
	ErrData              = errors.New("invalid payload data")
	ErrAttestationFailed = errors.New("attestation failed")
	ErrReportKindMismatch = errors.New("report kind mismatch")
	ErrReportDataMismatch = errors.New("report data mismatch")
	ErrNoFreeCvm         = errors.New("no free cvm")
	ErrInvalidPortMapping = errors.New("invalid port mapping")
	ErrInvalidMemory     = errors.New("invalid memory or disk size")
	ErrPreflightMissing  = errors.New("required preflight file or metadata key is missing")
)
