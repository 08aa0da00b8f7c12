// Package version carries build-time identity for the tdx-fleet binaries.
package version

// Version is overridden at build time via -ldflags.
var Version = "dev"

// BinaryName is the program name reported in --version output and logs.
const BinaryName = "tdx-fleetd"
