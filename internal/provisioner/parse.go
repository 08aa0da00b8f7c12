package provisioner

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/scoutflo/tdx-fleet/internal/model"
)

// memoryToMB parses a size string with an optional M/G/T suffix
// (case-insensitive) into MiB. A bare number is treated as already MiB.
func memoryToMB(spec string) (int64, error) {
	upper := strings.ToUpper(strings.TrimSpace(spec))
	var mult int64 = 1
	numPart := upper
	switch {
	case strings.HasSuffix(upper, "T"):
		mult = 1024 * 1024
		numPart = strings.TrimSuffix(upper, "T")
	case strings.HasSuffix(upper, "G"):
		mult = 1024
		numPart = strings.TrimSuffix(upper, "G")
	case strings.HasSuffix(upper, "M"):
		mult = 1
		numPart = strings.TrimSuffix(upper, "M")
	}
	val, err := strconv.ParseInt(numPart, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid memory spec %q", model.ErrInvalidMemory, spec)
	}
	return val * mult, nil
}

// parsePortMapping parses "protocol:from:to" (address defaults to
// 127.0.0.1) or "protocol:address:from:to".
func parsePortMapping(spec string) (model.PortMap, error) {
	parts := strings.Split(spec, ":")
	var proto, address, fromStr, toStr string
	switch len(parts) {
	case 3:
		proto, address, fromStr, toStr = parts[0], "127.0.0.1", parts[1], parts[2]
	case 4:
		proto, address, fromStr, toStr = parts[0], parts[1], parts[2], parts[3]
	default:
		return model.PortMap{}, fmt.Errorf("%w: invalid port mapping format %q, use protocol[:address]:from:to", model.ErrInvalidPortMapping, spec)
	}

	from, err := strconv.ParseUint(fromStr, 10, 16)
	if err != nil {
		return model.PortMap{}, fmt.Errorf("%w: invalid from-port in %q: %v", model.ErrInvalidPortMapping, spec, err)
	}
	to, err := strconv.ParseUint(toStr, 10, 16)
	if err != nil {
		return model.PortMap{}, fmt.Errorf("%w: invalid to-port in %q: %v", model.ErrInvalidPortMapping, spec, err)
	}

	return model.PortMap{
		Address:  address,
		Protocol: strings.ToLower(proto),
		FromPort: uint16(from),
		ToPort:   uint16(to),
	}, nil
}
