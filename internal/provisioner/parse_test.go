package provisioner

import (
	"errors"
	"testing"

	"github.com/scoutflo/tdx-fleet/internal/model"
)

func TestMemoryToMB(t *testing.T) {
	cases := map[string]int64{
		"512": 512,
		"1G":  1024,
		"2G":  2048,
		"2T":  2 * 1024 * 1024,
	}
	for spec, want := range cases {
		got, err := memoryToMB(spec)
		if err != nil {
			t.Fatalf("memoryToMB(%q): %v", spec, err)
		}
		if got != want {
			t.Fatalf("memoryToMB(%q) = %d, want %d", spec, got, want)
		}
	}
}

func TestParsePortMappingRejectsMalformed(t *testing.T) {
	for _, spec := range []string{"tcp:8080", "notvalid"} {
		_, err := parsePortMapping(spec)
		if !errors.Is(err, model.ErrInvalidPortMapping) {
			t.Fatalf("parsePortMapping(%q): want ErrInvalidPortMapping, got %v", spec, err)
		}
	}
}

func TestParsePortMappingThreeAndFourField(t *testing.T) {
	pm, err := parsePortMapping("tcp:8080:80")
	if err != nil {
		t.Fatalf("parsePortMapping: %v", err)
	}
	want := model.PortMap{Address: "127.0.0.1", Protocol: "tcp", FromPort: 8080, ToPort: 80}
	if pm != want {
		t.Fatalf("got %+v, want %+v", pm, want)
	}

	pm4, err := parsePortMapping("udp:0.0.0.0:53:53")
	if err != nil {
		t.Fatalf("parsePortMapping (4-field): %v", err)
	}
	want4 := model.PortMap{Address: "0.0.0.0", Protocol: "udp", FromPort: 53, ToPort: 53}
	if pm4 != want4 {
		t.Fatalf("got %+v, want %+v", pm4, want4)
	}
}
