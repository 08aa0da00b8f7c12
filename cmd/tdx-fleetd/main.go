// Command tdx-fleetd provisions and runs TDX confidential VMs and
// brokers tenant access to a warm pool of attested guest containers.
package main

import (
	"github.com/scoutflo/tdx-fleet/internal/cmd"
)

func main() {
	cmd.Execute()
}
