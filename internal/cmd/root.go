// Package cmd is the tdx-fleetd command tree: run, list, stop, bridge,
// gateway, version, following the teacher's cobra+viper root command
// shape exactly, generalized to this system's flags.
package cmd

import (
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"k8s.io/klog/v2"
	"k8s.io/klog/v2/textlogger"

	tdxconfig "github.com/scoutflo/tdx-fleet/internal/config"
	"github.com/scoutflo/tdx-fleet/internal/version"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:     version.BinaryName + " [command] [options]",
	Short:   "TDX confidential VM fleet manager",
	Version: version.Version,
	Long: `
tdx-fleetd provisions and runs TDX confidential VMs on bare metal, and
brokers tenant access to a warm pool of attested guest containers.

  # provision and launch an instance
  tdx-fleetd run --compose ./docker-compose.yml --image ./images/guest

  # list known instances
  tdx-fleetd list

  # stop all tracked hypervisor instances
  tdx-fleetd stop

  # run the host bridge for a single instance
  tdx-fleetd bridge --vm-dir ./vms/<id> --key-provider 127.0.0.1:9000

  # run the tenant gateway fronting the guest pool
  tdx-fleetd gateway`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: searches ./, $HOME/.tdx-fleet, /etc/tdx-fleet for tdx-fleet.yaml)")
	rootCmd.PersistentFlags().Int(tdxconfig.KeyLogLevel, 2, "log verbosity (0-9)")
	rootCmd.PersistentFlags().Bool(tdxconfig.KeyWatchConfig, false, "reload non-structural config settings on file change")
	_ = viper.BindPFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(bridgeCmd)
	rootCmd.AddCommand(gatewayCmd)
	rootCmd.AddCommand(versionCmd)
}

// Execute runs the root command, exiting 1 on any error.
func Execute() {
	cobra.OnInitialize(initLogging)
	if err := rootCmd.Execute(); err != nil {
		klog.Errorf("%v", err)
		os.Exit(1)
	}
}

// loadConfig resolves the layered viper configuration for the running
// subcommand, first binding cmd's flags into the global viper instance.
func loadConfig(cmd *cobra.Command) (*viper.Viper, error) {
	_ = viper.BindPFlags(cmd.Flags())
	v, err := tdxconfig.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if v.GetBool(tdxconfig.KeyWatchConfig) {
		tdxconfig.WatchForChanges(v, func(e fsnotify.Event) {
			klog.V(1).Infof("config file changed: %s", e.Name)
		})
	}
	return v, nil
}

func initLogging() {
	logLevel := viper.GetInt(tdxconfig.KeyLogLevel)
	if logLevel < 0 {
		logLevel = 2
	}
	config := textlogger.NewConfig(
		textlogger.Output(os.Stderr),
		textlogger.Verbosity(logLevel),
	)
	klog.SetLoggerWithOptions(textlogger.NewLogger(config))

	flagSet := flag.NewFlagSet(version.BinaryName, flag.ContinueOnError)
	klog.InitFlags(flagSet)
	if err := flagSet.Parse([]string{"--v", strconv.Itoa(logLevel)}); err != nil {
		fmt.Fprintf(os.Stderr, "error parsing log level: %v\n", err)
	}
}
