// Package config loads the fleet daemon's configuration the way the
// teacher's cmd tree does: defaults, then a config file, then
// environment variables, then flags, all through a single viper
// instance.
package config

import (
	"fmt"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"k8s.io/klog/v2"
)

// Keys, matching the viper/env precedence chain.
const (
	KeyRunPath        = "run-path"
	KeyKeyProviderSock = "key-provider-socket"
	KeyPCCSURL        = "pccs-url"
	KeyDockerRegistry = "docker-registry"
	KeyPoolCapacity   = "pool-capacity"
	KeyRunnerImage    = "runner-image"
	KeyGatewayAddr    = "gateway-addr"
	KeyQemuPath       = "qemu-path"
	KeyLogLevel       = "log-level"
	KeyWatchConfig    = "watch-config"
)

// EnvPrefix is the prefix applied to every environment-variable
// override (e.g. TDXFLEET_POOL_CAPACITY).
const EnvPrefix = "TDXFLEET"

// Load populates the package-level (global) viper instance with
// defaults, an optional config file named tdx-fleet.yaml, and
// TDXFLEET_*-prefixed env vars, and returns it. Flags are bound by the
// caller via viper.BindPFlags against this same global instance before
// or after calling Load, so their values take final precedence.
func Load(configFile string) (*viper.Viper, error) {
	v := viper.GetViper()

	v.SetDefault(KeyRunPath, "./vms")
	v.SetDefault(KeyKeyProviderSock, "/var/run/tappd.sock")
	v.SetDefault(KeyPCCSURL, "https://api.trustedservices.intel.com")
	v.SetDefault(KeyDockerRegistry, "docker.io")
	v.SetDefault(KeyPoolCapacity, 4)
	v.SetDefault(KeyRunnerImage, "tdx-fleet/runner:latest")
	v.SetDefault(KeyGatewayAddr, "127.0.0.1:8443")
	v.SetDefault(KeyQemuPath, "qemu-system-x86_64")
	v.SetDefault(KeyLogLevel, 2)
	v.SetDefault(KeyWatchConfig, false)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("tdx-fleet")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.tdx-fleet")
		v.AddConfigPath("/etc/tdx-fleet")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		klog.V(1).Info("no config file found, using defaults and environment")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	return v, nil
}

// WatchForChanges makes v re-read its config file whenever the file
// changes and calls onChange after each re-read. Values a component
// already read (the klog verbosity, the pool's capacity) are not
// re-applied.
func WatchForChanges(v *viper.Viper, onChange func(fsnotify.Event)) {
	v.OnConfigChange(onChange)
	v.WatchConfig()
}
