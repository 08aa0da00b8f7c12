package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	tdxconfig "github.com/scoutflo/tdx-fleet/internal/config"
	"github.com/scoutflo/tdx-fleet/internal/bridge"
)

var bridgeOpts struct {
	vmDir           string
	keyProviderAddr string
}

var bridgeCmd = &cobra.Command{
	Use:   "bridge",
	Short: "Run the host bridge for a single instance",
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		keyProviderAddr := bridgeOpts.keyProviderAddr
		if keyProviderAddr == "" {
			keyProviderAddr = v.GetString(tdxconfig.KeyKeyProviderSock)
		}

		b := bridge.New(bridgeOpts.vmDir, keyProviderAddr)
		addr, err := b.Start()
		if err != nil {
			return fmt.Errorf("start host bridge: %w", err)
		}
		klog.V(0).Infof("host bridge listening on %s for instance dir %s", addr, bridgeOpts.vmDir)

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		<-ctx.Done()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := b.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown host bridge: %w", err)
		}
		klog.V(0).Info("host bridge shut down")
		return nil
	},
}

func init() {
	f := bridgeCmd.Flags()
	f.StringVar(&bridgeOpts.vmDir, "vm-dir", "", "instance directory this bridge serves")
	f.StringVar(&bridgeOpts.keyProviderAddr, "key-provider", "", "key provider address (default: from config)")
	_ = bridgeCmd.MarkFlagRequired("vm-dir")
}
