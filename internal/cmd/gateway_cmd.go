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
	"github.com/scoutflo/tdx-fleet/internal/gateway"
	"github.com/scoutflo/tdx-fleet/internal/pool"
)

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Run the tenant gateway fronting the guest pool",
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		docker, err := pool.NewDockerClient()
		if err != nil {
			return fmt.Errorf("build docker client: %w", err)
		}

		ctx := context.Background()
		p, err := pool.New(ctx, docker,
			v.GetString(tdxconfig.KeyRunnerImage),
			v.GetInt(tdxconfig.KeyPoolCapacity),
			v.GetString(tdxconfig.KeyPCCSURL),
		)
		if err != nil {
			return fmt.Errorf("build guest pool: %w", err)
		}
		klog.V(0).Infof("guest pool filled to capacity %d", v.GetInt(tdxconfig.KeyPoolCapacity))

		g := gateway.New(p)
		g.Health.SetReady(true)
		addr, err := g.Start(v.GetString(tdxconfig.KeyGatewayAddr))
		if err != nil {
			return fmt.Errorf("start tenant gateway: %w", err)
		}
		klog.V(0).Infof("tenant gateway listening on %s", addr)

		sigCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		<-sigCtx.Done()
		klog.V(0).Info("received shutdown signal, draining guest pool")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := p.Shutdown(shutdownCtx); err != nil {
			klog.Warningf("pool shutdown reported errors: %v", err)
		}
		if err := g.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown tenant gateway: %w", err)
		}
		klog.V(0).Info("tenant gateway shut down")
		return nil
	},
}
