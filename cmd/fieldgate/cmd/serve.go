package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"fieldgate.org/internal/app"
	"fieldgate.org/internal/obs"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API and gRPC health servers",
	RunE: func(cmd *cobra.Command, args []string) error {
		obs.Init()
		obs.InitBuildInfo(version, commit)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		svc, err := app.New(ctx, cfg, app.WithVersion(version))
		if err != nil {
			return err
		}
		defer svc.Close()

		srv := &http.Server{
			Addr:              cfg.HTTP.Addr,
			Handler:           svc.API.Handler(),
			ReadTimeout:       cfg.HTTP.ReadTimeout,
			ReadHeaderTimeout: cfg.HTTP.ReadTimeout,
			WriteTimeout:      cfg.HTTP.WriteTimeout,
			IdleTimeout:       60 * time.Second,
		}
		gsrv := grpc.NewServer()
		svc.Health.Register(gsrv)

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			obs.Logger().Info("http listening", "addr", srv.Addr, "version", version)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http listen: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			lis, err := net.Listen("tcp", cfg.HTTP.GRPCAddr)
			if err != nil {
				return fmt.Errorf("grpc listen: %w", err)
			}
			obs.Logger().Info("grpc health listening", "addr", cfg.HTTP.GRPCAddr)
			return gsrv.Serve(lis)
		})
		g.Go(func() error {
			svc.Run(gctx)
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			obs.Logger().Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			gsrv.GracefulStop()
			return srv.Shutdown(shutdownCtx)
		})
		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		obs.Logger().Info("stopped")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
