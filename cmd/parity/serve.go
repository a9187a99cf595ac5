package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-parity/internal/arrow_client"
	"github.com/23skdu/longbow-parity/internal/logger"
	"github.com/23skdu/longbow-parity/internal/monitoring"
	"github.com/23skdu/longbow-parity/internal/operator"
)

func newServeCmd() *cobra.Command {
	var (
		addr       string
		healthAddr string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the reference operator over Arrow Flight",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, addr, healthAddr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", defaultServeAddr(), "Flight listen address")
	cmd.Flags().StringVar(&healthAddr, "health-addr", ":9090", "health and metrics listen address; empty disables it")
	return cmd
}

func defaultServeAddr() string {
	return net.JoinHostPort("localhost", strconv.Itoa(arrow_client.DefaultPort))
}

func serve(ctx context.Context, addr, healthAddr string) error {
	ref := operator.NewReference()
	hm := monitoring.NewHealthMonitor(ref.Name())

	server, err := arrow_client.Listen(addr, hm.Observe(ref))
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(server.Serve)
	if healthAddr != "" {
		g.Go(func() error {
			if err := hm.Start(healthAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		logger.Log.Info("shutting down")
		server.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return hm.Stop(shutdownCtx)
	})
	return g.Wait()
}
