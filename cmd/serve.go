// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Thermoquad/calink/pkg/ca"
	"github.com/Thermoquad/calink/pkg/casim"
	"github.com/Thermoquad/calink/pkg/gateway"
)

var (
	serveListen string
	serveSerial string
	serveBaud   int
	serveNoAuth bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve a simulated PV database as a gateway",
	Long: `Serve the PVs of a simulated database (--sim or the config database) to
calink clients.

WebSocket clients connect to ws://LISTEN/ws. With --serial the gateway is
served on a serial port instead. Prometheus metrics are exposed on /metrics
unless disabled in the config file.

When --username is given, WebSocket clients must authenticate with HTTP Basic
auth. The password comes from CALINK_PASSWORD or an interactive prompt.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "HTTP listen address (default :5065)")
	serveCmd.Flags().StringVar(&serveSerial, "serial", "", "Serve on a serial port instead of HTTP")
	serveCmd.Flags().IntVar(&serveBaud, "serial-baud", 115200, "Baud rate for --serial")
	serveCmd.Flags().BoolVar(&serveNoAuth, "no-auth", false, "Accept WebSocket clients without credentials")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	if cmd.Flags().Changed("listen") {
		cfg.Serve.Listen = serveListen
	}
	if cmd.Flags().Changed("serial") {
		cfg.Serve.Serial = serveSerial
	}
	if cmd.Flags().Changed("serial-baud") {
		cfg.Serve.Baud = serveBaud
	}
	if cfg.Database == "" {
		return fmt.Errorf("serve needs a PV database: use --sim or set database in the config")
	}

	db, err := casim.LoadDatabase(cfg.Database)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := gateway.NewMetrics(reg)

	log := logger.Named("gateway")
	opts := []gateway.ServerOption{
		gateway.WithServerLogger(log),
		gateway.WithServerMetrics(metrics),
	}
	if cfg.Transport.Username != "" && !serveNoAuth {
		password, err := GetPassword(cfg.Transport)
		if err != nil {
			return err
		}
		opts = append(opts, gateway.WithBasicAuth(cfg.Transport.Username, password))
	}

	srv := gateway.NewServer(func() ca.Library {
		return casim.NewLibrary(db, casim.WithLogger(logger.Named("casim")))
	}, opts...)
	defer srv.Close()

	log.Info("serving PV database",
		zap.String("database", cfg.Database),
		zap.Int("pvs", len(db.Names())))

	if cfg.Serve.Serial != "" {
		return serveSerialPort(cmd.Context(), srv, log)
	}
	return serveHTTP(cmd.Context(), srv, reg, log)
}

func serveSerialPort(ctx context.Context, srv *gateway.Server, log *zap.Logger) error {
	port, err := gateway.OpenSerial(cfg.Serve.Serial, cfg.Serve.Baud)
	if err != nil {
		return err
	}
	log.Info("listening on serial port",
		zap.String("port", cfg.Serve.Serial),
		zap.Int("baud", cfg.Serve.Baud))

	if err := srv.Serve(ctx, port, "serial"); err != nil && ctx.Err() == nil {
		return fmt.Errorf("serial session failed: %w", err)
	}
	return nil
}

func serveHTTP(ctx context.Context, srv *gateway.Server, reg *prometheus.Registry, log *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/ws", srv)
	if cfg.Serve.Metrics {
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	}
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "ok %d sessions\n", len(srv.Sessions()))
	})

	ln, err := net.Listen("tcp", cfg.Serve.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Serve.Listen, err)
	}

	httpSrv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpSrv.Serve(ln)
	}()
	log.Info("listening", zap.String("addr", ln.Addr().String()), zap.Bool("metrics", cfg.Serve.Metrics))

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	// Hijacked WebSocket connections end with their request context
	srv.Close()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
