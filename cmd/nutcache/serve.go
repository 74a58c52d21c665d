package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Keksclan/nutcache"
	"github.com/Keksclan/nutcache/config"
	"github.com/Keksclan/nutcache/internal/logging"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func serveCmd() *cobra.Command {
	var (
		listen  string
		origin  string
		trace   bool
		console bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the caching proxy and the admin API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Listen = listen
			}
			if origin != "" {
				cfg.Origin = origin
			}
			if adminAddr != "" {
				cfg.Admin.Addr = adminAddr
			}
			if logLevel != "" {
				cfg.LogLevel = logLevel
			}
			if trace {
				cfg.Trace = true
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger, err := logging.New(cfg.LogLevel, console)
			if err != nil {
				return err
			}
			defer logger.Sync()

			opts, release, err := stackOptions(cfg, logger, os.Stdout)
			if err != nil {
				return err
			}
			defer func() {
				if err := release(context.Background()); err != nil {
					logger.Warn("release failed", zap.Error(err))
				}
			}()

			s, err := nutcache.New(append(nutcache.DefaultOptions(), opts...)...)
			if err != nil {
				return err
			}

			originURL, _ := url.Parse(cfg.Origin)
			mux := http.NewServeMux()
			mux.Handle(cfg.MetricsPath, s.MetricsHandler())
			mux.Handle("/", s.ReverseProxy(originURL))
			httpServer := &http.Server{
				Addr:              cfg.Listen,
				Handler:           mux,
				ReadHeaderTimeout: 10 * time.Second,
			}

			lis, err := net.Listen("tcp", cfg.Admin.Addr)
			if err != nil {
				s.Close()
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			errCh := make(chan error, 2)
			go func() {
				if err := s.ServeAdmin(lis); err != nil {
					errCh <- err
				}
			}()
			go func() {
				if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
			}()

			if err := s.Start(ctx); err != nil {
				logger.Warn("install failed, passing requests through", zap.Error(err))
			}
			logger.Info("nutcache started",
				zap.String("listen", cfg.Listen),
				zap.String("admin", cfg.Admin.Addr),
				zap.String("origin", cfg.Origin),
				zap.String("version", cfg.Edge.Version),
			)

			var runErr error
			select {
			case <-ctx.Done():
				logger.Info("shutting down")
			case runErr = <-errCh:
				logger.Error("server failed", zap.Error(runErr))
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				logger.Warn("http shutdown", zap.Error(err))
			}
			if err := s.Close(); err != nil {
				logger.Warn("stack close", zap.Error(err))
			}
			return runErr
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "HTTP listen address")
	cmd.Flags().StringVar(&origin, "origin", "", "Origin base URL")
	cmd.Flags().BoolVar(&trace, "trace", false, "Print spans to stdout")
	cmd.Flags().BoolVar(&console, "console", false, "Human-readable logs")

	return cmd
}
