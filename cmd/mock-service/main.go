// Command mock-service é um backend de eco para testar o gateway localmente.
//
//	mock-service --listen 127.0.0.1:8001 --name service1
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"ratelimit-gateway/logging"
)

func main() {
	var (
		listen    string
		name      string
		logLevel  string
		logFormat string
	)

	cmd := &cobra.Command{
		Use:          "mock-service",
		Short:        "Echo backend: GET and POST return the request as JSON",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := logging.New(logLevel, logFormat)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			srv := &http.Server{
				Addr:              listen,
				Handler:           newHandler(name, logger),
				ReadHeaderTimeout: 10 * time.Second,
			}

			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()

			logger.Info("mock service listening", zap.String("addr", listen), zap.String("service", name))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("listen: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "127.0.0.1:8001", "listen address")
	cmd.Flags().StringVar(&name, "name", "mock", "value of the \"service\" field")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "debug|info|warn|error")
	cmd.Flags().StringVar(&logFormat, "log-format", "console", "json|console")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
