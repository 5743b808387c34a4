package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/jmcleod/estgate/config"
	"github.com/jmcleod/estgate/est"
	"github.com/jmcleod/estgate/internal/util"
)

var (
	port    int
	tlsCert string
	tlsKey  string
	quiet   bool
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the enrollment gateway server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

		backend, err := cfg.BuildHandler(logger)
		if err != nil {
			return fmt.Errorf("failed to build CA backend: %w", err)
		}
		if closer, ok := backend.(io.Closer); ok {
			defer closer.Close()
		}

		opts := []est.Option{est.WithLogger(logger)}
		if cfg.RawDER {
			opts = append(opts, est.WithRawDER())
		}
		driver := est.New(backend, cfg.Verifier(), opts...)

		r := chi.NewRouter()
		r.Use(middleware.Logger)
		r.Use(middleware.Recoverer)
		r.Mount("/", driver.Router())

		tlsConfig, err := serverTLSConfig()
		if err != nil {
			return err
		}

		server := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           r,
			TLSConfig:         tlsConfig,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		// Graceful shutdown on SIGINT/SIGTERM.
		done := make(chan error, 1)
		go func() {
			if err := server.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		if !quiet {
			printBanner()
		}
		logger.Info("server started", "port", port, "backend", cfg.Backend)

		stop := make(chan os.Signal, 1)
		signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-stop:
			logger.Info("shutting down", "signal", sig.String())
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(ctx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			return nil
		case err := <-done:
			return err
		}
	},
}

// serverTLSConfig loads the configured key pair or falls back to an
// ephemeral self-signed certificate. Client certificates are requested
// but not required at the TLS layer; the per-endpoint identity gate
// decides whether one is needed.
func serverTLSConfig() (*tls.Config, error) {
	var cert tls.Certificate
	var err error
	if tlsCert != "" && tlsKey != "" {
		cert, err = tls.LoadX509KeyPair(tlsCert, tlsKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS key pair: %w", err)
		}
	} else {
		cert, err = util.GenerateSelfSignedCert()
		if err != nil {
			return nil, fmt.Errorf("failed to generate self-signed certificate: %w", err)
		}
		fmt.Println("Using self-signed runtime generated certificate for TLS")
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequestClientCert,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.Flags().IntVarP(&port, "port", "p", 8443, "Port to listen on")
	serverCmd.Flags().StringVar(&tlsCert, "tls-cert", "", "Path to TLS certificate file")
	serverCmd.Flags().StringVar(&tlsKey, "tls-key", "", "Path to TLS key file")
	serverCmd.Flags().BoolVar(&quiet, "quiet", false, "Suppress the startup banner")
}
