// Command portal-auth serves the hybrid authentication API.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrEthical07/hybridauth"
	"github.com/MrEthical07/hybridauth/httpapi"
	"github.com/MrEthical07/hybridauth/logging"
	"github.com/MrEthical07/hybridauth/metrics/export/prometheus"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Getenv, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "portal-auth: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, getenv func(string) string, stdout, stderr io.Writer) error {
	cfg, err := loadConfig(args, getenv, stderr)
	if err != nil {
		return err
	}

	logger, err := logging.New(stdout, logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		return err
	}

	engineCfg, err := cfg.engineConfig(os.ReadFile)
	if err != nil {
		return err
	}

	d, err := buildDeps(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer d.close()

	engine, err := newEngine(engineCfg, d, logger)
	if err != nil {
		return err
	}
	defer engine.Close()

	api := httpapi.New(engine, httpapi.Options{
		CredentialRate:  cfg.Server.CredentialRate,
		CredentialBurst: cfg.Server.CredentialBurst,
		SecureCookies:   cfg.Server.SecureCookies,
		RefreshTTL:      engineCfg.JWT.RefreshTTL,
		DeliverCode:     codeDeliverer(cfg.Server, logger),
		Logger:          logger,
	})
	if cfg.Server.MetricsPath != "" {
		api.Router().Handle(cfg.Server.MetricsPath, prometheus.NewExporter(engine).Handler()).Methods(http.MethodGet)
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "portal-auth listening",
			"addr", cfg.Server.Addr,
			"store", cfg.Store.Driver,
			"pqc_transport", cfg.PQC.Transport,
			"secrets", cfg.Secrets.Backend,
		)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info(context.Background(), "portal-auth shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newEngine(cfg hybridauth.Config, d *deps, logger logging.Logger) (*hybridauth.Engine, error) {
	b := hybridauth.New().
		WithConfig(cfg).
		WithStore(d.store).
		WithSecrets(d.secrets).
		WithFlagEvaluator(d.flags).
		WithLogger(logger)
	if cfg.Audit.Enabled {
		b = b.WithAuditSink(hybridauth.NewLogSink(logger.With("component", "audit")))
	}
	if d.redis != nil {
		b = b.WithRedis(d.redis)
	}
	if d.pqc != nil {
		b = b.WithPQCClient(d.pqc)
	}
	return b.Build()
}

// codeDeliverer returns nil unless codes may be logged, which makes the
// verification request route answer 501.
func codeDeliverer(cfg serverConfig, logger logging.Logger) httpapi.CodeDeliverer {
	if !cfg.LogVerificationCodes {
		return nil
	}
	return func(ctx context.Context, userID, deviceID, code string) error {
		logger.Warn(ctx, "device verification code issued",
			"user_id", userID,
			"device_id", deviceID,
			"code", code,
		)
		return nil
	}
}
