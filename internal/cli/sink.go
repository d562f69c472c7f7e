package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	httpapi "github.com/tbourn/physio-sync/internal/http"
	"github.com/tbourn/physio-sync/internal/observability"
	"github.com/tbourn/physio-sync/internal/repo"
)

// NewSinkCommand creates the sink command.
func NewSinkCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sink",
		Short: "Serve the reference sink API",
		Long: `Serve the idempotent record API devices deliver to.

Example:
  JWT_SECRET=dev PORT=8080 physiosync sink`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSink(cmd, rootOpts)
		},
	}
}

func runSink(cmd *cobra.Command, opts *RootOptions) error {
	cfg := opts.Config
	log := opts.Log.With().Str("component", "cli.sink").Logger()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, observability.RoleSink, Version)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownOTel(sctx)
	}()

	db, err := repo.OpenSQLite(cfg.SinkDBPath, repo.Options{
		Synchronous: "NORMAL",
		Trace:       cfg.OTEL.Enabled,
	})
	if err != nil {
		return err
	}
	if err := repo.MigrateSink(db); err != nil {
		return err
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}

	gin.SetMode(cfg.GinMode)
	r := gin.New()
	httpapi.RegisterRoutes(r, db, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("db", cfg.SinkDBPath).Msg("sink listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), cfg.WriteTimeout)
	defer cancel()
	return srv.Shutdown(sctx)
}
