package cli

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/chanmgr/internal/api"
	"github.com/roach88/chanmgr/internal/config"
)

// shutdownTimeout bounds graceful HTTP shutdown.
const shutdownTimeout = 10 * time.Second

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the channel manager HTTP API",
		Long: `Run the channel manager HTTP API.

On startup every operation left unfinished by a previous process is
resumed from its last completed step. The public API is served under
/v1, the private API under /internal/v1 and Prometheus metrics under
/metrics.

Examples:
  chanmgr serve --db ./chanmgr.db --auth.secret $SECRET
  CHANMGR_AUTH_SECRET=... chanmgr serve --config /etc/chanmgr.yaml`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(rootOpts, cmd)
		},
	}

	cmd.Flags().String(config.KeyListen, "", "HTTP listen address (default :8122)")
	cmd.Flags().String(config.KeyAuthSecret, "", "HS256 key for bearer tokens")
	cmd.Flags().String(config.KeyInternalSubject, "", "token subject allowed on the private API")
	cmd.Flags().Int(config.KeyWorkers, 0, "operation worker pool size")
	cmd.Flags().Duration(config.KeyRetryDelay, 0, "delay before a failed step is retried")
	cmd.Flags().Duration(config.KeySlotsTimeout, 0, "Slot API request timeout")
	cmd.Flags().Int(config.KeySlotsRetries, 0, "Slot API retries on transient errors")

	return cmd
}

func runServe(opts *RootOptions, cmd *cobra.Command) error {
	cfg, err := opts.loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.Auth.Secret == "" {
		return NewExitError(ExitCommandError, "auth.secret is required to serve the API")
	}

	logger := opts.newLogger(cmd.ErrOrStderr(), cfg)
	rt, err := openRuntime(cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	restored, err := rt.ops.Restore(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to restore operations", err)
	}
	logger.Info("operations restored", "count", restored)

	srv := &http.Server{
		Addr: cfg.Listen,
		Handler: api.New(api.Config{
			Channels: rt.channels,
			Auth:     api.AuthConfig{Secret: cfg.Auth.Secret, InternalSubject: cfg.Auth.InternalSubject},
			Logger:   logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", "error", err)
		}
	}()

	logger.Info("serving channel manager", "listen", cfg.Listen, "db", cfg.DB)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return WrapExitError(ExitCommandError, "http server failed", err)
	}
	return nil
}
