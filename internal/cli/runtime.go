package cli

import (
	"log/slog"

	"github.com/roach88/chanmgr/internal/channel"
	"github.com/roach88/chanmgr/internal/config"
	"github.com/roach88/chanmgr/internal/operation"
	"github.com/roach88/chanmgr/internal/slots"
	"github.com/roach88/chanmgr/internal/store"
)

// runtime is the wired channel manager of one process.
type runtime struct {
	cfg      config.Config
	logger   *slog.Logger
	store    *store.Store
	ops      *operation.Manager
	channels *channel.Manager
}

// openRuntime opens the store and wires the operation and channel
// managers. Operations left by a previous run are not resumed; serve
// does that explicitly.
func openRuntime(cfg config.Config, logger *slog.Logger) (*runtime, error) {
	st, err := store.Open(cfg.DB)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}

	ops := operation.New(st,
		operation.WithLogger(logger),
		operation.WithWorkers(cfg.Workers),
		operation.WithRetryDelay(cfg.RetryDelay),
	)
	client := slots.NewHTTPClient(
		slots.WithTimeout(cfg.Slots.Timeout),
		slots.WithRetries(cfg.Slots.Retries),
		slots.WithLogger(logger),
	)
	return &runtime{
		cfg:      cfg,
		logger:   logger,
		store:    st,
		ops:      ops,
		channels: channel.New(st, ops, client, channel.WithLogger(logger)),
	}, nil
}

// Close stops running operations, then closes the store.
func (r *runtime) Close() {
	r.ops.Close()
	if err := r.store.Close(); err != nil {
		r.logger.Warn("close store", "error", err)
	}
}
