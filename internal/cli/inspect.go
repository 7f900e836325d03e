package cli

import (
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/chanmgr/internal/model"
)

// withRuntime loads the configuration, wires a runtime for the duration
// of fn and reports categorized failures through the formatter.
func withRuntime(opts *RootOptions, cmd *cobra.Command, fn func(rt *runtime) error) error {
	cfg, err := opts.loadConfig(cmd)
	if err != nil {
		return err
	}
	rt, err := openRuntime(cfg, opts.newLogger(cmd.ErrOrStderr(), cfg))
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := fn(rt); err != nil {
		if model.IsCategorized(err) {
			if ferr := opts.formatter(cmd).Error(err); ferr != nil {
				return ferr
			}
			return WrapExitError(ExitFailure, "request failed", err)
		}
		return WrapExitError(ExitCommandError, "command failed", err)
	}
	return nil
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	var channelID string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show a channel and its peers",
		Long: `Show a channel and its peers.

Producers are listed in priority order, then consumers in bind order.

Examples:
  chanmgr status --db ./chanmgr.db --channel 0190c1d2-...
  chanmgr status --channel 0190c1d2-... --format yaml`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(rootOpts, cmd, func(rt *runtime) error {
				st, err := rt.channels.Status(cmd.Context(), channelID)
				if err != nil {
					return err
				}
				return rootOpts.formatter(cmd).Success(st, func(w io.Writer) error {
					return writeStatusTable(w, []model.ChannelStatus{st})
				})
			})
		},
	}
	cmd.Flags().StringVar(&channelID, "channel", "", "channel id (required)")
	_ = cmd.MarkFlagRequired("channel")
	return cmd
}

// NewStatusAllCommand creates the status-all command.
func NewStatusAllCommand(rootOpts *RootOptions) *cobra.Command {
	var executionID string
	cmd := &cobra.Command{
		Use:   "status-all",
		Short: "Show every channel of an execution",
		Example: `  chanmgr status-all --db ./chanmgr.db --execution exec-42
  chanmgr status-all --execution exec-42 --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(rootOpts, cmd, func(rt *runtime) error {
				all, err := rt.channels.StatusAll(cmd.Context(), executionID)
				if err != nil {
					return err
				}
				return rootOpts.formatter(cmd).Success(all, func(w io.Writer) error {
					return writeStatusTable(w, all)
				})
			})
		},
	}
	cmd.Flags().StringVar(&executionID, "execution", "", "execution id (required)")
	_ = cmd.MarkFlagRequired("execution")
	return cmd
}

// NewOperationsCommand creates the operations command.
func NewOperationsCommand(rootOpts *RootOptions) *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "operations",
		Short: "List unfinished operations, or show one",
		Long: `List unfinished operations, or show one.

Without --id, lists every operation that is not done yet: the ones a
restart of serve would resume.

Examples:
  chanmgr operations --db ./chanmgr.db
  chanmgr operations --id 0190c1d2-... --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(rootOpts, cmd, func(rt *runtime) error {
				var ops []model.Operation
				var data any
				if id != "" {
					op, err := rt.channels.GetOperation(cmd.Context(), id)
					if err != nil {
						return err
					}
					ops, data = []model.Operation{op}, op
				} else {
					var err error
					if ops, err = rt.channels.ListActiveOperations(cmd.Context()); err != nil {
						return err
					}
					if ops == nil {
						ops = []model.Operation{}
					}
					data = ops
				}
				return rootOpts.formatter(cmd).Success(data, func(w io.Writer) error {
					return writeOperationsTable(w, ops)
				})
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "operation id")
	return cmd
}
