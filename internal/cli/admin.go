package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/chanmgr/internal/channel"
	"github.com/roach88/chanmgr/internal/model"
	"github.com/roach88/chanmgr/internal/store"
)

// NewDestroyAllCommand creates the destroy-all command.
func NewDestroyAllCommand(rootOpts *RootOptions) *cobra.Command {
	var executionID, key string
	cmd := &cobra.Command{
		Use:   "destroy-all",
		Short: "Destroy every channel of an execution",
		Long: `Destroy every channel of an execution.

Runs the same DESTROY_ALL operation as the private API, against the
database directly. Meant for cleaning up after an execution whose
workflow service is gone. Slots of bound peers are released through
the Slot API.

Examples:
  chanmgr destroy-all --db ./chanmgr.db --execution exec-42
  chanmgr destroy-all --execution exec-42 --idempotency-key cleanup-42`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(rootOpts, cmd, func(rt *runtime) error {
				op, err := rt.channels.DestroyAll(cmd.Context(), model.DestroyAllRequest{
					ExecutionID:    executionID,
					IdempotencyKey: key,
				})
				if err != nil {
					return err
				}
				if !op.Done {
					if op, err = rt.channels.WaitOperation(cmd.Context(), op.ID); err != nil {
						return err
					}
				}
				if op.Error != nil {
					return op.Error
				}

				var resp channel.DestroyResponse
				if err := json.Unmarshal(op.Response, &resp); err != nil {
					return fmt.Errorf("decode response: %w", err)
				}
				return rootOpts.formatter(cmd).Success(resp, func(w io.Writer) error {
					_, err := fmt.Fprintf(w, "Destroyed %d channel(s) of execution %s\n", len(resp.Destroyed), executionID)
					for _, id := range resp.Destroyed {
						fmt.Fprintf(w, "  %s\n", id)
					}
					return err
				})
			})
		},
	}
	cmd.Flags().StringVar(&executionID, "execution", "", "execution id (required)")
	_ = cmd.MarkFlagRequired("execution")
	cmd.Flags().StringVar(&key, "idempotency-key", "", "idempotency key; a repeated key replays the first result")
	return cmd
}

// MigrateResult is the output of the migrate command.
type MigrateResult struct {
	Database      string `json:"database"`
	SchemaVersion int    `json:"schemaVersion"`
}

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		Long: `Create or upgrade the database schema and report its version.

The schema is also applied on every start of serve; migrate lets a
deployment prepare the database ahead of time.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rootOpts.loadConfig(cmd)
			if err != nil {
				return err
			}
			st, err := store.Open(cfg.DB)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to open database", err)
			}
			defer st.Close()

			version, err := st.SchemaVersion(cmd.Context())
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to read schema version", err)
			}
			result := MigrateResult{Database: cfg.DB, SchemaVersion: version}
			return rootOpts.formatter(cmd).Success(result, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "Database %s is at schema version %d\n", result.Database, result.SchemaVersion)
				return err
			})
		},
	}
}
