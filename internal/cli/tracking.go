package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/romshark/procflow/db"
)

// TrackingOptions holds flags for the tracking command.
type TrackingOptions struct {
	*RootOptions
	Upstream string
}

// NewTrackingCommand creates the tracking command.
func NewTrackingCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TrackingOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "tracking",
		Short: "Print the last tracked notification id of an upstream",
		Long: `Print the highest notification id of upstream tracked by the configured
application in the configured pipeline. This is the position a restarted
process engine resumes at.

Examples:
  procflow tracking -c procflow.yaml --upstream orders`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTracking(cmd.Context(), opts, cmd)
		},
	}
	cmd.Flags().StringVar(&opts.Upstream, "upstream", "", "upstream application (required)")
	_ = cmd.MarkFlagRequired("upstream")
	return cmd
}

func runTracking(ctx context.Context, opts *TrackingOptions, cmd *cobra.Command) error {
	c, log, err := opts.load(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	if c.Application == "" {
		return errors.New("application is required")
	}
	d, closeDB, err := openDB(ctx, log, c.Storage)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() { _ = closeDB() }()

	var id int64
	err = d.TxReadOnly(ctx, func(ctx context.Context, tx db.TxReadOnly) error {
		id, err = tx.ReadMaxTrackingRecordID(ctx, c.Application, opts.Upstream, c.PipelineID)
		return err
	})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), id)
	return err
}
