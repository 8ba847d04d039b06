package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/romshark/procflow"
	"github.com/romshark/procflow/httplog"
)

// ReadOptions holds flags for the read command.
type ReadOptions struct {
	*RootOptions
	URL         string
	Application string
	From        int64
	Limit       int64
	Sections    bool
}

// line is one notification printed by the read command.
type line struct {
	ID                 int64                       `json:"id"`
	OriginatorID       string                      `json:"originator_id"`
	OriginatorVersion  int64                       `json:"originator_version"`
	Topic              string                      `json:"topic"`
	State              json.RawMessage             `json:"state"`
	CausalDependencies []procflow.CausalDependency `json:"causal_dependencies,omitempty"`
}

// NewReadCommand creates the read command.
func NewReadCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReadOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "read",
		Short: "Print notifications as JSON lines",
		Long: `Print the notifications of a local or remote log as JSON lines.

Examples:
  procflow read -c procflow.yaml --app orders
  procflow read --url http://localhost:8080 --from 10 --limit 5`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRead(cmd.Context(), opts, cmd)
		},
	}
	cmd.Flags().StringVar(&opts.URL, "url", "", "base URL of a remote log")
	cmd.Flags().StringVar(&opts.Application, "app", "", "application (overrides config)")
	cmd.Flags().Int64Var(&opts.From, "from", 0, "zero-based position to start reading at")
	cmd.Flags().Int64Var(&opts.Limit, "limit", 0, "maximum number of notifications, 0 is unbounded")
	cmd.Flags().BoolVar(&opts.Sections, "sections", false, "follow section links")
	return cmd
}

func runRead(ctx context.Context, opts *ReadOptions, cmd *cobra.Command) error {
	c, log, err := opts.load(cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	var l procflow.NotificationLog
	if opts.URL != "" {
		if l, err = httplog.NewClient(ctx, opts.URL, nil); err != nil {
			return err
		}
	} else {
		app := c.Application
		if opts.Application != "" {
			app = opts.Application
		}
		if app == "" {
			return fmt.Errorf("either --url or an application is required")
		}
		d, closeDB, err := openDB(ctx, log, c.Storage)
		if err != nil {
			return fmt.Errorf("opening storage: %w", err)
		}
		defer func() { _ = closeDB() }()
		l = procflow.NewRecordNotificationLog(d, app, c.PipelineID, c.SectionSize)
	}

	var readerOpts []procflow.ReaderOption
	if opts.Sections {
		readerOpts = append(readerOpts, procflow.WithSections())
	}
	r := procflow.NewReader(l, readerOpts...)
	if err := r.Seek(opts.From); err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	for n, err := range r.Read(ctx, procflow.ReadOptions{AdvanceBy: opts.Limit}) {
		if err != nil {
			return err
		}
		deps, err := procflow.DecodeCausalDependencies(n.CausalDependencies)
		if err != nil {
			return err
		}
		out := line{
			ID:                 n.ID,
			OriginatorID:       n.OriginatorID,
			OriginatorVersion:  n.OriginatorVersion,
			Topic:              n.Topic,
			State:              n.State,
			CausalDependencies: deps,
		}
		if !json.Valid(out.State) {
			b, _ := json.Marshal(n.State)
			out.State = b
		}
		if err := enc.Encode(out); err != nil {
			return err
		}
	}
	return nil
}
