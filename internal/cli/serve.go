package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/romshark/procflow"
	"github.com/romshark/procflow/httplog"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the notification log of the configured application over HTTP",
		Long: `Serve the notification log of the configured application and pipeline.

Endpoints:
  GET /info           log info
  GET /sections/{id}  section "first,last" or "current"

Examples:
  procflow serve -c procflow.yaml
  procflow serve -c procflow.yaml --addr :9090`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts, cmd)
		},
	}
	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (overrides http.addr)")
	return cmd
}

func runServe(ctx context.Context, opts *ServeOptions, cmd *cobra.Command) error {
	c, log, err := opts.load(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	if c.Application == "" {
		return errors.New("application is required to serve a log")
	}
	addr := c.HTTP.Addr
	if opts.Addr != "" {
		addr = opts.Addr
	}

	d, closeDB, err := openDB(ctx, log, c.Storage)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := closeDB(); err != nil {
			log.Error("closing storage", slog.Any("err", err))
		}
	}()

	l := procflow.NewRecordNotificationLog(d, c.Application, c.PipelineID, c.SectionSize)
	srv := &http.Server{
		Handler:           httplog.NewServer(log, l),
		ReadHeaderTimeout: 5 * time.Second,
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening: %w", err)
	}
	log.Info("serving notification log",
		slog.String("addr", ln.Addr().String()),
		slog.String("application", c.Application),
		slog.Int64("pipeline", c.PipelineID))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(ctxShutdown)
	})
	return g.Wait()
}
