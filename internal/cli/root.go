// Package cli implements the procflow command.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/romshark/procflow/db"
	"github.com/romshark/procflow/db/dbmem"
	"github.com/romshark/procflow/db/dbpgx"
	"github.com/romshark/procflow/db/dbsqlite"
	"github.com/romshark/procflow/internal/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Verbose    bool
}

// NewRootCommand creates the root command of the procflow CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "procflow",
		Short: "Inspect and serve event-sourced notification logs",
		Long: "procflow serves the notification logs of process applications over HTTP, " +
			"reads local or remote logs and shows tracking positions.",
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to YAML config")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewReadCommand(opts))
	cmd.AddCommand(NewTrackingCommand(opts))

	return cmd
}

// load reads the configuration and creates the logger writing to stderr.
func (o *RootOptions) load(stderr io.Writer) (config.Config, *slog.Logger, error) {
	c, err := config.Load(o.ConfigPath)
	if err != nil {
		return config.Config{}, nil, err
	}
	level, err := c.Log.SlogLevel()
	if err != nil {
		return config.Config{}, nil, err
	}
	if o.Verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))
	return c, log, nil
}

// openDB opens the configured storage. closeDB must be called when done.
func openDB(
	ctx context.Context, log *slog.Logger, c config.Storage,
) (d db.DB, closeDB func() error, err error) {
	switch c.Driver {
	case config.DriverMemory:
		return dbmem.New(), func() error { return nil }, nil
	case config.DriverSQLite:
		s, err := dbsqlite.Open(ctx, log, c.DSN)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case config.DriverPostgres:
		p, err := dbpgx.Open(ctx, log, c.DSN, c.MaxConns, dbpgx.DefaultBackoff())
		if err != nil {
			return nil, nil, err
		}
		if err := p.Migrate(ctx); err != nil {
			p.Close()
			return nil, nil, err
		}
		return p, func() error { p.Close(); return nil }, nil
	}
	return nil, nil, fmt.Errorf("unknown storage driver %q", c.Driver)
}
