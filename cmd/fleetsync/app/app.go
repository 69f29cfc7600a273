// Package app builds the fleetsync command tree.
package app

import (
	"context"
	"fmt"
	"io"

	"github.com/goccy/go-json"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"fleetsync/internal/buildinfo"
	"fleetsync/internal/config"
	"fleetsync/internal/logging"
	"fleetsync/internal/model"
	"fleetsync/internal/store"
)

type options struct {
	configPath string
	cfg        config.Config
}

func NewCommand() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:          "fleetsync",
		Short:        "Sync fleet vehicles with a Traccar GPS server",
		Long:         "fleetsync polls Traccar for vehicle positions, writes vehicle log records, detects geofence transitions and keeps devices, drivers and geofences linked.",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			opts.cfg = cfg
			return logging.Configure(cfg.Log)
		},
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to a YAML config file")

	cmd.AddCommand(
		newServeCommand(opts),
		newSweepCommand(opts),
		newSyncCommand(opts),
		newLinkDeviceCommand(opts),
		newLinkDriverCommand(opts),
		newMigrateCommand(opts),
		newVersionCommand(),
	)
	return cmd
}

func newSweepCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one fleet-wide sync pass, work off the queued tasks and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, err := buildDeps(cmd.Context(), opts.cfg)
			if err != nil {
				return err
			}
			defer d.Close()
			sum, err := sweepOnce(cmd.Context(), d)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), sum)
		},
	}
}

// sweepOnce runs a pass and then works off the queue, so cadence syncs the
// pass fired are logged before the process exits.
func sweepOnce(ctx context.Context, d *deps) (model.SweepSummary, error) {
	sum, err := d.engine.Sweep(ctx)
	if err != nil {
		return sum, err
	}
	n := d.worker().Drain(ctx)
	log.WithFields(log.Fields{"component": "sweep", "tasks": n}).Info("queue drained")
	return sum, nil
}

func newSyncCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "sync <vehicle>",
		Short: "Sync one vehicle now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := buildDeps(cmd.Context(), opts.cfg)
			if err != nil {
				return err
			}
			defer d.Close()
			res, err := d.engine.SyncOne(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
}

func newLinkDeviceCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "link-device <vehicle>",
		Short: "Create or adopt the remote device for a vehicle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := buildDeps(cmd.Context(), opts.cfg)
			if err != nil {
				return err
			}
			defer d.Close()
			v, err := d.linker.EnsureDeviceLinked(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), v)
		},
	}
}

func newLinkDriverCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "link-driver <driver>",
		Short: "Create or adopt the remote driver for a local driver",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := buildDeps(cmd.Context(), opts.cfg)
			if err != nil {
				return err
			}
			defer d.Close()
			drv, err := d.linker.EnsureDriverLinked(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), drv)
		},
	}
}

func newMigrateCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.cfg.Database.URL == "" {
				return fmt.Errorf("migrate needs database.url or DATABASE_URL")
			}
			pg, err := store.NewPostgres(opts.cfg.Database.URL)
			if err != nil {
				return err
			}
			defer func() { _ = pg.Close() }()
			if err := pg.Migrate(cmd.Context()); err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return err
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return printJSON(cmd.OutOrStdout(), buildinfo.Info())
		},
	}
}

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}
