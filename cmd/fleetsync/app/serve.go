package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"fleetsync/internal/api"
)

func newServeCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the sweep trigger and the task worker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), opts)
		},
	}
}

func serve(ctx context.Context, opts *options) error {
	cfg := opts.cfg
	d, err := buildDeps(ctx, cfg)
	if err != nil {
		return err
	}
	defer d.Close()
	entry := log.WithField("component", "serve")

	g, gctx := errgroup.WithContext(ctx)

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.NewServer(d.store, d.engine, d.linker, d.bus).Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.Go(func() error {
		entry.WithField("addr", cfg.HTTP.Addr).Info("API listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	// Sweep trigger; the sweep lock still guards against other replicas
	cronLog := cron.PrintfLogger(entry)
	c := cron.New(cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)))
	if _, err := c.AddFunc(cfg.Sweep.Trigger, func() {
		if _, err := d.engine.Sweep(gctx); err != nil {
			entry.WithError(err).Error("sweep failed")
		}
	}); err != nil {
		return err
	}
	c.Start()
	g.Go(func() error {
		<-gctx.Done()
		<-c.Stop().Done()
		return nil
	})

	// Task worker
	w := d.worker()
	g.Go(func() error { return w.Run(gctx) })

	entry.WithField("trigger", cfg.Sweep.Trigger).Info("fleetsync started")
	err = g.Wait()
	entry.Info("fleetsync stopped")
	return err
}
