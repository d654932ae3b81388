package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"drivebackup/internal/scheduler"
	"drivebackup/internal/snapshot"
	"drivebackup/internal/status"
	"drivebackup/internal/updates"
)

func newRunCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the backup daemon",
		Long: `Run scheduled backups and periodic update checks until interrupted.
SIGHUP reloads the config file; SIGINT or SIGTERM stops the daemon after the
running cycle has finished.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := opts.logger(cmd)
			if err != nil {
				return err
			}
			a, err := newApp(opts.configFile(), snapshot.NewZipProducer(logger), buildDestinations(), logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			hup := make(chan os.Signal, 1)
			signal.Notify(hup, syscall.SIGHUP)
			defer signal.Stop(hup)

			return a.runDaemon(ctx, hup)
		},
	}
}

// runDaemon starts the schedulers and the status server, and blocks until
// ctx is done. Each value received on reload triggers a config reload.
func (a *app) runDaemon(ctx context.Context, reload <-chan os.Signal) error {
	logger := a.logger.With().Str("component", "daemon").Logger()

	backups := scheduler.New("backup", a.runScheduledCycle, a.logger, a.backupOpts...)
	checks := scheduler.New("update-check", a.checker.Run, a.logger, scheduler.WithInitialDelay(0))

	// Cycles get a context that shutdown does not cancel; ctx only stops the
	// timers and the listener, and shutdown waits for the running cycle.
	cycleCtx := context.WithoutCancel(ctx)
	if err := backups.Start(cycleCtx, a.store.Current().Interval()); err != nil {
		return err
	}
	if err := checks.Start(ctx, updates.DefaultCheckInterval); err != nil {
		backups.Stop()
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if listen := a.store.Current().Status.Listen; listen != "" {
		srv := status.NewServer(gctx, status.Options{
			Engine:   a.engine,
			Updates:  a.checker,
			Hub:      a.hub,
			Gatherer: a.gatherer(),
			Version:  Version,
		}, a.logger)
		g.Go(func() error { return srv.ListenAndServe(listen) })
	}

	logger.Info().
		Str("version", Version).
		Strs("destinations", kindStrings(a.engine.Destinations())).
		Msg("drivebackup started")

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-reload:
				a.reload(cycleCtx, backups)
			}
		}
	})

	err := g.Wait()

	logger.Info().Msg("shutting down, waiting for running tasks")
	<-backups.Stop().Done()
	<-checks.Stop().Done()
	logger.Info().Msg("drivebackup stopped")
	return err
}

func (a *app) runScheduledCycle(ctx context.Context) {
	if _, err := a.engine.RunCycle(ctx); err != nil {
		a.logger.Info().Err(err).Msg("scheduled backup skipped")
	}
}

// reload swaps in the config file's current contents. The backup timer is
// restarted with ctx when the interval changed; a running cycle keeps the
// config it started with.
func (a *app) reload(ctx context.Context, backups *scheduler.Scheduler) {
	old, cur, err := a.store.Reload()
	if err != nil {
		a.logger.Error().Err(err).Msg("config reload failed, keeping current config")
		return
	}
	warnInvalid(cur, a.logger)
	a.logger.Info().
		Str("config", a.store.Path()).
		Strs("destinations", kindStrings(a.engine.Destinations())).
		Msg("config reloaded")

	if old.Interval() == cur.Interval() {
		return
	}
	backups.Stop()
	if err := backups.Start(ctx, cur.Interval()); err != nil {
		a.logger.Error().Err(err).Msg("failed to restart backup scheduler")
	}
}
