package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/kestrel-dl/kestrel/internal/config"
	"github.com/kestrel-dl/kestrel/internal/controlsock"
	"github.com/kestrel-dl/kestrel/internal/coordinator"
	"github.com/kestrel-dl/kestrel/internal/events"
	"github.com/kestrel-dl/kestrel/internal/handler"
	"github.com/kestrel-dl/kestrel/internal/handler/gitclonedl"
	"github.com/kestrel-dl/kestrel/internal/handler/httpdl"
	"github.com/kestrel-dl/kestrel/internal/handler/s3dl"
	"github.com/kestrel-dl/kestrel/internal/history"
	"github.com/kestrel-dl/kestrel/internal/httpclient"
	"github.com/kestrel-dl/kestrel/internal/logging"
	"github.com/kestrel-dl/kestrel/internal/model"
	"github.com/kestrel-dl/kestrel/internal/persistence"
	"github.com/kestrel-dl/kestrel/internal/queue"
	"github.com/kestrel-dl/kestrel/internal/ratelimit"
	"github.com/kestrel-dl/kestrel/internal/report"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the download queue and listen for control commands",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	logging.Init(debug)
	log := logging.Get("enginectl.serve")

	opts := config.Defaults()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		opts = loaded
	}

	bus := events.NewBus(opts.ProgressThrottle())

	var globalLimiter ratelimit.Limiter
	if opts.EnableBandwidthLimiting && opts.GlobalBandwidthLimitBps > 0 {
		globalLimiter = ratelimit.NewBucket(opts.GlobalBandwidthLimitBps, 0)
	}

	clientConfig := httpclient.Config{UserAgent: httpclient.DefaultUserAgent}
	registry := handler.NewRegistry(
		httpdl.New(opts, clientConfig, globalLimiter),
		s3dl.New(0, 0),
		gitclonedl.New(),
	)
	coord := coordinator.New(registry)

	manager := queue.NewManager(opts, bus, coord)

	var ledger *history.Ledger
	if opts.HistoryLedgerPath != "" {
		ledger = history.NewLedger(opts.HistoryLedgerPath)
		manager.OnTerminal(func(t *model.Task) {
			if err := ledger.Append(history.EntryFromTask(t)); err != nil {
				log.Warn().Err(err).Str("task_id", t.ID).Msg("failed to append history entry")
			}
		})
	}

	var store *persistence.Store
	if opts.PersistQueue {
		store = persistence.NewStore(opts.QueueStatePath)
		restored, err := persistence.Load(opts.QueueStatePath)
		if err != nil {
			log.Warn().Err(err).Msg("failed to load persisted queue state, starting empty")
		}
		for _, t := range restored {
			manager.Adopt(t)
		}
		bus.SubscribeQueueStatus(func(events.QueueStatusEvent) {
			store.Save(manager.Tasks())
		})
	}

	sockPath := socketPath
	if sockPath == "" {
		sockPath = controlsock.DefaultSocketPath
	}
	srv := controlsock.NewServer(manager, sockPath, func() string { return uuid.NewString() }, opts.RetryMaxAttempts)
	if err := srv.Listen(); err != nil {
		return fmt.Errorf("start control socket: %w", err)
	}
	log.Info().Str("socket", sockPath).Msg("control socket listening")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go manager.Run(ctx)

	serveErrCh := make(chan error, 1)
	go func() { serveErrCh <- srv.Serve(ctx) }()

	startedAt := time.Now()
	runID := uuid.NewString()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received, draining")
	case err := <-serveErrCh:
		if err != nil {
			log.Error().Err(err).Msg("control socket stopped unexpectedly")
		}
	}

	if store != nil {
		store.Save(manager.Tasks())
	}

	r := report.BuildBatchReport(runID, startedAt, manager.Tasks())
	if path, err := report.Write("", r); err != nil {
		log.Warn().Err(err).Msg("failed to write batch report")
	} else {
		log.Info().Str("path", path).Msg("wrote batch report")
	}

	return nil
}
