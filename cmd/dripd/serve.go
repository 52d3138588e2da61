package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
	"unicode"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/petrijr/drip/internal/abtest"
	"github.com/petrijr/drip/internal/config"
	"github.com/petrijr/drip/internal/definition"
	"github.com/petrijr/drip/internal/dispatch"
	"github.com/petrijr/drip/internal/engine"
	"github.com/petrijr/drip/internal/httpapi"
	"github.com/petrijr/drip/internal/ingest"
	"github.com/petrijr/drip/internal/telemetry"
	"github.com/petrijr/drip/pkg/api"
	"github.com/petrijr/drip/pkg/worker"
)

func newServeCmd(a *app) *cobra.Command {
	var campaigns string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, workers, timer poller and sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, a.cfg, a.log.Logger, campaigns)
		},
	}
	cmd.Flags().String("http-addr", ":8080", "HTTP listen address")
	cmd.Flags().Int("workers", 4, "number of task workers")
	cmd.Flags().StringVar(&campaigns, "campaigns", "", "campaign file to create on startup")
	_ = a.v.BindPFlag("http.addr", cmd.Flags().Lookup("http-addr"))
	_ = a.v.BindPFlag("engine.workers", cmd.Flags().Lookup("workers"))
	return cmd
}

// gateway routes email and sms to logging channels and rate limits them
// per channel when configured. Real providers register on the router.
func gateway(cfg *config.Config, logger *slog.Logger) api.Gateway {
	log := dispatch.NewLogChannel(logger, api.SystemClock{})
	router := dispatch.NewRouter().
		Handle("email", log).
		Handle("sms", log).
		Fallback(log)
	if cfg.Dispatch.Rate > 0 {
		return dispatch.NewRateLimited(router, cfg.Dispatch.Rate, cfg.Dispatch.Burst)
	}
	return router
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger, campaigns string) error {
	b, err := openBackends(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := b.Close(context.Background()); err != nil {
			logger.Warn("close_failed", slog.Any("error", err))
		}
	}()

	ecfg := engine.Config{
		Persistence:     b.persistence,
		Gateway:         gateway(cfg, logger),
		Timer:           b.timer,
		Queue:           b.queue,
		Observer:        api.NewLoggingObserver(logger),
		Logger:          logger,
		Allocator:       abtest.Allocator{Salt: cfg.Engine.Salt},
		LockTTL:         cfg.Engine.LockTTL,
		DispatchTimeout: cfg.Engine.DispatchTimeout,
		Retry:           cfg.Engine.Retry,
	}

	var metrics httpapi.MetricsFunc
	if cfg.Telemetry.Enabled {
		providers := telemetry.NewProviders(logger)
		providers.Install()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = providers.Shutdown(sctx)
		}()
		ecfg.Observer = api.NewCompositeObserver(ecfg.Observer, telemetry.NewObserverWithMeter(providers.Meter()))
		ecfg.Tracer = providers.Tracer()
		metrics = providers.Snapshot
	}

	eng, err := engine.New(ecfg)
	if err != nil {
		return err
	}
	pipeline, err := ingest.New(ingest.Config{Persistence: b.persistence, Sink: eng, Logger: logger})
	if err != nil {
		return err
	}

	if err := eng.Recover(ctx); err != nil {
		return err
	}
	if campaigns != "" {
		if err := createCampaigns(ctx, eng, campaigns, logger); err != nil {
			return err
		}
	}

	w := worker.NewWithConfig(eng, b.queue, worker.Config{
		RequeueDelay:    cfg.Engine.RequeueDelay,
		MaxRequeueDelay: cfg.Engine.MaxRequeueDelay,
		Logger:          logger,
	})
	srv := httpapi.NewServer(eng, pipeline, metrics, logger).Echo()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return worker.RunPool(gctx, w, cfg.Engine.Workers) })
	poller := &worker.Poller{Engine: eng, Interval: cfg.Engine.PollInterval, Logger: logger}
	sweeper := &worker.Sweeper{Schedule: cfg.Sweep.Schedule, Sweep: pipeline.Sweep, Logger: logger}
	g.Go(func() error { return poller.Run(gctx) })
	g.Go(func() error { return sweeper.Run(gctx) })
	g.Go(func() error {
		logger.Info("http_listening", slog.String("addr", cfg.HTTP.Addr))
		if err := srv.Start(cfg.HTTP.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
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

	err = g.Wait()
	logger.Info("dripd_stopped", slog.Any("error", err))
	return err
}

// createCampaigns creates every campaign of a campaign file. A campaign is
// identified by its id, or by a slug of its name when it has none, so a
// restart with the same file leaves existing campaigns alone.
func createCampaigns(ctx context.Context, eng api.Engine, path string, logger *slog.Logger) error {
	f, err := definition.LoadFile(path)
	if err != nil {
		return err
	}
	if err := f.Validate(); err != nil {
		return err
	}
	for _, spec := range f.Campaigns {
		if spec.ID == "" {
			spec.ID = slug(spec.Name)
		}
		if spec.ID == "" {
			spec.ID = slug(spec.Definition.ID)
		}
		if _, err := eng.GetCampaign(ctx, spec.ID); err == nil {
			logger.Info("campaign_exists", slog.String("campaign_id", spec.ID))
			continue
		} else if !errors.Is(err, api.ErrCampaignNotFound) {
			return err
		}

		camp, err := eng.CreateCampaign(ctx, spec)
		switch {
		case errors.Is(err, api.ErrCampaignExists):
			logger.Info("campaign_exists", slog.String("campaign_id", spec.ID))
			continue
		case camp == nil:
			return err
		case err != nil:
			// Created; the sweeper admits whoever the first sweep missed.
			logger.Warn("campaign_sweep_incomplete", slog.String("campaign_id", camp.ID), slog.Any("error", err))
		}
		logger.Info("campaign_loaded", slog.String("campaign_id", camp.ID), slog.String("name", camp.Name))
	}
	return nil
}

// slug lower-cases name and joins its letters and digits with dashes.
func slug(name string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(name) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if dash && b.Len() > 0 {
				b.WriteByte('-')
			}
			b.WriteRune(r)
			dash = false
			continue
		}
		dash = true
	}
	return b.String()
}
