package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	cronlib "github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/petrijr/drip/pkg/api"
)

// RunPool runs concurrency loops of w.ProcessOne until ctx is cancelled.
// Handler errors are logged and do not stop the loop.
func RunPool(ctx context.Context, w *Worker, concurrency int) error {
	if concurrency <= 0 {
		concurrency = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	for i := range concurrency {
		g.Go(func() error {
			for {
				processed, err := w.ProcessOne(gctx)
				if err == nil {
					continue
				}
				if !processed {
					if gctx.Err() != nil {
						return nil
					}
					// Dequeue failures are usually transient backend errors.
					w.cfg.Logger.Warn("dequeue_failed", slog.Int("worker", i), slog.Any("error", err))
					if !sleep(gctx, w.cfg.RequeueDelay) {
						return nil
					}
					continue
				}
				w.cfg.Logger.Error("task_failed", slog.Int("worker", i), slog.Any("error", err))
			}
		})
	}
	return g.Wait()
}

// Poller starts scheduled campaigns and fires due timers at a fixed
// interval.
type Poller struct {
	Engine   api.Engine
	Clock    api.Clock
	Interval time.Duration
	Logger   *slog.Logger
}

// Run polls until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	clock := p.Clock
	if clock == nil {
		clock = api.SystemClock{}
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := p.Interval
	if interval <= 0 {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		now := clock.Now()
		if started, err := p.Engine.StartDueCampaigns(ctx, now); err != nil && ctx.Err() == nil {
			logger.Warn("campaign_start_failed", slog.Int("started", started), slog.Any("error", err))
		}
		fired, err := p.Engine.FireDueTimers(ctx, now)
		switch {
		case err != nil && ctx.Err() == nil:
			logger.Warn("timer_poll_failed", slog.Int("fired", fired), slog.Any("error", err))
		case fired > 0:
			logger.Debug("timers_fired", slog.Int("fired", fired))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// SweepFunc re-evaluates every customer against every running campaign as
// of asOf and returns how many triggers it proposed.
type SweepFunc func(ctx context.Context, asOf time.Time) (int, error)

// cronParser accepts 5-field expressions and descriptors like "@every 15m".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseSchedule validates a sweep schedule.
func ParseSchedule(expr string) (cronlib.Schedule, error) {
	return cronParser.Parse(expr)
}

// Sweeper runs periodic population sweeps, which admit customers whose
// membership changed only through the passage of time.
type Sweeper struct {
	Schedule string
	Sweep    SweepFunc
	Clock    api.Clock
	Logger   *slog.Logger
}

// Run schedules the sweep and blocks until ctx is cancelled. An empty
// schedule disables sweeping. Overlapping runs are skipped.
func (s *Sweeper) Run(ctx context.Context) error {
	if s.Schedule == "" {
		<-ctx.Done()
		return nil
	}
	if s.Sweep == nil {
		return errors.New("sweeper: no sweep function")
	}
	clock := s.Clock
	if clock == nil {
		clock = api.SystemClock{}
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	sched, err := ParseSchedule(s.Schedule)
	if err != nil {
		return err
	}
	c := cronlib.New(cronlib.WithChain(cronlib.SkipIfStillRunning(cronlib.DiscardLogger)))
	c.Schedule(sched, cronlib.FuncJob(func() {
		n, err := s.Sweep(ctx, clock.Now())
		if err != nil && ctx.Err() == nil {
			logger.Warn("sweep_failed", slog.Int("proposed", n), slog.Any("error", err))
		}
	}))
	c.Start()
	logger.Info("sweeper_started", slog.String("schedule", s.Schedule))

	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
