package bundler

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/AvaProtocol/ap-bundler/core/bundle"
)

const uptimeInterval = 10 * time.Second

func (b *Bundler) startAutoBundler(ctx context.Context) error {
	s, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return fmt.Errorf("failed to initialize scheduler: %w", err)
	}

	job, err := s.NewJob(
		gocron.DurationJob(b.config.AutoBundleInterval),
		gocron.NewTask(func() { b.autoBundle(ctx) }),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithName("auto-bundle"),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule auto bundling: %w", err)
	}

	_, err = s.NewJob(
		gocron.DurationJob(uptimeInterval),
		gocron.NewTask(b.recordUptime),
	)
	if err != nil {
		b.logger.Error("Failed to create uptime job", "error", err)
	}

	s.Start()
	b.scheduler = s
	b.autoBundleJob = job
	return nil
}

func (b *Bundler) stopAutoBundler() {
	if b.scheduler == nil {
		return
	}
	if err := b.scheduler.Shutdown(); err != nil {
		b.logger.Warn("failed to stop auto bundler", "err", err)
	}
}

// triggerAutoBundle runs the auto-bundle job now instead of waiting for the
// next tick. Singleton mode drops the run when one is already in flight.
func (b *Bundler) triggerAutoBundle() {
	if b.autoBundleJob == nil {
		return
	}
	if err := b.autoBundleJob.RunNow(); err != nil {
		b.logger.Warn("cannot trigger auto bundle", "err", err)
	}
}

func (b *Bundler) autoBundle(ctx context.Context) {
	if b.pool.Size() == 0 {
		return
	}
	if _, err := b.SendNextBundle(ctx, b.pool.IsOverloaded()); err != nil {
		b.logger.Error("auto bundle failed", "err", err)
	}
}

// SendNextBundle sends one bundle and starts tracking its inclusion.
func (b *Bundler) SendNextBundle(ctx context.Context, drainAll bool) (*bundle.SubmissionResult, error) {
	res, err := b.submitter.SendNextBundle(ctx, drainAll)
	if err != nil {
		return nil, err
	}
	if !res.Empty() {
		b.inclusion.Track(res)
	}
	return res, nil
}

func (b *Bundler) recordUptime() {
	b.metrics.AddUptime(float64(uptimeInterval.Milliseconds()))
}
