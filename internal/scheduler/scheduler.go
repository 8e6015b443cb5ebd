// Package scheduler runs the single-flight release-leasing loop: poll for
// a staged release, resolve its destination and driver, prepare then
// release, and commit the terminal status through the lease. A ticker
// naturally gives a skip-if-behind poll loop since there is exactly one
// job to run per process.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/forest-release/forest/internal/destination"
	"github.com/forest-release/forest/internal/driver"
	"github.com/forest-release/forest/internal/release"
	"github.com/forest-release/forest/internal/releaselog"
)

// EventPublisher is notified of status transitions and log lines as they
// happen, so the Release RPC surface's WaitRelease can broadcast them
// in-process. A nil EventPublisher is a valid no-op.
type EventPublisher interface {
	PublishStatus(intentID int64, destination string, status release.Status)
	PublishLog(intentID int64, destination string, channel releaselog.Channel, line string)
}

// Scheduler runs the polling loop.
type Scheduler struct {
	releases     *release.Registry
	destinations *destination.Registry
	drivers      *driver.Registry
	logs         *releaselog.Registry
	events       EventPublisher
	logger       *slog.Logger
	pollInterval time.Duration
}

// New builds a Scheduler. events may be nil.
func New(
	releases *release.Registry,
	destinations *destination.Registry,
	drivers *driver.Registry,
	logs *releaselog.Registry,
	events EventPublisher,
	logger *slog.Logger,
	pollInterval time.Duration,
) *Scheduler {
	return &Scheduler{
		releases:     releases,
		destinations: destinations,
		drivers:      drivers,
		logs:         logs,
		events:       events,
		logger:       logger,
		pollInterval: pollInterval,
	}
}

// Run drives the skip-if-behind poll loop until ctx is cancelled. A
// time.Ticker naturally implements "skip if behind": it buffers at most one
// pending tick while the previous iteration is still running, and drops any
// further ticks rather than queueing them.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.tick(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	item, lease, err := s.releases.GetStagedRelease(ctx)
	if err != nil {
		s.logger.Error("polling for staged release", "error", err)
		return
	}
	if item == nil {
		return
	}
	defer lease.Rollback()

	attempt := uuid.Must(uuid.NewV7())
	logger := s.logger.With("release_id", item.ID, "destination", item.DestinationName, "attempt", attempt)

	dest, err := s.destinations.Get(ctx, item.DestinationID)
	if err != nil {
		logger.Error("resolving destination", "error", err)
		s.finish(ctx, lease, item, attempt, release.StatusFailure)
		return
	}

	d, err := s.drivers.Lookup(driver.Type{
		Organisation: dest.DriverType.Organisation,
		Name:         dest.DriverType.Name,
		Version:      dest.DriverType.Version,
	})
	if err != nil {
		logger.Error("resolving driver", "error", err)
		if s.events != nil {
			s.events.PublishLog(item.ReleaseIntentID, item.DestinationName, releaselog.ChannelStderr, err.Error())
		}
		s.finish(ctx, lease, item, attempt, release.StatusFailure)
		return
	}

	// The lease's row lock already makes this release invisible to other
	// scheduler replicas, so RUNNING is never written to the releases table
	// itself (the lease commits exactly one terminal status). Subscribers
	// watching WaitRelease still see the transition via this event.
	if s.events != nil {
		s.events.PublishStatus(item.ReleaseIntentID, item.DestinationName, release.StatusRunning)
	}

	pipeline := releaselog.NewPipeline(s.logs, attempt, item.ID, item.DestinationID, s.logger, func(l releaselog.Line) {
		if s.events != nil {
			s.events.PublishLog(item.ReleaseIntentID, item.DestinationName, l.Channel, l.Line)
		}
	})
	pipeline.Run(ctx)

	inv := driver.Invocation{
		Attempt:     attempt.String(),
		Release:     *item,
		Destination: *dest,
		ArtifactID:  item.ArtifactID.String(),
		Environment: dest.Environment,
		Log:         pipeline,
	}

	runErr := d.Prepare(ctx, inv)
	if runErr == nil {
		runErr = d.Release(ctx, inv)
	}
	pipeline.Close()

	if runErr != nil {
		logger.Error("release attempt failed", "error", runErr)
		s.finish(ctx, lease, item, attempt, release.StatusFailure)
		return
	}

	logger.Info("release attempt succeeded")
	s.finish(ctx, lease, item, attempt, release.StatusSuccess)
}

func (s *Scheduler) finish(ctx context.Context, lease *release.Lease, item *release.ReleaseView, attempt uuid.UUID, status release.Status) {
	if err := lease.Commit(ctx, status); err != nil {
		s.logger.Error("committing release status", "error", err, "attempt", attempt)
		return
	}
	if s.events != nil {
		s.events.PublishStatus(item.ReleaseIntentID, item.DestinationName, status)
	}
}
