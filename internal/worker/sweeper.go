package worker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/waytrail/routes/internal/metrics"
	"github.com/waytrail/routes/internal/queue"
	"github.com/waytrail/routes/internal/route"
)

// StaleFinder locates routes still carrying pending photos past the
// cutoff, typically because the enqueue failed after the row was
// written.
type StaleFinder interface {
	FindStalePending(ctx context.Context, olderThan time.Time) ([]*route.Route, error)
}

// TaskPublisher re-enqueues processing tasks.
type TaskPublisher interface {
	PublishTask(ctx context.Context, task queue.Task) error
}

// Sweeper re-enqueues one task per stale route. Run on demand by an
// operator, not as a background loop.
type Sweeper struct {
	finder    StaleFinder
	publisher TaskPublisher
	logger    *zap.Logger
}

func NewSweeper(finder StaleFinder, publisher TaskPublisher, logger *zap.Logger) *Sweeper {
	return &Sweeper{finder: finder, publisher: publisher, logger: logger}
}

// Sweep finds routes with pending photos older than maxAge and
// publishes a fresh task for each. Returns the number of tasks
// enqueued. Publish failures are logged and skipped so one bad route
// cannot stall the rest.
func (s *Sweeper) Sweep(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge)
	routes, err := s.finder.FindStalePending(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("finding stale routes: %w", err)
	}

	enqueued := 0
	for _, r := range routes {
		indices := route.PendingIndices(r.Points)
		if len(indices) == 0 {
			continue
		}
		task := queue.Task{RouteID: r.ID, UserID: r.UserID, PointIndices: indices}
		if err := s.publisher.PublishTask(ctx, task); err != nil {
			s.logger.Error("requeue failed",
				zap.String("route_id", r.ID.String()),
				zap.Error(err),
			)
			continue
		}
		metrics.SweepRequeuedTotal.Inc()
		s.logger.Info("requeued stale route",
			zap.String("route_id", r.ID.String()),
			zap.Ints("point_indices", indices),
		)
		enqueued++
	}
	return enqueued, nil
}
