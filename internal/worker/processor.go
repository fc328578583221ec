// Package worker consumes PhotoProcessTask messages: it decodes
// inline data-URL photos, transcodes and uploads them, rewrites the
// route's embedded photo state and fires a completion event.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/waytrail/routes/internal/imaging"
	"github.com/waytrail/routes/internal/metrics"
	"github.com/waytrail/routes/internal/queue"
	"github.com/waytrail/routes/internal/route"
)

// RouteStore is the slice of persistence the worker needs.
type RouteStore interface {
	FindByID(ctx context.Context, id uuid.UUID) (*route.Route, error)
	UpdatePoints(ctx context.Context, id uuid.UUID, points []route.Point) error
}

// Uploader puts objects into the photo bucket.
type Uploader interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
}

// CompletionPublisher fires the non-durable per-route completion event.
type CompletionPublisher interface {
	PublishCompletion(routeID uuid.UUID, payload []byte) error
}

// EventArchiver keeps a copy of published events. Optional.
type EventArchiver interface {
	Archive(ctx context.Context, routeID uuid.UUID, payload []byte) error
}

type Config struct {
	PhotoMaxWidth  int
	PhotoQuality   int
	ThumbnailWidth int
	PhotoBaseURL   string
}

// CompletionEvent is the payload published on photos.completed.<routeId>.
type CompletionEvent struct {
	Type    string        `json:"type"`
	RouteID uuid.UUID     `json:"route_id"`
	Points  []route.Point `json:"points"`
}

type Processor struct {
	store     RouteStore
	uploader  Uploader
	publisher CompletionPublisher
	archiver  EventArchiver
	cfg       Config
	logger    *zap.Logger
}

func NewProcessor(store RouteStore, uploader Uploader, publisher CompletionPublisher, archiver EventArchiver, cfg Config, logger *zap.Logger) *Processor {
	return &Processor{
		store:     store,
		uploader:  uploader,
		publisher: publisher,
		archiver:  archiver,
		cfg:       cfg,
		logger:    logger,
	}
}

// Fetcher pulls the next task message.
type Fetcher interface {
	Fetch(ctx context.Context) (*queue.TaskMsg, error)
}

// Run consumes tasks one at a time until the context is cancelled.
// Anything unacked is redelivered by the transport after its ack
// deadline, up to the delivery cap.
func (p *Processor) Run(ctx context.Context, fetcher Fetcher) {
	for {
		if ctx.Err() != nil {
			return
		}
		msg, err := fetcher.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Error("fetch failed", zap.Error(err))
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}
		if msg == nil {
			continue
		}

		if p.Handle(ctx, msg.Data()) {
			if err := msg.Ack(); err != nil {
				p.logger.Error("ack failed", zap.Error(err))
			}
		}
	}
}

// Handle processes one raw task payload and reports whether it should
// be acknowledged. Malformed payloads and task-level failures are left
// unacked for redelivery.
func (p *Processor) Handle(ctx context.Context, data []byte) bool {
	var task queue.Task
	if err := json.Unmarshal(data, &task); err != nil {
		metrics.TasksConsumedTotal.WithLabelValues("malformed").Inc()
		p.logger.Error("malformed task payload", zap.Error(err))
		return false
	}

	if err := p.Process(ctx, task); err != nil {
		metrics.TasksConsumedTotal.WithLabelValues("error").Inc()
		p.logger.Error("task processing failed",
			zap.String("route_id", task.RouteID.String()),
			zap.Error(err),
		)
		return false
	}
	return true
}

// Process runs one task to completion. Per-index failures are
// recorded on the photo and never abort the remaining indices; only
// failures that must trigger redelivery return an error.
func (p *Processor) Process(ctx context.Context, task queue.Task) error {
	log := p.logger.With(zap.String("route_id", task.RouteID.String()))

	r, err := p.store.FindByID(ctx, task.RouteID)
	if err != nil {
		if errors.Is(err, route.ErrNotFound) {
			// The task references a deleted route; nothing to do.
			metrics.TasksConsumedTotal.WithLabelValues("route_deleted").Inc()
			log.Info("route gone, dropping task")
			return nil
		}
		return fmt.Errorf("loading route: %w", err)
	}

	changed := 0
	for _, idx := range task.PointIndices {
		if idx < 0 || idx >= len(r.Points) {
			log.Warn("point index out of range",
				zap.Int("index", idx),
				zap.Int("points", len(r.Points)),
			)
			continue
		}
		pt := &r.Points[idx]
		if pt.Photo == nil || !route.IsDataURL(pt.Photo.Original) {
			// Already processed (duplicate delivery) or replaced by a
			// client edit; both are skips.
			metrics.PhotosProcessedTotal.WithLabelValues("skipped").Inc()
			continue
		}

		p.processPhoto(ctx, task, idx, pt.Photo, log)
		changed++
	}

	if changed == 0 {
		metrics.TasksConsumedTotal.WithLabelValues("noop").Inc()
		return nil
	}

	if err := p.store.UpdatePoints(ctx, task.RouteID, r.Points); err != nil {
		return fmt.Errorf("writing points: %w", err)
	}

	p.publish(ctx, task.RouteID, r.Points, log)

	metrics.TasksConsumedTotal.WithLabelValues("ok").Inc()
	return nil
}

// processPhoto transcodes and uploads one photo, mutating it to its
// terminal state. Every failure path ends in StatusFailed; no state
// returns to pending once terminal.
func (p *Processor) processPhoto(ctx context.Context, task queue.Task, idx int, photo *route.Photo, log *zap.Logger) {
	start := time.Now()
	defer func() {
		metrics.PhotoProcessDuration.Observe(time.Since(start).Seconds())
	}()

	fail := func(stage string, err error) {
		photo.Status = route.StatusFailed
		photo.ThumbnailURL = nil
		metrics.PhotosProcessedTotal.WithLabelValues("failed").Inc()
		log.Warn("photo processing failed",
			zap.Int("index", idx),
			zap.String("stage", stage),
			zap.Error(err),
		)
	}

	raw, err := imaging.DecodeDataURL(photo.Original)
	if err != nil {
		fail("decode", err)
		return
	}

	full, err := imaging.Compress(raw, p.cfg.PhotoMaxWidth, p.cfg.PhotoQuality)
	if err != nil {
		fail("compress", err)
		return
	}

	thumb, err := imaging.Thumbnail(raw, p.cfg.ThumbnailWidth, p.cfg.PhotoQuality)
	if err != nil {
		fail("thumbnail", err)
		return
	}

	photoKey := fmt.Sprintf("%s/%s/photo_%d.jpg", task.UserID, task.RouteID, idx)
	thumbKey := fmt.Sprintf("%s/%s/thumb_%d.jpg", task.UserID, task.RouteID, idx)

	if err := p.uploader.Put(ctx, photoKey, full, "image/jpeg"); err != nil {
		fail("upload", err)
		return
	}
	fullURL := p.cfg.PhotoBaseURL + "/" + photoKey

	if err := p.uploader.Put(ctx, thumbKey, thumb, "image/jpeg"); err != nil {
		// The full image made it up; keep its resolved URL so the
		// client is not left holding a dead data-URL.
		photo.Original = fullURL
		fail("upload_thumb", err)
		return
	}
	thumbURL := p.cfg.PhotoBaseURL + "/" + thumbKey

	photo.Original = fullURL
	photo.ThumbnailURL = &thumbURL
	photo.Status = route.StatusDone
	metrics.PhotosProcessedTotal.WithLabelValues("done").Inc()
}

// publish fires the completion event and archives it. Both are
// fire-and-forget: failures are logged and swallowed.
func (p *Processor) publish(ctx context.Context, routeID uuid.UUID, points []route.Point, log *zap.Logger) {
	event := CompletionEvent{Type: "photo_update", RouteID: routeID, Points: points}
	payload, err := json.Marshal(event)
	if err != nil {
		log.Error("marshal completion event", zap.Error(err))
		return
	}

	if err := p.publisher.PublishCompletion(routeID, payload); err != nil {
		log.Warn("publish completion event failed", zap.Error(err))
	} else {
		metrics.CompletionEventsTotal.WithLabelValues("published").Inc()
	}

	if p.archiver != nil {
		if err := p.archiver.Archive(ctx, routeID, payload); err != nil {
			log.Warn("archive completion event failed", zap.Error(err))
		}
	}
}
