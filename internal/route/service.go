package route

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/waytrail/routes/internal/metrics"
	"github.com/waytrail/routes/internal/queue"
)

// Store is the persistence capability set the service depends on.
type Store interface {
	Create(ctx context.Context, r *Route) error
	FindByID(ctx context.Context, id uuid.UUID) (*Route, error)
	Update(ctx context.Context, r *Route) error
	ListByUser(ctx context.Context, userID uuid.UUID) ([]*Route, error)
	SetShareToken(ctx context.Context, id uuid.UUID, token string) error
	FindByShareToken(ctx context.Context, token string) (*Route, error)
}

// TaskPublisher enqueues durable photo-processing work.
type TaskPublisher interface {
	PublishTask(ctx context.Context, task queue.Task) error
}

type Service struct {
	store     Store
	publisher TaskPublisher
	logger    *zap.Logger
}

func NewService(store Store, publisher TaskPublisher, logger *zap.Logger) *Service {
	return &Service{store: store, publisher: publisher, logger: logger}
}

type CreateInput struct {
	Name          string  `json:"name"`
	Points        []Point `json:"points"`
	CategoryIDs   []int64 `json:"category_ids,omitempty"`
	StartLocation string  `json:"start_location,omitempty"`
	EndLocation   string  `json:"end_location,omitempty"`
}

type UpdateInput struct {
	Name          *string  `json:"name,omitempty"`
	Points        []Point  `json:"points,omitempty"`
	CategoryIDs   []int64  `json:"category_ids,omitempty"`
	StartLocation *string  `json:"start_location,omitempty"`
	EndLocation   *string  `json:"end_location,omitempty"`
}

// Create persists a new route and, when any point carries an inline
// data-URL photo, enqueues exactly one processing task covering those
// indices. The route stays persisted even if the enqueue fails; that
// failure surfaces as ErrTransport so the caller can re-submit.
func (s *Service) Create(ctx context.Context, userID uuid.UUID, in CreateInput) (*Route, error) {
	if err := validateName(in.Name); err != nil {
		return nil, err
	}
	if len(in.Points) == 0 {
		return nil, &ValidationError{Field: "points", Reason: "must not be empty"}
	}
	if err := validatePoints(in.Points); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	r := &Route{
		ID:            uuid.New(),
		UserID:        userID,
		Name:          in.Name,
		Points:        normalizePoints(in.Points),
		CategoryIDs:   in.CategoryIDs,
		StartLocation: in.StartLocation,
		EndLocation:   in.EndLocation,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := s.store.Create(ctx, r); err != nil {
		return nil, fmt.Errorf("creating route: %w", err)
	}

	if err := s.enqueuePending(ctx, r); err != nil {
		return r, err
	}
	return r, nil
}

// Update applies a patch to an owned route. The same pipeline
// triggering rules as Create apply to the new points.
func (s *Service) Update(ctx context.Context, userID, routeID uuid.UUID, in UpdateInput) (*Route, error) {
	r, err := s.findOwned(ctx, userID, routeID)
	if err != nil {
		return nil, err
	}

	if in.Name != nil {
		if err := validateName(*in.Name); err != nil {
			return nil, err
		}
		r.Name = *in.Name
	}
	if in.Points != nil {
		if err := validatePoints(in.Points); err != nil {
			return nil, err
		}
		r.Points = normalizePoints(in.Points)
	}
	if in.CategoryIDs != nil {
		r.CategoryIDs = in.CategoryIDs
	}
	if in.StartLocation != nil {
		r.StartLocation = *in.StartLocation
	}
	if in.EndLocation != nil {
		r.EndLocation = *in.EndLocation
	}
	r.UpdatedAt = time.Now().UTC()

	if err := s.store.Update(ctx, r); err != nil {
		return nil, fmt.Errorf("updating route: %w", err)
	}

	if err := s.enqueuePending(ctx, r); err != nil {
		return r, err
	}
	return r, nil
}

// Get returns an owned route. Foreign ownership reads as not-found to
// avoid leaking existence.
func (s *Service) Get(ctx context.Context, userID, routeID uuid.UUID) (*Route, error) {
	return s.findOwned(ctx, userID, routeID)
}

func (s *Service) List(ctx context.Context, userID uuid.UUID) ([]*Route, error) {
	return s.store.ListByUser(ctx, userID)
}

// Share issues an opaque token enabling read-only access to the route.
func (s *Service) Share(ctx context.Context, userID, routeID uuid.UUID) (string, error) {
	if _, err := s.findOwned(ctx, userID, routeID); err != nil {
		return "", err
	}
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating share token: %w", err)
	}
	token := hex.EncodeToString(buf)
	if err := s.store.SetShareToken(ctx, routeID, token); err != nil {
		return "", fmt.Errorf("storing share token: %w", err)
	}
	return token, nil
}

func (s *Service) GetShared(ctx context.Context, token string) (*Route, error) {
	return s.store.FindByShareToken(ctx, token)
}

func (s *Service) findOwned(ctx context.Context, userID, routeID uuid.UUID) (*Route, error) {
	r, err := s.store.FindByID(ctx, routeID)
	if err != nil {
		return nil, err
	}
	if r.UserID != userID {
		return nil, ErrNotFound
	}
	return r, nil
}

func (s *Service) enqueuePending(ctx context.Context, r *Route) error {
	indices := PendingIndices(r.Points)
	if len(indices) == 0 {
		return nil
	}

	task := queue.Task{RouteID: r.ID, UserID: r.UserID, PointIndices: indices}
	if err := s.publisher.PublishTask(ctx, task); err != nil {
		s.logger.Error("failed to publish photo task",
			zap.String("route_id", r.ID.String()),
			zap.Ints("point_indices", indices),
			zap.Error(err),
		)
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	metrics.TasksPublishedTotal.Inc()

	s.logger.Info("photo task published",
		zap.String("route_id", r.ID.String()),
		zap.Ints("point_indices", indices),
	)
	return nil
}

// normalizePoints forces inline photos back to pending so a client
// cannot submit a data-URL already marked done.
func normalizePoints(points []Point) []Point {
	out := make([]Point, len(points))
	copy(out, points)
	for i := range out {
		if out[i].Photo == nil {
			continue
		}
		if IsDataURL(out[i].Photo.Original) {
			p := *out[i].Photo
			p.Status = StatusPending
			p.ThumbnailURL = nil
			out[i].Photo = &p
		}
	}
	return out
}
