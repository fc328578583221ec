package queue

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const (
	// StreamName is the durable work stream for photo processing.
	StreamName = "PHOTOS"
	// TaskSubject carries PhotoProcessTask payloads on the stream.
	TaskSubject = "photos.process"
	// DurableConsumer is the named pull consumer shared by worker instances.
	DurableConsumer = "photo-worker"

	// completionPrefix heads the non-durable per-route completion subjects.
	completionPrefix = "photos.completed."
	// CompletionWildcard matches completion events for all routes.
	CompletionWildcard = completionPrefix + "*"
)

// Task directs the worker to process a set of points on one route.
type Task struct {
	RouteID      uuid.UUID `json:"route_id"`
	UserID       uuid.UUID `json:"user_id"`
	PointIndices []int     `json:"point_indices"`
}

// CompletionSubject returns the per-route completion subject.
func CompletionSubject(routeID uuid.UUID) string {
	return completionPrefix + routeID.String()
}

// RouteIDFromSubject extracts the route id from a completion subject.
func RouteIDFromSubject(subject string) (uuid.UUID, error) {
	rest, ok := strings.CutPrefix(subject, completionPrefix)
	if !ok {
		return uuid.Nil, fmt.Errorf("subject %q is not a completion subject", subject)
	}
	id, err := uuid.Parse(rest)
	if err != nil {
		return uuid.Nil, fmt.Errorf("parsing route id from subject %q: %w", subject, err)
	}
	return id, nil
}
