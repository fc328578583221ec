// Package route holds the route aggregate: an ordered sequence of
// geolocated points with embedded per-point photo state.
package route

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("route not found")

// ErrTransport marks failures to schedule photo processing after the
// route row was already persisted. Callers may retry by re-submitting.
var ErrTransport = errors.New("transport unavailable")

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// PhotoStatus is the lifecycle state of one embedded photo.
type PhotoStatus string

const (
	StatusPending    PhotoStatus = "pending"
	StatusProcessing PhotoStatus = "processing"
	StatusDone       PhotoStatus = "done"
	StatusFailed     PhotoStatus = "failed"
)

// Photo is the per-point photo record. Original is either an inline
// data-URL awaiting processing or a resolved object URL.
type Photo struct {
	Original     string      `json:"original"`
	ThumbnailURL *string     `json:"thumbnail_url"`
	Status       PhotoStatus `json:"status"`
}

// photoAlias breaks UnmarshalJSON recursion.
type photoAlias Photo

// UnmarshalJSON accepts the current object shape and, for backward
// compatibility, a bare string which is interpreted as an unprocessed
// original.
func (p *Photo) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*p = Photo{Original: s, Status: StatusPending}
		return nil
	}
	var a photoAlias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*p = Photo(a)
	return nil
}

type SegmentMode string

const (
	SegmentAuto   SegmentMode = "auto"
	SegmentManual SegmentMode = "manual"
)

// Point is one coordinate on a route. SegmentMode describes the
// segment leading to this point.
type Point struct {
	Lat         float64     `json:"lat"`
	Lng         float64     `json:"lng"`
	Name        string      `json:"name,omitempty"`
	SegmentMode SegmentMode `json:"segment_mode,omitempty"`
	Photo       *Photo      `json:"photo,omitempty"`
}

type Route struct {
	ID            uuid.UUID `json:"id"`
	UserID        uuid.UUID `json:"user_id"`
	Name          string    `json:"name"`
	Points        []Point   `json:"points"`
	CategoryIDs   []int64   `json:"category_ids,omitempty"`
	StartLocation string    `json:"start_location,omitempty"`
	EndLocation   string    `json:"end_location,omitempty"`
	ShareToken    *string   `json:"share_token,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// IsDataURL reports whether a photo original is an inline image that
// still needs processing. The prefix is authoritative: a remote URL
// that literally begins with "data:" is treated as inline and will
// fail decode in the worker.
func IsDataURL(original string) bool {
	return strings.HasPrefix(original, "data:")
}

// PendingIndices returns the indices of points whose photo carries an
// inline data-URL, in point order.
func PendingIndices(points []Point) []int {
	var idx []int
	for i, pt := range points {
		if pt.Photo != nil && IsDataURL(pt.Photo.Original) {
			idx = append(idx, i)
		}
	}
	return idx
}

const maxNameLen = 200

func validateName(name string) error {
	if name == "" {
		return &ValidationError{Field: "name", Reason: "must not be empty"}
	}
	if len(name) > maxNameLen {
		return &ValidationError{Field: "name", Reason: fmt.Sprintf("must be at most %d characters", maxNameLen)}
	}
	return nil
}

// validatePoints checks each embedded photo: inline originals must be
// well-formed data-URLs (base64 marker and payload separator); anything
// else is assumed to be an already-resolved URL.
func validatePoints(points []Point) error {
	for i, pt := range points {
		if pt.Photo == nil {
			continue
		}
		if !IsDataURL(pt.Photo.Original) {
			continue
		}
		header, _, ok := strings.Cut(pt.Photo.Original, ",")
		if !ok {
			return &ValidationError{
				Field:  fmt.Sprintf("points[%d].photo", i),
				Reason: "data-URL has no payload separator",
			}
		}
		if !strings.Contains(header, "base64") {
			return &ValidationError{
				Field:  fmt.Sprintf("points[%d].photo", i),
				Reason: "data-URL is not base64-encoded",
			}
		}
	}
	return nil
}
