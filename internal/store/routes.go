// Package store binds the route repository capabilities to Postgres.
// The points column holds the full point array as JSON, embedded
// photos included, so ordering survives without a join.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/waytrail/routes/internal/metrics"
	"github.com/waytrail/routes/internal/route"
)

type Routes struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

func NewRoutes(pool *pgxpool.Pool, logger *zap.Logger) *Routes {
	return &Routes{pool: pool, logger: logger}
}

func (s *Routes) Create(ctx context.Context, r *route.Route) error {
	points, err := json.Marshal(r.Points)
	if err != nil {
		return fmt.Errorf("marshal points: %w", err)
	}

	start := time.Now()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO routes (id, user_id, name, points, category_ids, start_location, end_location, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		r.ID, r.UserID, r.Name, points, r.CategoryIDs,
		nilIfEmpty(r.StartLocation), nilIfEmpty(r.EndLocation),
		r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert route: %w", err)
	}
	metrics.DBWriteDuration.WithLabelValues("insert").Observe(time.Since(start).Seconds())
	return nil
}

func (s *Routes) FindByID(ctx context.Context, id uuid.UUID) (*route.Route, error) {
	return s.findOne(ctx, `
		SELECT id, user_id, name, points, category_ids, start_location, end_location, share_token, created_at, updated_at
		FROM routes WHERE id = $1`, id)
}

func (s *Routes) FindByShareToken(ctx context.Context, token string) (*route.Route, error) {
	return s.findOne(ctx, `
		SELECT id, user_id, name, points, category_ids, start_location, end_location, share_token, created_at, updated_at
		FROM routes WHERE share_token = $1`, token)
}

func (s *Routes) findOne(ctx context.Context, query string, arg any) (*route.Route, error) {
	row := s.pool.QueryRow(ctx, query, arg)
	r, err := scanRoute(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, route.ErrNotFound
		}
		return nil, fmt.Errorf("query route: %w", err)
	}
	return r, nil
}

func (s *Routes) Update(ctx context.Context, r *route.Route) error {
	points, err := json.Marshal(r.Points)
	if err != nil {
		return fmt.Errorf("marshal points: %w", err)
	}

	start := time.Now()
	tag, err := s.pool.Exec(ctx, `
		UPDATE routes
		SET name = $2, points = $3, category_ids = $4, start_location = $5, end_location = $6, updated_at = $7
		WHERE id = $1`,
		r.ID, r.Name, points, r.CategoryIDs,
		nilIfEmpty(r.StartLocation), nilIfEmpty(r.EndLocation),
		r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update route: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return route.ErrNotFound
	}
	metrics.DBWriteDuration.WithLabelValues("update").Observe(time.Since(start).Seconds())
	return nil
}

// UpdatePoints blind-writes the full points array and refreshes
// updated_at. Last-writer-wins at the row level; the worker relies on
// this being idempotent on retry.
func (s *Routes) UpdatePoints(ctx context.Context, id uuid.UUID, points []route.Point) error {
	data, err := json.Marshal(points)
	if err != nil {
		return fmt.Errorf("marshal points: %w", err)
	}

	start := time.Now()
	tag, err := s.pool.Exec(ctx,
		`UPDATE routes SET points = $2, updated_at = now() WHERE id = $1`,
		id, data,
	)
	if err != nil {
		return fmt.Errorf("update points: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return route.ErrNotFound
	}
	metrics.DBWriteDuration.WithLabelValues("update_points").Observe(time.Since(start).Seconds())
	return nil
}

func (s *Routes) ListByUser(ctx context.Context, userID uuid.UUID) ([]*route.Route, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, name, points, category_ids, start_location, end_location, share_token, created_at, updated_at
		FROM routes WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list routes: %w", err)
	}
	defer rows.Close()

	var out []*route.Route
	for rows.Next() {
		r, err := scanRoute(rows)
		if err != nil {
			return nil, fmt.Errorf("scan route: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating routes: %w", err)
	}
	return out, nil
}

func (s *Routes) SetShareToken(ctx context.Context, id uuid.UUID, token string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE routes SET share_token = $2, updated_at = now() WHERE id = $1`,
		id, token,
	)
	if err != nil {
		return fmt.Errorf("set share token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return route.ErrNotFound
	}
	return nil
}

// FindStalePending returns routes whose embedded photos still report
// pending older than the cutoff. Used by the sweeper to re-enqueue
// work lost to a failed publish.
func (s *Routes) FindStalePending(ctx context.Context, olderThan time.Time) ([]*route.Route, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, name, points, category_ids, start_location, end_location, share_token, created_at, updated_at
		FROM routes
		WHERE updated_at < $1
		  AND jsonb_path_exists(points, '$[*].photo.status ? (@ == "pending")')`,
		olderThan,
	)
	if err != nil {
		return nil, fmt.Errorf("query stale pending routes: %w", err)
	}
	defer rows.Close()

	var out []*route.Route
	for rows.Next() {
		r, err := scanRoute(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stale route: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating stale routes: %w", err)
	}
	return out, nil
}

func scanRoute(row pgx.Row) (*route.Route, error) {
	var (
		r             route.Route
		points        []byte
		startLocation *string
		endLocation   *string
	)
	err := row.Scan(&r.ID, &r.UserID, &r.Name, &points, &r.CategoryIDs,
		&startLocation, &endLocation, &r.ShareToken, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	// Legacy rows may carry bare-string photos; Photo.UnmarshalJSON
	// upgrades them to pending records.
	if err := json.Unmarshal(points, &r.Points); err != nil {
		return nil, fmt.Errorf("unmarshal points: %w", err)
	}
	if startLocation != nil {
		r.StartLocation = *startLocation
	}
	if endLocation != nil {
		r.EndLocation = *endLocation
	}
	return &r, nil
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
