// Package events archives published completion events for debugging
// and client reconciliation. Payloads are stored zstd-compressed.
package events

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"
)

var zstdEncoder, _ = zstd.NewWriter(nil)

type Archiver struct {
	pool     *pgxpool.Pool
	logger   *zap.Logger
	compress bool
}

func NewArchiver(pool *pgxpool.Pool, logger *zap.Logger, compress bool) *Archiver {
	return &Archiver{pool: pool, logger: logger, compress: compress}
}

// Archive records one completion event. Failures here never fail the
// task; the caller logs and moves on.
func (a *Archiver) Archive(ctx context.Context, routeID uuid.UUID, payload []byte) error {
	stored := payload
	compressed := false
	if a.compress {
		stored = zstdEncoder.EncodeAll(payload, nil)
		compressed = true
	}

	_, err := a.pool.Exec(ctx, `
		INSERT INTO photo_events (route_id, payload, compressed, created_at)
		VALUES ($1, $2, $3, now())`,
		routeID, stored, compressed,
	)
	if err != nil {
		return fmt.Errorf("insert photo_event: %w", err)
	}
	return nil
}
