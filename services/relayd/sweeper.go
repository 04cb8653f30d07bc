package relayd

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"packline/pkg/db"
)

// ObjectDeleter removes a stored bundle from the object store.
type ObjectDeleter interface {
	DeleteObject(ctx context.Context, bucket, key string) error
}

// Sweeper removes expired artifact rows and their backing objects on a
// fixed interval.
type Sweeper struct {
	pool     *pgxpool.Pool
	objects  ObjectDeleter
	interval time.Duration
	logger   zerolog.Logger
}

// NewSweeper builds a sweeper. A non-positive interval defaults to one hour.
func NewSweeper(pool *pgxpool.Pool, objects ObjectDeleter, interval time.Duration, logger zerolog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Sweeper{pool: pool, objects: objects, interval: interval, logger: logger}
}

// Run sweeps on each tick until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.SweepOnce(ctx); err != nil {
				s.logger.Error().Err(err).Msg("retention sweep failed")
			}
		}
	}
}

type expiredRow struct {
	ID     uuid.UUID `db:"id"`
	Label  string    `db:"label"`
	Bucket string    `db:"bucket"`
	Key    string    `db:"key"`
}

// SweepOnce deletes every artifact whose retention window has passed. The
// object store delete happens first so a failure leaves the row behind for
// the next sweep.
func (s *Sweeper) SweepOnce(ctx context.Context) error {
	var expired []expiredRow
	err := db.Select(ctx, s.pool, &expired,
		`SELECT id, label, bucket, key FROM relay_artifacts WHERE expires_at < now()`)
	if err != nil {
		return err
	}

	for _, a := range expired {
		if s.objects != nil {
			if err := s.objects.DeleteObject(ctx, a.Bucket, a.Key); err != nil {
				s.logger.Warn().Err(err).Str("label", a.Label).Str("key", a.Key).Msg("bundle delete failed, keeping row")
				continue
			}
		}
		if _, err := db.Exec(ctx, s.pool, `DELETE FROM relay_artifacts WHERE id = $1`, a.ID); err != nil {
			s.logger.Warn().Err(err).Str("label", a.Label).Msg("row delete failed")
			continue
		}
		artifactsSwept.Inc()
		s.logger.Info().Str("label", a.Label).Str("key", a.Key).Msg("expired artifact swept")
	}
	return nil
}
