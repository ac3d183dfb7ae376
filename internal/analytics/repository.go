package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/aura-live/backend/internal/models"
	"github.com/aura-live/backend/pkg/database"
)

const analyticsColumns = `stream_id, unique_viewers, total_views, completed_sessions, average_view_time, peak_viewers, geographic_data, device_stats, created_at, updated_at`

// Repository handles stream_analytics persistence. Bind it to a pgx.Tx to take part in a presence transaction.
type Repository struct {
	db database.DBTX
}

// NewRepository creates a stream analytics repository.
func NewRepository(db database.DBTX) *Repository {
	return &Repository{db: db}
}

func scanAnalytics(row pgx.Row) (*models.StreamAnalytics, error) {
	var a models.StreamAnalytics
	var geo, devices []byte
	err := row.Scan(&a.StreamID, &a.UniqueViewers, &a.TotalViews, &a.CompletedSessions, &a.AverageViewTime, &a.PeakViewers, &geo, &devices, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if err := decodeTally(geo, &a.GeographicData); err != nil {
		return nil, fmt.Errorf("decode geographic_data: %w", err)
	}
	if err := decodeTally(devices, &a.DeviceStats); err != nil {
		return nil, fmt.Errorf("decode device_stats: %w", err)
	}
	return &a, nil
}

func decodeTally(raw []byte, dst *map[string]int64) error {
	*dst = map[string]int64{}
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

// Get returns the analytics row for a stream, or nil if none exists yet.
func (r *Repository) Get(ctx context.Context, streamID string) (*models.StreamAnalytics, error) {
	return scanAnalytics(r.db.QueryRow(ctx, `SELECT `+analyticsColumns+` FROM stream_analytics WHERE stream_id = $1`, streamID))
}

// GetForUpdate is Get with a row lock held until the transaction ends.
func (r *Repository) GetForUpdate(ctx context.Context, streamID string) (*models.StreamAnalytics, error) {
	return scanAnalytics(r.db.QueryRow(ctx, `SELECT `+analyticsColumns+` FROM stream_analytics WHERE stream_id = $1 FOR UPDATE`, streamID))
}

// UpsertJoin creates the row on first join or bumps the view counters and tallies.
func (r *Repository) UpsertJoin(ctx context.Context, streamID, country, device string) (*models.StreamAnalytics, error) {
	const q = `INSERT INTO stream_analytics (stream_id, unique_viewers, total_views, geographic_data, device_stats)
		VALUES ($1, 1, 1, jsonb_build_object($2::text, 1), jsonb_build_object($3::text, 1))
		ON CONFLICT (stream_id) DO UPDATE SET
			unique_viewers = stream_analytics.unique_viewers + 1,
			total_views = stream_analytics.total_views + 1,
			geographic_data = stream_analytics.geographic_data ||
				jsonb_build_object($2::text, COALESCE((stream_analytics.geographic_data ->> $2::text)::bigint, 0) + 1),
			device_stats = stream_analytics.device_stats ||
				jsonb_build_object($3::text, COALESCE((stream_analytics.device_stats ->> $3::text)::bigint, 0) + 1),
			updated_at = NOW()
		RETURNING ` + analyticsColumns
	return scanAnalytics(r.db.QueryRow(ctx, q, streamID, country, device))
}

// SetAverage stores a recomputed average view time along with the session count it covers.
func (r *Repository) SetAverage(ctx context.Context, streamID string, avg float64, completed int64) error {
	const q = `UPDATE stream_analytics SET average_view_time = $1, completed_sessions = $2, updated_at = NOW() WHERE stream_id = $3`
	_, err := r.db.Exec(ctx, q, avg, completed, streamID)
	return err
}

// RaisePeak sets peak_viewers to viewers only if that is higher, in a single statement.
// Reports whether the peak moved.
func (r *Repository) RaisePeak(ctx context.Context, streamID string, viewers int) (bool, error) {
	const q = `UPDATE stream_analytics SET peak_viewers = $1, updated_at = NOW() WHERE stream_id = $2 AND peak_viewers < $1`
	tag, err := r.db.Exec(ctx, q, viewers, streamID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}
