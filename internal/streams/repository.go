package streams

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/aura-live/backend/internal/models"
	"github.com/aura-live/backend/pkg/database"
)

// ErrNotFound is returned when no stream matches the lookup.
var ErrNotFound = errors.New("stream not found")

const streamColumns = `id, user_id, stream_key, title, description, is_live, viewers, started_at, ended_at, recording_url, created_at, updated_at`

// Repository handles streams persistence. It works on a pool or inside a transaction.
type Repository struct {
	db database.DBTX
}

// NewRepository creates a streams repository.
func NewRepository(db database.DBTX) *Repository {
	return &Repository{db: db}
}

func scanStream(row pgx.Row) (*models.Stream, error) {
	var s models.Stream
	err := row.Scan(&s.ID, &s.UserID, &s.StreamKey, &s.Title, &s.Description, &s.IsLive, &s.Viewers, &s.StartedAt, &s.EndedAt, &s.RecordingURL, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &s, nil
}

// Create inserts a new stream.
func (r *Repository) Create(ctx context.Context, s *models.Stream) error {
	const q = `INSERT INTO streams (user_id, stream_key, title, description)
		VALUES ($1, $2, $3, $4)
		RETURNING id, is_live, viewers, created_at, updated_at`
	return r.db.QueryRow(ctx, q, s.UserID, s.StreamKey, s.Title, s.Description).
		Scan(&s.ID, &s.IsLive, &s.Viewers, &s.CreatedAt, &s.UpdatedAt)
}

// GetByID returns a stream by ID.
func (r *Repository) GetByID(ctx context.Context, id string) (*models.Stream, error) {
	return scanStream(r.db.QueryRow(ctx, `SELECT `+streamColumns+` FROM streams WHERE id = $1`, id))
}

// GetByKey returns the stream owning an ingest key.
func (r *Repository) GetByKey(ctx context.Context, key string) (*models.Stream, error) {
	return scanStream(r.db.QueryRow(ctx, `SELECT `+streamColumns+` FROM streams WHERE stream_key = $1`, key))
}

// ListActive returns streams that are currently live.
func (r *Repository) ListActive(ctx context.Context) ([]models.Stream, error) {
	return r.list(ctx, `SELECT `+streamColumns+` FROM streams WHERE is_live ORDER BY started_at DESC`)
}

// ListByUser returns all streams of a broadcaster.
func (r *Repository) ListByUser(ctx context.Context, userID string) ([]models.Stream, error) {
	return r.list(ctx, `SELECT `+streamColumns+` FROM streams WHERE user_id = $1 ORDER BY created_at DESC`, userID)
}

func (r *Repository) list(ctx context.Context, q string, args ...any) ([]models.Stream, error) {
	rows, err := r.db.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list := []models.Stream{}
	for rows.Next() {
		s, err := scanStream(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *s)
	}
	return list, rows.Err()
}

// IncrementViewers adds one viewer and returns the new count. The UPDATE row-locks the
// stream until the surrounding transaction ends.
func (r *Repository) IncrementViewers(ctx context.Context, id string) (int, error) {
	const q = `UPDATE streams SET viewers = viewers + 1, updated_at = NOW() WHERE id = $1 RETURNING viewers`
	return r.updateViewers(ctx, q, id)
}

// DecrementViewers removes one viewer, never going below zero, and returns the new count.
func (r *Repository) DecrementViewers(ctx context.Context, id string) (int, error) {
	const q = `UPDATE streams SET viewers = GREATEST(viewers - 1, 0), updated_at = NOW() WHERE id = $1 RETURNING viewers`
	return r.updateViewers(ctx, q, id)
}

func (r *Repository) updateViewers(ctx context.Context, q, id string) (int, error) {
	var n int
	if err := r.db.QueryRow(ctx, q, id).Scan(&n); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	return n, nil
}

// SetLive flips is_live, stamping started_at or ended_at.
func (r *Repository) SetLive(ctx context.Context, id string, live bool) error {
	q := `UPDATE streams SET is_live = TRUE, started_at = NOW(), ended_at = NULL, updated_at = NOW() WHERE id = $1`
	if !live {
		q = `UPDATE streams SET is_live = FALSE, ended_at = NOW(), updated_at = NOW() WHERE id = $1`
	}
	tag, err := r.db.Exec(ctx, q, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetRecordingURL stores the uploaded recording location.
func (r *Repository) SetRecordingURL(ctx context.Context, id, url string) error {
	const q = `UPDATE streams SET recording_url = $1, updated_at = NOW() WHERE id = $2`
	tag, err := r.db.Exec(ctx, q, url, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
