package analytics

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/aura-live/backend/internal/models"
)

const unknownKey = "unknown"

// Store is the analytics row access the aggregator needs. *Repository implements it;
// callers pass one bound to the transaction that also mutates the stream's viewer count.
type Store interface {
	GetForUpdate(ctx context.Context, streamID string) (*models.StreamAnalytics, error)
	UpsertJoin(ctx context.Context, streamID, country, device string) (*models.StreamAnalytics, error)
	SetAverage(ctx context.Context, streamID string, avg float64, completed int64) error
	RaisePeak(ctx context.Context, streamID string, viewers int) (bool, error)
}

// Aggregator derives stream statistics from presence events.
// It holds no state; serialization per stream is the caller's job.
type Aggregator struct {
	logger *zap.Logger
}

// NewAggregator creates an aggregator.
func NewAggregator(logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{logger: logger}
}

// RecordJoin counts a view and tallies the viewer's country and user agent.
// uniqueViewers is bumped on every join, not per distinct user.
func (a *Aggregator) RecordJoin(ctx context.Context, s Store, streamID, userAgent, country string) (*models.StreamAnalytics, error) {
	row, err := s.UpsertJoin(ctx, streamID, tallyKey(country), tallyKey(userAgent))
	if err != nil {
		return nil, fmt.Errorf("upsert analytics: %w", err)
	}
	return row, nil
}

// RecordSessionEnd folds a finished session of duration seconds into the running average.
// A stream without an analytics row is skipped.
func (a *Aggregator) RecordSessionEnd(ctx context.Context, s Store, streamID string, duration float64) error {
	row, err := s.GetForUpdate(ctx, streamID)
	if err != nil {
		return fmt.Errorf("load analytics: %w", err)
	}
	if row == nil {
		a.logger.Debug("no analytics row; session not aggregated", zap.String("stream_id", streamID))
		return nil
	}
	if duration < 0 {
		duration = 0
	}
	avg := RunningMean(row.AverageViewTime, row.CompletedSessions, duration)
	if err := s.SetAverage(ctx, streamID, avg, row.CompletedSessions+1); err != nil {
		return fmt.Errorf("store average: %w", err)
	}
	return nil
}

// UpdatePeak raises peakViewers to current if current is higher.
func (a *Aggregator) UpdatePeak(ctx context.Context, s Store, streamID string, current int) error {
	raised, err := s.RaisePeak(ctx, streamID, current)
	if err != nil {
		return fmt.Errorf("raise peak: %w", err)
	}
	if raised {
		a.logger.Debug("peak viewers raised", zap.String("stream_id", streamID), zap.Int("peak", current))
	}
	return nil
}

// RunningMean returns the mean after adding x to n samples whose mean is avg.
func RunningMean(avg float64, n int64, x float64) float64 {
	return (avg*float64(n) + x) / float64(n+1)
}

func tallyKey(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return unknownKey
	}
	return s
}
