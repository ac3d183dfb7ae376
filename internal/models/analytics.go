package models

import "time"

// StreamAnalytics holds the derived viewing statistics of one stream.
type StreamAnalytics struct {
	StreamID      string `json:"stream_id"`
	UniqueViewers int64  `json:"unique_viewers"`
	TotalViews    int64  `json:"total_views"`
	// CompletedSessions is the number of sessions folded into AverageViewTime.
	CompletedSessions int64            `json:"completed_sessions"`
	AverageViewTime   float64          `json:"average_view_time"` // seconds
	PeakViewers       int              `json:"peak_viewers"`
	GeographicData    map[string]int64 `json:"geographic_data"`
	DeviceStats       map[string]int64 `json:"device_stats"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
}
