package models

import "time"

// Stream is a broadcaster's stream record. The relay core only mutates Viewers and IsLive.
type Stream struct {
	ID           string     `json:"id"`
	UserID       string     `json:"user_id"`
	StreamKey    string     `json:"stream_key,omitempty"`
	Title        string     `json:"title"`
	Description  string     `json:"description,omitempty"`
	IsLive       bool       `json:"is_live"`
	Viewers      int        `json:"viewers"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	RecordingURL string     `json:"recording_url,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Public returns a copy without the ingest secret.
func (s Stream) Public() Stream {
	s.StreamKey = ""
	return s
}
