package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/aura-live/backend/pkg/queue"
	"github.com/aura-live/backend/pkg/storage"
)

// Jobs is the job source the processor drains.
type Jobs interface {
	Dequeue(ctx context.Context) (*queue.Job, error)
	Retry(ctx context.Context, job *queue.Job) error
}

// Uploader stores a local recording and returns its URL.
type Uploader interface {
	UploadRecording(ctx context.Context, key, localPath string) (string, error)
}

// RecordingStore persists the uploaded recording location on the stream.
type RecordingStore interface {
	SetRecordingURL(ctx context.Context, streamID, url string) error
}

// RecordingProcessor processes recording upload jobs: read the ingest recording from disk,
// upload it to S3, update the stream record.
type RecordingProcessor struct {
	store    RecordingStore
	uploader Uploader
	queue    Jobs
	dir      string
	backoff  time.Duration
	logger   *zap.Logger
}

// NewRecordingProcessor creates a recording upload processor reading files from dir.
func NewRecordingProcessor(store RecordingStore, uploader Uploader, q Jobs, dir string, logger *zap.Logger) *RecordingProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RecordingProcessor{store: store, uploader: uploader, queue: q, dir: dir, backoff: queue.RetryBackoff, logger: logger}
}

// Process executes one recording upload job.
func (p *RecordingProcessor) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypeRecordingUpload {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	var payload queue.RecordingUploadPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	if payload.StreamID == "" || payload.StreamKey == "" {
		return fmt.Errorf("incomplete payload for job %s", job.ID)
	}

	key := storage.RecordingKey(payload.StreamKey)
	local := filepath.Join(p.dir, filepath.Base(key))
	if _, err := os.Stat(local); err != nil {
		return fmt.Errorf("recording file: %w", err)
	}

	url, err := p.uploader.UploadRecording(ctx, key, local)
	if err != nil {
		return fmt.Errorf("s3 upload: %w", err)
	}
	if err := p.store.SetRecordingURL(ctx, payload.StreamID, url); err != nil {
		p.logger.Error("update recording url failed", zap.Error(err), zap.String("stream_id", payload.StreamID))
		return fmt.Errorf("update db: %w", err)
	}

	p.logger.Info("recording upload completed", zap.String("stream_id", payload.StreamID), zap.String("s3_key", key))
	return nil
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *RecordingProcessor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("recording worker stopping")
			return
		default:
		}

		job, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Warn("dequeue error", zap.Error(err))
			p.sleep(ctx)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := p.Process(ctx, job); err != nil {
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt), zap.Error(err))
			if reErr := p.queue.Retry(context.WithoutCancel(ctx), job); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			p.sleep(ctx)
		}
	}
}

func (p *RecordingProcessor) sleep(ctx context.Context) {
	t := time.NewTimer(p.backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
