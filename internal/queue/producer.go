package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/partsbay/harvester/internal/domain"
)

const (
	// JobDataField is the field name for serialized job data in stream messages.
	JobDataField = "job"

	// EnqueuedAtField is the field name for enqueue timestamp.
	EnqueuedAtField = "enqueued_at"

	// Default queue depth above which enqueues are refused.
	defaultMaxDepth = 10000
)

// ErrQueueFull is returned when the stream is at its depth limit. Callers
// should back off and retry; callers must not drop the job.
var ErrQueueFull = errors.New("job queue is full")

// Producer enqueues harvest jobs to the Redis stream.
type Producer struct {
	client   *StreamsClient
	maxDepth int64
}

// ProducerConfig holds configuration for the Producer.
type ProducerConfig struct {
	// MaxDepth refuses new jobs once the stream holds this many (0 = default).
	MaxDepth int64
}

// NewProducer creates a new job producer.
func NewProducer(client *StreamsClient, cfg ProducerConfig) *Producer {
	maxDepth := cfg.MaxDepth
	if maxDepth <= 0 {
		maxDepth = defaultMaxDepth
	}

	return &Producer{
		client:   client,
		maxDepth: maxDepth,
	}
}

// Enqueue adds a job to the stream. Returns ErrQueueFull when the stream is
// at its depth limit; the depth check and the add are not atomic, so the
// limit is a soft bound, which is all backpressure needs.
func (p *Producer) Enqueue(ctx context.Context, job *domain.HarvestJob) (string, error) {
	if job == nil {
		return "", errors.New("job cannot be nil")
	}

	stream := p.client.StreamName()

	depth, depthErr := p.client.XLen(ctx, stream)
	if depthErr != nil {
		return "", fmt.Errorf("failed to check queue depth: %w", depthErr)
	}
	if depth >= p.maxDepth {
		return "", fmt.Errorf("%w: depth %d", ErrQueueFull, depth)
	}

	jobData, marshalErr := json.Marshal(job)
	if marshalErr != nil {
		return "", fmt.Errorf("failed to serialize job: %w", marshalErr)
	}

	values := map[string]any{
		JobDataField:    string(jobData),
		EnqueuedAtField: time.Now().UTC().Format(time.RFC3339),
	}

	messageID, addErr := p.client.XAdd(ctx, stream, values)
	if addErr != nil {
		return "", fmt.Errorf("failed to enqueue job to stream %s: %w", stream, addErr)
	}

	return messageID, nil
}

// Depth returns the current queue depth.
func (p *Producer) Depth(ctx context.Context) (int64, error) {
	return p.client.XLen(ctx, p.client.StreamName())
}

// Trim trims the stream to the depth limit.
func (p *Producer) Trim(ctx context.Context) error {
	return p.client.XTrimMaxLen(ctx, p.client.StreamName(), p.maxDepth)
}
