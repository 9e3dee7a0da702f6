package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/partsbay/harvester/internal/domain"
)

const (
	// Default consumer group name.
	defaultConsumerGroup = "harvesters"

	// Default block timeout for reading from streams.
	defaultBlockTimeout = 5 * time.Second

	// Default count of messages to read per batch.
	defaultBatchSize = 10

	// Default minimum idle time before claiming pending messages.
	defaultClaimMinIdle = 5 * time.Minute

	// Maximum pending messages to check at once.
	maxPendingCheck = 100
)

// Consumer reads harvest jobs from the Redis stream.
type Consumer struct {
	client        *StreamsClient
	consumerGroup string
	consumerID    string
	blockTimeout  time.Duration
	batchSize     int64
	claimMinIdle  time.Duration
}

// ConsumerConfig holds configuration for the Consumer.
type ConsumerConfig struct {
	ConsumerGroup string
	ConsumerID    string
	BlockTimeout  time.Duration
	BatchSize     int64
	ClaimMinIdle  time.Duration
}

// ConsumedJob is a job read from the queue, carrying what Acknowledge needs.
type ConsumedJob struct {
	MessageID  string
	Job        *domain.HarvestJob
	EnqueuedAt time.Time
}

// NewConsumer creates a new job consumer.
func NewConsumer(client *StreamsClient, cfg ConsumerConfig) (*Consumer, error) {
	if cfg.ConsumerID == "" {
		return nil, errors.New("consumer ID is required")
	}

	group := cfg.ConsumerGroup
	if group == "" {
		group = defaultConsumerGroup
	}

	blockTimeout := cfg.BlockTimeout
	if blockTimeout <= 0 {
		blockTimeout = defaultBlockTimeout
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	claimMinIdle := cfg.ClaimMinIdle
	if claimMinIdle <= 0 {
		claimMinIdle = defaultClaimMinIdle
	}

	return &Consumer{
		client:        client,
		consumerGroup: group,
		consumerID:    cfg.ConsumerID,
		blockTimeout:  blockTimeout,
		batchSize:     batchSize,
		claimMinIdle:  claimMinIdle,
	}, nil
}

// Initialize creates the consumer group for the job stream.
func (c *Consumer) Initialize(ctx context.Context) error {
	stream := c.client.StreamName()
	if err := c.client.CreateConsumerGroup(ctx, stream, c.consumerGroup); err != nil {
		return fmt.Errorf("failed to create consumer group for %s: %w", stream, err)
	}
	return nil
}

// Read returns the next batch of jobs. Messages abandoned by dead consumers
// past the idle threshold are reclaimed first; only then are new messages
// read. A nil, nil return means the block timeout elapsed with no work.
func (c *Consumer) Read(ctx context.Context) ([]*ConsumedJob, error) {
	reclaimed := c.reclaimPending(ctx)
	if len(reclaimed) > 0 {
		return reclaimed, nil
	}

	return c.readNewMessages(ctx)
}

// Acknowledge acknowledges successful processing of a job.
func (c *Consumer) Acknowledge(ctx context.Context, job *ConsumedJob) error {
	if job == nil {
		return errors.New("job cannot be nil")
	}
	return c.client.XAck(ctx, c.client.StreamName(), c.consumerGroup, job.MessageID)
}

// PendingCount returns the count of delivered-but-unacknowledged messages.
func (c *Consumer) PendingCount(ctx context.Context) (int64, error) {
	pending, err := c.client.XPending(ctx, c.client.StreamName(), c.consumerGroup)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get pending count: %w", err)
	}
	return pending.Count, nil
}

// readNewMessages reads new messages from the job stream.
func (c *Consumer) readNewMessages(ctx context.Context) ([]*ConsumedJob, error) {
	stream := c.client.StreamName()
	streams := []string{stream, ">"}

	messages, err := c.client.XReadGroup(ctx, c.consumerGroup, c.consumerID, streams, c.batchSize, c.blockTimeout)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read from stream %s: %w", stream, err)
	}

	return c.parseMessages(messages), nil
}

// reclaimPending claims messages whose consumer has gone idle past the
// threshold. Errors are swallowed; the next Read tries again.
func (c *Consumer) reclaimPending(ctx context.Context) []*ConsumedJob {
	stream := c.client.StreamName()

	pending, err := c.client.XPendingExt(ctx, stream, c.consumerGroup, "-", "+", maxPendingCheck)
	if err != nil {
		return nil
	}

	var idsToReclaim []string
	for _, entry := range pending {
		if entry.Idle >= c.claimMinIdle {
			idsToReclaim = append(idsToReclaim, entry.ID)
		}
	}
	if len(idsToReclaim) == 0 {
		return nil
	}

	claimed, claimErr := c.client.XClaim(ctx, stream, c.consumerGroup, c.consumerID, c.claimMinIdle, idsToReclaim...)
	if claimErr != nil {
		return nil
	}

	var jobs []*ConsumedJob
	for _, msg := range claimed {
		job, parseErr := c.parseMessage(msg)
		if parseErr != nil {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs
}

// parseMessages parses messages, skipping malformed ones.
func (c *Consumer) parseMessages(streams []redis.XStream) []*ConsumedJob {
	var jobs []*ConsumedJob
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			job, err := c.parseMessage(msg)
			if err != nil {
				continue
			}
			jobs = append(jobs, job)
		}
	}
	return jobs
}

// parseMessage parses a single stream message into a ConsumedJob.
func (c *Consumer) parseMessage(msg redis.XMessage) (*ConsumedJob, error) {
	jobData, ok := msg.Values[JobDataField].(string)
	if !ok {
		return nil, errors.New("missing or invalid job data")
	}

	var job domain.HarvestJob
	if err := json.Unmarshal([]byte(jobData), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}

	consumed := &ConsumedJob{
		MessageID: msg.ID,
		Job:       &job,
	}

	if enqueuedStr, hasEnqueued := msg.Values[EnqueuedAtField].(string); hasEnqueued {
		if t, parseErr := time.Parse(time.RFC3339, enqueuedStr); parseErr == nil {
			consumed.EnqueuedAt = t
		}
	}

	return consumed, nil
}

// ConsumerGroup returns the consumer group name.
func (c *Consumer) ConsumerGroup() string {
	return c.consumerGroup
}

// ConsumerID returns the consumer ID.
func (c *Consumer) ConsumerID() string {
	return c.consumerID
}
