package coordination

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// MarkerConfig holds the keys of the processing marker registry.
type MarkerConfig struct {
	// ProcessingKey is the sorted set of in-flight queries, scored by the
	// unix time of the owner's last progress report.
	ProcessingKey string
	// OwnerKey is the hash mapping an in-flight query to its worker id.
	OwnerKey string
	// DedupSetKey is the set of queries currently enqueued or in flight;
	// the producer consults it to avoid double-enqueueing a query.
	DedupSetKey string
}

// StaleEntry is one in-flight query whose marker has gone quiet.
type StaleEntry struct {
	Query    string
	WorkerID string
	// TouchedAt is when the owner last reported progress.
	TouchedAt time.Time
}

// Markers tracks which queries are in flight and who owns them. A worker
// begins a marker when it picks up a job, touches it as work progresses,
// and clears it when the job ends. The recovery scanner uses marker age
// plus owner heartbeats to find work lost to dead workers.
type Markers struct {
	client *redis.Client
	cfg    MarkerConfig
}

// NewMarkers creates a marker registry.
func NewMarkers(client *redis.Client, cfg MarkerConfig) *Markers {
	return &Markers{client: client, cfg: cfg}
}

// Begin records that workerID has started processing query.
func (m *Markers) Begin(ctx context.Context, query, workerID string) error {
	now := float64(time.Now().Unix())

	pipe := m.client.TxPipeline()
	pipe.ZAdd(ctx, m.cfg.ProcessingKey, redis.Z{Score: now, Member: query})
	pipe.HSet(ctx, m.cfg.OwnerKey, query, workerID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to begin processing marker: %w", err)
	}
	return nil
}

// Touch refreshes the progress timestamp of an in-flight query. XX restricts
// the update to existing members, so a marker cleared by recovery mid-job is
// not silently resurrected.
func (m *Markers) Touch(ctx context.Context, query string) error {
	now := float64(time.Now().Unix())

	err := m.client.ZAddXX(ctx, m.cfg.ProcessingKey, redis.Z{Score: now, Member: query}).Err()
	if err != nil {
		return fmt.Errorf("failed to touch processing marker: %w", err)
	}
	return nil
}

// Clear removes every trace of an in-flight query: the marker, its owner
// record, and its queue dedup entry, so the producer may enqueue it again.
func (m *Markers) Clear(ctx context.Context, query string) error {
	pipe := m.client.TxPipeline()
	pipe.ZRem(ctx, m.cfg.ProcessingKey, query)
	pipe.HDel(ctx, m.cfg.OwnerKey, query)
	pipe.SRem(ctx, m.cfg.DedupSetKey, query)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to clear processing marker: %w", err)
	}
	return nil
}

// MarkEnqueued records a query in the dedup set. Returns false when the
// query is already enqueued or in flight.
func (m *Markers) MarkEnqueued(ctx context.Context, query string) (bool, error) {
	added, err := m.client.SAdd(ctx, m.cfg.DedupSetKey, query).Result()
	if err != nil {
		return false, fmt.Errorf("failed to mark query enqueued: %w", err)
	}
	return added == 1, nil
}

// Owner returns the worker id that owns an in-flight query, or "" when the
// query has no owner record.
func (m *Markers) Owner(ctx context.Context, query string) (string, error) {
	owner, err := m.client.HGet(ctx, m.cfg.OwnerKey, query).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read marker owner: %w", err)
	}
	return owner, nil
}

// StaleSince returns every in-flight query whose marker was last touched at
// or before the cutoff, oldest first, with each one's owner.
func (m *Markers) StaleSince(ctx context.Context, cutoff time.Time) ([]StaleEntry, error) {
	members, err := m.client.ZRangeByScoreWithScores(ctx, m.cfg.ProcessingKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", cutoff.Unix()),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to scan stale markers: %w", err)
	}

	entries := make([]StaleEntry, 0, len(members))
	for _, z := range members {
		query, ok := z.Member.(string)
		if !ok {
			continue
		}
		owner, ownerErr := m.Owner(ctx, query)
		if ownerErr != nil {
			return nil, ownerErr
		}
		entries = append(entries, StaleEntry{
			Query:     query,
			WorkerID:  owner,
			TouchedAt: time.Unix(int64(z.Score), 0),
		})
	}

	return entries, nil
}

// InFlight returns the number of queries currently marked as processing.
func (m *Markers) InFlight(ctx context.Context) (int64, error) {
	n, err := m.client.ZCard(ctx, m.cfg.ProcessingKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count in-flight markers: %w", err)
	}
	return n, nil
}
