// Package batch coalesces single-item writes into bulk inserts. Callers hand
// over one item at a time and get a completion handle back; the committer
// flushes when a batch fills or when writes go quiet.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/partsbay/harvester/internal/database"
	"github.com/partsbay/harvester/internal/domain"
	"github.com/partsbay/harvester/internal/logger"
)

var (
	// ErrCommitterClosed is returned by Commit after Close.
	ErrCommitterClosed = errors.New("committer closed")

	// ErrFlushTimeout is resolved into every handle of a flush that could
	// not finish within the configured timeout.
	ErrFlushTimeout = errors.New("batch flush timed out")
)

// Sink stores item details. *database.ItemRepository satisfies it.
type Sink interface {
	InsertDetails(ctx context.Context, details []domain.ItemDetail) error
	InsertDetail(ctx context.Context, detail domain.ItemDetail) error
}

// Config holds committer settings.
type Config struct {
	// Size triggers an immediate flush when the pending batch reaches it.
	Size int
	// Debounce flushes a partial batch after this much write silence.
	Debounce time.Duration
	// FlushTimeout bounds one flush attempt end to end.
	FlushTimeout time.Duration
}

type entry struct {
	detail domain.ItemDetail
	done   chan error
}

// Committer accumulates item details and writes them in batches. A full
// batch flushes immediately; a partial one flushes after the debounce
// window. When a bulk insert hits a duplicate number the batch is retried
// item by item, so one stale duplicate never discards its batchmates.
type Committer struct {
	sink   Sink
	logger logger.Logger
	cfg    Config

	mu      sync.Mutex
	pending []entry
	timer   *time.Timer
	closed  bool

	flushWG sync.WaitGroup
}

// NewCommitter creates a committer.
func NewCommitter(sink Sink, log logger.Logger, cfg Config) *Committer {
	if cfg.Size <= 0 {
		cfg.Size = 10
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 50 * time.Millisecond
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 5 * time.Minute
	}
	return &Committer{sink: sink, logger: log, cfg: cfg}
}

// Commit queues one item detail and returns a handle that resolves exactly
// once with the item's storage outcome. A nil receive means stored; a
// database.ErrDuplicateItem receive means a peer stored it first.
func (c *Committer) Commit(detail domain.ItemDetail) (<-chan error, error) {
	c.mu.Lock()

	if c.closed {
		c.mu.Unlock()
		return nil, ErrCommitterClosed
	}

	e := entry{detail: detail, done: make(chan error, 1)}
	c.pending = append(c.pending, e)

	if len(c.pending) >= c.cfg.Size {
		batch := c.takePendingLocked()
		c.mu.Unlock()
		c.startFlush(batch)
		return e.done, nil
	}

	// The debounce window runs from the first pending item. Later items join
	// the batch without pushing the deadline out, so a steady trickle still
	// flushes once per window instead of waiting for silence.
	if c.timer == nil {
		c.timer = time.AfterFunc(c.cfg.Debounce, c.debounceFlush)
	}

	c.mu.Unlock()
	return e.done, nil
}

// Close flushes whatever is pending and rejects further commits. It returns
// after all in-flight flushes have resolved their handles.
func (c *Committer) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.flushWG.Wait()
		return
	}
	c.closed = true
	batch := c.takePendingLocked()
	c.mu.Unlock()

	if len(batch) > 0 {
		c.startFlush(batch)
	}
	c.flushWG.Wait()
}

// takePendingLocked detaches the pending batch and stops the debounce timer.
func (c *Committer) takePendingLocked() []entry {
	batch := c.pending
	c.pending = nil
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	return batch
}

func (c *Committer) debounceFlush() {
	c.mu.Lock()
	batch := c.takePendingLocked()
	c.mu.Unlock()

	if len(batch) > 0 {
		c.startFlush(batch)
	}
}

func (c *Committer) startFlush(batch []entry) {
	c.flushWG.Add(1)
	go func() {
		defer c.flushWG.Done()
		c.flush(batch)
	}()
}

func (c *Committer) flush(batch []entry) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.FlushTimeout)
	defer cancel()

	details := make([]domain.ItemDetail, len(batch))
	for i, e := range batch {
		details[i] = e.detail
	}

	err := c.sink.InsertDetails(ctx, details)
	if err == nil {
		for _, e := range batch {
			e.done <- nil
		}
		return
	}

	if database.IsUniqueViolation(err) {
		c.logger.Info("bulk insert hit a duplicate, retrying per item",
			logger.Int("batch", len(batch)))
		c.flushPerItem(ctx, batch)
		return
	}

	err = c.wrapFlushErr(ctx, err)
	c.logger.Error("batch flush failed",
		logger.Int("batch", len(batch)), logger.Error(err))
	for _, e := range batch {
		e.done <- err
	}
}

// flushPerItem stores a conflicted batch one item at a time so only the
// actual duplicates are rejected.
func (c *Committer) flushPerItem(ctx context.Context, batch []entry) {
	for _, e := range batch {
		insertErr := c.sink.InsertDetail(ctx, e.detail)
		if insertErr != nil && !database.IsUniqueViolation(insertErr) {
			insertErr = c.wrapFlushErr(ctx, insertErr)
			c.logger.Error("per-item insert failed",
				logger.String("number", e.detail.Item.Number),
				logger.Error(insertErr))
		}
		e.done <- insertErr
	}
}

func (c *Committer) wrapFlushErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %w", ErrFlushTimeout, err)
	}
	return err
}
