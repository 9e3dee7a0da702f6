package batch_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/partsbay/harvester/internal/batch"
	"github.com/partsbay/harvester/internal/database"
	"github.com/partsbay/harvester/internal/domain"
	"github.com/partsbay/harvester/internal/logger"
)

// fakeSink records insert calls and can reject chosen numbers as duplicates.
type fakeSink struct {
	mu         sync.Mutex
	batches    [][]domain.ItemDetail
	singles    []domain.ItemDetail
	duplicates map[string]bool
	err        error
}

func (s *fakeSink) InsertDetails(_ context.Context, details []domain.ItemDetail) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return s.err
	}
	for _, d := range details {
		if s.duplicates[d.Item.Number] {
			return fmt.Errorf("insert: %w", database.ErrDuplicateItem)
		}
	}
	s.batches = append(s.batches, details)
	return nil
}

func (s *fakeSink) InsertDetail(_ context.Context, detail domain.ItemDetail) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.duplicates[detail.Item.Number] {
		return fmt.Errorf("insert: %w", database.ErrDuplicateItem)
	}
	s.singles = append(s.singles, detail)
	return nil
}

func (s *fakeSink) batchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

func detail(number string) domain.ItemDetail {
	return domain.ItemDetail{Item: domain.Item{Query: "brake caliper", Number: number}}
}

func awaitHandle(t *testing.T, done <-chan error) error {
	t.Helper()

	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("handle never resolved")
		return nil
	}
}

func TestCommitter_FullBatchFlushesImmediately(t *testing.T) {
	sink := &fakeSink{}
	c := batch.NewCommitter(sink, logger.NewNop(), batch.Config{
		Size:     3,
		Debounce: time.Hour, // must not be the trigger
	})
	defer c.Close()

	handles := make([]<-chan error, 0, 3)
	for i := 0; i < 3; i++ {
		h, err := c.Commit(detail(fmt.Sprintf("25600000000%d", i)))
		require.NoError(t, err)
		handles = append(handles, h)
	}

	for _, h := range handles {
		assert.NoError(t, awaitHandle(t, h))
	}
	assert.Equal(t, 1, sink.batchCount(), "three commits must coalesce into one insert")
}

func TestCommitter_DebounceFlushesPartialBatch(t *testing.T) {
	sink := &fakeSink{}
	c := batch.NewCommitter(sink, logger.NewNop(), batch.Config{
		Size:     10,
		Debounce: 30 * time.Millisecond,
	})
	defer c.Close()

	h, err := c.Commit(detail("256000000001"))
	require.NoError(t, err)

	assert.NoError(t, awaitHandle(t, h))
	assert.Equal(t, 1, sink.batchCount())
}

func TestCommitter_TrickleFlushesWithinDebounceWindow(t *testing.T) {
	sink := &fakeSink{}
	c := batch.NewCommitter(sink, logger.NewNop(), batch.Config{
		Size:     100, // never filled; the debounce must fire
		Debounce: 50 * time.Millisecond,
	})
	defer c.Close()

	first, err := c.Commit(detail("256000000000"))
	require.NoError(t, err)

	// Keep a steady trickle going, faster than the debounce window. The
	// first handle must still resolve roughly one window after it was
	// committed, not only once the trickle stops.
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(time.Second)

	n := 1
	for {
		select {
		case err := <-first:
			assert.NoError(t, err)
			require.GreaterOrEqual(t, sink.batchCount(), 1)
			return
		case <-ticker.C:
			_, err := c.Commit(detail(fmt.Sprintf("2560000000%02d", n)))
			require.NoError(t, err)
			n++
		case <-deadline:
			t.Fatal("trickle starved the debounce flush")
		}
	}
}

func TestCommitter_DuplicateIsolatedFromBatchmates(t *testing.T) {
	sink := &fakeSink{duplicates: map[string]bool{"256000000001": true}}
	c := batch.NewCommitter(sink, logger.NewNop(), batch.Config{
		Size:     2,
		Debounce: time.Hour,
	})
	defer c.Close()

	dupHandle, err := c.Commit(detail("256000000001"))
	require.NoError(t, err)
	okHandle, err := c.Commit(detail("256000000002"))
	require.NoError(t, err)

	assert.ErrorIs(t, awaitHandle(t, dupHandle), database.ErrDuplicateItem)
	assert.NoError(t, awaitHandle(t, okHandle), "batchmate of a duplicate must still be stored")

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.singles, 1)
	assert.Equal(t, "256000000002", sink.singles[0].Item.Number)
}

func TestCommitter_SinkErrorReachesEveryHandle(t *testing.T) {
	sinkErr := errors.New("connection refused")
	sink := &fakeSink{err: sinkErr}
	c := batch.NewCommitter(sink, logger.NewNop(), batch.Config{
		Size:     2,
		Debounce: time.Hour,
	})
	defer c.Close()

	h1, err := c.Commit(detail("256000000001"))
	require.NoError(t, err)
	h2, err := c.Commit(detail("256000000002"))
	require.NoError(t, err)

	assert.ErrorIs(t, awaitHandle(t, h1), sinkErr)
	assert.ErrorIs(t, awaitHandle(t, h2), sinkErr)
}

func TestCommitter_CloseFlushesPending(t *testing.T) {
	sink := &fakeSink{}
	c := batch.NewCommitter(sink, logger.NewNop(), batch.Config{
		Size:     10,
		Debounce: time.Hour,
	})

	h, err := c.Commit(detail("256000000001"))
	require.NoError(t, err)

	c.Close()

	assert.NoError(t, awaitHandle(t, h))

	_, err = c.Commit(detail("256000000002"))
	assert.ErrorIs(t, err, batch.ErrCommitterClosed)
}
