package catalog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/partsbay/harvester/internal/logger"
)

type fakeTitleStore struct {
	stored  map[string]string
	deleted []string
}

func (f *fakeTitleStore) TitlesByNumbers(_ context.Context, _ []string) (map[string]string, error) {
	return f.stored, nil
}

func (f *fakeTitleStore) DeleteByNumbers(_ context.Context, numbers []string) (int64, error) {
	f.deleted = numbers
	return int64(len(numbers)), nil
}

func TestRecheckDeletesChangedTitles(t *testing.T) {
	store := &fakeTitleStore{stored: map[string]string{
		"100": "Bosch oxygen sensor",
		"101": "Denso oxygen sensor",
		"102": "Walker oxygen sensor",
	}}
	r := NewRechecker(store, logger.NewNop())

	deleted, err := r.Recheck(context.Background(), map[string]string{
		"100": "bosch OXYGEN sensor",          // case only, unchanged
		"101": "Completely different listing", // relisted
		"102": "Walker oxygen sensor upstream fit kit", // stored title truncated
		"103": "Not in the store",
	})
	require.NoError(t, err)

	assert.Equal(t, int64(1), deleted)
	assert.Equal(t, []string{"101"}, store.deleted)
}

func TestRecheckEmptyScan(t *testing.T) {
	store := &fakeTitleStore{}
	r := NewRechecker(store, logger.NewNop())

	deleted, err := r.Recheck(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, deleted)
	assert.Nil(t, store.deleted)
}
