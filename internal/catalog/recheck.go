package catalog

import (
	"context"
	"strings"

	"github.com/partsbay/harvester/internal/logger"
)

// TitleStore is the slice of the item repository the rechecker needs.
type TitleStore interface {
	TitlesByNumbers(ctx context.Context, numbers []string) (map[string]string, error)
	DeleteByNumbers(ctx context.Context, numbers []string) (int64, error)
}

// Rechecker deletes stored items whose catalog title no longer matches what
// was stored. A relisted listing reuses its number but describes different
// goods; deleting the row lets it re-ingest as a fresh item.
type Rechecker struct {
	store  TitleStore
	logger logger.Logger
}

// NewRechecker creates a title rechecker.
func NewRechecker(store TitleStore, log logger.Logger) *Rechecker {
	return &Rechecker{store: store, logger: log}
}

// Recheck compares current catalog titles against stored ones and deletes
// the rows that differ. Returns the number of deleted items. Numbers not in
// the store are ignored.
func (r *Rechecker) Recheck(ctx context.Context, currentTitles map[string]string) (int64, error) {
	if len(currentTitles) == 0 {
		return 0, nil
	}

	numbers := make([]string, 0, len(currentTitles))
	for n := range currentTitles {
		numbers = append(numbers, n)
	}

	stored, err := r.store.TitlesByNumbers(ctx, numbers)
	if err != nil {
		return 0, err
	}

	var changed []string
	for number, storedTitle := range stored {
		current, ok := currentTitles[number]
		if !ok {
			continue
		}
		if !titlesEqual(storedTitle, current) {
			changed = append(changed, number)
		}
	}

	if len(changed) == 0 {
		return 0, nil
	}

	deleted, err := r.store.DeleteByNumbers(ctx, changed)
	if err != nil {
		return 0, err
	}

	r.logger.Info("removed items with changed titles",
		logger.Int64("deleted", deleted))
	return deleted, nil
}

// titlesEqual compares titles ignoring case and surrounding whitespace; a
// truncated stored title still matches its longer catalog original.
func titlesEqual(stored, current string) bool {
	stored = strings.ToLower(strings.TrimSpace(stored))
	current = strings.ToLower(strings.TrimSpace(current))
	if stored == current {
		return true
	}
	return len(stored) > 0 && strings.HasPrefix(current, stored)
}
