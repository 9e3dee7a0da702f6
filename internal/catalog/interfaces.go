// Package catalog turns a search query into harvest candidates: it walks the
// paginated catalog, filters entries, reconciles the scan against the store
// and resolves surviving listings to detail records.
package catalog

import (
	"context"
	"errors"

	"github.com/partsbay/harvester/internal/database"
	"github.com/partsbay/harvester/internal/domain"
)

// ErrUpstreamBlocked is returned by fetchers when the upstream refuses the
// current session (challenge page, 403/429). The caller reacts by requesting
// a session refresh, not by retrying blindly.
var ErrUpstreamBlocked = errors.New("upstream blocked the request")

// PageFetcher retrieves one catalog page of results for a query.
type PageFetcher interface {
	FetchCatalogPage(ctx context.Context, query string, page int, proxy *domain.Proxy) (string, error)
}

// PageParser extracts catalog entries from a fetched page.
type PageParser interface {
	ParseCatalogPage(html string) (*domain.CatalogPage, error)
}

// DetailResolver fetches and parses one listing's detail page. The returned
// detail carries page-derived fields only; the caller fills Query, Number
// and Cycle.
type DetailResolver interface {
	ResolveDetail(ctx context.Context, number string, proxy *domain.Proxy) (*domain.ItemDetail, error)
}

// TitleFilter decides whether a listing title is wanted. A false verdict
// carries the rejection reason.
type TitleFilter interface {
	Allow(title string) (bool, string)
}

// CycleCounter advances the per-query scan cycle.
// *database.CounterRepository satisfies it.
type CycleCounter interface {
	NextCycle(ctx context.Context, queryName string) (int64, error)
}

// Reconciler settles one scan against the store.
// *database.ItemRepository satisfies it.
type Reconciler interface {
	ReconcileNumbers(ctx context.Context, queryName string, cycle, archiveDistance int64, numbers []string) (*database.ReconcileResult, error)
}

// TitleRechecker removes stored items whose catalog title has changed.
type TitleRechecker interface {
	Recheck(ctx context.Context, currentTitles map[string]string) (int64, error)
}

// ClaimFilter drops numbers currently claimed by a peer worker.
// *dedup.Guard satisfies it.
type ClaimFilter interface {
	FilterClaimed(ctx context.Context, numbers []string) []string
}

// DuplicateCache answers whether a number is already harvested.
// *dedup.Cache satisfies it.
type DuplicateCache interface {
	Contains(ctx context.Context, number string) bool
}
