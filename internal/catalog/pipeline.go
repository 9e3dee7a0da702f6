package catalog

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/partsbay/harvester/internal/domain"
	"github.com/partsbay/harvester/internal/events"
	"github.com/partsbay/harvester/internal/logger"
	"github.com/partsbay/harvester/internal/metrics"
)

// numberRe extracts the listing number from a detail href.
var numberRe = regexp.MustCompile(`/itm/(\d+)`)

// defaultMaxPages caps a runaway pagination loop.
const defaultMaxPages = 100

// PipelineConfig holds pipeline settings.
type PipelineConfig struct {
	// ArchiveCycleDistance is how many cycles an item may go unseen before
	// it is archived.
	ArchiveCycleDistance int64
	// BlockedSellers are rejected outright (case-insensitive).
	BlockedSellers []string
	// TitleBlocklist words reject a title (case-insensitive).
	TitleBlocklist []string
	// RecheckTitles removes stored items whose title changed.
	RecheckTitles bool
	// UseDuplicateCache drops already-harvested numbers from the result.
	UseDuplicateCache bool
	// MaxPages caps the scan (0 = default).
	MaxPages int
}

// ScanResult is the outcome of one full catalog scan.
type ScanResult struct {
	// Cycle is the scan's cycle number.
	Cycle int64
	// Candidates are numbers to harvest, in catalog order.
	Candidates []string
	// Seen is every accepted number, stored or not.
	Seen int
	// Refreshed and Archived report the store reconciliation.
	Refreshed int64
	Archived  int64
}

// Pipeline runs catalog scans. One Run walks every page of results for a
// query, filters the entries, reconciles the survivors against the store
// and returns the numbers that still need harvesting.
type Pipeline struct {
	fetcher   PageFetcher
	parser    PageParser
	counters  CycleCounter
	store     Reconciler
	rechecker TitleRechecker
	guard     ClaimFilter
	cache     DuplicateCache
	sink      events.Sink
	metrics   *metrics.Metrics
	logger    logger.Logger
	cfg       PipelineConfig
}

// NewPipeline creates a scan pipeline. rechecker, guard, cache, sink and
// metrics may be nil; the corresponding step is skipped.
func NewPipeline(
	fetcher PageFetcher,
	parser PageParser,
	counters CycleCounter,
	store Reconciler,
	rechecker TitleRechecker,
	guard ClaimFilter,
	cache DuplicateCache,
	sink events.Sink,
	m *metrics.Metrics,
	log logger.Logger,
	cfg PipelineConfig,
) *Pipeline {
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = defaultMaxPages
	}
	if sink == nil {
		sink = events.NewNopSink()
	}
	return &Pipeline{
		fetcher:   fetcher,
		parser:    parser,
		counters:  counters,
		store:     store,
		rechecker: rechecker,
		guard:     guard,
		cache:     cache,
		sink:      sink,
		metrics:   m,
		logger:    log,
		cfg:       cfg,
	}
}

// scanState accumulates one Run's cross-page state.
type scanState struct {
	query    string
	maxPrice *float64
	filter   TitleFilter

	// sellersSeen spans the whole scan: one listing per seller per query.
	sellersSeen map[string]struct{}
	// numbers in acceptance order; titles for the recheck.
	numbers []string
	seen    map[string]struct{}
	titles  map[string]string
}

// Run performs one full scan for a job.
func (p *Pipeline) Run(ctx context.Context, job *domain.HarvestJob) (*ScanResult, error) {
	cycle, err := p.counters.NextCycle(ctx, job.Query)
	if err != nil {
		return nil, err
	}

	state := &scanState{
		query:       job.Query,
		maxPrice:    job.MaxPrice,
		filter:      FilterForQuery(job.Query, p.cfg.TitleBlocklist),
		sellersSeen: make(map[string]struct{}),
		seen:        make(map[string]struct{}),
		titles:      make(map[string]string),
	}

	if scanErr := p.scanPages(ctx, job, state); scanErr != nil {
		return nil, scanErr
	}

	return p.settle(ctx, state, cycle)
}

// scanPages walks the pagination until the stop marker, the last page or the
// page cap.
func (p *Pipeline) scanPages(ctx context.Context, job *domain.HarvestJob, state *scanState) error {
	for pageNum := 1; pageNum <= p.cfg.MaxPages; pageNum++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		html, err := p.fetcher.FetchCatalogPage(ctx, job.Query, pageNum, job.Proxy)
		if err != nil {
			return fmt.Errorf("failed to fetch catalog page %d: %w", pageNum, err)
		}

		page, parseErr := p.parser.ParseCatalogPage(html)
		if parseErr != nil {
			return parseErr
		}

		if p.metrics != nil {
			p.metrics.PagesScanned.Inc()
		}

		stopped := p.filterPage(ctx, page, state)

		p.logger.Debug("catalog page scanned",
			logger.String("query", job.Query),
			logger.Int("page", pageNum),
			logger.Int("entries", len(page.Entries)),
			logger.Bool("stopped", stopped))

		if stopped || !page.HasNext {
			return nil
		}
	}
	return nil
}

// filterPage applies the entry filters in order. Returns true when the stop
// marker ended the scan.
func (p *Pipeline) filterPage(ctx context.Context, page *domain.CatalogPage, state *scanState) bool {
	// Titles repeat within a page (sponsored duplicates); the set resets
	// per page because legitimate listings recur across pages.
	titlesSeen := make(map[string]struct{})

	for i := range page.Entries {
		entry := &page.Entries[i]

		if entry.StopMarker {
			p.reject(ctx, state, entry, events.ReasonStopMarker)
			return true
		}

		if p.metrics != nil {
			p.metrics.EntriesSeen.Inc()
		}

		if reason := p.entryVerdict(entry, state, titlesSeen); reason != "" {
			p.reject(ctx, state, entry, reason)
			continue
		}

		p.accept(ctx, state, entry)
	}
	return false
}

// entryVerdict returns the rejection reason for an entry, or "" to accept.
// The checks run in a fixed order so the cheapest rejections come first and
// the recorded reason is deterministic.
func (p *Pipeline) entryVerdict(entry *domain.CatalogEntry, state *scanState, titlesSeen map[string]struct{}) string {
	// The catalog threshold compares the raw listing price; the detail
	// resolver applies the markup when the stored price is computed.
	if state.maxPrice != nil {
		if entry.Price == nil {
			return events.ReasonPriceAboveLimit
		}
		if *entry.Price >= *state.maxPrice {
			return events.ReasonPriceAboveLimit
		}
	}

	seller := strings.ToLower(entry.Seller)
	for _, blocked := range p.cfg.BlockedSellers {
		if seller == strings.ToLower(blocked) {
			return events.ReasonBlockedSeller
		}
	}

	if seller != "" {
		if _, dup := state.sellersSeen[seller]; dup {
			return events.ReasonSellerSeen
		}
	}

	if ok, reason := state.filter.Allow(entry.Title); !ok {
		return reason
	}

	titleKey := strings.ToLower(strings.TrimSpace(entry.Title))
	if _, dup := titlesSeen[titleKey]; dup {
		return events.ReasonTitleSeen
	}
	titlesSeen[titleKey] = struct{}{}

	return ""
}

func (p *Pipeline) accept(ctx context.Context, state *scanState, entry *domain.CatalogEntry) {
	number := ExtractNumber(entry.Href)
	if number == "" {
		return
	}

	if seller := strings.ToLower(entry.Seller); seller != "" {
		state.sellersSeen[seller] = struct{}{}
	}

	if _, dup := state.seen[number]; dup {
		return
	}
	state.seen[number] = struct{}{}
	state.numbers = append(state.numbers, number)
	state.titles[number] = entry.Title

	p.sink.Record(ctx, events.Decision{
		Query:    state.query,
		Number:   number,
		Seller:   entry.Seller,
		Reason:   events.ReasonAccepted,
		Accepted: true,
	})
}

func (p *Pipeline) reject(ctx context.Context, state *scanState, entry *domain.CatalogEntry, reason string) {
	if p.metrics != nil {
		p.metrics.RecordFiltered(reason)
	}
	p.sink.Record(ctx, events.Decision{
		Query:  state.query,
		Number: ExtractNumber(entry.Href),
		Seller: entry.Seller,
		Reason: reason,
	})
}

// settle reconciles the scan against the store and filters the candidates
// down to what this worker should harvest.
func (p *Pipeline) settle(ctx context.Context, state *scanState, cycle int64) (*ScanResult, error) {
	if p.cfg.RecheckTitles && p.rechecker != nil {
		if _, err := p.rechecker.Recheck(ctx, state.titles); err != nil {
			p.logger.Warn("title recheck failed, keeping stored items",
				logger.String("query", state.query), logger.Error(err))
		}
	}

	reconciled, err := p.store.ReconcileNumbers(ctx, state.query, cycle,
		p.cfg.ArchiveCycleDistance, state.numbers)
	if err != nil {
		return nil, err
	}

	if p.metrics != nil && reconciled.Archived > 0 {
		p.metrics.ItemsArchived.Add(float64(reconciled.Archived))
	}

	candidateSet := make(map[string]struct{}, len(reconciled.Candidates))
	for _, n := range reconciled.Candidates {
		candidateSet[n] = struct{}{}
	}

	// Keep catalog order; report accepted-but-stored numbers.
	ordered := make([]string, 0, len(candidateSet))
	for _, n := range state.numbers {
		if _, ok := candidateSet[n]; ok {
			ordered = append(ordered, n)
			continue
		}
		p.recordDrop(ctx, state, n, events.ReasonAlreadyStored, "store")
	}

	if p.guard != nil {
		unclaimed := p.guard.FilterClaimed(ctx, ordered)
		ordered = p.reportClaimed(ctx, state, ordered, unclaimed)
	}

	if p.cfg.UseDuplicateCache && p.cache != nil {
		kept := ordered[:0]
		for _, n := range ordered {
			if p.cache.Contains(ctx, n) {
				p.recordDrop(ctx, state, n, events.ReasonAlreadyStored, "cache")
				continue
			}
			kept = append(kept, n)
		}
		ordered = kept
	}

	return &ScanResult{
		Cycle:      cycle,
		Candidates: ordered,
		Seen:       len(state.numbers),
		Refreshed:  reconciled.Refreshed,
		Archived:   reconciled.Archived,
	}, nil
}

func (p *Pipeline) reportClaimed(ctx context.Context, state *scanState, before, after []string) []string {
	if len(after) == len(before) {
		return after
	}
	kept := make(map[string]struct{}, len(after))
	for _, n := range after {
		kept[n] = struct{}{}
	}
	for _, n := range before {
		if _, ok := kept[n]; !ok {
			p.recordDrop(ctx, state, n, events.ReasonClaimedByPeer, "guard")
		}
	}
	return after
}

func (p *Pipeline) recordDrop(ctx context.Context, state *scanState, number, reason, layer string) {
	if p.metrics != nil {
		p.metrics.RecordDuplicate(layer)
	}
	p.sink.Record(ctx, events.Decision{
		Query:  state.query,
		Number: number,
		Reason: reason,
	})
}

// ExtractNumber pulls the listing number out of a catalog href.
func ExtractNumber(href string) string {
	m := numberRe.FindStringSubmatch(href)
	if m == nil {
		return ""
	}
	return m[1]
}
