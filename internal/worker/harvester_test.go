package worker

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/partsbay/harvester/internal/batch"
	"github.com/partsbay/harvester/internal/catalog"
	"github.com/partsbay/harvester/internal/coordination"
	"github.com/partsbay/harvester/internal/database"
	"github.com/partsbay/harvester/internal/dedup"
	"github.com/partsbay/harvester/internal/domain"
	"github.com/partsbay/harvester/internal/logger"
	"github.com/partsbay/harvester/internal/throttle"
)

type stubFetcher struct{}

func (stubFetcher) FetchCatalogPage(context.Context, string, int, *domain.Proxy) (string, error) {
	return "page", nil
}

type stubParser struct{ page *domain.CatalogPage }

func (s stubParser) ParseCatalogPage(string) (*domain.CatalogPage, error) {
	return s.page, nil
}

type stubCounters struct{}

func (stubCounters) NextCycle(context.Context, string) (int64, error) { return 5, nil }

type stubReconciler struct{}

func (stubReconciler) ReconcileNumbers(_ context.Context, _ string, _, _ int64, numbers []string) (*database.ReconcileResult, error) {
	return &database.ReconcileResult{Candidates: numbers}, nil
}

type stubResolver struct {
	mu    sync.Mutex
	calls []string
}

func (s *stubResolver) ResolveDetail(_ context.Context, number string, _ *domain.Proxy) (*domain.ItemDetail, error) {
	s.mu.Lock()
	s.calls = append(s.calls, number)
	s.mu.Unlock()

	title := "widget " + number
	return &domain.ItemDetail{
		Item: domain.Item{Number: number, Title: &title, Price: 10, Seller: "alpha"},
	}, nil
}

type memorySink struct {
	mu      sync.Mutex
	details []domain.ItemDetail
}

func (s *memorySink) InsertDetails(_ context.Context, details []domain.ItemDetail) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.details = append(s.details, details...)
	return nil
}

func (s *memorySink) InsertDetail(ctx context.Context, detail domain.ItemDetail) error {
	return s.InsertDetails(ctx, []domain.ItemDetail{detail})
}

type emptySource struct{}

func (emptySource) AllNumbers(context.Context) ([]string, error) { return nil, nil }

func catalogEntry(number string) domain.CatalogEntry {
	price := 10.0
	return domain.CatalogEntry{
		Href:   "https://example.com/itm/" + number,
		Title:  "widget " + number,
		Seller: "seller-" + number,
		Price:  &price,
	}
}

func TestHarvesterHandle(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	log := logger.NewNop()
	ctx := context.Background()

	page := &domain.CatalogPage{Entries: []domain.CatalogEntry{
		catalogEntry("100"),
		catalogEntry("101"),
	}}

	pipeline := catalog.NewPipeline(stubFetcher{}, stubParser{page: page},
		stubCounters{}, stubReconciler{}, nil, nil, nil, nil, nil, log,
		catalog.PipelineConfig{})

	sink := &memorySink{}
	committer := batch.NewCommitter(sink, log, batch.Config{
		Size:     2,
		Debounce: 10 * time.Millisecond,
	})
	t.Cleanup(committer.Close)

	cache := dedup.NewCache(client, emptySource{}, log, dedup.CacheConfig{
		File:    filepath.Join(t.TempDir(), "numbers.txt"),
		SetKey:  "dup:numbers",
		LockKey: "dup:lock",
		DoneKey: "dup:done",
	})

	markers := coordination.NewMarkers(client, coordination.MarkerConfig{
		ProcessingKey: "harvest:processing",
		OwnerKey:      "harvest:owners",
		DedupSetKey:   "harvest:enqueued",
	})

	resolver := &stubResolver{}

	h := NewHarvester(HarvesterDeps{
		WorkerID:  "w1",
		Pipeline:  pipeline,
		Resolver:  resolver,
		Guard:     dedup.NewGuard(client, log, "dup_guard:item:", time.Minute),
		Cache:     cache,
		Delay:     throttle.NewDelay(client, log, throttle.Config{KeyPrefix: "delay:"}),
		Committer: committer,
		Markers:   markers,
		Logger:    log,
	}, 0, 0, 0)

	err := h.Handle(ctx, &domain.HarvestJob{ID: "job-1", Query: "widget"})
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"100", "101"}, resolver.calls)

	// Both listings landed with job fields filled in.
	sink.mu.Lock()
	require.Len(t, sink.details, 2)
	for _, d := range sink.details {
		assert.Equal(t, "widget", d.Item.Query)
		assert.Equal(t, int64(5), d.Item.Cycle)
	}
	sink.mu.Unlock()

	// Stored numbers are remembered and their claims released.
	assert.True(t, cache.Contains(ctx, "100"))
	assert.True(t, cache.Contains(ctx, "101"))
	assert.False(t, mr.Exists("dup_guard:item:100"))
	assert.False(t, mr.Exists("dup_guard:item:101"))

	// The processing marker is gone.
	inFlight, err := markers.InFlight(ctx)
	require.NoError(t, err)
	assert.Zero(t, inFlight)
}

func TestHarvesterSkipsClaimedListing(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	log := logger.NewNop()
	ctx := context.Background()

	// A peer already holds 100.
	require.NoError(t, client.Set(ctx, "dup_guard:item:100", "peer", time.Minute).Err())

	page := &domain.CatalogPage{Entries: []domain.CatalogEntry{
		catalogEntry("100"),
		catalogEntry("101"),
	}}

	pipeline := catalog.NewPipeline(stubFetcher{}, stubParser{page: page},
		stubCounters{}, stubReconciler{}, nil, nil, nil, nil, nil, log,
		catalog.PipelineConfig{})

	sink := &memorySink{}
	committer := batch.NewCommitter(sink, log, batch.Config{
		Size:     1,
		Debounce: 10 * time.Millisecond,
	})
	t.Cleanup(committer.Close)

	resolver := &stubResolver{}

	h := NewHarvester(HarvesterDeps{
		WorkerID: "w1",
		Pipeline: pipeline,
		Resolver: resolver,
		Guard:    dedup.NewGuard(client, log, "dup_guard:item:", time.Minute),
		Cache: dedup.NewCache(client, emptySource{}, log, dedup.CacheConfig{
			File:   filepath.Join(t.TempDir(), "numbers.txt"),
			SetKey: "dup:numbers",
		}),
		Delay:     throttle.NewDelay(client, log, throttle.Config{KeyPrefix: "delay:"}),
		Committer: committer,
		Markers: coordination.NewMarkers(client, coordination.MarkerConfig{
			ProcessingKey: "harvest:processing",
			OwnerKey:      "harvest:owners",
			DedupSetKey:   "harvest:enqueued",
		}),
		Logger: log,
	}, 0, 0, 0)

	require.NoError(t, h.Handle(ctx, &domain.HarvestJob{ID: "job-1", Query: "widget"}))

	assert.Equal(t, []string{"101"}, resolver.calls)

	// The peer's claim is untouched.
	val, err := client.Get(ctx, "dup_guard:item:100").Result()
	require.NoError(t, err)
	assert.Equal(t, "peer", val)
}
