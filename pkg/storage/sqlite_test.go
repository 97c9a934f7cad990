package storage

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"dns-proxy/pkg/config"
	"dns-proxy/pkg/logging"
)

func testConfig(path string) *config.StorageConfig {
	return &config.StorageConfig{
		Enabled:       true,
		Path:          path,
		BufferSize:    100,
		BatchSize:     10,
		FlushInterval: 50 * time.Millisecond,
		RetentionDays: 7,
		BusyTimeout:   5000,
		WALMode:       false, // WAL doesn't work with :memory:
	}
}

func setupTestStorage(t *testing.T) *SQLiteStorage {
	t.Helper()

	s, err := NewSQLiteStorage(testConfig(":memory:"), nil, logging.NewDiscard())
	if err != nil {
		t.Fatalf("NewSQLiteStorage() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// insertQuery writes straight to the table, bypassing the buffer
func insertQuery(t *testing.T, s *SQLiteStorage, q *QueryLog) {
	t.Helper()
	if err := s.flushBatch([]*QueryLog{q}); err != nil {
		t.Fatalf("flushBatch() error = %v", err)
	}
}

type droppedCounter struct{ n atomic.Int64 }

func (d *droppedCounter) AddDroppedQuery(_ context.Context, count int64) { d.n.Add(count) }

func TestNewSQLiteStorage(t *testing.T) {
	s := setupTestStorage(t)

	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping() error = %v", err)
	}

	version, err := getCurrentVersion(s.db)
	if err != nil {
		t.Fatalf("getCurrentVersion() error = %v", err)
	}
	if want := len(getMigrations()); version != want {
		t.Errorf("schema version = %d, want %d", version, want)
	}
}

func TestNewSQLiteStorage_NilConfig(t *testing.T) {
	if _, err := NewSQLiteStorage(nil, nil, nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestSQLiteStorage_LogQueryFlushesOnInterval(t *testing.T) {
	s := setupTestStorage(t)
	ctx := context.Background()

	err := s.LogQuery(ctx, &QueryLog{
		ClientIP:       "192.168.1.1",
		Domain:         "example.com.",
		QueryType:      "A",
		Resolution:     ResolutionPrimary,
		Answer:         "NOERROR A 93.184.216.34",
		Upstream:       "8.8.8.8:53",
		ResponseSize:   56,
		ResponseTimeMs: 12.5,
	})
	if err != nil {
		t.Fatalf("LogQuery() error = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	var queries []*QueryLog
	for time.Now().Before(deadline) {
		queries, err = s.GetRecentQueries(ctx, 10, 0)
		if err != nil {
			t.Fatalf("GetRecentQueries() error = %v", err)
		}
		if len(queries) == 1 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	if len(queries) != 1 {
		t.Fatalf("expected 1 flushed query, got %d", len(queries))
	}
	q := queries[0]
	if q.Domain != "example.com." || q.Resolution != ResolutionPrimary || q.Upstream != "8.8.8.8:53" {
		t.Errorf("unexpected entry: %+v", q)
	}
	if q.Timestamp.IsZero() {
		t.Error("timestamp should be set when not provided")
	}
	if q.ResponseSize != 56 || q.ResponseTimeMs != 12.5 {
		t.Errorf("size/latency not persisted: %+v", q)
	}
}

func TestSQLiteStorage_BufferFull(t *testing.T) {
	// No flush worker: the single slot stays occupied
	dropped := &droppedCounter{}
	s := &SQLiteStorage{
		cfg:     testConfig(":memory:"),
		metrics: dropped,
		logger:  logging.NewDiscard(),
		buffer:  make(chan *QueryLog, 1),
	}

	ctx := context.Background()
	if err := s.LogQuery(ctx, &QueryLog{Domain: "a.example."}); err != nil {
		t.Fatalf("first LogQuery() error = %v", err)
	}
	if err := s.LogQuery(ctx, &QueryLog{Domain: "b.example."}); !errors.Is(err, ErrBufferFull) {
		t.Fatalf("second LogQuery() = %v, want ErrBufferFull", err)
	}
	if got := dropped.n.Load(); got != 1 {
		t.Errorf("dropped = %d, want 1", got)
	}
}

func TestSQLiteStorage_GetRecentQueries(t *testing.T) {
	s := setupTestStorage(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		insertQuery(t, s, &QueryLog{
			Timestamp:  base.Add(time.Duration(i) * time.Minute),
			ClientIP:   "192.168.1.1",
			Domain:     "example.com.",
			QueryType:  "A",
			Resolution: ResolutionPrimary,
		})
	}

	queries, err := s.GetRecentQueries(ctx, 3, 0)
	if err != nil {
		t.Fatalf("GetRecentQueries() error = %v", err)
	}
	if len(queries) != 3 {
		t.Fatalf("expected 3 queries, got %d", len(queries))
	}
	for i := 1; i < len(queries); i++ {
		if queries[i].Timestamp.After(queries[i-1].Timestamp) {
			t.Error("queries not ordered by most recent first")
		}
	}

	page, err := s.GetRecentQueries(ctx, 10, 3)
	if err != nil {
		t.Fatalf("GetRecentQueries() offset error = %v", err)
	}
	if len(page) != 2 {
		t.Errorf("expected 2 queries after offset, got %d", len(page))
	}
}

func TestSQLiteStorage_GetQueriesByDomain(t *testing.T) {
	s := setupTestStorage(t)
	ctx := context.Background()

	for _, domain := range []string{"a.example.", "b.example.", "a.example."} {
		insertQuery(t, s, &QueryLog{
			Timestamp:  time.Now(),
			ClientIP:   "10.0.0.1",
			Domain:     domain,
			QueryType:  "AAAA",
			Resolution: ResolutionDomain,
			Answer:     "::1",
		})
	}

	queries, err := s.GetQueriesByDomain(ctx, "a.example.", 10)
	if err != nil {
		t.Fatalf("GetQueriesByDomain() error = %v", err)
	}
	if len(queries) != 2 {
		t.Fatalf("expected 2 queries, got %d", len(queries))
	}
	for _, q := range queries {
		if q.Domain != "a.example." {
			t.Errorf("unexpected domain %s", q.Domain)
		}
		if q.Upstream != "" {
			t.Errorf("local answer should have no upstream, got %q", q.Upstream)
		}
	}
}

func TestSQLiteStorage_GetStatistics(t *testing.T) {
	s := setupTestStorage(t)
	ctx := context.Background()

	now := time.Now()
	entries := []struct {
		resolution Resolution
		client     string
		domain     string
	}{
		{ResolutionHost, "10.0.0.1", "router.lan."},
		{ResolutionDomain, "10.0.0.1", "ads.example."},
		{ResolutionPrimary, "10.0.0.2", "example.com."},
		{ResolutionFallback, "10.0.0.2", "example.com."},
		{ResolutionTimeout, "10.0.0.3", "slow.example."},
	}
	for _, e := range entries {
		insertQuery(t, s, &QueryLog{
			Timestamp:      now,
			ClientIP:       e.client,
			Domain:         e.domain,
			QueryType:      "A",
			Resolution:     e.resolution,
			ResponseTimeMs: 10,
		})
	}
	insertQuery(t, s, &QueryLog{
		Timestamp:  now.Add(-48 * time.Hour),
		ClientIP:   "10.0.0.9",
		Domain:     "old.example.",
		QueryType:  "A",
		Resolution: ResolutionPrimary,
	})

	stats, err := s.GetStatistics(ctx, now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("GetStatistics() error = %v", err)
	}

	if stats.TotalQueries != 5 {
		t.Errorf("TotalQueries = %d, want 5", stats.TotalQueries)
	}
	if stats.LocalQueries != 2 {
		t.Errorf("LocalQueries = %d, want 2", stats.LocalQueries)
	}
	if stats.ForwardedQueries != 2 {
		t.Errorf("ForwardedQueries = %d, want 2", stats.ForwardedQueries)
	}
	if stats.FallbackQueries != 1 {
		t.Errorf("FallbackQueries = %d, want 1", stats.FallbackQueries)
	}
	if stats.FailedQueries != 1 {
		t.Errorf("FailedQueries = %d, want 1", stats.FailedQueries)
	}
	if stats.UniqueDomains != 4 || stats.UniqueClients != 3 {
		t.Errorf("unique domains/clients = %d/%d, want 4/3", stats.UniqueDomains, stats.UniqueClients)
	}
	if stats.AvgResponseTimeMs != 10 {
		t.Errorf("AvgResponseTimeMs = %v, want 10", stats.AvgResponseTimeMs)
	}
	if stats.LocalRate != 40 || stats.FailureRate != 20 {
		t.Errorf("rates = %v/%v, want 40/20", stats.LocalRate, stats.FailureRate)
	}
}

func TestSQLiteStorage_GetStatisticsEmpty(t *testing.T) {
	s := setupTestStorage(t)

	stats, err := s.GetStatistics(context.Background(), time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("GetStatistics() error = %v", err)
	}
	if stats.TotalQueries != 0 || stats.AvgResponseTimeMs != 0 || stats.LocalRate != 0 {
		t.Errorf("expected zero statistics, got %+v", stats)
	}
}

func TestSQLiteStorage_GetTopDomains(t *testing.T) {
	s := setupTestStorage(t)
	ctx := context.Background()

	counts := map[string]int{"popular.example.": 5, "medium.example.": 3, "rare.example.": 1}
	for domain, n := range counts {
		for i := 0; i < n; i++ {
			insertQuery(t, s, &QueryLog{
				Timestamp:  time.Now(),
				ClientIP:   "10.0.0.1",
				Domain:     domain,
				QueryType:  "A",
				Resolution: ResolutionPrimary,
			})
		}
	}

	top, err := s.GetTopDomains(ctx, 2)
	if err != nil {
		t.Fatalf("GetTopDomains() error = %v", err)
	}
	if len(top) != 2 {
		t.Fatalf("expected 2 domains, got %d", len(top))
	}
	if top[0].Domain != "popular.example." || top[0].QueryCount != 5 {
		t.Errorf("top[0] = %+v", top[0])
	}
	if top[1].Domain != "medium.example." || top[1].QueryCount != 3 {
		t.Errorf("top[1] = %+v", top[1])
	}
	if top[0].FirstQueried.IsZero() || top[0].LastQueried.IsZero() {
		t.Error("first/last queried should be populated")
	}
}

func TestSQLiteStorage_Cleanup(t *testing.T) {
	s := setupTestStorage(t)
	ctx := context.Background()

	insertQuery(t, s, &QueryLog{
		Timestamp:  time.Now().Add(-10 * 24 * time.Hour),
		ClientIP:   "10.0.0.1",
		Domain:     "old.example.",
		QueryType:  "A",
		Resolution: ResolutionPrimary,
	})
	insertQuery(t, s, &QueryLog{
		Timestamp:  time.Now(),
		ClientIP:   "10.0.0.1",
		Domain:     "new.example.",
		QueryType:  "A",
		Resolution: ResolutionPrimary,
	})

	if err := s.Cleanup(ctx, time.Now().Add(-7*24*time.Hour)); err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}

	queries, err := s.GetRecentQueries(ctx, 10, 0)
	if err != nil {
		t.Fatalf("GetRecentQueries() error = %v", err)
	}
	if len(queries) != 1 || queries[0].Domain != "new.example." {
		t.Fatalf("expected only the recent entry to survive, got %d", len(queries))
	}

	top, err := s.GetTopDomains(ctx, 10)
	if err != nil {
		t.Fatalf("GetTopDomains() error = %v", err)
	}
	if len(top) != 1 || top[0].Domain != "new.example." {
		t.Errorf("stale domain stats should be removed, got %d entries", len(top))
	}
}

func TestSQLiteStorage_Close(t *testing.T) {
	s, err := NewSQLiteStorage(testConfig(":memory:"), nil, logging.NewDiscard())
	if err != nil {
		t.Fatalf("NewSQLiteStorage() error = %v", err)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}

	ctx := context.Background()
	if err := s.LogQuery(ctx, &QueryLog{Domain: "example.com."}); !errors.Is(err, ErrClosed) {
		t.Errorf("LogQuery after Close = %v, want ErrClosed", err)
	}
	if _, err := s.GetRecentQueries(ctx, 1, 0); !errors.Is(err, ErrClosed) {
		t.Errorf("GetRecentQueries after Close = %v, want ErrClosed", err)
	}
	if err := s.Ping(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("Ping after Close = %v, want ErrClosed", err)
	}
}

func TestSQLiteStorage_Persistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queries.db")
	cfg := testConfig(path)
	cfg.WALMode = true
	cfg.FlushInterval = time.Hour

	s, err := NewSQLiteStorage(cfg, nil, logging.NewDiscard())
	if err != nil {
		t.Fatalf("NewSQLiteStorage() error = %v", err)
	}

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := s.LogQuery(ctx, &QueryLog{
			ClientIP:   "10.0.0.1",
			Domain:     "persist.example.",
			QueryType:  "A",
			Resolution: ResolutionFallback,
			Upstream:   "8.8.8.8:53",
		}); err != nil {
			t.Fatalf("LogQuery() error = %v", err)
		}
	}

	// Close drains the buffer before the interval fires
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	reopened, err := NewSQLiteStorage(cfg, nil, logging.NewDiscard())
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer func() { _ = reopened.Close() }()

	queries, err := reopened.GetQueriesByDomain(ctx, "persist.example.", 10)
	if err != nil {
		t.Fatalf("GetQueriesByDomain() error = %v", err)
	}
	if len(queries) != 3 {
		t.Errorf("expected 3 persisted queries, got %d", len(queries))
	}
}
