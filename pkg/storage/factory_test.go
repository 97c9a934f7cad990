package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"dns-proxy/pkg/config"
	"dns-proxy/pkg/logging"
)

func TestNewNoOpStorage(t *testing.T) {
	storage := NewNoOpStorage()
	ctx := context.Background()

	if err := storage.LogQuery(ctx, &QueryLog{}); err != nil {
		t.Errorf("LogQuery() error = %v", err)
	}
	if queries, err := storage.GetRecentQueries(ctx, 10, 0); err != nil || len(queries) != 0 {
		t.Errorf("GetRecentQueries() = %v, %v", queries, err)
	}
	if _, err := storage.GetQueriesByDomain(ctx, "example.com.", 10); err != nil {
		t.Errorf("GetQueriesByDomain() error = %v", err)
	}
	if stats, err := storage.GetStatistics(ctx, time.Now()); err != nil || stats.TotalQueries != 0 {
		t.Errorf("GetStatistics() = %+v, %v", stats, err)
	}
	if _, err := storage.GetTopDomains(ctx, 10); err != nil {
		t.Errorf("GetTopDomains() error = %v", err)
	}
	if err := storage.Cleanup(ctx, time.Now()); err != nil {
		t.Errorf("Cleanup() error = %v", err)
	}
	if err := storage.Ping(ctx); err != nil {
		t.Errorf("Ping() error = %v", err)
	}
	if err := storage.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestNewWithDisabledConfig(t *testing.T) {
	for _, cfg := range []*config.StorageConfig{nil, {Enabled: false}} {
		storage, err := New(cfg, nil, logging.NewDiscard())
		if err != nil {
			t.Fatalf("New() error = %v", err)
		}
		if _, ok := storage.(*NoOpStorage); !ok {
			t.Errorf("expected NoOpStorage when disabled, got %T", storage)
		}
	}
}

func TestNewValidation(t *testing.T) {
	tests := []struct {
		mutate func(*config.StorageConfig)
		name   string
	}{
		{name: "missing path", mutate: func(c *config.StorageConfig) { c.Path = "" }},
		{name: "zero buffer", mutate: func(c *config.StorageConfig) { c.BufferSize = 0 }},
		{name: "zero batch", mutate: func(c *config.StorageConfig) { c.BatchSize = 0 }},
		{name: "zero flush interval", mutate: func(c *config.StorageConfig) { c.FlushInterval = 0 }},
		{name: "negative retention", mutate: func(c *config.StorageConfig) { c.RetentionDays = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(":memory:")
			tt.mutate(cfg)

			if _, err := New(cfg, nil, logging.NewDiscard()); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestNewSQLiteFromConfig(t *testing.T) {
	cfg := testConfig(filepath.Join(t.TempDir(), "dns-proxy.db"))

	storage, err := New(cfg, nil, logging.NewDiscard())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = storage.Close() }()

	if _, ok := storage.(*SQLiteStorage); !ok {
		t.Fatalf("expected SQLiteStorage, got %T", storage)
	}
}
