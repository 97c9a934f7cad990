package storage

import (
	"context"
	"fmt"
	"time"

	"dns-proxy/pkg/config"
	"dns-proxy/pkg/logging"
)

// New creates the query log backend described by cfg. A disabled or nil
// config yields a NoOpStorage.
func New(cfg *config.StorageConfig, metrics MetricsRecorder, logger *logging.Logger) (Storage, error) {
	if cfg == nil || !cfg.Enabled {
		return NewNoOpStorage(), nil
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}

	return NewSQLiteStorage(cfg, metrics, logger)
}

func validate(cfg *config.StorageConfig) error {
	switch {
	case cfg.Path == "":
		return fmt.Errorf("%w: path is required", ErrInvalidConfig)
	case cfg.BufferSize < 1:
		return fmt.Errorf("%w: buffer_size must be at least 1", ErrInvalidConfig)
	case cfg.BatchSize < 1:
		return fmt.Errorf("%w: batch_size must be at least 1", ErrInvalidConfig)
	case cfg.FlushInterval <= 0:
		return fmt.Errorf("%w: flush_interval must be positive", ErrInvalidConfig)
	case cfg.RetentionDays < 0:
		return fmt.Errorf("%w: retention_days must not be negative", ErrInvalidConfig)
	}
	return nil
}

// NoOpStorage is a no-op storage that does nothing
// Used when storage is disabled
type NoOpStorage struct{}

// NewNoOpStorage creates a new no-op storage
func NewNoOpStorage() *NoOpStorage {
	return &NoOpStorage{}
}

// LogQuery does nothing
func (n *NoOpStorage) LogQuery(ctx context.Context, query *QueryLog) error {
	return nil
}

// GetRecentQueries returns an empty slice
func (n *NoOpStorage) GetRecentQueries(ctx context.Context, limit, offset int) ([]*QueryLog, error) {
	return []*QueryLog{}, nil
}

// GetQueriesByDomain returns an empty slice
func (n *NoOpStorage) GetQueriesByDomain(ctx context.Context, domain string, limit int) ([]*QueryLog, error) {
	return []*QueryLog{}, nil
}

// GetStatistics returns empty statistics
func (n *NoOpStorage) GetStatistics(ctx context.Context, since time.Time) (*Statistics, error) {
	return &Statistics{
		Since: since,
		Until: time.Now(),
	}, nil
}

// GetTopDomains returns an empty slice
func (n *NoOpStorage) GetTopDomains(ctx context.Context, limit int) ([]*DomainStats, error) {
	return []*DomainStats{}, nil
}

// Cleanup does nothing
func (n *NoOpStorage) Cleanup(ctx context.Context, olderThan time.Time) error {
	return nil
}

// Close does nothing
func (n *NoOpStorage) Close() error {
	return nil
}

// Ping does nothing
func (n *NoOpStorage) Ping(ctx context.Context) error {
	return nil
}
