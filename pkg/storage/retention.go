package storage

import (
	"context"
	"time"

	"dns-proxy/pkg/logging"
)

// DefaultRetentionInterval is how often RunRetention prunes the query log.
const DefaultRetentionInterval = time.Hour

// RunRetention deletes entries older than retentionDays once at start and
// then every interval, until ctx is cancelled. A retentionDays of zero keeps
// everything.
func RunRetention(ctx context.Context, s Storage, retentionDays int, interval time.Duration, logger *logging.Logger) error {
	if retentionDays <= 0 {
		<-ctx.Done()
		return nil
	}
	if interval <= 0 {
		interval = DefaultRetentionInterval
	}

	prune := func() {
		cutoff := time.Now().Add(-time.Duration(retentionDays) * 24 * time.Hour)
		if err := s.Cleanup(ctx, cutoff); err != nil && ctx.Err() == nil {
			logger.Warn("Query log retention failed", "error", err)
		}
	}

	prune()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			prune()
		}
	}
}
