package storage

import (
	"context"
	"time"
)

// Storage defines the interface for query log backends
// Implementations must be thread-safe and support concurrent access
type Storage interface {
	// Query Logging
	LogQuery(ctx context.Context, query *QueryLog) error
	GetRecentQueries(ctx context.Context, limit, offset int) ([]*QueryLog, error)
	GetQueriesByDomain(ctx context.Context, domain string, limit int) ([]*QueryLog, error)

	// Statistics
	GetStatistics(ctx context.Context, since time.Time) (*Statistics, error)
	GetTopDomains(ctx context.Context, limit int) ([]*DomainStats, error)

	// Maintenance
	Cleanup(ctx context.Context, olderThan time.Time) error
	Close() error
	Ping(ctx context.Context) error
}

// Resolution describes how a query was answered
type Resolution string

const (
	ResolutionHost     Resolution = "host"     // answered from the hosts table
	ResolutionDomain   Resolution = "domain"   // answered from the domains table
	ResolutionPrimary  Resolution = "primary"  // relayed from the selected upstream
	ResolutionFallback Resolution = "fallback" // relayed from the fallback upstream
	ResolutionTimeout  Resolution = "timeout"  // no upstream replied in time
	ResolutionError    Resolution = "error"    // session abandoned on a socket error
)

// Local reports whether the query was answered without an upstream.
func (r Resolution) Local() bool {
	return r == ResolutionHost || r == ResolutionDomain
}

// QueryLog represents a single DNS query log entry
type QueryLog struct {
	Timestamp      time.Time  `json:"timestamp"`
	ClientIP       string     `json:"client_ip"`
	Domain         string     `json:"domain"`
	QueryType      string     `json:"query_type"`
	Resolution     Resolution `json:"resolution"`
	Answer         string     `json:"answer,omitempty"`
	Upstream       string     `json:"upstream,omitempty"`
	ID             int64      `json:"id"`
	ResponseSize   int        `json:"response_size"`
	ResponseTimeMs float64    `json:"response_time_ms"`
}

// Statistics represents aggregated query statistics
type Statistics struct {
	Since             time.Time `json:"since"`
	Until             time.Time `json:"until"`
	TotalQueries      int64     `json:"total_queries"`
	LocalQueries      int64     `json:"local_queries"`
	ForwardedQueries  int64     `json:"forwarded_queries"`
	FallbackQueries   int64     `json:"fallback_queries"`
	FailedQueries     int64     `json:"failed_queries"`
	UniqueDomains     int64     `json:"unique_domains"`
	UniqueClients     int64     `json:"unique_clients"`
	AvgResponseTimeMs float64   `json:"avg_response_time_ms"`
	LocalRate         float64   `json:"local_rate"`   // Percentage answered from hosts/domains
	FailureRate       float64   `json:"failure_rate"` // Percentage of timeouts and errors
}

// DomainStats represents statistics for a specific domain
type DomainStats struct {
	LastQueried  time.Time `json:"last_queried"`
	FirstQueried time.Time `json:"first_queried,omitempty"`
	Domain       string    `json:"domain"`
	QueryCount   int64     `json:"query_count"`
}
