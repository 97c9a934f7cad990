// Package storage persists the query log; this file provides the SQLite
// implementation behind the queries and stats commands.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"dns-proxy/pkg/config"
	"dns-proxy/pkg/logging"

	_ "modernc.org/sqlite"
)

// MetricsRecorder defines the interface for recording storage metrics
// This interface breaks the import cycle between storage and telemetry packages
type MetricsRecorder interface {
	AddDroppedQuery(ctx context.Context, count int64)
}

const queryColumns = `id, timestamp, client_ip, domain, query_type, resolution, answer, upstream, response_size, response_time_ms`

// SQLiteStorage implements the Storage interface using SQLite
type SQLiteStorage struct {
	db              *sql.DB
	cfg             *config.StorageConfig
	metrics         MetricsRecorder
	logger          *logging.Logger
	buffer          chan *QueryLog
	stmtInsertQuery *sql.Stmt
	stmtDomainStats *sql.Stmt
	wg              sync.WaitGroup
	mu              sync.RWMutex
	closed          bool
}

// NewSQLiteStorage opens (or creates) the database at cfg.Path, applies
// pending migrations and starts the background flush worker.
func NewSQLiteStorage(cfg *config.StorageConfig, metrics MetricsRecorder, logger *logging.Logger) (*SQLiteStorage, error) {
	if cfg == nil {
		return nil, ErrInvalidConfig
	}
	if logger == nil {
		logger = logging.NewDiscard()
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	// SQLite works best with a single connection; it also keeps
	// ":memory:" databases alive across statements.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if pingErr := db.Ping(); pingErr != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, pingErr)
	}

	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout),
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
	}
	if cfg.WALMode {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}

	for _, pragma := range pragmas {
		if _, pragmaErr := db.Exec(pragma); pragmaErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", pragmaErr)
		}
	}

	if migrationErr := runMigrations(db); migrationErr != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", migrationErr)
	}

	stmtInsert, err := db.Prepare(`
		INSERT INTO queries
		(timestamp, client_ip, domain, query_type, resolution, answer, upstream, response_size, response_time_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to prepare insert statement: %w", err)
	}

	stmtStats, err := db.Prepare(`
		INSERT INTO domain_stats (domain, query_count, first_queried, last_queried)
		VALUES (?, 1, ?, ?)
		ON CONFLICT(domain) DO UPDATE SET
			query_count = query_count + 1,
			last_queried = excluded.last_queried
	`)
	if err != nil {
		_ = stmtInsert.Close()
		_ = db.Close()
		return nil, fmt.Errorf("failed to prepare domain stats statement: %w", err)
	}

	s := &SQLiteStorage{
		db:              db,
		cfg:             cfg,
		metrics:         metrics,
		logger:          logger,
		buffer:          make(chan *QueryLog, cfg.BufferSize),
		stmtInsertQuery: stmtInsert,
		stmtDomainStats: stmtStats,
	}

	s.wg.Add(1)
	go s.flushWorker()

	return s, nil
}

// LogQuery queues a DNS query for the next batch write. It never blocks:
// when the buffer is full the entry is dropped and ErrBufferFull returned.
func (s *SQLiteStorage) LogQuery(ctx context.Context, query *QueryLog) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrClosed
	}

	if query.Timestamp.IsZero() {
		query.Timestamp = time.Now()
	}

	select {
	case s.buffer <- query:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		if s.metrics != nil {
			s.metrics.AddDroppedQuery(ctx, 1)
		}
		return ErrBufferFull
	}
}

// flushWorker batches buffered entries and writes them when the batch is
// full or FlushInterval elapses. It drains the buffer and exits once the
// buffer is closed.
func (s *SQLiteStorage) flushWorker() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]*QueryLog, 0, s.cfg.BatchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}

		if err := s.flushBatch(batch); err != nil {
			s.logger.Error("Failed to flush query batch",
				"error", err,
				"batch_size", len(batch),
			)
		}

		batch = batch[:0]
	}

	for {
		select {
		case query, ok := <-s.buffer:
			if !ok {
				flush()
				return
			}

			batch = append(batch, query)
			if len(batch) >= s.cfg.BatchSize {
				flush()
			}

		case <-ticker.C:
			flush()
		}
	}
}

// flushBatch writes a batch of entries and their domain counters in a
// single transaction.
func (s *SQLiteStorage) flushBatch(queries []*QueryLog) error {
	if len(queries) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	defer func() { _ = tx.Rollback() }()

	insert := tx.Stmt(s.stmtInsertQuery)
	stats := tx.Stmt(s.stmtDomainStats)

	for _, query := range queries {
		ts := query.Timestamp.UTC()
		_, err := insert.Exec(
			ts,
			query.ClientIP,
			query.Domain,
			query.QueryType,
			string(query.Resolution),
			nullString(query.Answer),
			nullString(query.Upstream),
			query.ResponseSize,
			query.ResponseTimeMs,
		)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrQueryFailed, err)
		}

		if _, err := stats.Exec(query.Domain, ts, ts); err != nil {
			return fmt.Errorf("%w: domain stats: %v", ErrQueryFailed, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}

	return nil
}

// GetRecentQueries returns the most recent queries with pagination support
func (s *SQLiteStorage) GetRecentQueries(ctx context.Context, limit, offset int) ([]*QueryLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+queryColumns+`
		FROM queries
		ORDER BY timestamp DESC, id DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	defer func() { _ = rows.Close() }()

	return scanQueryLogs(rows)
}

// GetQueriesByDomain returns the most recent queries for a specific domain
func (s *SQLiteStorage) GetQueriesByDomain(ctx context.Context, domain string, limit int) ([]*QueryLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+queryColumns+`
		FROM queries
		WHERE domain = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?
	`, domain, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	defer func() { _ = rows.Close() }()

	return scanQueryLogs(rows)
}

// GetStatistics returns aggregated statistics since a given time
func (s *SQLiteStorage) GetStatistics(ctx context.Context, since time.Time) (*Statistics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	stats := &Statistics{
		Since: since,
		Until: time.Now(),
	}

	var avg sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN resolution IN (?, ?) THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN resolution IN (?, ?) THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN resolution = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN resolution IN (?, ?) THEN 1 ELSE 0 END), 0),
			COUNT(DISTINCT domain),
			COUNT(DISTINCT client_ip),
			AVG(response_time_ms)
		FROM queries
		WHERE timestamp >= ?
	`,
		ResolutionHost, ResolutionDomain,
		ResolutionPrimary, ResolutionFallback,
		ResolutionFallback,
		ResolutionTimeout, ResolutionError,
		since.UTC(),
	).Scan(
		&stats.TotalQueries,
		&stats.LocalQueries,
		&stats.ForwardedQueries,
		&stats.FallbackQueries,
		&stats.FailedQueries,
		&stats.UniqueDomains,
		&stats.UniqueClients,
		&avg,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}

	if avg.Valid {
		stats.AvgResponseTimeMs = avg.Float64
	}
	if stats.TotalQueries > 0 {
		stats.LocalRate = float64(stats.LocalQueries) / float64(stats.TotalQueries) * 100
		stats.FailureRate = float64(stats.FailedQueries) / float64(stats.TotalQueries) * 100
	}

	return stats, nil
}

// GetTopDomains returns the most queried domains
func (s *SQLiteStorage) GetTopDomains(ctx context.Context, limit int) ([]*DomainStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT domain, query_count, first_queried, last_queried
		FROM domain_stats
		ORDER BY query_count DESC, domain ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	defer func() { _ = rows.Close() }()

	var domains []*DomainStats
	for rows.Next() {
		var d DomainStats
		var firstRaw, lastRaw sql.NullString
		if err := rows.Scan(&d.Domain, &d.QueryCount, &firstRaw, &lastRaw); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
		}
		d.FirstQueried = parseSQLiteTime(firstRaw.String)
		d.LastQueried = parseSQLiteTime(lastRaw.String)
		domains = append(domains, &d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}

	return domains, nil
}

// Cleanup removes entries older than olderThan and the counters of domains
// that no longer have any entries.
func (s *SQLiteStorage) Cleanup(ctx context.Context, olderThan time.Time) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrClosed
	}

	result, err := s.db.ExecContext(ctx, `
		DELETE FROM queries WHERE timestamp < ?
	`, olderThan.UTC())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}

	rows, _ := result.RowsAffected()

	_, err = s.db.ExecContext(ctx, `
		DELETE FROM domain_stats
		WHERE domain NOT IN (SELECT DISTINCT domain FROM queries)
	`)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}

	// VACUUM only pays off after large deletions
	if rows > 10000 {
		if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
			s.logger.Error("VACUUM operation failed",
				"error", err,
				"deleted_rows", rows,
			)
		}
	}

	if rows > 0 {
		s.logger.Info("Query log cleaned up", "deleted_rows", rows, "older_than", olderThan)
	}

	return nil
}

// Close flushes buffered entries and closes the database
func (s *SQLiteStorage) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.buffer)
	s.wg.Wait()

	_ = s.stmtInsertQuery.Close()
	_ = s.stmtDomainStats.Close()

	return s.db.Close()
}

// Ping checks the database connection
func (s *SQLiteStorage) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrClosed
	}

	return s.db.PingContext(ctx)
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func scanQueryLogs(rows *sql.Rows) ([]*QueryLog, error) {
	queries := []*QueryLog{}

	for rows.Next() {
		var q QueryLog
		var ts, answer, upstream sql.NullString
		var resolution string

		err := rows.Scan(
			&q.ID,
			&ts,
			&q.ClientIP,
			&q.Domain,
			&q.QueryType,
			&resolution,
			&answer,
			&upstream,
			&q.ResponseSize,
			&q.ResponseTimeMs,
		)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
		}

		q.Timestamp = parseSQLiteTime(ts.String)
		q.Resolution = Resolution(resolution)
		q.Answer = answer.String
		q.Upstream = upstream.String

		queries = append(queries, &q)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}

	return queries, nil
}
