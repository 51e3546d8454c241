// Package audit keeps a trail of every dispatch in SQLite and fans events
// out to live subscribers.
package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// Event is one dispatch outcome.
type Event struct {
	ID          int64     `json:"id" db:"id"`
	Timestamp   time.Time `json:"timestamp" db:"timestamp"`
	RequestID   string    `json:"request_id" db:"request_id"`
	Node        string    `json:"node" db:"node"`
	Operation   string    `json:"operation" db:"operation"`
	Status      string    `json:"status" db:"status"` // "success" or "error"
	ErrorKind   string    `json:"error_kind,omitempty" db:"error_kind"`
	ErrorMsg    string    `json:"error_msg,omitempty" db:"error_msg"`
	StatusCode  int       `json:"status_code,omitempty" db:"status_code"`
	DurationMs  int64     `json:"duration_ms" db:"duration_ms"`
	Retries     int       `json:"retries" db:"retries"`
	FromCache   bool      `json:"from_cache" db:"from_cache"`
	RateLimited bool      `json:"rate_limited" db:"rate_limited"`
}

const schema = `
CREATE TABLE IF NOT EXISTS dispatch_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp DATETIME NOT NULL,
	request_id TEXT NOT NULL,
	node TEXT NOT NULL,
	operation TEXT NOT NULL,
	status TEXT NOT NULL,
	error_kind TEXT NOT NULL DEFAULT '',
	error_msg TEXT NOT NULL DEFAULT '',
	status_code INTEGER NOT NULL DEFAULT 0,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	retries INTEGER NOT NULL DEFAULT 0,
	from_cache BOOLEAN NOT NULL DEFAULT 0,
	rate_limited BOOLEAN NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_dispatch_timestamp ON dispatch_events(timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_dispatch_node ON dispatch_events(node, operation);
CREATE INDEX IF NOT EXISTS idx_dispatch_status ON dispatch_events(status);
`

const insertEvent = `
INSERT INTO dispatch_events (
	timestamp, request_id, node, operation, status, error_kind, error_msg,
	status_code, duration_ms, retries, from_cache, rate_limited
) VALUES (
	:timestamp, :request_id, :node, :operation, :status, :error_kind, :error_msg,
	:status_code, :duration_ms, :retries, :from_cache, :rate_limited
)`

// Logger buffers events and writes them in batches.
type Logger struct {
	db        *sqlx.DB
	hub       *Hub
	batchSize int

	mu       sync.Mutex // serializes writes
	bufferMu sync.Mutex
	buffer   []Event

	flushTicker *time.Ticker
	done        chan struct{}
	closeOnce   sync.Once
}

// NewLogger opens (or creates) the audit database at dbPath. ":memory:" is
// accepted for tests. hub may be nil.
func NewLogger(dbPath string, hub *Hub) (*Logger, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection keeps in-memory databases alive and serializes
	// SQLite writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	l := &Logger{
		db:          db,
		hub:         hub,
		batchSize:   100,
		buffer:      make([]Event, 0, 100),
		flushTicker: time.NewTicker(5 * time.Second),
		done:        make(chan struct{}),
	}
	go l.backgroundFlush()
	return l, nil
}

// Record buffers one event and publishes it to live subscribers.
func (l *Logger) Record(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if l.hub != nil {
		l.hub.Publish(event)
	}

	l.bufferMu.Lock()
	l.buffer = append(l.buffer, event)
	full := len(l.buffer) >= l.batchSize
	l.bufferMu.Unlock()

	if full {
		go l.Flush()
	}
}

// Flush writes all buffered events to the database
func (l *Logger) Flush() error {
	l.bufferMu.Lock()
	if len(l.buffer) == 0 {
		l.bufferMu.Unlock()
		return nil
	}
	events := make([]Event, len(l.buffer))
	copy(events, l.buffer)
	l.buffer = l.buffer[:0]
	l.bufferMu.Unlock()

	l.mu.Lock()
	defer l.mu.Unlock()

	tx, err := l.db.Beginx()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareNamed(insertEvent)
	if err != nil {
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, event := range events {
		if _, err := stmt.Exec(event); err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
	}
	return tx.Commit()
}

func (l *Logger) backgroundFlush() {
	for {
		select {
		case <-l.done:
			return
		case <-l.flushTicker.C:
			_ = l.Flush()
		}
	}
}

// QueryOptions filters Query.
type QueryOptions struct {
	Node      string
	Operation string
	Status    string
	ErrorKind string
	Since     time.Time
	Limit     int
	Offset    int
}

// Query returns flushed events, newest first.
func (l *Logger) Query(ctx context.Context, opts QueryOptions) ([]Event, error) {
	query := `
		SELECT id, timestamp, request_id, node, operation, status, error_kind, error_msg,
		       status_code, duration_ms, retries, from_cache, rate_limited
		FROM dispatch_events
		WHERE 1=1
	`
	args := make([]any, 0)
	if opts.Node != "" {
		query += " AND node = ?"
		args = append(args, opts.Node)
	}
	if opts.Operation != "" {
		query += " AND operation = ?"
		args = append(args, opts.Operation)
	}
	if opts.Status != "" {
		query += " AND status = ?"
		args = append(args, opts.Status)
	}
	if opts.ErrorKind != "" {
		query += " AND error_kind = ?"
		args = append(args, opts.ErrorKind)
	}
	if !opts.Since.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, opts.Since.UTC())
	}
	limit := 100
	if opts.Limit > 0 {
		limit = opts.Limit
	}
	query += fmt.Sprintf(" ORDER BY timestamp DESC, id DESC LIMIT %d OFFSET %d", limit, opts.Offset)

	l.mu.Lock()
	defer l.mu.Unlock()
	var events []Event
	if err := l.db.SelectContext(ctx, &events, query, args...); err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	return events, nil
}

// Stats is the aggregate over a node's flushed events.
type Stats struct {
	TotalRequests      int64   `json:"total_requests" db:"total_requests"`
	SuccessfulRequests int64   `json:"successful_requests" db:"successful_requests"`
	FailedRequests     int64   `json:"failed_requests" db:"failed_requests"`
	CacheHits          int64   `json:"cache_hits" db:"cache_hits"`
	RateLimited        int64   `json:"rate_limited" db:"rate_limited"`
	ErrorRate          float64 `json:"error_rate" db:"-"`
	AvgDurationMs      float64 `json:"avg_duration_ms" db:"avg_duration_ms"`
	MaxDurationMs      int64   `json:"max_duration_ms" db:"max_duration_ms"`
}

// GetStats aggregates events of node (all nodes when empty) since the given time.
func (l *Logger) GetStats(ctx context.Context, node string, since time.Time) (*Stats, error) {
	query := `
		SELECT
			COUNT(*) AS total_requests,
			COALESCE(SUM(CASE WHEN status = 'success' THEN 1 ELSE 0 END), 0) AS successful_requests,
			COALESCE(SUM(CASE WHEN status = 'error' THEN 1 ELSE 0 END), 0) AS failed_requests,
			COALESCE(SUM(CASE WHEN from_cache THEN 1 ELSE 0 END), 0) AS cache_hits,
			COALESCE(SUM(CASE WHEN rate_limited THEN 1 ELSE 0 END), 0) AS rate_limited,
			COALESCE(AVG(duration_ms), 0) AS avg_duration_ms,
			COALESCE(MAX(duration_ms), 0) AS max_duration_ms
		FROM dispatch_events
		WHERE 1=1
	`
	args := make([]any, 0)
	if node != "" {
		query += " AND node = ?"
		args = append(args, node)
	}
	if !since.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, since.UTC())
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	var stats Stats
	if err := l.db.GetContext(ctx, &stats, query, args...); err != nil {
		return nil, fmt.Errorf("query stats: %w", err)
	}
	if stats.TotalRequests > 0 {
		stats.ErrorRate = float64(stats.FailedRequests) / float64(stats.TotalRequests) * 100
	}
	return &stats, nil
}

// Close flushes remaining events and closes the database.
func (l *Logger) Close() error {
	var err error
	l.closeOnce.Do(func() {
		l.flushTicker.Stop()
		close(l.done)
		if ferr := l.Flush(); ferr != nil {
			err = ferr
		}
		if cerr := l.db.Close(); err == nil {
			err = cerr
		}
	})
	return err
}
