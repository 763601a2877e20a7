package usage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS requests (
	id TEXT PRIMARY KEY,
	timestamp TEXT NOT NULL,
	model TEXT NOT NULL,
	provider TEXT,
	prompt_tokens INTEGER,
	completion_tokens INTEGER,
	total_tokens INTEGER,
	cost REAL,
	duration_ms INTEGER,
	outcome TEXT NOT NULL,
	error_code TEXT,
	error TEXT,
	request_data TEXT
);
CREATE INDEX IF NOT EXISTS idx_requests_timestamp ON requests(timestamp);
CREATE INDEX IF NOT EXISTS idx_requests_model ON requests(model);
CREATE INDEX IF NOT EXISTS idx_requests_provider ON requests(provider);
`

// Store is the SQLite-backed usage ledger. It implements Recorder for the
// request path and serves the read API for the /requests and /stats
// endpoints. Write failures are logged and swallowed; the ledger must
// never break request processing.
type Store struct {
	db         *sql.DB
	logger     *slog.Logger
	insertStmt *sql.Stmt
}

// StoreConfig configures the SQLite ledger.
type StoreConfig struct {
	// Path is the database file location.
	Path string

	// BusyTimeout is how long to wait on locks before failing.
	// Default: 5 seconds.
	BusyTimeout time.Duration
}

// OpenStore opens (creating if needed) the ledger database in WAL mode.
func OpenStore(cfg StoreConfig, logger *slog.Logger) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("usage store: path cannot be empty")
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)",
		cfg.Path, cfg.BusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("usage store: open database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("usage store: apply schema: %w", err)
	}

	insertStmt, err := db.Prepare(`
		INSERT INTO requests
		(id, timestamp, model, provider, prompt_tokens, completion_tokens,
		 total_tokens, cost, duration_ms, outcome, error_code, error, request_data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("usage store: prepare insert: %w", err)
	}

	return &Store{db: db, logger: logger, insertStmt: insertStmt}, nil
}

// Record persists one usage row. Failures are logged, never returned.
func (s *Store) Record(ctx context.Context, rec *Record) {
	var requestData any
	if rec.Request != nil {
		if b, err := json.Marshal(rec.Request); err == nil {
			requestData = string(b)
		}
	}

	_, err := s.insertStmt.ExecContext(ctx,
		rec.ID.String(),
		rec.Timestamp.Format(time.RFC3339Nano),
		rec.Alias,
		rec.Provider,
		nullableInt(rec.PromptTokens),
		nullableInt(rec.CompletionTokens),
		nullableInt(rec.TotalTokens),
		nullableFloat(rec.Cost),
		rec.Duration.Milliseconds(),
		string(rec.Outcome),
		nullableString(rec.ErrorCode),
		nullableString(rec.ErrorDetail),
		requestData,
	)
	if err != nil {
		s.logger.Error("failed to persist usage record",
			slog.String("id", rec.ID.String()),
			slog.String("model", rec.Alias),
			slog.String("error", err.Error()),
		)
	}
}

// Ping reports whether the ledger is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the database handle.
func (s *Store) Close() error {
	s.insertStmt.Close()
	return s.db.Close()
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableString(v string) any {
	if v == "" {
		return nil
	}
	return v
}
