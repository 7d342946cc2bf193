// Package storage provides SQLite-backed persistence for replay runs, per-security
// summaries, and trade journals.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rewired-gh/mmsim/internal/models"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("not found")

// Storage wraps a SQLite database for all persistence operations.
type Storage struct {
	db      *sql.DB
	maxRuns int
}

// New opens or creates the SQLite database at dbPath and keeps at most
// maxRuns runs (0 keeps everything).
// An empty dbPath defaults to $TMPDIR/mmsim/results.db.
func New(maxRuns int, dbPath string) (*Storage, error) {
	if dbPath == "" {
		dbPath = filepath.Join(os.TempDir(), "mmsim", "results.db")
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	// foreign_keys is per connection; the DSN applies it to every one the pool opens
	db, err := sql.Open("sqlite", dsn(dbPath, "_pragma=foreign_keys(1)"))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer; WAL allows concurrent readers
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}
	s := &Storage{db: db, maxRuns: maxRuns}
	if err := s.createTables(); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func dsn(path, param string) string {
	if strings.Contains(path, "?") {
		return path + "&" + param
	}
	return path + "?" + param
}

// Close closes the underlying database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) createTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id          TEXT PRIMARY KEY,
			strategy    TEXT NOT NULL,
			started_at  INTEGER NOT NULL,
			finished_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS summaries (
			run_id            TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			security          TEXT NOT NULL,
			strategy          TEXT NOT NULL,
			trades_count      INTEGER NOT NULL,
			final_position    INTEGER NOT NULL,
			realized_pnl      TEXT NOT NULL,
			events_seen       INTEGER NOT NULL,
			events_applied    INTEGER NOT NULL,
			events_skipped    INTEGER NOT NULL,
			events_rejected   INTEGER NOT NULL,
			rejections        TEXT NOT NULL DEFAULT '{}',
			quotes_placed     INTEGER NOT NULL,
			quotes_suppressed INTEGER NOT NULL,
			flattens          INTEGER NOT NULL,
			stop_losses       INTEGER NOT NULL,
			carried_overnight INTEGER NOT NULL,
			last_event_at     INTEGER,
			PRIMARY KEY (run_id, security)
		)`,
		`CREATE TABLE IF NOT EXISTS trades (
			run_id         TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			security       TEXT NOT NULL,
			seq            INTEGER NOT NULL,
			ts             INTEGER NOT NULL,
			side           TEXT NOT NULL,
			fill_price     TEXT NOT NULL,
			fill_qty       INTEGER NOT NULL,
			realized_delta TEXT NOT NULL,
			position       INTEGER NOT NULL,
			cumulative_pnl TEXT NOT NULL,
			reason         TEXT NOT NULL,
			PRIMARY KEY (run_id, security, seq)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_ts ON trades(run_id, ts)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// StartRun records a new run and rotates old ones.
func (s *Storage) StartRun(ctx context.Context, run models.Run) error {
	if run.ID == "" {
		return fmt.Errorf("invalid run: empty id")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO runs (id, strategy, started_at) VALUES (?,?,?)`,
		run.ID, run.Strategy, run.StartedAt.UnixNano(),
	); err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	if s.maxRuns > 0 {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM runs WHERE id NOT IN (
				SELECT id FROM runs ORDER BY started_at DESC LIMIT ?
			)`, s.maxRuns); err != nil {
			return fmt.Errorf("failed to enforce run cap: %w", err)
		}
	}
	return tx.Commit()
}

func (s *Storage) FinishRun(ctx context.Context, runID string, finishedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE runs SET finished_at=? WHERE id=?`, finishedAt.UnixNano(), runID)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	return nil
}

// Write stores one security's summary and full trade journal atomically.
func (s *Storage) Write(ctx context.Context, runID string, sum models.Summary, trades []models.TradeRecord) error {
	rejections, err := json.Marshal(sum.Rejections)
	if err != nil {
		return fmt.Errorf("failed to marshal rejections: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO summaries
			(run_id, security, strategy, trades_count, final_position, realized_pnl,
			 events_seen, events_applied, events_skipped, events_rejected, rejections,
			 quotes_placed, quotes_suppressed, flattens, stop_losses, carried_overnight,
			 last_event_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		runID, sum.Security, sum.Strategy, sum.TradesCount, sum.FinalPosition, sum.RealizedPnL.String(),
		sum.EventsSeen, sum.EventsApplied, sum.EventsSkipped, sum.EventsRejected, string(rejections),
		sum.QuotesPlaced, sum.QuotesSuppressed, sum.Flattens, sum.StopLosses, sum.CarriedOvernight,
		nullableNano(sum.LastEventAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert summary: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO trades
			(run_id, security, seq, ts, side, fill_price, fill_qty, realized_delta,
			 position, cumulative_pnl, reason)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare trade insert: %w", err)
	}
	defer stmt.Close()

	for _, tr := range trades {
		if _, err := stmt.ExecContext(ctx,
			runID, tr.Security, tr.Seq, tr.Timestamp.UnixNano(), tr.Side.String(),
			tr.FillPrice.String(), tr.FillQty, tr.RealizedPnLDelta.String(),
			tr.Position, tr.CumulativePnL.String(), string(tr.Reason),
		); err != nil {
			return fmt.Errorf("failed to insert trade %d: %w", tr.Seq, err)
		}
	}
	return tx.Commit()
}

func (s *Storage) GetRun(ctx context.Context, id string) (*models.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runCols+` FROM runs WHERE id = ?`, id)
	r, err := scanRun(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return r, nil
}

// ListRuns returns up to limit runs, newest first.
func (s *Storage) ListRuns(ctx context.Context, limit int) ([]models.Run, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+runCols+` FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	runs := []models.Run{}
	for rows.Next() {
		r, err := scanRun(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

func (s *Storage) GetSummaries(ctx context.Context, runID string) ([]models.Summary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT security, strategy, trades_count, final_position, realized_pnl,
		       events_seen, events_applied, events_skipped, events_rejected, rejections,
		       quotes_placed, quotes_suppressed, flattens, stop_losses, carried_overnight,
		       last_event_at
		FROM summaries WHERE run_id = ? ORDER BY security`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query summaries: %w", err)
	}
	defer rows.Close()

	var out []models.Summary
	for rows.Next() {
		var sum models.Summary
		var pnl, rejections string
		var lastEvent sql.NullInt64

		err := rows.Scan(
			&sum.Security, &sum.Strategy, &sum.TradesCount, &sum.FinalPosition, &pnl,
			&sum.EventsSeen, &sum.EventsApplied, &sum.EventsSkipped, &sum.EventsRejected, &rejections,
			&sum.QuotesPlaced, &sum.QuotesSuppressed, &sum.Flattens, &sum.StopLosses, &sum.CarriedOvernight,
			&lastEvent,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan summary: %w", err)
		}
		if sum.RealizedPnL, err = decimal.NewFromString(pnl); err != nil {
			return nil, fmt.Errorf("failed to parse realized pnl for %s: %w", sum.Security, err)
		}
		if err := json.Unmarshal([]byte(rejections), &sum.Rejections); err != nil {
			return nil, fmt.Errorf("failed to unmarshal rejections: %w", err)
		}
		if lastEvent.Valid {
			sum.LastEventAt = time.Unix(0, lastEvent.Int64)
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// GetTrades returns the journal of one security in sequence order.
func (s *Storage) GetTrades(ctx context.Context, runID, security string) ([]models.TradeRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT security, seq, ts, side, fill_price, fill_qty, realized_delta,
		       position, cumulative_pnl, reason
		FROM trades WHERE run_id = ? AND security = ? ORDER BY seq`, runID, security)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var out []models.TradeRecord
	for rows.Next() {
		tr, err := scanTrade(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		out = append(out, *tr)
	}
	return out, rows.Err()
}

const runCols = `id, strategy, started_at, finished_at`

func scanRun(scan func(...any) error) (*models.Run, error) {
	var r models.Run
	var startedNano int64
	var finishedNano sql.NullInt64
	if err := scan(&r.ID, &r.Strategy, &startedNano, &finishedNano); err != nil {
		return nil, err
	}
	r.StartedAt = time.Unix(0, startedNano)
	if finishedNano.Valid {
		r.FinishedAt = time.Unix(0, finishedNano.Int64)
	}
	return &r, nil
}

func scanTrade(scan func(...any) error) (*models.TradeRecord, error) {
	var tr models.TradeRecord
	var tsNano int64
	var side, price, delta, cum, reason string
	err := scan(
		&tr.Security, &tr.Seq, &tsNano, &side, &price, &tr.FillQty, &delta,
		&tr.Position, &cum, &reason,
	)
	if err != nil {
		return nil, err
	}
	tr.Timestamp = time.Unix(0, tsNano)
	tr.Reason = models.FillReason(reason)
	if err := tr.Side.UnmarshalText([]byte(side)); err != nil {
		return nil, err
	}
	if tr.FillPrice, err = decimal.NewFromString(price); err != nil {
		return nil, err
	}
	if tr.RealizedPnLDelta, err = decimal.NewFromString(delta); err != nil {
		return nil, err
	}
	if tr.CumulativePnL, err = decimal.NewFromString(cum); err != nil {
		return nil, err
	}
	return &tr, nil
}

func nullableNano(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}
