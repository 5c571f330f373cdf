// Package budget enforces daily API-call and cost ceilings with SQLite
// counters keyed by (UTC date, worker). Check and log run in a single
// BEGIN IMMEDIATE transaction so concurrent runners cannot race past
// the ceiling between the read and the write.
package budget

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ExceededError means today's aggregate would pass a configured maximum.
type ExceededError struct {
	Message string
}

func (e *ExceededError) Error() string { return "budget exceeded: " + e.Message }

// Snapshot is today's aggregate across all workers.
type Snapshot struct {
	Date     string
	APICalls int
	CostUSD  float64
}

type Tracker struct {
	db               *sql.DB
	maxDailyAPICalls int
	maxDailyCostUSD  float64
}

func Open(path string, maxDailyAPICalls int, maxDailyCostUSD float64) (*Tracker, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create budget db dir: %w", err)
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open budget db: %w", err)
	}
	schema := `
		CREATE TABLE IF NOT EXISTS budget_log (
			date TEXT NOT NULL,
			worker TEXT NOT NULL,
			api_calls INTEGER NOT NULL DEFAULT 0,
			cost_usd REAL NOT NULL DEFAULT 0,
			PRIMARY KEY (date, worker)
		);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init budget schema: %w", err)
	}
	if maxDailyAPICalls < 0 {
		maxDailyAPICalls = 0
	}
	if maxDailyCostUSD < 0 {
		maxDailyCostUSD = 0
	}
	return &Tracker{db: db, maxDailyAPICalls: maxDailyAPICalls, maxDailyCostUSD: maxDailyCostUSD}, nil
}

func (t *Tracker) Close() error { return t.db.Close() }

// Enabled reports whether any ceiling is configured. A zero ceiling
// disables that dimension.
func (t *Tracker) Enabled() bool {
	return t.maxDailyAPICalls > 0 || t.maxDailyCostUSD > 0
}

func utcDate() string {
	return time.Now().UTC().Format("2006-01-02")
}

// Today returns the current aggregate without consuming budget.
func (t *Tracker) Today(ctx context.Context) (Snapshot, error) {
	snap := Snapshot{Date: utcDate()}
	row := t.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(api_calls), 0), COALESCE(SUM(cost_usd), 0) FROM budget_log WHERE date = ?`,
		snap.Date)
	if err := row.Scan(&snap.APICalls, &snap.CostUSD); err != nil {
		return snap, fmt.Errorf("read budget aggregate: %w", err)
	}
	return snap, nil
}

// CheckAndLog atomically verifies today's aggregate against the ceilings
// and records the spend. On ExceededError nothing is recorded.
func (t *Tracker) CheckAndLog(ctx context.Context, worker string, apiCalls int, costUSD float64) error {
	if !t.Enabled() {
		return nil
	}
	if apiCalls < 0 {
		apiCalls = 0
	}
	if costUSD < 0 {
		costUSD = 0
	}
	if worker == "" {
		worker = "unknown"
	}

	conn, err := t.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire budget conn: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return fmt.Errorf("begin immediate: %w", err)
	}
	rollback := func() { _, _ = conn.ExecContext(ctx, "ROLLBACK") }

	date := utcDate()
	var usedCalls int
	var usedCost float64
	row := conn.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(api_calls), 0), COALESCE(SUM(cost_usd), 0) FROM budget_log WHERE date = ?`, date)
	if err := row.Scan(&usedCalls, &usedCost); err != nil {
		rollback()
		return fmt.Errorf("read budget aggregate: %w", err)
	}

	if t.maxDailyAPICalls > 0 && usedCalls >= t.maxDailyAPICalls {
		rollback()
		return &ExceededError{Message: fmt.Sprintf("MAX_DAILY_API_CALLS reached: used=%d limit=%d", usedCalls, t.maxDailyAPICalls)}
	}
	if t.maxDailyCostUSD > 0 && usedCost >= t.maxDailyCostUSD {
		rollback()
		return &ExceededError{Message: fmt.Sprintf("MAX_DAILY_COST_USD reached: used=%.6f limit=%.6f", usedCost, t.maxDailyCostUSD)}
	}

	_, err = conn.ExecContext(ctx, `
		INSERT INTO budget_log (date, worker, api_calls, cost_usd)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(date, worker) DO UPDATE SET
			api_calls = api_calls + excluded.api_calls,
			cost_usd = cost_usd + excluded.cost_usd`,
		date, worker, apiCalls, costUSD)
	if err != nil {
		rollback()
		return fmt.Errorf("record budget spend: %w", err)
	}
	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		rollback()
		return fmt.Errorf("commit budget spend: %w", err)
	}
	return nil
}
