package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/nao1215/exitscan/internal/model"
)

// FileName is the name of the database file inside the database directory.
const FileName = "exitscan.db"

// ResultDB stores scan runs and the probe result of every exit relay.
// A single file holds every run, so the history of a relay can be queried
// across runs.
type ResultDB struct {
	db     *sql.DB
	dbPath string
}

// Options configures ResultDB behavior.
type Options struct {
	// CreateIfNotExists creates the database file if it doesn't exist.
	CreateIfNotExists bool

	// EnableWAL enables Write-Ahead Logging. Probe results are written while
	// the history command may be reading.
	EnableWAL bool
}

// DefaultOptions returns the default database options.
func DefaultOptions() Options {
	return Options{
		CreateIfNotExists: true,
		EnableWAL:         true,
	}
}

// Open opens or creates a ResultDB in dbDir.
func Open(dbDir string, opts Options) (*ResultDB, error) {
	dbPath := filepath.Join(dbDir, FileName)

	if !opts.CreateIfNotExists {
		if _, err := os.Stat(dbPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrDatabaseNotFound, dbPath)
		} else if err != nil {
			return nil, fmt.Errorf("failed to check database path: %w", err)
		}
	} else if err := os.MkdirAll(dbDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// mode=rw refuses to create a missing file.
	dsn := dbPath + "?mode=rw"
	if opts.CreateIfNotExists {
		dsn = dbPath + "?mode=rwc"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	rdb := &ResultDB{
		db:     db,
		dbPath: dbPath,
	}

	if opts.EnableWAL {
		if _, err := db.ExecContext(context.Background(), "PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}

	if err := rdb.createTables(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return rdb, nil
}

// Path returns the database file path.
func (rdb *ResultDB) Path() string {
	return rdb.dbPath
}

// Close closes the database connection.
func (rdb *ResultDB) Close() error {
	return rdb.db.Close()
}

func (rdb *ResultDB) createTables() error {
	schema := `
	-- One row per invocation of the scan command
	CREATE TABLE IF NOT EXISTS runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		first_hop TEXT NOT NULL,
		country TEXT NOT NULL DEFAULT '',
		started_at TEXT NOT NULL,
		finished_at TEXT NOT NULL DEFAULT '',
		total_circuits INTEGER NOT NULL DEFAULT 0,
		failed_circuits INTEGER NOT NULL DEFAULT 0,
		probed_circuits INTEGER NOT NULL DEFAULT 0,
		modules_run INTEGER NOT NULL DEFAULT 0,
		modules_json TEXT NOT NULL DEFAULT '[]'
	);

	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);

	-- One row per probed exit and module
	CREATE TABLE IF NOT EXISTS probe_results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id INTEGER NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		module TEXT NOT NULL,
		exit_fingerprint TEXT NOT NULL,
		exit_nickname TEXT NOT NULL DEFAULT '',
		exit_address TEXT NOT NULL DEFAULT '',
		country TEXT NOT NULL DEFAULT '',
		circuit_id TEXT NOT NULL DEFAULT '',
		verdict TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		duration_ns INTEGER NOT NULL DEFAULT 0,
		probed_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_results_run ON probe_results(run_id);
	CREATE INDEX IF NOT EXISTS idx_results_exit ON probe_results(exit_fingerprint);
	CREATE INDEX IF NOT EXISTS idx_results_verdict ON probe_results(verdict);
	`

	_, err := rdb.db.ExecContext(context.Background(), schema)
	return err
}

// CreateRun inserts a run that has just started and sets run.ID.
func (rdb *ResultDB) CreateRun(ctx context.Context, run *model.RunReport) error {
	query := `
	INSERT INTO runs (first_hop, country, started_at)
	VALUES (?, ?, ?)
	`

	result, err := rdb.db.ExecContext(ctx, query, run.FirstHop, run.Country, formatTimestamp(run.StartedAt))
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read run id: %w", err)
	}
	run.ID = id
	return nil
}

// InsertProbeResult stores the result of one probe of run runID.
func (rdb *ResultDB) InsertProbeResult(ctx context.Context, runID int64, rec *model.ProbeRecord) error {
	query := `
	INSERT INTO probe_results (run_id, module, exit_fingerprint, exit_nickname, exit_address,
		country, circuit_id, verdict, detail, duration_ns, probed_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := rdb.db.ExecContext(ctx, query,
		runID,
		rec.Module,
		rec.ExitFingerprint,
		rec.ExitNickname,
		rec.ExitAddress,
		rec.Country,
		rec.CircuitID,
		rec.Verdict.String(),
		rec.Detail,
		int64(rec.Duration),
		formatTimestamp(rec.ProbedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert probe result: %w", err)
	}
	return nil
}

// FinishRun stores the end time, the statistics and the module summaries of
// a run created with CreateRun.
func (rdb *ResultDB) FinishRun(ctx context.Context, run *model.RunReport) error {
	if run.ID == 0 {
		return ErrRunNotStored
	}

	modulesJSON, err := json.Marshal(moduleSummaries(run.Modules))
	if err != nil {
		return fmt.Errorf("failed to serialize modules: %w", err)
	}

	query := `
	UPDATE runs SET
		finished_at = ?,
		total_circuits = ?,
		failed_circuits = ?,
		probed_circuits = ?,
		modules_run = ?,
		modules_json = ?
	WHERE id = ?
	`

	result, err := rdb.db.ExecContext(ctx, query,
		formatTimestamp(run.FinishedAt),
		run.Stats.TotalCircuits,
		run.Stats.FailedCircuits,
		run.Stats.ProbedCircuits,
		run.Stats.ModulesRun,
		string(modulesJSON),
		run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %d", ErrRunNotFound, run.ID)
	}
	return nil
}

// moduleSummaries copies the module runs without their results, which
// live in probe_results.
func moduleSummaries(mods []*model.ModuleRun) []model.ModuleRun {
	out := make([]model.ModuleRun, len(mods))
	for i, m := range mods {
		out[i] = *m
		out[i].Results = nil
	}
	return out
}

// ListRuns returns the most recent runs first. A limit of 0 or less
// returns every run.
func (rdb *ResultDB) ListRuns(ctx context.Context, limit int) ([]model.RunSummary, error) {
	query := `
	SELECT r.id, r.first_hop, r.country, r.started_at, r.finished_at,
		r.total_circuits, r.failed_circuits, r.probed_circuits, r.modules_run,
		(SELECT COUNT(*) FROM probe_results p WHERE p.run_id = r.id AND p.verdict = ?)
	FROM runs r
	ORDER BY r.id DESC
	`
	args := []any{model.VerdictSuspicious.String()}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := rdb.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []model.RunSummary
	for rows.Next() {
		var s model.RunSummary
		var started, finished string
		if err := rows.Scan(
			&s.ID,
			&s.FirstHop,
			&s.Country,
			&started,
			&finished,
			&s.Stats.TotalCircuits,
			&s.Stats.FailedCircuits,
			&s.Stats.ProbedCircuits,
			&s.Stats.ModulesRun,
			&s.Suspicious,
		); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		s.StartedAt = parseTimestamp(started)
		s.FinishedAt = parseTimestamp(finished)
		runs = append(runs, s)
	}

	return runs, rows.Err()
}

// GetRun loads a run with its module summaries and probe results.
func (rdb *ResultDB) GetRun(ctx context.Context, id int64) (*model.RunReport, error) {
	query := `
	SELECT id, first_hop, country, started_at, finished_at,
		total_circuits, failed_circuits, probed_circuits, modules_run, modules_json
	FROM runs
	WHERE id = ?
	`

	run := &model.RunReport{}
	var started, finished, modulesJSON string
	err := rdb.db.QueryRowContext(ctx, query, id).Scan(
		&run.ID,
		&run.FirstHop,
		&run.Country,
		&started,
		&finished,
		&run.Stats.TotalCircuits,
		&run.Stats.FailedCircuits,
		&run.Stats.ProbedCircuits,
		&run.Stats.ModulesRun,
		&modulesJSON,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	run.StartedAt = parseTimestamp(started)
	run.FinishedAt = parseTimestamp(finished)

	if err := json.Unmarshal([]byte(modulesJSON), &run.Modules); err != nil {
		return nil, fmt.Errorf("failed to parse modules: %w", err)
	}
	if run.Modules == nil {
		run.Modules = make([]*model.ModuleRun, 0)
	}

	records, err := rdb.queryResults(ctx, "WHERE run_id = ? ORDER BY id", id)
	if err != nil {
		return nil, err
	}

	// A run that was interrupted before FinishRun has results but no
	// module summaries.
	byName := make(map[string]*model.ModuleRun, len(run.Modules))
	for _, m := range run.Modules {
		byName[m.Name] = m
	}
	for _, r := range records {
		m, ok := byName[r.Record.Module]
		if !ok {
			m = &model.ModuleRun{Name: r.Record.Module}
			byName[m.Name] = m
			run.Modules = append(run.Modules, m)
		}
		m.Results = append(m.Results, r.Record)
	}

	return run, nil
}

// ExitHistory returns the stored results of one exit relay, most recent
// first. A limit of 0 or less returns every result.
func (rdb *ResultDB) ExitHistory(ctx context.Context, fingerprint string, limit int) ([]model.HistoryEntry, error) {
	clause := "WHERE exit_fingerprint = ? ORDER BY id DESC"
	args := []any{fingerprint}
	if limit > 0 {
		clause += " LIMIT ?"
		args = append(args, limit)
	}
	return rdb.queryResults(ctx, clause, args...)
}

func (rdb *ResultDB) queryResults(ctx context.Context, clause string, args ...any) ([]model.HistoryEntry, error) {
	query := `
	SELECT run_id, module, exit_fingerprint, exit_nickname, exit_address,
		country, circuit_id, verdict, detail, duration_ns, probed_at
	FROM probe_results
	` + clause

	rows, err := rdb.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query probe results: %w", err)
	}
	defer rows.Close()

	var entries []model.HistoryEntry
	for rows.Next() {
		rec := &model.ProbeRecord{}
		var runID, duration int64
		var verdict, probedAt string

		if err := rows.Scan(
			&runID,
			&rec.Module,
			&rec.ExitFingerprint,
			&rec.ExitNickname,
			&rec.ExitAddress,
			&rec.Country,
			&rec.CircuitID,
			&verdict,
			&rec.Detail,
			&duration,
			&probedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan probe result: %w", err)
		}

		v, err := model.ParseVerdict(verdict)
		if err != nil {
			return nil, fmt.Errorf("probe result of %s: %w", rec.ExitFingerprint, err)
		}
		rec.Verdict = v
		rec.Duration = time.Duration(duration)
		rec.ProbedAt = parseTimestamp(probedAt)

		entries = append(entries, model.HistoryEntry{RunID: runID, Record: rec})
	}

	return entries, rows.Err()
}

// formatTimestamp stores times in UTC so that they sort as text.
func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// timestampFormats contains the timestamp formats that SQLite may return.
// The order matters: more specific formats should come first.
var timestampFormats = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

// parseTimestamp tries each known format and returns the zero time when
// none matches.
func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, format := range timestampFormats {
		if t, err := time.Parse(format, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
