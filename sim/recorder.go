package sim

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	// Need to use SQLite connections.
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/xid"
	"github.com/tebeka/atexit"
)

const defaultRecorderBatchSize = 10000

// ErrRecorderClosed is returned when recording into a closed Recorder.
var ErrRecorderClosed = errors.New("recorder closed")

var recorderSchema = []string{
	`CREATE TABLE IF NOT EXISTS runs (
	run_id TEXT PRIMARY KEY,
	created_at TEXT,
	trace TEXT,
	predictor TEXT,
	predictor_params TEXT,
	warmup_instr INTEGER,
	simulation_instr INTEGER,
	exhausted_trace INTEGER,
	num_conditional_branches INTEGER,
	num_branch_instructions INTEGER,
	warnings TEXT
)`,
	`CREATE TABLE IF NOT EXISTS metrics (
	run_id TEXT PRIMARY KEY,
	mpki REAL,
	mispredictions INTEGER,
	accuracy REAL,
	num_most_failed_branches INTEGER,
	simulation_time REAL,
	target_hit_rate REAL,
	peak_rss_bytes INTEGER
)`,
	`CREATE TABLE IF NOT EXISTS most_failed (
	run_id TEXT,
	position INTEGER,
	ip INTEGER,
	occurrences INTEGER,
	misses INTEGER,
	mpki REAL,
	accuracy REAL
)`,
	`CREATE TABLE IF NOT EXISTS predictor_stats (
	run_id TEXT,
	name TEXT,
	value INTEGER
)`,
}

// Recorder stores reports in a SQLite database. Reports are buffered and
// written in batches. Buffered reports are also written when the program
// exits through atexit.
type Recorder struct {
	*sql.DB

	path        string
	batchSize   int
	pending     []recordedRun
	pendingRows int
	closed      bool
}

type recordedRun struct {
	id        string
	createdAt time.Time
	report    *Report
}

// NewRecorder opens, creating it if needed, the database at path. An empty
// path creates a uniquely named database in the working directory. A path
// without extension gets the .sqlite3 extension.
func NewRecorder(path string) (*Recorder, error) {
	if path == "" {
		path = "bpsim_" + xid.New().String()
	}

	if filepath.Ext(path) == "" {
		path += ".sqlite3"
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}

	r := &Recorder{
		DB:        db,
		path:      path,
		batchSize: defaultRecorderBatchSize,
	}

	for _, stmt := range recorderSchema {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to create tables in %s: %w",
				path, err)
		}
	}

	atexit.Register(func() {
		if !r.closed {
			_ = r.Flush()
		}
	})

	return r, nil
}

// Path returns the database file.
func (r *Recorder) Path() string {
	return r.path
}

// SetBatchSize sets the number of buffered rows that triggers a write.
func (r *Recorder) SetBatchSize(n int) {
	r.batchSize = max(n, 1)
}

// Record buffers a report and returns the ID of its run.
func (r *Recorder) Record(report *Report) (string, error) {
	if r.closed {
		return "", ErrRecorderClosed
	}

	id := xid.New().String()

	r.pending = append(r.pending, recordedRun{
		id:        id,
		createdAt: time.Now(),
		report:    report,
	})
	r.pendingRows += 2 + len(report.MostFailed) +
		len(report.PredictorStatistics)

	if r.pendingRows >= r.batchSize {
		return id, r.Flush()
	}

	return id, nil
}

// RecordComparison records both reports of a comparison.
func (r *Recorder) RecordComparison(c *Comparison) ([2]string, error) {
	var ids [2]string

	for i, report := range []*Report{c.First, c.Second} {
		id, err := r.Record(report)
		if err != nil {
			return ids, err
		}

		ids[i] = id
	}

	return ids, nil
}

// Flush writes all buffered reports in a single transaction.
func (r *Recorder) Flush() error {
	if len(r.pending) == 0 {
		return nil
	}

	tx, err := r.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	for _, run := range r.pending {
		if err := insertRun(tx, run); err != nil {
			_ = tx.Rollback()
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit reports: %w", err)
	}

	r.pending = nil
	r.pendingRows = 0

	return nil
}

// Close flushes the buffered reports and closes the database. Closing a
// closed Recorder does nothing.
func (r *Recorder) Close() error {
	if r.closed {
		return nil
	}

	r.closed = true

	if err := r.Flush(); err != nil {
		_ = r.DB.Close()
		return err
	}

	return r.DB.Close()
}

func insertRun(tx *sql.Tx, run recordedRun) error {
	rep := run.report
	meta := rep.Metadata

	params, err := json.Marshal(meta.Predictor.Params)
	if err != nil {
		return fmt.Errorf("failed to encode predictor params: %w", err)
	}

	warnings, err := json.Marshal(rep.Warnings)
	if err != nil {
		return fmt.Errorf("failed to encode warnings: %w", err)
	}

	_, err = tx.Exec(`INSERT INTO runs VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.id,
		run.createdAt.UTC().Format(time.RFC3339Nano),
		meta.Trace,
		meta.Predictor.Name,
		string(params),
		meta.WarmupInstr,
		meta.SimulationInstr,
		meta.ExhaustedTrace,
		int64(meta.NumConditionalBranches),
		meta.NumBranchInstructions,
		string(warnings),
	)
	if err != nil {
		return fmt.Errorf("failed to insert run %s: %w", run.id, err)
	}

	if err := insertMetrics(tx, run.id, rep); err != nil {
		return err
	}

	if err := insertMostFailed(tx, run.id, rep.MostFailed); err != nil {
		return err
	}

	return insertPredictorStats(tx, run.id, rep)
}

func insertMetrics(tx *sql.Tx, id string, rep *Report) error {
	var (
		hitRate sql.NullFloat64
		peakRSS sql.NullInt64
	)

	if rep.Target != nil {
		hitRate = sql.NullFloat64{Float64: rep.Target.HitRate, Valid: true}
	}

	if rep.Resources != nil {
		peakRSS = sql.NullInt64{Int64: int64(rep.Resources.PeakRSS), Valid: true}
	}

	m := rep.Metrics

	_, err := tx.Exec(`INSERT INTO metrics VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id,
		m.MPKI,
		int64(m.Mispredictions),
		m.Accuracy,
		m.NumMostFailedBranches,
		m.SimulationTime,
		hitRate,
		peakRSS,
	)
	if err != nil {
		return fmt.Errorf("failed to insert metrics of run %s: %w", id, err)
	}

	return nil
}

func insertMostFailed(tx *sql.Tx, id string, rows []BranchStats) error {
	if len(rows) == 0 {
		return nil
	}

	stmt, err := tx.Prepare(
		`INSERT INTO most_failed VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for i, b := range rows {
		// Addresses above 2^63 are stored as negative integers.
		_, err := stmt.Exec(id, i, int64(b.IP), int64(b.Occurrences),
			int64(b.Misses), b.MPKI, b.Accuracy)
		if err != nil {
			return fmt.Errorf("failed to insert branch 0x%x of run %s: %w",
				b.IP, id, err)
		}
	}

	return nil
}

func insertPredictorStats(tx *sql.Tx, id string, rep *Report) error {
	if len(rep.PredictorStatistics) == 0 {
		return nil
	}

	stmt, err := tx.Prepare(`INSERT INTO predictor_stats VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, name := range rep.PredictorStatistics.Keys() {
		value := int64(rep.PredictorStatistics[name])
		if _, err := stmt.Exec(id, name, value); err != nil {
			return fmt.Errorf("failed to insert stat %s of run %s: %w",
				name, id, err)
		}
	}

	return nil
}
