package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/spaolacci/murmur3"

	"github.com/modelup/modelup/internal/bloom"
	uperrors "github.com/modelup/modelup/internal/errors"
)

// Status is the outcome of one object upgrade.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// Record is one object upgrade.
type Record struct {
	ID                string
	RunID             string
	ObjectPath        string
	OutputPath        string
	SourceVersion     int // -1 when the version was never determined
	TargetVersion     int
	Detection         string
	InputFingerprint  string
	OutputFingerprint string
	InputBytes        int
	OutputBytes       int
	Status            Status
	ErrorCode         string
	ErrorMessage      string
	CreatedAt         time.Time
}

// Run is one batch run with its final counters.
type Run struct {
	ID            string
	Prefix        string
	TargetVersion int
	StartedAt     time.Time
	FinishedAt    *time.Time
	Succeeded     int64
	Failed        int64
	Skipped       int64
}

// Fingerprint returns the 128-bit murmur3 hash of data as hex.
func Fingerprint(data []byte) string {
	h1, h2 := murmur3.Sum128(data)
	return fmt.Sprintf("%016x%016x", h1, h2)
}

// Ledger stores runs and upgrade records in SQLite.
type Ledger struct {
	db *sql.DB
	mu sync.Mutex // single writer

	insertStmt *sql.Stmt

	// succeeded holds fingerprint/target keys of successful upgrades.
	succeeded *bloom.Filter
}

// Open opens or creates the ledger database at path.
func Open(path string) (*Ledger, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, storageError("failed to open database", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, stmt := range AllSchemaSQL() {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, storageError("failed to initialize schema", err)
		}
	}

	insertStmt, err := db.Prepare(`
		INSERT INTO upgrades (
			record_id, run_id, object_path, output_path,
			source_version, target_version, detection,
			input_fingerprint, output_fingerprint,
			input_bytes, output_bytes,
			status, error_code, error_message, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		db.Close()
		return nil, storageError("failed to prepare insert statement", err)
	}

	l := &Ledger{db: db, insertStmt: insertStmt}
	if err := l.loadSucceeded(); err != nil {
		l.Close()
		return nil, err
	}
	return l, nil
}

// loadSucceeded fills the skip filter from the stored records.
func (l *Ledger) loadSucceeded() error {
	var n int
	if err := l.db.QueryRow("SELECT COUNT(*) FROM upgrades WHERE status = 'succeeded'").Scan(&n); err != nil {
		return storageError("failed to count records", err)
	}
	l.succeeded = bloom.New(max(2*n, 1024), 0.01)

	rows, err := l.db.Query("SELECT input_fingerprint, target_version FROM upgrades WHERE status = 'succeeded'")
	if err != nil {
		return storageError("failed to load fingerprints", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			fp     string
			target int
		)
		if err := rows.Scan(&fp, &target); err != nil {
			return storageError("failed to scan fingerprint", err)
		}
		l.succeeded.Add(skipKey(fp, target))
	}
	if err := rows.Err(); err != nil {
		return storageError("failed to load fingerprints", err)
	}
	return nil
}

func skipKey(fingerprint string, target int) []byte {
	return fmt.Appendf(nil, "%s/%d", fingerprint, target)
}

func storageError(msg string, cause error) error {
	return uperrors.NewStorageError(uperrors.CodeStorageFailed, "ledger: "+msg, cause)
}

// Close closes the database connection.
func (l *Ledger) Close() error {
	l.insertStmt.Close()
	return l.db.Close()
}

// StartRun registers a new run and returns its id.
func (l *Ledger) StartRun(ctx context.Context, prefix string, target int) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := uuid.NewString()
	_, err := l.db.ExecContext(ctx,
		"INSERT INTO runs (run_id, prefix, target_version, started_at) VALUES (?, ?, ?, ?)",
		id, prefix, target, time.Now().UnixNano())
	if err != nil {
		return "", storageError("failed to start run", err)
	}
	return id, nil
}

// FinishRun stores the final counters of a run.
func (l *Ledger) FinishRun(ctx context.Context, runID string, succeeded, failed, skipped int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	res, err := l.db.ExecContext(ctx,
		"UPDATE runs SET finished_at = ?, succeeded = ?, failed = ?, skipped = ? WHERE run_id = ?",
		time.Now().UnixNano(), succeeded, failed, skipped, runID)
	if err != nil {
		return storageError("failed to finish run", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return uperrors.NewStorageError(uperrors.CodeObjectNotFound, "ledger: run "+runID+" not found", nil)
	}
	return nil
}

// Record inserts an upgrade record, assigning its id and timestamp when
// unset.
func (l *Ledger) Record(ctx context.Context, rec *Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	var source *int
	if rec.SourceVersion >= 0 {
		source = &rec.SourceVersion
	}
	_, err := l.insertStmt.ExecContext(ctx,
		rec.ID, rec.RunID, rec.ObjectPath, nullString(rec.OutputPath),
		source, rec.TargetVersion, nullString(rec.Detection),
		rec.InputFingerprint, nullString(rec.OutputFingerprint),
		rec.InputBytes, rec.OutputBytes,
		string(rec.Status), nullString(rec.ErrorCode), nullString(rec.ErrorMessage),
		rec.CreatedAt.UnixNano(),
	)
	if err != nil {
		return storageError("failed to insert record", err)
	}
	if rec.Status == StatusSucceeded {
		l.succeeded.Add(skipKey(rec.InputFingerprint, rec.TargetVersion))
	}
	return nil
}

// FindSucceeded returns the most recent successful upgrade of an input
// with the given fingerprint to target.
func (l *Ledger) FindSucceeded(ctx context.Context, fingerprint string, target int) (*Record, bool, error) {
	if !l.succeeded.MayContain(skipKey(fingerprint, target)) {
		return nil, false, nil
	}
	row := l.db.QueryRowContext(ctx, selectRecordSQL+`
		WHERE input_fingerprint = ? AND target_version = ? AND status = 'succeeded'
		ORDER BY created_at DESC LIMIT 1`, fingerprint, target)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, storageError("failed to query record", err)
	}
	return rec, true, nil
}

// Records returns the records of a run ordered by object path.
func (l *Ledger) Records(ctx context.Context, runID string) ([]*Record, error) {
	rows, err := l.db.QueryContext(ctx, selectRecordSQL+`
		WHERE run_id = ? ORDER BY object_path, created_at`, runID)
	if err != nil {
		return nil, storageError("failed to query records", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, storageError("failed to scan record", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("failed to iterate records", err)
	}
	return out, nil
}

// GetRun returns a run by id.
func (l *Ledger) GetRun(ctx context.Context, runID string) (*Run, error) {
	var (
		run        Run
		started    int64
		finishedAt sql.NullInt64
	)
	err := l.db.QueryRowContext(ctx, `
		SELECT run_id, prefix, target_version, started_at, finished_at, succeeded, failed, skipped
		FROM runs WHERE run_id = ?`, runID).Scan(
		&run.ID, &run.Prefix, &run.TargetVersion, &started, &finishedAt,
		&run.Succeeded, &run.Failed, &run.Skipped)
	if err == sql.ErrNoRows {
		return nil, uperrors.NewStorageError(uperrors.CodeObjectNotFound, "ledger: run "+runID+" not found", nil)
	}
	if err != nil {
		return nil, storageError("failed to query run", err)
	}
	run.StartedAt = time.Unix(0, started)
	if finishedAt.Valid {
		t := time.Unix(0, finishedAt.Int64)
		run.FinishedAt = &t
	}
	return &run, nil
}

const selectRecordSQL = `
	SELECT record_id, run_id, object_path, output_path,
		source_version, target_version, detection,
		input_fingerprint, output_fingerprint,
		input_bytes, output_bytes,
		status, error_code, error_message, created_at
	FROM upgrades`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*Record, error) {
	var (
		rec                          Record
		outputPath, detection, outFP sql.NullString
		errCode, errMsg              sql.NullString
		source, outBytes             sql.NullInt64
		status                       string
		created                      int64
	)
	err := s.Scan(&rec.ID, &rec.RunID, &rec.ObjectPath, &outputPath,
		&source, &rec.TargetVersion, &detection,
		&rec.InputFingerprint, &outFP,
		&rec.InputBytes, &outBytes,
		&status, &errCode, &errMsg, &created)
	if err != nil {
		return nil, err
	}
	rec.OutputPath = outputPath.String
	rec.Detection = detection.String
	rec.OutputFingerprint = outFP.String
	rec.ErrorCode = errCode.String
	rec.ErrorMessage = errMsg.String
	rec.SourceVersion = -1
	if source.Valid {
		rec.SourceVersion = int(source.Int64)
	}
	rec.OutputBytes = int(outBytes.Int64)
	rec.Status = Status(status)
	rec.CreatedAt = time.Unix(0, created)
	return &rec, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
