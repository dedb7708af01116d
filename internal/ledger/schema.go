// Package ledger records every batch upgrade in a SQLite database so runs
// can be audited and inputs that were already upgraded can be skipped.
package ledger

// CreateRunsTableSQL creates the table of batch runs.
const CreateRunsTableSQL = `
CREATE TABLE IF NOT EXISTS runs (
    run_id TEXT PRIMARY KEY,
    prefix TEXT NOT NULL,
    target_version INTEGER NOT NULL,
    started_at INTEGER NOT NULL,
    finished_at INTEGER,
    succeeded INTEGER NOT NULL DEFAULT 0,
    failed INTEGER NOT NULL DEFAULT 0,
    skipped INTEGER NOT NULL DEFAULT 0
)`

// CreateUpgradesTableSQL creates the table of per-object upgrade records.
const CreateUpgradesTableSQL = `
CREATE TABLE IF NOT EXISTS upgrades (
    record_id TEXT PRIMARY KEY,
    run_id TEXT NOT NULL,
    object_path TEXT NOT NULL,
    output_path TEXT,
    source_version INTEGER,
    target_version INTEGER NOT NULL,
    detection TEXT,
    input_fingerprint TEXT NOT NULL,
    output_fingerprint TEXT,
    input_bytes INTEGER NOT NULL,
    output_bytes INTEGER,
    status TEXT NOT NULL,
    error_code TEXT,
    error_message TEXT,
    created_at INTEGER NOT NULL,
    FOREIGN KEY (run_id) REFERENCES runs(run_id)
)`

// CreateUpgradesIndexesSQL creates indexes for skip lookups and run listings.
var CreateUpgradesIndexesSQL = []string{
	`CREATE INDEX IF NOT EXISTS idx_upgrades_fingerprint ON upgrades(input_fingerprint, target_version)
		WHERE status = 'succeeded'`,
	`CREATE INDEX IF NOT EXISTS idx_upgrades_run ON upgrades(run_id, object_path)`,
}

// AllSchemaSQL returns all schema statements in execution order.
func AllSchemaSQL() []string {
	stmts := []string{CreateRunsTableSQL, CreateUpgradesTableSQL}
	return append(stmts, CreateUpgradesIndexesSQL...)
}
