// Package ledger keeps an append-only SQLite record of stage runs and the
// outcome of every artifact they touched. Stages never read it back to make
// decisions; the filesystem stays the source of truth.
package ledger

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"ctsegpipe/internal/models"
)

// Ledger is an open run ledger
type Ledger struct {
	db *sql.DB
}

// Run is one stage invocation
type Run struct {
	ID         string
	Stage      string
	Dataset    string
	Status     string
	StartedAt  time.Time
	FinishedAt sql.NullTime
}

// Artifact is the recorded outcome of one artifact of one patient
type Artifact struct {
	RunID    string
	Patient  string
	Name     string
	Path     string
	Status   string
	Error    string
	Duration time.Duration
}

// Open opens or creates the ledger database
func Open(path string) (*Ledger, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}

	runTable := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		stage TEXT,
		dataset TEXT,
		status TEXT,
		started_at DATETIME,
		finished_at DATETIME
	);
	`
	artifactTable := `
	CREATE TABLE IF NOT EXISTS artifacts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT,
		patient TEXT,
		name TEXT,
		path TEXT,
		status TEXT,
		error TEXT,
		duration_ms INTEGER
	);
	`
	for _, stmt := range []string{runTable, artifactTable} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create ledger tables: %w", err)
		}
	}
	return &Ledger{db: db}, nil
}

// Close closes the database
func (l *Ledger) Close() error {
	return l.db.Close()
}

// StartRun registers a new run and returns its ID
func (l *Ledger) StartRun(stage, dataset string) (string, error) {
	id := uuid.New().String()
	_, err := l.db.Exec(`INSERT INTO runs (id, stage, dataset, status, started_at) VALUES (?, ?, ?, ?, ?)`,
		id, stage, dataset, "running", time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("failed to record run: %w", err)
	}
	return id, nil
}

// FinishRun stores the final status of a run
func (l *Ledger) FinishRun(runID, status string) error {
	_, err := l.db.Exec(`UPDATE runs SET status = ?, finished_at = ? WHERE id = ?`, status, time.Now().UTC(), runID)
	return err
}

// RecordSummary appends one row per artifact of every patient report. A
// patient that failed before producing any artifact gets a single row.
func (l *Ledger) RecordSummary(runID string, summary *models.StageSummary) error {
	tx, err := l.db.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT INTO artifacts (run_id, patient, name, path, status, error, duration_ms) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, r := range summary.Reports {
		ms := r.Duration.Milliseconds()
		if r.Err != nil {
			if _, err := stmt.Exec(runID, r.PatientID, "patient", "", models.Failed.String(), r.Err.Error(), ms); err != nil {
				tx.Rollback()
				return err
			}
		}
		for _, a := range r.Artifacts {
			msg := ""
			if a.Err != nil {
				msg = a.Err.Error()
			}
			if _, err := stmt.Exec(runID, r.PatientID, a.Name, a.Path, a.Status.String(), msg, ms); err != nil {
				tx.Rollback()
				return err
			}
		}
	}
	return tx.Commit()
}

// Runs lists the recorded runs, most recent first
func (l *Ledger) Runs() ([]Run, error) {
	rows, err := l.db.Query(`SELECT id, stage, dataset, status, started_at, finished_at FROM runs ORDER BY started_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.ID, &r.Stage, &r.Dataset, &r.Status, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Artifacts returns the artifacts recorded for a run in insertion order
func (l *Ledger) Artifacts(runID string) ([]Artifact, error) {
	rows, err := l.db.Query(`SELECT run_id, patient, name, path, status, error, duration_ms FROM artifacts WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var artifacts []Artifact
	for rows.Next() {
		var a Artifact
		var ms int64
		if err := rows.Scan(&a.RunID, &a.Patient, &a.Name, &a.Path, &a.Status, &a.Error, &ms); err != nil {
			return nil, err
		}
		a.Duration = time.Duration(ms) * time.Millisecond
		artifacts = append(artifacts, a)
	}
	return artifacts, rows.Err()
}
