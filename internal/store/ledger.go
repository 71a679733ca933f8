// Package store keeps a sqlite ledger of training runs and their per-epoch
// history.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"mnist-forge/internal/metrics"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    started_at DATETIME NOT NULL,
    finished_at DATETIME,
    epochs INTEGER NOT NULL,
    batch_size INTEGER NOT NULL,
    seed INTEGER NOT NULL,
    test_accuracy REAL,
    test_loss REAL,
    archive TEXT
);
CREATE TABLE IF NOT EXISTS epochs (
    run_id TEXT NOT NULL REFERENCES runs(id),
    epoch INTEGER NOT NULL,
    accuracy REAL NOT NULL,
    loss REAL NOT NULL,
    val_accuracy REAL NOT NULL,
    val_loss REAL NOT NULL,
    recorded_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (run_id, epoch)
);`

// Ledger is an open run database.
type Ledger struct {
	db *sql.DB
}

// RunInfo describes a training run as it starts.
type RunInfo struct {
	Epochs    int
	BatchSize int
	Seed      int64
}

// Run is one row of the runs table.
type Run struct {
	ID           string
	StartedAt    time.Time
	FinishedAt   sql.NullTime
	Epochs       int
	BatchSize    int
	Seed         int64
	TestAccuracy sql.NullFloat64
	TestLoss     sql.NullFloat64
	Archive      sql.NullString
}

// Open creates or opens the ledger at path.
func Open(path string) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init ledger schema: %w", err)
	}
	return &Ledger{db: db}, nil
}

func (l *Ledger) Close() error { return l.db.Close() }

// Begin records a new run and returns its id.
func (l *Ledger) Begin(info RunInfo) (string, error) {
	id := uuid.New().String()
	_, err := l.db.Exec(
		`INSERT INTO runs (id, started_at, epochs, batch_size, seed) VALUES (?, ?, ?, ?, ?)`,
		id, time.Now().UTC(), info.Epochs, info.BatchSize, info.Seed)
	if err != nil {
		return "", fmt.Errorf("begin run: %w", err)
	}
	return id, nil
}

// RecordEpoch stores one completed epoch of run id.
func (l *Ledger) RecordEpoch(id string, e metrics.Epoch) error {
	_, err := l.db.Exec(
		`INSERT INTO epochs (run_id, epoch, accuracy, loss, val_accuracy, val_loss) VALUES (?, ?, ?, ?, ?, ?)`,
		id, e.Epoch, e.Accuracy, e.Loss, e.ValAccuracy, e.ValLoss)
	if err != nil {
		return fmt.Errorf("record epoch %d: %w", e.Epoch, err)
	}
	return nil
}

// Finish stores the final evaluation and the saved archive path.
func (l *Ledger) Finish(id string, testAcc, testLoss float64, archive string) error {
	res, err := l.db.Exec(
		`UPDATE runs SET finished_at = ?, test_accuracy = ?, test_loss = ?, archive = ? WHERE id = ?`,
		time.Now().UTC(), testAcc, testLoss, archive, id)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("finish run: unknown run %s", id)
	}
	return nil
}

// Runs lists every run, most recent first.
func (l *Ledger) Runs() ([]Run, error) {
	rows, err := l.db.Query(`SELECT id, started_at, finished_at, epochs, batch_size, seed, test_accuracy, test_loss, archive
        FROM runs ORDER BY started_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.ID, &r.StartedAt, &r.FinishedAt, &r.Epochs, &r.BatchSize, &r.Seed,
			&r.TestAccuracy, &r.TestLoss, &r.Archive); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// History loads the per-epoch record of run id.
func (l *Ledger) History(id string) (*metrics.History, error) {
	rows, err := l.db.Query(`SELECT epoch, accuracy, loss, val_accuracy, val_loss
        FROM epochs WHERE run_id = ? ORDER BY epoch`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	h := &metrics.History{}
	for rows.Next() {
		var e metrics.Epoch
		if err := rows.Scan(&e.Epoch, &e.Accuracy, &e.Loss, &e.ValAccuracy, &e.ValLoss); err != nil {
			return nil, err
		}
		if err := h.Append(e); err != nil {
			return nil, err
		}
	}
	return h, rows.Err()
}
