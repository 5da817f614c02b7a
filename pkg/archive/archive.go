// Package archive keeps failing schedules in a SQLite database so they can
// be listed and replayed later.
package archive

import (
	"bytes"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/amirkhaki/moriarty/pkg/event"
	"github.com/amirkhaki/moriarty/pkg/runtime"
	"github.com/amirkhaki/moriarty/pkg/schedule"
)

// Record is one archived failure.
type Record struct {
	ID           string
	RunID        string
	Workload     string
	Strategy     string
	Seed         int64
	Iteration    int
	Code         runtime.Code
	Task         event.TaskID
	Message      string
	Reproducible bool
	// Schedule is the JSON schedule reproducing the failure.
	Schedule  []byte
	CreatedAt time.Time
}

// NewRecord builds a record from a failing result.
func NewRecord(res *runtime.Result, workload string, seed int64) (*Record, error) {
	if res.Failure == nil {
		return nil, errors.New("result has no failure")
	}
	var buf bytes.Buffer
	if err := schedule.Encode(&buf, res.Schedule, schedule.DefaultAdapters); err != nil {
		return nil, err
	}
	return &Record{
		RunID:        res.RunID,
		Workload:     workload,
		Strategy:     res.Strategy,
		Seed:         seed,
		Iteration:    res.Failure.Iteration,
		Code:         res.Failure.Code,
		Task:         res.Failure.Task,
		Message:      res.Failure.Message,
		Reproducible: res.Failure.Reproducible,
		Schedule:     buf.Bytes(),
	}, nil
}

// Choices decodes the schedule.
func (r *Record) Choices() ([]event.Choice, error) {
	return schedule.Decode(bytes.NewReader(r.Schedule), schedule.DefaultAdapters)
}

// Failure returns the archived failure, to compare a replay against.
func (r *Record) Failure() *runtime.Error {
	return &runtime.Error{
		Code:         r.Code,
		Message:      r.Message,
		Task:         r.Task,
		Iteration:    r.Iteration,
		Reproducible: r.Reproducible,
	}
}

// Store provides access to the archive database.
type Store struct {
	db *sql.DB
}

// Open opens or creates the archive at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS failures (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		workload TEXT NOT NULL,
		strategy TEXT NOT NULL,
		seed INTEGER NOT NULL,
		iteration INTEGER NOT NULL,
		code TEXT NOT NULL,
		task INTEGER NOT NULL,
		message TEXT NOT NULL,
		reproducible INTEGER NOT NULL,
		schedule BLOB NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_failures_workload ON failures(workload);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Put stores r, assigning its id and creation time.
func (s *Store) Put(r *Record) error {
	r.ID = uuid.New().String()
	r.CreatedAt = time.Now().UTC()
	_, err := s.db.Exec(
		`INSERT INTO failures (id, run_id, workload, strategy, seed, iteration, code, task, message, reproducible, schedule, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.RunID, r.Workload, r.Strategy, r.Seed, r.Iteration, string(r.Code), int(r.Task), r.Message, r.Reproducible, r.Schedule, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert failure: %w", err)
	}
	return nil
}

const columns = `id, run_id, workload, strategy, seed, iteration, code, task, message, reproducible, schedule, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scan(row scanner) (*Record, error) {
	var r Record
	var code string
	var id int
	if err := row.Scan(&r.ID, &r.RunID, &r.Workload, &r.Strategy, &r.Seed, &r.Iteration, &code, &id, &r.Message, &r.Reproducible, &r.Schedule, &r.CreatedAt); err != nil {
		return nil, err
	}
	r.Code = runtime.Code(code)
	r.Task = event.TaskID(id)
	return &r, nil
}

// Get returns the record with the given id, nil if there is none.
func (s *Store) Get(id string) (*Record, error) {
	r, err := scan(s.db.QueryRow(`SELECT `+columns+` FROM failures WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query failure: %w", err)
	}
	return r, nil
}

// List returns the records, newest first, optionally filtered by workload.
func (s *Store) List(workload string) ([]*Record, error) {
	query := `SELECT ` + columns + ` FROM failures`
	var args []any
	if workload != "" {
		query += ` WHERE workload = ?`
		args = append(args, workload)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query failures: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		r, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan failure: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// SetReproducible records the outcome of a later replay.
func (s *Store) SetReproducible(id string, reproducible bool) error {
	res, err := s.db.Exec(`UPDATE failures SET reproducible = ? WHERE id = ?`, reproducible, id)
	if err != nil {
		return fmt.Errorf("update failure: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("no failure %s", id)
	}
	return nil
}
