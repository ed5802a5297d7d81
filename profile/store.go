package profile

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chazu/tiervm/vm"

	_ "modernc.org/sqlite"
)

// ErrRunNotFound indicates the requested run doesn't exist
var ErrRunNotFound = errors.New("run not found")

// Run identifies one recording session.
type Run struct {
	ID      string
	Label   string
	Started time.Time
}

// Snapshot is the specialization state of one instruction site at the
// time a program was captured.
type Snapshot struct {
	Program     string
	BCI         int
	Instruction string // quickened instruction name
	State       uint32
	Exclude     uint32
	Active      []string
	Excluded    []string
	Cache       string
	Entries     int
	Hits        uint64
	Misses      uint64
	Invocations int64
	MaxLoop     int64
}

// Capture snapshots every site of p.
func Capture(p *vm.Program) []Snapshot {
	stats := p.Stats()
	var out []Snapshot
	for _, ii := range p.Instructions() {
		if ii.Site == nil {
			continue
		}
		s := ii.Site
		out = append(out, Snapshot{
			Program:     p.Name,
			BCI:         ii.BCI,
			Instruction: ii.Name,
			State:       s.State,
			Exclude:     s.Exclude,
			Active:      s.Active,
			Excluded:    s.Excluded,
			Cache:       s.Cache.String(),
			Entries:     s.Entries,
			Hits:        s.Hits,
			Misses:      s.Misses,
			Invocations: stats.Invocations,
		})
	}
	return out
}

// Store persists runs and snapshots in SQLite.
type Store struct {
	db   *sql.DB
	path string
	mu   sync.Mutex
}

var schema = []string{`
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	label TEXT NOT NULL,
	started INTEGER NOT NULL
)`, `
CREATE TABLE IF NOT EXISTS snapshots (
	run TEXT NOT NULL REFERENCES runs(id),
	program TEXT NOT NULL,
	bci INTEGER NOT NULL,
	instruction TEXT NOT NULL,
	state INTEGER NOT NULL,
	exclude INTEGER NOT NULL,
	active TEXT NOT NULL,
	excluded TEXT NOT NULL,
	cache TEXT NOT NULL,
	entries INTEGER NOT NULL,
	hits INTEGER NOT NULL,
	misses INTEGER NOT NULL,
	invocations INTEGER NOT NULL,
	max_loop INTEGER NOT NULL,
	PRIMARY KEY (run, program, bci)
)`}

// Open opens or creates the profile database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("creating tables: %w", err)
		}
	}
	return &Store{db: db, path: path}, nil
}

// Path returns the database path.
func (s *Store) Path() string { return s.path }

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// CreateRun records a new run.
func (s *Store) CreateRun(run Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec("INSERT INTO runs (id, label, started) VALUES (?, ?, ?)",
		run.ID, run.Label, run.Started.UnixNano())
	if err != nil {
		return fmt.Errorf("creating run %s: %w", run.ID, err)
	}
	return nil
}

// Save stores snapshots for run, replacing earlier snapshots of the same
// sites.
func (s *Store) Save(run string, snapshots []Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("saving snapshots: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRow("SELECT COUNT(*) FROM runs WHERE id = ?", run).Scan(&exists); err != nil {
		return fmt.Errorf("saving snapshots: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("saving snapshots for %s: %w", run, ErrRunNotFound)
	}

	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO snapshots
		(run, program, bci, instruction, state, exclude, active, excluded, cache, entries, hits, misses, invocations, max_loop)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("saving snapshots: %w", err)
	}
	defer stmt.Close()

	for _, sn := range snapshots {
		_, err := stmt.Exec(run, sn.Program, sn.BCI, sn.Instruction,
			int64(sn.State), int64(sn.Exclude),
			strings.Join(sn.Active, "|"), strings.Join(sn.Excluded, "|"),
			sn.Cache, sn.Entries, int64(sn.Hits), int64(sn.Misses),
			sn.Invocations, sn.MaxLoop)
		if err != nil {
			return fmt.Errorf("saving %s@%d: %w", sn.Program, sn.BCI, err)
		}
	}
	return tx.Commit()
}

// Load returns the snapshots of run ordered by program and bci.
func (s *Store) Load(run string) ([]Snapshot, error) {
	var id string
	err := s.db.QueryRow("SELECT id FROM runs WHERE id = ?", run).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, fmt.Errorf("querying run: %w", err)
	}

	rows, err := s.db.Query(`SELECT program, bci, instruction, state, exclude, active, excluded,
		cache, entries, hits, misses, invocations, max_loop
		FROM snapshots WHERE run = ? ORDER BY program, bci`, run)
	if err != nil {
		return nil, fmt.Errorf("querying snapshots: %w", err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		var (
			sn               Snapshot
			state, exclude   int64
			active, excluded string
			hits, misses     int64
		)
		if err := rows.Scan(&sn.Program, &sn.BCI, &sn.Instruction, &state, &exclude,
			&active, &excluded, &sn.Cache, &sn.Entries, &hits, &misses,
			&sn.Invocations, &sn.MaxLoop); err != nil {
			return nil, fmt.Errorf("scanning snapshot: %w", err)
		}
		sn.State = uint32(state)
		sn.Exclude = uint32(exclude)
		sn.Active = splitNames(active)
		sn.Excluded = splitNames(excluded)
		sn.Hits = uint64(hits)
		sn.Misses = uint64(misses)
		out = append(out, sn)
	}
	return out, rows.Err()
}

// Runs returns all runs, oldest first.
func (s *Store) Runs() ([]Run, error) {
	rows, err := s.db.Query("SELECT id, label, started FROM runs ORDER BY started, id")
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var (
			r       Run
			started int64
		)
		if err := rows.Scan(&r.ID, &r.Label, &started); err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		r.Started = time.Unix(0, started)
		out = append(out, r)
	}
	return out, rows.Err()
}

func splitNames(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, "|")
}
