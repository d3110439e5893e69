package indexdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned by Get for an unknown export id.
var ErrNotFound = errors.New("indexdb: export not found")

type SQLiteIndex struct {
	db *sql.DB

	ch   chan Export
	wg   sync.WaitGroup
	once sync.Once

	closed  atomic.Bool
	dropped atomic.Uint64
	written atomic.Uint64
}

type Stats struct {
	QueueDepth    int
	QueueCapacity int
	WrittenTotal  uint64
	DropTotal     uint64
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		ch: make(chan Export, 4096),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	// WAL is much faster for append-style workloads.
	// NORMAL is a decent durability/perf tradeoff for a secondary index.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS exports (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			path TEXT NOT NULL,
			remote_key TEXT NOT NULL,
			size_x INTEGER NOT NULL,
			size_y INTEGER NOT NULL,
			size_z INTEGER NOT NULL,
			palette_len INTEGER NOT NULL,
			bytes INTEGER NOT NULL,
			compression TEXT NOT NULL,
			sha256 TEXT NOT NULL,
			created_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_exports_created ON exports(created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_exports_sha ON exports(sha256);`,
		`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1');`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// RecordExport queues e for insertion. When the writer falls behind the
// record is dropped and counted in Stats.
func (s *SQLiteIndex) RecordExport(e Export) {
	if s == nil || s.closed.Load() {
		return
	}
	e.normalize()
	select {
	case s.ch <- e:
	default:
		s.dropped.Add(1)
	}
}

func (s *SQLiteIndex) Stats() Stats {
	return Stats{
		QueueDepth:    len(s.ch),
		QueueCapacity: cap(s.ch),
		WrittenTotal:  s.written.Load(),
		DropTotal:     s.dropped.Load(),
	}
}

// timeLayout has fixed width so created_at sorts as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const selectExport = `SELECT id,name,path,remote_key,size_x,size_y,size_z,palette_len,bytes,compression,sha256,created_at FROM exports`

// List returns the newest exports first. limit <= 0 means 100.
func (s *SQLiteIndex) List(ctx context.Context, limit int) ([]Export, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, selectExport+` ORDER BY created_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Export
	for rows.Next() {
		e, err := scanExport(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteIndex) Get(ctx context.Context, id string) (Export, error) {
	e, err := scanExport(s.db.QueryRowContext(ctx, selectExport+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Export{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanExport(r scanner) (Export, error) {
	var (
		e       Export
		created string
	)
	if err := r.Scan(&e.ID, &e.Name, &e.Path, &e.RemoteKey,
		&e.Size.X, &e.Size.Y, &e.Size.Z,
		&e.PaletteLen, &e.Bytes, &e.Compression, &e.SHA256, &created); err != nil {
		return Export{}, err
	}
	t, err := time.Parse(timeLayout, created)
	if err != nil {
		return Export{}, fmt.Errorf("export %s: created_at: %w", e.ID, err)
	}
	e.CreatedAt = t
	return e, nil
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insert, _ := s.db.Prepare(`INSERT OR REPLACE INTO exports(id,name,path,remote_key,size_x,size_y,size_z,palette_len,bytes,compression,sha256,created_at) VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`)
	defer func() {
		if insert != nil {
			_ = insert.Close()
		}
	}()

	var (
		tx          *sql.Tx
		opCount     int
		commitEvery = 256
	)
	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			// If we can't start a tx, we can't do much; sleep a bit.
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
	}
	commit := func() {
		if tx == nil {
			return
		}
		if err := tx.Commit(); err == nil {
			s.written.Add(uint64(opCount))
		}
		tx = nil
		opCount = 0
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
	}

	for e := range s.ch {
		begin()
		if tx == nil || insert == nil {
			s.dropped.Add(1)
			continue
		}
		if _, err := tx.Stmt(insert).Exec(
			e.ID,
			e.Name,
			e.Path,
			e.RemoteKey,
			e.Size.X, e.Size.Y, e.Size.Z,
			e.PaletteLen,
			e.Bytes,
			e.Compression,
			e.SHA256,
			e.CreatedAt.UTC().Format(timeLayout),
		); err != nil {
			rollback()
			s.dropped.Add(1)
			continue
		}
		opCount++
		// List shares the single connection; commit whenever the queue drains.
		if opCount >= commitEvery || len(s.ch) == 0 {
			commit()
		}
	}

	commit()
}
