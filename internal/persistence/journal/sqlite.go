// Package journal stores terminal transfer outcomes in sqlite.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/SakuraServer/Transporter/internal/transfer"
)

var ErrClosed = errors.New("journal closed")

// SQLiteJournal is written by a single goroutine. Record never blocks the
// caller; outcomes are dropped and counted when the queue is full.
type SQLiteJournal struct {
	db  *sql.DB
	log *log.Logger

	// mu guards sends on ch against Close closing it.
	mu     sync.RWMutex
	closed bool
	ch     chan req
	wg     sync.WaitGroup
	once   sync.Once

	dropTotal atomic.Uint64
	failTotal atomic.Uint64
}

type req struct {
	outcome transfer.Outcome
	flushed chan struct{}
}

type Stats struct {
	QueueDepth    int    `json:"queue_depth"`
	QueueCapacity int    `json:"queue_capacity"`
	DropTotal     uint64 `json:"drop_total"`
	FailTotal     uint64 `json:"fail_total"`
}

func OpenSQLite(path string, logger *log.Logger) (*SQLiteJournal, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if logger == nil {
		logger = log.Default()
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
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

	j := &SQLiteJournal{
		db:  db,
		log: logger,
		ch:  make(chan req, 4096),
	}
	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		j.loop()
	}()
	return j, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
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
		`CREATE TABLE IF NOT EXISTS transfers (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			trace TEXT NOT NULL,
			local_id INTEGER NOT NULL,
			remote_id INTEGER NOT NULL,
			direction TEXT NOT NULL,
			traveler TEXT NOT NULL,
			destination TEXT NOT NULL,
			result TEXT NOT NULL,
			reason TEXT NOT NULL,
			at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS transfers_trace ON transfers(trace);`,
		`CREATE INDEX IF NOT EXISTS transfers_result ON transfers(result);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (j *SQLiteJournal) Close() error {
	var err error
	j.once.Do(func() {
		j.mu.Lock()
		j.closed = true
		close(j.ch)
		j.mu.Unlock()
		j.wg.Wait()
		err = j.db.Close()
	})
	return err
}

// Record implements transfer.Journal.
func (j *SQLiteJournal) Record(o transfer.Outcome) {
	if j == nil {
		return
	}
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return
	}
	select {
	case j.ch <- req{outcome: o}:
	default:
		if j.dropTotal.Add(1) == 1 {
			j.log.Printf("warning: journal queue full; dropping outcomes")
		}
	}
}

// Flush waits until everything queued before the call is committed.
func (j *SQLiteJournal) Flush(ctx context.Context) error {
	done := make(chan struct{})
	if err := j.send(ctx, req{flushed: done}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (j *SQLiteJournal) send(ctx context.Context, r req) error {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return ErrClosed
	}
	select {
	case j.ch <- r:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (j *SQLiteJournal) Stats() Stats {
	return Stats{
		QueueDepth:    len(j.ch),
		QueueCapacity: cap(j.ch),
		DropTotal:     j.dropTotal.Load(),
		FailTotal:     j.failTotal.Load(),
	}
}

// Recent returns up to limit outcomes, newest first.
func (j *SQLiteJournal) Recent(ctx context.Context, limit int) ([]transfer.Outcome, error) {
	return j.query(ctx, `SELECT trace,local_id,remote_id,direction,traveler,destination,result,reason,at
		FROM transfers ORDER BY seq DESC LIMIT ?`, clampLimit(limit))
}

// Trace returns every outcome recorded for one trace, oldest first.
func (j *SQLiteJournal) Trace(ctx context.Context, trace string) ([]transfer.Outcome, error) {
	return j.query(ctx, `SELECT trace,local_id,remote_id,direction,traveler,destination,result,reason,at
		FROM transfers WHERE trace = ? ORDER BY seq ASC`, trace)
}

// Counts returns the number of outcomes per result tag.
func (j *SQLiteJournal) Counts(ctx context.Context) (map[string]int, error) {
	rows, err := j.db.QueryContext(ctx, `SELECT result, COUNT(*) FROM transfers GROUP BY result`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var result string
		var n int
		if err := rows.Scan(&result, &n); err != nil {
			return nil, err
		}
		out[result] = n
	}
	return out, rows.Err()
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}

func (j *SQLiteJournal) query(ctx context.Context, q string, args ...any) ([]transfer.Outcome, error) {
	rows, err := j.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []transfer.Outcome
	for rows.Next() {
		var o transfer.Outcome
		var at string
		if err := rows.Scan(&o.Trace, &o.LocalID, &o.RemoteID, &o.Direction, &o.Traveler, &o.Destination, &o.Result, &o.Reason, &at); err != nil {
			return nil, err
		}
		o.At, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, o)
	}
	return out, rows.Err()
}

func (j *SQLiteJournal) loop() {
	ctx := context.Background()

	insert, err := j.db.Prepare(`INSERT INTO transfers(trace,local_id,remote_id,direction,traveler,destination,result,reason,at) VALUES(?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		j.log.Printf("severe: journal prepare: %v", err)
	} else {
		defer insert.Close()
	}

	var tx *sql.Tx
	commit := func() {
		if tx == nil {
			return
		}
		if err := tx.Commit(); err != nil {
			j.failTotal.Add(1)
			j.log.Printf("severe: journal commit: %v", err)
		}
		tx = nil
	}

	for r := range j.ch {
		if r.flushed != nil {
			commit()
			close(r.flushed)
			continue
		}
		if insert == nil {
			j.failTotal.Add(1)
			continue
		}
		if tx == nil {
			txx, err := j.db.BeginTx(ctx, nil)
			if err != nil {
				j.failTotal.Add(1)
				j.log.Printf("severe: journal begin: %v", err)
				time.Sleep(50 * time.Millisecond)
				continue
			}
			tx = txx
		}
		o := r.outcome
		if _, err := tx.Stmt(insert).Exec(
			o.Trace,
			o.LocalID,
			o.RemoteID,
			o.Direction,
			o.Traveler,
			o.Destination,
			o.Result,
			o.Reason,
			o.At.UTC().Format(time.RFC3339Nano),
		); err != nil {
			j.failTotal.Add(1)
			j.log.Printf("severe: journal insert: %v", err)
			_ = tx.Rollback()
			tx = nil
			continue
		}
		// Batch while there is a backlog.
		if len(j.ch) == 0 {
			commit()
		}
	}
	commit()
}

var _ transfer.Journal = (*SQLiteJournal)(nil)
