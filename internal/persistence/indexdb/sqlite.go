package indexdb

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	persistlog "worldsync.ai/internal/persistence/log"
	"worldsync.ai/internal/persistence/snapshot"
	"worldsync.ai/internal/sim/tuning"
)

// SQLiteIndex is a queryable read model of what crossed each link. The JSONL
// journal stays the source of truth; writes are queued and dropped when the
// writer falls behind.
type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropUpdate   atomic.Uint64
	dropLink     atomic.Uint64
	dropSnapshot atomic.Uint64
}

type reqKind int

const (
	reqUpdate reqKind = iota + 1
	reqLink
	reqSnapshot
)

type req struct {
	kind reqKind

	update   persistlog.UpdateEntry
	link     LinkRow
	snapshot SnapshotRow
}

// LinkRow records one session's lifetime. LeftAt is empty while it is open.
type LinkRow struct {
	SessionID string
	PeerID    string
	Role      string
	JoinedAt  string
	LeftAt    string
}

type SnapshotRow struct {
	Tick     uint64
	Path     string
	Entities int
	Digest   string
}

type Stats struct {
	QueueDepth        int
	QueueCapacity     int
	DropUpdateTotal   uint64
	DropLinkTotal     uint64
	DropSnapshotTotal uint64
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
		ch: make(chan req, 65536),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
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
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS config (
			name TEXT PRIMARY KEY,
			digest TEXT NOT NULL,
			json TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS updates (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			tick INTEGER NOT NULL,
			direction TEXT NOT NULL,
			peer TEXT NOT NULL,
			entities INTEGER NOT NULL,
			world_events INTEGER NOT NULL,
			short_entities INTEGER NOT NULL,
			pins INTEGER NOT NULL,
			unpins INTEGER NOT NULL,
			raw_json TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_updates_peer_tick ON updates(peer, tick);`,
		`CREATE TABLE IF NOT EXISTS links (
			session_id TEXT PRIMARY KEY,
			peer_id TEXT NOT NULL,
			role TEXT NOT NULL,
			joined_at TEXT NOT NULL,
			left_at TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			tick INTEGER PRIMARY KEY,
			path TEXT NOT NULL,
			entities INTEGER NOT NULL,
			digest TEXT NOT NULL
		);`,
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

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:        len(s.ch),
		QueueCapacity:     cap(s.ch),
		DropUpdateTotal:   s.dropUpdate.Load(),
		DropLinkTotal:     s.dropLink.Load(),
		DropSnapshotTotal: s.dropSnapshot.Load(),
	}
}

func (s *SQLiteIndex) enqueue(r req, drops *atomic.Uint64) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- r:
	default:
		drops.Add(1)
	}
}

// WriteUpdate satisfies the same shape as the journal so a host can fan out
// to both.
func (s *SQLiteIndex) WriteUpdate(e persistlog.UpdateEntry) error {
	if s == nil {
		return nil
	}
	s.enqueue(req{kind: reqUpdate, update: e}, &s.dropUpdate)
	return nil
}

func (s *SQLiteIndex) RecordLinkOpen(sessionID, peerID, role string) {
	if s == nil {
		return
	}
	s.enqueue(req{kind: reqLink, link: LinkRow{
		SessionID: sessionID,
		PeerID:    peerID,
		Role:      role,
		JoinedAt:  time.Now().UTC().Format(time.RFC3339Nano),
	}}, &s.dropLink)
}

func (s *SQLiteIndex) RecordLinkClose(sessionID string) {
	if s == nil {
		return
	}
	s.enqueue(req{kind: reqLink, link: LinkRow{
		SessionID: sessionID,
		LeftAt:    time.Now().UTC().Format(time.RFC3339Nano),
	}}, &s.dropLink)
}

func (s *SQLiteIndex) RecordSnapshot(path string, snap snapshot.SnapshotV1) {
	if s == nil {
		return
	}
	s.enqueue(req{kind: reqSnapshot, snapshot: SnapshotRow{
		Tick:     snap.Header.Tick,
		Path:     path,
		Entities: len(snap.Entities),
		Digest:   snap.Digest,
	}}, &s.dropSnapshot)
}

// UpsertTuning stores the tuning actually in effect, keyed by its digest.
func (s *SQLiteIndex) UpsertTuning(tune tuning.Tuning) error {
	if s == nil {
		return nil
	}
	b, err := json.Marshal(tune)
	if err != nil {
		return err
	}
	sum := sha256.Sum256(b)
	now := time.Now().UTC().Format(time.RFC3339Nano)

	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1')`); err != nil {
		return err
	}
	if _, err := tx.Exec(`INSERT OR REPLACE INTO config(name,digest,json,updated_at) VALUES(?,?,?,?)`,
		"tuning", hex.EncodeToString(sum[:]), string(b), now); err != nil {
		return err
	}
	return tx.Commit()
}

// LatestSnapshot returns the newest recorded snapshot, if any.
func (s *SQLiteIndex) LatestSnapshot(ctx context.Context) (SnapshotRow, bool, error) {
	var r SnapshotRow
	var tick int64
	err := s.db.QueryRowContext(ctx,
		`SELECT tick,path,entities,digest FROM snapshots ORDER BY tick DESC LIMIT 1`,
	).Scan(&tick, &r.Path, &r.Entities, &r.Digest)
	if errors.Is(err, sql.ErrNoRows) {
		return r, false, nil
	}
	if err != nil {
		return r, false, err
	}
	r.Tick = uint64(tick)
	return r, true, nil
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertUpdate, _ := s.db.Prepare(`INSERT INTO updates(tick,direction,peer,entities,world_events,short_entities,pins,unpins,raw_json) VALUES(?,?,?,?,?,?,?,?,?)`)
	openLink, _ := s.db.Prepare(`INSERT OR REPLACE INTO links(session_id,peer_id,role,joined_at) VALUES(?,?,?,?)`)
	closeLink, _ := s.db.Prepare(`UPDATE links SET left_at=? WHERE session_id=?`)
	insertSnapshot, _ := s.db.Prepare(`INSERT OR REPLACE INTO snapshots(tick,path,entities,digest) VALUES(?,?,?,?)`)
	defer func() {
		for _, st := range []*sql.Stmt{insertUpdate, openLink, closeLink, insertSnapshot} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 2000
		commitMaxWait = 2 * time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	exec := func(st *sql.Stmt, args ...any) {
		if st == nil {
			return
		}
		if _, err := tx.Stmt(st).Exec(args...); err != nil {
			rollback()
			return
		}
		opCount++
	}

	for r := range s.ch {
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqUpdate:
			u := r.update
			raw, _ := json.Marshal(u.Update)
			c := u.Update.Counts()
			exec(insertUpdate, int64(u.Tick), u.Direction, u.Peer,
				c.Entities, c.WorldEvents, c.ShortEntities, c.Pins, c.Unpins, string(raw))
		case reqLink:
			l := r.link
			if l.LeftAt != "" {
				exec(closeLink, l.LeftAt, l.SessionID)
			} else {
				exec(openLink, l.SessionID, l.PeerID, l.Role, l.JoinedAt)
			}
		case reqSnapshot:
			sn := r.snapshot
			exec(insertSnapshot, int64(sn.Tick), sn.Path, sn.Entities, sn.Digest)
		}
		if tx != nil && (opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait) {
			commit()
		}
	}

	commit()
}
