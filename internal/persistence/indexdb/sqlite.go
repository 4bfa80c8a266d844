package indexdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/rlavkvmflzk/metalic-combat-system-sub001/internal/combat"
	"github.com/rlavkvmflzk/metalic-combat-system-sub001/internal/docstore"
	"github.com/rlavkvmflzk/metalic-combat-system-sub001/internal/persistence/snapshot"
)

const schemaVersion = "1"

// SQLiteIndex is a queryable read model fed from store changes and relay
// notices. Writes are queued and applied by one goroutine; the JSONL
// journal stays the source of truth, so a full queue drops rows.
type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropChange   atomic.Uint64
	dropNotice   atomic.Uint64
	dropSnapshot atomic.Uint64
	dropArchive  atomic.Uint64
}

type reqKind int

const (
	reqChange reqKind = iota + 1
	reqNotice
	reqSnapshot
	reqArchive
	reqFlush
)

type req struct {
	kind reqKind

	change   docstore.Change
	notice   noticeRow
	snapshot snapshotRow
	archive  archiveRow
	done     chan struct{}
}

type noticeRow struct {
	CombatID string
	Phase    string
	Label    string
	Round    int
	From     string
	At       time.Time
}

type snapshotRow struct {
	Seq     uint64
	Path    string
	TakenAt time.Time
	Users   int
	Actors  int
	Items   int
	Combats int
}

type archiveRow struct {
	CombatID string
	Round    int
	Path     string
	At       time.Time
}

type Stats struct {
	QueueDepth        int
	QueueCapacity     int
	DropChangeTotal   uint64
	DropNoticeTotal   uint64
	DropSnapshotTotal uint64
	DropArchiveTotal  uint64
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
		`CREATE TABLE IF NOT EXISTS changes (
			seq INTEGER PRIMARY KEY,
			at TEXT NOT NULL,
			kind TEXT NOT NULL,
			user_id TEXT NOT NULL,
			actor_id TEXT NOT NULL,
			combat_id TEXT NOT NULL,
			sync_origin INTEGER NOT NULL,
			raw_json TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_changes_actor ON changes(actor_id, seq);`,
		`CREATE INDEX IF NOT EXISTS idx_changes_combat ON changes(combat_id, seq);`,
		`CREATE TABLE IF NOT EXISTS turns (
			seq INTEGER PRIMARY KEY,
			at TEXT NOT NULL,
			combat_id TEXT NOT NULL,
			round INTEGER NOT NULL,
			turn INTEGER NOT NULL,
			combatant_id TEXT NOT NULL,
			combatant_name TEXT NOT NULL,
			phase TEXT NOT NULL,
			user_id TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_turns_combat ON turns(combat_id, seq);`,
		`CREATE TABLE IF NOT EXISTS notices (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			at TEXT NOT NULL,
			combat_id TEXT NOT NULL,
			phase TEXT NOT NULL,
			label TEXT NOT NULL,
			round INTEGER NOT NULL,
			from_user TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			seq INTEGER PRIMARY KEY,
			path TEXT NOT NULL,
			taken_at TEXT NOT NULL,
			users INTEGER NOT NULL,
			actors INTEGER NOT NULL,
			items INTEGER NOT NULL,
			combats INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS archives (
			combat_id TEXT PRIMARY KEY,
			round INTEGER NOT NULL,
			path TEXT NOT NULL,
			recorded_at TEXT NOT NULL
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	_, err := db.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version',?)`, schemaVersion)
	return err
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
		DropChangeTotal:   s.dropChange.Load(),
		DropNoticeTotal:   s.dropNotice.Load(),
		DropSnapshotTotal: s.dropSnapshot.Load(),
		DropArchiveTotal:  s.dropArchive.Load(),
	}
}

func (s *SQLiteIndex) offer(r req, drops *atomic.Uint64) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- r:
	default:
		drops.Add(1)
	}
}

// RecordChange queues a store change. Turn and round moves also land in the
// turns table.
func (s *SQLiteIndex) RecordChange(c docstore.Change) {
	if s == nil {
		return
	}
	s.offer(req{kind: reqChange, change: c}, &s.dropChange)
}

func (s *SQLiteIndex) RecordNotice(from string, n combat.Notice, at time.Time) {
	if s == nil {
		return
	}
	s.offer(req{kind: reqNotice, notice: noticeRow{
		CombatID: n.CombatID,
		Phase:    string(n.Phase),
		Label:    n.Label,
		Round:    n.Round,
		From:     from,
		At:       at.UTC(),
	}}, &s.dropNotice)
}

func (s *SQLiteIndex) RecordSnapshot(path string, h snapshot.Header) {
	if s == nil {
		return
	}
	s.offer(req{kind: reqSnapshot, snapshot: snapshotRow{
		Seq:     h.Seq,
		Path:    path,
		TakenAt: h.TakenAt,
		Users:   h.Users,
		Actors:  h.Actors,
		Items:   h.Items,
		Combats: h.Combats,
	}}, &s.dropSnapshot)
}

func (s *SQLiteIndex) RecordArchive(combatID string, round int, path string, at time.Time) {
	if s == nil || combatID == "" || path == "" {
		return
	}
	s.offer(req{kind: reqArchive, archive: archiveRow{CombatID: combatID, Round: round, Path: path, At: at.UTC()}}, &s.dropArchive)
}

// Flush waits until everything queued so far is committed.
func (s *SQLiteIndex) Flush(ctx context.Context) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	done := make(chan struct{})
	select {
	case s.ch <- req{kind: reqFlush, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertChange, _ := s.db.Prepare(`INSERT OR REPLACE INTO changes(seq,at,kind,user_id,actor_id,combat_id,sync_origin,raw_json) VALUES(?,?,?,?,?,?,?,?)`)
	insertTurn, _ := s.db.Prepare(`INSERT OR REPLACE INTO turns(seq,at,combat_id,round,turn,combatant_id,combatant_name,phase,user_id) VALUES(?,?,?,?,?,?,?,?,?)`)
	insertNotice, _ := s.db.Prepare(`INSERT INTO notices(at,combat_id,phase,label,round,from_user) VALUES(?,?,?,?,?,?)`)
	insertSnapshot, _ := s.db.Prepare(`INSERT OR REPLACE INTO snapshots(seq,path,taken_at,users,actors,items,combats) VALUES(?,?,?,?,?,?,?)`)
	insertArchive, _ := s.db.Prepare(`INSERT OR REPLACE INTO archives(combat_id,round,path,recorded_at) VALUES(?,?,?,?)`)
	defer func() {
		for _, st := range []*sql.Stmt{insertChange, insertTurn, insertNotice, insertSnapshot, insertArchive} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 500
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
	exec := func(st *sql.Stmt, args ...any) bool {
		if st == nil {
			return true
		}
		if _, err := tx.Stmt(st).Exec(args...); err != nil {
			rollback()
			return false
		}
		opCount++
		return true
	}

	for r := range s.ch {
		if r.kind == reqFlush {
			commit()
			close(r.done)
			continue
		}
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqChange:
			c := r.change
			raw, _ := json.Marshal(c)
			if !exec(insertChange,
				int64(c.Seq),
				c.At.UTC().Format(time.RFC3339Nano),
				string(c.Op.Kind),
				c.Op.UserID,
				c.Op.ActorID,
				c.Op.CombatID,
				boolInt(c.Op.Options.SyncOrigin),
				string(raw),
			) {
				continue
			}
			if t, ok := turnOf(c); ok {
				if !exec(insertTurn,
					int64(c.Seq),
					c.At.UTC().Format(time.RFC3339Nano),
					t.CombatID,
					t.Round,
					t.Turn,
					t.CombatantID,
					t.CombatantName,
					t.Phase,
					c.Op.UserID,
				) {
					continue
				}
			}

		case reqNotice:
			n := r.notice
			if !exec(insertNotice, n.At.Format(time.RFC3339Nano), n.CombatID, n.Phase, n.Label, n.Round, n.From) {
				continue
			}

		case reqSnapshot:
			sn := r.snapshot
			if !exec(insertSnapshot, int64(sn.Seq), sn.Path, sn.TakenAt.UTC().Format(time.RFC3339Nano), sn.Users, sn.Actors, sn.Items, sn.Combats) {
				continue
			}

		case reqArchive:
			a := r.archive
			if !exec(insertArchive, a.CombatID, a.Round, a.Path, a.At.Format(time.RFC3339Nano)) {
				continue
			}
		}
		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
			commit()
		}
	}

	commit()
}

// turnOf extracts the turn a patch_combat change moved to, if it moved one.
func turnOf(c docstore.Change) (TurnRow, bool) {
	op := c.Op
	if op.Kind != docstore.OpPatchCombat || op.Patch == nil || op.Combat == nil {
		return TurnRow{}, false
	}
	if op.Patch.Turn == nil && op.Patch.Round == nil {
		return TurnRow{}, false
	}
	cb := *op.Combat
	if !cb.Started {
		return TurnRow{}, false
	}
	cur, ok := cb.Current()
	if !ok {
		return TurnRow{}, false
	}
	return TurnRow{
		Seq:           c.Seq,
		At:            c.At.UTC(),
		CombatID:      cb.ID,
		Round:         cb.Round,
		Turn:          cb.Turn,
		CombatantID:   cur.ID,
		CombatantName: cur.Name,
		Phase:         cur.Phase,
		UserID:        op.UserID,
	}, true
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
