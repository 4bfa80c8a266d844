package indexdb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"
)

type TurnRow struct {
	Seq           uint64    `json:"seq"`
	At            time.Time `json:"at"`
	CombatID      string    `json:"combat_id"`
	Round         int       `json:"round"`
	Turn          int       `json:"turn"`
	CombatantID   string    `json:"combatant_id"`
	CombatantName string    `json:"combatant_name"`
	Phase         string    `json:"phase,omitempty"`
	UserID        string    `json:"user_id"`
}

type NoticeRow struct {
	At       time.Time `json:"at"`
	CombatID string    `json:"combat_id"`
	Phase    string    `json:"phase"`
	Label    string    `json:"label"`
	Round    int       `json:"round"`
	From     string    `json:"from"`
}

type SnapshotRow struct {
	Seq     uint64    `json:"seq"`
	Path    string    `json:"path"`
	TakenAt time.Time `json:"taken_at"`
	Items   int       `json:"items"`
	Combats int       `json:"combats"`
}

// Reader runs read-only queries against an index database.
type Reader struct {
	db    *sql.DB
	owned bool
}

// OpenReader opens path read-only, for operator tools running next to a
// live server.
func OpenReader(path string) (*Reader, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout=5000;"); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Reader{db: db, owned: true}, nil
}

// Reader shares the index connection. Call Flush first to see queued rows.
func (s *SQLiteIndex) Reader() *Reader { return &Reader{db: s.db} }

func (r *Reader) Close() error {
	if !r.owned {
		return nil
	}
	return r.db.Close()
}

// RecentTurns returns the newest turns for combatID (all combats when
// empty), newest first.
func (r *Reader) RecentTurns(ctx context.Context, combatID string, limit int) ([]TurnRow, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT seq,at,combat_id,round,turn,combatant_id,combatant_name,phase,user_id FROM turns`
	args := []any{}
	if combatID != "" {
		q += ` WHERE combat_id=?`
		args = append(args, combatID)
	}
	q += ` ORDER BY seq DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TurnRow
	for rows.Next() {
		var t TurnRow
		var seq int64
		var at string
		if err := rows.Scan(&seq, &at, &t.CombatID, &t.Round, &t.Turn, &t.CombatantID, &t.CombatantName, &t.Phase, &t.UserID); err != nil {
			return nil, err
		}
		t.Seq = uint64(seq)
		t.At, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, t)
	}
	return out, rows.Err()
}

// RecentNotices returns the newest phase notices, newest first.
func (r *Reader) RecentNotices(ctx context.Context, limit int) ([]NoticeRow, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `SELECT at,combat_id,phase,label,round,from_user FROM notices ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []NoticeRow
	for rows.Next() {
		var n NoticeRow
		var at string
		if err := rows.Scan(&at, &n.CombatID, &n.Phase, &n.Label, &n.Round, &n.From); err != nil {
			return nil, err
		}
		n.At, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, n)
	}
	return out, rows.Err()
}

// CountChanges counts journaled changes, optionally of one kind.
func (r *Reader) CountChanges(ctx context.Context, kind string) (int64, error) {
	q := `SELECT COUNT(*) FROM changes`
	args := []any{}
	if kind != "" {
		q += ` WHERE kind=?`
		args = append(args, kind)
	}
	var n int64
	if err := r.db.QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count changes: %w", err)
	}
	return n, nil
}

// Snapshots lists recorded snapshots, newest first.
func (r *Reader) Snapshots(ctx context.Context, limit int) ([]SnapshotRow, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.QueryContext(ctx, `SELECT seq,path,taken_at,items,combats FROM snapshots ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SnapshotRow
	for rows.Next() {
		var sn SnapshotRow
		var seq int64
		var at string
		if err := rows.Scan(&seq, &sn.Path, &at, &sn.Items, &sn.Combats); err != nil {
			return nil, err
		}
		sn.Seq = uint64(seq)
		sn.TakenAt, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, sn)
	}
	return out, rows.Err()
}
