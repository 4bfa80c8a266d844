package main

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/rlavkvmflzk/metalic-combat-system-sub001/internal/docstore"
	"github.com/rlavkvmflzk/metalic-combat-system-sub001/internal/persistence/indexdb"
	"github.com/rlavkvmflzk/metalic-combat-system-sub001/internal/persistence/snapshot"
)

type snapshotter struct {
	store   *docstore.Memory
	dir     string
	tableID string
	keep    int
	idx     *indexdb.SQLiteIndex
	log     zerolog.Logger

	mu       sync.Mutex
	lastSeq  uint64
	lastPath string
}

// write snapshots the store unless nothing changed since the last one, in
// which case the previous path is returned.
func (s *snapshotter) write(now time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.store.State()
	if s.lastPath != "" && st.Seq == s.lastSeq {
		return s.lastPath, nil
	}
	snap := snapshot.New(s.tableID, st, now)
	path := snapshot.Path(s.dir, st.Seq)
	if err := snapshot.WriteSnapshot(path, snap); err != nil {
		s.log.Warn().Err(err).Str("path", path).Msg("snapshot write failed")
		return "", err
	}
	s.lastSeq, s.lastPath = st.Seq, path
	s.idx.RecordSnapshot(path, snap.Header)
	if n, err := snapshot.Prune(s.dir, s.keep); err != nil {
		s.log.Warn().Err(err).Msg("snapshot prune failed")
	} else if n > 0 {
		s.log.Debug().Int("removed", n).Msg("pruned snapshots")
	}
	s.log.Info().Uint64("seq", st.Seq).Str("path", path).Msg("snapshot written")
	return path, nil
}

func (s *snapshotter) loop(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			_, _ = s.write(now)
		}
	}
}
