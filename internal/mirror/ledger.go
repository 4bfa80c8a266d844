package mirror

import (
	"context"
	"sync"
	"time"
)

const DefaultRetention = 5 * time.Minute

// Key identifies one applied synchronization message.
type Key struct {
	Source   string
	Item     string
	Target   string
	Action   Action
	Revision uint64
}

// Ledger remembers applied messages for a retention window.
type Ledger struct {
	mu        sync.Mutex
	retention time.Duration
	seen      map[Key]time.Time
}

func NewLedger(retention time.Duration) *Ledger {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Ledger{retention: retention, seen: map[Key]time.Time{}}
}

// Seen reports whether key was recorded within the retention window. An
// unseen key is recorded at now.
func (l *Ledger) Seen(key Key, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if at, ok := l.seen[key]; ok && now.Sub(at) < l.retention {
		return true
	}
	l.seen[key] = now
	return false
}

// Purge drops entries older than the retention window and returns how many
// were removed.
func (l *Ledger) Purge(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for k, at := range l.seen {
		if now.Sub(at) >= l.retention {
			delete(l.seen, k)
			n++
		}
	}
	return n
}

func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.seen)
}

// Run purges on every tick until ctx is done.
func (l *Ledger) Run(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = time.Minute
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			l.Purge(now)
		}
	}
}
