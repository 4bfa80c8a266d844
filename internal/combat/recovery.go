package combat

import (
	"context"
	"fmt"

	"github.com/rlavkvmflzk/metalic-combat-system-sub001/internal/docstore"
)

type TransitionKind string

const (
	KindTurn  TransitionKind = "turn"
	KindRound TransitionKind = "round"
	KindEnd   TransitionKind = "end"
)

func restores(kind TransitionKind, c docstore.Cadence) bool {
	switch kind {
	case KindEnd:
		return true
	case KindRound:
		return c == docstore.CadenceTurn || c == docstore.CadenceRound
	case KindTurn:
		return c == docstore.CadenceTurn
	}
	return false
}

// Recover refills limited-use counters on every actor in the combat whose
// cadence matches kind. Updates are batched per actor. It returns the number
// of items restored.
func Recover(ctx context.Context, store docstore.Store, cb docstore.Combat, kind TransitionKind, userID string) (int, error) {
	seen := map[string]bool{}
	restored := 0
	for _, c := range cb.Combatants {
		if c.IsMarker() || c.ActorID == "" || seen[c.ActorID] {
			continue
		}
		seen[c.ActorID] = true

		var batch []docstore.Item
		for _, it := range store.Items(c.ActorID) {
			u := it.Uses
			if u == nil || u.Value >= u.Max || !restores(kind, u.Cadence) {
				continue
			}
			it.Uses.Value = u.Max
			batch = append(batch, it)
		}
		if len(batch) == 0 {
			continue
		}
		if _, err := store.Commit(ctx, docstore.Op{
			Kind:    docstore.OpUpdateItems,
			UserID:  userID,
			ActorID: c.ActorID,
			Items:   batch,
		}); err != nil {
			return restored, fmt.Errorf("recover actor %s: %w", c.ActorID, err)
		}
		restored += len(batch)
	}
	return restored, nil
}
