package combat

import (
	"errors"
	"fmt"

	"github.com/rlavkvmflzk/metalic-combat-system-sub001/internal/docstore"
)

// CursorFlag is the combat flag holding the id of the last regular entry
// that acted this round.
const CursorFlag = "round_cursor"

var (
	ErrPermissionDenied = docstore.ErrPermissionDenied
	ErrNotStarted       = errors.New("combat not started")
	ErrNoTurns          = errors.New("combat has no turns")
	ErrMissingMarker    = errors.New("phase marker missing")
)

// State is read off the entry currently holding the turn.
type State int

const (
	StateRegular State = iota
	StateInitiative
	StateCleanup
	StateSetup
)

func (s State) String() string {
	switch s {
	case StateInitiative:
		return "initiative"
	case StateCleanup:
		return "cleanup"
	case StateSetup:
		return "setup"
	default:
		return "regular"
	}
}

func StateOf(c docstore.Combatant) State {
	switch PhaseKind(c.Phase) {
	case PhaseInitiative:
		return StateInitiative
	case PhaseCleanup:
		return StateCleanup
	case PhaseSetup:
		return StateSetup
	default:
		return StateRegular
	}
}

type CursorUpdate int

const (
	CursorKeep CursorUpdate = iota
	CursorSet
	CursorClear
)

// Decision is the outcome of one advance, before it is committed.
type Decision struct {
	Turn         int
	AdvanceRound bool
	Cursor       CursorUpdate
	CursorID     string
	// Notice is the phase to announce, empty when none.
	Notice PhaseKind
}

// Next computes the phase-aware advance from turns[current].
//
// Regular -> Initiative (cursor := the entry that just acted).
// Initiative -> next regular entry to act, or Cleanup when none remain.
// Cleanup -> Setup with the round incremented. Setup -> Initiative.
func Next(turns []docstore.Combatant, current int, cursorID string) (Decision, error) {
	if len(turns) == 0 {
		return Decision{}, ErrNoTurns
	}
	if current < 0 || current >= len(turns) {
		return Decision{}, fmt.Errorf("turn %d out of range [0,%d)", current, len(turns))
	}
	markers := MarkerIndex(turns)
	marker := func(k PhaseKind) (int, error) {
		i, ok := markers[k]
		if !ok {
			return 0, fmt.Errorf("%w: %s", ErrMissingMarker, k)
		}
		return i, nil
	}

	switch StateOf(turns[current]) {
	case StateRegular:
		i, err := marker(PhaseInitiative)
		if err != nil {
			return Decision{}, err
		}
		return Decision{Turn: i, Cursor: CursorSet, CursorID: turns[current].ID, Notice: PhaseInitiative}, nil

	case StateInitiative:
		if next, ok := nextToAct(turns, cursorID); ok {
			return Decision{Turn: next}, nil
		}
		i, err := marker(PhaseCleanup)
		if err != nil {
			return Decision{}, err
		}
		return Decision{Turn: i, Cursor: CursorClear, Notice: PhaseCleanup}, nil

	case StateCleanup:
		i, err := marker(PhaseSetup)
		if err != nil {
			return Decision{}, err
		}
		return Decision{Turn: i, AdvanceRound: true, Notice: PhaseSetup}, nil

	default:
		i, err := marker(PhaseInitiative)
		if err != nil {
			return Decision{}, err
		}
		return Decision{Turn: i, Notice: PhaseInitiative}, nil
	}
}

func eligible(c docstore.Combatant) bool {
	return !c.IsMarker() && !c.Defeated && c.Initiative != nil
}

// nextToAct picks the regular entry that acts after the cursor.
// An empty or stale cursor starts from the highest priority. Equal priorities
// resolve in turn order, which is stable insertion order.
func nextToAct(turns []docstore.Combatant, cursorID string) (int, bool) {
	ci := -1
	if cursorID != "" {
		for i, c := range turns {
			if c.ID == cursorID && c.Initiative != nil {
				ci = i
				break
			}
		}
	}

	if ci < 0 {
		return highest(turns, func(docstore.Combatant) bool { return true })
	}

	p := *turns[ci].Initiative
	for i := ci + 1; i < len(turns); i++ {
		if eligible(turns[i]) && *turns[i].Initiative == p {
			return i, true
		}
	}
	return highest(turns, func(c docstore.Combatant) bool { return *c.Initiative < p })
}

func highest(turns []docstore.Combatant, keep func(docstore.Combatant) bool) (int, bool) {
	best := -1
	for i, c := range turns {
		if !eligible(c) || !keep(c) {
			continue
		}
		if best < 0 || *c.Initiative > *turns[best].Initiative {
			best = i
		}
	}
	return best, best >= 0
}

// NextLinear is the plain advance used when phases are off: the next
// non-defeated entry, wrapping into a new round.
func NextLinear(turns []docstore.Combatant, current int) (Decision, error) {
	if len(turns) == 0 {
		return Decision{}, ErrNoTurns
	}
	for i := current + 1; i < len(turns); i++ {
		if !turns[i].Defeated {
			return Decision{Turn: i}, nil
		}
	}
	for i := 0; i < len(turns); i++ {
		if !turns[i].Defeated {
			return Decision{Turn: i, AdvanceRound: true}, nil
		}
	}
	return Decision{Turn: 0, AdvanceRound: true}, nil
}

// PreviousLinear steps one entry back, into the previous round when needed.
func PreviousLinear(turns []docstore.Combatant, current, round int) (turn, newRound int, err error) {
	if len(turns) == 0 {
		return 0, round, ErrNoTurns
	}
	if current > 0 {
		return current - 1, round, nil
	}
	if round <= 1 {
		return 0, round, nil
	}
	return len(turns) - 1, round - 1, nil
}
