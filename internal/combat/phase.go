package combat

import (
	"github.com/rlavkvmflzk/metalic-combat-system-sub001/internal/docstore"
)

type PhaseKind string

const (
	PhaseSetup      PhaseKind = "setup"
	PhaseInitiative PhaseKind = "initiative"
	PhaseCleanup    PhaseKind = "cleanup"
)

// AllPhases is the marker set, in creation order.
var AllPhases = []PhaseKind{PhaseSetup, PhaseInitiative, PhaseCleanup}

func (k PhaseKind) Valid() bool {
	switch k {
	case PhaseSetup, PhaseInitiative, PhaseCleanup:
		return true
	}
	return false
}

// Settings controls the phase feature. Priorities sit outside the normal
// initiative range so markers sort Setup, Initiative, <regulars>, Cleanup.
type Settings struct {
	Enabled            bool
	SetupPriority      float64
	InitiativePriority float64
	CleanupPriority    float64
	SetupLabel         string
	InitiativeLabel    string
	CleanupLabel       string
}

func DefaultSettings() Settings {
	return Settings{
		Enabled:            true,
		SetupPriority:      1000,
		InitiativePriority: 999,
		CleanupPriority:    -1000,
		SetupLabel:         "Setup Phase",
		InitiativeLabel:    "Initiative Phase",
		CleanupLabel:       "Cleanup Phase",
	}
}

func (s Settings) Priority(k PhaseKind) float64 {
	switch k {
	case PhaseSetup:
		return s.SetupPriority
	case PhaseInitiative:
		return s.InitiativePriority
	default:
		return s.CleanupPriority
	}
}

func (s Settings) Label(k PhaseKind) string {
	switch k {
	case PhaseSetup:
		return s.SetupLabel
	case PhaseInitiative:
		return s.InitiativeLabel
	default:
		return s.CleanupLabel
	}
}

// MarkerCombatants builds the three synthetic entries.
func MarkerCombatants(s Settings) []docstore.Combatant {
	out := make([]docstore.Combatant, 0, len(AllPhases))
	for _, k := range AllPhases {
		p := s.Priority(k)
		out = append(out, docstore.Combatant{
			Name:       s.Label(k),
			Phase:      string(k),
			Initiative: &p,
		})
	}
	return out
}

// MarkerIndex maps each present phase to its index in turn order.
func MarkerIndex(turns []docstore.Combatant) map[PhaseKind]int {
	out := map[PhaseKind]int{}
	for i, c := range turns {
		if k := PhaseKind(c.Phase); k.Valid() {
			if _, dup := out[k]; !dup {
				out[k] = i
			}
		}
	}
	return out
}

// MarkerIDs returns the ids of every marker entry, duplicates included.
func MarkerIDs(cb docstore.Combat) []string {
	var ids []string
	for _, c := range cb.Combatants {
		if c.IsMarker() {
			ids = append(ids, c.ID)
		}
	}
	return ids
}

// HasAllMarkers reports whether exactly one marker per phase is present.
func HasAllMarkers(cb docstore.Combat) bool {
	counts := map[PhaseKind]int{}
	for _, c := range cb.Combatants {
		if c.IsMarker() {
			counts[PhaseKind(c.Phase)]++
		}
	}
	for _, k := range AllPhases {
		if counts[k] != 1 {
			return false
		}
	}
	return len(counts) == len(AllPhases)
}
