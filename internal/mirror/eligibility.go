package mirror

import (
	"sort"

	"github.com/rlavkvmflzk/metalic-combat-system-sub001/internal/docstore"
)

type Action string

const (
	ActionCreate     Action = "create"
	ActionUpdate     Action = "update"
	ActionDelete     Action = "delete"
	ActionAttributes Action = "attributes"
)

// DefaultCategories are the item categories mirrored between linked actors.
var DefaultCategories = []string{"specialty", "bless", "class"}

// DefaultAttributes are the numeric actor attributes mirrored between linked
// actors.
var DefaultAttributes = []string{
	"hp", "hp_max", "en", "en_max", "armor", "evasion",
	"defense", "speed", "accuracy", "battle_power",
}

func Eligible(it docstore.Item, categories []string) bool {
	cat := it.ItemCategory()
	if cat == "" {
		return false
	}
	for _, c := range categories {
		if c == cat {
			return true
		}
	}
	return false
}

// EligibleAttributes filters changed keys down to the allow-list, sorted.
func EligibleAttributes(changed []string, allow []string) []string {
	ok := make(map[string]bool, len(allow))
	for _, a := range allow {
		ok[a] = true
	}
	var out []string
	for _, k := range changed {
		if ok[k] {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// Targets resolves the actors linked to source: guardians sharing its pilot
// (excluding itself) and guardians whose pilot is source.
func Targets(r docstore.Reader, sourceID string) []string {
	src, ok := r.Actor(sourceID)
	if !ok {
		return nil
	}
	seen := map[string]bool{sourceID: true}
	var out []string
	for _, a := range r.Actors() {
		if a.Kind != docstore.ActorGuardian || seen[a.ID] {
			continue
		}
		sibling := src.Kind == docstore.ActorGuardian && src.PilotID != "" && a.PilotID == src.PilotID
		if sibling || a.PilotID == sourceID {
			seen[a.ID] = true
			out = append(out, a.ID)
		}
	}
	return out
}
