package docstore

import "sort"

type Role int

const (
	RoleNone Role = iota
	RolePlayer
	RoleTrusted
	RoleAssistant
	RoleGameMaster
)

func (r Role) String() string {
	switch r {
	case RolePlayer:
		return "player"
	case RoleTrusted:
		return "trusted"
	case RoleAssistant:
		return "assistant"
	case RoleGameMaster:
		return "gamemaster"
	default:
		return "none"
	}
}

// ParseRole accepts the names produced by Role.String.
func ParseRole(s string) (Role, bool) {
	switch s {
	case "none", "":
		return RoleNone, true
	case "player":
		return RolePlayer, true
	case "trusted":
		return RoleTrusted, true
	case "assistant":
		return RoleAssistant, true
	case "gamemaster", "gm":
		return RoleGameMaster, true
	}
	return RoleNone, false
}

type User struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Role   Role   `json:"role"`
	Active bool   `json:"active"`
}

func (u User) IsPrivileged() bool { return u.Role >= RoleAssistant }

type ActorKind string

const (
	ActorPilot    ActorKind = "pilot"
	ActorGuardian ActorKind = "guardian"
	ActorNPC      ActorKind = "npc"
)

type Actor struct {
	ID   string    `json:"id"`
	Name string    `json:"name"`
	Kind ActorKind `json:"kind"`
	// PilotID links a guardian to the pilot it mirrors.
	PilotID    string         `json:"pilot_id,omitempty"`
	Owners     []string       `json:"owners,omitempty"`
	Attributes map[string]int `json:"attributes,omitempty"`
	Revision   uint64         `json:"revision"`
}

func (a Actor) OwnedBy(userID string) bool {
	for _, id := range a.Owners {
		if id == userID {
			return true
		}
	}
	return false
}

func (a Actor) Clone() Actor {
	out := a
	out.Owners = append([]string(nil), a.Owners...)
	if a.Attributes != nil {
		out.Attributes = make(map[string]int, len(a.Attributes))
		for k, v := range a.Attributes {
			out.Attributes[k] = v
		}
	}
	return out
}

type Cadence string

const (
	CadenceTurn  Cadence = "turn"
	CadenceRound Cadence = "round"
	CadenceScene Cadence = "scene"
)

// LimitedUse is a per-item counter restored on a cadence.
type LimitedUse struct {
	Value   int     `json:"value"`
	Max     int     `json:"max"`
	Cadence Cadence `json:"cadence"`
}

// legacyCategoryKey is where older item data stored its category.
const legacyCategoryKey = "category"

type Item struct {
	ID       string            `json:"id"`
	ActorID  string            `json:"actor_id"`
	Name     string            `json:"name"`
	Type     string            `json:"type,omitempty"`
	Category string            `json:"category,omitempty"`
	Data     map[string]string `json:"data,omitempty"`
	// OriginID points a mirror back at the item it was cloned from.
	OriginID string      `json:"origin_id,omitempty"`
	Synced   bool        `json:"synced,omitempty"`
	Uses     *LimitedUse `json:"uses,omitempty"`
	Seq      uint64      `json:"seq"`
	Revision uint64      `json:"revision"`
}

// ItemCategory returns the category tag, falling back to the legacy data key.
func (it Item) ItemCategory() string {
	if it.Category != "" {
		return it.Category
	}
	return it.Data[legacyCategoryKey]
}

func (it Item) Clone() Item {
	out := it
	if it.Data != nil {
		out.Data = make(map[string]string, len(it.Data))
		for k, v := range it.Data {
			out.Data[k] = v
		}
	}
	if it.Uses != nil {
		u := *it.Uses
		out.Uses = &u
	}
	return out
}

type Combatant struct {
	ID         string   `json:"id"`
	ActorID    string   `json:"actor_id,omitempty"`
	Name       string   `json:"name"`
	Initiative *float64 `json:"initiative,omitempty"`
	// Phase is the marker tag; empty for regular combatants.
	Phase    string `json:"phase,omitempty"`
	Defeated bool   `json:"defeated,omitempty"`
	Seq      uint64 `json:"seq"`
}

func (c Combatant) IsMarker() bool { return c.Phase != "" }

type Combat struct {
	ID            string            `json:"id"`
	Round         int               `json:"round"`
	Turn          int               `json:"turn"`
	Started       bool              `json:"started"`
	PhasesEnabled bool              `json:"phases_enabled"`
	Flags         map[string]string `json:"flags,omitempty"`
	Combatants    []Combatant       `json:"combatants,omitempty"`
	Revision      uint64            `json:"revision"`
}

func (c Combat) Clone() Combat {
	out := c
	if c.Flags != nil {
		out.Flags = make(map[string]string, len(c.Flags))
		for k, v := range c.Flags {
			out.Flags[k] = v
		}
	}
	out.Combatants = make([]Combatant, len(c.Combatants))
	for i, cb := range c.Combatants {
		if cb.Initiative != nil {
			v := *cb.Initiative
			cb.Initiative = &v
		}
		out.Combatants[i] = cb
	}
	return out
}

// Turns returns the combatants in turn order: initiative descending, ties and
// missing initiatives in insertion order, missing initiatives last.
func (c Combat) Turns() []Combatant {
	out := append([]Combatant(nil), c.Combatants...)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		switch {
		case a.Initiative == nil && b.Initiative == nil:
			return a.Seq < b.Seq
		case a.Initiative == nil:
			return false
		case b.Initiative == nil:
			return true
		case *a.Initiative != *b.Initiative:
			return *a.Initiative > *b.Initiative
		default:
			return a.Seq < b.Seq
		}
	})
	return out
}

// Current returns the combatant holding the turn.
func (c Combat) Current() (Combatant, bool) {
	turns := c.Turns()
	if c.Turn < 0 || c.Turn >= len(turns) {
		return Combatant{}, false
	}
	return turns[c.Turn], true
}

func (c Combat) Flag(name string) string {
	return c.Flags[name]
}

// State is a full copy of the store, used for snapshots and handshakes.
type State struct {
	Seq     uint64   `json:"seq"`
	Users   []User   `json:"users"`
	Actors  []Actor  `json:"actors"`
	Items   []Item   `json:"items"`
	Combats []Combat `json:"combats"`
}
