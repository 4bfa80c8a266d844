package docstore

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound         = errors.New("document not found")
	ErrPermissionDenied = errors.New("permission denied")
	ErrInvalidOp        = errors.New("invalid operation")
)

type OpKind string

const (
	OpUpsertUser       OpKind = "upsert_user"
	OpCreateActor      OpKind = "create_actor"
	OpPatchActor       OpKind = "patch_actor"
	OpCreateItems      OpKind = "create_items"
	OpUpdateItems      OpKind = "update_items"
	OpDeleteItems      OpKind = "delete_items"
	OpCreateCombat     OpKind = "create_combat"
	OpDeleteCombat     OpKind = "delete_combat"
	OpPatchCombat      OpKind = "patch_combat"
	OpCreateCombatants OpKind = "create_combatants"
	OpDeleteCombatants OpKind = "delete_combatants"
)

// Options travel with a change to every hook.
type Options struct {
	// SyncOrigin marks writes made by the mirroring layer so they are not
	// propagated again.
	SyncOrigin bool `json:"sync_origin,omitempty"`
}

type CombatPatch struct {
	Round         *int  `json:"round,omitempty"`
	Turn          *int  `json:"turn,omitempty"`
	Started       *bool `json:"started,omitempty"`
	PhasesEnabled *bool `json:"phases_enabled,omitempty"`
	// Flags are set in the same write; an empty value removes the flag.
	Flags map[string]string `json:"flags,omitempty"`
}

// Op is one batched mutation. Every op commits atomically.
type Op struct {
	Kind     OpKind `json:"kind"`
	UserID   string `json:"user_id,omitempty"`
	ActorID  string `json:"actor_id,omitempty"`
	CombatID string `json:"combat_id,omitempty"`

	User       *User          `json:"user,omitempty"`
	Actor      *Actor         `json:"actor,omitempty"`
	Attributes map[string]int `json:"attributes,omitempty"`
	Items      []Item         `json:"items,omitempty"`
	IDs        []string       `json:"ids,omitempty"`
	Combat     *Combat        `json:"combat,omitempty"`
	Combatants []Combatant    `json:"combatants,omitempty"`
	Patch      *CombatPatch   `json:"patch,omitempty"`

	Options Options `json:"options,omitempty"`
}

// Change is a committed Op. Its fields hold the resolved documents:
// created and updated items as stored, deleted items as they were, and the
// resulting actor or combat for actor and combat ops.
type Change struct {
	Seq uint64    `json:"seq"`
	At  time.Time `json:"at"`
	Op  Op        `json:"op"`
	// Changed lists the attribute keys whose value differed, for patch_actor.
	Changed []string `json:"changed,omitempty"`
}

type Reader interface {
	User(id string) (User, bool)
	Users() []User
	Actor(id string) (Actor, bool)
	Actors() []Actor
	Item(actorID, itemID string) (Item, bool)
	Items(actorID string) []Item
	Combat(id string) (Combat, bool)
	Combats() []Combat
}

// Store is the shared document store.
type Store interface {
	Reader
	Commit(ctx context.Context, op Op) (Change, error)
	Subscribe(fn func(Change)) (cancel func())
}
