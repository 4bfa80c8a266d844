package docstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is the authoritative in-memory document store.
//
// Hooks run after the write lock is released, in commit order. A hook may
// commit again; the nested change is delivered once the current hook returns.
type Memory struct {
	mu      sync.RWMutex
	seq     uint64
	nextDoc uint64
	users   map[string]User
	actors  map[string]*Actor
	items   map[string]map[string]*Item
	combats map[string]*Combat

	hookMu      sync.Mutex
	hooks       map[int]func(Change)
	nextHook    int
	pending     []Change
	dispatching bool

	newID func() string
	now   func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		users:   map[string]User{},
		actors:  map[string]*Actor{},
		items:   map[string]map[string]*Item{},
		combats: map[string]*Combat{},
		hooks:   map[int]func(Change){},
		newID:   uuid.NewString,
		now:     time.Now,
	}
}

func (m *Memory) Subscribe(fn func(Change)) (cancel func()) {
	m.hookMu.Lock()
	id := m.nextHook
	m.nextHook++
	m.hooks[id] = fn
	m.hookMu.Unlock()
	return func() {
		m.hookMu.Lock()
		delete(m.hooks, id)
		m.hookMu.Unlock()
	}
}

func (m *Memory) Commit(ctx context.Context, op Op) (Change, error) {
	if err := ctx.Err(); err != nil {
		return Change{}, err
	}
	m.mu.Lock()
	resolved, changed, err := m.applyLocked(op, false)
	if err != nil {
		m.mu.Unlock()
		return Change{}, fmt.Errorf("%s: %w", op.Kind, err)
	}
	m.seq++
	c := Change{Seq: m.seq, At: m.now().UTC(), Op: resolved, Changed: changed}
	m.enqueueLocked(c)
	m.mu.Unlock()

	m.dispatch()
	return c, nil
}

// ApplyChange replays a change committed elsewhere, keeping its ids,
// sequence numbers and revisions.
func (m *Memory) ApplyChange(c Change) error {
	m.mu.Lock()
	if _, _, err := m.applyLocked(c.Op, true); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("replay %s seq=%d: %w", c.Op.Kind, c.Seq, err)
	}
	if c.Seq > m.seq {
		m.seq = c.Seq
	}
	m.enqueueLocked(c)
	m.mu.Unlock()

	m.dispatch()
	return nil
}

// Seq is the sequence number of the last committed change.
func (m *Memory) Seq() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.seq
}

func (m *Memory) enqueueLocked(c Change) {
	m.hookMu.Lock()
	m.pending = append(m.pending, c)
	m.hookMu.Unlock()
}

func (m *Memory) dispatch() {
	m.hookMu.Lock()
	if m.dispatching {
		m.hookMu.Unlock()
		return
	}
	m.dispatching = true
	for len(m.pending) > 0 {
		c := m.pending[0]
		m.pending = m.pending[1:]
		ids := make([]int, 0, len(m.hooks))
		for id := range m.hooks {
			ids = append(ids, id)
		}
		sort.Ints(ids)
		fns := make([]func(Change), 0, len(ids))
		for _, id := range ids {
			fns = append(fns, m.hooks[id])
		}
		m.hookMu.Unlock()
		for _, fn := range fns {
			fn(c)
		}
		m.hookMu.Lock()
	}
	m.dispatching = false
	m.hookMu.Unlock()
}

func (m *Memory) applyLocked(op Op, replay bool) (Op, []string, error) {
	switch op.Kind {
	case OpUpsertUser:
		if op.User == nil || op.User.ID == "" {
			return op, nil, ErrInvalidOp
		}
		m.users[op.User.ID] = *op.User
		return op, nil, nil

	case OpCreateActor:
		return m.createActorLocked(op, replay)
	case OpPatchActor:
		return m.patchActorLocked(op, replay)
	case OpCreateItems:
		return m.createItemsLocked(op, replay)
	case OpUpdateItems:
		return m.updateItemsLocked(op, replay)
	case OpDeleteItems:
		return m.deleteItemsLocked(op)

	case OpCreateCombat:
		return m.createCombatLocked(op, replay)
	case OpDeleteCombat:
		cb, ok := m.combats[op.CombatID]
		if !ok {
			return op, nil, ErrNotFound
		}
		delete(m.combats, op.CombatID)
		out := cb.Clone()
		op.Combat = &out
		return op, nil, nil
	case OpPatchCombat, OpCreateCombatants, OpDeleteCombatants:
		if replay {
			return m.replaceCombatLocked(op)
		}
		return m.mutateCombatLocked(op)
	}
	return op, nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidOp, op.Kind)
}

func (m *Memory) createActorLocked(op Op, replay bool) (Op, []string, error) {
	if op.Actor == nil {
		return op, nil, ErrInvalidOp
	}
	a := op.Actor.Clone()
	if a.ID == "" {
		a.ID = m.newID()
	}
	if _, exists := m.actors[a.ID]; exists && !replay {
		return op, nil, fmt.Errorf("%w: actor %s exists", ErrInvalidOp, a.ID)
	}
	if a.Attributes == nil {
		a.Attributes = map[string]int{}
	}
	if !replay {
		a.Revision = 1
	}
	m.actors[a.ID] = &a
	out := a.Clone()
	op.Actor = &out
	op.ActorID = a.ID
	return op, nil, nil
}

func (m *Memory) patchActorLocked(op Op, replay bool) (Op, []string, error) {
	cur, ok := m.actors[op.ActorID]
	if !ok {
		return op, nil, ErrNotFound
	}
	if replay && op.Actor != nil {
		a := op.Actor.Clone()
		m.actors[a.ID] = &a
		return op, nil, nil
	}
	if cur.Attributes == nil {
		cur.Attributes = map[string]int{}
	}
	var changed []string
	for k, v := range op.Attributes {
		if old, ok := cur.Attributes[k]; ok && old == v {
			continue
		}
		cur.Attributes[k] = v
		changed = append(changed, k)
	}
	sort.Strings(changed)
	cur.Revision++
	out := cur.Clone()
	op.Actor = &out
	return op, changed, nil
}

func (m *Memory) createItemsLocked(op Op, replay bool) (Op, []string, error) {
	if _, ok := m.actors[op.ActorID]; !ok {
		return op, nil, ErrNotFound
	}
	byID := m.items[op.ActorID]
	if byID == nil {
		byID = map[string]*Item{}
		m.items[op.ActorID] = byID
	}
	created := make([]Item, 0, len(op.Items))
	for _, in := range op.Items {
		it := in.Clone()
		it.ActorID = op.ActorID
		if it.ID == "" {
			it.ID = m.newID()
		}
		if _, exists := byID[it.ID]; exists && !replay {
			return op, nil, fmt.Errorf("%w: item %s exists", ErrInvalidOp, it.ID)
		}
		if replay {
			if it.Seq > m.nextDoc {
				m.nextDoc = it.Seq
			}
		} else {
			m.nextDoc++
			it.Seq = m.nextDoc
			it.Revision = 1
		}
		created = append(created, it)
	}
	for i := range created {
		it := created[i].Clone()
		byID[it.ID] = &it
	}
	op.Items = created
	return op, nil, nil
}

func (m *Memory) updateItemsLocked(op Op, replay bool) (Op, []string, error) {
	byID := m.items[op.ActorID]
	for _, in := range op.Items {
		if _, ok := byID[in.ID]; !ok {
			return op, nil, fmt.Errorf("%w: item %s on actor %s", ErrNotFound, in.ID, op.ActorID)
		}
	}
	updated := make([]Item, 0, len(op.Items))
	for _, in := range op.Items {
		cur := byID[in.ID]
		it := in.Clone()
		it.ActorID = op.ActorID
		if !replay {
			it.Seq = cur.Seq
			it.Revision = cur.Revision + 1
		}
		byID[it.ID] = &it
		updated = append(updated, it.Clone())
	}
	op.Items = updated
	return op, nil, nil
}

func (m *Memory) deleteItemsLocked(op Op) (Op, []string, error) {
	byID := m.items[op.ActorID]
	for _, id := range op.IDs {
		if _, ok := byID[id]; !ok {
			return op, nil, fmt.Errorf("%w: item %s on actor %s", ErrNotFound, id, op.ActorID)
		}
	}
	deleted := make([]Item, 0, len(op.IDs))
	for _, id := range op.IDs {
		deleted = append(deleted, byID[id].Clone())
		delete(byID, id)
	}
	op.Items = deleted
	return op, nil, nil
}

func (m *Memory) createCombatLocked(op Op, replay bool) (Op, []string, error) {
	if op.Combat == nil {
		return op, nil, ErrInvalidOp
	}
	cb := op.Combat.Clone()
	if cb.ID == "" {
		cb.ID = m.newID()
	}
	if _, exists := m.combats[cb.ID]; exists && !replay {
		return op, nil, fmt.Errorf("%w: combat %s exists", ErrInvalidOp, cb.ID)
	}
	if cb.Flags == nil {
		cb.Flags = map[string]string{}
	}
	if !replay {
		for i := range cb.Combatants {
			if cb.Combatants[i].ID == "" {
				cb.Combatants[i].ID = m.newID()
			}
			m.nextDoc++
			cb.Combatants[i].Seq = m.nextDoc
		}
		cb.Revision = 1
	}
	m.combats[cb.ID] = &cb
	out := cb.Clone()
	op.Combat = &out
	op.CombatID = cb.ID
	return op, nil, nil
}

func (m *Memory) replaceCombatLocked(op Op) (Op, []string, error) {
	if op.Combat == nil {
		return op, nil, ErrInvalidOp
	}
	cb := op.Combat.Clone()
	for _, c := range cb.Combatants {
		if c.Seq > m.nextDoc {
			m.nextDoc = c.Seq
		}
	}
	m.combats[cb.ID] = &cb
	return op, nil, nil
}

func (m *Memory) mutateCombatLocked(op Op) (Op, []string, error) {
	cur, ok := m.combats[op.CombatID]
	if !ok {
		return op, nil, ErrNotFound
	}
	next := cur.Clone()
	if next.Flags == nil {
		next.Flags = map[string]string{}
	}

	switch op.Kind {
	case OpPatchCombat:
		if op.Patch == nil {
			return op, nil, ErrInvalidOp
		}
		p := op.Patch
		if p.Round != nil {
			if *p.Round < 0 {
				return op, nil, fmt.Errorf("%w: negative round", ErrInvalidOp)
			}
			next.Round = *p.Round
		}
		if p.Turn != nil {
			if *p.Turn < 0 || (len(next.Combatants) > 0 && *p.Turn >= len(next.Combatants)) {
				return op, nil, fmt.Errorf("%w: turn %d out of range", ErrInvalidOp, *p.Turn)
			}
			next.Turn = *p.Turn
		}
		if p.Started != nil {
			next.Started = *p.Started
		}
		if p.PhasesEnabled != nil {
			next.PhasesEnabled = *p.PhasesEnabled
		}
		for k, v := range p.Flags {
			if v == "" {
				delete(next.Flags, k)
				continue
			}
			next.Flags[k] = v
		}

	case OpCreateCombatants:
		current, hasCurrent := next.Current()
		created := make([]Combatant, 0, len(op.Combatants))
		for _, c := range op.Combatants {
			if c.ID == "" {
				c.ID = m.newID()
			}
			if c.Initiative != nil {
				v := *c.Initiative
				c.Initiative = &v
			}
			m.nextDoc++
			c.Seq = m.nextDoc
			created = append(created, c)
		}
		next.Combatants = append(next.Combatants, created...)
		if hasCurrent {
			next.Turn = indexOf(next.Turns(), current.ID, next.Turn)
		}
		op.Combatants = created

	case OpDeleteCombatants:
		drop := make(map[string]bool, len(op.IDs))
		have := make(map[string]bool, len(next.Combatants))
		for _, c := range next.Combatants {
			have[c.ID] = true
		}
		for _, id := range op.IDs {
			if !have[id] {
				return op, nil, fmt.Errorf("%w: combatant %s", ErrNotFound, id)
			}
			drop[id] = true
		}
		current, hasCurrent := next.Current()
		kept := next.Combatants[:0]
		removed := make([]Combatant, 0, len(op.IDs))
		for _, c := range next.Combatants {
			if drop[c.ID] {
				removed = append(removed, c)
				continue
			}
			kept = append(kept, c)
		}
		next.Combatants = kept
		switch {
		case hasCurrent && !drop[current.ID]:
			next.Turn = indexOf(next.Turns(), current.ID, next.Turn)
		case next.Turn >= len(next.Combatants):
			next.Turn = len(next.Combatants) - 1
		}
		if next.Turn < 0 {
			next.Turn = 0
		}
		op.Combatants = removed
	}

	next.Revision = cur.Revision + 1
	m.combats[next.ID] = &next
	out := next.Clone()
	op.Combat = &out
	return op, nil, nil
}

func indexOf(turns []Combatant, id string, fallback int) int {
	for i, c := range turns {
		if c.ID == id {
			return i
		}
	}
	return fallback
}

func (m *Memory) User(id string) (User, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	return u, ok
}

func (m *Memory) Users() []User {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]User, 0, len(m.users))
	for _, u := range m.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Memory) Actor(id string) (Actor, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.actors[id]
	if !ok {
		return Actor{}, false
	}
	return a.Clone(), true
}

func (m *Memory) Actors() []Actor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Actor, 0, len(m.actors))
	for _, a := range m.actors {
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Memory) Item(actorID, itemID string) (Item, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	it, ok := m.items[actorID][itemID]
	if !ok {
		return Item{}, false
	}
	return it.Clone(), true
}

func (m *Memory) Items(actorID string) []Item {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Item, 0, len(m.items[actorID]))
	for _, it := range m.items[actorID] {
		out = append(out, it.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

func (m *Memory) Combat(id string) (Combat, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cb, ok := m.combats[id]
	if !ok {
		return Combat{}, false
	}
	return cb.Clone(), true
}

func (m *Memory) Combats() []Combat {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Combat, 0, len(m.combats))
	for _, cb := range m.combats {
		out = append(out, cb.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// State copies the whole store.
func (m *Memory) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st := State{Seq: m.seq}
	for _, u := range m.users {
		st.Users = append(st.Users, u)
	}
	for _, a := range m.actors {
		st.Actors = append(st.Actors, a.Clone())
	}
	for _, byID := range m.items {
		for _, it := range byID {
			st.Items = append(st.Items, it.Clone())
		}
	}
	for _, cb := range m.combats {
		st.Combats = append(st.Combats, cb.Clone())
	}
	sort.Slice(st.Users, func(i, j int) bool { return st.Users[i].ID < st.Users[j].ID })
	sort.Slice(st.Actors, func(i, j int) bool { return st.Actors[i].ID < st.Actors[j].ID })
	sort.Slice(st.Items, func(i, j int) bool { return st.Items[i].Seq < st.Items[j].Seq })
	sort.Slice(st.Combats, func(i, j int) bool { return st.Combats[i].ID < st.Combats[j].ID })
	return st
}

// Load replaces the store contents without firing hooks.
func (m *Memory) Load(st State) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq = st.Seq
	m.nextDoc = 0
	m.users = map[string]User{}
	m.actors = map[string]*Actor{}
	m.items = map[string]map[string]*Item{}
	m.combats = map[string]*Combat{}
	for _, u := range st.Users {
		m.users[u.ID] = u
	}
	for _, a := range st.Actors {
		a := a.Clone()
		if a.Attributes == nil {
			a.Attributes = map[string]int{}
		}
		m.actors[a.ID] = &a
	}
	for _, in := range st.Items {
		it := in.Clone()
		if m.items[it.ActorID] == nil {
			m.items[it.ActorID] = map[string]*Item{}
		}
		m.items[it.ActorID][it.ID] = &it
		if it.Seq > m.nextDoc {
			m.nextDoc = it.Seq
		}
	}
	for _, in := range st.Combats {
		cb := in.Clone()
		if cb.Flags == nil {
			cb.Flags = map[string]string{}
		}
		for _, c := range cb.Combatants {
			if c.Seq > m.nextDoc {
				m.nextDoc = c.Seq
			}
		}
		m.combats[cb.ID] = &cb
	}
}
