package config

import (
	"context"
	"fmt"
	"strings"

	"github.com/rlavkvmflzk/metalic-combat-system-sub001/internal/docstore"
)

// SeedConfig describes the documents a fresh store starts with.
type SeedConfig struct {
	Users   []SeedUser   `yaml:"users"`
	Actors  []SeedActor  `yaml:"actors"`
	Combats []SeedCombat `yaml:"combats"`
}

type SeedUser struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
	Role string `yaml:"role"`
}

type SeedActor struct {
	ID         string         `yaml:"id"`
	Name       string         `yaml:"name"`
	Kind       string         `yaml:"kind"`
	PilotID    string         `yaml:"pilot_id"`
	Owners     []string       `yaml:"owners"`
	Attributes map[string]int `yaml:"attributes"`
	Items      []SeedItem     `yaml:"items"`
}

type SeedItem struct {
	Name     string            `yaml:"name"`
	Type     string            `yaml:"type"`
	Category string            `yaml:"category"`
	Data     map[string]string `yaml:"data"`
	Uses     *SeedUses         `yaml:"uses"`
}

type SeedUses struct {
	Value   int    `yaml:"value"`
	Max     int    `yaml:"max"`
	Cadence string `yaml:"cadence"`
}

type SeedCombat struct {
	ID         string          `yaml:"id"`
	Combatants []SeedCombatant `yaml:"combatants"`
}

type SeedCombatant struct {
	ActorID    string   `yaml:"actor_id"`
	Name       string   `yaml:"name"`
	Initiative *float64 `yaml:"initiative"`
}

func (s *SeedConfig) normalize() {
	for i := range s.Users {
		s.Users[i].ID = strings.TrimSpace(s.Users[i].ID)
		if s.Users[i].Name == "" {
			s.Users[i].Name = s.Users[i].ID
		}
		if strings.TrimSpace(s.Users[i].Role) == "" {
			s.Users[i].Role = docstore.RolePlayer.String()
		}
	}
	for i := range s.Actors {
		a := &s.Actors[i]
		a.ID = strings.TrimSpace(a.ID)
		a.Kind = strings.ToLower(strings.TrimSpace(a.Kind))
		if a.Kind == "" {
			a.Kind = string(docstore.ActorPilot)
		}
		for j := range a.Items {
			if u := a.Items[j].Uses; u != nil {
				u.Cadence = strings.ToLower(strings.TrimSpace(u.Cadence))
			}
		}
	}
}

func (s SeedConfig) validate() error {
	users := map[string]bool{}
	for _, u := range s.Users {
		if u.ID == "" {
			return fmt.Errorf("seed.users: empty id")
		}
		if users[u.ID] {
			return fmt.Errorf("seed.users: duplicate id %q", u.ID)
		}
		users[u.ID] = true
		if _, err := ParseRole(u.Role); err != nil {
			return fmt.Errorf("seed.users[%s]: %w", u.ID, err)
		}
	}
	actors := map[string]SeedActor{}
	for _, a := range s.Actors {
		if a.ID == "" {
			return fmt.Errorf("seed.actors: empty id")
		}
		if _, dup := actors[a.ID]; dup {
			return fmt.Errorf("seed.actors: duplicate id %q", a.ID)
		}
		actors[a.ID] = a
		switch docstore.ActorKind(a.Kind) {
		case docstore.ActorPilot, docstore.ActorGuardian, docstore.ActorNPC:
		default:
			return fmt.Errorf("seed.actors[%s]: unknown kind %q", a.ID, a.Kind)
		}
		for _, o := range a.Owners {
			if !users[o] {
				return fmt.Errorf("seed.actors[%s]: owner %q is not a seeded user", a.ID, o)
			}
		}
		for _, it := range a.Items {
			if it.Uses == nil {
				continue
			}
			switch docstore.Cadence(it.Uses.Cadence) {
			case docstore.CadenceTurn, docstore.CadenceRound, docstore.CadenceScene:
			default:
				return fmt.Errorf("seed.actors[%s] item %q: unknown cadence %q", a.ID, it.Name, it.Uses.Cadence)
			}
		}
	}
	for _, a := range s.Actors {
		if a.Kind != string(docstore.ActorGuardian) {
			continue
		}
		p, ok := actors[a.PilotID]
		if !ok || p.Kind != string(docstore.ActorPilot) {
			return fmt.Errorf("seed.actors[%s]: guardian needs a seeded pilot_id", a.ID)
		}
	}
	for _, cb := range s.Combats {
		for _, c := range cb.Combatants {
			if c.ActorID != "" {
				if _, ok := actors[c.ActorID]; !ok {
					return fmt.Errorf("seed.combats[%s]: unknown actor %q", cb.ID, c.ActorID)
				}
			}
		}
	}
	return nil
}

// Empty reports whether there is nothing to seed.
func (s SeedConfig) Empty() bool {
	return len(s.Users) == 0 && len(s.Actors) == 0 && len(s.Combats) == 0
}

// Apply commits the seed documents into a fresh store.
func (s SeedConfig) Apply(ctx context.Context, store docstore.Store) error {
	for _, su := range s.Users {
		role, err := ParseRole(su.Role)
		if err != nil {
			return err
		}
		u := docstore.User{ID: su.ID, Name: su.Name, Role: role}
		if _, err := store.Commit(ctx, docstore.Op{Kind: docstore.OpUpsertUser, User: &u}); err != nil {
			return fmt.Errorf("seed user %s: %w", su.ID, err)
		}
	}
	for _, sa := range s.Actors {
		a := docstore.Actor{
			ID:         sa.ID,
			Name:       sa.Name,
			Kind:       docstore.ActorKind(sa.Kind),
			PilotID:    sa.PilotID,
			Owners:     append([]string(nil), sa.Owners...),
			Attributes: sa.Attributes,
		}
		if _, err := store.Commit(ctx, docstore.Op{Kind: docstore.OpCreateActor, Actor: &a}); err != nil {
			return fmt.Errorf("seed actor %s: %w", sa.ID, err)
		}
		if len(sa.Items) == 0 {
			continue
		}
		items := make([]docstore.Item, 0, len(sa.Items))
		for _, si := range sa.Items {
			it := docstore.Item{Name: si.Name, Type: si.Type, Category: si.Category, Data: si.Data}
			if si.Uses != nil {
				it.Uses = &docstore.LimitedUse{Value: si.Uses.Value, Max: si.Uses.Max, Cadence: docstore.Cadence(si.Uses.Cadence)}
			}
			items = append(items, it)
		}
		if _, err := store.Commit(ctx, docstore.Op{Kind: docstore.OpCreateItems, ActorID: sa.ID, Items: items}); err != nil {
			return fmt.Errorf("seed items for %s: %w", sa.ID, err)
		}
	}
	for _, sc := range s.Combats {
		cb := docstore.Combat{ID: sc.ID}
		for _, c := range sc.Combatants {
			name := c.Name
			if name == "" {
				if a, ok := store.Actor(c.ActorID); ok {
					name = a.Name
				}
			}
			cb.Combatants = append(cb.Combatants, docstore.Combatant{ActorID: c.ActorID, Name: name, Initiative: c.Initiative})
		}
		if _, err := store.Commit(ctx, docstore.Op{Kind: docstore.OpCreateCombat, Combat: &cb}); err != nil {
			return fmt.Errorf("seed combat %s: %w", sc.ID, err)
		}
	}
	return nil
}
