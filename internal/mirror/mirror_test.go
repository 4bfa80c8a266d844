package mirror

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"

	"github.com/rlavkvmflzk/metalic-combat-system-sub001/internal/docstore"
	"github.com/rlavkvmflzk/metalic-combat-system-sub001/internal/relay"
)

type table struct {
	store   *docstore.Memory
	hub     *relay.Hub
	syncers map[string]*Syncer
	outs    []*relay.Outbox
}

// newTable seeds a pilot owned by p1 with guardians g1 and g2, an unrelated
// npc, and one syncing peer per user.
func newTable(t *testing.T) *table {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	m := docstore.NewMemory()
	users := []docstore.User{
		{ID: "gm", Role: docstore.RoleGameMaster, Active: true},
		{ID: "p1", Role: docstore.RolePlayer, Active: true},
		{ID: "p2", Role: docstore.RolePlayer, Active: true},
	}
	for _, u := range users {
		u := u
		if _, err := m.Commit(ctx, docstore.Op{Kind: docstore.OpUpsertUser, User: &u}); err != nil {
			t.Fatalf("seed user: %v", err)
		}
	}
	for _, a := range []docstore.Actor{
		{ID: "pilot", Name: "Ace", Kind: docstore.ActorPilot, Owners: []string{"p1"}},
		{ID: "g1", Name: "Ace G1", Kind: docstore.ActorGuardian, PilotID: "pilot", Owners: []string{"p1"}},
		{ID: "g2", Name: "Ace G2", Kind: docstore.ActorGuardian, PilotID: "pilot", Owners: []string{"p1"}},
		{ID: "npc", Name: "Drone", Kind: docstore.ActorNPC},
	} {
		a := a
		if _, err := m.Commit(ctx, docstore.Op{Kind: docstore.OpCreateActor, Actor: &a}); err != nil {
			t.Fatalf("seed actor: %v", err)
		}
	}

	tb := &table{store: m, hub: relay.NewHub(), syncers: map[string]*Syncer{}}
	for _, u := range users {
		l := relay.NewLocal(ctx, tb.hub, u, zerolog.Nop())
		t.Cleanup(l.Close)
		out := relay.NewOutbox(l, relay.OutboxConfig{Queue: 64}, zerolog.Nop())
		go out.Run(ctx)
		s := NewSyncer(m, l, out, nil, DefaultConfig(), zerolog.Nop())
		s.Register()
		m.Subscribe(func(c docstore.Change) { s.OnChange(ctx, c) })
		tb.syncers[u.ID] = s
		tb.outs = append(tb.outs, out)
	}
	return tb
}

// settle waits until no outbound send or relay delivery is pending.
func (tb *table) settle(t *testing.T) {
	t.Helper()
	for i := 0; i < 10; i++ {
		for _, o := range tb.outs {
			if err := o.FlushTimeout(2 * time.Second); err != nil {
				t.Fatalf("flush: %v", err)
			}
		}
		tb.hub.Drain()
		idle := true
		for _, o := range tb.outs {
			if o.Pending() > 0 {
				idle = false
			}
		}
		if idle {
			return
		}
	}
	t.Fatalf("relay did not settle")
}

func (tb *table) commit(t *testing.T, op docstore.Op) docstore.Change {
	t.Helper()
	c, err := tb.store.Commit(context.Background(), op)
	if err != nil {
		t.Fatalf("commit %s: %v", op.Kind, err)
	}
	return c
}

func TestTargets(t *testing.T) {
	tb := newTable(t)
	cases := map[string][]string{
		"pilot": {"g1", "g2"},
		"g1":    {"g2"},
		"npc":   nil,
		"ghost": nil,
	}
	for src, want := range cases {
		if diff := cmp.Diff(want, Targets(tb.store, src)); diff != "" {
			t.Fatalf("targets of %s (-want +got):\n%s", src, diff)
		}
	}
}

func TestEligibility(t *testing.T) {
	cats := []string{"specialty"}
	if !Eligible(docstore.Item{Category: "specialty"}, cats) {
		t.Fatalf("category field not honored")
	}
	if !Eligible(docstore.Item{Data: map[string]string{"category": "specialty"}}, cats) {
		t.Fatalf("legacy category key not honored")
	}
	if Eligible(docstore.Item{Category: "weapon"}, cats) || Eligible(docstore.Item{}, cats) {
		t.Fatalf("ineligible item accepted")
	}
	got := EligibleAttributes([]string{"notes", "hp", "armor"}, DefaultAttributes)
	if diff := cmp.Diff([]string{"armor", "hp"}, got); diff != "" {
		t.Fatalf("attributes (-want +got):\n%s", diff)
	}
}

func mirrorsOf(tb *table, actorID, origin string) []docstore.Item {
	var out []docstore.Item
	for _, it := range tb.store.Items(actorID) {
		if it.OriginID == origin {
			out = append(out, it)
		}
	}
	return out
}

func TestSyncer_RoundTrip(t *testing.T) {
	tb := newTable(t)
	created := tb.commit(t, docstore.Op{
		Kind:    docstore.OpCreateItems,
		UserID:  "p1",
		ActorID: "pilot",
		Items: []docstore.Item{
			{Name: "Overdrive", Category: "specialty", Data: map[string]string{"effect": "+2"}},
			{Name: "Rifle", Category: "weapon"},
		},
	})
	tb.settle(t)
	orig := created.Op.Items[0]

	for _, g := range []string{"g1", "g2"} {
		ms := mirrorsOf(tb, g, orig.ID)
		if len(ms) != 1 {
			t.Fatalf("%s: expected one mirror, got %+v", g, tb.store.Items(g))
		}
		if !ms[0].Synced || ms[0].Name != orig.Name || ms[0].Data["effect"] != "+2" {
			t.Fatalf("%s: mirror fields differ: %+v", g, ms[0])
		}
		if n := len(tb.store.Items(g)); n != 1 {
			t.Fatalf("%s: ineligible item mirrored, have %d items", g, n)
		}
	}

	upd := orig
	upd.Name = "Overdrive II"
	tb.commit(t, docstore.Op{Kind: docstore.OpUpdateItems, UserID: "p1", ActorID: "pilot", Items: []docstore.Item{upd}})
	tb.settle(t)
	for _, g := range []string{"g1", "g2"} {
		ms := mirrorsOf(tb, g, orig.ID)
		if len(ms) != 1 || ms[0].Name != "Overdrive II" {
			t.Fatalf("%s: update not mirrored: %+v", g, ms)
		}
	}

	tb.commit(t, docstore.Op{Kind: docstore.OpDeleteItems, UserID: "p1", ActorID: "pilot", IDs: []string{orig.ID}})
	tb.settle(t)
	for _, g := range []string{"g1", "g2"} {
		if ms := mirrorsOf(tb, g, orig.ID); len(ms) != 0 {
			t.Fatalf("%s: mirror survived delete: %+v", g, ms)
		}
	}
}

func TestSyncer_DuplicateMessageAppliedOnce(t *testing.T) {
	tb := newTable(t)
	gm := tb.syncers["gm"]
	ctx := context.Background()

	// Bypass propagation: commit as the authority with the sync tag.
	created := tb.commit(t, docstore.Op{
		Kind:    docstore.OpCreateItems,
		UserID:  "gm",
		ActorID: "pilot",
		Items:   []docstore.Item{{Name: "Bless", Category: "bless"}},
		Options: docstore.Options{SyncOrigin: true},
	})
	it := created.Op.Items[0]
	payload, _ := json.Marshal(ItemMessage{Source: "pilot", Target: "g1", Action: ActionCreate, Item: it})
	for i := 0; i < 2; i++ {
		if err := gm.HandleItem(ctx, "p1", payload); err != nil {
			t.Fatalf("handle #%d: %v", i, err)
		}
	}
	if n := len(mirrorsOf(tb, "g1", it.ID)); n != 1 {
		t.Fatalf("expected one mirror, got %d", n)
	}

	it.Name = "Bless+"
	it.Revision = 2
	payload, _ = json.Marshal(ItemMessage{Source: "pilot", Target: "g1", Action: ActionUpdate, Item: it})
	for i := 0; i < 2; i++ {
		if err := gm.HandleItem(ctx, "p1", payload); err != nil {
			t.Fatalf("update #%d: %v", i, err)
		}
	}
	ms := mirrorsOf(tb, "g1", it.ID)
	if len(ms) != 1 || ms[0].Name != "Bless+" || ms[0].Revision != 2 {
		t.Fatalf("update applied wrong number of times: %+v", ms)
	}

	payload, _ = json.Marshal(ItemMessage{Source: "pilot", Target: "g1", Action: ActionDelete, Item: it})
	for i := 0; i < 2; i++ {
		if err := gm.HandleItem(ctx, "p1", payload); err != nil {
			t.Fatalf("delete #%d: %v", i, err)
		}
	}
	if n := len(mirrorsOf(tb, "g1", it.ID)); n != 0 {
		t.Fatalf("mirror not deleted")
	}
}

func TestSyncer_NonAuthorityAndUnlinkedIgnored(t *testing.T) {
	tb := newTable(t)
	ctx := context.Background()
	it := docstore.Item{ID: "x", Name: "Bless", Category: "bless", Revision: 1}

	payload, _ := json.Marshal(ItemMessage{Source: "pilot", Target: "g1", Action: ActionCreate, Item: it})
	if err := tb.syncers["p1"].HandleItem(ctx, "p1", payload); err != nil {
		t.Fatalf("handle: %v", err)
	}
	payload, _ = json.Marshal(ItemMessage{Source: "pilot", Target: "npc", Action: ActionCreate, Item: it})
	if err := tb.syncers["gm"].HandleItem(ctx, "p1", payload); err != nil {
		t.Fatalf("handle: %v", err)
	}
	payload, _ = json.Marshal(ItemMessage{Source: "pilot", Target: "g2", Action: ActionCreate, Item: it})
	if err := tb.syncers["gm"].HandleItem(ctx, "p2", payload); err != nil {
		t.Fatalf("handle: %v", err)
	}
	for _, a := range []string{"g1", "g2", "npc"} {
		if n := len(tb.store.Items(a)); n != 0 {
			t.Fatalf("%s: unexpected items %+v", a, tb.store.Items(a))
		}
	}
}

func TestSyncer_AttributesAndPermission(t *testing.T) {
	tb := newTable(t)
	tb.commit(t, docstore.Op{
		Kind:       docstore.OpPatchActor,
		UserID:     "p1",
		ActorID:    "pilot",
		Attributes: map[string]int{"hp": 30, "notes": 7},
	})
	tb.settle(t)
	for _, g := range []string{"g1", "g2"} {
		a, _ := tb.store.Actor(g)
		if a.Attributes["hp"] != 30 {
			t.Fatalf("%s: hp not mirrored: %+v", g, a.Attributes)
		}
		if _, ok := a.Attributes["notes"]; ok {
			t.Fatalf("%s: ineligible attribute mirrored", g)
		}
	}

	// p2 does not own the pilot; its change stays local.
	tb.commit(t, docstore.Op{Kind: docstore.OpPatchActor, UserID: "p2", ActorID: "pilot", Attributes: map[string]int{"hp": 1}})
	tb.settle(t)
	if a, _ := tb.store.Actor("g1"); a.Attributes["hp"] != 30 {
		t.Fatalf("unauthorized change propagated: %+v", a.Attributes)
	}
}

func TestLedger_SeenAndPurge(t *testing.T) {
	l := NewLedger(5 * time.Minute)
	t0 := time.Unix(1000, 0)
	k := Key{Source: "s", Item: "i", Target: "t", Action: ActionCreate, Revision: 1}
	if l.Seen(k, t0) {
		t.Fatalf("fresh key reported seen")
	}
	if !l.Seen(k, t0.Add(time.Minute)) {
		t.Fatalf("repeat within retention not detected")
	}
	other := k
	other.Revision = 2
	if l.Seen(other, t0) {
		t.Fatalf("new revision reported seen")
	}
	if n := l.Purge(t0.Add(4 * time.Minute)); n != 0 || l.Len() != 2 {
		t.Fatalf("early purge removed %d, len=%d", n, l.Len())
	}
	if n := l.Purge(t0.Add(5 * time.Minute)); n != 2 || l.Len() != 0 {
		t.Fatalf("purge removed %d, len=%d", n, l.Len())
	}
	if l.Seen(k, t0.Add(6*time.Minute)) {
		t.Fatalf("purged key reported seen")
	}
}
