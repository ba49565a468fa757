package presence

import (
	"testing"

	"github.com/firezone/firezone-sub012/internal/model"
)

func relayAt(id string, lat, lon float64) *model.Relay {
	return &model.Relay{ID: model.MustID(id), Lat: lat, Lon: lon, HasLocation: true}
}

func TestSelectRelays_TwoNearestGroups(t *testing.T) {
	// Frankfurt, Amsterdam, and two colocated in Tokyo.
	fra := relayAt("6ba7b810-9dad-11d1-80b4-00c04fd43001", 50.11, 8.68)
	ams := relayAt("6ba7b810-9dad-11d1-80b4-00c04fd43002", 52.37, 4.90)
	nrt1 := relayAt("6ba7b810-9dad-11d1-80b4-00c04fd43003", 35.68, 139.69)
	nrt2 := relayAt("6ba7b810-9dad-11d1-80b4-00c04fd43004", 35.68, 139.69)
	pool := []*model.Relay{nrt1, fra, nrt2, ams}

	// A client in Berlin should get Frankfurt and Amsterdam, never Tokyo.
	got := SelectRelays(pool, 52.52, 13.40, true)
	if len(got) != 2 {
		t.Fatalf("expected 2 relays, got %d", len(got))
	}
	seen := map[model.ID]bool{got[0].ID: true, got[1].ID: true}
	if !seen[fra.ID] || !seen[ams.ID] {
		t.Fatalf("expected the two nearest groups, got %v", seen)
	}
}

func TestSelectRelays_ColocatedShareLoad(t *testing.T) {
	a := relayAt("6ba7b810-9dad-11d1-80b4-00c04fd43001", 35.68, 139.69)
	b := relayAt("6ba7b810-9dad-11d1-80b4-00c04fd43002", 35.68, 139.69)
	pool := []*model.Relay{a, b}

	// One colocated group yields exactly one member.
	got := SelectRelays(pool, 35.0, 139.0, true)
	if len(got) != 1 {
		t.Fatalf("expected 1 relay from a single group, got %d", len(got))
	}
	if got[0].ID != a.ID && got[0].ID != b.ID {
		t.Fatalf("expected a pool member, got %s", got[0].ID)
	}
}

func TestSelectRelays_UnknownLocationTakesTwo(t *testing.T) {
	pool := []*model.Relay{
		relayAt("6ba7b810-9dad-11d1-80b4-00c04fd43001", 50.11, 8.68),
		relayAt("6ba7b810-9dad-11d1-80b4-00c04fd43002", 52.37, 4.90),
		relayAt("6ba7b810-9dad-11d1-80b4-00c04fd43003", 35.68, 139.69),
	}
	got := SelectRelays(pool, 0, 0, false)
	if len(got) != 2 {
		t.Fatalf("expected 2 relays, got %d", len(got))
	}
	if got[0].ID == got[1].ID {
		t.Fatalf("expected distinct relays")
	}
}

func TestSelectRelays_UnlocatedPoolFallsBack(t *testing.T) {
	pool := []*model.Relay{
		{ID: model.MustID("6ba7b810-9dad-11d1-80b4-00c04fd43001")},
		{ID: model.MustID("6ba7b810-9dad-11d1-80b4-00c04fd43002")},
		{ID: model.MustID("6ba7b810-9dad-11d1-80b4-00c04fd43003")},
	}
	// Location known, but no relay carries one: fall back to shuffle.
	got := SelectRelays(pool, 52.52, 13.40, true)
	if len(got) != 2 {
		t.Fatalf("expected 2 relays, got %d", len(got))
	}
}

func TestSelectRelays_EmptyPool(t *testing.T) {
	if got := SelectRelays(nil, 0, 0, true); got != nil {
		t.Fatalf("expected nil for empty pool, got %v", got)
	}
}
