package presence

import (
	"testing"
	"time"

	"github.com/firezone/firezone-sub012/internal/model"
	"github.com/firezone/firezone-sub012/internal/pubsub"
)

func TestRegistry_TrackAndUntrackGateway(t *testing.T) {
	broker := pubsub.NewBroker()
	r := NewRegistry(broker)

	siteID := model.MustID("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	g := &model.Gateway{ID: model.MustID("6ba7b811-9dad-11d1-80b4-00c04fd430c8"), SiteID: siteID}

	notified := 0
	broker.Subscribe(pubsub.GatewayGroupPresenceTopic(siteID), func(pubsub.Envelope) { notified++ })

	r.TrackGateway(g)
	if !r.GatewayOnline(siteID, g.ID) {
		t.Fatalf("expected gateway online after track")
	}
	if got := r.OnlineGatewaysForSite(siteID); len(got) != 1 || got[0].ID != g.ID {
		t.Fatalf("expected 1 online gateway, got %v", got)
	}

	r.UntrackGateway(siteID, g.ID)
	if r.GatewayOnline(siteID, g.ID) {
		t.Fatalf("expected gateway offline after untrack")
	}
	if notified != 2 {
		t.Fatalf("expected 2 presence broadcasts, got %d", notified)
	}
}

func TestRegistry_ReregisterReplacesEntry(t *testing.T) {
	r := NewRegistry(pubsub.NewBroker())
	siteID := model.MustID("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	id := model.MustID("6ba7b811-9dad-11d1-80b4-00c04fd430c8")

	r.TrackGateway(&model.Gateway{ID: id, SiteID: siteID, Name: "old"})
	r.TrackGateway(&model.Gateway{ID: id, SiteID: siteID, Name: "new"})

	got := r.OnlineGatewaysForSite(siteID)
	if len(got) != 1 || got[0].Name != "new" {
		t.Fatalf("expected the newer registration to win, got %v", got)
	}
}

func TestRegistry_RelayPool(t *testing.T) {
	broker := pubsub.NewBroker()
	r := NewRegistry(broker)

	notified := 0
	broker.Subscribe(pubsub.GlobalRelaysTopic, func(pubsub.Envelope) { notified++ })

	id := model.MustID("6ba7b812-9dad-11d1-80b4-00c04fd430c8")
	r.TrackRelay(&model.Relay{ID: id, IPv4: "203.0.113.1", Port: 3478})

	if got := r.Relay(id); got == nil || got.IPv4 != "203.0.113.1" {
		t.Fatalf("expected tracked relay, got %v", got)
	}
	if got := r.Relays(); len(got) != 1 {
		t.Fatalf("expected pool of 1, got %d", len(got))
	}

	r.UntrackRelay(id)
	if r.Relay(id) != nil {
		t.Fatalf("expected relay gone after untrack")
	}
	if notified != 2 {
		t.Fatalf("expected 2 relay broadcasts, got %d", notified)
	}
}

func TestDeriveCredentials(t *testing.T) {
	now := time.Date(2026, 1, 7, 10, 0, 0, 0, time.UTC)

	a := DeriveCredentials("stamp-secret", "salt", now)
	b := DeriveCredentials("stamp-secret", "salt", now)
	if a != b {
		t.Fatalf("expected deterministic credentials, got %+v vs %+v", a, b)
	}

	wantExpiry := now.Add(CredentialTTL)
	if !a.ExpiresAt.Equal(wantExpiry) {
		t.Fatalf("expected expiry %v, got %v", wantExpiry, a.ExpiresAt)
	}
	wantUsername := "1775556000:salt"
	if a.Username != wantUsername {
		t.Fatalf("expected username %q, got %q", wantUsername, a.Username)
	}

	other := DeriveCredentials("other-secret", "salt", now)
	if other.Password == a.Password {
		t.Fatalf("expected different secrets to yield different passwords")
	}
}
