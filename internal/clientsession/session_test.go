package clientsession

import (
	"context"
	"testing"
	"time"

	"github.com/firezone/firezone-sub012/internal/hooks"
	"github.com/firezone/firezone-sub012/internal/model"
	"github.com/firezone/firezone-sub012/internal/presence"
	"github.com/firezone/firezone-sub012/internal/pubsub"
	"github.com/firezone/firezone-sub012/internal/store"
	"github.com/firezone/firezone-sub012/internal/wal"
)

// recordingPusher captures pushes in order.
type recordingPusher struct {
	events   []string
	payloads []any
	reasons  []string
}

func (p *recordingPusher) Push(event string, payload any) {
	p.events = append(p.events, event)
	p.payloads = append(p.payloads, payload)
}

func (p *recordingPusher) Disconnect(reason string) { p.reasons = append(p.reasons, reason) }

// legacyCompat serves resources as-is but cannot update them in place.
type legacyCompat struct{}

func (legacyCompat) AdaptResource(r *model.Resource, _ string) (*model.Resource, bool) {
	return r, true
}

func (legacyCompat) InPlaceResourceUpdate(string) bool { return false }

// fakeStore satisfies Store without a database.
type fakeStore struct {
	site  *model.Site
	flows []*model.Flow
}

func (f *fakeStore) PoliciesForActor(context.Context, model.ID, model.ID) ([]*model.Policy, map[model.ID]model.ID, error) {
	return nil, nil, nil
}

func (f *fakeStore) PoliciesForGroups(context.Context, model.ID, []model.ID) ([]*model.Policy, error) {
	return nil, nil
}

func (f *fakeStore) ResourceByID(context.Context, model.ID) (*model.Resource, error) {
	return nil, store.ErrNotFound
}

func (f *fakeStore) ResourcesByIDs(context.Context, []model.ID) ([]*model.Resource, error) {
	return nil, nil
}

func (f *fakeStore) SiteByID(_ context.Context, id model.ID) (*model.Site, error) {
	if f.site == nil || f.site.ID != id {
		return nil, store.ErrNotFound
	}
	return f.site, nil
}

func (f *fakeStore) InsertFlow(_ context.Context, fl *model.Flow) error {
	fl.ID = model.NewID()
	f.flows = append(f.flows, fl)
	return nil
}

func newTestSession(st Store, compat Compat) (*Session, *recordingPusher) {
	broker := pubsub.NewBroker()
	deps := Deps{
		Store:    st,
		Broker:   broker,
		Presence: presence.NewRegistry(broker),
		Compat:   compat,
	}
	account := &model.Account{ID: model.MustID("6ba7b810-9dad-11d1-80b4-00c04fd43006"), Slug: "acme"}
	client := &model.Client{
		ID:               model.MustID("6ba7b810-9dad-11d1-80b4-00c04fd43005"),
		AccountID:        account.ID,
		ActorID:          model.MustID("6ba7b810-9dad-11d1-80b4-00c04fd43007"),
		LastSeenRemoteIP: "192.0.2.10",
		LastSeenVersion:  "1.5.0",
	}
	token := &model.Token{ID: model.MustID("6ba7b810-9dad-11d1-80b4-00c04fd43008")}
	pusher := &recordingPusher{}
	return New(deps, account, client, token, "user@example.com", pusher), pusher
}

func TestSession_DropsStaleFlowExpiry(t *testing.T) {
	s, pusher := newTestSession(&fakeStore{}, passthroughCompat{})
	expire := func(lsn uint64) pubsub.Envelope {
		return pubsub.Envelope{Payload: hooks.ExpireFlow{
			LSN:  lsn,
			Flow: &model.Flow{ClientID: s.cache.client.ID, ResourceID: resourceID},
		}}
	}

	s.handle(expire(5))
	s.handle(expire(5)) // replay of the same event
	if len(pusher.events) != 1 || pusher.events[0] != EventExpiryUpdated {
		t.Fatalf("expected exactly one expiry push, got %v", pusher.events)
	}

	s.handle(expire(4)) // older event arriving late
	if len(pusher.events) != 1 {
		t.Fatalf("expected stale event dropped, got %v", pusher.events)
	}

	s.handle(expire(6))
	if len(pusher.events) != 2 {
		t.Fatalf("expected newer event applied, got %v", pusher.events)
	}
}

func TestSession_IgnoresOtherClientsFlowExpiry(t *testing.T) {
	s, pusher := newTestSession(&fakeStore{}, passthroughCompat{})
	other := model.MustID("6ba7b810-9dad-11d1-80b4-00c04fd43013")
	s.handle(pubsub.Envelope{Payload: hooks.ExpireFlow{
		LSN:  1,
		Flow: &model.Flow{ClientID: other, ResourceID: resourceID},
	}})
	if len(pusher.events) != 0 {
		t.Fatalf("expected no push for another client's flow, got %v", pusher.events)
	}
}

func TestSession_ResourceUpdatePushKeepsSiteName(t *testing.T) {
	s, pusher := newTestSession(&fakeStore{}, legacyCompat{})
	r := testResource()
	r.SiteName = "production"
	seed(s.cache, testPolicy(), r, model.ID{})
	s.cache.RecomputeConnectable(nil, legacyCompat{}, time.Now(), model.ID{})

	// A breaking change forces delete-then-create for a legacy client; the
	// replicated row carries no site name.
	next := testResource()
	next.Address = "app-v2.example.com"
	s.handle(pubsub.Envelope{Payload: hooks.Change{
		LSN: 2, Op: wal.OpUpdate, Table: "resources", Old: testResource(), New: next,
	}})

	var pushed *model.Resource
	for i, event := range pusher.events {
		if event == EventResourceUpserted {
			pushed = pusher.payloads[i].(*model.Resource)
		}
	}
	if pushed == nil {
		t.Fatalf("expected a resource push, got %v", pusher.events)
	}
	if pushed.Address != "app-v2.example.com" || pushed.SiteName != "production" {
		t.Fatalf("expected the updated resource with its site name, got %+v", pushed)
	}
}

func TestSession_ResourceSiteMoveResolvesName(t *testing.T) {
	newSite := &model.Site{
		ID:        model.MustID("6ba7b810-9dad-11d1-80b4-00c04fd43014"),
		AccountID: model.MustID("6ba7b810-9dad-11d1-80b4-00c04fd43006"),
		Name:      "backup",
	}
	s, _ := newTestSession(&fakeStore{site: newSite}, passthroughCompat{})
	r := testResource()
	r.SiteName = "production"
	seed(s.cache, testPolicy(), r, model.ID{})

	moved := testResource()
	moved.SiteID = newSite.ID
	s.handle(pubsub.Envelope{Payload: hooks.Change{
		LSN: 3, Op: wal.OpUpdate, Table: "resources", Old: testResource(), New: moved,
	}})

	if got := s.cache.resources[resourceID].SiteName; got != "backup" {
		t.Fatalf("expected the new site's name resolved, got %q", got)
	}
}
