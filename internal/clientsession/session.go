package clientsession

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/firezone/firezone-sub012/internal/hooks"
	"github.com/firezone/firezone-sub012/internal/model"
	"github.com/firezone/firezone-sub012/internal/policy"
	"github.com/firezone/firezone-sub012/internal/presence"
	"github.com/firezone/firezone-sub012/internal/pubsub"
	"github.com/firezone/firezone-sub012/internal/rendezvous"
	"github.com/firezone/firezone-sub012/internal/wal"
)

// Pusher is the transport half of a client session: it serializes events
// onto the websocket. Implementations must be safe to call from the
// session goroutine.
type Pusher interface {
	Push(event string, payload any)
	Disconnect(reason string)
}

// Push event names.
const (
	EventInit             = "init"
	EventResourceUpserted = "resource_created_or_updated"
	EventResourceDeleted  = "resource_deleted"
	EventConfigChanged    = "config_changed"
	EventRelaysPresence   = "relays_presence"
	EventExpiryUpdated    = "access_authorization_expiry_updated"
	EventConnect          = "connect"
	EventICECandidates    = "ice_candidates"
	EventICEInvalidated   = "invalidated_ice_candidates"
)

// RelayCreds pairs a relay with freshly derived credentials.
type RelayCreds struct {
	Relay *model.Relay
	Creds presence.Credentials
}

// Init is the first push after join.
type Init struct {
	Slug          string
	InterfaceIPv4 string
	InterfaceIPv6 string
	Resources     []*model.Resource
	Relays        []RelayCreds
}

// RelaysPresence replaces relays whose stamp secret rotated or that went
// offline.
type RelaysPresence struct {
	DisconnectedIDs []model.ID
	Connected       []RelayCreds
}

// ExpiryUpdated tells the client one authorization's deadline moved.
type ExpiryUpdated struct {
	ResourceID model.ID
	ExpiresAt  time.Time
}

// Errors surfaced to the transport layer.
var (
	ErrNotFound       = errors.New("clientsession: resource not found")
	ErrGatewayOffline = errors.New("clientsession: no online gateway for resource")
)

// ForbiddenError carries the violated condition properties.
type ForbiddenError struct {
	Violated []model.ConditionProperty
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("clientsession: forbidden (violated: %v)", e.Violated)
}

// Deps bundles the collaborators every client session shares.
type Deps struct {
	Store    Store
	Broker   *pubsub.Broker
	Presence *presence.Registry
	Regions  policy.RegionLookup
	Compat   Compat
}

// Session is one client channel: it owns the cache, consumes change events
// from its mailbox in LSN order, and emits deltas through the pusher.
type Session struct {
	deps    Deps
	cache   *Cache
	account *model.Account
	pusher  Pusher
	subject string

	socketRef   uint64
	mailbox     *pubsub.Mailbox[pubsub.Envelope]
	lastApplied uint64

	// relaySecrets caches stamp secrets of the relays last pushed, for
	// presence-diff detection.
	relaySecrets map[model.ID]string

	mu     sync.Mutex
	unsubs []func()
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a session for an authenticated client socket.
func New(deps Deps, account *model.Account, client *model.Client, token *model.Token, subject string, pusher Pusher) *Session {
	return &Session{
		deps:         deps,
		cache:        NewCache(client, token),
		account:      account,
		pusher:       pusher,
		subject:      subject,
		socketRef:    rand.Uint64(),
		mailbox:      pubsub.NewMailbox[pubsub.Envelope](),
		relaySecrets: make(map[model.ID]string),
		stopCh:       make(chan struct{}),
	}
}

// Start hydrates the cache, subscribes, pushes init, and begins serving.
func (s *Session) Start(ctx context.Context) error {
	if err := s.cache.Hydrate(ctx, s.deps.Store); err != nil {
		return err
	}

	enqueue := func(env pubsub.Envelope) { s.mailbox.Push(env) }
	s.subscribe(pubsub.AccountTopic(s.account.ID), enqueue)
	s.subscribe(pubsub.ClientTopic(s.cache.client.ID), enqueue)
	s.subscribe(pubsub.SocketTopic(s.cache.token.ID), enqueue)
	s.subscribe(pubsub.GlobalRelaysTopic, enqueue)
	for groupID := range s.cache.memberships {
		s.subscribe(pubsub.GroupPoliciesTopic(groupID), enqueue)
	}

	s.cache.RecomputeConnectable(s.deps.Regions, s.deps.Compat, time.Now(), model.ZeroID)
	s.pushInit()

	s.wg.Add(1)
	go s.loop()
	log.Printf("[clientsession] client %s joined account %s", s.cache.client.ID, s.account.ID)
	return nil
}

// Stop unsubscribes and terminates the loop. Safe to call twice.
func (s *Session) Stop() {
	s.mu.Lock()
	unsubs := s.unsubs
	s.unsubs = nil
	s.mu.Unlock()
	if unsubs == nil {
		return
	}
	for _, u := range unsubs {
		u()
	}
	close(s.stopCh)
	s.mailbox.Close()
	s.wg.Wait()
	log.Printf("[clientsession] client %s left", s.cache.client.ID)
}

func (s *Session) subscribe(topic string, h pubsub.Handler) {
	unsub := s.deps.Broker.Subscribe(topic, h)
	s.mu.Lock()
	s.unsubs = append(s.unsubs, unsub)
	s.mu.Unlock()
}

func (s *Session) loop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.mailbox.Ready():
			for {
				env, ok := s.mailbox.TryPop()
				if !ok {
					break
				}
				s.handle(env)
			}
		case <-s.stopCh:
			return
		}
	}
}

// applyLSN enforces the per-channel ordering guard: events at or below the
// last applied LSN are duplicates or stale replays and are dropped.
func (s *Session) applyLSN(lsn uint64) bool {
	if lsn <= s.lastApplied {
		return false
	}
	s.lastApplied = lsn
	return true
}

func (s *Session) handle(env pubsub.Envelope) {
	switch msg := env.Payload.(type) {
	case hooks.Change:
		if !s.applyLSN(msg.LSN) {
			return
		}
		s.handleChange(msg)
	case hooks.AllowAccess:
		if !s.applyLSN(msg.LSN) {
			return
		}
		if s.cache.HasMembership(msg.Policy.ActorGroupID) {
			if err := s.cache.AddPolicy(context.Background(), s.deps.Store, msg.Policy); err != nil {
				log.Printf("[clientsession] allow_access: %v", err)
				return
			}
			s.recomputeAndPush(model.ZeroID)
		}
	case hooks.RejectAccess:
		if !s.applyLSN(msg.LSN) {
			return
		}
		if !msg.PolicyID.IsZero() {
			s.cache.DeletePolicy(msg.PolicyID)
			s.recomputeAndPush(model.ZeroID)
		}
	case hooks.ExpireFlow:
		if !s.applyLSN(msg.LSN) {
			return
		}
		if msg.Flow != nil && msg.Flow.ClientID == s.cache.client.ID {
			s.pusher.Push(EventExpiryUpdated, ExpiryUpdated{
				ResourceID: msg.Flow.ResourceID,
				ExpiresAt:  time.Now(),
			})
		}
	case hooks.Disconnect:
		s.pusher.Disconnect("token_deleted")
	case presence.RelaysChanged:
		s.diffRelays()
	case rendezvous.Connect:
		if msg.SocketRef == s.socketRef {
			s.pusher.Push(EventConnect, msg)
		}
	case rendezvous.ICECandidates:
		s.pusher.Push(EventICECandidates, msg)
	case rendezvous.ICECandidatesInvalidated:
		s.pusher.Push(EventICEInvalidated, msg)
	}
}

func (s *Session) handleChange(ch hooks.Change) {
	switch ch.Table {
	case "accounts":
		if acct, ok := ch.New.(*model.Account); ok && acct != nil {
			if acct.Slug != s.account.Slug {
				s.account = acct
				s.pushInit()
				return
			}
			s.account = acct
			s.pusher.Push(EventConfigChanged, struct{}{})
		}

	case "actor_group_memberships":
		s.handleMembershipChange(ch)

	case "policies":
		s.handlePolicyChange(ch)

	case "resources":
		s.handleResourceChange(ch)

	case "sites":
		if site, ok := ch.New.(*model.Site); ok && site != nil {
			affected := s.cache.UpdateSiteName(site.ID, site.Name)
			if len(affected) == 0 {
				return
			}
			// Old clients cannot change a resource's site in place: toggle
			// each affected resource so they delete-then-create.
			if !s.deps.Compat.InPlaceResourceUpdate(s.cache.client.LastSeenVersion) {
				for _, id := range affected {
					s.recomputeAndPush(id)
				}
				return
			}
			s.recomputeAndPush(model.ZeroID)
		}

	case "clients":
		if cl, ok := ch.New.(*model.Client); ok && cl != nil && cl.ID == s.cache.client.ID {
			s.cache.client = cl
			s.recomputeAndPush(model.ZeroID)
		}

	}
}

func (s *Session) handleMembershipChange(ch hooks.Change) {
	switch ch.Op {
	case wal.OpInsert:
		m, ok := ch.New.(*model.Membership)
		if !ok || m == nil || m.ActorID != s.cache.client.ActorID {
			return
		}
		if err := s.cache.AddMembership(context.Background(), s.deps.Store, m); err != nil {
			log.Printf("[clientsession] add membership: %v", err)
			return
		}
		s.subscribe(pubsub.GroupPoliciesTopic(m.GroupID), func(env pubsub.Envelope) { s.mailbox.Push(env) })
		s.recomputeAndPush(model.ZeroID)
	case wal.OpDelete:
		m, ok := ch.Old.(*model.Membership)
		if !ok || m == nil || m.ActorID != s.cache.client.ActorID {
			return
		}
		s.cache.DeleteMembership(m.GroupID)
		s.recomputeAndPush(model.ZeroID)
	}
}

func (s *Session) handlePolicyChange(ch hooks.Change) {
	switch ch.Op {
	case wal.OpInsert:
		p, ok := ch.New.(*model.Policy)
		if !ok || p == nil || !s.cache.HasMembership(p.ActorGroupID) {
			return
		}
		if err := s.cache.AddPolicy(context.Background(), s.deps.Store, p); err != nil {
			log.Printf("[clientsession] add policy: %v", err)
			return
		}
		s.recomputeAndPush(model.ZeroID)
	case wal.OpDelete:
		p, ok := ch.Old.(*model.Policy)
		if !ok || p == nil {
			return
		}
		s.cache.DeletePolicy(p.ID)
		s.recomputeAndPush(model.ZeroID)
	case wal.OpUpdate:
		p, ok := ch.New.(*model.Policy)
		if !ok || p == nil || !s.cache.HasMembership(p.ActorGroupID) {
			return
		}
		if err := s.cache.UpdatePolicy(context.Background(), s.deps.Store, p); err != nil {
			log.Printf("[clientsession] update policy: %v", err)
			return
		}
		s.recomputeAndPush(model.ZeroID)
	}
}

func (s *Session) handleResourceChange(ch hooks.Change) {
	switch ch.Op {
	case wal.OpDelete:
		r, ok := ch.Old.(*model.Resource)
		if !ok || r == nil {
			return
		}
		s.cache.DeleteResource(r.ID)
		s.recomputeAndPush(model.ZeroID)
	case wal.OpUpdate, wal.OpInsert:
		r, ok := ch.New.(*model.Resource)
		if !ok || r == nil {
			return
		}
		old, _ := ch.Old.(*model.Resource)
		applied, siteMoved := s.cache.UpdateResource(r)
		if !applied {
			return
		}
		if siteMoved {
			s.resolveSiteName(r.SiteID)
		}
		toggle := model.ZeroID
		if old != nil && old.BreakingChange(r) && !s.deps.Compat.InPlaceResourceUpdate(s.cache.client.LastSeenVersion) {
			toggle = r.ID
		}
		s.recomputeAndPush(toggle)
	}
}

// resolveSiteName fills the denormalized site name after a resource moved
// to a different site; replicated rows only carry the site id.
func (s *Session) resolveSiteName(siteID model.ID) {
	if siteID.IsZero() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	site, err := s.deps.Store.SiteByID(ctx, siteID)
	if err != nil {
		log.Printf("[clientsession] resolve site %s: %v", siteID, err)
		return
	}
	s.cache.UpdateSiteName(siteID, site.Name)
}

// recomputeAndPush rebuilds the connectable set and emits the delta.
func (s *Session) recomputeAndPush(toggle model.ID) {
	added, removed := s.cache.RecomputeConnectable(s.deps.Regions, s.deps.Compat, time.Now(), toggle)
	for _, id := range removed {
		s.pusher.Push(EventResourceDeleted, id)
	}
	for _, r := range added {
		s.pusher.Push(EventResourceUpserted, r)
	}
}

// pushInit sends the full materialized state: slug, tunnel interface,
// connectable resources, and two relays with fresh credentials.
func (s *Session) pushInit() {
	relays := s.selectRelays()
	s.pusher.Push(EventInit, Init{
		Slug:          s.account.Slug,
		InterfaceIPv4: s.cache.client.IPv4,
		InterfaceIPv6: s.cache.client.IPv6,
		Resources:     s.cache.Connectable(),
		Relays:        relays,
	})
}

func (s *Session) selectRelays() []RelayCreds {
	picked := presence.SelectRelays(s.deps.Presence.Relays(), 0, 0, false)
	out := make([]RelayCreds, 0, len(picked))
	now := time.Now()
	for k := range s.relaySecrets {
		delete(s.relaySecrets, k)
	}
	for _, relay := range picked {
		s.relaySecrets[relay.ID] = relay.StampSecret
		out = append(out, RelayCreds{
			Relay: relay,
			Creds: presence.DeriveCredentials(relay.StampSecret, model.NewID().String(), now),
		})
	}
	return out
}

// diffRelays re-reads the authoritative relay pool and replaces any cached
// relay that disappeared or rotated its stamp secret.
func (s *Session) diffRelays() {
	var disconnected []model.ID
	for id, secret := range s.relaySecrets {
		live := s.deps.Presence.Relay(id)
		if live == nil || live.StampSecret != secret {
			disconnected = append(disconnected, id)
		}
	}
	if len(disconnected) == 0 {
		return
	}
	connected := s.selectRelays()
	s.pusher.Push(EventRelaysPresence, RelaysPresence{
		DisconnectedIDs: disconnected,
		Connected:       connected,
	})
}

// PrepareConnection brokers a new tunnel for the resource: authorize,
// persist the flow, and hand the rendezvous request to an online gateway
// in the resource's site. The connect details arrive asynchronously.
func (s *Session) PrepareConnection(ctx context.Context, resourceID model.ID) error {
	return s.connect(ctx, resourceID, model.ZeroID)
}

// ReuseConnection brokers a tunnel through a specific gateway the client
// already talks to.
func (s *Session) ReuseConnection(ctx context.Context, resourceID, gatewayID model.ID) error {
	return s.connect(ctx, resourceID, gatewayID)
}

func (s *Session) connect(ctx context.Context, resourceID, gatewayID model.ID) error {
	auth, violated, status := s.cache.AuthorizeResource(resourceID, s.deps.Regions, time.Now())
	switch status {
	case AuthorizeNotFound:
		return ErrNotFound
	case AuthorizeForbidden:
		return &ForbiddenError{Violated: violated}
	}

	var gateway *model.Gateway
	online := s.deps.Presence.OnlineGatewaysForSite(auth.Resource.SiteID)
	if gatewayID.IsZero() {
		if len(online) == 0 {
			return ErrGatewayOffline
		}
		gateway = online[rand.Intn(len(online))]
	} else {
		for _, g := range online {
			if g.ID == gatewayID {
				gateway = g
				break
			}
		}
		if gateway == nil {
			return ErrGatewayOffline
		}
	}

	flow := &model.Flow{
		AccountID:    s.account.ID,
		PolicyID:     auth.PolicyID,
		MembershipID: auth.MembershipID,
		TokenID:      s.cache.token.ID,
		ClientID:     s.cache.client.ID,
		GatewayID:    gateway.ID,
		ResourceID:   auth.Resource.ID,
		ExpiresAt:    auth.ExpiresAt,
	}
	if err := s.deps.Store.InsertFlow(ctx, flow); err != nil {
		return err
	}

	req := rendezvous.AuthorizeFlow{
		ReplyTopic:   pubsub.ClientTopic(s.cache.client.ID),
		SocketRef:    s.socketRef,
		Client:       s.cache.client,
		Resource:     auth.Resource,
		FlowID:       flow.ID,
		ExpiresAt:    auth.ExpiresAt,
		ICE:          model.GenerateICECredentials(),
		PresharedKey: model.GeneratePresharedKey(),
		Subject:      s.subject,
	}
	if !s.deps.Broker.Send(pubsub.GatewayTopic(gateway.ID), req) {
		return ErrGatewayOffline
	}
	return nil
}
