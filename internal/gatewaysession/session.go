package gatewaysession

import (
	"context"
	"errors"
	"log"
	"net/netip"
	"time"

	"github.com/firezone/firezone-sub012/internal/hooks"
	"github.com/firezone/firezone-sub012/internal/model"
	"github.com/firezone/firezone-sub012/internal/policy"
	"github.com/firezone/firezone-sub012/internal/presence"
	"github.com/firezone/firezone-sub012/internal/pubsub"
	"github.com/firezone/firezone-sub012/internal/refsign"
	"github.com/firezone/firezone-sub012/internal/rendezvous"
	"github.com/firezone/firezone-sub012/internal/wal"
)

// Pusher is the transport half of a gateway session.
type Pusher interface {
	Push(event string, payload any)
	Disconnect(reason string)
}

// Push event names.
const (
	EventInit            = "init"
	EventAuthorizeFlow   = "authorize_flow"
	EventRejectAccess    = "reject_access"
	EventResourceUpdated = "resource_updated"
	EventExpiryUpdated   = "access_authorization_expiry_updated"
	EventRelaysPresence  = "relays_presence"
)

// Compat adapts resources to the gateway's protocol version.
type Compat interface {
	// AdaptResource rewrites a resource for the gateway's version; ip
	// resources collapse to single-address cidr for versions that predate
	// the ip type.
	AdaptResource(r *model.Resource, version string) (*model.Resource, bool)
}

// ErrInvalidRef is returned when a flow_authorized reply carries a ref
// that does not verify.
var ErrInvalidRef = errors.New("gatewaysession: invalid ref")

// AuthorizeFlowPush is the payload pushed to the gateway for one brokered
// connection.
type AuthorizeFlowPush struct {
	Ref          string
	Resource     *model.Resource
	Client       *model.Client
	ICE          model.ICECredentials
	PresharedKey string
	ExpiresAt    time.Time
	Subject      string
}

// RejectAccessPush tells the gateway to drop one pair.
type RejectAccessPush struct {
	ClientID   model.ID
	ResourceID model.ID
}

// ExpiryUpdatedPush moves a served pair's deadline.
type ExpiryUpdatedPush struct {
	ClientID   model.ID
	ResourceID model.ID
	ExpiresAt  time.Time
}

// Init is the first push after join.
type Init struct {
	Slug          string
	InterfaceIPv4 string
	InterfaceIPv6 string
	Relays        []RelayCreds
}

// RelayCreds pairs a relay with derived credentials.
type RelayCreds struct {
	Relay *model.Relay
	Creds presence.Credentials
}

// RelaysPresence replaces rotated or vanished relays.
type RelaysPresence struct {
	DisconnectedIDs []model.ID
	Connected       []RelayCreds
}

// ReauthorizeStatus discriminates reauthorization outcomes.
type ReauthorizeStatus int

const (
	ReauthorizeOK ReauthorizeStatus = iota
	ReauthorizeNotFound
	ReauthorizeUnauthorized
)

// Store is the slice of the database layer the session reads from.
type Store interface {
	ActiveFlowsForGateway(ctx context.Context, gatewayID model.ID, now time.Time) ([]*model.Flow, error)
	ClientByID(ctx context.Context, id model.ID) (*model.Client, error)
	TokenByID(ctx context.Context, id model.ID) (*model.Token, error)
	PoliciesForResourceActor(ctx context.Context, accountID, resourceID, actorID model.ID) ([]*model.Policy, map[model.ID]model.ID, error)
	SiteByID(ctx context.Context, id model.ID) (*model.Site, error)
	InsertFlow(ctx context.Context, f *model.Flow) error
}

// Deps bundles the collaborators every gateway session shares.
type Deps struct {
	Store    Store
	Broker   *pubsub.Broker
	Presence *presence.Registry
	Regions  policy.RegionLookup
	Compat   Compat
	Signer   *refsign.Signer
}

const pruneInterval = time.Minute

// Session is one gateway channel.
type Session struct {
	deps    Deps
	cache   *Cache
	account *model.Account
	gateway *model.Gateway
	tokenID model.ID
	pusher  Pusher

	mailbox     *pubsub.Mailbox[pubsub.Envelope]
	lastApplied uint64

	relaySecrets map[model.ID]string

	unsubs []func()
	stopCh chan struct{}
	done   chan struct{}
}

// New creates a session for an authenticated gateway socket.
func New(deps Deps, account *model.Account, gateway *model.Gateway, tokenID model.ID, pusher Pusher) *Session {
	return &Session{
		deps:         deps,
		cache:        NewCache(),
		account:      account,
		gateway:      gateway,
		tokenID:      tokenID,
		pusher:       pusher,
		mailbox:      pubsub.NewMailbox[pubsub.Envelope](),
		relaySecrets: make(map[model.ID]string),
		stopCh:       make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Start hydrates the flow cache, registers presence, subscribes, pushes
// init, and begins serving.
func (s *Session) Start(ctx context.Context) error {
	if err := s.cache.Hydrate(ctx, s.deps.Store, s.gateway.ID, time.Now()); err != nil {
		return err
	}

	enqueue := func(env pubsub.Envelope) { s.mailbox.Push(env) }
	s.subscribe(pubsub.AccountTopic(s.account.ID), enqueue)
	s.subscribe(pubsub.GatewayTopic(s.gateway.ID), enqueue)
	s.subscribe(pubsub.SocketTopic(s.tokenID), enqueue)
	s.subscribe(pubsub.GlobalRelaysTopic, enqueue)

	s.deps.Presence.TrackGateway(s.gateway)
	s.pushInit()

	go s.loop()
	log.Printf("[gatewaysession] gateway %s joined account %s (%d pairs)",
		s.gateway.ID, s.account.ID, s.cache.PairCount())
	return nil
}

// Stop deregisters presence, unsubscribes, and terminates the loop.
func (s *Session) Stop() {
	if s.unsubs == nil {
		return
	}
	s.deps.Presence.UntrackGateway(s.gateway.SiteID, s.gateway.ID)
	for _, u := range s.unsubs {
		u()
	}
	s.unsubs = nil
	close(s.stopCh)
	s.mailbox.Close()
	<-s.done
	log.Printf("[gatewaysession] gateway %s left", s.gateway.ID)
}

func (s *Session) subscribe(topic string, h pubsub.Handler) {
	s.unsubs = append(s.unsubs, s.deps.Broker.Subscribe(topic, h))
}

func (s *Session) loop() {
	defer close(s.done)
	prune := time.NewTicker(pruneInterval)
	defer prune.Stop()
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
		case <-prune.C:
			for _, pair := range s.cache.Prune(time.Now()) {
				s.pusher.Push(EventRejectAccess, RejectAccessPush{
					ClientID: pair.ClientID, ResourceID: pair.ResourceID,
				})
			}
		case <-s.stopCh:
			return
		}
	}
}

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
	case hooks.ExpireFlow:
		if !s.applyLSN(msg.LSN) {
			return
		}
		if msg.Flow == nil || msg.Flow.GatewayID != s.gateway.ID {
			return
		}
		if msg.Deleted {
			s.reauthorizeAndPush(msg.Flow)
			return
		}
		s.expireFlow(msg.Flow.ID, msg.Flow.ClientID, msg.Flow.ResourceID)
	case hooks.Disconnect:
		s.pusher.Disconnect("token_deleted")
	case presence.RelaysChanged:
		s.diffRelays()
	case rendezvous.AuthorizeFlow:
		s.authorizeFlow(msg)
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
		}

	case "resources":
		s.handleResourceChange(ch)

	case "gateways":
		if g, ok := ch.Old.(*model.Gateway); ok && g != nil && g.ID == s.gateway.ID && ch.Op == wal.OpDelete {
			s.pusher.Disconnect("gateway_deleted")
		}
	}
}

// handleResourceChange implements the cascade rules: a breaking change
// (address, type, ip stack) rejects every served pair of the resource; a
// filter-only change keeps serving with an updated resource.
func (s *Session) handleResourceChange(ch hooks.Change) {
	switch ch.Op {
	case wal.OpDelete:
		r, ok := ch.Old.(*model.Resource)
		if !ok || r == nil {
			return
		}
		for _, pair := range s.cache.AllPairsForResource(r.ID) {
			s.cache.RemovePair(pair.ClientID, pair.ResourceID)
			s.pusher.Push(EventRejectAccess, RejectAccessPush{
				ClientID: pair.ClientID, ResourceID: pair.ResourceID,
			})
		}
	case wal.OpUpdate:
		old, okOld := ch.Old.(*model.Resource)
		next, okNew := ch.New.(*model.Resource)
		if !okOld || !okNew || old == nil || next == nil || !s.cache.HasResource(next.ID) {
			return
		}
		if old.BreakingChange(next) {
			for _, pair := range s.cache.AllPairsForResource(next.ID) {
				s.cache.RemovePair(pair.ClientID, pair.ResourceID)
				s.pusher.Push(EventRejectAccess, RejectAccessPush{
					ClientID: pair.ClientID, ResourceID: pair.ResourceID,
				})
			}
			return
		}
		if old.FiltersDigest() != next.FiltersDigest() {
			if adapted, ok := s.deps.Compat.AdaptResource(s.withSiteName(next), s.gateway.LastSeenVersion); ok {
				s.pusher.Push(EventResourceUpdated, adapted)
			}
		}
	}
}

// withSiteName fills the denormalized site name on a replicated resource
// row, which carries only the site id.
func (s *Session) withSiteName(r *model.Resource) *model.Resource {
	if r.SiteName != "" || r.SiteID.IsZero() {
		return r
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	site, err := s.deps.Store.SiteByID(ctx, r.SiteID)
	if err != nil {
		log.Printf("[gatewaysession] resolve site %s: %v", r.SiteID, err)
		return r
	}
	clone := *r
	clone.SiteName = site.Name
	return &clone
}

// expireFlow removes one flow; if the pair loses its last flow the gateway
// is told to drop access, otherwise only the deadline is updated.
func (s *Session) expireFlow(flowID, clientID, resourceID model.ID) {
	present, remaining := s.cache.RemoveFlow(clientID, resourceID, flowID)
	if !present {
		return
	}
	if remaining == 0 {
		s.pusher.Push(EventRejectAccess, RejectAccessPush{ClientID: clientID, ResourceID: resourceID})
		return
	}
	expiresAt, _ := s.cache.Get(clientID, resourceID)
	s.pusher.Push(EventExpiryUpdated, ExpiryUpdatedPush{clientID, resourceID, expiresAt})
}

// reauthorizeAndPush re-checks access after a flow row was deleted
// underneath the gateway and tells it the outcome: a fresh deadline, or
// drop the pair.
func (s *Session) reauthorizeAndPush(flow *model.Flow) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	expiresAt, status := s.ReauthorizeDeletedFlow(ctx, flow)
	switch status {
	case ReauthorizeOK:
		s.pusher.Push(EventExpiryUpdated, ExpiryUpdatedPush{flow.ClientID, flow.ResourceID, expiresAt})
	case ReauthorizeUnauthorized:
		s.pusher.Push(EventRejectAccess, RejectAccessPush{
			ClientID: flow.ClientID, ResourceID: flow.ResourceID,
		})
	case ReauthorizeNotFound:
		// Other flows still cover the pair; nothing to tell the gateway.
	}
}

// authorizeFlow is the gateway half of rendezvous: adapt the resource,
// sign a ref, record the flow, and push to the gateway.
func (s *Session) authorizeFlow(req rendezvous.AuthorizeFlow) {
	resource, ok := s.deps.Compat.AdaptResource(req.Resource, s.gateway.LastSeenVersion)
	if !ok {
		log.Printf("[gatewaysession] gateway %s (version %s) cannot serve resource %s",
			s.gateway.ID, s.gateway.LastSeenVersion, req.Resource.ID)
		return
	}

	ref := s.deps.Signer.Sign(refsign.Ref{
		ClientTopic:  req.ReplyTopic,
		SocketRef:    req.SocketRef,
		ResourceID:   resource.ID,
		PresharedKey: req.PresharedKey,
		ICE:          req.ICE,
	})

	s.cache.Put(req.Client.ID, resource.ID, req.FlowID, req.ExpiresAt)
	s.pusher.Push(EventAuthorizeFlow, AuthorizeFlowPush{
		Ref:          ref,
		Resource:     resource,
		Client:       req.Client,
		ICE:          req.ICE,
		PresharedKey: req.PresharedKey,
		ExpiresAt:    req.ExpiresAt,
		Subject:      req.Subject,
	})
}

// FlowAuthorized handles the gateway's flow_authorized{ref} reply: verify
// the ref and deliver connect details to the waiting client channel.
// Called from the transport goroutine; it only touches immutable session
// fields and the broker.
func (s *Session) FlowAuthorized(token string) error {
	ref, err := s.deps.Signer.Verify(token)
	if err != nil {
		return ErrInvalidRef
	}
	s.deps.Broker.Broadcast(ref.ClientTopic, rendezvous.Connect{
		SocketRef:        ref.SocketRef,
		ResourceID:       ref.ResourceID,
		GatewayID:        s.gateway.ID,
		GatewayPublicKey: s.gateway.PublicKey,
		GatewayIPv4:      s.gateway.IPv4,
		GatewayIPv6:      s.gateway.IPv6,
		PresharedKey:     ref.PresharedKey,
		ICE:              ref.ICE,
	})
	return nil
}

// BroadcastICECandidates forwards trickle-ICE candidates to clients.
func (s *Session) BroadcastICECandidates(candidates []string, clientIDs []model.ID) {
	msg := rendezvous.ICECandidates{SourceGatewayID: s.gateway.ID, Candidates: candidates}
	for _, id := range clientIDs {
		s.deps.Broker.Broadcast(pubsub.ClientTopic(id), msg)
	}
}

// BroadcastInvalidatedICECandidates retracts candidates.
func (s *Session) BroadcastInvalidatedICECandidates(candidates []string, clientIDs []model.ID) {
	msg := rendezvous.ICECandidatesInvalidated{SourceGatewayID: s.gateway.ID, Candidates: candidates}
	for _, id := range clientIDs {
		s.deps.Broker.Broadcast(pubsub.ClientTopic(id), msg)
	}
}

// ReauthorizeDeletedFlow re-checks access for a flow the gateway lost.
// Runs on the session goroutine via the flow-expiry handler; see the cache
// for the idempotency contract.
func (s *Session) ReauthorizeDeletedFlow(ctx context.Context, flow *model.Flow) (time.Time, ReauthorizeStatus) {
	present, remaining := s.cache.RemoveFlow(flow.ClientID, flow.ResourceID, flow.ID)
	if present && remaining > 0 {
		expiresAt, _ := s.cache.Get(flow.ClientID, flow.ResourceID)
		return expiresAt, ReauthorizeOK
	}
	if !present && remaining > 0 {
		// Other flows still serve the pair; nothing to reauthorize.
		return time.Time{}, ReauthorizeNotFound
	}
	return s.reauthorize(ctx, flow)
}

// reauthorize fetches the client, token, and candidate policies and re-runs
// the evaluator; success records a fresh flow.
func (s *Session) reauthorize(ctx context.Context, flow *model.Flow) (time.Time, ReauthorizeStatus) {
	client, err := s.deps.Store.ClientByID(ctx, flow.ClientID)
	if err != nil {
		log.Printf("[gatewaysession] reauthorize flow %s: %v", flow.ID, err)
		return time.Time{}, ReauthorizeUnauthorized
	}
	token, err := s.deps.Store.TokenByID(ctx, flow.TokenID)
	if err != nil {
		log.Printf("[gatewaysession] reauthorize flow %s: %v", flow.ID, err)
		return time.Time{}, ReauthorizeUnauthorized
	}
	policies, memberships, err := s.deps.Store.PoliciesForResourceActor(ctx,
		s.account.ID, flow.ResourceID, client.ActorID)
	if err != nil {
		log.Printf("[gatewaysession] reauthorize flow %s: %v", flow.ID, err)
		return time.Time{}, ReauthorizeUnauthorized
	}

	remoteIP := parseAddr(client.LastSeenRemoteIP)
	in := policy.Input{
		AuthProviderID: token.AuthProviderID,
		RemoteIP:       remoteIP,
		Verified:       client.Verified(),
		Now:            time.Now(),
		TokenExpiresAt: token.ExpiresAt,
	}
	winner, expiresAt, _, ok := policy.LongestConforming(policies, in, s.deps.Regions)
	if !ok {
		s.cache.RemovePair(flow.ClientID, flow.ResourceID)
		return time.Time{}, ReauthorizeUnauthorized
	}

	next := &model.Flow{
		AccountID:    s.account.ID,
		PolicyID:     winner.ID,
		MembershipID: memberships[winner.ActorGroupID],
		TokenID:      token.ID,
		ClientID:     client.ID,
		GatewayID:    s.gateway.ID,
		ResourceID:   flow.ResourceID,
		ExpiresAt:    expiresAt,
	}
	if err := s.deps.Store.InsertFlow(ctx, next); err != nil {
		log.Printf("[gatewaysession] reauthorize flow %s: %v", flow.ID, err)
		return time.Time{}, ReauthorizeUnauthorized
	}
	s.cache.Put(client.ID, flow.ResourceID, next.ID, expiresAt)
	return expiresAt, ReauthorizeOK
}

// pushInit sends slug, tunnel interface, and two relays selected by
// distance from the gateway's last-known location.
func (s *Session) pushInit() {
	s.pusher.Push(EventInit, Init{
		Slug:          s.account.Slug,
		InterfaceIPv4: s.gateway.IPv4,
		InterfaceIPv6: s.gateway.IPv6,
		Relays:        s.selectRelays(),
	})
}

func (s *Session) selectRelays() []RelayCreds {
	picked := presence.SelectRelays(s.deps.Presence.Relays(),
		s.gateway.LastSeenLat, s.gateway.LastSeenLon, s.gateway.LocationKnown)
	now := time.Now()
	for k := range s.relaySecrets {
		delete(s.relaySecrets, k)
	}
	out := make([]RelayCreds, 0, len(picked))
	for _, relay := range picked {
		s.relaySecrets[relay.ID] = relay.StampSecret
		out = append(out, RelayCreds{
			Relay: relay,
			Creds: presence.DeriveCredentials(relay.StampSecret, model.NewID().String(), now),
		})
	}
	return out
}

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
	s.pusher.Push(EventRelaysPresence, RelaysPresence{
		DisconnectedIDs: disconnected,
		Connected:       s.selectRelays(),
	})
}

func parseAddr(raw string) netip.Addr {
	addr, _ := netip.ParseAddr(raw)
	return addr
}
