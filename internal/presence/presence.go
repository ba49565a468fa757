// Package presence tracks live gateways (per site and account) and relays
// (global). Entries merge last-write-wins so a stale replica heartbeat can
// never resurrect a gateway that re-registered elsewhere.
package presence

import (
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/firezone/firezone-sub012/internal/model"
	"github.com/firezone/firezone-sub012/internal/pubsub"
)

// gatewayEntry is one live gateway with its registration instant.
type gatewayEntry struct {
	gateway  *model.Gateway
	onlineAt time.Time
}

type relayEntry struct {
	relay    *model.Relay
	onlineAt time.Time
}

// RelaysChanged is broadcast on the global relays topic whenever the relay
// pool mutates. It intentionally carries no state: subscribers re-read the
// authoritative registry, which makes missed or reordered diffs harmless.
type RelaysChanged struct{}

// GatewaysChanged is broadcast on a site's presence topic on any change.
type GatewaysChanged struct {
	SiteID model.ID
}

// Registry is the process-wide presence map.
type Registry struct {
	broker *pubsub.Broker

	// site id → gateway id → entry
	gatewaysBySite *xsync.Map[model.ID, *xsync.Map[model.ID, *gatewayEntry]]
	relays         *xsync.Map[model.ID, *relayEntry]
}

func NewRegistry(broker *pubsub.Broker) *Registry {
	return &Registry{
		broker:         broker,
		gatewaysBySite: xsync.NewMap[model.ID, *xsync.Map[model.ID, *gatewayEntry]](),
		relays:         xsync.NewMap[model.ID, *relayEntry](),
	}
}

// TrackGateway registers a live gateway, keeping the newer registration on
// conflict.
func (r *Registry) TrackGateway(g *model.Gateway) {
	site, _ := r.gatewaysBySite.LoadOrCompute(g.SiteID, func() (*xsync.Map[model.ID, *gatewayEntry], bool) {
		return xsync.NewMap[model.ID, *gatewayEntry](), false
	})
	entry := &gatewayEntry{gateway: g, onlineAt: time.Now()}
	site.Compute(g.ID, func(old *gatewayEntry, loaded bool) (*gatewayEntry, xsync.ComputeOp) {
		if loaded && old.onlineAt.After(entry.onlineAt) {
			return old, xsync.CancelOp
		}
		return entry, xsync.UpdateOp
	})
	r.broker.Broadcast(pubsub.GatewayGroupPresenceTopic(g.SiteID), GatewaysChanged{SiteID: g.SiteID})
}

// UntrackGateway removes a gateway on socket close.
func (r *Registry) UntrackGateway(siteID, gatewayID model.ID) {
	if site, ok := r.gatewaysBySite.Load(siteID); ok {
		site.Delete(gatewayID)
		r.broker.Broadcast(pubsub.GatewayGroupPresenceTopic(siteID), GatewaysChanged{SiteID: siteID})
	}
}

// OnlineGatewaysForSite snapshots the live gateways of a site.
func (r *Registry) OnlineGatewaysForSite(siteID model.ID) []*model.Gateway {
	site, ok := r.gatewaysBySite.Load(siteID)
	if !ok {
		return nil
	}
	var out []*model.Gateway
	site.Range(func(_ model.ID, e *gatewayEntry) bool {
		out = append(out, e.gateway)
		return true
	})
	return out
}

// GatewayOnline reports whether a specific gateway is connected.
func (r *Registry) GatewayOnline(siteID, gatewayID model.ID) bool {
	site, ok := r.gatewaysBySite.Load(siteID)
	if !ok {
		return false
	}
	_, ok = site.Load(gatewayID)
	return ok
}

// TrackRelay registers a live relay, keeping the newer registration on
// conflict.
func (r *Registry) TrackRelay(relay *model.Relay) {
	entry := &relayEntry{relay: relay, onlineAt: time.Now()}
	r.relays.Compute(relay.ID, func(old *relayEntry, loaded bool) (*relayEntry, xsync.ComputeOp) {
		if loaded && old.onlineAt.After(entry.onlineAt) {
			return old, xsync.CancelOp
		}
		return entry, xsync.UpdateOp
	})
	r.broker.Broadcast(pubsub.GlobalRelaysTopic, RelaysChanged{})
}

// UntrackRelay removes a relay.
func (r *Registry) UntrackRelay(id model.ID) {
	r.relays.Delete(id)
	r.broker.Broadcast(pubsub.GlobalRelaysTopic, RelaysChanged{})
}

// Relay returns the live relay with the given id, nil when offline.
func (r *Registry) Relay(id model.ID) *model.Relay {
	entry, ok := r.relays.Load(id)
	if !ok {
		return nil
	}
	return entry.relay
}

// Relays snapshots the global relay pool.
func (r *Registry) Relays() []*model.Relay {
	var out []*model.Relay
	r.relays.Range(func(_ model.ID, e *relayEntry) bool {
		out = append(out, e.relay)
		return true
	})
	return out
}
