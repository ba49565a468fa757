// Package gatewaysession owns the per-gateway channel: a compact cache of
// the flows the gateway is serving, the rendezvous half of connection
// brokering, and relay advertisement.
package gatewaysession

import (
	"context"
	"fmt"
	"time"

	"github.com/firezone/firezone-sub012/internal/model"
)

// Pair keys the cache: one client reaching one resource.
type Pair struct {
	ClientID   model.ID
	ResourceID model.ID
}

// Cache maps each served (client, resource) pair to its live flows. Flows
// are additive: the pair stays authorized until every flow expires. A zero
// expiry means the flow never expires. Private to the session goroutine.
type Cache struct {
	flows map[Pair]map[model.ID]time.Time
}

func NewCache() *Cache {
	return &Cache{flows: make(map[Pair]map[model.ID]time.Time)}
}

// Hydrate loads every non-expired flow of the gateway.
func (c *Cache) Hydrate(ctx context.Context, st Store, gatewayID model.ID, now time.Time) error {
	flows, err := st.ActiveFlowsForGateway(ctx, gatewayID, now)
	if err != nil {
		return fmt.Errorf("gatewaysession: hydrate: %w", err)
	}
	for _, f := range flows {
		c.Put(f.ClientID, f.ResourceID, f.ID, f.ExpiresAt)
	}
	return nil
}

// Put inserts a flow without displacing existing flows for the pair.
func (c *Cache) Put(clientID, resourceID, flowID model.ID, expiresAt time.Time) {
	pair := Pair{ClientID: clientID, ResourceID: resourceID}
	inner, ok := c.flows[pair]
	if !ok {
		inner = make(map[model.ID]time.Time)
		c.flows[pair] = inner
	}
	inner[flowID] = expiresAt
}

// Get returns the pair's effective expiry: the maximum across flows, with
// a zero expiry meaning never. The longest flow wins to minimize churn.
func (c *Cache) Get(clientID, resourceID model.ID) (time.Time, bool) {
	inner, ok := c.flows[Pair{ClientID: clientID, ResourceID: resourceID}]
	if !ok || len(inner) == 0 {
		return time.Time{}, false
	}
	return maxExpiry(inner), true
}

// RemoveFlow deletes one flow. It reports whether the flow was present and
// how many flows remain for the pair; an emptied pair is dropped.
func (c *Cache) RemoveFlow(clientID, resourceID, flowID model.ID) (present bool, remaining int) {
	pair := Pair{ClientID: clientID, ResourceID: resourceID}
	inner, ok := c.flows[pair]
	if !ok {
		return false, 0
	}
	_, present = inner[flowID]
	delete(inner, flowID)
	if len(inner) == 0 {
		delete(c.flows, pair)
	}
	return present, len(inner)
}

// RemovePair drops a pair outright.
func (c *Cache) RemovePair(clientID, resourceID model.ID) {
	delete(c.flows, Pair{ClientID: clientID, ResourceID: resourceID})
}

// Prune drops expired flows and emptied pairs. Returns the pairs that lost
// all access so the caller can notify the gateway.
func (c *Cache) Prune(now time.Time) []Pair {
	var emptied []Pair
	for pair, inner := range c.flows {
		for flowID, expiresAt := range inner {
			if !expiresAt.IsZero() && expiresAt.Before(now) {
				delete(inner, flowID)
			}
		}
		if len(inner) == 0 {
			delete(c.flows, pair)
			emptied = append(emptied, pair)
		}
	}
	return emptied
}

// HasResource reports whether any pair serves the resource.
func (c *Cache) HasResource(resourceID model.ID) bool {
	for pair := range c.flows {
		if pair.ResourceID == resourceID {
			return true
		}
	}
	return false
}

// AllPairsForResource lists the pairs serving the resource.
func (c *Cache) AllPairsForResource(resourceID model.ID) []Pair {
	var pairs []Pair
	for pair := range c.flows {
		if pair.ResourceID == resourceID {
			pairs = append(pairs, pair)
		}
	}
	return pairs
}

// PairCount returns the number of served pairs.
func (c *Cache) PairCount() int { return len(c.flows) }

// Pairs snapshots every served pair with its effective expiry.
func (c *Cache) Pairs() map[Pair]time.Time {
	out := make(map[Pair]time.Time, len(c.flows))
	for pair, inner := range c.flows {
		out[pair] = maxExpiry(inner)
	}
	return out
}

// maxExpiry treats the zero time as never, which beats any deadline.
func maxExpiry(inner map[model.ID]time.Time) time.Time {
	var max time.Time
	first := true
	for _, e := range inner {
		if e.IsZero() {
			return time.Time{}
		}
		if first || e.After(max) {
			max, first = e, false
		}
	}
	return max
}
