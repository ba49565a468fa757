package hooks

import (
	"context"
	"log"
	"time"

	"github.com/firezone/firezone-sub012/internal/model"
	"github.com/firezone/firezone-sub012/internal/pubsub"
	"github.com/firezone/firezone-sub012/internal/store"
	"github.com/firezone/firezone-sub012/internal/wal"
)

const cascadeTimeout = 30 * time.Second

// Dispatcher routes replicated row changes to per-table hooks. It runs on
// the replication goroutine, so within an account events are published in
// LSN order. Cascade side effects (flow expiry, token deletion) run on
// their own goroutines so a slow or failing database write never stalls
// change propagation.
type Dispatcher struct {
	broker *pubsub.Broker
	store  *store.Store
}

func NewDispatcher(broker *pubsub.Broker, st *store.Store) *Dispatcher {
	return &Dispatcher{broker: broker, store: st}
}

// HandleEvent is the replication consumer's handler.
func (d *Dispatcher) HandleEvent(ev wal.Event) {
	switch ev.Table {
	case "accounts":
		d.onAccount(ev)
	case "actors":
		d.onActor(ev)
	case "actor_group_memberships":
		d.onMembership(ev)
	case "clients":
		d.onClient(ev)
	case "gateways":
		d.onGateway(ev)
	case "sites":
		d.publish(rowAccount(ev), Change{LSN: ev.LSN, Op: ev.Op, Table: ev.Table,
			Old: siteOrNil(ev.Old), New: siteOrNil(ev.New)})
	case "policies":
		d.onPolicy(ev)
	case "resources":
		d.onResource(ev)
	case "resource_connections":
		d.onResourceConnection(ev)
	case "flows":
		d.onFlow(ev)
	case "tokens", "gateway_tokens", "portal_sessions":
		d.onToken(ev)
	case "auth_providers":
		d.onAuthProvider(ev)
	}
}

func (d *Dispatcher) publish(accountID model.ID, ch Change) {
	if accountID.IsZero() {
		return
	}
	d.broker.Broadcast(pubsub.AccountTopic(accountID), ch)
}

// cascade runs fn on its own goroutine with a bounded context.
func (d *Dispatcher) cascade(name string, fn func(ctx context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), cascadeTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			log.Printf("[hooks] cascade %s failed: %v", name, err)
		}
	}()
}

// softDeleted reports a nil→set transition of deleted_at across an update.
func softDeleted(old, new wal.Row) bool {
	return !old.Has("deleted_at") && new.Has("deleted_at")
}

// disabledTransition classifies disabled_at movement: -1 enable, +1
// disable, 0 unchanged.
func disabledTransition(old, new wal.Row) int {
	switch {
	case !old.Has("disabled_at") && new.Has("disabled_at"):
		return 1
	case old.Has("disabled_at") && !new.Has("disabled_at"):
		return -1
	default:
		return 0
	}
}

func (d *Dispatcher) onAccount(ev wal.Event) {
	old, new := decodeAccount(ev.Old), decodeAccount(ev.New)
	switch ev.Op {
	case wal.OpUpdate:
		// A slug change must reach every connected client and gateway; the
		// channels resend init when they see it on the Change.
		d.publish(new.ID, Change{LSN: ev.LSN, Op: ev.Op, Table: ev.Table, Old: old, New: new})
	case wal.OpDelete:
		d.publish(old.ID, Change{LSN: ev.LSN, Op: ev.Op, Table: ev.Table, Old: old})
	case wal.OpInsert:
		d.publish(new.ID, Change{LSN: ev.LSN, Op: ev.Op, Table: ev.Table, New: new})
	}
}

func (d *Dispatcher) onActor(ev wal.Event) {
	old, new := decodeActor(ev.Old), decodeActor(ev.New)
	if ev.Op == wal.OpUpdate && disabledTransition(ev.Old, ev.New) == 1 {
		actorID := new.ID
		d.cascade("disable-actor-tokens", func(ctx context.Context) error {
			return d.store.DeleteTokensForActor(ctx, actorID)
		})
	}
	d.publish(rowAccount(ev), Change{LSN: ev.LSN, Op: ev.Op, Table: ev.Table, Old: old, New: new})
}

func (d *Dispatcher) onMembership(ev wal.Event) {
	old, new := decodeMembership(ev.Old), decodeMembership(ev.New)
	switch ev.Op {
	case wal.OpInsert:
		d.publish(new.AccountID, Change{LSN: ev.LSN, Op: ev.Op, Table: ev.Table, New: new})
		d.announceGroupPolicies(ev.LSN, new.AccountID, new.GroupID)
	case wal.OpDelete:
		d.publish(old.AccountID, Change{LSN: ev.LSN, Op: ev.Op, Table: ev.Table, Old: old})
		d.broker.Broadcast(pubsub.GroupPoliciesTopic(old.GroupID),
			RejectAccess{LSN: ev.LSN, GroupID: old.GroupID})
		actorID, groupID := old.ActorID, old.GroupID
		d.cascade("membership-flows", func(ctx context.Context) error {
			return d.store.ExpireFlowsForMembership(ctx, actorID, groupID)
		})
	case wal.OpUpdate:
		d.publish(new.AccountID, Change{LSN: ev.LSN, Op: ev.Op, Table: ev.Table, Old: old, New: new})
	}
}

// announceGroupPolicies broadcasts allow_access for every enabled policy of
// the group. Runs as a cascade: it needs a database read.
func (d *Dispatcher) announceGroupPolicies(lsn uint64, accountID, groupID model.ID) {
	d.cascade("announce-group-policies", func(ctx context.Context) error {
		policies, err := d.store.PoliciesForGroups(ctx, accountID, []model.ID{groupID})
		if err != nil {
			return err
		}
		for _, p := range policies {
			d.broker.Broadcast(pubsub.GroupPoliciesTopic(groupID), AllowAccess{LSN: lsn, Policy: p})
		}
		return nil
	})
}

func (d *Dispatcher) onClient(ev wal.Event) {
	old, new := decodeClient(ev.Old), decodeClient(ev.New)
	if ev.Op == wal.OpUpdate && softDeleted(ev.Old, ev.New) {
		d.publish(old.AccountID, Change{LSN: ev.LSN, Op: wal.OpDelete, Table: ev.Table, Old: old})
		return
	}
	if ev.Op == wal.OpUpdate && old.Verified() && !new.Verified() {
		clientID := new.ID
		d.cascade("unverified-client-flows", func(ctx context.Context) error {
			return d.store.ExpireFlowsForClient(ctx, clientID)
		})
	}
	d.publish(rowAccount(ev), Change{LSN: ev.LSN, Op: ev.Op, Table: ev.Table, Old: old, New: new})
}

func (d *Dispatcher) onGateway(ev wal.Event) {
	old, new := decodeGateway(ev.Old), decodeGateway(ev.New)
	if ev.Op == wal.OpUpdate && softDeleted(ev.Old, ev.New) {
		d.publish(old.AccountID, Change{LSN: ev.LSN, Op: wal.OpDelete, Table: ev.Table, Old: old})
		return
	}
	d.publish(rowAccount(ev), Change{LSN: ev.LSN, Op: ev.Op, Table: ev.Table, Old: old, New: new})
}

func (d *Dispatcher) onPolicy(ev wal.Event) {
	old, new := decodePolicy(ev.Old), decodePolicy(ev.New)

	switch ev.Op {
	case wal.OpInsert:
		d.publish(new.AccountID, Change{LSN: ev.LSN, Op: ev.Op, Table: ev.Table, New: new})
		if new.Enabled() {
			d.broker.Broadcast(pubsub.GroupPoliciesTopic(new.ActorGroupID),
				AllowAccess{LSN: ev.LSN, Policy: new})
		}

	case wal.OpDelete:
		d.publish(old.AccountID, Change{LSN: ev.LSN, Op: ev.Op, Table: ev.Table, Old: old})
		d.rejectPolicy(ev.LSN, old)

	case wal.OpUpdate:
		switch {
		case softDeleted(ev.Old, ev.New):
			d.publish(old.AccountID, Change{LSN: ev.LSN, Op: wal.OpDelete, Table: ev.Table, Old: old})
			d.rejectPolicy(ev.LSN, old)

		case disabledTransition(ev.Old, ev.New) == 1:
			d.publish(new.AccountID, Change{LSN: ev.LSN, Op: wal.OpDelete, Table: ev.Table, Old: old})
			d.rejectPolicy(ev.LSN, old)

		case disabledTransition(ev.Old, ev.New) == -1:
			d.publish(new.AccountID, Change{LSN: ev.LSN, Op: wal.OpInsert, Table: ev.Table, New: new})
			d.broker.Broadcast(pubsub.GroupPoliciesTopic(new.ActorGroupID),
				AllowAccess{LSN: ev.LSN, Policy: new})

		case old.BreakingChange(new):
			// Conditions, group, or resource changed: observers must drop the
			// old grant and pick up the new one, and existing flows die.
			d.publish(old.AccountID, Change{LSN: ev.LSN, Op: wal.OpDelete, Table: ev.Table, Old: old})
			d.rejectPolicy(ev.LSN, old)
			d.publish(new.AccountID, Change{LSN: ev.LSN, Op: wal.OpInsert, Table: ev.Table, New: new})
			if new.Enabled() {
				d.broker.Broadcast(pubsub.GroupPoliciesTopic(new.ActorGroupID),
					AllowAccess{LSN: ev.LSN, Policy: new})
			}

		default:
			d.publish(new.AccountID, Change{LSN: ev.LSN, Op: ev.Op, Table: ev.Table, Old: old, New: new})
		}
	}
}

func (d *Dispatcher) rejectPolicy(lsn uint64, p *model.Policy) {
	d.broker.Broadcast(pubsub.GroupPoliciesTopic(p.ActorGroupID),
		RejectAccess{LSN: lsn, PolicyID: p.ID, GroupID: p.ActorGroupID, ResourceID: p.ResourceID})
	policyID := p.ID
	d.cascade("policy-flows", func(ctx context.Context) error {
		return d.store.ExpireFlowsForPolicy(ctx, policyID)
	})
}

func (d *Dispatcher) onResource(ev wal.Event) {
	old, new := decodeResource(ev.Old), decodeResource(ev.New)
	if ev.Op == wal.OpUpdate && softDeleted(ev.Old, ev.New) {
		d.publish(old.AccountID, Change{LSN: ev.LSN, Op: wal.OpDelete, Table: ev.Table, Old: old})
		return
	}
	// Breaking vs filter-only classification is left to the subscribers:
	// both structs travel in the Change and each channel knows its own
	// cache. Gateways push reject_access for breaking address changes and
	// resource_updated for filter-only ones.
	d.publish(rowAccount(ev), Change{LSN: ev.LSN, Op: ev.Op, Table: ev.Table, Old: old, New: new})
}

func (d *Dispatcher) onResourceConnection(ev wal.Event) {
	if ev.Op != wal.OpDelete {
		accountID := rowAccount(ev)
		d.publish(accountID, Change{LSN: ev.LSN, Op: ev.Op, Table: ev.Table,
			Old: mapOrNil(ev.Old), New: mapOrNil(ev.New)})
		return
	}
	resourceID := ev.Old.ID("resource_id")
	d.publish(ev.Old.ID("account_id"), Change{LSN: ev.LSN, Op: ev.Op, Table: ev.Table, Old: mapOrNil(ev.Old)})
	d.cascade("resource-connection-flows", func(ctx context.Context) error {
		return d.store.ExpireFlowsForResource(ctx, resourceID)
	})
}

func (d *Dispatcher) onFlow(ev wal.Event) {
	old, new := decodeFlow(ev.Old), decodeFlow(ev.New)
	switch ev.Op {
	case wal.OpUpdate:
		// Only the transition into the past matters: that is an expiry.
		now := time.Now()
		wasLive := old.ExpiresAt.IsZero() || old.ExpiresAt.After(now)
		isLive := new.ExpiresAt.IsZero() || new.ExpiresAt.After(now)
		if wasLive && !isLive {
			d.expireFlow(ev.LSN, new, false)
		}
	case wal.OpDelete:
		d.expireFlow(ev.LSN, old, true)
	case wal.OpInsert:
		d.publish(new.AccountID, Change{LSN: ev.LSN, Op: ev.Op, Table: ev.Table, New: new})
	}
}

func (d *Dispatcher) expireFlow(lsn uint64, f *model.Flow, deleted bool) {
	msg := ExpireFlow{LSN: lsn, Flow: f, Deleted: deleted}
	d.broker.Broadcast(pubsub.FlowTopic(f.ID), msg)
	d.broker.Broadcast(pubsub.AccountTopic(f.AccountID), msg)
}

func (d *Dispatcher) onToken(ev wal.Event) {
	old, new := decodeToken(ev.Old), decodeToken(ev.New)
	deleted := ev.Op == wal.OpDelete || (ev.Op == wal.OpUpdate && softDeleted(ev.Old, ev.New))
	if deleted {
		t := old
		if t == nil {
			t = new
		}
		d.broker.Broadcast(pubsub.SocketTopic(t.ID), Disconnect{TokenID: t.ID})
		d.publish(t.AccountID, Change{LSN: ev.LSN, Op: wal.OpDelete, Table: ev.Table, Old: t})
		return
	}
	d.publish(rowAccount(ev), Change{LSN: ev.LSN, Op: ev.Op, Table: ev.Table, Old: old, New: new})
}

func (d *Dispatcher) onAuthProvider(ev wal.Event) {
	old, new := decodeAuthProvider(ev.Old), decodeAuthProvider(ev.New)
	if ev.Op == wal.OpUpdate && !old.IsDisabled && new.IsDisabled {
		providerID := new.ID
		d.cascade("disable-provider-tokens", func(ctx context.Context) error {
			return d.store.DeleteTokensForAuthProvider(ctx, providerID)
		})
	}
	d.publish(rowAccount(ev), Change{LSN: ev.LSN, Op: ev.Op, Table: ev.Table, Old: old, New: new})
}

// rowAccount pulls the account id from whichever row side is present.
func rowAccount(ev wal.Event) model.ID {
	if ev.New != nil {
		return ev.New.ID("account_id")
	}
	if ev.Old != nil {
		return ev.Old.ID("account_id")
	}
	return model.ZeroID
}

func mapOrNil(row wal.Row) any {
	if row == nil {
		return nil
	}
	return row
}

func siteOrNil(row wal.Row) any {
	if row == nil {
		return nil
	}
	return decodeSite(row)
}
