package pubsub

import "github.com/firezone/firezone-sub012/internal/model"

// Topic name constructors. Multiple overlapping topics exist so publishers
// can hit exactly the subscribers that care, instead of fanning every event
// through one account-wide firehose.

func AccountTopic(id model.ID) string { return "account:" + id.String() }

func ClientTopic(id model.ID) string { return "client:" + id.String() }

func GatewayTopic(id model.ID) string { return "gateway:" + id.String() }

func PolicyTopic(id model.ID) string { return "policy:" + id.String() }

// GroupPoliciesTopic carries allow_access/reject_access for one actor
// group's policies.
func GroupPoliciesTopic(groupID model.ID) string {
	return "actor_group:" + groupID.String() + "/policies"
}

// FlowTopic carries expirations for one flow's (client, resource) pair.
func FlowTopic(id model.ID) string { return "flow:" + id.String() }

// GlobalRelaysTopic carries presence diffs for the global relay pool.
const GlobalRelaysTopic = "presence:global_relays"

// GatewayGroupPresenceTopic carries presence for one gateway group (site).
func GatewayGroupPresenceTopic(siteID model.ID) string {
	return "presence:gateway_group/" + siteID.String()
}

// SocketTopic addresses one live socket by its token id, for forced
// disconnects when the token is deleted.
func SocketTopic(tokenID model.ID) string { return "socket:" + tokenID.String() }
