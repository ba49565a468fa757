// Package rendezvous defines the messages exchanged between a client
// channel and a gateway channel while brokering one tunnel. They travel
// over the process-local pub/sub fabric, never the wire.
package rendezvous

import (
	"time"

	"github.com/firezone/firezone-sub012/internal/model"
)

// AuthorizeFlow asks a gateway channel to authorize one (client, resource)
// flow. ReplyTopic is the client channel's point-to-point topic for the
// Connect answer; SocketRef distinguishes reconnects of the same client.
type AuthorizeFlow struct {
	ReplyTopic   string
	SocketRef    uint64
	Client       *model.Client
	Resource     *model.Resource
	FlowID       model.ID
	ExpiresAt    time.Time
	ICE          model.ICECredentials
	PresharedKey string
	Subject      string
}

// Connect is the gateway channel's answer once the gateway confirmed the
// flow. It carries everything the client needs to open the tunnel.
type Connect struct {
	SocketRef        uint64
	ResourceID       model.ID
	GatewayID        model.ID
	GatewayPublicKey string
	GatewayIPv4      string
	GatewayIPv6      string
	PresharedKey     string
	ICE              model.ICECredentials
}

// ICECandidates forwards trickle-ICE candidates from one peer to a set of
// clients.
type ICECandidates struct {
	SourceGatewayID model.ID
	Candidates      []string
}

// ICECandidatesInvalidated retracts previously forwarded candidates.
type ICECandidatesInvalidated struct {
	SourceGatewayID model.ID
	Candidates      []string
}
