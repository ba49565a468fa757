package transport

import (
	"encoding/json"
	"time"

	"github.com/firezone/firezone-sub012/internal/clientsession"
	"github.com/firezone/firezone-sub012/internal/gatewaysession"
	"github.com/firezone/firezone-sub012/internal/model"
	"github.com/firezone/firezone-sub012/internal/rendezvous"
)

// wireMessage is the framing for both socket directions: an event name and
// an optional payload object.
type wireMessage struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Wire DTOs. IDs travel as text UUIDs, expirations as unix seconds;
// raw-16 ids and time.Time never cross the socket.

type wireInterface struct {
	IPv4 string `json:"ipv4"`
	IPv6 string `json:"ipv6"`
}

type wireFilter struct {
	Protocol string   `json:"protocol"`
	Ports    []string `json:"ports,omitempty"`
}

type wireResource struct {
	ID                 model.ID     `json:"id"`
	SiteID             *model.ID    `json:"site_id,omitempty"`
	SiteName           string       `json:"site_name,omitempty"`
	Type               string       `json:"type"`
	Address            string       `json:"address,omitempty"`
	AddressDescription string       `json:"address_description,omitempty"`
	IPStack            string       `json:"ip_stack,omitempty"`
	Filters            []wireFilter `json:"filters"`
}

type wireClient struct {
	ID        model.ID `json:"id"`
	PublicKey string   `json:"public_key"`
	IPv4      string   `json:"ipv4"`
	IPv6      string   `json:"ipv6"`
}

type wireRelay struct {
	ID        model.ID `json:"id"`
	IPv4      string   `json:"ipv4,omitempty"`
	IPv6      string   `json:"ipv6,omitempty"`
	Port      uint16   `json:"port"`
	Username  string   `json:"username"`
	Password  string   `json:"password"`
	ExpiresAt int64    `json:"expires_at"`
}

type wireClientInit struct {
	AccountSlug string         `json:"account_slug"`
	Interface   wireInterface  `json:"interface"`
	Resources   []wireResource `json:"resources"`
	Relays      []wireRelay    `json:"relays"`
}

type wireGatewayInit struct {
	AccountSlug string        `json:"account_slug"`
	Interface   wireInterface `json:"interface"`
	Relays      []wireRelay   `json:"relays"`
}

type wireRelaysPresence struct {
	DisconnectedIDs []model.ID  `json:"disconnected_ids"`
	Connected       []wireRelay `json:"connected"`
}

type wireConnect struct {
	ResourceID       model.ID             `json:"resource_id"`
	GatewayID        model.ID             `json:"gateway_id"`
	GatewayPublicKey string               `json:"gateway_public_key"`
	GatewayIPv4      string               `json:"gateway_ipv4"`
	GatewayIPv6      string               `json:"gateway_ipv6"`
	PresharedKey     string               `json:"preshared_key"`
	ICE              model.ICECredentials `json:"ice_credentials"`
}

type wireAuthorizeFlow struct {
	Ref          string               `json:"ref"`
	Resource     wireResource         `json:"resource"`
	Client       wireClient           `json:"client"`
	ICE          model.ICECredentials `json:"ice_credentials"`
	PresharedKey string               `json:"preshared_key"`
	ExpiresAt    int64                `json:"expires_at,omitempty"`
	Subject      string               `json:"subject,omitempty"`
}

type wireRejectAccess struct {
	ClientID   model.ID `json:"client_id"`
	ResourceID model.ID `json:"resource_id"`
}

type wireExpiryUpdated struct {
	ClientID   *model.ID `json:"client_id,omitempty"`
	ResourceID model.ID  `json:"resource_id"`
	ExpiresAt  int64     `json:"expires_at,omitempty"`
}

type wireICECandidates struct {
	GatewayID  model.ID `json:"gateway_id"`
	Candidates []string `json:"candidates"`
}

type wireDeleted struct {
	ID model.ID `json:"id"`
}

type wireError struct {
	Reason   string   `json:"reason"`
	Violated []string `json:"violated_properties,omitempty"`
}

// Inbound payloads.

type joinGatewayPayload struct {
	ExternalID string `json:"external_id"`
	Name       string `json:"name"`
	PublicKey  string `json:"public_key"`
	SiteID     string `json:"site_id"`
}

type prepareConnectionPayload struct {
	ResourceID model.ID `json:"resource_id"`
}

type reuseConnectionPayload struct {
	ResourceID model.ID `json:"resource_id"`
	GatewayID  model.ID `json:"gateway_id"`
}

type flowAuthorizedPayload struct {
	Ref string `json:"ref"`
}

type broadcastICEPayload struct {
	Candidates []string   `json:"candidates"`
	ClientIDs  []model.ID `json:"client_ids"`
}

// encodeMessage frames an event with its wire payload.
func encodeMessage(event string, payload any) ([]byte, error) {
	msg := wireMessage{Event: event}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		msg.Payload = raw
	}
	return json.Marshal(msg)
}

// toWire converts a session-layer payload to its wire DTO. Payloads with
// no dedicated DTO pass through to encoding/json unchanged.
func toWire(payload any) any {
	switch p := payload.(type) {
	case clientsession.Init:
		return wireClientInit{
			AccountSlug: p.Slug,
			Interface:   wireInterface{IPv4: p.InterfaceIPv4, IPv6: p.InterfaceIPv6},
			Resources:   resourcesToWire(p.Resources),
			Relays:      clientRelaysToWire(p.Relays),
		}
	case gatewaysession.Init:
		return wireGatewayInit{
			AccountSlug: p.Slug,
			Interface:   wireInterface{IPv4: p.InterfaceIPv4, IPv6: p.InterfaceIPv6},
			Relays:      gatewayRelaysToWire(p.Relays),
		}
	case clientsession.RelaysPresence:
		return wireRelaysPresence{
			DisconnectedIDs: idsOrEmpty(p.DisconnectedIDs),
			Connected:       clientRelaysToWire(p.Connected),
		}
	case gatewaysession.RelaysPresence:
		return wireRelaysPresence{
			DisconnectedIDs: idsOrEmpty(p.DisconnectedIDs),
			Connected:       gatewayRelaysToWire(p.Connected),
		}
	case *model.Resource:
		return resourceToWire(p)
	case model.ID:
		return wireDeleted{ID: p}
	case rendezvous.Connect:
		return wireConnect{
			ResourceID:       p.ResourceID,
			GatewayID:        p.GatewayID,
			GatewayPublicKey: p.GatewayPublicKey,
			GatewayIPv4:      p.GatewayIPv4,
			GatewayIPv6:      p.GatewayIPv6,
			PresharedKey:     p.PresharedKey,
			ICE:              p.ICE,
		}
	case rendezvous.ICECandidates:
		return wireICECandidates{GatewayID: p.SourceGatewayID, Candidates: p.Candidates}
	case rendezvous.ICECandidatesInvalidated:
		return wireICECandidates{GatewayID: p.SourceGatewayID, Candidates: p.Candidates}
	case clientsession.ExpiryUpdated:
		return wireExpiryUpdated{ResourceID: p.ResourceID, ExpiresAt: unixOrZero(p.ExpiresAt)}
	case gatewaysession.ExpiryUpdatedPush:
		clientID := p.ClientID
		return wireExpiryUpdated{ClientID: &clientID, ResourceID: p.ResourceID, ExpiresAt: unixOrZero(p.ExpiresAt)}
	case gatewaysession.RejectAccessPush:
		return wireRejectAccess{ClientID: p.ClientID, ResourceID: p.ResourceID}
	case gatewaysession.AuthorizeFlowPush:
		return wireAuthorizeFlow{
			Ref:          p.Ref,
			Resource:     resourceToWire(p.Resource),
			Client:       clientToWire(p.Client),
			ICE:          p.ICE,
			PresharedKey: p.PresharedKey,
			ExpiresAt:    unixOrZero(p.ExpiresAt),
			Subject:      p.Subject,
		}
	default:
		return payload
	}
}

func resourceToWire(r *model.Resource) wireResource {
	out := wireResource{
		ID:                 r.ID,
		SiteName:           r.SiteName,
		Type:               string(r.Type),
		Address:            r.Address,
		AddressDescription: r.AddressDescription,
		IPStack:            string(r.IPStack),
		Filters:            make([]wireFilter, 0, len(r.Filters)),
	}
	if !r.SiteID.IsZero() {
		siteID := r.SiteID
		out.SiteID = &siteID
	}
	for _, f := range r.Filters {
		out.Filters = append(out.Filters, wireFilter{Protocol: string(f.Protocol), Ports: f.Ports})
	}
	return out
}

func resourcesToWire(rs []*model.Resource) []wireResource {
	out := make([]wireResource, 0, len(rs))
	for _, r := range rs {
		out = append(out, resourceToWire(r))
	}
	return out
}

func clientToWire(c *model.Client) wireClient {
	return wireClient{ID: c.ID, PublicKey: c.PublicKey, IPv4: c.IPv4, IPv6: c.IPv6}
}

func clientRelaysToWire(relays []clientsession.RelayCreds) []wireRelay {
	out := make([]wireRelay, 0, len(relays))
	for _, rc := range relays {
		out = append(out, relayToWire(rc.Relay, rc.Creds.Username, rc.Creds.Password, rc.Creds.ExpiresAt))
	}
	return out
}

func gatewayRelaysToWire(relays []gatewaysession.RelayCreds) []wireRelay {
	out := make([]wireRelay, 0, len(relays))
	for _, rc := range relays {
		out = append(out, relayToWire(rc.Relay, rc.Creds.Username, rc.Creds.Password, rc.Creds.ExpiresAt))
	}
	return out
}

func relayToWire(r *model.Relay, username, password string, expiresAt time.Time) wireRelay {
	return wireRelay{
		ID:        r.ID,
		IPv4:      r.IPv4,
		IPv6:      r.IPv6,
		Port:      r.Port,
		Username:  username,
		Password:  password,
		ExpiresAt: unixOrZero(expiresAt),
	}
}

func idsOrEmpty(ids []model.ID) []model.ID {
	if ids == nil {
		return []model.ID{}
	}
	return ids
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}
