// Package refsign signs and verifies rendezvous refs. A ref correlates a
// server-initiated authorize_flow pushed to a gateway with the gateway's
// flow_authorized reply, carrying everything needed to complete the
// client's side of the tunnel without any server-side pending-request
// table.
package refsign

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"

	"github.com/firezone/firezone-sub012/internal/model"
)

// ErrInvalidRef is returned for tampered, truncated, or malformed refs.
var ErrInvalidRef = errors.New("refsign: invalid ref")

// Ref is the signed payload. ClientTopic names the requesting client
// channel's point-to-point topic; SocketRef disambiguates reconnects of the
// same client.
type Ref struct {
	ClientTopic  string               `json:"client_topic"`
	SocketRef    uint64               `json:"socket_ref"`
	ResourceID   model.ID             `json:"resource_id"`
	PresharedKey string               `json:"preshared_key"`
	ICE          model.ICECredentials `json:"ice"`
}

// Signer signs refs with HMAC-SHA256 over the service secret-key base.
type Signer struct {
	secret []byte
}

func NewSigner(secretKeyBase string) *Signer {
	return &Signer{secret: []byte(secretKeyBase)}
}

// Sign encodes and signs a ref: base64url(payload).base64url(mac).
func (s *Signer) Sign(ref Ref) string {
	payload, _ := json.Marshal(ref)
	encoded := base64.RawURLEncoding.EncodeToString(payload)
	return encoded + "." + s.mac(encoded)
}

// Verify checks the signature and decodes the ref. Refs carry no TTL:
// a stale ref is harmless because the client channel it names must still
// be subscribed to receive anything.
func (s *Signer) Verify(token string) (Ref, error) {
	encoded, sig, ok := strings.Cut(token, ".")
	if !ok {
		return Ref{}, ErrInvalidRef
	}
	if !hmac.Equal([]byte(sig), []byte(s.mac(encoded))) {
		return Ref{}, ErrInvalidRef
	}
	payload, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return Ref{}, ErrInvalidRef
	}
	var ref Ref
	if err := json.Unmarshal(payload, &ref); err != nil {
		return Ref{}, ErrInvalidRef
	}
	return ref, nil
}

func (s *Signer) mac(encoded string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(encoded))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
