package transport

import (
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeTimeout = 10 * time.Second

// legacyGatewayEvents renames flow-vocabulary pushes for gateways below
// the flow-messages cutoff. Inbound, connection_ready is the legacy name
// of flow_authorized; the read loop handles that side.
var legacyGatewayEvents = map[string]string{
	"authorize_flow": "allow_access",
}

// wsPusher serializes pushes onto one websocket connection. It implements
// clientsession.Pusher and gatewaysession.Pusher; the session goroutine
// and the transport read loop may both push, so writes are serialized
// with a mutex.
type wsPusher struct {
	conn   *websocket.Conn
	tag    string
	rename map[string]string

	mu     sync.Mutex
	closed bool
}

func newPusher(conn *websocket.Conn, tag string, rename map[string]string) *wsPusher {
	return &wsPusher{conn: conn, tag: tag, rename: rename}
}

func (p *wsPusher) Push(event string, payload any) {
	if renamed, ok := p.rename[event]; ok {
		event = renamed
	}
	raw, err := encodeMessage(event, toWire(payload))
	if err != nil {
		log.Printf("[transport] %s: encode %s: %v", p.tag, event, err)
		return
	}
	p.write(websocket.TextMessage, raw)
}

// Disconnect pushes a disconnect event and closes the connection; the read
// loop then unwinds and stops the session.
func (p *wsPusher) Disconnect(reason string) {
	raw, err := encodeMessage("disconnect", map[string]string{"reason": reason})
	if err == nil {
		p.write(websocket.TextMessage, raw)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	deadline := time.Now().Add(writeTimeout)
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	p.conn.WriteControl(websocket.CloseMessage, msg, deadline)
	p.conn.Close()
}

func (p *wsPusher) write(messageType int, raw []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := p.conn.WriteMessage(messageType, raw); err != nil {
		log.Printf("[transport] %s: write: %v", p.tag, err)
	}
}
