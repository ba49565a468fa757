// Package transport serves the two websocket endpoints and translates
// between wire messages and the session layer. All version compatibility
// and token verification happens here; sessions see only domain types.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/firezone/firezone-sub012/internal/clientsession"
	"github.com/firezone/firezone-sub012/internal/gatewaysession"
	"github.com/firezone/firezone-sub012/internal/metrics"
	"github.com/firezone/firezone-sub012/internal/model"
	"github.com/firezone/firezone-sub012/internal/store"
)

const (
	dbTimeout   = 10 * time.Second
	joinTimeout = 15 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Peers are native clients and gateways, not browsers; origin checks
	// do not apply.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Config wires the server's collaborators.
type Config struct {
	ListenAddress string
	Store         *store.Store
	Auth          *TokenAuthenticator
	Compat        *VersionCompat
	ClientDeps    clientsession.Deps
	GatewayDeps   gatewaysession.Deps
	Metrics       *metrics.Metrics
}

// Server is the websocket front of the control plane.
type Server struct {
	cfg  Config
	http *http.Server
}

func NewServer(cfg Config) *Server {
	s := &Server{cfg: cfg}

	mux := http.NewServeMux()
	mux.HandleFunc("/socket/client", s.handleClient)
	mux.HandleFunc("/socket/gateway", s.handleGateway)
	mux.HandleFunc("/healthz", handleHealthz)
	mux.Handle("/metrics", promhttp.Handler())

	s.http = &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start serves until Shutdown. Blocks.
func (s *Server) Start() error {
	log.Printf("[transport] listening on %s", s.http.Addr)
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting and drains open connections.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// handleClient authenticates, upserts the client row, and runs the client
// channel until the socket closes.
func (s *Server) handleClient(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ctx, cancel := context.WithTimeout(r.Context(), dbTimeout)
	defer cancel()

	token, err := s.cfg.Auth.Authenticate(ctx, q.Get("token"))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	account, actor, err := s.loadPrincipal(ctx, token)
	if err != nil {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	version := q.Get("version")
	client, err := s.cfg.Store.UpsertClient(ctx, &model.Client{
		AccountID:         account.ID,
		ActorID:           actor.ID,
		ExternalID:        q.Get("external_id"),
		PublicKey:         q.Get("public_key"),
		LastSeenUserAgent: r.UserAgent(),
		LastSeenVersion:   version,
		LastSeenRemoteIP:  remoteIP(r),
	})
	if err != nil {
		log.Printf("[transport] client join: %v", err)
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	pusher := newPusher(conn, "client "+client.ID.String(), nil)
	session := clientsession.New(s.cfg.ClientDeps, account, client, token, subjectFor(actor, r, version), pusher)
	if err := session.Start(context.Background()); err != nil {
		log.Printf("[transport] client %s: start session: %v", client.ID, err)
		pusher.Disconnect("internal_error")
		return
	}
	defer session.Stop()

	s.cfg.Metrics.ConnectedClients.Inc()
	defer s.cfg.Metrics.ConnectedClients.Dec()

	s.clientReadLoop(conn, session, pusher)
}

func (s *Server) clientReadLoop(conn *websocket.Conn, session *clientsession.Session, pusher *wsPusher) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg wireMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			pusher.Push("error", wireError{Reason: "malformed_message"})
			continue
		}

		switch msg.Event {
		case "prepare_connection":
			var p prepareConnectionPayload
			if err := json.Unmarshal(msg.Payload, &p); err != nil {
				pusher.Push("error", wireError{Reason: "malformed_message"})
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
			s.connectResult(pusher, session.PrepareConnection(ctx, p.ResourceID))
			cancel()
		case "reuse_connection":
			var p reuseConnectionPayload
			if err := json.Unmarshal(msg.Payload, &p); err != nil {
				pusher.Push("error", wireError{Reason: "malformed_message"})
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
			s.connectResult(pusher, session.ReuseConnection(ctx, p.ResourceID, p.GatewayID))
			cancel()
		default:
			pusher.Push("error", wireError{Reason: "unknown_event"})
		}
	}
}

// connectResult translates a brokering outcome into the wire reply and the
// outcome metric. Success is silent here: the connect push arrives
// asynchronously through the session mailbox.
func (s *Server) connectResult(pusher *wsPusher, err error) {
	var forbidden *clientsession.ForbiddenError
	switch {
	case err == nil:
		s.cfg.Metrics.FlowAuthorizations.WithLabelValues("ok").Inc()
	case errors.Is(err, clientsession.ErrNotFound):
		s.cfg.Metrics.FlowAuthorizations.WithLabelValues("not_found").Inc()
		pusher.Push("error", wireError{Reason: "not_found"})
	case errors.Is(err, clientsession.ErrGatewayOffline):
		s.cfg.Metrics.FlowAuthorizations.WithLabelValues("offline").Inc()
		pusher.Push("error", wireError{Reason: "offline"})
	case errors.As(err, &forbidden):
		s.cfg.Metrics.FlowAuthorizations.WithLabelValues("forbidden").Inc()
		violated := make([]string, 0, len(forbidden.Violated))
		for _, v := range forbidden.Violated {
			violated = append(violated, string(v))
		}
		pusher.Push("error", wireError{Reason: "forbidden", Violated: violated})
	default:
		s.cfg.Metrics.FlowAuthorizations.WithLabelValues("error").Inc()
		log.Printf("[transport] connect: %v", err)
		pusher.Push("error", wireError{Reason: "internal_error"})
	}
}

// handleGateway authenticates, waits for the join message, upserts the
// gateway row, and runs the gateway channel until the socket closes.
func (s *Server) handleGateway(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ctx, cancel := context.WithTimeout(r.Context(), dbTimeout)
	defer cancel()

	token, err := s.cfg.Auth.Authenticate(ctx, q.Get("token"))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	account, err := s.cfg.Store.AccountByID(ctx, token.AccountID)
	if err != nil || account.DisabledAt != nil {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	cancel()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	version := q.Get("version")
	var rename map[string]string
	if s.cfg.Compat.LegacyFlowMessages(version) {
		rename = legacyGatewayEvents
	}
	pusher := newPusher(conn, "gateway", rename)

	join, err := readGatewayJoin(conn)
	if err != nil {
		pusher.Disconnect("invalid_join")
		return
	}
	siteID, err := model.ParseID(join.SiteID)
	if err != nil {
		pusher.Disconnect("invalid_join")
		return
	}

	joinCtx, cancelJoin := context.WithTimeout(context.Background(), dbTimeout)
	defer cancelJoin()
	gw := &model.Gateway{
		AccountID:       account.ID,
		SiteID:          siteID,
		ExternalID:      join.ExternalID,
		Name:            join.Name,
		PublicKey:       join.PublicKey,
		LastSeenVersion: version,
	}
	if lat, lon, ok := parseLocation(q.Get("lat"), q.Get("lon")); ok {
		gw.LastSeenLat, gw.LastSeenLon, gw.LocationKnown = lat, lon, true
	}
	gateway, err := s.cfg.Store.UpsertGateway(joinCtx, gw)
	if err != nil {
		log.Printf("[transport] gateway join: %v", err)
		pusher.Disconnect("invalid_join")
		return
	}
	pusher.tag = "gateway " + gateway.ID.String()

	session := gatewaysession.New(s.cfg.GatewayDeps, account, gateway, token.ID, pusher)
	if err := session.Start(context.Background()); err != nil {
		log.Printf("[transport] gateway %s: start session: %v", gateway.ID, err)
		pusher.Disconnect("internal_error")
		return
	}
	defer session.Stop()

	s.cfg.Metrics.ConnectedGateways.Inc()
	defer s.cfg.Metrics.ConnectedGateways.Dec()

	s.gatewayReadLoop(conn, session, pusher)
}

// readGatewayJoin waits for the first message, which must be the join
// payload.
func readGatewayJoin(conn *websocket.Conn) (joinGatewayPayload, error) {
	var join joinGatewayPayload
	conn.SetReadDeadline(time.Now().Add(joinTimeout))
	defer conn.SetReadDeadline(time.Time{})

	_, raw, err := conn.ReadMessage()
	if err != nil {
		return join, err
	}
	var msg wireMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return join, err
	}
	if msg.Event != "join" {
		return join, errors.New("transport: expected join message")
	}
	err = json.Unmarshal(msg.Payload, &join)
	return join, err
}

func (s *Server) gatewayReadLoop(conn *websocket.Conn, session *gatewaysession.Session, pusher *wsPusher) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg wireMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			pusher.Push("error", wireError{Reason: "malformed_message"})
			continue
		}

		switch msg.Event {
		case "flow_authorized", "connection_ready": // connection_ready is the pre-1.4 name
			var p flowAuthorizedPayload
			if err := json.Unmarshal(msg.Payload, &p); err != nil {
				pusher.Push("error", wireError{Reason: "malformed_message"})
				continue
			}
			if err := session.FlowAuthorized(p.Ref); err != nil {
				pusher.Push("invalid_ref", nil)
			}
		case "broadcast_ice_candidates":
			var p broadcastICEPayload
			if err := json.Unmarshal(msg.Payload, &p); err != nil {
				pusher.Push("error", wireError{Reason: "malformed_message"})
				continue
			}
			session.BroadcastICECandidates(p.Candidates, p.ClientIDs)
		case "broadcast_invalidated_ice_candidates":
			var p broadcastICEPayload
			if err := json.Unmarshal(msg.Payload, &p); err != nil {
				pusher.Push("error", wireError{Reason: "malformed_message"})
				continue
			}
			session.BroadcastInvalidatedICECandidates(p.Candidates, p.ClientIDs)
		default:
			pusher.Push("error", wireError{Reason: "unknown_event"})
		}
	}
}

// loadPrincipal fetches the account and actor behind a token and rejects
// disabled ones.
func (s *Server) loadPrincipal(ctx context.Context, token *model.Token) (*model.Account, *model.Actor, error) {
	account, err := s.cfg.Store.AccountByID(ctx, token.AccountID)
	if err != nil {
		return nil, nil, err
	}
	if account.DisabledAt != nil {
		return nil, nil, errors.New("transport: account disabled")
	}
	actor, err := s.cfg.Store.ActorByID(ctx, token.ActorID)
	if err != nil {
		return nil, nil, err
	}
	if actor.DisabledAt != nil {
		return nil, nil, errors.New("transport: actor disabled")
	}
	return account, actor, nil
}

// subjectFor builds the audit subject attached to flows brokered on this
// socket.
func subjectFor(actor *model.Actor, r *http.Request, version string) string {
	raw, _ := json.Marshal(map[string]string{
		"actor_id":   actor.ID.String(),
		"remote_ip":  remoteIP(r),
		"user_agent": r.UserAgent(),
		"version":    version,
	})
	return string(raw)
}

func remoteIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if ip, _, ok := strings.Cut(fwd, ","); ok {
			return strings.TrimSpace(ip)
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func parseLocation(latStr, lonStr string) (float64, float64, bool) {
	if latStr == "" || lonStr == "" {
		return 0, 0, false
	}
	lat, errLat := strconv.ParseFloat(latStr, 64)
	lon, errLon := strconv.ParseFloat(lonStr, 64)
	if errLat != nil || errLon != nil {
		return 0, 0, false
	}
	return lat, lon, true
}
