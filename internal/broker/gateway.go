package broker

import (
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"pongarena/broker/internal/logging"
	"pongarena/broker/internal/match"
	"pongarena/broker/internal/protocol"
)

// Identity sources checked by ClientIDResolver, in order.
const (
	ClientIDCookie = "pongClientId"
	ClientIDHeader = "X-Client-ID"
	ClientIDQuery  = "client_id"
)

// IdentityResolver extracts the participant identity from an upgrade request.
// An empty identity with a nil error means the request carried none.
type IdentityResolver interface {
	Resolve(r *http.Request) (string, error)
}

// IdentityResolverFunc adapts a function into an IdentityResolver.
type IdentityResolverFunc func(r *http.Request) (string, error)

// Resolve implements IdentityResolver.
func (f IdentityResolverFunc) Resolve(r *http.Request) (string, error) { return f(r) }

// ProfileResolver is an IdentityResolver that also carries display data for
// the identity, such as claims from a signed token.
type ProfileResolver interface {
	IdentityResolver
	ResolveProfile(r *http.Request) (string, match.Profile, error)
}

// ClientIDResolver reads the identity from the pongClientId cookie, the
// X-Client-ID header or the client_id query parameter.
type ClientIDResolver struct{}

// Resolve implements IdentityResolver.
func (ClientIDResolver) Resolve(r *http.Request) (string, error) {
	if cookie, err := r.Cookie(ClientIDCookie); err == nil {
		if id := strings.TrimSpace(cookie.Value); id != "" {
			return id, nil
		}
	}
	if id := strings.TrimSpace(r.Header.Get(ClientIDHeader)); id != "" {
		return id, nil
	}
	return strings.TrimSpace(r.URL.Query().Get(ClientIDQuery)), nil
}

// GatewayOptions configures the websocket entry point.
type GatewayOptions struct {
	AllowedOrigins  []string
	MaxPayloadBytes int64
	PingInterval    time.Duration
	SendBuffer      int
	Resolver        IdentityResolver
	Logger          *logging.Logger
}

// Gateway upgrades room requests to websockets and binds them to the broker.
type Gateway struct {
	broker   *Broker
	upgrader websocket.Upgrader
	resolver IdentityResolver
	client   ClientOptions
	log      *logging.Logger
	active   int64
}

// NewGateway constructs a Gateway for broker.
func NewGateway(b *Broker, opts GatewayOptions) *Gateway {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	resolver := opts.Resolver
	if resolver == nil {
		resolver = ClientIDResolver{}
	}
	g := &Gateway{
		broker:   b,
		resolver: resolver,
		client: ClientOptions{
			PingInterval: opts.PingInterval,
			SendBuffer:   opts.SendBuffer,
			ReadLimit:    opts.MaxPayloadBytes,
			Logger:       logger,
		},
		log: logger.With(logging.String("component", "ws_gateway")),
	}
	g.upgrader = websocket.Upgrader{CheckOrigin: originChecker(opts.AllowedOrigins)}
	return g
}

// Active reports the number of open websocket connections.
func (g *Gateway) Active() int {
	return int(atomic.LoadInt64(&g.active))
}

// ServeRoom upgrades the request and runs the connection against roomID until
// it closes. Join failures are reported as an error frame before closing.
func (g *Gateway) ServeRoom(w http.ResponseWriter, r *http.Request, roomID string) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn("websocket upgrade failed", logging.String("room_id", roomID), logging.Error(err))
		return
	}
	atomic.AddInt64(&g.active, 1)
	defer atomic.AddInt64(&g.active, -1)

	client := NewClient(ws, g.client)
	logger := logging.LoggerFromContext(r.Context()).With(
		logging.String("room_id", roomID),
		logging.String("conn_id", client.ID()),
	)

	//1.- Resolve the identity; anonymous sockets are told why and dropped.
	identity, resolved, err := g.resolve(r)
	if err != nil {
		logger.Warn("identity rejected", logging.Error(err))
		identity = ""
	}
	if identity == "" {
		g.reject(client, match.ErrMissingIdentity)
		return
	}

	//2.- Bind as player or viewer depending on the requested role.
	query := r.URL.Query()
	profile := match.Profile{Name: query.Get("name"), Avatar: query.Get("avatar")}
	if resolved.Name != "" {
		profile.Name = resolved.Name
	}
	if resolved.Avatar != "" {
		profile.Avatar = resolved.Avatar
	}
	var onMessage func([]byte)
	if strings.EqualFold(strings.TrimSpace(query.Get("role")), "viewer") {
		if _, err := g.broker.JoinViewer(roomID, identity, profile, client); err != nil {
			logger.Info("viewer join refused", logging.Error(err))
			g.reject(client, err)
			return
		}
	} else {
		seat, err := match.ParseSeat(query.Get("seat"))
		if err == nil {
			_, err = g.broker.JoinPlayer(roomID, seat, identity, profile, client)
		}
		if err != nil {
			logger.Info("player join refused", logging.Error(err))
			g.reject(client, err)
			return
		}
		onMessage = func(payload []byte) {
			g.broker.HandleMessage(roomID, identity, payload)
		}
	}

	//3.- Pump until the socket closes, then run the disconnect path.
	client.Run(onMessage)
	g.broker.Leave(roomID, client)
	logger.Debug("websocket closed")
}

func (g *Gateway) resolve(r *http.Request) (string, match.Profile, error) {
	if pr, ok := g.resolver.(ProfileResolver); ok {
		return pr.ResolveProfile(r)
	}
	identity, err := g.resolver.Resolve(r)
	return identity, match.Profile{}, err
}

func (g *Gateway) reject(client *Client, err error) {
	_ = client.Send(protocol.EncodeError(protocol.ReasonFor(err)))
	_ = client.Close()
	client.Run(nil)
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		if origin == "*" {
			return func(*http.Request) bool { return true }
		}
		set[strings.TrimRight(strings.ToLower(origin), "/")] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[strings.TrimRight(strings.ToLower(origin), "/")]
		return ok
	}
}
