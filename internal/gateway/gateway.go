// Package gateway is the real-time WebSocket surface. Connected clients
// identify with their license token and receive license_update and expiry
// warning events for their own license; admin connections receive every
// event. Delivery is best-effort: a disconnected client reconciles through
// the check endpoint.
package gateway

import (
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/keyline-io/keyline/internal/bus"
	"github.com/keyline-io/keyline/internal/ids"
	"github.com/keyline-io/keyline/internal/licensing"
)

const (
	// identifyTimeout bounds how long a connection may sit unidentified.
	identifyTimeout = 20 * time.Second

	// readDeadline is the heartbeat window; any inbound frame or pong resets it.
	readDeadline = 120 * time.Second

	writeDeadline = 10 * time.Second
	pingInterval  = 50 * time.Second

	// drainGrace bounds how long a closing connection may keep flushing its
	// queued frames before the socket is torn down.
	drainGrace = 1 * time.Second

	sendQueueSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Clients are installed applications, not browsers; origin checks
		// do not apply.
		return true
	},
}

// Envelope is the wire frame for every gateway message, both directions.
type Envelope struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Inbound message types.
const (
	msgIdentify     = "identify"
	msgPing         = "ping"
	msgCheckLicense = "check_license"
)

// Outbound message types.
const (
	msgWelcome     = "welcome"
	msgIdentified  = "identified"
	msgPong        = "pong"
	msgCheckResult = "check_result"
	msgError       = "error"
	msgBye         = "bye"
)

// Gateway upgrades connections and bridges them to the event bus.
type Gateway struct {
	svc   *licensing.Service
	bus   *bus.Bus
	clock ids.Clock

	mu    sync.RWMutex
	conns map[*conn]struct{}
}

// New creates a gateway.
func New(svc *licensing.Service, b *bus.Bus, clock ids.Clock) *Gateway {
	if clock == nil {
		clock = ids.SystemClock{}
	}
	return &Gateway{
		svc:   svc,
		bus:   b,
		clock: clock,
		conns: make(map[*conn]struct{}),
	}
}

// conn is one WebSocket connection.
type conn struct {
	gw   *Gateway
	ws   *websocket.Conn
	send chan Envelope
	ip   string

	admin bool

	mu         sync.Mutex
	identified bool
	clientID   string
	sub        *bus.Subscription

	closeOnce sync.Once
	closed    chan struct{}
}

// HandleClient upgrades a client connection. The client must identify with
// its license token within the identify window.
func (g *Gateway) HandleClient(w http.ResponseWriter, r *http.Request) {
	g.handle(w, r, false)
}

// HandleAdmin upgrades an admin connection, pre-subscribed to every event.
// Admin authentication happens in the router middleware before this runs.
func (g *Gateway) HandleAdmin(w http.ResponseWriter, r *http.Request) {
	g.handle(w, r, true)
}

func (g *Gateway) handle(w http.ResponseWriter, r *http.Request, admin bool) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}

	c := &conn{
		gw:     g,
		ws:     ws,
		send:   make(chan Envelope, sendQueueSize),
		ip:     remoteIP(r),
		admin:  admin,
		closed: make(chan struct{}),
	}

	g.mu.Lock()
	g.conns[c] = struct{}{}
	g.mu.Unlock()
	recordConnection(admin, true)

	if admin {
		c.mu.Lock()
		c.identified = true
		c.sub = g.bus.Subscribe("ws-admin-"+c.ip, bus.TopicAdmin)
		c.mu.Unlock()
		go c.forward(c.sub)
	}

	c.enqueue(Envelope{Type: msgWelcome, Payload: map[string]string{"message": "connected"}, Timestamp: g.clock.Now()})

	go c.writePump()
	go c.readPump()
	go c.identifyWatchdog()

	log.Info().Str("ip", c.ip).Bool("admin", admin).Msg("WebSocket connection established")
}

// ConnCount returns the number of live connections.
func (g *Gateway) ConnCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.conns)
}

// Shutdown closes every connection.
func (g *Gateway) Shutdown() {
	g.mu.Lock()
	conns := make([]*conn, 0, len(g.conns))
	for c := range g.conns {
		conns = append(conns, c)
	}
	g.mu.Unlock()

	for _, c := range conns {
		c.close("shutdown")
	}
}

func (c *conn) identifyWatchdog() {
	timer := time.NewTimer(identifyTimeout)
	defer timer.Stop()

	select {
	case <-timer.C:
		c.mu.Lock()
		ok := c.identified
		c.mu.Unlock()
		if !ok {
			log.Warn().Str("ip", c.ip).Msg("WebSocket connection never identified, closing")
			c.close("identify_timeout")
		}
	case <-c.closed:
	}
}

func (c *conn) readPump() {
	defer c.close("")

	c.ws.SetReadDeadline(time.Now().Add(readDeadline))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("ip", c.ip).Msg("WebSocket read error")
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(readDeadline))

		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.enqueue(Envelope{Type: msgError, Payload: map[string]string{"error": "malformed message"}, Timestamp: c.gw.clock.Now()})
			continue
		}
		recordMessage(env.Type)

		switch env.Type {
		case msgIdentify:
			c.handleIdentify(env)
		case msgPing:
			c.enqueue(Envelope{Type: msgPong, Timestamp: c.gw.clock.Now()})
		case msgCheckLicense:
			c.handleCheck(env)
		default:
			log.Debug().Str("type", env.Type).Str("ip", c.ip).Msg("Unhandled WebSocket message")
		}
	}
}

type identifyPayload struct {
	ClientID string `json:"client_id"`
	Token    string `json:"token"`
}

// handleIdentify binds the connection to a license after validating the
// presented token, then subscribes it to that license's events.
func (c *conn) handleIdentify(env Envelope) {
	if c.admin {
		c.enqueue(Envelope{Type: msgIdentified, Timestamp: c.gw.clock.Now()})
		return
	}

	var p identifyPayload
	if !decodePayload(env.Payload, &p) || p.ClientID == "" || p.Token == "" {
		c.enqueue(Envelope{Type: msgError, Payload: map[string]string{"error": "identify requires client_id and token"}, Timestamp: c.gw.clock.Now()})
		return
	}

	res := c.gw.svc.Check(p.ClientID, p.Token, c.ip)
	if !res.Valid {
		c.enqueue(Envelope{Type: msgError, Payload: map[string]string{"error": "identify rejected", "code": res.Code}, Timestamp: c.gw.clock.Now()})
		c.close("identify_rejected")
		return
	}

	c.mu.Lock()
	if c.identified {
		c.mu.Unlock()
		return
	}
	c.identified = true
	c.clientID = p.ClientID
	c.sub = c.gw.bus.Subscribe("ws-"+p.ClientID,
		bus.TopicLicense(p.ClientID),
		bus.TopicPlan(string(res.License.Plan)),
	)
	sub := c.sub
	c.mu.Unlock()

	go c.forward(sub)

	c.enqueue(Envelope{
		Type:      msgIdentified,
		Payload:   licensing.NewView(res.License, c.gw.clock.Now()),
		Timestamp: c.gw.clock.Now(),
	})
	log.Info().Str("client", p.ClientID).Str("ip", c.ip).Msg("WebSocket connection identified")
}

type checkPayload struct {
	ClientID string `json:"client_id"`
	Token    string `json:"token"`
}

func (c *conn) handleCheck(env Envelope) {
	var p checkPayload
	if !decodePayload(env.Payload, &p) || p.ClientID == "" {
		c.enqueue(Envelope{Type: msgError, Payload: map[string]string{"error": "check_license requires client_id and token"}, Timestamp: c.gw.clock.Now()})
		return
	}

	res := c.gw.svc.Check(p.ClientID, p.Token, c.ip)
	payload := map[string]interface{}{"valid": res.Valid}
	if res.Valid {
		payload["license"] = licensing.NewView(res.License, c.gw.clock.Now())
	} else {
		payload["code"] = res.Code
	}
	c.enqueue(Envelope{Type: msgCheckResult, Payload: payload, Timestamp: c.gw.clock.Now()})
}

// forward pumps bus events into the send queue until the subscription dies.
// A subscription dropped for slow consumption closes the connection; the
// client reconnects and reconciles via check.
func (c *conn) forward(sub *bus.Subscription) {
	for {
		select {
		case ev := <-sub.C():
			c.enqueue(Envelope{Type: ev.Type, Payload: ev, Timestamp: ev.Timestamp})
		case <-sub.Done():
			if sub.Reason() == bus.DropReasonSlowConsumer {
				c.enqueue(Envelope{Type: msgBye, Payload: map[string]string{"reason": bus.DropReasonSlowConsumer}, Timestamp: c.gw.clock.Now()})
				c.close(bus.DropReasonSlowConsumer)
			}
			return
		case <-c.closed:
			return
		}
	}
}

func (c *conn) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.close("")
	}()

	for {
		select {
		case env := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.ws.WriteJSON(env); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.closed:
			// Drain anything already queued, then say goodbye.
			for {
				select {
				case env := <-c.send:
					c.ws.SetWriteDeadline(time.Now().Add(writeDeadline))
					if c.ws.WriteJSON(env) != nil {
						return
					}
				default:
					c.ws.SetWriteDeadline(time.Now().Add(writeDeadline))
					c.ws.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
			}
		}
	}
}

// enqueue queues an envelope without ever blocking the caller.
func (c *conn) enqueue(env Envelope) {
	select {
	case c.send <- env:
	default:
		log.Warn().Str("ip", c.ip).Str("type", env.Type).Msg("WebSocket send queue full, dropping connection")
		c.close(bus.DropReasonSlowConsumer)
	}
}

func (c *conn) close(reason string) {
	c.closeOnce.Do(func() {
		close(c.closed)

		c.mu.Lock()
		sub := c.sub
		c.mu.Unlock()
		if sub != nil {
			c.gw.bus.Unsubscribe(sub)
		}

		c.gw.mu.Lock()
		delete(c.gw.conns, c)
		c.gw.mu.Unlock()
		recordConnection(c.admin, false)

		// Give the write pump a bounded moment to flush the bye frame.
		time.AfterFunc(drainGrace, func() { c.ws.Close() })

		if reason != "" {
			log.Info().Str("ip", c.ip).Str("reason", reason).Msg("WebSocket connection closed")
		}
	})
}

func decodePayload(payload interface{}, out interface{}) bool {
	raw, err := json.Marshal(payload)
	if err != nil {
		return false
	}
	return json.Unmarshal(raw, out) == nil
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
