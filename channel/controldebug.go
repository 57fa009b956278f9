package channel

import (
	"encoding/hex"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// DebugController is a Controller implementation that fans control-port-ish
// events out to any number of connected websocket observers, the
// Go-idiomatic analogue of Tor's control-port STATUS_SERVER/ORCONN event
// stream (spec §6.7 "Controller"). It is a concrete, wireable component for
// an otherwise-abstract collaborator: nothing in the channel core requires
// it, and a production relay may instead use a no-op Controller.
type DebugController struct {
	upgrader websocket.Upgrader
	log      Logger

	mu   sync.Mutex
	subs map[*websocket.Conn]struct{}
}

// NewDebugController returns a DebugController with no connected observers.
func NewDebugController(log Logger) *DebugController {
	if log == nil {
		log = slog.Default()
	}
	return &DebugController{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// This is a local debug endpoint, not a browser-facing one;
			// same-origin checks don't apply.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log:  log,
		subs: make(map[*websocket.Conn]struct{}),
	}
}

// clockSkewEvent is the JSON payload pushed to every connected observer on
// a clock-skew notice (spec §4.8, §7 "advisory only").
type clockSkewEvent struct {
	EventID        string `json:"event_id"`
	Type           string `json:"type"`
	ChannelID      uint64 `json:"channel_id"`
	IdentityDigest string `json:"identity_digest,omitempty"`
	SkewSeconds    int64  `json:"skew_seconds"`
	Trusted        bool   `json:"trusted"`
	ObservedAt     int64  `json:"observed_at"`
}

// ServeHTTP upgrades the request to a websocket and registers the
// connection as an observer until it disconnects. Mirrors the
// upgrade-then-register shape of the pack's gorilla/websocket transports.
func (d *DebugController) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := d.upgrader.Upgrade(w, r, nil)
	if err != nil {
		d.log.Warn("debug controller: websocket upgrade failed", "err", err)
		return
	}

	d.mu.Lock()
	d.subs[conn] = struct{}{}
	d.mu.Unlock()

	// Drain and discard inbound frames so the peer's close handshake and
	// pings are observed; this endpoint is publish-only.
	go func() {
		defer d.drop(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (d *DebugController) drop(conn *websocket.Conn) {
	d.mu.Lock()
	delete(d.subs, conn)
	d.mu.Unlock()
	conn.Close()
}

// EmitClockSkew implements Controller (spec §4.8 "emit a controller event
// in the WARN case"). Each event is tagged with a fresh correlation UUID so
// an observer watching several relays worth of channels can de-duplicate
// or order events even when two arrive with the same wall-clock second.
func (d *DebugController) EmitClockSkew(ch *Channel, skewSeconds int64, trusted bool) {
	ev := clockSkewEvent{
		EventID:     uuid.NewString(),
		Type:        "CLOCK_SKEW",
		ChannelID:   ch.ID(),
		SkewSeconds: skewSeconds,
		Trusted:     trusted,
		ObservedAt:  time.Now().Unix(),
	}
	if digest, ok := ch.IdentityDigest(); ok {
		ev.IdentityDigest = hex.EncodeToString(digest[:])
	}

	d.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(d.subs))
	for c := range d.subs {
		conns = append(conns, c)
	}
	d.mu.Unlock()

	for _, c := range conns {
		if err := c.WriteJSON(ev); err != nil {
			d.log.Debug("debug controller: dropping observer", "err", err)
			d.drop(c)
		}
	}
}
