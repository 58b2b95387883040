// Package peer connects terminals on the same LAN so a change made on one
// register shows up on the others without waiting for the next cloud sync
// cycle. Each terminal runs a small WebSocket hub and dials every peer in
// its configured list; a change hint carries just enough to tell the
// receiver what to refresh, never the payload itself. Hints are advisory:
// losing one costs freshness until the next sync cycle, nothing more.
package peer

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait       = 5 * time.Second
	defaultPongWait = 90 * time.Second
	sendBuffer      = 64
)

// ChangeHint announces that a record changed on some terminal.
type ChangeHint struct {
	Tenant     string    `json:"tenant"`
	Collection string    `json:"collection"`
	EntityID   string    `json:"entity_id"`
	Action     string    `json:"action"`
	Source     string    `json:"source"`
	SentAt     time.Time `json:"sent_at"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Peers live on the same LAN; hints carry no payload, so the endpoint
	// stays open and filtering happens per tenant on receipt.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// link is one peer connection. The socket has exactly one writer, the pump;
// everything else reaches the socket through send.
type link struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func newLink(conn *websocket.Conn) *link {
	return &link{
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
}

// close is idempotent. Closing the socket unblocks the read loop; closing
// done unblocks the write pump.
func (l *link) close() {
	l.once.Do(func() {
		close(l.done)
		l.conn.Close()
	})
}

// Broadcaster maintains connections to the configured peers and the inbound
// side of the hub. It both publishes local changes and surfaces remote hints
// through Events.
type Broadcaster struct {
	sourceID string
	peers    []string
	logger   *slog.Logger

	// pongWait bounds how long a link may stay silent; the pump pings well
	// inside that window so idle links survive a quiet store.
	pongWait   time.Duration
	pingPeriod time.Duration

	mu       sync.RWMutex
	tenant   string
	inbound  map[*link]struct{}
	outbound map[string]*link

	events chan ChangeHint
}

// NewBroadcaster creates a Broadcaster for the given static peer list.
// sourceID identifies this terminal so its own hints are filtered out.
func NewBroadcaster(sourceID string, peers []string, logger *slog.Logger) *Broadcaster {
	return &Broadcaster{
		sourceID:   sourceID,
		peers:      peers,
		logger:     logger.With("component", "peer"),
		pongWait:   defaultPongWait,
		pingPeriod: defaultPongWait * 9 / 10,
		inbound:    make(map[*link]struct{}),
		outbound:   make(map[string]*link),
		events:     make(chan ChangeHint, 64),
	}
}

// JoinTenant scopes the broadcaster to an organization. Hints from other
// tenants are dropped; set after the first license refresh resolves the
// organization ID.
func (b *Broadcaster) JoinTenant(tenant string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tenant = tenant
}

// IsConnected reports whether at least one peer link is live, in either
// direction.
func (b *Broadcaster) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.inbound) > 0 || len(b.outbound) > 0
}

// Events returns the stream of hints received from peers. The channel is
// buffered; hints are dropped rather than blocking a reader that fell
// behind.
func (b *Broadcaster) Events() <-chan ChangeHint {
	return b.events
}

// BroadcastChange queues a hint for every connected peer. Safe for
// concurrent callers: delivery goes through each link's send channel and the
// pump is the socket's only writer. A peer that stopped draining is dropped
// and redialed by Run.
func (b *Broadcaster) BroadcastChange(collection, entityID, action string) {
	b.mu.RLock()
	hint := ChangeHint{
		Tenant:     b.tenant,
		Collection: collection,
		EntityID:   entityID,
		Action:     action,
		Source:     b.sourceID,
		SentAt:     time.Now().UTC(),
	}
	links := make([]*link, 0, len(b.inbound)+len(b.outbound))
	for l := range b.inbound {
		links = append(links, l)
	}
	for _, l := range b.outbound {
		links = append(links, l)
	}
	b.mu.RUnlock()

	data, err := json.Marshal(hint)
	if err != nil {
		b.logger.Error("failed to marshal change hint", "action", "broadcast", "error", err)
		return
	}

	for _, l := range links {
		select {
		case l.send <- data:
		default:
			b.logger.Debug("peer send buffer full, dropping connection", "action", "broadcast")
			b.drop(l)
		}
	}
}

// Handler returns the HTTP handler that accepts inbound peer connections.
func (b *Broadcaster) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			b.logger.Warn("peer upgrade failed", "action", "accept", "error", err)
			return
		}

		l := newLink(conn)
		b.mu.Lock()
		b.inbound[l] = struct{}{}
		total := len(b.inbound)
		b.mu.Unlock()

		b.logger.Info("peer connected", "action", "accept",
			"remote", r.RemoteAddr, "inbound", total)

		go b.writePump(l)
		go b.readLoop(l)
	}
}

// Run dials every configured peer and keeps the connections alive,
// redialing with capped doubling backoff. Blocks until ctx is cancelled.
func (b *Broadcaster) Run(ctx context.Context) {
	// Read loops block in ReadMessage; closing the connections is what
	// unblocks them on shutdown.
	go func() {
		<-ctx.Done()
		b.closeAll()
	}()

	var wg sync.WaitGroup
	for _, addr := range b.peers {
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			b.dialLoop(ctx, addr)
		}(addr)
	}
	wg.Wait()
}

// dialLoop maintains one outbound connection.
func (b *Broadcaster) dialLoop(ctx context.Context, addr string) {
	backoff := time.Second
	const maxBackoff = time.Minute

	for {
		if ctx.Err() != nil {
			return
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, addr, nil)
		if err != nil {
			b.logger.Debug("peer dial failed", "action", "dial",
				"peer", addr, "retry_in", backoff.String(), "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}

		backoff = time.Second
		l := newLink(conn)
		b.mu.Lock()
		b.outbound[addr] = l
		b.mu.Unlock()
		b.logger.Info("peer dialed", "action", "dial", "peer", addr)

		go b.writePump(l)
		b.readLoop(l)

		b.mu.Lock()
		if b.outbound[addr] == l {
			delete(b.outbound, addr)
		}
		b.mu.Unlock()
	}
}

// writePump is the sole writer on one link's socket. It drains the send
// channel and pings inside the peer's pong window so idle links stay up.
func (b *Broadcaster) writePump(l *link) {
	ticker := time.NewTicker(b.pingPeriod)
	defer func() {
		ticker.Stop()
		b.drop(l)
	}()

	for {
		select {
		case <-l.done:
			return
		case data := <-l.send:
			l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := l.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				b.logger.Debug("peer write failed", "action", "broadcast", "error", err)
				return
			}
		case <-ticker.C:
			l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := l.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop receives hints on one connection until it fails, dropping hints
// that are self-sent or scoped to another tenant. Pongs from the peer's pump
// refresh the deadline.
func (b *Broadcaster) readLoop(l *link) {
	defer b.drop(l)

	l.conn.SetReadDeadline(time.Now().Add(b.pongWait))
	l.conn.SetPongHandler(func(string) error {
		return l.conn.SetReadDeadline(time.Now().Add(b.pongWait))
	})

	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				b.logger.Debug("peer read failed", "action", "receive", "error", err)
			}
			return
		}

		var hint ChangeHint
		if err := json.Unmarshal(data, &hint); err != nil {
			b.logger.Warn("invalid peer message", "action", "receive", "error", err)
			continue
		}

		if hint.Source == b.sourceID {
			continue
		}
		b.mu.RLock()
		tenant := b.tenant
		b.mu.RUnlock()
		if tenant != "" && hint.Tenant != "" && hint.Tenant != tenant {
			continue
		}

		select {
		case b.events <- hint:
		default:
			// Reader fell behind; the next sync cycle covers the loss.
		}
	}
}

// drop closes a link and removes it from both maps.
func (b *Broadcaster) drop(l *link) {
	l.close()
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.inbound, l)
	for addr, cur := range b.outbound {
		if cur == l {
			delete(b.outbound, addr)
		}
	}
}

func (b *Broadcaster) closeAll() {
	b.mu.Lock()
	links := make([]*link, 0, len(b.inbound)+len(b.outbound))
	for l := range b.inbound {
		links = append(links, l)
	}
	for _, l := range b.outbound {
		links = append(links, l)
	}
	b.inbound = make(map[*link]struct{})
	b.outbound = make(map[string]*link)
	b.mu.Unlock()

	for _, l := range links {
		l.close()
	}
}
