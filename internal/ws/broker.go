// Package ws is the patchbay broker: a many-subscriber fan-out of audio
// graph changes over WebSocket.
//
// Authentication: subscribers pass their bearer token as the `token`
// query parameter on the upgrade request (ws://host/ws/patchbay?token=…).
// The request is rejected with 401 before the upgrade when the token
// does not resolve.
//
// Broadcast ordering is best-effort; every broadcast carries a full
// snapshot so subscribers reconcile by consuming the next one. There
// are no incremental edge added/removed frames: each mutation, room
// lifecycle change or periodic tick coalesces into one full snapshot.
// A subscriber whose send backlog stays full is dropped rather than
// blocking the broker.
package ws

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"jackdaw/hub/internal/auth"
	"jackdaw/hub/internal/jack"
	"jackdaw/hub/internal/protocol"
	"jackdaw/hub/internal/store"
)

const (
	// writeTimeout bounds one frame write to a subscriber.
	writeTimeout = 5 * time.Second

	// sendBuffer is the per-subscriber backlog before the drop policy
	// kicks in.
	sendBuffer = 64

	// snapshotTimeout bounds the graph query a broadcast performs.
	snapshotTimeout = 5 * time.Second
)

// TokenResolver maps a bearer token to a user.
type TokenResolver interface {
	Resolve(ctx context.Context, token string) (store.User, error)
}

// GraphAccess is the slice of the jack adapter the broker needs.
type GraphAccess interface {
	Snapshot(ctx context.Context) (jack.Graph, error)
	Connect(ctx context.Context, source, dest string) error
	Disconnect(ctx context.Context, source, dest string) error
}

type subscriber struct {
	user  store.User
	token string
	conn  *websocket.Conn
	send  chan protocol.Message
	once  sync.Once
}

// close tears the subscriber down: the websocket unblocks the read loop
// and the channel close stops the writer.
func (s *subscriber) close() {
	s.once.Do(func() {
		close(s.send)
		_ = s.conn.Close()
	})
}

// Broker owns the subscriber set and performs all graph fan-out.
type Broker struct {
	graph  GraphAccess
	tokens TokenResolver
	kernel auth.Kernel

	upgrader websocket.Upgrader

	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

// NewBroker creates a broker over the given graph adapter and token
// resolver.
func NewBroker(graph GraphAccess, tokens TokenResolver, kernel auth.Kernel) *Broker {
	return &Broker{
		graph:  graph,
		tokens: tokens,
		kernel: kernel,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
		subs: make(map[*subscriber]struct{}),
	}
}

// Register binds the patchbay websocket route on an Echo router.
func (b *Broker) Register(e *echo.Echo) {
	e.GET("/ws/patchbay", b.handleUpgrade)
}

// handleUpgrade authenticates via the token query parameter and serves
// the connection until disconnect.
func (b *Broker) handleUpgrade(c echo.Context) error {
	token := c.QueryParam("token")
	if token == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "token query parameter required")
	}
	user, err := b.tokens.Resolve(c.Request().Context(), token)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
	}

	conn, err := b.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	b.serveConn(conn, user, token)
	return nil
}

func (b *Broker) serveConn(conn *websocket.Conn, user store.User, token string) {
	defer conn.Close()
	conn.SetReadLimit(1 << 20)

	sub := &subscriber{
		user:  user,
		token: token,
		conn:  conn,
		send:  make(chan protocol.Message, sendBuffer),
	}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	count := len(b.subs)
	b.mu.Unlock()
	slog.Info("patchbay subscriber connected", "user_id", user.ID, "subscribers", count)

	defer b.remove(sub)

	// Writer: drains the send channel until it is closed (drop or
	// disconnect). A stuck peer hits the write deadline and the
	// connection dies.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range sub.send {
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		}
	}()

	b.sendSnapshot(sub)

	for {
		var in protocol.Message
		if err := conn.ReadJSON(&in); err != nil {
			break
		}
		b.handleInbound(sub, in)
	}

	sub.close()
	<-done
}

func (b *Broker) handleInbound(sub *subscriber, in protocol.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), snapshotTimeout)
	defer cancel()

	switch in.Type {
	case protocol.TypeRefresh:
		b.sendSnapshot(sub)

	case protocol.TypeConnect, protocol.TypeDisconnect:
		// Mutations require patchbay access. The token is re-resolved
		// per frame so a revoked grant (or a logout) takes effect on a
		// socket that is already open. A rejected message gets an error
		// frame but the socket stays open.
		user, err := b.tokens.Resolve(ctx, sub.token)
		if err != nil {
			b.trySend(sub, protocol.Message{Type: protocol.TypeError, Error: "invalid token"})
			return
		}
		if err := b.kernel.Authorize(&user, auth.ActionMutateGraph); err != nil {
			b.trySend(sub, protocol.Message{Type: protocol.TypeError, Error: "patchbay access required"})
			return
		}
		if in.Source == "" || in.Dest == "" {
			b.trySend(sub, protocol.Message{Type: protocol.TypeError, Error: "source and dest are required"})
			return
		}

		if in.Type == protocol.TypeConnect {
			err = b.graph.Connect(ctx, in.Source, in.Dest)
		} else {
			err = b.graph.Disconnect(ctx, in.Source, in.Dest)
		}
		if err != nil {
			b.trySend(sub, protocol.Message{Type: protocol.TypeError, Error: err.Error()})
			return
		}
		b.BroadcastGraph()

	default:
		b.trySend(sub, protocol.Message{Type: protocol.TypeError, Error: "unknown message type"})
	}
}

// sendSnapshot queries the graph and queues it for one subscriber.
func (b *Broker) sendSnapshot(sub *subscriber) {
	ctx, cancel := context.WithTimeout(context.Background(), snapshotTimeout)
	defer cancel()

	g, err := b.graph.Snapshot(ctx)
	if err != nil {
		slog.Warn("graph snapshot failed", "err", err)
		b.trySend(sub, protocol.Message{Type: protocol.TypeError, Error: "graph unavailable"})
		return
	}
	b.trySend(sub, protocol.Message{Type: protocol.TypeGraph, Data: &g})
}

// BroadcastGraph takes one snapshot and fans it out to every subscriber.
// Called after every successful mutation (REST or websocket) and on room
// lifecycle changes.
func (b *Broker) BroadcastGraph() {
	ctx, cancel := context.WithTimeout(context.Background(), snapshotTimeout)
	defer cancel()

	g, err := b.graph.Snapshot(ctx)
	if err != nil {
		slog.Warn("graph snapshot failed", "err", err)
		return
	}
	b.broadcast(protocol.Message{Type: protocol.TypeGraph, Data: &g})
}

// RoomChanged emits a room lifecycle event followed by a fresh snapshot.
// It is the registry's change listener.
func (b *Broker) RoomChanged(event, roomID string) {
	b.broadcast(protocol.Message{Type: event, RoomID: roomID})
	b.BroadcastGraph()
}

// broadcast fans a message out to a snapshot of the subscriber set; the
// lock is not held during channel sends.
func (b *Broker) broadcast(msg protocol.Message) {
	b.mu.Lock()
	targets := make([]*subscriber, 0, len(b.subs))
	for sub := range b.subs {
		targets = append(targets, sub)
	}
	b.mu.Unlock()

	for _, sub := range targets {
		b.trySend(sub, msg)
	}
}

// trySend queues a message without blocking. A subscriber with a full
// backlog is dropped to protect the broker from head-of-line blocking.
// Membership is checked under the lock so nothing sends on a closed
// channel.
func (b *Broker) trySend(sub *subscriber, msg protocol.Message) {
	b.mu.Lock()
	if _, ok := b.subs[sub]; !ok {
		b.mu.Unlock()
		return
	}
	select {
	case sub.send <- msg:
		b.mu.Unlock()
	default:
		delete(b.subs, sub)
		b.mu.Unlock()
		sub.close()
		slog.Warn("dropping slow patchbay subscriber", "user_id", sub.user.ID)
	}
}

func (b *Broker) remove(sub *subscriber) {
	b.mu.Lock()
	_, present := b.subs[sub]
	delete(b.subs, sub)
	b.mu.Unlock()
	if present {
		sub.close()
	}
}

// Subscribers returns the current subscriber count.
func (b *Broker) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// CloseAll disconnects every subscriber; called on shutdown.
func (b *Broker) CloseAll() {
	b.mu.Lock()
	subs := make([]*subscriber, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = make(map[*subscriber]struct{})
	b.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}

// RunPeriodicSnapshots broadcasts a coalesced full snapshot at interval
// until ctx is cancelled. The audio kernel has no change-notification
// callback, so external graph edits surface through this ticker.
func (b *Broker) RunPeriodicSnapshots(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if b.Subscribers() > 0 {
				b.BroadcastGraph()
			}
		}
	}
}
