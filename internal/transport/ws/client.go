package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/rlavkvmflzk/metalic-combat-system-sub001/internal/docstore"
	"github.com/rlavkvmflzk/metalic-combat-system-sub001/internal/protocol"
	"github.com/rlavkvmflzk/metalic-combat-system-sub001/internal/relay"
)

var ErrClosed = errors.New("ws client closed")

// Client is a remote peer. It keeps a replica of the server's store, fed
// by CHANGE frames, and satisfies both docstore.Store and relay.Relay so
// the combat and mirror layers run on top of it unchanged.
type Client struct {
	relay.Registry

	conn    *websocket.Conn
	user    docstore.User
	session string
	replica *docstore.Memory
	opts    Options
	log     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	out    chan []byte
	done   chan struct{}
	reqSeq atomic.Uint64

	mu       sync.Mutex
	pending  map[string]chan protocol.AckMsg
	presence relay.Presence
	onPeers  []func(relay.Presence)

	invokes *fifo
}

// Dial connects to url (ws://host/v1/ws) as userID and waits for WELCOME.
func Dial(ctx context.Context, url, userID string, opts Options, logger zerolog.Logger) (*Client, error) {
	def := DefaultOptions()
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = def.WriteTimeout
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = def.QueueSize
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	hello, _ := json.Marshal(protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		UserID:          userID,
		Client:          "mcs-peer",
	})
	_ = conn.SetWriteDeadline(time.Now().Add(opts.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, hello); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send HELLO: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("await WELCOME: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})
	var welcome protocol.WelcomeMsg
	if err := json.Unmarshal(msg, &welcome); err != nil || welcome.Type != protocol.TypeWelcome {
		conn.Close()
		return nil, fmt.Errorf("unexpected handshake reply: %s", truncate(msg, 120))
	}

	replica := docstore.NewMemory()
	replica.Load(welcome.State)

	cctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		conn:     conn,
		user:     welcome.User,
		session:  welcome.SessionID,
		replica:  replica,
		opts:     opts,
		log:      logger.With().Str("component", "ws-client").Str("user", welcome.User.ID).Logger(),
		ctx:      cctx,
		cancel:   cancel,
		out:      make(chan []byte, opts.QueueSize),
		done:     make(chan struct{}),
		pending:  map[string]chan protocol.AckMsg{},
		presence: relay.Presence{Peers: welcome.Peers, Authority: welcome.Authority},
		invokes:  newFIFO(),
	}
	go c.writeLoop()
	go c.readLoop()
	// Invocations run off the read loop: a handler that commits waits for an
	// ACK only the read loop can deliver.
	go c.dispatchLoop()
	return c, nil
}

func (c *Client) Session() string { return c.session }

// Replica exposes the local copy, mostly for persistence and tests.
func (c *Client) Replica() *docstore.Memory { return c.replica }

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) Close() error {
	c.cancel()
	err := c.conn.Close()
	<-c.done
	return err
}

func (c *Client) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case b := <-c.out:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				c.log.Warn().Err(err).Msg("write failed")
				c.cancel()
				return
			}
		}
	}
}

func (c *Client) readLoop() {
	defer close(c.done)
	defer c.invokes.close()
	defer c.failPending()
	defer c.cancel()

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() == nil {
				c.log.Warn().Err(err).Msg("connection lost")
			}
			return
		}
		base, err := protocol.DecodeBase(msg)
		if err != nil {
			continue
		}
		switch base.Type {
		case protocol.TypeChange:
			var m protocol.ChangeMsg
			if err := json.Unmarshal(msg, &m); err != nil {
				continue
			}
			if m.Change.Seq <= c.replica.Seq() {
				continue
			}
			if err := c.replica.ApplyChange(m.Change); err != nil {
				c.log.Error().Err(err).Uint64("seq", m.Change.Seq).Msg("replica diverged")
			}
		case protocol.TypeAck:
			var m protocol.AckMsg
			if err := json.Unmarshal(msg, &m); err != nil {
				continue
			}
			c.mu.Lock()
			ch := c.pending[m.AckFor]
			delete(c.pending, m.AckFor)
			c.mu.Unlock()
			if ch != nil {
				ch <- m
			}
		case protocol.TypeInvoke:
			var m protocol.InvokeMsg
			if err := json.Unmarshal(msg, &m); err != nil {
				continue
			}
			c.invokes.push(relay.Message{Name: m.Name, Scope: m.Scope, From: m.From, Payload: m.Payload})
		case protocol.TypePeers:
			var m protocol.PeersMsg
			if err := json.Unmarshal(msg, &m); err != nil {
				continue
			}
			p := relay.Presence{Peers: m.Peers, Authority: m.Authority}
			c.mu.Lock()
			c.presence = p
			fns := append([]func(relay.Presence){}, c.onPeers...)
			c.mu.Unlock()
			for _, fn := range fns {
				fn(p)
			}
		default:
			c.log.Debug().Str("type", base.Type).Msg("ignoring frame")
		}
	}
}

func (c *Client) dispatchLoop() {
	for {
		m, ok := c.invokes.pop()
		if !ok {
			return
		}
		c.Dispatch(c.ctx, m, c.log)
	}
}

func (c *Client) failPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

func (c *Client) send(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case <-c.ctx.Done():
		return ErrClosed
	case c.out <- b:
		return nil
	}
}

// OnPeers registers fn for PEERS updates.
func (c *Client) OnPeers(fn func(relay.Presence)) {
	c.mu.Lock()
	c.onPeers = append(c.onPeers, fn)
	c.mu.Unlock()
}

func (c *Client) Presence() relay.Presence {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.presence
}

// docstore.Store

func (c *Client) User(id string) (docstore.User, bool) { return c.replica.User(id) }
func (c *Client) Users() []docstore.User               { return c.replica.Users() }
func (c *Client) Actor(id string) (docstore.Actor, bool) {
	return c.replica.Actor(id)
}
func (c *Client) Actors() []docstore.Actor { return c.replica.Actors() }
func (c *Client) Item(actorID, itemID string) (docstore.Item, bool) {
	return c.replica.Item(actorID, itemID)
}
func (c *Client) Items(actorID string) []docstore.Item { return c.replica.Items(actorID) }
func (c *Client) Combat(id string) (docstore.Combat, bool) {
	return c.replica.Combat(id)
}
func (c *Client) Combats() []docstore.Combat { return c.replica.Combats() }

func (c *Client) Subscribe(fn func(docstore.Change)) (cancel func()) {
	return c.replica.Subscribe(fn)
}

// Commit sends op to the server and waits for its ACK. On success the
// change has already been applied to the replica.
func (c *Client) Commit(ctx context.Context, op docstore.Op) (docstore.Change, error) {
	reqID := c.session + "-" + strconv.FormatUint(c.reqSeq.Add(1), 10)
	ch := make(chan protocol.AckMsg, 1)
	c.mu.Lock()
	c.pending[reqID] = ch
	c.mu.Unlock()
	forget := func() {
		c.mu.Lock()
		delete(c.pending, reqID)
		c.mu.Unlock()
	}

	op.UserID = c.user.ID
	if err := c.send(protocol.DocMsg{Type: protocol.TypeDoc, ProtocolVersion: protocol.Version, ReqID: reqID, Op: op}); err != nil {
		forget()
		return docstore.Change{}, err
	}
	select {
	case <-ctx.Done():
		forget()
		return docstore.Change{}, ctx.Err()
	case ack, ok := <-ch:
		if !ok {
			return docstore.Change{}, ErrClosed
		}
		if !ack.Accepted {
			return docstore.Change{}, ErrorFor(ack.Code, ack.Message)
		}
		if ack.Change == nil {
			return docstore.Change{}, fmt.Errorf("%s: ack without change", op.Kind)
		}
		return *ack.Change, nil
	}
}

// relay.Relay

func (c *Client) Self() string { return c.user.ID }

func (c *Client) Authority() string { return c.Presence().Authority }

func (c *Client) IsAuthority() bool { return c.Authority() == c.Self() }

func (c *Client) Broadcast(ctx context.Context, name string, payload any) error {
	return c.invoke(ctx, relay.ScopeAll, name, payload)
}

func (c *Client) ToAuthority(ctx context.Context, name string, payload any) error {
	if c.Authority() == "" {
		return relay.ErrNoAuthority
	}
	return c.invoke(ctx, relay.ScopeAuthority, name, payload)
}

func (c *Client) invoke(ctx context.Context, scope relay.Scope, name string, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := relay.Encode(payload)
	if err != nil {
		return err
	}
	return c.send(protocol.InvokeMsg{
		Type:            protocol.TypeInvoke,
		ProtocolVersion: protocol.Version,
		Name:            name,
		Scope:           scope,
		Payload:         raw,
	})
}

// fifo is an unbounded message queue with a blocking pop.
type fifo struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []relay.Message
	closed bool
}

func newFIFO() *fifo {
	f := &fifo{}
	f.cond = sync.NewCond(&f.mu)
	return f
}

func (f *fifo) push(m relay.Message) {
	f.mu.Lock()
	if !f.closed {
		f.items = append(f.items, m)
	}
	f.mu.Unlock()
	f.cond.Signal()
}

func (f *fifo) pop() (relay.Message, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for len(f.items) == 0 && !f.closed {
		f.cond.Wait()
	}
	if len(f.items) == 0 {
		return relay.Message{}, false
	}
	m := f.items[0]
	f.items = f.items[1:]
	return m, true
}

func (f *fifo) close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.cond.Broadcast()
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
