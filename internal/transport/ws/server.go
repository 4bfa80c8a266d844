package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/rlavkvmflzk/metalic-combat-system-sub001/internal/docstore"
	"github.com/rlavkvmflzk/metalic-combat-system-sub001/internal/protocol"
	"github.com/rlavkvmflzk/metalic-combat-system-sub001/internal/relay"
)

// Backend is the authoritative store the server fronts.
type Backend interface {
	docstore.Store
	State() docstore.State
}

type Options struct {
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// QueueSize bounds the per-connection outbound queue. A connection that
	// falls this far behind is dropped.
	QueueSize int
	// DocRate and DocBurst throttle DOC and INVOKE frames per connection.
	DocRate  float64
	DocBurst int
}

func DefaultOptions() Options {
	return Options{
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 5 * time.Second,
		QueueSize:    512,
		DocRate:      50,
		DocBurst:     100,
	}
}

type Stats struct {
	Sessions  int64
	FramesIn  uint64
	Commits   uint64
	Rejects   uint64
	Invokes   uint64
	SlowDrops uint64
}

type Server struct {
	store     Backend
	hub       *relay.Hub
	perms     docstore.Permissions
	validator *protocol.Validator
	opts      Options
	log       zerolog.Logger

	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]int

	nSessions atomic.Int64
	framesIn  atomic.Uint64
	commits   atomic.Uint64
	rejects   atomic.Uint64
	invokes   atomic.Uint64
	slowDrops atomic.Uint64
}

func NewServer(store Backend, hub *relay.Hub, validator *protocol.Validator, opts Options, logger zerolog.Logger) *Server {
	def := DefaultOptions()
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = def.ReadTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = def.WriteTimeout
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = def.QueueSize
	}
	if opts.DocBurst <= 0 {
		opts.DocBurst = def.DocBurst
	}
	return &Server{
		store:     store,
		hub:       hub,
		perms:     docstore.Permissions{R: store},
		validator: validator,
		opts:      opts,
		log:       logger.With().Str("component", "ws").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
		sessions: map[string]int{},
	}
}

func (s *Server) Stats() Stats {
	return Stats{
		Sessions:  s.nSessions.Load(),
		FramesIn:  s.framesIn.Load(),
		Commits:   s.commits.Load(),
		Rejects:   s.rejects.Load(),
		Invokes:   s.invokes.Load(),
		SlowDrops: s.slowDrops.Load(),
	}
}

// session is one connected peer.
type session struct {
	id     string
	user   docstore.User
	out    chan []byte
	cancel context.CancelFunc
	slow   func()
}

// push queues a frame without blocking. A full queue ends the session.
func (ss *session) push(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case ss.out <- b:
	default:
		ss.slow()
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		user, ok := s.handshake(conn)
		if !ok {
			return
		}

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		ss := &session{
			id:     uuid.NewString(),
			user:   user,
			out:    make(chan []byte, s.opts.QueueSize),
			cancel: cancel,
		}
		var slowOnce sync.Once
		ss.slow = func() {
			slowOnce.Do(func() {
				s.slowDrops.Add(1)
				s.log.Warn().Str("user", user.ID).Str("session", ss.id).Msg("outbound queue full, dropping session")
				cancel()
			})
		}
		log := s.log.With().Str("user", user.ID).Str("session", ss.id).Logger()

		// Changes committed from here on are queued behind WELCOME; the client
		// skips those already contained in the state.
		unsubscribe := s.store.Subscribe(func(c docstore.Change) {
			ss.push(protocol.ChangeMsg{Type: protocol.TypeChange, ProtocolVersion: protocol.Version, Change: c})
		})
		defer unsubscribe()

		s.setPresence(ctx, user, +1)
		defer s.setPresence(context.Background(), user, -1)

		presence := s.hub.Presence()
		welcome := protocol.WelcomeMsg{
			Type:            protocol.TypeWelcome,
			ProtocolVersion: protocol.Version,
			SessionID:       ss.id,
			User:            user,
			State:           s.store.State(),
			Peers:           presence.Peers,
			Authority:       presence.Authority,
		}
		if err := s.writeJSON(conn, welcome); err != nil {
			return
		}

		ep := s.hub.Attach(user, func(m relay.Message) {
			ss.push(protocol.InvokeMsg{
				Type:            protocol.TypeInvoke,
				ProtocolVersion: protocol.Version,
				Name:            m.Name,
				Scope:           m.Scope,
				From:            m.From,
				Payload:         m.Payload,
			})
		})
		defer ep.Detach()
		stopPeers := s.hub.OnPresence(func(p relay.Presence) {
			ss.push(protocol.PeersMsg{Type: protocol.TypePeers, ProtocolVersion: protocol.Version, Peers: p.Peers, Authority: p.Authority})
		})
		defer stopPeers()
		// Our own attach happened before the watcher was installed.
		p := s.hub.Presence()
		ss.push(protocol.PeersMsg{Type: protocol.TypePeers, ProtocolVersion: protocol.Version, Peers: p.Peers, Authority: p.Authority})

		s.nSessions.Add(1)
		defer s.nSessions.Add(-1)
		log.Info().Msg("peer connected")

		// Writer goroutine.
		go func() {
			for {
				select {
				case <-ctx.Done():
					_ = conn.Close()
					return
				case b := <-ss.out:
					_ = conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		limiter := rate.NewLimiter(rate.Inf, s.opts.DocBurst)
		if s.opts.DocRate > 0 {
			limiter = rate.NewLimiter(rate.Limit(s.opts.DocRate), s.opts.DocBurst)
		}

		// Reader loop.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			if ctx.Err() != nil {
				break
			}
			s.framesIn.Add(1)
			s.handleFrame(ctx, ss, ep, limiter, msg, log)
		}
		cancel()
		log.Info().Msg("peer disconnected")
	}
}

func (s *Server) handleFrame(ctx context.Context, ss *session, ep *relay.Endpoint, limiter *rate.Limiter, msg []byte, log zerolog.Logger) {
	base, err := protocol.DecodeBase(msg)
	if err != nil {
		log.Debug().Err(err).Msg("undecodable frame")
		return
	}
	if base.ProtocolVersion != protocol.Version {
		if base.Type == protocol.TypeDoc {
			var doc protocol.DocMsg
			_ = json.Unmarshal(msg, &doc)
			s.reject(ss, doc.ReqID, protocol.ErrProtoVersion, "unsupported protocol_version")
			return
		}
		log.Debug().Str("version", base.ProtocolVersion).Msg("frame with wrong protocol_version")
		return
	}

	switch base.Type {
	case protocol.TypeDoc:
		var doc protocol.DocMsg
		if err := json.Unmarshal(msg, &doc); err != nil {
			return
		}
		if err := s.validator.Validate(base.Type, msg); err != nil {
			s.reject(ss, doc.ReqID, protocol.ErrProtoBadRequest, err.Error())
			return
		}
		if !limiter.Allow() {
			s.reject(ss, doc.ReqID, protocol.ErrRateLimit, "too many requests")
			return
		}
		s.commit(ctx, ss, doc, log)

	case protocol.TypeInvoke:
		if err := s.validator.Validate(base.Type, msg); err != nil {
			log.Debug().Err(err).Msg("invalid INVOKE")
			return
		}
		if !limiter.Allow() {
			log.Warn().Msg("INVOKE rate limited")
			return
		}
		var inv protocol.InvokeMsg
		if err := json.Unmarshal(msg, &inv); err != nil {
			return
		}
		s.invokes.Add(1)
		if err := ep.Send(ctx, relay.Message{Name: inv.Name, Scope: inv.Scope, Payload: inv.Payload}); err != nil {
			log.Warn().Err(err).Str("name", inv.Name).Msg("relay send failed")
		}

	default:
		log.Debug().Str("type", base.Type).Msg("unexpected frame type")
	}
}

func (s *Server) commit(ctx context.Context, ss *session, doc protocol.DocMsg, log zerolog.Logger) {
	op := doc.Op
	op.UserID = ss.user.ID
	check := s.perms.CanCommit
	if s.hub.Presence().Authority == ss.user.ID {
		check = s.perms.CanCommitAsAuthority
	}
	if err := check(ss.user.ID, op); err != nil {
		log.Warn().Err(err).Str("kind", string(op.Kind)).Msg("commit rejected")
		s.reject(ss, doc.ReqID, protocol.ErrNoPermission, err.Error())
		return
	}
	c, err := s.store.Commit(ctx, op)
	if err != nil {
		s.reject(ss, doc.ReqID, CodeFor(err), err.Error())
		return
	}
	s.commits.Add(1)
	ss.push(protocol.NewAck(doc.ReqID, c))
}

func (s *Server) reject(ss *session, reqID, code, message string) {
	s.rejects.Add(1)
	ss.push(protocol.NewReject(reqID, code, message))
}

func (s *Server) handshake(conn *websocket.Conn) (docstore.User, bool) {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return docstore.User{}, false
	}
	closeWith := func(reason string) {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason), time.Now().Add(time.Second))
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		closeWith("expected HELLO")
		return docstore.User{}, false
	}
	if base.ProtocolVersion != protocol.Version {
		closeWith("bad protocol_version")
		return docstore.User{}, false
	}
	if err := s.validator.Validate(protocol.TypeHello, msg); err != nil {
		closeWith("invalid HELLO")
		return docstore.User{}, false
	}
	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		return docstore.User{}, false
	}
	user, ok := s.store.User(hello.UserID)
	if !ok {
		closeWith("unknown user")
		return docstore.User{}, false
	}
	return user, true
}

// setPresence tracks sessions per user and flips the stored Active flag on
// the first connect and the last disconnect.
func (s *Server) setPresence(ctx context.Context, user docstore.User, delta int) {
	s.mu.Lock()
	before := s.sessions[user.ID]
	after := before + delta
	if after <= 0 {
		delete(s.sessions, user.ID)
	} else {
		s.sessions[user.ID] = after
	}
	s.mu.Unlock()

	if (before == 0) == (after <= 0) {
		return
	}
	u, ok := s.store.User(user.ID)
	if !ok {
		return
	}
	u.Active = after > 0
	if _, err := s.store.Commit(ctx, docstore.Op{Kind: docstore.OpUpsertUser, User: &u}); err != nil {
		s.log.Warn().Err(err).Str("user", user.ID).Msg("presence update failed")
	}
}

func (s *Server) writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, b)
}

// CodeFor maps store and relay errors to wire codes.
func CodeFor(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, docstore.ErrPermissionDenied):
		return protocol.ErrNoPermission
	case errors.Is(err, docstore.ErrNotFound):
		return protocol.ErrNotFound
	case errors.Is(err, docstore.ErrInvalidOp):
		return protocol.ErrBadRequest
	case errors.Is(err, relay.ErrNoAuthority):
		return protocol.ErrNoAuthority
	}
	return protocol.ErrInternal
}

// ErrorFor turns a rejected ACK back into an error wrapping the matching
// sentinel.
func ErrorFor(code, message string) error {
	var base error
	switch code {
	case protocol.ErrNoPermission:
		base = docstore.ErrPermissionDenied
	case protocol.ErrNotFound:
		base = docstore.ErrNotFound
	case protocol.ErrBadRequest, protocol.ErrProtoBadRequest:
		base = docstore.ErrInvalidOp
	case protocol.ErrNoAuthority:
		base = relay.ErrNoAuthority
	default:
		return fmt.Errorf("%s: %s", code, message)
	}
	return fmt.Errorf("%w: %s", base, message)
}
