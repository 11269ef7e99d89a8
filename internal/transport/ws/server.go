package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"claimsync.ai/internal/engine"
	"claimsync.ai/internal/protocol"
)

var (
	ErrNotConnected = errors.New("identity not connected")
	ErrQueueFull    = errors.New("outbound queue full")
)

// Handler processes one raw inbound frame for a connection.
type Handler interface {
	Handle(ctx context.Context, conn engine.Conn, raw []byte) []protocol.Outbound
}

// Presence is told when identities come and go.
type Presence interface {
	OnConnect(identity string)
	OnDisconnect(identity string)
}

type client struct {
	conn     *websocket.Conn
	identity engine.Conn
	out      chan []byte
	done     chan struct{}
	stop     sync.Once
}

func (c *client) close() {
	c.stop.Do(func() { close(c.done) })
}

// enqueue never blocks: a slow client loses messages instead of stalling
// the sync scheduler.
func (c *client) enqueue(b []byte) error {
	select {
	case <-c.done:
		return ErrNotConnected
	default:
	}
	select {
	case c.out <- b:
		return nil
	default:
		return ErrQueueFull
	}
}

type Server struct {
	handler   Handler
	presence  Presence
	log       *log.Logger
	batchSize int
	queueSize int

	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*client
	conns   map[*websocket.Conn]struct{}
	closed  bool

	// one per upgraded connection, released after its worker has returned
	handlers sync.WaitGroup
}

// NewServer returns an unbound server; call Bind before serving.
func NewServer(batchSize int, logger *log.Logger) *Server {
	return &Server{
		log:       logger,
		batchSize: batchSize,
		queueSize: 64,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  protocol.MaxFrameSize,
			WriteBufferSize: protocol.MaxFrameSize,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
		clients: map[string]*client{},
		conns:   map[*websocket.Conn]struct{}{},
	}
}

// Bind attaches the message handler and presence listener. The sync
// scheduler needs the server as its sender before the engine exists, so
// wiring happens after construction.
func (s *Server) Bind(h Handler, presence Presence) {
	s.handler = h
	s.presence = presence
}

func (s *Server) logf(format string, args ...any) {
	if s.log != nil {
		s.log.Printf(format, args...)
	}
}

// Send frames payload and queues it for identity.
func (s *Server) Send(identity, typeTag string, payload []byte) error {
	b, err := protocol.EncodeFrame(typeTag, payload)
	if err != nil {
		return err
	}
	s.mu.RLock()
	c := s.clients[identity]
	s.mu.RUnlock()
	if c == nil {
		return ErrNotConnected
	}
	return c.enqueue(b)
}

func (s *Server) Connected() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// CloseAll drops every connection, including ones still in the handshake,
// refuses new ones, and waits until every connection handler has returned
// or ctx is done. After a nil return no handler is inside Handle.
func (s *Server) CloseAll(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()
	for _, conn := range conns {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutdown"), time.Now().Add(time.Second))
		_ = conn.Close()
	}

	done := make(chan struct{})
	go func() {
		s.handlers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// track registers an upgraded connection; false once CloseAll has run.
func (s *Server) track(conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	s.handlers.Add(1)
	return true
}

func (s *Server) untrack(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	s.handlers.Done()
}

// register installs c and returns the connection it replaced, if any.
func (s *Server) register(c *client) *client {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.clients[c.identity.IdentityID]
	s.clients[c.identity.IdentityID] = c
	return old
}

// unregister reports whether c was still the live connection.
func (s *Server) unregister(c *client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clients[c.identity.IdentityID] != c {
		return false
	}
	delete(s.clients, c.identity.IdentityID)
	return true
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		if !s.track(conn) {
			rejectHandshake(conn, websocket.CloseGoingAway, "shutdown")
			_ = conn.Close()
			return
		}
		defer s.untrack(conn)
		defer conn.Close()
		conn.SetReadLimit(protocol.MaxFrameSize)

		id, ok := s.handshake(conn)
		if !ok {
			return
		}
		c := &client{conn: conn, identity: id, out: make(chan []byte, s.queueSize), done: make(chan struct{})}
		if old := s.register(c); old != nil {
			s.logf("ws replace identity=%s", id.IdentityID)
			old.close()
			_ = old.conn.Close()
		}
		if s.presence != nil {
			s.presence.OnConnect(id.IdentityID)
		}
		s.logf("ws connect identity=%s remote=%s", id.IdentityID, r.RemoteAddr)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Writer goroutine.
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case <-c.done:
					return
				case b := <-c.out:
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		// Worker goroutine: handling never runs on the reader.
		inbox := make(chan []byte, 32)
		var worker sync.WaitGroup
		worker.Add(1)
		go func() {
			defer worker.Done()
			for raw := range inbox {
				for _, o := range s.handler.Handle(ctx, id, raw) {
					b, err := o.Encode()
					if err != nil {
						s.logf("ws encode identity=%s type=%s: %v", id.IdentityID, o.Type, err)
						continue
					}
					select {
					case c.out <- b:
					case <-ctx.Done():
					case <-c.done:
					}
				}
			}
		}()

		// Reader loop.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(90 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			select {
			case inbox <- msg:
			case <-ctx.Done():
			}
			if ctx.Err() != nil {
				break
			}
		}

		// Cleanup.
		cancel()
		close(inbox)
		worker.Wait()
		c.close()
		if s.unregister(c) && s.presence != nil {
			s.presence.OnDisconnect(id.IdentityID)
		}
		s.logf("ws disconnect identity=%s", id.IdentityID)
	}
}

func (s *Server) handshake(conn *websocket.Conn) (engine.Conn, bool) {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return engine.Conn{}, false
	}
	f, err := protocol.DecodeFrame(msg)
	if err != nil || f.Type != protocol.TypeHello {
		rejectHandshake(conn, websocket.ClosePolicyViolation, "expected HELLO")
		return engine.Conn{}, false
	}
	var hello protocol.HelloMsg
	if err := json.Unmarshal(f.Payload, &hello); err != nil {
		rejectHandshake(conn, websocket.ClosePolicyViolation, "bad HELLO payload")
		return engine.Conn{}, false
	}
	if hello.ProtocolVersion != protocol.Version {
		rejectHandshake(conn, websocket.ClosePolicyViolation, "bad protocol_version")
		return engine.Conn{}, false
	}
	hello.IdentityID = strings.TrimSpace(hello.IdentityID)
	if hello.IdentityID == "" {
		rejectHandshake(conn, websocket.ClosePolicyViolation, "identity_id required")
		return engine.Conn{}, false
	}
	if hello.IdentityName == "" {
		hello.IdentityName = hello.IdentityID
	}

	welcome, err := protocol.Encode(protocol.TypeWelcome, protocol.WelcomeMsg{
		ProtocolVersion: protocol.Version,
		IdentityID:      hello.IdentityID,
		MaxFrameSize:    protocol.MaxFrameSize,
		BatchSize:       s.batchSize,
		ServerTime:      time.Now().UnixMilli(),
	})
	if err != nil {
		return engine.Conn{}, false
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteMessage(websocket.BinaryMessage, welcome); err != nil {
		return engine.Conn{}, false
	}
	return engine.Conn{IdentityID: hello.IdentityID, IdentityName: hello.IdentityName}, true
}

func rejectHandshake(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
}
