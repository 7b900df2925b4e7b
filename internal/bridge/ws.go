package bridge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// frame is the websocket envelope. A client opens with Hello naming itself;
// the server answers with Hello naming the coordinator. After that every
// frame carries a message and, client to server, its destination.
type frame struct {
	Hello *Endpoint `json:"hello,omitempty"`
	To    *Endpoint `json:"to,omitempty"`
	Msg   *Message  `json:"msg,omitempty"`
}

const wsWriteTimeout = 10 * time.Second

var ErrHandshake = errors.New("relay handshake failed")

// Server exposes a Hub to contexts in other processes over websocket.
type Server struct {
	hub         *Hub
	coordinator Endpoint
	logger      *zap.Logger
	upgrader    websocket.Upgrader

	mu     sync.Mutex
	conns  map[*websocket.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// NewServer creates a relay server bridging remote contexts into hub.
func NewServer(hub *Hub, coordinator Endpoint, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		hub:         hub,
		coordinator: coordinator,
		logger:      logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return r.Header.Get("Origin") == ""
			},
		},
		conns: make(map[*websocket.Conn]struct{}),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		http.Error(w, "relay closed", http.StatusServiceUnavailable)
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("Relay upgrade failed", zap.Error(err))
		return
	}
	if !s.track(conn) {
		conn.Close()
		return
	}
	defer s.untrack(conn)

	var hello frame
	if err := conn.ReadJSON(&hello); err != nil || hello.Hello == nil {
		s.logger.Info("Relay client sent no hello", zap.Error(err))
		return
	}
	remote := *hello.Hello

	var writeMu sync.Mutex
	write := func(f frame) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return conn.WriteJSON(f)
	}

	unregister, err := s.hub.Register(remote, func(msg Message) {
		if err := write(frame{Msg: &msg}); err != nil {
			s.logger.Info("Relay write failed",
				zap.String("endpoint", remote.String()), zap.Error(err))
		}
	})
	if err != nil {
		s.logger.Warn("Relay client rejected",
			zap.String("endpoint", remote.String()), zap.Error(err))
		return
	}
	defer unregister()

	coordinator := s.coordinator
	if err := write(frame{Hello: &coordinator}); err != nil {
		return
	}
	s.logger.Info("Relay client connected", zap.String("endpoint", remote.String()))

	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			s.logger.Info("Relay client disconnected",
				zap.String("endpoint", remote.String()), zap.Error(err))
			return
		}
		if f.To == nil || f.Msg == nil {
			continue
		}
		if err := s.hub.Send(context.Background(), *f.To, *f.Msg); err != nil {
			s.logger.Info("Relay forward failed",
				zap.String("from", remote.String()),
				zap.String("to", f.To.String()),
				zap.Error(err))
		}
	}
}

func (s *Server) track(conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	conn.Close()
}

// Close disconnects every client and waits for their handlers to return.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// Remote is a Transport for a context running outside the coordinator's
// process. Its only reachable peer is the coordinator.
type Remote struct {
	conn        *websocket.Conn
	self        Endpoint
	coordinator Endpoint
	logger      *zap.Logger

	writeMu sync.Mutex
	mu      sync.Mutex
	deliver func(Message)
	done    chan struct{}
}

// Dial connects to a relay Server at url as self.
func Dial(ctx context.Context, url string, self Endpoint, logger *zap.Logger) (*Remote, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay %s: %w", url, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
		conn.SetWriteDeadline(deadline)
	}
	if err := conn.WriteJSON(frame{Hello: &self}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	var reply frame
	if err := conn.ReadJSON(&reply); err != nil || reply.Hello == nil {
		conn.Close()
		return nil, fmt.Errorf("%w: no coordinator hello: %v", ErrHandshake, err)
	}
	conn.SetReadDeadline(time.Time{})
	conn.SetWriteDeadline(time.Time{})

	r := &Remote{
		conn:        conn,
		self:        self,
		coordinator: *reply.Hello,
		logger:      logger,
		done:        make(chan struct{}),
	}
	go r.readLoop()
	return r, nil
}

func (r *Remote) readLoop() {
	defer close(r.done)
	for {
		var f frame
		if err := r.conn.ReadJSON(&f); err != nil {
			r.logger.Debug("Relay connection closed", zap.Error(err))
			return
		}
		if f.Msg == nil {
			continue
		}
		r.mu.Lock()
		deliver := r.deliver
		r.mu.Unlock()
		if deliver != nil {
			deliver(*f.Msg)
		}
	}
}

// Register implements Transport. Only the endpoint given to Dial may register.
func (r *Remote) Register(self Endpoint, deliver func(Message)) (func(), error) {
	if self != r.self {
		return nil, fmt.Errorf("%w: connection belongs to %s", ErrUnknownEndpoint, r.self)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.deliver != nil {
		return nil, fmt.Errorf("%w: %s", ErrEndpointExists, self)
	}
	r.deliver = deliver
	return func() {
		r.mu.Lock()
		r.deliver = nil
		r.mu.Unlock()
	}, nil
}

// Send implements Transport.
func (r *Remote) Send(ctx context.Context, to Endpoint, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(wsWriteTimeout)
	}
	r.conn.SetWriteDeadline(deadline)
	return r.conn.WriteJSON(frame{To: &to, Msg: &msg})
}

// Endpoints implements Transport.
func (r *Remote) Endpoints(kind Kind) []Endpoint {
	if kind == KindCoordinator {
		return []Endpoint{r.coordinator}
	}
	return nil
}

// ActivePage implements Transport. Remote contexts never address pages.
func (r *Remote) ActivePage() (Endpoint, bool) {
	return Endpoint{}, false
}

// Close shuts the connection and waits for the read loop to exit.
func (r *Remote) Close() error {
	r.writeMu.Lock()
	r.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	r.writeMu.Unlock()
	err := r.conn.Close()
	<-r.done
	return err
}
