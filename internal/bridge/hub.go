package bridge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

var (
	ErrUnknownEndpoint = errors.New("unknown endpoint")
	ErrEndpointExists  = errors.New("endpoint already registered")
	ErrMailboxFull     = errors.New("mailbox full")
	ErrHubClosed       = errors.New("hub closed")
)

// DefaultMailboxSize is the per-endpoint queue length used by NewHub.
const DefaultMailboxSize = 256

// Hub is an in-process Transport. Each registered endpoint owns a mailbox
// drained by one goroutine, so every context sees its inbound events one at a
// time. Sends never block: a full mailbox drops the message with an error.
type Hub struct {
	logger *zap.Logger
	size   int

	mu     sync.RWMutex
	boxes  map[Endpoint]*mailbox
	active string
	closed bool

	wg sync.WaitGroup
}

type mailbox struct {
	ch      chan Message
	deliver func(Message)
}

// NewHub creates an empty hub. size <= 0 selects DefaultMailboxSize.
func NewHub(logger *zap.Logger, size int) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	if size <= 0 {
		size = DefaultMailboxSize
	}
	return &Hub{
		logger: logger,
		size:   size,
		boxes:  make(map[Endpoint]*mailbox),
	}
}

// Register implements Transport.
func (h *Hub) Register(self Endpoint, deliver func(Message)) (func(), error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHubClosed
	}
	if _, ok := h.boxes[self]; ok {
		return nil, fmt.Errorf("%w: %s", ErrEndpointExists, self)
	}

	box := &mailbox{ch: make(chan Message, h.size), deliver: deliver}
	h.boxes[self] = box
	h.wg.Add(1)
	go h.drain(self, box)
	h.logger.Debug("Endpoint registered", zap.String("endpoint", self.String()))

	var once sync.Once
	return func() {
		once.Do(func() { h.remove(self, box) })
	}, nil
}

func (h *Hub) drain(self Endpoint, box *mailbox) {
	defer h.wg.Done()
	for msg := range box.ch {
		h.safeDeliver(self, box, msg)
	}
}

func (h *Hub) safeDeliver(self Endpoint, box *mailbox, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("Endpoint listener panicked",
				zap.String("endpoint", self.String()), zap.Any("panic", r))
		}
	}()
	box.deliver(msg)
}

func (h *Hub) remove(self Endpoint, box *mailbox) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.boxes[self]; ok && cur == box {
		delete(h.boxes, self)
		close(box.ch)
		if self.Kind == KindPage && h.active == self.ID {
			h.active = ""
		}
		h.logger.Debug("Endpoint removed", zap.String("endpoint", self.String()))
	}
}

// Send implements Transport.
func (h *Hub) Send(ctx context.Context, to Endpoint, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return ErrHubClosed
	}
	box, ok := h.boxes[to]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEndpoint, to)
	}
	select {
	case box.ch <- msg:
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrMailboxFull, to)
	}
}

// Endpoints implements Transport. The result is sorted by id.
func (h *Hub) Endpoints(kind Kind) []Endpoint {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []Endpoint
	for ep := range h.boxes {
		if ep.Kind == kind {
			out = append(out, ep)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ActivePage implements Transport.
func (h *Hub) ActivePage() (Endpoint, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.active == "" {
		return Endpoint{}, false
	}
	ep := Endpoint{Kind: KindPage, ID: h.active}
	if _, ok := h.boxes[ep]; !ok {
		return Endpoint{}, false
	}
	return ep, true
}

// SetActivePage marks the page context with the given id as active.
func (h *Hub) SetActivePage(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.active = id
}

// Close drops every endpoint and waits for their mailboxes to drain.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	for ep, box := range h.boxes {
		close(box.ch)
		delete(h.boxes, ep)
	}
	h.mu.Unlock()
	h.wg.Wait()
}
