// Package bridge gives each ghostclick context a typed publish/subscribe bus.
//
// A Bus dispatches emitted events to local handlers synchronously and in
// registration order, then relays them to other contexts through a
// Transport. Relayed events are re-dispatched locally on arrival and are never
// relayed again. Relay is best-effort: failures are logged and dropped.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Kind identifies the role of a context.
type Kind string

const (
	KindCoordinator Kind = "coordinator"
	KindPage        Kind = "page"
	KindPanel       Kind = "panel"
)

// Endpoint addresses one context.
type Endpoint struct {
	Kind Kind   `json:"kind"`
	ID   string `json:"id"`
}

func (e Endpoint) String() string {
	return string(e.Kind) + "/" + e.ID
}

// MessageType marks relayed event messages.
const MessageType = "EMIT_EVENT"

// Message is the wire form of a relayed event.
type Message struct {
	Type     string          `json:"type"`
	Event    string          `json:"event"`
	Data     json.RawMessage `json:"data,omitempty"`
	Source   Kind            `json:"source"`
	SourceID string          `json:"sourceId,omitempty"`
}

// Transport moves messages between contexts.
type Transport interface {
	// Register installs the inbound listener for self. The returned func
	// removes it.
	Register(self Endpoint, deliver func(Message)) (func(), error)
	Send(ctx context.Context, to Endpoint, msg Message) error
	Endpoints(kind Kind) []Endpoint
	ActivePage() (Endpoint, bool)
}

// Event names an event and fixes its payload type.
type Event[T any] struct {
	Name string
}

// NewEvent declares an event.
func NewEvent[T any](name string) Event[T] {
	return Event[T]{Name: name}
}

// Empty is the payload of events that carry no data.
type Empty struct{}

// EmitOption adjusts a single Emit call.
type EmitOption func(*emitOptions)

type emitOptions struct {
	currentTab bool
}

// CurrentTab controls coordinator relay targeting. With true (the default)
// the event goes to the active page only; with false it goes to every page.
func CurrentTab(v bool) EmitOption {
	return func(o *emitOptions) { o.currentTab = v }
}

type handler struct {
	id uint64
	fn func(payload any, raw json.RawMessage)
}

// Subscription is the handle returned by On.
type Subscription struct {
	bus   *Bus
	event string
	id    uint64
}

// Cancel removes the handler. It is safe to call more than once.
func (s Subscription) Cancel() {
	if s.bus != nil {
		s.bus.Off(s)
	}
}

// Option configures a Bus.
type Option func(*Bus)

// WithRelayTimeout bounds each relay send.
func WithRelayTimeout(d time.Duration) Option {
	return func(b *Bus) {
		if d > 0 {
			b.relayTimeout = d
		}
	}
}

// Bus is the event bus of one context.
type Bus struct {
	self         Endpoint
	transport    Transport
	logger       *zap.Logger
	relayTimeout time.Duration

	mu       sync.RWMutex
	handlers map[string][]handler
	nextID   uint64

	unregister func()
	relayMu    sync.Mutex
	closed     bool
}

// NewBus creates the bus for self and registers its single inbound listener
// on transport. A nil transport yields a local-only bus.
func NewBus(self Endpoint, transport Transport, logger *zap.Logger, opts ...Option) (*Bus, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Bus{
		self:         self,
		transport:    transport,
		logger:       logger.With(zap.String("context", self.String())),
		relayTimeout: 5 * time.Second,
		handlers:     make(map[string][]handler),
	}
	for _, opt := range opts {
		opt(b)
	}
	if transport != nil {
		unregister, err := transport.Register(self, b.receive)
		if err != nil {
			return nil, fmt.Errorf("register %s: %w", self, err)
		}
		b.unregister = unregister
	}
	return b, nil
}

// Self returns the endpoint this bus belongs to.
func (b *Bus) Self() Endpoint { return b.self }

// On registers fn for ev. Handlers run in registration order.
func On[T any](b *Bus, ev Event[T], fn func(T)) Subscription {
	h := func(payload any, raw json.RawMessage) {
		var v T
		if p, ok := payload.(T); ok {
			v = p
		} else if len(raw) > 0 {
			if err := json.Unmarshal(raw, &v); err != nil {
				b.logger.Warn("Dropping undecodable event",
					zap.String("event", ev.Name), zap.Error(err))
				return
			}
		}
		fn(v)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.handlers[ev.Name] = append(b.handlers[ev.Name], handler{id: id, fn: h})
	b.logger.Debug("Listener added", zap.String("event", ev.Name))
	return Subscription{bus: b, event: ev.Name, id: id}
}

// Off removes a handler registered with On.
func (b *Bus) Off(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.handlers[sub.event]
	for i, h := range list {
		if h.id != sub.id {
			continue
		}
		next := make([]handler, 0, len(list)-1)
		next = append(next, list[:i]...)
		next = append(next, list[i+1:]...)
		if len(next) == 0 {
			delete(b.handlers, sub.event)
		} else {
			b.handlers[sub.event] = next
		}
		b.logger.Debug("Listener removed", zap.String("event", sub.event))
		return
	}
}

// Emit dispatches payload to local handlers, then relays it to other
// contexts. It never returns relay failures to the caller.
func Emit[T any](b *Bus, ev Event[T], payload T, opts ...EmitOption) {
	o := emitOptions{currentTab: true}
	for _, opt := range opts {
		opt(&o)
	}
	b.logger.Debug("Emitting event", zap.String("event", ev.Name))
	b.dispatch(ev.Name, payload, nil)
	b.relay(ev.Name, payload, o)
}

func (b *Bus) dispatch(event string, payload any, raw json.RawMessage) {
	b.mu.RLock()
	list := b.handlers[event]
	b.mu.RUnlock()

	for _, h := range list {
		b.call(event, h, payload, raw)
	}
}

func (b *Bus) call(event string, h handler, payload any, raw json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Event handler panicked",
				zap.String("event", event), zap.Any("panic", r))
		}
	}()
	h.fn(payload, raw)
}

func (b *Bus) receive(msg Message) {
	if msg.Type != MessageType {
		return
	}
	b.logger.Debug("Received event",
		zap.String("event", msg.Event),
		zap.String("source", string(msg.Source)))
	b.dispatch(msg.Event, nil, msg.Data)
}

// targets applies the relay policy for this context's kind.
func (b *Bus) targets(o emitOptions) []Endpoint {
	switch b.self.Kind {
	case KindPage, KindPanel:
		return b.transport.Endpoints(KindCoordinator)
	default:
		var out []Endpoint
		if o.currentTab {
			if page, ok := b.transport.ActivePage(); ok {
				out = append(out, page)
			}
		} else {
			out = append(out, b.transport.Endpoints(KindPage)...)
		}
		return append(out, b.transport.Endpoints(KindPanel)...)
	}
}

func (b *Bus) relay(event string, payload any, o emitOptions) {
	if b.transport == nil {
		return
	}
	targets := b.targets(o)
	if len(targets) == 0 {
		return
	}

	data, err := json.Marshal(payload)
	if err != nil {
		b.logger.Warn("Failed to encode event for relay",
			zap.String("event", event), zap.Error(err))
		return
	}
	msg := Message{
		Type:     MessageType,
		Event:    event,
		Data:     data,
		Source:   b.self.Kind,
		SourceID: b.self.ID,
	}

	b.relayMu.Lock()
	defer b.relayMu.Unlock()
	if b.closed {
		return
	}
	for _, to := range targets {
		if to == b.self {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), b.relayTimeout)
		err := b.transport.Send(ctx, to, msg)
		cancel()
		if err != nil {
			b.logger.Info("Failed to relay event",
				zap.String("event", event),
				zap.String("target", to.String()),
				zap.Error(err))
		}
	}
}

// Close removes the inbound listener and waits for an in-flight relay.
// Local dispatch keeps working after Close.
func (b *Bus) Close() {
	b.relayMu.Lock()
	if b.closed {
		b.relayMu.Unlock()
		return
	}
	b.closed = true
	b.relayMu.Unlock()

	if b.unregister != nil {
		b.unregister()
	}
}
