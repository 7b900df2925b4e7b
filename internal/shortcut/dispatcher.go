// Package shortcut maps named commands to recording events.
package shortcut

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"ghostclick/internal/bridge"
	"ghostclick/internal/browser"
	"ghostclick/internal/events"
)

var (
	ErrNoActiveTab    = errors.New("cannot start recording: no active tab found")
	ErrUnknownCommand = errors.New("unhandled command")
)

// Tabs reports the tab that current-tab events go to.
type Tabs interface {
	ActiveTab() (browser.Tab, bool)
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithPanelOpener handles the open-side-panel command.
func WithPanelOpener(fn func(ctx context.Context) error) Option {
	return func(d *Dispatcher) { d.openPanel = fn }
}

// WithSessionIDs overrides the session id generator.
func WithSessionIDs(fn func() string) Option {
	return func(d *Dispatcher) { d.newID = fn }
}

// Dispatcher runs in the coordinator and turns COMMAND events into
// START_RECORDING and STOP_RECORDING.
type Dispatcher struct {
	bus       *bridge.Bus
	tabs      Tabs
	logger    *zap.Logger
	newID     func() string
	openPanel func(ctx context.Context) error
	subs      []bridge.Subscription
}

func NewDispatcher(bus *bridge.Bus, tabs Tabs, logger *zap.Logger, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{bus: bus, tabs: tabs, logger: logger, newID: uuid.NewString}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Init subscribes to COMMAND.
func (d *Dispatcher) Init(ctx context.Context) error {
	d.logger.Info("Shortcut dispatcher initialized")
	d.subs = append(d.subs, bridge.On(d.bus, events.CommandEvent, func(c events.Command) {
		if err := d.Handle(ctx, c.Name); err != nil {
			if errors.Is(err, ErrUnknownCommand) {
				d.logger.Warn("Unhandled command", zap.String("command", c.Name))
				return
			}
			d.logger.Error("Command failed", zap.String("command", c.Name), zap.Error(err))
		}
	}))
	return nil
}

// Close removes the dispatcher's subscriptions.
func (d *Dispatcher) Close() {
	for _, s := range d.subs {
		s.Cancel()
	}
	d.subs = nil
}

// Handle runs one command.
func (d *Dispatcher) Handle(ctx context.Context, name string) error {
	switch name {
	case events.CommandStartRecording:
		return d.startRecording()
	case events.CommandStopRecording:
		bridge.Emit(d.bus, events.StopRecordingEvent, bridge.Empty{}, bridge.CurrentTab(false))
		return nil
	case events.CommandOpenPanel:
		if d.openPanel == nil {
			return fmt.Errorf("%w: %s (no panel opener)", ErrUnknownCommand, name)
		}
		return d.openPanel(ctx)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownCommand, name)
	}
}

func (d *Dispatcher) startRecording() error {
	if d.tabs == nil {
		return ErrNoActiveTab
	}
	tab, ok := d.tabs.ActiveTab()
	if !ok || tab.ID == "" || tab.URL == "" {
		return ErrNoActiveTab
	}
	ev := events.StartRecording{
		SessionID:  d.newID(),
		InitialURL: tab.URL,
		TabID:      tab.ID,
	}
	d.logger.Info("Starting recording from shortcut",
		zap.String("session_id", ev.SessionID),
		zap.String("tab_id", ev.TabID))
	bridge.Emit(d.bus, events.StartRecordingEvent, ev)
	return nil
}
