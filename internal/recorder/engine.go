// Package recorder turns page interactions into macro steps.
//
// The Engine runs in the coordinator and owns the recording state machine.
// The Capturer runs in each page context and converts raw DOM events into
// USER_ACTION events.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"ghostclick/internal/bridge"
	"ghostclick/internal/events"
	"ghostclick/internal/model"
	"ghostclick/internal/store"
)

var (
	ErrAlreadyRecording = errors.New("recording already in progress")
	ErrNotRecording     = errors.New("no recording in progress")
	ErrMissingSession   = errors.New("missing session id")
)

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithClock overrides the time source used for macro names and stamps.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// Engine is the coordinator-side recording state machine.
type Engine struct {
	bus    *bridge.Bus
	states *store.RecordingStateRepository
	macros *store.MacroRepository
	logger *zap.Logger
	now    func() time.Time

	mu         sync.Mutex
	recording  bool
	sessionID  string
	initialURL string
	tabID      string
	steps      []model.Step

	ctx  context.Context
	subs []bridge.Subscription
}

func NewEngine(bus *bridge.Bus, states *store.RecordingStateRepository, macros *store.MacroRepository, logger *zap.Logger, opts ...EngineOption) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		bus:    bus,
		states: states,
		macros: macros,
		logger: logger,
		now:    time.Now,
		ctx:    context.Background(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Init resumes an interrupted recording from the durable journal and
// subscribes to recording events. ctx is used for work triggered by events.
func (e *Engine) Init(ctx context.Context) error {
	e.ctx = ctx
	st, err := e.states.Get(ctx)
	if err != nil {
		return fmt.Errorf("load recording state: %w", err)
	}
	if st != nil && st.IsRecording {
		e.mu.Lock()
		e.recording = true
		e.sessionID = st.SessionID
		e.initialURL = st.InitialURL
		e.tabID = st.TabID
		e.steps = append([]model.Step(nil), st.MacroSteps...)
		e.mu.Unlock()
		e.logger.Info("Resumed recording",
			zap.String("session_id", st.SessionID),
			zap.Int("steps", len(st.MacroSteps)))
	}

	e.subs = append(e.subs,
		bridge.On(e.bus, events.StartRecordingEvent, func(ev events.StartRecording) {
			if err := e.Start(e.ctx, ev.SessionID, ev.InitialURL, ev.TabID); err != nil {
				e.logError("start", err)
			}
		}),
		bridge.On(e.bus, events.StopRecordingEvent, func(bridge.Empty) {
			if _, err := e.Stop(e.ctx); err != nil {
				e.logError("stop", err)
			}
		}),
		bridge.On(e.bus, events.UserActionEvent, func(ev events.UserAction) {
			if err := e.Record(e.ctx, ev); err != nil {
				e.logError("record", err)
			}
		}),
		bridge.On(e.bus, events.TabClosedEvent, func(ev events.TabClosed) {
			e.TabClosed(e.ctx, ev.TabID)
		}),
	)
	return nil
}

func (e *Engine) logError(op string, err error) {
	if errors.Is(err, ErrAlreadyRecording) || errors.Is(err, ErrNotRecording) {
		e.logger.Warn("Ignored recording request", zap.String("op", op), zap.Error(err))
		return
	}
	e.logger.Error("Recording operation failed", zap.String("op", op), zap.Error(err))
}

// Close removes the engine's event subscriptions.
func (e *Engine) Close() {
	for _, s := range e.subs {
		s.Cancel()
	}
	e.subs = nil
}

// IsRecording reports the in-memory state.
func (e *Engine) IsRecording() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.recording
}

// SessionID returns the id of the active recording, if any.
func (e *Engine) SessionID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessionID
}

// Steps returns a copy of the working buffer.
func (e *Engine) Steps() []model.Step {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]model.Step(nil), e.steps...)
}

// Start begins a recording session.
func (e *Engine) Start(ctx context.Context, sessionID, initialURL, tabID string) error {
	e.mu.Lock()
	if e.recording {
		current := e.sessionID
		e.mu.Unlock()
		return fmt.Errorf("%w: session %s", ErrAlreadyRecording, current)
	}
	e.recording = true
	e.sessionID = sessionID
	e.initialURL = initialURL
	e.tabID = tabID
	e.steps = nil
	e.mu.Unlock()

	e.logger.Info("Recording started",
		zap.String("session_id", sessionID),
		zap.String("initial_url", initialURL),
		zap.String("tab_id", tabID))

	err := e.states.Save(ctx, model.RecordingState{
		IsRecording: true,
		SessionID:   sessionID,
		InitialURL:  initialURL,
		TabID:       tabID,
	})
	if err != nil {
		return fmt.Errorf("persist recording state: %w", err)
	}
	return nil
}

// Record appends a captured step to the working buffer and the journal.
func (e *Engine) Record(ctx context.Context, action events.UserAction) error {
	e.mu.Lock()
	if !e.recording {
		e.mu.Unlock()
		return fmt.Errorf("%w: dropping %s step", ErrNotRecording, action.Step.Type)
	}
	if action.SessionID != "" && action.SessionID != e.sessionID {
		e.mu.Unlock()
		e.logger.Warn("Dropping step from another session",
			zap.String("session_id", action.SessionID),
			zap.String("step_id", action.Step.ID))
		return nil
	}
	if !action.Step.Type.Valid() {
		e.mu.Unlock()
		e.logger.Warn("Unknown user action type", zap.String("step_type", string(action.Step.Type)))
		return nil
	}
	e.steps = append(e.steps, action.Step)
	e.mu.Unlock()

	e.logger.Debug("Recorded step",
		zap.String("step_id", action.Step.ID),
		zap.String("step_type", string(action.Step.Type)),
		zap.String("xpath", action.Step.Target.XPath))

	if err := e.states.AppendStep(ctx, action.Step); err != nil {
		return fmt.Errorf("persist step %s: %w", action.Step.ID, err)
	}
	return nil
}

// Stop ends the session and saves the macro.
func (e *Engine) Stop(ctx context.Context) (*model.Macro, error) {
	e.mu.Lock()
	if !e.recording {
		e.mu.Unlock()
		return nil, ErrNotRecording
	}
	sessionID, initialURL := e.sessionID, e.initialURL
	steps := e.steps
	e.recording = false
	e.sessionID, e.initialURL, e.tabID = "", "", ""
	e.steps = nil
	e.mu.Unlock()

	if sessionID == "" {
		if err := e.states.Clear(ctx); err != nil {
			e.logger.Warn("Failed to clear recording state", zap.Error(err))
		}
		return nil, ErrMissingSession
	}
	e.logger.Info("Recording stopped", zap.String("session_id", sessionID), zap.Int("steps", len(steps)))

	steps = Collapse(steps)
	assignDelays(steps)

	existing, err := e.macros.FindByID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load macro %s: %w", sessionID, err)
	}
	now := e.now()
	m := model.Macro{
		ID:         sessionID,
		Name:       model.DefaultMacroName(now),
		InitialURL: initialURL,
		Domain:     model.Domain(initialURL),
		Steps:      steps,
		CreatedAt:  model.Millis(now),
		UpdatedAt:  model.Millis(now),
	}
	if existing != nil {
		m.Name = existing.Name
		m.CreatedAt = existing.CreatedAt
	}
	if m.Steps == nil {
		m.Steps = []model.Step{}
	}

	saved, err := e.macros.Save(ctx, m)
	if err != nil {
		return nil, fmt.Errorf("save macro %s: %w", sessionID, err)
	}
	if err := e.states.Clear(ctx); err != nil {
		return &saved, fmt.Errorf("clear recording state: %w", err)
	}
	e.logger.Info("Saved macro after recording stop",
		zap.String("macro_id", saved.ID),
		zap.String("domain", saved.Domain),
		zap.Int("steps", len(saved.Steps)))
	return &saved, nil
}

// TabClosed force-stops the recording when its tab goes away.
func (e *Engine) TabClosed(ctx context.Context, tabID string) {
	e.mu.Lock()
	match := e.recording && e.tabID != "" && e.tabID == tabID
	e.mu.Unlock()
	if !match {
		return
	}
	e.logger.Info("Recording tab closed, stopping", zap.String("tab_id", tabID))
	if _, err := e.Stop(ctx); err != nil {
		e.logError("stop", err)
	}
}

