// Package playback replays saved macros from the coordinator.
//
// The Engine walks a macro's steps, reproduces the recorded gaps between
// them and asks the active page to execute each step through EXECUTE_ACTION.
// Pages acknowledge with ACTION_RESULT. Stop and pause are cooperative and
// take effect between steps.
package playback

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
	ErrAlreadyPlaying = errors.New("playback already in progress")
	ErrNotPlaying     = errors.New("no playback in progress")
	ErrStepTimeout    = errors.New("timed out waiting for step result")

	errStopped = errors.New("playback stopped")
)

// InterruptedError is reported for a playback found in progress at startup.
const InterruptedError = "interrupted"

// DefaultStepTimeout bounds the wait for a page to acknowledge a step.
const DefaultStepTimeout = 30 * time.Second

// Navigator loads a URL in the active page.
type Navigator interface {
	Navigate(ctx context.Context, url string) error
}

// Option configures an Engine.
type Option func(*Engine)

// WithNavigator makes Play load the macro's initial URL first.
func WithNavigator(n Navigator) Option {
	return func(e *Engine) { e.nav = n }
}

// WithStepTimeout bounds the wait for each ACTION_RESULT.
func WithStepTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.stepTimeout = d
		}
	}
}

// run is the control block of one playback.
type run struct {
	macroID string
	stop    chan struct{}
	stopped bool
	paused  bool
	// changed is closed and replaced whenever paused or stopped flips.
	changed chan struct{}
}

func (r *run) broadcast() {
	close(r.changed)
	r.changed = make(chan struct{})
}

// Engine is the coordinator-side playback state machine.
type Engine struct {
	bus         *bridge.Bus
	states      *store.PlaybackStateRepository
	logger      *zap.Logger
	nav         Navigator
	stepTimeout time.Duration

	mu      sync.Mutex
	cur     *run
	pending map[string]chan events.ActionResult

	// persistMu orders progress writes against the final clear.
	persistMu sync.Mutex
	subs      []bridge.Subscription
}

func NewEngine(bus *bridge.Bus, states *store.PlaybackStateRepository, logger *zap.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		bus:         bus,
		states:      states,
		logger:      logger,
		stepTimeout: DefaultStepTimeout,
		pending:     make(map[string]chan events.ActionResult),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Init reports and clears a playback left over from a previous process, then
// listens for step acknowledgements.
func (e *Engine) Init(ctx context.Context) error {
	st, err := e.states.Get(ctx)
	if err != nil {
		return fmt.Errorf("load playback state: %w", err)
	}
	if st != nil && st.IsPlaying {
		e.logger.Warn("Found interrupted playback, clearing",
			zap.String("macro_id", st.MacroID),
			zap.String("step_id", st.CurrentStepID))
		if err := e.states.Clear(ctx); err != nil {
			return fmt.Errorf("clear playback state: %w", err)
		}
		bridge.Emit(e.bus, events.PlaybackErrorEvent, events.PlaybackError{
			MacroID: st.MacroID,
			StepID:  st.CurrentStepID,
			Error:   InterruptedError,
		})
		bridge.Emit(e.bus, events.StopPlaybackEvent, bridge.Empty{}, bridge.CurrentTab(false))
	}

	e.subs = append(e.subs, bridge.On(e.bus, events.ActionResultEvent, e.onResult))
	return nil
}

// Close removes the engine's subscriptions.
func (e *Engine) Close() {
	for _, s := range e.subs {
		s.Cancel()
	}
	e.subs = nil
}

func (e *Engine) onResult(res events.ActionResult) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cur == nil || e.cur.macroID != res.MacroID {
		return
	}
	ch, ok := e.pending[res.StepID]
	if !ok {
		e.logger.Debug("Ignoring result for unknown step", zap.String("step_id", res.StepID))
		return
	}
	select {
	case ch <- res:
	default:
	}
}

// IsPlaying reports whether a playback is running.
func (e *Engine) IsPlaying() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cur != nil
}

// IsPaused reports whether the running playback is paused.
func (e *Engine) IsPaused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cur != nil && e.cur.paused
}

// Play runs macro to completion, stop or engine failure. It blocks.
func (e *Engine) Play(ctx context.Context, macro model.Macro) error {
	e.mu.Lock()
	if e.cur != nil {
		current := e.cur.macroID
		e.mu.Unlock()
		return fmt.Errorf("%w: macro %s", ErrAlreadyPlaying, current)
	}
	r := &run{
		macroID: macro.ID,
		stop:    make(chan struct{}),
		changed: make(chan struct{}),
	}
	e.cur = r
	e.mu.Unlock()

	log := e.logger.With(zap.String("macro_id", macro.ID))
	log.Info("Starting playback", zap.Int("steps", len(macro.Steps)))

	if err := e.states.Save(ctx, model.PlaybackState{IsPlaying: true, MacroID: macro.ID}); err != nil {
		log.Warn("Failed to persist playback state", zap.Error(err))
	}

	err := e.loop(ctx, r, macro, log)
	stopped := e.finish(ctx, r, log)

	switch {
	case err != nil:
		log.Error("Playback failed", zap.Error(err))
		bridge.Emit(e.bus, events.PlaybackErrorEvent, events.PlaybackError{MacroID: macro.ID, Error: err.Error()})
		bridge.Emit(e.bus, events.StopPlaybackEvent, bridge.Empty{}, bridge.CurrentTab(false))
		return err
	case stopped:
		log.Info("Playback stopped")
	default:
		log.Info("Playback completed")
		bridge.Emit(e.bus, events.PlaybackCompletedEvent, events.PlaybackCompleted{MacroID: macro.ID})
	}
	return nil
}

func (e *Engine) loop(ctx context.Context, r *run, macro model.Macro, log *zap.Logger) error {
	if e.nav != nil && macro.InitialURL != "" {
		if err := e.nav.Navigate(ctx, macro.InitialURL); err != nil {
			return fmt.Errorf("navigate to %s: %w", macro.InitialURL, err)
		}
	}

	var prevTs int64
	for i, step := range macro.Steps {
		if err := e.gate(ctx, r); err != nil {
			return ignoreStop(err)
		}
		if i > 0 {
			if err := e.delay(ctx, r, time.Duration(max(0, step.Timestamp-prevTs))*time.Millisecond); err != nil {
				return ignoreStop(err)
			}
			if err := e.gate(ctx, r); err != nil {
				return ignoreStop(err)
			}
		}
		prevTs = step.Timestamp

		e.progress(ctx, r, step.ID, log)

		slog := log.With(zap.String("step_id", step.ID), zap.String("step_type", string(step.Type)))
		slog.Info("Executing step", zap.Int("index", i))
		if err := e.execute(ctx, macro.ID, step); err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("step %s: %w", step.ID, ctx.Err())
			}
			slog.Warn("Step failed", zap.Error(err))
			bridge.Emit(e.bus, events.PlaybackErrorEvent, events.PlaybackError{
				MacroID: macro.ID,
				StepID:  step.ID,
				Error:   err.Error(),
			})
		}
	}
	return nil
}

func ignoreStop(err error) error {
	if errors.Is(err, errStopped) {
		return nil
	}
	return err
}

// gate blocks while the run is paused. It returns errStopped once stopped.
func (e *Engine) gate(ctx context.Context, r *run) error {
	for {
		e.mu.Lock()
		stopped, paused, changed := r.stopped, r.paused, r.changed
		e.mu.Unlock()
		if stopped {
			return errStopped
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !paused {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
		}
	}
}

func (e *Engine) delay(ctx context.Context, r *run, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-r.stop:
		return errStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) progress(ctx context.Context, r *run, stepID string, log *zap.Logger) {
	e.persistMu.Lock()
	defer e.persistMu.Unlock()
	if !e.owns(r) {
		return
	}
	_, err := e.states.Update(ctx, func(st *model.PlaybackState) {
		st.IsPlaying = true
		st.MacroID = r.macroID
		st.CurrentStepID = stepID
	})
	if err != nil {
		log.Warn("Failed to persist playback progress", zap.String("step_id", stepID), zap.Error(err))
	}
}

func (e *Engine) owns(r *run) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cur == r
}

// execute sends one step to the active page and waits for its result. Stop is
// not observed here: a step already handed to the page runs to its
// acknowledgement or timeout, and the next gate ends the run.
func (e *Engine) execute(ctx context.Context, macroID string, step model.Step) error {
	ch := make(chan events.ActionResult, 1)
	e.mu.Lock()
	e.pending[step.ID] = ch
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.pending, step.ID)
		e.mu.Unlock()
	}()

	bridge.Emit(e.bus, events.ExecuteActionEvent, events.ExecuteAction{MacroID: macroID, Step: step})

	t := time.NewTimer(e.stepTimeout)
	defer t.Stop()
	select {
	case res := <-ch:
		if res.Error != "" {
			return errors.New(res.Error)
		}
		return nil
	case <-t.C:
		return fmt.Errorf("%w after %s", ErrStepTimeout, e.stepTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// finish returns the engine to idle and clears the durable record. It
// reports whether the run was stopped.
func (e *Engine) finish(ctx context.Context, r *run, log *zap.Logger) bool {
	e.persistMu.Lock()
	defer e.persistMu.Unlock()

	e.mu.Lock()
	stopped := r.stopped
	e.cur = nil
	e.mu.Unlock()

	if err := e.states.Clear(context.WithoutCancel(ctx)); err != nil {
		log.Warn("Failed to clear playback state", zap.Error(err))
	}
	return stopped
}

// Stop ends the running playback after the in-flight step.
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	r := e.cur
	if r == nil {
		return ErrNotPlaying
	}
	if r.stopped {
		return nil
	}
	r.stopped = true
	close(r.stop)
	r.broadcast()
	e.logger.Info("Stopping playback", zap.String("macro_id", r.macroID))
	return nil
}

// Pause holds the running playback before its next step.
func (e *Engine) Pause(ctx context.Context) error {
	return e.setPaused(ctx, true)
}

// Resume continues a paused playback.
func (e *Engine) Resume(ctx context.Context) error {
	return e.setPaused(ctx, false)
}

func (e *Engine) setPaused(ctx context.Context, paused bool) error {
	e.mu.Lock()
	r := e.cur
	if r == nil {
		e.mu.Unlock()
		return ErrNotPlaying
	}
	if r.paused == paused || r.stopped {
		e.mu.Unlock()
		return nil
	}
	r.paused = paused
	r.broadcast()
	e.mu.Unlock()

	e.logger.Info("Playback pause changed", zap.String("macro_id", r.macroID), zap.Bool("paused", paused))

	e.persistMu.Lock()
	defer e.persistMu.Unlock()
	if !e.owns(r) {
		return nil
	}
	_, err := e.states.Update(ctx, func(st *model.PlaybackState) {
		st.IsPaused = paused
	})
	if err != nil {
		return fmt.Errorf("persist pause state: %w", err)
	}
	return nil
}
