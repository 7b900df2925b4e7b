// Package executor performs recorded steps against a page document.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"ghostclick/internal/bridge"
	"ghostclick/internal/events"
	"ghostclick/internal/locator"
	"ghostclick/internal/model"
)

var (
	ErrElementNotFound = errors.New("element not found")
	ErrTypeMismatch    = errors.New("type mismatch")
)

// MinVisibleRatio is the visible fraction below which a target is scrolled
// into view before acting on it.
const MinVisibleRatio = 0.8

// Defaults for the timing knobs.
const (
	DefaultHighlightHold = 300 * time.Millisecond
	DefaultScrollSettle  = 200 * time.Millisecond
	DefaultSubmitDelay   = 100 * time.Millisecond
)

// ElementInfo describes what kind of element a target resolved to.
type ElementInfo struct {
	Tag       string
	IsHTML    bool
	TextEntry bool
	Focusable bool
	InForm    bool
}

// KeyEvent is a synthetic keyboard event.
type KeyEvent struct {
	Key      string
	Code     string
	CtrlKey  bool
	ShiftKey bool
	AltKey   bool
	MetaKey  bool
}

// Element is a resolved target in a live document.
type Element interface {
	Info(ctx context.Context) (ElementInfo, error)
	VisibleRatio(ctx context.Context) (float64, error)
	ScrollIntoView(ctx context.Context) error
	Highlight(ctx context.Context) error
	Unhighlight(ctx context.Context) error
	Click(ctx context.Context) error
	Focus(ctx context.Context) error
	// SetValue assigns the value and dispatches input and change events.
	SetValue(ctx context.Context, value string) error
	// DispatchKey fires keydown, keypress and keyup.
	DispatchKey(ctx context.Context, key KeyEvent) error
	SubmitForm(ctx context.Context) error
}

// Document resolves locators. Resolve returns ErrElementNotFound when no
// strategy matches.
type Document interface {
	Resolve(ctx context.Context, target locator.Locator) (Element, error)
}

// Option configures an Executor.
type Option func(*Executor)

// WithHighlightHold sets how long the overlay stays before the action.
func WithHighlightHold(d time.Duration) Option {
	return func(e *Executor) { e.highlightHold = d }
}

// WithScrollSettle sets the pause after scrolling a target into view.
func WithScrollSettle(d time.Duration) Option {
	return func(e *Executor) { e.scrollSettle = d }
}

// WithSubmitDelay sets the pause between an Enter key and the form submit.
func WithSubmitDelay(d time.Duration) Option {
	return func(e *Executor) { e.submitDelay = d }
}

// WithSleep replaces the timer used for all pauses.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Executor) { e.sleep = fn }
}

// Executor runs steps in one page context.
type Executor struct {
	doc    Document
	bus    *bridge.Bus
	logger *zap.Logger

	highlightHold time.Duration
	scrollSettle  time.Duration
	submitDelay   time.Duration
	sleep         func(ctx context.Context, d time.Duration) error

	mu   sync.Mutex
	subs []bridge.Subscription
}

func New(doc Document, bus *bridge.Bus, logger *zap.Logger, opts ...Option) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Executor{
		doc:           doc,
		bus:           bus,
		logger:        logger,
		highlightHold: DefaultHighlightHold,
		scrollSettle:  DefaultScrollSettle,
		submitDelay:   DefaultSubmitDelay,
		sleep:         sleepCtx,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Init subscribes to EXECUTE_ACTION. Every executed step is acknowledged
// with ACTION_RESULT.
func (e *Executor) Init(ctx context.Context) error {
	sub := bridge.On(e.bus, events.ExecuteActionEvent, func(ev events.ExecuteAction) {
		result := events.ActionResult{MacroID: ev.MacroID, StepID: ev.Step.ID}
		if err := e.Run(ctx, ev.Step); err != nil {
			result.Error = err.Error()
		}
		bridge.Emit(e.bus, events.ActionResultEvent, result)
	})
	e.mu.Lock()
	e.subs = append(e.subs, sub)
	e.mu.Unlock()
	return nil
}

// Close removes the executor's subscriptions.
func (e *Executor) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range e.subs {
		s.Cancel()
	}
	e.subs = nil
}

// Run performs one step.
func (e *Executor) Run(ctx context.Context, step model.Step) error {
	log := e.logger.With(
		zap.String("step_id", step.ID),
		zap.String("step_type", string(step.Type)))

	el, err := e.doc.Resolve(ctx, step.Target)
	if err != nil || el == nil {
		if err == nil || errors.Is(err, ErrElementNotFound) {
			err = fmt.Errorf("%w for target %s", ErrElementNotFound, describe(step.Target))
		} else {
			err = fmt.Errorf("resolve target: %w", err)
		}
		log.Warn("Step target not resolved", zap.Error(err))
		return err
	}

	info, err := el.Info(ctx)
	if err != nil {
		return fmt.Errorf("inspect target: %w", err)
	}
	if err := checkCategory(step.Type, info); err != nil {
		log.Warn("Step target has the wrong type", zap.String("tag", info.Tag), zap.Error(err))
		return err
	}

	if err := e.reveal(ctx, el); err != nil {
		return err
	}

	if err := el.Highlight(ctx); err != nil {
		log.Debug("Highlight failed", zap.Error(err))
	} else {
		err := e.sleep(ctx, e.highlightHold)
		if uerr := el.Unhighlight(ctx); uerr != nil {
			log.Debug("Unhighlight failed", zap.Error(uerr))
		}
		if err != nil {
			return err
		}
	}

	log.Info("Executing step", zap.String("tag", info.Tag), zap.String("xpath", step.Target.XPath))

	switch step.Type {
	case model.StepClick:
		if err := el.Click(ctx); err != nil {
			return fmt.Errorf("click: %w", err)
		}
		if info.Focusable {
			if err := el.Focus(ctx); err != nil {
				return fmt.Errorf("focus: %w", err)
			}
		}
	case model.StepInput:
		if err := el.Focus(ctx); err != nil {
			return fmt.Errorf("focus: %w", err)
		}
		if err := el.SetValue(ctx, step.Value); err != nil {
			return fmt.Errorf("set value: %w", err)
		}
	case model.StepKeypress:
		if err := el.Focus(ctx); err != nil {
			return fmt.Errorf("focus: %w", err)
		}
		key := KeyEvent{
			Key:      step.Key,
			Code:     step.Code,
			CtrlKey:  step.CtrlKey,
			ShiftKey: step.ShiftKey,
			AltKey:   step.AltKey,
			MetaKey:  step.MetaKey,
		}
		if err := el.DispatchKey(ctx, key); err != nil {
			return fmt.Errorf("dispatch key %s: %w", step.Key, err)
		}
		if step.Key == "Enter" && info.InForm {
			if err := e.sleep(ctx, e.submitDelay); err != nil {
				return err
			}
			if err := el.SubmitForm(ctx); err != nil {
				return fmt.Errorf("submit form: %w", err)
			}
		}
	default:
		return fmt.Errorf("unknown step type %q", step.Type)
	}
	return nil
}

func (e *Executor) reveal(ctx context.Context, el Element) error {
	ratio, err := el.VisibleRatio(ctx)
	if err != nil {
		return fmt.Errorf("measure visibility: %w", err)
	}
	if ratio >= MinVisibleRatio {
		return nil
	}
	if err := el.ScrollIntoView(ctx); err != nil {
		return fmt.Errorf("scroll into view: %w", err)
	}
	return e.sleep(ctx, e.scrollSettle)
}

func checkCategory(t model.StepType, info ElementInfo) error {
	switch t {
	case model.StepClick:
		if !info.IsHTML {
			return fmt.Errorf("%w: %s is not an HTML element", ErrTypeMismatch, info.Tag)
		}
	case model.StepInput:
		if !info.TextEntry {
			return fmt.Errorf("%w: %s does not accept text", ErrTypeMismatch, info.Tag)
		}
	case model.StepKeypress:
		if !info.Focusable {
			return fmt.Errorf("%w: %s is not focusable", ErrTypeMismatch, info.Tag)
		}
	}
	return nil
}

func describe(l locator.Locator) string {
	switch {
	case l.XPath != "":
		return "xpath=" + l.XPath
	case l.ID != "":
		return "id=" + l.ID
	case l.ClassName != "":
		return "class=" + l.ClassName
	}
	return "<empty>"
}
