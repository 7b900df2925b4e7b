package recorder

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"ghostclick/internal/bridge"
	"ghostclick/internal/events"
	"ghostclick/internal/locator"
	"ghostclick/internal/model"
	"ghostclick/internal/store"
)

// Raw DOM event types reported by the in-page hook.
const (
	RawClick   = "click"
	RawInput   = "input"
	RawChange  = "change"
	RawKeydown = "keydown"
)

// specialKeys are the only keys recorded as KEYPRESS steps.
var specialKeys = map[string]bool{
	"Enter":      true,
	"Backspace":  true,
	"Delete":     true,
	"Escape":     true,
	"Tab":        true,
	"ArrowUp":    true,
	"ArrowDown":  true,
	"ArrowLeft":  true,
	"ArrowRight": true,
}

// IsSpecialKey reports whether key is recorded as a KEYPRESS step.
func IsSpecialKey(key string) bool { return specialKeys[key] }

// RawEvent is one DOM event as reported by the in-page hook.
type RawEvent struct {
	Type      string            `json:"type"`
	Tag       string            `json:"tag"`
	Text      string            `json:"text,omitempty"`
	Value     string            `json:"value,omitempty"`
	Key       string            `json:"key,omitempty"`
	Code      string            `json:"code,omitempty"`
	CtrlKey   bool              `json:"ctrlKey,omitempty"`
	ShiftKey  bool              `json:"shiftKey,omitempty"`
	AltKey    bool              `json:"altKey,omitempty"`
	MetaKey   bool              `json:"metaKey,omitempty"`
	ID        string            `json:"id,omitempty"`
	Classes   []string          `json:"classes,omitempty"`
	Path      []locator.Segment `json:"path"`
	Timestamp int64             `json:"timestamp"`
}

// Capturer converts raw DOM events of one page into USER_ACTION events while
// a recording is active for that page.
type Capturer struct {
	bus    *bridge.Bus
	states *store.RecordingStateRepository
	tabID  string
	logger *zap.Logger
	now    func() time.Time
	newID  func() string

	mu        sync.Mutex
	active    bool
	sessionID string
	subs      []bridge.Subscription
}

func NewCapturer(bus *bridge.Bus, states *store.RecordingStateRepository, tabID string, logger *zap.Logger) *Capturer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Capturer{
		bus:    bus,
		states: states,
		tabID:  tabID,
		logger: logger.With(zap.String("tab_id", tabID)),
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

// Init restores capture if a recording for this tab is in progress, then
// follows START_RECORDING and STOP_RECORDING.
func (c *Capturer) Init(ctx context.Context) error {
	st, err := c.states.Get(ctx)
	if err != nil {
		c.logger.Warn("Failed to read recording state", zap.Error(err))
	} else if st != nil && st.IsRecording && st.SessionID != "" && c.forThisTab(st.TabID) {
		c.start(st.SessionID)
		c.logger.Info("Restored recording state, starting capture", zap.String("session_id", st.SessionID))
	}

	c.subs = append(c.subs,
		bridge.On(c.bus, events.StartRecordingEvent, func(ev events.StartRecording) {
			if !c.forThisTab(ev.TabID) {
				return
			}
			if !c.start(ev.SessionID) {
				c.logger.Warn("Already capturing user input")
				return
			}
			c.logger.Info("Started capturing user input", zap.String("session_id", ev.SessionID))
		}),
		bridge.On(c.bus, events.StopRecordingEvent, func(bridge.Empty) {
			c.Stop()
		}),
	)
	return nil
}

func (c *Capturer) forThisTab(tabID string) bool {
	return tabID == "" || tabID == c.tabID
}

func (c *Capturer) start(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active {
		return false
	}
	c.active = true
	c.sessionID = sessionID
	return true
}

// Stop ends capture.
func (c *Capturer) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active {
		return
	}
	c.logger.Info("Stopped capturing user input", zap.String("session_id", c.sessionID))
	c.active = false
	c.sessionID = ""
}

// Active reports whether events are being captured.
func (c *Capturer) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Close removes the capturer's subscriptions.
func (c *Capturer) Close() {
	for _, s := range c.subs {
		s.Cancel()
	}
	c.subs = nil
}

// Handle converts ev into a step and emits it as USER_ACTION. It reports
// false when the event is not recorded.
func (c *Capturer) Handle(ev RawEvent) (model.Step, bool) {
	c.mu.Lock()
	active, sessionID := c.active, c.sessionID
	c.mu.Unlock()
	if !active || sessionID == "" {
		return model.Step{}, false
	}

	step, ok := c.toStep(ev)
	if !ok {
		return model.Step{}, false
	}
	c.logger.Debug("Captured step",
		zap.String("step_id", step.ID),
		zap.String("step_type", string(step.Type)),
		zap.String("xpath", step.Target.XPath))

	bridge.Emit(c.bus, events.UserActionEvent, events.UserAction{
		SessionID: sessionID,
		TabID:     c.tabID,
		Step:      step,
	})
	return step, true
}

func (c *Capturer) toStep(ev RawEvent) (model.Step, bool) {
	ts := ev.Timestamp
	if ts == 0 {
		ts = model.Millis(c.now())
	}
	step := model.Step{
		Timestamp: ts,
		Target:    locator.New(ev.ID, ev.Classes, ev.Path),
	}

	switch ev.Type {
	case RawClick:
		step.Type = model.StepClick
		step.Name = model.ClickName(ev.Text, ev.Tag)
	case RawInput, RawChange:
		tag := strings.ToUpper(ev.Tag)
		if tag != "INPUT" && tag != "TEXTAREA" {
			return step, false
		}
		step.Type = model.StepInput
		step.Value = ev.Value
		step.Name = model.InputName(ev.Value)
	case RawKeydown:
		if !IsSpecialKey(ev.Key) {
			return step, false
		}
		step.Type = model.StepKeypress
		step.Name = model.KeypressName(ev.Key)
		step.Key = ev.Key
		step.Code = ev.Code
		step.CtrlKey = ev.CtrlKey
		step.ShiftKey = ev.ShiftKey
		step.AltKey = ev.AltKey
		step.MetaKey = ev.MetaKey
	default:
		return step, false
	}
	step.ID = c.newID()
	return step, true
}
