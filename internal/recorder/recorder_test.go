package recorder

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"ghostclick/internal/bridge"
	"ghostclick/internal/events"
	"ghostclick/internal/locator"
	"ghostclick/internal/model"
	"ghostclick/internal/store"
)

func input(id, xpath, value string) model.Step {
	return model.Step{ID: id, Type: model.StepInput, Value: value, Target: locator.Locator{XPath: xpath}}
}

func click(id, xpath string) model.Step {
	return model.Step{ID: id, Type: model.StepClick, Target: locator.Locator{XPath: xpath}}
}

func ids(steps []model.Step) []string {
	out := make([]string, len(steps))
	for i, s := range steps {
		out[i] = s.ID
	}
	return out
}

func TestCollapse(t *testing.T) {
	tests := []struct {
		name string
		in   []model.Step
		want []string
	}{
		{
			name: "runs do not merge across a click",
			in:   []model.Step{input("1", "A", "1"), input("2", "A", "2"), click("c", "B"), input("3", "A", "3")},
			want: []string{"2", "c", "3"},
		},
		{
			name: "different targets are separate runs",
			in:   []model.Step{input("1", "A", "x"), input("2", "B", "y"), input("3", "B", "yz"), input("4", "A", "xz")},
			want: []string{"1", "3", "4"},
		},
		{
			name: "non-input steps pass through",
			in:   []model.Step{click("1", "A"), click("2", "A")},
			want: []string{"1", "2"},
		},
		{
			name: "empty",
			in:   nil,
			want: []string{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ids(Collapse(tt.in)))
		})
	}

	out := Collapse([]model.Step{input("1", "A", "1"), input("2", "A", "2")})
	assert.Equal(t, "2", out[0].Value)
}

func TestCollapse_KeepsLastStepOfRun(t *testing.T) {
	in := []model.Step{
		input("1", "A", "g"),
		input("2", "A", "go"),
		{ID: "k", Type: model.StepKeypress, Key: "Enter", Target: locator.Locator{XPath: "A"}},
		input("3", "A", "gol"),
	}
	want := []model.Step{in[1], in[2], in[3]}
	if diff := cmp.Diff(want, Collapse(in)); diff != "" {
		t.Errorf("Collapse() mismatch (-want +got):\n%s", diff)
	}
}

func TestAssignDelays(t *testing.T) {
	steps := []model.Step{{Timestamp: 100}, {Timestamp: 350}, {Timestamp: 300}}
	assignDelays(steps)
	assert.EqualValues(t, []int64{0, 250, 0}, []int64{steps[0].Delay, steps[1].Delay, steps[2].Delay})
}

type harness struct {
	bus    *bridge.Bus
	kv     *store.MemoryKV
	states *store.RecordingStateRepository
	macros *store.MacroRepository
	saved  []model.Macro
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	bus, err := bridge.NewBus(bridge.Endpoint{Kind: bridge.KindCoordinator, ID: "main"}, nil, logger)
	require.NoError(t, err)
	t.Cleanup(bus.Close)

	h := &harness{bus: bus, kv: store.NewMemoryKV()}
	h.states = store.NewRecordingStateRepository(h.kv, logger)
	h.macros = store.NewMacroRepository(h.kv, logger, store.OnSave(func(m model.Macro) {
		h.saved = append(h.saved, m)
	}))
	return h
}

var fixedNow = time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

func (h *harness) engine(t *testing.T) *Engine {
	t.Helper()
	e := NewEngine(h.bus, h.states, h.macros, zaptest.NewLogger(t),
		WithClock(func() time.Time { return fixedNow }))
	require.NoError(t, e.Init(context.Background()))
	t.Cleanup(e.Close)
	return e
}

func TestEngine_RecordAndStopViaEvents(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	e := h.engine(t)

	bridge.Emit(h.bus, events.StartRecordingEvent, events.StartRecording{
		SessionID: "sess-1", InitialURL: "https://example.com/login", TabID: "tab-1",
	})
	require.True(t, e.IsRecording())

	st, err := h.states.Get(ctx)
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.True(t, st.IsRecording)
	assert.Equal(t, "tab-1", st.TabID)

	steps := []model.Step{
		{ID: "1", Type: model.StepInput, Timestamp: 1000, Value: "a", Target: locator.Locator{XPath: "X"}},
		{ID: "2", Type: model.StepInput, Timestamp: 1100, Value: "ab", Target: locator.Locator{XPath: "X"}},
		{ID: "3", Type: model.StepClick, Timestamp: 1500, Target: locator.Locator{XPath: "Y"}},
	}
	for _, s := range steps {
		bridge.Emit(h.bus, events.UserActionEvent, events.UserAction{SessionID: "sess-1", TabID: "tab-1", Step: s})
	}
	assert.Len(t, e.Steps(), 3)

	bridge.Emit(h.bus, events.StopRecordingEvent, bridge.Empty{})
	assert.False(t, e.IsRecording())

	st, err = h.states.Get(ctx)
	require.NoError(t, err)
	assert.Nil(t, st)

	m, err := h.macros.FindByID(ctx, "sess-1")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, model.DefaultMacroName(fixedNow), m.Name)
	assert.Equal(t, "example.com", m.Domain)
	assert.Equal(t, []string{"2", "3"}, ids(m.Steps))
	assert.EqualValues(t, 400, m.Steps[1].Delay)
	assert.Equal(t, model.Millis(fixedNow), m.CreatedAt)
	require.Len(t, h.saved, 1)
}

func TestEngine_UserOrderingErrors(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	e := h.engine(t)

	_, err := e.Stop(ctx)
	assert.ErrorIs(t, err, ErrNotRecording)

	err = e.Record(ctx, events.UserAction{Step: click("x", "A")})
	assert.ErrorIs(t, err, ErrNotRecording)

	require.NoError(t, e.Start(ctx, "s1", "https://a.io", "t"))
	err = e.Start(ctx, "s2", "https://b.io", "t")
	assert.ErrorIs(t, err, ErrAlreadyRecording)
	assert.Equal(t, "s1", e.SessionID())

	// Steps from another session are dropped silently.
	require.NoError(t, e.Record(ctx, events.UserAction{SessionID: "other", Step: click("x", "A")}))
	assert.Empty(t, e.Steps())
}

func TestEngine_StopWithoutSessionIsEngineError(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	e := h.engine(t)

	require.NoError(t, e.Start(ctx, "", "https://a.io", "t"))
	_, err := e.Stop(ctx)
	assert.ErrorIs(t, err, ErrMissingSession)
	assert.False(t, e.IsRecording())

	st, err := h.states.Get(ctx)
	require.NoError(t, err)
	assert.Nil(t, st)
	assert.Empty(t, h.saved)
}

func TestEngine_StopKeepsExistingNameAndCreatedAt(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_, err := h.macros.Save(ctx, model.Macro{ID: "sess", Name: "Checkout", CreatedAt: 42})
	require.NoError(t, err)
	e := h.engine(t)

	require.NoError(t, e.Start(ctx, "sess", "not a url", "t"))
	require.NoError(t, e.Record(ctx, events.UserAction{SessionID: "sess", Step: click("1", "A")}))
	m, err := e.Stop(ctx)
	require.NoError(t, err)

	assert.Equal(t, "Checkout", m.Name)
	assert.EqualValues(t, 42, m.CreatedAt)
	assert.Equal(t, model.Millis(fixedNow), m.UpdatedAt)
	assert.Equal(t, "unknown", m.Domain)

	all, err := h.macros.All(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestEngine_ResumesAfterReload(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.NoError(t, h.states.Save(ctx, model.RecordingState{
		IsRecording: true,
		SessionID:   "sess",
		InitialURL:  "https://example.com",
		TabID:       "tab",
		MacroSteps:  []model.Step{click("1", "A"), click("2", "B")},
	}))

	e := h.engine(t)
	require.True(t, e.IsRecording())
	assert.Equal(t, []string{"1", "2"}, ids(e.Steps()))

	bridge.Emit(h.bus, events.UserActionEvent, events.UserAction{SessionID: "sess", Step: click("3", "C")})
	assert.Equal(t, []string{"1", "2", "3"}, ids(e.Steps()))

	st, err := h.states.Get(ctx)
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, []string{"1", "2", "3"}, ids(st.MacroSteps))
}

func TestEngine_TabClosedForceStops(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	e := h.engine(t)
	require.NoError(t, e.Start(ctx, "sess", "https://example.com", "tab-1"))

	bridge.Emit(h.bus, events.TabClosedEvent, events.TabClosed{TabID: "tab-2"})
	assert.True(t, e.IsRecording())

	bridge.Emit(h.bus, events.TabClosedEvent, events.TabClosed{TabID: "tab-1"})
	assert.False(t, e.IsRecording())
	require.Len(t, h.saved, 1)
	assert.Equal(t, "sess", h.saved[0].ID)
}

func newCapturer(t *testing.T, h *harness, tabID string) *Capturer {
	t.Helper()
	c := NewCapturer(h.bus, h.states, tabID, zaptest.NewLogger(t))
	n := 0
	c.newID = func() string { n++; return fmt.Sprintf("step-%d", n) }
	c.now = func() time.Time { return fixedNow }
	require.NoError(t, c.Init(context.Background()))
	t.Cleanup(c.Close)
	return c
}

func TestCapturer_ConvertsEvents(t *testing.T) {
	h := newHarness(t)
	c := newCapturer(t, h, "tab-1")

	var got []events.UserAction
	bridge.On(h.bus, events.UserActionEvent, func(a events.UserAction) { got = append(got, a) })

	path := []locator.Segment{
		{Type: locator.ElementNode, Name: "BUTTON", Index: 2, Count: 2},
		{Type: locator.ElementNode, Name: "BODY", Index: 1, Count: 1},
		{Type: locator.ElementNode, Name: "HTML", Index: 1, Count: 1},
	}

	_, ok := c.Handle(RawEvent{Type: RawClick, Tag: "BUTTON", Path: path})
	assert.False(t, ok, "inactive capturer records nothing")

	bridge.Emit(h.bus, events.StartRecordingEvent, events.StartRecording{SessionID: "s", TabID: "tab-2"})
	assert.False(t, c.Active(), "start for another tab is ignored")
	bridge.Emit(h.bus, events.StartRecordingEvent, events.StartRecording{SessionID: "s", TabID: "tab-1"})
	require.True(t, c.Active())

	s, ok := c.Handle(RawEvent{Type: RawClick, Tag: "BUTTON", Text: " Sign in ", ID: "go", Classes: []string{"btn", "primary"}, Path: path, Timestamp: 10})
	require.True(t, ok)
	assert.Equal(t, model.StepClick, s.Type)
	assert.Equal(t, "Sign in", s.Name)
	assert.Equal(t, ".//html/body/button[2]", s.Target.XPath)
	assert.Equal(t, "btn.primary", s.Target.ClassName)
	assert.Equal(t, locator.ByXPath, s.Target.DefaultSelector)
	assert.EqualValues(t, 10, s.Timestamp)

	s, ok = c.Handle(RawEvent{Type: RawInput, Tag: "input", Value: "hello", Path: path})
	require.True(t, ok)
	assert.Equal(t, `Typed "hello"`, s.Name)
	assert.Equal(t, "hello", s.Value)
	assert.Equal(t, model.Millis(fixedNow), s.Timestamp)

	_, ok = c.Handle(RawEvent{Type: RawInput, Tag: "DIV", Value: "x", Path: path})
	assert.False(t, ok, "contenteditable and other tags are not text fields")

	_, ok = c.Handle(RawEvent{Type: RawKeydown, Key: "a", Path: path})
	assert.False(t, ok)

	s, ok = c.Handle(RawEvent{Type: RawKeydown, Tag: "INPUT", Key: "Enter", Code: "Enter", ShiftKey: true, Path: path})
	require.True(t, ok)
	assert.Equal(t, `Pressed "Enter"`, s.Name)
	assert.True(t, s.ShiftKey)
	assert.False(t, s.CtrlKey)

	_, ok = c.Handle(RawEvent{Type: "scroll", Path: path})
	assert.False(t, ok)

	require.Len(t, got, 3)
	assert.Equal(t, "s", got[0].SessionID)
	assert.Equal(t, "tab-1", got[0].TabID)
	assert.Equal(t, []string{"step-1", "step-2", "step-3"}, []string{got[0].Step.ID, got[1].Step.ID, got[2].Step.ID})

	bridge.Emit(h.bus, events.StopRecordingEvent, bridge.Empty{})
	assert.False(t, c.Active())
}

func TestCapturer_RestoresFromState(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.NoError(t, h.states.Save(ctx, model.RecordingState{IsRecording: true, SessionID: "s", TabID: "tab-1"}))

	assert.True(t, newCapturer(t, h, "tab-1").Active())
	assert.False(t, newCapturer(t, h, "tab-9").Active())
}

// A page capture flows into the coordinator engine through the bus.
func TestCapturerFeedsEngine(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	e := h.engine(t)
	c := newCapturer(t, h, "tab-1")

	bridge.Emit(h.bus, events.StartRecordingEvent, events.StartRecording{SessionID: "s", InitialURL: "https://x.dev", TabID: "tab-1"})
	for _, v := range []string{"a", "ab", "abc"} {
		_, ok := c.Handle(RawEvent{Type: RawInput, Tag: "INPUT", Value: v, Path: []locator.Segment{{Type: locator.ElementNode, Name: "INPUT", Index: 1, Count: 1}}})
		require.True(t, ok)
	}
	m, err := e.Stop(ctx)
	require.NoError(t, err)
	require.Len(t, m.Steps, 1)
	assert.Equal(t, "abc", m.Steps[0].Value)
}
