package playback

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"ghostclick/internal/bridge"
	"ghostclick/internal/events"
	"ghostclick/internal/model"
	"ghostclick/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// page stands in for the page executor on a local bus.
type page struct {
	mu       sync.Mutex
	executed []string
	stepIDs  []string
	fail     map[string]string
	silent   bool
	onStep   func(step model.Step)
	seen     chan string
}

type observed struct {
	mu        sync.Mutex
	completed []string
	errs      []events.PlaybackError
	stops     int
}

func (o *observed) snapshot() ([]string, []events.PlaybackError, int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.completed...), append([]events.PlaybackError(nil), o.errs...), o.stops
}

func (p *page) ids() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.executed...)
}

type harness struct {
	bus    *bridge.Bus
	states *store.PlaybackStateRepository
	macros *store.MacroRepository
	engine *Engine
	page   *page
	seen   *observed
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	bus, err := bridge.NewBus(bridge.Endpoint{Kind: bridge.KindCoordinator, ID: "main"}, nil, logger)
	require.NoError(t, err)
	t.Cleanup(bus.Close)

	kv := store.NewMemoryKV()
	h := &harness{
		bus:    bus,
		states: store.NewPlaybackStateRepository(kv, logger),
		macros: store.NewMacroRepository(kv, logger),
		page:   &page{fail: map[string]string{}, seen: make(chan string, 16)},
		seen:   &observed{},
	}
	h.engine = NewEngine(bus, h.states, logger, opts...)

	bridge.On(bus, events.ExecuteActionEvent, func(ev events.ExecuteAction) {
		st, _ := h.states.Get(context.Background())
		p := h.page
		p.mu.Lock()
		p.executed = append(p.executed, ev.Step.ID)
		if st != nil {
			p.stepIDs = append(p.stepIDs, st.CurrentStepID)
		}
		msg, silent, hook := p.fail[ev.Step.ID], p.silent, p.onStep
		p.mu.Unlock()
		p.seen <- ev.Step.ID
		if hook != nil {
			hook(ev.Step)
		}
		if silent {
			return
		}
		bridge.Emit(bus, events.ActionResultEvent, events.ActionResult{MacroID: ev.MacroID, StepID: ev.Step.ID, Error: msg})
	})
	bridge.On(bus, events.PlaybackCompletedEvent, func(ev events.PlaybackCompleted) {
		h.seen.mu.Lock()
		h.seen.completed = append(h.seen.completed, ev.MacroID)
		h.seen.mu.Unlock()
	})
	bridge.On(bus, events.PlaybackErrorEvent, func(ev events.PlaybackError) {
		h.seen.mu.Lock()
		h.seen.errs = append(h.seen.errs, ev)
		h.seen.mu.Unlock()
	})
	bridge.On(bus, events.StopPlaybackEvent, func(bridge.Empty) {
		h.seen.mu.Lock()
		h.seen.stops++
		h.seen.mu.Unlock()
	})
	return h
}

func macro(id string, timestamps ...int64) model.Macro {
	m := model.Macro{ID: id, Name: id, InitialURL: "https://example.com/"}
	for i, ts := range timestamps {
		m.Steps = append(m.Steps, model.Step{
			ID:        string(rune('a' + i)),
			Type:      model.StepClick,
			Timestamp: ts,
		})
	}
	return m
}

func (h *harness) assertIdle(t *testing.T) {
	t.Helper()
	assert.False(t, h.engine.IsPlaying())
	st, err := h.states.Get(context.Background())
	require.NoError(t, err)
	assert.Nil(t, st)
}

func TestPlay_RunsStepsInOrder(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.Init(context.Background()))
	defer h.engine.Close()

	start := time.Now()
	require.NoError(t, h.engine.Play(context.Background(), macro("m1", 1000, 1020, 1010, 1050)))

	assert.Equal(t, []string{"a", "b", "c", "d"}, h.page.ids())
	assert.Equal(t, []string{"a", "b", "c", "d"}, h.page.stepIDs, "progress is persisted before each step")
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)

	completed, errs, stops := h.seen.snapshot()
	assert.Equal(t, []string{"m1"}, completed)
	assert.Empty(t, errs)
	assert.Zero(t, stops)
	h.assertIdle(t)
}

func TestPlay_StepFailureContinues(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.Init(context.Background()))
	defer h.engine.Close()
	h.page.fail["b"] = "element not found for target id=x"

	require.NoError(t, h.engine.Play(context.Background(), macro("m1", 1, 2, 3)))

	assert.Equal(t, []string{"a", "b", "c"}, h.page.ids())
	completed, errs, _ := h.seen.snapshot()
	assert.Equal(t, []string{"m1"}, completed)
	require.Len(t, errs, 1)
	assert.Equal(t, events.PlaybackError{MacroID: "m1", StepID: "b", Error: "element not found for target id=x"}, errs[0])
	h.assertIdle(t)
}

func TestPlay_StepTimeout(t *testing.T) {
	h := newHarness(t, WithStepTimeout(20*time.Millisecond))
	require.NoError(t, h.engine.Init(context.Background()))
	defer h.engine.Close()
	h.page.silent = true

	require.NoError(t, h.engine.Play(context.Background(), macro("m1", 1, 2)))

	completed, errs, _ := h.seen.snapshot()
	assert.Equal(t, []string{"m1"}, completed)
	require.Len(t, errs, 2)
	assert.Contains(t, errs[0].Error, ErrStepTimeout.Error())
}

func TestPlay_StopInterruptsDelay(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.Init(context.Background()))
	defer h.engine.Close()

	done := make(chan error, 1)
	go func() { done <- h.engine.Play(context.Background(), macro("m1", 0, 60_000)) }()

	assert.Equal(t, "a", <-h.page.seen)
	require.Eventually(t, func() bool { return len(h.page.ids()) == 1 && h.engine.IsPlaying() }, time.Second, 5*time.Millisecond)
	require.NoError(t, h.engine.Stop())

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not interrupt the delay")
	}
	assert.Equal(t, []string{"a"}, h.page.ids())
	completed, errs, _ := h.seen.snapshot()
	assert.Empty(t, completed, "a stopped playback is quiet")
	assert.Empty(t, errs)
	h.assertIdle(t)
	assert.ErrorIs(t, h.engine.Stop(), ErrNotPlaying)
}

func TestPlay_StopWaitsForInFlightStep(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.Init(context.Background()))
	defer h.engine.Close()
	h.page.silent = true

	done := make(chan error, 1)
	go func() { done <- h.engine.Play(context.Background(), macro("m1", 0, 1)) }()

	assert.Equal(t, "a", <-h.page.seen)
	require.NoError(t, h.engine.Stop())

	select {
	case <-done:
		t.Fatal("playback ended before step a was acknowledged")
	case <-time.After(50 * time.Millisecond):
	}
	assert.True(t, h.engine.IsPlaying())
	st, err := h.states.Get(context.Background())
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, "a", st.CurrentStepID)

	bridge.Emit(h.bus, events.ActionResultEvent, events.ActionResult{MacroID: "m1", StepID: "a"})
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("playback did not stop after the in-flight step")
	}

	assert.Equal(t, []string{"a"}, h.page.ids())
	completed, errs, _ := h.seen.snapshot()
	assert.Empty(t, completed)
	assert.Empty(t, errs)
	h.assertIdle(t)
}

func TestPlay_PauseAndResume(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.Init(context.Background()))
	defer h.engine.Close()

	ctx := context.Background()
	h.page.onStep = func(step model.Step) {
		if step.ID == "a" {
			assert.NoError(t, h.engine.Pause(ctx))
		}
	}

	done := make(chan error, 1)
	go func() { done <- h.engine.Play(ctx, macro("m1", 0, 1, 2)) }()
	<-h.page.seen

	require.Eventually(t, func() bool {
		st, err := h.states.Get(ctx)
		return err == nil && st != nil && st.IsPaused
	}, time.Second, 5*time.Millisecond)
	assert.True(t, h.engine.IsPaused())
	st, err := h.states.Get(ctx)
	require.NoError(t, err)
	assert.True(t, st.IsPlaying)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []string{"a"}, h.page.ids(), "no step runs while paused")

	require.NoError(t, h.engine.Resume(ctx))
	require.NoError(t, <-done)
	assert.Equal(t, []string{"a", "b", "c"}, h.page.ids())
	completed, _, _ := h.seen.snapshot()
	assert.Equal(t, []string{"m1"}, completed)
	h.assertIdle(t)
}

func TestPlay_StopWhilePaused(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.Init(context.Background()))
	defer h.engine.Close()

	ctx := context.Background()
	h.page.onStep = func(model.Step) { _ = h.engine.Pause(ctx) }

	done := make(chan error, 1)
	go func() { done <- h.engine.Play(ctx, macro("m1", 0, 1)) }()
	<-h.page.seen
	require.Eventually(t, h.engine.IsPaused, time.Second, 5*time.Millisecond)

	require.NoError(t, h.engine.Stop())
	require.NoError(t, <-done)
	assert.Equal(t, []string{"a"}, h.page.ids())
	completed, _, _ := h.seen.snapshot()
	assert.Empty(t, completed)
	h.assertIdle(t)
}

func TestPlay_AlreadyPlaying(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.Init(context.Background()))
	defer h.engine.Close()

	done := make(chan error, 1)
	go func() { done <- h.engine.Play(context.Background(), macro("m1", 0, 60_000)) }()
	<-h.page.seen

	err := h.engine.Play(context.Background(), macro("m2", 0))
	assert.ErrorIs(t, err, ErrAlreadyPlaying)

	require.NoError(t, h.engine.Stop())
	require.NoError(t, <-done)
	assert.Equal(t, []string{"a"}, h.page.ids())
}

type failingNavigator struct{}

func (failingNavigator) Navigate(context.Context, string) error {
	return errors.New("net::ERR_NAME_NOT_RESOLVED")
}

func TestPlay_EngineFailure(t *testing.T) {
	h := newHarness(t, WithNavigator(failingNavigator{}))
	require.NoError(t, h.engine.Init(context.Background()))
	defer h.engine.Close()

	err := h.engine.Play(context.Background(), macro("m1", 0))
	require.Error(t, err)

	assert.Empty(t, h.page.ids())
	completed, errs, stops := h.seen.snapshot()
	assert.Empty(t, completed)
	require.Len(t, errs, 1)
	assert.Equal(t, "m1", errs[0].MacroID)
	assert.Empty(t, errs[0].StepID)
	assert.Contains(t, errs[0].Error, "ERR_NAME_NOT_RESOLVED")
	assert.Equal(t, 1, stops)
	h.assertIdle(t)
}

func TestInit_ClearsInterruptedPlayback(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.states.Save(ctx, model.PlaybackState{IsPlaying: true, MacroID: "m1", CurrentStepID: "b"}))

	require.NoError(t, h.engine.Init(ctx))
	defer h.engine.Close()

	_, errs, stops := h.seen.snapshot()
	require.Len(t, errs, 1)
	assert.Equal(t, events.PlaybackError{MacroID: "m1", StepID: "b", Error: InterruptedError}, errs[0])
	assert.Equal(t, 1, stops)
	h.assertIdle(t)
}

func TestControl_WhenIdle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	assert.ErrorIs(t, h.engine.Stop(), ErrNotPlaying)
	assert.ErrorIs(t, h.engine.Pause(ctx), ErrNotPlaying)
	assert.ErrorIs(t, h.engine.Resume(ctx), ErrNotPlaying)
}

func TestService_PlayMacroEvent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.engine.Init(ctx))
	defer h.engine.Close()

	_, err := h.macros.Save(ctx, macro("m1", 0, 1))
	require.NoError(t, err)

	svc := NewService(h.engine, h.macros, h.bus, zaptest.NewLogger(t))
	require.NoError(t, svc.Init(ctx))
	defer svc.Close()

	bridge.Emit(h.bus, events.PlayMacroEvent, events.PlayMacro{MacroID: "m1"})
	svc.Wait()

	assert.Equal(t, []string{"a", "b"}, h.page.ids())
	completed, _, _ := h.seen.snapshot()
	assert.Equal(t, []string{"m1"}, completed)

	bridge.Emit(h.bus, events.PlayMacroEvent, events.PlayMacro{MacroID: "missing"})
	svc.Wait()
	_, errs, _ := h.seen.snapshot()
	require.Len(t, errs, 1)
	assert.Equal(t, "missing", errs[0].MacroID)
}

func TestService_StopEvent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.engine.Init(ctx))
	defer h.engine.Close()

	_, err := h.macros.Save(ctx, macro("m1", 0, 60_000))
	require.NoError(t, err)

	svc := NewService(h.engine, h.macros, h.bus, zaptest.NewLogger(t))
	require.NoError(t, svc.Init(ctx))
	defer svc.Close()

	require.NoError(t, svc.Start(ctx, "m1"))
	<-h.page.seen
	bridge.Emit(h.bus, events.StopPlaybackEvent, bridge.Empty{})
	svc.Wait()

	assert.Equal(t, []string{"a"}, h.page.ids())
	h.assertIdle(t)
}
