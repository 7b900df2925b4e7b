package panel

import (
	"context"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"ghostclick/internal/bridge"
	"ghostclick/internal/events"
	"ghostclick/internal/model"
	"ghostclick/internal/store"
)

func macro(id, domain string, updated int64, steps ...string) model.Macro {
	m := model.Macro{ID: id, Name: "Macro " + id, Domain: domain, UpdatedAt: updated}
	for _, s := range steps {
		m.Steps = append(m.Steps, model.Step{ID: s, Type: model.StepClick})
	}
	return m
}

func key(s string) tea.KeyMsg {
	switch s {
	case "enter":
		return tea.KeyMsg{Type: tea.KeyEnter}
	case "space":
		return tea.KeyMsg{Type: tea.KeySpace, Runes: []rune{' '}}
	case "up":
		return tea.KeyMsg{Type: tea.KeyUp}
	case "down":
		return tea.KeyMsg{Type: tea.KeyDown}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func TestMacroList_SortFilterSelect(t *testing.T) {
	l := NewMacroList([]model.Macro{
		macro("a", "shop.example.com", 100),
		macro("b", "mail.example.com", 300),
		macro("c", "shop.example.com", 200),
	})

	ids := func() []string {
		var out []string
		for _, m := range l.Visible() {
			out = append(out, m.ID)
		}
		return out
	}
	assert.Equal(t, []string{"b", "c", "a"}, ids())
	assert.Equal(t, "b", l.Selected().ID)

	l.Move(1)
	assert.Equal(t, "c", l.Selected().ID)

	l.SetDomain("shop.example.com")
	assert.Equal(t, []string{"c", "a"}, ids())
	l.Move(5)
	assert.Equal(t, "a", l.Selected().ID)

	// A newer save moves to the top but the selection follows its macro.
	l.Upsert(macro("d", "shop.example.com", 400))
	assert.Equal(t, []string{"d", "c", "a"}, ids())
	assert.Equal(t, "a", l.Selected().ID)

	l.Remove("a")
	assert.Equal(t, "c", l.Selected().ID)
	assert.Equal(t, 2, l.Len())

	l.SetDomain("")
	l.Move(-10)
	assert.Equal(t, 0, l.Cursor())
	assert.Nil(t, l.Find("a"))
}

func TestMacroList_Empty(t *testing.T) {
	l := NewMacroList(nil)
	assert.Nil(t, l.Selected())
	l.Move(1)
	assert.Equal(t, 0, l.Cursor())
}

func TestProgress_Lifecycle(t *testing.T) {
	m := macro("m1", "x", 1, "s1", "s2", "s3", "s4")
	var p Progress

	p.Begin(m)
	assert.True(t, p.Playing)
	assert.Equal(t, 4, p.Total)
	assert.Zero(t, p.Fraction())

	p.OnExecute(events.ExecuteAction{MacroID: "m1", Step: m.Steps[2]}, &m)
	assert.Equal(t, 3, p.Current)
	assert.Equal(t, "s3", p.StepID)
	assert.InDelta(t, 0.5, p.Fraction(), 0.001)

	p.OnError(events.PlaybackError{MacroID: "m1", StepID: "s3", Error: "element not found"})
	assert.True(t, p.Playing, "a step error does not end playback")
	p.OnError(events.PlaybackError{MacroID: "other", Error: "ignored"})
	assert.Len(t, p.Errors, 1)

	p.SetPaused(true)
	assert.True(t, p.Paused)

	p.OnCompleted(events.PlaybackCompleted{MacroID: "m1"})
	assert.False(t, p.Playing)
	assert.False(t, p.Paused)
	assert.True(t, p.Completed)
	assert.Equal(t, 1.0, p.Fraction())
}

func TestProgress_AbortAndStop(t *testing.T) {
	m := macro("m1", "x", 1, "s1")

	var p Progress
	p.Begin(m)
	p.OnError(events.PlaybackError{MacroID: "m1", Error: "navigation failed"})
	assert.False(t, p.Playing)

	p.Begin(m)
	p.OnStop()
	assert.True(t, p.Stopped)
	p.SetPaused(true)
	assert.False(t, p.Paused, "pause is ignored once stopped")
}

func TestProgress_Restore(t *testing.T) {
	m := macro("m1", "x", 1, "s1", "s2")
	var p Progress

	p.Restore(&model.PlaybackState{IsPlaying: true, IsPaused: true, MacroID: "m1", CurrentStepID: "s2"}, &m)
	assert.True(t, p.Playing)
	assert.True(t, p.Paused)
	assert.Equal(t, 2, p.Current)
	assert.Equal(t, 2, p.Total)

	p.Restore(nil, nil)
	assert.False(t, p.Playing)
	assert.Equal(t, "m1", p.MacroID)
}

func TestProgress_ExecuteWithoutBegin(t *testing.T) {
	var p Progress
	p.OnExecute(events.ExecuteAction{MacroID: "m9", Step: model.Step{ID: "s1"}}, nil)
	assert.True(t, p.Playing)
	assert.Equal(t, "m9", p.MacroID)
	assert.Equal(t, 1, p.Current)
}

type panelHarness struct {
	bus    *bridge.Bus
	played []string
	stops  int
	pauses int
	resume int
	cmds   []string
}

func newPanelHarness(t *testing.T) *panelHarness {
	t.Helper()
	bus, err := bridge.NewBus(bridge.Endpoint{Kind: bridge.KindPanel, ID: "test"}, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(bus.Close)

	h := &panelHarness{bus: bus}
	bridge.On(bus, events.PlayMacroEvent, func(ev events.PlayMacro) { h.played = append(h.played, ev.MacroID) })
	bridge.On(bus, events.StopPlaybackEvent, func(bridge.Empty) { h.stops++ })
	bridge.On(bus, events.PausePlaybackEvent, func(bridge.Empty) { h.pauses++ })
	bridge.On(bus, events.ResumePlaybackEvent, func(bridge.Empty) { h.resume++ })
	bridge.On(bus, events.CommandEvent, func(c events.Command) { h.cmds = append(h.cmds, c.Name) })
	return h
}

func update(t *testing.T, m Model, msg tea.Msg) Model {
	t.Helper()
	next, cmd := m.Update(msg)
	if cmd != nil {
		cmd()
	}
	return next.(Model)
}

func TestUpdate_PlayPauseStop(t *testing.T) {
	h := newPanelHarness(t)
	m := NewModel(context.Background(), h.bus, []model.Macro{
		macro("old", "x", 1, "s1"),
		macro("new", "x", 2, "s1", "s2"),
	}, nil, zaptest.NewLogger(t))

	m = update(t, m, key("down"))
	m = update(t, m, key("enter"))
	assert.Equal(t, []string{"old"}, h.played)
	assert.True(t, m.Progress().Playing)
	assert.Equal(t, 1, m.Progress().Total)

	m = update(t, m, key("p"))
	assert.Len(t, h.played, 1, "no second play while one is running")

	m = update(t, m, key("space"))
	assert.Equal(t, 1, h.pauses)
	assert.True(t, m.Progress().Paused)

	m = update(t, m, key("space"))
	assert.Equal(t, 1, h.resume)
	assert.False(t, m.Progress().Paused)

	m = update(t, m, key("s"))
	assert.Equal(t, 1, h.stops)
	assert.True(t, m.Progress().Stopped)

	m = update(t, m, key("s"))
	assert.Equal(t, 1, h.stops, "stop is ignored when idle")
}

func TestUpdate_RecordingCommands(t *testing.T) {
	h := newPanelHarness(t)
	m := NewModel(context.Background(), h.bus, nil, nil, zaptest.NewLogger(t))

	m = update(t, m, key("r"))
	m = update(t, m, key("x"))
	assert.Equal(t, []string{events.CommandStartRecording, events.CommandStopRecording}, h.cmds)

	m = update(t, m, startRecMsg{InitialURL: "https://shop.example.com/"})
	m = update(t, m, userStepMsg{})
	m = update(t, m, userStepMsg{})
	assert.True(t, m.Recording())
	assert.Contains(t, m.View(), "REC 2")

	m = update(t, m, savedMsg{Macro: macro("m1", "shop.example.com", 5, "s1", "s2")})
	assert.False(t, m.Recording())
	assert.Equal(t, 1, m.List().Len())
	assert.Contains(t, m.Status(), "Macro m1")

	m = update(t, m, deletedMsg{MacroID: "m1"})
	assert.Zero(t, m.List().Len())
}

func TestUpdate_PlaybackEvents(t *testing.T) {
	m := NewModel(context.Background(), nil, []model.Macro{macro("m1", "x", 1, "s1", "s2")}, nil, nil)

	m = update(t, m, executeMsg{MacroID: "m1", Step: model.Step{ID: "s2"}})
	assert.Equal(t, 2, m.Progress().Current)
	assert.Equal(t, 2, m.Progress().Total)

	m = update(t, m, errorMsg{MacroID: "m1", StepID: "s2", Error: "element not found"})
	assert.Contains(t, m.View(), "step s2: element not found")

	m = update(t, m, completedMsg{MacroID: "m1"})
	assert.True(t, m.Progress().Completed)
	assert.Contains(t, m.View(), "completed")
}

func TestUpdate_DomainFilter(t *testing.T) {
	m := NewModel(context.Background(), nil, []model.Macro{
		macro("a", "one.example", 2),
		macro("b", "two.example", 1),
	}, nil, nil)

	m = update(t, m, key("f"))
	assert.Equal(t, "one.example", m.List().Domain())
	assert.Equal(t, 1, m.List().Len())
	m = update(t, m, key("f"))
	assert.Equal(t, "", m.List().Domain())
}

func TestUpdate_Quit(t *testing.T) {
	m := NewModel(context.Background(), nil, nil, nil, nil)
	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyCtrlC})
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
	assert.Empty(t, next.(Model).View())
}

func TestUpdate_WindowSize(t *testing.T) {
	m := NewModel(context.Background(), nil, nil, nil, nil)
	for _, size := range []tea.WindowSizeMsg{{Width: 120, Height: 40}, {Width: 0}, {Width: -1}} {
		m = update(t, m, size)
		assert.NotPanics(t, func() { _ = m.View() })
	}
}

func TestStateMsg_FromStore(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemoryKV()
	pb := store.NewPlaybackStateRepository(kv, nil)
	rec := store.NewRecordingStateRepository(kv, nil)
	require.NoError(t, pb.Save(ctx, model.PlaybackState{IsPlaying: true, MacroID: "m1", CurrentStepID: "s1"}))
	require.NoError(t, rec.Save(ctx, model.RecordingState{IsRecording: true, MacroSteps: []model.Step{{ID: "x"}}}))

	m := NewModel(ctx, nil, []model.Macro{macro("m1", "x", 1, "s1", "s2")}, NewStoreStates(pb, rec), nil)
	require.NotNil(t, m.Init())

	msg := m.loadState()()
	m = update(t, m, msg)
	assert.True(t, m.Progress().Playing)
	assert.Equal(t, 1, m.Progress().Current)
	assert.True(t, m.Recording())
	assert.True(t, strings.Contains(m.View(), "REC 1"))
}
