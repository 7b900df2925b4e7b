package panel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"go.uber.org/zap"

	"ghostclick/internal/bridge"
	"ghostclick/internal/events"
	"ghostclick/internal/model"
)

// StateReader loads the durable records the panel polls.
type StateReader interface {
	Playback(ctx context.Context) (*model.PlaybackState, error)
	Recording(ctx context.Context) (*model.RecordingState, error)
}

// Messages delivered to the Model from the bus.
type (
	savedMsg     events.SavedMacro
	deletedMsg   events.DeletedMacro
	executeMsg   events.ExecuteAction
	errorMsg     events.PlaybackError
	completedMsg events.PlaybackCompleted
	startRecMsg  events.StartRecording
	userStepMsg  events.UserAction
	stopPlayMsg  struct{}
	stopRecMsg   struct{}
	pausedMsg    bool
	tickMsg      time.Time

	stateMsg struct {
		playback  *model.PlaybackState
		recording *model.RecordingState
		err       error
	}
)

const pollInterval = time.Second

// Model is the bubbletea model of the control panel.
type Model struct {
	ctx    context.Context
	bus    *bridge.Bus
	states StateReader
	logger *zap.Logger

	list      *MacroList
	progress  Progress
	bar       progress.Model
	styles    Styles
	recording bool
	recSteps  int
	status    string
	width     int
	quitting  bool
}

// NewModel creates the panel model over a snapshot of saved macros. states
// may be nil, in which case nothing is polled.
func NewModel(ctx context.Context, bus *bridge.Bus, macros []model.Macro, states StateReader, logger *zap.Logger) Model {
	if logger == nil {
		logger = zap.NewNop()
	}
	return Model{
		ctx:    ctx,
		bus:    bus,
		states: states,
		logger: logger,
		list:   NewMacroList(macros),
		bar:    progress.New(progress.WithDefaultGradient(), progress.WithWidth(40)),
		styles: DefaultStyles(),
		width:  80,
	}
}

// Progress returns the current playback progress.
func (m Model) Progress() Progress { return m.progress }

// List returns the macro list.
func (m Model) List() *MacroList { return m.list }

// Recording reports whether a recording is in progress.
func (m Model) Recording() bool { return m.recording }

// Status returns the last status line.
func (m Model) Status() string { return m.status }

func (m Model) Init() tea.Cmd {
	if m.states == nil {
		return nil
	}
	return tea.Batch(m.loadState(), tick())
}

func tick() tea.Cmd {
	return tea.Tick(pollInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) loadState() tea.Cmd {
	states := m.states
	ctx := m.ctx
	return func() tea.Msg {
		pb, err := states.Playback(ctx)
		if err != nil {
			return stateMsg{err: err}
		}
		rec, err := states.Recording(ctx)
		return stateMsg{playback: pb, recording: rec, err: err}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		if w := msg.Width - 20; w > 10 {
			m.bar.Width = w
		}
		return m, nil
	case tea.KeyMsg:
		return m.handleKey(msg)
	case tickMsg:
		return m, tea.Batch(m.loadState(), tick())
	case stateMsg:
		if msg.err != nil {
			m.logger.Warn("Failed to read state", zap.Error(msg.err))
			return m, nil
		}
		var macro *model.Macro
		if msg.playback != nil {
			macro = m.list.Find(msg.playback.MacroID)
		}
		m.progress.Restore(msg.playback, macro)
		m.recording = msg.recording != nil && msg.recording.IsRecording
		if msg.recording != nil {
			m.recSteps = len(msg.recording.MacroSteps)
		}
		return m, nil
	case savedMsg:
		m.list.Upsert(msg.Macro)
		m.status = fmt.Sprintf("Saved %q", msg.Macro.Name)
		if m.recording {
			m.recording = false
			m.recSteps = 0
		}
		return m, nil
	case deletedMsg:
		m.list.Remove(msg.MacroID)
		return m, nil
	case executeMsg:
		m.progress.OnExecute(events.ExecuteAction(msg), m.list.Find(msg.MacroID))
		return m, nil
	case errorMsg:
		m.progress.OnError(events.PlaybackError(msg))
		m.status = "Error: " + msg.Error
		return m, nil
	case completedMsg:
		m.progress.OnCompleted(events.PlaybackCompleted(msg))
		m.status = "Playback completed"
		return m, nil
	case stopPlayMsg:
		m.progress.OnStop()
		return m, nil
	case pausedMsg:
		m.progress.SetPaused(bool(msg))
		return m, nil
	case startRecMsg:
		m.recording = true
		m.recSteps = 0
		m.status = "Recording " + model.Domain(msg.InitialURL)
		return m, nil
	case userStepMsg:
		if m.recording {
			m.recSteps++
		}
		return m, nil
	case stopRecMsg:
		m.recording = false
		return m, nil
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "q":
		m.quitting = true
		return m, tea.Quit
	case "up", "k":
		m.list.Move(-1)
	case "down", "j":
		m.list.Move(1)
	case "enter", "p":
		sel := m.list.Selected()
		if sel == nil {
			return m, nil
		}
		if m.progress.Playing {
			m.status = "A macro is already playing"
			return m, nil
		}
		m.progress.Begin(*sel)
		m.status = fmt.Sprintf("Playing %q", sel.Name)
		return m, m.emit(func(b *bridge.Bus) {
			bridge.Emit(b, events.PlayMacroEvent, events.PlayMacro{MacroID: sel.ID})
		})
	case "s":
		if !m.progress.Playing {
			return m, nil
		}
		m.progress.OnStop()
		return m, m.emit(func(b *bridge.Bus) {
			bridge.Emit(b, events.StopPlaybackEvent, bridge.Empty{})
		})
	case " ":
		if !m.progress.Playing {
			return m, nil
		}
		if m.progress.Paused {
			m.progress.SetPaused(false)
			return m, m.emit(func(b *bridge.Bus) {
				bridge.Emit(b, events.ResumePlaybackEvent, bridge.Empty{})
			})
		}
		m.progress.SetPaused(true)
		return m, m.emit(func(b *bridge.Bus) {
			bridge.Emit(b, events.PausePlaybackEvent, bridge.Empty{})
		})
	case "r":
		return m, m.command(events.CommandStartRecording)
	case "x":
		return m, m.command(events.CommandStopRecording)
	case "f":
		if m.list.Domain() != "" {
			m.list.SetDomain("")
		} else if sel := m.list.Selected(); sel != nil {
			m.list.SetDomain(sel.Domain)
		}
	}
	return m, nil
}

func (m Model) command(name string) tea.Cmd {
	return m.emit(func(b *bridge.Bus) {
		bridge.Emit(b, events.CommandEvent, events.Command{Name: name})
	})
}

func (m Model) emit(fn func(*bridge.Bus)) tea.Cmd {
	bus := m.bus
	if bus == nil {
		return nil
	}
	return func() tea.Msg {
		fn(bus)
		return nil
	}
}

func (m Model) View() string {
	if m.quitting {
		return ""
	}
	var b strings.Builder

	b.WriteString(m.styles.Title.Render("ghostclick"))
	if m.recording {
		b.WriteString("  ")
		b.WriteString(m.styles.Badge.Render(fmt.Sprintf("REC %d", m.recSteps)))
	}
	b.WriteString("\n\n")

	filter := "all domains"
	if d := m.list.Domain(); d != "" {
		filter = d
	}
	b.WriteString(m.styles.Header.Render("Macros"))
	b.WriteString(m.styles.Muted.Render(" (" + filter + ")"))
	b.WriteString("\n")

	visible := m.list.Visible()
	if len(visible) == 0 {
		b.WriteString(m.styles.Muted.Render("  No macros recorded yet"))
		b.WriteString("\n")
	}
	for i, mac := range visible {
		line := fmt.Sprintf("%-32s %-24s %3d steps", truncate(mac.Name, 32), truncate(mac.Domain, 24), len(mac.Steps))
		if i == m.list.Cursor() {
			b.WriteString(m.styles.Selected.Render("> " + line))
		} else {
			b.WriteString(m.styles.Body.Render("  " + line))
		}
		b.WriteString("\n")
	}

	if m.progress.MacroID != "" {
		b.WriteString("\n")
		b.WriteString(m.renderProgress())
	}

	if m.status != "" {
		b.WriteString("\n")
		b.WriteString(m.styles.Muted.Render(m.status))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(m.styles.Muted.Render("↑/↓ select • enter play • space pause/resume • s stop • r record • x stop recording • f filter • q quit"))
	return b.String()
}

func (m Model) renderProgress() string {
	var b strings.Builder
	name := m.progress.MacroID
	if mac := m.list.Find(m.progress.MacroID); mac != nil {
		name = mac.Name
	}
	state := "playing"
	switch {
	case m.progress.Completed:
		state = "completed"
	case m.progress.Stopped:
		state = "stopped"
	case m.progress.Paused:
		state = "paused"
	case !m.progress.Playing:
		state = "idle"
	}
	b.WriteString(m.styles.Header.Render("Playback"))
	b.WriteString(fmt.Sprintf(" %s ", name))
	if m.progress.Paused {
		b.WriteString(m.styles.Warning.Render(state))
	} else {
		b.WriteString(m.styles.Muted.Render(state))
	}
	b.WriteString("\n")
	b.WriteString(m.bar.ViewAs(m.progress.Fraction()))
	b.WriteString(fmt.Sprintf(" %d/%d\n", m.progress.Current, m.progress.Total))

	errs := m.progress.Errors
	if len(errs) > 3 {
		errs = errs[len(errs)-3:]
	}
	for _, e := range errs {
		line := e.Error
		if e.StepID != "" {
			line = "step " + e.StepID + ": " + line
		}
		b.WriteString(m.styles.Error.Render("  " + line))
		b.WriteString("\n")
	}
	return b.String()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// Subscribe forwards the bus events the panel renders to send, typically
// (*tea.Program).Send.
func Subscribe(bus *bridge.Bus, send func(tea.Msg)) []bridge.Subscription {
	return []bridge.Subscription{
		bridge.On(bus, events.SavedMacroEvent, func(ev events.SavedMacro) { send(savedMsg(ev)) }),
		bridge.On(bus, events.DeletedMacroEvent, func(ev events.DeletedMacro) { send(deletedMsg(ev)) }),
		bridge.On(bus, events.ExecuteActionEvent, func(ev events.ExecuteAction) { send(executeMsg(ev)) }),
		bridge.On(bus, events.PlaybackErrorEvent, func(ev events.PlaybackError) { send(errorMsg(ev)) }),
		bridge.On(bus, events.PlaybackCompletedEvent, func(ev events.PlaybackCompleted) { send(completedMsg(ev)) }),
		bridge.On(bus, events.StopPlaybackEvent, func(bridge.Empty) { send(stopPlayMsg{}) }),
		bridge.On(bus, events.PausePlaybackEvent, func(bridge.Empty) { send(pausedMsg(true)) }),
		bridge.On(bus, events.ResumePlaybackEvent, func(bridge.Empty) { send(pausedMsg(false)) }),
		bridge.On(bus, events.StartRecordingEvent, func(ev events.StartRecording) { send(startRecMsg(ev)) }),
		bridge.On(bus, events.UserActionEvent, func(ev events.UserAction) { send(userStepMsg(ev)) }),
		bridge.On(bus, events.StopRecordingEvent, func(bridge.Empty) { send(stopRecMsg{}) }),
	}
}

// Run shows the panel until the user quits or ctx ends.
func Run(ctx context.Context, m Model, opts ...tea.ProgramOption) error {
	opts = append([]tea.ProgramOption{tea.WithContext(ctx), tea.WithAltScreen()}, opts...)
	p := tea.NewProgram(m, opts...)

	var subs []bridge.Subscription
	if m.bus != nil {
		subs = Subscribe(m.bus, p.Send)
	}
	defer func() {
		for _, s := range subs {
			s.Cancel()
		}
	}()

	if _, err := p.Run(); err != nil {
		if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("panel: %w", err)
	}
	return nil
}
