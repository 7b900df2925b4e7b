// Package panel holds the models behind the control panel: the macro list,
// playback progress, and the terminal UI that renders them.
package panel

import (
	"ghostclick/internal/events"
	"ghostclick/internal/model"
)

// Progress follows one playback from the events a panel receives.
type Progress struct {
	MacroID   string
	Total     int
	Current   int // 1-based index of the step in flight; 0 before the first
	StepID    string
	Playing   bool
	Paused    bool
	Completed bool
	Stopped   bool
	Errors    []events.PlaybackError
}

// Begin resets progress for a playback of m.
func (p *Progress) Begin(m model.Macro) {
	*p = Progress{MacroID: m.ID, Total: len(m.Steps), Playing: true}
}

// Restore rebuilds progress from the durable playback record. macro may be
// nil when it is not known to the panel.
func (p *Progress) Restore(st *model.PlaybackState, macro *model.Macro) {
	if st == nil || !st.IsPlaying {
		if p.Playing {
			p.Playing = false
			p.Paused = false
		}
		return
	}
	if p.MacroID != st.MacroID || !p.Playing {
		*p = Progress{MacroID: st.MacroID, Playing: true}
	}
	p.Paused = st.IsPaused
	if macro != nil && macro.ID == st.MacroID {
		p.Total = len(macro.Steps)
		if st.CurrentStepID != "" {
			p.StepID = st.CurrentStepID
			p.Current = macro.StepIndex(st.CurrentStepID) + 1
		}
	}
}

// OnExecute records the step the coordinator asked a page to run.
func (p *Progress) OnExecute(ev events.ExecuteAction, macro *model.Macro) {
	if ev.MacroID != p.MacroID || !p.Playing {
		p.Begin(model.Macro{ID: ev.MacroID})
		if macro != nil && macro.ID == ev.MacroID {
			p.Total = len(macro.Steps)
		}
	}
	p.StepID = ev.Step.ID
	if macro != nil && macro.ID == ev.MacroID {
		p.Current = macro.StepIndex(ev.Step.ID) + 1
	} else {
		p.Current++
	}
}

// OnError records a failed step or an aborted playback.
func (p *Progress) OnError(ev events.PlaybackError) {
	if p.MacroID != "" && ev.MacroID != p.MacroID {
		return
	}
	p.Errors = append(p.Errors, ev)
	if ev.StepID == "" {
		p.Playing = false
		p.Paused = false
	}
}

// OnCompleted marks the playback finished.
func (p *Progress) OnCompleted(ev events.PlaybackCompleted) {
	if ev.MacroID != p.MacroID {
		return
	}
	p.Playing = false
	p.Paused = false
	p.Completed = true
}

// OnStop marks the playback stopped.
func (p *Progress) OnStop() {
	if !p.Playing {
		return
	}
	p.Playing = false
	p.Paused = false
	p.Stopped = true
}

// SetPaused reflects a pause or resume request.
func (p *Progress) SetPaused(paused bool) {
	if p.Playing {
		p.Paused = paused
	}
}

// Fraction returns the completed share of the playback in [0, 1].
func (p *Progress) Fraction() float64 {
	if p.Completed {
		return 1
	}
	if p.Total == 0 {
		return 0
	}
	done := p.Current - 1
	if done < 0 {
		done = 0
	}
	return float64(done) / float64(p.Total)
}
