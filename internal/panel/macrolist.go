package panel

import (
	"sort"

	"ghostclick/internal/model"
)

// MacroList is the panel's view of saved macros, newest first, optionally
// narrowed to one domain, with a selection cursor.
type MacroList struct {
	all    []model.Macro
	domain string
	cursor int
}

// NewMacroList creates a list from a snapshot of the repository.
func NewMacroList(macros []model.Macro) *MacroList {
	l := &MacroList{all: append([]model.Macro(nil), macros...)}
	l.sort()
	return l
}

func (l *MacroList) sort() {
	sort.SliceStable(l.all, func(i, j int) bool {
		return l.all[i].UpdatedAt > l.all[j].UpdatedAt
	})
}

// SetDomain narrows the visible macros to domain. Empty shows all.
func (l *MacroList) SetDomain(domain string) {
	l.domain = domain
	l.clamp()
}

// Domain returns the active domain filter.
func (l *MacroList) Domain() string { return l.domain }

// Visible returns the macros passing the domain filter.
func (l *MacroList) Visible() []model.Macro {
	if l.domain == "" {
		return l.all
	}
	out := make([]model.Macro, 0, len(l.all))
	for _, m := range l.all {
		if m.Domain == l.domain {
			out = append(out, m)
		}
	}
	return out
}

// Upsert applies a SAVED_MACRO.
func (l *MacroList) Upsert(m model.Macro) {
	selected := l.selectedID()
	replaced := false
	for i := range l.all {
		if l.all[i].ID == m.ID {
			l.all[i] = m
			replaced = true
			break
		}
	}
	if !replaced {
		l.all = append(l.all, m)
	}
	l.sort()
	l.reselect(selected)
}

// Remove applies a DELETED_MACRO.
func (l *MacroList) Remove(id string) {
	selected := l.selectedID()
	for i := range l.all {
		if l.all[i].ID == id {
			l.all = append(l.all[:i], l.all[i+1:]...)
			break
		}
	}
	l.reselect(selected)
}

// Find returns the macro with id, or nil.
func (l *MacroList) Find(id string) *model.Macro {
	for i := range l.all {
		if l.all[i].ID == id {
			return &l.all[i]
		}
	}
	return nil
}

// Len returns the number of visible macros.
func (l *MacroList) Len() int { return len(l.Visible()) }

// Cursor returns the index of the selection among the visible macros.
func (l *MacroList) Cursor() int { return l.cursor }

// Selected returns the macro under the cursor, or nil.
func (l *MacroList) Selected() *model.Macro {
	vis := l.Visible()
	if l.cursor < 0 || l.cursor >= len(vis) {
		return nil
	}
	return l.Find(vis[l.cursor].ID)
}

// Move shifts the cursor by delta, clamped to the visible range.
func (l *MacroList) Move(delta int) {
	l.cursor += delta
	l.clamp()
}

func (l *MacroList) clamp() {
	n := l.Len()
	if l.cursor >= n {
		l.cursor = n - 1
	}
	if l.cursor < 0 {
		l.cursor = 0
	}
}

func (l *MacroList) selectedID() string {
	if m := l.Selected(); m != nil {
		return m.ID
	}
	return ""
}

func (l *MacroList) reselect(id string) {
	if id != "" {
		for i, m := range l.Visible() {
			if m.ID == id {
				l.cursor = i
				return
			}
		}
	}
	l.clamp()
}
