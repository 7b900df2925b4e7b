// Package model defines the records shared by every ghostclick context:
// steps, macros and the two durable state singletons.
package model

import (
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"ghostclick/internal/locator"
)

// StepType tags the variant of a MacroStep.
type StepType string

const (
	StepClick    StepType = "CLICK"
	StepInput    StepType = "INPUT"
	StepKeypress StepType = "KEYPRESS"
)

// Valid reports whether t is one of the known step types.
func (t StepType) Valid() bool {
	switch t {
	case StepClick, StepInput, StepKeypress:
		return true
	}
	return false
}

// MaxNameLength is the longest display name a step may carry.
const MaxNameLength = 30

// Step is one captured interaction. Value is set for INPUT steps; Key, Code
// and the modifier flags are set for KEYPRESS steps.
type Step struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Type      StepType        `json:"type"`
	Timestamp int64           `json:"timestamp"`
	Delay     int64           `json:"delay"`
	Target    locator.Locator `json:"target"`

	Value string `json:"value,omitempty"`

	Key      string `json:"key,omitempty"`
	Code     string `json:"code,omitempty"`
	CtrlKey  bool   `json:"ctrlKey,omitempty"`
	ShiftKey bool   `json:"shiftKey,omitempty"`
	AltKey   bool   `json:"altKey,omitempty"`
	MetaKey  bool   `json:"metaKey,omitempty"`

	// Editable retry settings. Playback does not act on them.
	RetryCount    int   `json:"retryCount,omitempty"`
	RetryInterval int64 `json:"retryInterval,omitempty"`
}

// TruncateName shortens s to MaxNameLength runes, ending with "..." when cut.
func TruncateName(s string) string {
	if utf8.RuneCountInString(s) <= MaxNameLength {
		return s
	}
	r := []rune(s)
	return string(r[:MaxNameLength-3]) + "..."
}

// ClickName labels a click on an element with the given text and tag.
func ClickName(text, tag string) string {
	text = strings.Join(strings.Fields(text), " ")
	if text == "" {
		text = strings.ToLower(tag)
	}
	return TruncateName(text)
}

// InputName labels a text entry.
func InputName(value string) string {
	return TruncateName(`Typed "` + value + `"`)
}

// KeypressName labels a key press.
func KeypressName(key string) string {
	return TruncateName(`Pressed "` + key + `"`)
}

// Macro is a named, ordered sequence of steps recorded against one page.
type Macro struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	InitialURL string `json:"initialUrl"`
	Domain     string `json:"domain"`
	Steps      []Step `json:"steps"`
	CreatedAt  int64  `json:"createdAt"`
	UpdatedAt  int64  `json:"updatedAt"`
}

// StepIndex returns the position of the step with the given id, or -1.
func (m *Macro) StepIndex(id string) int {
	for i := range m.Steps {
		if m.Steps[i].ID == id {
			return i
		}
	}
	return -1
}

// Domain extracts the host name of rawURL, or "unknown".
func Domain(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return u.Hostname()
}

// DefaultMacroName is the name given to a freshly recorded macro.
func DefaultMacroName(at time.Time) string {
	return "Untitled Macro " + at.Format("2006-01-02 15:04:05")
}

// Millis returns t as milliseconds since the Unix epoch.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}

// StateVersion is the current layout of the durable state records.
const StateVersion = 1

// RecordingState is the durable journal of an in-progress recording.
type RecordingState struct {
	Version     int    `json:"version"`
	IsRecording bool   `json:"isRecording"`
	SessionID   string `json:"sessionId,omitempty"`
	InitialURL  string `json:"initialUrl"`
	TabID       string `json:"tabId,omitempty"`
	MacroSteps  []Step `json:"macroSteps"`
}

// PlaybackState is the durable progress record of an in-progress playback.
type PlaybackState struct {
	Version       int    `json:"version"`
	IsPlaying     bool   `json:"isPlaying"`
	IsPaused      bool   `json:"isPaused"`
	MacroID       string `json:"macroId,omitempty"`
	CurrentStepID string `json:"currentStepId,omitempty"`
}
