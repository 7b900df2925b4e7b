// Package events is the catalog of events exchanged between contexts.
package events

import (
	"ghostclick/internal/bridge"
	"ghostclick/internal/model"
)

type StartRecording struct {
	SessionID  string `json:"sessionId"`
	InitialURL string `json:"initialUrl"`
	TabID      string `json:"tabId"`
}

// UserAction carries one step captured in a page context.
type UserAction struct {
	SessionID string     `json:"sessionId"`
	TabID     string     `json:"tabId"`
	Step      model.Step `json:"step"`
}

type SavedMacro struct {
	Macro model.Macro `json:"macro"`
}

type DeletedMacro struct {
	MacroID string `json:"macroId"`
}

type PlayMacro struct {
	MacroID string `json:"macroId"`
}

// ExecuteAction asks the active page to perform one step.
type ExecuteAction struct {
	MacroID string     `json:"macroId"`
	Step    model.Step `json:"step"`
}

// ActionResult acknowledges an ExecuteAction. Error is empty on success.
type ActionResult struct {
	MacroID string `json:"macroId"`
	StepID  string `json:"stepId"`
	Error   string `json:"error,omitempty"`
}

type PlaybackCompleted struct {
	MacroID string `json:"macroId"`
}

type PlaybackError struct {
	MacroID string `json:"macroId"`
	StepID  string `json:"stepId,omitempty"`
	Error   string `json:"error"`
}

type TabClosed struct {
	TabID string `json:"tabId"`
}

// Command is a named shortcut invocation.
type Command struct {
	Name string `json:"name"`
}

const (
	CommandStartRecording = "start-recording"
	CommandStopRecording  = "stop-recording"
	CommandOpenPanel      = "open-side-panel"
)

var (
	StartRecordingEvent = bridge.NewEvent[StartRecording]("START_RECORDING")
	StopRecordingEvent  = bridge.NewEvent[bridge.Empty]("STOP_RECORDING")
	UserActionEvent     = bridge.NewEvent[UserAction]("USER_ACTION")

	SavedMacroEvent   = bridge.NewEvent[SavedMacro]("SAVED_MACRO")
	DeletedMacroEvent = bridge.NewEvent[DeletedMacro]("DELETED_MACRO")

	PlayMacroEvent         = bridge.NewEvent[PlayMacro]("PLAY_MACRO")
	StopPlaybackEvent      = bridge.NewEvent[bridge.Empty]("STOP_PLAYBACK")
	PausePlaybackEvent     = bridge.NewEvent[bridge.Empty]("PAUSE_PLAYBACK")
	ResumePlaybackEvent    = bridge.NewEvent[bridge.Empty]("RESUME_PLAYBACK")
	ExecuteActionEvent     = bridge.NewEvent[ExecuteAction]("EXECUTE_ACTION")
	ActionResultEvent      = bridge.NewEvent[ActionResult]("ACTION_RESULT")
	PlaybackCompletedEvent = bridge.NewEvent[PlaybackCompleted]("PLAYBACK_COMPLETED")
	PlaybackErrorEvent     = bridge.NewEvent[PlaybackError]("PLAYBACK_ERROR")

	TabClosedEvent = bridge.NewEvent[TabClosed]("TAB_CLOSED")
	CommandEvent   = bridge.NewEvent[Command]("COMMAND")
)
