package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"ghostclick/internal/bridge"
	"ghostclick/internal/events"
)

const replyTimeout = 5 * time.Second

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Start or stop recording on the active tab",
}

var recordStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start recording on the active tab",
	Args:  cobra.NoArgs,
	RunE:  recordStart,
}

var recordStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop recording and save the macro",
	Args:  cobra.NoArgs,
	RunE:  recordStop,
}

var pauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Pause the running playback",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendControl(cmd, events.PausePlaybackEvent, "Pause requested")
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume a paused playback",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendControl(cmd, events.ResumePlaybackEvent, "Resume requested")
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running playback",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendControl(cmd, events.StopPlaybackEvent, "Stop requested")
	},
}

func init() {
	recordCmd.AddCommand(recordStartCmd)
	recordCmd.AddCommand(recordStopCmd)
}

// connect joins the running coordinator as a panel context.
func connect(ctx context.Context, name string) (*bridge.Bus, func(), error) {
	self := bridge.Endpoint{Kind: bridge.KindPanel, ID: name + "-" + uuid.NewString()[:8]}
	dialCtx, cancel := context.WithTimeout(ctx, replyTimeout)
	defer cancel()
	remote, err := bridge.Dial(dialCtx, relayURL(), self, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("coordinator not reachable (is \"ghostclick serve\" running?): %w", err)
	}
	bus, err := bridge.NewBus(self, remote, logger, bridge.WithRelayTimeout(cfg.GetRelayTimeout()))
	if err != nil {
		remote.Close()
		return nil, nil, err
	}
	return bus, func() {
		bus.Close()
		remote.Close()
	}, nil
}

func sendControl(cmd *cobra.Command, ev bridge.Event[bridge.Empty], msg string) error {
	bus, closeFn, err := connect(cmd.Context(), "cli")
	if err != nil {
		return err
	}
	defer closeFn()
	bridge.Emit(bus, ev, bridge.Empty{})
	fmt.Fprintln(cmd.OutOrStdout(), msg)
	return nil
}

func recordStart(cmd *cobra.Command, args []string) error {
	bus, closeFn, err := connect(cmd.Context(), "cli")
	if err != nil {
		return err
	}
	defer closeFn()

	started := make(chan events.StartRecording, 1)
	bridge.On(bus, events.StartRecordingEvent, func(ev events.StartRecording) {
		select {
		case started <- ev:
		default:
		}
	})
	bridge.Emit(bus, events.CommandEvent, events.Command{Name: events.CommandStartRecording})

	select {
	case ev := <-started:
		fmt.Fprintf(cmd.OutOrStdout(), "Recording %s on tab %s (session %s)\n", ev.InitialURL, ev.TabID, ev.SessionID)
		return nil
	case <-time.After(replyTimeout):
		return fmt.Errorf("recording did not start: no active tab in the coordinator")
	}
}

func recordStop(cmd *cobra.Command, args []string) error {
	bus, closeFn, err := connect(cmd.Context(), "cli")
	if err != nil {
		return err
	}
	defer closeFn()

	saved := make(chan events.SavedMacro, 1)
	bridge.On(bus, events.SavedMacroEvent, func(ev events.SavedMacro) {
		select {
		case saved <- ev:
		default:
		}
	})
	bridge.Emit(bus, events.CommandEvent, events.Command{Name: events.CommandStopRecording})

	select {
	case ev := <-saved:
		fmt.Fprintf(cmd.OutOrStdout(), "Saved macro %s %q (%d steps)\n", ev.Macro.ID, ev.Macro.Name, len(ev.Macro.Steps))
		return nil
	case <-time.After(replyTimeout):
		fmt.Fprintln(cmd.OutOrStdout(), "Stop requested; no macro was saved (was a recording running?)")
		return nil
	}
}
