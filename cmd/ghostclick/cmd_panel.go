package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"ghostclick/internal/bridge"
	"ghostclick/internal/panel"
	"ghostclick/internal/store"
)

var panelOffline bool

var panelCmd = &cobra.Command{
	Use:   "panel",
	Short: "Open the interactive control panel",
	Long: `Shows saved macros and playback progress, and controls recording and
playback on the running coordinator.

Keys: ↑/↓ or j/k select, enter play, space pause/resume, s stop playback,
r start recording, x stop recording, f filter by domain, q quit.`,
	Args: cobra.NoArgs,
	RunE: runPanel,
}

func init() {
	panelCmd.Flags().BoolVar(&panelOffline, "offline", false, "Browse macros without connecting to the coordinator")
}

func runPanel(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	local, err := store.NewLocalStore(cfg.Store.DatabasePath)
	if err != nil {
		return err
	}
	defer local.Close()

	// The terminal belongs to the panel; keep log output off it.
	quiet := zap.NewNop()
	macros, err := store.NewMacroRepository(local, quiet).All(ctx)
	if err != nil {
		return err
	}
	states := panel.NewStoreStates(
		store.NewPlaybackStateRepository(local, quiet),
		store.NewRecordingStateRepository(local, quiet),
	)

	var bus *bridge.Bus
	if !panelOffline {
		b, closeFn, err := connect(ctx, "panel")
		if err != nil {
			return fmt.Errorf("%w (use --offline to browse macros only)", err)
		}
		defer closeFn()
		bus = b
	}

	return panel.Run(ctx, panel.NewModel(ctx, bus, macros, states, quiet))
}
