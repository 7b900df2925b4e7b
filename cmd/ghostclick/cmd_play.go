package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/spf13/cobra"

	"ghostclick/internal/app"
	"ghostclick/internal/bridge"
	"ghostclick/internal/events"
	"ghostclick/internal/executor"
	"ghostclick/internal/model"
	"ghostclick/internal/store"
)

var (
	playDetach bool
	playDryRun string
)

var playCmd = &cobra.Command{
	Use:   "play <macro-id>",
	Short: "Play a saved macro on the active tab",
	Long: `Asks the coordinator to play a macro and follows its progress until it
completes, fails or is stopped.

With --dry-run the macro is replayed in-process against a saved HTML file
instead, and the actions performed on it are printed.`,
	Args: cobra.ExactArgs(1),
	RunE: runPlay,
}

func init() {
	playCmd.Flags().BoolVarP(&playDetach, "detach", "d", false, "Return once the request is sent")
	playCmd.Flags().StringVar(&playDryRun, "dry-run", "", "Replay against this HTML file instead of the browser")
}

func runPlay(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	if playDryRun != "" {
		return dryRun(ctx, cmd.OutOrStdout(), args[0], playDryRun)
	}

	bus, closeFn, err := connect(ctx, "cli")
	if err != nil {
		return err
	}
	defer closeFn()

	out := cmd.OutOrStdout()
	macroID := args[0]
	done := make(chan error, 1)
	finish := func(err error) {
		select {
		case done <- err:
		default:
		}
	}

	bridge.On(bus, events.ExecuteActionEvent, func(ev events.ExecuteAction) {
		if ev.MacroID == macroID {
			fmt.Fprintf(out, "  %s %s\n", ev.Step.Type, ev.Step.Name)
		}
	})
	bridge.On(bus, events.PlaybackErrorEvent, func(ev events.PlaybackError) {
		if ev.MacroID != macroID {
			return
		}
		if ev.StepID != "" {
			fmt.Fprintf(out, "  step %s failed: %s\n", ev.StepID, ev.Error)
			return
		}
		finish(fmt.Errorf("playback failed: %s", ev.Error))
	})
	bridge.On(bus, events.PlaybackCompletedEvent, func(ev events.PlaybackCompleted) {
		if ev.MacroID == macroID {
			finish(nil)
		}
	})
	bridge.On(bus, events.StopPlaybackEvent, func(bridge.Empty) {
		fmt.Fprintln(out, "Playback stopped")
		finish(nil)
	})

	bridge.Emit(bus, events.PlayMacroEvent, events.PlayMacro{MacroID: macroID})
	fmt.Fprintf(out, "Playing %s\n", macroID)
	if playDetach {
		return nil
	}

	select {
	case err := <-done:
		if err == nil {
			fmt.Fprintln(out, "Done")
		}
		return err
	case <-ctx.Done():
		return fmt.Errorf("gave up waiting for playback: %w", ctx.Err())
	}
}

// dryRun replays a stored macro against a static page in a private
// coordinator.
func dryRun(ctx context.Context, out io.Writer, macroID, htmlPath string) error {
	local, err := store.NewLocalStore(cfg.Store.DatabasePath)
	if err != nil {
		return err
	}
	defer local.Close()
	m, err := store.NewMacroRepository(local, logger).FindByID(ctx, macroID)
	if err != nil {
		return err
	}
	if m == nil {
		return fmt.Errorf("%w: %s", store.ErrMacroNotFound, macroID)
	}

	src, err := os.ReadFile(htmlPath)
	if err != nil {
		return fmt.Errorf("read page: %w", err)
	}
	doc, err := executor.ParseStatic(string(src))
	if err != nil {
		return fmt.Errorf("parse page: %w", err)
	}

	return replayStatic(ctx, out, *m, doc)
}

func replayStatic(ctx context.Context, out io.Writer, m model.Macro, doc *executor.StaticDocument, opts ...executor.Option) error {
	coord, err := app.New(app.Options{Config: cfg, Logger: logger, KV: store.NewMemoryKV(), NoBrowser: true})
	if err != nil {
		return err
	}
	defer coord.Close()
	if err := coord.Init(ctx); err != nil {
		return err
	}

	const tabID = "dry-run"
	page, err := bridge.NewBus(bridge.Endpoint{Kind: bridge.KindPage, ID: tabID}, coord.Hub, logger)
	if err != nil {
		return err
	}
	defer page.Close()
	opts = append([]executor.Option{
		executor.WithHighlightHold(0),
		executor.WithScrollSettle(0),
		executor.WithSubmitDelay(0),
	}, opts...)
	ex := executor.New(doc, page, logger, opts...)
	if err := ex.Init(ctx); err != nil {
		return err
	}
	defer ex.Close()
	coord.Hub.SetActivePage(tabID)

	var mu sync.Mutex
	failed := 0
	bridge.On(coord.Bus, events.PlaybackErrorEvent, func(ev events.PlaybackError) {
		mu.Lock()
		defer mu.Unlock()
		failed++
		fmt.Fprintf(out, "  step %s failed: %s\n", ev.StepID, ev.Error)
	})

	fmt.Fprintf(out, "Dry run of %q (%d steps)\n", m.Name, len(m.Steps))
	if err := coord.Playback.Play(ctx, m); err != nil {
		return err
	}
	for _, a := range doc.Actions() {
		fmt.Fprintf(out, "  %s\n", a)
	}
	mu.Lock()
	defer mu.Unlock()
	if failed > 0 {
		return fmt.Errorf("%d of %d steps failed", failed, len(m.Steps))
	}
	return nil
}
