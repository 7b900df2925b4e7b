// Package app wires the coordinator context: the event hub, the durable
// stores, the recording and playback engines, the shortcut dispatcher, the
// browser manager and the websocket relay for out-of-process contexts.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"ghostclick/internal/bridge"
	"ghostclick/internal/browser"
	"ghostclick/internal/config"
	"ghostclick/internal/events"
	"ghostclick/internal/executor"
	"ghostclick/internal/logging"
	"ghostclick/internal/model"
	"ghostclick/internal/playback"
	"ghostclick/internal/recorder"
	"ghostclick/internal/shortcut"
	"ghostclick/internal/store"
)

// RelayPath is the HTTP path of the websocket relay.
const RelayPath = "/relay"

// CoordinatorEndpoint addresses the coordinator context.
var CoordinatorEndpoint = bridge.Endpoint{Kind: bridge.KindCoordinator, ID: "main"}

const shutdownTimeout = 5 * time.Second

// Options configures a Coordinator.
type Options struct {
	Config *config.Config
	Logger *zap.Logger
	// KV overrides the sqlite store named in Config.
	KV store.KV
	// NoBrowser skips the browser manager. Playback then runs without
	// navigation and steps are only acknowledged by page contexts that
	// register on the hub themselves.
	NoBrowser bool
	// PanelOpener handles the open-side-panel command.
	PanelOpener func(ctx context.Context) error
}

// Coordinator is the long-lived context that owns recording, playback and
// persistence.
type Coordinator struct {
	cfg    *config.Config
	logger *zap.Logger

	Hub *bridge.Hub
	Bus *bridge.Bus

	KV              store.KV
	local           *store.LocalStore
	Macros          *store.MacroRepository
	RecordingStates *store.RecordingStateRepository
	PlaybackStates  *store.PlaybackStateRepository

	Recorder  *recorder.Engine
	Playback  *playback.Engine
	Player    *playback.Service
	Shortcuts *shortcut.Dispatcher
	Browser   *browser.Manager

	relay *bridge.Server
}

// New builds every coordinator component. Nothing runs until Init.
func New(opts Options) (*Coordinator, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	base := opts.Logger
	if base == nil {
		base = zap.NewNop()
	}
	logFor := func(cat logging.Category) *zap.Logger {
		return logging.For(base, cfg.Logging, cat)
	}

	c := &Coordinator{cfg: cfg, logger: logFor(logging.CategoryBoot)}

	c.KV = opts.KV
	if c.KV == nil {
		local, err := store.NewLocalStore(cfg.Store.DatabasePath,
			store.WithStoreLogger(logFor(logging.CategoryStore)))
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		c.local = local
		c.KV = local
	}

	c.Hub = bridge.NewHub(logFor(logging.CategoryBridge), cfg.Bridge.MailboxSize)
	bus, err := bridge.NewBus(CoordinatorEndpoint, c.Hub, logFor(logging.CategoryBridge),
		bridge.WithRelayTimeout(cfg.GetRelayTimeout()))
	if err != nil {
		c.closeStore()
		return nil, err
	}
	c.Bus = bus

	storeLog := logFor(logging.CategoryStore)
	c.Macros = store.NewMacroRepository(c.KV, storeLog,
		store.OnSave(func(m model.Macro) {
			bridge.Emit(c.Bus, events.SavedMacroEvent, events.SavedMacro{Macro: m}, bridge.CurrentTab(false))
		}),
		store.OnDelete(func(id string) {
			bridge.Emit(c.Bus, events.DeletedMacroEvent, events.DeletedMacro{MacroID: id}, bridge.CurrentTab(false))
		}),
	)
	c.RecordingStates = store.NewRecordingStateRepository(c.KV, storeLog)
	c.PlaybackStates = store.NewPlaybackStateRepository(c.KV, storeLog)

	c.Recorder = recorder.NewEngine(c.Bus, c.RecordingStates, c.Macros, logFor(logging.CategoryRecorder))

	var playOpts []playback.Option
	playOpts = append(playOpts, playback.WithStepTimeout(cfg.GetStepTimeout()))
	if !opts.NoBrowser {
		c.Browser = browser.NewManager(cfg.Browser, c.Hub, c.Bus, c.KV, c.RecordingStates,
			logFor(logging.CategoryBrowser),
			executor.WithHighlightHold(cfg.GetHighlightHold()),
			executor.WithScrollSettle(cfg.GetScrollSettle()),
			executor.WithSubmitDelay(cfg.GetSubmitDelay()),
		)
		playOpts = append(playOpts, playback.WithNavigator(c.Browser))
	}
	playLog := logFor(logging.CategoryPlayback)
	c.Playback = playback.NewEngine(c.Bus, c.PlaybackStates, playLog, playOpts...)
	c.Player = playback.NewService(c.Playback, c.Macros, c.Bus, playLog)

	var tabs shortcut.Tabs
	if c.Browser != nil {
		tabs = c.Browser
	}
	var shortcutOpts []shortcut.Option
	if opts.PanelOpener != nil {
		shortcutOpts = append(shortcutOpts, shortcut.WithPanelOpener(opts.PanelOpener))
	}
	c.Shortcuts = shortcut.NewDispatcher(c.Bus, tabs, logFor(logging.CategoryShortcut), shortcutOpts...)

	c.relay = bridge.NewServer(c.Hub, CoordinatorEndpoint, logFor(logging.CategoryBridge))
	return c, nil
}

// Init restores durable state and subscribes every engine. ctx bounds work
// triggered by events.
func (c *Coordinator) Init(ctx context.Context) error {
	if err := c.Recorder.Init(ctx); err != nil {
		return fmt.Errorf("init recorder: %w", err)
	}
	if err := c.Playback.Init(ctx); err != nil {
		return fmt.Errorf("init playback: %w", err)
	}
	if err := c.Player.Init(ctx); err != nil {
		return fmt.Errorf("init playback service: %w", err)
	}
	if err := c.Shortcuts.Init(ctx); err != nil {
		return fmt.Errorf("init shortcuts: %w", err)
	}
	c.logger.Info("Coordinator initialized")
	return nil
}

// Relay returns the websocket relay handler.
func (c *Coordinator) Relay() http.Handler { return c.relay }

// Serve runs the relay on ln and, unless disabled, the browser with one tab
// per url. It blocks until ctx ends or a component fails.
func (c *Coordinator) Serve(ctx context.Context, ln net.Listener, urls ...string) error {
	mux := http.NewServeMux()
	mux.Handle(RelayPath, c.relay)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		c.logger.Info("Relay listening", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("relay server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		c.relay.Close()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if c.Browser != nil {
		g.Go(func() error {
			if err := c.Browser.Start(gctx); err != nil {
				return fmt.Errorf("start browser: %w", err)
			}
			for _, u := range urls {
				if _, err := c.Browser.OpenTab(gctx, u); err != nil {
					return fmt.Errorf("open %s: %w", u, err)
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// Close stops playback, shuts the browser down and releases the store.
func (c *Coordinator) Close() error {
	c.Player.Close()
	c.Playback.Close()
	c.Shortcuts.Close()
	c.Recorder.Close()

	var errs []error
	if c.Browser != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		errs = append(errs, c.Browser.Shutdown(ctx))
		cancel()
	}
	c.relay.Close()
	c.Bus.Close()
	c.Hub.Close()
	errs = append(errs, c.closeStore())
	c.logger.Info("Coordinator closed")
	return errors.Join(errs...)
}

func (c *Coordinator) closeStore() error {
	if c.local == nil {
		return nil
	}
	return c.local.Close()
}
