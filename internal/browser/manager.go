// Package browser drives Chrome through the DevTools protocol and gives every
// tracked tab its own page context: a bus endpoint on the hub, a capturer for
// recording and an executor for playback.
package browser

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/google/uuid"
	"github.com/ysmood/gson"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"ghostclick/internal/bridge"
	"ghostclick/internal/events"
	"ghostclick/internal/executor"
	"ghostclick/internal/recorder"
	"ghostclick/internal/store"
)

// Tab statuses.
const (
	StatusActive   = "active"
	StatusAttached = "attached"
	StatusDetached = "detached"
)

var (
	ErrNotConnected = errors.New("browser not connected")
	ErrUnknownTab   = errors.New("unknown tab")
	ErrNoActiveTab  = errors.New("no active tab")
)

// Tab describes the public metadata for a tracked tab.
type Tab struct {
	ID         string    `json:"id"`
	TargetID   string    `json:"target_id,omitempty"`
	URL        string    `json:"url,omitempty"`
	Title      string    `json:"title,omitempty"`
	Status     string    `json:"status,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	LastActive time.Time `json:"last_active"`
}

type tabRecord struct {
	meta Tab
	page *rod.Page

	bus      *bridge.Bus
	capturer *recorder.Capturer
	executor *executor.Executor
	cancel   context.CancelFunc
	unexpose func() error
	done     chan struct{}
}

// Manager owns the Chrome connection and the page contexts of its tabs.
type Manager struct {
	cfg       Config
	hub       *bridge.Hub
	coord     *bridge.Bus
	kv        store.KV
	recStates *store.RecordingStateRepository
	logger    *zap.Logger
	execOpts  []executor.Option

	mu         sync.RWMutex
	browser    *rod.Browser
	controlURL string
	launched   bool
	tabs       map[string]*tabRecord
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// NewManager creates a manager. Page contexts register on hub; tab lifecycle
// events are emitted on coord. Tab metadata is persisted in kv.
func NewManager(cfg Config, hub *bridge.Hub, coord *bridge.Bus, kv store.KV, recStates *store.RecordingStateRepository, logger *zap.Logger, execOpts ...executor.Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cfg:       cfg,
		hub:       hub,
		coord:     coord,
		kv:        kv,
		recStates: recStates,
		logger:    logger,
		execOpts:  execOpts,
		tabs:      make(map[string]*tabRecord),
	}
}

// Start connects to an existing Chrome or launches a new one.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.RLock()
	current := m.browser
	m.mu.RUnlock()
	if current != nil {
		if _, err := current.Version(); err == nil {
			return nil
		}
		m.logger.Warn("Stale browser connection detected, reconnecting")
		_ = m.releaseAll(false)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.browser != nil {
		return nil
	}

	if err := m.loadTabsLocked(ctx); err != nil {
		return fmt.Errorf("load tabs: %w", err)
	}

	controlURL := m.cfg.DebuggerURL
	launched := false
	if controlURL == "" && len(m.cfg.Launch) > 0 {
		bin := m.cfg.Launch[0]
		launch := launcher.New().Bin(bin).Headless(m.cfg.IsHeadless())
		for _, rawFlag := range m.cfg.Launch[1:] {
			flagStr := strings.TrimLeft(rawFlag, "-")
			name, val, hasVal := strings.Cut(flagStr, "=")
			if hasVal {
				launch = launch.Set(flags.Flag(name), val)
			} else {
				launch = launch.Set(flags.Flag(name))
			}
		}
		url, err := launch.Launch()
		if err != nil {
			fallback := launcher.New().Bin(bin).Headless(m.cfg.IsHeadless())
			alt, altErr := fallback.Launch()
			if altErr != nil {
				return fmt.Errorf("launch chrome: %w (fallback: %v)", err, altErr)
			}
			url = alt
		}
		controlURL = url
		launched = true
	}

	if controlURL == "" {
		url, err := launcher.New().Headless(m.cfg.IsHeadless()).Launch()
		if err != nil {
			return fmt.Errorf("no debugger_url and failed to launch: %w", err)
		}
		controlURL = url
		launched = true
	}

	m.ctx, m.cancel = context.WithCancel(context.WithoutCancel(ctx))
	browser := rod.New().ControlURL(controlURL).Context(m.ctx)
	if err := browser.Connect(); err != nil {
		m.cancel()
		return fmt.Errorf("connect to chrome: %w", err)
	}

	m.browser = browser
	m.controlURL = controlURL
	m.launched = launched
	m.watchTargets(browser)
	m.logger.Info("Connected to browser", zap.String("control_url", controlURL), zap.Bool("launched", launched))
	return nil
}

// watchTargets turns destroyed targets into TAB_CLOSED events.
func (m *Manager) watchTargets(b *rod.Browser) {
	if err := (proto.TargetSetDiscoverTargets{Discover: true}).Call(b); err != nil {
		m.logger.Warn("Target discovery unavailable", zap.Error(err))
	}
	wait := b.EachEvent(func(ev *proto.TargetTargetDestroyed) {
		m.targetGone(string(ev.TargetID))
	})
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		wait()
	}()
}

func (m *Manager) ensureStarted(ctx context.Context) (*rod.Browser, error) {
	m.mu.RLock()
	b := m.browser
	m.mu.RUnlock()
	if b != nil {
		return b, nil
	}
	if err := m.Start(ctx); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.browser == nil {
		return nil, ErrNotConnected
	}
	return m.browser, nil
}

// ControlURL returns the WebSocket debugger URL.
func (m *Manager) ControlURL() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.controlURL
}

// IsConnected returns whether the browser is connected.
func (m *Manager) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.browser != nil
}

// OpenTab opens url in a new tab and makes it the active page.
func (m *Manager) OpenTab(ctx context.Context, url string) (*Tab, error) {
	b, err := m.ensureStarted(ctx)
	if err != nil {
		return nil, err
	}

	page, err := b.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("create page: %w", err)
	}

	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             m.cfg.GetViewportWidth(),
		Height:            m.cfg.GetViewportHeight(),
		DeviceScaleFactor: 1.0,
		Mobile:            false,
	}).Call(page); err != nil {
		m.logger.Warn("Failed to set viewport", zap.Error(err))
	}

	now := time.Now()
	meta := Tab{
		ID:         uuid.NewString(),
		TargetID:   string(page.TargetID),
		URL:        url,
		Status:     StatusActive,
		CreatedAt:  now,
		LastActive: now,
	}
	rec, err := m.track(page, meta)
	if err != nil {
		_ = page.Close()
		return nil, err
	}

	if url != "" {
		if err := m.navigate(ctx, rec.page, url); err != nil {
			m.logger.Warn("Initial navigation failed", zap.String("tab_id", meta.ID), zap.String("url", url), zap.Error(err))
		}
	}
	m.hub.SetActivePage(meta.ID)
	m.persistTabs(ctx)
	return &meta, nil
}

// Attach binds to an existing target by TargetID and makes it the active page.
func (m *Manager) Attach(ctx context.Context, targetID string) (*Tab, error) {
	b, err := m.ensureStarted(ctx)
	if err != nil {
		return nil, err
	}

	page, err := b.PageFromTarget(proto.TargetTargetID(targetID))
	if err != nil {
		return nil, fmt.Errorf("attach to target %s: %w", targetID, err)
	}

	now := time.Now()
	meta := Tab{
		ID:         uuid.NewString(),
		TargetID:   targetID,
		Status:     StatusAttached,
		CreatedAt:  now,
		LastActive: now,
	}
	if info, err := page.Info(); err == nil {
		meta.URL = info.URL
		meta.Title = info.Title
	}
	if _, err := m.track(page, meta); err != nil {
		return nil, err
	}
	m.hub.SetActivePage(meta.ID)
	m.persistTabs(ctx)
	return &meta, nil
}

// track creates the page context of a tab and installs the capture hook.
func (m *Manager) track(page *rod.Page, meta Tab) (*tabRecord, error) {
	log := m.logger.With(zap.String("tab_id", meta.ID))

	bus, err := bridge.NewBus(bridge.Endpoint{Kind: bridge.KindPage, ID: meta.ID}, m.hub, log)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	parent := m.ctx
	m.mu.RUnlock()
	tctx, cancel := context.WithCancel(parent)

	rec := &tabRecord{
		meta:     meta,
		page:     page,
		bus:      bus,
		capturer: recorder.NewCapturer(bus, m.recStates, meta.ID, log),
		executor: executor.New(newDocument(page), bus, log, m.execOpts...),
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	fail := func(err error) (*tabRecord, error) {
		cancel()
		bus.Close()
		return nil, err
	}

	rec.unexpose, err = page.Expose(captureBinding, func(arg gson.JSON) (interface{}, error) {
		raw, err := arg.MarshalJSON()
		if err != nil {
			return nil, nil
		}
		ev, err := decodeRawEvent(raw)
		if err != nil {
			log.Debug("Dropping captured event", zap.Error(err))
			return nil, nil
		}
		rec.capturer.Handle(ev)
		return nil, nil
	})
	if err != nil {
		return fail(fmt.Errorf("expose capture binding: %w", err))
	}
	if _, err := page.EvalOnNewDocument("(" + captureHook + ")()"); err != nil {
		_ = rec.unexpose()
		return fail(fmt.Errorf("install capture hook: %w", err))
	}
	if _, err := page.Evaluate(&rod.EvalOptions{JS: captureHook, ByValue: true}); err != nil {
		log.Debug("Capture hook not installed in current document", zap.Error(err))
	}

	if err := rec.capturer.Init(tctx); err != nil {
		_ = rec.unexpose()
		return fail(err)
	}
	if err := rec.executor.Init(tctx); err != nil {
		rec.capturer.Close()
		_ = rec.unexpose()
		return fail(err)
	}

	wait := page.Context(tctx).EachEvent(func(ev *proto.PageFrameNavigated) {
		if ev.Frame == nil || ev.Frame.ParentID != "" {
			return
		}
		m.updateTab(meta.ID, func(t *Tab) {
			t.URL = ev.Frame.URL
			t.LastActive = time.Now()
		})
	})
	go func() {
		defer close(rec.done)
		wait()
	}()

	m.mu.Lock()
	m.tabs[meta.ID] = rec
	m.mu.Unlock()
	log.Info("Tracking tab", zap.String("target_id", meta.TargetID), zap.String("status", meta.Status))
	return rec, nil
}

// release tears down the page context of a tab.
func (m *Manager) release(rec *tabRecord) {
	if rec.page == nil {
		return
	}
	rec.cancel()
	if rec.unexpose != nil {
		if err := rec.unexpose(); err != nil {
			m.logger.Debug("Failed to remove capture binding", zap.String("tab_id", rec.meta.ID), zap.Error(err))
		}
	}
	rec.capturer.Close()
	rec.executor.Close()
	rec.bus.Close()
	<-rec.done
}

func (m *Manager) updateTab(tabID string, fn func(*Tab)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.tabs[tabID]; ok {
		fn(&rec.meta)
	}
}

// Activate brings a tab to the front and routes current-tab events to it.
func (m *Manager) Activate(ctx context.Context, tabID string) error {
	rec, err := m.live(tabID)
	if err != nil {
		return err
	}
	if _, err := rec.page.Context(ctx).Activate(); err != nil {
		return fmt.Errorf("activate tab %s: %w", tabID, err)
	}
	m.hub.SetActivePage(tabID)
	m.updateTab(tabID, func(t *Tab) { t.LastActive = time.Now() })
	return nil
}

func (m *Manager) live(tabID string) (*tabRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.tabs[tabID]
	if !ok || rec.page == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTab, tabID)
	}
	return rec, nil
}

// CloseTab closes a tab and reports it as TAB_CLOSED.
func (m *Manager) CloseTab(ctx context.Context, tabID string) error {
	m.mu.Lock()
	rec, ok := m.tabs[tabID]
	if ok {
		delete(m.tabs, tabID)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTab, tabID)
	}

	var err error
	if rec.page != nil {
		err = rec.page.Close()
		m.release(rec)
		m.closed(tabID)
	}
	m.persistTabs(ctx)
	return err
}

func (m *Manager) targetGone(targetID string) {
	m.mu.Lock()
	var rec *tabRecord
	for id, r := range m.tabs {
		if r.page != nil && r.meta.TargetID == targetID {
			rec = r
			delete(m.tabs, id)
			break
		}
	}
	ctx := m.ctx
	m.mu.Unlock()
	if rec == nil {
		return
	}
	m.release(rec)
	m.closed(rec.meta.ID)
	m.persistTabs(ctx)
}

func (m *Manager) closed(tabID string) {
	m.logger.Info("Tab closed", zap.String("tab_id", tabID))
	if m.coord != nil {
		bridge.Emit(m.coord, events.TabClosedEvent, events.TabClosed{TabID: tabID}, bridge.CurrentTab(false))
	}
}

// Navigate loads url in the active tab.
func (m *Manager) Navigate(ctx context.Context, url string) error {
	active, ok := m.hub.ActivePage()
	if !ok {
		return ErrNoActiveTab
	}
	return m.NavigateTab(ctx, active.ID, url)
}

// NavigateTab loads url in the given tab.
func (m *Manager) NavigateTab(ctx context.Context, tabID, url string) error {
	rec, err := m.live(tabID)
	if err != nil {
		return err
	}
	return m.navigate(ctx, rec.page, url)
}

func (m *Manager) navigate(ctx context.Context, page *rod.Page, url string) error {
	p := page.Context(ctx).Timeout(m.cfg.NavigationTimeout())
	if err := p.Navigate(url); err != nil {
		return fmt.Errorf("navigate to %s: %w", url, err)
	}
	if err := p.WaitLoad(); err != nil {
		return fmt.Errorf("wait for %s: %w", url, err)
	}
	return nil
}

// ActiveTab returns the tab current-tab events are routed to.
func (m *Manager) ActiveTab() (Tab, bool) {
	active, ok := m.hub.ActivePage()
	if !ok {
		return Tab{}, false
	}
	rec, err := m.live(active.ID)
	if err != nil {
		return Tab{}, false
	}
	if info, err := rec.page.Info(); err == nil {
		m.updateTab(active.ID, func(t *Tab) {
			t.URL = info.URL
			t.Title = info.Title
		})
	}
	tab, _ := m.GetTab(active.ID)
	return tab, true
}

// GetTab returns tab metadata.
func (m *Manager) GetTab(tabID string) (Tab, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.tabs[tabID]
	if !ok {
		return Tab{}, false
	}
	return rec.meta, true
}

// List returns metadata for all known tabs, oldest first.
func (m *Manager) List() []Tab {
	m.mu.RLock()
	results := make([]Tab, 0, len(m.tabs))
	for _, rec := range m.tabs {
		results = append(results, rec.meta)
	}
	m.mu.RUnlock()

	sort.Slice(results, func(i, j int) bool {
		return results[i].CreatedAt.Before(results[j].CreatedAt)
	})
	return results
}

// Shutdown releases every tab context and disconnects. Tabs are closed only
// when the browser was launched by the manager.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.persistTabs(ctx)
	err := m.releaseAll(true)
	m.wg.Wait()
	return err
}

// releaseAll drops the connection and every tab context. With closeOwned,
// tabs and the browser are closed if the manager launched them.
func (m *Manager) releaseAll(closeOwned bool) error {
	m.mu.Lock()
	recs := make([]*tabRecord, 0, len(m.tabs))
	for _, rec := range m.tabs {
		recs = append(recs, rec)
	}
	owned := closeOwned && m.launched
	b := m.browser
	m.resetLocked()
	m.mu.Unlock()

	var g errgroup.Group
	for _, rec := range recs {
		rec := rec
		g.Go(func() error {
			if owned && rec.page != nil {
				_ = rec.page.Close()
			}
			m.release(rec)
			return nil
		})
	}
	_ = g.Wait()
	if owned && b != nil {
		return b.Close()
	}
	return nil
}

// resetLocked drops the connection state. Caller must hold the lock.
func (m *Manager) resetLocked() {
	if m.cancel != nil {
		m.cancel()
	}
	m.browser = nil
	m.controlURL = ""
	m.launched = false
	m.tabs = make(map[string]*tabRecord)
}

// persistTabs writes tab metadata to the store.
func (m *Manager) persistTabs(ctx context.Context) {
	if m.kv == nil {
		return
	}
	tabs := m.List()
	if err := m.kv.Set(context.WithoutCancel(ctx), store.TabsKey, tabs); err != nil {
		m.logger.Warn("Failed to persist tabs", zap.Error(err))
	}
}

// loadTabsLocked loads persisted metadata as detached tabs. Caller must hold
// the lock.
func (m *Manager) loadTabsLocked(ctx context.Context) error {
	if m.kv == nil {
		return nil
	}
	var tabs []Tab
	ok, err := m.kv.Get(ctx, store.TabsKey, &tabs)
	if err != nil || !ok {
		return err
	}
	for _, t := range tabs {
		if _, live := m.tabs[t.ID]; live {
			continue
		}
		t.Status = StatusDetached
		m.tabs[t.ID] = &tabRecord{meta: t}
	}
	return nil
}
