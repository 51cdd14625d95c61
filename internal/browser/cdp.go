package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	cdpbrowser "github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"github.com/rs/zerolog"
)

// CDPConfig selects how Chrome is reached
type CDPConfig struct {
	// URL of a running Chrome's DevTools endpoint; empty launches a local Chrome
	URL      string
	Headless bool
	// Timeout bounds each DevTools command
	Timeout time.Duration
}

// CDP drives a real Chrome over the DevTools protocol. Targets are exposed
// under small integer tab ids so the rest of the system never sees target ids.
type CDP struct {
	cfg           CDPConfig
	log           zerolog.Logger
	browserCtx    context.Context
	allocCancel   context.CancelFunc
	browserCancel context.CancelFunc

	mu       sync.Mutex
	nextTab  int
	byTarget map[target.ID]int
	tabs     map[int]*cdpTab
	windows  map[int]int // window id -> open tab count

	events chan Event
}

type cdpTab struct {
	targetID target.ID
	windowID int
	url      string
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewCDP connects to (or launches) Chrome and starts listening for target events
func NewCDP(ctx context.Context, cfg CDPConfig, log zerolog.Logger) (*CDP, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	var allocCtx context.Context
	var allocCancel context.CancelFunc
	if cfg.URL != "" {
		allocCtx, allocCancel = chromedp.NewRemoteAllocator(ctx, cfg.URL)
	} else {
		opts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", cfg.Headless),
			chromedp.Flag("disable-popup-blocking", true),
		)
		allocCtx, allocCancel = chromedp.NewExecAllocator(ctx, opts...)
	}

	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("connect to chrome: %w", err)
	}

	b := &CDP{
		cfg:           cfg,
		log:           log.With().Str("component", "cdp").Logger(),
		browserCtx:    browserCtx,
		allocCancel:   allocCancel,
		browserCancel: browserCancel,
		nextTab:       1,
		byTarget:      make(map[target.ID]int),
		tabs:          make(map[int]*cdpTab),
		windows:       make(map[int]int),
		events:        make(chan Event, 256),
	}

	chromedp.ListenBrowser(browserCtx, b.onTargetEvent)
	if err := b.browserDo(func(ctx context.Context) error {
		return target.SetDiscoverTargets(true).Do(ctx)
	}); err != nil {
		b.Close()
		return nil, fmt.Errorf("enable target discovery: %w", err)
	}

	b.log.Info().Str("url", cfg.URL).Bool("headless", cfg.Headless).Msg("Connected to chrome")
	return b, nil
}

// browserDo runs a browser-level command with the configured timeout
func (b *CDP) browserDo(fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(b.browserCtx, b.cfg.Timeout)
	defer cancel()
	return fn(cdp.WithExecutor(ctx, chromedp.FromContext(ctx).Browser))
}

// CreateWindow implements Browser
func (b *CDP) CreateWindow(ctx context.Context, url string) (Window, error) {
	var targetID target.ID
	err := b.browserDo(func(ctx context.Context) error {
		var err error
		targetID, err = target.CreateTarget(url).WithNewWindow(true).Do(ctx)
		return err
	})
	if err != nil {
		return Window{}, fmt.Errorf("create window: %w", err)
	}

	windowID, err := b.windowFor(targetID)
	if err != nil {
		return Window{}, fmt.Errorf("resolve window: %w", err)
	}
	tabID := b.track(targetID, windowID)
	return Window{ID: windowID, TabID: tabID}, nil
}

// OpenTab implements Browser. Chrome opens new targets in the focused window,
// so a tab of the requested window is activated first.
func (b *CDP) OpenTab(ctx context.Context, windowID int, url string) (int, error) {
	anchor, ok := b.anyTabIn(windowID)
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrWindowNotFound, windowID)
	}

	var targetID target.ID
	err := b.browserDo(func(ctx context.Context) error {
		if err := target.ActivateTarget(anchor).Do(ctx); err != nil {
			return err
		}
		var err error
		targetID, err = target.CreateTarget(url).WithBackground(true).Do(ctx)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("open tab: %w", err)
	}

	actual, err := b.windowFor(targetID)
	if err != nil {
		actual = windowID
	}
	return b.track(targetID, actual), nil
}

// CloseTab implements Browser
func (b *CDP) CloseTab(ctx context.Context, tabID int) error {
	b.mu.Lock()
	tab, ok := b.tabs[tabID]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrTabNotFound, tabID)
	}
	if tab.cancel != nil {
		tab.cancel()
	}

	if err := b.browserDo(func(ctx context.Context) error {
		return target.CloseTarget(tab.targetID).Do(ctx)
	}); err != nil {
		return fmt.Errorf("close tab %d: %w", tabID, err)
	}
	return nil
}

// CloseWindow implements Browser
func (b *CDP) CloseWindow(ctx context.Context, windowID int) error {
	b.mu.Lock()
	var ids []int
	for id, tab := range b.tabs {
		if tab.windowID == windowID {
			ids = append(ids, id)
		}
	}
	b.mu.Unlock()

	if len(ids) == 0 {
		return fmt.Errorf("%w: %d", ErrWindowNotFound, windowID)
	}
	for _, id := range ids {
		if err := b.CloseTab(ctx, id); err != nil {
			b.log.Debug().Err(err).Int("tab_id", id).Msg("Close tab during window close")
		}
	}
	return nil
}

// Inject implements Browser
func (b *CDP) Inject(ctx context.Context, tabID int, script string) error {
	tabCtx, err := b.tabContext(tabID)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithTimeout(tabCtx, b.cfg.Timeout)
	defer cancel()

	var ok bool
	wrapped := fmt.Sprintf("(() => {\n%s\nreturn true;\n})()", script)
	if err := chromedp.Run(runCtx, chromedp.Evaluate(wrapped, &ok)); err != nil {
		return fmt.Errorf("inject into tab %d: %w", tabID, err)
	}
	return nil
}

func (b *CDP) tabContext(tabID int) (context.Context, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	tab, ok := b.tabs[tabID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrTabNotFound, tabID)
	}
	if tab.ctx == nil {
		tab.ctx, tab.cancel = chromedp.NewContext(b.browserCtx, chromedp.WithTargetID(tab.targetID))
	}
	return tab.ctx, nil
}

// TabAlive implements Browser
func (b *CDP) TabAlive(tabID int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.tabs[tabID]
	return ok
}

// Events implements Browser
func (b *CDP) Events() <-chan Event {
	return b.events
}

// Close implements Browser
func (b *CDP) Close() error {
	b.mu.Lock()
	for _, tab := range b.tabs {
		if tab.cancel != nil {
			tab.cancel()
		}
	}
	b.mu.Unlock()

	b.browserCancel()
	b.allocCancel()
	return nil
}

func (b *CDP) windowFor(id target.ID) (int, error) {
	var windowID cdpbrowser.WindowID
	err := b.browserDo(func(ctx context.Context) error {
		var err error
		windowID, _, err = cdpbrowser.GetWindowForTarget().WithTargetID(id).Do(ctx)
		return err
	})
	return int(windowID), err
}

// track returns the tab id for a target, assigning one on first sight
func (b *CDP) track(id target.ID, windowID int) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if tabID, ok := b.byTarget[id]; ok {
		if tab := b.tabs[tabID]; tab.windowID == 0 && windowID != 0 {
			tab.windowID = windowID
			b.windows[windowID]++
		}
		return tabID
	}
	tabID := b.nextTab
	b.nextTab++
	b.byTarget[id] = tabID
	b.tabs[tabID] = &cdpTab{targetID: id, windowID: windowID}
	if windowID != 0 {
		b.windows[windowID]++
	}
	return tabID
}

func (b *CDP) anyTabIn(windowID int) (target.ID, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, tab := range b.tabs {
		if tab.windowID == windowID {
			return tab.targetID, true
		}
	}
	return "", false
}

// onTargetEvent runs on the chromedp event loop and must not block on CDP calls
func (b *CDP) onTargetEvent(ev any) {
	switch e := ev.(type) {
	case *target.EventTargetCreated:
		if e.TargetInfo == nil || e.TargetInfo.Type != "page" {
			return
		}
		info := e.TargetInfo
		go func() {
			windowID, err := b.windowFor(info.TargetID)
			if err != nil {
				b.log.Debug().Err(err).Str("target", string(info.TargetID)).Msg("Window lookup failed")
			}
			tabID := b.track(info.TargetID, windowID)
			b.mu.Lock()
			if tab, ok := b.tabs[tabID]; ok && tab.url == "" {
				tab.url = info.URL
			}
			b.mu.Unlock()
			b.emit(Event{Type: EventTabCreated, TabID: tabID, WindowID: windowID, URL: info.URL})
		}()

	case *target.EventTargetInfoChanged:
		if e.TargetInfo == nil || e.TargetInfo.Type != "page" {
			return
		}
		b.mu.Lock()
		tabID, ok := b.byTarget[e.TargetInfo.TargetID]
		var windowID int
		changed := false
		if ok {
			tab := b.tabs[tabID]
			windowID = tab.windowID
			changed = tab.url != e.TargetInfo.URL
			tab.url = e.TargetInfo.URL
		}
		b.mu.Unlock()
		// title and attach changes also arrive here; only a new URL is a navigation
		if changed {
			b.emit(Event{Type: EventTabUpdated, TabID: tabID, WindowID: windowID, URL: e.TargetInfo.URL, Complete: true})
		}

	case *target.EventTargetDestroyed:
		b.untrack(e.TargetID)
	}
}

func (b *CDP) untrack(id target.ID) {
	b.mu.Lock()
	tabID, ok := b.byTarget[id]
	if !ok {
		b.mu.Unlock()
		return
	}
	tab := b.tabs[tabID]
	delete(b.byTarget, id)
	delete(b.tabs, tabID)
	if tab.cancel != nil {
		tab.cancel()
	}
	windowGone := false
	if tab.windowID != 0 {
		b.windows[tab.windowID]--
		if b.windows[tab.windowID] <= 0 {
			delete(b.windows, tab.windowID)
			windowGone = true
		}
	}
	b.mu.Unlock()

	b.emit(Event{Type: EventTabRemoved, TabID: tabID, WindowID: tab.windowID})
	if windowGone {
		b.emit(Event{Type: EventWindowRemoved, WindowID: tab.windowID})
	}
}

func (b *CDP) emit(ev Event) {
	select {
	case b.events <- ev:
	default:
		b.log.Warn().Str("type", string(ev.Type)).Int("tab_id", ev.TabID).Msg("Browser event dropped")
	}
}
