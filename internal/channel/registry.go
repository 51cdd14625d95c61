// Package channel keeps the live content-script channels of one platform and
// gives the automation code a send that never fails loudly.
package channel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"

	"github.com/shehryarbajwa/applypilot/internal/scheduler"
	"github.com/shehryarbajwa/applypilot/pkg/models"
)

const (
	StaleAfter      = 2 * time.Minute
	SweepInterval   = 60 * time.Second
	DedupWindow     = time.Second
	DefaultAckDelay = 100 * time.Millisecond

	completedHighWater = 100
	completedKeep      = 50
)

// Port is one long-lived connection to a tab
type Port interface {
	Name() string
	TabID() int
	Send(msg models.Message) error
	Close() error
}

// Info describes a registered channel
type Info struct {
	Name          Name
	TabID         int
	LastHeartbeat time.Time
}

type entry struct {
	port          Port
	name          Name
	tabID         int
	lastHeartbeat time.Time
}

// Registry tracks the live channels of a single platform
type Registry struct {
	platform models.Platform
	log      zerolog.Logger
	sched    scheduler.Scheduler
	now      func() time.Time
	tabAlive func(tabID int) bool
	ackDelay time.Duration
	onCount  func(platform models.Platform, n int)

	mu           sync.Mutex
	ports        map[string]*entry
	tabs         map[int]string
	sessions     map[string]map[string]struct{}
	seen         map[string]time.Time
	completed    []string
	completedSet map[string]struct{}
}

// Option configures a Registry
type Option func(*Registry)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithScheduler sets the scheduler used for delayed acknowledgments
func WithScheduler(s scheduler.Scheduler) Option {
	return func(r *Registry) { r.sched = s }
}

// WithTabProbe lets Send skip channels whose tab is already gone
func WithTabProbe(alive func(tabID int) bool) Option {
	return func(r *Registry) { r.tabAlive = alive }
}

// WithAckDelay sets the delay before CONNECTION_ESTABLISHED
func WithAckDelay(d time.Duration) Option {
	return func(r *Registry) { r.ackDelay = d }
}

// WithCountHook is called with the channel count after every change
func WithCountHook(fn func(platform models.Platform, n int)) Option {
	return func(r *Registry) { r.onCount = fn }
}

// NewRegistry creates a registry for one platform
func NewRegistry(platform models.Platform, logger zerolog.Logger, opts ...Option) *Registry {
	r := &Registry{
		platform:     platform,
		log:          logger.With().Str("component", "channels").Str("platform", string(platform)).Logger(),
		now:          time.Now,
		ackDelay:     DefaultAckDelay,
		ports:        make(map[string]*entry),
		tabs:         make(map[int]string),
		sessions:     make(map[string]map[string]struct{}),
		seen:         make(map[string]time.Time),
		completedSet: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.sched == nil {
		r.sched = scheduler.New()
	}
	return r
}

// Platform returns the platform this registry serves
func (r *Registry) Platform() models.Platform {
	return r.platform
}

// Register records a newly connected channel. Channels with a foreign platform
// tag or an already registered name are closed and rejected. A previous
// channel from the same tab is retired.
func (r *Registry) Register(port Port) error {
	name, err := ParseName(port.Name())
	if err != nil {
		port.Close()
		return err
	}
	if name.Platform != r.platform {
		port.Close()
		return fmt.Errorf("%w: %s on %s", ErrPlatformMismatch, name.Platform, r.platform)
	}

	tabID := port.TabID()

	r.mu.Lock()
	if _, exists := r.ports[name.Raw]; exists {
		r.mu.Unlock()
		port.Close()
		return fmt.Errorf("%w: %s", ErrDuplicateName, name.Raw)
	}

	var retired Port
	if tabID != 0 {
		if prev, ok := r.tabs[tabID]; ok {
			retired = r.removeLocked(prev)
		}
	}

	r.ports[name.Raw] = &entry{
		port:          port,
		name:          name,
		tabID:         tabID,
		lastHeartbeat: r.now(),
	}
	if tabID != 0 {
		r.tabs[tabID] = name.Raw
	}
	members, ok := r.sessions[name.SessionSuffix]
	if !ok {
		members = make(map[string]struct{})
		r.sessions[name.SessionSuffix] = members
	}
	members[name.Raw] = struct{}{}
	count := len(r.ports)
	r.mu.Unlock()

	if retired != nil {
		r.log.Debug().Str("channel", retired.Name()).Int("tab_id", tabID).Msg("Retiring previous channel for tab")
		retired.Close()
	}
	r.reportCount(count)

	r.log.Debug().Str("channel", name.Raw).Int("tab_id", tabID).Msg("Channel registered")

	r.sched.Schedule("channel:"+name.Raw, "ack", r.ackDelay, func() {
		if !r.Live(name.Raw) {
			return
		}
		r.Send(name.Raw, models.NewMessage(models.MsgConnectionEstablished, map[string]any{
			"channel": name.Raw,
			"tabId":   tabID,
		}))
	})

	return nil
}

// Disconnect removes a channel after its transport closed. Only the exact
// port instance is removed, so a late disconnect cannot evict a newer channel
// that reused the name.
func (r *Registry) Disconnect(port Port) {
	r.mu.Lock()
	e, ok := r.ports[port.Name()]
	if !ok || e.port != port {
		r.mu.Unlock()
		return
	}
	r.removeLocked(port.Name())
	count := len(r.ports)
	r.mu.Unlock()

	r.sched.CancelAll("channel:" + port.Name())
	r.reportCount(count)
	r.log.Debug().Str("channel", port.Name()).Msg("Channel disconnected")
}

// removeLocked drops a channel from every index and returns its port
func (r *Registry) removeLocked(name string) Port {
	e, ok := r.ports[name]
	if !ok {
		return nil
	}
	delete(r.ports, name)
	if r.tabs[e.tabID] == name {
		delete(r.tabs, e.tabID)
	}
	if members, ok := r.sessions[e.name.SessionSuffix]; ok {
		delete(members, name)
		if len(members) == 0 {
			delete(r.sessions, e.name.SessionSuffix)
		}
	}
	return e.port
}

// drop removes a channel that failed and closes it
func (r *Registry) drop(name string, port Port) {
	r.mu.Lock()
	if e, ok := r.ports[name]; ok && e.port == port {
		r.removeLocked(name)
	}
	count := len(r.ports)
	r.mu.Unlock()

	port.Close()
	r.reportCount(count)
}

// Send delivers msg on the named channel. It never panics or returns an
// error: false means the message was not delivered and the channel is gone.
func (r *Registry) Send(name string, msg models.Message) bool {
	r.mu.Lock()
	e, ok := r.ports[name]
	if !ok {
		r.mu.Unlock()
		return false
	}
	if r.now().Sub(e.lastHeartbeat) > StaleAfter {
		r.mu.Unlock()
		r.log.Debug().Str("channel", name).Msg("Send to stale channel")
		r.drop(name, e.port)
		return false
	}
	port, tabID := e.port, e.tabID
	r.mu.Unlock()

	if r.tabAlive != nil && tabID != 0 && !r.tabAlive(tabID) {
		r.log.Debug().Str("channel", name).Int("tab_id", tabID).Msg("Tab gone, channel dropped")
		r.drop(name, port)
		return false
	}

	if err := port.Send(msg); err != nil {
		r.log.Warn().Err(err).Str("channel", name).Str("type", msg.Type).Msg("Send failed, channel dropped")
		r.drop(name, port)
		return false
	}
	return true
}

// SendToTab delivers msg on the channel owned by tabID
func (r *Registry) SendToTab(tabID int, msg models.Message) bool {
	r.mu.Lock()
	name, ok := r.tabs[tabID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	return r.Send(name, msg)
}

// Accept is called for every inbound message. It refreshes the heartbeat and
// returns false for unknown channels and for redeliveries of the same message
// (type and payload) within the dedup window.
func (r *Registry) Accept(name string, msg models.Message) bool {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.ports[name]
	if !ok {
		return false
	}
	e.lastHeartbeat = now

	key := fmt.Sprintf("%s|%s|%x|%d", name, msg.Type, xxhash.Sum64(msg.Data), now.UnixMilli()/DedupWindow.Milliseconds())
	if _, dup := r.seen[key]; dup {
		r.log.Debug().Str("channel", name).Str("type", msg.Type).Msg("Duplicate message dropped")
		return false
	}
	r.seen[key] = now
	return true
}

// Lookup returns the registration of a channel
func (r *Registry) Lookup(name string) (Info, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.ports[name]
	if !ok {
		return Info{}, false
	}
	return Info{Name: e.name, TabID: e.tabID, LastHeartbeat: e.lastHeartbeat}, true
}

// Live reports whether a channel is registered
func (r *Registry) Live(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.ports[name]
	return ok
}

// ChannelForTab returns the channel name owned by a tab
func (r *Registry) ChannelForTab(tabID int) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name, ok := r.tabs[tabID]
	return name, ok
}

// SessionChannels returns the channel names carrying a session suffix
func (r *Registry) SessionChannels(suffix string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.sessions[suffix]))
	for name := range r.sessions[suffix] {
		names = append(names, name)
	}
	return names
}

// Len returns the number of live channels
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ports)
}

// MarkCompleted remembers a finished job id
func (r *Registry) MarkCompleted(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.completedSet[jobID]; ok {
		return
	}
	r.completed = append(r.completed, jobID)
	r.completedSet[jobID] = struct{}{}
}

// RecentlyCompleted reports whether a job id finished recently
func (r *Registry) RecentlyCompleted(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.completedSet[jobID]
	return ok
}

// CompletedCount returns the size of the recently completed set
func (r *Registry) CompletedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.completed)
}

// Sweep drops channels without a heartbeat for StaleAfter, expires dedup keys
// and compacts the recently completed set. It returns the number of channels dropped.
func (r *Registry) Sweep() int {
	now := r.now()

	r.mu.Lock()
	var stale []Port
	for name, e := range r.ports {
		if now.Sub(e.lastHeartbeat) > StaleAfter {
			stale = append(stale, r.removeLocked(name))
		}
	}
	for key, at := range r.seen {
		if now.Sub(at) > DedupWindow {
			delete(r.seen, key)
		}
	}
	if len(r.completed) > completedHighWater {
		keep := append([]string(nil), r.completed[len(r.completed)-completedKeep:]...)
		r.completed = keep
		r.completedSet = make(map[string]struct{}, len(keep))
		for _, id := range keep {
			r.completedSet[id] = struct{}{}
		}
	}
	count := len(r.ports)
	r.mu.Unlock()

	for _, port := range stale {
		r.log.Info().Str("channel", port.Name()).Msg("Reclaiming stale channel")
		port.Close()
	}
	if len(stale) > 0 {
		r.reportCount(count)
	}
	return len(stale)
}

// Run sweeps every SweepInterval until ctx is done
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// CloseAll closes every channel
func (r *Registry) CloseAll() {
	r.mu.Lock()
	ports := make([]Port, 0, len(r.ports))
	for name := range r.ports {
		ports = append(ports, r.removeLocked(name))
	}
	r.mu.Unlock()

	for _, p := range ports {
		p.Close()
	}
	r.reportCount(0)
}

func (r *Registry) reportCount(n int) {
	if r.onCount != nil {
		r.onCount(r.platform, n)
	}
}
