package channel

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	"github.com/shehryarbajwa/applypilot/internal/scheduler"
	"github.com/shehryarbajwa/applypilot/pkg/models"
)

type fakePort struct {
	name    string
	tab     int
	mu      sync.Mutex
	sent    []models.Message
	closed  bool
	sendErr error
}

func newFakePort(name string, tab int) *fakePort {
	return &fakePort{name: name, tab: tab}
}

func (p *fakePort) Name() string { return p.name }
func (p *fakePort) TabID() int   { return p.tab }

func (p *fakePort) Send(msg models.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sendErr != nil {
		return p.sendErr
	}
	p.sent = append(p.sent, msg)
	return nil
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePort) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.sent))
	for _, m := range p.sent {
		out = append(out, m.Type)
	}
	return out
}

func (p *fakePort) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestRegistry(t *testing.T) (*Registry, *clock, *scheduler.Manual) {
	t.Helper()
	clk := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	sched := scheduler.NewManual(clk.t)
	r := NewRegistry(models.PlatformLever, zerolog.Nop(),
		WithClock(clk.now),
		WithScheduler(sched),
	)
	return r, clk, sched
}

func TestParseName(t *testing.T) {
	n, err := ParseName("lever-search-1700000000000-a1b2-c3")
	assert.NilError(t, err)
	assert.Equal(t, n.Platform, models.PlatformLever)
	assert.Equal(t, n.ChannelType, "search")
	assert.Equal(t, n.Timestamp, int64(1700000000000))
	assert.Equal(t, n.SessionSuffix, "a1b2-c3")

	for _, bad := range []string{"", "lever", "lever-search-xyz-abc", "lever--1-abc", "lever-search-1-"} {
		_, err := ParseName(bad)
		assert.Assert(t, errors.Is(err, ErrInvalidName), "name %q", bad)
	}

	assert.Equal(t, FormatName(models.PlatformAshby, "apply", 5, "ff"), "ashby-apply-5-ff")
}

func TestRegisterSendsAcknowledgmentAfterDelay(t *testing.T) {
	r, _, sched := newTestRegistry(t)
	port := newFakePort("lever-search-1-abc", 7)

	assert.NilError(t, r.Register(port))
	assert.Assert(t, is.Len(port.types(), 0))

	sched.Advance(DefaultAckDelay)
	assert.DeepEqual(t, port.types(), []string{models.MsgConnectionEstablished})
}

func TestAcknowledgmentSkippedWhenChannelGone(t *testing.T) {
	r, _, sched := newTestRegistry(t)
	port := newFakePort("lever-search-1-abc", 7)

	assert.NilError(t, r.Register(port))
	r.Disconnect(port)
	sched.Advance(time.Second)

	assert.Assert(t, is.Len(port.types(), 0))
}

func TestRegisterRejectsForeignPlatform(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	port := newFakePort("indeed-search-1-abc", 7)

	err := r.Register(port)
	assert.Assert(t, errors.Is(err, ErrPlatformMismatch))
	assert.Assert(t, port.isClosed())
	assert.Equal(t, r.Len(), 0)
}

func TestRegisterRejectsDuplicateName(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	first := newFakePort("lever-search-1-abc", 7)
	second := newFakePort("lever-search-1-abc", 8)

	assert.NilError(t, r.Register(first))
	err := r.Register(second)
	assert.Assert(t, errors.Is(err, ErrDuplicateName))
	assert.Assert(t, second.isClosed())
	assert.Assert(t, !first.isClosed())
	assert.Equal(t, r.Len(), 1)
}

func TestRegisterRetiresPreviousChannelOfTab(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	old := newFakePort("lever-search-1-abc", 7)
	fresh := newFakePort("lever-search-2-abc", 7)

	assert.NilError(t, r.Register(old))
	assert.NilError(t, r.Register(fresh))

	assert.Assert(t, old.isClosed())
	assert.Equal(t, r.Len(), 1)
	name, ok := r.ChannelForTab(7)
	assert.Assert(t, ok)
	assert.Equal(t, name, "lever-search-2-abc")

	// the retired port's late disconnect must not evict the new one
	r.Disconnect(old)
	assert.Assert(t, r.Live("lever-search-2-abc"))
}

func TestSendReportsFailureWithoutPanicking(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	assert.Assert(t, !r.Send("lever-search-9-zzz", models.NewMessage(models.MsgSuccess, nil)))
	assert.Assert(t, !r.SendToTab(99, models.NewMessage(models.MsgSuccess, nil)))

	broken := newFakePort("lever-apply-1-abc", 3)
	broken.sendErr = errors.New("write: broken pipe")
	assert.NilError(t, r.Register(broken))

	assert.Assert(t, !r.Send(broken.Name(), models.NewMessage(models.MsgSuccess, nil)))
	assert.Assert(t, !r.Live(broken.Name()))
	assert.Assert(t, broken.isClosed())
}

func TestSendSkipsGoneTab(t *testing.T) {
	clk := &clock{t: time.Now()}
	r := NewRegistry(models.PlatformLever, zerolog.Nop(),
		WithClock(clk.now),
		WithScheduler(scheduler.NewManual(clk.t)),
		WithTabProbe(func(tabID int) bool { return tabID != 3 }),
	)
	port := newFakePort("lever-apply-1-abc", 3)
	assert.NilError(t, r.Register(port))

	assert.Assert(t, !r.SendToTab(3, models.NewMessage(models.MsgSuccess, nil)))
	assert.Equal(t, r.Len(), 0)
}

func TestAcceptDropsRedeliveriesWithinWindow(t *testing.T) {
	r, clk, _ := newTestRegistry(t)
	port := newFakePort("lever-search-1-abc", 7)
	assert.NilError(t, r.Register(port))

	msg := models.NewMessage(models.MsgGetSearchTask, nil)
	assert.Assert(t, r.Accept(port.Name(), msg))
	assert.Assert(t, !r.Accept(port.Name(), msg))
	assert.Assert(t, r.Accept(port.Name(), models.NewMessage(models.MsgKeepalive, nil)))

	clk.advance(DedupWindow)
	assert.Assert(t, r.Accept(port.Name(), msg))

	assert.Assert(t, !r.Accept("lever-search-5-nope", msg))
}

func TestAcceptKeepsDistinctPayloads(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	port := newFakePort("lever-search-1-abc", 7)
	assert.NilError(t, r.Register(port))

	first := models.NewMessage(models.MsgStartApplication, models.JobRequest{URL: "https://jobs.lever.co/acme/1"})
	second := models.NewMessage(models.MsgStartApplication, models.JobRequest{URL: "https://jobs.lever.co/acme/2"})
	assert.Assert(t, r.Accept(port.Name(), first))
	assert.Assert(t, r.Accept(port.Name(), second))
	assert.Assert(t, !r.Accept(port.Name(), second))
}

func TestLogMessagesAreCapitalized(t *testing.T) {
	var buf bytes.Buffer
	clk := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	r := NewRegistry(models.PlatformLever, zerolog.New(&buf).Level(zerolog.DebugLevel),
		WithClock(clk.now),
		WithScheduler(scheduler.NewManual(clk.t)),
	)
	port := newFakePort("lever-search-1-abc", 7)
	assert.NilError(t, r.Register(port))
	msg := models.NewMessage(models.MsgKeepalive, nil)
	r.Accept(port.Name(), msg)
	r.Accept(port.Name(), msg)
	r.Disconnect(port)

	var messages []string
	sc := bufio.NewScanner(&buf)
	for sc.Scan() {
		var line struct {
			Message string `json:"message"`
		}
		assert.NilError(t, json.Unmarshal(sc.Bytes(), &line))
		messages = append(messages, line.Message)
	}
	assert.DeepEqual(t, messages, []string{"Channel registered", "Duplicate message dropped", "Channel disconnected"})
}

func TestStaleChannelReclaimed(t *testing.T) {
	r, clk, _ := newTestRegistry(t)
	stale := newFakePort("lever-search-1-abc", 7)
	fresh := newFakePort("lever-apply-1-abc", 8)
	assert.NilError(t, r.Register(stale))
	assert.NilError(t, r.Register(fresh))

	clk.advance(90 * time.Second)
	assert.Assert(t, r.Accept(fresh.Name(), models.NewMessage(models.MsgKeepalive, nil)))
	clk.advance(31 * time.Second)

	// before the sweep a send to the stale channel already fails quietly
	assert.Assert(t, !r.Send(stale.Name(), models.NewMessage(models.MsgSuccess, nil)))

	other := newFakePort("lever-search-2-abc", 9)
	assert.NilError(t, r.Register(other))
	clk.advance(StaleAfter + time.Second)
	assert.Assert(t, r.Accept(fresh.Name(), models.NewMessage(models.MsgKeepalive, nil)))

	assert.Equal(t, r.Sweep(), 1)
	assert.Assert(t, !r.Live(other.Name()))
	assert.Assert(t, other.isClosed())
	assert.Assert(t, r.Live(fresh.Name()))
}

func TestSweepCompactsCompletedJobs(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	for i := 0; i < 101; i++ {
		r.MarkCompleted(fmt.Sprintf("job-%d", i))
	}
	r.MarkCompleted("job-100")
	assert.Equal(t, r.CompletedCount(), 101)

	r.Sweep()
	assert.Equal(t, r.CompletedCount(), 50)
	assert.Assert(t, r.RecentlyCompleted("job-100"))
	assert.Assert(t, r.RecentlyCompleted("job-51"))
	assert.Assert(t, !r.RecentlyCompleted("job-50"))
}

func TestSessionChannelsAndCountHook(t *testing.T) {
	var counts []int
	clk := &clock{t: time.Now()}
	r := NewRegistry(models.PlatformLever, zerolog.Nop(),
		WithClock(clk.now),
		WithScheduler(scheduler.NewManual(clk.t)),
		WithCountHook(func(_ models.Platform, n int) { counts = append(counts, n) }),
	)

	a := newFakePort("lever-search-1-abc", 1)
	b := newFakePort("lever-apply-2-abc", 2)
	c := newFakePort("lever-search-3-def", 3)
	for _, p := range []*fakePort{a, b, c} {
		assert.NilError(t, r.Register(p))
	}

	assert.Assert(t, is.Len(r.SessionChannels("abc"), 2))
	r.Disconnect(b)
	assert.DeepEqual(t, r.SessionChannels("abc"), []string{"lever-search-1-abc"})
	assert.DeepEqual(t, counts, []int{1, 2, 3, 2})

	r.CloseAll()
	assert.Assert(t, a.isClosed() && c.isClosed())
	assert.Equal(t, r.Len(), 0)
}
