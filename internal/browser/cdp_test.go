package browser

import (
	"testing"

	"github.com/chromedp/cdproto/target"
	"github.com/rs/zerolog"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

func newTrackingCDP() *CDP {
	return &CDP{
		log:      zerolog.Nop(),
		nextTab:  1,
		byTarget: map[target.ID]int{},
		tabs:     map[int]*cdpTab{},
		windows:  map[int]int{},
		events:   make(chan Event, 8),
	}
}

func drain(ch <-chan Event) []Event {
	var out []Event
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestInfoChangedEmitsOnlyOnNavigation(t *testing.T) {
	b := newTrackingCDP()
	tabID := b.track("target-1", 7)

	changed := func(url, title string) {
		b.onTargetEvent(&target.EventTargetInfoChanged{TargetInfo: &target.Info{
			TargetID: "target-1",
			Type:     "page",
			URL:      url,
			Title:    title,
		}})
	}

	changed("https://jobs.lever.co/acme/1", "Loading")
	changed("https://jobs.lever.co/acme/1", "Engineer at Acme")
	changed("https://jobs.lever.co/acme/1/apply", "Apply")

	events := drain(b.events)
	assert.Assert(t, is.Len(events, 2))
	assert.Equal(t, events[0].TabID, tabID)
	assert.Equal(t, events[0].WindowID, 7)
	assert.Equal(t, events[0].Type, EventTabUpdated)
	assert.Check(t, events[0].Complete)
	assert.Equal(t, events[1].URL, "https://jobs.lever.co/acme/1/apply")
}

func TestInfoChangedIgnoresUnknownTargets(t *testing.T) {
	b := newTrackingCDP()
	b.onTargetEvent(&target.EventTargetInfoChanged{TargetInfo: &target.Info{TargetID: "other", Type: "page", URL: "https://example.com"}})
	b.onTargetEvent(&target.EventTargetInfoChanged{TargetInfo: &target.Info{TargetID: "worker", Type: "service_worker"}})
	assert.Check(t, is.Len(drain(b.events), 0))
}

func TestTargetDestroyedClosesWindow(t *testing.T) {
	b := newTrackingCDP()
	tabID := b.track("target-1", 7)

	b.onTargetEvent(&target.EventTargetDestroyed{TargetID: "target-1"})

	events := drain(b.events)
	assert.Assert(t, is.Len(events, 2))
	assert.Equal(t, events[0].Type, EventTabRemoved)
	assert.Equal(t, events[0].TabID, tabID)
	assert.Equal(t, events[1].Type, EventWindowRemoved)
	assert.Equal(t, events[1].WindowID, 7)
}
