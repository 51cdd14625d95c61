package session

import (
	"errors"
	"testing"
	"time"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	"github.com/shehryarbajwa/applypilot/internal/platform"
	"github.com/shehryarbajwa/applypilot/pkg/models"
)

var t0 = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

func newRunning(t *testing.T, limit int) *Automation {
	t.Helper()
	cfg, err := platform.Lookup(models.PlatformLever)
	assert.NilError(t, err)

	a := New("session_1714000000000_ab12cd34", models.StartRequest{
		Platform:    models.PlatformLever,
		UserID:      "user-1",
		JobsToApply: limit,
	}, cfg, map[string]any{"name": "Ada"}, "http://api", t0)

	assert.NilError(t, a.Transition(models.StatusStarting, "", t0))
	assert.NilError(t, a.AssignWindow(11))
	assert.NilError(t, a.Transition(models.StatusRunning, "", t0))
	return a
}

func TestNewSession(t *testing.T) {
	cfg, _ := platform.Lookup(models.PlatformLever)
	a := New("session_1_ff00", models.StartRequest{
		Platform:       models.PlatformLever,
		UserID:         "u",
		JobsToApply:    3,
		SubmittedLinks: []string{"https://jobs.lever.co/acme/1", "https://JOBS.lever.co/acme/1/apply", ""},
		Preferences:    map[string]any{"location": "Remote"},
	}, cfg, nil, "http://api", t0)

	snap := a.Snapshot()
	assert.Equal(t, snap.Status, models.StatusCreated)
	assert.Equal(t, snap.State.SearchData.Limit, 3)
	assert.Equal(t, snap.State.SearchData.Current, 0)
	assert.DeepEqual(t, snap.State.SearchData.Domain, []string{"jobs.lever.co"})
	assert.Assert(t, is.Len(snap.State.SubmittedLinks, 1))
	assert.Equal(t, snap.Config.APIHost, "http://api")
	assert.Equal(t, a.Suffix(), "ff00")
	assert.Assert(t, a.HasLink("https://jobs.lever.co/acme/1/"))
}

func TestTransitions(t *testing.T) {
	a := newRunning(t, 1)

	assert.NilError(t, a.Transition(models.StatusPaused, "", t0))
	err := a.Transition(models.StatusInterrupted, "window closed", t0)
	assert.Assert(t, errors.Is(err, ErrInvalidTransition))

	assert.NilError(t, a.Transition(models.StatusRunning, "", t0))
	assert.NilError(t, a.Transition(models.StatusInterrupted, "window closed", t0.Add(time.Minute)))

	snap := a.Snapshot()
	assert.Equal(t, snap.StopReason, "window closed")
	assert.Assert(t, snap.EndTime != nil && snap.EndTime.Equal(t0.Add(time.Minute)))

	err = a.Transition(models.StatusRunning, "", t0)
	assert.Assert(t, errors.Is(err, ErrInvalidTransition))
}

func TestFailedRecordsError(t *testing.T) {
	cfg, _ := platform.Lookup(models.PlatformAshby)
	a := New("session_2_aa", models.StartRequest{Platform: models.PlatformAshby, UserID: "u", JobsToApply: 1}, cfg, nil, "", t0)
	assert.NilError(t, a.Transition(models.StatusStarting, "", t0))
	assert.NilError(t, a.Transition(models.StatusFailed, "window creation failed", t0))
	assert.Equal(t, a.Snapshot().Error, "window creation failed")
	assert.Assert(t, a.Status().Terminal())
}

func TestWindowIsImmutable(t *testing.T) {
	a := newRunning(t, 1)
	assert.NilError(t, a.AssignWindow(11))
	assert.Assert(t, errors.Is(a.AssignWindow(12), ErrWindowAssigned))
	assert.Equal(t, a.WindowID(), 11)
}

func TestBeginJobMutualExclusion(t *testing.T) {
	a := newRunning(t, 5)

	job, err := a.BeginJob("https://jobs.lever.co/acme/1", t0)
	assert.NilError(t, err)
	assert.Assert(t, a.AttachJobTab(job.Seq, 40))

	_, err = a.BeginJob("https://jobs.lever.co/acme/2", t0)
	assert.Assert(t, errors.Is(err, ErrBusy))

	current, ok := a.CurrentJob()
	assert.Assert(t, ok)
	assert.Equal(t, current.URL, "https://jobs.lever.co/acme/1")
	assert.Equal(t, current.TabID, 40)
}

func TestBeginJobRejectsDuplicates(t *testing.T) {
	a := newRunning(t, 5)

	job, err := a.BeginJob("https://jobs.lever.co/acme/1", t0)
	assert.NilError(t, err)
	_, ok := a.FinishJob(job.Seq, models.LinkSuccess, "", t0)
	assert.Assert(t, ok)

	_, err = a.BeginJob("HTTPS://jobs.lever.co/acme/1/apply/", t0)
	assert.Assert(t, errors.Is(err, ErrDuplicate))
	assert.Assert(t, is.Len(a.Snapshot().State.SubmittedLinks, 1))
}

func TestBeginJobKeysIndeedByJobID(t *testing.T) {
	cfg, err := platform.Lookup(models.PlatformIndeed)
	assert.NilError(t, err)
	a := New("session_1714000000000_ef56ab78", models.StartRequest{
		Platform:    models.PlatformIndeed,
		UserID:      "user-1",
		JobsToApply: 5,
	}, cfg, nil, "http://api", t0)
	assert.NilError(t, a.Transition(models.StatusStarting, "", t0))
	assert.NilError(t, a.Transition(models.StatusRunning, "", t0))

	first, err := a.BeginJob("https://www.indeed.com/viewjob?jk=aaaa1111", t0)
	assert.NilError(t, err)
	_, ok := a.FinishJob(first.Seq, models.LinkSuccess, "", t0)
	assert.Assert(t, ok)

	_, err = a.BeginJob("https://www.indeed.com/viewjob?jk=bbbb2222", t0)
	assert.NilError(t, err)
	assert.Assert(t, a.HasLink("https://www.indeed.com/rc/clk?jk=aaaa1111&from=serp"))
}

func TestBeginJobRequiresRunning(t *testing.T) {
	a := newRunning(t, 5)
	assert.NilError(t, a.Transition(models.StatusPaused, "", t0))

	_, err := a.BeginJob("https://jobs.lever.co/acme/1", t0)
	assert.Assert(t, errors.Is(err, ErrNotRunning))
}

func TestFinishJobCounters(t *testing.T) {
	a := newRunning(t, 5)

	finish := func(url string, status models.LinkStatus) Outcome {
		job, err := a.BeginJob(url, t0)
		assert.NilError(t, err)
		out, ok := a.FinishJob(job.Seq, status, "detail", t0)
		assert.Assert(t, ok)
		return out
	}

	out := finish("https://jobs.lever.co/a/1", models.LinkError)
	assert.Equal(t, out.Current, 0)
	assert.Equal(t, out.ErrorCount, 1)
	assert.Equal(t, out.Link.Error, "detail")

	out = finish("https://jobs.lever.co/a/2", models.LinkTimeout)
	assert.Equal(t, out.ErrorCount, 2)

	out = finish("https://jobs.lever.co/a/3", models.LinkSkipped)
	assert.Equal(t, out.Current, 0)
	assert.Equal(t, out.ErrorCount, 2)
	assert.Equal(t, out.Link.Details, "detail")

	out = finish("https://jobs.lever.co/a/4", models.LinkSuccess)
	assert.Equal(t, out.Current, 1)
	assert.Equal(t, out.ErrorCount, 0)
	assert.Equal(t, out.Link.Status, models.LinkSuccess)

	snap := a.Snapshot()
	assert.Assert(t, !snap.State.IsProcessingJob)
	assert.Equal(t, snap.State.CurrentJobURL, "")
	assert.Assert(t, snap.State.ApplicationStartTime == nil)
	assert.Assert(t, is.Len(snap.State.SubmittedLinks, 4))
}

func TestFinishJobIgnoresStaleSequence(t *testing.T) {
	a := newRunning(t, 5)

	first, err := a.BeginJob("https://jobs.lever.co/a/1", t0)
	assert.NilError(t, err)
	_, ok := a.FinishJob(first.Seq, models.LinkError, "", t0)
	assert.Assert(t, ok)

	second, err := a.BeginJob("https://jobs.lever.co/a/2", t0)
	assert.NilError(t, err)

	_, ok = a.FinishJob(first.Seq, models.LinkTimeout, "late watchdog", t0)
	assert.Assert(t, !ok)
	assert.Assert(t, !a.AttachJobTab(first.Seq, 9))

	_, ok = a.FinishJob(second.Seq, models.LinkSuccess, "", t0)
	assert.Assert(t, ok)
	_, ok = a.FinishJob(0, models.LinkSuccess, "", t0)
	assert.Assert(t, !ok)
}

func TestLimitAndExhaustion(t *testing.T) {
	a := newRunning(t, 1)
	a.SetSearchTab(30)

	job, _ := a.BeginJob("https://jobs.lever.co/a/1", t0)
	assert.Assert(t, !a.MarkSearchExhausted())

	out, ok := a.FinishJob(job.Seq, models.LinkSuccess, "", t0)
	assert.Assert(t, ok)
	assert.Assert(t, out.LimitReached)
	assert.Assert(t, out.SearchExhausted)
	assert.Equal(t, out.SearchTabID, 30)
	assert.Assert(t, a.MarkSearchExhausted())
}

func TestClaimStopNoticeOnce(t *testing.T) {
	a := newRunning(t, 1)
	assert.Assert(t, a.ClaimStopNotice())
	assert.Assert(t, !a.ClaimStopNotice())
}

func TestRestoreClearsInFlightJob(t *testing.T) {
	a := newRunning(t, 3)
	_, err := a.BeginJob("https://jobs.lever.co/a/1", t0)
	assert.NilError(t, err)

	restored := Restore(a.Snapshot(), t0.Add(time.Hour))
	snap := restored.Snapshot()
	assert.Assert(t, !snap.State.IsProcessingJob)
	assert.Equal(t, snap.State.SubmittedLinks[0].Status, models.LinkError)
	assert.Equal(t, snap.State.SubmittedLinks[0].Error, "interrupted by restart")
	assert.Equal(t, restored.Suffix(), "ab12cd34")
	assert.Equal(t, restored.Status(), models.StatusRunning)
	assert.Equal(t, snap.ErrorCount, 1)
}

func TestSnapshotIsACopy(t *testing.T) {
	a := newRunning(t, 3)
	snap := a.Snapshot()
	snap.UserProfile["name"] = "changed"
	snap.State.SearchData.Current = 99

	again := a.Snapshot()
	assert.Equal(t, again.UserProfile["name"], "Ada")
	assert.Equal(t, again.State.SearchData.Current, 0)

	task := a.SearchTask()
	assert.Equal(t, task.Limit, 3)
	assert.Equal(t, task.SearchLinkPattern, snap.State.SearchData.SearchLinkPattern)

	ctx := a.TabContext(5)
	assert.Equal(t, ctx.WindowID, 11)
	assert.Assert(t, ctx.IsAutomationWindow)
}
