package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	"github.com/shehryarbajwa/applypilot/pkg/models"
)

func openTestStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := OpenBolt(filepath.Join(t.TempDir(), "data", "test.db"))
	assert.NilError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSessionRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	sess := models.AutomationSession{
		ID:        "session_1_abcd1234",
		Platform:  models.PlatformLever,
		UserID:    "u1",
		WindowID:  7,
		Status:    models.StatusRunning,
		StartTime: start,
		State: models.PlatformState{
			SubmittedLinks: []models.SubmittedLink{{URL: "https://jobs.lever.co/a/1", Status: models.LinkSuccess, Timestamp: start}},
			SearchData:     models.SearchData{Limit: 5, Current: 1},
		},
	}
	assert.NilError(t, s.SaveSession(ctx, sess))

	got, err := s.GetSession(ctx, sess.ID)
	assert.NilError(t, err)
	assert.Equal(t, got.WindowID, 7)
	assert.Equal(t, got.State.SearchData.Current, 1)
	assert.Check(t, got.StartTime.Equal(start))
	assert.Check(t, is.Len(got.State.SubmittedLinks, 1))

	_, err = s.GetSession(ctx, "missing")
	assert.Check(t, errors.Is(err, ErrNotFound))

	all, err := s.ListSessions(ctx)
	assert.NilError(t, err)
	assert.Check(t, is.Len(all, 1))
}

func TestWindows(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	reg := models.WindowRegistration{SessionID: "s1", Platform: models.PlatformIndeed, RegisteredAt: time.Now()}
	assert.NilError(t, s.SaveWindow(ctx, 12, reg))
	assert.NilError(t, s.SaveWindow(ctx, 3, models.WindowRegistration{SessionID: "s2"}))

	got, err := s.GetWindow(ctx, 12)
	assert.NilError(t, err)
	assert.Equal(t, got.SessionID, "s1")

	all, err := s.ListWindows(ctx)
	assert.NilError(t, err)
	assert.Check(t, is.Len(all, 2))

	assert.NilError(t, s.DeleteWindow(ctx, 12))
	assert.NilError(t, s.DeleteWindow(ctx, 12))
	_, err = s.GetWindow(ctx, 12)
	assert.Check(t, errors.Is(err, ErrNotFound))
}

func TestEventsAreScopedAndOrdered(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	for _, kind := range []string{"progress", "error", "submitted"} {
		assert.NilError(t, s.AppendEvent(ctx, models.SessionEvent{SessionID: "s1", Kind: kind}))
	}
	// "s1x" shares a prefix with "s1" but must not leak into its listing
	assert.NilError(t, s.AppendEvent(ctx, models.SessionEvent{SessionID: "s1x", Kind: "progress"}))

	evs, err := s.ListEvents(ctx, "s1")
	assert.NilError(t, err)
	assert.Check(t, is.Len(evs, 3))
	assert.Equal(t, evs[0].Kind, "progress")
	assert.Equal(t, evs[2].Kind, "submitted")
}

func TestPrune(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	now := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	old := now.Add(-48 * time.Hour)
	recent := now.Add(-time.Hour)
	cutoff := now.Add(-24 * time.Hour)

	assert.NilError(t, s.SaveSession(ctx, models.AutomationSession{ID: "done-old", Status: models.StatusCompleted, EndTime: &old}))
	assert.NilError(t, s.SaveSession(ctx, models.AutomationSession{ID: "done-new", Status: models.StatusStopped, EndTime: &recent}))
	assert.NilError(t, s.SaveSession(ctx, models.AutomationSession{ID: "running", Status: models.StatusRunning, StartTime: old}))
	assert.NilError(t, s.AppendEvent(ctx, models.SessionEvent{SessionID: "done-old", Kind: "progress"}))

	assert.NilError(t, s.SaveWindow(ctx, 1, models.WindowRegistration{SessionID: "done-old", RegisteredAt: old}))
	assert.NilError(t, s.SaveWindow(ctx, 2, models.WindowRegistration{SessionID: "running", RegisteredAt: old}))
	assert.NilError(t, s.SaveWindow(ctx, 3, models.WindowRegistration{SessionID: "ghost", RegisteredAt: old}))
	assert.NilError(t, s.SaveWindow(ctx, 4, models.WindowRegistration{SessionID: "ghost", RegisteredAt: recent}))

	removed, err := s.Prune(ctx, cutoff)
	assert.NilError(t, err)
	assert.Equal(t, removed, 1)

	_, err = s.GetSession(ctx, "done-old")
	assert.Check(t, errors.Is(err, ErrNotFound))
	_, err = s.GetSession(ctx, "done-new")
	assert.NilError(t, err)

	evs, err := s.ListEvents(ctx, "done-old")
	assert.NilError(t, err)
	assert.Check(t, is.Len(evs, 0))

	windows, err := s.ListWindows(ctx)
	assert.NilError(t, err)
	_, kept := windows[2]
	assert.Check(t, kept)
	_, kept = windows[4]
	assert.Check(t, kept)
	assert.Check(t, is.Len(windows, 2))
}
