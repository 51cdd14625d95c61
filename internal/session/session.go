// Package session implements the automation session state machine and the
// bookkeeping of the per-job cycle. All mutation goes through methods that
// hold the session's mutex; callers never hold it across I/O.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shehryarbajwa/applypilot/internal/platform"
	"github.com/shehryarbajwa/applypilot/pkg/models"
)

var (
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNotRunning        = errors.New("automation is not running")
	ErrBusy              = errors.New("already processing another job")
	ErrDuplicate         = errors.New("job already submitted")
	ErrWindowAssigned    = errors.New("window already assigned")
)

var transitions = map[models.SessionStatus][]models.SessionStatus{
	models.StatusCreated:  {models.StatusStarting, models.StatusStopped, models.StatusFailed, models.StatusError},
	models.StatusStarting: {models.StatusRunning, models.StatusStopped, models.StatusFailed, models.StatusError},
	models.StatusRunning:  {models.StatusPaused, models.StatusStopped, models.StatusCompleted, models.StatusFailed, models.StatusInterrupted},
	models.StatusPaused:   {models.StatusRunning, models.StatusStopped, models.StatusCompleted, models.StatusFailed},
}

// CanTransition reports whether from -> to is allowed
func CanTransition(from, to models.SessionStatus) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Job identifies the job currently in flight
type Job struct {
	Seq        uint64
	URL        string
	Normalized string
	TabID      int
	StartedAt  time.Time
}

// Outcome is the state after a job finished
type Outcome struct {
	Job             Job
	Link            models.SubmittedLink
	Status          models.LinkStatus
	Current         int
	Limit           int
	ErrorCount      int
	LimitReached    bool
	SearchExhausted bool
	Paused          bool
	SearchTabID     int
}

// Automation is one live automation session
type Automation struct {
	id       string
	suffix   string
	platform models.Platform

	mu              sync.Mutex
	data            models.AutomationSession
	jobSeq          uint64
	currentSeq      uint64
	searchExhausted bool
	stopNotified    bool
}

// New creates a session in the created state
func New(id string, req models.StartRequest, cfg platform.Config, profile map[string]any, apiHost string, now time.Time) *Automation {
	a := &Automation{
		id:       id,
		suffix:   Suffix(id),
		platform: req.Platform,
		data: models.AutomationSession{
			ID:          id,
			Platform:    req.Platform,
			UserID:      req.UserID,
			Status:      models.StatusCreated,
			StartTime:   now,
			UserProfile: profile,
			Config: models.SessionConfig{
				UserID:              req.UserID,
				APIHost:             apiHost,
				Preferences:         req.Preferences,
				DevMode:             req.DevMode,
				Country:             req.Country,
				UserPlan:            req.UserPlan,
				UserCredits:         req.UserCredits,
				DailyRemaining:      req.DailyRemaining,
				ResumeURL:           req.ResumeURL,
				CoverLetterTemplate: req.CoverLetterTemplate,
			},
			State: models.PlatformState{
				SearchData:     cfg.SearchData(req.JobsToApply),
				SubmittedLinks: []models.SubmittedLink{},
			},
		},
	}

	// links submitted in earlier runs only seed deduplication
	for _, link := range req.SubmittedLinks {
		if link == "" || a.hasLinkLocked(a.jobKey(link)) {
			continue
		}
		a.data.State.SubmittedLinks = append(a.data.State.SubmittedLinks, models.SubmittedLink{
			URL:       link,
			Status:    models.LinkSuccess,
			Details:   "previously submitted",
			Timestamp: now,
		})
	}

	return a
}

// Restore rebuilds a session from a persisted snapshot. A job that was in
// flight when the snapshot was taken is recorded as an error and counts
// against the error budget.
func Restore(snapshot models.AutomationSession, now time.Time) *Automation {
	a := &Automation{
		id:       snapshot.ID,
		suffix:   Suffix(snapshot.ID),
		platform: snapshot.Platform,
		data:     clone(snapshot),
	}
	if a.data.State.IsProcessingJob {
		norm := a.jobKey(a.data.State.CurrentJobURL)
		if i := a.linkIndexLocked(norm); i >= 0 {
			a.data.State.SubmittedLinks[i].Status = models.LinkError
			a.data.State.SubmittedLinks[i].Error = "interrupted by restart"
			a.data.State.SubmittedLinks[i].Timestamp = now
		}
		a.data.ErrorCount++
		a.resetJobLocked()
	}
	return a
}

// Suffix returns the random tail of a session id used in channel names
func Suffix(id string) string {
	if i := strings.LastIndex(id, "_"); i >= 0 {
		return id[i+1:]
	}
	return id
}

func (a *Automation) ID() string                { return a.id }
func (a *Automation) Suffix() string            { return a.suffix }
func (a *Automation) Platform() models.Platform { return a.platform }

// UserID returns the owning user
func (a *Automation) UserID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.data.UserID
}

// Status returns the current lifecycle state
func (a *Automation) Status() models.SessionStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.data.Status
}

// WindowID returns the automation window, zero before it exists
func (a *Automation) WindowID() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.data.WindowID
}

// Snapshot returns a deep copy of the session record
func (a *Automation) Snapshot() models.AutomationSession {
	a.mu.Lock()
	defer a.mu.Unlock()
	return clone(a.data)
}

// Transition moves the session to a new status. Terminal statuses stamp the
// end time; failures record reason as the error, other stops as the stop reason.
func (a *Automation) Transition(to models.SessionStatus, reason string, now time.Time) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	from := a.data.Status
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	a.data.Status = to
	if to.Terminal() {
		end := now
		a.data.EndTime = &end
		switch to {
		case models.StatusFailed, models.StatusError:
			a.data.Error = reason
		default:
			a.data.StopReason = reason
		}
	}
	return nil
}

// AssignWindow binds the session to its window. The binding is immutable.
func (a *Automation) AssignWindow(windowID int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.data.WindowID != 0 && a.data.WindowID != windowID {
		return fmt.Errorf("%w: %d", ErrWindowAssigned, a.data.WindowID)
	}
	a.data.WindowID = windowID
	return nil
}

// SetSearchTab records the tab that drives the search
func (a *Automation) SetSearchTab(tabID int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.data.State.SearchTabID = tabID
}

// SearchTabID returns the search tab, zero if unknown
func (a *Automation) SearchTabID() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.data.State.SearchTabID
}

// SearchTask builds the GET_SEARCH_TASK answer
func (a *Automation) SearchTask() models.SearchTask {
	a.mu.Lock()
	defer a.mu.Unlock()

	sd := a.data.State.SearchData
	return models.SearchTask{
		Limit:             sd.Limit,
		Current:           sd.Current,
		Domain:            append([]string(nil), sd.Domain...),
		SubmittedLinks:    append([]models.SubmittedLink(nil), a.data.State.SubmittedLinks...),
		SearchLinkPattern: sd.SearchLinkPattern,
	}
}

// ApplicationTask builds the GET_APPLICATION_TASK answer
func (a *Automation) ApplicationTask() models.ApplicationTask {
	a.mu.Lock()
	defer a.mu.Unlock()

	snap := clone(a.data)
	return models.ApplicationTask{
		SessionID:     a.id,
		URL:           snap.State.CurrentJobURL,
		Profile:       snap.UserProfile,
		SessionConfig: snap.Config,
	}
}

// TabContext builds the context injected into a tab of this session
func (a *Automation) TabContext(tabID int) models.TabContext {
	a.mu.Lock()
	defer a.mu.Unlock()

	snap := clone(a.data)
	return models.TabContext{
		SessionID:          a.id,
		Platform:           a.platform,
		UserID:             snap.UserID,
		WindowID:           snap.WindowID,
		TabID:              tabID,
		IsAutomationWindow: true,
		APIHost:            snap.Config.APIHost,
		UserProfile:        snap.UserProfile,
		Preferences:        snap.Config.Preferences,
		Config:             snap.Config,
	}
}

// Progress returns the live counters
func (a *Automation) Progress() models.Progress {
	a.mu.Lock()
	defer a.mu.Unlock()

	return models.Progress{
		Current:         a.data.State.SearchData.Current,
		Limit:           a.data.State.SearchData.Limit,
		Submitted:       len(a.data.State.SubmittedLinks),
		IsProcessingJob: a.data.State.IsProcessingJob,
		CurrentJobURL:   a.data.State.CurrentJobURL,
		ErrorCount:      a.data.ErrorCount,
	}
}

// BeginJob claims the session for a job. It is the single arbiter of the
// one-job-at-a-time rule: a second claim while a job is in flight fails with
// ErrBusy and leaves the in-flight state untouched.
func (a *Automation) BeginJob(rawURL string, now time.Time) (Job, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.data.Status != models.StatusRunning {
		return Job{}, fmt.Errorf("%w: status %s", ErrNotRunning, a.data.Status)
	}
	if a.data.State.IsProcessingJob {
		return Job{}, ErrBusy
	}
	norm := a.jobKey(rawURL)
	if a.hasLinkLocked(norm) {
		return Job{}, ErrDuplicate
	}

	a.jobSeq++
	a.currentSeq = a.jobSeq
	started := now
	a.data.State.IsProcessingJob = true
	a.data.State.CurrentJobURL = rawURL
	a.data.State.CurrentJobTabID = 0
	a.data.State.ApplicationStartTime = &started
	a.data.State.SubmittedLinks = append(a.data.State.SubmittedLinks, models.SubmittedLink{
		URL:       rawURL,
		Status:    models.LinkProcessing,
		Timestamp: now,
	})

	return Job{Seq: a.currentSeq, URL: rawURL, Normalized: norm, StartedAt: now}, nil
}

// AttachJobTab records the tab opened for job seq. It returns false when that
// job is no longer in flight.
func (a *Automation) AttachJobTab(seq uint64, tabID int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.data.State.IsProcessingJob || a.currentSeq != seq {
		return false
	}
	a.data.State.CurrentJobTabID = tabID
	return true
}

// CurrentJob returns the job in flight
func (a *Automation) CurrentJob() (Job, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	st := a.data.State
	if !st.IsProcessingJob {
		return Job{}, false
	}
	job := Job{
		Seq:        a.currentSeq,
		URL:        st.CurrentJobURL,
		Normalized: a.jobKey(st.CurrentJobURL),
		TabID:      st.CurrentJobTabID,
	}
	if st.ApplicationStartTime != nil {
		job.StartedAt = *st.ApplicationStartTime
	}
	return job, true
}

// FinishJob records the outcome of the job in flight and clears the
// in-flight state. seq zero means whichever job is current. Only SUCCESS
// advances the counter; ERROR and TIMEOUT extend the consecutive error count.
func (a *Automation) FinishJob(seq uint64, status models.LinkStatus, detail string, now time.Time) (Outcome, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	st := &a.data.State
	if !st.IsProcessingJob || (seq != 0 && seq != a.currentSeq) {
		return Outcome{}, false
	}

	job := Job{
		Seq:        a.currentSeq,
		URL:        st.CurrentJobURL,
		Normalized: a.jobKey(st.CurrentJobURL),
		TabID:      st.CurrentJobTabID,
	}
	if st.ApplicationStartTime != nil {
		job.StartedAt = *st.ApplicationStartTime
	}

	var link models.SubmittedLink
	if i := a.linkIndexLocked(job.Normalized); i >= 0 {
		entry := &st.SubmittedLinks[i]
		entry.Status = status
		entry.Timestamp = now
		switch status {
		case models.LinkError, models.LinkTimeout:
			entry.Error = detail
		default:
			entry.Details = detail
		}
		link = *entry
	}

	switch status {
	case models.LinkSuccess:
		st.SearchData.Current++
		a.data.ErrorCount = 0
	case models.LinkError, models.LinkTimeout:
		a.data.ErrorCount++
	}

	a.resetJobLocked()

	return Outcome{
		Job:             job,
		Link:            link,
		Status:          status,
		Current:         st.SearchData.Current,
		Limit:           st.SearchData.Limit,
		ErrorCount:      a.data.ErrorCount,
		LimitReached:    st.SearchData.Limit > 0 && st.SearchData.Current >= st.SearchData.Limit,
		SearchExhausted: a.searchExhausted,
		Paused:          a.data.Status == models.StatusPaused,
		SearchTabID:     st.SearchTabID,
	}, true
}

// MarkSearchExhausted records that the search tab ran out of links. It
// returns true when no job is in flight, so the session can complete now.
func (a *Automation) MarkSearchExhausted() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.searchExhausted = true
	return !a.data.State.IsProcessingJob
}

// ClaimStopNotice returns true exactly once per session
func (a *Automation) ClaimStopNotice() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.stopNotified {
		return false
	}
	a.stopNotified = true
	return true
}

// HasLink reports whether a link was already attempted
func (a *Automation) HasLink(rawURL string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.hasLinkLocked(a.jobKey(rawURL))
}

// jobKey is the dedup key of a link on this session's board
func (a *Automation) jobKey(rawURL string) string {
	return platform.JobKey(a.platform, rawURL)
}

func (a *Automation) hasLinkLocked(norm string) bool {
	return a.linkIndexLocked(norm) >= 0
}

// linkIndexLocked returns the latest entry for a normalized URL
func (a *Automation) linkIndexLocked(norm string) int {
	links := a.data.State.SubmittedLinks
	for i := len(links) - 1; i >= 0; i-- {
		if a.jobKey(links[i].URL) == norm {
			return i
		}
	}
	return -1
}

func (a *Automation) resetJobLocked() {
	a.data.State.IsProcessingJob = false
	a.data.State.CurrentJobURL = ""
	a.data.State.CurrentJobTabID = 0
	a.data.State.ApplicationStartTime = nil
}

// clone deep-copies a session record through JSON, which also drops any
// aliasing of the profile and preference maps
func clone(s models.AutomationSession) models.AutomationSession {
	b, err := json.Marshal(s)
	if err != nil {
		return s
	}
	var out models.AutomationSession
	if err := json.Unmarshal(b, &out); err != nil {
		return s
	}
	return out
}
