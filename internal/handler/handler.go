// Package handler drives the search -> apply -> continue cycle for one
// platform. Every platform shares this control flow; platforms differ only in
// the platform.Config they are built with.
package handler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/shehryarbajwa/applypilot/internal/channel"
	"github.com/shehryarbajwa/applypilot/internal/platform"
	"github.com/shehryarbajwa/applypilot/internal/scheduler"
	"github.com/shehryarbajwa/applypilot/internal/session"
	"github.com/shehryarbajwa/applypilot/pkg/models"
)

const (
	DefaultMaxErrors = 5

	taskWatchdog   = "watchdog"
	taskSearchNext = "search-next"

	tabOpTimeout = 15 * time.Second
)

// Sessions resolves the active sessions a channel may belong to. Lookups
// return false once a session was stopped or cleaned up.
type Sessions interface {
	Lookup(id string) (*session.Automation, bool)
	BySuffix(suffix string) (*session.Automation, bool)
	TrackJobTab(sess *session.Automation, tabID int)
}

// Tabs is the part of the browser the handler touches
type Tabs interface {
	OpenTab(ctx context.Context, windowID int, url string) (int, error)
	CloseTab(ctx context.Context, tabID int) error
	TabAlive(tabID int) bool
}

// Events receives job and session outcomes
type Events interface {
	JobFinished(sess *session.Automation, out session.Outcome)
	// SessionFinished asks the owner to move the session to a terminal status
	SessionFinished(sess *session.Automation, status models.SessionStatus, reason string)
}

// Deps are the collaborators of a Handler
type Deps struct {
	Sessions  Sessions
	Tabs      Tabs
	Events    Events
	Scheduler scheduler.Scheduler
	MaxErrors int
	Now       func() time.Time
	// ChannelOptions are passed through to the channel registry
	ChannelOptions []channel.Option
}

// Handler is the automation handler of one platform
type Handler struct {
	cfg       platform.Config
	reg       *channel.Registry
	sessions  Sessions
	tabs      Tabs
	events    Events
	sched     scheduler.Scheduler
	maxErrors int
	now       func() time.Time
	log       zerolog.Logger
}

// New creates the handler for cfg together with its channel registry
func New(cfg platform.Config, deps Deps, logger zerolog.Logger) *Handler {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Scheduler == nil {
		deps.Scheduler = scheduler.New()
	}
	if deps.MaxErrors <= 0 {
		deps.MaxErrors = DefaultMaxErrors
	}

	log := logger.With().Str("platform", string(cfg.Name)).Logger()
	opts := append([]channel.Option{
		channel.WithClock(deps.Now),
		channel.WithScheduler(deps.Scheduler),
		channel.WithTabProbe(deps.Tabs.TabAlive),
	}, deps.ChannelOptions...)

	return &Handler{
		cfg:       cfg,
		reg:       channel.NewRegistry(cfg.Name, log, opts...),
		sessions:  deps.Sessions,
		tabs:      deps.Tabs,
		events:    deps.Events,
		sched:     deps.Scheduler,
		maxErrors: deps.MaxErrors,
		now:       deps.Now,
		log:       log,
	}
}

// Platform returns the platform this handler serves
func (h *Handler) Platform() models.Platform {
	return h.cfg.Name
}

// Config returns the platform configuration
func (h *Handler) Config() platform.Config {
	return h.cfg
}

// Registry exposes the channel registry
func (h *Handler) Registry() *channel.Registry {
	return h.reg
}

// Run sweeps stale channels until ctx is done
func (h *Handler) Run(ctx context.Context) {
	h.reg.Run(ctx)
}

// Connect registers a newly opened channel
func (h *Handler) Connect(port channel.Port) error {
	return h.reg.Register(port)
}

// Disconnect unregisters a channel whose transport closed
func (h *Handler) Disconnect(port channel.Port) {
	h.reg.Disconnect(port)
}

// PushToTab sends msg to whatever channel tabID currently owns
func (h *Handler) PushToTab(tabID int, msg models.Message) bool {
	return h.reg.SendToTab(tabID, msg)
}

// Receive handles one inbound message from a channel
func (h *Handler) Receive(name string, msg models.Message) {
	if !h.reg.Accept(name, msg) {
		return
	}

	if msg.Type == models.MsgKeepalive {
		h.reply(name, models.MsgKeepaliveResponse, nil)
		return
	}

	info, _ := h.reg.Lookup(name)
	sess, ok := h.sessions.BySuffix(info.Name.SessionSuffix)
	if !ok {
		h.reply(name, models.MsgError, models.Reply{Message: "no active automation session"})
		return
	}

	switch msg.Type {
	case models.MsgGetSearchTask:
		sess.SetSearchTab(info.TabID)
		h.reply(name, models.MsgSuccess, sess.SearchTask())

	case models.MsgGetApplicationTask, models.MsgGetSendCVTask:
		h.reply(name, models.MsgSuccess, sess.ApplicationTask())

	case models.MsgStartApplication, models.MsgSendCVTask:
		h.startApplication(name, sess, msg)

	case models.MsgApplicationCompleted, models.MsgApplicationSuccess, models.MsgSendCVTaskDone:
		h.completeApplication(name, sess, models.LinkSuccess, msg)
	case models.MsgApplicationError, models.MsgSendCVTaskError:
		h.completeApplication(name, sess, models.LinkError, msg)
	case models.MsgApplicationSkipped, models.MsgSendCVTaskSkip:
		h.completeApplication(name, sess, models.LinkSkipped, msg)
	case models.MsgApplicationTimeout:
		h.completeApplication(name, sess, models.LinkTimeout, msg)

	case models.MsgCheckApplicationStatus:
		status := models.ApplicationStatus{}
		if job, ok := sess.CurrentJob(); ok {
			status.InProgress = true
			status.URL = job.URL
			status.ElapsedMs = h.now().Sub(job.StartedAt).Milliseconds()
		}
		h.reply(name, models.MsgApplicationStatusResponse, status)

	case models.MsgCheckJobTabStatus:
		status := models.JobTabStatus{}
		if job, ok := sess.CurrentJob(); ok {
			status.IsProcessing = true
			status.TabID = job.TabID
			status.IsOpen = job.TabID != 0 && h.tabs.TabAlive(job.TabID)
		}
		h.reply(name, models.MsgJobTabStatus, status)

	case models.MsgSearchNextReady:
		_, busy := sess.CurrentJob()
		ready := sess.Status() == models.StatusRunning && !busy
		h.reply(name, models.MsgSuccess, models.ReadyState{Ready: ready})

	case models.MsgSearchCompleted, models.MsgSearchTaskDone:
		h.reply(name, models.MsgSuccess, nil)
		if sess.MarkSearchExhausted() {
			h.endSession(sess, models.StatusCompleted, "no more jobs found")
		}

	default:
		h.log.Warn().Str("channel", name).Str("type", msg.Type).Msg("Unknown message type")
		h.reply(name, models.MsgError, models.Reply{Message: fmt.Sprintf("unknown message type %q", msg.Type)})
	}
}

func (h *Handler) reply(name, msgType string, data any) {
	if !h.reg.Send(name, models.NewMessage(msgType, data)) {
		h.log.Debug().Str("channel", name).Str("type", msgType).Msg("Reply not delivered")
	}
}

func (h *Handler) startApplication(name string, sess *session.Automation, msg models.Message) {
	var req models.JobRequest
	if err := msg.Decode(&req); err != nil || req.URL == "" {
		h.reply(name, models.MsgError, models.Reply{Message: "missing job url"})
		return
	}
	if !h.cfg.MatchesJobLink(req.URL) {
		h.reply(name, models.MsgError, models.Reply{Message: "url does not match search link pattern", URL: req.URL})
		return
	}

	if h.reg.RecentlyCompleted(completedKey(sess, h.cfg.JobKey(req.URL))) {
		h.reply(name, models.MsgDuplicate, models.Reply{URL: req.URL, Message: "job already submitted"})
		return
	}

	job, err := sess.BeginJob(req.URL, h.now())
	switch {
	case errors.Is(err, session.ErrDuplicate):
		h.reply(name, models.MsgDuplicate, models.Reply{URL: req.URL, Message: "job already submitted"})
		return
	case err != nil:
		h.reply(name, models.MsgError, models.Reply{Message: err.Error(), URL: req.URL})
		return
	}

	log := h.log.With().Str("session_id", sess.ID()).Str("url", req.URL).Logger()

	ctx, cancel := context.WithTimeout(context.Background(), tabOpTimeout)
	tabID, err := h.tabs.OpenTab(ctx, sess.WindowID(), h.cfg.JobTabURL(req.URL))
	cancel()
	if err != nil {
		log.Error().Err(err).Msg("Failed to open job tab")
		h.reply(name, models.MsgError, models.Reply{Message: "failed to open job tab", URL: req.URL})
		h.finish(sess, job.Seq, models.LinkError, fmt.Sprintf("failed to open job tab: %v", err))
		return
	}

	if !sess.AttachJobTab(job.Seq, tabID) {
		// stopped while the tab was opening
		h.closeTab(tabID)
		h.reply(name, models.MsgError, models.Reply{Message: "automation is not running", URL: req.URL})
		return
	}
	h.sessions.TrackJobTab(sess, tabID)

	seq := job.Seq
	h.sched.Schedule(sess.ID(), taskWatchdog, h.cfg.ApplicationTimeout, func() {
		log.Warn().Dur("timeout", h.cfg.ApplicationTimeout).Msg("Application timed out")
		h.finish(sess, seq, models.LinkTimeout, "application timed out")
	})

	log.Info().Int("tab_id", tabID).Msg("Started application")
	h.reply(name, models.MsgSuccess, models.Reply{URL: req.URL, TabID: tabID})
}

// completedKey scopes a job key to one session; the registry is shared by
// every session on the board.
func completedKey(sess *session.Automation, jobKey string) string {
	return sess.Suffix() + "|" + jobKey
}

func (h *Handler) completeApplication(name string, sess *session.Automation, status models.LinkStatus, msg models.Message) {
	var res models.JobResult
	_ = msg.Decode(&res)

	job, ok := sess.CurrentJob()
	if !ok {
		if res.URL != "" && h.reg.RecentlyCompleted(completedKey(sess, h.cfg.JobKey(res.URL))) {
			// late repeat of a completion already recorded
			h.reply(name, models.MsgSuccess, models.Reply{URL: res.URL})
			return
		}
		h.reply(name, models.MsgError, models.Reply{Message: "no application in progress"})
		return
	}
	if res.URL != "" && h.cfg.JobKey(res.URL) != job.Normalized {
		h.log.Warn().Str("session_id", sess.ID()).Str("reported", res.URL).Str("current", job.URL).Msg("Stale completion ignored")
		h.reply(name, models.MsgError, models.Reply{Message: "completion does not match current job", URL: res.URL})
		return
	}

	detail := res.Details
	if status == models.LinkError || status == models.LinkTimeout {
		detail = res.Error
	}
	if detail == "" {
		detail = res.Message
	}

	h.reply(name, models.MsgSuccess, models.Reply{URL: job.URL})
	h.finish(sess, job.Seq, status, detail)
}

// finish records a job outcome and decides how the session continues.
// seq guards against a watchdog or tab event racing a real completion.
func (h *Handler) finish(sess *session.Automation, seq uint64, status models.LinkStatus, detail string) {
	if _, ok := h.sessions.Lookup(sess.ID()); !ok {
		return
	}
	out, ok := sess.FinishJob(seq, status, detail, h.now())
	if !ok {
		return
	}

	h.sched.Cancel(sess.ID(), taskWatchdog)
	if out.Job.TabID != 0 {
		h.closeTab(out.Job.TabID)
	}
	h.reg.MarkCompleted(completedKey(sess, out.Job.Normalized))

	h.log.Info().
		Str("session_id", sess.ID()).
		Str("url", out.Job.URL).
		Str("status", string(status)).
		Int("current", out.Current).
		Int("limit", out.Limit).
		Int("errors", out.ErrorCount).
		Msg("Application finished")

	if h.events != nil {
		h.events.JobFinished(sess, out)
	}

	switch {
	case out.ErrorCount >= h.maxErrors:
		h.endSession(sess, models.StatusFailed, fmt.Sprintf("stopped after %d consecutive errors", out.ErrorCount))
	case out.LimitReached:
		h.endSession(sess, models.StatusCompleted, "job limit reached")
	case out.SearchExhausted:
		h.endSession(sess, models.StatusCompleted, "no more jobs found")
	case out.Paused:
		// Resume sends the next SEARCH_NEXT
	default:
		delay := h.cfg.ContinuationDelay(status, out.ErrorCount)
		next := models.SearchNext{
			Status:  status,
			URL:     out.Job.URL,
			Current: out.Current,
			Limit:   out.Limit,
			Message: detail,
		}
		h.sched.Schedule(sess.ID(), taskSearchNext, delay, func() {
			h.sendSearchNext(sess, next)
		})
	}
}

func (h *Handler) sendSearchNext(sess *session.Automation, next models.SearchNext) {
	if _, ok := h.sessions.Lookup(sess.ID()); !ok {
		return
	}
	if sess.Status() != models.StatusRunning {
		return
	}
	if !h.sendToSearch(sess, models.NewMessage(models.MsgSearchNext, next)) {
		h.log.Warn().Str("session_id", sess.ID()).Msg("SEARCH_NEXT not delivered")
	}
}

// sendToSearch delivers to the search tab, falling back to any search channel
// of the session when the tab is not known yet
func (h *Handler) sendToSearch(sess *session.Automation, msg models.Message) bool {
	if tabID := sess.SearchTabID(); tabID != 0 {
		if h.reg.SendToTab(tabID, msg) {
			return true
		}
	}
	for _, name := range h.reg.SessionChannels(sess.Suffix()) {
		info, ok := h.reg.Lookup(name)
		if ok && info.Name.ChannelType == "search" && h.reg.Send(name, msg) {
			return true
		}
	}
	return false
}

// endSession notifies the session's tabs once and hands the terminal status
// to the owner
func (h *Handler) endSession(sess *session.Automation, status models.SessionStatus, reason string) {
	h.notifyStopped(sess, reason)
	if h.events != nil {
		h.events.SessionFinished(sess, status, reason)
	}
}

func (h *Handler) notifyStopped(sess *session.Automation, reason string) {
	if !sess.ClaimStopNotice() {
		return
	}
	msg := models.NewMessage(models.MsgAutomationStopped, models.StopNotice{SessionID: sess.ID(), Reason: reason})
	for _, name := range h.reg.SessionChannels(sess.Suffix()) {
		h.reg.Send(name, msg)
	}
}

// Stop tears down the handler side of a session that was already moved out
// of the active set: timers are cancelled, the job tab is closed and the
// session's tabs are told to stop.
func (h *Handler) Stop(sess *session.Automation, reason string) {
	h.sched.CancelAll(sess.ID())
	if out, ok := sess.FinishJob(0, models.LinkSkipped, reason, h.now()); ok {
		if out.Job.TabID != 0 {
			h.closeTab(out.Job.TabID)
		}
		h.reg.MarkCompleted(completedKey(sess, out.Job.Normalized))
	}
	h.notifyStopped(sess, reason)
}

// Resume restarts the search after a pause when no job is in flight
func (h *Handler) Resume(sess *session.Automation) {
	if _, busy := sess.CurrentJob(); busy {
		return
	}
	p := sess.Progress()
	h.sendSearchNext(sess, models.SearchNext{
		Current: p.Current,
		Limit:   p.Limit,
		Message: "resumed",
	})
}

// JobTabClosed folds the loss of the current job tab in as an error
func (h *Handler) JobTabClosed(sess *session.Automation, tabID int) {
	job, ok := sess.CurrentJob()
	if !ok || job.TabID != tabID {
		return
	}
	h.finish(sess, job.Seq, models.LinkError, "job tab closed")
}

func (h *Handler) closeTab(tabID int) {
	ctx, cancel := context.WithTimeout(context.Background(), tabOpTimeout)
	defer cancel()
	if err := h.tabs.CloseTab(ctx, tabID); err != nil {
		h.log.Debug().Err(err).Int("tab_id", tabID).Msg("Close tab failed")
	}
}

// Close drops every channel
func (h *Handler) Close() {
	h.reg.CloseAll()
}
