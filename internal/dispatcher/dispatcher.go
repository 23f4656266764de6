// Package dispatcher routes inbound platform events to sessions: it resolves
// repository routing, creates and resumes sessions, spawns runner subprocesses
// through the adapter registry, and enforces the single-writer-per-session
// rule. All coordination logic lives here.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/ceedaragents/cyrus-sub004/internal/activity"
	"github.com/ceedaragents/cyrus-sub004/internal/common/appctx"
	"github.com/ceedaragents/cyrus-sub004/internal/common/config"
	"github.com/ceedaragents/cyrus-sub004/internal/common/logger"
	"github.com/ceedaragents/cyrus-sub004/internal/events/bus"
	"github.com/ceedaragents/cyrus-sub004/internal/ingest"
	"github.com/ceedaragents/cyrus-sub004/internal/persistence"
	"github.com/ceedaragents/cyrus-sub004/internal/platform"
	"github.com/ceedaragents/cyrus-sub004/internal/prompt"
	"github.com/ceedaragents/cyrus-sub004/internal/session"
	"github.com/ceedaragents/cyrus-sub004/internal/streaming"
	"github.com/ceedaragents/cyrus-sub004/internal/tracing"
	"github.com/ceedaragents/cyrus-sub004/internal/worktree"
	"github.com/ceedaragents/cyrus-sub004/pkg/agent"
)

// User-facing acknowledgement texts.
const (
	ackReceived = "I've received your request and I'm getting started."
	ackQueued   = "I've queued up your message as guidance."
	ackStopped  = "I've stopped working."
)

// eventBufSize bounds the per-session runner event channel.
const eventBufSize = 256

// maxSessionDuration bounds one background session task.
const maxSessionDuration = 4 * time.Hour

// Provisioner creates session workspaces. Satisfied by *worktree.Provisioner.
type Provisioner interface {
	Provision(ctx context.Context, repo *config.RepositoryConfig, sessionID, identifier string) (*worktree.Workspace, error)
}

// runnerHandle tracks the live runner of one session. evicted is set, under
// the session mutex, when a replacement runner stops this one; the evicted
// runner then drains without touching session status.
type runnerHandle struct {
	adapter agent.Adapter
	done    chan struct{}
	evicted bool
}

// Dispatcher consumes inbound events and drives session lifecycle.
type Dispatcher struct {
	logger      *logger.Logger
	cfg         *config.Config
	store       *session.Store
	registry    *agent.Registry
	platform    platform.Client
	persist     *persistence.Manager
	archive     *persistence.Archive
	provisioner Provisioner
	prompts     *prompt.Builder
	hub         *streaming.Hub

	// runnerSessions maps platform session id to the CLI-assigned runner
	// session id for resume, with a TTL so stale entries age out.
	runnerSessions *gocache.Cache

	mu         sync.Mutex
	sessionMus map[string]*sync.Mutex
	runners    map[string]*runnerHandle

	rootCtx context.Context
	wg      sync.WaitGroup
}

// Options wires the dispatcher's collaborators. Archive and Hub are optional.
type Options struct {
	Config      *config.Config
	Store       *session.Store
	Registry    *agent.Registry
	Platform    platform.Client
	Persistence *persistence.Manager
	Archive     *persistence.Archive
	Provisioner Provisioner
	Prompts     *prompt.Builder
	Hub         *streaming.Hub
	Logger      *logger.Logger
}

// New creates a dispatcher.
func New(opts Options) *Dispatcher {
	return &Dispatcher{
		logger:         opts.Logger.WithFields(zap.String("component", "dispatcher")),
		cfg:            opts.Config,
		store:          opts.Store,
		registry:       opts.Registry,
		platform:       opts.Platform,
		persist:        opts.Persistence,
		archive:        opts.Archive,
		provisioner:    opts.Provisioner,
		prompts:        opts.Prompts,
		hub:            opts.Hub,
		runnerSessions: gocache.New(24*time.Hour, time.Hour),
		sessionMus:     make(map[string]*sync.Mutex),
		runners:        make(map[string]*runnerHandle),
	}
}

// Start subscribes to the inbound subject. Events for different sessions are
// handled concurrently; the per-session mutex serializes within a session.
func (d *Dispatcher) Start(ctx context.Context, eventBus bus.EventBus) error {
	d.rootCtx = ctx
	_, err := eventBus.Subscribe(bus.SubjectInbound, func(ctx context.Context, e *bus.Event) error {
		var inbound ingest.InboundEvent
		if err := json.Unmarshal(e.Data, &inbound); err != nil {
			d.logger.Warn("cannot decode inbound event", zap.Error(err))
			return nil
		}
		d.HandleEvent(d.rootCtx, inbound)
		return nil
	})
	return err
}

// Wait blocks until every session task has drained.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Recover respawns runners for sessions that were live at the last persist.
// Resumable flavors continue their prior runner session; others restart from
// the accumulated prompt.
func (d *Dispatcher) Recover(ctx context.Context) {
	for _, sess := range d.store.Active() {
		sess := sess
		d.logger.Info("recovering session",
			zap.String("session_id", sess.ID),
			zap.String("flavor", sess.Runner.Flavor))
		if sess.RunnerSessionID != "" {
			d.runnerSessions.Set(sess.ID, sess.RunnerSessionID, gocache.DefaultExpiration)
		}
		taskCtx, cancel := appctx.Detached(ctx, d.stopCh(), maxSessionDuration)
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			defer cancel()
			defer d.recoverSession(taskCtx, sess.ID)
			d.runRunner(taskCtx, sess.ID, agent.StartRequest{
				Prompt:          sess.Prompt,
				WorkingDir:      sess.WorkspacePath,
				Model:           sess.Runner.Model,
				ResumeSessionID: sess.RunnerSessionID,
				InitTimeout:     time.Duration(d.cfg.Runner.InitTimeout) * time.Second,
				StopGrace:       time.Duration(d.cfg.Runner.StopGrace) * time.Second,
			}, agent.Flavor(sess.Runner.Flavor))
		}()
	}
}

// StopAll stops every live runner and waits, bounded, for session tasks to
// drain. Sessions keep their current status; Recover respawns them on the next
// start.
func (d *Dispatcher) StopAll(timeout time.Duration) {
	d.mu.Lock()
	ids := make([]string, 0, len(d.runners))
	for id := range d.runners {
		ids = append(ids, id)
	}
	d.mu.Unlock()

	for _, id := range ids {
		mu := d.sessionMu(id)
		mu.Lock()
		d.mu.Lock()
		handle := d.runners[id]
		d.mu.Unlock()
		if handle != nil {
			handle.evicted = true
		}
		mu.Unlock()
		if handle != nil {
			handle.adapter.Stop()
		}
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		d.logger.Warn("session tasks did not drain before shutdown timeout")
	}
}

// sessionMu returns the fine-grained lock for one session id. The dispatcher
// mutex protects only the table itself.
func (d *Dispatcher) sessionMu(id string) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	if mu, ok := d.sessionMus[id]; ok {
		return mu
	}
	mu := &sync.Mutex{}
	d.sessionMus[id] = mu
	return mu
}

// HandleEvent routes one inbound event. Errors are contained per session and
// never propagate to the caller.
func (d *Dispatcher) HandleEvent(ctx context.Context, ev ingest.InboundEvent) {
	sessionID := ""
	if ev.Session != nil {
		sessionID = ev.Session.ID
	}
	ctx, span := tracing.TraceHandleEvent(ctx, string(ev.Kind), sessionID)
	defer span.End()

	switch ev.Kind {
	case ingest.KindIssueAssigned:
		d.handleCreate(ctx, ev, prompt.TriggerAssignment)
	case ingest.KindNewComment:
		d.handleCreate(ctx, ev, prompt.TriggerComment)
	case ingest.KindCommentMention:
		d.handleCreate(ctx, ev, prompt.TriggerMention)
	case ingest.KindAgentSessionCreated:
		d.handleCreate(ctx, ev, prompt.TriggerSessionCreated)
	case ingest.KindAgentSessionPrompted:
		if ev.Signal == ingest.SignalStop {
			d.handleStop(ctx, ev)
		} else {
			d.handleFollowUp(ctx, ev)
		}
	default:
		d.logger.Info("ignoring unknown event kind", zap.String("kind", string(ev.Kind)))
	}
}

// resolveRepository matches the work item's team key against configured
// repositories. No match is an ignore; multiple matches pick the first active
// one with a warning.
func (d *Dispatcher) resolveRepository(teamKey string) *config.RepositoryConfig {
	var matches []*config.RepositoryConfig
	for i := range d.cfg.Repositories {
		repo := &d.cfg.Repositories[i]
		if !repo.Active {
			continue
		}
		for _, key := range repo.TeamKeys {
			if key == teamKey {
				matches = append(matches, repo)
				break
			}
		}
	}
	switch len(matches) {
	case 0:
		return nil
	case 1:
		return matches[0]
	default:
		d.logger.Warn("multiple repositories match team key, using first",
			zap.String("team_key", teamKey),
			zap.String("repository_id", matches[0].ID))
		return matches[0]
	}
}

func (d *Dispatcher) handleCreate(ctx context.Context, ev ingest.InboundEvent, trigger prompt.TriggerKind) {
	repo := d.resolveRepository(ev.WorkItem.TeamKey)
	if repo == nil {
		d.logger.Info("no repository for team key, ignoring event",
			zap.String("team_key", ev.WorkItem.TeamKey),
			zap.String("work_item", ev.WorkItem.Identifier))
		return
	}

	sessionID := ""
	if ev.Session != nil {
		sessionID = ev.Session.ID
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	mu := d.sessionMu(sessionID)
	mu.Lock()
	conversationID := ""
	commentBody := ""
	if ev.Conversation != nil {
		conversationID = ev.Conversation.ID
		commentBody = ev.Conversation.Body
	}
	_, err := d.store.Create(session.CreateParams{
		ID:             sessionID,
		WorkItemID:     ev.WorkItem.ID,
		ConversationID: conversationID,
		RepositoryID:   repo.ID,
	})
	if err != nil {
		mu.Unlock()
		d.logger.WithSessionID(sessionID).WithIssueID(ev.WorkItem.ID).
			Warn("session already exists, ignoring create", zap.Error(err))
		return
	}

	// Immediate acknowledgement, visible within one round-trip.
	d.postActivity(ctx, sessionID, platform.ActivityContent{
		Type: platform.ActivityTypeResponse,
		Body: ackReceived,
	}, true)
	mu.Unlock()
	d.markDirty()

	// The session task outlives the inbound event that triggered it.
	taskCtx, cancel := appctx.Detached(ctx, d.stopCh(), maxSessionDuration)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer cancel()
		defer d.recoverSession(taskCtx, sessionID)
		d.runSession(taskCtx, sessionID, ev, repo, trigger, commentBody)
	}()
}

// stopCh exposes the dispatcher root cancellation to detached session tasks.
func (d *Dispatcher) stopCh() <-chan struct{} {
	if d.rootCtx == nil {
		return nil
	}
	return d.rootCtx.Done()
}

// runSession provisions the workspace, builds the prompt, and runs the runner
// to completion. It is the single long-lived task for the session.
func (d *Dispatcher) runSession(ctx context.Context, sessionID string, ev ingest.InboundEvent, repo *config.RepositoryConfig, trigger prompt.TriggerKind, commentBody string) {
	issue := d.lookupIssue(ctx, ev)

	ws, err := d.provisioner.Provision(ctx, repo, sessionID, ev.WorkItem.Identifier)
	if err != nil {
		d.failSession(ctx, sessionID, fmt.Sprintf("workspace provisioning failed: %v", err), nil)
		return
	}

	mu := d.sessionMu(sessionID)
	mu.Lock()
	if err := d.store.SetWorkspacePath(sessionID, ws.Path); err != nil {
		mu.Unlock()
		d.failSession(ctx, sessionID, err.Error(), nil)
		return
	}
	mu.Unlock()

	out, err := d.prompts.Build(prompt.Input{
		Issue:       issue,
		CommentBody: commentBody,
		Repository:  repo,
		Workspace:   ws.Path,
		Trigger:     trigger,
	})
	if err != nil {
		d.failSession(ctx, sessionID, fmt.Sprintf("prompt build failed: %v", err), nil)
		return
	}

	mu.Lock()
	d.store.SetPrompt(sessionID, out.Prompt)
	d.store.SetRunnerSelection(sessionID, session.RunnerSelection{
		Flavor: string(out.Flavor),
		Model:  out.Model,
	})
	mu.Unlock()
	d.markDirty()

	d.runRunner(ctx, sessionID, agent.StartRequest{
		Prompt:      out.Prompt,
		WorkingDir:  ws.Path,
		Model:       out.Model,
		Policy:      out.Policy,
		InitTimeout: time.Duration(d.cfg.Runner.InitTimeout) * time.Second,
		StopGrace:   time.Duration(d.cfg.Runner.StopGrace) * time.Second,
	}, out.Flavor)
}

// lookupIssue prefers the event payload and falls back to a platform fetch
// when the description is missing.
func (d *Dispatcher) lookupIssue(ctx context.Context, ev ingest.InboundEvent) *platform.Issue {
	issue := &platform.Issue{
		ID:          ev.WorkItem.ID,
		Identifier:  ev.WorkItem.Identifier,
		Title:       ev.WorkItem.Title,
		Description: ev.WorkItem.Description,
		TeamKey:     ev.WorkItem.TeamKey,
		Labels:      ev.WorkItem.Labels,
	}
	if issue.Description == "" && d.platform != nil && issue.ID != "" {
		if fetched, err := d.platform.GetIssue(ctx, issue.ID); err == nil {
			return fetched
		}
	}
	return issue
}

// runRunner spawns the adapter and consumes its event stream serially until
// exit. At most one runner per session is alive; a prior handle is stopped
// before the new one is installed.
func (d *Dispatcher) runRunner(ctx context.Context, sessionID string, req agent.StartRequest, flavor agent.Flavor) {
	ctx, span := tracing.TraceRunnerStart(ctx, sessionID, string(flavor))
	defer span.End()

	// A stop that landed before the spawn wins; the session stays finished.
	mu := d.sessionMu(sessionID)
	mu.Lock()
	finished := d.sessionFinished(sessionID)
	mu.Unlock()
	if finished {
		d.logger.Info("session finished before runner spawn, skipping",
			zap.String("session_id", sessionID))
		return
	}

	adapter, err := d.registry.New(flavor, d.logger.WithSessionID(sessionID))
	if err != nil {
		tracing.TraceResult(span, err)
		d.failSession(ctx, sessionID, err.Error(), nil)
		return
	}

	// Atomic swap: the prior runner is fully drained before the new handle is
	// installed. Stopping happens outside the mutex so the prior event loop
	// can finish.
	handle := &runnerHandle{adapter: adapter, done: make(chan struct{})}
	for {
		mu.Lock()
		if d.sessionFinished(sessionID) {
			mu.Unlock()
			return
		}
		d.mu.Lock()
		prior := d.runners[sessionID]
		if prior == nil {
			d.runners[sessionID] = handle
			d.mu.Unlock()
			mu.Unlock()
			break
		}
		d.mu.Unlock()
		prior.evicted = true
		mu.Unlock()
		prior.adapter.Stop()
		<-prior.done
	}

	events := make(chan agent.Event, eventBufSize)
	var startErr error
	go func() {
		startErr = adapter.Start(req, func(ev agent.Event) { events <- ev })
		close(events)
	}()

	formatter := activity.NewFormatter()
	sawFinal := false
	exitCode := 0
	for ev := range events {
		mu.Lock()
		d.applyRunnerEvent(ctx, sessionID, ev, formatter, &sawFinal, &exitCode, adapter)
		mu.Unlock()
	}

	mu.Lock()
	d.mu.Lock()
	if d.runners[sessionID] == handle {
		delete(d.runners, sessionID)
	}
	d.mu.Unlock()
	close(handle.done)
	evicted := handle.evicted
	stopped := d.store.IsFinalized(sessionID)
	mu.Unlock()

	tracing.TraceResult(span, startErr)
	if stopped || evicted {
		// The session either ended via a stop signal or handed off to a
		// replacement runner.
		return
	}

	mu.Lock()
	defer mu.Unlock()
	defer d.markDirty()

	if sess, ok := d.store.Get(sessionID); ok && sess.Status.Terminal() {
		return
	}
	if exitCode == 0 || sawFinal {
		d.store.SetStatus(sessionID, session.StatusComplete)
		return
	}
	d.store.SetStatus(sessionID, session.StatusError)
	content := activity.FormatRunnerFailure("process exited unexpectedly", stderrTail(adapter))
	d.postActivity(ctx, sessionID, content, false)
}

// sessionFinished reports whether the session can no longer own a runner.
// Caller holds the session mutex.
func (d *Dispatcher) sessionFinished(sessionID string) bool {
	if d.store.IsFinalized(sessionID) {
		return true
	}
	sess, ok := d.store.Get(sessionID)
	return ok && sess.Status.Terminal()
}

// applyRunnerEvent processes one normalized event under the session mutex.
func (d *Dispatcher) applyRunnerEvent(ctx context.Context, sessionID string, ev agent.Event, formatter *activity.Formatter, sawFinal *bool, exitCode *int, adapter agent.Adapter) {
	switch ev.Kind {
	case agent.EventInit:
		d.store.SetStatus(sessionID, session.StatusActive)
		if ev.SessionID != "" {
			d.store.SetRunnerSessionID(sessionID, ev.SessionID)
			d.runnerSessions.Set(sessionID, ev.SessionID, gocache.DefaultExpiration)
		}
		d.markDirty()
		return
	case agent.EventExit:
		*exitCode = ev.Code
		d.markDirty()
		return
	case agent.EventFinal:
		*sawFinal = true
	case agent.EventError:
		if ev.Recoverable && d.cfg.Runner.FailOnToolError {
			// Escalation knob: a failing tool command ends the session.
			adapter.Stop()
		}
	}

	content, ok := formatter.FormatEvent(ev)
	if !ok {
		return
	}
	d.postActivity(ctx, sessionID, content, false)
}

func (d *Dispatcher) handleFollowUp(ctx context.Context, ev ingest.InboundEvent) {
	if ev.Session == nil || ev.Session.ID == "" {
		d.logger.Info("follow-up without session id, ignoring")
		return
	}
	sessionID := ev.Session.ID
	sess, ok := d.store.Get(sessionID)
	if !ok {
		d.logger.Info("follow-up for unknown session, ignoring",
			zap.String("session_id", sessionID))
		return
	}
	// A finished session owns no runner; a prompt cannot revive it.
	if d.store.IsFinalized(sessionID) || sess.Status.Terminal() {
		d.logger.Info("follow-up for finished session, ignoring",
			zap.String("session_id", sessionID),
			zap.String("status", string(sess.Status)))
		return
	}

	body := ""
	if ev.Conversation != nil {
		body = ev.Conversation.Body
	}

	mu := d.sessionMu(sessionID)
	mu.Lock()
	d.mu.Lock()
	handle := d.runners[sessionID]
	d.mu.Unlock()
	if handle != nil && handle.adapter.Capabilities().SupportsStreamingInput {
		if err := handle.adapter.AddStreamMessage(body); err == nil {
			d.postActivity(ctx, sessionID, platform.ActivityContent{
				Type: platform.ActivityTypeResponse,
				Body: ackQueued,
			}, true)
			mu.Unlock()
			d.markDirty()
			return
		}
	}
	extended := prompt.ExtendPrompt(sess.Prompt, body)
	d.store.SetPrompt(sessionID, extended)
	mu.Unlock()
	d.markDirty()

	// Respawn with extended context; a resumable flavor continues its prior
	// runner session.
	resume := ""
	if v, ok := d.runnerSessions.Get(sessionID); ok {
		resume = v.(string)
	}
	taskCtx, cancel := appctx.Detached(ctx, d.stopCh(), maxSessionDuration)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer cancel()
		defer d.recoverSession(taskCtx, sessionID)
		d.runRunner(taskCtx, sessionID, agent.StartRequest{
			Prompt:          extended,
			WorkingDir:      sess.WorkspacePath,
			Model:           sess.Runner.Model,
			ResumeSessionID: resume,
			InitTimeout:     time.Duration(d.cfg.Runner.InitTimeout) * time.Second,
			StopGrace:       time.Duration(d.cfg.Runner.StopGrace) * time.Second,
		}, agent.Flavor(sess.Runner.Flavor))
	}()
}

func (d *Dispatcher) handleStop(ctx context.Context, ev ingest.InboundEvent) {
	if ev.Session == nil || ev.Session.ID == "" {
		return
	}
	sessionID := ev.Session.ID

	_, span := tracing.TraceRunnerStop(ctx, sessionID)
	defer span.End()

	if _, ok := d.store.Get(sessionID); !ok {
		d.logger.Info("stop for unknown session, ignoring",
			zap.String("session_id", sessionID))
		return
	}

	mu := d.sessionMu(sessionID)
	mu.Lock()
	defer mu.Unlock()

	if d.store.IsFinalized(sessionID) {
		// Second stop is a no-op.
		return
	}

	d.mu.Lock()
	handle := d.runners[sessionID]
	delete(d.runners, sessionID)
	d.mu.Unlock()
	if handle != nil {
		handle.adapter.Stop()
	}

	if sess, ok := d.store.Get(sessionID); ok && !sess.Status.Terminal() {
		d.store.SetStatus(sessionID, session.StatusComplete)
	}
	d.store.Finalize(sessionID)
	d.runnerSessions.Delete(sessionID)

	d.postActivity(ctx, sessionID, platform.ActivityContent{
		Type: platform.ActivityTypeResponse,
		Body: ackStopped,
	}, false)

	if d.archive != nil {
		if sess, ok := d.store.Get(sessionID); ok {
			if err := d.archive.Record(sess); err != nil {
				d.logger.Warn("cannot archive session",
					zap.String("session_id", sessionID), zap.Error(err))
			}
		}
	}
	d.markDirty()
}

// failSession moves a session to error with one error activity. Used for
// pre-spawn failures and panics.
func (d *Dispatcher) failSession(ctx context.Context, sessionID, cause string, stderr []string) {
	mu := d.sessionMu(sessionID)
	mu.Lock()
	defer mu.Unlock()
	defer d.markDirty()

	if sess, ok := d.store.Get(sessionID); !ok || sess.Status.Terminal() {
		return
	}
	d.store.SetStatus(sessionID, session.StatusError)
	d.postActivity(ctx, sessionID, activity.FormatRunnerFailure(cause, stderr), false)
}

// recoverSession converts a panic in a session task into a session error; it
// never takes down the dispatcher.
func (d *Dispatcher) recoverSession(ctx context.Context, sessionID string) {
	if r := recover(); r != nil {
		d.logger.Error("session task panicked",
			zap.String("session_id", sessionID),
			zap.Any("panic", r))
		d.failSession(ctx, sessionID, fmt.Sprintf("internal error: %v", r), nil)
	}
}

// postActivity appends to the session log, mirrors to the platform, and
// broadcasts to observers. Caller holds the session mutex.
func (d *Dispatcher) postActivity(ctx context.Context, sessionID string, content platform.ActivityContent, ephemeral bool) {
	act := session.Activity{
		Kind:      session.ActivityKind(content.Type),
		Body:      content.Body,
		Action:    content.Action,
		Parameter: content.Parameter,
		Result:    content.Result,
	}
	if _, err := d.store.Append(sessionID, act, ephemeral); err != nil {
		d.logger.Warn("cannot append activity",
			zap.String("session_id", sessionID), zap.Error(err))
		return
	}

	payload := platform.ActivityPayload{
		SessionID: sessionID,
		Content:   content,
		Ephemeral: ephemeral,
	}
	if d.platform != nil {
		if err := d.platform.CreateActivity(ctx, payload); err != nil {
			// Outbound delivery is best-effort; the durable log already has it.
			d.logger.Warn("cannot deliver activity",
				zap.String("session_id", sessionID), zap.Error(err))
		}
	}
	if d.hub != nil {
		status := ""
		if sess, ok := d.store.Get(sessionID); ok {
			status = string(sess.Status)
		}
		d.hub.Broadcast(streaming.Frame{
			SessionID: sessionID,
			Status:    status,
			Activity:  &payload,
		})
	}
}

func (d *Dispatcher) markDirty() {
	if d.persist != nil {
		d.persist.MarkDirty()
	}
}

// stderrTail extracts the captured stderr from adapters that expose it.
func stderrTail(adapter agent.Adapter) []string {
	if t, ok := adapter.(interface{ StderrTail() []string }); ok {
		return t.StderrTail()
	}
	return nil
}
