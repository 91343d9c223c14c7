// Package syncengine replays the action queue against the remote API and
// reconciles local state with what the server confirms.
package syncengine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wolfman30/barber-sync/internal/appointments"
	"github.com/wolfman30/barber-sync/internal/notices"
	"github.com/wolfman30/barber-sync/internal/observability/metrics"
	"github.com/wolfman30/barber-sync/internal/remoteapi"
	"github.com/wolfman30/barber-sync/internal/syncqueue"
	"github.com/wolfman30/barber-sync/pkg/logging"
)

const defaultDrainTimeout = 2 * time.Minute

const (
	stateIdle int32 = iota
	stateDraining
)

// ErrDrainInProgress is returned when a drain is already running.
var ErrDrainInProgress = errors.New("syncengine: drain already in progress")

// API is the subset of the remote client the engine replays against.
// DeleteAppointment must report a missing record as remoteapi.ErrNotFound.
type API interface {
	CreateAppointment(ctx context.Context, a appointments.Appointment) (appointments.Appointment, error)
	UpdateAppointment(ctx context.Context, id string, patch appointments.Patch, snapshot appointments.Appointment) error
	DeleteAppointment(ctx context.Context, id string) error
	ListAppointments(ctx context.Context, day time.Time, staffID string) ([]appointments.Appointment, error)
}

// Mirror is the in-memory schedule the dashboard reads.
type Mirror interface {
	Replace(list []appointments.Appointment)
	Upsert(a appointments.Appointment)
	Remove(id string)
	Rename(oldID string, updated appointments.Appointment)
}

// Result summarises one drain.
type Result struct {
	Attempted  int       `json:"attempted"`
	Synced     int       `json:"synced"`
	Failed     int       `json:"failed"`
	Blocked    int       `json:"blocked"`
	Remaining  int       `json:"remaining"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	Failures []*ActionSyncError `json:"failures,omitempty"`
}

// Clean reports whether nothing failed or was held back.
func (r Result) Clean() bool {
	return r.Failed == 0 && r.Blocked == 0
}

// Status is the engine's aggregate state.
type Status struct {
	Draining   bool      `json:"draining"`
	LastSyncAt time.Time `json:"last_sync_at"`
	LastResult *Result   `json:"last_result,omitempty"`
	Online     bool      `json:"online"`
	Degraded   bool      `json:"degraded"`
}

// RefreshResult counts what a pull changed locally.
type RefreshResult struct {
	Upserted int `json:"upserted"`
	Removed  int `json:"removed"`
	Skipped  int `json:"skipped"`
}

// Engine drains the queue. At most one drain runs at a time.
type Engine struct {
	queue   *syncqueue.Queue
	api     API
	mirror  Mirror
	guard   Guard
	notices *notices.Hub
	metrics *metrics.SyncMetrics
	logger  *logging.Logger
	tracer  trace.Tracer

	timeout    time.Duration
	pullOnSync bool
	staffID    string
	loc        *time.Location
	now        func() time.Time

	state atomic.Int32

	mu         sync.RWMutex
	lastSyncAt time.Time
	lastResult *Result
	online     bool
	degraded   bool
}

// Option customises an Engine.
type Option func(*Engine)

func WithGuard(g Guard) Option { return func(e *Engine) { e.guard = g } }

func WithNotices(h *notices.Hub) Option { return func(e *Engine) { e.notices = h } }

func WithMetrics(m *metrics.SyncMetrics) Option { return func(e *Engine) { e.metrics = m } }

// WithTimeout bounds each drain.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithPull enables the post-drain refresh of the current day for staffID.
func WithPull(enabled bool, staffID string) Option {
	return func(e *Engine) {
		e.pullOnSync = enabled
		e.staffID = staffID
	}
}

func WithLocation(loc *time.Location) Option {
	return func(e *Engine) {
		if loc != nil {
			e.loc = loc
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithDegraded marks the engine as running on the in-memory fallback store.
func WithDegraded(degraded bool) Option {
	return func(e *Engine) { e.degraded = degraded }
}

// New wires an engine. queue, api and mirror are required.
func New(queue *syncqueue.Queue, api API, mirror Mirror, logger *logging.Logger, opts ...Option) *Engine {
	if queue == nil || api == nil || mirror == nil {
		panic("syncengine: queue, api and mirror are required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	e := &Engine{
		queue:   queue,
		api:     api,
		mirror:  mirror,
		logger:  logger.Component("syncengine"),
		tracer:  otel.Tracer("barber.internal.syncengine"),
		timeout: defaultDrainTimeout,
		loc:     time.UTC,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Restore loads persisted state at startup: it seeds the mirror, resumes the
// queue sequence and marks actions a crash left in syncing as errored.
func (e *Engine) Restore(ctx context.Context) error {
	appts, err := e.queue.Load(ctx)
	if err != nil {
		return err
	}
	e.mirror.Replace(appts)
	if _, err := e.queue.RecoverInterrupted(ctx); err != nil {
		return err
	}
	if e.Degraded() {
		e.notices.Publish(notices.LevelError, notices.MsgStorageUnavailable)
	}
	counts, err := e.queue.Counts(ctx)
	if err != nil {
		return err
	}
	e.metrics.SetPending(counts.Waiting())
	if counts.Waiting() > 0 {
		e.notices.Publish(notices.LevelInfo, waitingMessage(counts.Waiting()))
	}
	e.logger.Info("restored local state", "appointments", len(appts), "pending", counts.Pending, "failed", counts.Failed)
	return nil
}

// Draining reports whether a drain is running in this process.
func (e *Engine) Draining() bool {
	return e.state.Load() == stateDraining
}

func (e *Engine) Degraded() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.degraded
}

// Status returns the aggregate sync state.
func (e *Engine) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st := Status{
		Draining:   e.Draining(),
		LastSyncAt: e.lastSyncAt,
		Online:     e.online,
		Degraded:   e.degraded,
	}
	if e.lastResult != nil {
		r := *e.lastResult
		st.LastResult = &r
	}
	return st
}

// OnOnline triggers one drain. A drain already in flight absorbs the trigger.
func (e *Engine) OnOnline(ctx context.Context) {
	e.setOnline(true)
	if _, err := e.Drain(ctx); err != nil {
		if errors.Is(err, ErrDrainInProgress) {
			e.logger.Debug("reconnect drain suppressed; drain already running")
			return
		}
		e.logger.Warn("reconnect drain failed", "error", err)
	}
}

// OnOffline records the connectivity loss; queued work simply waits.
func (e *Engine) OnOffline(context.Context) {
	e.setOnline(false)
}

func (e *Engine) setOnline(online bool) {
	e.mu.Lock()
	e.online = online
	e.mu.Unlock()
}

// SyncNow is the manual retry: failed actions are requeued, then drained.
func (e *Engine) SyncNow(ctx context.Context) (Result, error) {
	if e.Draining() {
		return Result{}, ErrDrainInProgress
	}
	if _, err := e.queue.Requeue(ctx); err != nil {
		return Result{}, err
	}
	return e.Drain(ctx)
}

// Drain replays pending actions in Seq order, one at a time. A failing action
// is marked errored and the drain moves on. An update or delete whose target
// still has a device-local id is held back as blocked: its create has not
// been confirmed, so there is nothing on the server to change yet.
func (e *Engine) Drain(ctx context.Context) (Result, error) {
	if !e.state.CompareAndSwap(stateIdle, stateDraining) {
		return Result{}, ErrDrainInProgress
	}
	defer e.state.Store(stateIdle)

	if e.guard != nil {
		release, err := e.guard.Acquire(ctx)
		if err != nil {
			return Result{}, err
		}
		defer release()
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	ctx, span := e.tracer.Start(ctx, "syncengine.drain")
	defer span.End()

	res := Result{StartedAt: e.now().UTC()}
	pending, err := e.queue.Pending(ctx)
	if err != nil {
		span.RecordError(err)
		return res, fmt.Errorf("syncengine: load pending: %w", err)
	}
	span.SetAttributes(attribute.Int("barber.pending", len(pending)))
	if len(pending) > 0 {
		e.notices.Publish(notices.LevelInfo, waitingMessage(len(pending)))
	}
	e.logger.Info("drain started", "pending", len(pending))

	// failed maps an appointment id to the lowest Seq of its errored actions;
	// later actions for that appointment wait so the server sees them in order.
	failed, err := e.queue.Failed(ctx)
	if err != nil {
		span.RecordError(err)
		return res, fmt.Errorf("syncengine: load failed: %w", err)
	}
	failedTargets := make(map[string]int64, len(failed))
	for _, a := range failed {
		markFailed(failedTargets, a)
	}

	renamed := make(map[string]string)
	var drainErr error
	for _, action := range pending {
		if ctx.Err() != nil {
			e.logger.Warn("drain stopped early", "error", ctx.Err())
			break
		}
		if newID, ok := renamed[action.AppointmentID()]; ok {
			action.Retarget(newID)
		}
		if reason := blockReason(action, failedTargets); reason != "" {
			res.Blocked++
			e.metrics.ObserveAction(string(action.Kind()), "blocked")
			e.logger.Info("action blocked", "action_id", action.ID, "appointment_id", action.AppointmentID(), "reason", reason)
			continue
		}
		ok, err := e.process(ctx, &action, &res, renamed)
		if err != nil {
			drainErr = err
			break
		}
		if !ok {
			markFailed(failedTargets, action)
		}
	}

	counts, err := e.queue.Counts(context.WithoutCancel(ctx))
	if err != nil && drainErr == nil {
		drainErr = err
	}
	res.Remaining = counts.Waiting()
	res.FinishedAt = e.now().UTC()
	e.record(res)

	if drainErr != nil {
		span.RecordError(drainErr)
		return res, drainErr
	}

	switch {
	case !res.Clean():
		e.notices.Publish(notices.LevelError, notices.MsgSyncPartial)
	case res.Synced > 0:
		e.notices.Publish(notices.LevelSuccess, notices.MsgSyncCompleted)
	}
	e.logger.Info("drain finished",
		"attempted", res.Attempted, "synced", res.Synced, "failed", res.Failed,
		"blocked", res.Blocked, "remaining", res.Remaining)

	if e.pullOnSync && res.Clean() && res.Remaining == 0 && ctx.Err() == nil {
		if _, err := e.Refresh(ctx, e.now()); err != nil {
			e.logger.Warn("post-sync refresh failed", "error", err)
		}
	}
	return res, nil
}

// process dispatches one action and records its outcome. ok is false when
// the remote call failed and the action was left in error. A returned error
// means the local store failed and the drain must stop; an action already
// accepted by the server is left in syncing for RecoverInterrupted.
func (e *Engine) process(ctx context.Context, action *syncqueue.Action, res *Result, renamed map[string]string) (ok bool, err error) {
	ctx, span := e.tracer.Start(ctx, "syncengine.dispatch", trace.WithAttributes(
		attribute.String("barber.action_id", action.ID),
		attribute.String("barber.action_kind", string(action.Kind())),
		attribute.String("barber.appointment_id", action.AppointmentID()),
	))
	defer span.End()

	res.Attempted++
	action.Attempts++
	if err := action.Advance(syncqueue.StatusSyncing, e.now()); err != nil {
		return false, err
	}
	if err := e.queue.Save(ctx, *action); err != nil {
		return false, err
	}

	if err := e.dispatch(ctx, action, renamed); err != nil {
		var local *localStoreError
		if errors.As(err, &local) {
			span.RecordError(err)
			e.logger.Error("local store failed after the server accepted an action",
				"action_id", action.ID, "kind", action.Kind(), "appointment_id", action.AppointmentID(), "error", err)
			return false, local.err
		}
		syncErr := newActionSyncError(*action, err)
		span.RecordError(syncErr)
		res.Failed++
		res.Failures = append(res.Failures, syncErr)
		e.metrics.ObserveAction(string(action.Kind()), "failed")
		e.logger.Warn("action failed", "action_id", action.ID, "kind", action.Kind(), "appointment_id", action.AppointmentID(), "error", err)
		if advErr := action.Advance(syncqueue.StatusError, e.now()); advErr != nil {
			return false, advErr
		}
		action.LastError = err.Error()
		return false, e.queue.Save(context.WithoutCancel(ctx), *action)
	}

	res.Synced++
	e.metrics.ObserveAction(string(action.Kind()), "synced")
	if err := action.Advance(syncqueue.StatusSynced, e.now()); err != nil {
		return true, err
	}
	if err := e.queue.Save(ctx, *action); err != nil {
		return true, err
	}
	return true, e.queue.Remove(ctx, action.ID)
}

// dispatch sends one action. Errors from the remote API are returned as is;
// local store failures after the server accepted the call are wrapped in
// localStoreError.
func (e *Engine) dispatch(ctx context.Context, action *syncqueue.Action, renamed map[string]string) error {
	switch m := action.Mutation.(type) {
	case syncqueue.CreateMutation:
		if m.ServerID == "" {
			created, err := e.api.CreateAppointment(ctx, m.Appointment)
			if err != nil {
				return err
			}
			// recorded before reconciling so a retry never POSTs twice
			m.ServerID = created.ID
			action.Mutation = m
			if err := e.queue.Save(ctx, *action); err != nil {
				return &localStoreError{err: err}
			}
		}
		if err := e.reconcileCreate(ctx, m.Appointment.ID, m.ServerID); err != nil {
			return &localStoreError{err: err}
		}
		renamed[m.Appointment.ID] = m.ServerID
		return nil
	case syncqueue.UpdateMutation:
		return e.api.UpdateAppointment(ctx, m.AppointmentID, m.Patch, m.Snapshot)
	case syncqueue.DeleteMutation:
		err := e.api.DeleteAppointment(ctx, m.AppointmentID)
		if err != nil && !errors.Is(err, remoteapi.ErrNotFound) {
			return err
		}
		if err := e.queue.Forget(ctx, m.AppointmentID); err != nil {
			return &localStoreError{err: err}
		}
		e.mirror.Remove(m.AppointmentID)
		return nil
	default:
		return fmt.Errorf("syncengine: action %s has unsupported mutation %T", action.ID, action.Mutation)
	}
}

// blockReason says why an action must wait, or "" when it may be sent.
func blockReason(a syncqueue.Action, failedTargets map[string]int64) string {
	if a.Kind() != syncqueue.KindCreate && appointments.IsLocalID(a.AppointmentID()) {
		return "unconfirmed create"
	}
	if seq, ok := failedTargets[a.AppointmentID()]; ok && seq < a.Seq {
		return "earlier action failed"
	}
	return ""
}

func markFailed(failedTargets map[string]int64, a syncqueue.Action) {
	id := a.AppointmentID()
	if seq, ok := failedTargets[id]; !ok || a.Seq < seq {
		failedTargets[id] = a.Seq
	}
}

// reconcileCreate replaces a local id with the server's everywhere: the
// stored appointment, the mirror and every later queued action. Local edits
// made since the create are kept; they are replayed by their own updates.
func (e *Engine) reconcileCreate(ctx context.Context, localID, serverID string) error {
	appt, found, n, err := e.queue.Confirm(ctx, localID, serverID)
	if err != nil {
		return err
	}
	if found {
		e.mirror.Rename(localID, appt)
	}
	e.logger.Info("appointment confirmed", "local_id", localID, "server_id", serverID, "retargeted", n)
	return nil
}

// Refresh pulls the server's appointments for day and merges them locally.
// The server copy wins, except for appointments an unsynced action still
// targets. Confirmed appointments the server no longer lists are removed.
func (e *Engine) Refresh(ctx context.Context, day time.Time) (RefreshResult, error) {
	ctx, span := e.tracer.Start(ctx, "syncengine.refresh")
	defer span.End()

	var out RefreshResult
	server, err := e.api.ListAppointments(ctx, day.In(e.loc), e.staffID)
	if err != nil {
		span.RecordError(err)
		return out, fmt.Errorf("syncengine: pull: %w", err)
	}
	actions, err := e.queue.Actions().All(ctx)
	if err != nil {
		return out, err
	}
	busy := make(map[string]bool, len(actions))
	for _, a := range actions {
		busy[a.AppointmentID()] = true
	}

	repo := e.queue.Appointments()
	seen := make(map[string]bool, len(server))
	for _, s := range server {
		seen[s.ID] = true
		if busy[s.ID] {
			out.Skipped++
			continue
		}
		if err := repo.Put(ctx, s); err != nil {
			return out, err
		}
		e.mirror.Upsert(s)
		out.Upserted++
	}

	local, err := repo.All(ctx)
	if err != nil {
		return out, err
	}
	start, end := appointments.DayBounds(day, e.loc)
	for _, a := range local {
		if a.IsLocal() || seen[a.ID] || busy[a.ID] {
			continue
		}
		if a.StartTime.Before(start) || !a.StartTime.Before(end) {
			continue
		}
		if e.staffID != "" && a.StaffID != e.staffID {
			continue
		}
		if err := repo.Delete(ctx, a.ID); err != nil {
			return out, err
		}
		e.mirror.Remove(a.ID)
		out.Removed++
	}
	e.logger.Info("refreshed from server", "upserted", out.Upserted, "removed", out.Removed, "skipped", out.Skipped)
	return out, nil
}

func (e *Engine) record(res Result) {
	e.metrics.ObserveDrain(res.FinishedAt.Sub(res.StartedAt).Seconds())
	e.metrics.SetPending(res.Remaining)
	e.mu.Lock()
	e.lastSyncAt = res.FinishedAt
	e.lastResult = &res
	e.mu.Unlock()
}

func waitingMessage(n int) string {
	if n == 1 {
		return "1 change waiting to sync"
	}
	return fmt.Sprintf("%d changes waiting to sync", n)
}
