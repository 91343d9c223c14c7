package syncqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wolfman30/barber-sync/internal/appointments"
	"github.com/wolfman30/barber-sync/internal/localstore"
	"github.com/wolfman30/barber-sync/pkg/logging"
)

var (
	// ErrAppointmentNotFound is returned when an update or delete targets an unknown id.
	ErrAppointmentNotFound = errors.New("syncqueue: appointment not found")
	// ErrAppointmentDeleted is returned when updating an appointment already marked for deletion.
	ErrAppointmentDeleted = errors.New("syncqueue: appointment is pending deletion")
	// ErrEmptyPatch is returned when an update changes nothing.
	ErrEmptyPatch = errors.New("syncqueue: patch changes nothing")
)

// InterruptedError is recorded on actions a crash left in syncing.
const InterruptedError = "interrupted before the server confirmed"

// Mirror receives every optimistic change so the in-memory schedule stays current.
type Mirror interface {
	Upsert(appt appointments.Appointment)
	Remove(id string)
}

type nopMirror struct{}

func (nopMirror) Upsert(appointments.Appointment) {}
func (nopMirror) Remove(string)                   {}

// Counts summarises the queue by status.
type Counts struct {
	Pending int `json:"pending"`
	Syncing int `json:"syncing"`
	Failed  int `json:"failed"`
}

// Waiting is the number of actions not yet confirmed by the server.
func (c Counts) Waiting() int {
	return c.Pending + c.Syncing + c.Failed
}

// Queue records user mutations locally, then leaves them for the sync engine.
type Queue struct {
	appts   *localstore.AppointmentRepository
	actions *ActionRepository
	mirror  Mirror
	logger  *logging.Logger
	tracer  trace.Tracer

	phoneRegion string
	now         func() time.Time

	mu  sync.Mutex
	seq int64
}

// Option customises a Queue.
type Option func(*Queue)

// WithMirror sets the optimistic mirror hook.
func WithMirror(m Mirror) Option {
	return func(q *Queue) {
		if m != nil {
			q.mirror = m
		}
	}
}

// WithPhoneRegion sets the default region for phone normalisation.
func WithPhoneRegion(region string) Option {
	return func(q *Queue) { q.phoneRegion = region }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

// New builds a queue over store.
func New(store localstore.Store, logger *logging.Logger, opts ...Option) *Queue {
	if logger == nil {
		logger = logging.Default()
	}
	q := &Queue{
		appts:       localstore.NewAppointmentRepository(store),
		actions:     NewActionRepository(store),
		mirror:      nopMirror{},
		logger:      logger.Component("syncqueue"),
		tracer:      otel.Tracer("barber.internal.syncqueue"),
		phoneRegion: "US",
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Appointments exposes the appointment repository.
func (q *Queue) Appointments() *localstore.AppointmentRepository { return q.appts }

// Actions exposes the action repository.
func (q *Queue) Actions() *ActionRepository { return q.actions }

// Load resumes the sequence after the highest persisted Seq and returns the
// persisted appointments so callers can seed a mirror.
func (q *Queue) Load(ctx context.Context) ([]appointments.Appointment, error) {
	actions, err := q.actions.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("syncqueue: load actions: %w", err)
	}
	q.mu.Lock()
	for _, a := range actions {
		if a.Seq > q.seq {
			q.seq = a.Seq
		}
	}
	q.mu.Unlock()

	appts, err := q.appts.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("syncqueue: load appointments: %w", err)
	}
	return appts, nil
}

// EnqueueCreate stores a new appointment under a local id and queues its create.
func (q *Queue) EnqueueCreate(ctx context.Context, draft appointments.Draft) (appointments.Appointment, error) {
	ctx, span := q.tracer.Start(ctx, "syncqueue.enqueue_create")
	defer span.End()

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	appt, err := draft.Build(appointments.NewLocalID(now), q.phoneRegion, now)
	if err != nil {
		return appointments.Appointment{}, err
	}
	appt.IsOfflineCreated = true
	span.SetAttributes(attribute.String("barber.appointment_id", appt.ID))

	if err := q.appts.Put(ctx, appt); err != nil {
		span.RecordError(err)
		return appointments.Appointment{}, fmt.Errorf("syncqueue: store appointment: %w", err)
	}
	action, err := q.append(ctx, CreateMutation{Appointment: appt}, now)
	if err != nil {
		span.RecordError(err)
		return appointments.Appointment{}, err
	}
	q.mirror.Upsert(appt)
	q.logger.Info("queued create", "appointment_id", appt.ID, "action_id", action.ID, "seq", action.Seq)
	return appt, nil
}

// EnqueueUpdate applies patch to the local copy and queues the change.
func (q *Queue) EnqueueUpdate(ctx context.Context, id string, patch appointments.Patch) (appointments.Appointment, error) {
	ctx, span := q.tracer.Start(ctx, "syncqueue.enqueue_update", trace.WithAttributes(attribute.String("barber.appointment_id", id)))
	defer span.End()

	if patch.IsEmpty() {
		return appointments.Appointment{}, ErrEmptyPatch
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	current, err := q.lookup(ctx, id)
	if err != nil {
		return appointments.Appointment{}, err
	}
	if current.PendingDelete {
		return appointments.Appointment{}, fmt.Errorf("%w: %s", ErrAppointmentDeleted, id)
	}
	now := q.now()
	updated, err := patch.Apply(current, q.phoneRegion, now)
	if err != nil {
		return appointments.Appointment{}, err
	}
	if err := q.appts.Put(ctx, updated); err != nil {
		span.RecordError(err)
		return appointments.Appointment{}, fmt.Errorf("syncqueue: store appointment: %w", err)
	}
	action, err := q.append(ctx, UpdateMutation{AppointmentID: id, Patch: patch, Snapshot: updated}, now)
	if err != nil {
		span.RecordError(err)
		return appointments.Appointment{}, err
	}
	q.mirror.Upsert(updated)
	q.logger.Info("queued update", "appointment_id", id, "action_id", action.ID, "seq", action.Seq)
	return updated, nil
}

// EnqueueDelete marks the appointment for deletion and queues the delete. The
// record stays in the store until the server confirms. Deleting an
// appointment already marked is a no-op.
func (q *Queue) EnqueueDelete(ctx context.Context, id string) error {
	ctx, span := q.tracer.Start(ctx, "syncqueue.enqueue_delete", trace.WithAttributes(attribute.String("barber.appointment_id", id)))
	defer span.End()

	q.mu.Lock()
	defer q.mu.Unlock()

	current, err := q.lookup(ctx, id)
	if err != nil {
		return err
	}
	if current.PendingDelete {
		return nil
	}
	now := q.now()
	current.PendingDelete = true
	current.UpdatedAt = now.UTC()
	if err := q.appts.Put(ctx, current); err != nil {
		span.RecordError(err)
		return fmt.Errorf("syncqueue: store appointment: %w", err)
	}
	action, err := q.append(ctx, DeleteMutation{AppointmentID: id}, now)
	if err != nil {
		span.RecordError(err)
		return err
	}
	q.mirror.Upsert(current)
	q.logger.Info("queued delete", "appointment_id", id, "action_id", action.ID, "seq", action.Seq)
	return nil
}

// List returns every queued action in Seq order.
func (q *Queue) List(ctx context.Context) ([]Action, error) {
	return q.actions.Ordered(ctx)
}

// Pending returns pending actions in Seq order.
func (q *Queue) Pending(ctx context.Context) ([]Action, error) {
	return q.actions.ByStatus(ctx, StatusPending)
}

// Failed returns errored actions in Seq order.
func (q *Queue) Failed(ctx context.Context) ([]Action, error) {
	return q.actions.ByStatus(ctx, StatusError)
}

// Counts tallies the queue by status.
func (q *Queue) Counts(ctx context.Context) (Counts, error) {
	all, err := q.actions.All(ctx)
	if err != nil {
		return Counts{}, err
	}
	var c Counts
	for _, a := range all {
		switch a.Status {
		case StatusPending:
			c.Pending++
		case StatusSyncing:
			c.Syncing++
		case StatusError:
			c.Failed++
		}
	}
	return c, nil
}

// Save persists an action as-is.
func (q *Queue) Save(ctx context.Context, a Action) error {
	if err := q.actions.Put(ctx, a); err != nil {
		return fmt.Errorf("syncqueue: save action %s: %w", a.ID, err)
	}
	return nil
}

// Remove deletes a confirmed action.
func (q *Queue) Remove(ctx context.Context, actionID string) error {
	if err := q.actions.Delete(ctx, actionID); err != nil {
		return fmt.Errorf("syncqueue: remove action %s: %w", actionID, err)
	}
	return nil
}

// Retarget rewrites every unsynced action aimed at oldID to target newID.
func (q *Queue) Retarget(ctx context.Context, oldID, newID string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.retarget(ctx, oldID, newID)
}

// Confirm swaps a local id for the server's once its create succeeded: the
// stored appointment is renamed (local edits kept, offline flag cleared) and
// later actions are retargeted, all without an enqueue slipping in between.
// found is false when the appointment is stored under neither id. Confirm
// is safe to repeat after a partial failure.
func (q *Queue) Confirm(ctx context.Context, localID, serverID string) (appt appointments.Appointment, found bool, retargeted int, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	appt, found, err = q.appts.Get(ctx, localID)
	if err != nil {
		return appointments.Appointment{}, false, 0, fmt.Errorf("syncqueue: load appointment: %w", err)
	}
	if found {
		appt.ID = serverID
		appt.IsOfflineCreated = false
		if err := q.appts.Rename(ctx, localID, appt); err != nil {
			return appointments.Appointment{}, false, 0, fmt.Errorf("syncqueue: rename %s: %w", localID, err)
		}
	} else {
		// renamed by an earlier attempt
		appt, found, err = q.appts.Get(ctx, serverID)
		if err != nil {
			return appointments.Appointment{}, false, 0, fmt.Errorf("syncqueue: load appointment: %w", err)
		}
	}
	retargeted, err = q.retarget(ctx, localID, serverID)
	return appt, found, retargeted, err
}

// Forget drops an appointment whose deletion the server confirmed.
func (q *Queue) Forget(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.appts.Delete(ctx, id); err != nil {
		return fmt.Errorf("syncqueue: forget %s: %w", id, err)
	}
	return nil
}

func (q *Queue) retarget(ctx context.Context, oldID, newID string) (int, error) {
	list, err := q.actions.Targeting(ctx, oldID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, a := range list {
		if a.Kind() == KindCreate {
			continue
		}
		a.Retarget(newID)
		if err := q.actions.Put(ctx, a); err != nil {
			return n, fmt.Errorf("syncqueue: retarget action %s: %w", a.ID, err)
		}
		n++
	}
	return n, nil
}

// Requeue replaces every errored action with a fresh pending copy that keeps
// its Seq, so a manual retry replays in the original order.
func (q *Queue) Requeue(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	failed, err := q.actions.ByStatus(ctx, StatusError)
	if err != nil {
		return 0, err
	}
	now := q.now().UTC()
	for i, old := range failed {
		fresh := Action{
			ID:         uuid.NewString(),
			Seq:        old.Seq,
			Mutation:   old.Mutation,
			EnqueuedAt: old.EnqueuedAt,
			Status:     StatusPending,
			Attempts:   old.Attempts,
			LastError:  old.LastError,
			UpdatedAt:  now,
		}
		if err := q.actions.Put(ctx, fresh); err != nil {
			return i, fmt.Errorf("syncqueue: requeue %s: %w", old.ID, err)
		}
		if err := q.actions.Delete(ctx, old.ID); err != nil {
			return i, fmt.Errorf("syncqueue: drop errored %s: %w", old.ID, err)
		}
	}
	if len(failed) > 0 {
		q.logger.Info("requeued failed actions", "count", len(failed))
	}
	return len(failed), nil
}

// RecoverInterrupted marks actions a crash left in syncing as errored.
func (q *Queue) RecoverInterrupted(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	stuck, err := q.actions.ByStatus(ctx, StatusSyncing)
	if err != nil {
		return 0, err
	}
	now := q.now()
	for i, a := range stuck {
		if err := a.Advance(StatusError, now); err != nil {
			return i, err
		}
		a.LastError = InterruptedError
		if err := q.actions.Put(ctx, a); err != nil {
			return i, fmt.Errorf("syncqueue: recover %s: %w", a.ID, err)
		}
	}
	if len(stuck) > 0 {
		q.logger.Warn("recovered interrupted actions", "count", len(stuck))
	}
	return len(stuck), nil
}

func (q *Queue) lookup(ctx context.Context, id string) (appointments.Appointment, error) {
	appt, ok, err := q.appts.Get(ctx, id)
	if err != nil {
		return appointments.Appointment{}, fmt.Errorf("syncqueue: load appointment: %w", err)
	}
	if !ok {
		return appointments.Appointment{}, fmt.Errorf("%w: %s", ErrAppointmentNotFound, id)
	}
	return appt, nil
}

// append persists a new pending action; callers hold q.mu.
func (q *Queue) append(ctx context.Context, m Mutation, now time.Time) (Action, error) {
	q.seq++
	a := Action{
		ID:         uuid.NewString(),
		Seq:        q.seq,
		Mutation:   m,
		EnqueuedAt: now.UTC(),
		Status:     StatusPending,
		UpdatedAt:  now.UTC(),
	}
	if err := q.actions.Put(ctx, a); err != nil {
		return Action{}, fmt.Errorf("syncqueue: store action: %w", err)
	}
	return a, nil
}
