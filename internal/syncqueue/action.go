package syncqueue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/wolfman30/barber-sync/internal/appointments"
)

// Kind names the mutation an action replays.
type Kind string

const (
	KindCreate Kind = "create"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
)

// Status tracks an action through one drain. It only ever moves forward.
type Status string

const (
	StatusPending Status = "pending"
	StatusSyncing Status = "syncing"
	StatusSynced  Status = "synced"
	StatusError   Status = "error"
)

// ErrInvalidTransition is returned when a status would move backward.
var ErrInvalidTransition = errors.New("syncqueue: invalid status transition")

// CanTransition reports whether s may advance to next.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusSyncing || next == StatusError
	case StatusSyncing:
		return next == StatusSynced || next == StatusError
	}
	return false
}

// Mutation is the closed set of replayable changes: CreateMutation,
// UpdateMutation and DeleteMutation.
type Mutation interface {
	Kind() Kind
	Target() string
	retarget(id string) Mutation
}

// CreateMutation carries the full appointment to POST. ServerID is set once
// the server has accepted it; a create with a ServerID is never POSTed again.
type CreateMutation struct {
	Appointment appointments.Appointment `json:"appointment"`
	ServerID    string                   `json:"server_id,omitempty"`
}

func (CreateMutation) Kind() Kind       { return KindCreate }
func (m CreateMutation) Target() string { return m.Appointment.ID }
func (m CreateMutation) retarget(string) Mutation {
	// a create always targets the id it was enqueued with
	return m
}

// UpdateMutation carries the patch and the post-patch snapshot.
type UpdateMutation struct {
	AppointmentID string                   `json:"appointment_id"`
	Patch         appointments.Patch       `json:"patch"`
	Snapshot      appointments.Appointment `json:"snapshot"`
}

func (UpdateMutation) Kind() Kind       { return KindUpdate }
func (m UpdateMutation) Target() string { return m.AppointmentID }
func (m UpdateMutation) retarget(id string) Mutation {
	m.AppointmentID = id
	m.Snapshot.ID = id
	return m
}

// DeleteMutation only needs the target id.
type DeleteMutation struct {
	AppointmentID string `json:"appointment_id"`
}

func (DeleteMutation) Kind() Kind       { return KindDelete }
func (m DeleteMutation) Target() string { return m.AppointmentID }
func (m DeleteMutation) retarget(id string) Mutation {
	m.AppointmentID = id
	return m
}

// Action is one persisted mutation waiting to be replayed against the API.
type Action struct {
	ID         string
	Seq        int64
	Mutation   Mutation
	EnqueuedAt time.Time
	Status     Status
	Attempts   int
	LastError  string
	UpdatedAt  time.Time
}

// Kind returns the mutation kind.
func (a Action) Kind() Kind {
	if a.Mutation == nil {
		return ""
	}
	return a.Mutation.Kind()
}

// AppointmentID returns the id the mutation targets.
func (a Action) AppointmentID() string {
	if a.Mutation == nil {
		return ""
	}
	return a.Mutation.Target()
}

// Advance moves the action to next, refusing backward moves.
func (a *Action) Advance(next Status, now time.Time) error {
	if !a.Status.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s (action %s)", ErrInvalidTransition, a.Status, next, a.ID)
	}
	a.Status = next
	a.UpdatedAt = now.UTC()
	return nil
}

// Retarget points the mutation at a new appointment id.
func (a *Action) Retarget(id string) {
	if a.Mutation != nil {
		a.Mutation = a.Mutation.retarget(id)
	}
}

type actionEnvelope struct {
	ID            string          `json:"id"`
	Seq           int64           `json:"seq"`
	Kind          Kind            `json:"kind"`
	AppointmentID string          `json:"appointment_id"`
	EnqueuedAt    time.Time       `json:"enqueued_at"`
	Status        Status          `json:"status"`
	Attempts      int             `json:"attempts,omitempty"`
	LastError     string          `json:"last_error,omitempty"`
	UpdatedAt     time.Time       `json:"updated_at"`
	Create        *CreateMutation `json:"create,omitempty"`
	Update        *UpdateMutation `json:"update,omitempty"`
	Delete        *DeleteMutation `json:"delete,omitempty"`
}

// MarshalJSON writes the action as a kind-tagged envelope.
func (a Action) MarshalJSON() ([]byte, error) {
	env := actionEnvelope{
		ID:            a.ID,
		Seq:           a.Seq,
		Kind:          a.Kind(),
		AppointmentID: a.AppointmentID(),
		EnqueuedAt:    a.EnqueuedAt,
		Status:        a.Status,
		Attempts:      a.Attempts,
		LastError:     a.LastError,
		UpdatedAt:     a.UpdatedAt,
	}
	switch m := a.Mutation.(type) {
	case CreateMutation:
		env.Create = &m
	case UpdateMutation:
		env.Update = &m
	case DeleteMutation:
		env.Delete = &m
	default:
		return nil, fmt.Errorf("syncqueue: action %s has no mutation", a.ID)
	}
	return json.Marshal(env)
}

// UnmarshalJSON reads a kind-tagged envelope; unknown kinds are rejected.
func (a *Action) UnmarshalJSON(data []byte) error {
	var env actionEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	var m Mutation
	switch env.Kind {
	case KindCreate:
		if env.Create == nil {
			return fmt.Errorf("syncqueue: action %s: missing create body", env.ID)
		}
		m = *env.Create
	case KindUpdate:
		if env.Update == nil {
			return fmt.Errorf("syncqueue: action %s: missing update body", env.ID)
		}
		m = *env.Update
	case KindDelete:
		if env.Delete == nil {
			return fmt.Errorf("syncqueue: action %s: missing delete body", env.ID)
		}
		m = *env.Delete
	default:
		return fmt.Errorf("syncqueue: action %s: unknown kind %q", env.ID, env.Kind)
	}
	*a = Action{
		ID:         env.ID,
		Seq:        env.Seq,
		Mutation:   m,
		EnqueuedAt: env.EnqueuedAt,
		Status:     env.Status,
		Attempts:   env.Attempts,
		LastError:  env.LastError,
		UpdatedAt:  env.UpdatedAt,
	}
	return nil
}
