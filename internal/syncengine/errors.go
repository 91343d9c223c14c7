package syncengine

import (
	"errors"
	"fmt"

	"github.com/wolfman30/barber-sync/internal/syncqueue"
)

// ErrActionSyncFailed marks a remote rejection of a single action.
var ErrActionSyncFailed = errors.New("syncengine: action sync failed")

// ActionSyncError describes why one action could not be applied remotely.
type ActionSyncError struct {
	ActionID      string         `json:"action_id"`
	Kind          syncqueue.Kind `json:"kind"`
	AppointmentID string         `json:"appointment_id"`
	Message       string         `json:"error"`
	Err           error          `json:"-"`
}

func newActionSyncError(a syncqueue.Action, err error) *ActionSyncError {
	return &ActionSyncError{
		ActionID:      a.ID,
		Kind:          a.Kind(),
		AppointmentID: a.AppointmentID(),
		Message:       err.Error(),
		Err:           err,
	}
}

func (e *ActionSyncError) Error() string {
	return fmt.Sprintf("%s %s %s: %s", e.Kind, e.AppointmentID, e.ActionID, e.Message)
}

func (e *ActionSyncError) Unwrap() []error {
	return []error{ErrActionSyncFailed, e.Err}
}

// localStoreError marks a local persistence failure that happened after the
// server had already applied the action.
type localStoreError struct {
	err error
}

func (e *localStoreError) Error() string { return "local store: " + e.err.Error() }

func (e *localStoreError) Unwrap() error { return e.err }
