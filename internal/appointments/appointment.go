package appointments

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Status tracks the lifecycle of a booked service.
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusNoShow    Status = "no-show"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusScheduled, StatusCompleted, StatusCancelled, StatusNoShow:
		return true
	}
	return false
}

// LocalIDPrefix marks ids generated on this device before the server assigns one.
const LocalIDPrefix = "offline_"

// Appointment is one scheduled service instance as known locally.
type Appointment struct {
	ID               string          `json:"id"`
	ClientName       string          `json:"client_name"`
	ClientPhone      string          `json:"client_phone,omitempty"`
	ServiceName      string          `json:"service_name"`
	Price            decimal.Decimal `json:"price"`
	StartTime        time.Time       `json:"start_time"`
	EndTime          time.Time       `json:"end_time"`
	DurationMinutes  int             `json:"duration_minutes"`
	Status           Status          `json:"status"`
	Notes            string          `json:"notes,omitempty"`
	IsOfflineCreated bool            `json:"is_offline_created"`
	PendingDelete    bool            `json:"pending_delete,omitempty"`
	StaffID          string          `json:"staff_id,omitempty"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Duration returns the booked length.
func (a Appointment) Duration() time.Duration {
	return time.Duration(a.DurationMinutes) * time.Minute
}

// DeriveEndTime recomputes EndTime from StartTime and the duration. EndTime is
// never authoritative on its own.
func (a *Appointment) DeriveEndTime() {
	a.EndTime = a.StartTime.Add(a.Duration())
}

// IsLocal reports whether the appointment still carries a device-generated id.
func (a Appointment) IsLocal() bool {
	return IsLocalID(a.ID)
}

// Active reports whether the appointment should show up on a schedule.
func (a Appointment) Active() bool {
	return !a.PendingDelete && a.Status != StatusCancelled
}

// NewLocalID builds a locally-unique id that can never collide with a server id.
func NewLocalID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s%d_%s", LocalIDPrefix, now.UnixMilli(), suffix)
}

// IsLocalID reports whether id was generated by NewLocalID.
func IsLocalID(id string) bool {
	return strings.HasPrefix(id, LocalIDPrefix)
}
