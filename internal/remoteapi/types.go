package remoteapi

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/wolfman30/barber-sync/internal/appointments"
)

// AppointmentPayload is the wire shape of an appointment.
type AppointmentPayload struct {
	ID              ServerID  `json:"id,omitempty"`
	ClientName      string    `json:"client_name"`
	ClientPhone     string    `json:"client_phone,omitempty"`
	ServiceName     string    `json:"service_name"`
	Price           Money     `json:"price"`
	StartTime       time.Time `json:"start_time"`
	EndTime         time.Time `json:"end_time"`
	DurationMinutes int       `json:"duration"`
	Status          string    `json:"status"`
	Notes           string    `json:"notes,omitempty"`
	StaffID         string    `json:"staff_id,omitempty"`
	UpdatedAt       time.Time `json:"updated_at,omitzero"`
}

// PatchPayload carries only the changed fields.
type PatchPayload struct {
	ClientName      *string    `json:"client_name,omitempty"`
	ClientPhone     *string    `json:"client_phone,omitempty"`
	ServiceName     *string    `json:"service_name,omitempty"`
	Price           *Money     `json:"price,omitempty"`
	StartTime       *time.Time `json:"start_time,omitempty"`
	EndTime         *time.Time `json:"end_time,omitempty"`
	DurationMinutes *int       `json:"duration,omitempty"`
	Status          *string    `json:"status,omitempty"`
	Notes           *string    `json:"notes,omitempty"`
	StaffID         *string    `json:"staff_id,omitempty"`
}

// Money is a price on the wire. It is written as a bare JSON number with
// its exact decimal digits and read from either a number or a string.
type Money struct {
	decimal.Decimal
}

func (m Money) MarshalJSON() ([]byte, error) {
	return []byte(m.Decimal.String()), nil
}

// ServerID accepts ids the API encodes as either a JSON string or number.
type ServerID string

func (id *ServerID) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" {
		*id = ""
		return nil
	}
	if strings.HasPrefix(raw, `"`) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ServerID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("remoteapi: id %s: %w", raw, err)
	}
	*id = ServerID(n.String())
	return nil
}

// FromAppointment builds the create body. The local id is never sent.
func FromAppointment(a appointments.Appointment) AppointmentPayload {
	return AppointmentPayload{
		ClientName:      a.ClientName,
		ClientPhone:     a.ClientPhone,
		ServiceName:     a.ServiceName,
		Price:           Money{a.Price},
		StartTime:       a.StartTime.UTC(),
		EndTime:         a.EndTime.UTC(),
		DurationMinutes: a.DurationMinutes,
		Status:          string(a.Status),
		Notes:           a.Notes,
		StaffID:         a.StaffID,
	}
}

// ToAppointment converts a server record into the local model.
func (p AppointmentPayload) ToAppointment() appointments.Appointment {
	a := appointments.Appointment{
		ID:              string(p.ID),
		ClientName:      p.ClientName,
		ClientPhone:     p.ClientPhone,
		ServiceName:     p.ServiceName,
		Price:           p.Price.Decimal,
		StartTime:       p.StartTime.UTC(),
		DurationMinutes: p.DurationMinutes,
		Status:          appointments.Status(p.Status),
		Notes:           p.Notes,
		StaffID:         p.StaffID,
		UpdatedAt:       p.UpdatedAt.UTC(),
	}
	if a.Status == "" {
		a.Status = appointments.StatusScheduled
	}
	if a.DurationMinutes == 0 && p.EndTime.After(p.StartTime) {
		a.DurationMinutes = int(p.EndTime.Sub(p.StartTime) / time.Minute)
	}
	a.DeriveEndTime()
	return a
}

// FromPatch maps a local patch; the snapshot supplies the derived end time
// whenever start or duration changed.
func FromPatch(p appointments.Patch, snapshot appointments.Appointment) PatchPayload {
	out := PatchPayload{
		ClientName:      p.ClientName,
		ClientPhone:     p.ClientPhone,
		ServiceName:     p.ServiceName,
		StartTime:       p.StartTime,
		DurationMinutes: p.DurationMinutes,
		Notes:           p.Notes,
		StaffID:         p.StaffID,
	}
	if p.ClientPhone != nil {
		phone := snapshot.ClientPhone
		out.ClientPhone = &phone
	}
	if p.Price != nil {
		out.Price = &Money{*p.Price}
	}
	if p.Status != nil {
		s := string(*p.Status)
		out.Status = &s
	}
	if p.StartTime != nil || p.DurationMinutes != nil {
		end := snapshot.EndTime.UTC()
		out.EndTime = &end
	}
	return out
}
