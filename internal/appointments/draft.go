package appointments

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/ttacon/libphonenumber"
)

// ErrInvalidDraft is returned when a draft or patch fails validation.
var ErrInvalidDraft = errors.New("appointments: invalid appointment")

// MaxDurationMinutes caps a single booking at twelve hours.
const MaxDurationMinutes = 720

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
	})
	return validate
}

// Draft is the user input for a new appointment.
type Draft struct {
	ClientName      string          `json:"client_name" validate:"required,max=120"`
	ClientPhone     string          `json:"client_phone,omitempty" validate:"omitempty,max=32"`
	ServiceName     string          `json:"service_name" validate:"required,max=120"`
	Price           decimal.Decimal `json:"price"`
	StartTime       time.Time       `json:"start_time"`
	DurationMinutes int             `json:"duration_minutes" validate:"gt=0,lte=720"`
	Status          Status          `json:"status,omitempty" validate:"omitempty,oneof=scheduled completed cancelled no-show"`
	Notes           string          `json:"notes,omitempty" validate:"max=2000"`
	StaffID         string          `json:"staff_id,omitempty" validate:"max=64"`
}

// Validate checks the draft and returns an error wrapping ErrInvalidDraft.
func (d Draft) Validate() error {
	d.ClientName = strings.TrimSpace(d.ClientName)
	d.ServiceName = strings.TrimSpace(d.ServiceName)
	if err := structValidator().Struct(d); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidDraft, describe(err))
	}
	if d.StartTime.IsZero() {
		return fmt.Errorf("%w: start_time is required", ErrInvalidDraft)
	}
	if d.Price.IsNegative() {
		return fmt.Errorf("%w: price must not be negative", ErrInvalidDraft)
	}
	return nil
}

// Build turns a validated draft into an appointment with the given id.
func (d Draft) Build(id string, phoneRegion string, now time.Time) (Appointment, error) {
	if err := d.Validate(); err != nil {
		return Appointment{}, err
	}
	phone, err := NormalizePhone(d.ClientPhone, phoneRegion)
	if err != nil {
		return Appointment{}, err
	}
	status := d.Status
	if status == "" {
		status = StatusScheduled
	}
	a := Appointment{
		ID:              id,
		ClientName:      strings.TrimSpace(d.ClientName),
		ClientPhone:     phone,
		ServiceName:     strings.TrimSpace(d.ServiceName),
		Price:           d.Price,
		StartTime:       d.StartTime.UTC(),
		DurationMinutes: d.DurationMinutes,
		Status:          status,
		Notes:           d.Notes,
		StaffID:         d.StaffID,
		UpdatedAt:       now.UTC(),
	}
	a.DeriveEndTime()
	return a, nil
}

// Patch is a partial update; nil fields are left untouched.
type Patch struct {
	ClientName      *string          `json:"client_name,omitempty"`
	ClientPhone     *string          `json:"client_phone,omitempty"`
	ServiceName     *string          `json:"service_name,omitempty"`
	Price           *decimal.Decimal `json:"price,omitempty"`
	StartTime       *time.Time       `json:"start_time,omitempty"`
	DurationMinutes *int             `json:"duration_minutes,omitempty"`
	Status          *Status          `json:"status,omitempty"`
	Notes           *string          `json:"notes,omitempty"`
	StaffID         *string          `json:"staff_id,omitempty"`
}

// IsEmpty reports whether the patch changes nothing.
func (p Patch) IsEmpty() bool {
	return p.ClientName == nil && p.ClientPhone == nil && p.ServiceName == nil &&
		p.Price == nil && p.StartTime == nil && p.DurationMinutes == nil &&
		p.Status == nil && p.Notes == nil && p.StaffID == nil
}

// Apply returns a copy of a with the patch applied. A change to the start time
// or duration re-derives EndTime.
func (p Patch) Apply(a Appointment, phoneRegion string, now time.Time) (Appointment, error) {
	out := a
	if p.ClientName != nil {
		name := strings.TrimSpace(*p.ClientName)
		if name == "" {
			return Appointment{}, fmt.Errorf("%w: client_name is required", ErrInvalidDraft)
		}
		out.ClientName = name
	}
	if p.ClientPhone != nil {
		phone, err := NormalizePhone(*p.ClientPhone, phoneRegion)
		if err != nil {
			return Appointment{}, err
		}
		out.ClientPhone = phone
	}
	if p.ServiceName != nil {
		svc := strings.TrimSpace(*p.ServiceName)
		if svc == "" {
			return Appointment{}, fmt.Errorf("%w: service_name is required", ErrInvalidDraft)
		}
		out.ServiceName = svc
	}
	if p.Price != nil {
		if p.Price.IsNegative() {
			return Appointment{}, fmt.Errorf("%w: price must not be negative", ErrInvalidDraft)
		}
		out.Price = *p.Price
	}
	if p.StartTime != nil {
		if p.StartTime.IsZero() {
			return Appointment{}, fmt.Errorf("%w: start_time is required", ErrInvalidDraft)
		}
		out.StartTime = p.StartTime.UTC()
	}
	if p.DurationMinutes != nil {
		if *p.DurationMinutes <= 0 || *p.DurationMinutes > MaxDurationMinutes {
			return Appointment{}, fmt.Errorf("%w: duration_minutes out of range", ErrInvalidDraft)
		}
		out.DurationMinutes = *p.DurationMinutes
	}
	if p.Status != nil {
		if !p.Status.Valid() {
			return Appointment{}, fmt.Errorf("%w: unknown status %q", ErrInvalidDraft, *p.Status)
		}
		out.Status = *p.Status
	}
	if p.Notes != nil {
		out.Notes = *p.Notes
	}
	if p.StaffID != nil {
		out.StaffID = *p.StaffID
	}
	out.DeriveEndTime()
	out.UpdatedAt = now.UTC()
	return out, nil
}

// NormalizePhone formats a client phone as E.164. Empty input stays empty.
func NormalizePhone(raw, region string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", nil
	}
	if region == "" {
		region = "US"
	}
	num, err := libphonenumber.Parse(raw, region)
	if err != nil {
		return "", fmt.Errorf("%w: client_phone: %v", ErrInvalidDraft, err)
	}
	if !libphonenumber.IsValidNumber(num) {
		return "", fmt.Errorf("%w: client_phone is not a valid number", ErrInvalidDraft)
	}
	return libphonenumber.Format(num, libphonenumber.E164), nil
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %s", strings.ToLower(fe.Field()), fe.Tag()))
	}
	return strings.Join(parts, ", ")
}
