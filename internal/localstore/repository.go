package localstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/wolfman30/barber-sync/internal/appointments"
)

// Collection is a typed JSON view over one table.
type Collection[T any] struct {
	store Store
	table Table
	key   func(T) string
}

// NewCollection binds a table to a record type and its primary key.
func NewCollection[T any](store Store, table Table, key func(T) string) *Collection[T] {
	if store == nil {
		panic("localstore: store required")
	}
	return &Collection[T]{store: store, table: table, key: key}
}

// All decodes every record in insertion order.
func (c *Collection[T]) All(ctx context.Context) ([]T, error) {
	records, err := c.store.GetAll(ctx, c.table)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(records))
	for _, rec := range records {
		var v T
		if err := json.Unmarshal(rec.Value, &v); err != nil {
			return nil, fmt.Errorf("localstore: decode %s/%s: %w", c.table, rec.Key, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// Where returns the records matching pred.
func (c *Collection[T]) Where(ctx context.Context, pred func(T) bool) ([]T, error) {
	all, err := c.All(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(all))
	for _, v := range all {
		if pred(v) {
			out = append(out, v)
		}
	}
	return out, nil
}

// Get returns the record with key, if present.
func (c *Collection[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var zero T
	all, err := c.All(ctx)
	if err != nil {
		return zero, false, err
	}
	for _, v := range all {
		if c.key(v) == key {
			return v, true, nil
		}
	}
	return zero, false, nil
}

// Put upserts v under its key.
func (c *Collection[T]) Put(ctx context.Context, v T) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("localstore: encode %s: %w", c.table, err)
	}
	return c.store.Put(ctx, c.table, c.key(v), data)
}

// Delete removes key; absent keys are ignored.
func (c *Collection[T]) Delete(ctx context.Context, key string) error {
	return c.store.Delete(ctx, c.table, key)
}

// AppointmentRepository stores the latest known state of each appointment.
type AppointmentRepository struct {
	*Collection[appointments.Appointment]
}

// NewAppointmentRepository binds the appointments table.
func NewAppointmentRepository(store Store) *AppointmentRepository {
	return &AppointmentRepository{
		Collection: NewCollection(store, TableAppointments, func(a appointments.Appointment) string { return a.ID }),
	}
}

// OnDay returns appointments starting on day in loc, sorted by start.
func (r *AppointmentRepository) OnDay(ctx context.Context, day time.Time, loc *time.Location) ([]appointments.Appointment, error) {
	all, err := r.All(ctx)
	if err != nil {
		return nil, err
	}
	return appointments.OnDay(all, day, loc), nil
}

// ByStatus returns appointments in the given status.
func (r *AppointmentRepository) ByStatus(ctx context.Context, status appointments.Status) ([]appointments.Appointment, error) {
	return r.Where(ctx, func(a appointments.Appointment) bool { return a.Status == status })
}

// ByStaff returns appointments owned by a staff member.
func (r *AppointmentRepository) ByStaff(ctx context.Context, staffID string) ([]appointments.Appointment, error) {
	return r.Where(ctx, func(a appointments.Appointment) bool { return a.StaffID == staffID })
}

// Rename moves an appointment to a new id, e.g. once the server assigns one.
// The new record is written before the old one is removed.
func (r *AppointmentRepository) Rename(ctx context.Context, oldID string, updated appointments.Appointment) error {
	if err := r.Put(ctx, updated); err != nil {
		return err
	}
	if oldID == updated.ID {
		return nil
	}
	return r.Delete(ctx, oldID)
}
