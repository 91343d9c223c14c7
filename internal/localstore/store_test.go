package localstore

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/barber-sync/internal/appointments"
	"github.com/wolfman30/barber-sync/pkg/logging"
)

// exerciseStore checks the ordering, upsert and delete contract every backend shares.
func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.Open(ctx))
	require.NoError(t, store.Open(ctx), "open must be idempotent")

	require.NoError(t, store.Put(ctx, TableAppointments, "b", []byte(`{"id":"b"}`)))
	require.NoError(t, store.Put(ctx, TableAppointments, "a", []byte(`{"id":"a"}`)))
	require.NoError(t, store.Put(ctx, TableAppointments, "b", []byte(`{"id":"b","v":2}`)))
	require.NoError(t, store.Put(ctx, TableActions, "x", []byte(`{}`)))

	recs, err := store.GetAll(ctx, TableAppointments)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "b", recs[0].Key, "upsert keeps first insertion position")
	assert.JSONEq(t, `{"id":"b","v":2}`, string(recs[0].Value))
	assert.Equal(t, "a", recs[1].Key)

	require.NoError(t, store.Delete(ctx, TableAppointments, "b"))
	require.NoError(t, store.Delete(ctx, TableAppointments, "missing"), "deleting an absent key is a no-op")

	recs, err = store.GetAll(ctx, TableAppointments)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "a", recs[0].Key)

	actions, err := store.GetAll(ctx, TableActions)
	require.NoError(t, err)
	assert.Len(t, actions, 1)

	_, err = store.GetAll(ctx, Table("bogus"))
	assert.Error(t, err)
}

func TestMemoryStoreContract(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestRedisStoreContract(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStore(client, "desk-1")
	exerciseStore(t, store)

	assert.True(t, mr.Exists("barber:desk-1:appointments:values"))
	assert.True(t, mr.Exists("barber:desk-1:appointments:order"))
}

func TestRedisStoreNamespacesAreIsolated(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	one := NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "one")
	two := NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "two")

	require.NoError(t, one.Put(ctx, TableActions, "k", []byte(`1`)))
	recs, err := two.GetAll(ctx, TableActions)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestRedisStoreOpenUnavailable(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	mr.Close()

	err = NewRedisStore(client, "").Open(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStorageUnavailable)
}

func TestPostgresStoreFlow(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewPostgresStore(mock, "desk-1", nil)
	ctx := context.Background()

	mock.ExpectQuery("SELECT to_regclass").WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))
	require.NoError(t, store.Open(ctx))

	mock.ExpectExec("INSERT INTO local_records").
		WithArgs("desk-1", "appointments", "a1", []byte(`{"id":"a1"}`)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, store.Put(ctx, TableAppointments, "a1", []byte(`{"id":"a1"}`)))

	mock.ExpectQuery("SELECT record_key, value").
		WithArgs("desk-1", "appointments").
		WillReturnRows(pgxmock.NewRows([]string{"record_key", "value"}).AddRow("a1", []byte(`{"id":"a1"}`)))
	recs, err := store.GetAll(ctx, TableAppointments)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "a1", recs[0].Key)

	mock.ExpectExec("DELETE FROM local_records").
		WithArgs("desk-1", "appointments", "a1").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	require.NoError(t, store.Delete(ctx, TableAppointments, "a1"))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreOpenWithoutMigrations(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("SELECT to_regclass").WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))
	err = NewPostgresStore(mock, "", nil).Open(context.Background())
	assert.ErrorIs(t, err, ErrStorageUnavailable)
}

type unavailableStore struct {
	MemoryStore
	openErr error
	closed  bool
}

func (s *unavailableStore) Open(context.Context) error { return s.openErr }
func (s *unavailableStore) Close() error               { s.closed = true; return nil }

func TestOpenWithFallback(t *testing.T) {
	ctx := context.Background()

	primary := &unavailableStore{openErr: errors.Join(ErrStorageUnavailable, errors.New("private mode"))}
	store, degraded, err := OpenWithFallback(ctx, primary, logging.Discard())
	require.NoError(t, err)
	assert.True(t, degraded)
	assert.True(t, primary.closed)
	_, isMem := store.(*MemoryStore)
	assert.True(t, isMem)

	healthy := NewMemoryStore()
	store, degraded, err = OpenWithFallback(ctx, healthy, nil)
	require.NoError(t, err)
	assert.False(t, degraded)
	assert.Same(t, healthy, store)

	broken := &unavailableStore{openErr: errors.New("bad config")}
	_, _, err = OpenWithFallback(ctx, broken, nil)
	assert.Error(t, err)
}

func TestAppointmentRepository(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Open(ctx))
	repo := NewAppointmentRepository(store)

	day := time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)
	mk := func(id, staff string, start time.Time, status appointments.Status) appointments.Appointment {
		return appointments.Appointment{ID: id, StaffID: staff, StartTime: start, DurationMinutes: 30, Status: status}
	}
	require.NoError(t, repo.Put(ctx, mk("offline_1", "s1", day.Add(10*time.Hour), appointments.StatusScheduled)))
	require.NoError(t, repo.Put(ctx, mk("2", "s2", day.Add(9*time.Hour), appointments.StatusCompleted)))
	require.NoError(t, repo.Put(ctx, mk("3", "s1", day.Add(36*time.Hour), appointments.StatusScheduled)))

	onDay, err := repo.OnDay(ctx, day, time.UTC)
	require.NoError(t, err)
	require.Len(t, onDay, 2)
	assert.Equal(t, "2", onDay[0].ID)

	byStaff, err := repo.ByStaff(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, byStaff, 2)

	completed, err := repo.ByStatus(ctx, appointments.StatusCompleted)
	require.NoError(t, err)
	require.Len(t, completed, 1)

	renamed := mk("900", "s1", day.Add(10*time.Hour), appointments.StatusScheduled)
	require.NoError(t, repo.Rename(ctx, "offline_1", renamed))
	_, found, err := repo.Get(ctx, "offline_1")
	require.NoError(t, err)
	assert.False(t, found)
	got, found, err := repo.Get(ctx, "900")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "s1", got.StaffID)
}
