package syncengine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/barber-sync/internal/appointments"
	"github.com/wolfman30/barber-sync/internal/localstore"
	"github.com/wolfman30/barber-sync/internal/netmonitor"
	"github.com/wolfman30/barber-sync/internal/notices"
	"github.com/wolfman30/barber-sync/internal/observability/metrics"
	"github.com/wolfman30/barber-sync/internal/remoteapi"
	"github.com/wolfman30/barber-sync/internal/schedule"
	"github.com/wolfman30/barber-sync/internal/syncqueue"
	"github.com/wolfman30/barber-sync/pkg/logging"
)

var testNow = time.Date(2025, 1, 10, 8, 0, 0, 0, time.UTC)

type apiCall struct {
	method string
	id     string
	patch  appointments.Patch
}

type fakeAPI struct {
	mu         sync.Mutex
	calls      []apiCall
	nextID     int
	failNames  map[string]bool
	failUpdate bool
	deleteErr  error
	server     []appointments.Appointment
	prices     map[string]decimal.Decimal

	// when set, CreateAppointment signals entered and waits for release
	entered chan struct{}
	release chan struct{}
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{nextID: 900, failNames: map[string]bool{}, prices: map[string]decimal.Decimal{}}
}

func (f *fakeAPI) CreateAppointment(ctx context.Context, a appointments.Appointment) (appointments.Appointment, error) {
	if f.entered != nil {
		f.entered <- struct{}{}
		<-f.release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, apiCall{method: "POST", id: a.ID})
	if f.failNames[a.ClientName] {
		return appointments.Appointment{}, &remoteapi.APIError{Status: 500, Path: "/appointments"}
	}
	f.nextID++
	out := a
	out.ID = fmt.Sprint(f.nextID)
	return out, nil
}

func (f *fakeAPI) UpdateAppointment(ctx context.Context, id string, patch appointments.Patch, snapshot appointments.Appointment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, apiCall{method: "PATCH", id: id, patch: patch})
	if f.failUpdate {
		return errors.New("patch rejected")
	}
	if patch.Price != nil {
		f.prices[id] = *patch.Price
	}
	return nil
}

func (f *fakeAPI) DeleteAppointment(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, apiCall{method: "DELETE", id: id})
	return f.deleteErr
}

func (f *fakeAPI) ListAppointments(ctx context.Context, day time.Time, staffID string) ([]appointments.Appointment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, apiCall{method: "GET"})
	return append([]appointments.Appointment(nil), f.server...), nil
}

func (f *fakeAPI) callLog() []apiCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]apiCall(nil), f.calls...)
}

type harness struct {
	engine *Engine
	queue  *syncqueue.Queue
	mirror *schedule.Mirror
	hub    *notices.Hub
	store  localstore.Store
}

func newHarness(t *testing.T, api API, opts ...Option) harness {
	t.Helper()
	return newHarnessOn(t, localstore.NewMemoryStore(), api, opts...)
}

func newHarnessOn(t *testing.T, store localstore.Store, api API, opts ...Option) harness {
	t.Helper()
	require.NoError(t, store.Open(context.Background()))
	mirror := schedule.NewMirror(time.UTC)
	hub := notices.NewHub()
	clock := func() time.Time { return testNow }
	queue := syncqueue.New(store, logging.Discard(), syncqueue.WithMirror(mirror), syncqueue.WithClock(clock))
	base := []Option{WithNotices(hub), WithClock(clock), WithMetrics(metrics.NewSyncMetrics(prometheus.NewRegistry()))}
	engine := New(queue, api, mirror, logging.Discard(), append(base, opts...)...)
	return harness{engine: engine, queue: queue, mirror: mirror, hub: hub, store: store}
}

func draft(name string, price int64) appointments.Draft {
	return appointments.Draft{
		ClientName:      name,
		ServiceName:     "Fade",
		Price:           decimal.NewFromInt(price),
		StartTime:       time.Date(2025, 1, 10, 10, 0, 0, 0, time.UTC),
		DurationMinutes: 30,
	}
}

func messages(h *notices.Hub) []string {
	var out []string
	for _, n := range h.Recent(0) {
		out = append(out, n.Message)
	}
	return out
}

func TestDrainOrderingAndReconciliation(t *testing.T) {
	api := newFakeAPI()
	h := newHarness(t, api)
	ctx := context.Background()

	appt, err := h.queue.EnqueueCreate(ctx, draft("Amy", 30))
	require.NoError(t, err)
	price := decimal.NewFromInt(50)
	_, err = h.queue.EnqueueUpdate(ctx, appt.ID, appointments.Patch{Price: &price})
	require.NoError(t, err)

	res, err := h.engine.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempted)
	assert.Equal(t, 2, res.Synced)
	assert.Zero(t, res.Remaining)

	calls := api.callLog()
	require.Len(t, calls, 2)
	assert.Equal(t, "POST", calls[0].method)
	assert.Equal(t, appt.ID, calls[0].id)
	assert.Equal(t, "PATCH", calls[1].method)
	assert.Equal(t, "901", calls[1].id, "update follows the create to its server id")

	_, found, err := h.queue.Appointments().Get(ctx, appt.ID)
	require.NoError(t, err)
	assert.False(t, found, "no orphan under the local id")

	stored, found, err := h.queue.Appointments().Get(ctx, "901")
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, stored.Price.Equal(price))
	assert.False(t, stored.IsOfflineCreated)

	mirrored, ok := h.mirror.Get("901")
	require.True(t, ok)
	assert.False(t, mirrored.IsOfflineCreated)
	_, ok = h.mirror.Get(appt.ID)
	assert.False(t, ok)

	actions, err := h.queue.Actions().All(ctx)
	require.NoError(t, err)
	assert.Empty(t, actions, "synced actions are removed")
	assert.Contains(t, messages(h.hub), notices.MsgSyncCompleted)
	assert.Contains(t, messages(h.hub), "2 changes waiting to sync")
}

func TestDrainDeleteNotFoundIsSuccess(t *testing.T) {
	api := newFakeAPI()
	api.deleteErr = &remoteapi.APIError{Status: 404, Path: "/appointments/55"}
	h := newHarness(t, api)
	ctx := context.Background()

	existing := appointments.Appointment{ID: "55", ClientName: "Bo", ServiceName: "Shave", StartTime: testNow.Add(time.Hour), DurationMinutes: 20, Status: appointments.StatusScheduled}
	require.NoError(t, h.queue.Appointments().Put(ctx, existing))
	h.mirror.Upsert(existing)

	require.NoError(t, h.queue.EnqueueDelete(ctx, "55"))
	res, err := h.engine.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Synced)
	assert.Zero(t, res.Failed)

	_, found, err := h.queue.Appointments().Get(ctx, "55")
	require.NoError(t, err)
	assert.False(t, found)
	_, ok := h.mirror.Get("55")
	assert.False(t, ok)
	assert.NotContains(t, messages(h.hub), notices.MsgSyncPartial)
}

func TestDrainDeleteServerErrorKeepsAppointment(t *testing.T) {
	api := newFakeAPI()
	api.deleteErr = &remoteapi.APIError{Status: 503, Path: "/appointments/55"}
	h := newHarness(t, api)
	ctx := context.Background()

	require.NoError(t, h.queue.Appointments().Put(ctx, appointments.Appointment{ID: "55", StartTime: testNow}))
	require.NoError(t, h.queue.EnqueueDelete(ctx, "55"))

	res, err := h.engine.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	stored, found, err := h.queue.Appointments().Get(ctx, "55")
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, stored.PendingDelete)
}

func TestConcurrentDrainDispatchesOnce(t *testing.T) {
	api := newFakeAPI()
	api.entered = make(chan struct{})
	api.release = make(chan struct{})
	h := newHarness(t, api)
	ctx := context.Background()

	_, err := h.queue.EnqueueCreate(ctx, draft("Amy", 30))
	require.NoError(t, err)

	first := make(chan error, 1)
	go func() {
		_, err := h.engine.Drain(ctx)
		first <- err
	}()
	<-api.entered
	assert.True(t, h.engine.Draining())
	assert.True(t, h.engine.Status().Draining)

	_, err = h.engine.Drain(ctx)
	assert.ErrorIs(t, err, ErrDrainInProgress)
	_, err = h.engine.SyncNow(ctx)
	assert.ErrorIs(t, err, ErrDrainInProgress)

	close(api.release)
	require.NoError(t, <-first)
	assert.False(t, h.engine.Draining(), "guard resets after the drain")

	posts := 0
	for _, c := range api.callLog() {
		if c.method == "POST" {
			posts++
		}
	}
	assert.Equal(t, 1, posts)
}

func TestPartialFailureIsolation(t *testing.T) {
	api := newFakeAPI()
	api.failNames["Bad"] = true
	h := newHarness(t, api)
	ctx := context.Background()

	_, err := h.queue.EnqueueCreate(ctx, draft("Amy", 30))
	require.NoError(t, err)
	bad, err := h.queue.EnqueueCreate(ctx, draft("Bad", 30))
	require.NoError(t, err)
	_, err = h.queue.EnqueueCreate(ctx, draft("Cal", 30))
	require.NoError(t, err)

	res, err := h.engine.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Attempted)
	assert.Equal(t, 2, res.Synced)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Remaining)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, bad.ID, res.Failures[0].AppointmentID)
	assert.ErrorIs(t, res.Failures[0], ErrActionSyncFailed)

	failed, err := h.queue.Failed(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, bad.ID, failed[0].AppointmentID())
	assert.Equal(t, 1, failed[0].Attempts)
	assert.NotEmpty(t, failed[0].LastError)
	assert.Contains(t, messages(h.hub), notices.MsgSyncPartial)

	// a plain drain leaves errored actions alone
	res, err = h.engine.Drain(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Attempted)

	delete(api.failNames, "Bad")
	res, err = h.engine.SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Synced)
	assert.Zero(t, res.Remaining)
}

func TestDependentsOfFailedCreateAreBlocked(t *testing.T) {
	api := newFakeAPI()
	api.failNames["Amy"] = true
	h := newHarness(t, api)
	ctx := context.Background()

	appt, err := h.queue.EnqueueCreate(ctx, draft("Amy", 30))
	require.NoError(t, err)
	notes := "skin fade"
	_, err = h.queue.EnqueueUpdate(ctx, appt.ID, appointments.Patch{Notes: &notes})
	require.NoError(t, err)
	require.NoError(t, h.queue.EnqueueDelete(ctx, appt.ID))

	res, err := h.engine.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 2, res.Blocked)
	assert.Equal(t, 3, res.Remaining)
	assert.Len(t, api.callLog(), 1, "blocked actions never reach the API")

	pending, err := h.queue.Pending(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	delete(api.failNames, "Amy")
	res, err = h.engine.SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Synced)
	assert.Zero(t, res.Blocked)

	calls := api.callLog()
	require.Len(t, calls, 4)
	assert.Equal(t, []string{"POST", "PATCH", "DELETE"}, []string{calls[1].method, calls[2].method, calls[3].method})
	assert.Equal(t, "901", calls[3].id)

	_, found, err := h.queue.Appointments().Get(ctx, "901")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Zero(t, h.mirror.Len())
}

func TestRestoreRecoversInterruptedActions(t *testing.T) {
	api := newFakeAPI()
	h := newHarness(t, api)
	ctx := context.Background()

	_, err := h.queue.EnqueueCreate(ctx, draft("Amy", 30))
	require.NoError(t, err)
	pending, err := h.queue.Pending(ctx)
	require.NoError(t, err)
	stuck := pending[0]
	require.NoError(t, stuck.Advance(syncqueue.StatusSyncing, testNow))
	require.NoError(t, h.queue.Save(ctx, stuck))

	// a fresh process over the same store
	mirror := schedule.NewMirror(time.UTC)
	queue := syncqueue.New(h.store, logging.Discard(), syncqueue.WithMirror(mirror))
	engine := New(queue, api, mirror, logging.Discard(), WithNotices(h.hub), WithDegraded(true))
	require.NoError(t, engine.Restore(ctx))

	assert.Equal(t, 1, mirror.Len())
	failed, err := queue.Failed(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, syncqueue.InterruptedError, failed[0].LastError)
	assert.True(t, engine.Status().Degraded)
	assert.Contains(t, messages(h.hub), notices.MsgStorageUnavailable)
}

func TestRefreshMergesServerState(t *testing.T) {
	api := newFakeAPI()
	h := newHarness(t, api)
	ctx := context.Background()

	day := testNow
	mk := func(id, name string, hour int) appointments.Appointment {
		a := appointments.Appointment{ID: id, ClientName: name, ServiceName: "Cut", StartTime: time.Date(2025, 1, 10, hour, 0, 0, 0, time.UTC), DurationMinutes: 30, Status: appointments.StatusScheduled}
		a.DeriveEndTime()
		return a
	}
	require.NoError(t, h.queue.Appointments().Put(ctx, mk("400", "Gone", 9)))
	require.NoError(t, h.queue.Appointments().Put(ctx, mk("401", "Edited locally", 11)))
	_, err := h.queue.EnqueueUpdate(ctx, "401", appointments.Patch{Notes: strPtr("local")})
	require.NoError(t, err)
	local, err := h.queue.EnqueueCreate(ctx, draft("Offline", 30))
	require.NoError(t, err)

	api.server = []appointments.Appointment{mk("401", "Server copy", 11), mk("500", "New", 13)}
	out, err := h.engine.Refresh(ctx, day)
	require.NoError(t, err)
	assert.Equal(t, RefreshResult{Upserted: 1, Removed: 1, Skipped: 1}, out)

	_, found, err := h.queue.Appointments().Get(ctx, "400")
	require.NoError(t, err)
	assert.False(t, found)

	kept, _, err := h.queue.Appointments().Get(ctx, "401")
	require.NoError(t, err)
	assert.Equal(t, "Edited locally", kept.ClientName, "appointments with queued changes are not overwritten")

	_, ok := h.mirror.Get("500")
	assert.True(t, ok)
	_, ok = h.mirror.Get(local.ID)
	assert.True(t, ok, "local-only appointments survive a pull")
}

func TestDrainPullsAfterCleanSync(t *testing.T) {
	api := newFakeAPI()
	h := newHarness(t, api, WithPull(true, ""))
	ctx := context.Background()

	_, err := h.queue.EnqueueCreate(ctx, draft("Amy", 30))
	require.NoError(t, err)
	_, err = h.engine.Drain(ctx)
	require.NoError(t, err)

	calls := api.callLog()
	require.Len(t, calls, 2)
	assert.Equal(t, "GET", calls[1].method)
}

func TestScenarioOfflineCreateThenReconnect(t *testing.T) {
	api := newFakeAPI()
	h := newHarness(t, api)
	ctx := context.Background()

	online := false
	var mu sync.Mutex
	monitor := netmonitor.New(netmonitor.ProberFunc(func(context.Context) error {
		mu.Lock()
		defer mu.Unlock()
		if !online {
			return errors.New("offline")
		}
		return nil
	}), logging.Discard(), netmonitor.WithNotices(h.hub))
	monitor.AddListener(h.engine)

	monitor.Check(ctx)
	assert.False(t, h.engine.Status().Online)

	appt, err := h.queue.EnqueueCreate(ctx, appointments.Draft{
		ClientName:      "Amy",
		ServiceName:     "Fade",
		Price:           decimal.NewFromInt(30),
		StartTime:       time.Date(2025, 1, 10, 10, 0, 0, 0, time.UTC),
		DurationMinutes: 30,
	})
	require.NoError(t, err)
	today := h.mirror.Today(testNow)
	require.Len(t, today, 1)
	assert.True(t, today[0].IsOfflineCreated)
	assert.Empty(t, api.callLog(), "nothing is sent while offline")

	mu.Lock()
	online = true
	mu.Unlock()
	monitor.Check(ctx)

	assert.True(t, h.engine.Status().Online)
	today = h.mirror.Today(testNow)
	require.Len(t, today, 1)
	assert.Equal(t, "901", today[0].ID)
	assert.NotEqual(t, appt.ID, today[0].ID)
	assert.False(t, today[0].IsOfflineCreated)

	msgs := messages(h.hub)
	assert.Contains(t, msgs, notices.MsgOffline)
	assert.Contains(t, msgs, notices.MsgReconnected)
	assert.Contains(t, msgs, notices.MsgSyncCompleted)
}

func TestRedisGuard(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	ctx := context.Background()

	one := NewRedisGuard(client, "desk", time.Minute)
	two := NewRedisGuard(client, "desk", time.Minute)

	release, err := one.Acquire(ctx)
	require.NoError(t, err)
	_, err = two.Acquire(ctx)
	assert.ErrorIs(t, err, ErrDrainInProgress)

	// an engine in another process sees the lock and stays out
	api := newFakeAPI()
	h := newHarness(t, api, WithGuard(two))
	_, err = h.queue.EnqueueCreate(ctx, draft("Amy", 30))
	require.NoError(t, err)
	_, err = h.engine.Drain(ctx)
	assert.ErrorIs(t, err, ErrDrainInProgress)
	assert.Empty(t, api.callLog())
	assert.False(t, h.engine.Draining())

	release()
	res, err := h.engine.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Synced)
}

func strPtr(s string) *string { return &s }
