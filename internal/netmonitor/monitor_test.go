package netmonitor

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/barber-sync/internal/notices"
	"github.com/wolfman30/barber-sync/internal/remoteapi"
	"github.com/wolfman30/barber-sync/pkg/logging"
)

type countingListener struct {
	mu      sync.Mutex
	online  int
	offline int
}

func (l *countingListener) OnOnline(context.Context) {
	l.mu.Lock()
	l.online++
	l.mu.Unlock()
}

func (l *countingListener) OnOffline(context.Context) {
	l.mu.Lock()
	l.offline++
	l.mu.Unlock()
}

func (l *countingListener) counts() (int, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.online, l.offline
}

func TestReportTransitions(t *testing.T) {
	hub := notices.NewHub()
	listener := &countingListener{}
	m := New(ProberFunc(func(context.Context) error { return nil }), logging.Discard(), WithNotices(hub))
	m.AddListener(listener)
	ctx := context.Background()

	assert.Equal(t, StateUnknown, m.State())
	assert.True(t, m.Report(ctx, true), "first observation is a transition")
	assert.False(t, m.Report(ctx, true))
	assert.True(t, m.Report(ctx, false))
	assert.False(t, m.Report(ctx, false))
	assert.True(t, m.Report(ctx, true))

	on, off := listener.counts()
	assert.Equal(t, 2, on)
	assert.Equal(t, 1, off)

	recent := hub.Recent(0)
	require.Len(t, recent, 2)
	assert.Equal(t, notices.MsgOffline, recent[0].Message)
	assert.Equal(t, notices.MsgReconnected, recent[1].Message)
}

func TestCheckUsesProber(t *testing.T) {
	var fail atomic.Bool
	m := New(ProberFunc(func(context.Context) error {
		if fail.Load() {
			return errors.New("dial tcp: connection refused")
		}
		return nil
	}), logging.Discard())

	assert.Equal(t, StateOnline, m.Check(context.Background()))
	fail.Store(true)
	assert.Equal(t, StateOffline, m.Check(context.Background()))
	assert.False(t, m.Online())
}

func TestCheckIgnoresCancelledContext(t *testing.T) {
	m := New(ProberFunc(func(ctx context.Context) error { return ctx.Err() }), logging.Discard())
	m.Report(context.Background(), true)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Equal(t, StateOnline, m.Check(ctx))
}

func TestRunAgainstHTTPProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	listener := &countingListener{}
	client := remoteapi.NewClient(srv.URL, logging.Discard())
	m := New(APIProber(client, "/health"), logging.Discard(), WithInterval(10*time.Millisecond))
	m.AddListener(listener)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, func() bool {
		on, _ := listener.counts()
		return on == 1
	}, time.Second, 5*time.Millisecond)

	srv.CloseClientConnections()
	srv.Close()
	require.Eventually(t, func() bool {
		_, off := listener.counts()
		return off == 1
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}
