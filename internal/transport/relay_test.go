package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/InsulaLabs/taskboard/internal/relay"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func startRelayHub(t *testing.T) (*relay.Hub, *httptest.Server) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	hub := relay.NewHub(ctx, relay.Config{Logger: testLogger()})
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return hub, srv
}

func testRelayConfig(url string) RelayConfig {
	return RelayConfig{
		URL:        url,
		Logger:     testLogger(),
		MinBackoff: 10 * time.Millisecond,
		MaxBackoff: 50 * time.Millisecond,
	}
}

func waitConnected(t *testing.T, r *Relay) {
	t.Helper()
	require.Eventually(t, func() bool { return r.State() == RelayConnected },
		2*time.Second, 5*time.Millisecond)
}

func TestRelayDeliversToOtherContexts(t *testing.T) {
	hub, srv := startRelayHub(t)
	ctx := context.Background()

	regA, recA := newContext(t)
	regB, recB := newContext(t)

	a, err := NewRelay(ctx, testRelayConfig(wsURL(srv)), regA)
	require.NoError(t, err)
	defer a.Close()
	b, err := NewRelay(ctx, testRelayConfig(wsURL(srv)), regB)
	require.NoError(t, err)
	defer b.Close()

	waitConnected(t, a)
	waitConnected(t, b)
	require.Eventually(t, func() bool { return hub.Connections() == 2 }, 2*time.Second, 5*time.Millisecond)

	env := stamp(t, 1, map[string]any{"progress": 80})
	require.NoError(t, a.Send(ctx, env))
	require.Equal(t, 1, recA.count())

	require.Eventually(t, func() bool { return recB.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, env, recB.envelopes()[0])

	settle()
	assert.Equal(t, 1, recA.count())
}

func TestRelayInboundOrderAndMalformed(t *testing.T) {
	hub, srv := startRelayHub(t)
	ctx := context.Background()

	reg, rec := newContext(t)
	r, err := NewRelay(ctx, testRelayConfig(wsURL(srv)), reg)
	require.NoError(t, err)
	defer r.Close()
	waitConnected(t, r)

	raw, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.NoError(t, err)
	defer raw.Close()
	require.Eventually(t, func() bool { return hub.Connections() == 2 }, 2*time.Second, 5*time.Millisecond)

	first := stamp(t, 1, map[string]any{"progress": 10})
	second := stamp(t, 2, map[string]any{"progress": 20})
	firstRaw, err := first.MarshalJSON()
	require.NoError(t, err)
	secondRaw, err := second.MarshalJSON()
	require.NoError(t, err)

	require.NoError(t, raw.WriteMessage(websocket.TextMessage, firstRaw))
	require.NoError(t, raw.WriteMessage(websocket.TextMessage, []byte("{broken")))
	require.NoError(t, raw.WriteMessage(websocket.TextMessage, []byte(`{"kind":"task_updated"}`)))
	require.NoError(t, raw.WriteMessage(websocket.TextMessage, secondRaw))

	require.Eventually(t, func() bool { return rec.count() == 2 }, 2*time.Second, 5*time.Millisecond)
	got := rec.envelopes()
	assert.Equal(t, first, got[0])
	assert.Equal(t, second, got[1])
	assert.Equal(t, RelayConnected, r.State())
}

func TestRelayReconnectsAfterDrop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := relay.NewHub(ctx, relay.Config{Logger: testLogger()})

	// The first two connection attempts are refused and the third is
	// accepted and then cut, so the relay has to keep trying.
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch attempts.Add(1) {
		case 1, 2:
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
		case 3:
			conn, err := (&websocket.Upgrader{}).Upgrade(w, r, nil)
			if err == nil {
				conn.Close()
			}
		default:
			hub.ServeHTTP(w, r)
		}
	}))
	defer srv.Close()

	regA, _ := newContext(t)
	a, err := NewRelay(ctx, testRelayConfig(wsURL(srv)), regA)
	require.NoError(t, err)
	defer a.Close()

	require.Eventually(t, func() bool { return hub.Connections() == 1 }, 5*time.Second, 10*time.Millisecond)
	waitConnected(t, a)
	assert.GreaterOrEqual(t, attempts.Load(), int32(4))

	peer, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.NoError(t, err)
	defer peer.Close()
	require.Eventually(t, func() bool { return hub.Connections() == 2 }, 2*time.Second, 5*time.Millisecond)

	env := stamp(t, 3, map[string]any{"status": "Done"})
	require.NoError(t, a.Send(ctx, env))

	peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := peer.ReadMessage()
	require.NoError(t, err)
	want, err := env.MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, string(want), string(msg))
}

func TestRelayQueuesWhileDisconnected(t *testing.T) {
	reg, rec := newContext(t)
	cfg := testRelayConfig("ws://127.0.0.1:1/realtime/ws")
	cfg.SendBuffer = 2

	r, err := NewRelay(context.Background(), cfg, reg)
	require.NoError(t, err)
	defer r.Close()

	ctx := context.Background()
	require.NoError(t, r.Send(ctx, stamp(t, 1, nil)))
	require.NoError(t, r.Send(ctx, stamp(t, 2, nil)))
	assert.ErrorIs(t, r.Send(ctx, stamp(t, 3, nil)), ErrSendQueueFull)

	// Every send still reaches local listeners.
	assert.Equal(t, 3, rec.count())
	assert.NotEqual(t, RelayConnected, r.State())
}

func TestRelayClose(t *testing.T) {
	_, srv := startRelayHub(t)
	reg, rec := newContext(t)

	r, err := NewRelay(context.Background(), testRelayConfig(wsURL(srv)), reg)
	require.NoError(t, err)
	waitConnected(t, r)

	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
	assert.Equal(t, RelayClosed, r.State())

	assert.ErrorIs(t, r.Send(context.Background(), stamp(t, 1, nil)), ErrClosed)
	assert.Equal(t, 1, rec.count())
}

func TestRelayWaitConnected(t *testing.T) {
	_, srv := startRelayHub(t)
	reg, _ := newContext(t)

	r, err := NewRelay(context.Background(), testRelayConfig(wsURL(srv)), reg)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, r.WaitConnected(ctx))

	require.NoError(t, r.Close())
	assert.ErrorIs(t, r.WaitConnected(context.Background()), ErrClosed)

	down, err := NewRelay(context.Background(), testRelayConfig("ws://127.0.0.1:1/realtime/ws"), reg)
	require.NoError(t, err)
	defer down.Close()
	short, cancelShort := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancelShort()
	assert.ErrorIs(t, down.WaitConnected(short), context.DeadlineExceeded)
}

func TestRelayCloseFlushesQueuedUpdates(t *testing.T) {
	hub, srv := startRelayHub(t)
	ctx := context.Background()

	regA, _ := newContext(t)
	regB, recB := newContext(t)

	a, err := NewRelay(ctx, testRelayConfig(wsURL(srv)), regA)
	require.NoError(t, err)
	b, err := NewRelay(ctx, testRelayConfig(wsURL(srv)), regB)
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, a.WaitConnected(ctx))
	require.NoError(t, b.WaitConnected(ctx))
	require.Eventually(t, func() bool { return hub.Connections() == 2 }, 2*time.Second, 5*time.Millisecond)

	for i := int64(1); i <= 3; i++ {
		require.NoError(t, a.Send(ctx, stamp(t, i, nil)))
	}
	require.NoError(t, a.Close())

	require.Eventually(t, func() bool { return recB.count() == 3 }, 2*time.Second, 5*time.Millisecond)
}

func TestRelayReconnectsWhenRelayGoesSilent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Accept the upgrade and then never read, so pings go unanswered.
	var (
		mu       sync.Mutex
		held     []*websocket.Conn
		attempts atomic.Int32
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		conn, err := (&websocket.Upgrader{}).Upgrade(w, r, nil)
		if err != nil {
			return
		}
		mu.Lock()
		held = append(held, conn)
		mu.Unlock()
	}))
	defer func() {
		mu.Lock()
		for _, c := range held {
			c.Close()
		}
		mu.Unlock()
		srv.Close()
	}()

	reg, _ := newContext(t)
	cfg := testRelayConfig(wsURL(srv))
	cfg.PingPeriod = 50 * time.Millisecond
	cfg.PongWait = 150 * time.Millisecond
	r, err := NewRelay(ctx, cfg, reg)
	require.NoError(t, err)
	defer r.Close()

	waitConnected(t, r)
	require.Eventually(t, func() bool { return attempts.Load() >= 3 }, 3*time.Second, 10*time.Millisecond)
}

func TestRelayStaysConnectedWhileRelayAnswersPings(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := relay.NewHub(ctx, relay.Config{Logger: testLogger()})

	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		hub.ServeHTTP(w, r)
	}))
	defer srv.Close()

	reg, _ := newContext(t)
	cfg := testRelayConfig(wsURL(srv))
	cfg.PingPeriod = 50 * time.Millisecond
	cfg.PongWait = 150 * time.Millisecond
	r, err := NewRelay(ctx, cfg, reg)
	require.NoError(t, err)
	defer r.Close()

	waitConnected(t, r)
	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, RelayConnected, r.State())
	assert.Equal(t, int32(1), attempts.Load())
}
