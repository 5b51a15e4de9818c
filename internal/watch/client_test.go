package watch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ch0002ic/balanced-corridor-planner/internal/domain"
	"github.com/ch0002ic/balanced-corridor-planner/internal/protocol"
)

// stateServer sends a state envelope carrying its connection number on every
// connect and answers pings unless silent is set.
type stateServer struct {
	mu     sync.Mutex
	conns  []*websocket.Conn
	silent bool
	srv    *httptest.Server
}

func newStateServer(t *testing.T, silent bool) *stateServer {
	t.Helper()
	s := &stateServer{silent: silent}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		n := len(s.conns)
		s.mu.Unlock()

		conn.WriteJSON(protocol.Must(protocol.TypeState, "", protocol.StatePayload{
			State:     domain.RunStateRunning,
			Canonical: domain.CanonicalState{Total: 100, Completed: n},
		}))
		go func() {
			for {
				var env protocol.Envelope
				if err := conn.ReadJSON(&env); err != nil {
					return
				}
				if env.Type == protocol.TypePing && !s.silent {
					conn.WriteJSON(protocol.Must(protocol.TypePong, "", nil))
				}
			}
		}()
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *stateServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *stateServer) connCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *stateServer) dropAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.Close()
	}
}

type recorder struct {
	mu   sync.Mutex
	envs []protocol.Envelope
}

func (r *recorder) observe(env protocol.Envelope) {
	r.mu.Lock()
	r.envs = append(r.envs, env)
	r.mu.Unlock()
}

func (r *recorder) states() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []int
	for _, env := range r.envs {
		if env.Type != protocol.TypeState {
			continue
		}
		var p protocol.StatePayload
		env.Decode(&p)
		out = append(out, p.Canonical.Completed)
	}
	return out
}

func (r *recorder) has(msgType string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, env := range r.envs {
		if env.Type == msgType {
			return true
		}
	}
	return false
}

func fastOptions(url string) Options {
	return Options{
		URL:            url,
		ReconnectDelay: 20 * time.Millisecond,
		MaxAttempts:    3,
		PingInterval:   time.Second,
		PongTimeout:    time.Second,
		Logger:         zerolog.Nop(),
	}
}

func TestReconnectDeliversFreshState(t *testing.T) {
	srv := newStateServer(t, false)
	client := New(fastOptions(srv.url()))
	rec := &recorder{}
	client.Subscribe(rec.observe)

	require.NoError(t, client.Connect(context.Background()))
	t.Cleanup(client.Disconnect)

	require.Eventually(t, func() bool { return len(rec.states()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, client.Connected())

	srv.dropAll()

	require.Eventually(t, func() bool { return len(rec.states()) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []int{1, 2}, rec.states())
	assert.False(t, rec.has(protocol.TypeChannelUnavailable))
}

func TestPongIsDelivered(t *testing.T) {
	srv := newStateServer(t, false)
	client := New(fastOptions(srv.url()))
	rec := &recorder{}
	client.Subscribe(rec.observe)

	require.NoError(t, client.Connect(context.Background()))
	t.Cleanup(client.Disconnect)

	assert.Eventually(t, func() bool { return rec.has(protocol.TypePong) }, 2*time.Second, 10*time.Millisecond)
}

func TestChannelUnavailableAfterMaxAttempts(t *testing.T) {
	srv := newStateServer(t, false)
	client := New(fastOptions(srv.url()))
	rec := &recorder{}
	client.Subscribe(rec.observe)

	require.NoError(t, client.Connect(context.Background()))
	t.Cleanup(client.Disconnect)
	require.Eventually(t, func() bool { return len(rec.states()) == 1 }, 2*time.Second, 10*time.Millisecond)

	srv.dropAll()
	srv.srv.Close()

	require.Eventually(t, func() bool { return rec.has(protocol.TypeChannelUnavailable) }, 3*time.Second, 10*time.Millisecond)
	assert.False(t, client.Connected())

	rec.mu.Lock()
	last := rec.envs[len(rec.envs)-1]
	rec.mu.Unlock()
	var p protocol.ChannelUnavailablePayload
	require.NoError(t, last.Decode(&p))
	assert.Equal(t, 3, p.Attempts)
}

func TestConnectAgainAfterGivingUp(t *testing.T) {
	srv := newStateServer(t, false)
	client := New(fastOptions(srv.url()))
	rec := &recorder{}
	client.Subscribe(rec.observe)

	require.NoError(t, client.Connect(context.Background()))
	t.Cleanup(client.Disconnect)
	require.Eventually(t, func() bool { return len(rec.states()) == 1 }, 2*time.Second, 10*time.Millisecond)

	srv.dropAll()
	srv.srv.Close()
	require.Eventually(t, func() bool { return rec.has(protocol.TypeChannelUnavailable) }, 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		client.mu.Lock()
		defer client.mu.Unlock()
		return client.done == nil
	}, time.Second, 10*time.Millisecond)

	next := newStateServer(t, false)
	client.opts.URL = next.url()
	require.NoError(t, client.Connect(context.Background()))
	require.Eventually(t, func() bool { return len(rec.states()) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, client.Connected())
}

func TestSilentServerTriggersReconnect(t *testing.T) {
	srv := newStateServer(t, true)
	opts := fastOptions(srv.url())
	opts.PingInterval = 50 * time.Millisecond
	opts.PongTimeout = 50 * time.Millisecond
	client := New(opts)

	require.NoError(t, client.Connect(context.Background()))
	t.Cleanup(client.Disconnect)

	assert.Eventually(t, func() bool { return srv.connCount() >= 2 }, 3*time.Second, 10*time.Millisecond)
}

func TestUnsubscribeAndDisconnect(t *testing.T) {
	srv := newStateServer(t, false)
	client := New(fastOptions(srv.url()))
	rec := &recorder{}
	unsubscribe := client.Subscribe(rec.observe)
	unsubscribe()

	require.NoError(t, client.Connect(context.Background()))
	assert.ErrorIs(t, client.Connect(context.Background()), ErrConnected)
	require.Eventually(t, func() bool { return srv.connCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	client.Disconnect()
	assert.False(t, client.Connected())
	assert.Empty(t, rec.states())

	// idempotent
	client.Disconnect()
}

func TestConnectFailure(t *testing.T) {
	client := New(Options{URL: "ws://127.0.0.1:1/ws", Logger: zerolog.Nop()})
	assert.Error(t, client.Connect(context.Background()))
	assert.False(t, client.Connected())
}
