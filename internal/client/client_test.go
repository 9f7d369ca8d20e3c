package client

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lalith-99/chatrelay/internal/auth"
	"github.com/lalith-99/chatrelay/internal/wire"
)

type fakeTransport struct {
	inbound chan []byte

	mu      sync.Mutex
	written [][]byte

	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbound: make(chan []byte, 16),
		closed:  make(chan struct{}),
	}
}

func (f *fakeTransport) ReadMessage() (int, []byte, error) {
	select {
	case data := <-f.inbound:
		return 1, data, nil
	case <-f.closed:
		return 0, nil, net.ErrClosed
	}
}

func (f *fakeTransport) WriteMessage(_ int, data []byte) error {
	select {
	case <-f.closed:
		return net.ErrClosed
	default:
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, append([]byte(nil), data...))
	return nil
}

func (f *fakeTransport) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) frames(t *testing.T) []wire.Frame {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]wire.Frame, 0, len(f.written))
	for _, data := range f.written {
		var fr wire.Frame
		require.NoError(t, json.Unmarshal(data, &fr))
		out = append(out, fr)
	}
	return out
}

// fakeDialer fails the first failFirst attempts, then hands out fresh
// transports.
type fakeDialer struct {
	mu         sync.Mutex
	attempts   int
	failFirst  int
	failAll    bool
	transports []*fakeTransport
}

func (d *fakeDialer) Dial(context.Context, string) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attempts++
	if d.failAll || d.attempts <= d.failFirst {
		return nil, errors.New("connection refused")
	}
	transport := newFakeTransport()
	d.transports = append(d.transports, transport)
	return transport, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts
}

func (d *fakeDialer) latest() *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.transports) == 0 {
		return nil
	}
	return d.transports[len(d.transports)-1]
}

type fixture struct {
	client *Client
	dialer *fakeDialer
	clock  *clock.Mock
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	if opts.URL == "" {
		opts.URL = "ws://relay.test/ws"
	}
	if opts.Credentials == (auth.Credentials{}) {
		opts.Credentials = auth.Credentials{Token: "staff-token"}
	}
	dialer := &fakeDialer{}
	mockClock := clock.NewMock()
	return &fixture{
		client: New(opts, dialer, mockClock, zap.NewNop()),
		dialer: dialer,
		clock:  mockClock,
	}
}

// settle lets the client's goroutines observe mock-clock state.
func settle() {
	time.Sleep(5 * time.Millisecond)
}

func TestConnectSendsAuthAndEmitsOpen(t *testing.T) {
	fx := newFixture(t, Options{})

	var opened bool
	fx.client.On(EventOpen, func(any) { opened = true })

	require.NoError(t, fx.client.Connect(context.Background()))

	assert.Equal(t, StateOpen, fx.client.State())
	assert.True(t, opened)

	frames := fx.dialer.latest().frames(t)
	require.NotEmpty(t, frames)
	assert.Equal(t, wire.FrameAuth, frames[0].Type)
	require.NotNil(t, frames[0].Credentials)
	assert.Equal(t, "staff-token", frames[0].Credentials.Token)
}

func TestConnectIsIdempotent(t *testing.T) {
	fx := newFixture(t, Options{})

	require.NoError(t, fx.client.Connect(context.Background()))
	require.NoError(t, fx.client.Connect(context.Background()))

	assert.Equal(t, 1, fx.dialer.dialCount())
}

func TestReconnectBackoffSchedule(t *testing.T) {
	fx := newFixture(t, Options{
		BaseInterval: 3 * time.Second,
		MaxAttempts:  5,
		MaxDelay:     30 * time.Second,
	})
	fx.dialer.failAll = true

	var mu sync.Mutex
	var delays []time.Duration
	fx.client.On(EventReconnecting, func(data any) {
		info := data.(ReconnectInfo)
		mu.Lock()
		delays = append(delays, info.Delay)
		mu.Unlock()
	})

	require.Error(t, fx.client.Connect(context.Background()))

	// Walk the clock through every scheduled retry; each one fails and
	// schedules the next.
	expected := []time.Duration{
		3 * time.Second,
		4500 * time.Millisecond,
		6750 * time.Millisecond,
		10125 * time.Millisecond,
		15187500 * time.Microsecond,
	}
	for _, d := range expected {
		settle()
		fx.clock.Add(d)
	}
	settle()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, expected, delays)
	assert.Equal(t, StateClosed, fx.client.State(), "exhausted attempts leave the client terminal")
	assert.Equal(t, 6, fx.dialer.dialCount())
}

func TestTerminalStateSticksUntilExplicitConnect(t *testing.T) {
	fx := newFixture(t, Options{BaseInterval: time.Second, MaxAttempts: 1})
	fx.dialer.failAll = true

	require.Error(t, fx.client.Connect(context.Background()))
	settle()
	fx.clock.Add(time.Second)
	settle()
	require.Equal(t, StateClosed, fx.client.State())

	before := fx.dialer.dialCount()
	fx.clock.Add(time.Minute)
	settle()
	assert.Equal(t, before, fx.dialer.dialCount(), "terminal client must not dial on its own")

	fx.dialer.failAll = false
	require.NoError(t, fx.client.Connect(context.Background()))
	assert.Equal(t, StateOpen, fx.client.State())
}

func TestReconnectCountResetsOnlyOnOpen(t *testing.T) {
	fx := newFixture(t, Options{BaseInterval: time.Second, MaxAttempts: 5})
	fx.dialer.failFirst = 2

	require.Error(t, fx.client.Connect(context.Background()))
	assert.Equal(t, 1, fx.client.ReconnectCount())

	settle()
	fx.clock.Add(time.Second)
	settle()
	assert.Equal(t, 2, fx.client.ReconnectCount())

	fx.clock.Add(1500 * time.Millisecond)
	settle()

	assert.Equal(t, StateOpen, fx.client.State())
	assert.Equal(t, 0, fx.client.ReconnectCount())
}

func TestDisconnectCancelsReconnectAndDisablesRetry(t *testing.T) {
	fx := newFixture(t, Options{BaseInterval: time.Second, MaxAttempts: 5})
	fx.dialer.failAll = true

	require.Error(t, fx.client.Connect(context.Background()))
	fx.client.Disconnect()

	before := fx.dialer.dialCount()
	fx.clock.Add(time.Minute)
	settle()

	assert.Equal(t, before, fx.dialer.dialCount())
	assert.Equal(t, StateIdle, fx.client.State())
}

func TestFramesQueuedWhileDisconnectedFlushInOrder(t *testing.T) {
	fx := newFixture(t, Options{BaseInterval: time.Second, MaxAttempts: 5})
	fx.dialer.failFirst = 1

	require.Error(t, fx.client.Connect(context.Background()))

	require.NoError(t, fx.client.Send(&wire.Frame{Type: wire.FrameSendMessage, Content: "first"}))
	require.NoError(t, fx.client.Send(&wire.Frame{Type: wire.FrameSendMessage, Content: "second"}))
	assert.Equal(t, 2, fx.client.QueuedFrames())

	settle()
	fx.clock.Add(time.Second)
	settle()

	require.Equal(t, StateOpen, fx.client.State())
	assert.Zero(t, fx.client.QueuedFrames())

	frames := fx.dialer.latest().frames(t)
	require.Len(t, frames, 3)
	assert.Equal(t, wire.FrameAuth, frames[0].Type)
	assert.Equal(t, "first", frames[1].Content)
	assert.Equal(t, "second", frames[2].Content)
}

func TestQueueOverflowDropsOldest(t *testing.T) {
	fx := newFixture(t, Options{SendQueueSize: 2, MaxAttempts: 5})
	fx.dialer.failAll = true

	_ = fx.client.Connect(context.Background())
	for _, content := range []string{"a", "b", "c"} {
		require.NoError(t, fx.client.Send(&wire.Frame{Type: wire.FrameSendMessage, Content: content}))
	}

	assert.Equal(t, 2, fx.client.QueuedFrames())

	fx.dialer.failAll = false
	settle()
	fx.clock.Add(3 * time.Second)
	settle()

	frames := fx.dialer.latest().frames(t)
	require.Len(t, frames, 3)
	assert.Equal(t, "b", frames[1].Content, "oldest frame must be the one dropped")
	assert.Equal(t, "c", frames[2].Content)
}

func TestHeartbeatSendsPings(t *testing.T) {
	fx := newFixture(t, Options{HeartbeatInterval: 30 * time.Second})

	require.NoError(t, fx.client.Connect(context.Background()))
	settle()
	fx.clock.Add(30 * time.Second)

	require.Eventually(t, func() bool {
		for _, fr := range fx.dialer.latest().frames(t) {
			if fr.Type == wire.FramePing {
				return true
			}
		}
		return false
	}, time.Second, 2*time.Millisecond)
}

func TestInboundFramesDispatchInOrder(t *testing.T) {
	fx := newFixture(t, Options{})

	var mu sync.Mutex
	var got []string
	fx.client.On(EventMessage, func(data any) {
		frame := data.(*wire.Frame)
		mu.Lock()
		got = append(got, frame.Content)
		mu.Unlock()
	})

	require.NoError(t, fx.client.Connect(context.Background()))
	transport := fx.dialer.latest()
	transport.inbound <- []byte(`{"type":"new_message","content":"one"}`)
	transport.inbound <- []byte(`{"type":"new_message","content":"two"}`)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, time.Second, 2*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"one", "two"}, got)
}

func TestServerPingAnsweredWithPong(t *testing.T) {
	fx := newFixture(t, Options{})

	require.NoError(t, fx.client.Connect(context.Background()))
	transport := fx.dialer.latest()
	transport.inbound <- []byte(`{"type":"ping"}`)

	require.Eventually(t, func() bool {
		for _, fr := range transport.frames(t) {
			if fr.Type == wire.FramePong {
				return true
			}
		}
		return false
	}, time.Second, 2*time.Millisecond)
}

func TestUnexpectedCloseTriggersReconnect(t *testing.T) {
	fx := newFixture(t, Options{BaseInterval: time.Second, MaxAttempts: 5})

	var mu sync.Mutex
	var reconnecting bool
	fx.client.On(EventReconnecting, func(any) {
		mu.Lock()
		reconnecting = true
		mu.Unlock()
	})

	require.NoError(t, fx.client.Connect(context.Background()))
	first := fx.dialer.latest()
	first.Close()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return reconnecting
	}, time.Second, 2*time.Millisecond)

	settle()
	fx.clock.Add(time.Second)
	settle()

	assert.Equal(t, StateOpen, fx.client.State())
	assert.Equal(t, 2, fx.dialer.dialCount())
	assert.NotSame(t, first, fx.dialer.latest())
}
