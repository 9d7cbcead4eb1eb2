package session

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type closeEvent struct {
	code   int
	reason string
}

type recorder struct {
	opened   chan struct{}
	messages chan string
	closes   chan closeEvent
	errs     chan error
}

func newRecorder() *recorder {
	return &recorder{
		opened:   make(chan struct{}, 4),
		messages: make(chan string, 16),
		closes:   make(chan closeEvent, 4),
		errs:     make(chan error, 4),
	}
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnOpen:    func() { r.opened <- struct{}{} },
		OnMessage: func(payload string) { r.messages <- payload },
		OnClose:   func(code int, reason string) { r.closes <- closeEvent{code: code, reason: reason} },
		OnError:   func(err error) { r.errs <- err },
	}
}

func receive[T any](t *testing.T, ch chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for callback")
	}
	var zero T
	return zero
}

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// newServer starts a websocket server at /chat/{id} running handle for each connection.
func newServer(t *testing.T, handle func(conn *websocket.Conn)) (*httptest.Server, *atomic.Value) {
	t.Helper()
	lastPath := &atomic.Value{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lastPath.Store(r.URL.Path)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handle(conn)
	}))
	return srv, lastPath
}

func echo(conn *websocket.Conn) {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if err := conn.WriteMessage(mt, data); err != nil {
			return
		}
	}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/chat"
}

type countingDialer struct {
	inner Dialer
	dials atomic.Int32
}

func (d *countingDialer) DialContext(ctx context.Context, urlStr string, h http.Header) (*websocket.Conn, *http.Response, error) {
	d.dials.Add(1)
	return d.inner.DialContext(ctx, urlStr, h)
}

type failingDialer struct{}

func (failingDialer) DialContext(context.Context, string, http.Header) (*websocket.Conn, *http.Response, error) {
	return nil, nil, errors.New("connection refused")
}

type blockingDialer struct{}

func (blockingDialer) DialContext(ctx context.Context, _ string, _ http.Header) (*websocket.Conn, *http.Response, error) {
	<-ctx.Done()
	return nil, nil, ctx.Err()
}

func TestOpenSendReceiveClose(t *testing.T) {
	defer goleak.VerifyNone(t)

	srv, lastPath := newServer(t, echo)
	defer srv.Close()

	rec := newRecorder()
	conn := New(Config{BaseURL: wsURL(srv)}, rec.callbacks())
	defer conn.Shutdown()

	require.NoError(t, conn.Open("abc"))
	receive(t, rec.opened)
	assert.Equal(t, StateOpen, conn.State())
	assert.Equal(t, "/chat/abc", lastPath.Load())

	require.NoError(t, conn.Send("hi there"))
	assert.Equal(t, "hi there", receive(t, rec.messages))

	require.NoError(t, conn.Close("chat closed by user"))
	ev := receive(t, rec.closes)
	assert.Equal(t, websocket.CloseNormalClosure, ev.code)
	assert.Equal(t, StateClosed, conn.State())
	assert.Empty(t, rec.errs)
}

func TestOpenIsNoopWhenOpen(t *testing.T) {
	defer goleak.VerifyNone(t)

	srv, _ := newServer(t, echo)
	defer srv.Close()

	rec := newRecorder()
	dialer := &countingDialer{inner: websocket.DefaultDialer}
	conn := New(Config{BaseURL: wsURL(srv)}, rec.callbacks(), WithDialer(dialer))
	defer conn.Shutdown()

	require.NoError(t, conn.Open("abc"))
	receive(t, rec.opened)

	require.NoError(t, conn.Open("abc"))
	require.NoError(t, conn.Open("abc"))
	assert.EqualValues(t, 1, dialer.dials.Load())
	assert.Equal(t, StateOpen, conn.State())
}

func TestSendWhenNotConnected(t *testing.T) {
	conn := New(Config{}, Callbacks{})
	assert.ErrorIs(t, conn.Send("hello"), ErrNotConnected)
}

func TestCloseWhenClosedIsNoop(t *testing.T) {
	rec := newRecorder()
	conn := New(Config{}, rec.callbacks())

	require.NoError(t, conn.Close("bye"))
	require.NoError(t, conn.Close("bye"))
	assert.Equal(t, StateClosed, conn.State())
	assert.Empty(t, rec.closes)
}

func TestDialFailureReportsErrorThenAbnormalClose(t *testing.T) {
	defer goleak.VerifyNone(t)

	rec := newRecorder()
	conn := New(Config{}, rec.callbacks(), WithDialer(failingDialer{}))
	defer conn.Shutdown()

	require.NoError(t, conn.Open("abc"))
	err := receive(t, rec.errs)
	assert.ErrorIs(t, err, ErrDialFailed)
	ev := receive(t, rec.closes)
	assert.Equal(t, websocket.CloseAbnormalClosure, ev.code)
	assert.Equal(t, StateClosed, conn.State())
	assert.Empty(t, rec.opened)
}

func TestServerDropIsAbnormalClosure(t *testing.T) {
	defer goleak.VerifyNone(t)

	srv, _ := newServer(t, func(conn *websocket.Conn) {
		_, _, _ = conn.ReadMessage()
		_ = conn.UnderlyingConn().Close()
	})
	defer srv.Close()

	rec := newRecorder()
	conn := New(Config{BaseURL: wsURL(srv)}, rec.callbacks())
	defer conn.Shutdown()

	require.NoError(t, conn.Open("abc"))
	receive(t, rec.opened)
	require.NoError(t, conn.Send("trigger"))

	err := receive(t, rec.errs)
	assert.ErrorIs(t, err, ErrTransport)
	ev := receive(t, rec.closes)
	assert.Equal(t, websocket.CloseAbnormalClosure, ev.code)
	assert.Equal(t, StateClosed, conn.State())
	assert.Empty(t, rec.errs)
}

func TestCloseWhileConnectingAbandonsDial(t *testing.T) {
	defer goleak.VerifyNone(t)

	rec := newRecorder()
	conn := New(Config{}, rec.callbacks(), WithDialer(blockingDialer{}))
	defer conn.Shutdown()

	require.NoError(t, conn.Open("abc"))
	assert.Equal(t, StateConnecting, conn.State())

	require.NoError(t, conn.Close("panel closed"))
	ev := receive(t, rec.closes)
	assert.Equal(t, closeEvent{code: websocket.CloseNormalClosure, reason: "panel closed"}, ev)
	assert.Equal(t, StateClosed, conn.State())
	assert.Empty(t, rec.errs)
	assert.Empty(t, rec.opened)
}

func TestServerCloseCodeIsReported(t *testing.T) {
	defer goleak.VerifyNone(t)

	srv, _ := newServer(t, func(conn *websocket.Conn) {
		msg := websocket.FormatCloseMessage(4001, "session expired")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_, _, _ = conn.ReadMessage()
	})
	defer srv.Close()

	rec := newRecorder()
	conn := New(Config{BaseURL: wsURL(srv)}, rec.callbacks())
	defer conn.Shutdown()

	require.NoError(t, conn.Open("abc"))
	ev := receive(t, rec.closes)
	assert.Equal(t, closeEvent{code: 4001, reason: "session expired"}, ev)
}

func TestCloseWithSilentPeerFinishesAfterGrace(t *testing.T) {
	defer goleak.VerifyNone(t)

	release := make(chan struct{})
	srv, _ := newServer(t, func(conn *websocket.Conn) {
		<-release
	})
	defer srv.Close()
	defer close(release)

	rec := newRecorder()
	conn := New(Config{BaseURL: wsURL(srv), CloseGrace: 50 * time.Millisecond}, rec.callbacks())
	defer conn.Shutdown()

	require.NoError(t, conn.Open("abc"))
	receive(t, rec.opened)
	require.NoError(t, conn.Close("bye"))
	assert.Equal(t, StateClosing, conn.State())
	assert.ErrorIs(t, conn.Open("abc"), ErrClosing)

	ev := receive(t, rec.closes)
	assert.Equal(t, websocket.CloseNormalClosure, ev.code)
	assert.Equal(t, StateClosed, conn.State())
	assert.Empty(t, rec.closes)
}

func TestShutdownWhileConnecting(t *testing.T) {
	defer goleak.VerifyNone(t)

	rec := newRecorder()
	conn := New(Config{}, rec.callbacks(), WithDialer(blockingDialer{}))

	require.NoError(t, conn.Open("abc"))
	assert.Equal(t, StateConnecting, conn.State())
	require.NoError(t, conn.Open("abc"))

	conn.Shutdown()
	assert.Equal(t, StateClosed, conn.State())
	receive(t, rec.closes)
	assert.Empty(t, rec.closes)
	assert.Empty(t, rec.opened)
}

func TestEndpointEscapesSessionID(t *testing.T) {
	conn := New(Config{BaseURL: "ws://localhost:8000/chat/"}, Callbacks{})
	assert.Equal(t, "ws://localhost:8000/chat/a%2Fb", conn.Endpoint("a/b"))
}

func TestTransitionTable(t *testing.T) {
	to, ok := next(StateClosed, eventDial)
	assert.True(t, ok)
	assert.Equal(t, StateConnecting, to)

	_, ok = next(StateClosed, eventOpened)
	assert.False(t, ok)

	_, ok = next(StateClosing, eventOpened)
	assert.False(t, ok)

	to, ok = next(StateOpen, eventCloseRequested)
	assert.True(t, ok)
	assert.Equal(t, StateClosing, to)
}
