package transport

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	apperrors "github.com/alexjbarnes/morse/internal/errors"
	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	streamOpen  = `<open xmlns="urn:ietf:params:xml:ns:xmpp-framing" from="example.test" id="s1" version="1.0"/>`
	saslFeature = `<stream:features xmlns:stream="http://etherx.jabber.org/streams"><mechanisms xmlns="urn:ietf:params:xml:ns:xmpp-sasl"><mechanism>PLAIN</mechanism></mechanisms></stream:features>`
	bindFeature = `<stream:features xmlns:stream="http://etherx.jabber.org/streams"><bind xmlns="urn:ietf:params:xml:ns:xmpp-bind"/></stream:features>`
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeRelay is an in-process XMPP-over-WebSocket server implementing just
// enough of the handshake for the client.
type fakeRelay struct {
	rejectAuth bool
	// closeAfter ends a connection with <close/> after that many chat
	// messages. Zero keeps connections open.
	closeAfter int

	conns       atomic.Int32
	pushEnables atomic.Int32

	mu          sync.Mutex
	credentials []string

	received chan frame
	toClient chan string
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{
		received: make(chan frame, 16),
		toClient: make(chan string, 16),
	}
}

func (r *fakeRelay) serve(w http.ResponseWriter, req *http.Request) {
	conn, err := websocket.Accept(w, req, &websocket.AcceptOptions{Subprotocols: []string{"xmpp"}})
	if err != nil {
		return
	}
	defer conn.CloseNow()
	r.conns.Add(1)

	ctx := req.Context()
	write := func(s string) error { return conn.Write(ctx, websocket.MessageText, []byte(s)) }
	read := func() (frame, error) {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return frame{}, err
		}
		return parseFrame(data)
	}

	if _, err := read(); err != nil {
		return
	}
	_ = write(streamOpen)
	_ = write(saslFeature)

	auth, err := read()
	if err != nil {
		return
	}
	raw, _ := base64.StdEncoding.DecodeString(auth.Inner)
	r.mu.Lock()
	r.credentials = append(r.credentials, string(raw))
	r.mu.Unlock()

	if r.rejectAuth {
		_ = write(`<failure xmlns="urn:ietf:params:xml:ns:xmpp-sasl"><not-authorized/></failure>`)
		return
	}
	_ = write(`<success xmlns="urn:ietf:params:xml:ns:xmpp-sasl"/>`)

	if _, err := read(); err != nil {
		return
	}
	_ = write(streamOpen)
	_ = write(bindFeature)

	bind, err := read()
	if err != nil {
		return
	}
	_ = write(fmt.Sprintf(`<iq xmlns="jabber:client" type="result" id="%s"><bind xmlns="urn:ietf:params:xml:ns:xmpp-bind"><jid>alice@example.test/phone</jid></bind></iq>`, bind.ID))

	go func() {
		for {
			select {
			case s := <-r.toClient:
				_ = write(s)
			case <-ctx.Done():
				return
			}
		}
	}()

	chats := 0
	for {
		f, err := read()
		if err != nil {
			return
		}
		switch f.XMLName.Local {
		case "iq":
			if strings.Contains(f.Inner, "urn:xmpp:push:0") {
				r.pushEnables.Add(1)
			}
			_ = write(fmt.Sprintf(`<iq xmlns="jabber:client" type="result" id="%s"/>`, f.ID))
		case "message":
			r.received <- f
			chats++
			if r.closeAfter > 0 && chats >= r.closeAfter {
				_ = write(`<close xmlns="urn:ietf:params:xml:ns:xmpp-framing"/>`)
				return
			}
		case "close":
			return
		}
	}
}

type staticTokens struct {
	token       string
	invalidated atomic.Int32
}

func (s *staticTokens) Token(context.Context) (string, error) { return s.token, nil }
func (s *staticTokens) Invalidate()                         { s.invalidated.Add(1) }

// stateLog records state transitions.
type stateLog struct {
	mu     sync.Mutex
	states []State
}

func (l *stateLog) record(s State) {
	l.mu.Lock()
	l.states = append(l.states, s)
	l.mu.Unlock()
}

func (l *stateLog) get() []State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]State(nil), l.states...)
}

func newTestClient(t *testing.T, relay *fakeRelay) (*Client, *staticTokens, *stateLog) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(relay.serve))
	t.Cleanup(srv.Close)

	tokens := &staticTokens{token: "tok-1"}
	c := NewClient(Config{
		URL:           "ws" + strings.TrimPrefix(srv.URL, "http") + "/xmpp-websocket",
		Domain:        "example.test",
		Handle:        "alice",
		Resource:      "phone",
		PushJID:       "push.example.test",
		PushToken:     "apns-token",
		VoIPPushToken: "voip-token",
	}, tokens, testLogger())
	c.backoffMin = 10 * time.Millisecond
	c.backoffMax = 50 * time.Millisecond

	log := &stateLog{}
	c.OnStateChange(log.record)
	return c, tokens, log
}

func runClient(t *testing.T, c *Client) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-errCh
	})
}

func waitSent(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("message was not sent")
	}
}

func receive(t *testing.T, relay *fakeRelay) frame {
	t.Helper()
	select {
	case f := <-relay.received:
		return f
	case <-time.After(5 * time.Second):
		t.Fatal("relay received nothing")
		return frame{}
	}
}

func TestClient_SendWhileDisconnected_FlushedOnceAfterConnect(t *testing.T) {
	relay := newFakeRelay()
	c, _, log := newTestClient(t, relay)

	assert.Equal(t, StateDisconnected, c.State())
	done := c.Send("bob", "m1", "ciphertext-1")

	runClient(t, c)
	waitSent(t, done)

	f := receive(t, relay)
	assert.Equal(t, "bob@example.test", f.To)
	assert.Equal(t, "m1", f.ID)
	assert.Equal(t, "chat", f.Type)
	assert.Equal(t, "ciphertext-1", f.Body)

	select {
	case dup := <-relay.received:
		t.Fatalf("message delivered twice: %+v", dup)
	case <-time.After(100 * time.Millisecond):
	}

	assert.Equal(t, []State{StateConnecting, StateConnected}, log.get())
	assert.Equal(t, StateConnected, c.State())

	relay.mu.Lock()
	assert.Equal(t, []string{"\x00alice\x00tok-1"}, relay.credentials)
	relay.mu.Unlock()
}

func TestClient_SendWhileConnected_PreservesOrder(t *testing.T) {
	relay := newFakeRelay()
	c, _, _ := newTestClient(t, relay)
	runClient(t, c)

	var dones []<-chan error
	for i := range 5 {
		dones = append(dones, c.Send("bob", fmt.Sprintf("m%d", i), fmt.Sprintf("body-%d", i)))
	}
	for _, d := range dones {
		waitSent(t, d)
	}
	for i := range 5 {
		assert.Equal(t, fmt.Sprintf("m%d", i), receive(t, relay).ID)
	}
}

func TestClient_AuthFailureEndsRun(t *testing.T) {
	relay := newFakeRelay()
	relay.rejectAuth = true
	c, tokens, log := newTestClient(t, relay)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := c.Run(ctx)

	assert.ErrorIs(t, err, apperrors.ErrAuth)
	var ae *apperrors.AuthError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "sasl", ae.Op)
	assert.Contains(t, err.Error(), "not-authorized")

	assert.Equal(t, int32(1), tokens.invalidated.Load())
	assert.Equal(t, int32(1), relay.conns.Load(), "auth failures are not retried")
	assert.Equal(t, []State{StateConnecting, StateDisconnected}, log.get())
}

func TestClient_ReconnectsAfterStreamClose(t *testing.T) {
	relay := newFakeRelay()
	relay.closeAfter = 1
	c, _, _ := newTestClient(t, relay)
	runClient(t, c)

	waitSent(t, c.Send("bob", "m1", "first"))
	assert.Equal(t, "m1", receive(t, relay).ID)

	// The relay closed the stream; the next send goes out on a new one.
	require.Eventually(t, func() bool {
		return relay.conns.Load() == 2 && c.State() == StateConnected
	}, 5*time.Second, 10*time.Millisecond)
	waitSent(t, c.Send("bob", "m2", "second"))
	assert.Equal(t, "m2", receive(t, relay).ID)

	assert.Equal(t, int32(2), relay.conns.Load())
	assert.Equal(t, int32(4), relay.pushEnables.Load(), "both tokens are registered on every connect")
}

func TestClient_Inbound(t *testing.T) {
	relay := newFakeRelay()
	c, _, _ := newTestClient(t, relay)
	runClient(t, c)

	require.Eventually(t, func() bool { return c.State() == StateConnected }, 5*time.Second, 10*time.Millisecond)

	relay.toClient <- `<message xmlns="jabber:client" type="chat" id="x1" from="bob@example.test/laptop" to="alice@example.test"><body>sealed</body><delay xmlns="urn:xmpp:delay" stamp="2026-01-02T03:04:05Z"/></message>`

	select {
	case in := <-c.Inbound():
		assert.Equal(t, "bob", in.From)
		assert.Equal(t, "x1", in.ID)
		assert.Equal(t, "sealed", in.Body)
		assert.Equal(t, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), in.Date.UTC())
	case <-time.After(5 * time.Second):
		t.Fatal("no inbound message")
	}
}

func TestClient_Logout(t *testing.T) {
	relay := newFakeRelay()
	c, _, _ := newTestClient(t, relay)

	var wiped atomic.Int32
	c.OnWipe(func() { wiped.Add(1) })

	queued := c.Send("bob", "m1", "never sent")
	c.Logout()
	c.Logout()

	assert.ErrorIs(t, <-queued, apperrors.ErrLoggedOut)
	assert.ErrorIs(t, <-c.Send("bob", "m2", "late"), apperrors.ErrLoggedOut)
	assert.Equal(t, int32(1), wiped.Load())
	assert.ErrorIs(t, c.Run(context.Background()), apperrors.ErrLoggedOut)
	assert.Equal(t, int32(0), relay.conns.Load())
}

func TestClient_LogoutWhileConnected(t *testing.T) {
	relay := newFakeRelay()
	c, _, log := newTestClient(t, relay)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return c.State() == StateConnected }, 5*time.Second, 10*time.Millisecond)
	c.Logout()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, apperrors.ErrLoggedOut)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Logout")
	}
	assert.Equal(t, StateDisconnected, c.State())
	assert.Equal(t, []State{StateConnecting, StateConnected, StateDisconnected}, log.get())
}

func TestClient_SuspendAndWake(t *testing.T) {
	relay := newFakeRelay()
	c, _, _ := newTestClient(t, relay)
	runClient(t, c)

	require.Eventually(t, func() bool { return c.State() == StateConnected }, 5*time.Second, 10*time.Millisecond)
	c.Suspend()
	require.Eventually(t, func() bool { return c.State() == StateDisconnected }, 5*time.Second, 10*time.Millisecond)

	// Stays down while suspended.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), relay.conns.Load())

	// A send is an explicit reconnect trigger.
	waitSent(t, c.Send("bob", "m1", "wake up"))
	assert.Equal(t, "m1", receive(t, relay).ID)
	assert.Equal(t, int32(2), relay.conns.Load())
}

func TestClient_BackoffResetByGoOnline(t *testing.T) {
	relay := newFakeRelay()
	c, _, _ := newTestClient(t, relay)
	c.backoffMin = time.Hour
	c.backoffMax = time.Hour

	var dials atomic.Int32
	realDial := c.dial
	c.dial = func(ctx context.Context, url string) (wsConn, error) {
		if dials.Add(1) == 1 {
			return nil, fmt.Errorf("network unreachable")
		}
		return realDial(ctx, url)
	}

	runClient(t, c)
	require.Eventually(t, func() bool {
		return dials.Load() == 1 && c.State() == StateDisconnected
	}, 5*time.Second, 10*time.Millisecond)

	c.GoOnline()
	require.Eventually(t, func() bool { return c.State() == StateConnected }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(2), dials.Load())
}

func TestClient_ListenerRegisteredDuringNotify(t *testing.T) {
	c, _, log := newTestClient(t, newFakeRelay())

	late := &stateLog{}
	var once sync.Once
	c.OnStateChange(func(State) {
		once.Do(func() { c.OnStateChange(late.record) })
	})

	c.setState(StateConnecting)
	c.setState(StateConnected)
	c.setState(StateConnected)

	assert.Equal(t, []State{StateConnecting, StateConnected}, log.get())
	assert.Equal(t, []State{StateConnected}, late.get())
}
