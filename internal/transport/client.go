// Package transport keeps the XMPP-over-WebSocket (RFC 7395) connection
// to the message relay alive. It authenticates with a directory-issued
// token, queues outbound messages while offline and reconnects with
// exponential backoff.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	apperrors "github.com/alexjbarnes/morse/internal/errors"
)

const (
	reconnectMin    = 1 * time.Second
	reconnectMax    = 60 * time.Second
	responseTimeout = 30 * time.Second
	pingInterval    = 60 * time.Second
	connectTimeout  = 20 * time.Second
	inboundBuffer   = 256
)

// Push services registered on every connect.
const (
	pushStandard = "standard"
	pushVoIP     = "voip"
)

// State is the connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// TokenProvider supplies the SASL password. Invalidate is called when the
// server rejects a token.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
	Invalidate()
}

// Config describes the relay endpoint and this device.
type Config struct {
	URL      string // ws(s)://host:port/xmpp-websocket
	Domain   string
	Handle   string
	Resource string

	PushJID       string
	PushToken     string
	VoIPPushToken string

	ConnectTimeout time.Duration
	PingInterval   time.Duration
}

// Inbound is a chat message received from a peer.
type Inbound struct {
	From string // peer handle
	ID   string
	Body string
	Date time.Time
}

type outbound struct {
	to   string
	id   string
	body string
	done chan error
}

// Client owns the connection lifecycle. Run drives it; every other method
// is safe for concurrent use.
type Client struct {
	cfg    Config
	tokens TokenProvider
	logger *slog.Logger
	dial   func(ctx context.Context, url string) (wsConn, error)
	now    func() time.Time

	backoffMin time.Duration
	backoffMax time.Duration

	wake    chan struct{}
	inbound chan Inbound

	mu        sync.Mutex
	state     State
	listeners []func(State)
	queue     []*outbound
	stream    *stream
	suspended bool
	reset     bool
	loggedOut bool
	cancelRun context.CancelFunc
	onWipe    func()
}

// NewClient creates a disconnected client.
func NewClient(cfg Config, tokens TokenProvider, logger *slog.Logger) *Client {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = connectTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = pingInterval
	}
	return &Client{
		cfg:        cfg,
		tokens:     tokens,
		logger:     logger,
		dial:       dialWebsocket,
		now:        time.Now,
		backoffMin: reconnectMin,
		backoffMax: reconnectMax,
		wake:       make(chan struct{}, 1),
		inbound:    make(chan Inbound, inboundBuffer),
	}
}

// Inbound returns the channel of received chat messages.
func (c *Client) Inbound() <-chan Inbound {
	return c.inbound
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnStateChange registers fn to be called after every state transition.
func (c *Client) OnStateChange(fn func(State)) {
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

// OnWipe registers the hook Logout runs after the connection is gone.
func (c *Client) OnWipe(fn func()) {
	c.mu.Lock()
	c.onWipe = fn
	c.mu.Unlock()
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	listeners := slices.Clone(c.listeners)
	c.mu.Unlock()

	c.logger.Debug("connection state", slog.String("state", s.String()))
	for _, fn := range listeners {
		fn(s)
	}
}

func (c *Client) notify() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Send queues a chat message for to. The returned channel receives nil
// once the stanza is written to the socket, or ErrLoggedOut if the queue
// is discarded first. Queued messages wake a suspended client.
func (c *Client) Send(to, id, body string) <-chan error {
	done := make(chan error, 1)

	c.mu.Lock()
	if c.loggedOut {
		c.mu.Unlock()
		done <- apperrors.ErrLoggedOut
		return done
	}
	c.queue = append(c.queue, &outbound{to: to, id: id, body: body, done: done})
	c.suspended = false
	c.mu.Unlock()

	c.notify()
	return done
}

// GoOnline is called when the app comes to the foreground or the network
// returns. It resets the backoff and reconnects immediately.
func (c *Client) GoOnline() {
	c.mu.Lock()
	c.suspended = false
	c.reset = true
	c.mu.Unlock()
	c.notify()
}

// Wake reconnects a suspended client, e.g. on a push wake-up.
func (c *Client) Wake() {
	c.mu.Lock()
	c.suspended = false
	c.mu.Unlock()
	c.notify()
}

// Suspend closes the connection and keeps it closed until Send, Wake or
// GoOnline.
func (c *Client) Suspend() {
	c.mu.Lock()
	c.suspended = true
	st := c.stream
	c.mu.Unlock()

	if st != nil {
		st.close()
	}
}

// Logout ends Run, fails every queued message with ErrLoggedOut and runs
// the wipe hook. It is idempotent.
func (c *Client) Logout() {
	c.mu.Lock()
	if c.loggedOut {
		c.mu.Unlock()
		return
	}
	c.loggedOut = true
	queue := c.queue
	c.queue = nil
	st := c.stream
	cancel := c.cancelRun
	wipe := c.onWipe
	c.mu.Unlock()

	for _, o := range queue {
		o.done <- apperrors.ErrLoggedOut
	}
	if cancel != nil {
		cancel()
	}
	if st != nil {
		st.close()
	}
	if wipe != nil {
		wipe()
	}
	c.logger.Info("logged out", slog.Int("discarded", len(queue)))
}

// Run connects and keeps the connection alive until ctx is cancelled,
// Logout is called or the server rejects the credentials. Transient
// failures are retried with exponential backoff and jitter.
func (c *Client) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	if c.loggedOut {
		c.mu.Unlock()
		return apperrors.ErrLoggedOut
	}
	c.cancelRun = cancel
	c.mu.Unlock()

	backoff := c.backoffMin

	for {
		if err := c.waitUntilWanted(ctx); err != nil {
			return c.exitErr(err)
		}

		c.setState(StateConnecting)
		st, err := c.connect(ctx)
		if err != nil {
			c.setState(StateDisconnected)
			if ctx.Err() != nil {
				return c.exitErr(ctx.Err())
			}
			if errors.Is(err, apperrors.ErrAuth) {
				c.logger.Error("authentication rejected", slog.String("error", err.Error()))
				return err
			}
			c.logger.Warn("connect failed", slog.String("error", err.Error()), slog.Duration("retry_in", backoff))
		} else {
			backoff = c.backoffMin
			c.setState(StateConnected)
			c.logger.Info("connected", slog.String("handle", c.cfg.Handle))

			err = c.eventLoop(ctx, st)

			c.mu.Lock()
			c.stream = nil
			c.mu.Unlock()
			st.close()
			c.setState(StateDisconnected)

			if ctx.Err() != nil {
				return c.exitErr(ctx.Err())
			}
			c.logger.Warn("connection lost", slog.String("error", err.Error()), slog.Duration("retry_in", backoff))
		}

		if c.isSuspended() {
			continue
		}

		if err := c.sleep(ctx, backoff); err != nil {
			return c.exitErr(err)
		}
		if c.takeReset() {
			backoff = c.backoffMin
		} else {
			backoff = min(backoff*2, c.backoffMax)
		}
	}
}

func (c *Client) exitErr(err error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loggedOut {
		return apperrors.ErrLoggedOut
	}
	return err
}

func (c *Client) isSuspended() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.suspended
}

func (c *Client) takeReset() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.reset
	c.reset = false
	return r
}

// waitUntilWanted blocks while the client is suspended.
func (c *Client) waitUntilWanted(ctx context.Context) error {
	for c.isSuspended() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.wake:
		}
	}
	return nil
}

// sleep waits out the backoff plus jitter. A wake-up (send, push, going
// online) cuts the wait short.
func (c *Client) sleep(ctx context.Context, backoff time.Duration) error {
	jitter := time.Duration(rand.Int64N(int64(backoff)/2 + 1))
	timer := time.NewTimer(backoff + jitter)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	case <-c.wake:
	}
	return nil
}

// connect dials, authenticates, binds a resource and registers push
// tokens. The returned stream lives until ctx is cancelled or it is closed.
func (c *Client) connect(ctx context.Context) (*stream, error) {
	cctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	token, err := c.tokens.Token(cctx)
	if err != nil {
		if errors.Is(err, apperrors.ErrAuth) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: fetching token: %w", apperrors.ErrTransport, err)
	}

	ws, err := c.dial(cctx, c.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: dialing %s: %w", apperrors.ErrTransport, c.cfg.URL, err)
	}

	st := newStream(ctx, ws, c.logger)
	if err := c.handshake(cctx, st, token); err != nil {
		st.close()
		if errors.Is(err, apperrors.ErrAuth) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", apperrors.ErrTransport, err)
	}

	c.mu.Lock()
	if c.loggedOut {
		c.mu.Unlock()
		st.close()
		return nil, apperrors.ErrLoggedOut
	}
	c.stream = st
	c.mu.Unlock()

	return st, nil
}

func (c *Client) handshake(ctx context.Context, st *stream, token string) error {
	if err := c.openStream(ctx, st); err != nil {
		return err
	}
	features, err := st.expect(ctx, "features")
	if err != nil {
		return err
	}
	if !offersPlain(features.Mechanisms) {
		return fmt.Errorf("server does not offer SASL PLAIN (offered %v)", features.Mechanisms)
	}

	if err := st.write(ctx, plainAuth(c.cfg.Handle, token)); err != nil {
		return err
	}
	f, err := st.next(ctx)
	if err != nil {
		return err
	}
	switch f.XMLName.Local {
	case "success":
	case "failure":
		c.tokens.Invalidate()
		return &apperrors.AuthError{Op: "sasl", Err: errors.New(f.condition())}
	default:
		return fmt.Errorf("unexpected <%s> during authentication", f.XMLName.Local)
	}

	// The stream restarts after successful authentication.
	if err := c.openStream(ctx, st); err != nil {
		return err
	}
	if _, err := st.expect(ctx, "features"); err != nil {
		return err
	}

	res, err := st.request(ctx, "set", "", bindRequest{Resource: c.cfg.Resource}, responseTimeout)
	if err != nil {
		return fmt.Errorf("binding resource: %w", err)
	}
	if res.Bind != nil && res.Bind.JID != "" {
		c.logger.Debug("resource bound", slog.String("jid", res.Bind.JID))
	}

	if err := st.write(ctx, presenceElem{}); err != nil {
		return err
	}

	c.registerPush(ctx, st)
	return nil
}

func (c *Client) openStream(ctx context.Context, st *stream) error {
	if err := st.write(ctx, openElem{To: c.cfg.Domain, Version: "1.0"}); err != nil {
		return err
	}
	_, err := st.expect(ctx, "open")
	return err
}

// registerPush enables push for each configured token. Registration is
// repeated on every connect; failures are logged and retried next time.
func (c *Client) registerPush(ctx context.Context, st *stream) {
	if c.cfg.PushJID == "" {
		return
	}
	for _, p := range []struct{ service, token string }{
		{pushStandard, c.cfg.PushToken},
		{pushVoIP, c.cfg.VoIPPushToken},
	} {
		if p.token == "" {
			continue
		}
		if _, err := st.request(ctx, "set", "", newPushEnable(c.cfg.PushJID, p.token, p.service), responseTimeout); err != nil {
			c.logger.Warn("push registration failed", slog.String("service", p.service), slog.String("error", err.Error()))
		}
	}
}

func offersPlain(mechanisms []string) bool {
	for _, m := range mechanisms {
		if m == "PLAIN" {
			return true
		}
	}
	return false
}

// eventLoop flushes the queue, delivers inbound messages and keeps the
// connection alive with pings until the stream fails or ctx ends.
func (c *Client) eventLoop(ctx context.Context, st *stream) error {
	if err := c.flush(ctx, st); err != nil {
		return err
	}

	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-st.ctx.Done():
			c.drain(ctx, st)
			return context.Cause(st.ctx)

		case f := <-st.frames:
			if err := c.handleFrame(ctx, st, f); err != nil {
				return err
			}

		case <-c.wake:
			if err := c.flush(ctx, st); err != nil {
				return err
			}

		case <-ticker.C:
			go c.ping(st)
		}
	}
}

// drain delivers frames that arrived before the stream ended.
func (c *Client) drain(ctx context.Context, st *stream) {
	for {
		select {
		case f := <-st.frames:
			if err := c.handleFrame(ctx, st, f); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Client) handleFrame(ctx context.Context, st *stream, f frame) error {
	switch f.XMLName.Local {
	case "message":
		if f.Body == "" || f.Type == "error" {
			return nil
		}
		in := Inbound{From: localpart(f.From), ID: f.ID, Body: f.Body, Date: f.stamp(c.now())}
		select {
		case c.inbound <- in:
		case <-ctx.Done():
			return ctx.Err()
		}

	case "iq":
		if f.Type == "get" && f.Ping != nil {
			return st.write(ctx, iqElem{Type: "result", ID: f.ID, To: f.From})
		}

	default:
		c.logger.Debug("ignoring frame", slog.String("element", f.XMLName.Local))
	}
	return nil
}

// flush writes queued messages in order. A message leaves the queue only
// after its stanza was written, so nothing is sent twice or lost.
func (c *Client) flush(ctx context.Context, st *stream) error {
	for {
		c.mu.Lock()
		if len(c.queue) == 0 {
			c.mu.Unlock()
			return nil
		}
		o := c.queue[0]
		c.mu.Unlock()

		msg := messageElem{Type: "chat", ID: o.id, To: c.jid(o.to), Body: o.body}
		if err := st.write(ctx, msg); err != nil {
			return err
		}

		// Logout may have discarded the queue while the write was in flight.
		c.mu.Lock()
		sent := len(c.queue) > 0 && c.queue[0] == o
		if sent {
			c.queue = c.queue[1:]
		}
		c.mu.Unlock()
		if sent {
			o.done <- nil
		}
	}
}

func (c *Client) ping(st *stream) {
	if _, err := st.request(st.ctx, "get", c.cfg.Domain, pingRequest{}, responseTimeout); err != nil {
		if st.ctx.Err() == nil {
			c.logger.Warn("ping failed", slog.String("error", err.Error()))
			st.cancel(fmt.Errorf("ping: %w", err))
		}
	}
}

func (c *Client) jid(handle string) string {
	return handle + "@" + c.cfg.Domain
}
