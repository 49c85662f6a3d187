package transport

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// readLimit bounds a single stanza. Message bodies carry ciphertext only.
const readLimit = 1 << 20

var errStreamClosed = errors.New("stream closed by server")

// wsConn abstracts the WebSocket connection for testing.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

func dialWebsocket(ctx context.Context, url string) (wsConn, error) {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		Subprotocols: []string{"xmpp"},
	})
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(readLimit)
	return conn, nil
}

// stream is one live connection. A reader goroutine decodes frames and
// routes iq responses to their waiting requests; everything else goes to
// frames. The stream ends when ctx is cancelled, with the cause available
// through context.Cause.
type stream struct {
	ws     wsConn
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelCauseFunc
	frames chan frame

	mu      sync.Mutex
	pending map[string]chan frame
}

func newStream(parent context.Context, ws wsConn, logger *slog.Logger) *stream {
	ctx, cancel := context.WithCancelCause(parent)
	s := &stream{
		ws:      ws,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		frames:  make(chan frame, 32),
		pending: make(map[string]chan frame),
	}
	go s.readLoop()
	return s
}

func (s *stream) readLoop() {
	for {
		_, data, err := s.ws.Read(s.ctx)
		if err != nil {
			s.cancel(fmt.Errorf("reading stream: %w", err))
			return
		}

		f, err := parseFrame(data)
		if err != nil {
			s.logger.Warn("dropping undecodable frame", slog.String("error", err.Error()))
			continue
		}

		if f.XMLName.Local == "close" {
			s.cancel(errStreamClosed)
			return
		}

		if f.XMLName.Local == "iq" && (f.Type == "result" || f.Type == "error") && s.complete(f) {
			continue
		}

		select {
		case s.frames <- f:
		case <-s.ctx.Done():
			return
		}
	}
}

// complete hands an iq response to its waiting request. It reports false
// when nobody is waiting for that id.
func (s *stream) complete(f frame) bool {
	s.mu.Lock()
	ch, ok := s.pending[f.ID]
	delete(s.pending, f.ID)
	s.mu.Unlock()

	if ok {
		ch <- f
	}
	return ok
}

// write marshals v and sends it as one text frame.
func (s *stream) write(ctx context.Context, v any) error {
	data, err := xml.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding stanza: %w", err)
	}
	if err := s.ws.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("writing stanza: %w", err)
	}
	return nil
}

// next waits for the next non-response frame.
func (s *stream) next(ctx context.Context) (frame, error) {
	select {
	case f := <-s.frames:
		return f, nil
	case <-s.ctx.Done():
		// Frames read before the stream ended are still buffered.
		select {
		case f := <-s.frames:
			return f, nil
		default:
		}
		return frame{}, context.Cause(s.ctx)
	case <-ctx.Done():
		return frame{}, ctx.Err()
	}
}

// expect waits for the next frame and checks its element name.
func (s *stream) expect(ctx context.Context, local string) (frame, error) {
	f, err := s.next(ctx)
	if err != nil {
		return frame{}, err
	}
	if f.XMLName.Local != local {
		return frame{}, fmt.Errorf("expected <%s>, got <%s>", local, f.XMLName.Local)
	}
	return f, nil
}

// request sends an iq and waits up to timeout for the matching result.
// An iq of type error is returned as an error naming its condition.
func (s *stream) request(ctx context.Context, typ, to string, payload any, timeout time.Duration) (frame, error) {
	id := uuid.NewString()
	ch := make(chan frame, 1)

	s.mu.Lock()
	s.pending[id] = ch
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	if err := s.write(ctx, iqElem{Type: typ, ID: id, To: to, Payload: payload}); err != nil {
		return frame{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case f := <-ch:
		if f.Type == "error" {
			return f, fmt.Errorf("iq %s: %s", id, f.condition())
		}
		return f, nil
	case <-timer.C:
		return frame{}, fmt.Errorf("iq %s: no response after %s", id, timeout)
	case <-s.ctx.Done():
		return frame{}, context.Cause(s.ctx)
	case <-ctx.Done():
		return frame{}, ctx.Err()
	}
}

// close sends <close/> when the socket still accepts it, then tears the
// stream down. It is safe to call more than once.
func (s *stream) close() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	if err := s.write(ctx, closeElem{}); err != nil {
		s.logger.Debug("close stanza not sent", slog.String("error", err.Error()))
	}
	cancel()
	s.cancel(context.Canceled)
	_ = s.ws.Close(websocket.StatusNormalClosure, "bye")
}
