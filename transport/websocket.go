package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketOptions controls a WebSocket channel.
type WebSocketOptions struct {
	URL    string
	Header http.Header
	Dialer *websocket.Dialer
	Logger *slog.Logger

	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	WriteTimeout      time.Duration
}

// WebSocket is a Channel over a relay WebSocket. Each frame is one
// JSON-encoded Envelope.
type WebSocket struct {
	registry

	header http.Header
	dialer *websocket.Dialer
	logger *slog.Logger

	keepAliveInterval time.Duration
	keepAliveTimeout  time.Duration
	writeTimeout      time.Duration

	stateMu sync.RWMutex
	url     string
	state   State
	session *wsSession
}

type wsSession struct {
	conn *websocket.Conn
	url  string

	sendMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}

	errMu    sync.RWMutex
	closeErr error
}

// NewWebSocket returns a disconnected channel for options.URL.
func NewWebSocket(options WebSocketOptions) *WebSocket {
	if options.Dialer == nil {
		options.Dialer = websocket.DefaultDialer
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	if options.KeepAliveInterval <= 0 {
		options.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if options.KeepAliveTimeout <= 0 {
		options.KeepAliveTimeout = DefaultKeepAliveTimeout
	}
	if options.WriteTimeout <= 0 {
		options.WriteTimeout = DefaultWriteTimeout
	}
	return &WebSocket{
		url:               options.URL,
		header:            options.Header,
		dialer:            options.Dialer,
		logger:            options.Logger,
		keepAliveInterval: options.KeepAliveInterval,
		keepAliveTimeout:  options.KeepAliveTimeout,
		writeTimeout:      options.WriteTimeout,
		state:             StateDisconnected,
	}
}

// State returns the current connection state.
func (w *WebSocket) State() State {
	w.stateMu.RLock()
	defer w.stateMu.RUnlock()
	return w.state
}

// URL returns the relay URL the next Connect dials.
func (w *WebSocket) URL() string {
	w.stateMu.RLock()
	defer w.stateMu.RUnlock()
	return w.url
}

// SetURL points the channel at another relay. A live session keeps its
// connection; the new URL applies from the next Connect.
func (w *WebSocket) SetURL(url string) {
	w.stateMu.Lock()
	defer w.stateMu.Unlock()
	w.url = url
}

// Connect dials the relay and starts the read and keep-alive loops. It is a
// no-op while already connected.
func (w *WebSocket) Connect(ctx context.Context) error {
	w.stateMu.Lock()
	if w.state == StateConnected || w.state == StateConnecting {
		w.stateMu.Unlock()
		return nil
	}
	w.state = StateConnecting
	url := w.url
	w.stateMu.Unlock()

	conn, _, err := w.dialer.DialContext(ctx, url, w.header)
	if err != nil {
		w.setState(StateError)
		return fmt.Errorf("dial relay %q: %w", url, err)
	}
	conn.SetReadLimit(MaxFrameSize)

	session := &wsSession{conn: conn, url: url, closed: make(chan struct{})}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(w.keepAliveInterval + w.keepAliveTimeout))
	})

	w.stateMu.Lock()
	w.session = session
	w.state = StateConnected
	w.stateMu.Unlock()

	w.logger.Info("relay connected", "url", url)
	go w.readLoop(session)
	go w.keepAliveLoop(session)

	w.dispatch(Event{Name: EventConnect})
	return nil
}

// Done is closed when the current session ends. It returns nil before the
// first successful Connect.
func (w *WebSocket) Done() <-chan struct{} {
	w.stateMu.RLock()
	defer w.stateMu.RUnlock()
	if w.session == nil {
		return nil
	}
	return w.session.closed
}

// LastError returns the terminal error of the current session, if any.
func (w *WebSocket) LastError() error {
	w.stateMu.RLock()
	session := w.session
	w.stateMu.RUnlock()
	if session == nil {
		return nil
	}
	session.errMu.RLock()
	defer session.errMu.RUnlock()
	return session.closeErr
}

// Publish writes one event frame. The connect event is dispatched locally
// and never written.
func (w *WebSocket) Publish(ctx context.Context, event string, args ...any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	encoded, err := NewEvent(event, args...)
	if err != nil {
		return err
	}
	if event == EventConnect {
		w.dispatch(encoded)
		return nil
	}

	w.stateMu.RLock()
	session, state := w.session, w.state
	w.stateMu.RUnlock()
	if state != StateConnected || session == nil {
		return ErrDisconnected
	}

	payload, err := EncodeEvent(encoded)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(w.writeTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}

	session.sendMu.Lock()
	defer session.sendMu.Unlock()
	if err := session.conn.SetWriteDeadline(deadline); err != nil {
		w.closeWithError(session, fmt.Errorf("set write deadline: %w", err))
		return ErrDisconnected
	}
	if err := session.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		w.closeWithError(session, fmt.Errorf("write frame: %w", err))
		return fmt.Errorf("%w: %w", ErrDisconnected, err)
	}
	return nil
}

// Close sends a close frame and ends the current session.
func (w *WebSocket) Close() error {
	w.stateMu.RLock()
	session := w.session
	w.stateMu.RUnlock()
	if session == nil {
		w.setState(StateDisconnected)
		return nil
	}

	session.sendMu.Lock()
	_ = session.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(w.writeTimeout),
	)
	session.sendMu.Unlock()

	w.closeWithError(session, nil)
	return nil
}

func (w *WebSocket) readLoop(session *wsSession) {
	for {
		select {
		case <-session.closed:
			return
		default:
		}

		if err := session.conn.SetReadDeadline(time.Now().Add(w.keepAliveInterval + w.keepAliveTimeout)); err != nil {
			w.closeWithError(session, fmt.Errorf("set read deadline: %w", err))
			return
		}
		_, payload, err := session.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || errors.Is(err, websocket.ErrCloseSent) {
				w.closeWithError(session, nil)
				return
			}
			w.closeWithError(session, fmt.Errorf("read frame: %w", err))
			return
		}
		if len(payload) == 0 {
			continue
		}

		event, err := DecodeEvent(payload)
		if err != nil {
			w.logger.Warn("dropping malformed relay frame", "error", err)
			continue
		}
		w.dispatch(event)
	}
}

func (w *WebSocket) keepAliveLoop(session *wsSession) {
	ticker := time.NewTicker(w.keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			session.sendMu.Lock()
			err := session.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(w.writeTimeout))
			session.sendMu.Unlock()
			if err != nil {
				w.closeWithError(session, fmt.Errorf("write ping: %w", err))
				return
			}
		case <-session.closed:
			return
		}
	}
}

func (w *WebSocket) setState(state State) {
	w.stateMu.Lock()
	defer w.stateMu.Unlock()
	w.state = state
}

func (w *WebSocket) closeWithError(session *wsSession, err error) {
	session.closeOnce.Do(func() {
		session.errMu.Lock()
		session.closeErr = err
		session.errMu.Unlock()

		w.stateMu.Lock()
		current := w.session == session
		if current {
			w.state = StateDisconnected
		}
		w.stateMu.Unlock()

		_ = session.conn.Close()
		close(session.closed)

		if err != nil {
			w.logger.Warn("relay connection closed", "url", session.url, "error", err)
		} else {
			w.logger.Info("relay connection closed", "url", session.url)
		}
		if current {
			w.dispatch(Event{Name: EventDisconnect})
		}
	})
}
