// Package gateway implements display.Client over a websocket connection to a
// display gateway that fronts the desktop host.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/smartpcapp/smartpc-control-plane/internal/display"
)

const (
	writeTimeout     = 10 * time.Second
	pongTimeout      = 60 * time.Second
	pingInterval     = 30 * time.Second
	handshakeTimeout = 15 * time.Second
)

type Options struct {
	// Scheme is used when HostAddress carries none. Defaults to wss.
	Scheme string
	// GatewayPath is appended when Config.UseGateway is set.
	GatewayPath string
	// DirectPath is appended otherwise.
	DirectPath string
	Dialer     *websocket.Dialer
}

type Client struct {
	opts Options
}

func NewClient(opts Options) *Client {
	if opts.Scheme == "" {
		opts.Scheme = "wss"
	}
	if opts.GatewayPath == "" {
		opts.GatewayPath = "/gateway"
	}
	if opts.DirectPath == "" {
		opts.DirectPath = "/display"
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	}
	return &Client{opts: opts}
}

func (c *Client) endpoint(cfg display.Config) (string, error) {
	raw := strings.TrimSpace(cfg.HostAddress)
	if raw == "" {
		return "", errors.New("host address is required")
	}
	if !strings.Contains(raw, "://") {
		raw = c.opts.Scheme + "://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse host address: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	path := c.opts.DirectPath
	if cfg.UseGateway {
		path = c.opts.GatewayPath
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	q := u.Query()
	q.Set("sessionId", cfg.SessionID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Connect dials the gateway, authenticates and waits until the host reports
// CONNECTED (or an error) before returning the session.
func (c *Client) Connect(ctx context.Context, cfg display.Config) (display.Session, error) {
	endpoint, err := c.endpoint(cfg)
	if err != nil {
		return nil, err
	}
	conn, _, err := c.opts.Dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("dial gateway: %w", err)
	}

	auth := Message{
		Type: MsgAuth,
		Auth: &authPayload{
			SessionID: cfg.SessionID,
			AuthToken: cfg.AuthToken,
			Codec:     cfg.Display.Codec,
			Input: inputPayload{
				Keyboard:          cfg.Input.Keyboard,
				Mouse:             cfg.Input.Mouse,
				Touch:             cfg.Input.Touch,
				Audio:             cfg.Input.Audio,
				RelativeMouse:     cfg.Input.RelativeMouse,
				TouchGestures:     cfg.Input.TouchGestures,
				ClipboardForward:  cfg.Input.ClipboardForward,
				ClipboardBackward: cfg.Input.ClipboardBackward,
			},
		},
	}
	// The conn is not shared yet, so no write mutex is needed here.
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(auth); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send auth: %w", err)
	}

	deadline := time.Now().Add(handshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetReadDeadline(deadline)
	// Closing the conn is the only way to interrupt a blocked read.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	s := newSession(conn, cfg.Callbacks)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			stop()
			conn.Close()
			if ctx.Err() != nil {
				return nil, fmt.Errorf("await connected: %w", ctx.Err())
			}
			return nil, fmt.Errorf("await connected: %w", err)
		}
		msg, err := decodeMessage(data)
		if err != nil {
			continue
		}
		if msg.Type == MsgError {
			stop()
			conn.Close()
			return nil, fmt.Errorf("gateway rejected session: %s", msg.Error)
		}
		// first_frame may legitimately precede the handle being returned.
		s.dispatch(msg)
		if msg.Type == MsgState && display.State(msg.State) == display.StateConnected {
			break
		}
	}
	if !stop() {
		conn.Close()
		return nil, fmt.Errorf("await connected: %w", ctx.Err())
	}

	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})
	conn.SetReadDeadline(time.Now().Add(pongTimeout))
	go s.readLoop()
	go s.pingLoop()
	return s, nil
}

type result struct {
	msg Message
	err error
}

type session struct {
	conn *websocket.Conn
	cb   display.Callbacks

	writeMu sync.Mutex // serialises all conn writes

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan result
	local   bool

	closed    chan struct{}
	closeOnce sync.Once
}

func newSession(conn *websocket.Conn, cb display.Callbacks) *session {
	return &session{
		conn:    conn,
		cb:      cb,
		pending: make(map[uint64]chan result),
		closed:  make(chan struct{}),
	}
}

func (s *session) readLoop() {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			local := s.local
			s.mu.Unlock()
			s.shutdown()
			if !local {
				if s.cb.OnError != nil {
					s.cb.OnError(fmt.Errorf("gateway connection lost: %w", err))
				}
			}
			return
		}
		msg, err := decodeMessage(data)
		if err != nil {
			log.Printf("event=gateway_decode_failed err=%q", err.Error())
			continue
		}
		s.dispatch(msg)
	}
}

func (s *session) dispatch(msg Message) {
	switch msg.Type {
	case MsgResult:
		s.mu.Lock()
		ch, ok := s.pending[msg.ID]
		delete(s.pending, msg.ID)
		s.mu.Unlock()
		if !ok {
			return
		}
		if msg.Error != "" {
			ch <- result{err: errors.New(msg.Error)}
			return
		}
		ch <- result{msg: msg}
	case MsgState:
		if s.cb.OnConnectionStateChange != nil {
			s.cb.OnConnectionStateChange(display.State(msg.State))
		}
	case MsgFirstFrame:
		if s.cb.FirstFrame != nil {
			s.cb.FirstFrame()
		}
	case MsgError:
		if s.cb.OnError != nil {
			s.cb.OnError(errors.New(msg.Error))
		}
	}
}

func (s *session) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.closed:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := s.conn.WriteMessage(websocket.PingMessage, nil)
			s.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (s *session) write(msg Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, b)
}

func (s *session) call(ctx context.Context, msg Message) (Message, error) {
	select {
	case <-s.closed:
		return Message{}, display.ErrSessionClosed
	default:
	}
	ch := make(chan result, 1)
	s.mu.Lock()
	s.nextID++
	msg.ID = s.nextID
	s.pending[msg.ID] = ch
	s.mu.Unlock()

	forget := func() {
		s.mu.Lock()
		delete(s.pending, msg.ID)
		s.mu.Unlock()
	}
	if err := s.write(msg); err != nil {
		forget()
		return Message{}, fmt.Errorf("write %s: %w", msg.Type, err)
	}
	select {
	case r := <-ch:
		return r.msg, r.err
	case <-ctx.Done():
		forget()
		return Message{}, ctx.Err()
	case <-s.closed:
		forget()
		return Message{}, display.ErrSessionClosed
	}
}

func (s *session) shutdown() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.conn.Close()
		s.mu.Lock()
		pending := s.pending
		s.pending = make(map[uint64]chan result)
		s.mu.Unlock()
		for _, ch := range pending {
			ch <- result{err: display.ErrSessionClosed}
		}
	})
}

// Disconnect says goodbye to the gateway and closes the socket. Safe to call
// more than once.
func (s *session) Disconnect() {
	s.mu.Lock()
	already := s.local
	s.local = true
	s.mu.Unlock()
	if already {
		return
	}
	select {
	case <-s.closed:
	default:
		_ = s.write(Message{Type: MsgBye})
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()
	}
	s.shutdown()
	if s.cb.OnConnectionStateChange != nil {
		s.cb.OnConnectionStateChange(display.StateDisconnected)
	}
}

func (s *session) RequestResolution(ctx context.Context, width, height int) error {
	_, err := s.call(ctx, Message{Type: MsgRequestResolution, Width: width, Height: height})
	return err
}

func (s *session) GetStats(ctx context.Context) (display.Stats, error) {
	msg, err := s.call(ctx, Message{Type: MsgGetStats})
	if err != nil {
		return display.Stats{}, err
	}
	if msg.Stats == nil {
		return display.Stats{}, errors.New("stats missing from gateway result")
	}
	return display.Stats{LatencyMs: msg.Stats.LatencyMs, FPS: msg.Stats.FPS}, nil
}

func (s *session) SetDisplayQuality(ctx context.Context, min, max int) error {
	_, err := s.call(ctx, Message{Type: MsgSetQuality, Min: &min, Max: &max})
	return err
}

func (s *session) SetInputEnabled(ctx context.Context, ch display.Channel, enabled bool) error {
	_, err := s.call(ctx, Message{Type: MsgSetInput, Channel: string(ch), Enabled: &enabled})
	return err
}

// SendKeyboardShortcut is fire-and-forget: it returns once the frame is
// written and does not wait for the host to acknowledge it.
func (s *session) SendKeyboardShortcut(_ context.Context, keys []display.KeyEvent) error {
	select {
	case <-s.closed:
		return display.ErrSessionClosed
	default:
	}
	payload := make([]keyPayload, 0, len(keys))
	for _, k := range keys {
		payload = append(payload, keyPayload{Key: k.Key, Down: k.Down})
	}
	return s.write(Message{Type: MsgShortcut, Keys: payload})
}
