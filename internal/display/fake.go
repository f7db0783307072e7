package display

import (
	"context"
	"crypto/rand"
	"sync"
	"time"
)

// FakeClient simulates a display host in-process. It is what the control
// plane runs against when no real gateway is configured.
type FakeClient struct {
	ConnectDelay    time.Duration
	FirstFrameDelay time.Duration
}

func NewFakeClient() *FakeClient {
	return &FakeClient{
		ConnectDelay:    150 * time.Millisecond,
		FirstFrameDelay: 250 * time.Millisecond,
	}
}

func (f *FakeClient) Connect(ctx context.Context, cfg Config) (Session, error) {
	if err := sleepCtx(ctx, f.ConnectDelay); err != nil {
		return nil, err
	}
	s := &FakeSession{
		cfg:    cfg,
		closed: make(chan struct{}),
		inputs: map[Channel]bool{
			ChannelKeyboard: cfg.Input.Keyboard,
			ChannelMouse:    cfg.Input.Mouse,
			ChannelTouch:    cfg.Input.Touch,
			ChannelAudio:    cfg.Input.Audio,
		},
		maxQuality: 100,
	}
	if cb := cfg.Callbacks.OnConnectionStateChange; cb != nil {
		cb(StateConnected)
	}
	go func() {
		t := time.NewTimer(f.FirstFrameDelay)
		defer t.Stop()
		select {
		case <-s.closed:
		case <-t.C:
			if cb := cfg.Callbacks.FirstFrame; cb != nil {
				cb()
			}
		}
	}()
	return s, nil
}

// FakeSession records the last values pushed to it.
type FakeSession struct {
	cfg    Config
	closed chan struct{}

	mu         sync.Mutex
	once       sync.Once
	width      int
	height     int
	minQuality int
	maxQuality int
	inputs     map[Channel]bool
	keys       []KeyEvent
}

func (s *FakeSession) Disconnect() {
	s.once.Do(func() {
		close(s.closed)
		if cb := s.cfg.Callbacks.OnConnectionStateChange; cb != nil {
			cb(StateDisconnected)
		}
	})
}

func (s *FakeSession) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *FakeSession) RequestResolution(_ context.Context, width, height int) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.width, s.height = width, height
	return nil
}

func (s *FakeSession) GetStats(_ context.Context) (Stats, error) {
	if s.isClosed() {
		return Stats{}, ErrSessionClosed
	}
	jitter, err := randomUint8()
	if err != nil {
		return Stats{}, err
	}
	s.mu.Lock()
	q := s.maxQuality
	s.mu.Unlock()
	fps := 30.0
	if q >= 80 {
		fps = 60.0
	}
	return Stats{
		LatencyMs: 20 + float64(jitter%40),
		FPS:       fps - float64(jitter%5),
	}, nil
}

func (s *FakeSession) SetDisplayQuality(_ context.Context, min, max int) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.minQuality, s.maxQuality = min, max
	return nil
}

func (s *FakeSession) SetInputEnabled(_ context.Context, ch Channel, enabled bool) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inputs[ch] = enabled
	return nil
}

func (s *FakeSession) SendKeyboardShortcut(_ context.Context, keys []KeyEvent) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = append(s.keys, keys...)
	return nil
}

// Resolution returns the last requested framebuffer size.
func (s *FakeSession) Resolution() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.width, s.height
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func randomUint8() (byte, error) {
	var b [1]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}
