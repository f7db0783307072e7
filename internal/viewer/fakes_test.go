package viewer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/smartpcapp/smartpc-control-plane/internal/display"
	"github.com/smartpcapp/smartpc-control-plane/internal/model"
)

type manualClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

type manualTimer struct {
	c       *manualClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func (t *manualTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{c: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves time forward, firing due timers in order on the caller's
// goroutine.
func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()
	for {
		c.mu.Lock()
		var next *manualTimer
		for _, t := range c.timers {
			if t.stopped || t.fired || t.at.After(target) {
				continue
			}
			if next == nil || t.at.Before(next.at) {
				next = t
			}
		}
		if next == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		next.fired = true
		c.now = next.at
		c.mu.Unlock()
		next.f()
	}
}

type inputCall struct {
	ch      display.Channel
	enabled bool
}

type stubSession struct {
	mu            sync.Mutex
	resolutions   []Size
	qualities     [][2]int
	inputs        []inputCall
	keys          [][]display.KeyEvent
	statsCalls    int
	disconnects   int
	resolutionErr error
	statsFn       func(context.Context) (display.Stats, error)
}

func (s *stubSession) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnects++
}

func (s *stubSession) RequestResolution(_ context.Context, w, h int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resolutions = append(s.resolutions, Size{Width: w, Height: h})
	return s.resolutionErr
}

func (s *stubSession) GetStats(ctx context.Context) (display.Stats, error) {
	s.mu.Lock()
	s.statsCalls++
	fn := s.statsFn
	s.mu.Unlock()
	if fn != nil {
		return fn(ctx)
	}
	return display.Stats{LatencyMs: 24, FPS: 60}, nil
}

func (s *stubSession) SetDisplayQuality(_ context.Context, min, max int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.qualities = append(s.qualities, [2]int{min, max})
	return nil
}

func (s *stubSession) SetInputEnabled(_ context.Context, ch display.Channel, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inputs = append(s.inputs, inputCall{ch: ch, enabled: enabled})
	return nil
}

func (s *stubSession) SendKeyboardShortcut(_ context.Context, keys []display.KeyEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = append(s.keys, keys)
	return nil
}

func (s *stubSession) resolutionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.resolutions)
}

func (s *stubSession) resolutionsCopy() []Size {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Size(nil), s.resolutions...)
}

func (s *stubSession) qualitiesCopy() [][2]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][2]int(nil), s.qualities...)
}

func (s *stubSession) disconnectCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disconnects
}

func (s *stubSession) statsCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statsCalls
}

type stubClient struct {
	mu        sync.Mutex
	configs   []display.Config
	sessions  []*stubSession
	connectFn func(context.Context, display.Config) (display.Session, error)
}

func (c *stubClient) Connect(ctx context.Context, cfg display.Config) (display.Session, error) {
	c.mu.Lock()
	c.configs = append(c.configs, cfg)
	fn := c.connectFn
	c.mu.Unlock()
	if fn != nil {
		return fn(ctx, cfg)
	}
	s := &stubSession{}
	c.mu.Lock()
	c.sessions = append(c.sessions, s)
	c.mu.Unlock()
	return s, nil
}

func (c *stubClient) connectCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.configs)
}

func (c *stubClient) config(i int) display.Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.configs[i]
}

func (c *stubClient) session(i int) *stubSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i >= len(c.sessions) {
		return nil
	}
	return c.sessions[i]
}

type recordingSink struct {
	mu     sync.Mutex
	events []model.ViewerEvent
}

func (s *recordingSink) RecordViewerEvent(_ context.Context, ev model.ViewerEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) kinds() []model.ViewerEventKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.ViewerEventKind, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, ev.Kind)
	}
	return out
}

var testDescriptor = model.SessionDescriptor{
	SessionID:   "ses_1",
	AuthToken:   "tok_1",
	HostAddress: "https://desk-1.example.net:8443",
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestViewer(t *testing.T, client *stubClient, clock *manualClock) *Viewer {
	t.Helper()
	v := New(client, Options{
		UserID:        "usr_1",
		StatsInterval: time.Hour,
		Clock:         clock,
	})
	t.Cleanup(v.Close)
	return v
}

// connectAndStream connects, waits for the handle and delivers the first
// frame.
func connectAndStream(t *testing.T, v *Viewer, client *stubClient) *stubSession {
	t.Helper()
	n := client.connectCount()
	if err := v.Connect(testDescriptor); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, "session handle", func() bool {
		v.mu.Lock()
		defer v.mu.Unlock()
		return v.session != nil
	})
	client.config(n).Callbacks.FirstFrame()
	waitFor(t, "connected state", func() bool { return v.State() == StateConnected })
	return client.session(n)
}

// drain waits for every async call the viewer has issued so far.
func drain(v *Viewer) {
	v.negotiator.wg.Wait()
	v.caps.wait()
}
