package viewer

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/smartpcapp/smartpc-control-plane/internal/metrics"
)

type Size struct {
	Width  int
	Height int
}

func (s Size) Valid() bool {
	return s.Width > 0 && s.Height > 0
}

// Key is the de-duplication memo for a size, "{w}x{h}".
func (s Size) Key() string {
	return fmt.Sprintf("%dx%d", s.Width, s.Height)
}

// ResolutionPresets are the sizes a user may pin the remote desktop to.
var ResolutionPresets = []Size{
	{1920, 1080},
	{1366, 768},
	{1280, 720},
	{1024, 768},
	{1600, 900},
	{2560, 1440},
	{3840, 2160},
}

func IsResolutionPreset(s Size) bool {
	for _, p := range ResolutionPresets {
		if p == s {
			return true
		}
	}
	return false
}

// Layout is the last layout the viewport shell reported.
type Layout struct {
	ContainerWidth int
	WindowHeight   int
	SidebarOpen    bool
	Fullscreen     bool
}

// Viewport holds the shell's latest measurements. The framebuffer follows the
// container's rendered width and the window's height.
type Viewport struct {
	mu     sync.Mutex
	layout Layout
}

func (v *Viewport) Measure() Size {
	v.mu.Lock()
	defer v.mu.Unlock()
	return Size{Width: v.layout.ContainerWidth, Height: v.layout.WindowHeight}
}

func (v *Viewport) Layout() Layout {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.layout
}

func (v *Viewport) Resize(containerWidth, windowHeight int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.layout.ContainerWidth = containerWidth
	v.layout.WindowHeight = windowHeight
}

func (v *Viewport) SetSidebarOpen(open bool) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	changed := v.layout.SidebarOpen != open
	v.layout.SidebarOpen = open
	return changed
}

func (v *Viewport) ToggleFullscreen() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.layout.Fullscreen = !v.layout.Fullscreen
	return v.layout.Fullscreen
}

type measurer interface {
	Measure() Size
}

// Negotiator keeps the remote framebuffer size in step with the viewport.
// A request is only issued when the computed key differs from the stored one;
// the key is stored before the request resolves so an identical size is
// never in flight twice.
type Negotiator struct {
	viewport    measurer
	source      sessionSource
	sched       *Scheduler
	callTimeout time.Duration
	wg          sync.WaitGroup

	mu       sync.Mutex
	key      string
	keyEpoch uint64
}

func newNegotiator(viewport measurer, source sessionSource, clock Clock, frame, settle, callTimeout time.Duration) *Negotiator {
	n := &Negotiator{viewport: viewport, source: source, callTimeout: callTimeout}
	n.sched = NewScheduler(clock, frame, settle, n.recompute)
	return n
}

// Trigger coalesces a layout change into the next frame pass.
func (n *Negotiator) Trigger() {
	n.sched.Schedule()
}

// TriggerSettled re-measures once a layout transition has finished.
func (n *Negotiator) TriggerSettled() {
	n.sched.ScheduleSettled()
}

// NegotiateNow measures and requests immediately, bypassing the scheduler.
func (n *Negotiator) NegotiateNow() {
	n.sched.Cancel()
	n.recompute()
}

func (n *Negotiator) recompute() {
	n.request(n.viewport.Measure())
}

// Request asks for an explicit size through the same memo.
func (n *Negotiator) Request(size Size) error {
	if !size.Valid() {
		return fmt.Errorf("%w: %dx%d", ErrInvalidResolution, size.Width, size.Height)
	}
	if _, ok := n.source.lease(); !ok {
		return ErrNotConnected
	}
	n.request(size)
	return nil
}

func (n *Negotiator) request(size Size) {
	if !size.Valid() {
		return
	}
	key := size.Key()
	n.mu.Lock()
	if key == n.key {
		n.mu.Unlock()
		return
	}
	l, ok := n.source.lease()
	if !ok {
		n.mu.Unlock()
		return
	}
	n.key = key
	n.keyEpoch = l.epoch
	n.mu.Unlock()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.send(l, size, key)
	}()
}

func (n *Negotiator) send(l lease, size Size, key string) {
	ctx, cancel := context.WithTimeout(l.ctx, n.callTimeout)
	defer cancel()
	start := time.Now()
	err := l.session.RequestResolution(ctx, size.Width, size.Height)
	durMS := float64(time.Since(start).Milliseconds())
	labels := map[string]string{}
	if err != nil {
		log.Printf("event=viewer_resize_failed epoch=%d resolution=%s err=%q", l.epoch, key, err.Error())
		labels["status"] = "error"
		metrics.Default().IncCounter("smartpc_viewer_resolution_requests_total", labels)
		metrics.Default().ObserveHistogram("smartpc_viewer_resolution_latency_ms", durMS, labels)
		n.mu.Lock()
		if n.key == key && n.keyEpoch == l.epoch {
			n.key = ""
		}
		n.mu.Unlock()
		return
	}
	log.Printf("metric=viewer_resolution_latency_ms epoch=%d resolution=%s value=%d status=ok", l.epoch, key, int64(durMS))
	labels["status"] = "ok"
	metrics.Default().IncCounter("smartpc_viewer_resolution_requests_total", labels)
	metrics.Default().ObserveHistogram("smartpc_viewer_resolution_latency_ms", durMS, labels)
}

// Key returns the last requested resolution key, empty when none.
func (n *Negotiator) Key() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.key
}

// Reset forgets the memo and drops pending passes. Called on teardown.
func (n *Negotiator) Reset() {
	n.sched.Cancel()
	n.mu.Lock()
	n.key = ""
	n.keyEpoch = 0
	n.mu.Unlock()
}

func (n *Negotiator) stop() {
	n.sched.Stop()
	n.wg.Wait()
}
