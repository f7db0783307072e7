// Package viewer is the client-side core of a remote desktop view: it owns the
// single display session for a user and keeps the remote framebuffer, encoder
// quality, input channels and telemetry in step with what the user sees.
package viewer

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/smartpcapp/smartpc-control-plane/internal/display"
	"github.com/smartpcapp/smartpc-control-plane/internal/metrics"
	"github.com/smartpcapp/smartpc-control-plane/internal/model"
)

// EventSink receives lifecycle events. Writes happen off the state lock and
// failures are only logged.
type EventSink interface {
	RecordViewerEvent(ctx context.Context, ev model.ViewerEvent) error
}

type Options struct {
	UserID         string
	StatsInterval  time.Duration
	FrameInterval  time.Duration
	SettleDelay    time.Duration
	ConnectTimeout time.Duration
	CallTimeout    time.Duration
	HistorySize    int
	ShortcutRate   float64
	ShortcutBurst  int
	UseGateway     bool
	Codec          string
	Clock          Clock
	Sink           EventSink
}

func (o Options) withDefaults() Options {
	if o.StatsInterval <= 0 {
		o.StatsInterval = 2 * time.Second
	}
	if o.FrameInterval <= 0 {
		o.FrameInterval = 16 * time.Millisecond
	}
	if o.SettleDelay <= 0 {
		o.SettleDelay = 300 * time.Millisecond
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 30 * time.Second
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = 10 * time.Second
	}
	if o.HistorySize <= 0 {
		o.HistorySize = 50
	}
	if o.ShortcutRate <= 0 {
		o.ShortcutRate = 5
	}
	if o.ShortcutBurst <= 0 {
		o.ShortcutBurst = 5
	}
	if o.Clock == nil {
		o.Clock = realClock{}
	}
	return o
}

// lease is a read-only view of the live session handed to collaborators.
// Results they produce are applied only while epoch is still current.
type lease struct {
	session display.Session
	ctx     context.Context
	epoch   uint64
}

type sessionSource interface {
	lease() (lease, bool)
}

const sinkTimeout = 5 * time.Second

type Viewer struct {
	client display.Client
	opts   Options
	clock  Clock

	viewport   *Viewport
	negotiator *Negotiator
	caps       *Capabilities
	poller     *Poller
	effect     *PowerEffect

	mu                sync.Mutex
	state             ConnectionState
	session           display.Session
	desc              model.SessionDescriptor
	hadSession        bool
	epoch             uint64
	firstFramePending bool
	sessCtx           context.Context
	sessCancel        context.CancelFunc
	connectStarted    time.Time
	lastErr           string
	changedAt         time.Time
	stats             statsBuffer
	closed            bool

	subsMu  sync.Mutex
	subs    map[int]chan Snapshot
	nextSub int

	wg sync.WaitGroup
}

func New(client display.Client, opts Options) *Viewer {
	opts = opts.withDefaults()
	v := &Viewer{
		client:   client,
		opts:     opts,
		clock:    opts.Clock,
		viewport: &Viewport{},
		state:    StateDisconnected,
		stats:    newStatsBuffer(opts.HistorySize),
		subs:     make(map[int]chan Snapshot),
	}
	v.changedAt = v.clock.Now()
	v.negotiator = newNegotiator(v.viewport, v, v.clock, opts.FrameInterval, opts.SettleDelay, opts.CallTimeout)
	v.caps = newCapabilities(v, opts.CallTimeout, opts.ShortcutRate, opts.ShortcutBurst)
	v.poller = newPoller(opts.StatsInterval, opts.CallTimeout, v.clock, v.applyStats)
	v.effect = newPowerEffect(v.clock, v.notify)
	return v
}

func (v *Viewer) lease() (lease, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.leaseLocked()
}

func (v *Viewer) leaseLocked() (lease, bool) {
	if v.session == nil || v.state != StateConnected {
		return lease{}, false
	}
	return lease{session: v.session, ctx: v.sessCtx, epoch: v.epoch}, true
}

func (v *Viewer) setStateLocked(s ConnectionState) {
	v.state = s
	v.changedAt = v.clock.Now()
}

// Connect opens a session to the host named by desc. It returns before the
// session is established; progress is visible through State and Subscribe.
func (v *Viewer) Connect(desc model.SessionDescriptor) error {
	if !desc.Valid() {
		return ErrInvalidDescriptor
	}
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return ErrViewerClosed
	}
	if v.session != nil || v.state != StateDisconnected {
		v.mu.Unlock()
		return ErrSessionActive
	}
	v.epoch++
	epoch := v.epoch
	ctx, cancel := context.WithCancel(context.Background())
	v.sessCtx, v.sessCancel = ctx, cancel
	v.desc = desc
	v.firstFramePending = false
	v.lastErr = ""
	v.stats.reset()
	v.connectStarted = time.Now()
	next := StateConnecting
	if v.hadSession {
		next = StateReconnecting
	}
	v.setStateLocked(next)
	v.mu.Unlock()
	v.caps.resetQuality()

	log.Printf("event=viewer_connect user_id=%s session_id=%s state=%s epoch=%d", v.opts.UserID, desc.SessionID, next, epoch)
	metrics.Default().IncCounter("smartpc_viewer_connects_total", map[string]string{"state": string(next)})
	v.effect.Trigger(EffectPowerOn)
	v.record(desc.SessionID, model.ViewerEventConnecting, string(next))
	v.notify()

	cfg := display.Config{
		HostAddress: desc.HostAddress,
		SessionID:   desc.SessionID,
		AuthToken:   desc.AuthToken,
		UseGateway:  v.opts.UseGateway,
		Input:       inputConfig(v.caps.Inputs()),
		Display:     display.DisplayConfig{Codec: v.opts.Codec},
		Callbacks:   v.callbacks(epoch),
	}
	v.wg.Add(1)
	go v.dial(ctx, epoch, cfg)
	return nil
}

func (v *Viewer) callbacks(epoch uint64) display.Callbacks {
	return display.Callbacks{
		OnConnectionStateChange: func(s display.State) { v.onStateChange(epoch, s) },
		OnError:                 func(err error) { v.teardown(epoch, err) },
		FirstFrame:              func() { v.onFirstFrame(epoch) },
	}
}

func (v *Viewer) dial(ctx context.Context, epoch uint64, cfg display.Config) {
	defer v.wg.Done()
	dialCtx, cancel := context.WithTimeout(ctx, v.opts.ConnectTimeout)
	defer cancel()
	sess, err := v.client.Connect(dialCtx, cfg)

	v.mu.Lock()
	if epoch != v.epoch {
		v.mu.Unlock()
		if sess != nil {
			log.Printf("event=viewer_connect_superseded user_id=%s epoch=%d", v.opts.UserID, epoch)
			sess.Disconnect()
		}
		return
	}
	if err != nil {
		v.mu.Unlock()
		v.teardown(epoch, err)
		return
	}
	v.session = sess
	v.hadSession = true
	pending := v.firstFramePending
	v.mu.Unlock()

	log.Printf("event=viewer_session_open user_id=%s session_id=%s epoch=%d", v.opts.UserID, cfg.SessionID, epoch)
	if pending {
		v.onFirstFrame(epoch)
	}
}

func (v *Viewer) onStateChange(epoch uint64, s display.State) {
	log.Printf("event=viewer_host_state user_id=%s state=%s epoch=%d", v.opts.UserID, s, epoch)
	if s == display.StateDisconnected {
		v.teardown(epoch, errRemoteDisconnected)
	}
}

func (v *Viewer) onFirstFrame(epoch uint64) {
	v.mu.Lock()
	if epoch != v.epoch || v.closed {
		v.mu.Unlock()
		return
	}
	if v.session == nil {
		v.firstFramePending = true
		v.mu.Unlock()
		return
	}
	if v.state == StateConnected {
		v.mu.Unlock()
		return
	}
	v.firstFramePending = false
	v.setStateLocked(StateConnected)
	l, _ := v.leaseLocked()
	sessionID := v.desc.SessionID
	latency := float64(time.Since(v.connectStarted).Milliseconds())
	v.mu.Unlock()

	log.Printf("event=viewer_connected user_id=%s session_id=%s epoch=%d first_frame_ms=%d", v.opts.UserID, sessionID, epoch, int64(latency))
	metrics.Default().ObserveHistogram("smartpc_viewer_first_frame_ms", latency, nil)
	v.negotiator.NegotiateNow()
	v.caps.applyQuality(l)
	v.poller.Start(l)
	v.record(sessionID, model.ViewerEventConnected, "")
	v.notify()
}

// teardown ends the session identified by epoch; epoch 0 targets whatever is
// current. A nil cause is a user disconnect. It reports whether anything was
// torn down.
func (v *Viewer) teardown(epoch uint64, cause error) bool {
	v.mu.Lock()
	if epoch != 0 && epoch != v.epoch {
		v.mu.Unlock()
		return false
	}
	if v.session == nil && v.state == StateDisconnected {
		v.mu.Unlock()
		return false
	}
	sess := v.session
	cancel := v.sessCancel
	current := v.epoch
	sessionID := v.desc.SessionID
	v.session = nil
	v.sessCancel = nil
	v.firstFramePending = false
	v.epoch++
	reason := "user"
	switch {
	case errors.Is(cause, errRemoteDisconnected):
		reason = "remote"
	case cause != nil:
		reason = "error"
		v.lastErr = cause.Error()
	}
	v.setStateLocked(StateDisconnected)
	v.mu.Unlock()

	v.poller.Stop()
	v.negotiator.Reset()
	if cancel != nil {
		cancel()
	}
	if sess != nil {
		sess.Disconnect()
	}
	v.effect.Trigger(EffectPowerOff)

	metrics.Default().IncCounter("smartpc_viewer_disconnects_total", map[string]string{"reason": reason})
	if reason == "error" {
		log.Printf("event=viewer_error user_id=%s session_id=%s epoch=%d err=%q", v.opts.UserID, sessionID, current, cause.Error())
		metrics.Default().IncCounter("smartpc_viewer_errors_total", nil)
		v.record(sessionID, model.ViewerEventError, cause.Error())
	} else {
		log.Printf("event=viewer_disconnected user_id=%s session_id=%s epoch=%d reason=%s", v.opts.UserID, sessionID, current, reason)
		v.record(sessionID, model.ViewerEventDisconnected, reason)
	}
	v.notify()
	return true
}

// Disconnect ends the current session or connect attempt. Calling it with
// nothing active is a no-op.
func (v *Viewer) Disconnect() {
	v.teardown(0, nil)
}

// Reconnect disconnects and connects again. A zero desc reuses the last
// descriptor.
func (v *Viewer) Reconnect(desc model.SessionDescriptor) error {
	if desc == (model.SessionDescriptor{}) {
		v.mu.Lock()
		desc = v.desc
		v.mu.Unlock()
	}
	if !desc.Valid() {
		return ErrInvalidDescriptor
	}
	v.Disconnect()
	return v.Connect(desc)
}

func (v *Viewer) applyStats(epoch uint64, st ConnectionStats) bool {
	v.mu.Lock()
	if epoch != v.epoch || v.state != StateConnected {
		v.mu.Unlock()
		return false
	}
	v.stats.push(st)
	v.mu.Unlock()
	v.notify()
	return true
}

func (v *Viewer) State() ConnectionState {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

func (v *Viewer) IsConnected() bool {
	_, ok := v.lease()
	return ok
}

// Stats returns the latest sample, if one was taken for the current session.
func (v *Viewer) Stats() (ConnectionStats, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.stats.latest()
}

// History returns recent samples, oldest first.
func (v *Viewer) History() []ConnectionStats {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.stats.history()
}

func (v *Viewer) LastError() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.lastErr
}

func (v *Viewer) SetQuality(p QualityPreset) error {
	if err := v.caps.SetQuality(p); err != nil {
		return err
	}
	v.notify()
	return nil
}

func (v *Viewer) SetInputEnabled(ch display.Channel, enabled bool) error {
	if _, err := display.ParseChannel(string(ch)); err != nil {
		return err
	}
	v.caps.SetInputEnabled(ch, enabled)
	v.notify()
	return nil
}

func (v *Viewer) SetInputs(set InputCapabilitySet) {
	v.caps.SetInputs(set)
	v.notify()
}

func (v *Viewer) SendShortcut(keys []string) error {
	return v.caps.SendShortcut(keys)
}

// Resize records the shell's measurements and schedules a frame pass.
func (v *Viewer) Resize(containerWidth, windowHeight int) {
	v.viewport.Resize(containerWidth, windowHeight)
	v.negotiator.Trigger()
	v.notify()
}

func (v *Viewer) SetSidebarOpen(open bool) {
	if !v.viewport.SetSidebarOpen(open) {
		return
	}
	v.negotiator.Trigger()
	v.negotiator.TriggerSettled()
	v.notify()
}

func (v *Viewer) ToggleFullscreen() bool {
	on := v.viewport.ToggleFullscreen()
	v.negotiator.Trigger()
	v.negotiator.TriggerSettled()
	v.notify()
	return on
}

// RequestResolution pins the remote framebuffer to one of ResolutionPresets.
// The next layout change re-derives the size from the viewport again.
func (v *Viewer) RequestResolution(width, height int) error {
	size := Size{Width: width, Height: height}
	if !IsResolutionPreset(size) {
		return ErrInvalidResolution
	}
	if err := v.negotiator.Request(size); err != nil {
		return err
	}
	v.notify()
	return nil
}

func (v *Viewer) Snapshot() Snapshot {
	v.mu.Lock()
	s := Snapshot{
		State:       v.state,
		SessionID:   v.desc.SessionID,
		LastError:   v.lastErr,
		ChangedAt:   v.changedAt,
		IsConnected: v.session != nil && v.state == StateConnected,
	}
	if st, ok := v.stats.latest(); ok {
		s.Stats = &st
	}
	v.mu.Unlock()
	s.Quality = v.caps.Quality()
	s.Inputs = v.caps.Inputs()
	s.Resolution = v.negotiator.Key()
	s.Layout = v.viewport.Layout()
	s.Effect = v.effect.Active()
	return s
}

// Subscribe returns a channel carrying the latest snapshot after every
// change. Slow readers only ever see the newest value. The returned func
// unsubscribes and closes the channel.
func (v *Viewer) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)
	v.subsMu.Lock()
	id := v.nextSub
	v.nextSub++
	v.subs[id] = ch
	ch <- v.Snapshot()
	v.subsMu.Unlock()

	return ch, func() {
		v.subsMu.Lock()
		defer v.subsMu.Unlock()
		if _, ok := v.subs[id]; ok {
			delete(v.subs, id)
			close(ch)
		}
	}
}

func (v *Viewer) notify() {
	v.subsMu.Lock()
	defer v.subsMu.Unlock()
	if len(v.subs) == 0 {
		return
	}
	snap := v.Snapshot()
	for _, ch := range v.subs {
		select {
		case ch <- snap:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}

func (v *Viewer) record(sessionID string, kind model.ViewerEventKind, detail string) {
	if v.opts.Sink == nil {
		return
	}
	ev := model.ViewerEvent{
		SessionID:  sessionID,
		UserID:     v.opts.UserID,
		Kind:       kind,
		Detail:     detail,
		ObservedAt: v.clock.Now().UTC(),
	}
	v.wg.Add(1)
	go func() {
		defer v.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
		defer cancel()
		if err := v.opts.Sink.RecordViewerEvent(ctx, ev); err != nil {
			log.Printf("event=viewer_event_record_failed user_id=%s kind=%s err=%q", ev.UserID, ev.Kind, err.Error())
		}
	}()
}

// Close tears down any session, stops every timer and waits for background
// work. The viewer rejects Connect afterwards.
func (v *Viewer) Close() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.closed = true
	v.mu.Unlock()

	v.teardown(0, nil)
	v.negotiator.stop()
	v.poller.Stop()
	v.poller.wait()
	v.caps.wait()
	v.wg.Wait()
	v.effect.Stop()

	v.subsMu.Lock()
	for id, ch := range v.subs {
		delete(v.subs, id)
		close(ch)
	}
	v.subsMu.Unlock()
}
