package viewer

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/smartpcapp/smartpc-control-plane/internal/display"
	"github.com/smartpcapp/smartpc-control-plane/internal/metrics"
)

type QualityPreset string

const (
	QualityLow    QualityPreset = "low"
	QualityMedium QualityPreset = "medium"
	QualityHigh   QualityPreset = "high"
	QualityAuto   QualityPreset = "auto"
)

// Range maps a preset onto the numeric encoder quality window sent to the host.
func (p QualityPreset) Range() (min, max int, ok bool) {
	switch p {
	case QualityLow:
		return 10, 25, true
	case QualityMedium:
		return 40, 60, true
	case QualityHigh:
		return 80, 100, true
	case QualityAuto:
		return 0, 100, true
	}
	return 0, 0, false
}

func ParseQualityPreset(s string) (QualityPreset, error) {
	p := QualityPreset(strings.ToLower(strings.TrimSpace(s)))
	if _, _, ok := p.Range(); !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownPreset, s)
	}
	return p, nil
}

type InputCapabilitySet struct {
	Keyboard bool
	Mouse    bool
	Touch    bool
	Audio    bool
}

func AllInputsEnabled() InputCapabilitySet {
	return InputCapabilitySet{Keyboard: true, Mouse: true, Touch: true, Audio: true}
}

func (s InputCapabilitySet) Enabled(ch display.Channel) bool {
	switch ch {
	case display.ChannelKeyboard:
		return s.Keyboard
	case display.ChannelMouse:
		return s.Mouse
	case display.ChannelTouch:
		return s.Touch
	case display.ChannelAudio:
		return s.Audio
	}
	return false
}

func (s InputCapabilitySet) with(ch display.Channel, enabled bool) InputCapabilitySet {
	switch ch {
	case display.ChannelKeyboard:
		s.Keyboard = enabled
	case display.ChannelMouse:
		s.Mouse = enabled
	case display.ChannelTouch:
		s.Touch = enabled
	case display.ChannelAudio:
		s.Audio = enabled
	}
	return s
}

// Capabilities forwards quality and input changes to the live session. It
// holds the user's intent; the host is never asked to confirm it.
type Capabilities struct {
	source      sessionSource
	callTimeout time.Duration
	limiter     *rate.Limiter
	wg          sync.WaitGroup

	mu      sync.Mutex
	quality QualityPreset
	inputs  InputCapabilitySet
}

func newCapabilities(source sessionSource, callTimeout time.Duration, shortcutRate float64, shortcutBurst int) *Capabilities {
	return &Capabilities{
		source:      source,
		callTimeout: callTimeout,
		limiter:     rate.NewLimiter(rate.Limit(shortcutRate), shortcutBurst),
		quality:     QualityAuto,
		inputs:      AllInputsEnabled(),
	}
}

func (c *Capabilities) Quality() QualityPreset {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.quality
}

func (c *Capabilities) Inputs() InputCapabilitySet {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inputs
}

// SetQuality forwards the preset's range to the active session. Without a
// session nothing is recorded; the next first frame applies Auto anyway.
func (c *Capabilities) SetQuality(p QualityPreset) error {
	min, max, ok := p.Range()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownPreset, p)
	}
	l, ok := c.source.lease()
	if !ok {
		return ErrNotConnected
	}
	c.mu.Lock()
	c.quality = p
	c.mu.Unlock()
	c.forward(l, "set_quality", func(ctx context.Context) error {
		return l.session.SetDisplayQuality(ctx, min, max)
	})
	return nil
}

// resetQuality puts the selection back to Auto ahead of a new session.
func (c *Capabilities) resetQuality() {
	c.mu.Lock()
	c.quality = QualityAuto
	c.mu.Unlock()
}

// applyQuality pushes the current selection to a freshly connected session.
// Until the user picks a preset that is Auto.
func (c *Capabilities) applyQuality(l lease) {
	p := c.Quality()
	min, max, _ := p.Range()
	c.forward(l, "set_quality", func(ctx context.Context) error {
		return l.session.SetDisplayQuality(ctx, min, max)
	})
}

// SetInputEnabled records the intent for ch and, when a session is live,
// forwards it as its own call.
func (c *Capabilities) SetInputEnabled(ch display.Channel, enabled bool) {
	c.mu.Lock()
	c.inputs = c.inputs.with(ch, enabled)
	c.mu.Unlock()
	l, ok := c.source.lease()
	if !ok {
		return
	}
	c.forward(l, "set_input_"+string(ch), func(ctx context.Context) error {
		return l.session.SetInputEnabled(ctx, ch, enabled)
	})
}

// SetInputs applies a whole set, one independent call per changed channel.
func (c *Capabilities) SetInputs(set InputCapabilitySet) {
	prev := c.Inputs()
	for _, ch := range display.Channels {
		if prev.Enabled(ch) != set.Enabled(ch) {
			c.SetInputEnabled(ch, set.Enabled(ch))
		}
	}
}

// SendShortcut injects a key chord. No acknowledgement is awaited.
func (c *Capabilities) SendShortcut(keys []string) error {
	clean := make([]string, 0, len(keys))
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			clean = append(clean, k)
		}
	}
	if len(clean) == 0 {
		return ErrEmptyShortcut
	}
	l, ok := c.source.lease()
	if !ok {
		return ErrNotConnected
	}
	if !c.limiter.Allow() {
		metrics.Default().IncCounter("smartpc_viewer_forwards_total", map[string]string{"op": "shortcut", "status": "throttled"})
		return ErrShortcutThrottled
	}
	events := display.KeyChord(clean)
	c.forward(l, "shortcut", func(ctx context.Context) error {
		return l.session.SendKeyboardShortcut(ctx, events)
	})
	return nil
}

func (c *Capabilities) forward(l lease, op string, fn func(context.Context) error) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(l.ctx, c.callTimeout)
		defer cancel()
		labels := map[string]string{"op": op}
		if err := fn(ctx); err != nil {
			log.Printf("event=viewer_forward_failed op=%s epoch=%d err=%q", op, l.epoch, err.Error())
			labels["status"] = "error"
			metrics.Default().IncCounter("smartpc_viewer_forwards_total", labels)
			return
		}
		labels["status"] = "ok"
		metrics.Default().IncCounter("smartpc_viewer_forwards_total", labels)
	}()
}

// wait blocks until in-flight forwards have returned.
func (c *Capabilities) wait() {
	c.wg.Wait()
}
