package viewer

import (
	"sync"
	"time"

	"github.com/smartpcapp/smartpc-control-plane/internal/metrics"
)

type EffectKind string

const (
	EffectNone     EffectKind = ""
	EffectPowerOn  EffectKind = "power_on"
	EffectPowerOff EffectKind = "power_off"
)

// Track is one overlay animation within an effect.
type Track struct {
	Name     string
	Delay    time.Duration
	Duration time.Duration
}

func (t Track) end() time.Duration {
	return t.Delay + t.Duration
}

var effectTimelines = map[EffectKind][]Track{
	EffectPowerOn: {
		{Name: "scale", Duration: 1500 * time.Millisecond},
		{Name: "flash", Duration: 300 * time.Millisecond},
	},
	EffectPowerOff: {
		{Name: "scale", Duration: 1000 * time.Millisecond},
		{Name: "fade", Delay: 200 * time.Millisecond, Duration: 500 * time.Millisecond},
	},
}

// Timeline returns the tracks played for kind.
func Timeline(kind EffectKind) []Track {
	return append([]Track(nil), effectTimelines[kind]...)
}

// EffectDuration is how long kind stays active, the end of its longest track.
func EffectDuration(kind EffectKind) time.Duration {
	var d time.Duration
	for _, t := range effectTimelines[kind] {
		if t.end() > d {
			d = t.end()
		}
	}
	return d
}

// PowerEffect drives the power-on/off overlay. At most one effect is active;
// re-triggering the running kind is ignored.
type PowerEffect struct {
	clock    Clock
	onChange func()

	mu      sync.Mutex
	active  EffectKind
	timer   Timer
	gen     uint64
	started map[EffectKind]int
}

func newPowerEffect(clock Clock, onChange func()) *PowerEffect {
	return &PowerEffect{clock: clock, onChange: onChange, started: make(map[EffectKind]int)}
}

// Trigger starts kind and reports whether it started.
func (e *PowerEffect) Trigger(kind EffectKind) bool {
	d := EffectDuration(kind)
	if d == 0 {
		return false
	}
	e.mu.Lock()
	if e.active == kind {
		e.mu.Unlock()
		return false
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	e.gen++
	gen := e.gen
	e.active = kind
	e.started[kind]++
	e.timer = e.clock.AfterFunc(d, func() { e.finish(gen) })
	e.mu.Unlock()

	metrics.Default().IncCounter("smartpc_viewer_power_effects_total", map[string]string{"kind": string(kind)})
	e.changed()
	return true
}

func (e *PowerEffect) finish(gen uint64) {
	e.mu.Lock()
	if gen != e.gen {
		e.mu.Unlock()
		return
	}
	e.active = EffectNone
	e.timer = nil
	e.mu.Unlock()
	e.changed()
}

func (e *PowerEffect) changed() {
	if e.onChange != nil {
		e.onChange()
	}
}

func (e *PowerEffect) Active() EffectKind {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// Started counts how many times kind has actually started.
func (e *PowerEffect) Started(kind EffectKind) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.started[kind]
}

func (e *PowerEffect) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.gen++
	e.active = EffectNone
}
