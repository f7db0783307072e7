package viewer

import (
	"time"

	"github.com/smartpcapp/smartpc-control-plane/internal/display"
)

type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
)

// Transient reports whether a connect attempt is in flight.
func (s ConnectionState) Transient() bool {
	return s == StateConnecting || s == StateReconnecting
}

type ConnectionStats struct {
	LatencyMs float64
	FPS       float64
	SampledAt time.Time
}

// statsBuffer keeps the latest sample plus a bounded history for charting.
type statsBuffer struct {
	size    int
	samples []ConnectionStats
	next    int
	full    bool
}

func newStatsBuffer(size int) statsBuffer {
	if size <= 0 {
		size = 1
	}
	return statsBuffer{size: size, samples: make([]ConnectionStats, size)}
}

func (b *statsBuffer) push(s ConnectionStats) {
	b.samples[b.next] = s
	b.next = (b.next + 1) % b.size
	if b.next == 0 {
		b.full = true
	}
}

func (b *statsBuffer) latest() (ConnectionStats, bool) {
	if !b.full && b.next == 0 {
		return ConnectionStats{}, false
	}
	i := (b.next - 1 + b.size) % b.size
	return b.samples[i], true
}

// history returns samples oldest first.
func (b *statsBuffer) history() []ConnectionStats {
	if !b.full {
		return append([]ConnectionStats(nil), b.samples[:b.next]...)
	}
	out := make([]ConnectionStats, 0, b.size)
	out = append(out, b.samples[b.next:]...)
	return append(out, b.samples[:b.next]...)
}

func (b *statsBuffer) reset() {
	b.next = 0
	b.full = false
}

// Snapshot is a consistent read of everything the viewport shell renders.
type Snapshot struct {
	State       ConnectionState
	SessionID   string
	Quality     QualityPreset
	Inputs      InputCapabilitySet
	Stats       *ConnectionStats
	Resolution  string
	Layout      Layout
	Effect      EffectKind
	LastError   string
	ChangedAt   time.Time
	IsConnected bool
}

func inputConfig(set InputCapabilitySet) display.InputConfig {
	return display.InputConfig{
		Keyboard:          set.Keyboard,
		Mouse:             set.Mouse,
		Touch:             set.Touch,
		Audio:             set.Audio,
		RelativeMouse:     true,
		TouchGestures:     true,
		ClipboardForward:  true,
		ClipboardBackward: true,
	}
}
