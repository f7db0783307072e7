// Package display defines the boundary to a remote display protocol client.
//
// A Client opens a Session against a provisioned desktop. Everything behind a
// Session (video decode, input capture, the wire protocol) belongs to the
// client implementation; callers only see the control surface below.
package display

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrSessionClosed  = errors.New("display session closed")
	ErrUnsupported    = errors.New("operation not supported by display client")
	ErrUnknownChannel = errors.New("unknown input channel")
)

// State is the connection state reported by the client through
// Callbacks.OnConnectionStateChange.
type State string

const (
	StateConnecting   State = "CONNECTING"
	StateConnected    State = "CONNECTED"
	StateDisconnected State = "DISCONNECTED"
)

type Channel string

const (
	ChannelKeyboard Channel = "keyboard"
	ChannelMouse    Channel = "mouse"
	ChannelTouch    Channel = "touch"
	ChannelAudio    Channel = "audio"
)

// Channels lists every input channel in a stable order.
var Channels = []Channel{ChannelKeyboard, ChannelMouse, ChannelTouch, ChannelAudio}

func ParseChannel(s string) (Channel, error) {
	c := Channel(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Channels {
		if c == known {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownChannel, s)
}

type Callbacks struct {
	OnConnectionStateChange func(State)
	OnError                 func(error)
	FirstFrame              func()
}

type InputConfig struct {
	Keyboard          bool
	Mouse             bool
	Touch             bool
	Audio             bool
	RelativeMouse     bool
	TouchGestures     bool
	ClipboardForward  bool
	ClipboardBackward bool
}

type DisplayConfig struct {
	Codec string
}

type Config struct {
	HostAddress string
	SessionID   string
	AuthToken   string
	UseGateway  bool
	Input       InputConfig
	Display     DisplayConfig
	Callbacks   Callbacks
}

type Stats struct {
	LatencyMs float64
	FPS       float64
}

type KeyEvent struct {
	Key  string
	Down bool
}

// KeyChord expands a shortcut like ["Control", "Alt", "Delete"] into press
// events in order followed by release events in reverse order.
func KeyChord(keys []string) []KeyEvent {
	out := make([]KeyEvent, 0, len(keys)*2)
	for _, k := range keys {
		out = append(out, KeyEvent{Key: k, Down: true})
	}
	for i := len(keys) - 1; i >= 0; i-- {
		out = append(out, KeyEvent{Key: keys[i], Down: false})
	}
	return out
}

type Session interface {
	Disconnect()
	RequestResolution(ctx context.Context, width, height int) error
	GetStats(ctx context.Context) (Stats, error)
	SetDisplayQuality(ctx context.Context, min, max int) error
	SetInputEnabled(ctx context.Context, ch Channel, enabled bool) error
	SendKeyboardShortcut(ctx context.Context, keys []KeyEvent) error
}

type Client interface {
	Connect(ctx context.Context, cfg Config) (Session, error)
}
