package viewer

import (
	"errors"

	"github.com/smartpcapp/smartpc-control-plane/internal/display"
)

var (
	ErrSessionActive      = errors.New("viewer session already active")
	ErrNotConnected       = errors.New("viewer not connected")
	ErrInvalidDescriptor  = errors.New("session descriptor incomplete")
	ErrUnknownPreset      = errors.New("unknown quality preset")
	ErrUnknownChannel     = display.ErrUnknownChannel
	ErrInvalidResolution  = errors.New("invalid resolution")
	ErrEmptyShortcut      = errors.New("shortcut has no keys")
	ErrShortcutThrottled  = errors.New("shortcut injection throttled")
	ErrViewerClosed       = errors.New("viewer closed")
	errRemoteDisconnected = errors.New("remote host closed the session")
)
