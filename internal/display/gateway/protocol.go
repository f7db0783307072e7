package gateway

import "encoding/json"

type MessageType string

const (
	MsgAuth              MessageType = "auth"
	MsgState             MessageType = "state"
	MsgFirstFrame        MessageType = "first_frame"
	MsgError             MessageType = "error"
	MsgResult            MessageType = "result"
	MsgRequestResolution MessageType = "request_resolution"
	MsgSetQuality        MessageType = "set_quality"
	MsgSetInput          MessageType = "set_input"
	MsgShortcut          MessageType = "shortcut"
	MsgGetStats          MessageType = "get_stats"
	MsgBye               MessageType = "bye"
)

type authPayload struct {
	SessionID string       `json:"session_id"`
	AuthToken string       `json:"auth_token"`
	Input     inputPayload `json:"input"`
	Codec     string       `json:"codec"`
}

type inputPayload struct {
	Keyboard          bool `json:"keyboard"`
	Mouse             bool `json:"mouse"`
	Touch             bool `json:"touch"`
	Audio             bool `json:"audio"`
	RelativeMouse     bool `json:"relative_mouse"`
	TouchGestures     bool `json:"touch_gestures"`
	ClipboardForward  bool `json:"clipboard_forward"`
	ClipboardBackward bool `json:"clipboard_backward"`
}

type keyPayload struct {
	Key  string `json:"key"`
	Down bool   `json:"down"`
}

type statsPayload struct {
	LatencyMs float64 `json:"latency_ms"`
	FPS       float64 `json:"fps"`
}

// Message is the single envelope used in both directions. Only the fields
// relevant to Type are populated.
type Message struct {
	Type    MessageType   `json:"type"`
	ID      uint64        `json:"id,omitempty"`
	State   string        `json:"state,omitempty"`
	Error   string        `json:"error,omitempty"`
	Auth    *authPayload  `json:"auth,omitempty"`
	Width   int           `json:"width,omitempty"`
	Height  int           `json:"height,omitempty"`
	Min     *int          `json:"min,omitempty"`
	Max     *int          `json:"max,omitempty"`
	Channel string        `json:"channel,omitempty"`
	Enabled *bool         `json:"enabled,omitempty"`
	Keys    []keyPayload  `json:"keys,omitempty"`
	Stats   *statsPayload `json:"stats,omitempty"`
}

func decodeMessage(data []byte) (Message, error) {
	var m Message
	err := json.Unmarshal(data, &m)
	return m, err
}
