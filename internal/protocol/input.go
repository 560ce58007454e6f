package protocol

import "encoding/json"

// Input event types carried as 0x02 packets.
const (
	InputMouseMove     = "mouse_move"
	InputMouseClick    = "mouse_click"
	InputMouseScroll   = "mouse_scroll"
	InputKey           = "key"
	InputSpecialKey    = "special_key"
	InputQualityChange = "quality_change"
	InputSwitchMonitor = "switch_monitor"
)

// Mouse buttons and actions.
const (
	ButtonLeft   = "left"
	ButtonRight  = "right"
	ButtonMiddle = "middle"
	ActionDown   = "down"
	ActionUp     = "up"
)

// Special key combinations injected atomically on the agent.
const (
	ComboCtrlAltDel = "ctrl_alt_del"
	ComboAltTab     = "alt_tab"
	ComboAltF4      = "alt_f4"
)

// WheelDelta is one scroll notch in Windows wheel units.
const WheelDelta = 120

// Modifiers is the keyboard modifier state attached to key events.
type Modifiers struct {
	Ctrl  bool `json:"ctrl,omitempty"`
	Alt   bool `json:"alt,omitempty"`
	Shift bool `json:"shift,omitempty"`
	Win   bool `json:"win,omitempty"`
}

// InputEvent is the tagged union for every 0x02 payload. Which fields are
// meaningful depends on Type; coordinates are normalized floats in [0,1]
// with a top-left origin, scroll deltas are WheelDelta units.
type InputEvent struct {
	Type string `json:"type"`

	X float64 `json:"x,omitempty"`
	Y float64 `json:"y,omitempty"`

	Button string `json:"button,omitempty"`
	Action string `json:"action,omitempty"`

	DeltaX int `json:"delta_x,omitempty"`
	DeltaY int `json:"delta_y,omitempty"`

	KeyCode   int       `json:"key_code,omitempty"`
	Modifiers Modifiers `json:"modifiers,omitempty"`
	Char      string    `json:"char,omitempty"`

	Combination string `json:"combination,omitempty"`

	Quality string `json:"quality,omitempty"`
	FPS     int    `json:"fps,omitempty"`

	MonitorIndex int `json:"monitor_index,omitempty"`
}

// EncodeInputEvent serializes an event into a framed 0x02 packet.
func EncodeInputEvent(ev InputEvent) ([]byte, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return EncodePacket(PacketInputEvent, payload), nil
}

// DecodeInputEvent parses a 0x02 payload.
func DecodeInputEvent(payload []byte) (InputEvent, error) {
	var ev InputEvent
	err := json.Unmarshal(payload, &ev)
	return ev, err
}
