package viewer

import (
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/servidesk/servidesk/internal/e2e"
	"github.com/servidesk/servidesk/internal/protocol"
)

// sendInput serializes one event into a 0x02 packet, sealed when the
// channel is up.
func (c *Client) sendInput(ev protocol.InputEvent) {
	packet, err := protocol.EncodeInputEvent(ev)
	if err != nil {
		return
	}
	c.mu.RLock()
	channel := c.channel
	c.mu.RUnlock()
	if channel != nil && channel.IsReady() {
		sealed, err := channel.Encrypt(packet)
		if err != nil {
			log.Debug("input seal failed", "error", err)
			return
		}
		c.sendBinary(sealed)
		return
	}
	c.sendBinary(packet)
}

// NormalizeMouse converts UI-space pixel coordinates into the wire's
// normalized [0,1] range with a top-left origin. Hosts whose coordinate
// origin is bottom-left flip y here so the wire stays uniform.
func NormalizeMouse(x, y, width, height float64, originBottomLeft bool) (nx, ny float64) {
	if width <= 0 || height <= 0 {
		return 0, 0
	}
	nx = clamp01(x / width)
	ny = clamp01(y / height)
	if originBottomLeft {
		ny = 1 - ny
	}
	return nx, ny
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// ScrollToWheelDelta converts scroll notches into WHEEL_DELTA units
// (120 per notch).
func ScrollToWheelDelta(notches float64) int {
	return int(notches * protocol.WheelDelta)
}

// SendMouseMove emits a normalized mouse_move.
func (c *Client) SendMouseMove(nx, ny float64) {
	c.sendInput(protocol.InputEvent{Type: protocol.InputMouseMove, X: clamp01(nx), Y: clamp01(ny)})
}

// SendMouseClick emits a mouse_click at the given normalized position.
func (c *Client) SendMouseClick(button, action string, nx, ny float64) {
	c.sendInput(protocol.InputEvent{
		Type:   protocol.InputMouseClick,
		Button: button,
		Action: action,
		X:      clamp01(nx),
		Y:      clamp01(ny),
	})
}

// SendMouseScroll emits a mouse_scroll in WHEEL_DELTA units.
func (c *Client) SendMouseScroll(deltaX, deltaY int) {
	c.sendInput(protocol.InputEvent{Type: protocol.InputMouseScroll, DeltaX: deltaX, DeltaY: deltaY})
}

// SendKey emits a key event. char is the printable code point when one
// applies; the agent decides between Unicode and virtual-key injection.
func (c *Client) SendKey(action string, keyCode int, mods protocol.Modifiers, char string) {
	c.sendInput(protocol.InputEvent{
		Type:      protocol.InputKey,
		Action:    action,
		KeyCode:   keyCode,
		Modifiers: mods,
		Char:      char,
	})
}

// SendSpecialKey emits one of the atomic key combinations.
func (c *Client) SendSpecialKey(combination string) {
	c.sendInput(protocol.InputEvent{Type: protocol.InputSpecialKey, Combination: combination})
}

// SendClipboard pushes viewer clipboard text to the agent.
func (c *Client) SendClipboard(text string) {
	packet := protocol.EncodePacket(protocol.PacketClipboardData, []byte(text))
	c.mu.RLock()
	channel := c.channel
	c.mu.RUnlock()
	if channel != nil && channel.IsReady() {
		sealed, err := channel.Encrypt(packet)
		if err != nil {
			return
		}
		c.sendBinary(sealed)
		return
	}
	c.sendBinary(packet)
}

// SendChat delivers a chat message, encrypted when the channel is up.
func (c *Client) SendChat(message string) {
	chat := protocol.ChatMessage{
		Sender:    c.adminName,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	c.mu.RLock()
	channel := c.channel
	c.mu.RUnlock()
	if channel != nil && channel.IsReady() {
		body, err := json.Marshal(protocol.ChatBody{
			Message:   message,
			Sender:    c.adminName,
			Timestamp: chat.Timestamp,
		})
		if err != nil {
			return
		}
		sealed, err := channel.Encrypt(body)
		if err != nil {
			return
		}
		chat.Encrypted = base64.StdEncoding.EncodeToString(sealed)
	} else {
		chat.Message = message
	}
	c.sendEnvelope(protocol.TypeChatMessage, chat)
}

// decryptChat opens the encrypted field of an inbound chat_message.
func decryptChat(channel *e2e.Channel, encrypted string) (protocol.ChatBody, error) {
	var body protocol.ChatBody
	raw, err := base64.StdEncoding.DecodeString(encrypted)
	if err != nil {
		return body, err
	}
	plain, err := channel.Decrypt(raw)
	if err != nil {
		return body, err
	}
	err = json.Unmarshal(plain, &body)
	return body, err
}
