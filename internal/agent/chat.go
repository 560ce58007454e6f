package agent

import (
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/servidesk/servidesk/internal/e2e"
	"github.com/servidesk/servidesk/internal/protocol"
)

// decryptChatBody opens the base64 AEAD blob carried in a chat_message's
// encrypted field.
func decryptChatBody(channel *e2e.Channel, encrypted string) (protocol.ChatBody, error) {
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

// encryptChatBody seals a chat body for the wire; used when the channel is
// up, otherwise the plaintext message field is sent instead.
func encryptChatBody(channel *e2e.Channel, message, sender string) (string, error) {
	body := protocol.ChatBody{
		Message:   message,
		Sender:    sender,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	plain, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	sealed, err := channel.Encrypt(plain)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// SendChat delivers a chat message to the viewer, encrypted when possible.
func (s *session) SendChat(message string) {
	chat := protocol.ChatMessage{
		Sender:    "customer",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if s.channel.IsReady() {
		encrypted, err := encryptChatBody(s.channel, message, "customer")
		if err != nil {
			log.Debug("chat encrypt failed", "error", err)
			return
		}
		chat.Encrypted = encrypted
	} else {
		chat.Message = message
	}
	s.client.sendEnvelope(protocol.TypeChatMessage, chat)
}
