package socket

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrMissingType  = errors.New("message type required")
	ErrMissingScene = errors.New("message scene required")
	ErrNoRecipient  = errors.New("no user can receive this message")
)

const (
	TypeHello         = "hello"
	TypeTokenPlaced   = "token.placed"
	TypeTokenRemoved  = "token.removed"
	TypeWallChanged   = "wall.changed"
	TypeWallRemoved   = "wall.removed"
	TypeHighlight     = "highlight"
	TypeSettingChange = "setting.changed"
	TypeError         = "error"
)

// RecipientGM addresses a message to whichever GM is currently handling
// requests on behalf of players.
const RecipientGM = "@gm"

// RecipientOwner addresses a message to the active owner of the token named
// in its payload, or the first active GM when no owner is connected.
const RecipientOwner = "@owner"

// Message is the envelope exchanged between clients of a scene. A message with
// no Recipients is delivered to everyone subscribed to the scene.
type Message struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Scene      string          `json:"scene"`
	Sender     string          `json:"sender,omitempty"`
	Recipients []string        `json:"recipients,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Sent       time.Time       `json:"sent"`
}

// NewMessage builds a broadcast message with payload encoded as JSON.
func NewMessage(scene, typ, sender string, payload any) (Message, error) {
	m := Message{
		ID:     uuid.NewString(),
		Type:   typ,
		Scene:  scene,
		Sender: sender,
		Sent:   time.Now().UTC(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Message{}, err
		}
		m.Payload = raw
	}
	return m, nil
}

// For reports whether user should receive m.
func (m Message) For(user string) bool {
	if len(m.Recipients) == 0 {
		return true
	}
	for _, r := range m.Recipients {
		if r == user {
			return true
		}
	}
	return false
}

// stamp fills the fields a client is not trusted to set.
func (m *Message) stamp() error {
	if m.Type == "" {
		return ErrMissingType
	}
	if m.Scene == "" {
		return ErrMissingScene
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Sent.IsZero() {
		m.Sent = time.Now().UTC()
	}
	return nil
}
