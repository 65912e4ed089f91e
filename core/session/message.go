package session

import (
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Role is the speaker of a dialogue message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

var roleLabels = map[Role]string{
	RoleUser:      "User",
	RoleAssistant: "Assistant",
	RoleSystem:    "System",
}

// ParseRole accepts the wire names of the three roles.
func ParseRole(s string) (Role, bool) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	_, ok := roleLabels[r]
	return r, ok
}

const (
	maxSenderRunes = 20
	unknownSender  = "unknown user"
	timeLayout     = "2006-01-02 15:04:05"
)

// Message is one dialogue entry.
type Message struct {
	ID        string    `json:"id,omitempty"`
	Role      Role      `json:"role"`
	Name      string    `json:"name,omitempty"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp,omitzero"`
}

// NewMessage stamps a message with a fresh ID and the given time.
func NewMessage(role Role, name, content string, at time.Time) Message {
	return Message{
		ID:        uuid.NewString(),
		Role:      role,
		Name:      name,
		Content:   content,
		Timestamp: at,
	}
}

// Render produces the text sent to the model for this message.
func (m Message) Render() string {
	var b strings.Builder
	if !m.Timestamp.IsZero() {
		b.WriteString("[")
		b.WriteString(m.Timestamp.Local().Format(timeLayout))
		b.WriteString("] ")
	}
	label, ok := roleLabels[m.Role]
	if !ok {
		label = string(m.Role)
	}
	b.WriteString(label)
	if m.Name != "" {
		b.WriteString("[")
		b.WriteString(m.Name)
		b.WriteString("]")
	}
	b.WriteString(": ")
	b.WriteString(m.Content)
	return b.String()
}

// SanitizeSender strips control characters from a display name and truncates
// it to 20 runes.
func SanitizeSender(name string) string {
	clean := strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, name)
	if utf8.RuneCountInString(clean) > maxSenderRunes {
		clean = string([]rune(clean)[:maxSenderRunes])
	}
	if strings.TrimSpace(clean) == "" {
		return unknownSender
	}
	return clean
}
