package session

import (
	"fmt"
	"time"

	"TermChat/internal/options"
)

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Format selects the backend output mode.
type Format string

const (
	FormatText Format = ""
	FormatJSON Format = "json"
)

// ParseFormat accepts "", "text" and "json".
func ParseFormat(s string) (Format, error) {
	switch s {
	case "", "text":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	default:
		return FormatText, fmt.Errorf("unknown format %q (text|json)", s)
	}
}

func (f Format) String() string {
	if f == FormatText {
		return "text"
	}
	return string(f)
}

// StreamState is the state of a session's stream state machine.
type StreamState int

const (
	StateIdle StreamState = iota
	StateStreaming
	StateError
)

func (s StreamState) String() string {
	switch s {
	case StateStreaming:
		return "streaming"
	case StateError:
		return "error"
	default:
		return "idle"
	}
}

// Message represents a single chat message
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Images    []string  `json:"images,omitempty"` // base64 payloads
	CreatedAt time.Time `json:"created_at"`
}

// Settings are the per-session generation settings fixed at creation.
type Settings struct {
	Name      string            `json:"name"`
	Model     string            `json:"model"`
	System    string            `json:"system,omitempty"`
	Format    Format            `json:"format"`
	Options   options.Overrides `json:"options"`
	KeepAlive time.Duration     `json:"keep_alive"`
}

// Record is a persisted session header as returned by a gateway.
type Record struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Settings
}
