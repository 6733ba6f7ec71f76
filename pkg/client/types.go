package client

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is the kernel status as reported by GET /kernel/status.
type Status struct {
	Status    string   `json:"status"`
	PID       *int     `json:"pid"`
	LastError *string  `json:"last_error"`
	Details   *Details `json:"details,omitempty"`
}

// Details are OS-level figures of the running kernel (status ?detail=1).
type Details struct {
	RSSBytes  uint64    `json:"rss_bytes"`
	CreatedAt time.Time `json:"created_at"`
}

type Version struct {
	Version string `json:"version"`
	Raw     string `json:"raw"`
}

type Latest struct {
	Latest          string `json:"latest"`
	Tag             string `json:"tag"`
	Installed       string `json:"installed,omitempty"`
	UpdateAvailable bool   `json:"update_available"`
}

type Download struct {
	Path string `json:"path"`
}

type ChannelHealth struct {
	Topic     string `json:"topic"`
	State     string `json:"state"`
	Error     string `json:"error,omitempty"`
	Received  uint64 `json:"received"`
	Forwarded uint64 `json:"forwarded"`
	Skipped   uint64 `json:"skipped"`
	Queued    int    `json:"queued"`
}

type RelaySession struct {
	ID        string          `json:"id"`
	StartedAt time.Time       `json:"started_at"`
	Active    bool            `json:"active"`
	Channels  []ChannelHealth `json:"channels"`
}

// RelayStart is the result of POST /relay/start. Errors lists channels that
// could not be launched; the others keep running.
type RelayStart struct {
	Session RelaySession `json:"session"`
	Errors  []string     `json:"errors,omitempty"`
}

type RelayStatus struct {
	Running bool          `json:"running"`
	Session *RelaySession `json:"session,omitempty"`
}

// Event is one frame of the /ws stream.
type Event struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error        string `json:"error"`
	Instructions string `json:"instructions,omitempty"`
}

// APIError is returned for non-2xx responses.
type APIError struct {
	StatusCode   int
	Message      string
	Instructions string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}
