package chat

import "time"

// Role identifies who authored a transcript entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one bubble in the transcript.
// RenderedHTML stays nil until the message is frozen; after that the message is immutable.
type Message struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"sessionId"`
	Role         Role      `json:"role"`
	RawText      string    `json:"rawText"`
	RenderedHTML *string   `json:"renderedHtml,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Rendered reports whether the message has been frozen.
func (m Message) Rendered() bool {
	return m.RenderedHTML != nil
}

// HTML returns the rendered markup or an empty string while the message is still open.
func (m Message) HTML() string {
	if m.RenderedHTML == nil {
		return ""
	}
	return *m.RenderedHTML
}
