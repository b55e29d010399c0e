package messages

import "time"

// Envelope is one queued inbound message. It is written once into the
// incoming directory and never mutated in place.
type Envelope struct {
	Channel        string `json:"channel"`                  // "discord", "telegram", "web", "heartbeat", ...
	Sender         string `json:"sender"`                   // display name of the human sender
	SenderID       string `json:"senderId,omitempty"`       // channel-specific sender id
	Message        string `json:"message"`                  // raw text, possibly with an @agent prefix
	Timestamp      int64  `json:"timestamp"`                // unix milliseconds
	MessageID      string `json:"messageId"`                // id of the originating external message
	Agent          string `json:"agent,omitempty"`          // pre-routed agent id
	ConversationID string `json:"conversationId,omitempty"` // set only on internal delegations
	FromAgent      string `json:"fromAgent,omitempty"`      // delegating agent of an internal message
}

// IsInternal reports whether the envelope is an agent-to-agent delegation.
func (e *Envelope) IsInternal() bool {
	return e.ConversationID != ""
}

// Response is one completed reply written into the outgoing directory for a
// channel adapter to deliver.
type Response struct {
	Channel         string   `json:"channel"`
	Sender          string   `json:"sender"`
	Message         string   `json:"message"`
	OriginalMessage string   `json:"originalMessage"`
	Timestamp       int64    `json:"timestamp"`
	MessageID       string   `json:"messageId"`
	Agent           string   `json:"agent,omitempty"`
	Files           []string `json:"files,omitempty"`
}

// NowMillis returns the current time in unix milliseconds, the timestamp
// unit used by every envelope and event.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// Teammate formats the text of a delegation handed to a teammate.
func Teammate(fromAgent, body string) string {
	return "[Message from teammate @" + fromAgent + "]:\n" + body
}
