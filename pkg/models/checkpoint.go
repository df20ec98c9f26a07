package models

import "time"

// Role identifies the author of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ChatMessage is one entry of a session's rolling message window.
type ChatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// TraceTailMax bounds the number of trace filenames remembered per
// session, oldest dropped first.
const TraceTailMax = 20

// Checkpoint is the durable snapshot of one session: its state, the
// recent message window, and the tail of trace filenames produced by
// past turns.
type Checkpoint struct {
	SessionID      string        `json:"session_id"`
	Revision       int           `json:"revision"`
	UpdatedTS      float64       `json:"updated_ts"`
	State          *State        `json:"state"`
	RecentMessages []ChatMessage `json:"recent_messages"`
	TraceTail      []string      `json:"trace_tail"`
}

// NewCheckpoint returns a revision-zero checkpoint for the session.
func NewCheckpoint(sessionID string) *Checkpoint {
	return &Checkpoint{
		SessionID:      sessionID,
		UpdatedTS:      float64(time.Now().UnixNano()) / 1e9,
		State:          NewState(),
		RecentMessages: []ChatMessage{},
		TraceTail:      []string{},
	}
}

// AppendMessage appends to the recent message window.
func (c *Checkpoint) AppendMessage(role Role, content string) {
	c.RecentMessages = append(c.RecentMessages, ChatMessage{Role: role, Content: content})
}

// AppendTraceFile records a trace filename in the tail, skipping
// duplicates and trimming to TraceTailMax.
func (c *Checkpoint) AppendTraceFile(name string) {
	for _, existing := range c.TraceTail {
		if existing == name {
			return
		}
	}
	c.TraceTail = append(c.TraceTail, name)
	if len(c.TraceTail) > TraceTailMax {
		c.TraceTail = c.TraceTail[len(c.TraceTail)-TraceTailMax:]
	}
}
