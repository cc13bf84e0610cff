package messages

import (
	"context"
	"sort"
	"strings"
	"time"
)

// tempIDPrefix marks optimistic messages that have not been acknowledged.
const tempIDPrefix = "temp-"

// Message is one chat message. Sending is true only for local optimistic entries.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	Content        string    `json:"content"`
	AttachmentURL  string    `json:"attachmentUrl,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	Sending        bool      `json:"sending,omitempty"`
}

// IsOptimistic reports whether m is a local placeholder awaiting the server record.
func (m Message) IsOptimistic() bool {
	return m.Sending && strings.HasPrefix(m.ID, tempIDPrefix)
}

// Draft is what the user composes.
type Draft struct {
	Content string
	// AttachmentPath is a local file uploaded before the message is sent.
	AttachmentPath        string
	AttachmentContentType string
}

// OutgoingMessage is the body of a send request.
type OutgoingMessage struct {
	SenderID      string `json:"senderId"`
	Content       string `json:"content"`
	AttachmentURL string `json:"attachmentUrl,omitempty"`
}

// Backend is the remote message API.
type Backend interface {
	// ListMessages returns up to limit messages created strictly before before
	// (nil for the latest), newest first.
	ListMessages(ctx context.Context, conversationID string, before *time.Time, limit int) ([]Message, error)
	// SendMessage stores msg and returns the authoritative record.
	SendMessage(ctx context.Context, conversationID string, msg OutgoingMessage) (Message, error)
}

// timeline is a conversation's messages, oldest first, capped at max entries.
type timeline struct {
	messages []Message
	max      int
}

func (t *timeline) indexOf(id string) int {
	for i := range t.messages {
		if t.messages[i].ID == id {
			return i
		}
	}
	return -1
}

// upsert replaces the message with the same id in place or inserts it in time order.
// It reports whether the message was new.
func (t *timeline) upsert(m Message) bool {
	if i := t.indexOf(m.ID); i >= 0 {
		t.messages[i] = m
		return false
	}
	i := sort.Search(len(t.messages), func(i int) bool {
		return t.messages[i].CreatedAt.After(m.CreatedAt)
	})
	t.messages = append(t.messages, Message{})
	copy(t.messages[i+1:], t.messages[i:])
	t.messages[i] = m
	t.trim()
	return true
}

// replaceAt puts m at index i and drops any other copy of m.ID.
func (t *timeline) replaceAt(i int, m Message) {
	t.messages[i] = m
	for j := len(t.messages) - 1; j >= 0; j-- {
		if j != i && t.messages[j].ID == m.ID {
			t.messages = append(t.messages[:j], t.messages[j+1:]...)
		}
	}
}

func (t *timeline) remove(id string) bool {
	i := t.indexOf(id)
	if i < 0 {
		return false
	}
	t.messages = append(t.messages[:i], t.messages[i+1:]...)
	return true
}

// pendingMatch returns the first optimistic entry m acknowledges, or -1.
func (t *timeline) pendingMatch(m Message) int {
	for i := range t.messages {
		p := t.messages[i]
		if p.IsOptimistic() && p.SenderID == m.SenderID && p.Content == m.Content {
			return i
		}
	}
	return -1
}

func (t *timeline) trim() {
	if t.max > 0 && len(t.messages) > t.max {
		t.messages = append([]Message(nil), t.messages[len(t.messages)-t.max:]...)
	}
}

func (t *timeline) snapshot() []Message {
	return append([]Message(nil), t.messages...)
}
