package gateway

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Chat message roles as they appear on the wire and in the local list.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Streaming states carried by "chat" events.
const (
	chatStateDelta   = "delta"
	chatStateFinal   = "final"
	chatStateAborted = "aborted"
	chatStateError   = "error"
)

// ChatMessage is one entry in the console's message list. The assistant
// variant grows in place while its turn streams; every other field is fixed
// at creation.
type ChatMessage struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// chatEventPayload is the payload of a "chat" push event.
type chatEventPayload struct {
	SessionKey string          `json:"sessionKey"`
	State      string          `json:"state"`
	Message    json.RawMessage `json:"message"`
}

// historyPayload is the payload of a successful chat.history response.
type historyPayload struct {
	Messages []json.RawMessage `json:"messages"`
}

// ChatReducer folds streamed chat events into a stable ordered message list.
// The in-flight assistant reply lives in a single open-message slot: the
// first delta of a turn creates the message, later deltas replace its
// content, and a terminal state (final/aborted/error) clears the slot. The
// protocol assigns no ids to in-progress turns, so the slot, not id
// matching, is what keys a delta to its message.
type ChatReducer struct {
	mu         sync.Mutex
	sessionKey string
	messages   []ChatMessage
	openIndex  int // index of the open assistant message, -1 when no turn is streaming
}

// NewChatReducer returns a reducer bound to one session key. Events carrying
// any other key are ignored.
func NewChatReducer(sessionKey string) *ChatReducer {
	return &ChatReducer{sessionKey: sessionKey, openIndex: -1}
}

// Apply folds one chat event payload into the list. Events for other
// sessions are dropped without touching state.
func (r *ChatReducer) Apply(ev chatEventPayload) {
	if ev.SessionKey != r.sessionKey {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	switch ev.State {
	case chatStateDelta:
		text, ok := extractText(ev.Message)
		if !ok {
			return
		}
		if r.openIndex < 0 {
			r.messages = append(r.messages, ChatMessage{
				ID:        uuid.NewString(),
				Role:      RoleAssistant,
				Content:   text,
				Timestamp: time.Now().UTC(),
			})
			r.openIndex = len(r.messages) - 1
			return
		}
		// Deltas normally arrive in non-decreasing content length; keep the
		// longest seen so a resent superset never reverts the message.
		if len(text) >= len(r.messages[r.openIndex].Content) {
			r.messages[r.openIndex].Content = text
		}
	case chatStateFinal, chatStateAborted, chatStateError:
		if r.openIndex >= 0 {
			if text, ok := extractText(ev.Message); ok && len(text) >= len(r.messages[r.openIndex].Content) {
				r.messages[r.openIndex].Content = text
			}
		}
		r.openIndex = -1
	}
}

// AddUser appends a user message, created the moment a send is issued.
func (r *ChatReducer) AddUser(content string) ChatMessage {
	msg := ChatMessage{
		ID:        uuid.NewString(),
		Role:      RoleUser,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
	r.mu.Lock()
	r.messages = append(r.messages, msg)
	r.mu.Unlock()
	return msg
}

// Seed replaces the list with prior history fetched after authentication.
// Any open turn is abandoned; the server re-streams in-flight turns itself.
func (r *ChatReducer) Seed(messages []ChatMessage) {
	r.mu.Lock()
	r.messages = append([]ChatMessage(nil), messages...)
	r.openIndex = -1
	r.mu.Unlock()
}

// Messages returns a snapshot of the current list.
func (r *ChatReducer) Messages() []ChatMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ChatMessage(nil), r.messages...)
}

// Streaming reports whether an assistant turn is currently open.
func (r *ChatReducer) Streaming() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.openIndex >= 0
}

// historyMessage is one entry of a chat.history response, reduced through
// the same content-extraction rule as streaming deltas.
type historyMessage struct {
	Role      string          `json:"role"`
	Message   json.RawMessage `json:"message"`
	Content   json.RawMessage `json:"content"`
	Text      string          `json:"text"`
	Timestamp int64           `json:"timestamp"`
}

// reduceHistory converts a chat.history payload into ChatMessages, dropping
// entries with no extractable text.
func reduceHistory(payload json.RawMessage) []ChatMessage {
	var hp historyPayload
	if err := json.Unmarshal(payload, &hp); err != nil {
		return nil
	}
	out := make([]ChatMessage, 0, len(hp.Messages))
	for _, raw := range hp.Messages {
		var entry historyMessage
		if err := json.Unmarshal(raw, &entry); err != nil {
			continue
		}
		text, ok := extractText(raw)
		if !ok {
			continue
		}
		role := entry.Role
		if role != RoleUser {
			role = RoleAssistant
		}
		msg := ChatMessage{
			ID:      uuid.NewString(),
			Role:    role,
			Content: text,
		}
		if entry.Timestamp > 0 {
			msg.Timestamp = time.UnixMilli(entry.Timestamp).UTC()
		}
		out = append(out, msg)
	}
	return out
}

// extractText normalises the three payload shapes the gateway emits for
// message content (a plain string, a structured list of content blocks, or
// an object with a single text field) into one string. The second return
// is false when no text is present.
func extractText(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}

	var plain string
	if err := json.Unmarshal(raw, &plain); err == nil {
		return plain, true
	}

	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		return joinBlocks(blocks)
	}

	var obj struct {
		Text    string          `json:"text"`
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return "", false
	}
	if len(obj.Content) > 0 {
		if text, ok := extractText(obj.Content); ok {
			return text, true
		}
	}
	if obj.Text != "" {
		return obj.Text, true
	}
	return "", false
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func joinBlocks(blocks []contentBlock) (string, bool) {
	var b []byte
	found := false
	for _, blk := range blocks {
		if blk.Type != "" && blk.Type != "text" {
			continue
		}
		if blk.Text == "" {
			continue
		}
		b = append(b, blk.Text...)
		found = true
	}
	return string(b), found
}
