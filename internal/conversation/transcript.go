// Package conversation implements the client side of the completion relay: an in-memory transcript
// mutated only through events, and a client that posts it to the proxy and merges the streamed reply
// into one pending assistant message.
package conversation

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/Oscar-999/hero-chat/internal/models"
)

// EventKind identifies a transcript mutation.
type EventKind int

const (
	// EventUserAppended appends a user message carrying Text.
	EventUserAppended EventKind = iota
	// EventAssistantStarted appends an empty assistant message identified by MessageID and marks it
	// pending.
	EventAssistantStarted
	// EventChunk appends Text to the pending assistant message identified by MessageID.
	EventChunk
	// EventFinalized ends the pending assistant message identified by MessageID. Its content is kept.
	EventFinalized
)

func (k EventKind) String() string {
	switch k {
	case EventUserAppended:
		return "user_appended"
	case EventAssistantStarted:
		return "assistant_started"
	case EventChunk:
		return "chunk"
	case EventFinalized:
		return "finalized"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is one transcript mutation.
type Event struct {
	Kind      EventKind
	MessageID string
	Text      string
	At        time.Time
}

var (
	// ErrPendingReply is returned when an assistant message is started while another one is pending.
	ErrPendingReply = errors.New("an assistant message is already pending")
	// ErrNotPending is returned when a chunk or finalization does not address the pending message.
	ErrNotPending = errors.New("message is not pending")
)

// Transcript is the ordered, append-only list of messages of a session. Only the pending assistant
// message is ever mutated after being appended. It is safe for concurrent use.
type Transcript struct {
	mu       sync.RWMutex
	messages []models.Message
	// pending is the index of the pending assistant message, -1 when none.
	pending int
}

// NewTranscript returns a transcript starting with the given messages.
func NewTranscript(initial ...models.Message) *Transcript {
	return &Transcript{
		messages: slices.Clone(initial),
		pending:  -1,
	}
}

// Apply reduces ev into the transcript.
func (t *Transcript) Apply(ev Event) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}

	switch ev.Kind {
	case EventUserAppended:
		t.messages = append(t.messages, models.Message{
			Role:      models.RoleUser,
			Content:   ev.Text,
			Timestamp: at,
		})
	case EventAssistantStarted:
		if t.pending >= 0 {
			return ErrPendingReply
		}
		t.messages = append(t.messages, models.Message{
			ID:        ev.MessageID,
			Role:      models.RoleAssistant,
			Timestamp: at,
		})
		t.pending = len(t.messages) - 1
	case EventChunk:
		if !t.isPending(ev.MessageID) {
			return fmt.Errorf("chunk for %q: %w", ev.MessageID, ErrNotPending)
		}
		t.messages[t.pending].Content += ev.Text
	case EventFinalized:
		if !t.isPending(ev.MessageID) {
			return fmt.Errorf("finalize %q: %w", ev.MessageID, ErrNotPending)
		}
		t.pending = -1
	default:
		return fmt.Errorf("unknown event kind %v", ev.Kind)
	}
	return nil
}

func (t *Transcript) isPending(id string) bool {
	return t.pending >= 0 && t.messages[t.pending].ID == id
}

// Messages returns a snapshot of the transcript.
func (t *Transcript) Messages() []models.Message {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return slices.Clone(t.messages)
}

// Pending returns the id of the pending assistant message, if any.
func (t *Transcript) Pending() (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.pending < 0 {
		return "", false
	}
	return t.messages[t.pending].ID, true
}

// Len returns the number of messages.
func (t *Transcript) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.messages)
}
