package models

import (
	"errors"
	"time"
)

// Message represents an individual turn of a conversation. Only Role and Content travel over the wire;
// ID and Timestamp are local to the party holding the transcript.
type Message struct {
	ID        string    `json:"-"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"-"`
}

// Role represents the role of a message participant.
type Role string

const (
	// RoleUser represents a message typed by the person chatting.
	RoleUser Role = "user"
	// RoleAssistant represents a message generated by the model.
	RoleAssistant Role = "assistant"
	// RoleSystem represents the instruction placed in front of the turns sent upstream. Clients never
	// send it.
	RoleSystem Role = "system"
)

// ChatRequest is the body accepted by the completion proxy.
type ChatRequest struct {
	Messages []Message `json:"messages"`
}

// ErrorResponse is the JSON body carried by every non-success proxy response.
type ErrorResponse struct {
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

// ErrNotFound is returned by stores when the requested record does not exist.
var ErrNotFound = errors.New("not found")

// TimestampLayout is the display layout for message timestamps.
const TimestampLayout = "15:04:05"

// UserMessages returns the user turns of messages, in order.
func UserMessages(messages []Message) []Message {
	return filterRoles(messages, RoleUser)
}

// ConversationTurns returns the user and assistant turns of messages, in order. Anything else a client
// might have sent, such as a system turn, is dropped.
func ConversationTurns(messages []Message) []Message {
	return filterRoles(messages, RoleUser, RoleAssistant)
}

// HasUserMessage reports whether messages contains at least one user turn.
func HasUserMessage(messages []Message) bool {
	for _, msg := range messages {
		if msg.Role == RoleUser {
			return true
		}
	}
	return false
}

func filterRoles(messages []Message, roles ...Role) []Message {
	res := make([]Message, 0, len(messages))
	for _, msg := range messages {
		for _, r := range roles {
			if msg.Role == r {
				res = append(res, msg)
				break
			}
		}
	}
	return res
}
