package store

import (
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Source is a cited excerpt attached to an assistant answer.
type Source struct {
	Text            string  `json:"text"`
	Filename        string  `json:"filename"`
	ChunkIndex      int     `json:"chunk_index"`
	SimilarityScore float64 `json:"similarity_score"`
}

// Message is one entry of a conversation. It is never edited after it is
// appended.
type Message struct {
	ID               string    `json:"id"`
	Role             Role      `json:"role"`
	Content          string    `json:"content"`
	Timestamp        time.Time `json:"timestamp"`
	Sources          []Source  `json:"sources,omitempty"`
	ProcessingTimeMs *float64  `json:"processingTimeMs,omitempty"`
}

// Conversation is an ordered thread of messages. Insertion order is display
// order; messages are never re-sorted.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Snapshot is the persisted part of the store. The pending flag is
// request-scoped and never part of it.
type Snapshot struct {
	Version              int            `json:"version"`
	Conversations        []Conversation `json:"conversations"`
	ActiveConversationID string         `json:"activeConversationId,omitempty"`
}

const snapshotVersion = 1

func cloneConversation(c Conversation) Conversation {
	out := c
	out.Messages = make([]Message, len(c.Messages))
	for i, m := range c.Messages {
		out.Messages[i] = cloneMessage(m)
	}
	return out
}

func cloneMessage(m Message) Message {
	out := m
	if m.Sources != nil {
		out.Sources = append([]Source(nil), m.Sources...)
	}
	if m.ProcessingTimeMs != nil {
		v := *m.ProcessingTimeMs
		out.ProcessingTimeMs = &v
	}
	return out
}
