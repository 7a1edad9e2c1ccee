package domain

import (
	"time"
)

// Sender identifies which side of the conversation produced a message.
type Sender string

const (
	SenderUser  Sender = "user"
	SenderAgent Sender = "agent"
)

// Message is a single entry in the ordered session transcript.
type Message struct {
	ID      string    `json:"id"`
	Content string    `json:"content"`
	Sender  Sender    `json:"sender"`
	SentAt  time.Time `json:"sent_at"`
}

// Transcript is a finished session's message log, persisted for audit.
type Transcript struct {
	ID           string
	MemberID     string
	SessionID    string
	ChatGroup    string
	Mode         ChatMode
	MessagesJSON string
	StartedAt    time.Time
	EndedAt      time.Time
	CreatedAt    time.Time
}
