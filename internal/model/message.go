package model

import "time"

type MessageID string
type RoomID string
type UserID string

type MessageType string

const (
	MessageTypeText   MessageType = "text"
	MessageTypeImage  MessageType = "image"
	MessageTypeFile   MessageType = "file"
	MessageTypeSystem MessageType = "system"
)

// EditEntry records the content a message held immediately before one edit.
// Entries are prepended, newest first.
type EditEntry struct {
	PriorContent string    `json:"priorContent"`
	EditedAt     time.Time `json:"editedAt"`
}

type Message struct {
	ID          MessageID           `db:"ID" json:"id"`
	RoomID      RoomID              `db:"RoomID" json:"roomId"`
	SenderID    UserID              `db:"SenderID" json:"senderId"`
	Content     string              `db:"Content" json:"content"`
	MessageType MessageType         `db:"MessageType" json:"messageType"`
	ReplyTo     *MessageID          `db:"ReplyTo" json:"replyTo,omitempty"`
	EditHistory []EditEntry         `db:"-" json:"editHistory,omitempty"`
	Reactions   map[string][]UserID `db:"-" json:"reactions,omitempty"`
	CreatedAt   time.Time           `db:"CreatedAt" json:"createdAt"`
	UpdatedAt   time.Time           `db:"UpdatedAt" json:"updatedAt"`
}

// IsEdited is derived from the edit history, never stored separately.
func (m *Message) IsEdited() bool {
	return len(m.EditHistory) > 0
}

type CreateMessageParams struct {
	RoomID      RoomID      `json:"roomId"`
	SenderID    UserID      `json:"senderId"`
	Content     string      `json:"content"`
	MessageType MessageType `json:"messageType"`
	ReplyTo     *MessageID  `json:"replyTo,omitempty"`
}

type ReadStatus struct {
	MessageID MessageID `db:"MessageID" json:"messageId"`
	UserID    UserID    `db:"UserID" json:"userId"`
	ReadAt    time.Time `db:"ReadAt" json:"readAt"`
}

type RoomStats struct {
	TotalMessages  int        `db:"TotalMessages" json:"totalMessages"`
	UniqueSenders  int        `db:"UniqueSenders" json:"uniqueSenders"`
	FirstMessageAt *time.Time `db:"FirstMessageAt" json:"firstMessageAt,omitempty"`
	LastMessageAt  *time.Time `db:"LastMessageAt" json:"lastMessageAt,omitempty"`
}
