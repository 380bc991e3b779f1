// Package messagestore defines the persistence contract shared by the
// relational and document message backends. Implementations must be safe for
// concurrent use; idempotency is enforced through storage-level uniqueness,
// never through locks held by callers.
package messagestore

import (
	"context"
	"time"

	"github.com/kerbside/kerbside/internal/model"
)

type Store interface {
	// Create assigns the id and timestamps, persists the message and returns
	// the stored record.
	Create(ctx context.Context, params *model.CreateMessageParams) (*model.Message, error)

	// FindByID returns model.ErrorMessageNotFound when no record matches.
	FindByID(ctx context.Context, id model.MessageID) (*model.Message, error)

	// FindByRoom returns one page of a room's messages, oldest first within
	// the page. Offset counts back from the newest message.
	FindByRoom(ctx context.Context, roomID model.RoomID, limit, offset int) ([]*model.Message, error)

	// FindByRoomSince returns messages created strictly after `since`,
	// ascending, at most `limit`.
	FindByRoomSince(ctx context.Context, roomID model.RoomID, since time.Time, limit int) ([]*model.Message, error)

	// UnreadCount counts messages in the room from other senders created
	// after lastSeen.
	UnreadCount(ctx context.Context, roomID model.RoomID, userID model.UserID, lastSeen time.Time) (int, error)

	// MarkAsRead is idempotent: a second call for the same pair returns the
	// existing record and no error.
	MarkAsRead(ctx context.Context, messageID model.MessageID, userID model.UserID) (*model.ReadStatus, error)

	// MarkRoomAsRead inserts read records for every message from another
	// sender created at or before upTo that the user has not yet read, and
	// returns how many were inserted. Races with single-message marks lower
	// the count, they do not fail the call.
	MarkRoomAsRead(ctx context.Context, roomID model.RoomID, userID model.UserID, upTo time.Time) (int, error)

	// Update edits the content. Only the original sender may edit; the
	// pre-edit content is prepended to the edit history. A no-op edit (same
	// content) records nothing.
	Update(ctx context.Context, id model.MessageID, senderID model.UserID, content string) (*model.Message, error)

	// Delete removes the message and cascades to its read records. Sender
	// only. Returns the deleted record.
	Delete(ctx context.Context, id model.MessageID, senderID model.UserID) (*model.Message, error)

	// Search matches text-type messages in the room. Match quality may
	// differ between backends.
	Search(ctx context.Context, roomID model.RoomID, term string, limit int) ([]*model.Message, error)

	RoomStats(ctx context.Context, roomID model.RoomID) (*model.RoomStats, error)

	Close() error
}

// ReactionStore is an optional capability. Only backends whose storage model
// can hold per-message embedded state implement it; callers discover support
// with a type assertion.
type ReactionStore interface {
	AddReaction(ctx context.Context, id model.MessageID, userID model.UserID, emoji string) (*model.Message, error)
	RemoveReaction(ctx context.Context, id model.MessageID, userID model.UserID, emoji string) (*model.Message, error)
}
