// Package cache is the read accelerator in front of the message backends. It
// is never authoritative: entries expire, the room list is bounded, and every
// caller treats a miss as "ask the backend". Only the write path populates the
// room list; the per-message cache fills lazily on lookups.
package cache

import (
	"sync"
	"time"

	"github.com/kerbside/kerbside/internal/model"
)

const (
	// RoomCacheSize bounds the recent-message list kept per room.
	RoomCacheSize = 50

	roomTTL    = time.Hour
	messageTTL = 30 * time.Minute
)

// Hooks receives cache observability events. Implementations must be safe for
// concurrent use.
type Hooks interface {
	Hit(cache string)
	Miss(cache string)
}

type nopHooks struct{}

func (nopHooks) Hit(string)  {}
func (nopHooks) Miss(string) {}

// NopHooks discards all events.
var NopHooks Hooks = nopHooks{}

type roomEntry struct {
	// newest first
	messages  []*model.Message
	expiresAt time.Time
}

type messageEntry struct {
	message   *model.Message
	expiresAt time.Time
}

type MessageCache struct {
	mu       sync.Mutex
	rooms    map[model.RoomID]*roomEntry
	messages map[model.MessageID]*messageEntry
	hooks    Hooks
	now      func() time.Time
}

func New(hooks Hooks) *MessageCache {
	if hooks == nil {
		hooks = NopHooks
	}
	return &MessageCache{
		rooms:    map[model.RoomID]*roomEntry{},
		messages: map[model.MessageID]*messageEntry{},
		hooks:    hooks,
		now:      time.Now,
	}
}

// PushRoom prepends a freshly created message to the room's recent list,
// trimming to the size bound and refreshing the TTL.
func (c *MessageCache) PushRoom(msg *model.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	entry := c.rooms[msg.RoomID]
	if entry == nil || now.After(entry.expiresAt) {
		entry = &roomEntry{}
		c.rooms[msg.RoomID] = entry
	}

	entry.messages = append([]*model.Message{msg}, entry.messages...)
	if len(entry.messages) > RoomCacheSize {
		entry.messages = entry.messages[:RoomCacheSize]
	}
	entry.expiresAt = now.Add(roomTTL)
	return nil
}

// RoomRecent returns the `limit` most recent cached messages for the room in
// chronological order. It reports a miss when the entry is absent, expired,
// or holds fewer messages than requested.
func (c *MessageCache) RoomRecent(roomID model.RoomID, limit int) ([]*model.Message, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := c.rooms[roomID]
	if entry == nil || c.now().After(entry.expiresAt) || len(entry.messages) < limit {
		c.hooks.Miss("room")
		return nil, false, nil
	}

	messages := make([]*model.Message, limit)
	for i := 0; i < limit; i++ {
		messages[limit-1-i] = entry.messages[i]
	}
	c.hooks.Hit("room")
	return messages, true, nil
}

func (c *MessageCache) PutMessage(msg *model.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.messages[msg.ID] = &messageEntry{
		message:   msg,
		expiresAt: c.now().Add(messageTTL),
	}
	return nil
}

func (c *MessageCache) GetMessage(id model.MessageID) (*model.Message, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := c.messages[id]
	if entry == nil || c.now().After(entry.expiresAt) {
		c.hooks.Miss("message")
		return nil, false, nil
	}
	c.hooks.Hit("message")
	return entry.message, true, nil
}

// InvalidateMessage drops the per-message entry. Edits and deletes invalidate
// rather than update; the next read refills from the backend.
func (c *MessageCache) InvalidateMessage(id model.MessageID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.messages, id)
	return nil
}
