// Package storetest runs the message-store contract against a backend. Both
// backends must pass the identical suite; engine-specific behavior (search
// ranking, reactions) is exercised in each backend's own tests.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kerbside/kerbside/internal/messagestore"
	"github.com/kerbside/kerbside/internal/model"
)

type Factory func(t *testing.T) messagestore.Store

func createMessage(t *testing.T, store messagestore.Store, roomID model.RoomID, senderID model.UserID, content string) *model.Message {
	t.Helper()
	msg, err := store.Create(context.Background(), &model.CreateMessageParams{
		RoomID:      roomID,
		SenderID:    senderID,
		Content:     content,
		MessageType: model.MessageTypeText,
	})
	require.NoError(t, err)
	return msg
}

// Run exercises the full store contract.
func Run(t *testing.T, factory Factory) {
	t.Run("CreateAndFind", func(t *testing.T) { testCreateAndFind(t, factory) })
	t.Run("RoomOrdering", func(t *testing.T) { testRoomOrdering(t, factory) })
	t.Run("FindSince", func(t *testing.T) { testFindSince(t, factory) })
	t.Run("UnreadCount", func(t *testing.T) { testUnreadCount(t, factory) })
	t.Run("MarkAsRead", func(t *testing.T) { testMarkAsRead(t, factory) })
	t.Run("ConcurrentMarkAsRead", func(t *testing.T) { testConcurrentMarkAsRead(t, factory) })
	t.Run("MarkRoomAsRead", func(t *testing.T) { testMarkRoomAsRead(t, factory) })
	t.Run("Update", func(t *testing.T) { testUpdate(t, factory) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, factory) })
	t.Run("Search", func(t *testing.T) { testSearch(t, factory) })
	t.Run("RoomStats", func(t *testing.T) { testRoomStats(t, factory) })
}

func testCreateAndFind(t *testing.T, factory Factory) {
	assert := assert.New(t)
	store := factory(t)
	defer store.Close()

	replyTarget := createMessage(t, store, "room-1", "alice", "first")

	replyTo := replyTarget.ID
	msg, err := store.Create(context.Background(), &model.CreateMessageParams{
		RoomID:      "room-1",
		SenderID:    "bob",
		Content:     "a reply",
		MessageType: model.MessageTypeText,
		ReplyTo:     &replyTo,
	})
	assert.NoError(err)
	assert.NotEmpty(msg.ID)
	assert.Equal(model.RoomID("room-1"), msg.RoomID)
	assert.Equal(model.UserID("bob"), msg.SenderID)
	assert.False(msg.CreatedAt.IsZero())
	assert.False(msg.IsEdited())

	found, err := store.FindByID(context.Background(), msg.ID)
	assert.NoError(err)
	assert.Equal(msg.ID, found.ID)
	assert.Equal("a reply", found.Content)
	if assert.NotNil(found.ReplyTo) {
		assert.Equal(replyTarget.ID, *found.ReplyTo)
	}

	_, err = store.FindByID(context.Background(), "no-such-message")
	assert.ErrorIs(err, model.ErrorMessageNotFound)
}

func testRoomOrdering(t *testing.T, factory Factory) {
	assert := assert.New(t)
	store := factory(t)
	defer store.Close()

	var created []*model.Message
	for i := 0; i < 10; i++ {
		created = append(created, createMessage(t, store, "room-1", "alice", fmt.Sprintf("message %d", i)))
	}
	createMessage(t, store, "room-2", "bob", "other room")

	page, err := store.FindByRoom(context.Background(), "room-1", 4, 0)
	assert.NoError(err)
	if assert.Len(page, 4) {
		// Most recent page, oldest first within it.
		assert.Equal(created[6].ID, page[0].ID)
		assert.Equal(created[9].ID, page[3].ID)
	}

	page, err = store.FindByRoom(context.Background(), "room-1", 4, 4)
	assert.NoError(err)
	if assert.Len(page, 4) {
		assert.Equal(created[2].ID, page[0].ID)
		assert.Equal(created[5].ID, page[3].ID)
	}

	page, err = store.FindByRoom(context.Background(), "empty-room", 10, 0)
	assert.NoError(err)
	assert.Empty(page)
}

func testFindSince(t *testing.T, factory Factory) {
	assert := assert.New(t)
	store := factory(t)
	defer store.Close()

	createMessage(t, store, "room-1", "alice", "old 1")
	last := createMessage(t, store, "room-1", "alice", "old 2")

	var newer []*model.Message
	for i := 0; i < 3; i++ {
		newer = append(newer, createMessage(t, store, "room-1", "bob", fmt.Sprintf("new %d", i)))
	}

	since, err := store.FindByRoomSince(context.Background(), "room-1", last.CreatedAt, 10)
	assert.NoError(err)
	if assert.Len(since, 3) {
		for i, msg := range since {
			assert.Equal(newer[i].ID, msg.ID)
		}
	}

	since, err = store.FindByRoomSince(context.Background(), "room-1", newer[2].CreatedAt, 10)
	assert.NoError(err)
	assert.Empty(since)
}

func testUnreadCount(t *testing.T, factory Factory) {
	assert := assert.New(t)
	store := factory(t)
	defer store.Close()

	lastSeen := time.Now().UTC().Add(-time.Minute)
	createMessage(t, store, "room-1", "alice", "from alice")
	createMessage(t, store, "room-1", "bob", "from bob 1")
	createMessage(t, store, "room-1", "bob", "from bob 2")

	count, err := store.UnreadCount(context.Background(), "room-1", "alice", lastSeen)
	assert.NoError(err)
	assert.Equal(2, count)

	count, err = store.UnreadCount(context.Background(), "room-1", "alice", time.Now().UTC().Add(time.Minute))
	assert.NoError(err)
	assert.Equal(0, count)
}

func testMarkAsRead(t *testing.T, factory Factory) {
	assert := assert.New(t)
	store := factory(t)
	defer store.Close()

	msg := createMessage(t, store, "room-1", "alice", "hello")

	first, err := store.MarkAsRead(context.Background(), msg.ID, "bob")
	assert.NoError(err)
	assert.Equal(msg.ID, first.MessageID)
	assert.Equal(model.UserID("bob"), first.UserID)
	assert.False(first.ReadAt.IsZero())

	second, err := store.MarkAsRead(context.Background(), msg.ID, "bob")
	assert.NoError(err)
	assert.Equal(first.ReadAt.Unix(), second.ReadAt.Unix())

	_, err = store.MarkAsRead(context.Background(), "no-such-message", "bob")
	assert.ErrorIs(err, model.ErrorMessageNotFound)
}

func testConcurrentMarkAsRead(t *testing.T, factory Factory) {
	assert := assert.New(t)
	store := factory(t)
	defer store.Close()

	msg := createMessage(t, store, "room-1", "alice", "hello")

	const workers = 8
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = store.MarkAsRead(context.Background(), msg.ID, "bob")
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		assert.NoError(errs[i])
	}

	// Exactly one record exists: a room catch-up afterwards finds nothing
	// left to insert for bob.
	count, err := store.MarkRoomAsRead(context.Background(), "room-1", "bob", time.Now().UTC())
	assert.NoError(err)
	assert.Equal(0, count)
}

func testMarkRoomAsRead(t *testing.T, factory Factory) {
	assert := assert.New(t)
	store := factory(t)
	defer store.Close()

	var fromAlice []*model.Message
	for i := 0; i < 10; i++ {
		fromAlice = append(fromAlice, createMessage(t, store, "room-1", "alice", fmt.Sprintf("message %d", i)))
	}
	createMessage(t, store, "room-1", "bob", "bob's own message")

	for i := 0; i < 3; i++ {
		_, err := store.MarkAsRead(context.Background(), fromAlice[i].ID, "bob")
		assert.NoError(err)
	}

	count, err := store.MarkRoomAsRead(context.Background(), "room-1", "bob", time.Now().UTC())
	assert.NoError(err)
	assert.Equal(7, count)

	count, err = store.MarkRoomAsRead(context.Background(), "room-1", "bob", time.Now().UTC())
	assert.NoError(err)
	assert.Equal(0, count)
}

func testUpdate(t *testing.T, factory Factory) {
	assert := assert.New(t)
	store := factory(t)
	defer store.Close()

	msg := createMessage(t, store, "room-1", "alice", "draft 0")

	_, err := store.Update(context.Background(), msg.ID, "bob", "hijacked")
	assert.ErrorIs(err, model.ErrorSenderMismatch)

	unchanged, err := store.FindByID(context.Background(), msg.ID)
	assert.NoError(err)
	assert.Equal("draft 0", unchanged.Content)

	// A no-op edit records no history.
	same, err := store.Update(context.Background(), msg.ID, "alice", "draft 0")
	assert.NoError(err)
	assert.False(same.IsEdited())

	for i := 1; i <= 3; i++ {
		updated, err := store.Update(context.Background(), msg.ID, "alice", fmt.Sprintf("draft %d", i))
		assert.NoError(err)
		assert.Equal(fmt.Sprintf("draft %d", i), updated.Content)
		assert.Len(updated.EditHistory, i)
	}

	final, err := store.FindByID(context.Background(), msg.ID)
	assert.NoError(err)
	assert.True(final.IsEdited())
	assert.Equal("draft 3", final.Content)
	if assert.Len(final.EditHistory, 3) {
		// Newest first, each holding the content replaced by that edit.
		assert.Equal("draft 2", final.EditHistory[0].PriorContent)
		assert.Equal("draft 1", final.EditHistory[1].PriorContent)
		assert.Equal("draft 0", final.EditHistory[2].PriorContent)
	}

	_, err = store.Update(context.Background(), "no-such-message", "alice", "anything")
	assert.ErrorIs(err, model.ErrorMessageNotFound)
}

func testDelete(t *testing.T, factory Factory) {
	assert := assert.New(t)
	store := factory(t)
	defer store.Close()

	msg := createMessage(t, store, "room-1", "alice", "doomed")
	replyTo := msg.ID
	reply, err := store.Create(context.Background(), &model.CreateMessageParams{
		RoomID:      "room-1",
		SenderID:    "bob",
		Content:     "replying to doomed",
		MessageType: model.MessageTypeText,
		ReplyTo:     &replyTo,
	})
	assert.NoError(err)

	_, err = store.MarkAsRead(context.Background(), msg.ID, "bob")
	assert.NoError(err)

	_, err = store.Delete(context.Background(), msg.ID, "bob")
	assert.ErrorIs(err, model.ErrorSenderMismatch)

	deleted, err := store.Delete(context.Background(), msg.ID, "alice")
	assert.NoError(err)
	assert.Equal(msg.ID, deleted.ID)

	_, err = store.FindByID(context.Background(), msg.ID)
	assert.ErrorIs(err, model.ErrorMessageNotFound)

	// The reply survives with its dangling reference intact.
	survivor, err := store.FindByID(context.Background(), reply.ID)
	assert.NoError(err)
	if assert.NotNil(survivor.ReplyTo) {
		assert.Equal(msg.ID, *survivor.ReplyTo)
	}

	_, err = store.Delete(context.Background(), msg.ID, "alice")
	assert.ErrorIs(err, model.ErrorMessageNotFound)
}

func testSearch(t *testing.T, factory Factory) {
	assert := assert.New(t)
	store := factory(t)
	defer store.Close()

	createMessage(t, store, "room-1", "alice", "the quick brown fox")
	createMessage(t, store, "room-1", "bob", "lazy dogs everywhere")
	createMessage(t, store, "room-1", "alice", "another fox sighting")
	createMessage(t, store, "room-2", "alice", "fox in the wrong room")

	_, err := store.Create(context.Background(), &model.CreateMessageParams{
		RoomID:      "room-1",
		SenderID:    "alice",
		Content:     "fox.png",
		MessageType: model.MessageTypeImage,
	})
	assert.NoError(err)

	results, err := store.Search(context.Background(), "room-1", "fox", 10)
	assert.NoError(err)
	assert.Len(results, 2)
	for _, msg := range results {
		assert.Equal(model.RoomID("room-1"), msg.RoomID)
		assert.Equal(model.MessageTypeText, msg.MessageType)
		assert.Contains(msg.Content, "fox")
	}

	results, err = store.Search(context.Background(), "room-1", "nothing matches this", 10)
	assert.NoError(err)
	assert.Empty(results)
}

func testRoomStats(t *testing.T, factory Factory) {
	assert := assert.New(t)
	store := factory(t)
	defer store.Close()

	empty, err := store.RoomStats(context.Background(), "room-1")
	assert.NoError(err)
	assert.Equal(0, empty.TotalMessages)
	assert.Nil(empty.FirstMessageAt)
	assert.Nil(empty.LastMessageAt)

	first := createMessage(t, store, "room-1", "alice", "first")
	createMessage(t, store, "room-1", "bob", "second")
	last := createMessage(t, store, "room-1", "alice", "third")

	stats, err := store.RoomStats(context.Background(), "room-1")
	assert.NoError(err)
	assert.Equal(3, stats.TotalMessages)
	assert.Equal(2, stats.UniqueSenders)
	if assert.NotNil(stats.FirstMessageAt) {
		assert.Equal(first.CreatedAt.Unix(), stats.FirstMessageAt.Unix())
	}
	if assert.NotNil(stats.LastMessageAt) {
		assert.Equal(last.CreatedAt.Unix(), stats.LastMessageAt.Unix())
	}
}
