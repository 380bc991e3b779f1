package sqlstore

import (
	"context"
	"path"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kerbside/kerbside/internal/messagestore"
	"github.com/kerbside/kerbside/internal/messagestore/storetest"
	"github.com/kerbside/kerbside/internal/model"
)

func newTestStore(t *testing.T) messagestore.Store {
	store, err := New(path.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	return store
}

func TestContract(t *testing.T) {
	storetest.Run(t, newTestStore)
}

func TestNoReactionCapability(t *testing.T) {
	assert := assert.New(t)

	store := newTestStore(t)
	defer store.Close()

	_, ok := store.(messagestore.ReactionStore)
	assert.False(ok)
}

func TestEditHistoryRoundTrip(t *testing.T) {
	assert := assert.New(t)

	store := newTestStore(t)
	defer store.Close()

	msg, err := store.Create(context.Background(), &model.CreateMessageParams{
		RoomID:      "room-1",
		SenderID:    "alice",
		Content:     "v1",
		MessageType: model.MessageTypeText,
	})
	assert.NoError(err)

	_, err = store.Update(context.Background(), msg.ID, "alice", "v2")
	assert.NoError(err)

	// The edit history survives the JSON column round trip.
	reloaded, err := store.FindByID(context.Background(), msg.ID)
	assert.NoError(err)
	if assert.Len(reloaded.EditHistory, 1) {
		assert.Equal("v1", reloaded.EditHistory[0].PriorContent)
		assert.False(reloaded.EditHistory[0].EditedAt.IsZero())
	}
}

func TestSearchEscapesNothing(t *testing.T) {
	assert := assert.New(t)

	store := newTestStore(t)
	defer store.Close()

	_, err := store.Create(context.Background(), &model.CreateMessageParams{
		RoomID:      "room-1",
		SenderID:    "alice",
		Content:     "100% sure",
		MessageType: model.MessageTypeText,
	})
	assert.NoError(err)

	// LIKE treats % as a wildcard; a literal-looking term still matches its
	// own text.
	results, err := store.Search(context.Background(), "room-1", "sure", 10)
	assert.NoError(err)
	assert.Len(results, 1)
}
