package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/kerbside/kerbside/internal/messagestore/cache"
	"github.com/kerbside/kerbside/internal/model"
)

// fakeStore is an in-memory backend with injectable failure. Setting err
// makes every operation fail the way an unreachable engine would.
type fakeStore struct {
	mu       sync.Mutex
	err      error
	messages map[model.MessageID]*model.Message
	reads    map[string]*model.ReadStatus
	calls    map[string]int
	closed   bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		messages: map[model.MessageID]*model.Message{},
		reads:    map[string]*model.ReadStatus{},
		calls:    map[string]int{},
	}
}

func (f *fakeStore) begin(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	return f.err
}

func (f *fakeStore) callCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeStore) Create(ctx context.Context, params *model.CreateMessageParams) (*model.Message, error) {
	if err := f.begin("create"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now().UTC()
	msg := &model.Message{
		ID:          model.MessageID(model.CreateID()),
		RoomID:      params.RoomID,
		SenderID:    params.SenderID,
		Content:     params.Content,
		MessageType: params.MessageType,
		ReplyTo:     params.ReplyTo,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	f.messages[msg.ID] = msg
	return msg, nil
}

func (f *fakeStore) FindByID(ctx context.Context, id model.MessageID) (*model.Message, error) {
	if err := f.begin("findByID"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	msg, ok := f.messages[id]
	if !ok {
		return nil, model.ErrorMessageNotFound
	}
	return msg, nil
}

func (f *fakeStore) FindByRoom(ctx context.Context, roomID model.RoomID, limit, offset int) ([]*model.Message, error) {
	if err := f.begin("findByRoom"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	messages := []*model.Message{}
	for _, msg := range f.messages {
		if msg.RoomID == roomID {
			messages = append(messages, msg)
		}
	}
	return messages, nil
}

func (f *fakeStore) FindByRoomSince(ctx context.Context, roomID model.RoomID, since time.Time, limit int) ([]*model.Message, error) {
	if err := f.begin("findByRoomSince"); err != nil {
		return nil, err
	}
	return []*model.Message{}, nil
}

func (f *fakeStore) UnreadCount(ctx context.Context, roomID model.RoomID, userID model.UserID, lastSeen time.Time) (int, error) {
	if err := f.begin("unreadCount"); err != nil {
		return 0, err
	}
	return 0, nil
}

func (f *fakeStore) MarkAsRead(ctx context.Context, messageID model.MessageID, userID model.UserID) (*model.ReadStatus, error) {
	if err := f.begin("markAsRead"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	key := string(messageID) + "/" + string(userID)
	if existing, ok := f.reads[key]; ok {
		return existing, nil
	}
	status := &model.ReadStatus{MessageID: messageID, UserID: userID, ReadAt: time.Now().UTC()}
	f.reads[key] = status
	return status, nil
}

func (f *fakeStore) MarkRoomAsRead(ctx context.Context, roomID model.RoomID, userID model.UserID, upTo time.Time) (int, error) {
	if err := f.begin("markRoomAsRead"); err != nil {
		return 0, err
	}
	return 7, nil
}

func (f *fakeStore) Update(ctx context.Context, id model.MessageID, senderID model.UserID, content string) (*model.Message, error) {
	if err := f.begin("update"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	msg, ok := f.messages[id]
	if !ok {
		return nil, model.ErrorMessageNotFound
	}
	if msg.SenderID != senderID {
		return nil, model.ErrorSenderMismatch
	}
	msg.Content = content
	return msg, nil
}

func (f *fakeStore) Delete(ctx context.Context, id model.MessageID, senderID model.UserID) (*model.Message, error) {
	if err := f.begin("delete"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	msg, ok := f.messages[id]
	if !ok {
		return nil, model.ErrorMessageNotFound
	}
	delete(f.messages, id)
	return msg, nil
}

func (f *fakeStore) Search(ctx context.Context, roomID model.RoomID, term string, limit int) ([]*model.Message, error) {
	if err := f.begin("search"); err != nil {
		return nil, err
	}
	return []*model.Message{}, nil
}

func (f *fakeStore) RoomStats(ctx context.Context, roomID model.RoomID) (*model.RoomStats, error) {
	if err := f.begin("roomStats"); err != nil {
		return nil, err
	}
	return &model.RoomStats{}, nil
}

func (f *fakeStore) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// reactiveStore adds the reaction capability to the fake.
type reactiveStore struct {
	*fakeStore
}

func (f *reactiveStore) AddReaction(ctx context.Context, id model.MessageID, userID model.UserID, emoji string) (*model.Message, error) {
	if err := f.begin("addReaction"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	msg, ok := f.messages[id]
	if !ok {
		return nil, model.ErrorMessageNotFound
	}
	if msg.Reactions == nil {
		msg.Reactions = map[string][]model.UserID{}
	}
	msg.Reactions[emoji] = append(msg.Reactions[emoji], userID)
	return msg, nil
}

func (f *reactiveStore) RemoveReaction(ctx context.Context, id model.MessageID, userID model.UserID, emoji string) (*model.Message, error) {
	if err := f.begin("removeReaction"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	msg, ok := f.messages[id]
	if !ok {
		return nil, model.ErrorMessageNotFound
	}
	delete(msg.Reactions, emoji)
	return msg, nil
}

type recordingMembership struct {
	mu     sync.Mutex
	roomID model.RoomID
	userID model.UserID
	seenAt time.Time
	calls  int
}

func (m *recordingMembership) UpdateLastSeen(ctx context.Context, roomID model.RoomID, userID model.UserID, seenAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roomID = roomID
	m.userID = userID
	m.seenAt = seenAt
	m.calls++
	return nil
}

var errPrimaryDown = errors.New("primary connection refused")
var errSecondaryDown = errors.New("secondary connection refused")

func sendParams() *model.CreateMessageParams {
	return &model.CreateMessageParams{
		RoomID:      "room-1",
		SenderID:    "alice",
		Content:     "hello",
		MessageType: model.MessageTypeText,
	}
}

func TestFailover(t *testing.T) {
	t.Run("CreateFallsBackToSecondary", func(t *testing.T) {
		assert := assert.New(t)

		primary := newFakeStore()
		primary.err = errPrimaryDown
		secondary := newFakeStore()

		service := New(primary, Options{Secondary: secondary, FallbackEnabled: true})

		msg, err := service.Create(context.Background(), sendParams())
		assert.NoError(err)
		assert.NotNil(msg)
		assert.Equal(1, primary.callCount("create"))
		assert.Equal(1, secondary.callCount("create"))

		// The message is retrievable from the secondary.
		found, err := secondary.FindByID(context.Background(), msg.ID)
		assert.NoError(err)
		assert.Equal(msg.ID, found.ID)
	})

	t.Run("FallbackDisabled", func(t *testing.T) {
		assert := assert.New(t)

		primary := newFakeStore()
		primary.err = errPrimaryDown
		secondary := newFakeStore()

		service := New(primary, Options{Secondary: secondary, FallbackEnabled: false})

		_, err := service.Create(context.Background(), sendParams())
		assert.ErrorIs(err, errPrimaryDown)
		assert.Equal(0, secondary.callCount("create"))
	})

	t.Run("BothFailSurfacesPrimaryError", func(t *testing.T) {
		assert := assert.New(t)

		primary := newFakeStore()
		primary.err = errPrimaryDown
		secondary := newFakeStore()
		secondary.err = errSecondaryDown

		service := New(primary, Options{Secondary: secondary, FallbackEnabled: true})

		_, err := service.Create(context.Background(), sendParams())
		assert.ErrorIs(err, errPrimaryDown)
		assert.NotErrorIs(err, errSecondaryDown)
	})

	t.Run("ExpectedOutcomesDoNotFallOver", func(t *testing.T) {
		assert := assert.New(t)

		primary := newFakeStore()
		secondary := newFakeStore()

		service := New(primary, Options{Secondary: secondary, FallbackEnabled: true})

		_, err := service.FindByID(context.Background(), "no-such-message")
		assert.ErrorIs(err, model.ErrorMessageNotFound)
		assert.Equal(0, secondary.callCount("findByID"))
	})

	t.Run("NoSecondaryConfigured", func(t *testing.T) {
		assert := assert.New(t)

		primary := newFakeStore()
		primary.err = errPrimaryDown

		service := New(primary, Options{FallbackEnabled: true})

		_, err := service.Create(context.Background(), sendParams())
		assert.ErrorIs(err, errPrimaryDown)
	})
}

func TestReadPreference(t *testing.T) {
	assert := assert.New(t)

	primary := newFakeStore()
	secondary := newFakeStore()

	service := New(primary, Options{
		Secondary:            secondary,
		FallbackEnabled:      true,
		PreferSecondaryReads: true,
	})

	_, err := service.FindByRoom(context.Background(), "room-1", 10, 0)
	assert.NoError(err)
	assert.Equal(0, primary.callCount("findByRoom"))
	assert.Equal(1, secondary.callCount("findByRoom"))

	// Writes still land on the primary.
	_, err = service.Create(context.Background(), sendParams())
	assert.NoError(err)
	assert.Equal(1, primary.callCount("create"))
	assert.Equal(0, secondary.callCount("create"))

	// A failing read-preferred backend falls back to the primary.
	secondary.err = errSecondaryDown
	_, err = service.Search(context.Background(), "room-1", "hello", 10)
	assert.NoError(err)
	assert.Equal(1, primary.callCount("search"))
}

func TestCacheOrchestration(t *testing.T) {
	assert := assert.New(t)

	primary := newFakeStore()
	service := New(primary, Options{Cache: cache.New(nil)})

	msg, err := service.Create(context.Background(), sendParams())
	assert.NoError(err)

	t.Run("CreateWarmsRoomCache", func(t *testing.T) {
		messages, err := service.FindByRoom(context.Background(), "room-1", 1, 0)
		assert.NoError(err)
		if assert.Len(messages, 1) {
			assert.Equal(msg.ID, messages[0].ID)
		}
		assert.Equal(0, primary.callCount("findByRoom"))
	})

	t.Run("OffsetBypassesCache", func(t *testing.T) {
		_, err := service.FindByRoom(context.Background(), "room-1", 1, 5)
		assert.NoError(err)
		assert.Equal(1, primary.callCount("findByRoom"))
	})

	t.Run("FindByIDPopulatesLazily", func(t *testing.T) {
		before := primary.callCount("findByID")
		_, err := service.FindByID(context.Background(), msg.ID)
		assert.NoError(err)
		_, err = service.FindByID(context.Background(), msg.ID)
		assert.NoError(err)
		assert.Equal(before+1, primary.callCount("findByID"))
	})

	t.Run("UpdateInvalidates", func(t *testing.T) {
		before := primary.callCount("findByID")
		_, err := service.Update(context.Background(), msg.ID, "alice", "edited")
		assert.NoError(err)

		// The stale entry is gone; the next read goes to the backend.
		found, err := service.FindByID(context.Background(), msg.ID)
		assert.NoError(err)
		assert.Equal("edited", found.Content)
		assert.Equal(before+1, primary.callCount("findByID"))
	})
}

func TestReactionCapability(t *testing.T) {
	t.Run("UnsupportedBackend", func(t *testing.T) {
		assert := assert.New(t)

		primary := newFakeStore()
		service := New(primary, Options{})

		_, err := service.AddReaction(context.Background(), "any", "bob", "👍")
		assert.ErrorIs(err, model.ErrorReactionsUnsupported)
	})

	t.Run("SupportedBackend", func(t *testing.T) {
		assert := assert.New(t)

		primary := &reactiveStore{newFakeStore()}
		service := New(primary, Options{})

		msg, err := service.Create(context.Background(), sendParams())
		assert.NoError(err)

		updated, err := service.AddReaction(context.Background(), msg.ID, "bob", "👍")
		assert.NoError(err)
		assert.Equal([]model.UserID{"bob"}, updated.Reactions["👍"])

		updated, err = service.RemoveReaction(context.Background(), msg.ID, "bob", "👍")
		assert.NoError(err)
		assert.Empty(updated.Reactions["👍"])
	})
}

func TestMarkRoomAsRead(t *testing.T) {
	assert := assert.New(t)

	primary := newFakeStore()
	membership := &recordingMembership{}
	service := New(primary, Options{Membership: membership})

	upTo := time.Now().UTC()
	count, err := service.MarkRoomAsRead(context.Background(), "room-1", "bob", upTo)
	assert.NoError(err)
	assert.Equal(7, count)

	assert.Equal(1, membership.calls)
	assert.Equal(model.RoomID("room-1"), membership.roomID)
	assert.Equal(model.UserID("bob"), membership.userID)
	assert.Equal(upTo, membership.seenAt)
}

func TestClose(t *testing.T) {
	assert := assert.New(t)

	primary := newFakeStore()
	secondary := newFakeStore()
	service := New(primary, Options{Secondary: secondary})

	assert.NoError(service.Close())
	assert.True(primary.closed)
	assert.True(secondary.closed)
}
