// Package chat is the facade over the two message backends. It owns backend
// selection, verbatim failover, the read cache, and the reaction capability
// check. Each operation makes at most one attempt per backend; when both
// fail, the caller sees the primary's error.
package chat

import (
	"context"
	"errors"
	"time"

	"github.com/labstack/gommon/log"

	"github.com/kerbside/kerbside/internal/messagestore"
	"github.com/kerbside/kerbside/internal/messagestore/cache"
	"github.com/kerbside/kerbside/internal/model"
)

type Cache interface {
	PushRoom(msg *model.Message) error
	RoomRecent(roomID model.RoomID, limit int) ([]*model.Message, bool, error)
	PutMessage(msg *model.Message) error
	GetMessage(id model.MessageID) (*model.Message, bool, error)
	InvalidateMessage(id model.MessageID) error
}

// RoomMembership is the room-management collaborator. The store advances a
// member's last-seen marker during bulk read catch-up but owns none of the
// membership state itself.
type RoomMembership interface {
	UpdateLastSeen(ctx context.Context, roomID model.RoomID, userID model.UserID, seenAt time.Time) error
}

type Logger interface {
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

type gommonLogger struct{}

func (gommonLogger) Warnf(format string, args ...interface{})  { log.Warnf(format, args...) }
func (gommonLogger) Errorf(format string, args ...interface{}) { log.Errorf(format, args...) }

type Options struct {
	// Secondary is the fallback backend; nil disables failover regardless of
	// FallbackEnabled.
	Secondary       messagestore.Store
	FallbackEnabled bool

	// PreferSecondaryReads routes read operations to the secondary first,
	// with the primary as their fallback. Write routing is unaffected.
	PreferSecondaryReads bool

	Cache      Cache
	Membership RoomMembership
	Logger     Logger
}

type service struct {
	writes   [2]messagestore.Store
	reads    [2]messagestore.Store
	fallback bool

	cache      Cache
	membership RoomMembership
	log        Logger
}

func New(primary messagestore.Store, opts Options) *service {
	s := &service{
		writes:     [2]messagestore.Store{primary, opts.Secondary},
		reads:      [2]messagestore.Store{primary, opts.Secondary},
		fallback:   opts.FallbackEnabled && opts.Secondary != nil,
		cache:      opts.Cache,
		membership: opts.Membership,
		log:        opts.Logger,
	}
	if opts.PreferSecondaryReads && opts.Secondary != nil {
		s.reads = [2]messagestore.Store{opts.Secondary, primary}
	}
	if s.log == nil {
		s.log = gommonLogger{}
	}
	return s
}

func (s *service) Close() error {
	err := s.writes[0].Close()
	if s.writes[1] != nil {
		err = errors.Join(err, s.writes[1].Close())
	}
	return err
}

// isExpected reports errors that are legitimate outcomes of a healthy
// backend. They never trigger failover; retrying "no such message" against
// the other engine would answer a different question.
func isExpected(err error) bool {
	return errors.Is(err, model.ErrorMessageNotFound) ||
		errors.Is(err, model.ErrorSenderMismatch) ||
		errors.Is(err, model.ErrorReactionsUnsupported)
}

func failover[T any](s *service, stores [2]messagestore.Store, op string, fn func(messagestore.Store) (T, error)) (T, error) {
	out, err := fn(stores[0])
	if err == nil || isExpected(err) {
		return out, err
	}
	if !s.fallback || stores[1] == nil {
		return out, err
	}

	s.log.Warnf("chat: %s failed on primary backend, retrying on secondary: %v", op, err)
	retried, retryErr := fn(stores[1])
	if retryErr == nil || isExpected(retryErr) {
		return retried, retryErr
	}

	// Both backends failed. Surface the original error; the primary is the
	// root cause the operator needs to see.
	s.log.Errorf("chat: %s failed on secondary backend as well: %v", op, retryErr)
	return out, err
}

func (s *service) Create(ctx context.Context, params *model.CreateMessageParams) (*model.Message, error) {
	msg, err := failover(s, s.writes, "create", func(store messagestore.Store) (*model.Message, error) {
		return store.Create(ctx, params)
	})
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if err := s.cache.PushRoom(msg); err != nil {
			s.log.Warnf("chat: warming room cache: %v", err)
		}
	}
	return msg, nil
}

func (s *service) FindByID(ctx context.Context, id model.MessageID) (*model.Message, error) {
	if s.cache != nil {
		if msg, ok, err := s.cache.GetMessage(id); err != nil {
			s.log.Warnf("chat: reading message cache: %v", err)
		} else if ok {
			return msg, nil
		}
	}

	msg, err := failover(s, s.reads, "find by id", func(store messagestore.Store) (*model.Message, error) {
		return store.FindByID(ctx, id)
	})
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if err := s.cache.PutMessage(msg); err != nil {
			s.log.Warnf("chat: writing message cache: %v", err)
		}
	}
	return msg, nil
}

func (s *service) FindByRoom(ctx context.Context, roomID model.RoomID, limit, offset int) ([]*model.Message, error) {
	if s.cache != nil && offset == 0 && limit <= cache.RoomCacheSize {
		if messages, ok, err := s.cache.RoomRecent(roomID, limit); err != nil {
			s.log.Warnf("chat: reading room cache: %v", err)
		} else if ok {
			return messages, nil
		}
	}

	// A miss is served by the backend and deliberately does not populate the
	// cache; only the write path does.
	return failover(s, s.reads, "find by room", func(store messagestore.Store) ([]*model.Message, error) {
		return store.FindByRoom(ctx, roomID, limit, offset)
	})
}

func (s *service) FindByRoomSince(ctx context.Context, roomID model.RoomID, since time.Time, limit int) ([]*model.Message, error) {
	return failover(s, s.reads, "find by room since", func(store messagestore.Store) ([]*model.Message, error) {
		return store.FindByRoomSince(ctx, roomID, since, limit)
	})
}

func (s *service) UnreadCount(ctx context.Context, roomID model.RoomID, userID model.UserID, lastSeen time.Time) (int, error) {
	return failover(s, s.reads, "unread count", func(store messagestore.Store) (int, error) {
		return store.UnreadCount(ctx, roomID, userID, lastSeen)
	})
}

func (s *service) MarkAsRead(ctx context.Context, messageID model.MessageID, userID model.UserID) (*model.ReadStatus, error) {
	return failover(s, s.writes, "mark as read", func(store messagestore.Store) (*model.ReadStatus, error) {
		return store.MarkAsRead(ctx, messageID, userID)
	})
}

func (s *service) MarkRoomAsRead(ctx context.Context, roomID model.RoomID, userID model.UserID, upTo time.Time) (int, error) {
	count, err := failover(s, s.writes, "mark room as read", func(store messagestore.Store) (int, error) {
		return store.MarkRoomAsRead(ctx, roomID, userID, upTo)
	})
	if err != nil {
		return 0, err
	}

	if s.membership != nil {
		if err := s.membership.UpdateLastSeen(ctx, roomID, userID, upTo); err != nil {
			// The read records are committed; the marker catches up on the
			// next call.
			s.log.Warnf("chat: updating last seen for %s in %s: %v", userID, roomID, err)
		}
	}
	return count, nil
}

func (s *service) Update(ctx context.Context, id model.MessageID, senderID model.UserID, content string) (*model.Message, error) {
	msg, err := failover(s, s.writes, "update", func(store messagestore.Store) (*model.Message, error) {
		return store.Update(ctx, id, senderID, content)
	})
	if err != nil {
		return nil, err
	}

	s.invalidate(id)
	return msg, nil
}

func (s *service) Delete(ctx context.Context, id model.MessageID, senderID model.UserID) (*model.Message, error) {
	msg, err := failover(s, s.writes, "delete", func(store messagestore.Store) (*model.Message, error) {
		return store.Delete(ctx, id, senderID)
	})
	if err != nil {
		return nil, err
	}

	s.invalidate(id)
	return msg, nil
}

func (s *service) invalidate(id model.MessageID) {
	if s.cache == nil {
		return
	}
	if err := s.cache.InvalidateMessage(id); err != nil {
		s.log.Warnf("chat: invalidating message cache: %v", err)
	}
}

func (s *service) Search(ctx context.Context, roomID model.RoomID, term string, limit int) ([]*model.Message, error) {
	return failover(s, s.reads, "search", func(store messagestore.Store) ([]*model.Message, error) {
		return store.Search(ctx, roomID, term, limit)
	})
}

func (s *service) RoomStats(ctx context.Context, roomID model.RoomID) (*model.RoomStats, error) {
	return failover(s, s.reads, "room stats", func(store messagestore.Store) (*model.RoomStats, error) {
		return store.RoomStats(ctx, roomID)
	})
}

func (s *service) AddReaction(ctx context.Context, id model.MessageID, userID model.UserID, emoji string) (*model.Message, error) {
	msg, err := failover(s, s.writes, "add reaction", func(store messagestore.Store) (*model.Message, error) {
		reactions, ok := store.(messagestore.ReactionStore)
		if !ok {
			return nil, model.ErrorReactionsUnsupported
		}
		return reactions.AddReaction(ctx, id, userID, emoji)
	})
	if err != nil {
		return nil, err
	}

	s.invalidate(id)
	return msg, nil
}

func (s *service) RemoveReaction(ctx context.Context, id model.MessageID, userID model.UserID, emoji string) (*model.Message, error) {
	msg, err := failover(s, s.writes, "remove reaction", func(store messagestore.Store) (*model.Message, error) {
		reactions, ok := store.(messagestore.ReactionStore)
		if !ok {
			return nil, model.ErrorReactionsUnsupported
		}
		return reactions.RemoveReaction(ctx, id, userID, emoji)
	})
	if err != nil {
		return nil, err
	}

	s.invalidate(id)
	return msg, nil
}
