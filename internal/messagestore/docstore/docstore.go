// Package docstore implements the message store on bbolt, one JSON document
// per message. Edit history and reactions live inside the document, which is
// why this backend is the one carrying the reaction capability. A per-room
// index bucket keyed by insertion sequence gives the room ordering; bbolt's
// single-writer transactions make read marking idempotent under races.
package docstore

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.etcd.io/bbolt"

	"github.com/kerbside/kerbside/internal/model"
)

var (
	bucketMessages = []byte("messages")
	bucketRooms    = []byte("rooms")
	bucketReads    = []byte("message_reads")
)

// document is the stored shape of a message. Seq is the key of the room index
// entry pointing at this document.
type document struct {
	model.Message
	Seq uint64 `json:"seq"`
}

type docstore struct {
	db *bbolt.DB
}

func New(path string) (*docstore, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketMessages, bucketRooms, bucketReads} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &docstore{db}, nil
}

func (s *docstore) Close() error {
	return s.db.Close()
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

func readKey(messageID model.MessageID, userID model.UserID) []byte {
	return []byte(string(messageID) + "/" + string(userID))
}

func getDocument(tx *bbolt.Tx, id model.MessageID) (*document, error) {
	raw := tx.Bucket(bucketMessages).Get([]byte(id))
	if raw == nil {
		return nil, model.ErrorMessageNotFound
	}
	doc := &document{}
	if err := json.Unmarshal(raw, doc); err != nil {
		return nil, fmt.Errorf("unmarshalling message document: %w", err)
	}
	return doc, nil
}

func putDocument(tx *bbolt.Tx, doc *document) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshalling message document: %w", err)
	}
	if err := tx.Bucket(bucketMessages).Put([]byte(doc.ID), raw); err != nil {
		return fmt.Errorf("storing message document: %w", err)
	}
	return nil
}

func (s *docstore) Create(ctx context.Context, params *model.CreateMessageParams) (*model.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	doc := &document{Message: model.Message{
		ID:          model.MessageID(model.CreateID()),
		RoomID:      params.RoomID,
		SenderID:    params.SenderID,
		Content:     params.Content,
		MessageType: params.MessageType,
		ReplyTo:     params.ReplyTo,
		CreatedAt:   now,
		UpdatedAt:   now,
	}}
	if doc.MessageType == "" {
		doc.MessageType = model.MessageTypeText
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		room, err := tx.Bucket(bucketRooms).CreateBucketIfNotExists([]byte(doc.RoomID))
		if err != nil {
			return fmt.Errorf("creating room index: %w", err)
		}
		seq, err := room.NextSequence()
		if err != nil {
			return fmt.Errorf("allocating room sequence: %w", err)
		}
		doc.Seq = seq
		if err := room.Put(seqKey(seq), []byte(doc.ID)); err != nil {
			return fmt.Errorf("indexing message: %w", err)
		}
		return putDocument(tx, doc)
	})
	if err != nil {
		return nil, err
	}

	return &doc.Message, nil
}

func (s *docstore) FindByID(ctx context.Context, id model.MessageID) (*model.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var msg *model.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		doc, err := getDocument(tx, id)
		if err != nil {
			return err
		}
		msg = &doc.Message
		return nil
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// forEachInRoom walks a room's messages in insertion order, newest first when
// reverse is set. The walk stops when fn returns false.
func forEachInRoom(tx *bbolt.Tx, roomID model.RoomID, reverse bool, fn func(doc *document) (bool, error)) error {
	room := tx.Bucket(bucketRooms).Bucket([]byte(roomID))
	if room == nil {
		return nil
	}

	cursor := room.Cursor()
	next := cursor.Next
	k, v := cursor.First()
	if reverse {
		next = cursor.Prev
		k, v = cursor.Last()
	}

	for ; k != nil; k, v = next() {
		doc, err := getDocument(tx, model.MessageID(v))
		if err != nil {
			return fmt.Errorf("resolving room index entry: %w", err)
		}
		more, err := fn(doc)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
	return nil
}

func (s *docstore) FindByRoom(ctx context.Context, roomID model.RoomID, limit, offset int) ([]*model.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	messages := []*model.Message{}
	err := s.db.View(func(tx *bbolt.Tx) error {
		skipped := 0
		return forEachInRoom(tx, roomID, true, func(doc *document) (bool, error) {
			if skipped < offset {
				skipped++
				return true, nil
			}
			msg := doc.Message
			messages = append(messages, &msg)
			return len(messages) < limit, nil
		})
	})
	if err != nil {
		return nil, err
	}

	// Walked newest-first for the offset window; callers get oldest-first.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func (s *docstore) FindByRoomSince(ctx context.Context, roomID model.RoomID, since time.Time, limit int) ([]*model.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	messages := []*model.Message{}
	err := s.db.View(func(tx *bbolt.Tx) error {
		return forEachInRoom(tx, roomID, false, func(doc *document) (bool, error) {
			if !doc.CreatedAt.After(since) {
				return true, nil
			}
			msg := doc.Message
			messages = append(messages, &msg)
			return len(messages) < limit, nil
		})
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}

func (s *docstore) UnreadCount(ctx context.Context, roomID model.RoomID, userID model.UserID, lastSeen time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	count := 0
	err := s.db.View(func(tx *bbolt.Tx) error {
		return forEachInRoom(tx, roomID, false, func(doc *document) (bool, error) {
			if doc.SenderID != userID && doc.CreatedAt.After(lastSeen) {
				count++
			}
			return true, nil
		})
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (s *docstore) MarkAsRead(ctx context.Context, messageID model.MessageID, userID model.UserID) (*model.ReadStatus, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var status *model.ReadStatus
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if _, err := getDocument(tx, messageID); err != nil {
			return err
		}

		reads := tx.Bucket(bucketReads)
		key := readKey(messageID, userID)
		if raw := reads.Get(key); raw != nil {
			// Already marked; first read wins.
			existing := &model.ReadStatus{}
			if err := json.Unmarshal(raw, existing); err != nil {
				return fmt.Errorf("unmarshalling read status: %w", err)
			}
			status = existing
			return nil
		}

		status = &model.ReadStatus{
			MessageID: messageID,
			UserID:    userID,
			ReadAt:    time.Now().UTC(),
		}
		raw, err := json.Marshal(status)
		if err != nil {
			return fmt.Errorf("marshalling read status: %w", err)
		}
		return reads.Put(key, raw)
	})
	if err != nil {
		return nil, err
	}
	return status, nil
}

func (s *docstore) MarkRoomAsRead(ctx context.Context, roomID model.RoomID, userID model.UserID, upTo time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	inserted := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		reads := tx.Bucket(bucketReads)
		now := time.Now().UTC()

		return forEachInRoom(tx, roomID, false, func(doc *document) (bool, error) {
			if doc.SenderID == userID || doc.CreatedAt.After(upTo) {
				return true, nil
			}
			key := readKey(doc.ID, userID)
			if reads.Get(key) != nil {
				return true, nil
			}
			raw, err := json.Marshal(&model.ReadStatus{MessageID: doc.ID, UserID: userID, ReadAt: now})
			if err != nil {
				return false, fmt.Errorf("marshalling read status: %w", err)
			}
			if err := reads.Put(key, raw); err != nil {
				return false, fmt.Errorf("storing read status: %w", err)
			}
			inserted++
			return true, nil
		})
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

func (s *docstore) Update(ctx context.Context, id model.MessageID, senderID model.UserID, content string) (*model.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var updated *model.Message
	err := s.db.Update(func(tx *bbolt.Tx) error {
		doc, err := getDocument(tx, id)
		if err != nil {
			return err
		}
		if doc.SenderID != senderID {
			return model.ErrorSenderMismatch
		}
		if doc.Content == content {
			updated = &doc.Message
			return nil
		}

		now := time.Now().UTC()
		doc.EditHistory = append([]model.EditEntry{{PriorContent: doc.Content, EditedAt: now}}, doc.EditHistory...)
		doc.Content = content
		doc.UpdatedAt = now
		if err := putDocument(tx, doc); err != nil {
			return err
		}

		updated = &doc.Message
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *docstore) Delete(ctx context.Context, id model.MessageID, senderID model.UserID) (*model.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var deleted *model.Message
	err := s.db.Update(func(tx *bbolt.Tx) error {
		doc, err := getDocument(tx, id)
		if err != nil {
			return err
		}
		if doc.SenderID != senderID {
			return model.ErrorSenderMismatch
		}

		if room := tx.Bucket(bucketRooms).Bucket([]byte(doc.RoomID)); room != nil {
			if err := room.Delete(seqKey(doc.Seq)); err != nil {
				return fmt.Errorf("removing room index entry: %w", err)
			}
		}

		// Cascade to this message's read records.
		reads := tx.Bucket(bucketReads)
		cursor := reads.Cursor()
		prefix := []byte(string(id) + "/")
		for k, _ := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = cursor.Next() {
			if err := reads.Delete(k); err != nil {
				return fmt.Errorf("removing read status: %w", err)
			}
		}

		if err := tx.Bucket(bucketMessages).Delete([]byte(id)); err != nil {
			return fmt.Errorf("removing message document: %w", err)
		}

		deleted = &doc.Message
		return nil
	})
	if err != nil {
		return nil, err
	}
	return deleted, nil
}

func (s *docstore) Search(ctx context.Context, roomID model.RoomID, term string, limit int) ([]*model.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	needle := strings.ToLower(term)
	messages := []*model.Message{}
	err := s.db.View(func(tx *bbolt.Tx) error {
		return forEachInRoom(tx, roomID, true, func(doc *document) (bool, error) {
			if doc.MessageType != model.MessageTypeText || !strings.Contains(strings.ToLower(doc.Content), needle) {
				return true, nil
			}
			msg := doc.Message
			messages = append(messages, &msg)
			return len(messages) < limit, nil
		})
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}

func (s *docstore) RoomStats(ctx context.Context, roomID model.RoomID) (*model.RoomStats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stats := &model.RoomStats{}
	err := s.db.View(func(tx *bbolt.Tx) error {
		senders := map[model.UserID]struct{}{}
		return forEachInRoom(tx, roomID, false, func(doc *document) (bool, error) {
			stats.TotalMessages++
			senders[doc.SenderID] = struct{}{}
			stats.UniqueSenders = len(senders)
			if stats.FirstMessageAt == nil {
				createdAt := doc.CreatedAt
				stats.FirstMessageAt = &createdAt
			}
			createdAt := doc.CreatedAt
			stats.LastMessageAt = &createdAt
			return true, nil
		})
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

func (s *docstore) AddReaction(ctx context.Context, id model.MessageID, userID model.UserID, emoji string) (*model.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var updated *model.Message
	err := s.db.Update(func(tx *bbolt.Tx) error {
		doc, err := getDocument(tx, id)
		if err != nil {
			return err
		}

		if doc.Reactions == nil {
			doc.Reactions = map[string][]model.UserID{}
		}
		for _, existing := range doc.Reactions[emoji] {
			if existing == userID {
				updated = &doc.Message
				return nil
			}
		}
		doc.Reactions[emoji] = append(doc.Reactions[emoji], userID)
		if err := putDocument(tx, doc); err != nil {
			return err
		}

		updated = &doc.Message
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *docstore) RemoveReaction(ctx context.Context, id model.MessageID, userID model.UserID, emoji string) (*model.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var updated *model.Message
	err := s.db.Update(func(tx *bbolt.Tx) error {
		doc, err := getDocument(tx, id)
		if err != nil {
			return err
		}

		users := doc.Reactions[emoji]
		filtered := users[:0]
		for _, existing := range users {
			if existing != userID {
				filtered = append(filtered, existing)
			}
		}
		if len(filtered) == len(users) {
			updated = &doc.Message
			return nil
		}
		if len(filtered) == 0 {
			delete(doc.Reactions, emoji)
		} else {
			doc.Reactions[emoji] = filtered
		}
		if err := putDocument(tx, doc); err != nil {
			return err
		}

		updated = &doc.Message
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}
