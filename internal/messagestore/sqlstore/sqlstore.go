// Package sqlstore implements the message store on sqlite. Read receipts are
// plain rows with a composite primary key; the uniqueness constraint is what
// makes concurrent marking idempotent.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"

	"github.com/kerbside/kerbside/internal/model"
)

const (
	insertMessageSQL = `insert into messages
		(ID, RoomID, SenderID, Content, MessageType, ReplyTo, EditHistory, CreatedAt, UpdatedAt)
		values(:ID, :RoomID, :SenderID, :Content, :MessageType, :ReplyTo, :EditHistory, :CreatedAt, :UpdatedAt)`
	getMessageSQL = `select * from messages where ID = ?`
	byRoomSQL     = `select * from messages where RoomID = ?
		order by CreatedAt desc, rowid desc limit ? offset ?`
	byRoomSinceSQL = `select * from messages where RoomID = ? and CreatedAt > ?
		order by CreatedAt asc, rowid asc limit ?`
	unreadCountSQL = `select count(*) from messages
		where RoomID = ? and SenderID <> ? and CreatedAt > ?`
	insertReadSQL = `insert into message_reads (MessageID, UserID, ReadAt) values (?, ?, ?)`
	getReadSQL    = `select * from message_reads where MessageID = ? and UserID = ?`
	catchUpSQL    = `insert or ignore into message_reads (MessageID, UserID, ReadAt)
		select ID, ?, ? from messages
		where RoomID = ? and SenderID <> ? and CreatedAt <= ?`
	updateMessageSQL = `update messages set Content = ?, EditHistory = ?, UpdatedAt = ? where ID = ?`
	deleteReadsSQL   = `delete from message_reads where MessageID = ?`
	deleteMessageSQL = `delete from messages where ID = ?`
	searchSQL        = `select * from messages
		where RoomID = ? and MessageType = 'text' and Content like ?
		order by CreatedAt desc, rowid desc limit ?`
	roomCountsSQL = `select count(*) as TotalMessages, count(distinct SenderID) as UniqueSenders
		from messages where RoomID = ?`
	firstMessageAtSQL = `select CreatedAt from messages where RoomID = ?
		order by CreatedAt asc, rowid asc limit 1`
	lastMessageAtSQL = `select CreatedAt from messages where RoomID = ?
		order by CreatedAt desc, rowid desc limit 1`
)

// messageRow is the relational shape of a message; the edit history lives in
// a JSON column.
type messageRow struct {
	ID          string    `db:"ID"`
	RoomID      string    `db:"RoomID"`
	SenderID    string    `db:"SenderID"`
	Content     string    `db:"Content"`
	MessageType string    `db:"MessageType"`
	ReplyTo     *string   `db:"ReplyTo"`
	EditHistory string    `db:"EditHistory"`
	CreatedAt   time.Time `db:"CreatedAt"`
	UpdatedAt   time.Time `db:"UpdatedAt"`
}

func (r *messageRow) toMessage() (*model.Message, error) {
	msg := &model.Message{
		ID:          model.MessageID(r.ID),
		RoomID:      model.RoomID(r.RoomID),
		SenderID:    model.UserID(r.SenderID),
		Content:     r.Content,
		MessageType: model.MessageType(r.MessageType),
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
	if r.ReplyTo != nil {
		replyTo := model.MessageID(*r.ReplyTo)
		msg.ReplyTo = &replyTo
	}
	if r.EditHistory != "" && r.EditHistory != "[]" {
		if err := json.Unmarshal([]byte(r.EditHistory), &msg.EditHistory); err != nil {
			return nil, fmt.Errorf("unmarshalling edit history: %w", err)
		}
	}
	return msg, nil
}

type sqlstore struct {
	db *sqlx.DB
}

func New(path string) (*sqlstore, error) {
	db, err := sqlx.Connect("sqlite3", "file:"+path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	store := &sqlstore{db}
	if err := store.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating tables: %w", err)
	}

	return store, nil
}

func (s *sqlstore) Close() error {
	return s.db.Close()
}

func (s *sqlstore) createTables() error {
	_, err := s.db.Exec(`create table if not exists messages(
		ID          text not null primary key,
		RoomID      text not null,
		SenderID    text not null,
		Content     text not null,
		MessageType text not null default 'text',
		ReplyTo     text null,
		EditHistory text not null default '[]',
		CreatedAt   DATETIME not null,
		UpdatedAt   DATETIME not null
	)`)
	if err != nil {
		return fmt.Errorf("creating messages table: %w", err)
	}

	_, err = s.db.Exec(`create index if not exists idx_messages_room on messages(RoomID, CreatedAt)`)
	if err != nil {
		return fmt.Errorf("creating room index: %w", err)
	}

	_, err = s.db.Exec(`create table if not exists message_reads(
		MessageID text not null,
		UserID    text not null,
		ReadAt    DATETIME not null,
		primary key(MessageID, UserID)
	)`)
	if err != nil {
		return fmt.Errorf("creating message_reads table: %w", err)
	}

	return nil
}

func (s *sqlstore) withTx(ctx context.Context, exec func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	if err := exec(tx); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit()
}

func isDupKeyError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	return false
}

func (s *sqlstore) Create(ctx context.Context, params *model.CreateMessageParams) (*model.Message, error) {
	now := time.Now().UTC()
	row := &messageRow{
		ID:          model.CreateID(),
		RoomID:      string(params.RoomID),
		SenderID:    string(params.SenderID),
		Content:     params.Content,
		MessageType: string(params.MessageType),
		EditHistory: "[]",
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if row.MessageType == "" {
		row.MessageType = string(model.MessageTypeText)
	}
	if params.ReplyTo != nil {
		replyTo := string(*params.ReplyTo)
		row.ReplyTo = &replyTo
	}

	res, err := s.db.NamedExecContext(ctx, insertMessageSQL, row)
	if err != nil {
		return nil, fmt.Errorf("inserting message: %w", err)
	}
	if rows, err := res.RowsAffected(); err != nil {
		return nil, fmt.Errorf("getting rows affected: %w", err)
	} else if rows != 1 {
		return nil, fmt.Errorf("expected 1 row to be affected, got %d", rows)
	}

	return row.toMessage()
}

func (s *sqlstore) FindByID(ctx context.Context, id model.MessageID) (*model.Message, error) {
	row := &messageRow{}
	err := s.db.GetContext(ctx, row, getMessageSQL, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrorMessageNotFound
		}
		return nil, fmt.Errorf("fetching message: %w", err)
	}
	return row.toMessage()
}

func (s *sqlstore) FindByRoom(ctx context.Context, roomID model.RoomID, limit, offset int) ([]*model.Message, error) {
	rows := []messageRow{}
	err := s.db.SelectContext(ctx, &rows, byRoomSQL, roomID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("fetching room messages: %w", err)
	}
	// Queried newest-first for the offset window; callers get oldest-first.
	messages := make([]*model.Message, len(rows))
	for i := range rows {
		msg, err := rows[i].toMessage()
		if err != nil {
			return nil, err
		}
		messages[len(rows)-1-i] = msg
	}
	return messages, nil
}

func (s *sqlstore) FindByRoomSince(ctx context.Context, roomID model.RoomID, since time.Time, limit int) ([]*model.Message, error) {
	rows := []messageRow{}
	err := s.db.SelectContext(ctx, &rows, byRoomSinceSQL, roomID, since.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("fetching room messages since: %w", err)
	}
	messages := make([]*model.Message, len(rows))
	for i := range rows {
		msg, err := rows[i].toMessage()
		if err != nil {
			return nil, err
		}
		messages[i] = msg
	}
	return messages, nil
}

func (s *sqlstore) UnreadCount(ctx context.Context, roomID model.RoomID, userID model.UserID, lastSeen time.Time) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count, unreadCountSQL, roomID, userID, lastSeen.UTC())
	if err != nil {
		return 0, fmt.Errorf("counting unread messages: %w", err)
	}
	return count, nil
}

func (s *sqlstore) MarkAsRead(ctx context.Context, messageID model.MessageID, userID model.UserID) (*model.ReadStatus, error) {
	if _, err := s.FindByID(ctx, messageID); err != nil {
		return nil, err
	}

	status := &model.ReadStatus{
		MessageID: messageID,
		UserID:    userID,
		ReadAt:    time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx, insertReadSQL, status.MessageID, status.UserID, status.ReadAt)
	if err == nil {
		return status, nil
	}
	if !isDupKeyError(err) {
		return nil, fmt.Errorf("inserting read status: %w", err)
	}

	// Already marked, possibly by a concurrent caller. Return the existing
	// record; first read wins.
	existing := &model.ReadStatus{}
	if err := s.db.GetContext(ctx, existing, getReadSQL, messageID, userID); err != nil {
		return nil, fmt.Errorf("fetching existing read status: %w", err)
	}
	return existing, nil
}

func (s *sqlstore) MarkRoomAsRead(ctx context.Context, roomID model.RoomID, userID model.UserID, upTo time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, catchUpSQL, userID, time.Now().UTC(), roomID, userID, upTo.UTC())
	if err != nil {
		return 0, fmt.Errorf("inserting read statuses: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}
	return int(inserted), nil
}

func (s *sqlstore) Update(ctx context.Context, id model.MessageID, senderID model.UserID, content string) (*model.Message, error) {
	var updated *model.Message
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		row := &messageRow{}
		if err := tx.GetContext(ctx, row, getMessageSQL, id); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return model.ErrorMessageNotFound
			}
			return fmt.Errorf("fetching message: %w", err)
		}

		msg, err := row.toMessage()
		if err != nil {
			return err
		}
		if msg.SenderID != senderID {
			return model.ErrorSenderMismatch
		}
		if msg.Content == content {
			updated = msg
			return nil
		}

		now := time.Now().UTC()
		msg.EditHistory = append([]model.EditEntry{{PriorContent: msg.Content, EditedAt: now}}, msg.EditHistory...)
		msg.Content = content
		msg.UpdatedAt = now

		history, err := json.Marshal(msg.EditHistory)
		if err != nil {
			return fmt.Errorf("marshalling edit history: %w", err)
		}
		if _, err := tx.ExecContext(ctx, updateMessageSQL, msg.Content, string(history), now, id); err != nil {
			return fmt.Errorf("updating message: %w", err)
		}

		updated = msg
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *sqlstore) Delete(ctx context.Context, id model.MessageID, senderID model.UserID) (*model.Message, error) {
	var deleted *model.Message
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		row := &messageRow{}
		if err := tx.GetContext(ctx, row, getMessageSQL, id); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return model.ErrorMessageNotFound
			}
			return fmt.Errorf("fetching message: %w", err)
		}

		msg, err := row.toMessage()
		if err != nil {
			return err
		}
		if msg.SenderID != senderID {
			return model.ErrorSenderMismatch
		}

		if _, err := tx.ExecContext(ctx, deleteReadsSQL, id); err != nil {
			return fmt.Errorf("deleting read statuses: %w", err)
		}
		if _, err := tx.ExecContext(ctx, deleteMessageSQL, id); err != nil {
			return fmt.Errorf("deleting message: %w", err)
		}

		deleted = msg
		return nil
	})
	if err != nil {
		return nil, err
	}
	return deleted, nil
}

func (s *sqlstore) Search(ctx context.Context, roomID model.RoomID, term string, limit int) ([]*model.Message, error) {
	rows := []messageRow{}
	err := s.db.SelectContext(ctx, &rows, searchSQL, roomID, "%"+term+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("searching messages: %w", err)
	}
	messages := make([]*model.Message, len(rows))
	for i := range rows {
		msg, err := rows[i].toMessage()
		if err != nil {
			return nil, err
		}
		messages[i] = msg
	}
	return messages, nil
}

func (s *sqlstore) RoomStats(ctx context.Context, roomID model.RoomID) (*model.RoomStats, error) {
	stats := &model.RoomStats{}
	if err := s.db.GetContext(ctx, stats, roomCountsSQL, roomID); err != nil {
		return nil, fmt.Errorf("fetching room counts: %w", err)
	}
	if stats.TotalMessages == 0 {
		return stats, nil
	}

	var first, last time.Time
	if err := s.db.GetContext(ctx, &first, firstMessageAtSQL, roomID); err != nil {
		return nil, fmt.Errorf("fetching first message time: %w", err)
	}
	if err := s.db.GetContext(ctx, &last, lastMessageAtSQL, roomID); err != nil {
		return nil, fmt.Errorf("fetching last message time: %w", err)
	}
	stats.FirstMessageAt = &first
	stats.LastMessageAt = &last
	return stats, nil
}
