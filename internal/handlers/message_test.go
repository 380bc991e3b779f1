package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	tassert "github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kerbside/kerbside/internal/model"
)

const testSecret = "test-secret"

type stubService struct {
	msg        *model.Message
	err        error
	lastSender model.UserID
}

func (s *stubService) Create(ctx context.Context, params *model.CreateMessageParams) (*model.Message, error) {
	s.lastSender = params.SenderID
	return s.msg, s.err
}

func (s *stubService) FindByID(ctx context.Context, id model.MessageID) (*model.Message, error) {
	return s.msg, s.err
}

func (s *stubService) FindByRoom(ctx context.Context, roomID model.RoomID, limit, offset int) ([]*model.Message, error) {
	return []*model.Message{}, s.err
}

func (s *stubService) FindByRoomSince(ctx context.Context, roomID model.RoomID, since time.Time, limit int) ([]*model.Message, error) {
	return []*model.Message{}, s.err
}

func (s *stubService) UnreadCount(ctx context.Context, roomID model.RoomID, userID model.UserID, lastSeen time.Time) (int, error) {
	return 0, s.err
}

func (s *stubService) MarkAsRead(ctx context.Context, messageID model.MessageID, userID model.UserID) (*model.ReadStatus, error) {
	return &model.ReadStatus{MessageID: messageID, UserID: userID}, s.err
}

func (s *stubService) MarkRoomAsRead(ctx context.Context, roomID model.RoomID, userID model.UserID, upTo time.Time) (int, error) {
	return 0, s.err
}

func (s *stubService) Update(ctx context.Context, id model.MessageID, senderID model.UserID, content string) (*model.Message, error) {
	s.lastSender = senderID
	return s.msg, s.err
}

func (s *stubService) Delete(ctx context.Context, id model.MessageID, senderID model.UserID) (*model.Message, error) {
	return s.msg, s.err
}

func (s *stubService) Search(ctx context.Context, roomID model.RoomID, term string, limit int) ([]*model.Message, error) {
	return []*model.Message{}, s.err
}

func (s *stubService) RoomStats(ctx context.Context, roomID model.RoomID) (*model.RoomStats, error) {
	return &model.RoomStats{}, s.err
}

func (s *stubService) AddReaction(ctx context.Context, id model.MessageID, userID model.UserID, emoji string) (*model.Message, error) {
	return s.msg, s.err
}

func (s *stubService) RemoveReaction(ctx context.Context, id model.MessageID, userID model.UserID, emoji string) (*model.Message, error) {
	return s.msg, s.err
}

func bearerToken(t *testing.T, subject string) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": subject}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return "Bearer " + token
}

func newTestServer(service ChatService) *echo.Echo {
	server := echo.New()
	api := server.Group("", Authenticate(testSecret))
	api.POST("/rooms/:roomID/messages", SendMessage(service))
	api.GET("/messages/:messageID", GetMessage(service))
	api.PUT("/messages/:messageID", EditMessage(service))
	api.POST("/messages/:messageID/reactions", AddReaction(service))
	return server
}

func doRequest(server *echo.Echo, method, target, auth, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if auth != "" {
		req.Header.Set(echo.HeaderAuthorization, auth)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func TestAuthenticate(t *testing.T) {
	assert := assert.New(t)

	service := &stubService{msg: &model.Message{ID: "msg-1", SenderID: "alice"}}
	server := newTestServer(service)

	t.Run("MissingToken", func(t *testing.T) {
		rec := doRequest(server, http.MethodPost, "/rooms/room-1/messages", "", `{"content":"hi"}`)
		assert.Equal(http.StatusUnauthorized, rec.Code)
	})

	t.Run("GarbageToken", func(t *testing.T) {
		rec := doRequest(server, http.MethodPost, "/rooms/room-1/messages", "Bearer not-a-jwt", `{"content":"hi"}`)
		assert.Equal(http.StatusUnauthorized, rec.Code)
	})

	t.Run("SenderFromToken", func(t *testing.T) {
		rec := doRequest(server, http.MethodPost, "/rooms/room-1/messages", bearerToken(t, "alice"), `{"content":"hi"}`)
		assert.Equal(http.StatusCreated, rec.Code)
		assert.Equal(model.UserID("alice"), service.lastSender)
	})
}

func TestErrorMapping(t *testing.T) {
	assert := assert.New(t)

	t.Run("NotFound", func(t *testing.T) {
		server := newTestServer(&stubService{err: model.ErrorMessageNotFound})
		rec := doRequest(server, http.MethodGet, "/messages/msg-1", bearerToken(t, "alice"), "")
		assert.Equal(http.StatusNotFound, rec.Code)
	})

	t.Run("SenderMismatch", func(t *testing.T) {
		server := newTestServer(&stubService{err: model.ErrorSenderMismatch})
		rec := doRequest(server, http.MethodPut, "/messages/msg-1", bearerToken(t, "bob"), `{"content":"edited"}`)
		assert.Equal(http.StatusForbidden, rec.Code)
	})

	t.Run("ReactionsUnsupported", func(t *testing.T) {
		server := newTestServer(&stubService{err: model.ErrorReactionsUnsupported})
		rec := doRequest(server, http.MethodPost, "/messages/msg-1/reactions", bearerToken(t, "bob"), `{"emoji":"👍"}`)
		assert.Equal(http.StatusNotImplemented, rec.Code)
	})

	t.Run("SendFailureIsGeneric", func(t *testing.T) {
		server := newTestServer(&stubService{err: tassert.AnError})
		rec := doRequest(server, http.MethodPost, "/rooms/room-1/messages", bearerToken(t, "alice"), `{"content":"hi"}`)
		assert.Equal(http.StatusServiceUnavailable, rec.Code)
		assert.Contains(rec.Body.String(), "message not sent")
	})
}
