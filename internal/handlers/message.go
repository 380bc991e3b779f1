package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/kerbside/kerbside/internal/model"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

type ChatService interface {
	Create(ctx context.Context, params *model.CreateMessageParams) (*model.Message, error)
	FindByID(ctx context.Context, id model.MessageID) (*model.Message, error)
	FindByRoom(ctx context.Context, roomID model.RoomID, limit, offset int) ([]*model.Message, error)
	FindByRoomSince(ctx context.Context, roomID model.RoomID, since time.Time, limit int) ([]*model.Message, error)
	UnreadCount(ctx context.Context, roomID model.RoomID, userID model.UserID, lastSeen time.Time) (int, error)
	MarkAsRead(ctx context.Context, messageID model.MessageID, userID model.UserID) (*model.ReadStatus, error)
	MarkRoomAsRead(ctx context.Context, roomID model.RoomID, userID model.UserID, upTo time.Time) (int, error)
	Update(ctx context.Context, id model.MessageID, senderID model.UserID, content string) (*model.Message, error)
	Delete(ctx context.Context, id model.MessageID, senderID model.UserID) (*model.Message, error)
	Search(ctx context.Context, roomID model.RoomID, term string, limit int) ([]*model.Message, error)
	RoomStats(ctx context.Context, roomID model.RoomID) (*model.RoomStats, error)
	AddReaction(ctx context.Context, id model.MessageID, userID model.UserID, emoji string) (*model.Message, error)
	RemoveReaction(ctx context.Context, id model.MessageID, userID model.UserID, emoji string) (*model.Message, error)
}

func serviceError(err error) error {
	switch {
	case errors.Is(err, model.ErrorMessageNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "message not found")
	case errors.Is(err, model.ErrorSenderMismatch):
		return echo.NewHTTPError(http.StatusForbidden, "not the message sender")
	case errors.Is(err, model.ErrorReactionsUnsupported):
		return echo.NewHTTPError(http.StatusNotImplemented, "reactions not supported by active backend")
	default:
		return echo.NewHTTPError(http.StatusServiceUnavailable, "message store unavailable")
	}
}

func pageParams(c echo.Context) (limit, offset int) {
	limit = defaultPageSize
	if raw := c.QueryParam("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if raw := c.QueryParam("offset"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			offset = n
		}
	}
	return limit, offset
}

func SendMessage(service ChatService) echo.HandlerFunc {
	return func(c echo.Context) error {
		params := &model.CreateMessageParams{}
		if err := c.Bind(params); err != nil {
			return err
		}
		params.RoomID = model.RoomID(c.Param("roomID"))
		params.SenderID = currentUser(c)

		msg, err := service.Create(c.Request().Context(), params)
		if err != nil {
			// Generic on purpose; both backends refused the write.
			return echo.NewHTTPError(http.StatusServiceUnavailable, "message not sent")
		}
		return c.JSON(http.StatusCreated, msg)
	}
}

func GetRoomMessages(service ChatService) echo.HandlerFunc {
	return func(c echo.Context) error {
		roomID := model.RoomID(c.Param("roomID"))
		limit, offset := pageParams(c)

		if raw := c.QueryParam("since"); raw != "" {
			since, err := time.Parse(time.RFC3339Nano, raw)
			if err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid since timestamp")
			}
			messages, err := service.FindByRoomSince(c.Request().Context(), roomID, since, limit)
			if err != nil {
				return serviceError(err)
			}
			return c.JSON(http.StatusOK, messages)
		}

		messages, err := service.FindByRoom(c.Request().Context(), roomID, limit, offset)
		if err != nil {
			return serviceError(err)
		}
		return c.JSON(http.StatusOK, messages)
	}
}

func GetMessage(service ChatService) echo.HandlerFunc {
	return func(c echo.Context) error {
		msg, err := service.FindByID(c.Request().Context(), model.MessageID(c.Param("messageID")))
		if err != nil {
			return serviceError(err)
		}
		return c.JSON(http.StatusOK, msg)
	}
}

func EditMessage(service ChatService) echo.HandlerFunc {
	return func(c echo.Context) error {
		body := struct {
			Content string `json:"content"`
		}{}
		if err := c.Bind(&body); err != nil {
			return err
		}

		msg, err := service.Update(c.Request().Context(), model.MessageID(c.Param("messageID")), currentUser(c), body.Content)
		if err != nil {
			return serviceError(err)
		}
		return c.JSON(http.StatusOK, msg)
	}
}

func DeleteMessage(service ChatService) echo.HandlerFunc {
	return func(c echo.Context) error {
		msg, err := service.Delete(c.Request().Context(), model.MessageID(c.Param("messageID")), currentUser(c))
		if err != nil {
			return serviceError(err)
		}
		return c.JSON(http.StatusOK, msg)
	}
}

func MarkMessageRead(service ChatService) echo.HandlerFunc {
	return func(c echo.Context) error {
		status, err := service.MarkAsRead(c.Request().Context(), model.MessageID(c.Param("messageID")), currentUser(c))
		if err != nil {
			return serviceError(err)
		}
		return c.JSON(http.StatusOK, status)
	}
}

func MarkRoomRead(service ChatService) echo.HandlerFunc {
	return func(c echo.Context) error {
		body := struct {
			UpTo *time.Time `json:"upTo"`
		}{}
		if err := c.Bind(&body); err != nil {
			return err
		}
		upTo := time.Now().UTC()
		if body.UpTo != nil {
			upTo = *body.UpTo
		}

		count, err := service.MarkRoomAsRead(c.Request().Context(), model.RoomID(c.Param("roomID")), currentUser(c), upTo)
		if err != nil {
			return serviceError(err)
		}
		return c.JSON(http.StatusOK, map[string]int{"markedRead": count})
	}
}

func GetUnreadCount(service ChatService) echo.HandlerFunc {
	return func(c echo.Context) error {
		lastSeen := time.Time{}
		if raw := c.QueryParam("lastSeen"); raw != "" {
			parsed, err := time.Parse(time.RFC3339Nano, raw)
			if err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid lastSeen timestamp")
			}
			lastSeen = parsed
		}

		count, err := service.UnreadCount(c.Request().Context(), model.RoomID(c.Param("roomID")), currentUser(c), lastSeen)
		if err != nil {
			return serviceError(err)
		}
		return c.JSON(http.StatusOK, map[string]int{"unread": count})
	}
}

func SearchMessages(service ChatService) echo.HandlerFunc {
	return func(c echo.Context) error {
		term := c.QueryParam("q")
		if term == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "missing search term")
		}
		limit, _ := pageParams(c)

		messages, err := service.Search(c.Request().Context(), model.RoomID(c.Param("roomID")), term, limit)
		if err != nil {
			return serviceError(err)
		}
		return c.JSON(http.StatusOK, messages)
	}
}

func GetRoomStats(service ChatService) echo.HandlerFunc {
	return func(c echo.Context) error {
		stats, err := service.RoomStats(c.Request().Context(), model.RoomID(c.Param("roomID")))
		if err != nil {
			return serviceError(err)
		}
		return c.JSON(http.StatusOK, stats)
	}
}

func AddReaction(service ChatService) echo.HandlerFunc {
	return func(c echo.Context) error {
		body := struct {
			Emoji string `json:"emoji"`
		}{}
		if err := c.Bind(&body); err != nil {
			return err
		}
		if body.Emoji == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "missing emoji")
		}

		msg, err := service.AddReaction(c.Request().Context(), model.MessageID(c.Param("messageID")), currentUser(c), body.Emoji)
		if err != nil {
			return serviceError(err)
		}
		return c.JSON(http.StatusOK, msg)
	}
}

func RemoveReaction(service ChatService) echo.HandlerFunc {
	return func(c echo.Context) error {
		msg, err := service.RemoveReaction(c.Request().Context(), model.MessageID(c.Param("messageID")), currentUser(c), c.Param("emoji"))
		if err != nil {
			return serviceError(err)
		}
		return c.JSON(http.StatusOK, msg)
	}
}
