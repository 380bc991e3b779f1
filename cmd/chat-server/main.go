package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path"
	"time"

	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"
	"github.com/nrednav/cuid2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/kerbside/kerbside/internal/boot"
	"github.com/kerbside/kerbside/internal/handlers"
	"github.com/kerbside/kerbside/internal/messagestore"
	"github.com/kerbside/kerbside/internal/messagestore/cache"
	"github.com/kerbside/kerbside/internal/messagestore/docstore"
	"github.com/kerbside/kerbside/internal/messagestore/sqlstore"
	"github.com/kerbside/kerbside/internal/service/chat"
)

type cacheHooks struct {
	hits   *prometheus.CounterVec
	misses *prometheus.CounterVec
}

func newCacheHooks() *cacheHooks {
	return &cacheHooks{
		hits: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "kerbside_chat_cache_hits_total",
			Help: "Message cache hits by cache kind.",
		}, []string{"cache"}),
		misses: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "kerbside_chat_cache_misses_total",
			Help: "Message cache misses by cache kind.",
		}, []string{"cache"}),
	}
}

func (h *cacheHooks) Hit(cache string)  { h.hits.WithLabelValues(cache).Inc() }
func (h *cacheHooks) Miss(cache string) { h.misses.WithLabelValues(cache).Inc() }

func main() {
	config, err := boot.Load()
	if err != nil {
		log.Fatalf("boot: %+v", err)
	}

	if err := os.MkdirAll(config.DataDir, 0755); err != nil {
		log.Fatalf("creating data directory: %+v", err)
	}

	sqlBackend, err := sqlstore.New(path.Join(config.DataDir, "chat.db"))
	if err != nil {
		log.Fatalf("opening relational backend: %+v", err)
	}
	docBackend, err := docstore.New(path.Join(config.DataDir, "chat.bolt"))
	if err != nil {
		log.Fatalf("opening document backend: %+v", err)
	}

	var primary, secondary messagestore.Store
	switch config.Chat.PrimaryBackend {
	case "bolt":
		primary, secondary = docBackend, sqlBackend
	default:
		primary, secondary = sqlBackend, docBackend
	}

	server := echo.New()
	server.Use(middleware.BodyLimit("1M"))
	server.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: func() string {
			return cuid2.Generate()
		},
	}))
	server.Use(echoprometheus.NewMiddleware("kerbside"))
	server.Use(middleware.Recover())

	server.Logger.SetLevel(log.INFO)

	chatService := chat.New(primary, chat.Options{
		Secondary:            secondary,
		FallbackEnabled:      config.Chat.FallbackEnabled,
		PreferSecondaryReads: config.Chat.ReadBackend != "" && config.Chat.ReadBackend != config.Chat.PrimaryBackend,
		Cache:                cache.New(newCacheHooks()),
		// Room membership lives in the platform's room service; the store
		// runs without the last-seen collaborator when deployed standalone.
		Membership: nil,
		Logger:     server.Logger,
	})
	defer chatService.Close()

	api := server.Group("", handlers.Authenticate(config.Auth.TokenSecret))
	api.POST("/rooms/:roomID/messages", handlers.SendMessage(chatService))
	api.GET("/rooms/:roomID/messages", handlers.GetRoomMessages(chatService))
	api.GET("/rooms/:roomID/messages/search", handlers.SearchMessages(chatService))
	api.GET("/rooms/:roomID/stats", handlers.GetRoomStats(chatService))
	api.GET("/rooms/:roomID/unread", handlers.GetUnreadCount(chatService))
	api.POST("/rooms/:roomID/read", handlers.MarkRoomRead(chatService))
	api.GET("/messages/:messageID", handlers.GetMessage(chatService))
	api.PUT("/messages/:messageID", handlers.EditMessage(chatService))
	api.DELETE("/messages/:messageID", handlers.DeleteMessage(chatService))
	api.POST("/messages/:messageID/read", handlers.MarkMessageRead(chatService))
	api.POST("/messages/:messageID/reactions", handlers.AddReaction(chatService))
	api.DELETE("/messages/:messageID/reactions/:emoji", handlers.RemoveReaction(chatService))

	go func() {
		metrics := echo.New()
		metrics.GET("/metrics", echoprometheus.NewHandler())
		if err := metrics.Start(":" + config.Server.MetricsPort); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal(err)
		}
	}()

	go func() {
		if err := server.Start(":" + config.Server.Port); err != nil && err != http.ErrServerClosed {
			server.Logger.Fatal("shutting down the server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt)
	<-quit
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		server.Logger.Fatal(err)
	}
}
