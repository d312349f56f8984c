// Package relay is the shared-store server the call clients talk to:
// a REST API over the database tables, a websocket change feed with
// presence tracking, and web-push for ringing offline callees.
package relay

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"gorm.io/gorm"

	"github.com/campuslink/campuscall/internal/config"
	"github.com/campuslink/campuscall/internal/turn"
)

type Handlers struct {
	db     *gorm.DB
	cfg    *config.Config
	hub    *Hub
	logger *slog.Logger

	turnCreds *turn.Credentials

	wsUpgrader websocket.Upgrader
	nowFn      func() time.Time
}

// New wires the handler set. turnCreds may be nil when the embedded
// TURN server is disabled.
func New(db *gorm.DB, cfg *config.Config, hub *Hub, turnCreds *turn.Credentials, logger *slog.Logger) *Handlers {
	return &Handlers{
		db:        db,
		cfg:       cfg,
		hub:       hub,
		logger:    logger,
		turnCreds: turnCreds,
		wsUpgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		nowFn: time.Now,
	}
}

// Mount registers all relay routes on the given engine. Middleware
// must already be installed.
func (h *Handlers) Mount(router *gin.Engine) {
	api := router.Group("/api")
	{
		api.POST("/auth/register", h.Register)
		api.POST("/auth/login", h.Login)

		authed := api.Group("", h.AuthMiddleware())
		{
			authed.GET("/me", h.GetMe)
			authed.GET("/ice-config", h.GetICEConfig)
			authed.POST("/push/subscribe", h.SubscribePush)

			authed.POST("/db/:table", h.InsertRecord)
			authed.PATCH("/db/:table", h.UpdateRecords)
			authed.GET("/db/:table", h.SelectRecords)
			authed.POST("/db/:table/append", h.AppendToArray)

			authed.GET("/ws", h.HandleFeed)
		}
	}
}
