package http

import (
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/ndemidov/Huddle/internal/call"
	"github.com/ndemidov/Huddle/internal/config"
)

func genClientToken() string {
	return uuid.NewString()
}

// ClientTokenMiddleware tags every browser with a stable token so the UI
// can be correlated across reloads.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = genClientToken()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

// SetupRouter builds the local control surface: static UI plus the /api
// group the frontend drives the coordinators through.
func SetupRouter(cfg *config.Config, peer *call.PeerCall, room *call.RoomCall) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("HuddleSessions", store))
	r.Use(ClientTokenMiddleware())

	r.Static("/static", cfg.StaticPath)
	r.GET("/", func(c *gin.Context) {
		c.File(cfg.StaticPath + "/index.html")
	})

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")

	h := &handler{peer: peer, room: room}

	api := r.Group("/api")
	api.GET("/state", h.state)

	api.POST("/call/:peer", h.requestCall)
	api.POST("/call/accept", h.acceptCall)
	api.POST("/call/reject", h.rejectCall)
	api.POST("/call/end", h.endCall)

	api.POST("/room/:room/join", h.joinRoom)
	api.POST("/room/leave", h.leaveRoom)

	api.POST("/media/video", h.toggleVideo)
	api.POST("/media/audio", h.toggleAudio)

	return r
}
