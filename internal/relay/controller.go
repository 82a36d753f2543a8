package relay

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/openclass/classroom/internal/config"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// SetupRouter wires the relay HTTP surface: the peer websocket, the
// store websocket and a room listing.
func SetupRouter(cfg *config.Config, hub *Hub, store *StoreService) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	api := r.Group("/api")

	api.GET("/ws", func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Error().Err(err).Str("module", "relay.http").Msg("ws upgrade")
			return
		}
		s := newSession(hub, conn)
		log.Info().Str("module", "relay.http").Str("sid", s.sid).Msg("new peer connection")
		s.serve()
	})

	api.GET("/ws/store", func(c *gin.Context) {
		room := c.Query("room")
		if room == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "room query parameter required"})
			return
		}
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Error().Err(err).Str("module", "relay.http").Msg("store ws upgrade")
			return
		}
		log.Info().Str("module", "relay.http").Str("room", room).Msg("new store connection")
		store.Serve(conn, room)
	})

	api.GET("/rooms", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"rooms": hub.Rooms()})
	})

	return r
}
