package app

import (
	"github.com/gin-gonic/gin"

	"github.com/nixbuild/typhon/internal/server"
)

func wireRouter(h Handlers) *gin.Engine {
	return server.NewRouter(server.RouterConfig{
		Health:  h.Health,
		LiveLog: h.LiveLog,
		Event:   h.Event,
	})
}
