package router

import (
	"github.com/wb-go/wbf/ginext"

	"github.com/mealdash/relay/internal/api/handlers/notification"
	"github.com/mealdash/relay/internal/gateway"
	"github.com/mealdash/relay/internal/middlewares"
)

func New(handler *notification.Handler, gw *gateway.Gateway) *ginext.Engine {
	e := ginext.New()
	e.Use(middlewares.CORSMiddleware())
	e.Use(ginext.Logger())
	e.Use(ginext.Recovery())

	api := e.Group("/api/notifications")
	{
		api.POST("/", handler.Create)
		api.GET("/", handler.GetAll)
		api.GET("/:id", handler.GetStatus)
		api.DELETE("/:id", handler.Cancel)
	}

	e.GET("/ws", gw.HandleWS)

	return e
}
