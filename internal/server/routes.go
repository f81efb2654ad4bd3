package server

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (a *API) RegisterRoutes(router *gin.Engine) {
	router.GET("/ping", a.ping)
	router.GET("/status", a.status)
	router.POST("/reinit", a.reinit)
	router.POST("/update", a.update)

	router.GET("/operations", a.listOperations)
	router.GET("/operations/:id", a.getOperation)
	router.POST("/operations/:id/cancel", a.cancelOperation)

	router.GET("/messages", a.listMessages)
	router.GET("/messages/:id", a.getMessage)
	router.POST("/messages/:id/unhandled", a.markUnhandled)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}
