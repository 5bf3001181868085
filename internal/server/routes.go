package server

import (
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"
	"github.com/mantonx/videory/internal/server/handlers"
)

// setupRoutes registers the query surface under /api
func (s *Server) setupRoutes() {
	videos := handlers.NewVideoHandler(s.deps.Catalog, s.deps.Waker, s.deps.Publisher)
	health := handlers.NewHealthHandler(s.deps.HealthChecks)

	api := s.router.Group("/api")
	{
		api.GET("", s.apiRoot)
		api.GET("/health", health.Get)
		api.GET("/stats", videos.GetStats)

		videoGroup := api.Group("/videos")
		{
			videoGroup.GET("", videos.ListTranscoded)
			videoGroup.GET("/pending", videos.ListPending)
			videoGroup.GET("/failed", videos.ListFailed)
			videoGroup.GET("/stalled", videos.ListStalled)
			videoGroup.POST("/requeue", videos.Requeue)
			videoGroup.DELETE("", videos.Delete)
		}

		if s.deps.Events != nil {
			eventHandler := handlers.NewEventHandler(s.deps.Events, s.logger.Named("events"))
			eventGroup := api.Group("/events")
			{
				eventGroup.GET("", eventHandler.GetRecent)
				eventGroup.GET("/ws", eventHandler.Stream)
			}
		}
	}
}

// apiRoot lists every registered route
func (s *Server) apiRoot(c *gin.Context) {
	type route struct {
		Method string `json:"method"`
		Path   string `json:"path"`
	}

	infos := s.router.Routes()
	routes := make([]route, 0, len(infos))
	for _, r := range infos {
		routes = append(routes, route{Method: r.Method, Path: r.Path})
	}
	sort.Slice(routes, func(i, j int) bool {
		if routes[i].Path == routes[j].Path {
			return routes[i].Method < routes[j].Method
		}
		return routes[i].Path < routes[j].Path
	})

	c.JSON(http.StatusOK, gin.H{
		"status": "OK",
		"routes": routes,
	})
}
