package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/parleyhq/parley/cmd/chatd/container"
	"github.com/parleyhq/parley/cmd/chatd/handlers"
)

// RegisterGenerationRoutes registers generation streaming and lifecycle routes
func RegisterGenerationRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewGenerationHandler(c.Orchestrator, c.GenerationRepo, c.Components.Logger)

	chats := e.Group("/api/v1/chats")
	{
		chats.POST("/:chatId/generate", h.Generate)      // SSE stream
		chats.GET("/:chatId/generations", h.ListGenerations)
	}

	generations := e.Group("/api/v1/generations")
	{
		generations.GET("/:id", h.GetGeneration)
		generations.POST("/:id/abort", h.Abort)
	}
}

// RegisterProfileRoutes registers profile management routes
func RegisterProfileRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewProfileHandler(c.ProfileService, c.Components.Logger)

	profiles := e.Group("/api/v1/profiles")
	{
		profiles.POST("", h.CreateProfile)
		profiles.GET("/active", h.GetActiveProfile)
		profiles.POST("/import", h.ImportProfiles)
		profiles.POST("/deactivate", h.DeactivateProfile)
		profiles.GET("/:id", h.GetProfile)
		profiles.PUT("/:id", h.UpdateProfile)
		profiles.PATCH("/:id", h.PatchProfile)
		profiles.DELETE("/:id", h.DeleteProfile)
		profiles.POST("/:id/activate", h.ActivateProfile)
	}
}
