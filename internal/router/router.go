package router

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/examind/examind-api/internal/config"
	"github.com/examind/examind-api/internal/handler"
	"github.com/examind/examind-api/internal/middleware"
	"github.com/examind/examind-api/internal/observability"
)

// Dependencies groups router dependencies for registration.
type Dependencies struct {
	AttemptHandler *handler.AttemptHandler
	GradingHandler *handler.GradingHandler
	BatchHandler   *handler.BatchHandler
	ExamHandler    *handler.ExamHandler
	JWTMiddleware  fiber.Handler
}

// Register wires the HTTP routes into the fiber application.
func Register(app *fiber.App, cfg config.Config, deps Dependencies) {
	api := app.Group("/api/v1", func(c *fiber.Ctx) error {
		c.Set("X-Application", cfg.AppName)
		return c.Next()
	})
	api.Get("/health", handler.HealthCheck(cfg))
	app.Get("/metrics", observability.MetricsHandler())

	jwtMiddleware := deps.JWTMiddleware
	if jwtMiddleware == nil {
		jwtMiddleware = func(c *fiber.Ctx) error { return c.Next() }
	}

	// Attempts are examinee-facing; autosaves get a tighter rate limit than
	// the rest of the surface.
	if deps.AttemptHandler != nil {
		attempts := api.Group("/attempts", jwtMiddleware, middleware.RateLimit("attempts", 30, time.Second))
		deps.AttemptHandler.Register(attempts)
	}

	// Examinee-facing exam resolution.
	if deps.ExamHandler != nil {
		deps.ExamHandler.RegisterResolve(api.Group("", jwtMiddleware))
	}

	// Teacher operations.
	teacherOnly := middleware.RequireRole("teacher", "admin")
	if deps.GradingHandler != nil {
		grading := api.Group("/grading", jwtMiddleware, teacherOnly)
		deps.GradingHandler.Register(grading)
	}
	if deps.BatchHandler != nil {
		batch := api.Group("/exams", jwtMiddleware, teacherOnly)
		deps.BatchHandler.Register(batch)
	}
	if deps.ExamHandler != nil {
		exams := api.Group("/exams", jwtMiddleware, teacherOnly)
		deps.ExamHandler.Register(exams)
	}
}
