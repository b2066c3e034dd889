package api

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/freewebtopdf/history-sanitizer/internal/domain"
	"github.com/freewebtopdf/history-sanitizer/internal/middleware"
)

// RouterConfig contains configuration for the HTTP router
type RouterConfig struct {
	CORSOrigins    []string
	BodyLimit      int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	RateLimitRPS   int
	RateLimitBurst int
}

// RouterDependencies contains all dependencies needed by the router
type RouterDependencies struct {
	Sanitizer     domain.Sanitizer
	Store         StatsProvider
	HealthChecker domain.HealthChecker
}

// RouterResult contains the configured app and cleanup function
type RouterResult struct {
	App     *fiber.App
	Cleanup func()
}

// SetupRouter creates and configures the Fiber app with all routes and middleware
func SetupRouter(deps RouterDependencies, config RouterConfig) *RouterResult {
	app := fiber.New(fiber.Config{
		BodyLimit:             config.BodyLimit,
		ReadTimeout:           config.ReadTimeout,
		WriteTimeout:          config.WriteTimeout,
		DisableStartupMessage: true,
		ErrorHandler:          customErrorHandler,
	})

	handlers := NewHandlers(deps.Sanitizer, deps.Store, deps.HealthChecker)

	// Middleware pipeline (order is critical)

	// 1. RequestID middleware for UUID generation
	app.Use(requestid.New(requestid.Config{
		Header: "X-Request-ID",
		Generator: func() string {
			return generateUUID()
		},
	}))

	// 2. Structured logging middleware with zerolog
	app.Use(structuredLoggingMiddleware())

	// 3. Panic recovery middleware with stack trace logging
	app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
		StackTraceHandler: func(c *fiber.Ctx, e interface{}) {
			requestID := ""
			if rid, ok := c.Locals("requestid").(string); ok {
				requestID = rid
			}
			log.Error().
				Str("request_id", requestID).
				Interface("panic", e).
				Str("method", c.Method()).
				Str("path", c.Path()).
				Str("ip", c.IP()).
				Msg("Panic recovered")
		},
	}))

	// 4. Security headers middleware
	app.Use(securityHeadersMiddleware())

	// 5. Rate limiting middleware (before CORS to limit all requests)
	var stopRateLimiter func()
	if config.RateLimitRPS > 0 {
		rateLimiter := middleware.NewRateLimiter(config.RateLimitRPS, config.RateLimitBurst)
		stopRateLimiter = rateLimiter.StartCleanupRoutine()
		app.Use(rateLimiter.Middleware())
	}

	// 6. CORS middleware with origin restrictions
	if len(config.CORSOrigins) > 0 {
		app.Use(cors.New(cors.Config{
			AllowOrigins:     strings.Join(config.CORSOrigins, ","),
			AllowMethods:     "GET,POST,DELETE,OPTIONS",
			AllowHeaders:     "Origin,Content-Type,Accept,X-Request-ID",
			AllowCredentials: false,
			MaxAge:           86400,
		}))
	}

	v1 := app.Group("/v1")

	// Event intake
	v1.Post("/events/visited", handlers.VisitedHandler)
	v1.Post("/events/committed", handlers.CommittedHandler)

	// Command API
	v1.Get("/state", handlers.GetStateHandler)
	v1.Get("/export", handlers.ExportHandler)
	v1.Post("/rules", handlers.AddRuleHandler)
	v1.Post("/rules/page", handlers.AddPageRuleHandler)
	v1.Delete("/rules/:index", handlers.RemoveRuleHandler)
	v1.Post("/rules/:index/toggle", handlers.ToggleRuleHandler)
	v1.Post("/counters/reset", handlers.ResetCounterHandler)
	v1.Delete("/logs", handlers.ClearLogsHandler)

	app.Get("/health", handlers.HealthHandler)
	app.Get("/metrics", handlers.MetricsHandler)

	cleanup := func() {
		if stopRateLimiter != nil {
			stopRateLimiter()
		}
	}

	return &RouterResult{App: app, Cleanup: cleanup}
}

// customErrorHandler handles Fiber framework errors
func customErrorHandler(c *fiber.Ctx, err error) error {
	// Default to 500 server error
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	// Check if it's a Fiber error
	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	// Map common Fiber errors to domain errors
	switch code {
	case fiber.StatusRequestEntityTooLarge:
		return c.Status(413).JSON(ErrorResponse{
			Status:  "error",
			Code:    domain.ErrTooLarge,
			Message: "Request payload too large",
		})
	case fiber.StatusNotFound, fiber.StatusMethodNotAllowed:
		return c.Status(code).JSON(ErrorResponse{
			Status:  "error",
			Code:    domain.ErrNotFound,
			Message: message,
		})
	case fiber.StatusBadRequest:
		return c.Status(400).JSON(ErrorResponse{
			Status:  "error",
			Code:    domain.ErrInvalidInput,
			Message: message,
		})
	default:
		return c.Status(code).JSON(ErrorResponse{
			Status:  "error",
			Code:    domain.ErrInternal,
			Message: message,
		})
	}
}

// generateUUID generates a UUID v4 for request tracking
func generateUUID() string {
	return uuid.New().String()
}

// structuredLoggingMiddleware creates structured JSON logging middleware with zerolog
func structuredLoggingMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()

		// Process request
		err := c.Next()

		// Log request details
		requestID := "unknown"
		if rid, ok := c.Locals("requestid").(string); ok {
			requestID = rid
		}

		latency := time.Since(start)
		status := c.Response().StatusCode()

		logEvent := log.Info()
		if status >= 400 {
			logEvent = log.Error()
		}

		logEvent.
			Str("request_id", requestID).
			Str("method", c.Method()).
			Str("path", c.Path()).
			Int("status", status).
			Dur("latency", latency).
			Str("ip", c.IP()).
			Str("user_agent", c.Get("User-Agent")).
			Int("body_size", len(c.Body())).
			Int("response_size", len(c.Response().Body())).
			Msg("HTTP request processed")

		return err
	}
}

// securityHeadersMiddleware adds security headers
func securityHeadersMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		// Security headers
		c.Set("X-Content-Type-Options", "nosniff")
		c.Set("X-Frame-Options", "DENY")
		c.Set("X-XSS-Protection", "1; mode=block")
		c.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		c.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Set("Permissions-Policy", "geolocation=(), microphone=(), camera=()")

		return c.Next()
	}
}
