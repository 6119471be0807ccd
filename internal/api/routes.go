// Package api contains the API routes for the Ticker API
package api

import (
	"fmt"
	"log"

	"github.com/labstack/echo/v4"

	"github.com/quantbots/tickerapi/internal/api/handlers"
	"github.com/quantbots/tickerapi/internal/api/middleware"
	"github.com/quantbots/tickerapi/internal/config"
	"github.com/quantbots/tickerapi/internal/service"
	"github.com/quantbots/tickerapi/pkg/utils/response"
	"gorm.io/gorm"
)

// Services carries the long-lived services the handlers bind to
type Services struct {
	Subscriptions *service.SubscriptionService
	Loop          *service.MultiAccountTickerLoop
	Executor      *service.OrderExecutor
	Registry      *service.InstrumentRegistry
	Sessions      *service.SessionOrchestrator
	Monitor       *service.TaskMonitor
}

// SetupRoutes configures the routes for the API
func SetupRoutes(e *echo.Echo, db *gorm.DB, svc Services) {

	// Create a group for all API routes
	api := e.Group("/api")

	// Index route
	api.GET("/", indexRoute)

	// Health routes (unprotected)
	healthHandler := handlers.NewHealthHandler(svc.Loop, svc.Executor, svc.Sessions, svc.Monitor)
	api.GET("/health", healthHandler.Health)
	api.GET("/stats", healthHandler.Stats)

	// Session routes (protected)
	sessionHandler := handlers.NewSessionHandler(svc.Sessions)
	sessionGroup := api.Group("/session")
	sessionGroup.Use(middleware.AuthMiddleware(db))
	sessionGroup.GET("/accounts", sessionHandler.GetAccounts)
	sessionGroup.POST("/relogin/:account_id", sessionHandler.Relogin)
	sessionGroup.DELETE("/logout/:account_id", sessionHandler.Logout)

	// Instrument routes (protected)
	instrumentHandler := handlers.NewInstrumentHandler(svc.Registry)
	instrumentGroup := api.Group("/instrument")
	instrumentGroup.Use(middleware.AuthMiddleware(db))
	instrumentGroup.GET("/query", instrumentHandler.QueryInstruments)
	instrumentGroup.GET("/status", instrumentHandler.GetInstrumentsStatus)
	instrumentGroup.GET("/:token", instrumentHandler.GetInstrument)
	instrumentGroup.POST("/update", instrumentHandler.UpdateInstruments)

	// Subscription routes (protected)
	subscriptionHandler := handlers.NewSubscriptionHandler(svc.Subscriptions)
	subscriptionGroup := api.Group("/subscriptions")
	subscriptionGroup.Use(middleware.AuthMiddleware(db))
	subscriptionGroup.GET("", subscriptionHandler.GetSubscriptions)
	subscriptionGroup.POST("", subscriptionHandler.AddSubscriptions)
	subscriptionGroup.DELETE("", subscriptionHandler.DeleteSubscriptions)
	subscriptionGroup.GET("/:token", subscriptionHandler.GetSubscription)

	// Ticker routes (protected)
	tickerHandler := handlers.NewTickerHandler(svc.Loop)
	tickerGroup := api.Group("/ticker")
	tickerGroup.Use(middleware.AuthMiddleware(db))
	tickerGroup.GET("/start", tickerHandler.TickerStart)
	tickerGroup.GET("/stop", tickerHandler.TickerStop)
	tickerGroup.GET("/reload", tickerHandler.TickerReload)
	tickerGroup.GET("/status", tickerHandler.TickerStatus)
	tickerGroup.GET("/stats", tickerHandler.TickerStats)

	// Order routes (protected)
	orderHandler := handlers.NewOrderHandler(svc.Executor)
	orderGroup := api.Group("/orders")
	orderGroup.Use(middleware.AuthMiddleware(db))
	orderGroup.POST("", orderHandler.SubmitOrder)
	orderGroup.GET("/stats", orderHandler.GetOrderStats)
	orderGroup.GET("/:id", orderHandler.GetOrder)

}

// indexRoute sets up the index route for the API
func indexRoute(c echo.Context) error {
	cfg, err := config.Get()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	message := fmt.Sprintf("%s %s", cfg.APIName, cfg.APIVersion)
	return response.SuccessResponse(c, message)
}
