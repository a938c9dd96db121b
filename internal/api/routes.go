package api

import (
	"log/slog"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ridechain/internal/api/handlers"
	"ridechain/internal/api/middleware"
	"ridechain/internal/notify"
	"ridechain/internal/observability"
)

type Router struct {
	sessionHandler *handlers.SessionHandler
	riderHandler   *handlers.RiderHandler
	driverHandler  *handlers.DriverHandler
	rideHandler    *handlers.RideHandler
	hub            *notify.Hub
	logger         *slog.Logger
}

func NewRouter(
	sessionHandler *handlers.SessionHandler,
	riderHandler *handlers.RiderHandler,
	driverHandler *handlers.DriverHandler,
	rideHandler *handlers.RideHandler,
	hub *notify.Hub,
	logger *slog.Logger,
) *Router {
	return &Router{
		sessionHandler: sessionHandler,
		riderHandler:   riderHandler,
		driverHandler:  driverHandler,
		rideHandler:    rideHandler,
		hub:            hub,
		logger:         logger,
	}
}

func (r *Router) Setup(engine *gin.Engine) {
	engine.Use(middleware.RequestID(), middleware.RequestLogger(r.logger), observability.GinMetrics())

	engine.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Protected routes
	api := engine.Group("/")
	api.Use(middleware.MockAuth())
	{
		api.GET("/session", r.sessionHandler.View)
		api.POST("/session/refresh", r.sessionHandler.Refresh)
		api.GET("/ws", r.hub.ServeWS(middleware.StreamKey))

		// Shared endpoints (both rider and driver can access)
		api.GET("/rides", r.rideHandler.ListRides)
		api.GET("/rides/:id", r.rideHandler.GetRide)
		api.POST("/rides/:id/refresh", r.rideHandler.RefreshRide)

		// Rider endpoints
		riderRoutes := api.Group("/")
		riderRoutes.Use(middleware.RequireRider())
		{
			riderRoutes.POST("/rider/register", r.riderHandler.Register)
			riderRoutes.POST("/rides", r.riderHandler.RequestRide)
			riderRoutes.POST("/rides/:id/offer/select", r.riderHandler.SelectOffer)
			riderRoutes.POST("/rides/:id/departure", r.riderHandler.ConfirmDeparture)
			riderRoutes.POST("/rides/:id/arrival", r.riderHandler.ConfirmArrival)
			riderRoutes.POST("/rides/:id/review", r.riderHandler.SendReview)
		}

		// Driver endpoints
		driverRoutes := api.Group("/")
		driverRoutes.Use(middleware.RequireDriver())
		{
			driverRoutes.POST("/driver/register", r.driverHandler.Register)
			driverRoutes.POST("/driver/withdraw", r.driverHandler.Withdraw)
			driverRoutes.GET("/driver/proposals", r.driverHandler.Proposals)
			driverRoutes.POST("/rides/:id/proposals", r.driverHandler.ProposePrice)
		}
	}
}
