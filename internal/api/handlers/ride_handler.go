package handlers

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"ridechain/internal/services"
)

// RideHandler serves the read side shared by riders and drivers. Everything
// except Refresh answers from the session cache.
type RideHandler struct {
	sessions *services.SessionManager
}

func NewRideHandler(sessions *services.SessionManager) *RideHandler {
	return &RideHandler{sessions: sessions}
}

// ListRides handles GET /rides
func (h *RideHandler) ListRides(c *gin.Context) {
	o, ok := openSession(c, h.sessions)
	if !ok {
		return
	}
	rides, err := o.Rides(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rides": rides})
}

// GetRide handles GET /rides/:id
func (h *RideHandler) GetRide(c *gin.Context) {
	rideID, ok := rideIDParam(c)
	if !ok {
		return
	}
	o, ok := openSession(c, h.sessions)
	if !ok {
		return
	}
	respondRide(c)(o.Ride(c.Request.Context(), rideID))
}

// RefreshRide handles POST /rides/:id/refresh
func (h *RideHandler) RefreshRide(c *gin.Context) {
	rideID, ok := rideIDParam(c)
	if !ok {
		return
	}
	o, ok := openSession(c, h.sessions)
	if !ok {
		return
	}
	respondRide(c)(o.RefreshRide(c.Request.Context(), rideID))
}

func rideIDParam(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		badRequest(c, fmt.Errorf("invalid ride id %q", c.Param("id")))
		return 0, false
	}
	return id, true
}

// respondRide writes a ride snapshot or the error that replaced it.
func respondRide(c *gin.Context) func(services.RideSnapshot, error) {
	return func(ride services.RideSnapshot, err error) {
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, ride)
	}
}
