package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"ridechain/internal/domain/entities"
	"ridechain/internal/services"
)

// RiderHandler groups the rider-owned actions: registering, requesting a
// ride and moving it through its lifecycle.
type RiderHandler struct {
	sessions *services.SessionManager
}

func NewRiderHandler(sessions *services.SessionManager) *RiderHandler {
	return &RiderHandler{sessions: sessions}
}

// Register handles POST /rider/register
func (h *RiderHandler) Register(c *gin.Context) {
	o, ok := openSession(c, h.sessions)
	if !ok {
		return
	}
	p, err := o.RegisterAsRider(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

type RequestRideRequest struct {
	Start       string `json:"start" binding:"required"`
	End         string `json:"end" binding:"required"`
	Time        string `json:"time"`
	Preferences string `json:"preferences"`
}

// RequestRide handles POST /rides
func (h *RiderHandler) RequestRide(c *gin.Context) {
	var req RequestRideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	o, ok := openSession(c, h.sessions)
	if !ok {
		return
	}

	ride, err := o.RequestRide(c.Request.Context(), services.RideRequest{
		Start:       req.Start,
		End:         req.End,
		Time:        req.Time,
		Preferences: req.Preferences,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, ride)
}

// SelectOfferRequest carries the payment, in ether, sent with the
// selection. It must equal the best offer's price.
type SelectOfferRequest struct {
	Payment entities.Value `json:"payment"`
}

// SelectOffer handles POST /rides/:id/offer/select
func (h *RiderHandler) SelectOffer(c *gin.Context) {
	rideID, ok := rideIDParam(c)
	if !ok {
		return
	}
	var req SelectOfferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	o, ok := openSession(c, h.sessions)
	if !ok {
		return
	}
	respondRide(c)(o.SelectBestOffer(c.Request.Context(), rideID, req.Payment))
}

// ConfirmDeparture handles POST /rides/:id/departure
func (h *RiderHandler) ConfirmDeparture(c *gin.Context) {
	rideID, ok := rideIDParam(c)
	if !ok {
		return
	}
	o, ok := openSession(c, h.sessions)
	if !ok {
		return
	}
	respondRide(c)(o.ConfirmDeparture(c.Request.Context(), rideID))
}

// ConfirmArrival handles POST /rides/:id/arrival
func (h *RiderHandler) ConfirmArrival(c *gin.Context) {
	rideID, ok := rideIDParam(c)
	if !ok {
		return
	}
	o, ok := openSession(c, h.sessions)
	if !ok {
		return
	}
	respondRide(c)(o.ConfirmArrival(c.Request.Context(), rideID))
}

type ReviewRequest struct {
	Feedback string `json:"feedback" binding:"required"`
}

// SendReview handles POST /rides/:id/review
func (h *RiderHandler) SendReview(c *gin.Context) {
	rideID, ok := rideIDParam(c)
	if !ok {
		return
	}
	var req ReviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	o, ok := openSession(c, h.sessions)
	if !ok {
		return
	}
	respondRide(c)(o.SendReview(c.Request.Context(), rideID, req.Feedback))
}
