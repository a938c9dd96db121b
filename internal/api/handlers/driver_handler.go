package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"ridechain/internal/domain/entities"
	"ridechain/internal/services"
)

// DriverHandler groups all driver-facing HTTP endpoints: registering with
// collateral, offering prices on requested rides and withdrawing collateral.
type DriverHandler struct {
	sessions *services.SessionManager
}

func NewDriverHandler(sessions *services.SessionManager) *DriverHandler {
	return &DriverHandler{sessions: sessions}
}

// RegisterDriverRequest carries the collateral, in ether, locked on
// registration.
type RegisterDriverRequest struct {
	Collateral entities.Value `json:"collateral"`
}

// Register handles POST /driver/register
func (h *DriverHandler) Register(c *gin.Context) {
	var req RegisterDriverRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	o, ok := openSession(c, h.sessions)
	if !ok {
		return
	}
	p, err := o.RegisterAsDriver(c.Request.Context(), req.Collateral)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

// Withdraw handles POST /driver/withdraw
func (h *DriverHandler) Withdraw(c *gin.Context) {
	o, ok := openSession(c, h.sessions)
	if !ok {
		return
	}
	p, err := o.WithdrawCollateral(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

type ProposePriceRequest struct {
	Price entities.Value `json:"price"`
}

// ProposePrice handles POST /rides/:id/proposals
func (h *DriverHandler) ProposePrice(c *gin.Context) {
	rideID, ok := rideIDParam(c)
	if !ok {
		return
	}
	var req ProposePriceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	o, ok := openSession(c, h.sessions)
	if !ok {
		return
	}

	proposal, err := o.ProposePrice(c.Request.Context(), rideID, req.Price)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, proposal)
}

// Proposals handles GET /driver/proposals
func (h *DriverHandler) Proposals(c *gin.Context) {
	o, ok := openSession(c, h.sessions)
	if !ok {
		return
	}
	proposals, err := o.Proposals(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"proposals": proposals})
}
