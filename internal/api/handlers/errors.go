package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"ridechain/internal/services"
)

// statusByKind maps action failures to HTTP status codes.
var statusByKind = map[services.ErrorKind]int{
	services.KindNotEligible:       http.StatusConflict,
	services.KindActionInFlight:    http.StatusConflict,
	services.KindSubmission:        http.StatusBadRequest,
	services.KindExecutionRejected: http.StatusUnprocessableEntity,
	services.KindRead:              http.StatusBadGateway,
	services.KindGate:              http.StatusBadGateway,
	services.KindTimeout:           http.StatusGatewayTimeout,
}

// respondError writes err as JSON. Action failures carry their kind and
// reason so clients can tell "try again later" from "not allowed".
func respondError(c *gin.Context, err error) {
	if errors.Is(err, services.ErrRideNotFound) && !errors.Is(err, services.ErrRead) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	var ae *services.ActionError
	if errors.As(err, &ae) {
		status, ok := statusByKind[ae.Kind]
		if !ok {
			status = http.StatusInternalServerError
		}
		c.JSON(status, gin.H{
			"error":  ae.Error(),
			"kind":   ae.Kind,
			"action": ae.Action,
			"reason": ae.Reason,
		})
		return
	}

	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}
