package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"ridechain/internal/api/middleware"
	"ridechain/internal/services"
)

// SessionHandler exposes the session-level view: who is acting, whether they
// are registered, and whether anything is pending.
type SessionHandler struct {
	sessions *services.SessionManager
}

func NewSessionHandler(sessions *services.SessionManager) *SessionHandler {
	return &SessionHandler{sessions: sessions}
}

// openSession resolves the authenticated participant's session, writing the
// error response itself when it fails.
func openSession(c *gin.Context, sessions *services.SessionManager) (*services.Orchestrator, bool) {
	o, err := sessions.Open(c.Request.Context(), middleware.GetRole(c), middleware.GetAddress(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return nil, false
	}
	return o, true
}

// View handles GET /session
func (h *SessionHandler) View(c *gin.Context) {
	o, ok := openSession(c, h.sessions)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, o.View(c.Request.Context()))
}

// Refresh handles POST /session/refresh. It re-reads registration from the
// ledger, which is the only way to leave the unknown state after a failed
// check.
func (h *SessionHandler) Refresh(c *gin.Context) {
	o, ok := openSession(c, h.sessions)
	if !ok {
		return
	}
	if _, err := o.CheckRegistration(c.Request.Context()); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, o.View(c.Request.Context()))
}
