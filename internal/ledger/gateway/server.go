// Package gateway carries the ledger contract over HTTP so a participant
// session can talk to a ledger node running in another process.
package gateway

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"ridechain/internal/ledger"
)

// Error codes used in the JSON error body.
const (
	codeNotRegistered = "not_registered"
	codeSubmission    = "submission_rejected"
	codeRead          = "read_failed"
	codeUnknown       = "unknown_receipt"
	codeInternal      = "internal"
)

// ReceiptRetention is how long a receipt nobody waited for stays redeemable.
const ReceiptRetention = 10 * time.Minute

type errorBody struct {
	Code   string           `json:"code"`
	Error  string           `json:"error"`
	Reason string           `json:"reason,omitempty"`
	Query  ledger.QueryName `json:"query,omitempty"`
}

// Server exposes a ledger.Client as an HTTP API:
//
//	POST /v1/tx           submit a call, returns the receipt
//	POST /v1/tx/:id/wait  block until the receipt's outcome is known
//	POST /v1/read         run a query
type Server struct {
	backend ledger.Client
	logger  *slog.Logger

	mu       sync.RWMutex
	receipts map[string]ledger.Receipt
}

func NewServer(backend ledger.Client, logger *slog.Logger) *Server {
	return &Server{
		backend:  backend,
		logger:   logger,
		receipts: make(map[string]ledger.Receipt),
	}
}

// Setup registers the gateway routes on engine.
func (s *Server) Setup(engine *gin.Engine) {
	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := engine.Group("/v1")
	{
		v1.POST("/tx", s.submit)
		v1.POST("/tx/:id/wait", s.wait)
		v1.POST("/read", s.read)
	}
}

func (s *Server) submit(c *gin.Context) {
	var call ledger.Call
	if err := c.ShouldBindJSON(&call); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Code: codeSubmission, Error: err.Error(), Reason: err.Error()})
		return
	}

	receipt, err := s.backend.Submit(c.Request.Context(), call)
	if err != nil {
		s.writeError(c, err)
		return
	}

	s.mu.Lock()
	s.sweep(time.Now())
	s.receipts[receipt.ID] = receipt
	s.mu.Unlock()

	s.logger.Info("call submitted", "receipt", receipt.ID, "call", call.Name, "from", call.From)
	c.JSON(http.StatusAccepted, receipt)
}

func (s *Server) wait(c *gin.Context) {
	id := c.Param("id")

	s.mu.RLock()
	receipt, ok := s.receipts[id]
	s.mu.RUnlock()
	if !ok {
		c.JSON(http.StatusNotFound, errorBody{Code: codeUnknown, Error: ledger.ErrUnknownReceipt.Error()})
		return
	}

	outcome, err := s.backend.AwaitConfirmation(c.Request.Context(), receipt)
	if err != nil {
		s.writeError(c, err)
		return
	}

	s.mu.Lock()
	delete(s.receipts, id)
	s.mu.Unlock()

	c.JSON(http.StatusOK, outcome)
}

// sweep drops receipts older than ReceiptRetention. Caller holds s.mu.
func (s *Server) sweep(now time.Time) {
	for id, r := range s.receipts {
		if now.Sub(r.SubmittedAt) > ReceiptRetention {
			delete(s.receipts, id)
		}
	}
}

func (s *Server) read(c *gin.Context) {
	var query ledger.Query
	if err := c.ShouldBindJSON(&query); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Code: codeRead, Error: err.Error(), Reason: err.Error()})
		return
	}

	result, err := s.backend.Read(c.Request.Context(), query)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) writeError(c *gin.Context, err error) {
	var subErr *ledger.SubmissionError
	var readErr *ledger.ReadError

	switch {
	case errors.Is(err, ledger.ErrNotRegistered):
		c.JSON(http.StatusNotFound, errorBody{Code: codeNotRegistered, Error: err.Error()})
	case errors.Is(err, ledger.ErrUnknownReceipt):
		c.JSON(http.StatusNotFound, errorBody{Code: codeUnknown, Error: err.Error()})
	case errors.As(err, &subErr):
		c.JSON(http.StatusBadRequest, errorBody{Code: codeSubmission, Error: err.Error(), Reason: subErr.Reason})
	case errors.As(err, &readErr):
		c.JSON(http.StatusBadGateway, errorBody{Code: codeRead, Error: err.Error(), Reason: readErr.Reason, Query: readErr.Query})
	default:
		s.logger.Error("ledger backend failure", "error", err)
		c.JSON(http.StatusInternalServerError, errorBody{Code: codeInternal, Error: err.Error()})
	}
}
