package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"ridechain/internal/ledger"
)

// Client implements ledger.Client against a gateway Server.
type Client struct {
	Endpoint string
	HTTP     *http.Client
}

// NewClient builds a client with a per-request timeout. AwaitConfirmation is
// bounded by the caller's context instead, so the timeout should cover the
// longest confirmation the caller is willing to wait for.
func NewClient(endpoint string, timeout time.Duration) *Client {
	return &Client{
		Endpoint: strings.TrimRight(endpoint, "/"),
		HTTP:     &http.Client{Timeout: timeout},
	}
}

func (c *Client) Submit(ctx context.Context, call ledger.Call) (ledger.Receipt, error) {
	var receipt ledger.Receipt
	if err := c.post(ctx, "/v1/tx", call, &receipt); err != nil {
		return ledger.Receipt{}, err
	}
	return receipt, nil
}

func (c *Client) AwaitConfirmation(ctx context.Context, receipt ledger.Receipt) (ledger.Outcome, error) {
	var outcome ledger.Outcome
	if err := c.post(ctx, "/v1/tx/"+receipt.ID+"/wait", struct{}{}, &outcome); err != nil {
		return ledger.Outcome{}, err
	}
	return outcome, nil
}

func (c *Client) Read(ctx context.Context, query ledger.Query) (ledger.Result, error) {
	var result ledger.Result
	if err := c.post(ctx, "/v1/read", query, &result); err != nil {
		var te *TransportError
		if errors.As(err, &te) {
			return ledger.Result{}, &ledger.ReadError{Query: query.Name, Reason: err.Error()}
		}
		return ledger.Result{}, err
	}
	return result, nil
}

// TransportError is a failure to reach the gateway or decode its answer, as
// opposed to an error the ledger itself reported. For a Submit it says
// nothing about whether the call executed.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return "ledger gateway: " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint+path, bytes.NewReader(payload))
	if err != nil {
		return &TransportError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return &TransportError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var eb errorBody
		if err := json.NewDecoder(resp.Body).Decode(&eb); err != nil {
			return &TransportError{Err: fmt.Errorf("status %d", resp.StatusCode)}
		}
		return decodeError(resp.StatusCode, eb)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &TransportError{Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// decodeError maps an error body back onto the ledger package's error values.
func decodeError(status int, eb errorBody) error {
	switch eb.Code {
	case codeNotRegistered:
		return ledger.ErrNotRegistered
	case codeUnknown:
		return ledger.ErrUnknownReceipt
	case codeSubmission:
		return &ledger.SubmissionError{Reason: eb.Reason}
	case codeRead:
		return &ledger.ReadError{Query: eb.Query, Reason: eb.Reason}
	}
	return &TransportError{Err: fmt.Errorf("status %d: %s", status, eb.Error)}
}
