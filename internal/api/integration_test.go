package api

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"ridechain/internal/api/handlers"
	"ridechain/internal/domain/entities"
	"ridechain/internal/events"
	"ridechain/internal/ledger"
	"ridechain/internal/ledger/memledger"
	"ridechain/internal/notify"
	"ridechain/internal/services"
)

const (
	riderToken  = "Bearer rider-0xA11CE"
	driverToken = "Bearer driver-0xB0B"
)

func setupTestServer() *gin.Engine {
	gin.SetMode(gin.TestMode)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	chain := memledger.New(memledger.WithMinCollateral(entities.MustParseEther("0.5")))
	hub := notify.NewHub(logger)
	notifier := services.NewNotificationService(hub, events.NopPublisher{}, logger)
	sessions := services.NewSessionManager(
		func(entities.Role, string) (ledger.Client, error) { return chain, nil },
		services.PipelineConfig{ConfirmTimeout: 2 * time.Second},
		notifier,
		logger,
	)

	router := NewRouter(
		handlers.NewSessionHandler(sessions),
		handlers.NewRiderHandler(sessions),
		handlers.NewDriverHandler(sessions),
		handlers.NewRideHandler(sessions),
		hub,
		logger,
	)
	engine := gin.New()
	router.Setup(engine)
	return engine
}

func doRequest(engine *gin.Engine, method, path, token, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	req, _ := http.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", token)
	}
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	return w
}

func expectStatus(t *testing.T, w *httptest.ResponseRecorder, want int) {
	t.Helper()
	if w.Code != want {
		t.Fatalf("Expected status %d, got %d. Body: %s", want, w.Code, w.Body.String())
	}
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("Invalid JSON body %q: %v", w.Body.String(), err)
	}
	return out
}

func TestHealthEndpoint(t *testing.T) {
	engine := setupTestServer()

	w := doRequest(engine, "GET", "/health", "", "")
	expectStatus(t, w, http.StatusOK)
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("Expected a request id header")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	engine := setupTestServer()
	expectStatus(t, doRequest(engine, "GET", "/metrics", "", ""), http.StatusOK)
}

func TestAuthMiddleware(t *testing.T) {
	engine := setupTestServer()

	tests := []struct {
		name  string
		token string
		want  int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"not bearer", "Basic abc", http.StatusUnauthorized},
		{"unknown role", "Bearer admin-0x1", http.StatusUnauthorized},
		{"no address", "Bearer rider-", http.StatusUnauthorized},
		{"valid", riderToken, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expectStatus(t, doRequest(engine, "GET", "/session", tt.token, ""), tt.want)
		})
	}
}

func TestRoleRestrictedRoutes(t *testing.T) {
	engine := setupTestServer()

	expectStatus(t, doRequest(engine, "POST", "/driver/register", riderToken, `{"collateral":"1"}`), http.StatusForbidden)
	expectStatus(t, doRequest(engine, "POST", "/rides/0/departure", driverToken, ""), http.StatusForbidden)
}

func TestSessionStartsUnregistered(t *testing.T) {
	engine := setupTestServer()

	w := doRequest(engine, "GET", "/session", riderToken, "")
	expectStatus(t, w, http.StatusOK)
	body := decode(t, w)

	reg := body["registration"].(map[string]interface{})
	if reg["state"] != "not_registered" {
		t.Errorf("Expected not_registered, got %v", reg["state"])
	}
	actions := body["actions"].([]interface{})
	if len(actions) != 1 || actions[0] != "register_as_rider" {
		t.Errorf("Expected only register_as_rider, got %v", actions)
	}

	// Acting before registering is refused without a ledger call.
	w = doRequest(engine, "POST", "/rides", riderToken, `{"start":"A","end":"B"}`)
	expectStatus(t, w, http.StatusConflict)
	if decode(t, w)["kind"] != "not_eligible" {
		t.Errorf("Expected not_eligible, got %s", w.Body.String())
	}
}

func TestRideLifecycleOverHTTP(t *testing.T) {
	engine := setupTestServer()

	expectStatus(t, doRequest(engine, "POST", "/rider/register", riderToken, ""), http.StatusCreated)
	expectStatus(t, doRequest(engine, "POST", "/driver/register", driverToken, `{"collateral":"1"}`), http.StatusCreated)

	w := doRequest(engine, "POST", "/rides", riderToken, `{"start":"A","end":"B","time":"ASAP","preferences":"None"}`)
	expectStatus(t, w, http.StatusCreated)
	ride := decode(t, w)
	if ride["id"] != float64(0) || ride["status"] != "requested" {
		t.Fatalf("Expected ride 0 requested, got %v", ride)
	}

	expectStatus(t, doRequest(engine, "POST", "/rides/0/proposals", driverToken, `{"price":"0.02"}`), http.StatusCreated)

	w = doRequest(engine, "GET", "/driver/proposals", driverToken, "")
	expectStatus(t, w, http.StatusOK)
	if proposals := decode(t, w)["proposals"].([]interface{}); len(proposals) != 1 {
		t.Errorf("Expected 1 proposal, got %d", len(proposals))
	}

	w = doRequest(engine, "POST", "/rides/0/offer/select", riderToken, `{"payment":"0.02"}`)
	expectStatus(t, w, http.StatusOK)
	ride = decode(t, w)
	if ride["status"] != "offer_accepted" || ride["driver"] != "0xB0B" || ride["price"] != "0.02" {
		t.Fatalf("Unexpected accepted ride %v", ride)
	}

	expectStatus(t, doRequest(engine, "POST", "/rides/0/departure", riderToken, ""), http.StatusOK)
	expectStatus(t, doRequest(engine, "POST", "/rides/0/arrival", riderToken, ""), http.StatusOK)

	w = doRequest(engine, "POST", "/rides/0/review", riderToken, `{"feedback":"great ride"}`)
	expectStatus(t, w, http.StatusOK)
	if decode(t, w)["status"] != "completed" {
		t.Errorf("Expected completed, got %s", w.Body.String())
	}

	w = doRequest(engine, "POST", "/rides/0/departure", riderToken, "")
	expectStatus(t, w, http.StatusConflict)

	// The driver never cached the ride; refresh reads it from the ledger.
	w = doRequest(engine, "POST", "/rides/0/refresh", driverToken, "")
	expectStatus(t, w, http.StatusOK)
	if decode(t, w)["status"] != "completed" {
		t.Errorf("Driver expected completed ride, got %s", w.Body.String())
	}

	w = doRequest(engine, "GET", "/rides", driverToken, "")
	expectStatus(t, w, http.StatusOK)
	if rides := decode(t, w)["rides"].([]interface{}); len(rides) != 1 {
		t.Errorf("Expected driver to list 1 ride, got %d", len(rides))
	}
}

func TestErrorMapping(t *testing.T) {
	engine := setupTestServer()
	expectStatus(t, doRequest(engine, "POST", "/rider/register", riderToken, ""), http.StatusCreated)
	expectStatus(t, doRequest(engine, "POST", "/rides", riderToken, `{"start":"A","end":"B"}`), http.StatusCreated)

	// No offers yet: the ledger rejects the selection.
	w := doRequest(engine, "POST", "/rides/0/offer/select", riderToken, `{"payment":"0.02"}`)
	expectStatus(t, w, http.StatusUnprocessableEntity)
	if body := decode(t, w); body["reason"] != memledger.ReasonNoOffers {
		t.Errorf("Expected reason %q, got %v", memledger.ReasonNoOffers, body["reason"])
	}

	// Collateral below the ledger minimum.
	w = doRequest(engine, "POST", "/driver/register", driverToken, `{"collateral":"0.1"}`)
	expectStatus(t, w, http.StatusUnprocessableEntity)

	expectStatus(t, doRequest(engine, "GET", "/rides/99", riderToken, ""), http.StatusNotFound)
	expectStatus(t, doRequest(engine, "GET", "/rides/abc", riderToken, ""), http.StatusBadRequest)
	expectStatus(t, doRequest(engine, "POST", "/rides/99/refresh", riderToken, ""), http.StatusBadGateway)
	expectStatus(t, doRequest(engine, "POST", "/rides/0/review", riderToken, `{}`), http.StatusBadRequest)
	expectStatus(t, doRequest(engine, "POST", "/rides/0/proposals", driverToken, `{"price":"abc"}`), http.StatusBadRequest)
}
