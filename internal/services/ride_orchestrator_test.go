package services

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"ridechain/internal/domain/entities"
	"ridechain/internal/ledger"
	"ridechain/internal/ledger/gateway"
	"ridechain/internal/ledger/memledger"
)

const (
	riderAddr  = "0xRider"
	driverAddr = "0xDriver"
)

// countingLedger wraps the in-memory ledger, counts every call and can hold
// confirmations of calls on chosen rides until released.
type countingLedger struct {
	inner *memledger.Ledger

	mu        sync.Mutex
	calls     map[ledger.CallName]int
	reads     map[ledger.QueryName]int
	hold      map[uint64]chan struct{}
	submitErr error
	readErr   error
}

func newCountingLedger(inner *memledger.Ledger) *countingLedger {
	return &countingLedger{
		inner: inner,
		calls: make(map[ledger.CallName]int),
		reads: make(map[ledger.QueryName]int),
		hold:  make(map[uint64]chan struct{}),
	}
}

func (c *countingLedger) Submit(ctx context.Context, call ledger.Call) (ledger.Receipt, error) {
	c.mu.Lock()
	c.calls[call.Name]++
	err := c.submitErr
	c.mu.Unlock()
	if err != nil {
		return ledger.Receipt{}, err
	}
	return c.inner.Submit(ctx, call)
}

func (c *countingLedger) AwaitConfirmation(ctx context.Context, receipt ledger.Receipt) (ledger.Outcome, error) {
	c.mu.Lock()
	ch, held := c.hold[receipt.Call.RideID]
	c.mu.Unlock()
	if held && receipt.Call.TakesRide() {
		select {
		case <-ch:
		case <-ctx.Done():
			return ledger.Outcome{}, ctx.Err()
		}
	}
	return c.inner.AwaitConfirmation(ctx, receipt)
}

func (c *countingLedger) Read(ctx context.Context, query ledger.Query) (ledger.Result, error) {
	c.mu.Lock()
	c.reads[query.Name]++
	err := c.readErr
	c.mu.Unlock()
	if err != nil {
		return ledger.Result{}, err
	}
	return c.inner.Read(ctx, query)
}

func (c *countingLedger) callCount(name ledger.CallName) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[name]
}

func (c *countingLedger) totalCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, v := range c.calls {
		n += v
	}
	return n
}

func (c *countingLedger) readCount(name ledger.QueryName) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reads[name]
}

func (c *countingLedger) holdRide(id uint64) chan struct{} {
	ch := make(chan struct{})
	c.mu.Lock()
	c.hold[id] = ch
	c.mu.Unlock()
	return ch
}

func (c *countingLedger) releaseRide(id uint64) {
	c.mu.Lock()
	ch, ok := c.hold[id]
	delete(c.hold, id)
	c.mu.Unlock()
	if ok {
		close(ch)
	}
}

type recordingNotifier struct {
	mu      sync.Mutex
	actions []entities.Action
}

func (n *recordingNotifier) record(a entities.Action) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.actions = append(n.actions, a)
}

func (n *recordingNotifier) RideChanged(_ context.Context, _ *entities.Ride, a entities.Action) {
	n.record(a)
}

func (n *recordingNotifier) ParticipantChanged(_ context.Context, _ *entities.Participant, a entities.Action) {
	n.record(a)
}

func (n *recordingNotifier) ProposalConfirmed(context.Context, entities.Proposal) {
	n.record(entities.ActionProposePrice)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setupSession(client ledger.Client, role entities.Role, address string, timeout time.Duration) *Orchestrator {
	return NewOrchestrator(OrchestratorConfig{
		Role:     role,
		Address:  address,
		Client:   client,
		Pipeline: PipelineConfig{ConfirmTimeout: timeout},
		Logger:   testLogger(),
	})
}

// setupAcceptedRides registers a rider and a driver and takes n rides to
// OfferAccepted at 0.02 ETH. It returns the rider's session over a counting
// ledger whose counters start at zero.
func setupAcceptedRides(t *testing.T, n int, timeout time.Duration) (*Orchestrator, *countingLedger) {
	t.Helper()
	ctx := context.Background()
	inner := memledger.New()

	rider := setupSession(inner, entities.RoleRider, riderAddr, timeout)
	driver := setupSession(inner, entities.RoleDriver, driverAddr, timeout)
	mustRegister(t, rider, driver)

	price := entities.MustParseEther("0.02")
	for i := 0; i < n; i++ {
		ride, err := rider.RequestRide(ctx, RideRequest{Start: "A", End: "B", Time: "ASAP", Preferences: "None"})
		if err != nil {
			t.Fatalf("RequestRide failed: %v", err)
		}
		if _, err := driver.ProposePrice(ctx, ride.ID, price); err != nil {
			t.Fatalf("ProposePrice failed: %v", err)
		}
		if _, err := rider.SelectBestOffer(ctx, ride.ID, price); err != nil {
			t.Fatalf("SelectBestOffer failed: %v", err)
		}
	}

	counting := newCountingLedger(inner)
	session := NewOrchestrator(OrchestratorConfig{
		Role:     entities.RoleRider,
		Address:  riderAddr,
		Client:   counting,
		Pipeline: PipelineConfig{ConfirmTimeout: timeout},
		Logger:   testLogger(),
	})
	if _, err := session.CheckRegistration(ctx); err != nil {
		t.Fatalf("CheckRegistration failed: %v", err)
	}
	for i := 0; i < n; i++ {
		if _, err := session.RefreshRide(ctx, uint64(i)); err != nil {
			t.Fatalf("RefreshRide(%d) failed: %v", i, err)
		}
	}
	return session, counting
}

func mustRegister(t *testing.T, rider, driver *Orchestrator) {
	t.Helper()
	ctx := context.Background()
	if _, err := rider.RegisterAsRider(ctx); err != nil {
		t.Fatalf("RegisterAsRider failed: %v", err)
	}
	if _, err := driver.RegisterAsDriver(ctx, entities.MustParseEther("1")); err != nil {
		t.Fatalf("RegisterAsDriver failed: %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func assertKind(t *testing.T, err error, want error) {
	t.Helper()
	if !errors.Is(err, want) {
		t.Fatalf("Expected %v, got %v", want, err)
	}
}

func TestOrchestrator_FullRideLifecycle(t *testing.T) {
	ctx := context.Background()
	inner := memledger.New()
	notes := &recordingNotifier{}

	rider := NewOrchestrator(OrchestratorConfig{Role: entities.RoleRider, Address: riderAddr, Client: inner, Notifier: notes, Logger: testLogger()})
	driver := NewOrchestrator(OrchestratorConfig{Role: entities.RoleDriver, Address: driverAddr, Client: inner, Notifier: notes, Logger: testLogger()})
	mustRegister(t, rider, driver)

	ride, err := rider.RequestRide(ctx, RideRequest{Start: "A", End: "B", Time: "ASAP", Preferences: "None"})
	if err != nil {
		t.Fatalf("RequestRide failed: %v", err)
	}
	if ride.ID != 0 || ride.Status != entities.RideStatusRequested {
		t.Fatalf("Expected ride 0 requested, got %d %s", ride.ID, ride.Status)
	}

	price := entities.MustParseEther("0.02")
	proposal, err := driver.ProposePrice(ctx, 0, price)
	if err != nil {
		t.Fatalf("ProposePrice failed: %v", err)
	}
	if !proposal.Price.Equal(price) {
		t.Errorf("Expected proposal price 0.02, got %s", proposal.Price)
	}
	offers, _ := driver.Proposals(ctx)
	if len(offers) != 1 {
		t.Errorf("Expected 1 confirmed proposal, got %d", len(offers))
	}

	accepted, err := rider.SelectBestOffer(ctx, 0, price)
	if err != nil {
		t.Fatalf("SelectBestOffer failed: %v", err)
	}
	if accepted.Status != entities.RideStatusOfferAccepted || accepted.DriverAddress != driverAddr {
		t.Errorf("Expected offer accepted by %s, got %s by %s", driverAddr, accepted.Status, accepted.DriverAddress)
	}
	if !accepted.Price.Equal(price) {
		t.Errorf("Expected price 0.02, got %s", accepted.Price)
	}

	if _, err := rider.ConfirmDeparture(ctx, 0); err != nil {
		t.Fatalf("ConfirmDeparture failed: %v", err)
	}
	if _, err := rider.ConfirmArrival(ctx, 0); err != nil {
		t.Fatalf("ConfirmArrival failed: %v", err)
	}
	done, err := rider.SendReview(ctx, 0, "great ride")
	if err != nil {
		t.Fatalf("SendReview failed: %v", err)
	}
	if done.Status != entities.RideStatusCompleted || done.Review != "great ride" {
		t.Errorf("Expected completed ride with review, got %s %q", done.Status, done.Review)
	}
	if len(done.LegalActions) != 0 {
		t.Errorf("Completed ride should offer no actions, got %v", done.LegalActions)
	}

	_, err = rider.ConfirmDeparture(ctx, 0)
	assertKind(t, err, ErrNotEligible)

	// The driver learns the outcome by reading.
	seen, err := driver.RefreshRide(ctx, 0)
	if err != nil {
		t.Fatalf("driver RefreshRide failed: %v", err)
	}
	if seen.Status != entities.RideStatusCompleted {
		t.Errorf("Driver expected completed ride, got %s", seen.Status)
	}

	want := []entities.Action{
		entities.ActionRegisterAsRider,
		entities.ActionRegisterAsDriver,
		entities.ActionRequestRide,
		entities.ActionProposePrice,
		entities.ActionSelectBestOffer,
		entities.ActionConfirmDeparture,
		entities.ActionConfirmArrival,
		entities.ActionSendReview,
	}
	if len(notes.actions) != len(want) {
		t.Fatalf("Expected %d notifications, got %v", len(want), notes.actions)
	}
	for i := range want {
		if notes.actions[i] != want[i] {
			t.Errorf("notification %d = %s, want %s", i, notes.actions[i], want[i])
		}
	}
}

func TestOrchestrator_UnregisteredDriverCannotPropose(t *testing.T) {
	ctx := context.Background()
	client := newCountingLedger(memledger.New())
	driver := setupSession(client, entities.RoleDriver, driverAddr, time.Second)

	status, err := driver.CheckRegistration(ctx)
	if err != nil {
		t.Fatalf("CheckRegistration failed: %v", err)
	}
	if status.State != RegistrationNotRegistered {
		t.Fatalf("Expected not_registered, got %s", status.State)
	}

	_, err = driver.ProposePrice(ctx, 0, entities.MustParseEther("0.02"))
	assertKind(t, err, ErrNotEligible)

	if n := client.totalCalls(); n != 0 {
		t.Errorf("Expected 0 ledger calls, got %d", n)
	}
}

func TestOrchestrator_UncheckedRegistrationBlocksActions(t *testing.T) {
	ctx := context.Background()
	client := newCountingLedger(memledger.New())
	rider := setupSession(client, entities.RoleRider, riderAddr, time.Second)

	_, err := rider.RequestRide(ctx, RideRequest{Start: "A", End: "B"})
	assertKind(t, err, ErrNotEligible)
	if client.totalCalls() != 0 || client.readCount(ledger.QueryMyRiderData) != 0 {
		t.Error("An unchecked session must not touch the ledger")
	}
}

func TestOrchestrator_WrongRoleIsNotEligible(t *testing.T) {
	ctx := context.Background()
	client := newCountingLedger(memledger.New())
	driver := setupSession(client, entities.RoleDriver, driverAddr, time.Second)

	_, err := driver.RegisterAsRider(ctx)
	assertKind(t, err, ErrNotEligible)
	_, err = driver.SelectBestOffer(ctx, 0, entities.MustParseEther("1"))
	assertKind(t, err, ErrNotEligible)

	if n := client.totalCalls(); n != 0 {
		t.Errorf("Expected 0 ledger calls, got %d", n)
	}
}

func TestOrchestrator_CheckRegistrationIsIdempotent(t *testing.T) {
	ctx := context.Background()
	inner := memledger.New()
	client := newCountingLedger(inner)
	rider := setupSession(client, entities.RoleRider, riderAddr, time.Second)

	first, _ := rider.CheckRegistration(ctx)
	second, _ := rider.CheckRegistration(ctx)
	if first.State != second.State {
		t.Errorf("Expected same state twice, got %s then %s", first.State, second.State)
	}
	if client.totalCalls() != 0 {
		t.Error("CheckRegistration must not submit calls")
	}

	if _, err := rider.RegisterAsRider(ctx); err != nil {
		t.Fatalf("RegisterAsRider failed: %v", err)
	}
	if !rider.Registration(ctx).Registered() {
		t.Error("Expected cached registration after confirmed register")
	}

	_, err := rider.RegisterAsRider(ctx)
	assertKind(t, err, ErrNotEligible)
	if n := client.callCount(ledger.CallRegisterAsRider); n != 1 {
		t.Errorf("Expected 1 registerAsRider call, got %d", n)
	}
}

func TestOrchestrator_GateErrorLeavesRegistrationUnknown(t *testing.T) {
	ctx := context.Background()
	client := newCountingLedger(memledger.New())
	client.readErr = &ledger.ReadError{Query: ledger.QueryMyRiderData, Reason: "node unreachable"}
	rider := setupSession(client, entities.RoleRider, riderAddr, time.Second)

	status, err := rider.CheckRegistration(ctx)
	assertKind(t, err, ErrGate)
	if status.State != RegistrationUnknown {
		t.Errorf("Expected unknown, got %s", status.State)
	}

	view := rider.View(ctx)
	if view.LastError == nil || view.LastError.Kind != KindGate {
		t.Errorf("Expected gate error in session view, got %+v", view.LastError)
	}
}

func TestOrchestrator_ActionInFlightIsPerRide(t *testing.T) {
	ctx := context.Background()
	rider, client := setupAcceptedRides(t, 2, 2*time.Second)

	client.holdRide(0)
	done := make(chan error, 1)
	go func() {
		_, err := rider.ConfirmDeparture(ctx, 0)
		done <- err
	}()
	waitFor(t, func() bool { return client.callCount(ledger.CallConfirmDeparture) == 1 })

	_, err := rider.ConfirmDeparture(ctx, 0)
	assertKind(t, err, ErrActionInFlight)

	snap, _ := rider.Ride(ctx, 0)
	if !snap.Pending {
		t.Error("Expected ride 0 to be pending")
	}
	if !rider.View(ctx).Pending {
		t.Error("Expected session to be pending")
	}

	if _, err := rider.ConfirmDeparture(ctx, 1); err != nil {
		t.Fatalf("ConfirmDeparture on another ride failed: %v", err)
	}

	client.releaseRide(0)
	if err := <-done; err != nil {
		t.Fatalf("held ConfirmDeparture failed: %v", err)
	}
	if n := client.callCount(ledger.CallConfirmDeparture); n != 2 {
		t.Errorf("Expected 2 confirmDeparture calls, got %d", n)
	}

	snap, _ = rider.Ride(ctx, 0)
	if snap.Pending || snap.Status != entities.RideStatusDeparted {
		t.Errorf("Expected ride 0 departed and idle, got %s pending=%v", snap.Status, snap.Pending)
	}
}

func TestOrchestrator_SecondSelectBestOfferIsNotSubmitted(t *testing.T) {
	ctx := context.Background()
	rider, client := setupAcceptedRides(t, 1, time.Second)

	_, err := rider.SelectBestOffer(ctx, 0, entities.MustParseEther("0.02"))
	assertKind(t, err, ErrNotEligible)
	if n := client.callCount(ledger.CallSelectBestOffer); n != 0 {
		t.Errorf("Expected no selectBestOffer submission, got %d", n)
	}
}

func TestOrchestrator_TimeoutMarksRideStale(t *testing.T) {
	ctx := context.Background()
	rider, client := setupAcceptedRides(t, 1, 50*time.Millisecond)

	client.holdRide(0)
	_, err := rider.ConfirmDeparture(ctx, 0)
	assertKind(t, err, ErrTimeout)

	snap, _ := rider.Ride(ctx, 0)
	if !snap.Stale {
		t.Error("Expected ride to be stale after a timeout")
	}
	if snap.Status != entities.RideStatusOfferAccepted {
		t.Errorf("Cached ride must not change on timeout, got %s", snap.Status)
	}
	client.releaseRide(0)

	// The departure did land. The next action reads the ledger first and
	// sees it, so a second departure is refused locally.
	_, err = rider.ConfirmDeparture(ctx, 0)
	assertKind(t, err, ErrNotEligible)
	if n := client.readCount(ledger.QueryRide); n != 2 {
		t.Errorf("Expected one extra viewRide read, got %d total", n)
	}
	if n := client.callCount(ledger.CallConfirmDeparture); n != 1 {
		t.Errorf("Expected 1 confirmDeparture call, got %d", n)
	}

	snap, err = rider.ConfirmArrival(ctx, 0)
	if err != nil {
		t.Fatalf("ConfirmArrival after refresh failed: %v", err)
	}
	if snap.Status != entities.RideStatusArrived || snap.Stale {
		t.Errorf("Expected arrived and fresh, got %s stale=%v", snap.Status, snap.Stale)
	}
}

func TestOrchestrator_RejectionLeavesStateUnchanged(t *testing.T) {
	ctx := context.Background()
	inner := memledger.New()
	client := newCountingLedger(inner)
	rider := setupSession(client, entities.RoleRider, riderAddr, time.Second)
	if _, err := rider.RegisterAsRider(ctx); err != nil {
		t.Fatalf("RegisterAsRider failed: %v", err)
	}
	if _, err := rider.RequestRide(ctx, RideRequest{Start: "A", End: "B"}); err != nil {
		t.Fatalf("RequestRide failed: %v", err)
	}

	_, err := rider.SelectBestOffer(ctx, 0, entities.MustParseEther("0.02"))
	assertKind(t, err, ErrExecutionRejected)

	var ae *ActionError
	if errors.As(err, &ae) && ae.Reason != memledger.ReasonNoOffers {
		t.Errorf("Expected reason %q, got %q", memledger.ReasonNoOffers, ae.Reason)
	}

	snap, _ := rider.Ride(ctx, 0)
	if snap.Status != entities.RideStatusRequested || snap.Stale || snap.Pending {
		t.Errorf("Expected untouched requested ride, got %s stale=%v pending=%v", snap.Status, snap.Stale, snap.Pending)
	}
	if view := rider.View(ctx); view.LastError == nil || view.LastError.Kind != KindExecutionRejected {
		t.Errorf("Expected execution_rejected as last error, got %+v", view.LastError)
	}

	// A later success clears the last error.
	if _, err := rider.RefreshRide(ctx, 0); err != nil {
		t.Fatalf("RefreshRide failed: %v", err)
	}
	if view := rider.View(ctx); view.LastError != nil {
		t.Errorf("Expected last error cleared, got %+v", view.LastError)
	}
}

func TestOrchestrator_SubmissionError(t *testing.T) {
	ctx := context.Background()
	rider, client := setupAcceptedRides(t, 1, time.Second)

	client.mu.Lock()
	client.submitErr = &ledger.SubmissionError{Reason: "nonce too low"}
	client.mu.Unlock()

	_, err := rider.ConfirmDeparture(ctx, 0)
	assertKind(t, err, ErrSubmission)

	snap, _ := rider.Ride(ctx, 0)
	if snap.Stale || snap.Status != entities.RideStatusOfferAccepted {
		t.Errorf("A refused submission must leave the ride as is, got %s stale=%v", snap.Status, snap.Stale)
	}
}

func TestOrchestrator_UnknownSubmitOutcomeMarksStale(t *testing.T) {
	ctx := context.Background()
	dropped := errors.New("connection reset by peer")

	t.Run("ride key", func(t *testing.T) {
		rider, client := setupAcceptedRides(t, 1, time.Second)
		client.mu.Lock()
		client.submitErr = dropped
		client.mu.Unlock()

		_, err := rider.ConfirmDeparture(ctx, 0)
		assertKind(t, err, ErrTimeout)
		if !errors.Is(err, dropped) {
			t.Errorf("Expected the transport error to be wrapped, got %v", err)
		}

		snap, _ := rider.Ride(ctx, 0)
		if !snap.Stale || snap.Status != entities.RideStatusOfferAccepted {
			t.Errorf("Expected stale offer_accepted ride, got %s stale=%v", snap.Status, snap.Stale)
		}
	})

	t.Run("participant key", func(t *testing.T) {
		client := newCountingLedger(memledger.New())
		rider := setupSession(client, entities.RoleRider, riderAddr, time.Second)
		if _, err := rider.CheckRegistration(ctx); err != nil {
			t.Fatalf("CheckRegistration failed: %v", err)
		}

		client.mu.Lock()
		client.submitErr = dropped
		client.mu.Unlock()

		_, err := rider.RegisterAsRider(ctx)
		assertKind(t, err, ErrTimeout)
		if stale, _ := rider.locks.IsStale(ctx, rider.participantKey()); !stale {
			t.Error("Expected participant key to be stale")
		}
		if state := rider.Registration(ctx).State; state != RegistrationUnknown {
			t.Errorf("Expected registration to be forgotten, got %s", state)
		}

		client.mu.Lock()
		client.submitErr = nil
		client.mu.Unlock()

		// The next attempt reads the ledger before submitting again.
		reads := client.readCount(ledger.QueryMyRiderData)
		if _, err := rider.RegisterAsRider(ctx); err != nil {
			t.Fatalf("RegisterAsRider after re-read failed: %v", err)
		}
		if n := client.readCount(ledger.QueryMyRiderData); n != reads+1 {
			t.Errorf("Expected one registration read, got %d", n-reads)
		}
		if stale, _ := rider.locks.IsStale(ctx, rider.participantKey()); stale {
			t.Error("Expected participant key to be fresh again")
		}
	})
}

func TestOrchestrator_SlowGatewaySubmitIsNotARejection(t *testing.T) {
	ctx := context.Background()
	gin.SetMode(gin.TestMode)
	inner := memledger.New()
	engine := gin.New()
	gateway.NewServer(inner, testLogger()).Setup(engine)

	// While slow is set, submissions execute but answer after the client's
	// timeout.
	var slow atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		engine.ServeHTTP(w, r)
		if slow.Load() && r.URL.Path == "/v1/tx" {
			time.Sleep(300 * time.Millisecond)
		}
	}))
	defer srv.Close()

	rider := setupSession(gateway.NewClient(srv.URL, 100*time.Millisecond), entities.RoleRider, riderAddr, time.Second)
	if _, err := rider.CheckRegistration(ctx); err != nil {
		t.Fatalf("CheckRegistration failed: %v", err)
	}

	slow.Store(true)
	_, err := rider.RegisterAsRider(ctx)
	assertKind(t, err, ErrTimeout)

	slow.Store(false)
	// The registration landed; the session finds out instead of registering twice.
	_, err = rider.RegisterAsRider(ctx)
	assertKind(t, err, ErrNotEligible)
	if !rider.Registration(ctx).Registered() {
		t.Error("Expected the re-read to find the rider registered")
	}

	slow.Store(true)
	_, err = rider.RequestRide(ctx, RideRequest{Start: "A", End: "B"})
	assertKind(t, err, ErrTimeout)
	if stale, _ := rider.locks.IsStale(ctx, rider.participantKey()); !stale {
		t.Error("Expected participant key to be stale after an unanswered requestRide")
	}
	if _, err := inner.Read(ctx, ledger.Query{Name: ledger.QueryRide, From: riderAddr, RideID: 0}); err != nil {
		t.Errorf("Expected the ride to exist on the ledger: %v", err)
	}
}

// blockingNotifier holds the first ride notification until released.
type blockingNotifier struct {
	nopNotifier
	entered chan struct{}
	release chan struct{}
}

func (n *blockingNotifier) RideChanged(context.Context, *entities.Ride, entities.Action) {
	close(n.entered)
	<-n.release
}

func TestOrchestrator_NotifierRunsAfterSlotRelease(t *testing.T) {
	ctx := context.Background()
	inner := memledger.New()
	rider := setupSession(inner, entities.RoleRider, riderAddr, time.Second)
	driver := setupSession(inner, entities.RoleDriver, driverAddr, time.Second)
	mustRegister(t, rider, driver)
	if _, err := rider.RequestRide(ctx, RideRequest{Start: "A", End: "B"}); err != nil {
		t.Fatalf("RequestRide failed: %v", err)
	}
	price := entities.MustParseEther("0.02")
	if _, err := driver.ProposePrice(ctx, 0, price); err != nil {
		t.Fatalf("ProposePrice failed: %v", err)
	}

	notes := &blockingNotifier{entered: make(chan struct{}), release: make(chan struct{})}
	session := NewOrchestrator(OrchestratorConfig{
		Role:     entities.RoleRider,
		Address:  riderAddr,
		Client:   inner,
		Notifier: notes,
		Logger:   testLogger(),
	})
	if _, err := session.CheckRegistration(ctx); err != nil {
		t.Fatalf("CheckRegistration failed: %v", err)
	}
	if _, err := session.RefreshRide(ctx, 0); err != nil {
		t.Fatalf("RefreshRide failed: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := session.SelectBestOffer(ctx, 0, price)
		done <- err
	}()
	<-notes.entered

	snap, _ := session.Ride(ctx, 0)
	if snap.Pending {
		t.Error("A slow notifier must not keep the ride's slot")
	}
	if snap.Status != entities.RideStatusOfferAccepted {
		t.Errorf("Expected offer_accepted before notification finished, got %s", snap.Status)
	}

	close(notes.release)
	if err := <-done; err != nil {
		t.Fatalf("SelectBestOffer failed: %v", err)
	}
}

func TestOrchestrator_DriverCannotAdvanceRide(t *testing.T) {
	ctx := context.Background()
	client := newCountingLedger(memledger.New())
	driver := setupSession(client, entities.RoleDriver, driverAddr, time.Second)
	if _, err := driver.RegisterAsDriver(ctx, entities.MustParseEther("1")); err != nil {
		t.Fatalf("RegisterAsDriver failed: %v", err)
	}

	_, err := driver.ConfirmDeparture(ctx, 0)
	assertKind(t, err, ErrNotEligible)
	_, err = driver.RegisterAsDriver(ctx, entities.MustParseEther("1"))
	assertKind(t, err, ErrNotEligible)

	actions := driver.View(ctx).Actions
	if len(actions) == 0 {
		t.Fatal("Expected driver actions")
	}
	for _, a := range actions {
		if a.Role() != entities.RoleDriver {
			t.Errorf("Unexpected %s action %s for a driver", a.Role(), a)
		}
	}
}

func TestOrchestrator_WithdrawCollateral(t *testing.T) {
	ctx := context.Background()
	driver := setupSession(memledger.New(), entities.RoleDriver, driverAddr, time.Second)

	_, err := driver.RegisterAsDriver(ctx, entities.Wei(0))
	assertKind(t, err, ErrNotEligible)

	if _, err := driver.RegisterAsDriver(ctx, entities.MustParseEther("1")); err != nil {
		t.Fatalf("RegisterAsDriver failed: %v", err)
	}
	p, err := driver.WithdrawCollateral(ctx)
	if err != nil {
		t.Fatalf("WithdrawCollateral failed: %v", err)
	}
	if p.HasCollateral() {
		t.Errorf("Expected no collateral, got %s", p.Collateral)
	}

	_, err = driver.WithdrawCollateral(ctx)
	assertKind(t, err, ErrNotEligible)
	_, err = driver.ProposePrice(ctx, 0, entities.MustParseEther("0.01"))
	assertKind(t, err, ErrExecutionRejected)
}

func TestOrchestrator_RideVisibility(t *testing.T) {
	ctx := context.Background()
	inner := memledger.New()
	rider := setupSession(inner, entities.RoleRider, riderAddr, time.Second)
	other := setupSession(inner, entities.RoleRider, "0xOther", time.Second)
	if _, err := rider.RegisterAsRider(ctx); err != nil {
		t.Fatalf("RegisterAsRider failed: %v", err)
	}
	if _, err := other.RegisterAsRider(ctx); err != nil {
		t.Fatalf("RegisterAsRider failed: %v", err)
	}
	if _, err := rider.RequestRide(ctx, RideRequest{Start: "A", End: "B"}); err != nil {
		t.Fatalf("RequestRide failed: %v", err)
	}

	_, err := other.RefreshRide(ctx, 0)
	assertKind(t, err, ErrRead)
	if _, err := other.Ride(ctx, 0); !errors.Is(err, ErrRideNotFound) {
		t.Errorf("Expected ErrRideNotFound, got %v", err)
	}
	rides, _ := other.Rides(ctx)
	if len(rides) != 0 {
		t.Errorf("Expected no rides for another rider, got %d", len(rides))
	}
}
