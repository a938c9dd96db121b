// Command ridesim plays one complete ride between a rider and a driver and
// renders every snapshot in the terminal.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/pterm/pterm/putils"

	"ridechain/internal/domain/entities"
	"ridechain/internal/ledger"
	"ridechain/internal/ledger/gateway"
	"ridechain/internal/ledger/memledger"
	"ridechain/internal/services"
)

const (
	riderAddress  = "0xA11CE"
	driverAddress = "0xB0B"
	oracleAddress = "0x0RAC1E"
)

func main() {
	gatewayURL := flag.String("gateway", "", "ledger gateway URL (default: in-process ledger)")
	delay := flag.Duration("delay", 300*time.Millisecond, "confirmation delay of the in-process ledger")
	price := flag.String("price", "0.02", "driver's offer in ether")
	feedback := flag.String("feedback", "great ride", "rider's review")
	flag.Parse()

	handler := pterm.NewSlogHandler(&pterm.DefaultLogger)
	logger := slog.New(handler)

	pterm.DefaultBigText.WithLetters(
		putils.LettersFromStringWithStyle("Ride", pterm.FgCyan.ToStyle()),
		putils.LettersFromStringWithStyle("Sim", pterm.FgDarkGray.ToStyle()),
	).Render()

	var client ledger.Client
	var chain *memledger.Ledger
	if *gatewayURL != "" {
		client = gateway.NewClient(*gatewayURL, 10*time.Second)
		pterm.Info.Printfln("Using ledger gateway at %s", *gatewayURL)
	} else {
		chain = memledger.New(
			memledger.WithMinCollateral(entities.MustParseEther("0.5")),
			memledger.WithConfirmDelay(*delay),
			memledger.WithRatingOracle(oracleAddress),
		)
		client = chain
		pterm.Info.Println("Using in-process ledger")
	}

	offer, err := entities.ParseEther(*price)
	if err != nil {
		pterm.Error.Printfln("Invalid price: %v", err)
		os.Exit(1)
	}

	sim := &simulation{
		rider:  newSession(client, entities.RoleRider, riderAddress, logger),
		driver: newSession(client, entities.RoleDriver, driverAddress, logger),
	}
	if err := sim.run(context.Background(), offer, *feedback); err != nil {
		pterm.Error.Println(err.Error())
		os.Exit(1)
	}

	if chain != nil {
		sim.rateDriver(context.Background(), chain, *feedback)
		renderChain(chain)
	}
}

func newSession(client ledger.Client, role entities.Role, address string, logger *slog.Logger) *services.Orchestrator {
	return services.NewOrchestrator(services.OrchestratorConfig{
		Role:     role,
		Address:  address,
		Client:   client,
		Pipeline: services.PipelineConfig{ConfirmTimeout: 10 * time.Second},
		Logger:   logger,
	})
}

type simulation struct {
	rider  *services.Orchestrator
	driver *services.Orchestrator
	rideID uint64
}

func (s *simulation) run(ctx context.Context, offer entities.Value, feedback string) error {
	pterm.DefaultSection.Println("Registration")
	for _, o := range []*services.Orchestrator{s.rider, s.driver} {
		status, err := o.CheckRegistration(ctx)
		if err != nil {
			return err
		}
		pterm.Info.Printfln("%s %s: %s", o.Role(), o.Address(), status.State)
	}
	if !s.rider.Registration(ctx).Registered() {
		if _, err := step("rider registers", func() error {
			_, err := s.rider.RegisterAsRider(ctx)
			return err
		}); err != nil {
			return err
		}
	}
	if !s.driver.Registration(ctx).Registered() {
		if _, err := step("driver locks 1 ETH collateral", func() error {
			_, err := s.driver.RegisterAsDriver(ctx, entities.MustParseEther("1"))
			return err
		}); err != nil {
			return err
		}
	}

	pterm.DefaultSection.Println("Ride")
	var ride services.RideSnapshot
	if _, err := step("rider requests a ride", func() error {
		var err error
		ride, err = s.rider.RequestRide(ctx, services.RideRequest{Start: "A", End: "B", Time: "ASAP", Preferences: "None"})
		return err
	}); err != nil {
		return err
	}
	s.rideID = ride.ID
	renderRide(ride)

	if _, err := step(fmt.Sprintf("driver offers %s ETH", offer.Ether()), func() error {
		_, err := s.driver.ProposePrice(ctx, s.rideID, offer)
		return err
	}); err != nil {
		return err
	}

	steps := []struct {
		title string
		run   func() (services.RideSnapshot, error)
	}{
		{"rider selects the best offer", func() (services.RideSnapshot, error) { return s.rider.SelectBestOffer(ctx, s.rideID, offer) }},
		{"rider confirms departure", func() (services.RideSnapshot, error) { return s.rider.ConfirmDeparture(ctx, s.rideID) }},
		{"rider confirms arrival", func() (services.RideSnapshot, error) { return s.rider.ConfirmArrival(ctx, s.rideID) }},
		{"rider sends review", func() (services.RideSnapshot, error) { return s.rider.SendReview(ctx, s.rideID, feedback) }},
	}
	for _, st := range steps {
		if _, err := step(st.title, func() error {
			var err error
			ride, err = st.run()
			return err
		}); err != nil {
			return err
		}
		renderRide(ride)
	}

	pterm.DefaultSection.Println("Completed ride")
	_, err := s.rider.ConfirmDeparture(ctx, s.rideID)
	if kind, ok := services.KindOf(err); ok {
		pterm.Success.Printfln("a second departure is refused locally: %s", kind)
	}

	seen, err := s.driver.RefreshRide(ctx, s.rideID)
	if err != nil {
		return err
	}
	pterm.Info.Printfln("driver reads ride %d as %s", seen.ID, seen.Status)
	return nil
}

// rateDriver plays the rating oracle: it scores the review and writes the
// driver's rating to the ledger.
func (s *simulation) rateDriver(ctx context.Context, chain *memledger.Ledger, feedback string) {
	pterm.DefaultSection.Println("Rating oracle")
	call := ledger.Call{
		Name:   ledger.CallUpdateDriverRating,
		From:   oracleAddress,
		Driver: driverAddress,
		Rating: scoreFeedback(feedback),
	}
	receipt, err := chain.Submit(ctx, call)
	if err != nil {
		pterm.Error.Printfln("rating rejected: %v", err)
		return
	}
	outcome, err := chain.AwaitConfirmation(ctx, receipt)
	if err != nil || !outcome.Confirmed {
		pterm.Error.Printfln("rating not applied: %v %s", err, outcome.Reason)
		return
	}

	res, err := chain.Read(ctx, ledger.Query{Name: ledger.QueryMyDriverData, From: driverAddress})
	if err != nil {
		pterm.Error.Printfln("driver read failed: %v", err)
		return
	}
	d := res.Participant
	pterm.Success.Printfln("driver %s rated %d/%d after %d ride(s)", d.Address, d.Rating, entities.MaxDriverRating, d.RideCount)
}

// scoreFeedback is a keyword scorer standing in for the external rating
// model.
func scoreFeedback(feedback string) uint8 {
	f := strings.ToLower(feedback)
	switch {
	case strings.Contains(f, "great"), strings.Contains(f, "excellent"):
		return 3
	case strings.Contains(f, "good"), strings.Contains(f, "ok"):
		return 2
	case strings.Contains(f, "bad"), strings.Contains(f, "rude"):
		return 0
	default:
		return 1
	}
}

// step runs one action with a spinner that reports how long the ledger took.
func step(title string, run func() error) (time.Duration, error) {
	spinner, _ := pterm.DefaultSpinner.Start(title)
	start := time.Now()
	err := run()
	elapsed := time.Since(start).Round(time.Millisecond)
	if err != nil {
		spinner.Fail(fmt.Sprintf("%s: %v", title, err))
		return elapsed, err
	}
	spinner.Success(fmt.Sprintf("%s (%s)", title, elapsed))
	return elapsed, nil
}

func renderRide(ride services.RideSnapshot) {
	price := "-"
	if ride.Price.IsSet() {
		price = ride.Price.Ether() + " ETH"
	}
	driver := ride.DriverAddress
	if driver == "" {
		driver = "-"
	}
	actions := make([]string, 0, len(ride.LegalActions))
	for _, a := range ride.LegalActions {
		actions = append(actions, string(a))
	}

	pterm.DefaultTable.WithHasHeader().WithBoxed().WithData(pterm.TableData{
		{"Ride", "Status", "Driver", "Price", "Next"},
		{fmt.Sprint(ride.ID), string(ride.Status), driver, price, strings.Join(actions, ", ")},
	}).Render()
}

func renderChain(chain *memledger.Ledger) {
	pterm.DefaultSection.Println("Ledger blocks")
	data := pterm.TableData{{"#", "Call", "From", "Hash"}}
	for _, b := range chain.Chain().Blocks() {
		hash := b.Hash
		if len(hash) > 12 {
			hash = hash[:12]
		}
		data = append(data, []string{fmt.Sprint(b.Index), string(b.Call), b.From, hash})
	}
	pterm.DefaultTable.WithHasHeader().WithData(data).Render()

	if err := chain.Chain().Verify(); err != nil {
		pterm.Error.Printfln("chain verification failed: %v", err)
		return
	}
	pterm.Success.Println("chain verified")
}
