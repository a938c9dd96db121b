package services

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"ridechain/internal/domain/entities"
	"ridechain/internal/ledger"
	"ridechain/internal/observability"
	"ridechain/internal/repository"
)

// ActionRequest describes one mutating action for the pipeline.
//
// Prepare runs while the single-flight slot for Key is held. It checks every
// local precondition and builds the ledger call; it must not submit anything.
// Apply runs only after the ledger confirmed the call and is the only place
// the action may change cached state. Confirmed runs after Apply succeeded
// and the slot has been released.
type ActionRequest struct {
	Action    entities.Action
	Key       string
	Prepare   func(ctx context.Context) (ledger.Call, error)
	Apply     func(ctx context.Context, result ledger.Result) error
	Confirmed func(ctx context.Context)

	// StaleOnUnknown marks Key stale when the outcome cannot be determined,
	// forcing a ledger read before the cached state is used again. Unknown,
	// if set, runs at the same moment.
	StaleOnUnknown bool
	Unknown        func(ctx context.Context)
}

// DefaultConfirmTimeout bounds AwaitConfirmation when no timeout is set.
const DefaultConfirmTimeout = 30 * time.Second

// PipelineConfig tunes the action pipeline.
type PipelineConfig struct {
	ConfirmTimeout time.Duration
}

func (c PipelineConfig) confirmTimeout() time.Duration {
	if c.ConfirmTimeout <= 0 {
		return DefaultConfirmTimeout
	}
	return c.ConfirmTimeout
}

// ActionPipeline performs actions against the ledger one slot at a time:
// acquire slot, check preconditions, submit, await confirmation, apply.
// It never retries; every ledger call is assumed to move value.
type ActionPipeline struct {
	client         ledger.Client
	locks          repository.LockManager
	confirmTimeout time.Duration
	logger         *slog.Logger
}

func NewActionPipeline(client ledger.Client, locks repository.LockManager, confirmTimeout time.Duration, logger *slog.Logger) *ActionPipeline {
	return &ActionPipeline{
		client:         client,
		locks:          locks,
		confirmTimeout: confirmTimeout,
		logger:         logger,
	}
}

// Perform runs req and returns the ledger's result for a confirmed call. It
// only returns once no ledger call it issued is still being waited on.
func (p *ActionPipeline) Perform(ctx context.Context, req ActionRequest) (ledger.Result, error) {
	acquired, err := p.locks.AcquireLock(ctx, req.Key)
	if err != nil {
		return ledger.Result{}, err
	}
	if !acquired {
		p.count(req.Action, KindActionInFlight)
		return ledger.Result{}, inFlight(req.Action, req.Key)
	}

	res, err := func() (ledger.Result, error) {
		defer p.locks.ReleaseLock(context.Background(), req.Key)
		return p.run(ctx, req)
	}()
	if err == nil && req.Confirmed != nil {
		req.Confirmed(ctx)
	}
	return res, err
}

// run is Perform with the slot held.
func (p *ActionPipeline) run(ctx context.Context, req ActionRequest) (ledger.Result, error) {
	call, err := req.Prepare(ctx)
	if err != nil {
		p.countErr(req.Action, err)
		return ledger.Result{}, err
	}

	observability.ActionsInFlight.Inc()
	defer observability.ActionsInFlight.Dec()
	start := time.Now()

	receipt, err := p.client.Submit(ctx, call)
	if err != nil {
		return ledger.Result{}, p.submitFailed(ctx, req, err)
	}

	log := p.logger.With("action", req.Action, "key", req.Key, "receipt", receipt.ID)
	log.Debug("action submitted", "call", call.Name)

	waitCtx, cancel := context.WithTimeout(ctx, p.confirmTimeout)
	defer cancel()

	outcome, err := p.client.AwaitConfirmation(waitCtx, receipt)
	observability.ActionDuration.WithLabelValues(string(req.Action)).Observe(time.Since(start).Seconds())
	if err != nil {
		p.markUnknown(ctx, req)
		p.count(req.Action, KindTimeout)
		log.Warn("confirmation not received", "error", err, "timeout", p.confirmTimeout)
		return ledger.Result{}, &ActionError{
			Kind:   KindTimeout,
			Action: req.Action,
			Reason: "outcome unknown until the ledger is read again",
			Err:    err,
		}
	}

	if !outcome.Confirmed {
		reason := outcome.Reason
		if reason == "" {
			reason = "execution reverted"
		}
		p.count(req.Action, KindExecutionRejected)
		log.Info("action rejected by ledger", "reason", reason)
		return ledger.Result{}, &ActionError{Kind: KindExecutionRejected, Action: req.Action, Reason: reason}
	}

	if err := req.Apply(ctx, outcome.Result); err != nil {
		p.markUnknown(ctx, req)
		p.countErr(req.Action, err)
		log.Error("confirmed action could not be applied", "error", err)
		return outcome.Result, err
	}

	observability.ActionsTotal.WithLabelValues(string(req.Action), "confirmed").Inc()
	log.Info("action confirmed", "block", outcome.Result.Block, "tx", outcome.Result.TxHash)
	return outcome.Result, nil
}

// submitFailed classifies a Submit error. Only a *ledger.SubmissionError
// proves the call was not executed. Any other failure may come after the
// ledger already ran the call.
func (p *ActionPipeline) submitFailed(ctx context.Context, req ActionRequest, err error) error {
	var subErr *ledger.SubmissionError
	if errors.As(err, &subErr) {
		p.count(req.Action, KindSubmission)
		p.logger.Warn("submission rejected", "action", req.Action, "key", req.Key, "reason", subErr.Reason)
		return &ActionError{Kind: KindSubmission, Action: req.Action, Reason: subErr.Reason, Err: err}
	}

	p.markUnknown(ctx, req)
	p.count(req.Action, KindTimeout)
	p.logger.Warn("submission outcome unknown", "action", req.Action, "key", req.Key, "error", err)
	return &ActionError{
		Kind:   KindTimeout,
		Action: req.Action,
		Reason: "submission interrupted, outcome unknown until the ledger is read again",
		Err:    err,
	}
}

func (p *ActionPipeline) markUnknown(ctx context.Context, req ActionRequest) {
	if !req.StaleOnUnknown {
		return
	}
	ctx = context.WithoutCancel(ctx)
	p.locks.MarkStale(ctx, req.Key)
	observability.StaleMarks.Inc()
	if req.Unknown != nil {
		req.Unknown(ctx)
	}
}

func (p *ActionPipeline) count(action entities.Action, kind ErrorKind) {
	observability.ActionsTotal.WithLabelValues(string(action), string(kind)).Inc()
}

func (p *ActionPipeline) countErr(action entities.Action, err error) {
	kind, ok := KindOf(err)
	if !ok {
		kind = "error"
	}
	p.count(action, kind)
}
