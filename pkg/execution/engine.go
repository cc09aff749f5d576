// File: pkg/execution/engine.go
package execution

import (
	"context"
	"fmt"
	"time"

	"Blackice/pkg/broker"
	"Blackice/pkg/exchange"
	"Blackice/store"
	"Blackice/utilities"

	"github.com/google/uuid"
)

// Sequencer issues durable request tokens; pkg/sequence.Manager satisfies it.
type Sequencer interface {
	Next(account utilities.AccountKey) (int64, error)
	Jump(account utilities.AccountKey) (int64, error)
}

// Gate is the safety check consulted before every submission attempt.
type Gate interface {
	AllowTrading() error
}

// Ledger is the position bookkeeping the engine updates on confirmed fills.
type Ledger interface {
	SavePosition(utilities.Position) error
	DeletePosition(account utilities.AccountKey, symbol string) error
	GetPosition(account utilities.AccountKey, symbol string) (utilities.Position, bool, error)
}

// Reconciler corrects the ledger against exchange truth. The engine calls
// it synchronously after a sell attempt exhausts its retries, since a
// failed exit is the primary source of internal/exchange drift.
type Reconciler interface {
	Reconcile(ctx context.Context, account utilities.AccountKey) (utilities.ReconcileReport, error)
}

// Degrader receives account cool-down notices; the router implements it.
type Degrader interface {
	Degrade(account utilities.AccountKey, until time.Time, reason string)
}

// Journal is the append-only audit sink.
type Journal interface {
	Append(kind, accountKey string, payload interface{}) error
}

// Attempt is one sized, normalized submission for one account.
type Attempt struct {
	ID               string                `json:"id"`
	Intent           utilities.TradeIntent `json:"intent"`
	Account          utilities.AccountKey  `json:"account"`
	NormalizedSymbol string                `json:"normalized_symbol"`
	Quantity         float64               `json:"quantity"`
	SequenceToken    int64                 `json:"sequence_token"`
	AttemptNumber    int                   `json:"attempt_number"`
}

// Result is the terminal outcome of a submission. Confirmed results
// always carry the exchange-issued confirmation id; failed results always
// carry the error class and attempt count.
type Result struct {
	Confirmed      bool       `json:"confirmed"`
	ConfirmationID string     `json:"confirmation_id,omitempty"`
	FilledQuantity float64    `json:"filled_quantity,omitempty"`
	Class          ErrorClass `json:"error_class,omitempty"`
	Attempts       int        `json:"attempts"`
	Err            error      `json:"-"`
}

// Engine turns a sized trade into a confirmed exchange order for one
// account, retrying per the error-class policy table. One Engine per
// exchange-account pair; engines share nothing but the sequencer (per
// key) and the safety gate.
type Engine struct {
	account    utilities.ExchangeAccount
	brk        broker.Broker
	rules      *exchange.Rules
	seq        Sequencer
	gate       Gate
	ledger     Ledger
	reconciler Reconciler
	degrader   Degrader
	journal    Journal
	logger     *utilities.Logger
	cfg        utilities.ExecutionConfig

	// sleep is swappable in tests so retry backoff does not slow them.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewEngine wires an execution engine for one account.
func NewEngine(account utilities.ExchangeAccount, brk broker.Broker, rules *exchange.Rules, seq Sequencer, gate Gate, ledger Ledger, reconciler Reconciler, degrader Degrader, journal Journal, cfg utilities.ExecutionConfig, logger *utilities.Logger) *Engine {
	if logger == nil {
		logger = utilities.NewLogger(utilities.Info)
		logger.LogWarn("execution.NewEngine: Logger fallback used.")
	}
	if cfg.SequencingMaxRetries <= 0 {
		cfg.SequencingMaxRetries = 5
	}
	if cfg.TransientMaxRetries <= 0 {
		cfg.TransientMaxRetries = 3
	}
	if cfg.BackoffBaseSec <= 0 {
		cfg.BackoffBaseSec = 2
	}
	if cfg.SequencingBackoffSec <= 0 {
		cfg.SequencingBackoffSec = 30
	}
	if cfg.SequencingBackoffCap <= 0 {
		cfg.SequencingBackoffCap = 120
	}
	if cfg.CooldownMinutes <= 0 {
		cfg.CooldownMinutes = 10
	}
	return &Engine{
		account:    account,
		brk:        brk,
		rules:      rules,
		seq:        seq,
		gate:       gate,
		ledger:     ledger,
		reconciler: reconciler,
		degrader:   degrader,
		journal:    journal,
		logger:     logger,
		cfg:        cfg,
		sleep:      sleepCtx,
	}
}

// retryRule is one row of the policy table. maxRetries counts retries
// beyond the first attempt, so a budget of 5 allows 6 submissions total.
type retryRule struct {
	maxRetries int
	delay      func(attempt int) time.Duration
	jumpToken  bool
}

// policyFor is the single retry policy table. Every call site goes
// through here; no ad-hoc retry loops elsewhere.
func (e *Engine) policyFor(class ErrorClass) retryRule {
	switch class {
	case ClassSequencing:
		return retryRule{
			maxRetries: e.cfg.SequencingMaxRetries,
			jumpToken:  true,
			delay: func(attempt int) time.Duration {
				d := time.Duration(e.cfg.SequencingBackoffSec*attempt) * time.Second
				cap := time.Duration(e.cfg.SequencingBackoffCap) * time.Second
				if d > cap {
					d = cap
				}
				return d
			},
		}
	case ClassRateLimited, ClassNetwork:
		return retryRule{
			maxRetries: e.cfg.TransientMaxRetries,
			delay: func(attempt int) time.Duration {
				return time.Duration(e.cfg.BackoffBaseSec) * time.Second << (attempt - 1)
			},
		}
	default:
		// Account-health and sizing classes never retry the order.
		return retryRule{maxRetries: 0}
	}
}

// Submit places a sized order and returns only a confirmed or terminally
// failed result. The caller's quantity is raw; the engine normalizes and
// quantizes it through the exchange rules before the first attempt.
func (e *Engine) Submit(ctx context.Context, intent utilities.TradeIntent, rawQuantity float64) Result {
	normalized, err := e.rules.Normalize(e.account.Key.Exchange, intent.Symbol)
	if err != nil {
		return e.fail(intent, Attempt{}, ClassValidation, 0, err)
	}
	quantity, err := e.rules.Quantize(e.account.Key.Exchange, intent.Symbol, rawQuantity)
	if err != nil {
		// A quantity that quantizes to zero is a sizing violation the
		// caller must re-plan, never an order.
		return e.fail(intent, Attempt{NormalizedSymbol: normalized}, ClassMinSizeViolation, 0, err)
	}

	attemptID := uuid.NewString()
	var lastClass ErrorClass
	attemptNo := 0

	for {
		attemptNo++

		// The gate runs before every attempt, so a kill-switch flip
		// mid-retry-loop aborts before another order can leave.
		if gateErr := e.gate.AllowTrading(); gateErr != nil {
			e.logger.LogWarn("execution [%s]: %shalted%s before attempt %d for %s: %v", e.account.Key, utilities.ColorRed, utilities.ColorReset, attemptNo, intent.Symbol, gateErr)
			return e.fail(intent, Attempt{ID: attemptID, NormalizedSymbol: normalized, Quantity: quantity}, lastClassOr(lastClass, ClassNetwork), attemptNo-1, gateErr)
		}
		if ctx.Err() != nil {
			return e.fail(intent, Attempt{ID: attemptID, NormalizedSymbol: normalized, Quantity: quantity}, lastClassOr(lastClass, ClassNetwork), attemptNo-1, ctx.Err())
		}

		token, tokenErr := e.nextToken(lastClass)
		if tokenErr != nil {
			return e.fail(intent, Attempt{ID: attemptID, NormalizedSymbol: normalized, Quantity: quantity}, ClassNetwork, attemptNo-1, tokenErr)
		}

		attempt := Attempt{
			ID:               attemptID,
			Intent:           intent,
			Account:          e.account.Key,
			NormalizedSymbol: normalized,
			Quantity:         quantity,
			SequenceToken:    token,
			AttemptNumber:    attemptNo,
		}
		e.journalEvent(store.EventOrderAttempt, attempt)

		// Brokers take the common pair form and own their wire spelling;
		// the normalized form is journaled on the attempt record.
		confirmationID, placeErr := e.brk.PlaceOrder(ctx, intent.Symbol, intent.Side, "market", quantity, 0, token, attemptID)
		if placeErr == nil {
			if confirmationID == "" {
				// An accepted call without a confirmation id is not a fill.
				placeErr = ErrNoConfirmation
			} else {
				return e.confirm(ctx, intent, attempt, confirmationID)
			}
		}

		lastClass = Classify(placeErr)
		e.logger.LogWarn("execution [%s]: attempt %d for %s %s failed (%s): %v", e.account.Key, attemptNo, intent.Side, intent.Symbol, lastClass, placeErr)

		if lastClass.DegradesAccount() {
			until := time.Now().Add(time.Duration(e.cfg.CooldownMinutes) * time.Minute)
			e.degrader.Degrade(e.account.Key, until, string(lastClass))
			e.journalEvent(store.EventAccountDegraded, map[string]interface{}{"class": lastClass, "until": until})
			return e.fail(intent, attempt, lastClass, attemptNo, placeErr)
		}

		rule := e.policyFor(lastClass)
		if attemptNo > rule.maxRetries {
			return e.fail(intent, attempt, lastClass, attemptNo, placeErr)
		}

		if err := e.sleep(ctx, rule.delay(attemptNo)); err != nil {
			return e.fail(intent, attempt, lastClass, attemptNo, err)
		}
	}
}

// nextToken consults the sequence manager, jumping when the previous
// attempt died on a sequencing rejection.
func (e *Engine) nextToken(lastClass ErrorClass) (int64, error) {
	if lastClass == ClassSequencing {
		return e.seq.Jump(e.account.Key)
	}
	return e.seq.Next(e.account.Key)
}

// confirm records a fill: best-effort status query for the true filled
// volume, ledger update, journal entry.
func (e *Engine) confirm(ctx context.Context, intent utilities.TradeIntent, attempt Attempt, confirmationID string) Result {
	filled := attempt.Quantity
	avgPrice := 0.0

	if token, err := e.seq.Next(e.account.Key); err == nil {
		if order, err := e.brk.GetOrderStatus(ctx, confirmationID, token); err == nil && order.FilledVolume > 0 {
			filled = order.FilledVolume
			avgPrice = order.AvgFillPrice
		}
	}

	if err := e.applyFill(intent, filled, avgPrice); err != nil {
		// The order is live on the exchange; bookkeeping failure is loud
		// but cannot unconfirm it. Reconciliation will repair the ledger.
		e.logger.LogError("execution [%s]: ledger update after fill %s failed: %v", e.account.Key, confirmationID, err)
	}

	result := Result{
		Confirmed:      true,
		ConfirmationID: confirmationID,
		FilledQuantity: filled,
		Attempts:       attempt.AttemptNumber,
	}
	e.journalEvent(store.EventOrderConfirmed, map[string]interface{}{
		"attempt":         attempt,
		"confirmation_id": confirmationID,
		"filled":          filled,
	})
	e.logger.LogInfo("execution [%s]: %s%s %s confirmed, id=%s filled=%f%s", e.account.Key, utilities.ColorCyan, intent.Side, intent.Symbol, confirmationID, filled, utilities.ColorReset)
	return result
}

// applyFill updates the internal ledger. Entries are created on confirmed
// buys and reduced or removed on confirmed sells; nothing else writes
// fills.
func (e *Engine) applyFill(intent utilities.TradeIntent, filled, avgPrice float64) error {
	existing, found, err := e.ledger.GetPosition(e.account.Key, intent.Symbol)
	if err != nil {
		return err
	}

	usd := intent.NotionalUSD
	if avgPrice > 0 {
		usd = filled * avgPrice
	}

	if intent.Side == utilities.SideBuy {
		pos := utilities.Position{
			Account:      e.account.Key,
			Symbol:       intent.Symbol,
			Quantity:     filled,
			EstimatedUSD: usd,
			Source:       utilities.PositionSourceLedger,
			UpdatedAt:    time.Now(),
		}
		if found {
			pos.Quantity += existing.Quantity
			pos.EstimatedUSD += existing.EstimatedUSD
		}
		return e.ledger.SavePosition(pos)
	}

	// Sell path.
	if !found {
		return nil
	}
	remaining := existing.Quantity - filled
	if remaining <= 0 {
		return e.ledger.DeletePosition(e.account.Key, intent.Symbol)
	}
	fraction := remaining / existing.Quantity
	existing.Quantity = remaining
	existing.EstimatedUSD *= fraction
	existing.UpdatedAt = time.Now()
	return e.ledger.SavePosition(existing)
}

// fail finalizes a terminal failure: journal it, and for an exhausted
// exit attempt run reconciliation synchronously before handing the result
// back, so the router never routes against known-stale state.
func (e *Engine) fail(intent utilities.TradeIntent, attempt Attempt, class ErrorClass, attempts int, err error) Result {
	e.journalEvent(store.EventOrderFailed, map[string]interface{}{
		"attempt":     attempt,
		"error_class": class,
		"attempts":    attempts,
		"error":       fmt.Sprint(err),
	})
	e.logger.LogError("execution [%s]: %s %s failed terminally after %d attempts (%s): %v", e.account.Key, intent.Side, intent.Symbol, attempts, class, err)

	if intent.Side == utilities.SideSell && e.reconciler != nil {
		reconCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if report, rErr := e.reconciler.Reconcile(reconCtx, e.account.Key); rErr != nil {
			e.logger.LogError("execution [%s]: post-exit-failure reconciliation failed: %v", e.account.Key, rErr)
		} else if !report.Clean() {
			e.logger.LogWarn("execution [%s]: post-exit-failure reconciliation corrected drift: removed=%d adjusted=%d", e.account.Key, len(report.Removed), len(report.Adjusted))
		}
	}

	return Result{
		Confirmed: false,
		Class:     class,
		Attempts:  attempts,
		Err:       err,
	}
}

func (e *Engine) journalEvent(kind string, payload interface{}) {
	if e.journal == nil {
		return
	}
	if err := e.journal.Append(kind, e.account.Key.String(), payload); err != nil {
		e.logger.LogError("execution [%s]: journal append failed: %v", e.account.Key, err)
	}
}

func lastClassOr(class, fallback ErrorClass) ErrorClass {
	if class == "" {
		return fallback
	}
	return class
}

// sleepCtx blocks for d or until the context is cancelled, whichever
// comes first. Retry loops use it so cancellation is observed within one
// retry interval.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
