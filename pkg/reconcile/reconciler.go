// File: pkg/reconcile/reconciler.go
package reconcile

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"Blackice/pkg/broker"
	"Blackice/pkg/exchange"
	"Blackice/store"
	"Blackice/utilities"
)

// quantityEpsilon is the drift below which a ledger/exchange quantity
// difference is treated as rounding noise, not a conflict.
const quantityEpsilon = 1e-9

// ErrUnknownAccount is returned when no broker was registered for the
// requested account.
var ErrUnknownAccount = errors.New("reconcile: no broker registered for account")

// Sequencer issues the tokens the holdings query is signed with.
type Sequencer interface {
	Next(account utilities.AccountKey) (int64, error)
}

// Ledger is the persistent position set being corrected.
type Ledger interface {
	SavePosition(utilities.Position) error
	DeletePosition(account utilities.AccountKey, symbol string) error
	LoadPositions(account utilities.AccountKey) ([]utilities.Position, error)
}

// Journal is the append-only audit sink.
type Journal interface {
	Append(kind, accountKey string, payload interface{}) error
}

// Reconciler corrects the internal position ledger against the
// exchange's reported holdings. The exchange is always authoritative:
// every conflict resolves toward what the exchange reports, never
// toward the local record.
type Reconciler struct {
	brokers map[string]broker.Broker // keyed by AccountKey.String()
	rules   *exchange.Rules
	seq     Sequencer
	ledger  Ledger
	journal Journal
	logger  *utilities.Logger

	// onConflict fires after any run that corrected drift; the app layer
	// hangs alerting off it.
	onConflict func(utilities.ReconcileReport)

	mu    sync.Mutex
	locks map[string]*sync.Mutex // per account, so runs never interleave
}

// New builds a reconciler over the given account brokers.
func New(rules *exchange.Rules, seq Sequencer, ledger Ledger, journal Journal, logger *utilities.Logger) *Reconciler {
	if logger == nil {
		logger = utilities.NewLogger(utilities.Info)
		logger.LogWarn("reconcile.New: Logger fallback used.")
	}
	return &Reconciler{
		brokers: make(map[string]broker.Broker),
		rules:   rules,
		seq:     seq,
		ledger:  ledger,
		journal: journal,
		logger:  logger,
		locks:   make(map[string]*sync.Mutex),
	}
}

// Register makes an account's broker available for reconciliation.
func (r *Reconciler) Register(account utilities.AccountKey, brk broker.Broker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.brokers[account.String()] = brk
}

// SetConflictHook registers the callback fired after a run that found
// drift. Must be called before the first Reconcile.
func (r *Reconciler) SetConflictHook(fn func(utilities.ReconcileReport)) {
	r.onConflict = fn
}

// Reconcile runs one correction pass for the account. Concurrent calls
// for the same account serialize; different accounts run independently.
func (r *Reconciler) Reconcile(ctx context.Context, account utilities.AccountKey) (utilities.ReconcileReport, error) {
	lock := r.accountLock(account)
	lock.Lock()
	defer lock.Unlock()

	report := utilities.ReconcileReport{Account: account, RanAt: time.Now()}

	r.mu.Lock()
	brk, ok := r.brokers[account.String()]
	r.mu.Unlock()
	if !ok {
		return report, ErrUnknownAccount
	}

	token, err := r.seq.Next(account)
	if err != nil {
		return report, err
	}
	holdings, err := brk.GetHoldings(ctx, token)
	if err != nil {
		// A failed holdings query corrects nothing; the ledger stands
		// until the next pass rather than being guessed at.
		r.logger.LogError("reconcile [%s]: holdings query failed, ledger untouched: %v", account, err)
		return report, err
	}

	internal, err := r.ledger.LoadPositions(account)
	if err != nil {
		return report, err
	}
	bySymbol := make(map[string]utilities.Position, len(internal))
	for _, pos := range internal {
		bySymbol[pos.Symbol] = pos
	}

	// Everything the exchange reports, dust included, counts for
	// matching: a ledger entry backed by a dust-sized holding is small,
	// not phantom. Dust only stops NEW entries from being created.
	exchangeSide := make(map[string]broker.Holding, len(holdings))
	for _, h := range holdings {
		exchangeSide[h.Symbol] = h
	}

	// Exchange-only holdings become ledger entries marked as reconciled.
	for symbol, h := range exchangeSide {
		existing, tracked := bySymbol[symbol]
		if !tracked {
			if r.rules.IsDust(h.EstimatedUSD) {
				continue
			}
			pos := utilities.Position{
				Account:      account,
				Symbol:       symbol,
				Quantity:     h.Quantity,
				EstimatedUSD: h.EstimatedUSD,
				Source:       utilities.PositionSourceReconciled,
				UpdatedAt:    report.RanAt,
			}
			if err := r.ledger.SavePosition(pos); err != nil {
				return report, err
			}
			report.Added = append(report.Added, symbol)
			continue
		}
		if math.Abs(existing.Quantity-h.Quantity) > quantityEpsilon {
			existing.Quantity = h.Quantity
			existing.EstimatedUSD = h.EstimatedUSD
			existing.Source = utilities.PositionSourceReconciled
			existing.UpdatedAt = report.RanAt
			if err := r.ledger.SavePosition(existing); err != nil {
				return report, err
			}
			report.Adjusted = append(report.Adjusted, symbol)
		}
	}

	// Ledger entries the exchange no longer reports are phantoms.
	for symbol := range bySymbol {
		if _, held := exchangeSide[symbol]; held {
			continue
		}
		if err := r.ledger.DeletePosition(account, symbol); err != nil {
			return report, err
		}
		report.Removed = append(report.Removed, symbol)
	}

	r.finish(account, report)
	return report, nil
}

func (r *Reconciler) finish(account utilities.AccountKey, report utilities.ReconcileReport) {
	if r.journal != nil {
		if err := r.journal.Append(store.EventReconcileRun, account.String(), report); err != nil {
			r.logger.LogError("reconcile [%s]: journal append failed: %v", account, err)
		}
	}
	if report.Clean() {
		r.logger.LogDebug("reconcile [%s]: ledger matches exchange.", account)
		return
	}
	r.logger.LogWarn("reconcile [%s]: drift corrected: added=%v removed=%v adjusted=%v", account, report.Added, report.Removed, report.Adjusted)
	if r.onConflict != nil {
		r.onConflict(report)
	}
}

func (r *Reconciler) accountLock(account utilities.AccountKey) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.locks[account.String()]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[account.String()] = lock
	}
	return lock
}
