// File: pkg/app/app.go
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"Blackice/notification/discord"
	"Blackice/pkg/broker"
	krakenBroker "Blackice/pkg/broker/kraken"
	paperBroker "Blackice/pkg/broker/paper"
	"Blackice/pkg/exchange"
	"Blackice/pkg/execution"
	"Blackice/pkg/reconcile"
	"Blackice/pkg/router"
	"Blackice/pkg/safety"
	"Blackice/pkg/sequence"
	"Blackice/store"
	"Blackice/utilities"
	"Blackice/web"
)

// job is one intent handed to an account worker, carrying the channel
// the terminal result is returned on.
type job struct {
	intent   utilities.TradeIntent
	quantity float64
	reply    chan execution.Result
}

// accountRuntime is everything one exchange-account worker owns. kraken
// is set only for kraken accounts and exists for startup metadata
// refreshes that the Broker interface does not expose.
type accountRuntime struct {
	account utilities.ExchangeAccount
	brk     broker.Broker
	kraken  *krakenBroker.Adapter
	engine  *execution.Engine
	jobs    chan job
}

// App wires the durable stores, the safety machine, the router and one
// execution worker per exchange-account, and serves the status surface.
type App struct {
	cfg    *utilities.AppConfig
	logger *utilities.Logger

	seqStore    *store.SequenceStore
	safetyStore *store.SafetyStore
	ledgerStore *store.LedgerStore
	journal     *store.Journal

	seq        *sequence.Manager
	machine    *safety.Machine
	rules      *exchange.Rules
	reconciler *reconcile.Reconciler
	route      *router.Router
	discord    *discord.Client

	runtimes map[string]*accountRuntime // keyed by AccountKey.String()

	connMu    sync.RWMutex
	connected map[string]bool

	wg sync.WaitGroup
}

// New builds the full application from config. Each durable store opens
// independently so a failure names exactly the store at fault; the
// safety state is loaded before anything that could trade.
func New(cfg *utilities.AppConfig, logger *utilities.Logger) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: config cannot be nil")
	}
	if len(cfg.Accounts) == 0 {
		return nil, errors.New("pre-flight check failed: no accounts configured")
	}
	if logger == nil {
		logger = utilities.NewLogger(utilities.Info)
	}

	dataDir := cfg.DB.DataDir
	if dataDir == "" {
		dataDir = "data"
	}

	safetyStore, err := store.NewSafetyStore(dataDir)
	if err != nil {
		return nil, fmt.Errorf("app: open safety store: %w", err)
	}
	machine, err := safety.Load(safetyStore, cfg.Safety.KillSwitchFile, logger)
	if err != nil {
		return nil, fmt.Errorf("app: load safety state: %w", err)
	}

	seqStore, err := store.NewSequenceStore(dataDir)
	if err != nil {
		return nil, fmt.Errorf("app: open sequence store: %w", err)
	}
	ledgerStore, err := store.NewLedgerStore(dataDir)
	if err != nil {
		return nil, fmt.Errorf("app: open ledger store: %w", err)
	}
	journal, err := store.NewJournal(dataDir)
	if err != nil {
		return nil, fmt.Errorf("app: open journal: %w", err)
	}

	dust := cfg.Trading.DustThresholdUSD
	rules := exchange.NewRules(dust)
	seq := sequence.NewManager(seqStore, logger)
	discordClient := discord.NewClient(cfg.Discord.WebhookURL, logger)

	reconciler := reconcile.New(rules, seq, ledgerStore, journal, logger)
	route := router.New(rules, machine, seq, ledgerStore, journal, cfg.Trading, logger)

	a := &App{
		cfg:         cfg,
		logger:      logger,
		seqStore:    seqStore,
		safetyStore: safetyStore,
		ledgerStore: ledgerStore,
		journal:     journal,
		seq:         seq,
		machine:     machine,
		rules:       rules,
		reconciler:  reconciler,
		route:       route,
		discord:     discordClient,
		runtimes:    make(map[string]*accountRuntime),
		connected:   make(map[string]bool),
	}

	machine.SetTransitionHook(func(tr store.Transition) {
		if err := journal.Append(store.EventSafetyTransition, "", tr); err != nil {
			logger.LogError("app: journal safety transition failed: %v", err)
		}
		if err := discordClient.NotifySafetyTransition(tr); err != nil {
			logger.LogDebug("app: discord safety notification failed: %v", err)
		}
	})
	reconciler.SetConflictHook(func(report utilities.ReconcileReport) {
		if err := discordClient.NotifyReconcileDrift(report); err != nil {
			logger.LogDebug("app: discord drift notification failed: %v", err)
		}
	})
	route.SetDegradeHook(func(account utilities.AccountKey, until time.Time, reason string) {
		if err := discordClient.NotifyAccountDegraded(account.String(), reason, until); err != nil {
			logger.LogDebug("app: discord degradation notification failed: %v", err)
		}
	})

	for i := range cfg.Accounts {
		if err := a.addAccount(&cfg.Accounts[i]); err != nil {
			return nil, err
		}
	}

	return a, nil
}

// addAccount builds the broker, engine and worker channel for one
// configured exchange-account.
func (a *App) addAccount(acctCfg *utilities.AccountConfig) error {
	key := utilities.AccountKey{Exchange: acctCfg.Exchange, Scope: acctCfg.Scope}
	if key.Exchange == "" || key.Scope == "" {
		return fmt.Errorf("app: account missing exchange or scope: %+v", key)
	}
	if _, exists := a.runtimes[key.String()]; exists {
		return fmt.Errorf("app: duplicate account %s", key)
	}

	quote := acctCfg.QuoteCurrency
	if quote == "" {
		quote = a.cfg.Trading.QuoteCurrency
	}
	account := utilities.ExchangeAccount{
		Key:             key,
		QuoteCurrency:   quote,
		MakerFeePercent: acctCfg.MakerFeePercent,
		TakerFeePercent: acctCfg.TakerFeePercent,
		Tier:            acctCfg.Tier,
	}

	var brk broker.Broker
	var kraken *krakenBroker.Adapter
	switch key.Exchange {
	case "kraken":
		adapter, err := krakenBroker.NewAdapter(acctCfg, &http.Client{
			Timeout: time.Duration(acctCfg.RequestTimeoutSec) * time.Second,
		}, a.logger)
		if err != nil {
			return fmt.Errorf("app: build kraken adapter for %s: %w", key, err)
		}
		kraken = adapter
		// The live adapter sits behind a shadow paper account; orders
		// only reach Kraken while the safety machine reads LIVE_ACTIVE.
		shadow := paperBroker.New(quote, 10000, a.logger)
		if a.cfg.Execution.PaperFillPrice > 0 {
			shadow.SetPrice("BTC/"+quote, a.cfg.Execution.PaperFillPrice)
		}
		brk = newDryRunSwitch(a.machine, adapter, shadow)
	case "paper":
		paper := paperBroker.New(quote, 10000, a.logger)
		if a.cfg.Execution.PaperFillPrice > 0 {
			paper.SetPrice("BTC/"+quote, a.cfg.Execution.PaperFillPrice)
		}
		brk = paper
	default:
		return fmt.Errorf("app: unsupported exchange %q for account %s", key.Exchange, key)
	}

	engine := execution.NewEngine(account, brk, a.rules, a.seq, a.machine, a.ledgerStore, a.reconciler, a.route, a.journal, a.cfg.Execution, a.logger)

	a.reconciler.Register(key, brk)
	a.route.Register(account, brk)
	a.runtimes[key.String()] = &accountRuntime{
		account: account,
		brk:     brk,
		kraken:  kraken,
		engine:  engine,
		jobs:    make(chan job, 16),
	}
	return nil
}

// SubmitIntent is the single entry point for trade intents. It routes,
// dispatches to the owning account's worker, and blocks until the
// terminal result comes back.
func (a *App) SubmitIntent(ctx context.Context, intent utilities.TradeIntent) (execution.Result, error) {
	routed, err := a.route.Route(ctx, intent)
	if err != nil {
		return execution.Result{}, err
	}

	rt, ok := a.runtimes[routed.Account.Key.String()]
	if !ok {
		return execution.Result{}, fmt.Errorf("app: routed to unknown account %s", routed.Account.Key)
	}

	j := job{intent: intent, quantity: routed.Quantity, reply: make(chan execution.Result, 1)}
	select {
	case rt.jobs <- j:
	case <-ctx.Done():
		return execution.Result{}, ctx.Err()
	}

	select {
	case result := <-j.reply:
		return result, nil
	case <-ctx.Done():
		return execution.Result{}, ctx.Err()
	}
}

// Run starts the per-account workers and the status server, then blocks
// until the context is cancelled.
func Run(ctx context.Context, cfg *utilities.AppConfig, logger *utilities.Logger) error {
	a, err := New(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	logger.LogInfo("app: safety state at startup: %s", a.machine.Current())

	for _, rt := range a.runtimes {
		if rt.kraken != nil {
			if err := rt.kraken.RefreshAssetInfo(ctx); err != nil {
				logger.LogError("app [%s]: asset info refresh failed, account starts disconnected: %v", rt.account.Key, err)
			}
		}
		a.wg.Add(1)
		go a.worker(ctx, rt)
	}

	web.StartWebServer(ctx, cfg.Web.ListenAddr, a)

	<-ctx.Done()
	logger.LogInfo("app: shutdown requested, waiting for workers to drain...")
	a.wg.Wait()
	return nil
}

// worker is the single goroutine for one exchange-account: it consumes
// intents, runs periodic reconciliation and connectivity checks, and
// never blocks any other account's worker.
func (a *App) worker(ctx context.Context, rt *accountRuntime) {
	defer a.wg.Done()

	reconcileEvery := time.Duration(a.cfg.Trading.ReconcileIntervalSec) * time.Second
	if reconcileEvery <= 0 {
		reconcileEvery = 15 * time.Minute
	}
	healthEvery := time.Duration(a.cfg.Trading.HealthCheckSec) * time.Second
	if healthEvery <= 0 {
		healthEvery = time.Minute
	}
	placementDelay := time.Duration(a.cfg.Execution.OrderPlacementDelayMs) * time.Millisecond

	reconcileTicker := time.NewTicker(reconcileEvery)
	defer reconcileTicker.Stop()
	healthTicker := time.NewTicker(healthEvery)
	defer healthTicker.Stop()

	a.checkConnectivity(ctx, rt)

	for {
		select {
		case <-ctx.Done():
			a.logger.LogInfo("app [%s]: worker stopped.", rt.account.Key)
			return

		case j := <-rt.jobs:
			result := rt.engine.Submit(ctx, j.intent, j.quantity)
			a.notifyOutcome(rt.account.Key, j.intent, result)
			j.reply <- result
			if placementDelay > 0 {
				select {
				case <-time.After(placementDelay):
				case <-ctx.Done():
				}
			}

		case <-reconcileTicker.C:
			if _, err := a.reconciler.Reconcile(ctx, rt.account.Key); err != nil {
				a.logger.LogError("app [%s]: periodic reconciliation failed: %v", rt.account.Key, err)
			}

		case <-healthTicker.C:
			a.checkConnectivity(ctx, rt)
		}
	}
}

func (a *App) checkConnectivity(ctx context.Context, rt *accountRuntime) {
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	err := rt.brk.Ping(pingCtx)

	a.connMu.Lock()
	wasConnected := a.connected[rt.account.Key.String()]
	a.connected[rt.account.Key.String()] = err == nil
	a.connMu.Unlock()

	if err != nil && wasConnected {
		a.logger.LogWarn("app [%s]: connectivity lost: %v", rt.account.Key, err)
	} else if err == nil && !wasConnected {
		a.logger.LogInfo("app [%s]: connected.", rt.account.Key)
	}
}

func (a *App) notifyOutcome(account utilities.AccountKey, intent utilities.TradeIntent, result execution.Result) {
	var detail string
	if result.Confirmed {
		detail = fmt.Sprintf("**Confirmation**: `%s`\n**Filled**: `%.8f`\n**Attempts**: %d", result.ConfirmationID, result.FilledQuantity, result.Attempts)
	} else {
		detail = fmt.Sprintf("**Class**: %s\n**Attempts**: %d\n**Error**: %v", result.Class, result.Attempts, result.Err)
	}
	if err := a.discord.NotifyOrderOutcome(account.String(), intent.Side, intent.Symbol, result.Confirmed, detail); err != nil {
		a.logger.LogDebug("app: discord order notification failed: %v", err)
	}
}

// Close releases the durable stores.
func (a *App) Close() {
	for _, closer := range []interface{ Close() error }{a.journal, a.ledgerStore, a.seqStore, a.safetyStore} {
		if closer == nil {
			continue
		}
		if err := closer.Close(); err != nil {
			a.logger.LogError("app: store close failed: %v", err)
		}
	}
}

// --- Operator controls ---

// Arm moves the machine one step toward live trading: OFF -> DRY_RUN,
// DRY_RUN -> LIVE_PENDING_CONFIRMATION. The final step into LIVE_ACTIVE
// only happens through AcknowledgeRisk.
func (a *App) Arm(actor string) error {
	switch a.machine.Current() {
	case safety.StateOff:
		return a.machine.Transition(safety.StateDryRun, actor, "armed to dry run")
	case safety.StateDryRun:
		return a.machine.Transition(safety.StateLivePending, actor, "armed pending risk acknowledgment")
	default:
		return fmt.Errorf("app: cannot arm from %s", a.machine.Current())
	}
}

// AcknowledgeRisk records the operator's risk acceptance and activates
// live trading.
func (a *App) AcknowledgeRisk(actor, acknowledgment string) error {
	return a.machine.AcknowledgeRisk(actor, acknowledgment)
}

// Halt forces an emergency stop.
func (a *App) Halt(actor, reason string) error {
	return a.machine.EmergencyStop(actor, reason)
}

// --- web.AppController ---

func (a *App) Logger() *utilities.Logger { return a.logger }

func (a *App) GetStatusSnapshot() web.StatusSnapshot {
	state := a.machine.Current()
	degraded := a.route.Degraded()

	a.connMu.RLock()
	connected := make(map[string]bool, len(a.connected))
	for k, v := range a.connected {
		connected[k] = v
	}
	a.connMu.RUnlock()

	accounts := make([]web.AccountStatus, 0, len(a.runtimes))
	for key, rt := range a.runtimes {
		status := web.AccountStatus{
			Key:       key,
			Exchange:  rt.account.Key.Exchange,
			Scope:     rt.account.Key.Scope,
			Connected: connected[key],
		}
		if reason, isDegraded := degraded[key]; isDegraded {
			status.Degraded = true
			status.DegradedReason = reason
		}
		if positions, err := a.ledgerStore.LoadPositions(rt.account.Key); err == nil {
			for _, pos := range positions {
				if pos.IsDust(a.rules.DustThresholdUSD()) {
					continue
				}
				status.OpenPositions++
				status.PositionValueUSD += pos.EstimatedUSD
			}
		}
		accounts = append(accounts, status)
	}

	return web.StatusSnapshot{
		AppName:           a.cfg.AppName,
		Version:           a.cfg.Version,
		SafetyState:       string(state),
		Trading:           state == safety.StateLiveActive,
		KillSwitchEngaged: a.machine.KillSwitchEngaged(),
		Accounts:          accounts,
		GeneratedAt:       time.Now(),
	}
}

func (a *App) GetPositions() ([]utilities.Position, error) {
	var all []utilities.Position
	for _, rt := range a.runtimes {
		positions, err := a.ledgerStore.LoadPositions(rt.account.Key)
		if err != nil {
			return nil, err
		}
		all = append(all, positions...)
	}
	return all, nil
}

func (a *App) GetSafetyHistory(limit int) ([]store.Transition, error) {
	return a.machine.History(a.historyLimit(limit))
}

func (a *App) GetRecentEvents(limit int) ([]store.JournalEvent, error) {
	return a.journal.Recent(a.historyLimit(limit))
}

// historyLimit resolves a caller-supplied limit. Zero defers to the
// configured display limit, then to a sane default.
func (a *App) historyLimit(limit int) int {
	if limit > 0 {
		return limit
	}
	if a.cfg.Safety.HistoryDisplayLimit > 0 {
		return a.cfg.Safety.HistoryDisplayLimit
	}
	return 50
}
