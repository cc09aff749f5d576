// File: pkg/safety/safety.go
package safety

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"Blackice/store"
	"Blackice/utilities"
)

// State is one of the five trading safety states.
type State string

const (
	StateOff           State = "OFF"
	StateDryRun        State = "DRY_RUN"
	StateLivePending   State = "LIVE_PENDING_CONFIRMATION"
	StateLiveActive    State = "LIVE_ACTIVE"
	StateEmergencyStop State = "EMERGENCY_STOP"
)

// ErrTransitionRejected is returned for a transition the machine does not allow.
var ErrTransitionRejected = errors.New("safety: state transition rejected")

// ErrTradingHalted is returned by the gate when the current state does not
// permit order flow.
var ErrTradingHalted = errors.New("safety: trading halted")

// ErrRiskAckRequired is returned when arming live trading without an
// explicit risk acknowledgment.
var ErrRiskAckRequired = errors.New("safety: risk acknowledgment required to go live")

// validTransitions is the full edge set. EMERGENCY_STOP is reachable from
// anywhere via EmergencyStop and is therefore not listed per-state here.
var validTransitions = map[State][]State{
	StateOff:           {StateDryRun},
	StateDryRun:        {StateOff, StateLivePending},
	StateLivePending:   {StateOff, StateDryRun, StateLiveActive},
	StateLiveActive:    {StateOff, StateDryRun},
	StateEmergencyStop: {StateOff}, // explicit operator action only
}

// Store is the persistence the machine needs; store.SafetyStore satisfies it.
type Store interface {
	LoadState() (string, error)
	SaveTransition(store.Transition) error
	History(limit int) ([]store.Transition, error)
}

// Machine is the single gate all order flow passes through. The write
// path (transitions) is mutually exclusive process-wide; reads are an
// atomic snapshot so the pre-submission check never blocks concurrent
// account workers.
type Machine struct {
	store          Store
	logger         *utilities.Logger
	killSwitchFile string

	mu           sync.Mutex // serializes transitions
	current      atomic.Value
	onTransition func(store.Transition)
}

// Load builds the machine from its persisted state. A missing or
// unrecognized record yields OFF — the machine never cold-starts into a
// live-trading state.
func Load(st Store, killSwitchFile string, logger *utilities.Logger) (*Machine, error) {
	if logger == nil {
		logger = utilities.NewLogger(utilities.Info)
		logger.LogWarn("safety.Load: Logger fallback used.")
	}

	m := &Machine{
		store:          st,
		logger:         logger,
		killSwitchFile: killSwitchFile,
	}

	persisted, err := st.LoadState()
	if err != nil {
		logger.LogError("safety: could not load persisted state (%v); starting OFF", err)
		persisted = ""
	}

	state := State(persisted)
	switch state {
	case StateOff, StateDryRun, StateLivePending, StateLiveActive, StateEmergencyStop:
		logger.LogInfo("safety: resuming in persisted state %s", state)
	default:
		if persisted != "" {
			logger.LogWarn("safety: unrecognized persisted state %q; starting OFF", persisted)
		} else {
			logger.LogInfo("safety: no persisted state; starting OFF")
		}
		state = StateOff
	}
	m.current.Store(state)
	return m, nil
}

// SetTransitionHook registers a callback invoked after every recorded
// transition (journal + notifications). Must be set before workers start.
func (m *Machine) SetTransitionHook(hook func(store.Transition)) {
	m.onTransition = hook
}

// Current returns the state snapshot. Cheap and non-blocking.
func (m *Machine) Current() State {
	return m.current.Load().(State)
}

// AllowTrading is the pre-submission gate. It honors the kill switch
// before anything else, then requires DRY_RUN or LIVE_ACTIVE. Every order
// submission and every retry iteration calls this.
func (m *Machine) AllowTrading() error {
	if m.killSwitchSet() {
		if m.Current() != StateEmergencyStop {
			if err := m.EmergencyStop("kill-switch", "kill switch file present"); err != nil {
				m.logger.LogError("safety: failed to record kill-switch stop: %v", err)
			}
		}
		return fmt.Errorf("%w: kill switch engaged", ErrTradingHalted)
	}

	switch state := m.Current(); state {
	case StateDryRun, StateLiveActive:
		return nil
	default:
		return fmt.Errorf("%w: state is %s", ErrTradingHalted, state)
	}
}

// Transition moves the machine along a declared edge and persists the
// change before the new state becomes visible to readers.
func (m *Machine) Transition(to State, actor, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.Current()
	if from == to {
		return fmt.Errorf("%w: already in %s", ErrTransitionRejected, to)
	}
	if to == StateLiveActive && from == StateLivePending {
		// Arming live trading goes through AcknowledgeRisk, never here.
		return fmt.Errorf("%w: %s -> %s requires a recorded risk acknowledgment", ErrTransitionRejected, from, to)
	}
	if !edgeAllowed(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrTransitionRejected, from, to)
	}
	return m.commit(from, to, actor, reason)
}

// AcknowledgeRisk performs the only transition into LIVE_ACTIVE. The
// acknowledgment text is recorded with the transition; an empty one is
// rejected so going live is never automatic.
func (m *Machine) AcknowledgeRisk(actor, acknowledgment string) error {
	if acknowledgment == "" {
		return ErrRiskAckRequired
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.Current()
	if from != StateLivePending {
		return fmt.Errorf("%w: risk acknowledgment only valid in %s (currently %s)", ErrTransitionRejected, StateLivePending, from)
	}
	return m.commit(from, StateLiveActive, actor, "risk acknowledged: "+acknowledgment)
}

// EmergencyStop forces the machine into EMERGENCY_STOP from any state.
func (m *Machine) EmergencyStop(actor, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.Current()
	if from == StateEmergencyStop {
		return nil
	}
	return m.commit(from, StateEmergencyStop, actor, reason)
}

// History returns the most recent recorded transitions.
func (m *Machine) History(limit int) ([]store.Transition, error) {
	return m.store.History(limit)
}

// KillSwitchEngaged reports the side-channel flag for status tooling.
func (m *Machine) KillSwitchEngaged() bool {
	return m.killSwitchSet()
}

// commit persists then publishes a transition. Caller holds m.mu.
func (m *Machine) commit(from, to State, actor, reason string) error {
	tr := store.Transition{
		From:   string(from),
		To:     string(to),
		Actor:  actor,
		Reason: reason,
		At:     time.Now(),
	}
	if err := m.store.SaveTransition(tr); err != nil {
		return fmt.Errorf("safety: persist transition %s -> %s: %w", from, to, err)
	}
	m.current.Store(to)
	m.logger.LogWarn("safety: %s -> %s (actor=%s, reason=%s)", from, to, actor, reason)
	if m.onTransition != nil {
		m.onTransition(tr)
	}
	return nil
}

func (m *Machine) killSwitchSet() bool {
	if m.killSwitchFile == "" {
		return false
	}
	_, err := os.Stat(m.killSwitchFile)
	return err == nil
}

func edgeAllowed(from, to State) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
