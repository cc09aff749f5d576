// File: pkg/sequence/sequence.go
package sequence

import (
	"fmt"
	"sync"
	"time"

	"Blackice/utilities"
)

// JumpOffset is how far ahead of the last issued token a jump lands.
// Kraken-style nonce windows can take real wall-clock time to clear after
// a stale-token rejection; a jump of three orders of magnitude over the
// normal +1 increment clears the server's highwater decisively instead of
// nibbling at it.
const JumpOffset = 1000

// Store is the durable counter backing. The manager persists a token
// before any caller sees it, so a restart can never reissue one.
type Store interface {
	Load(accountKey string) (int64, bool, error)
	Save(accountKey string, token int64) error
}

// keyCounter serializes issuance for a single exchange-account key.
// Independent keys each get their own lock and never contend.
type keyCounter struct {
	mu     sync.Mutex
	last   int64
	loaded bool
}

// Manager issues strictly increasing, crash-durable request sequence
// tokens per exchange-account pair.
type Manager struct {
	store  Store
	logger *utilities.Logger

	mu   sync.Mutex // guards the keys map only, never held during issuance
	keys map[string]*keyCounter
}

// NewManager creates a sequence manager over a durable store.
func NewManager(store Store, logger *utilities.Logger) *Manager {
	if logger == nil {
		logger = utilities.NewLogger(utilities.Info)
		logger.LogWarn("sequence.NewManager: Logger fallback used.")
	}
	return &Manager{
		store:  store,
		logger: logger,
		keys:   make(map[string]*keyCounter),
	}
}

// Next issues the next sequential token for the account. The token is
// persisted before it is returned; if the write fails, no token is handed
// out.
func (m *Manager) Next(account utilities.AccountKey) (int64, error) {
	return m.issue(account, 1)
}

// Jump issues a token far ahead of the current value. Callers use it
// after the exchange rejects a token as stale, where the next sequential
// value would likely be rejected too.
func (m *Manager) Jump(account utilities.AccountKey) (int64, error) {
	return m.issue(account, JumpOffset)
}

func (m *Manager) issue(account utilities.AccountKey, increment int64) (int64, error) {
	kc := m.counterFor(account.String())

	kc.mu.Lock()
	defer kc.mu.Unlock()

	if !kc.loaded {
		persisted, found, err := m.store.Load(account.String())
		if err != nil {
			return 0, fmt.Errorf("sequence: load counter for %s: %w", account, err)
		}
		if found {
			kc.last = persisted
		} else {
			// A fresh key seeds from the wall clock so the first token is
			// already above anything an earlier deployment may have sent.
			kc.last = time.Now().UnixMilli()
			m.logger.LogInfo("sequence: seeding new counter for %s at %d", account, kc.last)
		}
		kc.loaded = true
	}

	token := kc.last + increment
	if err := m.store.Save(account.String(), token); err != nil {
		// The counter stays where it was; the unpersisted token was never
		// observed by anyone and may be regenerated safely.
		return 0, fmt.Errorf("sequence: persist token %d for %s: %w", token, account, err)
	}
	kc.last = token
	return token, nil
}

func (m *Manager) counterFor(key string) *keyCounter {
	m.mu.Lock()
	defer m.mu.Unlock()
	kc, ok := m.keys[key]
	if !ok {
		kc = &keyCounter{}
		m.keys[key] = kc
	}
	return kc
}
