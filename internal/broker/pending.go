package broker

import (
	"sync"
	"time"

	"agentbroker/pkg/logging"
	"agentbroker/pkg/oauth"
)

// recoveryRetention is how long a cancelled authorization's verifier is kept
// so that a late callback can still be turned into a cached token.
const recoveryRetention = 10 * time.Minute

// resolvedRetention is how long a completed entry's tombstone is kept so a
// duplicate callback gets a distinct "already completed" answer instead of
// "unknown state".
const resolvedRetention = 5 * time.Minute

// resolution is the outcome delivered to the goroutine waiting on a pending
// authorization.
type resolution struct {
	token *oauth.Token
	err   error
}

// PendingAuthorization tracks one in-flight consent redirect from the moment
// the authorization URL is built until the callback resolves it or the
// waiter gives up.
type PendingAuthorization struct {
	State     string
	Config    AuthorizationConfig
	Verifier  string
	CreatedAt time.Time

	// done carries exactly one resolution. Buffered so the resolver never
	// blocks on a waiter that already timed out.
	done chan resolution

	// claimed and resolved are guarded by the owning store's mutex.
	claimed    bool
	resolved   bool
	resolvedAt time.Time
}

// Done exposes the resolution channel to the waiter.
func (p *PendingAuthorization) Done() <-chan resolution {
	return p.done
}

// RecoveryRecord retains what is needed to complete a code exchange after
// the original waiter timed out: the PKCE verifier and the authorization
// parameters to cache the result under.
type RecoveryRecord struct {
	Config      AuthorizationConfig
	Verifier    string
	CancelledAt time.Time
}

// PendingStore is the correlation table between consent redirects and the
// goroutines waiting on them. Every state transition happens under one
// mutex, so each authorization resolves exactly once.
type PendingStore struct {
	mu       sync.Mutex
	pending  map[string]*PendingAuthorization
	recovery map[string]*RecoveryRecord
	maxAge   time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewPendingStore creates a store and starts its cleanup loop. timeout is
// the configured consent window; entries whose waiter vanished are reaped
// well after it.
func NewPendingStore(timeout time.Duration) *PendingStore {
	s := &PendingStore{
		pending:  make(map[string]*PendingAuthorization),
		recovery: make(map[string]*RecoveryRecord),
		maxAge:   2 * timeout,
		stopCh:   make(chan struct{}),
	}
	go s.cleanupLoop()
	return s
}

// Create registers a new pending authorization with a fresh random state.
func (s *PendingStore) Create(cfg AuthorizationConfig, verifier string) (*PendingAuthorization, error) {
	state, err := oauth.GenerateState()
	if err != nil {
		return nil, err
	}

	p := &PendingAuthorization{
		State:     state,
		Config:    cfg,
		Verifier:  verifier,
		CreatedAt: time.Now(),
		done:      make(chan resolution, 1),
	}

	s.mu.Lock()
	s.pending[state] = p
	s.mu.Unlock()

	logging.Debug("PendingStore", "Created pending authorization state=%s scopes=%q", logging.Preview(state), cfg.ScopeString())
	return p, nil
}

// BeginResolve claims the pending authorization for state. The caller that
// gets the entry back owns the resolution and must finish with Complete.
// A second claim for the same state gets ErrAlreadyResolved; an unknown
// state gets ErrInvalidState.
func (s *PendingStore) BeginResolve(state string) (*PendingAuthorization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pending[state]
	if !ok {
		return nil, ErrInvalidState
	}
	if p.claimed || p.resolved {
		return nil, ErrAlreadyResolved
	}
	p.claimed = true
	return p, nil
}

// Complete delivers the outcome to the waiter and leaves a tombstone so
// duplicate callbacks are answered with ErrAlreadyResolved until it ages
// out.
func (s *PendingStore) Complete(p *PendingAuthorization, token *oauth.Token, err error) {
	s.mu.Lock()
	p.resolved = true
	p.resolvedAt = time.Now()
	s.mu.Unlock()

	p.done <- resolution{token: token, err: err}
}

// Cancel withdraws a pending authorization whose waiter gave up. It returns
// false when a resolver already claimed the entry, in which case the waiter
// should keep waiting for the imminent resolution. On success the entry is
// replaced by a recovery record so a late callback can still complete the
// exchange.
func (s *PendingStore) Cancel(p *PendingAuthorization) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.claimed || p.resolved {
		return false
	}
	delete(s.pending, p.State)
	s.recovery[p.State] = &RecoveryRecord{
		Config:      p.Config,
		Verifier:    p.Verifier,
		CancelledAt: time.Now(),
	}
	logging.Debug("PendingStore", "Cancelled pending authorization state=%s, retaining recovery record", logging.Preview(p.State))
	return true
}

// TakeRecovery removes and returns the recovery record for state, if one is
// retained.
func (s *PendingStore) TakeRecovery(state string) (*RecoveryRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.recovery[state]
	if !ok {
		return nil, false
	}
	delete(s.recovery, state)
	return rec, true
}

// PendingCount reports the number of unresolved pending authorizations.
func (s *PendingStore) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, p := range s.pending {
		if !p.resolved {
			n++
		}
	}
	return n
}

// Stop terminates the cleanup loop.
func (s *PendingStore) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
}

func (s *PendingStore) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopCh:
			return
		}
	}
}

func (s *PendingStore) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for state, p := range s.pending {
		switch {
		case p.resolved && now.Sub(p.resolvedAt) >= resolvedRetention:
			delete(s.pending, state)
		case !p.resolved && !p.claimed && now.Sub(p.CreatedAt) >= s.maxAge:
			// Waiter is gone without cancelling; reap the orphan.
			delete(s.pending, state)
		}
	}
	for state, rec := range s.recovery {
		if now.Sub(rec.CancelledAt) >= recoveryRetention {
			delete(s.recovery, state)
		}
	}
}
