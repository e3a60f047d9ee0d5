// Package wallet owns the connection to the user's signing agent and the
// locally persisted record of the authorized account.
package wallet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"craftnexus/internal/failure"
	"craftnexus/internal/kvstore"
)

const (
	// StorageKey holds the JSON-encoded Account.
	StorageKey = "craftnexus_wallet"
	// PublicKeyStorageKey holds only the public key.
	PublicKeyStorageKey = "craftnexus_wallet_publicKey"

	DefaultProbeTimeout    = 3 * time.Second
	DefaultProbeRetryDelay = 1 * time.Second
	DefaultConnectTimeout  = 15 * time.Second
)

// Account is an identity authorized by the signing agent.
type Account struct {
	PublicKey string `json:"publicKey"`
	Connected bool   `json:"isConnected"`
}

// State is the session's position in the connect protocol.
type State string

const (
	StateDisconnected State = "disconnected"
	StateProbing      State = "probing"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateFailed       State = "failed"
)

// Session drives connect/probe/disconnect against an Agent and persists the
// resulting account in a kvstore.Store. One Session serves one user context.
type Session struct {
	agent  Agent
	store  kvstore.Store
	logger *logrus.Logger

	probeTimeout    time.Duration
	probeRetryDelay time.Duration
	connectTimeout  time.Duration

	mu    sync.Mutex
	state State
}

type Option func(*Session)

// WithTimeouts overrides the probe, probe-retry and connect durations.
func WithTimeouts(probe, retryDelay, connect time.Duration) Option {
	return func(s *Session) {
		s.probeTimeout = probe
		s.probeRetryDelay = retryDelay
		s.connectTimeout = connect
	}
}

func WithLogger(logger *logrus.Logger) Option {
	return func(s *Session) {
		s.logger = logger
	}
}

func NewSession(agent Agent, store kvstore.Store, opts ...Option) *Session {
	s := &Session{
		agent:           agent,
		store:           store,
		logger:          logrus.StandardLogger(),
		probeTimeout:    DefaultProbeTimeout,
		probeRetryDelay: DefaultProbeRetryDelay,
		connectTimeout:  DefaultConnectTimeout,
		state:           StateDisconnected,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

type agentResult[T any] struct {
	val T
	err error
}

// callAgent bounds fn by ctx even when the agent ignores cancellation. The
// buffered channel lets a late answer be dropped without blocking.
func callAgent[T any](ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	done := make(chan agentResult[T], 1)
	go func() {
		v, err := fn(ctx)
		done <- agentResult[T]{val: v, err: err}
	}()
	select {
	case res := <-done:
		return res.val, res.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Probe reports whether the agent already has an authorized session. Errors
// and timeouts count as "no". An unavailable answer is retried once after the
// retry delay to absorb extension-load races.
func (s *Session) Probe(ctx context.Context) bool {
	if s.probeOnce(ctx) {
		return true
	}
	t := time.NewTimer(s.probeRetryDelay)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
		return false
	}
	return s.probeOnce(ctx)
}

func (s *Session) probeOnce(ctx context.Context) bool {
	pctx, cancel := context.WithTimeout(ctx, s.probeTimeout)
	defer cancel()

	res, err := callAgent(pctx, s.agent.Probe)
	if err != nil {
		s.logger.WithError(err).Debug("wallet probe failed")
		return false
	}
	return res.Authorized
}

// Connect asks the agent for access and persists the authorized account. The
// whole call, including the informational probe, is bounded by the connect
// timeout. The probe is not retried here so the user keeps most of the window
// to approve access. Failures leave any previously stored account untouched
// and are never retried.
func (s *Session) Connect(ctx context.Context) (Account, error) {
	ctx, cancel := context.WithTimeout(ctx, s.connectTimeout)
	defer cancel()

	s.setState(StateProbing)
	authorized := s.probeOnce(ctx)
	s.logger.WithField("authorized", authorized).Debug("wallet probe before connect")

	s.setState(StateConnecting)
	res, err := callAgent(ctx, s.agent.RequestAccess)
	if err != nil {
		return Account{}, s.fail(connectError(err))
	}
	if res.Error != "" {
		return Account{}, s.fail(Classify(res.Error))
	}
	if res.Address == "" {
		return Account{}, s.fail(failure.New(failure.CodeNoAddressReturned, "signing agent returned no address"))
	}

	account := Account{PublicKey: res.Address, Connected: true}
	if err := s.SaveAccount(context.WithoutCancel(ctx), account); err != nil {
		return Account{}, s.fail(fmt.Errorf("persist wallet: %w", err))
	}

	s.setState(StateConnected)
	s.logger.WithField("publicKey", account.PublicKey).Info("wallet connected")
	return account, nil
}

func (s *Session) fail(err error) error {
	s.setState(StateFailed)
	s.logger.WithError(err).Warn("wallet connect failed")
	s.setState(StateDisconnected)
	return err
}

func connectError(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return failure.Wrap(failure.CodeAgentTimeout, err, "signing agent did not respond in time")
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("connect cancelled: %w", err)
	}
	return Classify(err.Error())
}

// Classify maps the agent's free-text error onto a closed set of codes.
// Unmatched text is passed through as CodeAgentError.
func Classify(msg string) *failure.Error {
	lower := strings.ToLower(msg)
	switch {
	case containsAny(lower, "not installed", "not found"):
		return failure.New(failure.CodeAgentNotFound, "signing agent is not installed")
	case containsAny(lower, "denied", "rejected"):
		return failure.New(failure.CodeAccessDenied, "access to the signing agent was denied")
	case containsAny(lower, "locked", "unlock"):
		return failure.New(failure.CodeAgentLocked, "signing agent is locked")
	}
	return failure.New(failure.CodeAgentError, "%s", msg)
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// CurrentAddress returns the address the agent currently authorizes, without
// prompting the user.
func (s *Session) CurrentAddress(ctx context.Context) (string, bool) {
	pctx, cancel := context.WithTimeout(ctx, s.probeTimeout)
	defer cancel()

	probe, err := callAgent(pctx, s.agent.Probe)
	if err != nil || !probe.Authorized {
		return "", false
	}
	res, err := callAgent(pctx, s.agent.CurrentAddress)
	if err != nil || res.Error != "" || res.Address == "" {
		return "", false
	}
	return res.Address, true
}

// Disconnect forgets the stored account. The agent keeps its own grant; it
// has no revoke operation.
func (s *Session) Disconnect(ctx context.Context) error {
	if err := s.store.Remove(ctx, StorageKey); err != nil {
		return fmt.Errorf("remove wallet record: %w", err)
	}
	if err := s.store.Remove(ctx, PublicKeyStorageKey); err != nil {
		return fmt.Errorf("remove wallet public key: %w", err)
	}
	s.setState(StateDisconnected)
	s.logger.Info("wallet disconnected")
	return nil
}

// SaveAccount persists account under both storage keys. If the second write
// fails the first is rolled back, so the previous record stays readable.
func (s *Session) SaveAccount(ctx context.Context, account Account) error {
	blob, err := json.Marshal(account)
	if err != nil {
		return err
	}
	prev, hadPrev, err := s.store.Get(ctx, StorageKey)
	if err != nil {
		return err
	}
	if err := s.store.Set(ctx, StorageKey, string(blob)); err != nil {
		return err
	}
	if err := s.store.Set(ctx, PublicKeyStorageKey, account.PublicKey); err != nil {
		var rerr error
		if hadPrev {
			rerr = s.store.Set(ctx, StorageKey, prev)
		} else {
			rerr = s.store.Remove(ctx, StorageKey)
		}
		if rerr != nil {
			s.logger.WithError(rerr).Error("wallet record rollback failed")
		}
		return err
	}
	return nil
}

// StoredAccount returns the persisted account, if any. The result is always
// unverified: Connected is false until the agent confirms it again.
func (s *Session) StoredAccount(ctx context.Context) (*Account, error) {
	pk, ok, err := s.store.Get(ctx, PublicKeyStorageKey)
	if err != nil {
		return nil, err
	}
	if !ok || pk == "" {
		raw, ok, err := s.store.Get(ctx, StorageKey)
		if err != nil || !ok {
			return nil, err
		}
		var acc Account
		if err := json.Unmarshal([]byte(raw), &acc); err != nil || acc.PublicKey == "" {
			return nil, nil
		}
		pk = acc.PublicKey
	}
	return &Account{PublicKey: pk, Connected: false}, nil
}
