package quota

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/camden-git/lastnurses/identity"
	"github.com/camden-git/lastnurses/logger"
	"github.com/camden-git/lastnurses/repository"
)

const (
	StateKey = "quota_state"

	AnonymousCredits     = 1
	FollowBonusCredits   = 11
	DonationBonusCredits = 20
)

// ErrFollowBonusUsed means the one-time follow bonus was already granted.
// Callers present the donation offer instead.
var ErrFollowBonusUsed = errors.New("follow bonus already used")

// State is the single active credit balance.
type State struct {
	Identity        identity.Kind `json:"identity"`
	Remaining       int           `json:"remaining"`
	Total           int           `json:"total"`
	UsedFollowBonus bool          `json:"used_follow_bonus"`
}

func anonymousState() State {
	return State{Identity: identity.Anonymous, Remaining: AnonymousCredits, Total: AnonymousCredits}
}

// clamp keeps 0 <= remaining <= total.
func (s State) clamp() State {
	if s.Total < 0 {
		s.Total = 0
	}
	if s.Remaining < 0 {
		s.Remaining = 0
	}
	if s.Remaining > s.Total {
		s.Remaining = s.Total
	}
	return s
}

// Ledger owns the persisted QuotaState. Every mutation is written through to
// the store before it returns.
type Ledger struct {
	mu       sync.Mutex
	store    repository.KeyValueStore
	log      *zap.Logger
	onChange []func(State)
}

func NewLedger(store repository.KeyValueStore, log *zap.Logger) *Ledger {
	return &Ledger{store: store, log: logger.OrNop(log)}
}

// OnChange registers fn to receive the state after every mutation.
func (l *Ledger) OnChange(fn func(State)) {
	l.mu.Lock()
	l.onChange = append(l.onChange, fn)
	l.mu.Unlock()
}

// Subscribe reconciles the ledger with identity changes published on bus.
func (l *Ledger) Subscribe(bus *identity.Bus) func() {
	return bus.Subscribe(func(change identity.Change) {
		var err error
		switch change.Kind {
		case identity.Authenticated:
			_, err = l.TransitionToAuthenticated(change.Token, change.Credits)
		case identity.Anonymous:
			_, err = l.TransitionToAnonymous()
		default:
			l.log.Warn("quota: ignoring unknown identity kind", zap.String("kind", string(change.Kind)))
		}
		if err != nil {
			l.log.Error("quota: failed to reconcile identity change", zap.Error(err))
		}
	})
}

// load must be called with mu held. A missing record is lazily initialized.
func (l *Ledger) load() (State, error) {
	raw, ok, err := l.store.Get(StateKey)
	if err != nil {
		return State{}, fmt.Errorf("failed to read quota state: %w", err)
	}
	if !ok {
		s := anonymousState()
		if err := l.save(s); err != nil {
			return State{}, err
		}
		return s, nil
	}

	var s State
	if err := json.Unmarshal([]byte(raw), &s); err != nil || (s.Identity != identity.Anonymous && s.Identity != identity.Authenticated) {
		l.log.Warn("quota: stored state unreadable, resetting to anonymous default", zap.String("raw", raw), zap.Error(err))
		s = anonymousState()
		if err := l.save(s); err != nil {
			return State{}, err
		}
		return s, nil
	}
	return s.clamp(), nil
}

func (l *Ledger) save(s State) error {
	encoded, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode quota state: %w", err)
	}
	if err := l.store.Set(StateKey, string(encoded)); err != nil {
		return fmt.Errorf("failed to persist quota state: %w", err)
	}
	return nil
}

// mutate applies fn to the current state, persists and announces the result.
func (l *Ledger) mutate(op string, fn func(State) (State, error)) (State, error) {
	l.mu.Lock()
	current, err := l.load()
	if err != nil {
		l.mu.Unlock()
		return State{}, err
	}
	next, err := fn(current)
	if err != nil {
		l.mu.Unlock()
		return current, err
	}
	next = next.clamp()
	if err := l.save(next); err != nil {
		l.mu.Unlock()
		return current, err
	}
	listeners := append([]func(State){}, l.onChange...)
	l.mu.Unlock()

	l.log.Info("quota: state changed",
		zap.String("op", op),
		zap.String("identity", string(next.Identity)),
		zap.Int("remaining", next.Remaining),
		zap.Int("total", next.Total))
	for _, fn := range listeners {
		fn(next)
	}
	return next, nil
}

func (l *Ledger) State() (State, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.load()
}

func (l *Ledger) Remaining() (int, error) {
	s, err := l.State()
	if err != nil {
		return 0, err
	}
	return s.Remaining, nil
}

// Decrement debits one credit, never going below zero.
func (l *Ledger) Decrement() (State, error) {
	return l.mutate("decrement", func(s State) (State, error) {
		if s.Remaining > 0 {
			s.Remaining--
		}
		return s, nil
	})
}

// GrantFollowBonus sets remaining and total to FollowBonusCredits the first
// time it is called and returns ErrFollowBonusUsed afterwards.
func (l *Ledger) GrantFollowBonus() (State, error) {
	return l.mutate("follow_bonus", func(s State) (State, error) {
		if s.UsedFollowBonus {
			return s, ErrFollowBonusUsed
		}
		s.UsedFollowBonus = true
		s.Remaining = FollowBonusCredits
		s.Total = FollowBonusCredits
		return s, nil
	})
}

func (l *Ledger) GrantDonationBonus() (State, error) {
	return l.mutate("donation_bonus", func(s State) (State, error) {
		s.Remaining += DonationBonusCredits
		s.Total += DonationBonusCredits
		return s, nil
	})
}

// TransitionToAuthenticated replaces the balance with the server-issued
// credits. The follow bonus flag survives.
func (l *Ledger) TransitionToAuthenticated(token string, credits int) (State, error) {
	if token == "" {
		return State{}, errors.New("authenticated transition requires a token")
	}
	return l.mutate("login", func(s State) (State, error) {
		return State{
			Identity:        identity.Authenticated,
			Remaining:       credits,
			Total:           credits,
			UsedFollowBonus: s.UsedFollowBonus,
		}, nil
	})
}

// TransitionToAnonymous resets to the anonymous default, clearing the follow
// bonus flag.
func (l *Ledger) TransitionToAnonymous() (State, error) {
	return l.mutate("logout", func(State) (State, error) {
		return anonymousState(), nil
	})
}
