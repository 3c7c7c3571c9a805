package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/camden-git/lastnurses/identity"
	"github.com/camden-git/lastnurses/logger"
	"github.com/camden-git/lastnurses/remote"
	"github.com/camden-git/lastnurses/repository"
)

const (
	KeyAuthToken   = "auth_token"
	KeyUsername    = "username"
	KeyAnonymousID = "anonymous_user_id"
	// legacy anonymous counter, superseded by the quota ledger
	KeyAnonymousRemaining = "anonymous_generations_remaining"

	ProviderFacebook  = "facebook"
	ProviderInstagram = "instagram"
)

// Providers lists the login providers whose connection flag is tracked.
var Providers = []string{ProviderFacebook, ProviderInstagram}

// ErrAuthentication means a login did not complete. Session state is left
// unchanged.
var ErrAuthentication = errors.New("authentication failed")

// ErrUnknownProvider is returned for providers not in Providers.
var ErrUnknownProvider = errors.New("unknown login provider")

func connectedKey(provider string) string {
	return provider + "_connected"
}

// KnownProvider reports whether name is a supported login provider.
func KnownProvider(name string) bool {
	for _, p := range Providers {
		if p == name {
			return true
		}
	}
	return false
}

// AuthProvider completes a login and yields a token and credit count.
type AuthProvider interface {
	Name() string
	Authenticate(ctx context.Context, anonymousID string) (*remote.LoginResult, error)
}

// Status is the public view of the session.
type Status struct {
	Kind      identity.Kind `json:"kind"`
	Username  string        `json:"username,omitempty"`
	Connected []string      `json:"connected"`
}

// Session owns the persisted identity keys and announces identity changes on
// the bus.
type Session struct {
	mu    sync.Mutex
	store repository.KeyValueStore
	bus   *identity.Bus
	log   *zap.Logger
	now   func() time.Time
}

func New(store repository.KeyValueStore, bus *identity.Bus, log *zap.Logger) *Session {
	return &Session{store: store, bus: bus, log: logger.OrNop(log), now: time.Now}
}

// Restore checks the persisted token at start-up. An expired token is
// treated as a logout.
func (s *Session) Restore() error {
	token := s.Token()
	if token == "" || !tokenExpired(token, s.now()) {
		return nil
	}
	s.log.Info("session: stored token expired, logging out")
	return s.Logout()
}

// Login runs provider and, on success, switches to the authenticated
// identity. The anonymous id is handed to the provider for association and
// then cleared.
func (s *Session) Login(ctx context.Context, provider AuthProvider) (identity.Change, error) {
	name := provider.Name()
	if !KnownProvider(name) {
		return identity.Change{}, fmt.Errorf("%w: %w: %q", ErrAuthentication, ErrUnknownProvider, name)
	}

	s.mu.Lock()
	anonymousID, _, err := s.store.Get(KeyAnonymousID)
	s.mu.Unlock()
	if err != nil {
		return identity.Change{}, fmt.Errorf("%w: reading anonymous id: %v", ErrAuthentication, err)
	}

	// lock is not held across the network call
	result, err := provider.Authenticate(ctx, anonymousID)
	if err != nil {
		s.log.Warn("session: login failed", zap.String("provider", name), zap.Error(err))
		return identity.Change{}, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	if result == nil || result.Token == "" {
		return identity.Change{}, fmt.Errorf("%w: provider returned no token", ErrAuthentication)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.Set(KeyAuthToken, result.Token); err != nil {
		return identity.Change{}, fmt.Errorf("%w: storing token: %v", ErrAuthentication, err)
	}
	for key, value := range map[string]string{KeyUsername: result.Username, connectedKey(name): "true"} {
		if err := s.store.Set(key, value); err != nil {
			s.log.Warn("session: failed to persist key", zap.String("key", key), zap.Error(err))
		}
	}
	for _, key := range []string{KeyAnonymousID, KeyAnonymousRemaining} {
		if err := s.store.Remove(key); err != nil {
			s.log.Warn("session: failed to clear key", zap.String("key", key), zap.Error(err))
		}
	}

	change := identity.Change{
		Kind:     identity.Authenticated,
		Token:    result.Token,
		Username: result.Username,
		Credits:  result.Credits,
		Provider: name,
	}
	s.log.Info("session: logged in", zap.String("provider", name), zap.String("username", result.Username))
	if s.bus != nil {
		s.bus.Publish(change)
	}
	return change, nil
}

// Logout clears the authenticated identity and connection flags.
func (s *Session) Logout() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	keys := []string{KeyAuthToken, KeyUsername}
	for _, p := range Providers {
		keys = append(keys, connectedKey(p))
	}
	for _, key := range keys {
		if err := s.store.Remove(key); err != nil {
			errs = append(errs, fmt.Errorf("removing %s: %w", key, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	s.log.Info("session: logged out")
	if s.bus != nil {
		s.bus.Publish(identity.Change{Kind: identity.Anonymous})
	}
	return nil
}

// Token returns the stored access token, or "" when anonymous.
func (s *Session) Token() string {
	token, _, err := s.store.Get(KeyAuthToken)
	if err != nil {
		s.log.Warn("session: failed to read token", zap.Error(err))
		return ""
	}
	return token
}

// AnonymousID returns the stable anonymous id, creating one on first use.
func (s *Session) AnonymousID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok, err := s.store.Get(KeyAnonymousID)
	if err != nil {
		return "", fmt.Errorf("reading anonymous id: %w", err)
	}
	if ok && id != "" {
		return id, nil
	}
	id = uuid.NewString()
	if err := s.store.Set(KeyAnonymousID, id); err != nil {
		return "", fmt.Errorf("storing anonymous id: %w", err)
	}
	s.log.Debug("session: created anonymous id", zap.String("anonymous_user_id", id))
	return id, nil
}

func (s *Session) Status() Status {
	st := Status{Kind: identity.Anonymous, Connected: []string{}}
	if s.Token() != "" {
		st.Kind = identity.Authenticated
		st.Username, _, _ = s.store.Get(KeyUsername)
	}
	for _, p := range Providers {
		if v, _, err := s.store.Get(connectedKey(p)); err == nil && strings.EqualFold(v, "true") {
			st.Connected = append(st.Connected, p)
		}
	}
	return st
}

// CodeExchanger completes an OAuth authorization code.
type CodeExchanger interface {
	ExchangeCode(ctx context.Context, provider, code, anonymousID string) (*remote.LoginResult, error)
}

// CodeExchange is the AuthProvider for a provider callback carrying an
// authorization code.
type CodeExchange struct {
	Exchanger CodeExchanger
	Provider  string
	Code      string
}

func (c CodeExchange) Name() string { return c.Provider }

func (c CodeExchange) Authenticate(ctx context.Context, anonymousID string) (*remote.LoginResult, error) {
	if c.Code == "" {
		return nil, errors.New("authorization code is missing")
	}
	return c.Exchanger.ExchangeCode(ctx, c.Provider, c.Code, anonymousID)
}
