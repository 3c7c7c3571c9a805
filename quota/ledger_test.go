package quota

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camden-git/lastnurses/identity"
	"github.com/camden-git/lastnurses/repository"
)

func TestLazyAnonymousDefault(t *testing.T) {
	store := repository.NewMemoryKVStore()
	l := NewLedger(store, nil)

	remaining, err := l.Remaining()
	require.NoError(t, err)
	assert.Equal(t, 1, remaining)

	raw, ok, err := store.Get(StateKey)
	require.NoError(t, err)
	require.True(t, ok)
	var persisted State
	require.NoError(t, json.Unmarshal([]byte(raw), &persisted))
	assert.Equal(t, State{Identity: identity.Anonymous, Remaining: 1, Total: 1}, persisted)
}

func TestDecrementNeverNegative(t *testing.T) {
	l := NewLedger(repository.NewMemoryKVStore(), nil)
	_, err := l.GrantDonationBonus()
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		s, err := l.Decrement()
		require.NoError(t, err)
		assert.GreaterOrEqual(t, s.Remaining, 0)
		assert.LessOrEqual(t, s.Remaining, s.Total)
	}
	s, err := l.State()
	require.NoError(t, err)
	assert.Equal(t, 0, s.Remaining)
	assert.Equal(t, 21, s.Total, "total is not decreased by debits")
}

func TestFollowBonusOnlyOnce(t *testing.T) {
	l := NewLedger(repository.NewMemoryKVStore(), nil)

	s, err := l.GrantFollowBonus()
	require.NoError(t, err)
	assert.Equal(t, 11, s.Remaining)
	assert.Equal(t, 11, s.Total)
	assert.True(t, s.UsedFollowBonus)

	_, err = l.Decrement()
	require.NoError(t, err)

	s, err = l.GrantFollowBonus()
	require.ErrorIs(t, err, ErrFollowBonusUsed)
	assert.Equal(t, 10, s.Remaining, "no further increase")
	assert.Equal(t, 11, s.Total)
}

func TestDonationBonusRepeatable(t *testing.T) {
	l := NewLedger(repository.NewMemoryKVStore(), nil)
	for i := 0; i < 3; i++ {
		_, err := l.GrantDonationBonus()
		require.NoError(t, err)
	}
	s, err := l.State()
	require.NoError(t, err)
	assert.Equal(t, 61, s.Remaining)
	assert.Equal(t, 61, s.Total)
}

func TestIdentityTransitions(t *testing.T) {
	l := NewLedger(repository.NewMemoryKVStore(), nil)
	_, err := l.GrantFollowBonus()
	require.NoError(t, err)

	s, err := l.TransitionToAuthenticated("token", 5)
	require.NoError(t, err)
	assert.Equal(t, State{Identity: identity.Authenticated, Remaining: 5, Total: 5, UsedFollowBonus: true}, s)

	_, err = l.TransitionToAuthenticated("", 5)
	require.Error(t, err)

	s, err = l.TransitionToAuthenticated("token", -3)
	require.NoError(t, err)
	assert.Equal(t, 0, s.Remaining)
	assert.Equal(t, 0, s.Total)

	s, err = l.TransitionToAnonymous()
	require.NoError(t, err)
	assert.Equal(t, State{Identity: identity.Anonymous, Remaining: 1, Total: 1}, s)
}

func TestSubscribeReconcilesBusEvents(t *testing.T) {
	bus := identity.NewBus(nil)
	l := NewLedger(repository.NewMemoryKVStore(), nil)
	unsubscribe := l.Subscribe(bus)

	var seen []State
	l.OnChange(func(s State) { seen = append(seen, s) })

	bus.Publish(identity.Change{Kind: identity.Authenticated, Token: "t", Username: "nurse", Credits: 7})
	s, err := l.State()
	require.NoError(t, err)
	assert.Equal(t, identity.Authenticated, s.Identity)
	assert.Equal(t, 7, s.Remaining)

	bus.Publish(identity.Change{Kind: identity.Anonymous})
	s, err = l.State()
	require.NoError(t, err)
	assert.Equal(t, identity.Anonymous, s.Identity)
	require.Len(t, seen, 2)

	unsubscribe()
	bus.Publish(identity.Change{Kind: identity.Authenticated, Token: "t", Credits: 9})
	s, err = l.State()
	require.NoError(t, err)
	assert.Equal(t, identity.Anonymous, s.Identity)
}

func TestCorruptStateResets(t *testing.T) {
	store := repository.NewMemoryKVStore()
	require.NoError(t, store.Set(StateKey, "{not json"))
	l := NewLedger(store, nil)

	s, err := l.State()
	require.NoError(t, err)
	assert.Equal(t, anonymousState(), s)

	require.NoError(t, store.Set(StateKey, `{"identity":"authenticated","remaining":9,"total":4}`))
	s, err = l.State()
	require.NoError(t, err)
	assert.Equal(t, 4, s.Remaining)
}

type failingStore struct{ repository.KeyValueStore }

func (failingStore) Set(string, string) error { return errors.New("disk full") }

func TestPersistFailureLeavesStateUnchanged(t *testing.T) {
	mem := repository.NewMemoryKVStore()
	l := NewLedger(mem, nil)
	_, err := l.State()
	require.NoError(t, err)

	l.store = failingStore{mem}
	_, err = l.GrantDonationBonus()
	require.Error(t, err)

	l.store = mem
	s, err := l.State()
	require.NoError(t, err)
	assert.Equal(t, 1, s.Remaining)
}

func TestConcurrentDecrements(t *testing.T) {
	l := NewLedger(repository.NewMemoryKVStore(), nil)
	_, err := l.GrantFollowBonus()
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Decrement()
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	remaining, err := l.Remaining()
	require.NoError(t, err)
	assert.Equal(t, 0, remaining)
}
