package identity

import (
	"sync"

	"go.uber.org/zap"

	"github.com/camden-git/lastnurses/logger"
)

type Kind string

const (
	Anonymous     Kind = "anonymous"
	Authenticated Kind = "authenticated"
)

// Change announces that the active identity was replaced.
type Change struct {
	Kind     Kind   `json:"kind"`
	Token    string `json:"-"`
	Username string `json:"username,omitempty"`
	Credits  int    `json:"credits"`
	Provider string `json:"provider,omitempty"`
}

type Listener func(Change)

// Bus delivers identity changes to subscribers synchronously, in
// subscription order, on the publishing goroutine.
type Bus struct {
	mu        sync.Mutex
	nextID    int
	order     []int
	listeners map[int]Listener
	log       *zap.Logger
}

func NewBus(log *zap.Logger) *Bus {
	return &Bus{
		listeners: make(map[int]Listener),
		log:       logger.OrNop(log),
	}
}

// Subscribe registers fn and returns a function removing it again.
func (b *Bus) Subscribe(fn Listener) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	b.listeners[id] = fn
	b.order = append(b.order, id)

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.listeners, id)
			for i, v := range b.order {
				if v == id {
					b.order = append(b.order[:i], b.order[i+1:]...)
					break
				}
			}
		})
	}
}

func (b *Bus) Publish(change Change) {
	b.mu.Lock()
	snapshot := make([]Listener, 0, len(b.order))
	for _, id := range b.order {
		snapshot = append(snapshot, b.listeners[id])
	}
	b.mu.Unlock()

	b.log.Info("identity: publishing change",
		zap.String("kind", string(change.Kind)),
		zap.String("username", change.Username),
		zap.Int("listeners", len(snapshot)))
	for _, fn := range snapshot {
		fn(change)
	}
}
