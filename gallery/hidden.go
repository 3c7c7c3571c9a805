package gallery

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/facette/natsort"
	"go.uber.org/zap"

	"github.com/camden-git/lastnurses/logger"
	"github.com/camden-git/lastnurses/repository"
)

const HiddenKey = "hidden_images"

// HiddenImages is the persisted set of gallery ids the user chose to hide.
type HiddenImages struct {
	mu    sync.Mutex
	store repository.KeyValueStore
	log   *zap.Logger
}

func NewHiddenImages(store repository.KeyValueStore, log *zap.Logger) *HiddenImages {
	return &HiddenImages{store: store, log: logger.OrNop(log)}
}

func (h *HiddenImages) load() ([]string, error) {
	raw, ok, err := h.store.Get(HiddenKey)
	if err != nil {
		return nil, fmt.Errorf("reading hidden images: %w", err)
	}
	if !ok || raw == "" {
		return nil, nil
	}
	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		h.log.Warn("gallery: discarding unreadable hidden image list", zap.Error(err))
		return nil, nil
	}
	return ids, nil
}

// Hide adds id to the set. Hiding an id twice is a no-op.
func (h *HiddenImages) Hide(id string) error {
	if id == "" {
		return fmt.Errorf("image id is required")
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	ids, err := h.load()
	if err != nil {
		return err
	}
	for _, existing := range ids {
		if existing == id {
			return nil
		}
	}
	encoded, err := json.Marshal(append(ids, id))
	if err != nil {
		return fmt.Errorf("encoding hidden images: %w", err)
	}
	if err := h.store.Set(HiddenKey, string(encoded)); err != nil {
		return fmt.Errorf("storing hidden images: %w", err)
	}
	h.log.Debug("gallery: image hidden", zap.String("image_id", id))
	return nil
}

func (h *HiddenImages) IsHidden(id string) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids, err := h.load()
	if err != nil {
		return false, err
	}
	for _, existing := range ids {
		if existing == id {
			return true, nil
		}
	}
	return false, nil
}

func (h *HiddenImages) UnhideAll() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.store.Remove(HiddenKey); err != nil {
		return fmt.Errorf("clearing hidden images: %w", err)
	}
	return nil
}

// List returns the hidden ids in natural order.
func (h *HiddenImages) List() ([]string, error) {
	h.mu.Lock()
	ids, err := h.load()
	h.mu.Unlock()
	if err != nil {
		return nil, err
	}
	out := append([]string{}, ids...)
	natsort.Sort(out)
	return out, nil
}

func (h *HiddenImages) set() (map[string]struct{}, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids, err := h.load()
	if err != nil {
		return nil, err
	}
	m := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		m[id] = struct{}{}
	}
	return m, nil
}
