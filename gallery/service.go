package gallery

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/camden-git/lastnurses/logger"
	"github.com/camden-git/lastnurses/remote"
)

// ErrAuthenticationRequired is returned when listing the gallery anonymously.
var ErrAuthenticationRequired = errors.New("authentication required")

type HistorySource interface {
	History(ctx context.Context, token string) ([]remote.HistoryItem, error)
}

type TokenSource interface {
	Token() string
}

// Item is one gallery entry.
type Item struct {
	ID        string `json:"id"`
	Original  string `json:"original,omitempty"`
	Processed string `json:"processed,omitempty"`
	Date      string `json:"date,omitempty"`
	Status    string `json:"status,omitempty"`
}

type Service struct {
	history HistorySource
	tokens  TokenSource
	hidden  *HiddenImages
	log     *zap.Logger
}

func NewService(history HistorySource, tokens TokenSource, hidden *HiddenImages, log *zap.Logger) *Service {
	return &Service{history: history, tokens: tokens, hidden: hidden, log: logger.OrNop(log)}
}

// Items lists the user's prior transformations without hidden entries.
func (s *Service) Items(ctx context.Context) ([]Item, error) {
	token := s.tokens.Token()
	if token == "" {
		return nil, ErrAuthenticationRequired
	}

	history, err := s.history.History(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}
	hidden, err := s.hidden.set()
	if err != nil {
		return nil, err
	}

	items := make([]Item, 0, len(history))
	for _, h := range history {
		id := h.ID
		if id == "" {
			id = h.JobID
		}
		if _, skip := hidden[id]; skip {
			continue
		}
		items = append(items, Item{ID: id, Original: h.Original, Processed: h.Processed, Date: h.CreatedAt, Status: h.Status})
	}
	s.log.Debug("gallery: listed items", zap.Int("total", len(history)), zap.Int("visible", len(items)))
	return items, nil
}
