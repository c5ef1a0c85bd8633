package service

import (
	"context"
	"errors"

	"github.com/and161185/tgcollector/internal/model"
	"github.com/and161185/tgcollector/internal/repository"
)

// MessageService reads persisted messages.
type MessageService interface {
	History(ctx context.Context, userID, sessionID string, counterpartyID int64) ([]model.QueuedMessage, error)
}

type MessageServiceImpl struct {
	repo repository.MessageRepository
}

func NewMessageService(repo repository.MessageRepository) *MessageServiceImpl {
	return &MessageServiceImpl{repo: repo}
}

// History returns stored messages exchanged with a counterparty, oldest first.
func (s *MessageServiceImpl) History(ctx context.Context, userID, sessionID string, counterpartyID int64) ([]model.QueuedMessage, error) {
	if userID == "" || sessionID == "" {
		return nil, errors.New("validation: empty userID/sessionID")
	}
	if counterpartyID <= 0 {
		return nil, errors.New("validation: bad counterpartyID")
	}
	out, err := s.repo.List(ctx, userID, sessionID, counterpartyID)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []model.QueuedMessage{}
	}
	return out, nil
}
