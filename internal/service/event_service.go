package service

import (
	"fmt"
	"log/slog"

	"veilrate/internal/models"
	"veilrate/internal/repository"
)

const (
	defaultEventPageSize = 100
	maxEventPageSize     = 500
)

// EventService serves the audit event chain.
type EventService struct {
	eventRepo *repository.EventRepository
}

// NewEventService creates a new event service
func NewEventService(eventRepo *repository.EventRepository) *EventService {
	return &EventService{eventRepo: eventRepo}
}

// List returns events after the given id in chain order. A limit outside
// [1, 500] falls back to the default page size.
func (s *EventService) List(afterID int64, limit int) ([]models.Event, error) {
	if limit < 1 || limit > maxEventPageSize {
		limit = defaultEventPageSize
	}
	events, err := s.eventRepo.List(afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	return events, nil
}

// VerifyChain recomputes the whole hash chain and reports any break.
func (s *EventService) VerifyChain() (*models.ChainVerification, error) {
	verification, err := s.eventRepo.VerifyChain()
	if err != nil {
		return nil, fmt.Errorf("failed to verify event chain: %w", err)
	}
	if !verification.Valid {
		slog.Warn("Event chain verification failed",
			"event_count", verification.EventCount,
			"problems", len(verification.Problems))
	}
	return verification, nil
}
