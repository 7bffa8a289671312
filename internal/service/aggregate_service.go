package service

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"veilrate/internal/models"
	"veilrate/internal/repository"
)

// AggregateService serves the public aggregate view of a subject.
type AggregateService struct {
	aggregateRepo *repository.SubjectAggregateRepository
}

// NewAggregateService creates a new aggregate service
func NewAggregateService(aggregateRepo *repository.SubjectAggregateRepository) *AggregateService {
	return &AggregateService{aggregateRepo: aggregateRepo}
}

// GetView returns the aggregate state for a subject. Subjects without any
// revealed rating have no aggregate row yet and report the zero view.
func (s *AggregateService) GetView(subjectID uuid.UUID) (*models.SubjectAggregateView, error) {
	agg, err := s.aggregateRepo.Get(subjectID)
	if errors.Is(err, repository.ErrSubjectNotFound) {
		return &models.SubjectAggregateView{
			SubjectID:       subjectID,
			TagFingerprints: []string{},
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load aggregate: %w", err)
	}

	fingerprints, err := s.aggregateRepo.GetFingerprints(subjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to load tag fingerprints: %w", err)
	}

	encoded := make([]string, 0, len(fingerprints))
	for _, fp := range fingerprints {
		encoded = append(encoded, hex.EncodeToString(fp))
	}

	return &models.SubjectAggregateView{
		SubjectID:         subjectID,
		Initialized:       len(agg.EncryptedScoreSum) > 0,
		EncryptedScoreSum: agg.EncryptedScoreSum,
		RatingCount:       agg.RatingCount,
		TagFingerprints:   encoded,
		LastRevealedSum:   agg.LastRevealedSum,
		LastRevealedAt:    agg.LastRevealedAt,
	}, nil
}
