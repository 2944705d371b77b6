package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/septivank/field-readings/internal/logging"
	"github.com/septivank/field-readings/internal/metrics"
	"github.com/septivank/field-readings/internal/validator"
	"go.uber.org/zap"
)

// SortItem is one requested meter position
type SortItem struct {
	MeterID   string `json:"meterId"`
	SortOrder *int   `json:"fieldSortOrder"`
}

// SortResult summarises a reorder pass
type SortResult struct {
	Updated   int      `json:"updated"`
	Unmatched []string `json:"unmatched"`
	Failed    []string `json:"failed,omitempty"`
}

// SortWriter updates the display position of a meter
type SortWriter interface {
	UpdateMeterSortOrder(ctx context.Context, communityID int64, meterID string, sortOrder int) (int64, error)
}

// SortService persists meter ordering. Updates are applied one meter at a
// time without a surrounding transaction: a failure leaves earlier updates in
// place and the remaining items are still attempted.
type SortService struct {
	writer    SortWriter
	validator *validator.Validator
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// NewSortService creates a new sort persistence service
func NewSortService(writer SortWriter, validator *validator.Validator, m *metrics.Metrics, logger *zap.Logger) *SortService {
	return &SortService{writer: writer, validator: validator, metrics: m, logger: logger}
}

// SaveSortOrder applies items to the meters of a community. On partial failure
// the returned result still describes what was applied.
func (s *SortService) SaveSortOrder(ctx context.Context, communityID int64, items []SortItem) (*SortResult, error) {
	logger := logging.FromContext(ctx, s.logger).With(zap.Int64("community_id", communityID))

	data := make([]validator.SortData, len(items))
	for i, item := range items {
		data[i] = validator.SortData{MeterID: item.MeterID, SortOrder: item.SortOrder}
	}
	if result := s.validator.ValidateSortOrder(communityID, data); !result.IsValid {
		return nil, &ValidationError{Reason: result.Reason}
	}

	result := &SortResult{Unmatched: []string{}}
	var errs []error

	for _, item := range items {
		meterID := strings.TrimSpace(item.MeterID)
		affected, err := s.writer.UpdateMeterSortOrder(ctx, communityID, meterID, *item.SortOrder)
		switch {
		case err != nil:
			s.metrics.SortUpdates.WithLabelValues(metrics.ResultFailed).Inc()
			logger.Error("failed to update sort order", zap.Error(err), zap.String("meter_id", meterID))
			result.Failed = append(result.Failed, meterID)
			errs = append(errs, err)
		case affected == 0:
			s.metrics.SortUpdates.WithLabelValues("unmatched").Inc()
			result.Unmatched = append(result.Unmatched, meterID)
		default:
			s.metrics.SortUpdates.WithLabelValues(metrics.ResultSaved).Inc()
			result.Updated++
		}
	}

	if len(errs) > 0 {
		return result, fmt.Errorf("failed to update %d of %d meters: %w", len(errs), len(items), errors.Join(errs...))
	}

	logger.Info("sort order saved",
		zap.Int("updated", result.Updated),
		zap.Int("unmatched", len(result.Unmatched)),
	)
	return result, nil
}
