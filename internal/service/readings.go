package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/septivank/field-readings/internal/anomaly"
	"github.com/septivank/field-readings/internal/config"
	"github.com/septivank/field-readings/internal/db"
	"github.com/septivank/field-readings/internal/logging"
	"github.com/septivank/field-readings/internal/metrics"
	"github.com/septivank/field-readings/internal/mq"
	"github.com/septivank/field-readings/internal/repository"
	"github.com/septivank/field-readings/internal/validator"
	"github.com/septivank/field-readings/tools/timeparser"
	"go.uber.org/zap"
)

// ReadingEntry is one reading of a batch
type ReadingEntry struct {
	MeterID string `json:"meterId"`
	AmrID   string `json:"amrId,omitempty"`
	Reading string `json:"reading"`
}

// Batch is a set of readings taken on one field visit
type Batch struct {
	CommunityID int64
	FieldUserID string
	ReadingDate string
	InputType   string
	Readings    []ReadingEntry
}

// SavedReading echoes one persisted entry
type SavedReading struct {
	MeterID         string  `json:"meterId"`
	Reading         string  `json:"reading"`
	ReadingDate     string  `json:"readingDate"`
	Success         bool    `json:"success"`
	Created         bool    `json:"created"`
	PreviousReading *string `json:"previousReading,omitempty"`
	Warning         string  `json:"warning,omitempty"`
}

// BatchResult is returned once a batch has committed
type BatchResult struct {
	Saved    int            `json:"saved"`
	Total    int            `json:"total"`
	Readings []SavedReading `json:"readings"`
	SavedAt  time.Time      `json:"savedAt"`
}

// QueuedBatch is the message body of a batch submitted through RabbitMQ
type QueuedBatch struct {
	RequestID   string         `json:"request_id"`
	FieldUserID string         `json:"field_user_id"`
	CommunityID int64          `json:"community_id"`
	ReadingDate string         `json:"reading_date"`
	InputType   string         `json:"input_type"`
	Readings    []ReadingEntry `json:"readings"`
}

// ReadingStore opens transactions over the current reading table
type ReadingStore interface {
	BeginReadingTx(ctx context.Context) (repository.ReadingTx, error)
}

// EventPublisher announces committed readings
type EventPublisher interface {
	PublishReadingSaved(ctx context.Context, event mq.ReadingSavedEvent, routingKey string) error
}

// ReadingService is the ingestion pipeline: it validates a batch and upserts
// every entry inside a single transaction.
type ReadingService struct {
	store     ReadingStore
	publisher EventPublisher
	detector  *anomaly.Detector
	validator *validator.Validator
	metrics   *metrics.Metrics
	cfg       *config.Config
	logger    *zap.Logger
	now       func() time.Time
}

// NewReadingService creates a new ingestion pipeline
func NewReadingService(
	store ReadingStore,
	publisher EventPublisher,
	detector *anomaly.Detector,
	validator *validator.Validator,
	m *metrics.Metrics,
	cfg *config.Config,
	logger *zap.Logger,
) *ReadingService {
	return &ReadingService{
		store:     store,
		publisher: publisher,
		detector:  detector,
		validator: validator,
		metrics:   m,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// SaveBatch persists all readings of a batch or none of them
func (s *ReadingService) SaveBatch(ctx context.Context, batch Batch) (*BatchResult, error) {
	reqLogger := logging.FromContext(ctx, s.logger).With(
		zap.Int64("community_id", batch.CommunityID),
		zap.String("field_user_id", batch.FieldUserID),
	)

	entries := make([]validator.EntryData, len(batch.Readings))
	for i, r := range batch.Readings {
		entries[i] = validator.EntryData{MeterID: r.MeterID, Reading: r.Reading}
	}

	readingDate, validationResult := s.validator.ValidateBatch(batch.ReadingDate, batch.InputType, entries)
	if !validationResult.IsValid {
		s.metrics.ReadingBatches.WithLabelValues(metrics.ResultRejected).Inc()
		reqLogger.Info("reading batch rejected", zap.String("reason", validationResult.Reason))
		return nil, &ValidationError{Reason: validationResult.Reason}
	}

	inputType := batch.InputType
	if inputType == "" {
		inputType = s.cfg.Readings.DefaultInputType
	}

	reqLogger.Info("saving reading batch",
		zap.Int("reading_count", len(batch.Readings)),
		zap.String("reading_date", timeparser.FormatDate(readingDate)),
	)

	tx, err := s.store.BeginReadingTx(ctx)
	if err != nil {
		s.metrics.ReadingBatches.WithLabelValues(metrics.ResultFailed).Inc()
		reqLogger.Error("failed to begin transaction", zap.Error(err))
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	saved := make([]SavedReading, 0, len(batch.Readings))
	amrIDs := make([]string, 0, len(batch.Readings))

	for _, entry := range batch.Readings {
		result, amrID, err := s.saveSingleReading(ctx, tx, entry, readingDate, inputType, reqLogger)
		if err != nil {
			s.metrics.ReadingBatches.WithLabelValues(metrics.ResultFailed).Inc()
			reqLogger.Error("failed to save reading",
				zap.Error(err),
				zap.String("meter_id", entry.MeterID),
			)
			return nil, err
		}
		saved = append(saved, *result)
		amrIDs = append(amrIDs, amrID)
	}

	// Commit transaction
	if err := tx.Commit(ctx); err != nil {
		s.metrics.ReadingBatches.WithLabelValues(metrics.ResultFailed).Inc()
		reqLogger.Error("failed to commit transaction", zap.Error(err))
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	savedAt := s.now().UTC()
	s.metrics.ReadingBatches.WithLabelValues(metrics.ResultSaved).Inc()
	s.metrics.ReadingsSaved.Add(float64(len(saved)))

	// Publish events after successful commit
	for i, r := range saved {
		event := mq.ReadingSavedEvent{
			EventID:     uuid.NewString(),
			CommunityID: batch.CommunityID,
			FieldUserID: batch.FieldUserID,
			MeterID:     r.MeterID,
			AmrID:       amrIDs[i],
			Reading:     r.Reading,
			ReadingDate: r.ReadingDate,
			InputType:   inputType,
			Created:     r.Created,
			SavedAt:     savedAt.Format(time.RFC3339),
		}
		if err := s.publisher.PublishReadingSaved(ctx, event, s.cfg.RabbitMQ.SavedRoutingKey); err != nil {
			// Log error but don't fail the committed batch
			reqLogger.Error("failed to publish event",
				zap.Error(err),
				zap.String("meter_id", r.MeterID),
			)
		}
	}

	reqLogger.Info("reading batch saved", zap.Int("saved", len(saved)))

	return &BatchResult{
		Saved:    len(saved),
		Total:    len(batch.Readings),
		Readings: saved,
		SavedAt:  savedAt,
	}, nil
}

// saveSingleReading upserts one entry and returns its echo and the amr id now stored.
func (s *ReadingService) saveSingleReading(
	ctx context.Context,
	tx repository.ReadingTx,
	entry ReadingEntry,
	readingDate time.Time,
	inputType string,
	logger *zap.Logger,
) (*SavedReading, string, error) {
	meterID := strings.TrimSpace(entry.MeterID)
	value := strings.TrimSpace(entry.Reading)

	var amrID *string
	if a := strings.TrimSpace(entry.AmrID); a != "" {
		amrID = &a
	}

	existing, err := tx.FindCurrentReading(ctx, meterID)
	if err != nil {
		return nil, "", fmt.Errorf("failed to look up reading for meter %s: %w", meterID, err)
	}

	result := &SavedReading{
		MeterID:     meterID,
		Reading:     value,
		ReadingDate: timeparser.FormatDate(readingDate),
		Success:     true,
	}

	var row db.CurrentReading
	var affected int64

	if existing != nil {
		row = *existing
		row.Reading = &value
		row.ReadingDate = readingDate
		row.InputType = &inputType
		// Keep the stored amr id when the field reader did not supply one
		if amrID != nil {
			row.AmrID = amrID
		}

		affected, err = tx.UpdateCurrentReading(ctx, &row)
		if err != nil {
			return nil, "", fmt.Errorf("failed to update reading for meter %s: %w", meterID, err)
		}

		result.PreviousReading = existing.Reading
		result.Warning = s.checkReading(existing.Reading, value)
		if result.Warning != "" {
			s.metrics.ReadingWarnings.Inc()
			logger.Warn("suspicious reading saved",
				zap.String("meter_id", meterID),
				zap.String("reading", value),
				zap.String("reason", result.Warning),
			)
		}
	} else {
		row = db.CurrentReading{
			MeterID:     meterID,
			AmrID:       amrID,
			Reading:     &value,
			ReadingDate: readingDate,
			InputType:   &inputType,
		}

		affected, err = tx.InsertCurrentReading(ctx, &row)
		if err != nil {
			return nil, "", fmt.Errorf("failed to insert reading for meter %s: %w", meterID, err)
		}
		result.Created = true
	}

	if affected == 0 {
		return nil, "", fmt.Errorf("failed to save reading for meter %s: %w", meterID, repository.ErrNoRowsAffected)
	}

	storedAmr := ""
	if row.AmrID != nil {
		storedAmr = *row.AmrID
	}

	return result, storedAmr, nil
}

func (s *ReadingService) checkReading(previous *string, current string) string {
	if previous == nil {
		return ""
	}
	prev, err := strconv.ParseFloat(strings.TrimSpace(*previous), 64)
	if err != nil {
		return ""
	}
	cur, err := strconv.ParseFloat(current, 64)
	if err != nil {
		return ""
	}
	if isAnomaly, reason := s.detector.CheckReading(prev, cur); isAnomaly {
		return reason
	}
	return ""
}

// ProcessMessage saves a batch received from the submit queue. Malformed and
// invalid batches are reported as permanent failures.
func (s *ReadingService) ProcessMessage(ctx context.Context, body []byte) error {
	var msg QueuedBatch
	if err := json.Unmarshal(body, &msg); err != nil {
		return fmt.Errorf("%w: failed to unmarshal batch: %w", mq.ErrPermanent, err)
	}

	if msg.RequestID == "" {
		msg.RequestID = uuid.NewString()
	}
	ctx = logging.IntoContext(ctx, logging.WithRequestID(s.logger, msg.RequestID))

	_, err := s.SaveBatch(ctx, Batch{
		CommunityID: msg.CommunityID,
		FieldUserID: msg.FieldUserID,
		ReadingDate: msg.ReadingDate,
		InputType:   msg.InputType,
		Readings:    msg.Readings,
	})
	if errors.Is(err, ErrValidation) {
		return fmt.Errorf("%w: %w", mq.ErrPermanent, err)
	}
	return err
}
