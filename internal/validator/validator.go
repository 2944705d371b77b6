package validator

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/septivank/field-readings/internal/db"
	"github.com/septivank/field-readings/tools/timeparser"
)

// decimalPattern accepts plain decimal notation with an optional exponent.
// Hex floats and the NaN/Inf spellings strconv understands are not readings.
var decimalPattern = regexp.MustCompile(`^[+-]?(\d+\.?\d*|\.\d+)([eE][+-]?\d+)?$`)

// ValidationResult holds validation outcome
type ValidationResult struct {
	IsValid bool
	Reason  string
}

// EntryData represents a single submitted reading
type EntryData struct {
	MeterID string
	Reading string
}

// SortData represents a single requested meter position
type SortData struct {
	MeterID   string
	SortOrder *int
}

// Validator checks submissions before anything is written
type Validator struct {
	allowedInputTypes map[string]bool
}

// NewValidator creates a validator accepting the known input types
func NewValidator() *Validator {
	return &Validator{
		allowedInputTypes: map[string]bool{
			db.InputTypeField:  true,
			db.InputTypeManual: true,
		},
	}
}

func invalid(format string, args ...any) ValidationResult {
	return ValidationResult{IsValid: false, Reason: fmt.Sprintf(format, args...)}
}

// ValidateBatch validates a whole reading batch and returns the parsed reading date.
// The first failing check rejects the batch.
func (v *Validator) ValidateBatch(readingDate string, inputType string, entries []EntryData) (time.Time, ValidationResult) {
	if len(entries) == 0 {
		return time.Time{}, invalid("readings array is required and cannot be empty")
	}

	if strings.TrimSpace(readingDate) == "" {
		return time.Time{}, invalid("reading date is required")
	}

	date, err := timeparser.ParseReadingDate(readingDate)
	if err != nil {
		return time.Time{}, invalid("invalid reading date: %v", err)
	}

	if inputType != "" && !v.allowedInputTypes[inputType] {
		return time.Time{}, invalid("unsupported input type %q", inputType)
	}

	for i, entry := range entries {
		if strings.TrimSpace(entry.MeterID) == "" {
			return time.Time{}, invalid("meter ID is required for each reading (entry %d)", i+1)
		}

		value := strings.TrimSpace(entry.Reading)
		if value == "" {
			return time.Time{}, invalid("reading value is required for meter %s", entry.MeterID)
		}
		if !isDecimal(value) {
			return time.Time{}, invalid("invalid reading value %q for meter %s", entry.Reading, entry.MeterID)
		}
	}

	return date, ValidationResult{IsValid: true}
}

// ValidateSortOrder validates a reorder request
func (v *Validator) ValidateSortOrder(communityID int64, items []SortData) ValidationResult {
	if communityID <= 0 {
		return invalid("missing or invalid communityId")
	}

	for i, item := range items {
		if strings.TrimSpace(item.MeterID) == "" {
			return invalid("meter ID is required for each sort entry (entry %d)", i+1)
		}
		if item.SortOrder == nil {
			return invalid("fieldSortOrder is required for meter %s", item.MeterID)
		}
		if *item.SortOrder < 0 {
			return invalid("fieldSortOrder must not be negative for meter %s", item.MeterID)
		}
		if *item.SortOrder > math.MaxInt32 {
			return invalid("fieldSortOrder is out of range for meter %s", item.MeterID)
		}
	}

	return ValidationResult{IsValid: true}
}

func isDecimal(value string) bool {
	if !decimalPattern.MatchString(value) {
		return false
	}
	f, err := strconv.ParseFloat(value, 64)
	return err == nil && !math.IsNaN(f) && !math.IsInf(f, 0)
}
