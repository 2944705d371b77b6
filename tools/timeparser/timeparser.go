package timeparser

import (
	"fmt"
	"strings"
	"time"
)

// DateLayout is the canonical calendar date layout used on the wire and in storage.
const DateLayout = "2006-01-02"

// ParseReadingDate parses a caller-supplied reading date and truncates it to a
// UTC calendar date.
func ParseReadingDate(dateStr string) (time.Time, error) {
	dateStr = strings.TrimSpace(dateStr)
	if dateStr == "" {
		return time.Time{}, fmt.Errorf("empty reading date")
	}

	formats := []string{
		DateLayout,   // YYYY-MM-DD
		time.RFC3339, // Full timestamp from browsers
		"01/02/2006", // MM/DD/YYYY
	}

	var lastErr error
	for _, format := range formats {
		t, err := time.Parse(format, dateStr)
		if err == nil {
			return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
		}
		lastErr = err
	}

	return time.Time{}, fmt.Errorf("failed to parse reading date '%s': %w", dateStr, lastErr)
}

// FormatDate renders t as YYYY-MM-DD.
func FormatDate(t time.Time) string {
	return t.Format(DateLayout)
}
