package memory

import (
	"fmt"
	"time"
)

// The vector store serializes timestamps as ISO-8601 strings but some
// payload fields carry integer epochs; either way the supported range is
// bounded by 32-bit epoch arithmetic in the backend. Writes outside the
// range fail validation instead of silently wrapping.
var (
	minTimestamp = time.Date(1901, 12, 13, 20, 45, 52, 0, time.UTC)
	maxTimestamp = time.Date(2038, 1, 19, 3, 14, 7, 0, time.UTC)
)

// ValidateTimestamp rejects instants outside the storable range. The zero
// time is allowed; it means "unset" throughout the payload schema.
func ValidateTimestamp(t time.Time) error {
	if t.IsZero() {
		return nil
	}
	if t.Before(minTimestamp) || t.After(maxTimestamp) {
		return fmt.Errorf("%w: timestamp %s outside supported range [%s, %s]",
			ErrValidation, t.Format(time.RFC3339), minTimestamp.Format(time.RFC3339), maxTimestamp.Format(time.RFC3339))
	}
	return nil
}
