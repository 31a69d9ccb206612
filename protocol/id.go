package protocol

import (
	"sort"
	"time"
)

// IDLayout is the time layout of canonical Snapshot IDs.
const IDLayout = "2006-01-02"

// ValidateID returns an error if |id| is not a canonical YYYY-MM-DD Snapshot ID.
func ValidateID(id string) error {
	if len(id) != len(IDLayout) {
		return NewValidationError("invalid length (%d; expected %d)", len(id), len(IDLayout))
	}
	if t, err := time.Parse(IDLayout, id); err != nil {
		return NewValidationError("not a YYYY-MM-DD date (%s)", id)
	} else if t.Format(IDLayout) != id {
		return NewValidationError("not canonical (%s)", id)
	}
	return nil
}

// ParseID returns the UTC date of a canonical Snapshot ID.
func ParseID(id string) (time.Time, error) {
	if err := ValidateID(id); err != nil {
		return time.Time{}, err
	}
	return time.Parse(IDLayout, id)
}

// IDForTime returns the Snapshot ID of the UTC date of |t|.
func IDForTime(t time.Time) string { return t.UTC().Format(IDLayout) }

// SortIDsDescending sorts |ids| newest-first. As canonical IDs are fixed-width
// dates, lexicographic order is chronological order.
func SortIDsDescending(ids []string) {
	sort.Sort(sort.Reverse(sort.StringSlice(ids)))
}
