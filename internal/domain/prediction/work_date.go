package prediction

import (
	"fmt"
	"time"
)

// workDateLayout is the canonical wire and storage format for work dates.
const workDateLayout = "2006-01-02"

// WorkDate identifies the calendar day a batch covers. It carries no time
// component; two WorkDates are equal iff they name the same day in UTC.
type WorkDate struct {
	t time.Time
}

// NewWorkDate builds a WorkDate from any instant, truncating to the UTC day.
func NewWorkDate(t time.Time) WorkDate {
	u := t.UTC()
	return WorkDate{t: time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)}
}

// ParseWorkDate parses a WorkDate from its YYYY-MM-DD representation.
func ParseWorkDate(s string) (WorkDate, error) {
	t, err := time.Parse(workDateLayout, s)
	if err != nil {
		return WorkDate{}, fmt.Errorf("invalid work date %q: %w", s, err)
	}
	return WorkDate{t: t}, nil
}

func (d WorkDate) String() string  { return d.t.Format(workDateLayout) }
func (d WorkDate) Time() time.Time { return d.t }
func (d WorkDate) IsZero() bool    { return d.t.IsZero() }

// MarshalText implements encoding.TextMarshaler for JSON payloads.
func (d WorkDate) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler for JSON payloads.
func (d *WorkDate) UnmarshalText(b []byte) error {
	parsed, err := ParseWorkDate(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
