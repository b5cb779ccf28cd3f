package store

import (
	"fmt"
	"time"
)

// scanTime scans a date column that may arrive as time.Time (postgres) or
// as text (sqlite expression columns, which lose their declared type under
// aggregates like MAX).
type scanTime struct {
	t time.Time
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Scan implements sql.Scanner.
func (s *scanTime) Scan(value any) error {
	switch v := value.(type) {
	case nil:
		s.t = time.Time{}
		return nil
	case time.Time:
		s.t = v.UTC()
		return nil
	case string:
		return s.parse(v)
	case []byte:
		return s.parse(string(v))
	default:
		return fmt.Errorf("store: cannot scan %T into time", value)
	}
}

func (s *scanTime) parse(v string) error {
	for _, layout := range timeLayouts {
		t, err := time.Parse(layout, v)
		if err == nil {
			s.t = t.UTC()
			return nil
		}
	}
	return fmt.Errorf("store: cannot parse time %q", v)
}

// Time returns the scanned value in UTC.
func (s *scanTime) Time() time.Time { return s.t }
