package ingest

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"gradesync/backend/internal/shared"
)

var dateLayouts = []string{
	"2006-1-2", // YYYY-MM-DD
	"2-1-2006", // DD-MM-YYYY
	time.RFC3339,
}

// ParseDate accepts YYYY-MM-DD or DD-MM-YYYY with dash or dot separators,
// and full RFC 3339 timestamps. Dates are midnight UTC.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if !strings.Contains(s, "T") {
		s = strings.ReplaceAll(s, ".", "-")
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}

// ParseScore reads a decimal score ("6,5" and "6.5" are equal) and checks
// the allowed range.
func ParseScore(s string) (float64, bool) {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", ".")
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	if f < shared.MinScore || f > shared.MaxScore {
		return 0, false
	}
	return f, true
}
