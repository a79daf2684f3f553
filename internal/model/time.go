package model

import (
	"fmt"
	"strings"
	"time"
)

// timeLayout is fixed-width so that encoded timestamps order
// lexicographically the same way they order chronologically. Document
// queries sort on the encoded value in both store implementations.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Time is a document timestamp. It always encodes in UTC with a
// fixed-width layout.
type Time struct {
	time.Time
}

// Now returns the current time as a document timestamp.
func Now() Time {
	return Time{time.Now().UTC()}
}

// NewTime wraps t as a document timestamp.
func NewTime(t time.Time) Time {
	return Time{t.UTC()}
}

func (t Time) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte(`""`), nil
	}
	return []byte(`"` + t.UTC().Format(timeLayout) + `"`), nil
}

func (t *Time) UnmarshalJSON(data []byte) error {
	raw := strings.Trim(string(data), `"`)
	if raw == "" || raw == "null" {
		t.Time = time.Time{}
		return nil
	}
	parsed, err := time.Parse(timeLayout, raw)
	if err != nil {
		// Accept plain RFC3339 for documents written by other clients.
		parsed, err = time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return fmt.Errorf("parse timestamp %q: %w", raw, err)
		}
	}
	t.Time = parsed.UTC()
	return nil
}
