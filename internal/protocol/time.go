package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cast"
)

// millisThreshold separates unix seconds from unix milliseconds in numeric
// timestamps.
const millisThreshold = 1e12

// Time is a timestamp that decodes from RFC 3339 strings, other common
// layouts, or unix seconds/milliseconds, and encodes as RFC 3339.
type Time struct {
	time.Time
}

// At wraps t.
func At(t time.Time) Time { return Time{Time: t.UTC()} }

func (t Time) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

func (t *Time) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) || bytes.Equal(b, []byte(`""`)) {
		t.Time = time.Time{}
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		parsed, err := cast.ToTimeE(s)
		if err != nil {
			return fmt.Errorf("parse timestamp %q: %w", s, err)
		}
		t.Time = parsed.UTC()
		return nil
	}
	n, err := cast.ToInt64E(string(b))
	if err != nil {
		f, ferr := cast.ToFloat64E(string(b))
		if ferr != nil {
			return fmt.Errorf("parse timestamp %s: %w", b, err)
		}
		n = int64(f)
	}
	if n >= millisThreshold {
		t.Time = time.UnixMilli(n).UTC()
	} else {
		t.Time = time.Unix(n, 0).UTC()
	}
	return nil
}
