package orchestrator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// MaxKeep bounds the retention accepted from callers.
const MaxKeep = 3650

// Keep is a retention in days. Zero means "use the configured default".
// It decodes from a JSON number, a numeric string, or null.
type Keep int

func (k *Keep) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*k = 0
		return nil
	}
	raw := string(b)
	if len(b) > 0 && b[0] == '"' {
		if err := json.Unmarshal(b, &raw); err != nil {
			return err
		}
	}
	v, err := ParseKeep(raw)
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// ParseKeep parses a retention value. The empty string is zero.
func ParseKeep(s string) (Keep, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: keep must be an integer number of days, got %q", ErrInvalidRequest, s)
	}
	return Keep(n), nil
}

func (k Keep) validate() error {
	if k < 0 || k > MaxKeep {
		return fmt.Errorf("%w: keep must be between 0 and %d days (0 uses the default), got %d", ErrInvalidRequest, MaxKeep, int(k))
	}
	return nil
}
