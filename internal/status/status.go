// Package status defines the overall health reported to operators.
package status

import (
	"fmt"
	"strings"
)

// Status orders from healthy to unusable; a larger value is worse.
type Status int

const (
	Ready Status = iota
	Degraded
	Error
	Fatal
)

var names = [...]string{"ready", "degraded", "error", "fatal"}

func (s Status) String() string {
	if s < Ready || s > Fatal {
		return fmt.Sprintf("Status(%d)", int(s))
	}
	return names[s]
}

// MarshalText encodes the status by name for JSON payloads.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a status name.
func (s *Status) UnmarshalText(b []byte) error {
	for i, n := range names {
		if strings.EqualFold(n, string(b)) {
			*s = Status(i)
			return nil
		}
	}
	return fmt.Errorf("unknown status %q", b)
}

// Worst returns the most severe of the given statuses, Ready for none.
func Worst(all ...Status) Status {
	out := Ready
	for _, s := range all {
		if s > out {
			out = s
		}
	}
	return out
}
