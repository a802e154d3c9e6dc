package types

import (
	"encoding/json"
	"fmt"
)

type HealthStatus int

const (
	StatusUnknown HealthStatus = iota // Default value
	StatusUp
	StatusDown
)

func (s HealthStatus) String() string {
	switch s {
	case StatusUp:
		return "up"
	case StatusDown:
		return "down"
	default:
		return "unknown"
	}
}

func (s HealthStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *HealthStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	switch str {
	case "up":
		*s = StatusUp
	case "down":
		*s = StatusDown
	case "unknown", "":
		*s = StatusUnknown
	default:
		return fmt.Errorf("unknown health status %q", str)
	}
	return nil
}
