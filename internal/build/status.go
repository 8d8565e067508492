package build

import (
	"fmt"
	"strings"
)

// Status is the lifecycle state of a build. Pending and Running are active;
// Succeeded and Failed are terminal and absorbing.
type Status int

const (
	StatusPending Status = iota
	StatusRunning
	StatusSucceeded
	StatusFailed
)

var statusNames = [...]string{"pending", "running", "succeeded", "failed"}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("status(%d)", int(s))
	}
	return statusNames[s]
}

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// ParseStatus converts a status name back to a Status.
func ParseStatus(raw string) (Status, error) {
	for i, name := range statusNames {
		if strings.EqualFold(raw, name) {
			return Status(i), nil
		}
	}
	return StatusPending, fmt.Errorf("unknown build status %q", raw)
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	parsed, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Platform identifies the destination a build targets.
type Platform struct {
	Name      string `json:"name"`
	OS        string `json:"os,omitempty"`
	RuntimeID string `json:"runtime_id,omitempty"`
	DeviceID  string `json:"device_id,omitempty"`
}

// IsZero reports whether no platform was chosen.
func (p Platform) IsZero() bool { return p == Platform{} }

func (p Platform) String() string {
	if p.OS == "" {
		return p.Name
	}
	return p.Name + " (" + p.OS + ")"
}

// Destination renders the platform as an xcodebuild -destination value.
func (p Platform) Destination() string {
	if p.DeviceID != "" {
		return "id=" + p.DeviceID
	}
	dest := "platform=iOS Simulator,name=" + p.Name
	if v, ok := strings.CutPrefix(p.OS, "iOS "); ok {
		dest += ",OS=" + v
	}
	return dest
}
