package simulator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	foundationerrors "git.home.luguber.info/inful/ciagent/internal/foundation/errors"
	"git.home.luguber.info/inful/ciagent/internal/runner"
)

// Device is one simulator device reported by `simctl list -j devices`.
type Device struct {
	UDID        string `json:"udid"`
	Name        string `json:"name"`
	State       string `json:"state"`
	IsAvailable bool   `json:"isAvailable"`
	Runtime     string `json:"runtime"`
}

// OS returns a readable OS version derived from the runtime identifier,
// e.g. "iOS 17.5" for com.apple.CoreSimulator.SimRuntime.iOS-17-5.
func (d Device) OS() string {
	rt := d.Runtime[strings.LastIndex(d.Runtime, ".")+1:]
	name, version, ok := strings.Cut(rt, "-")
	if !ok {
		return rt
	}
	return name + " " + strings.ReplaceAll(version, "-", ".")
}

// ParseDeviceList decodes simctl JSON output into devices sorted by runtime and name.
func ParseDeviceList(data []byte) ([]Device, error) {
	var doc struct {
		Devices map[string][]Device `json:"devices"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode simctl device list: %w", err)
	}
	var out []Device
	for runtimeID, devices := range doc.Devices {
		for _, d := range devices {
			d.Runtime = runtimeID
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Runtime != out[j].Runtime {
			return out[i].Runtime < out[j].Runtime
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// ListDevices returns the available simulator devices.
func ListDevices(ctx context.Context, r runner.Runner, xcrun string) ([]Device, error) {
	var stdout strings.Builder
	res, err := r.Run(ctx, runner.Command{
		Name: xcrun,
		Args: []string{"simctl", "list", "-j", "devices", "available"},
	}, func(l runner.Line) {
		if l.Stream == runner.Stdout {
			stdout.WriteString(l.Text)
			stdout.WriteByte('\n')
		}
	})
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, foundationerrors.NewError(foundationerrors.CategorySession, "simctl list failed").
			WithContext("exit_code", res.ExitCode).
			WithContext("stderr", strings.TrimSpace(res.ErrorOutput)).
			Build()
	}
	return ParseDeviceList([]byte(stdout.String()))
}

// resolveDevice returns DeviceID or picks the first available device of the
// session platform under the session runtime.
func (s *Session) resolveDevice(ctx context.Context) (string, error) {
	if s.DeviceID != "" {
		return s.DeviceID, nil
	}
	devices, err := ListDevices(ctx, s.Runner, s.xcrun())
	if err != nil {
		return "", err
	}
	prefix := s.Platform.deviceName()
	for _, d := range devices {
		if d.Runtime == s.SDK && d.IsAvailable && strings.HasPrefix(d.Name, prefix) {
			return d.UDID, nil
		}
	}
	return "", foundationerrors.NewError(foundationerrors.CategorySession, "no available device for runtime").
		WithContext("sdk", s.SDK).
		WithContext("platform", s.Platform.String()).
		Build()
}
