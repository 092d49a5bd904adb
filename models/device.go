package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// DeviceClass classifies a registered device. The wire values are the ones the broker
// stores: "windows" for desktop-class and "android" for mobile-class devices.
type DeviceClass string

const (
	DeviceClassUnknown DeviceClass = ""
	DeviceClassDesktop DeviceClass = "windows"
	DeviceClassMobile  DeviceClass = "android"
)

// ParseDeviceClass maps user or wire text onto a DeviceClass. "all" and the empty string
// mean "no filter" and return DeviceClassUnknown with a nil error.
func ParseDeviceClass(raw string) (DeviceClass, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "all":
		return DeviceClassUnknown, nil
	case "windows", "desktop", "desktop-class":
		return DeviceClassDesktop, nil
	case "android", "mobile", "mobile-class":
		return DeviceClassMobile, nil
	default:
		return DeviceClassUnknown, fmt.Errorf("unknown device class %q", raw)
	}
}

// String returns the human label for the class.
func (c DeviceClass) String() string {
	switch c {
	case DeviceClassDesktop:
		return "desktop-class"
	case DeviceClassMobile:
		return "mobile-class"
	default:
		return "unknown"
	}
}

// UnmarshalJSON accepts the broker's values and the class aliases. Unknown values decode
// to DeviceClassUnknown so a single odd record does not fail a whole device list.
func (c *DeviceClass) UnmarshalJSON(raw []byte) error {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return fmt.Errorf("decode device class: %w", err)
	}
	parsed, err := ParseDeviceClass(s)
	if err != nil {
		*c = DeviceClassUnknown
		return nil
	}
	*c = parsed
	return nil
}

// Device is a broker-registered endpoint. Records are only ever built from broker
// responses; the client never invents or deletes them.
type Device struct {
	ID            string      `json:"id"`
	Name          string      `json:"name"`
	Class         DeviceClass `json:"device_type"`
	Address       string      `json:"ip_address"`
	LastHeartbeat Timestamp   `json:"last_heartbeat"`
	Online        bool        `json:"is_online"`
}

// LastSeenText renders the heartbeat age the way device lists display it.
func (d Device) LastSeenText(now time.Time) string {
	if d.LastHeartbeat.IsZero() {
		return "Never"
	}
	age := now.Sub(d.LastHeartbeat.Time)
	if age < time.Minute {
		return "Just now"
	}
	return fmt.Sprintf("%dm ago", int(age.Minutes()))
}

// StatusText is "Online" or "Offline" as reported by the broker.
func (d Device) StatusText() string {
	if d.Online {
		return "Online"
	}
	return "Offline"
}

// CloneDevices returns an independent copy of a device slice. A nil input yields an
// empty, non-nil slice.
func CloneDevices(devices []Device) []Device {
	out := make([]Device, len(devices))
	copy(out, devices)
	return out
}
