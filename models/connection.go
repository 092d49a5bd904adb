package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ConnectionStatus is the lifecycle state of a pairing between two devices.
type ConnectionStatus string

const (
	StatusPending      ConnectionStatus = "pending"
	StatusConnected    ConnectionStatus = "connected"
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusRejected     ConnectionStatus = "rejected"
)

// ErrUnknownStatus indicates a status string outside the closed set.
var ErrUnknownStatus = errors.New("models: unknown connection status")

// ParseConnectionStatus maps wire text onto a ConnectionStatus, case-insensitively.
func ParseConnectionStatus(raw string) (ConnectionStatus, error) {
	switch ConnectionStatus(strings.ToLower(strings.TrimSpace(raw))) {
	case StatusPending:
		return StatusPending, nil
	case StatusConnected:
		return StatusConnected, nil
	case StatusDisconnected:
		return StatusDisconnected, nil
	case StatusRejected:
		return StatusRejected, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownStatus, raw)
	}
}

// Terminal reports whether no further transition is possible from s.
func (s ConnectionStatus) Terminal() bool {
	return s == StatusRejected || s == StatusDisconnected
}

// Title returns the capitalized display form ("Pending", "Connected", ...).
func (s ConnectionStatus) Title() string {
	if s == "" {
		return ""
	}
	return strings.ToUpper(string(s[:1])) + string(s[1:])
}

// UnmarshalJSON rejects statuses outside the closed set.
func (s *ConnectionStatus) UnmarshalJSON(raw []byte) error {
	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		return fmt.Errorf("decode connection status: %w", err)
	}
	parsed, err := ParseConnectionStatus(text)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Connection is a pairing between exactly two devices. SideA carries the desktop-class
// participant and SideB the mobile-class one, matching the broker's record layout.
type Connection struct {
	ID          string           `json:"id"`
	SideA       string           `json:"windows_device_id"`
	SideB       string           `json:"android_device_id"`
	Status      ConnectionStatus `json:"status"`
	InitiatorID string           `json:"initiated_by"`
	CreatedAt   Timestamp        `json:"created_at"`
	UpdatedAt   Timestamp        `json:"updated_at"`

	// OtherDevice is the participant that is not the local device, resolved when the
	// connection was materialized. It is a view, not an owned record.
	OtherDevice *Device `json:"other_device,omitempty"`
}

// Validate checks structural invariants.
func (c Connection) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return errors.New("connection id is required")
	}
	if c.SideA != "" && c.SideA == c.SideB {
		return fmt.Errorf("connection %q pairs device %q with itself", c.ID, c.SideA)
	}
	return nil
}

// OtherDeviceID returns the participant id that is not localDeviceID. It falls back to
// OtherDevice when the side ids are not populated.
func (c Connection) OtherDeviceID(localDeviceID string) string {
	switch localDeviceID {
	case c.SideA:
		if c.SideB != "" {
			return c.SideB
		}
	case c.SideB:
		if c.SideA != "" {
			return c.SideA
		}
	}
	if c.OtherDevice != nil {
		return c.OtherDevice.ID
	}
	return ""
}

// Clone returns a deep copy so callers can hand out snapshots safely.
func (c Connection) Clone() Connection {
	out := c
	if c.OtherDevice != nil {
		other := *c.OtherDevice
		out.OtherDevice = &other
	}
	return out
}

// CloneConnections deep-copies a connection slice. A nil input yields an empty slice.
func CloneConnections(connections []Connection) []Connection {
	out := make([]Connection, len(connections))
	for i := range connections {
		out[i] = connections[i].Clone()
	}
	return out
}
