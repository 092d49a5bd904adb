package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDeviceDecodesBrokerRecord(t *testing.T) {
	raw := []byte(`{
		"id": "d3",
		"name": "Device-B",
		"device_type": "android",
		"ip_address": "10.0.0.9",
		"last_heartbeat": "2025-03-04T10:11:12.345678",
		"is_online": true
	}`)

	var device Device
	require.NoError(t, json.Unmarshal(raw, &device))
	require.Equal(t, "d3", device.ID)
	require.Equal(t, DeviceClassMobile, device.Class)
	require.Equal(t, "10.0.0.9", device.Address)
	require.True(t, device.Online)
	require.Equal(t, 2025, device.LastHeartbeat.Year())
	require.Equal(t, 345678000, device.LastHeartbeat.Nanosecond())
}

func TestDeviceClassAliases(t *testing.T) {
	cases := map[string]DeviceClass{
		`"mobile-class"`:  DeviceClassMobile,
		`"Mobile"`:        DeviceClassMobile,
		`"desktop-class"`: DeviceClassDesktop,
		`"windows"`:       DeviceClassDesktop,
		`"toaster"`:       DeviceClassUnknown,
	}
	for raw, want := range cases {
		var got DeviceClass
		require.NoError(t, json.Unmarshal([]byte(raw), &got), raw)
		require.Equal(t, want, got, raw)
	}

	filter, err := ParseDeviceClass("all")
	require.NoError(t, err)
	require.Equal(t, DeviceClassUnknown, filter)

	_, err = ParseDeviceClass("toaster")
	require.Error(t, err)
}

func TestTimestampNullAndEmptyAreNever(t *testing.T) {
	var device Device
	require.NoError(t, json.Unmarshal([]byte(`{"id":"d1","last_heartbeat":null}`), &device))
	require.True(t, device.LastHeartbeat.IsZero())
	require.Equal(t, "Never", device.LastSeenText(time.Now()))

	require.NoError(t, json.Unmarshal([]byte(`{"id":"d1","last_heartbeat":""}`), &device))
	require.True(t, device.LastHeartbeat.IsZero())

	var ts Timestamp
	require.Error(t, json.Unmarshal([]byte(`"yesterday"`), &ts))
}

func TestLastSeenText(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	device := Device{LastHeartbeat: Timestamp{now.Add(-20 * time.Second)}}
	require.Equal(t, "Just now", device.LastSeenText(now))

	device.LastHeartbeat = Timestamp{now.Add(-7*time.Minute - 5*time.Second)}
	require.Equal(t, "7m ago", device.LastSeenText(now))
}

func TestZonelessTimestampsReadAsLocalTime(t *testing.T) {
	saved := time.Local
	time.Local = time.FixedZone("UTC-5", -5*60*60)
	t.Cleanup(func() { time.Local = saved })

	const layout = "2006-01-02T15:04:05.000000"
	now := time.Now()

	var device Device
	raw := fmt.Sprintf(`{"id":"d1","last_heartbeat":%q}`, now.In(time.Local).Format(layout))
	require.NoError(t, json.Unmarshal([]byte(raw), &device))
	require.Less(t, now.Sub(device.LastHeartbeat.Time), time.Minute)
	require.Equal(t, "Just now", device.LastSeenText(now))

	raw = fmt.Sprintf(`{"id":"d1","last_heartbeat":%q}`, now.Add(-10*time.Minute-time.Second).In(time.Local).Format(layout))
	require.NoError(t, json.Unmarshal([]byte(raw), &device))
	require.Equal(t, "10m ago", device.LastSeenText(now))

	// An explicit offset wins over the local zone.
	require.NoError(t, json.Unmarshal([]byte(`{"id":"d1","last_heartbeat":"2025-03-04T10:11:12Z"}`), &device))
	require.Equal(t, time.Date(2025, 3, 4, 10, 11, 12, 0, time.UTC), device.LastHeartbeat.UTC())
}

func TestConnectionStatusParsing(t *testing.T) {
	status, err := ParseConnectionStatus("Connected")
	require.NoError(t, err)
	require.Equal(t, StatusConnected, status)
	require.Equal(t, "Connected", status.Title())

	_, err = ParseConnectionStatus("paused")
	require.True(t, errors.Is(err, ErrUnknownStatus))

	require.True(t, StatusRejected.Terminal())
	require.True(t, StatusDisconnected.Terminal())
	require.False(t, StatusPending.Terminal())
}

func TestConnectionDecodeAndOtherDevice(t *testing.T) {
	raw := []byte(`{
		"id": "c1",
		"windows_device_id": "d1",
		"android_device_id": "d2",
		"status": "pending",
		"initiated_by": "d1",
		"created_at": "2025-03-04T10:11:12",
		"updated_at": "2025-03-04T10:11:12",
		"other_device": {"id": "d2", "name": "Phone", "device_type": "android"}
	}`)

	var conn Connection
	require.NoError(t, json.Unmarshal(raw, &conn))
	require.NoError(t, conn.Validate())
	require.Equal(t, StatusPending, conn.Status)
	require.Equal(t, "d2", conn.OtherDeviceID("d1"))
	require.Equal(t, "d1", conn.OtherDeviceID("d2"))
	require.Equal(t, "Phone", conn.OtherDevice.Name)

	require.Error(t, json.Unmarshal([]byte(`{"id":"c1","status":"paused"}`), &conn))
}

func TestConnectionValidateRejectsSelfPairing(t *testing.T) {
	conn := Connection{ID: "c1", SideA: "d1", SideB: "d1"}
	require.Error(t, conn.Validate())
	require.Error(t, Connection{}.Validate())
}

func TestCloneConnectionsIsDeep(t *testing.T) {
	original := []Connection{{ID: "c1", OtherDevice: &Device{ID: "d2", Name: "Phone"}}}
	cloned := CloneConnections(original)
	cloned[0].OtherDevice.Name = "Changed"
	require.Equal(t, "Phone", original[0].OtherDevice.Name)

	require.NotNil(t, CloneConnections(nil))
	require.NotNil(t, CloneDevices(nil))
}
