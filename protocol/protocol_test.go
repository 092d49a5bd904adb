package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"signik/broker"
	"signik/models"
)

func TestDecodeConnectionRequestFromData(t *testing.T) {
	frame := []byte(`{"type":"connectionRequest","data":{"connection_id":"c2","from_device":{"id":"d3","name":"Device-B","device_type":"mobile-class","ip_address":"10.0.0.9"}}}`)

	msg, err := Decode(frame)
	require.NoError(t, err)

	req, ok := msg.(ConnectionRequest)
	require.True(t, ok, "got %T", msg)
	require.Equal(t, "c2", req.ConnectionID)
	require.Equal(t, "d3", req.FromDevice.ID)
	require.Equal(t, "Device-B", req.FromDevice.Name)
	require.Equal(t, models.DeviceClassMobile, req.FromDevice.Class)
	require.Equal(t, TypeConnectionRequest, msg.Kind())
}

func TestDecodeReadsTopLevelFields(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"connectionStatusUpdate","connection_id":"c1","status":"connected"}`))
	require.NoError(t, err)
	update, ok := msg.(ConnectionStatusUpdate)
	require.True(t, ok)
	require.Equal(t, "c1", update.ConnectionID)
	require.Equal(t, models.StatusConnected, update.Status)

	msg, err = Decode([]byte(`{"type":"connectionRequest","connection_id":"c9","from_device":{"id":"d4","name":"Tab","device_type":"android","ip_address":"10.0.0.4","last_heartbeat":"2025-07-01T10:00:00.123456","is_online":true}}`))
	require.NoError(t, err)
	req, ok := msg.(ConnectionRequest)
	require.True(t, ok)
	require.Equal(t, "c9", req.ConnectionID)
	require.True(t, req.FromDevice.Online)
	require.False(t, req.FromDevice.LastHeartbeat.IsZero())
}

func TestDecodeDataTakesPrecedence(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"connectionRemoved","connection_id":"top","data":{"connection_id":"inner"}}`))
	require.NoError(t, err)
	require.Equal(t, ConnectionRemoved{
		Envelope:     EnvelopeOf(msg),
		ConnectionID: "inner",
	}, msg)
}

func TestDecodeStatusIsCaseInsensitive(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"connectionStatusUpdate","data":{"connection_id":"c1","status":"Rejected"}}`))
	require.NoError(t, err)
	require.Equal(t, models.StatusRejected, msg.(ConnectionStatusUpdate).Status)
}

func TestDecodeMalformedFrames(t *testing.T) {
	cases := map[string]string{
		"not json":             `{"type":`,
		"array":                `[1,2]`,
		"null":                 `null`,
		"missing type":         `{"data":{}}`,
		"request missing id":   `{"type":"connectionRequest","data":{"from_device":{"id":"d3"}}}`,
		"request no device":    `{"type":"connectionRequest","data":{"connection_id":"c1"}}`,
		"request device no id": `{"type":"connectionRequest","data":{"connection_id":"c1","from_device":{"name":"x"}}}`,
		"request device wrong": `{"type":"connectionRequest","data":{"connection_id":"c1","from_device":"d3"}}`,
		"status unknown":       `{"type":"connectionStatusUpdate","data":{"connection_id":"c1","status":"paused"}}`,
		"status missing":       `{"type":"connectionStatusUpdate","data":{"connection_id":"c1"}}`,
		"status id not string": `{"type":"connectionStatusUpdate","data":{"connection_id":7,"status":"connected"}}`,
		"removed empty id":     `{"type":"connectionRemoved","data":{"connection_id":""}}`,
		"removed null id":      `{"type":"connectionRemoved","data":{"connection_id":null}}`,
	}
	for name, frame := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(frame))
			require.Error(t, err)
			require.True(t, errors.Is(err, broker.ErrProtocol), "error %v does not wrap ErrProtocol", err)
		})
	}
}

func TestDecodeUnknownTypeIsUnrecognized(t *testing.T) {
	frame := []byte(`{"type":"signaturePreview","doc_id":"doc-1","data":"opaque","sender_device_id":"d3"}`)
	msg, err := Decode(frame)
	require.NoError(t, err)

	other, ok := msg.(Unrecognized)
	require.True(t, ok)
	require.Equal(t, TypeSignaturePreview, other.Envelope.Type)
	require.Equal(t, "doc-1", other.Envelope.DocID)
	require.Equal(t, "d3", other.Envelope.SenderDeviceID)
	require.JSONEq(t, string(frame), string(other.Raw))

	frame[0] = ' '
	require.NotEqual(t, frame[0], other.Raw[0], "Raw must not alias the input frame")
}

func TestEnvelopeTypesMatchWireNames(t *testing.T) {
	cases := map[string]string{
		TypeConnectionRequest:      "connectionRequest",
		TypeConnectionStatusUpdate: "connectionStatusUpdate",
		TypeConnectionRemoved:      "connectionRemoved",
		TypeSendStart:              "sendStart",
		TypeSignaturePreview:       "signaturePreview",
		TypeSignatureAccepted:      "signatureAccepted",
		TypeSignatureDeclined:      "signatureDeclined",
		TypeSignedComplete:         "signedComplete",
	}
	for typ, wire := range cases {
		payload, err := Encode(Envelope{Type: typ})
		require.NoError(t, err, typ)
		require.JSONEq(t, `{"type":"`+wire+`"}`, string(payload), typ)
	}
}

func TestEncodeRequiresType(t *testing.T) {
	_, err := Encode(Envelope{Name: "x"})
	require.ErrorIs(t, err, broker.ErrInvariantViolation)

	payload, err := Encode(Envelope{Type: "hello", DeviceID: "d2"})
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"hello","device_id":"d2"}`, string(payload))
}

func TestSendStartCarriesTransferInfo(t *testing.T) {
	info := TransferInfo{TransferID: "t-1", Size: 3, Checksum: "abc"}
	env, err := SendStart("contract.pdf", "d2", "d1", "", info)
	require.NoError(t, err)

	payload, err := Encode(env)
	require.NoError(t, err)

	var wire map[string]any
	require.NoError(t, json.Unmarshal(payload, &wire))
	require.Equal(t, "sendStart", wire["type"])
	require.Equal(t, "contract.pdf", wire["name"])
	require.Equal(t, "d2", wire["device_id"])
	require.Equal(t, "d1", wire["sender_device_id"])
	require.NotContains(t, wire, "doc_id")

	msg, err := Decode(payload)
	require.NoError(t, err)
	got, ok := TransferInfoOf(EnvelopeOf(msg))
	require.True(t, ok)
	require.Equal(t, info, got)

	_, err = SendStart(" ", "d2", "d1", "", info)
	require.ErrorIs(t, err, broker.ErrInvariantViolation)
}

func TestTransferInfoOfIgnoresPlainSendStart(t *testing.T) {
	_, ok := TransferInfoOf(Envelope{Type: TypeSendStart, Name: "a.pdf"})
	require.False(t, ok)
	_, ok = TransferInfoOf(Envelope{Type: "other", Data: json.RawMessage(`{"transfer_id":"x"}`)})
	require.False(t, ok)
}
