// Package protocol implements the envelope codec used on the broker's duplex channel.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"signik/broker"
	"signik/models"
)

// Envelope types carried in the "type" field of a channel frame.
const (
	TypeConnectionRequest      = "connectionRequest"
	TypeConnectionStatusUpdate = "connectionStatusUpdate"
	TypeConnectionRemoved      = "connectionRemoved"
	TypeSendStart              = "sendStart"
	TypeSignaturePreview       = "signaturePreview"
	TypeSignatureAccepted      = "signatureAccepted"
	TypeSignatureDeclined      = "signatureDeclined"
	TypeSignedComplete         = "signedComplete"
)

// Envelope is the generic message wrapper exchanged over the channel.
type Envelope struct {
	Type           string          `json:"type"`
	Name           string          `json:"name,omitempty"`
	Data           json.RawMessage `json:"data,omitempty"`
	DocID          string          `json:"doc_id,omitempty"`
	DeviceID       string          `json:"device_id,omitempty"`
	SenderDeviceID string          `json:"sender_device_id,omitempty"`
}

// Message is one decoded inbound frame. The concrete type is one of ConnectionRequest,
// ConnectionStatusUpdate, ConnectionRemoved or Unrecognized.
type Message interface {
	Kind() string
	envelope() Envelope
}

// ConnectionRequest announces that another device asked to pair with this one.
type ConnectionRequest struct {
	Envelope     Envelope
	ConnectionID string
	FromDevice   models.Device
}

// ConnectionStatusUpdate carries a broker-confirmed status change.
type ConnectionStatusUpdate struct {
	Envelope     Envelope
	ConnectionID string
	Status       models.ConnectionStatus
}

// ConnectionRemoved reports that the broker deleted a connection.
type ConnectionRemoved struct {
	Envelope     Envelope
	ConnectionID string
}

// Unrecognized is any well-formed envelope whose type is not handled here. Raw is the
// frame exactly as received.
type Unrecognized struct {
	Envelope Envelope
	Raw      json.RawMessage
}

func (m ConnectionRequest) Kind() string      { return TypeConnectionRequest }
func (m ConnectionStatusUpdate) Kind() string { return TypeConnectionStatusUpdate }
func (m ConnectionRemoved) Kind() string      { return TypeConnectionRemoved }
func (m Unrecognized) Kind() string           { return "unrecognized" }

func (m ConnectionRequest) envelope() Envelope      { return m.Envelope }
func (m ConnectionStatusUpdate) envelope() Envelope { return m.Envelope }
func (m ConnectionRemoved) envelope() Envelope      { return m.Envelope }
func (m Unrecognized) envelope() Envelope           { return m.Envelope }

// EnvelopeOf returns the envelope a message was decoded from.
func EnvelopeOf(m Message) Envelope {
	return m.envelope()
}

// fields resolves payload keys from data first and then from the envelope's top level.
type fields struct {
	data map[string]json.RawMessage
	top  map[string]json.RawMessage
}

func (f fields) lookup(key string) (json.RawMessage, bool) {
	if raw, ok := f.data[key]; ok && !isNull(raw) {
		return raw, true
	}
	if raw, ok := f.top[key]; ok && !isNull(raw) {
		return raw, true
	}
	return nil, false
}

func (f fields) str(key string) (string, error) {
	raw, ok := f.lookup(key)
	if !ok {
		return "", fmt.Errorf("missing %s", key)
	}
	var out string
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("%s is not a string", key)
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", fmt.Errorf("empty %s", key)
	}
	return out, nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// Decode parses one text frame. Errors wrap broker.ErrProtocol.
func Decode(frame []byte) (Message, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(frame, &top); err != nil {
		return nil, fmt.Errorf("%w: decode envelope: %w", broker.ErrProtocol, err)
	}
	if top == nil {
		return nil, fmt.Errorf("%w: envelope is not an object", broker.ErrProtocol)
	}

	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("%w: decode envelope fields: %w", broker.ErrProtocol, err)
	}
	env.Type = strings.TrimSpace(env.Type)
	if env.Type == "" {
		return nil, fmt.Errorf("%w: envelope has no type", broker.ErrProtocol)
	}

	f := fields{top: top}
	if len(env.Data) > 0 && !isNull(env.Data) {
		// A non-object data payload is fine for extension types; handled types check
		// their fields below.
		_ = json.Unmarshal(env.Data, &f.data)
	}

	switch env.Type {
	case TypeConnectionRequest:
		return decodeConnectionRequest(env, f)
	case TypeConnectionStatusUpdate:
		return decodeStatusUpdate(env, f)
	case TypeConnectionRemoved:
		id, err := f.str("connection_id")
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", broker.ErrProtocol, env.Type, err)
		}
		return ConnectionRemoved{Envelope: env, ConnectionID: id}, nil
	default:
		raw := make(json.RawMessage, len(frame))
		copy(raw, frame)
		return Unrecognized{Envelope: env, Raw: raw}, nil
	}
}

func decodeConnectionRequest(env Envelope, f fields) (Message, error) {
	id, err := f.str("connection_id")
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", broker.ErrProtocol, env.Type, err)
	}
	raw, ok := f.lookup("from_device")
	if !ok {
		return nil, fmt.Errorf("%w: %s: missing from_device", broker.ErrProtocol, env.Type)
	}
	var device models.Device
	if err := json.Unmarshal(raw, &device); err != nil {
		return nil, fmt.Errorf("%w: %s: decode from_device: %w", broker.ErrProtocol, env.Type, err)
	}
	if strings.TrimSpace(device.ID) == "" {
		return nil, fmt.Errorf("%w: %s: from_device has no id", broker.ErrProtocol, env.Type)
	}
	return ConnectionRequest{Envelope: env, ConnectionID: id, FromDevice: device}, nil
}

func decodeStatusUpdate(env Envelope, f fields) (Message, error) {
	id, err := f.str("connection_id")
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", broker.ErrProtocol, env.Type, err)
	}
	text, err := f.str("status")
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", broker.ErrProtocol, env.Type, err)
	}
	status, err := models.ParseConnectionStatus(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", broker.ErrProtocol, env.Type, err)
	}
	return ConnectionStatusUpdate{Envelope: env, ConnectionID: id, Status: status}, nil
}

// Encode serializes an outbound envelope. The type is required.
func Encode(env Envelope) ([]byte, error) {
	if strings.TrimSpace(env.Type) == "" {
		return nil, broker.Invariant("envelope type is required")
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return payload, nil
}

// TransferInfo describes the binary frame that follows a sendStart envelope.
type TransferInfo struct {
	TransferID string `json:"transfer_id"`
	Size       int    `json:"size"`
	Checksum   string `json:"checksum"`
}

// SendStart builds the control envelope announcing a binary payload named name for the
// device targetDeviceID.
func SendStart(name, targetDeviceID, senderDeviceID, docID string, info TransferInfo) (Envelope, error) {
	if strings.TrimSpace(name) == "" {
		return Envelope{}, broker.Invariant("transfer name is required")
	}
	data, err := json.Marshal(info)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode transfer info: %w", err)
	}
	return Envelope{
		Type:           TypeSendStart,
		Name:           name,
		Data:           data,
		DocID:          docID,
		DeviceID:       targetDeviceID,
		SenderDeviceID: senderDeviceID,
	}, nil
}

// TransferInfoOf extracts transfer metadata from a sendStart envelope. ok is false for
// senders that do not annotate their transfers.
func TransferInfoOf(env Envelope) (TransferInfo, bool) {
	if env.Type != TypeSendStart || len(env.Data) == 0 {
		return TransferInfo{}, false
	}
	var info TransferInfo
	if err := json.Unmarshal(env.Data, &info); err != nil || info.TransferID == "" {
		return TransferInfo{}, false
	}
	return info, true
}
