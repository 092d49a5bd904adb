package session

import (
	"signik/broker"
	"signik/models"
	"signik/protocol"
)

func (s *Session) receiveLoop() {
	var cause error
	for {
		frame, err := s.channel.Read()
		if err != nil {
			// A read failing after cancellation is our own Close, not a fault.
			if s.ctx.Err() == nil {
				cause = err
			}
			break
		}
		s.dispatch(frame)
	}

	s.wg.Done()
	s.closeWithError(cause)
}

// dispatch handles one inbound frame. A frame that cannot be used is logged and
// dropped; it never ends the session.
func (s *Session) dispatch(frame broker.Frame) {
	if frame.Binary {
		s.metrics.framesReceived.WithLabelValues("binary").Inc()
		payload := make([]byte, len(frame.Data))
		copy(payload, frame.Data)
		s.bus.publish(Event{Type: EventBinaryReceived, Binary: payload})
		return
	}

	msg, err := protocol.Decode(frame.Data)
	if err != nil {
		s.metrics.framesReceived.WithLabelValues("invalid").Inc()
		s.drop(dropDecode)
		s.log.Warn().Err(err).Int("size", len(frame.Data)).Msg("dropping undecodable frame")
		return
	}
	s.metrics.framesReceived.WithLabelValues(msg.Kind()).Inc()

	switch m := msg.(type) {
	case protocol.ConnectionRequest:
		s.handleConnectionRequest(m)
	case protocol.ConnectionStatusUpdate:
		s.handleStatusUpdate(m)
	case protocol.ConnectionRemoved:
		s.machine.Remove(m.ConnectionID)
		s.bus.publish(Event{Type: EventConnectionRemoved, ConnectionID: m.ConnectionID})
	case protocol.Unrecognized:
		s.bus.publish(Event{Type: EventMessageReceived, Envelope: m.Envelope, Raw: m.Raw})
	}
}

func (s *Session) handleConnectionRequest(m protocol.ConnectionRequest) {
	from := m.FromDevice
	sideA, sideB := pairSides(s.client.DeviceClass(), s.deviceID, from.ID, from.Class)
	conn, changed, err := s.machine.Begin(models.Connection{
		ID:          m.ConnectionID,
		SideA:       sideA,
		SideB:       sideB,
		Status:      models.StatusPending,
		InitiatorID: from.ID,
		OtherDevice: &from,
	})
	if err != nil {
		s.drop(dropInvalidTransition)
		s.log.Warn().Err(err).Str("connection_id", m.ConnectionID).Msg("dropping connection request")
		return
	}
	if !changed {
		s.log.Debug().Str("connection_id", m.ConnectionID).Msg("duplicate connection request ignored")
		return
	}
	s.log.Info().
		Str("connection_id", conn.ID).
		Str("from_device", from.ID).
		Str("from_name", from.Name).
		Msg("connection requested")
	s.bus.publish(Event{Type: EventConnectionRequested, Connection: conn, ConnectionID: conn.ID})
}

func (s *Session) handleStatusUpdate(m protocol.ConnectionStatusUpdate) {
	if _, ok := s.machine.Get(m.ConnectionID); !ok {
		s.drop(dropUntracked)
		s.log.Warn().
			Str("connection_id", m.ConnectionID).
			Str("status", string(m.Status)).
			Msg("status update for untracked connection, waiting for refresh")
		return
	}

	conn, changed, err := s.machine.Transition(m.ConnectionID, m.Status)
	if err != nil {
		s.drop(dropInvalidTransition)
		return
	}
	if !changed {
		return
	}
	s.bus.publish(Event{Type: EventConnectionStatusUpdated, Connection: conn, ConnectionID: conn.ID})
}

func (s *Session) drop(reason string) {
	s.metrics.framesDropped.WithLabelValues(reason).Inc()
}
