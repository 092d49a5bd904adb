// Package session is the live handle a presentation layer holds for one registered
// device: the open duplex channel, the inbound dispatcher, the refresh and heartbeat
// scheduler, and the commands that act on connections.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"signik/broker"
	"signik/connection"
	"signik/crypto"
	"signik/models"
	"signik/protocol"
)

// DefaultEventBuffer is the delivery queue capacity.
const DefaultEventBuffer = 1024

var errSessionClosed = fmt.Errorf("%w: session closed", broker.ErrTransportUnavailable)

// Options configures a Session.
type Options struct {
	RefreshInterval   time.Duration
	HeartbeatInterval time.Duration

	// DeviceClassFilter restricts the refreshed device lists. Unknown means no filter.
	DeviceClassFilter models.DeviceClass

	EventBuffer int
	Channel     broker.ChannelOptions

	// Backend replaces the client for scheduled refresh and heartbeat calls.
	Backend Backend
	Metrics *Metrics
	Logger  zerolog.Logger
}

func (o Options) withDefaults() Options {
	out := o
	if out.RefreshInterval <= 0 {
		out.RefreshInterval = DefaultRefreshInterval
	}
	if out.HeartbeatInterval <= 0 {
		out.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if out.EventBuffer <= 0 {
		out.EventBuffer = DefaultEventBuffer
	}
	if out.Metrics == nil {
		out.Metrics = NewMetrics(nil)
	}
	return out
}

// Session is one open broker session. All methods are safe for concurrent use.
type Session struct {
	client   *broker.Client
	backend  Backend
	deviceID string
	options  Options
	log      zerolog.Logger
	metrics  *Metrics

	channel *broker.Channel
	machine *connection.Machine
	bus     *bus

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
	done      chan struct{}
	errMu     sync.Mutex
	err       error

	snapMu   sync.RWMutex
	snapshot Snapshot

	refreshRequests chan refreshRequest
}

// Open connects the duplex channel for deviceID and starts the receive loop and the
// scheduler. deviceID must be the id client registered under.
func Open(ctx context.Context, client *broker.Client, deviceID string, options Options) (*Session, error) {
	opts := options.withDefaults()

	if client == nil {
		return nil, broker.Invariant("open session without a broker client")
	}
	if deviceID == "" {
		opts.Metrics.violations.Inc()
		return nil, broker.Invariant("open session before registration")
	}
	if registered := client.DeviceID(); registered != deviceID {
		opts.Metrics.violations.Inc()
		return nil, broker.Invariant("open session for %q but client is registered as %q", deviceID, registered)
	}

	log := opts.Logger.With().Str("component", "session").Str("device_id", deviceID).Logger()

	channelOpts := opts.Channel
	channelOpts.Logger = opts.Logger
	channel, err := broker.Dial(ctx, client.ChannelURL(deviceID), channelOpts)
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}

	backend := opts.Backend
	if backend == nil {
		backend = client
	}

	s := &Session{
		client:          client,
		backend:         backend,
		deviceID:        deviceID,
		options:         opts,
		log:             log,
		metrics:         opts.Metrics,
		channel:         channel,
		done:            make(chan struct{}),
		snapshot:        Snapshot{Devices: []models.Device{}, OnlineDevices: []models.Device{}, Connections: []models.Connection{}},
		refreshRequests: make(chan refreshRequest),
	}
	s.machine = connection.NewMachine(connection.Options{
		Logger:      opts.Logger,
		OnViolation: func(*connection.TransitionError) { s.metrics.violations.Inc() },
	})
	s.bus = newBus(opts.EventBuffer, log, opts.Metrics)
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.metrics.openSessions.Inc()
	s.wg.Add(3)
	go s.receiveLoop()
	go s.refreshLoop()
	go s.heartbeatLoop()

	log.Info().Msg("session opened")
	return s, nil
}

// DeviceID returns the local device id.
func (s *Session) DeviceID() string {
	return s.deviceID
}

// Subscribe registers handler for all future events and returns a function that
// removes it.
func (s *Session) Subscribe(handler Handler) func() {
	return s.bus.subscribe(handler)
}

// Done is closed once the session has shut down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns the fault that closed the session, or nil while open or after Close.
func (s *Session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Close stops the receive loop and the scheduler and releases the channel. It is safe
// to call repeatedly and from an event handler.
func (s *Session) Close() error {
	s.closeWithError(nil)
	return nil
}

func (s *Session) closeWithError(cause error) {
	s.closeOnce.Do(func() {
		s.errMu.Lock()
		s.err = cause
		s.errMu.Unlock()

		s.cancel()
		_ = s.channel.Close()
		s.wg.Wait()

		s.metrics.openSessions.Dec()
		close(s.done)
		if cause != nil {
			s.log.Warn().Err(cause).Msg("session closed by fault")
		} else {
			s.log.Info().Msg("session closed")
		}
		s.bus.finish(Event{Type: EventSessionClosed, Err: cause})
	})
}

func (s *Session) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return s.ctx.Err() != nil
	}
}

// Snapshot returns a copy of the latest refreshed lists.
func (s *Session) Snapshot() Snapshot {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	return s.snapshot.clone()
}

// Connection returns the tracked state of one connection.
func (s *Session) Connection(id string) (models.Connection, bool) {
	return s.machine.Get(id)
}

// Connections returns every tracked connection.
func (s *Session) Connections() []models.Connection {
	return s.machine.Snapshot()
}

// Heartbeat sends one liveness signal now.
func (s *Session) Heartbeat(ctx context.Context) bool {
	return s.client.Heartbeat(ctx)
}

// ListDevices queries the broker directly, bypassing the snapshot.
func (s *Session) ListDevices(ctx context.Context, class models.DeviceClass) []models.Device {
	return s.client.ListDevices(ctx, class)
}

// ListOnlineDevices queries the broker directly, bypassing the snapshot.
func (s *Session) ListOnlineDevices(ctx context.Context, class models.DeviceClass) []models.Device {
	return s.client.ListOnlineDevices(ctx, class)
}

// ListMyConnections queries the broker directly, bypassing the snapshot.
func (s *Session) ListMyConnections(ctx context.Context) []models.Connection {
	return s.client.ListMyConnections(ctx)
}

// RequestConnection asks the broker to pair with targetDeviceID. On success the new
// connection is tracked as Pending.
func (s *Session) RequestConnection(ctx context.Context, targetDeviceID string) (string, bool) {
	id, ok := s.client.RequestConnection(ctx, targetDeviceID)
	if !ok || id == "" {
		return id, ok
	}

	target := s.findDevice(targetDeviceID)
	sideA, sideB := pairSides(s.client.DeviceClass(), s.deviceID, targetDeviceID, target.Class)
	conn := models.Connection{
		ID:          id,
		SideA:       sideA,
		SideB:       sideB,
		Status:      models.StatusPending,
		InitiatorID: s.deviceID,
	}
	if target.ID != "" {
		conn.OtherDevice = &target
	}
	if _, _, err := s.machine.Begin(conn); err != nil {
		s.log.Error().Err(err).Str("connection_id", id).Msg("could not track requested connection")
	}
	return id, true
}

// UpdateConnectionStatus asks the broker to move a connection to status. Transitions the
// state machine refuses fail with broker.ErrInvariantViolation before the broker is
// contacted. ok is false when the broker rejected the change or could not be reached.
func (s *Session) UpdateConnectionStatus(ctx context.Context, connectionID string, status models.ConnectionStatus) (bool, error) {
	if err := s.machine.Check(connectionID, status); err != nil {
		s.metrics.violations.Inc()
		s.log.Error().Err(err).Str("connection_id", connectionID).Msg("refused status update")
		return false, err
	}

	if !s.client.UpdateConnectionStatus(ctx, connectionID, status) {
		return false, nil
	}

	conn, changed, err := s.machine.Transition(connectionID, status)
	if err != nil {
		// The broker accepted, but an inbound event moved or removed the connection in the
		// meantime. The machine already logged it.
		return true, nil
	}
	if changed {
		s.bus.publish(Event{Type: EventConnectionStatusUpdated, Connection: conn, ConnectionID: conn.ID})
	}
	return true, nil
}

// Accept moves a pending connection to Connected.
func (s *Session) Accept(ctx context.Context, connectionID string) (bool, error) {
	return s.UpdateConnectionStatus(ctx, connectionID, models.StatusConnected)
}

// Reject moves a pending connection to Rejected.
func (s *Session) Reject(ctx context.Context, connectionID string) (bool, error) {
	return s.UpdateConnectionStatus(ctx, connectionID, models.StatusRejected)
}

// Disconnect moves a connected connection to Disconnected.
func (s *Session) Disconnect(ctx context.Context, connectionID string) (bool, error) {
	return s.UpdateConnectionStatus(ctx, connectionID, models.StatusDisconnected)
}

// DeleteConnection asks the broker to remove a connection and stops tracking it. The
// broker's removal notice produces the ConnectionRemoved event.
func (s *Session) DeleteConnection(ctx context.Context, connectionID string) bool {
	if !s.client.DeleteConnection(ctx, connectionID) {
		return false
	}
	s.machine.Remove(connectionID)
	return true
}

// SendControl writes one envelope to the channel. An empty sender id is filled in.
func (s *Session) SendControl(env protocol.Envelope) error {
	if s.closed() {
		return errSessionClosed
	}
	if env.SenderDeviceID == "" {
		env.SenderDeviceID = s.deviceID
	}
	payload, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	if err := s.channel.WriteText(payload); err != nil {
		return err
	}
	s.metrics.framesSent.WithLabelValues("text").Inc()
	return nil
}

// SendBinary writes one binary frame. Receivers correlate it with the preceding control
// frame by order only; prefer SendTransfer.
func (s *Session) SendBinary(payload []byte) error {
	if s.closed() {
		return errSessionClosed
	}
	if err := s.channel.WriteBinary(payload); err != nil {
		return err
	}
	s.metrics.framesSent.WithLabelValues("binary").Inc()
	return nil
}

// SendTransfer announces payload with a sendStart envelope and writes it as the very
// next frame. The envelope carries a transfer id, the size and a checksum so the
// receiver can verify what arrived.
func (s *Session) SendTransfer(name, targetDeviceID, docID string, payload []byte) (protocol.TransferInfo, error) {
	if s.closed() {
		return protocol.TransferInfo{}, errSessionClosed
	}

	info := protocol.TransferInfo{
		TransferID: uuid.NewString(),
		Size:       len(payload),
		Checksum:   crypto.Checksum(payload),
	}
	env, err := protocol.SendStart(name, targetDeviceID, s.deviceID, docID, info)
	if err != nil {
		return protocol.TransferInfo{}, err
	}
	text, err := protocol.Encode(env)
	if err != nil {
		return protocol.TransferInfo{}, err
	}
	if err := s.channel.WritePair(text, payload); err != nil {
		return protocol.TransferInfo{}, err
	}

	s.metrics.framesSent.WithLabelValues("text").Inc()
	s.metrics.framesSent.WithLabelValues("binary").Inc()
	s.log.Info().
		Str("transfer_id", info.TransferID).
		Str("name", name).
		Str("target", targetDeviceID).
		Int("size", info.Size).
		Msg("transfer sent")
	return info, nil
}

func (s *Session) findDevice(id string) models.Device {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	for _, device := range s.snapshot.Devices {
		if device.ID == id {
			return device
		}
	}
	return models.Device{}
}

// pairSides orders two participants the way the broker stores them: the desktop-class
// device first.
func pairSides(localClass models.DeviceClass, localID, remoteID string, remoteClass models.DeviceClass) (string, string) {
	if localClass == models.DeviceClassMobile || remoteClass == models.DeviceClassDesktop {
		return remoteID, localID
	}
	return localID, remoteID
}
