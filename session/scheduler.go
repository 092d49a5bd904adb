package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"signik/models"
)

const (
	// DefaultRefreshInterval is the device/connection list refresh period.
	DefaultRefreshInterval = 5 * time.Second
	// DefaultHeartbeatInterval is the liveness signal period.
	DefaultHeartbeatInterval = 10 * time.Second
)

// Backend is what the scheduler needs from the broker. *broker.Client implements it.
type Backend interface {
	FetchDevices(ctx context.Context, class models.DeviceClass) ([]models.Device, error)
	FetchOnlineDevices(ctx context.Context, class models.DeviceClass) ([]models.Device, error)
	FetchMyConnections(ctx context.Context) ([]models.Connection, error)
	SendHeartbeat(ctx context.Context) error
}

// Snapshot is the result of the latest refresh. It is replaced as a whole on every
// cycle and handed out as a copy.
type Snapshot struct {
	Devices       []models.Device
	OnlineDevices []models.Device
	Connections   []models.Connection
	RefreshedAt   time.Time
}

func (s Snapshot) clone() Snapshot {
	return Snapshot{
		Devices:       models.CloneDevices(s.Devices),
		OnlineDevices: models.CloneDevices(s.OnlineDevices),
		Connections:   models.CloneConnections(s.Connections),
		RefreshedAt:   s.RefreshedAt,
	}
}

type refreshRequest struct {
	ctx  context.Context
	done chan error
}

// Refresh runs a refresh cycle now and waits for it to finish.
func (s *Session) Refresh(ctx context.Context) error {
	req := refreshRequest{
		ctx:  ctx,
		done: make(chan error, 1),
	}

	select {
	case s.refreshRequests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errSessionClosed
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errSessionClosed
	}
}

func (s *Session) refreshLoop() {
	defer s.wg.Done()

	// Prime the lists as soon as the session is up.
	_ = s.runRefresh(nil)

	ticker := time.NewTicker(s.options.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = s.runRefresh(nil)
		case req := <-s.refreshRequests:
			req.done <- s.runRefresh(req.ctx)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Session) heartbeatLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.options.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runHeartbeat()
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Session) runRefresh(requestCtx context.Context) error {
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	if requestCtx != nil {
		stop := context.AfterFunc(requestCtx, cancel)
		defer stop()
	}

	filter := s.options.DeviceClassFilter
	var (
		devices, online             []models.Device
		connections                 []models.Connection
		devicesErr, onlineErr, cErr error
	)

	// Each fetch fails on its own; one failed list must not cancel the others.
	var g errgroup.Group
	g.Go(func() error {
		devices, devicesErr = s.backend.FetchDevices(ctx, filter)
		return devicesErr
	})
	g.Go(func() error {
		online, onlineErr = s.backend.FetchOnlineDevices(ctx, filter)
		return onlineErr
	})
	g.Go(func() error {
		connections, cErr = s.backend.FetchMyConnections(ctx)
		return cErr
	})
	failed := g.Wait() != nil

	if s.ctx.Err() != nil {
		return errSessionClosed
	}

	var err error
	if failed {
		err = errors.Join(
			wrapFetch("devices", devicesErr),
			wrapFetch("online devices", onlineErr),
			wrapFetch("connections", cErr),
		)
		s.log.Warn().Err(err).Msg("refresh cycle failed")
	}
	s.metrics.refreshes.WithLabelValues(result(!failed)).Inc()

	snapshot := Snapshot{
		Devices:       nonNilDevices(devices),
		OnlineDevices: withoutDevice(online, s.deviceID),
		Connections:   s.reconcile(connections),
		RefreshedAt:   time.Now(),
	}

	s.snapMu.Lock()
	s.snapshot = snapshot
	s.snapMu.Unlock()

	s.bus.publish(Event{Type: EventRefreshCompleted, Snapshot: snapshot.clone(), Err: err})
	return err
}

// reconcile feeds broker-reported connections through the state machine and returns
// the machine's view of them.
func (s *Session) reconcile(reported []models.Connection) []models.Connection {
	out := make([]models.Connection, 0, len(reported))
	for _, conn := range reported {
		_, tracked := s.machine.Get(conn.ID)
		current, changed, err := s.machine.Adopt(conn)
		if current.ID == "" {
			s.log.Warn().Err(err).Str("connection_id", conn.ID).Msg("skipping unusable connection record")
			continue
		}
		if tracked && changed {
			s.bus.publish(Event{
				Type:         EventConnectionStatusUpdated,
				Connection:   current.Clone(),
				ConnectionID: current.ID,
			})
		}
		out = append(out, current)
	}
	return out
}

func (s *Session) runHeartbeat() {
	err := s.backend.SendHeartbeat(s.ctx)
	if s.ctx.Err() != nil {
		return
	}
	if err != nil {
		s.log.Warn().Err(err).Msg("heartbeat cycle failed")
	}
	s.metrics.heartbeats.WithLabelValues(result(err == nil)).Inc()
	s.bus.publish(Event{Type: EventHeartbeatCompleted, OK: err == nil, Err: err})
}

func wrapFetch(what string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("fetch %s: %w", what, err)
}

func nonNilDevices(devices []models.Device) []models.Device {
	if devices == nil {
		return []models.Device{}
	}
	return devices
}

func withoutDevice(devices []models.Device, id string) []models.Device {
	out := make([]models.Device, 0, len(devices))
	for _, device := range devices {
		if device.ID == id {
			continue
		}
		out = append(out, device)
	}
	return out
}
