// Package connection tracks the lifecycle of pairings between the local device and its
// peers and enforces the legal status transitions.
package connection

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"signik/broker"
	"signik/models"
)

// next lists the legal successors of each status. Rejected and Disconnected have none.
var next = map[models.ConnectionStatus][]models.ConnectionStatus{
	models.StatusPending:   {models.StatusConnected, models.StatusRejected},
	models.StatusConnected: {models.StatusDisconnected},
}

// Allowed reports whether from -> to is a legal transition. An empty from means the
// connection is not tracked yet.
func Allowed(from, to models.ConnectionStatus) bool {
	if from == "" {
		return to == models.StatusPending
	}
	for _, candidate := range next[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

// TransitionError is returned for a refused transition. It matches
// broker.ErrInvariantViolation with errors.Is.
type TransitionError struct {
	ConnectionID string
	From         models.ConnectionStatus
	To           models.ConnectionStatus
}

func (e *TransitionError) Error() string {
	from := string(e.From)
	if from == "" {
		from = "untracked"
	}
	return fmt.Sprintf("%v: connection %s: %s -> %s is not allowed", broker.ErrInvariantViolation, e.ConnectionID, from, e.To)
}

func (e *TransitionError) Unwrap() error {
	return broker.ErrInvariantViolation
}

// Options configures a Machine.
type Options struct {
	Logger zerolog.Logger
	// OnViolation is called for every refused transition, after it is logged. Adopt
	// reports a given id and refused status once until the connection changes.
	OnViolation func(*TransitionError)
}

// Machine holds the current status of every tracked connection. It is safe for
// concurrent use.
type Machine struct {
	log         zerolog.Logger
	onViolation func(*TransitionError)

	mu    sync.RWMutex
	conns map[string]models.Connection
	// stale holds the last broker status Adopt refused per id.
	stale map[string]models.ConnectionStatus
}

// NewMachine creates an empty Machine.
func NewMachine(options Options) *Machine {
	return &Machine{
		log:         options.Logger.With().Str("component", "connection").Logger(),
		onViolation: options.OnViolation,
		conns:       make(map[string]models.Connection),
		stale:       make(map[string]models.ConnectionStatus),
	}
}

// Begin starts tracking conn in Pending. A repeated Begin for an id that is still Pending
// is a no-op and reports changed=false.
func (m *Machine) Begin(conn models.Connection) (models.Connection, bool, error) {
	if err := conn.Validate(); err != nil {
		return models.Connection{}, false, broker.Invariant("begin connection: %v", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if current, ok := m.conns[conn.ID]; ok {
		if current.Status == models.StatusPending {
			return current.Clone(), false, nil
		}
		return models.Connection{}, false, m.refuse(conn.ID, current.Status, models.StatusPending)
	}

	conn = conn.Clone()
	conn.Status = models.StatusPending
	m.conns[conn.ID] = conn
	m.log.Debug().Str("connection_id", conn.ID).Msg("connection pending")
	return conn.Clone(), true, nil
}

// Check reports whether id may move to status without changing anything. Moving to the
// current status is always allowed.
func (m *Machine) Check(id string, status models.ConnectionStatus) error {
	m.mu.RLock()
	current, ok := m.conns[id]
	m.mu.RUnlock()

	from := models.ConnectionStatus("")
	if ok {
		from = current.Status
	}
	if from == status || Allowed(from, status) {
		return nil
	}
	return &TransitionError{ConnectionID: id, From: from, To: status}
}

// Transition moves a tracked connection to status. A transition to the current status
// is a no-op with changed=false. Illegal transitions leave the connection untouched,
// are logged and return a *TransitionError.
func (m *Machine) Transition(id string, status models.ConnectionStatus) (models.Connection, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.conns[id]
	if !ok {
		return models.Connection{}, false, m.refuse(id, "", status)
	}
	if current.Status == status {
		return current.Clone(), false, nil
	}
	if !Allowed(current.Status, status) {
		return models.Connection{}, false, m.refuse(id, current.Status, status)
	}

	current.Status = status
	m.conns[id] = current
	delete(m.stale, id)
	m.log.Debug().Str("connection_id", id).Str("status", string(status)).Msg("connection transitioned")
	return current.Clone(), true, nil
}

// Adopt reconciles a broker-reported record. Untracked ids are taken as reported. For a
// tracked id the record's metadata is refreshed, and a differing status is applied only
// when the transition is legal; otherwise the tracked state is kept and a
// *TransitionError is returned.
func (m *Machine) Adopt(conn models.Connection) (models.Connection, bool, error) {
	if err := conn.Validate(); err != nil {
		return models.Connection{}, false, broker.Invariant("adopt connection: %v", err)
	}
	if _, err := models.ParseConnectionStatus(string(conn.Status)); err != nil {
		return models.Connection{}, false, broker.Invariant("adopt connection %s: %v", conn.ID, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.conns[conn.ID]
	if !ok {
		conn = conn.Clone()
		m.conns[conn.ID] = conn
		m.log.Debug().Str("connection_id", conn.ID).Str("status", string(conn.Status)).Msg("connection adopted")
		return conn.Clone(), true, nil
	}

	if current.Status != conn.Status && !Allowed(current.Status, conn.Status) {
		if m.stale[conn.ID] == conn.Status {
			m.log.Debug().Str("connection_id", conn.ID).Str("status", string(conn.Status)).Msg("broker still reports refused status")
			return current.Clone(), false, &TransitionError{ConnectionID: conn.ID, From: current.Status, To: conn.Status}
		}
		m.stale[conn.ID] = conn.Status
		return current.Clone(), false, m.refuse(conn.ID, current.Status, conn.Status)
	}
	delete(m.stale, conn.ID)

	changed := current.Status != conn.Status
	merged := conn.Clone()
	if merged.OtherDevice == nil && current.OtherDevice != nil {
		other := *current.OtherDevice
		merged.OtherDevice = &other
	}
	m.conns[conn.ID] = merged
	return merged.Clone(), changed, nil
}

// Remove stops tracking id. It is always legal and reports whether id was tracked.
func (m *Machine) Remove(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.conns[id]
	delete(m.conns, id)
	delete(m.stale, id)
	return ok
}

// Get returns a copy of the tracked connection.
func (m *Machine) Get(id string) (models.Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.conns[id]
	if !ok {
		return models.Connection{}, false
	}
	return conn.Clone(), true
}

// Snapshot returns copies of all tracked connections ordered by id.
func (m *Machine) Snapshot() []models.Connection {
	m.mu.RLock()
	out := make([]models.Connection, 0, len(m.conns))
	for _, conn := range m.conns {
		out = append(out, conn.Clone())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// refuse must be called with m.mu held.
func (m *Machine) refuse(id string, from, to models.ConnectionStatus) *TransitionError {
	err := &TransitionError{ConnectionID: id, From: from, To: to}
	m.log.Error().Err(err).Str("connection_id", id).Msg("refused connection transition")
	if m.onViolation != nil {
		m.onViolation(err)
	}
	return err
}
