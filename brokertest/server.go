// Package brokertest provides an in-process broker for tests. It implements the broker's
// HTTP routes and websocket endpoint with the same push behavior as the real broker:
// connection requests are pushed to the target, status updates and removals to both sides.
// Pushed payload fields sit at the top level of the frame, as the real broker sends them.
package brokertest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Route names accepted by SetFailing and Count.
const (
	RouteRegister    = "register"
	RouteDevices     = "devices"
	RouteOnline      = "online"
	RouteConnect     = "connect"
	RouteConnections = "connections"
	RouteUpdate      = "update"
	RouteDelete      = "delete"
	RouteHeartbeat   = "heartbeat"
	RouteHealth      = "health"
	RouteChannel     = "channel"
)

// Device mirrors the broker's device record.
type Device struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	DeviceType    string `json:"device_type"`
	IPAddress     string `json:"ip_address"`
	LastHeartbeat string `json:"last_heartbeat"`
	IsOnline      bool   `json:"is_online"`
}

// Connection mirrors the broker's connection record.
type Connection struct {
	ID              string `json:"id"`
	WindowsDeviceID string `json:"windows_device_id"`
	AndroidDeviceID string `json:"android_device_id"`
	Status          string `json:"status"`
	CreatedAt       string `json:"created_at"`
	UpdatedAt       string `json:"updated_at"`
	InitiatedBy     string `json:"initiated_by"`
}

// Frame is one frame a client sent over its channel.
type Frame struct {
	Binary bool
	Data   []byte
}

type peer struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (p *peer) write(messageType int, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return p.conn.WriteMessage(messageType, payload)
}

// Server is a fake broker backed by httptest.Server.
type Server struct {
	*httptest.Server

	upgrader websocket.Upgrader

	mu          sync.Mutex
	devices     map[string]*Device
	connections map[string]*Connection
	peers       map[string]*peer
	received    map[string][]Frame
	failing     map[string]bool
	counts      map[string]int
	nextDevice  int
	nextConn    int
}

// NewServer starts a fake broker. Callers must Close it.
func NewServer() *Server {
	s := &Server{
		devices:     make(map[string]*Device),
		connections: make(map[string]*Connection),
		peers:       make(map[string]*peer),
		received:    make(map[string][]Frame),
		failing:     make(map[string]bool),
		counts:      make(map[string]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /register_device", s.handleRegister)
	mux.HandleFunc("GET /devices", s.handleDevices(RouteDevices, false))
	mux.HandleFunc("GET /devices/online", s.handleDevices(RouteOnline, true))
	mux.HandleFunc("POST /devices/{id}/connect", s.handleConnect)
	mux.HandleFunc("GET /devices/{id}/connections", s.handleConnections)
	mux.HandleFunc("PUT /connections/{id}", s.handleUpdate)
	mux.HandleFunc("DELETE /connections/{id}", s.handleDelete)
	mux.HandleFunc("POST /heartbeat/{id}", s.handleHeartbeat)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ws/{id}", s.handleChannel)

	s.Server = httptest.NewServer(mux)
	return s
}

// Close disconnects all channels and stops the server.
func (s *Server) Close() {
	s.mu.Lock()
	for id, p := range s.peers {
		_ = p.conn.Close()
		delete(s.peers, id)
	}
	s.mu.Unlock()
	s.Server.Close()
}

// AddDevice inserts a device directly, bypassing registration.
func (s *Server) AddDevice(device Device) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if device.LastHeartbeat == "" {
		device.LastHeartbeat = nowText()
	}
	d := device
	s.devices[d.ID] = &d
}

// AddConnection inserts a connection directly.
func (s *Server) AddConnection(conn Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := conn
	if c.CreatedAt == "" {
		c.CreatedAt = nowText()
		c.UpdatedAt = c.CreatedAt
	}
	s.connections[c.ID] = &c
}

// ConnectionStatus returns the broker-side status of a connection.
func (s *Server) ConnectionStatus(id string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.connections[id]
	if !ok {
		return "", false
	}
	return c.Status, true
}

// SetFailing makes route answer 500 until cleared.
func (s *Server) SetFailing(route string, failing bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing[route] = failing
}

// Count returns how many requests route has served, including failed ones.
func (s *Server) Count(route string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[route]
}

// Connected reports whether deviceID currently has an open channel.
func (s *Server) Connected(deviceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.peers[deviceID]
	return ok
}

// Received returns a copy of every frame deviceID sent on its channel.
func (s *Server) Received(deviceID string) []Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Frame, len(s.received[deviceID]))
	copy(out, s.received[deviceID])
	return out
}

// PushText writes a raw text frame to deviceID's channel.
func (s *Server) PushText(deviceID string, payload []byte) error {
	return s.push(deviceID, websocket.TextMessage, payload)
}

// PushJSON marshals message and writes it as a text frame.
func (s *Server) PushJSON(deviceID string, message any) error {
	payload, err := json.Marshal(message)
	if err != nil {
		return err
	}
	return s.PushText(deviceID, payload)
}

// PushBinary writes a binary frame to deviceID's channel.
func (s *Server) PushBinary(deviceID string, payload []byte) error {
	return s.push(deviceID, websocket.BinaryMessage, payload)
}

// DropChannel abruptly closes deviceID's channel without a close handshake.
func (s *Server) DropChannel(deviceID string) {
	s.mu.Lock()
	p, ok := s.peers[deviceID]
	delete(s.peers, deviceID)
	s.mu.Unlock()
	if ok {
		_ = p.conn.Close()
	}
}

// RemoveDevice deletes a device and drops its channel, as a broker restart does.
// Later channel requests for the id are refused until it registers again.
func (s *Server) RemoveDevice(deviceID string) {
	s.mu.Lock()
	delete(s.devices, deviceID)
	s.mu.Unlock()
	s.DropChannel(deviceID)
}

func (s *Server) push(deviceID string, messageType int, payload []byte) error {
	s.mu.Lock()
	p, ok := s.peers[deviceID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("device %q has no open channel", deviceID)
	}
	return p.write(messageType, payload)
}

// enter counts a request and reports whether the route is configured to fail.
func (s *Server) enter(route string, w http.ResponseWriter) bool {
	s.mu.Lock()
	s.counts[route]++
	failing := s.failing[route]
	s.mu.Unlock()
	if failing {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": "injected failure"})
		return false
	}
	return true
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if !s.enter(RouteRegister, w) {
		return
	}
	var req struct {
		DeviceName string `json:"device_name"`
		DeviceType string `json:"device_type"`
		IPAddress  string `json:"ip_address"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.DeviceName) == "" {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"detail": "invalid registration"})
		return
	}
	if req.DeviceType != "windows" && req.DeviceType != "android" {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"detail": "invalid device_type"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.devices {
		if d.Name == req.DeviceName && d.DeviceType == req.DeviceType {
			d.IPAddress = req.IPAddress
			d.LastHeartbeat = nowText()
			d.IsOnline = true
			writeJSON(w, http.StatusOK, map[string]any{"device_id": d.ID, "message": "Device updated successfully", "is_update": true})
			return
		}
	}
	s.nextDevice++
	id := fmt.Sprintf("d%d", s.nextDevice)
	for s.devices[id] != nil {
		s.nextDevice++
		id = fmt.Sprintf("d%d", s.nextDevice)
	}
	s.devices[id] = &Device{
		ID:            id,
		Name:          req.DeviceName,
		DeviceType:    req.DeviceType,
		IPAddress:     req.IPAddress,
		LastHeartbeat: nowText(),
		IsOnline:      true,
	}
	writeJSON(w, http.StatusOK, map[string]any{"device_id": id, "message": "Device registered successfully", "is_update": false})
}

func (s *Server) handleDevices(route string, onlineOnly bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.enter(route, w) {
			return
		}
		filter := r.URL.Query().Get("device_type")

		s.mu.Lock()
		out := make([]Device, 0, len(s.devices))
		for _, d := range s.devices {
			if filter != "" && d.DeviceType != filter {
				continue
			}
			if onlineOnly && !d.IsOnline {
				continue
			}
			out = append(out, *d)
		}
		s.mu.Unlock()

		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		writeJSON(w, http.StatusOK, map[string]any{"devices": out, "total": len(out)})
	}
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if !s.enter(RouteConnect, w) {
		return
	}
	sourceID := r.PathValue("id")
	var req struct {
		TargetDeviceID string `json:"target_device_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"detail": "invalid body"})
		return
	}

	s.mu.Lock()
	source, okSource := s.devices[sourceID]
	target, okTarget := s.devices[req.TargetDeviceID]
	switch {
	case !okSource:
		s.mu.Unlock()
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Source device not found"})
		return
	case !okTarget:
		s.mu.Unlock()
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Target device not found"})
		return
	case source.DeviceType == target.DeviceType:
		s.mu.Unlock()
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "Cannot connect devices of the same type"})
		return
	}

	s.nextConn++
	id := fmt.Sprintf("c%d", s.nextConn)
	for s.connections[id] != nil {
		s.nextConn++
		id = fmt.Sprintf("c%d", s.nextConn)
	}
	windowsID, androidID := source.ID, target.ID
	if source.DeviceType == "android" {
		windowsID, androidID = target.ID, source.ID
	}
	now := nowText()
	s.connections[id] = &Connection{
		ID:              id,
		WindowsDeviceID: windowsID,
		AndroidDeviceID: androidID,
		Status:          "pending",
		CreatedAt:       now,
		UpdatedAt:       now,
		InitiatedBy:     source.ID,
	}
	sourceCopy := *source
	targetID := target.ID
	s.mu.Unlock()

	_ = s.PushJSON(targetID, map[string]any{
		"type":          "connectionRequest",
		"connection_id": id,
		"from_device":   sourceCopy,
	})
	writeJSON(w, http.StatusOK, map[string]string{"connection_id": id, "message": "Connection request sent"})
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	if !s.enter(RouteConnections, w) {
		return
	}
	deviceID := r.PathValue("id")

	s.mu.Lock()
	if _, ok := s.devices[deviceID]; !ok {
		s.mu.Unlock()
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Device not found"})
		return
	}
	out := make([]map[string]any, 0)
	ids := make([]string, 0, len(s.connections))
	for id := range s.connections {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		c := s.connections[id]
		if c.WindowsDeviceID != deviceID && c.AndroidDeviceID != deviceID {
			continue
		}
		otherID := c.AndroidDeviceID
		if otherID == deviceID {
			otherID = c.WindowsDeviceID
		}
		record := map[string]any{
			"id":                c.ID,
			"windows_device_id": c.WindowsDeviceID,
			"android_device_id": c.AndroidDeviceID,
			"status":            c.Status,
			"created_at":        c.CreatedAt,
			"updated_at":        c.UpdatedAt,
			"initiated_by":      c.InitiatedBy,
			"other_device":      nil,
		}
		if other, ok := s.devices[otherID]; ok {
			record["other_device"] = *other
		}
		out = append(out, record)
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{"connections": out})
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	if !s.enter(RouteUpdate, w) {
		return
	}
	id := r.PathValue("id")
	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"detail": "invalid body"})
		return
	}
	switch req.Status {
	case "pending", "connected", "disconnected", "rejected":
	default:
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"detail": "invalid status"})
		return
	}

	s.mu.Lock()
	c, ok := s.connections[id]
	if !ok {
		s.mu.Unlock()
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Connection not found"})
		return
	}
	c.Status = req.Status
	c.UpdatedAt = nowText()
	sides := []string{c.WindowsDeviceID, c.AndroidDeviceID}
	s.mu.Unlock()

	message := map[string]any{
		"type":          "connectionStatusUpdate",
		"connection_id": id,
		"status":        req.Status,
	}
	for _, side := range sides {
		_ = s.PushJSON(side, message)
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Connection status updated to " + req.Status})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if !s.enter(RouteDelete, w) {
		return
	}
	id := r.PathValue("id")

	s.mu.Lock()
	c, ok := s.connections[id]
	if !ok {
		s.mu.Unlock()
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Connection not found"})
		return
	}
	delete(s.connections, id)
	sides := []string{c.WindowsDeviceID, c.AndroidDeviceID}
	s.mu.Unlock()

	message := map[string]any{
		"type":          "connectionRemoved",
		"connection_id": id,
	}
	for _, side := range sides {
		_ = s.PushJSON(side, message)
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Connection removed successfully"})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if !s.enter(RouteHeartbeat, w) {
		return
	}
	id := r.PathValue("id")

	s.mu.Lock()
	d, ok := s.devices[id]
	if ok {
		d.LastHeartbeat = nowText()
		d.IsOnline = true
	}
	s.mu.Unlock()

	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Device not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Heartbeat received"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.enter(RouteHealth, w) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleChannel(w http.ResponseWriter, r *http.Request) {
	if !s.enter(RouteChannel, w) {
		return
	}
	id := r.PathValue("id")

	s.mu.Lock()
	_, known := s.devices[id]
	s.mu.Unlock()
	if !known {
		http.Error(w, "Device not registered", http.StatusForbidden)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	p := &peer{conn: conn}

	s.mu.Lock()
	if old, ok := s.peers[id]; ok {
		_ = old.conn.Close()
	}
	s.peers[id] = p
	s.mu.Unlock()

	go s.readChannel(id, p)
}

func (s *Server) readChannel(deviceID string, p *peer) {
	defer func() {
		s.mu.Lock()
		if s.peers[deviceID] == p {
			delete(s.peers, deviceID)
		}
		s.mu.Unlock()
		_ = p.conn.Close()
	}()

	for {
		mt, data, err := p.conn.ReadMessage()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.received[deviceID] = append(s.received[deviceID], Frame{Binary: mt == websocket.BinaryMessage, Data: data})
		s.mu.Unlock()
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func nowText() string {
	return time.Now().Format("2006-01-02T15:04:05.000000")
}
