package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"signik/models"
	"signik/netutil"
)

const (
	// DefaultRequestTimeout bounds every request/response exchange.
	DefaultRequestTimeout = 10 * time.Second
	// maxResponseBytes caps how much of a response body is read.
	maxResponseBytes = 8 * 1024 * 1024
)

// Options configures a Client.
type Options struct {
	BaseURL        string
	DeviceClass    models.DeviceClass
	RequestTimeout time.Duration
	HTTPClient     *http.Client
	Logger         zerolog.Logger

	// LocalAddress is called when Register receives an empty address.
	LocalAddress func() string
}

func (o Options) withDefaults() Options {
	out := o
	if out.DeviceClass == models.DeviceClassUnknown {
		out.DeviceClass = models.DeviceClassDesktop
	}
	if out.RequestTimeout <= 0 {
		out.RequestTimeout = DefaultRequestTimeout
	}
	if out.HTTPClient == nil {
		out.HTTPClient = &http.Client{}
	}
	if out.LocalAddress == nil {
		out.LocalAddress = netutil.LocalIPv4
	}
	return out
}

// Client is the request/response half of the broker transport.
type Client struct {
	options Options
	baseURL *url.URL
	log     zerolog.Logger

	mu       sync.RWMutex
	deviceID string
}

type registerRequest struct {
	DeviceName string             `json:"device_name"`
	DeviceType models.DeviceClass `json:"device_type"`
	IPAddress  string             `json:"ip_address"`
}

type registerResponse struct {
	DeviceID string `json:"device_id"`
	Message  string `json:"message"`
	IsUpdate bool   `json:"is_update"`
}

type connectRequest struct {
	TargetDeviceID string `json:"target_device_id"`
}

type connectResponse struct {
	ConnectionID string `json:"connection_id"`
}

type updateConnectionRequest struct {
	Status models.ConnectionStatus `json:"status"`
}

type deviceListResponse struct {
	Devices []models.Device `json:"devices"`
}

// connectionListResponse keeps records raw so one bad record does not fail the list.
type connectionListResponse struct {
	Connections []json.RawMessage `json:"connections"`
}

type errorBody struct {
	Detail any `json:"detail"`
}

// NewClient validates options and builds a Client. No network I/O happens here.
func NewClient(options Options) (*Client, error) {
	opts := options.withDefaults()

	raw := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if raw == "" {
		return nil, errors.New("broker base URL is required")
	}
	base, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse broker base URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("broker base URL must be http or https, got %q", base.Scheme)
	}
	if base.Host == "" {
		return nil, errors.New("broker base URL has no host")
	}

	return &Client{
		options: opts,
		baseURL: base,
		log:     opts.Logger.With().Str("component", "broker").Logger(),
	}, nil
}

// BaseURL returns the broker's HTTP base URL.
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

// DeviceClass returns the class this client registers as.
func (c *Client) DeviceClass() models.DeviceClass {
	return c.options.DeviceClass
}

// DeviceID returns the broker-issued id, or "" before a successful Register.
func (c *Client) DeviceID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.deviceID
}

// Registered reports whether Register has succeeded.
func (c *Client) Registered() bool {
	return c.DeviceID() != ""
}

// ChannelURL returns the duplex channel endpoint for deviceID.
func (c *Client) ChannelURL(deviceID string) string {
	u := *c.baseURL
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/" + url.PathEscape(deviceID)
	u.RawQuery = ""
	return u.String()
}

// Forget drops the stored registration so the next Register contacts the broker again.
// The broker keeps devices in memory, so an id can go stale when it restarts.
func (c *Client) Forget() {
	c.mu.Lock()
	id := c.deviceID
	c.deviceID = ""
	c.mu.Unlock()
	if id != "" {
		c.log.Info().Str("device_id", id).Msg("registration forgotten")
	}
}

// Register announces this device to the broker and records the issued id. Once a
// registration has succeeded, further calls return the same id without contacting the
// broker.
func (c *Client) Register(ctx context.Context, name, address string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", Invariant("device name is required")
	}

	if id := c.DeviceID(); id != "" {
		c.log.Debug().Str("device_id", id).Msg("already registered, ignoring repeat registration")
		return id, nil
	}

	address = strings.TrimSpace(address)
	if address == "" {
		address = c.options.LocalAddress()
	}
	if !netutil.ValidIPv4(address) {
		c.log.Warn().Str("address", address).Msg("registering an address that is not dotted IPv4")
	}

	var response registerResponse
	err := c.do(ctx, "register device", http.MethodPost, "/register_device", nil, registerRequest{
		DeviceName: name,
		DeviceType: c.options.DeviceClass,
		IPAddress:  address,
	}, &response)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(response.DeviceID) == "" {
		return "", &RequestError{Op: "register device", Err: fmt.Errorf("%w: response has no device_id", ErrProtocol)}
	}

	c.mu.Lock()
	if c.deviceID == "" {
		c.deviceID = response.DeviceID
	}
	id := c.deviceID
	c.mu.Unlock()

	c.log.Info().
		Str("device_id", id).
		Str("name", name).
		Str("address", address).
		Bool("is_update", response.IsUpdate).
		Msg("device registered")
	return id, nil
}

// ListDevices returns every registered device, optionally filtered by class. Failures
// are logged and yield an empty list.
func (c *Client) ListDevices(ctx context.Context, class models.DeviceClass) []models.Device {
	devices, err := c.FetchDevices(ctx, class)
	if err != nil {
		c.log.Warn().Err(err).Msg("list devices failed")
		return []models.Device{}
	}
	return devices
}

// ListOnlineDevices returns devices the broker considers online. Failures are logged
// and yield an empty list.
func (c *Client) ListOnlineDevices(ctx context.Context, class models.DeviceClass) []models.Device {
	devices, err := c.FetchOnlineDevices(ctx, class)
	if err != nil {
		c.log.Warn().Err(err).Msg("list online devices failed")
		return []models.Device{}
	}
	return devices
}

// ListMyConnections returns the local device's connections. Failures, including calls
// made before registration, are logged and yield an empty list.
func (c *Client) ListMyConnections(ctx context.Context) []models.Connection {
	connections, err := c.FetchMyConnections(ctx)
	if err != nil {
		if errors.Is(err, ErrInvariantViolation) {
			c.log.Error().Err(err).Msg("list connections refused")
		} else {
			c.log.Warn().Err(err).Msg("list connections failed")
		}
		return []models.Connection{}
	}
	return connections
}

// FetchDevices is ListDevices with the failure returned instead of logged.
func (c *Client) FetchDevices(ctx context.Context, class models.DeviceClass) ([]models.Device, error) {
	return c.fetchDevices(ctx, "list devices", "/devices", class)
}

// FetchOnlineDevices is ListOnlineDevices with the failure returned instead of logged.
func (c *Client) FetchOnlineDevices(ctx context.Context, class models.DeviceClass) ([]models.Device, error) {
	return c.fetchDevices(ctx, "list online devices", "/devices/online", class)
}

// FetchMyConnections is ListMyConnections with the failure returned instead of logged.
// Records that cannot be decoded or are structurally invalid are skipped.
func (c *Client) FetchMyConnections(ctx context.Context) ([]models.Connection, error) {
	id := c.DeviceID()
	if id == "" {
		return nil, Invariant("list connections before registration")
	}

	var response connectionListResponse
	if err := c.do(ctx, "list connections", http.MethodGet, "/devices/"+url.PathEscape(id)+"/connections", nil, nil, &response); err != nil {
		return nil, err
	}

	out := make([]models.Connection, 0, len(response.Connections))
	for _, raw := range response.Connections {
		var conn models.Connection
		if err := json.Unmarshal(raw, &conn); err != nil {
			c.log.Warn().Err(err).Msg("skipping undecodable connection record")
			continue
		}
		if err := conn.Validate(); err != nil {
			c.log.Warn().Err(err).Msg("skipping malformed connection record")
			continue
		}
		if conn.Status == "" {
			c.log.Warn().Str("connection_id", conn.ID).Msg("skipping connection record without status")
			continue
		}
		out = append(out, conn)
	}
	return out, nil
}

// RequestConnection asks the broker to pair the local device with targetDeviceID. The
// returned id is empty when the broker accepted without naming the connection.
func (c *Client) RequestConnection(ctx context.Context, targetDeviceID string) (string, bool) {
	id := c.DeviceID()
	if id == "" {
		c.log.Error().Err(Invariant("request connection before registration")).Msg("request connection refused")
		return "", false
	}
	targetDeviceID = strings.TrimSpace(targetDeviceID)
	if targetDeviceID == "" || targetDeviceID == id {
		c.log.Error().Err(Invariant("invalid connection target %q", targetDeviceID)).Msg("request connection refused")
		return "", false
	}

	var response connectResponse
	err := c.do(ctx, "request connection", http.MethodPost, "/devices/"+url.PathEscape(id)+"/connect", nil,
		connectRequest{TargetDeviceID: targetDeviceID}, &response)
	if err != nil {
		c.log.Warn().Err(err).Str("target", targetDeviceID).Msg("request connection failed")
		return "", false
	}
	if response.ConnectionID == "" {
		c.log.Warn().Str("target", targetDeviceID).Msg("broker accepted connection request without connection_id")
	}
	return response.ConnectionID, true
}

// UpdateConnectionStatus asks the broker to move connectionID to status.
func (c *Client) UpdateConnectionStatus(ctx context.Context, connectionID string, status models.ConnectionStatus) bool {
	if _, err := models.ParseConnectionStatus(string(status)); err != nil {
		c.log.Error().Err(err).Str("connection_id", connectionID).Msg("update connection refused")
		return false
	}
	err := c.do(ctx, "update connection", http.MethodPut, "/connections/"+url.PathEscape(connectionID), nil,
		updateConnectionRequest{Status: status}, nil)
	if err != nil {
		c.log.Warn().Err(err).Str("connection_id", connectionID).Str("status", string(status)).Msg("update connection failed")
		return false
	}
	return true
}

// DeleteConnection asks the broker to remove connectionID.
func (c *Client) DeleteConnection(ctx context.Context, connectionID string) bool {
	err := c.do(ctx, "delete connection", http.MethodDelete, "/connections/"+url.PathEscape(connectionID), nil, nil, nil)
	if err != nil {
		c.log.Warn().Err(err).Str("connection_id", connectionID).Msg("delete connection failed")
		return false
	}
	return true
}

// Heartbeat sends one liveness signal for the registered device.
func (c *Client) Heartbeat(ctx context.Context) bool {
	if err := c.SendHeartbeat(ctx); err != nil {
		if errors.Is(err, ErrInvariantViolation) {
			c.log.Error().Err(err).Msg("heartbeat refused")
		} else {
			c.log.Warn().Err(err).Msg("heartbeat failed")
		}
		return false
	}
	return true
}

// SendHeartbeat is Heartbeat with the failure returned instead of logged.
func (c *Client) SendHeartbeat(ctx context.Context) error {
	id := c.DeviceID()
	if id == "" {
		return Invariant("heartbeat before registration")
	}
	return c.do(ctx, "heartbeat", http.MethodPost, "/heartbeat/"+url.PathEscape(id), nil, nil, nil)
}

// Health checks the broker's health endpoint.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, "health", http.MethodGet, "/health", nil, nil, nil)
}

func (c *Client) fetchDevices(ctx context.Context, op, path string, class models.DeviceClass) ([]models.Device, error) {
	query := url.Values{}
	if class != models.DeviceClassUnknown {
		query.Set("device_type", string(class))
	}

	var response deviceListResponse
	if err := c.do(ctx, op, http.MethodGet, path, query, nil, &response); err != nil {
		return nil, err
	}
	if response.Devices == nil {
		return []models.Device{}, nil
	}
	return response.Devices, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.options.RequestTimeout)
	defer cancel()

	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + path
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return &RequestError{Op: op, Err: fmt.Errorf("marshal request: %w", err)}
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return &RequestError{Op: op, Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.options.HTTPClient.Do(req)
	if err != nil {
		return classifyNetError(op, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return classifyNetError(op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &RequestError{
			Op:         op,
			StatusCode: resp.StatusCode,
			Detail:     errorDetail(raw),
			Err:        ErrRequestRejected,
		}
	}

	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		if out != nil {
			return &RequestError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("%w: empty response body", ErrProtocol)}
		}
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &RequestError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("%w: decode response: %w", ErrProtocol, err)}
	}
	return nil
}

// errorDetail extracts FastAPI-style {"detail": ...} text from an error body.
func errorDetail(raw []byte) string {
	var body errorBody
	if err := json.Unmarshal(raw, &body); err != nil || body.Detail == nil {
		text := strings.TrimSpace(string(raw))
		if len(text) > 200 {
			text = text[:200]
		}
		return text
	}
	if s, ok := body.Detail.(string); ok {
		return s
	}
	encoded, _ := json.Marshal(body.Detail)
	return string(encoded)
}
