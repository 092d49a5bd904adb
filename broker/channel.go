package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	// DefaultHandshakeTimeout bounds the websocket opening handshake.
	DefaultHandshakeTimeout = 10 * time.Second
	// DefaultWriteTimeout bounds each outbound frame write.
	DefaultWriteTimeout = 10 * time.Second
	// DefaultPongWait is how long the channel stays readable without any inbound traffic.
	DefaultPongWait = 60 * time.Second
	// MaxFrameSize is the largest inbound frame accepted (10 MB).
	MaxFrameSize = 10 * 1024 * 1024

	closeGracePeriod = time.Second
)

// ErrChannelClosed indicates the channel was closed locally or by a normal close from
// the broker.
var ErrChannelClosed = errors.New("broker: channel closed")

// Frame is one inbound websocket message.
type Frame struct {
	Binary bool
	Data   []byte
}

// ChannelOptions controls the duplex channel.
type ChannelOptions struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PongWait         time.Duration
	PingInterval     time.Duration
	MaxFrameSize     int64
	Header           http.Header
	Logger           zerolog.Logger
}

func (o ChannelOptions) withDefaults() ChannelOptions {
	out := o
	if out.HandshakeTimeout <= 0 {
		out.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = DefaultWriteTimeout
	}
	if out.PongWait <= 0 {
		out.PongWait = DefaultPongWait
	}
	if out.PingInterval <= 0 || out.PingInterval >= out.PongWait {
		out.PingInterval = out.PongWait * 9 / 10
	}
	if out.MaxFrameSize <= 0 {
		out.MaxFrameSize = MaxFrameSize
	}
	return out
}

// Channel is the persistent duplex stream to the broker. Reads must come from a single
// goroutine; writes may come from any goroutine.
type Channel struct {
	conn    *websocket.Conn
	options ChannelOptions
	log     zerolog.Logger

	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

// Dial opens the duplex channel at endpoint (a ws:// or wss:// URL).
func Dial(ctx context.Context, endpoint string, options ChannelOptions) (*Channel, error) {
	opts := options.withDefaults()

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: opts.HandshakeTimeout,
	}

	ctx, cancel := context.WithTimeout(ctx, opts.HandshakeTimeout)
	defer cancel()

	conn, resp, err := dialer.DialContext(ctx, endpoint, opts.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			return nil, &RequestError{Op: "open channel", StatusCode: resp.StatusCode, Err: ErrRequestRejected}
		}
		return nil, classifyNetError("open channel", err)
	}

	ch := &Channel{
		conn:    conn,
		options: opts,
		log:     opts.Logger.With().Str("component", "channel").Logger(),
		closed:  make(chan struct{}),
	}

	conn.SetReadLimit(opts.MaxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(opts.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(opts.PongWait))
	})

	go ch.pingLoop()
	return ch, nil
}

// Done is closed once the channel has been closed.
func (ch *Channel) Done() <-chan struct{} {
	return ch.closed
}

// Read blocks for the next data frame.
func (ch *Channel) Read() (Frame, error) {
	mt, data, err := ch.conn.ReadMessage()
	if err != nil {
		return Frame{}, ch.readError(err)
	}
	_ = ch.conn.SetReadDeadline(time.Now().Add(ch.options.PongWait))
	return Frame{Binary: mt == websocket.BinaryMessage, Data: data}, nil
}

// WriteText sends one text frame.
func (ch *Channel) WriteText(payload []byte) error {
	ch.writeMu.Lock()
	defer ch.writeMu.Unlock()
	return ch.write(websocket.TextMessage, payload)
}

// WriteBinary sends one binary frame.
func (ch *Channel) WriteBinary(payload []byte) error {
	ch.writeMu.Lock()
	defer ch.writeMu.Unlock()
	return ch.write(websocket.BinaryMessage, payload)
}

// WritePair sends a text frame immediately followed by a binary frame. No other write
// can be interleaved between the two.
func (ch *Channel) WritePair(text, binary []byte) error {
	ch.writeMu.Lock()
	defer ch.writeMu.Unlock()
	if err := ch.write(websocket.TextMessage, text); err != nil {
		return err
	}
	return ch.write(websocket.BinaryMessage, binary)
}

// Close sends a normal close frame and releases the connection. Safe to call repeatedly.
func (ch *Channel) Close() error {
	ch.closeOnce.Do(func() {
		close(ch.closed)
		deadline := time.Now().Add(closeGracePeriod)
		_ = ch.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), deadline)
		_ = ch.conn.Close()
	})
	return nil
}

func (ch *Channel) isClosed() bool {
	select {
	case <-ch.closed:
		return true
	default:
		return false
	}
}

func (ch *Channel) write(messageType int, payload []byte) error {
	if ch.isClosed() {
		return fmt.Errorf("%w: %w", ErrTransportUnavailable, ErrChannelClosed)
	}
	if err := ch.conn.SetWriteDeadline(time.Now().Add(ch.options.WriteTimeout)); err != nil {
		return fmt.Errorf("%w: set write deadline: %w", ErrTransportUnavailable, err)
	}
	if err := ch.conn.WriteMessage(messageType, payload); err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("%w: write frame: %w", ErrTimeout, err)
		}
		return fmt.Errorf("%w: write frame: %w", ErrTransportUnavailable, err)
	}
	return nil
}

func (ch *Channel) readError(err error) error {
	if ch.isClosed() {
		return ErrChannelClosed
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return fmt.Errorf("%w: %w", ErrChannelClosed, err)
	}
	// The broker accepts the upgrade for an unknown id and then closes with 1008.
	if websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		return fmt.Errorf("%w: channel refused: %w", ErrRequestRejected, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: no traffic within %s: %w", ErrTimeout, ch.options.PongWait, err)
	}
	return fmt.Errorf("%w: read frame: %w", ErrTransportUnavailable, err)
}

func (ch *Channel) pingLoop() {
	ticker := time.NewTicker(ch.options.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(ch.options.WriteTimeout)
			if err := ch.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				if !ch.isClosed() {
					ch.log.Debug().Err(err).Msg("ping failed")
				}
				return
			}
		case <-ch.closed:
			return
		}
	}
}
