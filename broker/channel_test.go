package broker

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"signik/brokertest"
)

func dialTestChannel(t *testing.T, srv *brokertest.Server, deviceID string) *Channel {
	t.Helper()
	client, err := NewClient(Options{BaseURL: srv.URL})
	require.NoError(t, err)

	ch, err := Dial(context.Background(), client.ChannelURL(deviceID), ChannelOptions{HandshakeTimeout: 2 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ch.Close() })

	waitForCondition(t, 2*time.Second, func() bool { return srv.Connected(deviceID) })
	return ch
}

func waitForCondition(t *testing.T, timeout time.Duration, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestChannelReadsTextAndBinaryFrames(t *testing.T) {
	srv := brokertest.NewServer()
	defer srv.Close()
	srv.AddDevice(brokertest.Device{ID: "d1", Name: "PC", DeviceType: "windows"})

	ch := dialTestChannel(t, srv, "d1")

	require.NoError(t, srv.PushText("d1", []byte(`{"type":"ping"}`)))
	require.NoError(t, srv.PushBinary("d1", []byte{0x01, 0x02}))

	frame, err := ch.Read()
	require.NoError(t, err)
	require.False(t, frame.Binary)
	require.JSONEq(t, `{"type":"ping"}`, string(frame.Data))

	frame, err = ch.Read()
	require.NoError(t, err)
	require.True(t, frame.Binary)
	require.Equal(t, []byte{0x01, 0x02}, frame.Data)
}

func TestChannelWritePairKeepsOrder(t *testing.T) {
	srv := brokertest.NewServer()
	defer srv.Close()
	srv.AddDevice(brokertest.Device{ID: "d1", Name: "PC", DeviceType: "windows"})

	ch := dialTestChannel(t, srv, "d1")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5; i++ {
			_ = ch.WriteText([]byte(`{"type":"noise"}`))
		}
	}()
	require.NoError(t, ch.WritePair([]byte(`{"type":"sendStart"}`), []byte("PDF")))
	<-done

	waitForCondition(t, 2*time.Second, func() bool { return len(srv.Received("d1")) == 7 })

	frames := srv.Received("d1")
	for i, frame := range frames {
		if strings.Contains(string(frame.Data), "sendStart") {
			require.Less(t, i+1, len(frames))
			require.True(t, frames[i+1].Binary)
			require.Equal(t, "PDF", string(frames[i+1].Data))
			return
		}
	}
	t.Fatalf("sendStart frame not received")
}

func TestChannelCloseIsIdempotent(t *testing.T) {
	srv := brokertest.NewServer()
	defer srv.Close()
	srv.AddDevice(brokertest.Device{ID: "d1", Name: "PC", DeviceType: "windows"})

	ch := dialTestChannel(t, srv, "d1")
	require.NoError(t, ch.Close())
	require.NoError(t, ch.Close())

	select {
	case <-ch.Done():
	default:
		t.Fatalf("Done not closed after Close")
	}

	err := ch.WriteText([]byte("{}"))
	require.ErrorIs(t, err, ErrTransportUnavailable)
	require.ErrorIs(t, err, ErrChannelClosed)

	_, err = ch.Read()
	require.ErrorIs(t, err, ErrChannelClosed)

	waitForCondition(t, 2*time.Second, func() bool { return !srv.Connected("d1") })
}

func TestChannelRemoteDropIsTransportError(t *testing.T) {
	srv := brokertest.NewServer()
	defer srv.Close()
	srv.AddDevice(brokertest.Device{ID: "d1", Name: "PC", DeviceType: "windows"})

	ch := dialTestChannel(t, srv, "d1")
	srv.DropChannel("d1")

	_, err := ch.Read()
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrTransportUnavailable) || errors.Is(err, ErrChannelClosed))
}

func TestDialUnknownDeviceIsRejected(t *testing.T) {
	srv := brokertest.NewServer()
	defer srv.Close()

	client, err := NewClient(Options{BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = Dial(context.Background(), client.ChannelURL("ghost"), ChannelOptions{})
	require.ErrorIs(t, err, ErrRequestRejected)

	var reqErr *RequestError
	require.True(t, errors.As(err, &reqErr))
	require.Equal(t, http.StatusForbidden, reqErr.StatusCode)
}

func TestPolicyCloseIsRejection(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "Device not registered"))
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	endpoint := "ws" + strings.TrimPrefix(srv.URL, "http")
	ch, err := Dial(context.Background(), endpoint, ChannelOptions{})
	require.NoError(t, err)
	defer ch.Close()

	_, err = ch.Read()
	require.ErrorIs(t, err, ErrRequestRejected)
	require.False(t, errors.Is(err, ErrTransportUnavailable))
}

func TestDialUnreachable(t *testing.T) {
	base := closedAddress(t)
	endpoint := "ws" + strings.TrimPrefix(base, "http") + "/ws/d1"
	_, err := Dial(context.Background(), endpoint, ChannelOptions{HandshakeTimeout: time.Second})
	require.ErrorIs(t, err, ErrTransportUnavailable)
}

func TestChannelRejectsOversizedFrame(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.BinaryMessage, make([]byte, 2048))
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	endpoint := "ws" + strings.TrimPrefix(srv.URL, "http")
	ch, err := Dial(context.Background(), endpoint, ChannelOptions{MaxFrameSize: 1024})
	require.NoError(t, err)
	defer ch.Close()

	_, err = ch.Read()
	require.ErrorIs(t, err, ErrTransportUnavailable)
}
