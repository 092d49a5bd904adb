package cli

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"signik/broker"
	"signik/brokertest"
	"signik/config"
	"signik/crypto"
	"signik/protocol"
	"signik/session"
)

func newTestBroker(t *testing.T) *brokertest.Server {
	t.Helper()
	t.Setenv(config.EnvDataDir, t.TempDir())
	t.Setenv(config.EnvBrokerURL, "")
	t.Setenv(config.EnvDeviceName, "")
	t.Setenv(config.EnvLogLevel, "")

	server := brokertest.NewServer()
	t.Cleanup(server.Close)
	server.AddDevice(brokertest.Device{ID: "d2", Name: "Device-B", DeviceType: "android", IsOnline: true})
	return server
}

func runCLI(ctx context.Context, server *brokertest.Server, args ...string) (string, error) {
	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(append([]string{"--broker", server.URL, "--name", "Device-A", "--ip", "10.0.0.5", "--log-level", "error"}, args...))
	err := root.ExecuteContext(ctx)
	return out.String(), err
}

func TestRegisterAndList(t *testing.T) {
	server := newTestBroker(t)
	ctx := context.Background()

	out, err := runCLI(ctx, server, "register")
	require.NoError(t, err)
	require.Equal(t, "d1\n", out)

	out, err = runCLI(ctx, server, "register")
	require.NoError(t, err)
	require.Equal(t, "d1\n", out)

	out, err = runCLI(ctx, server, "devices", "--filter", "all")
	require.NoError(t, err)
	require.Contains(t, out, "Device-A")
	require.Contains(t, out, "Device-B")

	out, err = runCLI(ctx, server, "online")
	require.NoError(t, err)
	require.Contains(t, out, "Device-B")
	require.NotContains(t, out, "Device-A")

	_, err = runCLI(ctx, server, "devices", "--filter", "tablet")
	require.Error(t, err)
}

func TestConnectionCommands(t *testing.T) {
	server := newTestBroker(t)
	ctx := context.Background()

	out, err := runCLI(ctx, server, "connect", "d2")
	require.NoError(t, err)
	require.Equal(t, "c1\n", out)

	out, err = runCLI(ctx, server, "connections")
	require.NoError(t, err)
	require.Contains(t, out, "c1")
	require.Contains(t, out, "pending")
	require.Contains(t, out, "Device-B (d2)")

	out, err = runCLI(ctx, server, "status", "c1", "connected")
	require.NoError(t, err)
	require.Equal(t, "c1 connected\n", out)
	status, _ := server.ConnectionStatus("c1")
	require.Equal(t, "connected", status)

	_, err = runCLI(ctx, server, "status", "c1", "pending")
	require.ErrorIs(t, err, broker.ErrInvariantViolation)

	out, err = runCLI(ctx, server, "delete", "c1")
	require.NoError(t, err)
	require.Equal(t, "c1 removed\n", out)
	_, exists := server.ConnectionStatus("c1")
	require.False(t, exists)

	_, err = runCLI(ctx, server, "connect", "d404")
	require.Error(t, err)
}

func TestSendCommand(t *testing.T) {
	server := newTestBroker(t)
	path := filepath.Join(t.TempDir(), "contract.pdf")
	payload := []byte("%PDF-1.7 body")
	require.NoError(t, os.WriteFile(path, payload, 0o600))

	out, err := runCLI(context.Background(), server, "send", path, "--to", "d2", "--doc-id", "doc-7")
	require.NoError(t, err)
	require.Contains(t, out, crypto.ChecksumPrefix)

	var frames []brokertest.Frame
	require.Eventually(t, func() bool {
		frames = server.Received("d1")
		return len(frames) == 2
	}, 3*time.Second, 10*time.Millisecond)
	require.True(t, frames[1].Binary)
	require.Equal(t, payload, frames[1].Data)

	_, err = runCLI(context.Background(), server, "send", path)
	require.Error(t, err)
}

func TestProbeCommand(t *testing.T) {
	server := newTestBroker(t)

	out, err := runCLI(context.Background(), server, "probe", "--probe-timeout", "2s")
	require.NoError(t, err)
	require.Contains(t, out, "reachable")
	require.Contains(t, out, "broker healthy")

	server.SetFailing(brokertest.RouteHealth, true)
	out, err = runCLI(context.Background(), server, "probe")
	require.ErrorIs(t, err, broker.ErrRequestRejected)
	require.Contains(t, out, "broker unhealthy")
}

func TestRunStoresVerifiedDocuments(t *testing.T) {
	server := newTestBroker(t)
	inbox := t.TempDir()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		_, err := runCLI(ctx, server, "run", "--inbox", inbox)
		done <- err
	}()

	require.Eventually(t, func() bool { return server.Connected("d1") }, 3*time.Second, 10*time.Millisecond)

	payload := []byte("signed document")
	info := protocol.TransferInfo{TransferID: "t-1", Size: len(payload), Checksum: crypto.Checksum(payload)}
	env, err := protocol.SendStart("signed.pdf", "d1", "d2", "doc-1", info)
	require.NoError(t, err)
	frame, err := protocol.Encode(env)
	require.NoError(t, err)
	require.NoError(t, server.PushText("d1", frame))
	require.NoError(t, server.PushBinary("d1", payload))

	stored := filepath.Join(inbox, "signed.pdf")
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(stored)
		return err == nil && bytes.Equal(data, payload)
	}, 3*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("run did not stop")
	}
}

func TestRunRegistersAgainAfterBrokerRestart(t *testing.T) {
	server := newTestBroker(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		_, err := runCLI(ctx, server, "run", "--retry-min", "50ms")
		done <- err
	}()

	require.Eventually(t, func() bool { return server.Connected("d1") }, 3*time.Second, 10*time.Millisecond)
	require.Equal(t, 1, server.Count(brokertest.RouteRegister))

	// The broker forgets d1; the next registration is issued d3 since d2 is taken.
	server.RemoveDevice("d1")

	require.Eventually(t, func() bool { return server.Connected("d3") }, 10*time.Second, 20*time.Millisecond)
	require.Equal(t, 2, server.Count(brokertest.RouteRegister))
	require.False(t, server.Connected("d1"))

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("run did not stop")
	}
}

func TestEventLoggerDiscardsTamperedDocuments(t *testing.T) {
	inbox := t.TempDir()
	receiver := &eventLogger{log: zerolog.Nop(), inbox: inbox}

	payload := []byte("original")
	env, err := protocol.SendStart("a.pdf", "d1", "d2", "", protocol.TransferInfo{
		TransferID: "t-1",
		Size:       len(payload),
		Checksum:   crypto.Checksum(payload),
	})
	require.NoError(t, err)

	receiver.handle(session.Event{Type: session.EventMessageReceived, Envelope: env})
	receiver.handle(session.Event{Type: session.EventBinaryReceived, Binary: []byte("tampered")})
	_, err = os.Stat(filepath.Join(inbox, "a.pdf"))
	require.True(t, os.IsNotExist(err))

	receiver.handle(session.Event{Type: session.EventMessageReceived, Envelope: env})
	receiver.handle(session.Event{Type: session.EventBinaryReceived, Binary: payload})
	data, err := os.ReadFile(filepath.Join(inbox, "a.pdf"))
	require.NoError(t, err)
	require.Equal(t, payload, data)

	// A binary frame without an announcement is logged but not stored.
	receiver.handle(session.Event{Type: session.EventBinaryReceived, Binary: payload})
	entries, err := os.ReadDir(inbox)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestBrokerHostPort(t *testing.T) {
	cases := map[string]string{
		"http://10.0.0.2:8000":       "10.0.0.2:8000",
		"http://broker.local":        "broker.local:80",
		"https://broker.example/api": "broker.example:443",
	}
	for raw, want := range cases {
		got, err := brokerHostPort(raw)
		require.NoError(t, err, raw)
		require.Equal(t, want, got, raw)
	}
	_, err := brokerHostPort("not a url")
	require.Error(t, err)
}

func TestExecuteReportsErrors(t *testing.T) {
	t.Setenv(config.EnvDataDir, t.TempDir())
	var stderr bytes.Buffer
	code := Execute(context.Background(), []string{"connect"}, io.Discard, &stderr)
	require.Equal(t, 1, code)
	require.True(t, strings.HasPrefix(stderr.String(), "error: "))
}
