package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"signik/broker"
	"signik/crypto"
	"signik/protocol"
	"signik/session"
)

type runFlags struct {
	metricsAddr string
	inbox       string
	autoAccept  bool
	retryMin    time.Duration
}

func (a *app) runCommand() *cobra.Command {
	var flags runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Hold a broker session open, logging events and reconnecting on failure",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if flags.metricsAddr == "" {
				flags.metricsAddr = a.cfg.MetricsAddr
			}
			return a.run(cmd.Context(), flags)
		},
	}
	cmd.Flags().StringVar(&flags.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	cmd.Flags().StringVar(&flags.inbox, "inbox", "", "directory to store verified incoming documents")
	cmd.Flags().BoolVar(&flags.autoAccept, "auto-accept", false, "accept every incoming connection request")
	cmd.Flags().DurationVar(&flags.retryMin, "retry-min", time.Second, "delay before the first reconnect attempt")
	return cmd
}

func (a *app) run(ctx context.Context, flags runFlags) error {
	registry := prometheus.NewRegistry()
	metrics := session.NewMetrics(registry)
	if flags.metricsAddr != "" {
		stop := a.serveMetrics(flags.metricsAddr, registry)
		defer stop()
	}

	client, err := a.newClient(ctx)
	if err != nil {
		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = flags.retryMin
	policy.MaxInterval = 30 * time.Second
	policy.MaxElapsedTime = 0

	attempt := func() error {
		err := a.serve(ctx, client, metrics, flags, policy.Reset)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if errors.Is(err, broker.ErrInvariantViolation) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		a.log.Warn().Err(err).Dur("retry_in", wait).Msg("session lost, reconnecting")
	}

	err = backoff.RetryNotify(attempt, backoff.WithContext(policy, ctx), notify)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// serve registers, opens one session and holds it until ctx ends or the session fails.
// It never returns nil while ctx is live.
func (a *app) serve(ctx context.Context, client *broker.Client, metrics *session.Metrics, flags runFlags, opened func()) error {
	id, err := client.Register(ctx, a.cfg.DeviceName, a.cfg.IPAddress)
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}

	options := a.sessionOptions()
	options.Metrics = metrics
	sess, err := session.Open(ctx, client, id, options)
	if err != nil {
		a.forgetIfRefused(client, err)
		return err
	}
	defer sess.Close()
	opened()

	receiver := &eventLogger{
		log:        a.log.With().Str("component", "cli").Str("device_id", id).Logger(),
		session:    sess,
		inbox:      flags.inbox,
		autoAccept: flags.autoAccept,
	}
	sess.Subscribe(receiver.handle)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-sess.Done():
		if err := sess.Err(); err != nil {
			a.forgetIfRefused(client, err)
			return err
		}
		return errors.New("session closed")
	}
}

// forgetIfRefused drops the registration when the broker refused the channel. A
// restarted broker no longer knows the id, so the next attempt registers again.
func (a *app) forgetIfRefused(client *broker.Client, err error) {
	if errors.Is(err, broker.ErrRequestRejected) {
		a.log.Warn().Err(err).Str("device_id", client.DeviceID()).Msg("broker refused the channel, registering again")
		client.Forget()
	}
}

func (a *app) serveMetrics(addr string, registry *prometheus.Registry) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error().Err(err).Str("addr", addr).Msg("metrics server failed")
		}
	}()
	a.log.Info().Str("addr", addr).Msg("serving metrics")

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	}
}

// eventLogger logs session events and checks incoming documents against the sendStart
// envelope that announced them. Handlers run one at a time, so no locking is needed.
type eventLogger struct {
	log        zerolog.Logger
	session    *session.Session
	inbox      string
	autoAccept bool

	pendingName string
	pending     *protocol.TransferInfo
}

func (r *eventLogger) handle(event session.Event) {
	switch event.Type {
	case session.EventConnectionRequested:
		from := ""
		if event.Connection.OtherDevice != nil {
			from = event.Connection.OtherDevice.Name
		}
		r.log.Info().Str("connection_id", event.ConnectionID).Str("from", from).Msg("connection requested")
		if r.autoAccept {
			id := event.ConnectionID
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if _, err := r.session.Accept(ctx, id); err != nil {
					r.log.Warn().Err(err).Str("connection_id", id).Msg("auto-accept failed")
				}
			}()
		}
	case session.EventConnectionStatusUpdated:
		r.log.Info().Str("connection_id", event.ConnectionID).Str("status", string(event.Connection.Status)).Msg("connection status")
	case session.EventConnectionRemoved:
		r.log.Info().Str("connection_id", event.ConnectionID).Msg("connection removed")
	case session.EventMessageReceived:
		r.handleMessage(event.Envelope)
	case session.EventBinaryReceived:
		r.handleBinary(event.Binary)
	case session.EventRefreshCompleted:
		e := r.log.Debug()
		if event.Err != nil {
			e = r.log.Warn().Err(event.Err)
		}
		e.Int("devices", len(event.Snapshot.Devices)).
			Int("online", len(event.Snapshot.OnlineDevices)).
			Int("connections", len(event.Snapshot.Connections)).
			Msg("refresh completed")
	case session.EventHeartbeatCompleted:
		r.log.Debug().Bool("ok", event.OK).Msg("heartbeat")
	case session.EventSessionClosed:
		r.log.Info().AnErr("cause", event.Err).Msg("session closed")
	}
}

func (r *eventLogger) handleMessage(env protocol.Envelope) {
	r.log.Info().Str("type", env.Type).Str("sender", env.SenderDeviceID).Str("doc_id", env.DocID).Msg("message received")
	if env.Type != protocol.TypeSendStart {
		return
	}
	r.pendingName = env.Name
	r.pending = nil
	if info, ok := protocol.TransferInfoOf(env); ok {
		r.pending = &info
	}
}

func (r *eventLogger) handleBinary(payload []byte) {
	name := r.pendingName
	info := r.pending
	r.pendingName, r.pending = "", nil

	if info != nil && (info.Size != len(payload) || !crypto.VerifyChecksum(payload, info.Checksum)) {
		r.log.Warn().Str("transfer_id", info.TransferID).Str("name", name).Msg("document failed verification, discarding")
		return
	}
	entry := r.log.Info().Str("name", name).Int("size", len(payload)).Bool("verified", info != nil)
	if info != nil {
		entry = entry.Str("transfer_id", info.TransferID)
	}
	entry.Msg("document received")

	if r.inbox == "" || name == "" {
		return
	}
	path := filepath.Join(r.inbox, filepath.Base(name))
	if err := os.WriteFile(path, payload, 0o600); err != nil {
		r.log.Error().Err(err).Str("path", path).Msg("could not store document")
	}
}
