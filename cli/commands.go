package cli

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"signik/broker"
	"signik/discovery"
	"signik/models"
	"signik/netutil"
	"signik/session"
)

func (a *app) registerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "register",
		Short: "Register this device and print its id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, id, err := a.registeredClient(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
}

func (a *app) devicesCommand() *cobra.Command {
	var class string
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List registered devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := a.filter(class)
			if err != nil {
				return err
			}
			client, err := a.newClient(cmd.Context())
			if err != nil {
				return err
			}
			devices, err := client.FetchDevices(cmd.Context(), filter)
			if err != nil {
				return err
			}
			return printDevices(cmd.OutOrStdout(), devices)
		},
	}
	cmd.Flags().StringVar(&class, "filter", "", "device class to list: desktop-class, mobile-class or all (default from config)")
	return cmd
}

func (a *app) onlineCommand() *cobra.Command {
	var class string
	cmd := &cobra.Command{
		Use:   "online",
		Short: "List online devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := a.filter(class)
			if err != nil {
				return err
			}
			client, err := a.newClient(cmd.Context())
			if err != nil {
				return err
			}
			devices, err := client.FetchOnlineDevices(cmd.Context(), filter)
			if err != nil {
				return err
			}
			return printDevices(cmd.OutOrStdout(), devices)
		},
	}
	cmd.Flags().StringVar(&class, "filter", "", "device class to list: desktop-class, mobile-class or all (default from config)")
	return cmd
}

func (a *app) connectionsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "connections",
		Short: "List this device's connections",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, id, err := a.registeredClient(cmd.Context())
			if err != nil {
				return err
			}
			connections, err := client.FetchMyConnections(cmd.Context())
			if err != nil {
				return err
			}
			return printConnections(cmd.OutOrStdout(), id, connections)
		},
	}
}

func (a *app) connectCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "connect <device-id>",
		Short: "Ask another device to pair with this one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := a.registeredClient(cmd.Context())
			if err != nil {
				return err
			}
			connectionID, ok := client.RequestConnection(cmd.Context(), args[0])
			if !ok {
				return fmt.Errorf("connection request to %s failed", args[0])
			}
			fmt.Fprintln(cmd.OutOrStdout(), connectionID)
			return nil
		},
	}
}

func (a *app) statusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <connection-id> <connected|rejected|disconnected>",
		Short: "Accept, reject or end a connection",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := models.ParseConnectionStatus(args[1])
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			client, id, err := a.registeredClient(ctx)
			if err != nil {
				return err
			}
			sess, err := session.Open(ctx, client, id, a.sessionOptions())
			if err != nil {
				return err
			}
			defer sess.Close()

			// Load the broker's view so the change is checked against the current status.
			if err := sess.Refresh(ctx); err != nil {
				return fmt.Errorf("refresh: %w", err)
			}
			ok, err := sess.UpdateConnectionStatus(ctx, args[0], status)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("broker did not accept status %s for %s", status, args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", args[0], status)
			return nil
		},
	}
}

func (a *app) deleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <connection-id>",
		Short: "Remove a connection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.newClient(cmd.Context())
			if err != nil {
				return err
			}
			if !client.DeleteConnection(cmd.Context(), args[0]) {
				return fmt.Errorf("delete %s failed", args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s removed\n", args[0])
			return nil
		},
	}
}

func (a *app) sendCommand() *cobra.Command {
	var (
		target string
		docID  string
	)
	cmd := &cobra.Command{
		Use:   "send <file>",
		Short: "Send a document to a paired device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" {
				return errors.New("--to is required")
			}
			payload, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read document: %w", err)
			}
			if int64(len(payload)) > broker.MaxFrameSize {
				return fmt.Errorf("document is %d bytes, the channel limit is %d", len(payload), broker.MaxFrameSize)
			}

			ctx := cmd.Context()
			client, id, err := a.registeredClient(ctx)
			if err != nil {
				return err
			}
			sess, err := session.Open(ctx, client, id, a.sessionOptions())
			if err != nil {
				return err
			}
			defer sess.Close()

			info, err := sess.SendTransfer(filepath.Base(args[0]), target, docID, payload)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %d bytes %s\n", info.TransferID, info.Size, info.Checksum)
			return nil
		},
	}
	cmd.Flags().StringVar(&target, "to", "", "receiving device id")
	cmd.Flags().StringVar(&docID, "doc-id", "", "document id to attach")
	return cmd
}

func (a *app) probeCommand() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Check that the broker is reachable and healthy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			baseURL, err := a.brokerURL(ctx)
			if err != nil {
				return err
			}
			hostport, err := brokerHostPort(baseURL)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if err := netutil.Probe(ctx, hostport, timeout); err != nil {
				fmt.Fprintf(out, "%s unreachable\n", hostport)
				return err
			}
			fmt.Fprintf(out, "%s reachable\n", hostport)

			client, err := a.newClient(ctx)
			if err != nil {
				return err
			}
			if err := client.Health(ctx); err != nil {
				fmt.Fprintln(out, "broker unhealthy")
				return err
			}
			fmt.Fprintln(out, "broker healthy")
			fmt.Fprintf(out, "local address %s\n", netutil.LocalIPv4())
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "probe-timeout", netutil.DefaultProbeTimeout, "TCP connect timeout")
	return cmd
}

func (a *app) discoverCommand() *cobra.Command {
	var scan time.Duration
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "List brokers advertised on the local network",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			brokers, err := discovery.FindBrokers(cmd.Context(), discovery.Config{ScanTimeout: scan})
			if err != nil {
				return err
			}
			if len(brokers) == 0 {
				return discovery.ErrNoBroker
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "INSTANCE\tURL\tVERSION")
			for _, b := range brokers {
				fmt.Fprintf(w, "%s\t%s\t%d\n", b.Instance, b.URL(), b.Version)
			}
			return w.Flush()
		},
	}
	cmd.Flags().DurationVar(&scan, "scan", discovery.DefaultScanTimeout, "how long to listen for advertisements")
	return cmd
}

func (a *app) advertiseCommand() *cobra.Command {
	var instance string
	cmd := &cobra.Command{
		Use:   "advertise",
		Short: "Announce the configured broker over mDNS until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if instance == "" {
				instance = a.cfg.DeviceName
			}
			advertiser, err := discovery.Advertise(discovery.Config{}, instance, a.cfg.BrokerURL)
			if err != nil {
				return err
			}
			defer advertiser.Stop()

			a.log.Info().Str("instance", instance).Str("url", a.cfg.BrokerURL).Msg("advertising broker")
			<-cmd.Context().Done()
			return nil
		},
	}
	cmd.Flags().StringVar(&instance, "instance", "", "mDNS instance name (default: device name)")
	return cmd
}

func (a *app) filter(flag string) (models.DeviceClass, error) {
	if flag == "" {
		return a.cfg.Filter(), nil
	}
	return models.ParseDeviceClass(flag)
}

func (a *app) sessionOptions() session.Options {
	return session.Options{
		RefreshInterval:   a.cfg.RefreshInterval(),
		HeartbeatInterval: a.cfg.HeartbeatInterval(),
		DeviceClassFilter: a.cfg.Filter(),
		Logger:            a.log,
	}
}

func brokerHostPort(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Hostname() == "" {
		return "", fmt.Errorf("invalid broker URL %q", baseURL)
	}
	port := u.Port()
	if port == "" {
		port = "80"
		if u.Scheme == "https" {
			port = "443"
		}
	}
	return net.JoinHostPort(u.Hostname(), port), nil
}

func printDevices(out io.Writer, devices []models.Device) error {
	now := time.Now()
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tCLASS\tADDRESS\tSTATUS\tLAST SEEN")
	for _, d := range devices {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", d.ID, d.Name, d.Class, d.Address, d.StatusText(), d.LastSeenText(now))
	}
	return w.Flush()
}

func printConnections(out io.Writer, localID string, connections []models.Connection) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tOTHER DEVICE\tINITIATED BY")
	for _, c := range connections {
		other := c.OtherDeviceID(localID)
		if c.OtherDevice != nil && c.OtherDevice.Name != "" {
			other = fmt.Sprintf("%s (%s)", c.OtherDevice.Name, other)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", c.ID, c.Status, other, c.InitiatorID)
	}
	return w.Flush()
}
