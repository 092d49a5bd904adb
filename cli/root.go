// Package cli is the command-line front end: one-shot broker commands plus a long-running
// session that logs every event.
package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"signik/broker"
	"signik/config"
	"signik/discovery"
	"signik/logging"
	"signik/models"
)

type globalFlags struct {
	brokerURL   string
	deviceName  string
	deviceClass string
	ipAddress   string
	logLevel    string
	timeout     time.Duration
	discover    bool
	pretty      bool
}

type app struct {
	flags   globalFlags
	cfg     *config.ClientConfig
	cfgPath string
	log     zerolog.Logger
}

// NewRootCommand builds the signik command tree.
func NewRootCommand() *cobra.Command {
	a := &app{log: zerolog.Nop()}

	root := &cobra.Command{
		Use:           "signik",
		Short:         "Signik broker client",
		Long:          "Registers this device with a Signik broker, pairs it with other devices and exchanges documents over the broker channel.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.flags.brokerURL, "broker", "", "broker base URL (overrides config)")
	flags.StringVar(&a.flags.deviceName, "name", "", "device name to register under")
	flags.StringVar(&a.flags.deviceClass, "class", "", "device class: desktop-class or mobile-class")
	flags.StringVar(&a.flags.ipAddress, "ip", "", "IPv4 address to register (default: detected)")
	flags.StringVar(&a.flags.logLevel, "log-level", "", "log level: debug, info, warn, error")
	flags.DurationVar(&a.flags.timeout, "timeout", 0, "per-request timeout")
	flags.BoolVar(&a.flags.discover, "discover", false, "find the broker over mDNS")
	flags.BoolVar(&a.flags.pretty, "pretty", false, "human-readable logs")

	root.AddCommand(
		a.registerCommand(),
		a.devicesCommand(),
		a.onlineCommand(),
		a.connectionsCommand(),
		a.connectCommand(),
		a.statusCommand(),
		a.deleteCommand(),
		a.sendCommand(),
		a.probeCommand(),
		a.discoverCommand(),
		a.advertiseCommand(),
		a.runCommand(),
	)
	return root
}

// Execute runs the command tree with ctx and writes a failure to stderr.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := NewRootCommand()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

func (a *app) setup(cmd *cobra.Command) error {
	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if a.flags.brokerURL != "" {
		cfg.BrokerURL = a.flags.brokerURL
	}
	if a.flags.deviceName != "" {
		cfg.DeviceName = a.flags.deviceName
	}
	if a.flags.deviceClass != "" {
		class, err := models.ParseDeviceClass(a.flags.deviceClass)
		if err != nil {
			return err
		}
		cfg.DeviceClass = class.String()
	}
	if a.flags.ipAddress != "" {
		cfg.IPAddress = a.flags.ipAddress
	}
	if a.flags.logLevel != "" {
		cfg.LogLevel = a.flags.logLevel
	}
	if a.flags.timeout > 0 {
		cfg.RequestTimeoutMS = int(a.flags.timeout / time.Millisecond)
	}
	if a.flags.discover {
		cfg.DiscoverBroker = true
	}

	a.cfg = cfg
	a.cfgPath = cfgPath
	a.log = logging.New(logging.Options{
		Level:  cfg.LogLevel,
		Pretty: a.flags.pretty,
		Writer: cmd.ErrOrStderr(),
	})
	return nil
}

// brokerURL returns the configured broker, or the first one found over mDNS when
// discovery is enabled.
func (a *app) brokerURL(ctx context.Context) (string, error) {
	if !a.cfg.DiscoverBroker {
		return a.cfg.BrokerURL, nil
	}
	found, err := discovery.FindBroker(ctx, discovery.Config{})
	if err != nil {
		return "", fmt.Errorf("discover broker: %w", err)
	}
	a.log.Info().Str("instance", found.Instance).Str("url", found.URL()).Msg("broker discovered")
	return found.URL(), nil
}

func (a *app) newClient(ctx context.Context) (*broker.Client, error) {
	baseURL, err := a.brokerURL(ctx)
	if err != nil {
		return nil, err
	}
	return broker.NewClient(broker.Options{
		BaseURL:        baseURL,
		DeviceClass:    a.cfg.Class(),
		RequestTimeout: a.cfg.RequestTimeout(),
		Logger:         a.log,
	})
}

// registeredClient builds a client and registers this device. The broker keys devices by
// name and class, so repeated runs get the same id back.
func (a *app) registeredClient(ctx context.Context) (*broker.Client, string, error) {
	client, err := a.newClient(ctx)
	if err != nil {
		return nil, "", err
	}
	id, err := client.Register(ctx, a.cfg.DeviceName, a.cfg.IPAddress)
	if err != nil {
		return nil, "", fmt.Errorf("register: %w", err)
	}
	return client, id, nil
}
