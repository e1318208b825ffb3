package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/takehaya/tgctl/pkg/config"
	"github.com/takehaya/tgctl/pkg/exporter"
	"github.com/takehaya/tgctl/pkg/logger"
	"github.com/takehaya/tgctl/pkg/ops"
	"github.com/takehaya/tgctl/pkg/tgctl"
	"github.com/urfave/cli"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
	builtBy = "unknown"
)

func main() {
	app := newApp(version)
	if err := app.Run(os.Args); err != nil {
		log.Fatalf("%+v", err)
	}
}

func newApp(version string) *cli.App {
	app := cli.NewApp()
	app.Name = "tgctl"
	app.Version = fmt.Sprintf("%s, %s, %s, %s", version, commit, date, builtBy)

	app.Usage = "traffic generator scenarios, server management and an appliance simulator"

	app.EnableBashCompletion = true
	// -v is verbose
	cli.VersionFlag = cli.BoolFlag{Name: "version", Usage: "print the version"}
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "server, s",
			Usage: "traffic generator server address, overrides TGCTL_SERVER",
		},
		cli.StringFlag{
			Name:  "meetingpoint, m",
			Usage: "meeting point address, overrides TGCTL_MEETINGPOINT",
		},
		cli.StringFlag{
			Name:  "user, u",
			Usage: "API user name, overrides TGCTL_USER",
		},
		cli.StringSliceFlag{
			Name:  "env-file",
			Usage: "dotenv file to read before the environment, default is .env",
		},
		cli.StringFlag{
			Name:  "plugin-path, P",
			Value: "/usr/local/lib/tgctl/plugins/",
			Usage: "frame generator plugin path, default is /usr/local/lib/tgctl/plugins/",
		},
		cli.BoolFlag{
			Name:  "log-json",
			Usage: "log entries as JSON",
		},
		cli.BoolFlag{
			Name:  "no-color",
			Usage: "plain level names in console logs",
		},
		cli.BoolFlag{
			Name:  "verbose, v",
			Usage: "debug logging",
		},
		cli.BoolFlag{
			Name:  "quiet, q",
			Usage: "warnings and errors only",
		},
		cli.StringFlag{
			Name:  "log-file",
			Usage: "also write JSON logs to this rotated file",
		},
	}
	app.Commands = []cli.Command{
		{
			Name:      "run",
			Usage:     "run a scenario",
			ArgsUsage: "<scenario>",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "config, c", Usage: "scenario YAML file, defaults apply to what it leaves out"},
				cli.StringFlag{Name: "format, f", Value: "text", Usage: "report format: text, csv or json"},
				cli.StringFlag{Name: "out, o", Usage: "also write the report to this file"},
				cli.BoolFlag{Name: "save", Usage: "also write the report to TGCTL_OUTPUT_DIR"},
				cli.BoolFlag{Name: "upload", Usage: "upload the report to S3"},
				cli.BoolFlag{Name: "store", Usage: "store the run in the history"},
				cli.DurationFlag{Name: "interval", Value: time.Second, Usage: "live counter period"},
				cli.DurationFlag{Name: "timeout", Usage: "abort the scenario after this long"},
			},
			Action: runScenario,
		},
		{
			Name:   "list",
			Usage:  "list the scenarios",
			Action: listScenarios,
		},
		{
			Name:  "ping",
			Usage: "ICMP echo from a port",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "interface, i", Usage: "interface of the port"},
				cli.StringFlag{Name: "target, t", Usage: "address to ping"},
				cli.IntFlag{Name: "count, c", Usage: "number of echo intervals"},
				cli.DurationFlag{Name: "interval", Usage: "time between echo requests"},
				cli.StringFlag{Name: "format, f", Value: "text", Usage: "report format: text, csv or json"},
				cli.BoolFlag{Name: "store", Usage: "store the run in the history"},
			},
			Action: ping,
		},
		{
			Name:  "serve",
			Usage: "run the appliance simulator",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "listen, l", Value: ":8080", Usage: "API listen address"},
				cli.StringFlag{Name: "config, c", Usage: "simulator YAML file, the default lab when empty"},
			},
			Action: serve,
		},
		{
			Name:   "users",
			Usage:  "list the API users of the server and meeting point",
			Action: withTgctl(func(ctx context.Context, c *cli.Context, x *tgctl.Tgctl) error { return x.Users(ctx) }),
		},
		{
			Name:   "version",
			Usage:  "print the server version",
			Action: withTgctl(func(ctx context.Context, c *cli.Context, x *tgctl.Tgctl) error { return x.Version(ctx) }),
		},
		{
			Name:   "api-version",
			Usage:  "print the client and server API versions",
			Action: withTgctl(func(ctx context.Context, c *cli.Context, x *tgctl.Tgctl) error { return x.APIVersion(ctx) }),
		},
		{
			Name:  "update-check",
			Usage: "check whether a newer server version is published",
			Action: withTgctl(func(ctx context.Context, c *cli.Context, x *tgctl.Tgctl) error {
				_, err := x.UpdateCheck(ctx)
				return err
			}),
		},
		{
			Name:  "tunnel",
			Usage: "forward a local TCP port through a server port",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "interface, i", Value: "nontrunk-1", Usage: "interface of the port"},
				cli.StringFlag{Name: "mac", Value: "00:bb:01:00:00:01", Usage: "MAC address of the port"},
				cli.StringFlag{Name: "address", Usage: "static IPv4 address, DHCP when empty"},
				cli.StringFlag{Name: "netmask", Usage: "netmask of the static address"},
				cli.StringFlag{Name: "gateway", Usage: "gateway of the static address"},
				cli.IntFlag{Name: "local-port", Usage: "local port, a random one when 0"},
				cli.StringFlag{Name: "remote-address, r", Usage: "address to forward to"},
				cli.IntFlag{Name: "remote-port", Value: 80, Usage: "port to forward to"},
				cli.DurationFlag{Name: "period", Value: 5 * time.Second, Usage: "counter print period"},
			},
			Action: withTgctl(tunnel),
		},
		{
			Name:      "modems",
			Usage:     "discover the gateways connected to the server interfaces",
			ArgsUsage: "[interface prefix]",
			Flags: []cli.Flag{
				cli.DurationFlag{Name: "timeout", Value: ops.DefaultDHCPTimeout, Usage: "DHCP wait per interface"},
			},
			Action: withTgctl(func(ctx context.Context, c *cli.Context, x *tgctl.Tgctl) error {
				_, err := x.Modems(ctx, c.Args().First(), c.Duration("timeout"))
				return err
			}),
		},
		{
			Name:  "overview",
			Usage: "print per interface counters and serve them as Prometheus metrics",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "listen, l", Value: ":9273", Usage: "metrics listen address, disabled when empty"},
				cli.DurationFlag{Name: "period", Value: exporter.DefaultPeriod, Usage: "refresh period"},
			},
			Action: withTgctl(func(ctx context.Context, c *cli.Context, x *tgctl.Tgctl) error {
				return x.Overview(ctx, c.String("listen"), c.Duration("period"))
			}),
		},
		{
			Name:      "dump",
			Usage:     "record the traffic of an interface to a pcap file",
			ArgsUsage: "<interface>",
			Flags: []cli.Flag{
				cli.DurationFlag{Name: "duration, d", Value: 10 * time.Second, Usage: "how long to record"},
				cli.StringFlag{Name: "output, o", Usage: "pcap file, <interface>.pcap when empty"},
			},
			Action: withTgctl(dump),
		},
		{
			Name:   "devices",
			Usage:  "list the wireless endpoints of the meeting point",
			Action: withTgctl(func(ctx context.Context, c *cli.Context, x *tgctl.Tgctl) error { return x.Devices(ctx) }),
		},
		{
			Name:  "history",
			Usage: "inspect stored runs",
			Subcommands: []cli.Command{
				{
					Name:  "list",
					Usage: "list stored runs",
					Flags: []cli.Flag{
						cli.StringFlag{Name: "scenario", Usage: "only runs of this scenario"},
						cli.IntFlag{Name: "limit, n", Usage: "only the latest n runs"},
					},
					Action: withTgctl(func(ctx context.Context, c *cli.Context, x *tgctl.Tgctl) error {
						return x.ListHistory(c.String("scenario"), c.Int("limit"))
					}),
				},
				{
					Name:      "show",
					Usage:     "print a stored run",
					ArgsUsage: "<key>",
					Flags: []cli.Flag{
						cli.StringFlag{Name: "format, f", Value: "text", Usage: "report format: text, csv or json"},
					},
					Action: withTgctl(func(ctx context.Context, c *cli.Context, x *tgctl.Tgctl) error {
						if c.NArg() != 1 {
							return errors.New("expects a history key")
						}
						return x.ShowHistory(c.Args().First())
					}),
				},
				{
					Name:      "delete",
					Usage:     "delete a stored run",
					ArgsUsage: "<key>",
					Action: withTgctl(func(ctx context.Context, c *cli.Context, x *tgctl.Tgctl) error {
						if c.NArg() != 1 {
							return errors.New("expects a history key")
						}
						return x.DeleteHistory(c.Args().First())
					}),
				},
			},
		},
	}
	return app
}

// loadConfig merges the environment, the global flags and the flags of
// the command.
func loadConfig(c *cli.Context) (tgctl.Config, error) {
	env, err := config.LoadEnv(c.GlobalStringSlice("env-file")...)
	if err != nil {
		return tgctl.Config{}, err
	}
	if s := c.GlobalString("server"); s != "" {
		env.Server = s
	}
	if s := c.GlobalString("meetingpoint"); s != "" {
		env.MeetingPoint = s
	}
	if s := c.GlobalString("user"); s != "" {
		env.User = s
	}

	cfg := tgctl.Config{
		LoggerConfig: logger.Config{
			JSON:       c.GlobalBool("log-json"),
			NoColor:    c.GlobalBool("no-color"),
			Quiet:      c.GlobalBool("quiet"),
			File:       c.GlobalString("log-file"),
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
		Env:        env,
		PluginPath: c.GlobalString("plugin-path"),
		Format:     c.String("format"),
		OutputFile: c.String("out"),
		Save:       c.Bool("save"),
		Upload:     c.Bool("upload"),
		Store:      c.Bool("store"),
		Interval:   c.Duration("interval"),
		Timeout:    c.Duration("timeout"),
	}
	if c.GlobalBool("verbose") {
		cfg.LoggerConfig.Verbose = 1
	}
	return cfg, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

type action func(ctx context.Context, c *cli.Context, x *tgctl.Tgctl) error

func withTgctl(fn action) func(c *cli.Context) error {
	return func(c *cli.Context) error {
		cfg, err := loadConfig(c)
		if err != nil {
			return errors.WithStack(err)
		}
		ctx, cancel := signalContext()
		defer cancel()
		x, err := tgctl.NewTgctl(ctx, cfg)
		if err != nil {
			return errors.WithStack(err)
		}
		defer x.Close()
		return errors.WithStack(fn(ctx, c, x))
	}
}

func runScenario(c *cli.Context) error {
	if c.NArg() != 1 {
		return errors.New("expects a scenario name, see tgctl list")
	}
	return withTgctl(func(ctx context.Context, c *cli.Context, x *tgctl.Tgctl) error {
		oc, err := x.RunScenario(ctx, c.Args().First(), c.String("config"))
		if err != nil {
			return err
		}
		if oc.ObjectKey != "" {
			x.Logger.Sugar().Infof("uploaded as %s", oc.ObjectKey)
		}
		return nil
	})(c)
}

func listScenarios(c *cli.Context) error {
	return withTgctl(func(ctx context.Context, c *cli.Context, x *tgctl.Tgctl) error {
		x.ListScenarios()
		return nil
	})(c)
}

func ping(c *cli.Context) error {
	return withTgctl(func(ctx context.Context, c *cli.Context, x *tgctl.Tgctl) error {
		_, err := x.Ping(ctx, c.String("interface"), c.String("target"), c.Int("count"), c.Duration("interval"))
		return err
	})(c)
}

func serve(c *cli.Context) error {
	return withTgctl(func(ctx context.Context, c *cli.Context, x *tgctl.Tgctl) error {
		return x.ServeSimulator(ctx, c.String("listen"), c.String("config"), nil)
	})(c)
}

func tunnel(ctx context.Context, c *cli.Context, x *tgctl.Tgctl) error {
	cfg := ops.TunnelConfig{
		Port: tgctl.TunnelPort(c.String("interface"), c.String("mac"),
			c.String("address"), c.String("netmask"), c.String("gateway")),
		LocalPort:     uint16(c.Int("local-port")),
		RemoteAddress: c.String("remote-address"),
		RemotePort:    uint16(c.Int("remote-port")),
	}
	return x.Tunnel(ctx, cfg, c.Duration("period"))
}

func dump(ctx context.Context, c *cli.Context, x *tgctl.Tgctl) error {
	if c.NArg() != 1 {
		return errors.New("expects an interface name")
	}
	iface := c.Args().First()
	out := c.String("output")
	if out == "" {
		out = iface + ".pcap"
	}
	return x.Dump(ctx, iface, c.Duration("duration"), out)
}
