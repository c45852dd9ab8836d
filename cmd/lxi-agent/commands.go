package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/SimplyPrint/lxi-agent/internal/api"
	"github.com/SimplyPrint/lxi-agent/internal/certs"
	"github.com/SimplyPrint/lxi-agent/internal/config"
	"github.com/SimplyPrint/lxi-agent/internal/driver"
	"github.com/SimplyPrint/lxi-agent/internal/driver/sim"
	"github.com/SimplyPrint/lxi-agent/internal/logging"
	"github.com/SimplyPrint/lxi-agent/internal/lxi"
	"github.com/SimplyPrint/lxi-agent/internal/service"
)

type options struct {
	configPath string
	address    string
	port       int
	timeoutMs  int
	board      int
	bus        uint32
	slot       uint32
	simulate   bool
	logFile    string
	verbose    bool
	listen     string
	tls        bool

	// factory overrides driver selection; tests set it.
	factory driver.Factory
	stdout  io.Writer
	stderr  io.Writer
}

func newRootCmd() *cobra.Command {
	opts := &options{stdout: os.Stdout, stderr: os.Stderr}
	return newRootCmdWithOptions(opts)
}

func newRootCmdWithOptions(opts *options) *cobra.Command {
	root := &cobra.Command{
		Use:   "lxi-agent",
		Short: "Open a card in an LXI chassis and print its identity",
		Long: `Connects to an LXI chassis through the ClientBridge driver, opens the card
at the given bus and slot, prints its identity, then closes the card and the
session.

Examples:
  lxi-agent -l 10.0.0.5 -b 3 -s 5
  lxi-agent --simulate -l sim -b 3 -s 5
  lxi-agent version
  lxi-agent serve`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIdentify(cmd, opts)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&opts.configPath, "config", "", "YAML config file (default $LXI_AGENT_CONFIG)")
	pf.BoolVar(&opts.simulate, "simulate", false, "Use a simulated chassis instead of ClientBridge")
	pf.StringVar(&opts.logFile, "log-file", "", "Log into a file, rotating after 5MB")
	pf.BoolVarP(&opts.verbose, "verbose", "v", false, "Write log entries to stderr")
	pf.StringVarP(&opts.address, "lxi-address", "l", "", "LXI chassis address")
	pf.IntVar(&opts.port, "port", config.DefaultLXIPort, "ClientBridge port on the chassis")
	pf.IntVar(&opts.timeoutMs, "timeout", int(config.DefaultLXITimeout/time.Millisecond), "Connect timeout in milliseconds")
	pf.IntVar(&opts.board, "board", config.DefaultBoard, "Local adapter index")

	f := root.Flags()
	f.Uint32VarP(&opts.bus, "bus", "b", 0, "Card bus number")
	f.Uint32VarP(&opts.slot, "slot", "s", 0, "Card slot number")

	root.AddCommand(newVersionCmd(opts), newServeCmd(opts), newServiceCmd(opts))
	return root
}

func newVersionCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print program and ClientBridge driver versions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closeLog, err := setup(cmd, opts)
			if err != nil {
				return err
			}
			defer closeLog()

			d, _, err := openDrivers(opts)
			if err != nil {
				return err
			}
			printVersions(opts.stdout, d, cfg)
			return nil
		},
	}
}

func newServeCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the WebSocket API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closeLog, err := setup(cmd, opts)
			if err != nil {
				return err
			}
			defer closeLog()

			d, name, err := openDrivers(opts)
			if err != nil {
				return err
			}

			addr := cfg.Address()
			if opts.listen != "" {
				addr = opts.listen
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv := api.NewServer(d, api.Options{
				DriverName: name,
				Board:      uint32(cfg.Board),
				Endpoint:   endpoint(cfg),
			})
			var tlsConfig *tls.Config
			if opts.tls {
				dir, err := certs.DefaultDir()
				if err != nil {
					return err
				}
				if tlsConfig, err = certs.LoadOrGenerate(dir); err != nil {
					return err
				}
				fmt.Fprintf(opts.stdout, "Serving WebSocket API on wss://%s/ws\n", addr)
			}

			fmt.Fprintf(opts.stdout, "Serving WebSocket API on ws://%s/ws\n", addr)
			return srv.ListenAndServe(ctx, addr, tlsConfig)
		},
	}
	cmd.Flags().StringVar(&opts.listen, "listen", "", "Listen address (default from config, 127.0.0.1:32146)")
	cmd.Flags().BoolVar(&opts.tls, "tls", false, "Also accept wss:// with a self-signed localhost certificate")
	return cmd
}

func newServiceCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Manage starting the WebSocket API at login",
	}
	install := &cobra.Command{
		Use:   "install",
		Short: "Start \"lxi-agent serve\" at login",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := service.New(serviceArgs(opts)).Install(); err != nil {
				return err
			}
			fmt.Fprintln(opts.stdout, "Service installed")
			return nil
		},
	}
	uninstall := &cobra.Command{
		Use:   "uninstall",
		Short: "Remove the login entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := service.New(nil).Uninstall(); err != nil {
				return err
			}
			fmt.Fprintln(opts.stdout, "Service uninstalled")
			return nil
		},
	}
	status := &cobra.Command{
		Use:   "status",
		Short: "Show whether the login entry is installed",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := service.New(nil).Status()
			if err != nil {
				return err
			}
			fmt.Fprintln(opts.stdout, st)
			return nil
		},
	}
	cmd.AddCommand(install, uninstall, status)
	return cmd
}

// serviceArgs forwards the persistent flags that shape the served API.
func serviceArgs(opts *options) []string {
	var args []string
	if opts.configPath != "" {
		args = append(args, "--config", opts.configPath)
	}
	if opts.simulate {
		args = append(args, "--simulate")
	}
	if opts.logFile != "" {
		args = append(args, "--log-file", opts.logFile)
	}
	return args
}

func runIdentify(cmd *cobra.Command, opts *options) error {
	cfg, closeLog, err := setup(cmd, opts)
	if err != nil {
		return err
	}
	defer closeLog()

	if cfg.LXIAddress == "" {
		return errors.New("an LXI address is required (--lxi-address or LXI_ADDRESS)")
	}
	if !cmd.Flags().Changed("bus") || !cmd.Flags().Changed("slot") {
		return errors.New("both --bus and --slot are required")
	}

	d, _, err := openDrivers(opts)
	if err != nil {
		return err
	}

	printVersions(opts.stdout, d, cfg)

	res, err := lxi.Run(d, lxi.Request{
		Board:    uint32(cfg.Board),
		Endpoint: endpoint(cfg),
		Location: lxi.CardLocation{Bus: opts.bus, Slot: opts.slot},
	}, lxi.WithProgress(opts.stdout))
	if err != nil {
		return err
	}

	if res.IdentifyErr != nil {
		fmt.Fprintf(opts.stderr, "Warning: card identity unavailable: %v\n", res.IdentifyErr)
	}
	for _, cerr := range res.Cleanup {
		fmt.Fprintf(opts.stderr, "Warning: cleanup: %v\n", cerr)
	}
	fmt.Fprintln(opts.stdout, "Done, exiting...")
	return nil
}

// setup loads configuration, applies flag overrides and configures logging.
// The returned func closes the log file, if one was opened.
func setup(cmd *cobra.Command, opts *options) (*config.Config, func(), error) {
	cfg, err := config.LoadFrom(configPath(opts))
	if err != nil {
		return nil, nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("lxi-address") {
		cfg.LXIAddress = opts.address
	}
	if flags.Changed("port") {
		cfg.LXIPort = opts.port
	}
	if flags.Changed("timeout") {
		cfg.LXITimeout = time.Duration(opts.timeoutMs) * time.Millisecond
	}
	if flags.Changed("board") {
		cfg.Board = opts.board
	}
	if flags.Changed("log-file") {
		cfg.LogFile = opts.logFile
	}
	if cfg.LXIPort <= 0 || cfg.LXIPort > 65535 {
		return nil, nil, fmt.Errorf("invalid port %d", cfg.LXIPort)
	}
	if cfg.LXITimeout <= 0 {
		return nil, nil, fmt.Errorf("invalid timeout %s", cfg.LXITimeout)
	}
	if cfg.Board < 0 {
		return nil, nil, fmt.Errorf("invalid board %d", cfg.Board)
	}

	closeLog := func() {}
	var sink io.Writer
	if cfg.LogFile != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    5, // megabytes
			MaxBackups: 3,
		}
		sink = lj
		closeLog = func() { lj.Close() }
	} else if opts.verbose {
		sink = opts.stderr
	}
	logging.SetOutput(sink)

	if level, ok := logging.ParseLevel(cfg.LogLevel); ok {
		logging.SetMinLevel(level)
	}

	return cfg, closeLog, nil
}

func configPath(opts *options) string {
	if opts.configPath != "" {
		return opts.configPath
	}
	return os.Getenv("LXI_AGENT_CONFIG")
}

func openDrivers(opts *options) (driver.Drivers, string, error) {
	switch {
	case opts.factory != nil:
		d, err := opts.factory.Open()
		return d, "custom", err
	case opts.simulate:
		logging.Info(logging.CatDriver, "Using simulated chassis", nil)
		return sim.NewDemo().Drivers(), "simulated", nil
	}

	d, err := driver.DefaultFactory{}.Open()
	if err != nil {
		logging.Error(logging.CatDriver, "Failed to load ClientBridge", map[string]any{
			"error": err.Error(),
			"hint":  "Install Pickering ClientBridge, or run with --simulate",
		})
		return driver.Drivers{}, "", err
	}
	return d, "clientbridge", nil
}

func endpoint(cfg *config.Config) lxi.Endpoint {
	return lxi.Endpoint{
		Address: cfg.LXIAddress,
		Port:    uint32(cfg.LXIPort),
		Timeout: cfg.LXITimeout,
	}
}

func printVersions(w io.Writer, d driver.Drivers, cfg *config.Config) {
	fmt.Fprintf(w, "Program version: %s %d-bit %s/%s\n", api.Version, strconv.IntSize, runtime.GOOS, runtime.GOARCH)

	report := lxi.QueryVersions(d)
	fmt.Fprintf(w, "Picmlx Raw Version is: %d\n", report.Session.Raw)
	fmt.Fprintf(w, "Picmlx Ex Version: %s\n", report.Session.Version)
	fmt.Fprintf(w, "Piplx Raw Version is: %d\n", report.Card.Raw)
	fmt.Fprintf(w, "Piplx Ex Version: %s\n", report.Card.Version)

	if cfg.MinDriverVersion == "" {
		return
	}
	minimum, err := lxi.ParseVersion(cfg.MinDriverVersion)
	if err != nil {
		logging.Warn(logging.CatDriver, "Ignoring invalid minimum driver version", map[string]any{
			"value": cfg.MinDriverVersion,
			"error": err.Error(),
		})
		return
	}
	if err := report.CheckMinimum(minimum); err != nil {
		logging.Warn(logging.CatDriver, "ClientBridge is older than the configured minimum", map[string]any{
			"error": err.Error(),
		})
		fmt.Fprintf(w, "Warning: %v\n", err)
	}
}
