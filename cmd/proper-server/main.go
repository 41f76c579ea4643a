// Command proper-server is a reference Proper Home Automation server.
//
// It listens for node channels, walks new nodes through registration and
// approval, and stores pushed telemetry in SQLite.
//
// Usage:
//
//	proper-server [flags]
//
// Flags:
//
//	-config string   Configuration file path (YAML)
//	-listen string   TCP listen address (default "127.0.0.1:47808")
//	-master string   Master secret, hex encoded (required unless in config)
//	-db string       SQLite database path (default "proper.db")
//	-codec string    Frame codec: msgpack, json (default "msgpack")
//	-trace string    Protocol trace file path (.plog, optional)
//	-log-level string  Log level: debug, info, warn, error (default "info")
//	-auto-approve    Approve every registering node without asking
//	-advertise       Announce the server via mDNS (default true)
//	-name string     Server name shown in discovery
//
// Interactive Commands:
//
//	list              - List node sessions
//	approve <node-id> - Approve a node awaiting approval
//	deny <node-id>    - Deny a node awaiting approval
//	details <node-id> - Request and show a node's details
//	values <node-id>  - Show recent telemetry for a node
//	qr                - Print the pairing payload for new nodes
//	quit              - Exit the server
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/chzyer/readline"
	"gopkg.in/yaml.v3"

	"github.com/proper-automation/proper-go/pkg/discovery"
	"github.com/proper-automation/proper-go/pkg/keys"
	"github.com/proper-automation/proper-go/pkg/log"
	"github.com/proper-automation/proper-go/pkg/server"
	"github.com/proper-automation/proper-go/pkg/storage"
	"github.com/proper-automation/proper-go/pkg/transport"
	"github.com/proper-automation/proper-go/pkg/version"
	"github.com/proper-automation/proper-go/pkg/wire"
)

// Config holds the server configuration. Flags override file values.
type Config struct {
	Listen      string `yaml:"listen"`
	Master      string `yaml:"master"`
	DB          string `yaml:"db"`
	Codec       string `yaml:"codec"`
	Trace       string `yaml:"trace"`
	LogLevel    string `yaml:"log_level"`
	AutoApprove bool   `yaml:"auto_approve"`
	Advertise   bool   `yaml:"advertise"`
	Name        string `yaml:"name"`
}

var (
	configFile string
	config     = Config{
		Listen:    "127.0.0.1:47808",
		DB:        "proper.db",
		Codec:     "msgpack",
		LogLevel:  "info",
		Advertise: true,
	}
)

func init() {
	flag.StringVar(&configFile, "config", "", "Configuration file path (YAML)")
	flag.StringVar(&config.Listen, "listen", config.Listen, "TCP listen address")
	flag.StringVar(&config.Master, "master", "", "Master secret, hex encoded")
	flag.StringVar(&config.DB, "db", config.DB, "SQLite database path")
	flag.StringVar(&config.Codec, "codec", config.Codec, "Frame codec: msgpack, json")
	flag.StringVar(&config.Trace, "trace", "", "Protocol trace file path")
	flag.StringVar(&config.LogLevel, "log-level", config.LogLevel, "Log level: debug, info, warn, error")
	flag.BoolVar(&config.AutoApprove, "auto-approve", false, "Approve every registering node")
	flag.BoolVar(&config.Advertise, "advertise", config.Advertise, "Announce the server via mDNS")
	flag.StringVar(&config.Name, "name", "", "Server name shown in discovery")
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "proper-server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// File values first, then flags on top.
	flag.Parse()
	if configFile != "" {
		if err := loadConfigFile(configFile, &config); err != nil {
			return err
		}
		flag.Parse()
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(config.LogLevel),
	}))

	master, err := parseMaster(config.Master)
	if err != nil {
		return err
	}
	codec, err := parseCodec(config.Codec)
	if err != nil {
		return err
	}

	store, err := storage.NewStore(config.DB)
	if err != nil {
		return err
	}
	defer store.Close()

	var trace log.Logger = log.NoopLogger{}
	if config.Trace != "" {
		fl, err := log.NewFileLogger(config.Trace)
		if err != nil {
			return err
		}
		defer fl.Close()
		trace = fl
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The notifier needs the manager for auto-approval; it only fires
	// once frames arrive, well after NewManager returns.
	var mgr *server.Manager
	notifier := server.ApprovalNotifierFunc(func(id wire.NodeID, reg *wire.Register) {
		if err := store.UpsertNode(id, reg); err != nil {
			logger.Warn("failed to record node", "node_id", id, "error", err)
		}
		if config.AutoApprove {
			if err := mgr.Approve(id); err != nil {
				logger.Warn("auto-approve failed", "node_id", id, "error", err)
			} else {
				logger.Info("auto-approved node", "node_id", id, "name", reg.Name)
			}
			return
		}
		fmt.Printf("\nnode awaiting approval: %s\n  name=%q model=%q serial=%q vendor=%q\n",
			id, reg.Name, reg.Model, reg.Serial, reg.Vendor)
		fmt.Printf("  approve with: approve %s\n", id)
	})

	mgr, err = server.NewManager(server.Config{
		Master:   master,
		Sink:     store,
		Logger:   logger,
		Trace:    trace,
		Notifier: notifier,
	})
	if err != nil {
		return err
	}
	if config.AutoApprove {
		logger.Warn("auto-approve enabled, every node will be accepted")
	}

	lis, err := transport.ListenTCP(config.Listen, mgr.KeyFor)
	if err != nil {
		return err
	}
	defer lis.Close()
	logger.Info("listening", "addr", config.Listen, "codec", codec.Name())

	if config.Advertise {
		port, err := listenPort(config.Listen)
		if err != nil {
			return err
		}
		adv := discovery.NewMDNSAdvertiser(discovery.AdvertiserConfig{})
		err = adv.Advertise(ctx, &discovery.ServerInfo{
			Fingerprint: discovery.FingerprintID(master),
			Version:     version.Current.String(),
			Name:        config.Name,
			Port:        port,
		})
		if err != nil {
			logger.Warn("mDNS advertising unavailable", "error", err)
		} else {
			defer adv.Stop()
			logger.Info("advertising", "service", discovery.ServiceType,
				"fingerprint", discovery.FingerprintID(master))
		}
	}

	srv := server.NewServer(mgr, codec)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ctx, lis) }()

	go console(ctx, cancel, mgr, store, master, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && ctx.Err() == nil {
			return err
		}
	}
	return nil
}

// listenPort extracts the port from a listen address.
func listenPort(addr string) (uint16, error) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, fmt.Errorf("invalid listen address: %w", err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid listen port: %w", err)
	}
	return uint16(port), nil
}

// console runs the readline operator loop.
func console(ctx context.Context, cancel context.CancelFunc, mgr *server.Manager, store *storage.Store, master keys.MasterSecret, logger *slog.Logger) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "proper> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		logger.Error("failed to create console", "error", err)
		return
	}
	defer rl.Close()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			fmt.Fprintln(rl.Stdout(), "Exiting...")
			cancel()
			return
		}

		parts := strings.Fields(strings.TrimSpace(line))
		if len(parts) == 0 {
			continue
		}
		cmd, args := strings.ToLower(parts[0]), parts[1:]

		switch cmd {
		case "help", "?":
			printHelp(rl)

		case "list", "ls":
			cmdList(rl, mgr)

		case "approve":
			cmdDecide(rl, args, mgr.Approve, "approved")

		case "deny":
			cmdDecide(rl, args, mgr.Deny, "denied")

		case "details":
			cmdDetails(rl, args, mgr)

		case "values":
			cmdValues(rl, args, store)

		case "qr":
			cmdQR(rl, master)

		case "quit", "exit", "q":
			fmt.Fprintln(rl.Stdout(), "Exiting...")
			cancel()
			return

		default:
			fmt.Fprintf(rl.Stdout(), "Unknown command: %s (type 'help' for commands)\n", cmd)
		}
	}
}

func printHelp(rl *readline.Instance) {
	fmt.Fprintln(rl.Stdout(), `Commands:
  list              - List node sessions
  approve <node-id> - Approve a node awaiting approval
  deny <node-id>    - Deny a node awaiting approval
  details <node-id> - Request a node's details (delivered on its next poll)
  values <node-id>  - Show recent telemetry for a node
  qr                - Print the pairing payload for new nodes
  quit              - Exit the server`)
}

func cmdQR(rl *readline.Instance, master keys.MasterSecret) {
	payload, err := discovery.EncodeQR(master)
	if err != nil {
		fmt.Fprintf(rl.Stdout(), "error: %v\n", err)
		return
	}
	fmt.Fprintln(rl.Stdout(), payload)
}

func cmdList(rl *readline.Instance, mgr *server.Manager) {
	sessions := mgr.Sessions()
	if len(sessions) == 0 {
		fmt.Fprintln(rl.Stdout(), "no node sessions")
		return
	}
	for _, s := range sessions {
		fmt.Fprintf(rl.Stdout(), "%s  %-18s %q model=%q serial=%q queued=%d last_seen=%s\n",
			s.NodeID, s.State, s.Name, s.Model, s.Serial, s.Queued,
			s.LastSeen.Format("15:04:05"))
	}
}

func cmdDecide(rl *readline.Instance, args []string, decide func(wire.NodeID) error, verb string) {
	id, ok := parseID(rl, args)
	if !ok {
		return
	}
	if err := decide(id); err != nil {
		fmt.Fprintf(rl.Stdout(), "error: %v\n", err)
		return
	}
	fmt.Fprintf(rl.Stdout(), "%s %s (delivered on the node's next poll)\n", verb, id)
}

func cmdDetails(rl *readline.Instance, args []string, mgr *server.Manager) {
	id, ok := parseID(rl, args)
	if !ok {
		return
	}
	if d := mgr.Details(id); d != nil {
		fmt.Fprintf(rl.Stdout(), "%s: %q model=%q serial=%q vendor=%q signals=%d\n",
			id, d.Name, d.Model, d.Serial, d.Vendor, len(d.Signals))
		return
	}
	if _, err := mgr.RequestDetails(id); err != nil {
		fmt.Fprintf(rl.Stdout(), "error: %v\n", err)
		return
	}
	fmt.Fprintln(rl.Stdout(), "details requested, check again after the node's next poll")
}

func cmdValues(rl *readline.Instance, args []string, store *storage.Store) {
	id, ok := parseID(rl, args)
	if !ok {
		return
	}
	values, err := store.RecentValues(id, 20)
	if err != nil {
		fmt.Fprintf(rl.Stdout(), "error: %v\n", err)
		return
	}
	if len(values) == 0 {
		fmt.Fprintln(rl.Stdout(), "no values")
		return
	}
	for _, v := range values {
		fmt.Fprintf(rl.Stdout(), "%s  %-12s %-12s %s %s\n",
			v.MeasuredAt.Format("15:04:05"), v.SignalID, v.SignalType, v.Status, v.ValueJSON)
	}
}

func parseID(rl *readline.Instance, args []string) (wire.NodeID, bool) {
	if len(args) != 1 {
		fmt.Fprintln(rl.Stdout(), "usage: <command> <node-id>")
		return wire.NodeID{}, false
	}
	id, err := wire.ParseNodeID(args[0])
	if err != nil {
		fmt.Fprintf(rl.Stdout(), "invalid node id: %v\n", err)
		return wire.NodeID{}, false
	}
	return id, true
}

func loadConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return nil
}

func parseMaster(s string) (keys.MasterSecret, error) {
	if s == "" {
		return nil, fmt.Errorf("a master secret is required (-master or config file)")
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("master secret must be hex encoded: %w", err)
	}
	master := keys.MasterSecret(raw)
	if err := master.Validate(); err != nil {
		return nil, err
	}
	return master, nil
}

func parseCodec(name string) (wire.Codec, error) {
	switch name {
	case "msgpack", "":
		return wire.Msgpack, nil
	case "json":
		return wire.JSON, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
