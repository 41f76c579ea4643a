// Command proper-node is a reference Proper Home Automation node: a
// simulated sensor that registers with a server, waits for approval, and
// pushes synthetic measurements.
//
// Usage:
//
//	proper-node [flags]
//
// Flags:
//
//	-config string   Configuration file path (YAML)
//	-server string   Server address (empty discovers the server via mDNS)
//	-master string   Master secret, hex encoded
//	-qr string       Pairing payload (PROPER:...), alternative to -master
//	-name string     Node display name (default "Simulated Sensor")
//	-serial string   Device serial number (default "SIM-0001")
//	-codec string    Frame codec: msgpack, json (default "msgpack")
//	-state string    State file path (empty disables persistence)
//	-trace string    Protocol trace file path (.plog, optional)
//	-interval duration  Push interval once operating (default 30s)
//	-log-level string   Log level: debug, info, warn, error (default "info")
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/proper-automation/proper-go/pkg/discovery"
	"github.com/proper-automation/proper-go/pkg/keys"
	"github.com/proper-automation/proper-go/pkg/log"
	"github.com/proper-automation/proper-go/pkg/node"
	"github.com/proper-automation/proper-go/pkg/transport"
	"github.com/proper-automation/proper-go/pkg/wire"
)

// Config holds the node configuration. Flags override file values.
type Config struct {
	Server   string        `yaml:"server"`
	Master   string        `yaml:"master"`
	QR       string        `yaml:"qr"`
	Name     string        `yaml:"name"`
	Serial   string        `yaml:"serial"`
	Codec    string        `yaml:"codec"`
	State    string        `yaml:"state"`
	Trace    string        `yaml:"trace"`
	Interval time.Duration `yaml:"interval"`
	LogLevel string        `yaml:"log_level"`
}

var (
	configFile string
	config     = Config{
		Name:     "Simulated Sensor",
		Serial:   "SIM-0001",
		Codec:    "msgpack",
		Interval: 30 * time.Second,
		LogLevel: "info",
	}
)

func init() {
	flag.StringVar(&configFile, "config", "", "Configuration file path (YAML)")
	flag.StringVar(&config.Server, "server", config.Server, "Server address (empty discovers via mDNS)")
	flag.StringVar(&config.Master, "master", "", "Master secret, hex encoded")
	flag.StringVar(&config.QR, "qr", "", "Pairing payload, alternative to -master")
	flag.StringVar(&config.Name, "name", config.Name, "Node display name")
	flag.StringVar(&config.Serial, "serial", config.Serial, "Device serial number")
	flag.StringVar(&config.Codec, "codec", config.Codec, "Frame codec: msgpack, json")
	flag.StringVar(&config.State, "state", "", "State file path")
	flag.StringVar(&config.Trace, "trace", "", "Protocol trace file path")
	flag.DurationVar(&config.Interval, "interval", config.Interval, "Push interval once operating")
	flag.StringVar(&config.LogLevel, "log-level", config.LogLevel, "Log level: debug, info, warn, error")
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "proper-node: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
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

	master, err := resolveMaster(config.Master, config.QR)
	if err != nil {
		return err
	}
	codec, err := parseCodec(config.Codec)
	if err != nil {
		return err
	}

	server := config.Server
	if server == "" {
		server, err = discoverServer(master, logger)
		if err != nil {
			return err
		}
	}

	var trace log.Logger = log.NoopLogger{}
	if config.Trace != "" {
		fl, err := log.NewFileLogger(config.Trace)
		if err != nil {
			return err
		}
		defer fl.Close()
		trace = fl
	}

	n, err := node.New(node.Config{
		Master: master,
		Identity: node.Identity{
			Category: wire.DeviceSensorTemperature,
			Name:     config.Name,
			Model:    "SIM-1000",
			Serial:   config.Serial,
			Vendor:   "Proper Reference",
		},
		Details: &wire.Details{
			Signals: []wire.SignalConfig{
				{ID: wire.NamedSignal("temperature"), Name: "Temperature", Type: wire.SignalTemperature},
				{ID: wire.NamedSignal("humidity"), Name: "Humidity", Type: wire.SignalHumidity},
			},
		},
		Dialer:    &transport.TCPDialer{Addr: server},
		Codec:     codec,
		StatePath: config.State,
		Logger:    logger,
		Trace:     trace,
	})
	if err != nil {
		return err
	}
	logger.Info("node starting", "node_id", n.ID(), "server", server)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("shutting down", "signal", sig.String())
		cancel()
	}()

	go simulate(ctx, n, config.Interval, logger)

	err = n.Run(ctx)
	switch {
	case errors.Is(err, node.ErrDenied):
		logger.Warn("registration denied by the user")
		return nil
	case errors.Is(err, context.Canceled):
		return nil
	default:
		return err
	}
}

// simulate pushes synthetic temperature and humidity readings while the
// node is operating.
func simulate(ctx context.Context, n *node.Node, interval time.Duration, logger *slog.Logger) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if n.State() != node.StateOperating {
			continue
		}

		// Slow sine drift with a little noise, so charts look alive.
		phase := float64(time.Now().Unix()%3600) / 3600 * 2 * math.Pi
		temp := 21.0 + 2.5*math.Sin(phase) + rng.Float64()*0.2
		hum := 45.0 + 8.0*math.Cos(phase) + rng.Float64()*0.5

		values := []wire.SignalValue{
			{
				ID:        wire.NamedSignal("temperature"),
				Timestamp: wire.NowTimestamp(),
				Status:    wire.StatusGood,
				Signal:    wire.Temperature(math.Round(temp*10) / 10),
			},
			{
				ID:        wire.NamedSignal("humidity"),
				Timestamp: wire.NowTimestamp(),
				Status:    wire.StatusGood,
				Signal:    wire.Humidity(math.Round(hum*10) / 10),
			},
		}
		if err := n.Push(ctx, values); err != nil {
			logger.Warn("push failed", "error", err)
			continue
		}
		logger.Debug("pushed measurements", "temperature", temp, "humidity", hum)
	}
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

// resolveMaster obtains the master secret from the pairing payload or the
// hex flag. The payload wins when both are given.
func resolveMaster(masterHex, qr string) (keys.MasterSecret, error) {
	if qr != "" {
		return discovery.ParseQR(qr)
	}
	if masterHex == "" {
		return nil, fmt.Errorf("a master secret is required (-master, -qr, or config file)")
	}
	raw, err := hex.DecodeString(masterHex)
	if err != nil {
		return nil, fmt.Errorf("master secret must be hex encoded: %w", err)
	}
	master := keys.MasterSecret(raw)
	if err := master.Validate(); err != nil {
		return nil, err
	}
	return master, nil
}

// discoverServer finds the network's server via mDNS, matched by the
// master secret fingerprint.
func discoverServer(master keys.MasterSecret, logger *slog.Logger) (string, error) {
	fp := discovery.FingerprintID(master)
	logger.Info("discovering server", "fingerprint", fp)

	ctx, cancel := context.WithTimeout(context.Background(), discovery.BrowseTimeout)
	defer cancel()

	browser := discovery.NewMDNSBrowser(discovery.BrowserConfig{})
	svc, err := browser.FindServer(ctx, fp)
	if err != nil {
		return "", fmt.Errorf("server discovery failed: %w", err)
	}
	if len(svc.Addresses) == 0 {
		return "", fmt.Errorf("discovered server %q has no addresses", svc.InstanceName)
	}

	addr := net.JoinHostPort(svc.Addresses[0], strconv.Itoa(int(svc.Port)))
	logger.Info("discovered server", "instance", svc.InstanceName, "addr", addr)
	return addr, nil
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
