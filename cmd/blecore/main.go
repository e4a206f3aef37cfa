package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/xixiha5230/BleCore/internal/ble"
	"github.com/xixiha5230/BleCore/internal/central"
	"github.com/xixiha5230/BleCore/internal/config"
	"github.com/xixiha5230/BleCore/internal/logger"
	"github.com/xixiha5230/BleCore/internal/seal"
)

const usage = `usage: blecore <command> [flags]

commands:
  scan         scan for peripherals and print them
  write        connect to a peripheral and write a payload to a characteristic
  read         connect to a peripheral and read a characteristic
  init-config  write the default config to ~/.config/blecore/config.yaml
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "scan":
		err = runScan(args)
	case "write":
		err = runWrite(args)
	case "read":
		err = runRead(args)
	case "init-config":
		err = runInitConfig()
	case "-h", "-help", "--help", "help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("%s: %v", os.Args[1], err)
	}
}

// session is the shared setup of the radio commands.
type session struct {
	cfg      *config.Config
	central  *central.Central
	closeLog func() error
}

func openSession(configPath string) (*session, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	lg, closeLog, err := logger.New(cfg)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(lg)

	opts := central.Options{
		Scan:    cfg.ScanOptions(),
		Connect: cfg.ConnectOptions(),
		Write:   cfg.WriteOptions(),
	}
	c := central.New(ble.NewTinygoAdapter(), ble.HostEnvironment{}, opts, lg)
	if err := c.Init(); err != nil {
		closeLog()
		return nil, err
	}
	return &session{cfg: cfg, central: c, closeLog: closeLog}, nil
}

func (s *session) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.central.ReleaseAll(ctx); err != nil {
		slog.Warn("[BLE] release failed", "error", err)
	}
	s.closeLog()
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runScan(args []string) error {
	fs := flag.NewFlagSet("scan", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file (default: ~/.config/blecore/config.yaml)")
	timeout := fs.Duration("timeout", 0, "per-attempt scan timeout (overrides config)")
	retries := fs.Int("retries", -1, "extra scan attempts (overrides config)")
	names := fs.String("name", "", "comma-separated device names to match")
	contains := fs.Bool("contains", false, "match names by substring")
	services := fs.String("service", "", "comma-separated service UUIDs to match")
	fs.Parse(args)

	s, err := openSession(*configPath)
	if err != nil {
		return err
	}
	defer s.Close()

	opts := s.cfg.ScanOptions()
	if *timeout > 0 {
		opts.Timeout = *timeout
	}
	if *retries >= 0 {
		opts.RetryCount = *retries
	}
	if *names != "" {
		opts.Names = splitList(*names)
		opts.NameContains = *contains
	}
	if *services != "" {
		opts.ServiceUUIDs = splitList(*services)
	}

	ctx, stop := signalContext()
	defer stop()

	events, err := s.central.StartScan(&opts)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		s.central.StopScan()
	}()

	var failure error
	for ev := range events {
		switch ev.Type {
		case ble.ScanStarted:
			log.Println("Scanning...")
		case ble.ScanDeviceFoundUnique:
			fmt.Printf("  %s  (attempt %d)\n", ev.Device, ev.Attempt)
		case ble.ScanFailed:
			failure = ev.Err
		case ble.ScanCompleted:
			log.Printf("Scan finished: %d devices (%d advertisements)", len(ev.Unique), len(ev.Results))
		}
	}
	return failure
}

// connectFlags are shared by write and read.
type connectFlags struct {
	configPath *string
	address    *string
	service    *string
	char       *string
}

func addConnectFlags(fs *flag.FlagSet) connectFlags {
	return connectFlags{
		configPath: fs.String("config", "", "path to config file (default: ~/.config/blecore/config.yaml)"),
		address:    fs.String("address", "", "peripheral address (MAC, or CoreBluetooth UUID on macOS)"),
		service:    fs.String("service", "", "service UUID"),
		char:       fs.String("char", "", "characteristic UUID"),
	}
}

func (f connectFlags) validate() error {
	if *f.address == "" || *f.service == "" || *f.char == "" {
		return errors.New("-address, -service and -char are required")
	}
	return nil
}

// connect waits for the connection outcome of address.
func connect(ctx context.Context, c *central.Central, address string) error {
	events, err := c.ConnectAddress(address, nil)
	if err != nil {
		return err
	}
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return errors.New("connection closed")
			}
			switch ev.Type {
			case ble.ConnectStart:
				log.Printf("Connecting to %s...", address)
			case ble.ConnectSuccess:
				log.Printf("Connected to %s", ev.Device.Address)
				return nil
			case ble.ConnectFail:
				return ev.Err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func runWrite(args []string) error {
	fs := flag.NewFlagSet("write", flag.ExitOnError)
	cf := addConnectFlags(fs)
	text := fs.String("data", "", "payload as text")
	hexData := fs.String("hex", "", "payload as hex")
	sealPayload := fs.Bool("seal", false, "seal the payload with the key derived from seal.secret_file")
	fs.Parse(args)

	if err := cf.validate(); err != nil {
		return err
	}

	s, err := openSession(*cf.configPath)
	if err != nil {
		return err
	}
	defer s.Close()

	payload, err := buildPayload(*text, *hexData, *sealPayload, s.cfg.Seal.SecretFile)
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	if err := connect(ctx, s.central, *cf.address); err != nil {
		return err
	}

	events, err := s.central.Write(ctx, ble.DeviceFromAddress(*cf.address), *cf.service, *cf.char, payload)
	if err != nil {
		return err
	}
	for ev := range events {
		switch ev.Type {
		case ble.PacketWritten:
			if ev.Err != nil {
				log.Printf("Packet %d/%d failed: %v", ev.Seq, ev.Total, ev.Err)
			} else {
				log.Printf("Packet %d/%d written", ev.Seq, ev.Total)
			}
		case ble.WriteComplete:
			if ev.Err != nil {
				return ev.Err
			}
			if !ev.AllSucceeded {
				return fmt.Errorf("write %s incomplete", ev.ID)
			}
			log.Printf("Wrote %d bytes in %d packets", len(payload), ev.Total)
		}
	}
	return nil
}

// buildPayload decodes -data or -hex and seals the result only when -seal
// was given; a configured secret alone does not enable sealing.
func buildPayload(text, hexData string, sealed bool, secretFile string) ([]byte, error) {
	payload := []byte(text)
	if hexData != "" {
		decoded, err := hex.DecodeString(hexData)
		if err != nil {
			return nil, fmt.Errorf("-hex: %w", err)
		}
		payload = decoded
	}
	if !sealed {
		return payload, nil
	}
	return sealWith(secretFile, payload)
}

func sealWith(secretFile string, payload []byte) ([]byte, error) {
	if secretFile == "" {
		return nil, errors.New("-seal needs seal.secret_file in the config")
	}
	secret, err := seal.LoadSecret(secretFile)
	if err != nil {
		return nil, err
	}
	key, err := seal.DeriveKey(secret)
	if err != nil {
		return nil, err
	}
	return seal.Seal(key, payload)
}

func runRead(args []string) error {
	fs := flag.NewFlagSet("read", flag.ExitOnError)
	cf := addConnectFlags(fs)
	fs.Parse(args)

	if err := cf.validate(); err != nil {
		return err
	}

	s, err := openSession(*cf.configPath)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, stop := signalContext()
	defer stop()

	if err := connect(ctx, s.central, *cf.address); err != nil {
		return err
	}
	data, err := s.central.Read(ble.DeviceFromAddress(*cf.address), *cf.service, *cf.char)
	if err != nil {
		return err
	}
	fmt.Println(hex.EncodeToString(data))
	return nil
}

func runInitConfig() error {
	path, err := config.WriteDefault()
	if err != nil {
		return err
	}
	if path == "" {
		log.Printf("Config already exists at %s", config.DefaultConfigPath())
		return nil
	}
	log.Printf("Default config written to %s", path)
	return nil
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	// Try default config path
	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		return cfg, nil
	}

	return config.Default(), nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
