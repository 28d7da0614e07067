// Command cometdtail opens a session with a Bayeux server, subscribes to
// the channels named on the command line and prints every message it
// receives.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"

	gocometd "github.com/Kieran-Lock/gocometd"
)

// duration lets TOML values like "30s" decode through time.ParseDuration.
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

type config struct {
	Hostname          string   `toml:"hostname"`
	Port              uint     `toml:"port"`
	Protocol          string   `toml:"protocol"`
	Path              string   `toml:"path"`
	ConnectionTypes   string   `toml:"connection_types"`
	ConnectionTimeout duration `toml:"connection_timeout"`
	LogLevel          string   `toml:"log_level"`
}

func newFlagSet(cfg *config, configPath *string) *flag.FlagSet {
	flags := flag.NewFlagSet("cometdtail", flag.ExitOnError)
	flags.StringVar(configPath, "config", "", "path to a TOML config file; flags override its values")
	flags.StringVar(&cfg.Protocol, "protocol", "https", "the protocol to use (http or https)")
	flags.UintVar(&cfg.Port, "port", 443, "the port used to connect to the Bayeux server")
	flags.StringVar(&cfg.Hostname, "hostname", "", "the hostname to connect to")
	flags.StringVar(&cfg.Path, "path", "", "the path used to connect to the Bayeux server")
	flags.StringVar(&cfg.ConnectionTypes, "connection-types", "websocket,long-polling", "comma-separated connection types in preference order")
	flags.DurationVar(&cfg.ConnectionTimeout.Duration, "connection-timeout", 0, "how long to tolerate a lost connection before giving up")
	flags.StringVar(&cfg.LogLevel, "loglevel", "error", "the level to log at")
	return flags
}

// loadConfig merges a TOML config file into the parsed flag values. Flags
// given explicitly on the command line win over the file; file values win
// over flag defaults.
func loadConfig(flags *flag.FlagSet, cfg config, configPath string) (config, error) {
	if configPath == "" {
		return cfg, nil
	}
	fileCfg := cfg
	if _, err := toml.DecodeFile(configPath, &fileCfg); err != nil {
		return cfg, err
	}
	explicit := make(map[string]bool)
	flags.Visit(func(f *flag.Flag) { explicit[f.Name] = true })
	return cfg.overlay(fileCfg, explicit), nil
}

func (c config) overlay(file config, explicit map[string]bool) config {
	if !explicit["protocol"] {
		c.Protocol = file.Protocol
	}
	if !explicit["port"] {
		c.Port = file.Port
	}
	if !explicit["hostname"] {
		c.Hostname = file.Hostname
	}
	if !explicit["path"] {
		c.Path = file.Path
	}
	if !explicit["connection-types"] {
		c.ConnectionTypes = file.ConnectionTypes
	}
	if !explicit["connection-timeout"] {
		c.ConnectionTimeout = file.ConnectionTimeout
	}
	if !explicit["loglevel"] {
		c.LogLevel = file.LogLevel
	}
	return c
}

func main() {
	var cfg config
	var configPath string
	flags := newFlagSet(&cfg, &configPath)
	if err := flags.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error parsing flags: %q\n", err)
		os.Exit(1)
	}

	cfg, err := loadConfig(flags, cfg, configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error reading config file: %q\n", err)
		os.Exit(1)
	}

	channelNames := flags.Args()
	if cfg.Hostname == "" || len(channelNames) == 0 {
		fmt.Fprintln(os.Stderr, "usage: cometdtail [flags] channel [channel...]")
		flags.PrintDefaults()
		os.Exit(1)
	}

	logger := logrus.New()
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level: %q\n", cfg.LogLevel)
		os.Exit(1)
	}
	logger.SetLevel(level)

	var connectionTypes []gocometd.ConnectionType
	for _, name := range strings.Split(cfg.ConnectionTypes, ",") {
		connectionTypes = append(connectionTypes, gocometd.ConnectionType(strings.TrimSpace(name)))
	}

	u := url.URL{Scheme: cfg.Protocol, Host: fmt.Sprintf("%s:%d", cfg.Hostname, cfg.Port), Path: cfg.Path}
	session, err := gocometd.NewSession(
		u.String(),
		gocometd.WithConnectionTypes(connectionTypes...),
		gocometd.WithConnectionTimeout(cfg.ConnectionTimeout.Duration),
		gocometd.WithLogger(logger),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error initializing session: %q\n", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	err = session.Run(ctx, func(s *gocometd.Session) error {
		for _, name := range channelNames {
			if err := s.Subscribe(ctx, gocometd.Channel(name)); err != nil {
				return err
			}
		}
		logger.WithField("connection_type", string(s.ConnectionType())).Info("session open")

		for message, err := range s.All(ctx) {
			if err != nil {
				return err
			}
			fmt.Printf("%s\t%s\n", message.Channel, message.Data)
		}
		return nil
	})
	if err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "error in session: %q\n", err)
		os.Exit(2)
	}
}
