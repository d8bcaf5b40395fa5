package cli

import (
	"flag"
	"fmt"
	"os"

	"github.com/dmdmdm-nz/vpnd/pkg/version"
)

// Config holds the application configuration from CLI flags
type Config struct {
	Port        int
	Host        string
	ConfigPath  string
	AutoConnect bool
	LogLevel    string
}

// ParseFlags parses command line arguments and returns a Config
func ParseFlags() *Config {
	cfg, showVersion, err := parse(flag.CommandLine, os.Args[1:])
	if err != nil {
		os.Exit(2)
	}

	if showVersion {
		fmt.Printf("vpnd version %s (commit: %s, built at: %s)\n",
			version.Version,
			version.CommitHash,
			version.BuildTime)
		os.Exit(0)
	}

	return cfg
}

func parse(fs *flag.FlagSet, args []string) (*Config, bool, error) {
	cfg := &Config{}

	fs.IntVar(&cfg.Port, "port", 60106, "Port the management API listens on")
	fs.StringVar(&cfg.Host, "host", "127.0.0.1", "Host to bind the management API to")
	fs.StringVar(&cfg.ConfigPath, "config", "/etc/vpnd/config.yaml", "Path to the configuration file")
	fs.BoolVar(&cfg.AutoConnect, "auto-connect", false, "Connect as soon as the daemon starts")
	fs.StringVar(&cfg.LogLevel, "log-level", "info", "Log level (trace, debug, info, warn, error)")
	showVersion := fs.Bool("version", false, "Show version information")

	if err := fs.Parse(args); err != nil {
		return nil, false, err
	}
	return cfg, *showVersion, nil
}

// String returns a string representation of the Config
func (c *Config) String() string {
	return fmt.Sprintf("Host: %s, Port: %d, ConfigPath: %s, AutoConnect: %t, LogLevel: %s",
		c.Host, c.Port, c.ConfigPath, c.AutoConnect, c.LogLevel)
}
