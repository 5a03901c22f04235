// Package config loads relay settings from defaults, an optional YAML file,
// RPCBRIDGE_* environment variables and command-line flags, in increasing
// order of priority.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/philsphicas/rpcbridge/internal/bridgeserver"
	"github.com/philsphicas/rpcbridge/internal/hyco"
	"github.com/philsphicas/rpcbridge/internal/ipcserver"
	"github.com/philsphicas/rpcbridge/internal/protocol"
	"github.com/philsphicas/rpcbridge/internal/router"
	"github.com/philsphicas/rpcbridge/internal/session"
)

// EnvPrefix prefixes every environment variable the relay reads.
const EnvPrefix = "RPCBRIDGE"

// DefaultFileName is the config file looked up in DefaultDir.
const DefaultFileName = "config.yaml"

// Config is the resolved relay configuration.
type Config struct {
	LogLevel  string
	LogFormat string

	IPCDir   string
	IPCSlots int

	BridgeAddr    string
	BridgeOrigins []string

	MetricsAddr         string
	MetricsMaxClientIDs int

	MaxFrameSize   int
	RequestTimeout time.Duration
	OutboundQueue  int

	ReadyUserID   string
	ReadyUsername string

	HycoRelay          string
	HycoName           string
	HycoRelaySuffix    string
	HycoMaxConnections int
	// SAS credentials are only read from the environment.
	HycoKeyName string
	HycoKey     string
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	ready := protocol.DefaultReady()
	return Config{
		LogLevel:            "info",
		LogFormat:           "text",
		IPCSlots:            ipcserver.DefaultSlots,
		BridgeAddr:          bridgeserver.DefaultAddr,
		BridgeOrigins:       []string{"*"},
		MetricsMaxClientIDs: 500,
		MaxFrameSize:        protocol.DefaultMaxFrameSize,
		RequestTimeout:      router.DefaultRequestTimeout,
		OutboundQueue:       session.DefaultQueueSize,
		ReadyUserID:         ready.User.ID,
		ReadyUsername:       ready.User.Username,
		HycoRelaySuffix:     hyco.DefaultRelaySuffix,
	}
}

// RegisterFlags adds a flag for every setting to fs, with defaults from
// Defaults.
func RegisterFlags(fs *pflag.FlagSet) {
	d := Defaults()
	fs.String("config", "", "path to a YAML config file (default $XDG_CONFIG_HOME/rpcbridge/config.yaml when present)")
	fs.String("log-level", d.LogLevel, "log level (debug, info, warn, error)")
	fs.String("log-format", d.LogFormat, "log format (text, json)")
	fs.String("ipc-dir", d.IPCDir, "directory for IPC sockets (default: runtime directory)")
	fs.Int("ipc-slots", d.IPCSlots, "number of discord-ipc-N socket slots to try")
	fs.String("bridge-addr", d.BridgeAddr, "listen address for bridge websockets and the state view")
	fs.StringSlice("bridge-origins", d.BridgeOrigins, "allowed bridge origins (e.g. https://discord.com, or * for any)")
	fs.String("metrics-addr", d.MetricsAddr, "address for Prometheus metrics server (e.g. :9090); disabled if empty")
	fs.Int("metrics-max-client-ids", d.MetricsMaxClientIDs, "max unique client_id labels in metrics (0 = unlimited)")
	fs.Int("max-frame-size", d.MaxFrameSize, "largest accepted IPC frame payload in bytes")
	fs.Duration("request-timeout", d.RequestTimeout, "how long a forwarded request waits for the bridge")
	fs.Int("outbound-queue", d.OutboundQueue, "per-session outbound frame queue length")
	fs.String("ready-user-id", d.ReadyUserID, "user id announced to clients in READY")
	fs.String("ready-username", d.ReadyUsername, "username announced to clients in READY")
	fs.String("hyco-relay", d.HycoRelay, "Azure Relay namespace name, FQDN, or URI for remote bridges")
	fs.String("hyco-name", d.HycoName, "hybrid connection name for remote bridges")
	fs.String("hyco-relay-suffix", d.HycoRelaySuffix, "namespace suffix for sovereign clouds")
	fs.Int("hyco-max-connections", d.HycoMaxConnections, "max concurrent remote bridge connections (0 = unlimited)")
}

// Load resolves the configuration from fs, the environment and the config
// file. It returns the path of the config file read, if any.
func Load(fs *pflag.FlagSet) (Config, string, error) {
	v := viper.New()
	if err := v.BindPFlags(fs); err != nil {
		return Config{}, "", fmt.Errorf("bind flags: %w", err)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	for _, key := range []string{"hyco-key-name", "hyco-key"} {
		if err := v.BindEnv(key); err != nil {
			return Config{}, "", fmt.Errorf("bind %s: %w", key, err)
		}
	}

	path, err := loadConfigFile(v)
	if err != nil {
		return Config{}, "", err
	}

	cfg := Config{
		LogLevel:            v.GetString("log-level"),
		LogFormat:           v.GetString("log-format"),
		IPCDir:              v.GetString("ipc-dir"),
		IPCSlots:            v.GetInt("ipc-slots"),
		BridgeAddr:          v.GetString("bridge-addr"),
		BridgeOrigins:       splitList(v.GetStringSlice("bridge-origins")),
		MetricsAddr:         v.GetString("metrics-addr"),
		MetricsMaxClientIDs: v.GetInt("metrics-max-client-ids"),
		MaxFrameSize:        v.GetInt("max-frame-size"),
		RequestTimeout:      v.GetDuration("request-timeout"),
		OutboundQueue:       v.GetInt("outbound-queue"),
		ReadyUserID:         v.GetString("ready-user-id"),
		ReadyUsername:       v.GetString("ready-username"),
		HycoRelay:           v.GetString("hyco-relay"),
		HycoName:            v.GetString("hyco-name"),
		HycoRelaySuffix:     v.GetString("hyco-relay-suffix"),
		HycoMaxConnections:  v.GetInt("hyco-max-connections"),
		HycoKeyName:         v.GetString("hyco-key-name"),
		HycoKey:             v.GetString("hyco-key"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, path, err
	}
	return cfg, path, nil
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs []error
	positive := func(name string, n int) {
		if n <= 0 {
			errs = append(errs, fmt.Errorf("%s must be > 0, got %d", name, n))
		}
	}
	positive("ipc-slots", c.IPCSlots)
	positive("max-frame-size", c.MaxFrameSize)
	positive("outbound-queue", c.OutboundQueue)
	if c.MaxFrameSize > protocol.MaxFrameSizeLimit {
		errs = append(errs, fmt.Errorf("max-frame-size must be <= %d, got %d", protocol.MaxFrameSizeLimit, c.MaxFrameSize))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, fmt.Errorf("request-timeout must be > 0, got %s", c.RequestTimeout))
	}
	if c.MetricsMaxClientIDs < 0 {
		errs = append(errs, fmt.Errorf("metrics-max-client-ids must be >= 0, got %d", c.MetricsMaxClientIDs))
	}
	if c.HycoMaxConnections < 0 {
		errs = append(errs, fmt.Errorf("hyco-max-connections must be >= 0, got %d", c.HycoMaxConnections))
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log-format must be text or json, got %q", c.LogFormat))
	}
	if c.BridgeAddr == "" {
		errs = append(errs, errors.New("bridge-addr is required"))
	}
	if (c.HycoRelay == "") != (c.HycoName == "") {
		errs = append(errs, errors.New("hyco-relay and hyco-name must be set together"))
	}
	return errors.Join(errs...)
}

// HycoEnabled reports whether remote bridges over Azure Relay are configured.
func (c Config) HycoEnabled() bool {
	return c.HycoRelay != "" && c.HycoName != ""
}

// Ready returns the READY data announced to clients.
func (c Config) Ready() protocol.ReadyData {
	r := protocol.DefaultReady()
	r.User.ID = c.ReadyUserID
	r.User.Username = c.ReadyUsername
	return r
}

// DefaultDir returns the directory searched for DefaultFileName.
func DefaultDir() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "rpcbridge"), nil
}

// loadConfigFile reads the file named by the config key, or the default
// file when it exists. A missing default file is not an error.
func loadConfigFile(v *viper.Viper) (string, error) {
	cfgPath := strings.TrimSpace(v.GetString("config"))
	explicit := cfgPath != ""
	if cfgPath == "" {
		dir, err := DefaultDir()
		if err != nil {
			return "", nil
		}
		cfgPath = filepath.Join(dir, DefaultFileName)
	}

	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}

	v.SetConfigFile(expanded)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(p)
}

// splitList flattens comma separated entries, as given in environment
// variables, and drops empty ones.
func splitList(in []string) []string {
	var out []string
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// fileConfig is the YAML layout of a config file.
type fileConfig struct {
	LogLevel            string   `yaml:"log-level"`
	LogFormat           string   `yaml:"log-format"`
	IPCDir              string   `yaml:"ipc-dir"`
	IPCSlots            int      `yaml:"ipc-slots"`
	BridgeAddr          string   `yaml:"bridge-addr"`
	BridgeOrigins       []string `yaml:"bridge-origins"`
	MetricsAddr         string   `yaml:"metrics-addr"`
	MetricsMaxClientIDs int      `yaml:"metrics-max-client-ids"`
	MaxFrameSize        int      `yaml:"max-frame-size"`
	RequestTimeout      string   `yaml:"request-timeout"`
	OutboundQueue       int      `yaml:"outbound-queue"`
	ReadyUserID         string   `yaml:"ready-user-id"`
	ReadyUsername       string   `yaml:"ready-username"`
	HycoRelay           string   `yaml:"hyco-relay"`
	HycoName            string   `yaml:"hyco-name"`
	HycoRelaySuffix     string   `yaml:"hyco-relay-suffix"`
	HycoMaxConnections  int      `yaml:"hyco-max-connections"`
}

// DefaultsYAML renders Defaults as a config file.
func DefaultsYAML() ([]byte, error) {
	d := Defaults()
	out, err := yaml.Marshal(&fileConfig{
		LogLevel:            d.LogLevel,
		LogFormat:           d.LogFormat,
		IPCDir:              d.IPCDir,
		IPCSlots:            d.IPCSlots,
		BridgeAddr:          d.BridgeAddr,
		BridgeOrigins:       d.BridgeOrigins,
		MetricsAddr:         d.MetricsAddr,
		MetricsMaxClientIDs: d.MetricsMaxClientIDs,
		MaxFrameSize:        d.MaxFrameSize,
		RequestTimeout:      d.RequestTimeout.String(),
		OutboundQueue:       d.OutboundQueue,
		ReadyUserID:         d.ReadyUserID,
		ReadyUsername:       d.ReadyUsername,
		HycoRelay:           d.HycoRelay,
		HycoName:            d.HycoName,
		HycoRelaySuffix:     d.HycoRelaySuffix,
		HycoMaxConnections:  d.HycoMaxConnections,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return out, nil
}
