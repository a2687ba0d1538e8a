// Package config loads the sync daemon configuration from YAML with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"gopkg.in/yaml.v3"
)

var (
	ErrUserIDRequired   = errors.New("sync.userId is required")
	ErrRPCTokenRequired = errors.New("rpc.token is required when rpc.listenAddr is not a loopback address")
)

type Config struct {
	Sync    SyncConfig
	Log     LogConfig
	Metrics MetricsConfig
	RPC     RPCConfig
}

type SyncConfig struct {
	UserID            string
	StorePath         string
	TypingTimeout     time.Duration
	WriteTimeout      time.Duration
	SendRatePerSecond float64
	SendBurst         int
}

type LogConfig struct {
	Level string
}

type MetricsConfig struct {
	// ListenAddr serves /metrics when non-empty.
	ListenAddr string
}

type RPCConfig struct {
	// ListenAddr serves /rpc and /rpc/stream; empty disables the RPC surface.
	ListenAddr        string
	Token             string
	RequestsPerSecond float64
	Burst             int
}

type fileConfig struct {
	Sync    fileSyncConfig    `yaml:"sync"`
	Log     fileLogConfig     `yaml:"log"`
	Metrics fileMetricsConfig `yaml:"metrics"`
	RPC     fileRPCConfig     `yaml:"rpc"`
}

type fileSyncConfig struct {
	UserID            string        `yaml:"userId"`
	StorePath         string        `yaml:"storePath"`
	TypingTimeout     time.Duration `yaml:"typingTimeout"`
	WriteTimeout      time.Duration `yaml:"writeTimeout"`
	SendRatePerSecond float64       `yaml:"sendRatePerSecond"`
	SendBurst         int           `yaml:"sendBurst"`
}

type fileLogConfig struct {
	Level string `yaml:"level"`
}

type fileMetricsConfig struct {
	ListenAddr string `yaml:"listenAddr"`
}

type fileRPCConfig struct {
	ListenAddr        string  `yaml:"listenAddr"`
	Token             string  `yaml:"token"`
	RequestsPerSecond float64 `yaml:"requestsPerSecond"`
	Burst             int     `yaml:"burst"`
}

func Default() Config {
	return Config{
		Sync: SyncConfig{
			StorePath:     "data/chatsync",
			TypingTimeout: 4 * time.Second,
			WriteTimeout:  5 * time.Second,
			SendBurst:     5,
		},
		Log: LogConfig{Level: "info"},
		RPC: RPCConfig{
			RequestsPerSecond: 30,
			Burst:             60,
		},
	}
}

// LoadFromPath reads configPath, or the first readable default location when
// configPath is empty, then applies environment overrides. A missing default
// file is not an error; an unreadable or invalid explicit file is.
func LoadFromPath(configPath string) (Config, error) {
	cfg := Default()

	candidates := []string{"configs/chatsync.yaml", "chatsync.yaml"}
	if configPath != "" {
		candidates = []string{configPath}
	}

	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			if configPath != "" {
				return Config{}, fmt.Errorf("read config %s: %w", path, err)
			}
			continue
		}
		var parsed fileConfig
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
		merge(&cfg, parsed)
		break
	}

	if err := ApplyEnvOverrides(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// merge copies every non-zero value of src over dst.
func merge(dst *Config, src fileConfig) {
	if v := strings.TrimSpace(src.Sync.UserID); v != "" {
		dst.Sync.UserID = v
	}
	if v := strings.TrimSpace(src.Sync.StorePath); v != "" {
		dst.Sync.StorePath = v
	}
	if src.Sync.TypingTimeout > 0 {
		dst.Sync.TypingTimeout = src.Sync.TypingTimeout
	}
	if src.Sync.WriteTimeout > 0 {
		dst.Sync.WriteTimeout = src.Sync.WriteTimeout
	}
	if src.Sync.SendRatePerSecond > 0 {
		dst.Sync.SendRatePerSecond = src.Sync.SendRatePerSecond
	}
	if src.Sync.SendBurst > 0 {
		dst.Sync.SendBurst = src.Sync.SendBurst
	}
	if v := strings.TrimSpace(src.Log.Level); v != "" {
		dst.Log.Level = v
	}
	if v := strings.TrimSpace(src.Metrics.ListenAddr); v != "" {
		dst.Metrics.ListenAddr = v
	}
	if v := strings.TrimSpace(src.RPC.ListenAddr); v != "" {
		dst.RPC.ListenAddr = v
	}
	if v := strings.TrimSpace(src.RPC.Token); v != "" {
		dst.RPC.Token = v
	}
	if src.RPC.RequestsPerSecond > 0 {
		dst.RPC.RequestsPerSecond = src.RPC.RequestsPerSecond
	}
	if src.RPC.Burst > 0 {
		dst.RPC.Burst = src.RPC.Burst
	}
}

type envOverrides struct {
	UserID        string        `env:"CHATSYNC_USER_ID"`
	StorePath     string        `env:"CHATSYNC_STORE_PATH"`
	LogLevel      string        `env:"CHATSYNC_LOG_LEVEL"`
	MetricsAddr   string        `env:"CHATSYNC_METRICS_ADDR"`
	SendRate      float64       `env:"CHATSYNC_SEND_RATE"`
	TypingTimeout time.Duration `env:"CHATSYNC_TYPING_TIMEOUT"`
	RPCAddr       string        `env:"CHATSYNC_RPC_ADDR"`
	RPCToken      string        `env:"CHATSYNC_RPC_TOKEN"`
}

// ApplyEnvOverrides copies set CHATSYNC_* variables over cfg. A variable that
// does not parse is an error.
func ApplyEnvOverrides(cfg *Config) error {
	var over envOverrides
	if err := env.Parse(&over); err != nil {
		return fmt.Errorf("parse env overrides: %w", err)
	}
	if v := strings.TrimSpace(over.UserID); v != "" {
		cfg.Sync.UserID = v
	}
	if v := strings.TrimSpace(over.StorePath); v != "" {
		cfg.Sync.StorePath = v
	}
	if v := strings.TrimSpace(over.LogLevel); v != "" {
		cfg.Log.Level = v
	}
	if v := strings.TrimSpace(over.MetricsAddr); v != "" {
		cfg.Metrics.ListenAddr = v
	}
	if over.SendRate > 0 {
		cfg.Sync.SendRatePerSecond = over.SendRate
	}
	if over.TypingTimeout > 0 {
		cfg.Sync.TypingTimeout = over.TypingTimeout
	}
	if v := strings.TrimSpace(over.RPCAddr); v != "" {
		cfg.RPC.ListenAddr = v
	}
	if v := strings.TrimSpace(over.RPCToken); v != "" {
		cfg.RPC.Token = v
	}
	return nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Sync.UserID) == "" {
		return ErrUserIDRequired
	}
	if c.RPC.ListenAddr != "" && c.RPC.Token == "" && !isLoopbackAddr(c.RPC.ListenAddr) {
		return ErrRPCTokenRequired
	}
	return nil
}

func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// SlogLevel maps Log.Level to a slog level; unknown names mean info.
func (c Config) SlogLevel() slog.Level {
	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
