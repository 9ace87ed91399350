package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// TokenConfig описывает bearer-токен web-транспорта.
type TokenConfig struct {
	ID          string `yaml:"id"`
	TokenSHA256 string `yaml:"token_sha256"`
	Subject     string `yaml:"subject"`
	Enabled     bool   `yaml:"enabled"`
}

// Config описывает параметры моста.
type Config struct {
	Agent struct {
		LogLevel string `yaml:"log_level"`
	} `yaml:"agent"`
	Bridge struct {
		Channel        string `yaml:"channel"`
		MaxOutputBytes int    `yaml:"max_output_bytes"`
	} `yaml:"bridge"`
	Python struct {
		Exe                string   `yaml:"exe"`
		Path               []string `yaml:"path"`
		WrapperPath        string   `yaml:"wrapper_path"`
		SocketDir          string   `yaml:"socket_dir"`
		ConnectTimeoutMS   int      `yaml:"connect_timeout_ms"`
		ScriptTimeoutS     int      `yaml:"script_timeout_s"`
		FileTimeoutS       int      `yaml:"file_timeout_s"`
		ServerModule       string   `yaml:"server_module"`
		ServerDefaultPort  int      `yaml:"server_default_port"`
		ServerStartGraceMS int      `yaml:"server_start_grace_ms"`
		BuiltinServer      bool     `yaml:"builtin_server"`
	} `yaml:"python"`
	Security struct {
		AuthAllowlist map[string][]string `yaml:"auth_allowlist"`
	} `yaml:"security"`
	SQLite struct {
		Path          string `yaml:"path"`
		RetentionDays int    `yaml:"retention_days"`
	} `yaml:"sqlite"`
	Scheduler struct {
		IntervalSeconds int `yaml:"interval_seconds"`
	} `yaml:"scheduler"`
	Channel struct {
		Enabled       bool   `yaml:"enabled"`
		Network       string `yaml:"network"`
		Address       string `yaml:"address"`
		MaxFrameBytes int    `yaml:"max_frame_bytes"`
		RateLimit     int    `yaml:"rate_limit_per_second"`
	} `yaml:"channel"`
	Web struct {
		Enabled          bool   `yaml:"enabled"`
		ListenAddr       string `yaml:"listen_addr"`
		ReadTimeoutMS    int    `yaml:"read_timeout_ms"`
		WriteTimeoutMS   int    `yaml:"write_timeout_ms"`
		RequestTimeoutMS int    `yaml:"request_timeout_ms"`
		ShutdownTimeoutS int    `yaml:"shutdown_timeout_s"`
		MaxBodyBytes     int64  `yaml:"max_body_bytes"`
		Auth             struct {
			AllowLegacySubjectHeader bool          `yaml:"allow_legacy_subject_header"`
			Tokens                   []TokenConfig `yaml:"tokens"`
		} `yaml:"auth"`
		CORS struct {
			AllowedOrigins []string `yaml:"allowed_origins"`
			AllowedMethods []string `yaml:"allowed_methods"`
			AllowedHeaders []string `yaml:"allowed_headers"`
		} `yaml:"cors"`
	} `yaml:"web"`
}

// Default возвращает конфигурацию по умолчанию.
func Default() Config {
	var cfg Config
	cfg.Agent.LogLevel = "info"
	cfg.Bridge.Channel = "chaquopy"
	cfg.Bridge.MaxOutputBytes = 1 << 20
	cfg.Python.ConnectTimeoutMS = 10000
	cfg.Python.ScriptTimeoutS = 15
	cfg.Python.FileTimeoutS = 30
	cfg.Python.ServerModule = "App"
	cfg.Python.ServerDefaultPort = 5000
	cfg.Python.ServerStartGraceMS = 500
	cfg.Python.BuiltinServer = true
	cfg.SQLite.Path = "pybridge.db"
	cfg.SQLite.RetentionDays = 30
	cfg.Scheduler.IntervalSeconds = 60
	cfg.Channel.Enabled = true
	cfg.Channel.Network = "unix"
	cfg.Channel.Address = "/tmp/pybridge.sock"
	cfg.Channel.MaxFrameBytes = 8 << 20
	cfg.Channel.RateLimit = 50
	cfg.Web.Enabled = false
	cfg.Web.ListenAddr = "127.0.0.1:8080"
	cfg.Web.ReadTimeoutMS = 2000
	cfg.Web.WriteTimeoutMS = 65000
	cfg.Web.RequestTimeoutMS = 60000
	cfg.Web.ShutdownTimeoutS = 5
	cfg.Web.MaxBodyBytes = 1 << 20
	cfg.Security.AuthAllowlist = map[string][]string{"channel": {"*"}, "cli": {"*"}, "web": {}}
	return cfg
}

// Load читает конфиг из файла YAML, поверх значений по умолчанию.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path) // #nosec G304 -- путь к конфигу задается доверенным оператором/CI.
	if err != nil {
		return cfg, err
	}
	if len(data) == 0 {
		return cfg, errors.New("config file is empty")
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate проверяет значения, которые нельзя молча исправить.
func (c Config) Validate() error {
	if c.Bridge.Channel == "" {
		return errors.New("bridge.channel is empty")
	}
	if p := c.Python.ServerDefaultPort; p < 1 || p > 65535 {
		return fmt.Errorf("python.server_default_port %d is out of range", p)
	}
	switch c.Channel.Network {
	case "unix", "tcp":
	default:
		return fmt.Errorf("channel.network %q is not supported", c.Channel.Network)
	}
	return nil
}
