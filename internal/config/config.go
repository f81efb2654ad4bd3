package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Build-time variables injected via -ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
)

// DefaultConfigPath is read when no explicit path is given and FLEET_CONFIG is unset.
const DefaultConfigPath = "/etc/fleet-agent/agent.yaml"

// Config holds all agent configuration.
type Config struct {
	// ServerID is the enrollment identity assigned by the control plane.
	ServerID string `yaml:"server_id"`

	// RoleName and Behaviors are advertised in broadcast messages.
	RoleName  string   `yaml:"role_name"`
	Behaviors []string `yaml:"behaviors"`

	// LocalIP and PublicIP are advertised in broadcast messages.
	// Empty LocalIP is detected at startup.
	LocalIP  string `yaml:"local_ip"`
	PublicIP string `yaml:"public_ip"`

	// CryptoKey seeds the default shared key on first start (base64).
	// Once a key is stored it is ignored; the handshake rotates it.
	CryptoKey string `yaml:"crypto_key"`

	// ProducerURL is the control-plane endpoint messages are posted to.
	ProducerURL string `yaml:"producer_url"`

	// ConsumerPort is where the control plane delivers messages.
	ConsumerPort int `yaml:"consumer_port"`

	// APIPort serves the local control API.
	APIPort int `yaml:"api_port"`

	// DataDir is the root directory for persistent agent data.
	DataDir string `yaml:"data_dir"`

	// LogDir is the directory for log files.
	LogDir string `yaml:"log_dir"`

	// MessageFormat is the wire encoding: "json" or "xml".
	MessageFormat string `yaml:"message_format"`

	// SendBackoff is the wait before each retry of a failed delivery.
	// Its length is the retry budget.
	SendBackoff []time.Duration `yaml:"send_backoff"`

	// MaxClockSkew rejects inbound messages whose Date header is further
	// off than this. Zero disables the check for messages; the control API
	// then falls back to its own default.
	MaxClockSkew time.Duration `yaml:"max_clock_skew"`

	// ScriptLogDir receives per-run stdout/stderr logs.
	ScriptLogDir string `yaml:"script_log_dir"`

	// ScriptExecDir is where script bodies are written before execution.
	ScriptExecDir string `yaml:"script_exec_dir"`

	// ScriptLogsTruncateOver caps the output reported back in a result.
	ScriptLogsTruncateOver int `yaml:"script_logs_truncate_over"`

	// ScriptLogsRetention is how long script logs are kept.
	ScriptLogsRetention time.Duration `yaml:"script_logs_retention"`

	// ScriptRotateInterval is the period of the script log sweep.
	ScriptRotateInterval time.Duration `yaml:"script_rotate_interval"`

	// Workers bounds concurrently running asynchronous operations.
	Workers int `yaml:"workers"`

	// UpdateCommand is run through bash by the self-updater.
	UpdateCommand string `yaml:"update_command"`

	// Platform names the cloud platform ("" for none).
	Platform string `yaml:"platform"`

	// ImportServer starts the agent in importing state on first boot.
	ImportServer bool `yaml:"import_server"`

	// Debug enables verbose logging.
	Debug bool `yaml:"debug"`
}

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ConsumerPort:  8013,
		APIPort:       8010,
		DataDir:       "/var/lib/fleet-agent",
		LogDir:        "/var/log/fleet-agent",
		MessageFormat: "json",
		SendBackoff: []time.Duration{
			1 * time.Second,
			2 * time.Second,
			5 * time.Second,
			10 * time.Second,
			20 * time.Second,
			30 * time.Second,
			60 * time.Second,
		},
		ScriptLogDir:           "/var/log/fleet-agent/scripting",
		ScriptExecDir:          "/usr/local/bin/fleet-scripts",
		ScriptLogsTruncateOver: 20000,
		ScriptLogsRetention:    24 * time.Hour,
		ScriptRotateInterval:   time.Hour,
		Workers:                16,
		UpdateCommand:          "curl -fsSL https://fleet.qudata.ai/install.sh | bash -s -- --upgrade",
	}
}

// Load builds the configuration from defaults, an optional YAML file and
// FLEET_* environment variables, in that order of precedence.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	explicit := path != ""
	if !explicit {
		path = os.Getenv("FLEET_CONFIG")
		explicit = path != ""
	}
	if !explicit {
		path = DefaultConfigPath
	}

	if err := cfg.loadFile(path); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}

	if err := cfg.loadEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) loadEnv() error {
	if v := os.Getenv("FLEET_SERVER_ID"); v != "" {
		c.ServerID = strings.TrimSpace(v)
	}

	if v := os.Getenv("FLEET_ROLE_NAME"); v != "" {
		c.RoleName = v
	}

	if v := os.Getenv("FLEET_BEHAVIORS"); v != "" {
		c.Behaviors = splitList(v)
	}

	if v := os.Getenv("FLEET_LOCAL_IP"); v != "" {
		c.LocalIP = v
	}

	if v := os.Getenv("FLEET_PUBLIC_IP"); v != "" {
		c.PublicIP = v
	}

	if v := os.Getenv("FLEET_CRYPTO_KEY"); v != "" {
		c.CryptoKey = strings.TrimSpace(v)
	}

	if v := os.Getenv("FLEET_PRODUCER_URL"); v != "" {
		c.ProducerURL = strings.TrimRight(v, "/")
	}

	if v := os.Getenv("FLEET_CONSUMER_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("FLEET_CONSUMER_PORT: %w", err)
		}
		c.ConsumerPort = port
	}

	if v := os.Getenv("FLEET_API_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("FLEET_API_PORT: %w", err)
		}
		c.APIPort = port
	}

	if v := os.Getenv("FLEET_DATA_DIR"); v != "" {
		c.DataDir = v
	}

	if v := os.Getenv("FLEET_LOG_DIR"); v != "" {
		c.LogDir = v
	}

	if v := os.Getenv("FLEET_MESSAGE_FORMAT"); v != "" {
		c.MessageFormat = v
	}

	if v := os.Getenv("FLEET_SEND_BACKOFF"); v != "" {
		var backoff []time.Duration
		for _, item := range splitList(v) {
			d, err := time.ParseDuration(item)
			if err != nil {
				return fmt.Errorf("FLEET_SEND_BACKOFF: %w", err)
			}
			backoff = append(backoff, d)
		}
		c.SendBackoff = backoff
	}

	if v := os.Getenv("FLEET_MAX_CLOCK_SKEW"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("FLEET_MAX_CLOCK_SKEW: %w", err)
		}
		c.MaxClockSkew = d
	}

	if v := os.Getenv("FLEET_SCRIPT_LOG_DIR"); v != "" {
		c.ScriptLogDir = v
	}

	if v := os.Getenv("FLEET_SCRIPT_EXEC_DIR"); v != "" {
		c.ScriptExecDir = v
	}

	if v := os.Getenv("FLEET_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("FLEET_WORKERS: %w", err)
		}
		c.Workers = n
	}

	if v := os.Getenv("FLEET_UPDATE_COMMAND"); v != "" {
		c.UpdateCommand = v
	}

	if v := os.Getenv("FLEET_PLATFORM"); v != "" {
		c.Platform = v
	}

	if v := os.Getenv("FLEET_IMPORT_SERVER"); v != "" {
		c.ImportServer = v == "true"
	}

	if v := os.Getenv("FLEET_DEBUG"); v != "" {
		c.Debug = v == "true"
	}

	return nil
}

// Validate reports missing or malformed values.
func (c *Config) Validate() error {
	var errs []error
	if c.ServerID == "" {
		errs = append(errs, errors.New("server_id is required"))
	}
	if c.ProducerURL == "" {
		errs = append(errs, errors.New("producer_url is required"))
	}
	if c.MessageFormat != "json" && c.MessageFormat != "xml" {
		errs = append(errs, fmt.Errorf("message_format must be json or xml, got %q", c.MessageFormat))
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be positive, got %d", c.Workers))
	}
	if c.ScriptLogsTruncateOver < 1 {
		errs = append(errs, fmt.Errorf("script_logs_truncate_over must be positive, got %d", c.ScriptLogsTruncateOver))
	}
	return errors.Join(errs...)
}

// MessageDBPath is the SQLite message store location.
func (c *Config) MessageDBPath() string {
	return filepath.Join(c.DataDir, "messages.db")
}

// NewLogger creates a structured JSON logger writing to <LogDir>/<name>.log.
func NewLogger(cfg *Config, name string) (*slog.Logger, error) {
	if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}

	logPath := filepath.Join(cfg.LogDir, name+".log")
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", logPath, err)
	}

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}

	handler := slog.NewJSONHandler(file, &slog.HandlerOptions{Level: level})
	return slog.New(handler), nil
}

func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
