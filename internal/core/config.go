package core

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the shared configuration of the agent, the gateway and the CLI.
type Config struct {
	Broker    BrokerConfig    `yaml:"broker"`
	Agent     AgentConfig     `yaml:"agent"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type BrokerConfig struct {
	// Transport is one of mqtt, redis or memory.
	Transport      string        `yaml:"transport"`
	Address        string        `yaml:"address"`
	ClientIDPrefix string        `yaml:"client_id_prefix"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	// QoS is nil when unset so that an explicit 0 survives defaults.
	QoS            *byte         `yaml:"qos"`
	KeepAlive      time.Duration `yaml:"keepalive"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	TLS            struct {
		CAFile     string `yaml:"ca_file"`
		ServerName string `yaml:"server_name"`
	} `yaml:"tls"`
}

type AgentConfig struct {
	// Name identifies this agent in failure reports. Defaults to the hostname.
	Name         string        `yaml:"name"`
	DNSServer    string        `yaml:"dns_server"`
	DNSTimeout   time.Duration `yaml:"dns_timeout"`
	ProbeAddress string        `yaml:"probe_address"`
	WorkDir      string        `yaml:"work_dir"`
	Topics       []string      `yaml:"topics"`
	CheckKind    string        `yaml:"check_kind"`
	RefreshKind  string        `yaml:"refresh_kind"`
	FailureTopic string        `yaml:"failure_topic"`
	// Interpreters maps a dispatch run-method to the program that runs the script.
	Interpreters       map[string]string `yaml:"interpreters"`
	ExecTimeout        time.Duration     `yaml:"exec_timeout"`
	ExclusiveExecution bool              `yaml:"exclusive_execution"`
	Download           DownloadConfig    `yaml:"download"`
	SFTP               struct {
		User       string `yaml:"user"`
		KeyPath    string `yaml:"key_path"`
		KnownHosts string `yaml:"known_hosts"`
	} `yaml:"sftp"`
}

type DownloadConfig struct {
	Timeout           time.Duration `yaml:"timeout"`
	// Retries is nil when unset; 0 disables retrying.
	Retries           *int          `yaml:"retries"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
}

// QoSLevel returns the configured QoS, or 1 when unset.
func (b BrokerConfig) QoSLevel() byte {
	if b.QoS == nil {
		return 1
	}
	return *b.QoS
}

// RetryCount returns the configured retry count, or 2 when unset.
func (d DownloadConfig) RetryCount() int {
	if d.Retries == nil {
		return 2
	}
	return *d.Retries
}

type GatewayConfig struct {
	Listen        string        `yaml:"listen"`
	DispatchTopic string        `yaml:"dispatch_topic"`
	RepoPort      int           `yaml:"repo_port"`
	StaleAfter    time.Duration `yaml:"stale_after"`
	WaitBudget    time.Duration `yaml:"wait_budget"`
	TLSCert       string        `yaml:"tls_cert"`
	TLSKey        string        `yaml:"tls_key"`
}

type TelemetryConfig struct {
	Enabled        bool   `yaml:"enabled"`
	MonitoringAddr string `yaml:"monitoring_addr"`
}

// DefaultInterpreters is the run-method table used when none is configured.
func DefaultInterpreters() map[string]string {
	return map[string]string{
		"python":     "python3",
		"python3":    "python3",
		"py":         "python3",
		"bash":       "bash",
		"sh":         "sh",
		"ps1":        "pwsh",
		"powershell": "pwsh",
	}
}

// ApplyDefaults fills every unset field.
func (c *Config) ApplyDefaults() {
	if c.Broker.Transport == "" {
		c.Broker.Transport = "mqtt"
	}
	if c.Broker.Address == "" {
		c.Broker.Address = "tcp://mqtt-server:1883"
	}
	if c.Broker.ClientIDPrefix == "" {
		c.Broker.ClientIDPrefix = "chkbus"
	}
	if c.Broker.QoS == nil {
		qos := c.Broker.QoSLevel()
		c.Broker.QoS = &qos
	}
	if c.Broker.KeepAlive == 0 {
		c.Broker.KeepAlive = 60 * time.Second
	}
	if c.Broker.ConnectTimeout == 0 {
		c.Broker.ConnectTimeout = 10 * time.Second
	}

	if c.Agent.Name == "" {
		c.Agent.Name, _ = os.Hostname()
	}
	if c.Agent.DNSTimeout == 0 {
		c.Agent.DNSTimeout = 2 * time.Second
	}
	if c.Agent.ProbeAddress == "" {
		c.Agent.ProbeAddress = "8.8.8.8:80"
	}
	if c.Agent.WorkDir == "" {
		c.Agent.WorkDir = "./tmp"
	}
	if len(c.Agent.Topics) == 0 {
		c.Agent.Topics = []string{"checks"}
	}
	if c.Agent.CheckKind == "" {
		c.Agent.CheckKind = "check"
	}
	if c.Agent.RefreshKind == "" {
		c.Agent.RefreshKind = "refresh"
	}
	if c.Agent.FailureTopic == "" {
		c.Agent.FailureTopic = "agent-failures"
	}
	if len(c.Agent.Interpreters) == 0 {
		c.Agent.Interpreters = DefaultInterpreters()
	}
	if c.Agent.Download.Timeout == 0 {
		c.Agent.Download.Timeout = 30 * time.Second
	}
	if c.Agent.Download.Retries == nil {
		retries := c.Agent.Download.RetryCount()
		c.Agent.Download.Retries = &retries
	}
	if c.Agent.Download.RequestsPerSecond == 0 {
		c.Agent.Download.RequestsPerSecond = 10
	}

	if c.Gateway.Listen == "" {
		c.Gateway.Listen = ":5000"
	}
	if c.Gateway.DispatchTopic == "" {
		c.Gateway.DispatchTopic = "checks"
	}
	if c.Gateway.RepoPort == 0 {
		c.Gateway.RepoPort = 8080
	}
	if c.Gateway.StaleAfter == 0 {
		c.Gateway.StaleAfter = 45 * time.Second
	}
	if c.Gateway.WaitBudget == 0 {
		c.Gateway.WaitBudget = 20 * time.Second
	}

	if c.Telemetry.MonitoringAddr == "" {
		c.Telemetry.MonitoringAddr = ":9090"
	}
}

// Validate reports the first invalid field.
func (c *Config) Validate() error {
	switch c.Broker.Transport {
	case "mqtt", "redis", "memory":
	default:
		return ValidationError{Field: "broker.transport", Value: c.Broker.Transport, Message: "must be one of mqtt, redis, memory"}
	}
	if qos := c.Broker.QoSLevel(); qos > 2 {
		return ValidationError{Field: "broker.qos", Value: fmt.Sprintf("%d", qos), Message: "must be 0, 1 or 2"}
	}
	if n := c.Agent.Download.RetryCount(); n < 0 {
		return ValidationError{Field: "agent.download.retries", Value: fmt.Sprintf("%d", n), Message: "must not be negative"}
	}
	if c.Agent.CheckKind == c.Agent.RefreshKind {
		return ValidationError{Field: "agent.refresh_kind", Value: c.Agent.RefreshKind, Message: "must differ from agent.check_kind"}
	}
	if c.Gateway.WaitBudget < 0 {
		return ValidationError{Field: "gateway.wait_budget", Value: c.Gateway.WaitBudget.String(), Message: "must not be negative"}
	}
	if (c.Gateway.TLSCert == "") != (c.Gateway.TLSKey == "") {
		return ValidationError{Field: "gateway.tls_cert", Value: c.Gateway.TLSCert, Message: "tls_cert and tls_key must be set together"}
	}
	return nil
}

// ValidateStandalone rejects settings that cannot work when the agent and
// the gateway run as separate processes. The memory transport only connects
// sessions inside one process.
func (c *Config) ValidateStandalone() error {
	if c.Broker.Transport == "memory" {
		return ValidationError{Field: "broker.transport", Value: c.Broker.Transport, Message: "memory transport is limited to one process; use mqtt or redis"}
	}
	return nil
}

// ValidationError describes a rejected configuration value.
type ValidationError struct {
	Field   string
	Value   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s=%s: %s", e.Field, e.Value, e.Message)
}

// configDir resolves $XDG_CONFIG_HOME/chkbus or ~/.config/chkbus.
func configDir() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "chkbus")
}

// LoadConfig reads YAML configuration from a path. If path is empty, it resolves
// $XDG_CONFIG_HOME/chkbus/config.yaml or ~/.config/chkbus/config.yaml.
// Broker credentials from secrets.env and the environment override the file.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	if path == "" {
		path = filepath.Join(configDir(), "config.yaml")
	}
	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}

	if err := applyBrokerSecrets(&cfg.Broker, filepath.Join(filepath.Dir(path), "secrets.env")); err != nil {
		return cfg, err
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
