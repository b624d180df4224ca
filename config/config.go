package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the overall application configuration.
type Config struct {
	Printer    PrinterConfig    `yaml:"printer"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	FTPS       FTPSConfig       `yaml:"ftps"`
	Download   DownloadConfig   `yaml:"download"`
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Push       PushConfig       `yaml:"push"`
	WorkerPool WorkerPoolConfig `yaml:"worker_pool"`
	Log        LogConfig        `yaml:"log"`
}

// PrinterConfig identifies the single printer this process watches.
type PrinterConfig struct {
	Host       string `yaml:"host"`
	Serial     string `yaml:"serial"`
	AccessCode string `yaml:"access_code"`
}

// MQTTConfig holds the broker connection used for the printer's report stream.
type MQTTConfig struct {
	Host                  string        `yaml:"host"`
	Port                  int           `yaml:"port"`
	Username              string        `yaml:"username"`
	Password              string        `yaml:"password"`
	Topic                 string        `yaml:"topic"`
	ClientID              string        `yaml:"client_id"`
	TLS                   *bool         `yaml:"tls"`
	InsecureSkipVerify    bool          `yaml:"insecure_skip_verify"`
	QoS                   byte          `yaml:"qos"`
	KeepAliveSeconds      int           `yaml:"keep_alive_seconds"`
	ConnectTimeoutSeconds int           `yaml:"connect_timeout_seconds"`
	ConnectTimeout        time.Duration `yaml:"-"`
	QueueSize             int           `yaml:"queue_size"`
}

// FTPSConfig holds the printer file server settings.
type FTPSConfig struct {
	Port                int           `yaml:"port"`
	Username            string        `yaml:"username"`
	Password            string        `yaml:"password"`
	TLSMode             string        `yaml:"tls_mode"`
	InsecureSkipVerify  bool          `yaml:"insecure_skip_verify"`
	RemoteDir           string        `yaml:"remote_dir"`
	FileSuffix          string        `yaml:"file_suffix"`
	DeleteAfterDownload bool          `yaml:"delete_after_download"`
	TimeoutSeconds      int           `yaml:"timeout_seconds"`
	Timeout             time.Duration `yaml:"-"` // Ignored by YAML parser
	DisableEPSV         bool          `yaml:"disable_epsv"`
}

// DownloadConfig controls where retrieved files land.
type DownloadConfig struct {
	Dir          string `yaml:"dir"`
	AtomicWrites bool   `yaml:"atomic_writes"`
}

// ServerConfig holds the status API configuration.
type ServerConfig struct {
	Enabled         *bool   `yaml:"enabled"`
	Port            int     `yaml:"port"`
	RequestIPHeader string  `yaml:"request_ip_header"`
	RateLimitPerSec float64 `yaml:"rate_limit_per_sec"`
	RateLimitBurst  int     `yaml:"rate_limit_burst"`
	CacheTTLSeconds int     `yaml:"cache_ttl_seconds"`
}

// DatabaseConfig holds the database connection configuration.
type DatabaseConfig struct {
	DSN                    string `yaml:"dsn"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes"`
}

// PushConfig holds the VAPID keys for web push notifications.
type PushConfig struct {
	PublicKey  string `yaml:"vapid_public_key"`
	PrivateKey string `yaml:"vapid_private_key"`
	Subject    string `yaml:"subject"`
	TTL        int    `yaml:"ttl"`
}

// WorkerPoolConfig holds the configuration for the notification worker pool.
type WorkerPoolConfig struct {
	Size int `yaml:"size"`
}

// LogConfig selects the zap level and encoding.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  *bool  `yaml:"json"`
}

// TLS modes understood by ftps.tls_mode.
const (
	TLSModeImplicit = "implicit"
	TLSModeExplicit = "explicit"
	TLSModePlain    = "plain"
)

// Load reads the configuration from the given path. A missing file is not an
// error: the environment alone can carry a complete configuration.
func Load(path string) (*Config, error) {
	var cfg Config

	f, err := os.Open(path)
	switch {
	case err == nil:
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
		log.Printf("config file %s not found; using environment and defaults", path)
	default:
		return nil, err
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// ApplyEnv overlays the environment variables the container deployment uses.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", key, v, err)
		}
		*dst = n
		return nil
	}

	str("PRINTER_IP", &c.Printer.Host)
	str("SERIAL_NUMBER", &c.Printer.Serial)
	str("ACCESS_CODE", &c.Printer.AccessCode)
	str("MQTT_BROKER_ADDRESS", &c.MQTT.Host)
	str("MQTT_USERNAME", &c.MQTT.Username)
	str("MQTT_PASSWORD", &c.MQTT.Password)
	str("MQTT_TOPIC", &c.MQTT.Topic)
	str("FTPS_USERNAME", &c.FTPS.Username)
	str("FTPS_REMOTE_DIR", &c.FTPS.RemoteDir)
	str("DOWNLOAD_DIR", &c.Download.Dir)
	if err := num("MQTT_PORT", &c.MQTT.Port); err != nil {
		return err
	}
	if err := num("FTPS_PORT", &c.FTPS.Port); err != nil {
		return err
	}
	if v, ok := lookup("DELETE_AFTER_DOWNLOAD"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid DELETE_AFTER_DOWNLOAD %q: %w", v, err)
		}
		c.FTPS.DeleteAfterDownload = b
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.MQTT.Host == "" {
		c.MQTT.Host = c.Printer.Host
	}
	if c.MQTT.Port <= 0 {
		c.MQTT.Port = 8883
	}
	if c.MQTT.Username == "" {
		c.MQTT.Username = "bblp"
	}
	if c.MQTT.Password == "" {
		c.MQTT.Password = c.Printer.AccessCode
	}
	if c.MQTT.Topic == "" && c.Printer.Serial != "" {
		c.MQTT.Topic = fmt.Sprintf("device/%s/report", c.Printer.Serial)
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "timelapsed"
	}
	if c.MQTT.KeepAliveSeconds <= 0 {
		c.MQTT.KeepAliveSeconds = 60
	}
	if c.MQTT.ConnectTimeoutSeconds <= 0 {
		c.MQTT.ConnectTimeoutSeconds = 10
	}
	c.MQTT.ConnectTimeout = time.Duration(c.MQTT.ConnectTimeoutSeconds) * time.Second
	if c.MQTT.TLS == nil {
		t := true
		c.MQTT.TLS = &t
	}
	if c.MQTT.QueueSize <= 0 {
		c.MQTT.QueueSize = 256
	}

	if c.FTPS.Port <= 0 {
		c.FTPS.Port = 990
	}
	if c.FTPS.Username == "" {
		c.FTPS.Username = "bblp"
	}
	if c.FTPS.Password == "" {
		c.FTPS.Password = c.Printer.AccessCode
	}
	c.FTPS.TLSMode = strings.ToLower(strings.TrimSpace(c.FTPS.TLSMode))
	if c.FTPS.TLSMode == "" {
		c.FTPS.TLSMode = TLSModeImplicit
	}
	if c.FTPS.RemoteDir == "" {
		c.FTPS.RemoteDir = "timelapse"
	}
	if c.FTPS.FileSuffix == "" {
		c.FTPS.FileSuffix = ".avi"
	}
	if c.FTPS.TimeoutSeconds <= 0 {
		c.FTPS.TimeoutSeconds = 30
	}
	c.FTPS.Timeout = time.Duration(c.FTPS.TimeoutSeconds) * time.Second

	if c.Download.Dir == "" {
		c.Download.Dir = "/downloads"
	}

	if c.Server.Enabled == nil {
		enabled := true
		c.Server.Enabled = &enabled
	}
	if c.Server.Port <= 0 {
		c.Server.Port = 8080
	}
	if c.Server.RateLimitPerSec <= 0 {
		c.Server.RateLimitPerSec = 10
	}
	if c.Server.RateLimitBurst <= 0 {
		c.Server.RateLimitBurst = 5
	}
	if c.Server.CacheTTLSeconds <= 0 {
		c.Server.CacheTTLSeconds = 5
	}

	if c.Database.DSN == "" {
		c.Database.DSN = "timelapse.db"
	}

	if c.Push.TTL <= 0 {
		c.Push.TTL = 3600
	}

	if c.WorkerPool.Size <= 0 {
		c.WorkerPool.Size = 1
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.JSON == nil {
		j := true
		c.Log.JSON = &j
	}
}

// Validate reports the first missing or inconsistent required value.
func (c *Config) Validate() error {
	if c.Printer.Host == "" {
		return errors.New("printer.host (PRINTER_IP) is required")
	}
	if c.Printer.AccessCode == "" {
		return errors.New("printer.access_code (ACCESS_CODE) is required")
	}
	if c.MQTT.Topic == "" {
		return errors.New("printer.serial (SERIAL_NUMBER) or mqtt.topic (MQTT_TOPIC) is required")
	}
	if c.MQTT.Port > 65535 {
		return fmt.Errorf("mqtt.port %d out of range", c.MQTT.Port)
	}
	if c.FTPS.Port > 65535 {
		return fmt.Errorf("ftps.port %d out of range", c.FTPS.Port)
	}
	switch c.FTPS.TLSMode {
	case TLSModeImplicit, TLSModeExplicit, TLSModePlain:
	default:
		return fmt.Errorf("ftps.tls_mode %q must be one of implicit, explicit, plain", c.FTPS.TLSMode)
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos %d must be 0, 1 or 2", c.MQTT.QoS)
	}
	if c.Download.Dir == "" {
		return errors.New("download.dir is required")
	}
	return nil
}

// ServerEnabled reports whether the status API should be started.
func (c *Config) ServerEnabled() bool {
	return c.Server.Enabled == nil || *c.Server.Enabled
}

// UseTLS reports whether the broker connection is TLS. It defaults to true.
func (m MQTTConfig) UseTLS() bool {
	return m.TLS == nil || *m.TLS
}

// PushEnabled reports whether VAPID keys are present.
func (c *Config) PushEnabled() bool {
	return c.Push.PublicKey != "" && c.Push.PrivateKey != ""
}
