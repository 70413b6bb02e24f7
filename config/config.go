// Package config loads the bridge configuration.
//
// Settings come from an optional YAML file, then from the environment
// variables the bridge has always honoured (MQTT_HOST, STATS_DELAY, ...),
// then from command-line flags. The result is read once at startup.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DriverAPI = "api"
	DriverCLI = "cli"
)

// MQTT describes the broker connection.
type MQTT struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	ClientID string `yaml:"client_id"`
	User     string `yaml:"user,omitempty"`
	Password string `yaml:"password,omitempty"`
	// KeepAlive is MQTT_TIMEOUT.
	KeepAlive      time.Duration `yaml:"keepalive"`
	QoS            int           `yaml:"qos"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
}

// Broker returns the paho broker URL.
func (m MQTT) Broker() string {
	return fmt.Sprintf("tcp://%s:%d", m.Host, m.Port)
}

// Runtime selects how containers are observed and controlled.
type Runtime struct {
	// Driver is "api" (Docker Engine API) or "cli" (docker binary).
	Driver       string        `yaml:"driver"`
	DockerBinary string        `yaml:"docker_binary,omitempty"`
	RestartDelay time.Duration `yaml:"event_restart_delay"`
	// ActionTimeout bounds a single start/stop/restart.
	ActionTimeout time.Duration `yaml:"action_timeout"`
}

type Config struct {
	MQTT            MQTT          `yaml:"mqtt"`
	Runtime         Runtime       `yaml:"runtime"`
	TopicPrefix     string        `yaml:"topic_prefix"`
	DiscoveryPrefix string        `yaml:"discovery_prefix"`
	Hostname        string        `yaml:"hostname"`
	StatsInterval   time.Duration `yaml:"stats_interval"`
	// DataDir holds the topic ledger and event cursor. Empty keeps both in memory.
	DataDir   string `yaml:"data_dir,omitempty"`
	Debug     bool   `yaml:"debug"`
	MQTTDebug bool   `yaml:"mqtt_debug"`
	LogFormat string `yaml:"log_format"`
	Tracing   bool   `yaml:"tracing"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "docker2mqtt"
	}
	return Config{
		MQTT: MQTT{
			Host:           "localhost",
			Port:           1883,
			ClientID:       "docker2mqtt",
			KeepAlive:      30 * time.Second,
			QoS:            1,
			ReconnectDelay: 10 * time.Second,
		},
		Runtime: Runtime{
			Driver:        DriverAPI,
			RestartDelay:  time.Second,
			ActionTimeout: time.Minute,
		},
		TopicPrefix:     "docker",
		DiscoveryPrefix: "homeassistant",
		Hostname:        host,
		StatsInterval:   5 * time.Second,
		LogFormat:       "text",
	}
}

// Load reads path over the defaults. An empty path or a missing file
// yields the defaults (not an error).
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides settings from environment variables. lookup is
// usually os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	integer := func(key string, dst *int) {
		v, ok := lookup(key)
		if !ok {
			return
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = n
	}
	seconds := func(key string, dst *time.Duration) {
		v, ok := lookup(key)
		if !ok {
			return
		}
		n, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = time.Duration(n * float64(time.Second))
	}
	flag := func(key string, dst *bool) {
		if v, ok := lookup(key); ok {
			*dst = strings.TrimSpace(v) == "1" || strings.EqualFold(strings.TrimSpace(v), "true")
		}
	}

	flag("DEBUG", &c.Debug)
	flag("MQTT_DEBUG", &c.MQTTDebug)
	str("HOMEASSISTANT_PREFIX", &c.DiscoveryPrefix)
	str("DOCKER2MQTT_HOSTNAME", &c.Hostname)
	str("MQTT_CLIENT_ID", &c.MQTT.ClientID)
	str("MQTT_USER", &c.MQTT.User)
	str("MQTT_PASSWD", &c.MQTT.Password)
	str("MQTT_HOST", &c.MQTT.Host)
	integer("MQTT_PORT", &c.MQTT.Port)
	seconds("MQTT_TIMEOUT", &c.MQTT.KeepAlive)
	str("MQTT_TOPIC_PREFIX", &c.TopicPrefix)
	integer("MQTT_QOS", &c.MQTT.QoS)
	seconds("STATS_DELAY", &c.StatsInterval)
	str("DOCKER2MQTT_DRIVER", &c.Runtime.Driver)
	str("DOCKER2MQTT_DATA_DIR", &c.DataDir)
	return errors.Join(errs...)
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var errs []error
	if c.MQTT.Host == "" {
		errs = append(errs, errors.New("mqtt host is required"))
	}
	if c.MQTT.Port <= 0 || c.MQTT.Port > 65535 {
		errs = append(errs, fmt.Errorf("mqtt port %d out of range", c.MQTT.Port))
	}
	if c.MQTT.ClientID == "" {
		errs = append(errs, errors.New("mqtt client id is required"))
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt qos %d must be 0, 1 or 2", c.MQTT.QoS))
	}
	if c.MQTT.KeepAlive <= 0 {
		errs = append(errs, errors.New("mqtt keepalive must be positive"))
	}
	if c.MQTT.ReconnectDelay <= 0 {
		errs = append(errs, errors.New("mqtt reconnect delay must be positive"))
	}
	if c.StatsInterval <= 0 {
		errs = append(errs, errors.New("stats interval must be positive"))
	}
	if c.Runtime.RestartDelay <= 0 {
		errs = append(errs, errors.New("event restart delay must be positive"))
	}
	if c.Runtime.ActionTimeout <= 0 {
		errs = append(errs, errors.New("action timeout must be positive"))
	}
	switch c.Runtime.Driver {
	case DriverAPI, DriverCLI:
	default:
		errs = append(errs, fmt.Errorf("unknown runtime driver %q", c.Runtime.Driver))
	}
	for name, v := range map[string]string{
		"topic prefix":     c.TopicPrefix,
		"discovery prefix": c.DiscoveryPrefix,
		"hostname":         c.Hostname,
	} {
		if v == "" {
			errs = append(errs, fmt.Errorf("%s is required", name))
		} else if strings.ContainsAny(v, "+#") {
			errs = append(errs, fmt.Errorf("%s %q contains an MQTT wildcard", name, v))
		}
	}
	return errors.Join(errs...)
}
