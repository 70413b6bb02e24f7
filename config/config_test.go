package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envFrom(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "localhost", cfg.MQTT.Host)
	assert.Equal(t, 1883, cfg.MQTT.Port)
	assert.Equal(t, 1, cfg.MQTT.QoS)
	assert.Equal(t, 5*time.Second, cfg.StatsInterval)
	assert.Equal(t, DriverAPI, cfg.Runtime.Driver)
	assert.NotEmpty(t, cfg.Hostname)
	require.NoError(t, cfg.Validate())
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "docker2mqtt.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
mqtt:
  host: broker.lan
  qos: 0
  reconnect_delay: 3s
runtime:
  driver: cli
topic_prefix: containers
stats_interval: 15s
data_dir: /var/lib/docker2mqtt
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "broker.lan", cfg.MQTT.Host)
	assert.Equal(t, 1883, cfg.MQTT.Port)
	assert.Equal(t, 0, cfg.MQTT.QoS)
	assert.Equal(t, 3*time.Second, cfg.MQTT.ReconnectDelay)
	assert.Equal(t, DriverCLI, cfg.Runtime.Driver)
	assert.Equal(t, "containers", cfg.TopicPrefix)
	assert.Equal(t, 15*time.Second, cfg.StatsInterval)
	assert.Equal(t, "tcp://broker.lan:1883", cfg.MQTT.Broker())
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("mqtt: ["), 0o600))
	_, err := Load(path)
	assert.ErrorContains(t, err, "parse config")
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(envFrom(map[string]string{
		"DEBUG":                "1",
		"MQTT_DEBUG":           "0",
		"HOMEASSISTANT_PREFIX": "ha",
		"DOCKER2MQTT_HOSTNAME": "nas",
		"MQTT_USER":            "bridge",
		"MQTT_PASSWD":          "secret",
		"MQTT_HOST":            "10.0.0.2",
		"MQTT_PORT":            "8883",
		"MQTT_TIMEOUT":         "45",
		"MQTT_QOS":             "2",
		"STATS_DELAY":          "2.5",
	}))
	require.NoError(t, err)
	assert.True(t, cfg.Debug)
	assert.False(t, cfg.MQTTDebug)
	assert.Equal(t, "ha", cfg.DiscoveryPrefix)
	assert.Equal(t, "nas", cfg.Hostname)
	assert.Equal(t, "bridge", cfg.MQTT.User)
	assert.Equal(t, "secret", cfg.MQTT.Password)
	assert.Equal(t, "tcp://10.0.0.2:8883", cfg.MQTT.Broker())
	assert.Equal(t, 45*time.Second, cfg.MQTT.KeepAlive)
	assert.Equal(t, 2, cfg.MQTT.QoS)
	assert.Equal(t, 2500*time.Millisecond, cfg.StatsInterval)
}

func TestApplyEnvReportsBadNumbers(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(envFrom(map[string]string{"MQTT_PORT": "http", "STATS_DELAY": "soon"}))
	require.Error(t, err)
	assert.ErrorContains(t, err, "MQTT_PORT")
	assert.ErrorContains(t, err, "STATS_DELAY")
	assert.Equal(t, 1883, cfg.MQTT.Port)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"wildcard prefix", func(c *Config) { c.TopicPrefix = "docker/#" }, "contains an MQTT wildcard"},
		{"empty discovery prefix", func(c *Config) { c.DiscoveryPrefix = "" }, "discovery prefix is required"},
		{"qos", func(c *Config) { c.MQTT.QoS = 3 }, "mqtt qos 3"},
		{"interval", func(c *Config) { c.StatsInterval = 0 }, "stats interval must be positive"},
		{"driver", func(c *Config) { c.Runtime.Driver = "podman" }, `unknown runtime driver "podman"`},
		{"port", func(c *Config) { c.MQTT.Port = 0 }, "mqtt port 0 out of range"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}

func TestValidateJoinsErrors(t *testing.T) {
	cfg := Default()
	cfg.MQTT.Host = ""
	cfg.MQTT.QoS = -1
	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorContains(t, err, "mqtt host is required")
	assert.ErrorContains(t, err, "mqtt qos -1")
}
