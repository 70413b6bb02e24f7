package topic

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var scheme = Scheme{Prefix: "docker", DiscoveryPrefix: "homeassistant", Hostname: "nas"}

func TestBuilders(t *testing.T) {
	assert.Equal(t, "docker/abc123/cpu", scheme.State("abc123", "cpu"))
	assert.Equal(t, "docker/abc123/commands", scheme.Command("abc123"))
	assert.Equal(t, "docker/+/commands", scheme.CommandWildcard())
	assert.Equal(t, "docker/nas/status", scheme.Presence())
	assert.Equal(t, "homeassistant/sensor/docker-abc123/memory_usage/config", scheme.Discovery("sensor", "abc123", "memory_usage"))
	assert.Equal(t, "homeassistant/button/+/restart/config", scheme.DiscoveryFilter("button", "restart"))
}

func TestParseCommand(t *testing.T) {
	id, ok := scheme.ParseCommand("docker/abc123/commands")
	require.True(t, ok)
	assert.Equal(t, "abc123", id)

	for _, bad := range []string{
		"docker/abc123/cpu",
		"other/abc123/commands",
		"docker//commands",
		"docker/a/b/commands",
		"homeassistant/sensor/docker-abc123/state/config",
	} {
		_, ok := scheme.ParseCommand(bad)
		assert.False(t, ok, bad)
	}
}

func TestParseDiscovery(t *testing.T) {
	got, ok := scheme.ParseDiscovery("homeassistant/button/docker-abc123/stop/config")
	require.True(t, ok)
	assert.Equal(t, Discovered{Component: "button", ID: "abc123", Field: "stop"}, got)

	for _, bad := range []string{
		"homeassistant/sensor/other-abc123/state/config",
		"homeassistant/sensor/docker-abc123/state",
		"homeassistant/sensor/docker-/state/config",
		"docker/abc123/commands",
	} {
		_, ok := scheme.ParseDiscovery(bad)
		assert.False(t, ok, bad)
	}
	assert.True(t, scheme.IsDiscovery("homeassistant/sensor/x/y/config"))
	assert.False(t, scheme.IsDiscovery("docker/abc/commands"))
}

func TestValidate(t *testing.T) {
	require.NoError(t, scheme.Validate())
	assert.Error(t, Scheme{Prefix: "", DiscoveryPrefix: "ha", Hostname: "h"}.Validate())
	assert.Error(t, Scheme{Prefix: "docker/+", DiscoveryPrefix: "ha", Hostname: "h"}.Validate())
	assert.Error(t, Scheme{Prefix: "a/b", DiscoveryPrefix: "ha", Hostname: "h"}.Validate())
	assert.Error(t, Scheme{Prefix: "docker", DiscoveryPrefix: "ha/#", Hostname: "h"}.Validate())
}

func TestMatch(t *testing.T) {
	tests := []struct {
		filter, topic string
		want          bool
	}{
		{"docker/+/commands", "docker/abc/commands", true},
		{"docker/+/commands", "docker/abc/cpu", false},
		{"docker/+/commands", "docker/abc/commands/x", false},
		{"docker/#", "docker/abc/commands", true},
		{"homeassistant/sensor/+/state/config", "homeassistant/sensor/docker-a/state/config", true},
		{"a/b", "a", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Match(tt.filter, tt.topic), "%s vs %s", tt.filter, tt.topic)
	}
}
