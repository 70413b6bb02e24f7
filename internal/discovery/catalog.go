package discovery

import (
	"strconv"

	"docker2mqtt/internal/entity"
)

const (
	ComponentSensor = "sensor"
	ComponentButton = "button"
)

// Kind is one catalog entry: a sensor backed by a state topic, or a button
// that publishes to the command topic.
type Kind struct {
	// Field is the last topic level of both the state and discovery topics.
	Field     string
	Component string
	Label     string
	// UIDSuffix is appended to the entity id to form unique_id.
	UIDSuffix         string
	Unit              string
	Category          string
	Icon              string
	DisabledByDefault bool
	// Press is the command payload sent by a button.
	Press string
	// value renders the current state-topic payload. ok is false when the
	// field has no value to publish yet.
	value func(entity.Record) (v string, ok bool)
}

// Sensor reports whether k is backed by a state topic.
func (k Kind) Sensor() bool { return k.Component == ComponentSensor }

// Value renders the state-topic payload for rec.
func (k Kind) Value(rec entity.Record) (string, bool) {
	if k.value == nil {
		return "", false
	}
	return k.value(rec)
}

var catalog = []Kind{
	{
		Field: "state", Component: ComponentSensor, Label: "State", UIDSuffix: "state",
		Category: "config", Icon: "mdi:chart-line-variant",
		value: func(r entity.Record) (string, bool) { return string(r.State), true },
	},
	{
		Field: "status", Component: ComponentSensor, Label: "Status", UIDSuffix: "status",
		Category: "config", Icon: "mdi:chart-line-variant",
		value: func(r entity.Record) (string, bool) { return r.Status, true },
	},
	{
		Field: "image", Component: ComponentSensor, Label: "Image", UIDSuffix: "image",
		Category: "config", Icon: "mdi:docker",
		value: func(r entity.Record) (string, bool) { return r.Image, true },
	},
	{
		Field: "cpu", Component: ComponentSensor, Label: "CPU Usage", UIDSuffix: "cpu",
		Unit: "%", Category: "diagnostic", Icon: "mdi:cpu-64-bit",
		value: func(r entity.Record) (string, bool) { return formatFloat(r.Stats.CPUPercent), true },
	},
	{
		Field: "1cpu", Component: ComponentSensor, Label: "Overall CPU Usage", UIDSuffix: "1_cpu",
		Unit: "%", Category: "diagnostic", Icon: "mdi:cpu-64-bit",
		value: func(r entity.Record) (string, bool) {
			if r.Stats.NormalizedCPUPercent == nil {
				return "", false
			}
			return formatFloat(*r.Stats.NormalizedCPUPercent), true
		},
	},
	{
		Field: "memory", Component: ComponentSensor, Label: "Memory", UIDSuffix: "memory",
		Unit: "%", Category: "diagnostic", Icon: "mdi:memory",
		value: func(r entity.Record) (string, bool) { return formatFloat(r.Stats.MemoryPercent), true },
	},
	{
		Field: "memory_usage", Component: ComponentSensor, Label: "Memory Usage", UIDSuffix: "memory_usage",
		Category: "diagnostic", Icon: "mdi:memory", DisabledByDefault: true,
		value: func(r entity.Record) (string, bool) { return r.Stats.MemoryUsage, true },
	},
	{
		Field: "net_io", Component: ComponentSensor, Label: "Network IO", UIDSuffix: "net_io",
		Category: "diagnostic", Icon: "mdi:lan-connect", DisabledByDefault: true,
		value: func(r entity.Record) (string, bool) { return r.Stats.NetIO, true },
	},
	{
		Field: "pids", Component: ComponentSensor, Label: "PIDs", UIDSuffix: "pids",
		Category: "diagnostic", Icon: "mdi:memory", DisabledByDefault: true,
		value: func(r entity.Record) (string, bool) { return strconv.Itoa(r.Stats.PIDs), true },
	},
	{
		Field: "block_io", Component: ComponentSensor, Label: "Block IO", UIDSuffix: "block_io",
		Category: "diagnostic", Icon: "mdi:tape-drive", DisabledByDefault: true,
		value: func(r entity.Record) (string, bool) { return r.Stats.BlockIO, true },
	},
	{Field: "stop", Component: ComponentButton, Label: "Stop", UIDSuffix: "stop", Icon: "mdi:stop", Press: "stop"},
	{Field: "start", Component: ComponentButton, Label: "Start", UIDSuffix: "start", Icon: "mdi:play", Press: "start"},
	{Field: "restart", Component: ComponentButton, Label: "Restart", UIDSuffix: "restart", Icon: "mdi:restart", Press: "restart"},
}

// Catalog returns the fixed set of kinds published for every entity.
func Catalog() []Kind {
	return append([]Kind(nil), catalog...)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
