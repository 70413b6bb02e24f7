package runtime

import (
	"time"

	"docker2mqtt/internal/entity"
)

// EventKind is a container lifecycle action.
type EventKind string

const (
	EventCreate  EventKind = "create"
	EventDestroy EventKind = "destroy"
	EventDie     EventKind = "die"
	EventPause   EventKind = "pause"
	EventRename  EventKind = "rename"
	EventStart   EventKind = "start"
	EventStop    EventKind = "stop"
	EventUnpause EventKind = "unpause"
)

var watched = map[EventKind]struct{}{
	EventCreate:  {},
	EventDestroy: {},
	EventDie:     {},
	EventPause:   {},
	EventRename:  {},
	EventStart:   {},
	EventStop:    {},
	EventUnpause: {},
}

// Watched reports whether the bridge reacts to events of kind k.
func Watched(k EventKind) bool {
	_, ok := watched[k]
	return ok
}

// Event is one lifecycle event from the runtime feed.
type Event struct {
	Kind EventKind
	// ID is the full container id as reported by the runtime.
	ID    string
	Image string
	Name  string
	// OldName is set for rename events.
	OldName string
	Time    time.Time
}

// ShortID is the id used for registry keys and topics.
func (e Event) ShortID() string { return entity.ShortID(e.ID) }

// StatsSample is one container's entry in a resource-usage snapshot.
type StatsSample struct {
	ID            string
	CPUPercent    float64
	MemoryPercent float64
	MemoryUsage   string
	NetIO         string
	PIDs          int
	BlockIO       string
}

// Stats converts the sample into registry stats, normalizing CPU usage by
// hostCPUs when it is known.
func (s StatsSample) Stats(hostCPUs int) entity.Stats {
	out := entity.Stats{
		CPUPercent:    s.CPUPercent,
		MemoryPercent: s.MemoryPercent,
		MemoryUsage:   s.MemoryUsage,
		NetIO:         s.NetIO,
		PIDs:          s.PIDs,
		BlockIO:       s.BlockIO,
	}
	if n, ok := entity.NormalizeCPU(s.CPUPercent, hostCPUs); ok {
		out.NormalizedCPUPercent = &n
	}
	return out
}

// StatusSample is one container's entry in a status snapshot.
type StatusSample struct {
	ID     string
	Name   string
	Image  string
	Status string
	State  entity.State
}

// Fields converts the sample into a registry update.
func (s StatusSample) Fields() entity.Fields {
	return entity.Fields{
		Name:   entity.Ptr(s.Name),
		Image:  entity.Ptr(s.Image),
		Status: entity.Ptr(s.Status),
		State:  entity.Ptr(s.State),
	}
}
