// Package entity defines the monitored container record and the pure merge
// rules that every update path goes through.
package entity

import (
	"errors"
	"fmt"
	"strings"
)

// ShortIDLen is the length of the short container id used in topics.
const ShortIDLen = 12

// ErrNotFound is returned when an update that may not create records
// references an id that has no record.
var ErrNotFound = errors.New("entity not found")

// State is the coarse lifecycle state reported on the state topic.
type State string

const (
	StateCreated State = "created"
	StateRunning State = "running"
	StateExited  State = "exited"
	StatePaused  State = "paused"
	StateOff     State = "off"
	StateUnknown State = "unknown"
)

// ParseState maps a runtime state string onto State. Runtime states outside
// the tracked set (restarting, removing, dead) map to StateUnknown.
func ParseState(s string) State {
	switch State(strings.ToLower(strings.TrimSpace(s))) {
	case StateCreated:
		return StateCreated
	case StateRunning:
		return StateRunning
	case StateExited:
		return StateExited
	case StatePaused:
		return StatePaused
	case StateOff:
		return StateOff
	default:
		return StateUnknown
	}
}

// Running reports whether the state counts as running for command validation.
func (s State) Running() bool { return s == StateRunning }

// RegistrationState tracks discovery publication for a record.
type RegistrationState int

const (
	Unregistered RegistrationState = iota
	Registered
	Tombstoned
)

func (r RegistrationState) String() string {
	switch r {
	case Unregistered:
		return "unregistered"
	case Registered:
		return "registered"
	case Tombstoned:
		return "tombstoned"
	default:
		return fmt.Sprintf("RegistrationState(%d)", int(r))
	}
}

// Source identifies which update path produced a change.
type Source int

const (
	// SourceEvent is the lifecycle event stream.
	SourceEvent Source = iota
	// SourceListing is the full listing taken at startup.
	SourceListing
	// SourcePoll is the periodic stats/status snapshot.
	SourcePoll
)

func (s Source) String() string {
	switch s {
	case SourceEvent:
		return "event"
	case SourceListing:
		return "listing"
	case SourcePoll:
		return "poll"
	default:
		return fmt.Sprintf("Source(%d)", int(s))
	}
}

// CanCreate reports whether updates from s may create a record.
func (s Source) CanCreate() bool { return s == SourceEvent || s == SourceListing }

// Stats is the last-known resource usage of a container.
type Stats struct {
	CPUPercent float64
	// NormalizedCPUPercent is CPUPercent divided by the host CPU count. Nil
	// until a sample arrives while the host CPU count is known.
	NormalizedCPUPercent *float64
	MemoryPercent        float64
	MemoryUsage          string
	NetIO                string
	PIDs                 int
	BlockIO              string
}

// ZeroStats returns the stats a record carries before its first sample.
func ZeroStats() Stats {
	return Stats{
		MemoryUsage: "0B / 0B",
		NetIO:       "0B / 0B",
		BlockIO:     "0B / 0B",
	}
}

// Record is a monitored container.
type Record struct {
	ID           string
	Name         string
	Image        string
	Status       string
	State        State
	Stats        Stats
	Registration RegistrationState
}

// Fields is a partial update. Nil fields are left untouched.
type Fields struct {
	Name   *string
	Image  *string
	Status *string
	State  *State
}

// Empty reports whether f carries no field.
func (f Fields) Empty() bool {
	return f.Name == nil && f.Image == nil && f.Status == nil && f.State == nil
}

// Merge returns the record that results from applying f to existing. A nil
// existing record is created only when src may create records; otherwise
// ErrNotFound is returned. The id of an existing record is never changed.
func Merge(existing *Record, id string, f Fields, src Source) (Record, error) {
	var next Record
	if existing == nil {
		if !src.CanCreate() {
			return Record{}, fmt.Errorf("merge %s update for %q: %w", src, id, ErrNotFound)
		}
		next = Record{ID: id, State: StateUnknown, Stats: ZeroStats()}
	} else {
		next = *existing
	}
	if f.Name != nil {
		next.Name = *f.Name
	}
	if f.Image != nil {
		next.Image = *f.Image
	}
	if f.Status != nil {
		next.Status = *f.Status
	}
	if f.State != nil {
		next.State = *f.State
	}
	return next, nil
}

// MergeStats applies a stats sample. A nil NormalizedCPUPercent in sample
// keeps the previous normalized value.
func MergeStats(prev, sample Stats) Stats {
	next := sample
	if sample.NormalizedCPUPercent == nil {
		next.NormalizedCPUPercent = prev.NormalizedCPUPercent
	}
	return next
}

// NormalizeCPU divides a CPU percentage by the host CPU count. The second
// result is false when the count is unknown.
func NormalizeCPU(cpuPercent float64, hostCPUs int) (float64, bool) {
	if hostCPUs <= 0 {
		return 0, false
	}
	return cpuPercent / float64(hostCPUs), true
}

// ShortID truncates a full container id to its short form.
func ShortID(id string) string {
	if len(id) > ShortIDLen {
		return id[:ShortIDLen]
	}
	return id
}

// Ptr returns a pointer to v, for building Fields.
func Ptr[T any](v T) *T { return &v }
