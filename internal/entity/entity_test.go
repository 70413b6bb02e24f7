package entity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMerge(t *testing.T) {
	existing := &Record{
		ID:           "abc123def456",
		Name:         "web1",
		Image:        "nginx:1.27",
		Status:       "Up 3 minutes",
		State:        StateRunning,
		Stats:        Stats{CPUPercent: 12.5, MemoryUsage: "10MiB / 1GiB"},
		Registration: Registered,
	}

	tests := []struct {
		name     string
		existing *Record
		fields   Fields
		src      Source
		want     Record
		wantErr  bool
	}{
		{
			name:     "event creates missing record with zero stats",
			existing: nil,
			fields: Fields{
				Name:   Ptr("web1"),
				Image:  Ptr("nginx:1.27"),
				Status: Ptr("created"),
				State:  Ptr(StateOff),
			},
			src: SourceEvent,
			want: Record{
				ID:     "abc123def456",
				Name:   "web1",
				Image:  "nginx:1.27",
				Status: "created",
				State:  StateOff,
				Stats:  ZeroStats(),
			},
		},
		{
			name:     "listing creates missing record",
			existing: nil,
			fields:   Fields{Name: Ptr("db"), State: Ptr(StateExited)},
			src:      SourceListing,
			want:     Record{ID: "abc123def456", Name: "db", State: StateExited, Stats: ZeroStats()},
		},
		{
			name:     "poll never creates",
			existing: nil,
			fields:   Fields{Name: Ptr("ghost")},
			src:      SourcePoll,
			wantErr:  true,
		},
		{
			name:     "rename updates name only",
			existing: existing,
			fields:   Fields{Name: Ptr("web2")},
			src:      SourceEvent,
			want: Record{
				ID:           "abc123def456",
				Name:         "web2",
				Image:        "nginx:1.27",
				Status:       "Up 3 minutes",
				State:        StateRunning,
				Stats:        Stats{CPUPercent: 12.5, MemoryUsage: "10MiB / 1GiB"},
				Registration: Registered,
			},
		},
		{
			name:     "poll refreshes status fields of known record",
			existing: existing,
			fields:   Fields{Status: Ptr("Exited (0) 1 second ago"), State: Ptr(StateExited)},
			src:      SourcePoll,
			want: Record{
				ID:           "abc123def456",
				Name:         "web1",
				Image:        "nginx:1.27",
				Status:       "Exited (0) 1 second ago",
				State:        StateExited,
				Stats:        Stats{CPUPercent: 12.5, MemoryUsage: "10MiB / 1GiB"},
				Registration: Registered,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Merge(tt.existing, "abc123def456", tt.fields, tt.src)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrNotFound)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMergeDoesNotAliasExisting(t *testing.T) {
	existing := &Record{ID: "a", Name: "before"}
	_, err := Merge(existing, "a", Fields{Name: Ptr("after")}, SourceEvent)
	require.NoError(t, err)
	assert.Equal(t, "before", existing.Name)
}

func TestNormalizeCPU(t *testing.T) {
	got, ok := NormalizeCPU(200.0, 4)
	require.True(t, ok)
	assert.InDelta(t, 50.0, got, 1e-9)

	_, ok = NormalizeCPU(200.0, 0)
	assert.False(t, ok)

	_, ok = NormalizeCPU(200.0, -1)
	assert.False(t, ok)
}

func TestMergeStatsKeepsNormalizedWhenUnset(t *testing.T) {
	prev := Stats{CPUPercent: 80, NormalizedCPUPercent: Ptr(20.0)}

	next := MergeStats(prev, Stats{CPUPercent: 40, MemoryUsage: "1MiB / 2MiB"})
	require.NotNil(t, next.NormalizedCPUPercent)
	assert.InDelta(t, 20.0, *next.NormalizedCPUPercent, 1e-9)
	assert.InDelta(t, 40.0, next.CPUPercent, 1e-9)
	assert.Equal(t, "1MiB / 2MiB", next.MemoryUsage)

	next = MergeStats(prev, Stats{CPUPercent: 40, NormalizedCPUPercent: Ptr(10.0)})
	assert.InDelta(t, 10.0, *next.NormalizedCPUPercent, 1e-9)
}

func TestParseState(t *testing.T) {
	tests := map[string]State{
		"running":    StateRunning,
		"Exited":     StateExited,
		" paused ":   StatePaused,
		"created":    StateCreated,
		"off":        StateOff,
		"restarting": StateUnknown,
		"dead":       StateUnknown,
		"":           StateUnknown,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseState(in), "ParseState(%q)", in)
	}
}

func TestShortID(t *testing.T) {
	assert.Equal(t, "0123456789ab", ShortID("0123456789abcdef0123"))
	assert.Equal(t, "abc", ShortID("abc"))
}
