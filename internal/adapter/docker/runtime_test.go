package docker

import (
	"testing"
	"time"

	"docker2mqtt/internal/entity"
	"docker2mqtt/internal/runtime"

	"github.com/docker/docker/api/types/events"
	"github.com/stretchr/testify/assert"
)

func TestToEvent(t *testing.T) {
	const id = "abc123def4567890abc123def4567890"
	tests := []struct {
		name string
		msg  events.Message
		want runtime.Event
	}{
		{
			name: "create with nanosecond time",
			msg: events.Message{
				Type:   events.ContainerEventType,
				Action: events.ActionCreate,
				Actor: events.Actor{ID: id, Attributes: map[string]string{
					"image": "nginx:1.27",
					"name":  "web",
				}},
				Time:     1700000000,
				TimeNano: 1700000000123456789,
			},
			want: runtime.Event{
				Kind:  runtime.EventCreate,
				ID:    id,
				Image: "nginx:1.27",
				Name:  "web",
				Time:  time.Unix(0, 1700000000123456789),
			},
		},
		{
			name: "seconds fallback",
			msg: events.Message{
				Type:   events.ContainerEventType,
				Action: events.ActionDie,
				Actor:  events.Actor{ID: id, Attributes: map[string]string{"name": "web"}},
				Time:   1700000000,
			},
			want: runtime.Event{
				Kind: runtime.EventDie,
				ID:   id,
				Name: "web",
				Time: time.Unix(1700000000, 0),
			},
		},
		{
			name: "rename carries old name",
			msg: events.Message{
				Type:   events.ContainerEventType,
				Action: events.ActionRename,
				Actor: events.Actor{ID: id, Attributes: map[string]string{
					"name":    "web2",
					"oldName": "/web",
				}},
				TimeNano: 5,
			},
			want: runtime.Event{
				Kind:    runtime.EventRename,
				ID:      id,
				Name:    "web2",
				OldName: "/web",
				Time:    time.Unix(0, 5),
			},
		},
		{
			name: "no attributes",
			msg: events.Message{
				Type:     events.ContainerEventType,
				Action:   events.ActionDestroy,
				Actor:    events.Actor{ID: id},
				TimeNano: 10,
			},
			want: runtime.Event{Kind: runtime.EventDestroy, ID: id, Time: time.Unix(0, 10)},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := toEvent(tt.msg)
			assert.True(t, tt.want.Time.Equal(got.Time), "time %v, want %v", got.Time, tt.want.Time)
			got.Time, tt.want.Time = time.Time{}, time.Time{}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFindStatus(t *testing.T) {
	list := []runtime.StatusSample{
		{ID: "abc123def456", Name: "web", State: entity.StateRunning},
		{ID: "abc999000111", Name: "db", State: entity.StateExited},
	}
	tests := []struct {
		name  string
		id    string
		want  string
		found bool
	}{
		{"full id", "abc123def4567890abc123def4567890", "web", true},
		{"short id", "abc123def456", "web", true},
		{"unique prefix", "abc9", "db", true},
		{"ambiguous prefix takes first", "abc", "web", true},
		{"missing", "fff000", "", false},
		{"empty", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := findStatus(list, tt.id)
			assert.Equal(t, tt.found, ok)
			assert.Equal(t, tt.want, got.Name)
		})
	}

	_, ok := findStatus(nil, "abc123")
	assert.False(t, ok)
}
