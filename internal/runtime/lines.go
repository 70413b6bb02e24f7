package runtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"docker2mqtt/internal/entity"
)

// ErrMalformedLine marks a feed line that could not be decoded.
var ErrMalformedLine = errors.New("malformed line")

type eventLine struct {
	Status string `json:"status"`
	ID     string `json:"id"`
	From   string `json:"from"`
	Action string `json:"Action"`
	Actor  struct {
		ID         string            `json:"ID"`
		Attributes map[string]string `json:"Attributes"`
	} `json:"Actor"`
	Time     int64 `json:"time"`
	TimeNano int64 `json:"timeNano"`
}

// ParseEventLine decodes one `docker events --format {{json .}}` line.
// Engines that dropped the legacy status/id/from fields are handled through
// Action, Actor.ID and the image attribute.
func ParseEventLine(line []byte) (Event, error) {
	var raw eventLine
	if err := json.Unmarshal(line, &raw); err != nil {
		return Event{}, fmt.Errorf("%w: event: %v", ErrMalformedLine, err)
	}

	kind := raw.Status
	if kind == "" {
		kind = raw.Action
	}
	id := raw.ID
	if id == "" {
		id = raw.Actor.ID
	}
	if kind == "" || id == "" {
		return Event{}, fmt.Errorf("%w: event without status or id", ErrMalformedLine)
	}
	image := raw.From
	if image == "" {
		image = raw.Actor.Attributes["image"]
	}

	ev := Event{
		Kind:    EventKind(kind),
		ID:      id,
		Image:   image,
		Name:    raw.Actor.Attributes["name"],
		OldName: raw.Actor.Attributes["oldName"],
	}
	switch {
	case raw.TimeNano > 0:
		ev.Time = time.Unix(0, raw.TimeNano)
	case raw.Time > 0:
		ev.Time = time.Unix(raw.Time, 0)
	}
	return ev, nil
}

type statsLine struct {
	Container string `json:"Container"`
	CPUPerc   string `json:"CPUPerc"`
	MemPerc   string `json:"MemPerc"`
	MemUsage  string `json:"MemUsage"`
	NetIO     string `json:"NetIO"`
	PIDs      string `json:"PIDs"`
	BlockIO   string `json:"BlockIO"`
}

// ParseStatsLine decodes one `docker stats --format {{json .}}` line.
func ParseStatsLine(line []byte) (StatsSample, error) {
	var raw statsLine
	if err := json.Unmarshal(line, &raw); err != nil {
		return StatsSample{}, fmt.Errorf("%w: stats: %v", ErrMalformedLine, err)
	}
	if raw.Container == "" {
		return StatsSample{}, fmt.Errorf("%w: stats without container", ErrMalformedLine)
	}

	cpu, err := ParsePercent(raw.CPUPerc)
	if err != nil {
		return StatsSample{}, fmt.Errorf("%w: stats CPUPerc: %v", ErrMalformedLine, err)
	}
	mem, err := ParsePercent(raw.MemPerc)
	if err != nil {
		return StatsSample{}, fmt.Errorf("%w: stats MemPerc: %v", ErrMalformedLine, err)
	}
	pids := 0
	if p := strings.TrimSpace(raw.PIDs); p != "" && p != "--" {
		pids, err = strconv.Atoi(p)
		if err != nil {
			return StatsSample{}, fmt.Errorf("%w: stats PIDs: %v", ErrMalformedLine, err)
		}
	}

	return StatsSample{
		ID:            entity.ShortID(raw.Container),
		CPUPercent:    cpu,
		MemoryPercent: mem,
		MemoryUsage:   raw.MemUsage,
		NetIO:         raw.NetIO,
		PIDs:          pids,
		BlockIO:       raw.BlockIO,
	}, nil
}

type statusLine struct {
	ID     string `json:"ID"`
	Names  string `json:"Names"`
	Image  string `json:"Image"`
	Status string `json:"Status"`
	State  string `json:"State"`
}

// ParseStatusLine decodes one `docker ps --format {{json .}}` line.
func ParseStatusLine(line []byte) (StatusSample, error) {
	var raw statusLine
	if err := json.Unmarshal(line, &raw); err != nil {
		return StatusSample{}, fmt.Errorf("%w: status: %v", ErrMalformedLine, err)
	}
	if raw.ID == "" {
		return StatusSample{}, fmt.Errorf("%w: status without id", ErrMalformedLine)
	}
	return StatusSample{
		ID:     entity.ShortID(raw.ID),
		Name:   raw.Names,
		Image:  raw.Image,
		Status: raw.Status,
		State:  entity.ParseState(raw.State),
	}, nil
}

// ParsePercent parses "NN.NN%". Stopped containers report "--", which
// reads as zero.
func ParsePercent(s string) (float64, error) {
	s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "%"))
	if s == "" || s == "--" {
		return 0, nil
	}
	return strconv.ParseFloat(s, 64)
}
