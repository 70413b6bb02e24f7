// Package discovery derives Home Assistant discovery documents and state
// topic values from registry records, and tombstones them on removal.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"docker2mqtt/internal/entity"
	"docker2mqtt/internal/topic"
)

const (
	manufacturer = "Docker"
	viaDevice    = "docker2mqtt"
	// expireFactor scales the stats interval into the sensor expiry window.
	expireFactor = 60
)

// Bus is the publish side of the transport. Publishing is fire-and-forget.
type Bus interface {
	Publish(topic, payload string, retain bool)
}

// Device is the discovery device block; one device per entity.
type Device struct {
	Name         string `json:"name"`
	Manufacturer string `json:"manufacturer"`
	Model        string `json:"model"`
	Identifiers  string `json:"identifiers"`
	SWVersion    string `json:"sw_version"`
	ViaDevice    string `json:"via_device"`
}

// Document is a discovery payload: the common base merged with the
// kind-specific fields.
type Document struct {
	AvailabilityTopic string `json:"availability_topic"`
	ExpireAfter       int    `json:"expire_after"`
	Device            Device `json:"device"`

	QoS              byte   `json:"qos"`
	StateTopic       string `json:"state_topic,omitempty"`
	CommandTopic     string `json:"command_topic,omitempty"`
	Name             string `json:"name"`
	UniqueID         string `json:"unique_id"`
	Unit             string `json:"unit_of_measurement,omitempty"`
	EntityCategory   string `json:"entity_category,omitempty"`
	EnabledByDefault *bool  `json:"enabled_by_default,omitempty"`
	Icon             string `json:"icon,omitempty"`
	PayloadPress     string `json:"payload_press,omitempty"`
}

type Options struct {
	Scheme        topic.Scheme
	QoS           byte
	StatsInterval time.Duration
}

// Publisher manages the create/update/tombstone lifecycle of the retained
// messages belonging to an entity. Callers serialize access per entity.
type Publisher struct {
	bus    Bus
	ledger Ledger
	opts   Options
	log    *slog.Logger
}

func NewPublisher(bus Bus, ledger Ledger, opts Options) *Publisher {
	if ledger == nil {
		ledger = NewMemoryLedger()
	}
	return &Publisher{
		bus:    bus,
		ledger: ledger,
		opts:   opts,
		log:    slog.With("component", "discovery"),
	}
}

// Document builds the discovery document of kind k for rec.
func (p *Publisher) Document(rec entity.Record, k Kind) Document {
	s := p.opts.Scheme
	doc := Document{
		AvailabilityTopic: s.Presence(),
		ExpireAfter:       int(math.Ceil(p.opts.StatsInterval.Seconds() * expireFactor)),
		Device: Device{
			Name:         rec.Name,
			Manufacturer: manufacturer,
			Model:        rec.Image,
			Identifiers:  rec.ID,
			SWVersion:    rec.Image,
			ViaDevice:    viaDevice,
		},
		QoS:            p.opts.QoS,
		Name:           rec.Name + " " + k.Label,
		UniqueID:       rec.ID + "." + k.UIDSuffix,
		Unit:           k.Unit,
		EntityCategory: k.Category,
		Icon:           k.Icon,
		PayloadPress:   k.Press,
	}
	if k.Sensor() {
		doc.StateTopic = s.State(rec.ID, k.Field)
	} else {
		doc.CommandTopic = s.Command(rec.ID)
	}
	if k.DisabledByDefault {
		doc.EnabledByDefault = entity.Ptr(false)
	}
	return doc
}

// RegisterEntity publishes every discovery document retained, then the
// current state values, then resets the command topic to the sentinel.
// Registering an already registered entity overwrites in place.
func (p *Publisher) RegisterEntity(ctx context.Context, rec entity.Record) error {
	s := p.opts.Scheme
	published := make([]string, 0, 2*len(catalog)+1)
	for _, k := range catalog {
		payload, err := json.Marshal(p.Document(rec, k))
		if err != nil {
			return fmt.Errorf("encode %s discovery for %s: %w", k.Field, rec.ID, err)
		}
		t := s.Discovery(k.Component, rec.ID, k.Field)
		p.bus.Publish(t, string(payload), true)
		published = append(published, t)
	}
	published = append(published, p.publishState(rec)...)

	p.bus.Publish(s.Command(rec.ID), topic.Sentinel, false)
	published = append(published, s.Command(rec.ID))

	p.log.Debug("registered entity", "id", rec.ID, "name", rec.Name)
	if err := p.ledger.RecordTopics(ctx, rec.ID, published); err != nil {
		return fmt.Errorf("record topics for %s: %w", rec.ID, err)
	}
	return nil
}

// PublishState republishes only the state-topic values of rec.
func (p *Publisher) PublishState(rec entity.Record) {
	p.publishState(rec)
}

func (p *Publisher) publishState(rec entity.Record) []string {
	var published []string
	for _, k := range catalog {
		if !k.Sensor() {
			continue
		}
		v, ok := k.Value(rec)
		if !ok {
			continue
		}
		t := p.opts.Scheme.State(rec.ID, k.Field)
		p.bus.Publish(t, v, true)
		published = append(published, t)
	}
	return published
}

// Tombstone clears every discovery and state topic ever used for id with
// an empty retained payload, then forgets the entity. Catalog topics are
// cleared even when the ledger cannot be read.
func (p *Publisher) Tombstone(ctx context.Context, id string) error {
	set := make(map[string]struct{})
	for _, t := range p.Topics(id) {
		set[t] = struct{}{}
	}
	recorded, lerr := p.ledger.Topics(ctx, id)
	for _, t := range recorded {
		set[t] = struct{}{}
	}

	topics := make([]string, 0, len(set))
	for t := range set {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	for _, t := range topics {
		p.bus.Publish(t, "", true)
	}
	p.log.Debug("tombstoned entity", "id", id, "topics", len(topics))

	if lerr != nil {
		return fmt.Errorf("read ledger for %s: %w", id, lerr)
	}
	if err := p.ledger.Forget(ctx, id); err != nil {
		return fmt.Errorf("forget %s: %w", id, err)
	}
	return nil
}

// Clear removes the retained message at t.
func (p *Publisher) Clear(t string) {
	p.bus.Publish(t, "", true)
}

// Topics lists every catalog topic of id: discovery topics, state topics
// and the command topic.
func (p *Publisher) Topics(id string) []string {
	s := p.opts.Scheme
	out := make([]string, 0, 2*len(catalog)+1)
	for _, k := range catalog {
		out = append(out, s.Discovery(k.Component, id, k.Field))
		if k.Sensor() {
			out = append(out, s.State(id, k.Field))
		}
	}
	return append(out, s.Command(id))
}

// Known lists the entities with recorded topics.
func (p *Publisher) Known(ctx context.Context) ([]string, error) {
	return p.ledger.Entities(ctx)
}
