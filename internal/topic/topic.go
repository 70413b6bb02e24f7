// Package topic builds and parses the bridge's MQTT topic namespace.
//
//	state      <prefix>/<id>/<field>
//	command    <prefix>/<id>/commands
//	presence   <prefix>/<hostname>/status
//	discovery  <discoveryPrefix>/<component>/<prefix>-<id>/<field>/config
package topic

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// CommandField is the last segment of a command topic.
	CommandField = "commands"
	// Sentinel is the idle value of a command topic.
	Sentinel = "---"

	PresenceOnline  = "online"
	PresenceOffline = "offline"

	configSuffix = "config"
)

// Scheme holds the configured prefixes.
type Scheme struct {
	Prefix          string
	DiscoveryPrefix string
	Hostname        string
}

// Validate rejects prefixes that would break topic parsing.
func (s Scheme) Validate() error {
	var errs []error
	for name, v := range map[string]string{
		"topic prefix":     s.Prefix,
		"discovery prefix": s.DiscoveryPrefix,
		"hostname":         s.Hostname,
	} {
		if v == "" {
			errs = append(errs, fmt.Errorf("%s is required", name))
			continue
		}
		if strings.ContainsAny(v, "+#") {
			errs = append(errs, fmt.Errorf("%s %q contains an MQTT wildcard", name, v))
		}
	}
	if strings.Contains(s.Prefix, "/") {
		errs = append(errs, fmt.Errorf("topic prefix %q must be a single topic level", s.Prefix))
	}
	return errors.Join(errs...)
}

func (s Scheme) State(id, field string) string {
	return s.Prefix + "/" + id + "/" + field
}

func (s Scheme) Command(id string) string {
	return s.State(id, CommandField)
}

// CommandWildcard matches the command topic of every container.
func (s Scheme) CommandWildcard() string {
	return s.State("+", CommandField)
}

func (s Scheme) Presence() string {
	return s.Prefix + "/" + s.Hostname + "/status"
}

// NodeID is the discovery node id for a container.
func (s Scheme) NodeID(id string) string {
	return s.Prefix + "-" + id
}

func (s Scheme) Discovery(component, id, field string) string {
	return s.DiscoveryPrefix + "/" + component + "/" + s.NodeID(id) + "/" + field + "/" + configSuffix
}

// DiscoveryFilter matches the discovery topic of one catalog kind across
// every node.
func (s Scheme) DiscoveryFilter(component, field string) string {
	return s.DiscoveryPrefix + "/" + component + "/+/" + field + "/" + configSuffix
}

// ParseCommand extracts the container id from a command topic.
func (s Scheme) ParseCommand(t string) (string, bool) {
	rest, ok := strings.CutPrefix(t, s.Prefix+"/")
	if !ok {
		return "", false
	}
	id, ok := strings.CutSuffix(rest, "/"+CommandField)
	if !ok || id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

// IsDiscovery reports whether t lives under the discovery prefix.
func (s Scheme) IsDiscovery(t string) bool {
	return strings.HasPrefix(t, s.DiscoveryPrefix+"/")
}

// Discovered is a parsed discovery topic.
type Discovered struct {
	Component string
	ID        string
	Field     string
}

// ParseDiscovery extracts the container id from a discovery topic owned by
// this bridge's prefix.
func (s Scheme) ParseDiscovery(t string) (Discovered, bool) {
	rest, ok := strings.CutPrefix(t, s.DiscoveryPrefix+"/")
	if !ok {
		return Discovered{}, false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 4 || parts[3] != configSuffix {
		return Discovered{}, false
	}
	id, ok := strings.CutPrefix(parts[1], s.Prefix+"-")
	if !ok || id == "" {
		return Discovered{}, false
	}
	return Discovered{Component: parts[0], ID: id, Field: parts[2]}, true
}

// Match reports whether topic t matches the MQTT subscription filter.
func Match(filter, t string) bool {
	fs := strings.Split(filter, "/")
	ts := strings.Split(t, "/")
	for i, f := range fs {
		if f == "#" {
			return true
		}
		if i >= len(ts) {
			return false
		}
		if f != "+" && f != ts[i] {
			return false
		}
	}
	return len(fs) == len(ts)
}
