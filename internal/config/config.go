// Copyright (C) 2026 Syndactyl Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package config loads and validates the daemon's single configuration
// document (spec §6). The document is accepted as either JSON or YAML:
// YAML is converted to JSON with sigs.k8s.io/yaml.YAMLToJSON before
// unmarshaling into the same json-tagged structs, so a file that is
// already valid JSON unmarshals unchanged. This mirrors how
// cmd/snellerd/auth.go decodes its credentials file with
// encoding/json, extended to accept the YAML superset the way
// Kubernetes-style tooling built on sigs.k8s.io/yaml does.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"sigs.k8s.io/yaml"
)

// EnvOverride is the environment variable that, if set, names the
// config file path when no path is supplied on the command line; it
// replaces the default location, not an explicit path (spec §6:
// "environment may override the default config location").
const EnvOverride = "SYNDACTYL_CONFIG"

// ObserverConfig is one entry of the "observers" list (spec §6).
type ObserverConfig struct {
	Name         string `json:"name"`
	Path         string `json:"path"`
	SharedSecret string `json:"shared_secret,omitempty"`
}

// BootstrapPeer is one entry of "network.bootstrap_peers" (spec §6).
type BootstrapPeer struct {
	IP     string `json:"ip"`
	Port   string `json:"port"`
	PeerID string `json:"peer_id"`
}

// NetworkConfig is the "network" object (spec §6).
type NetworkConfig struct {
	ListenAddr     string          `json:"listen_addr"`
	Port           string          `json:"port"`
	DHTMode        string          `json:"dht_mode"`
	BootstrapPeers []BootstrapPeer `json:"bootstrap_peers,omitempty"`
}

// Config is the full configuration document (spec §6).
type Config struct {
	Observers []ObserverConfig `json:"observers"`
	Network   NetworkConfig    `json:"network"`
}

// DHT mode values recognized for NetworkConfig.DHTMode.
const (
	DHTModeServer = "server"
	DHTModeClient = "client"
)

// ResolvePath returns the config path to load: the explicit path
// argument if non-empty, else the value of SYNDACTYL_CONFIG if set,
// else def.
func ResolvePath(explicit, def string) string {
	if explicit != "" {
		return explicit
	}
	if v := os.Getenv(EnvOverride); v != "" {
		return v
	}
	return def
}

// Load reads and validates the configuration document at path. The
// document's bytes are run through sigs.k8s.io/yaml.YAMLToJSON first,
// which is a no-op for input that is already JSON, then decoded with
// encoding/json.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse decodes and validates a configuration document already held
// in memory, as either JSON or YAML.
func Parse(raw []byte) (*Config, error) {
	asJSON, err := yaml.YAMLToJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(asJSON, &cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the document against spec §6's invariants: observer
// names are unique, observer paths exist and are directories, and the
// port is in [1, 65535].
func (c *Config) Validate() error {
	seen := make(map[string]struct{}, len(c.Observers))
	for _, o := range c.Observers {
		if o.Name == "" {
			return fmt.Errorf("config: observer with empty name")
		}
		if _, dup := seen[o.Name]; dup {
			return fmt.Errorf("config: duplicate observer name %q", o.Name)
		}
		seen[o.Name] = struct{}{}

		fi, err := os.Stat(o.Path)
		if err != nil {
			return fmt.Errorf("config: observer %q path %q: %w", o.Name, o.Path, err)
		}
		if !fi.IsDir() {
			return fmt.Errorf("config: observer %q path %q is not a directory", o.Name, o.Path)
		}
	}

	if c.Network.Port != "" {
		if err := validatePort(c.Network.Port); err != nil {
			return fmt.Errorf("config: network.port: %w", err)
		}
	}
	switch c.Network.DHTMode {
	case "", DHTModeServer, DHTModeClient:
	default:
		return fmt.Errorf("config: network.dht_mode must be %q or %q, got %q", DHTModeServer, DHTModeClient, c.Network.DHTMode)
	}
	for _, bp := range c.Network.BootstrapPeers {
		if err := validatePort(bp.Port); err != nil {
			return fmt.Errorf("config: bootstrap peer %q port: %w", bp.PeerID, err)
		}
	}
	return nil
}

func validatePort(s string) error {
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return fmt.Errorf("port %q is not numeric", s)
	}
	if n < 1 || n > 65535 {
		return fmt.Errorf("port %d out of range [1, 65535]", n)
	}
	return nil
}
