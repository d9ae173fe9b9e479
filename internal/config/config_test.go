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

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseJSONDocument(t *testing.T) {
	dir := t.TempDir()
	raw := `{
		"observers": [{"name": "docs", "path": "` + jsonEscape(dir) + `"}],
		"network": {"listen_addr": "0.0.0.0", "port": "7000", "dht_mode": "server"}
	}`
	cfg, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("Parse: %s", err)
	}
	if len(cfg.Observers) != 1 || cfg.Observers[0].Name != "docs" {
		t.Fatalf("unexpected observers: %+v", cfg.Observers)
	}
	if cfg.Network.Port != "7000" {
		t.Fatalf("unexpected port: %q", cfg.Network.Port)
	}
}

func TestParseYAMLDocument(t *testing.T) {
	dir := t.TempDir()
	raw := "observers:\n" +
		"  - name: docs\n" +
		"    path: " + dir + "\n" +
		"network:\n" +
		"  listen_addr: 0.0.0.0\n" +
		"  port: \"7000\"\n" +
		"  dht_mode: client\n"
	cfg, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("Parse: %s", err)
	}
	if cfg.Network.DHTMode != DHTModeClient {
		t.Fatalf("unexpected dht_mode: %q", cfg.Network.DHTMode)
	}
}

func TestValidateRejectsDuplicateObserverNames(t *testing.T) {
	dir := t.TempDir()
	cfg := &Config{Observers: []ObserverConfig{
		{Name: "docs", Path: dir},
		{Name: "docs", Path: dir},
	}}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for duplicate observer name")
	}
}

func TestValidateRejectsMissingPath(t *testing.T) {
	cfg := &Config{Observers: []ObserverConfig{
		{Name: "docs", Path: filepath.Join(t.TempDir(), "does-not-exist")},
	}}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for missing observer path")
	}
}

func TestValidateRejectsNonDirectoryPath(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "not-a-dir")
	if err := os.WriteFile(file, []byte("x"), 0640); err != nil {
		t.Fatalf("write file: %s", err)
	}
	cfg := &Config{Observers: []ObserverConfig{{Name: "docs", Path: file}}}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for non-directory observer path")
	}
}

func TestValidateRejectsOutOfRangePort(t *testing.T) {
	cfg := &Config{Network: NetworkConfig{Port: "70000"}}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for out-of-range port")
	}
}

func TestValidateRejectsUnknownDHTMode(t *testing.T) {
	cfg := &Config{Network: NetworkConfig{DHTMode: "oracle"}}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for unknown dht_mode")
	}
}

func TestResolvePathPrefersExplicitThenEnv(t *testing.T) {
	t.Setenv(EnvOverride, "/from/env")
	if got := ResolvePath("/explicit", "/default"); got != "/explicit" {
		t.Fatalf("expected explicit path to win, got %q", got)
	}
	if got := ResolvePath("", "/default"); got != "/from/env" {
		t.Fatalf("expected env override, got %q", got)
	}
	t.Setenv(EnvOverride, "")
	if got := ResolvePath("", "/default"); got != "/default" {
		t.Fatalf("expected default path, got %q", got)
	}
}

func jsonEscape(s string) string {
	out := make([]byte, 0, len(s))
	for _, r := range s {
		if r == '\\' {
			out = append(out, '\\', '\\')
			continue
		}
		out = append(out, byte(r))
	}
	return string(out)
}
