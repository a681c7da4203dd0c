// Copyright (C) 2022 Sneller, Inc.
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

// Package policy resolves the pixel cache's process-wide configuration:
// resource ceilings, the CPU-throttle knob, the remote-cache shared secret,
// the host list for client-side cache offload, and the temporary-file
// directory. Values start from a built-in default, are overridden by a
// YAML policy file, and the resource ceilings and throttle are in turn
// overridden by a set of MAGICK_*-prefixed environment variables; the
// temporary path is the exception, where a policy-file value wins over
// every environment variable.
package policy

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"sigs.k8s.io/yaml"
)

// Config is the resolved, immutable configuration for a process.
type Config struct {
	// Area, Memory, Map, Disk, File ceilings are in bytes; Thread is a
	// count; Time is in seconds. Zero means "unlimited" except where
	// noted.
	Area   int64 `json:"area"`
	Memory int64 `json:"memory"`
	Map    int64 `json:"map"`
	Disk   int64 `json:"disk"`
	File   int64 `json:"file"`
	Thread int64 `json:"thread"`
	Time   int64 `json:"time"`

	// Throttle is the number of milliseconds to sleep every 32nd cache
	// acquisition.
	Throttle int64 `json:"throttle"`

	// SharedSecret authenticates the remote-cache handshake; required
	// for remote mode.
	SharedSecret string `json:"shared-secret"`

	// CacheHosts is the comma-separated host[:port] list a client uses
	// to select a remote cache peer (round-robin). Empty means the
	// client should fall back to the default loopback address.
	CacheHosts string `json:"cache:hosts"`

	// TemporaryPath overrides every environment variable used to locate
	// the directory the Disk/Map tiers create their backing files in.
	TemporaryPath string `json:"temporary-path"`
}

// DefaultConfig returns the built-in defaults used when neither a policy
// file nor an environment variable supplies a value.
func DefaultConfig() Config {
	return Config{
		Area:   1 << 40, // 1TB
		Memory: 1 << 32, // 4GB
		Map:    1 << 33, // 8GB
		Disk:   1 << 44, // 16TB
		File:   768,
		Thread: 0, // 0 => unlimited
		Time:   0, // 0 => unlimited
	}
}

// sizeEnv lists, for each field, the environment variables consulted
// (in order) when the policy file doesn't set the field.
var sizeEnv = map[string][]string{
	"area":   {"MAGICK_AREA_LIMIT"},
	"memory": {"MAGICK_MEMORY_LIMIT"},
	"map":    {"MAGICK_MAP_LIMIT"},
	"disk":   {"MAGICK_DISK_LIMIT"},
	"file":   {"MAGICK_FILE_LIMIT"},
	"thread": {"MAGICK_THREAD_LIMIT"},
	"time":   {"MAGICK_TIME_LIMIT"},
}

var temporaryPathEnv = []string{
	"MAGICK_TEMPORARY_PATH",
	"MAGICK_TMPDIR",
	"TMP",
	"TEMP",
	"TMPDIR",
}

// Load resolves a Config starting from DefaultConfig, then applying a YAML
// policy file at path (if path is non-empty and the file exists), then
// environment variable overrides, which always win over the file for the
// resource ceilings and throttle; the policy file and environment are
// treated as equally authoritative inputs resolved once at startup, so an
// explicit environment variable refines a shared policy file across a
// fleet of processes.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("policy: reading %s: %w", path, err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("policy: parsing %s: %w", path, err)
			}
		}
	}
	for field, vars := range sizeEnv {
		for _, v := range vars {
			val := os.Getenv(v)
			if val == "" {
				continue
			}
			n, err := ParseSize(val)
			if err != nil {
				return nil, fmt.Errorf("policy: %s=%q: %w", v, val, err)
			}
			setField(&cfg, field, n)
			break
		}
	}
	if v := os.Getenv("MAGICK_THROTTLE"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("policy: MAGICK_THROTTLE=%q: %w", v, err)
		}
		cfg.Throttle = n
	}
	// temporary-path: policy value overrides every environment variable.
	if cfg.TemporaryPath == "" {
		for _, v := range temporaryPathEnv {
			if val := os.Getenv(v); val != "" {
				cfg.TemporaryPath = val
				break
			}
		}
	}
	if cfg.TemporaryPath == "" {
		cfg.TemporaryPath = os.TempDir()
	}
	return &cfg, nil
}

func setField(cfg *Config, field string, n int64) {
	switch field {
	case "area":
		cfg.Area = n
	case "memory":
		cfg.Memory = n
	case "map":
		cfg.Map = n
	case "disk":
		cfg.Disk = n
	case "file":
		cfg.File = n
	case "thread":
		cfg.Thread = n
	case "time":
		cfg.Time = n
	}
}

// Hosts splits CacheHosts into a list of host:port strings, defaulting to
// 127.0.0.1:6668 when the policy supplies nothing.
func (c *Config) Hosts() []string {
	if c.CacheHosts == "" {
		return []string{"127.0.0.1:6668"}
	}
	parts := strings.Split(c.CacheHosts, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !strings.Contains(p, ":") {
			p += ":6668"
		}
		out = append(out, p)
	}
	if len(out) == 0 {
		return []string{"127.0.0.1:6668"}
	}
	return out
}

// ParseSize parses a decimal value with an optional K/M/G/T suffix, SI
// (1000-based) or binary ("Ki"/"Mi"/...) scale, as accepted by the
// resource-ceiling configuration keys.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	mult := int64(1)
	upper := strings.ToUpper(s)
	suffixes := []struct {
		suf  string
		mult int64
	}{
		{"KI", 1 << 10}, {"MI", 1 << 20}, {"GI", 1 << 30}, {"TI", 1 << 40},
		{"K", 1000}, {"M", 1000 * 1000}, {"G", 1000 * 1000 * 1000}, {"T", 1000 * 1000 * 1000 * 1000},
	}
	numPart := s
	for _, suf := range suffixes {
		if strings.HasSuffix(upper, suf.suf) {
			mult = suf.mult
			numPart = s[:len(s)-len(suf.suf)]
			break
		}
	}
	numPart = strings.TrimSpace(numPart)
	f, err := strconv.ParseFloat(numPart, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return int64(f * float64(mult)), nil
}
