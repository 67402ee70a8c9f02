// Package config centralizes votecast's environment-tunable constants,
// following a getEnv idiom generalized to typed values, plus an optional
// YAML bootstrap file for static peers.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable governing discovery, heartbeat, election,
// replication and FO-multicast timing, with their documented defaults.
type Config struct {
	DiscoveryInterval time.Duration
	DiscoveryTimeout  time.Duration
	HBInterval        time.Duration
	HBTimeout         time.Duration
	ElectionTimeout   time.Duration
	ReplTimeout       time.Duration
	FORetransmit      time.Duration
	BufSize           int

	MulticastAddr string // default 224.1.1.1:5007
	MulticastTTL  int    // default 1 (LAN)
}

// Default returns the documented defaults.
func Default() Config {
	return Config{
		DiscoveryInterval: time.Second,
		DiscoveryTimeout:  5 * time.Second,
		HBInterval:        time.Second,
		HBTimeout:         5 * time.Second,
		ElectionTimeout:   10 * time.Second,
		ReplTimeout:       time.Second,
		FORetransmit:      500 * time.Millisecond,
		BufSize:           4096,
		MulticastAddr:     "224.1.1.1:5007",
		MulticastTTL:      1,
	}
}

// FromEnv starts from Default and overrides with any of the matching
// environment variables that are set, mirroring the usual getEnv
// helper but parsing into the right type.
func FromEnv() (Config, error) {
	cfg := Default()

	durations := []struct {
		env string
		dst *time.Duration
	}{
		{"DISCOVERY_INTERVAL", &cfg.DiscoveryInterval},
		{"DISCOVERY_TIMEOUT", &cfg.DiscoveryTimeout},
		{"HB_INTERVAL", &cfg.HBInterval},
		{"HB_TIMEOUT", &cfg.HBTimeout},
		{"ELECTION_TIMEOUT", &cfg.ElectionTimeout},
		{"REPL_TIMEOUT", &cfg.ReplTimeout},
		{"FO_RETRANSMIT", &cfg.FORetransmit},
	}
	for _, d := range durations {
		if v := os.Getenv(d.env); v != "" {
			parsed, err := time.ParseDuration(v)
			if err != nil {
				return cfg, fmt.Errorf("config: invalid %s=%q: %w", d.env, v, err)
			}
			*d.dst = parsed
		}
	}

	if v := os.Getenv("BUF"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("config: invalid BUF=%q: %w", v, err)
		}
		cfg.BufSize = n
	}

	if v := os.Getenv("MULTICAST_ADDR"); v != "" {
		cfg.MulticastAddr = v
	}
	if v := os.Getenv("MULTICAST_TTL"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("config: invalid MULTICAST_TTL=%q: %w", v, err)
		}
		cfg.MulticastTTL = n
	}

	return cfg, nil
}

// ClusterFile is the optional static-topology bootstrap file, a
// purpose-built cluster descriptor. Discovery still converges over
// multicast; Peers only seeds the initial unicast election/heartbeat
// targets so a ring can form before the first ANNOUNCE round completes.
type ClusterFile struct {
	Peers []string `yaml:"peers"`
}

// LoadClusterFile reads and parses a ClusterFile, returning a nil slice of
// peers (not an error) when path is empty, since the file is optional.
func LoadClusterFile(path string) (ClusterFile, error) {
	if path == "" {
		return ClusterFile{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ClusterFile{}, fmt.Errorf("config: read cluster file %s: %w", path, err)
	}
	var cf ClusterFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return ClusterFile{}, fmt.Errorf("config: parse cluster file %s: %w", path, err)
	}
	return cf, nil
}
