// Package config loads the receiver configuration from command line
// flags with environment variable overrides.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
)

// Config holds the receiver configuration.
type Config struct {
	Endpoint     string // Sender endpoint, host:port
	TTL          int    // Outgoing datagram TTL, 1-255
	PayloadMax   int    // Max audio payload bytes per frame
	RepairFrames int    // Reorder buffer capacity
	Output       string // Audio output path, "-" for stdout
	NATSURL      string // Event publishing, empty disables
	NodeID       string // Node identity stamped into events
	LogLevel     string
}

// Load loads configuration from command line flags and environment
// variables.
func Load() *Config {
	cfg := &Config{}

	flag.StringVar(&cfg.Endpoint, "endpoint", "", "Sender endpoint (host:port)")
	flag.IntVar(&cfg.TTL, "ttl", 1, "TTL for outgoing datagrams (1-255)")
	flag.IntVar(&cfg.PayloadMax, "payload-max", 6*1024, "Maximum audio payload bytes")
	flag.IntVar(&cfg.RepairFrames, "repair-frames", 100, "Repair buffer capacity in frames")
	flag.StringVar(&cfg.Output, "output", "-", "Audio output path, - for stdout")
	flag.StringVar(&cfg.NATSURL, "nats-url", "", "NATS URL for event publishing (disabled if empty)")
	flag.StringVar(&cfg.NodeID, "node-id", defaultNodeID(), "Node identity stamped into events")
	flag.StringVar(&cfg.LogLevel, "loglevel", "info", "Log level")

	flag.Parse()

	// Environment overrides
	if v := os.Getenv("ENDPOINT"); v != "" {
		cfg.Endpoint = v
	}
	if v := os.Getenv("TTL"); v != "" {
		cfg.TTL, _ = strconv.Atoi(v)
	}
	if v := os.Getenv("PAYLOAD_MAX"); v != "" {
		cfg.PayloadMax, _ = strconv.Atoi(v)
	}
	if v := os.Getenv("REPAIR_FRAMES"); v != "" {
		cfg.RepairFrames, _ = strconv.Atoi(v)
	}
	if v := os.Getenv("OUTPUT"); v != "" {
		cfg.Output = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		cfg.NATSURL = v
	}
	if v := os.Getenv("NODE_ID"); v != "" {
		cfg.NodeID = v
	}
	if v := os.Getenv("LOGLEVEL"); v != "" {
		cfg.LogLevel = v
	}

	return cfg
}

// Validate checks option ranges.
func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	if c.TTL < 1 || c.TTL > 255 {
		return fmt.Errorf("ttl %d out of range 1-255", c.TTL)
	}
	if c.PayloadMax <= 0 {
		return fmt.Errorf("payload-max must be positive")
	}
	if c.RepairFrames < 2 {
		return fmt.Errorf("repair-frames must be at least 2")
	}
	return nil
}

func defaultNodeID() string {
	host, err := os.Hostname()
	if err != nil {
		return "songcast-receiver"
	}
	return host
}
