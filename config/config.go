// Package config defines the Warden application configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level Warden configuration.
type Config struct {
	Server    ServerConfig   `json:"server" yaml:"server"`
	Queues    []QueueConfig  `json:"queues" yaml:"queues"`
	Dispatch  DispatchConfig `json:"dispatch" yaml:"dispatch"`
	Intervals Intervals      `json:"intervals" yaml:"intervals"`
	DataDir   string         `json:"data_dir" yaml:"data_dir"`
	LogLevel  string         `json:"log_level" yaml:"log_level"`
}

// ServerConfig controls the HTTP observer server.
type ServerConfig struct {
	Addr string `json:"addr" yaml:"addr"` // listen address, e.g., ":9090"
}

// QueueConfig bounds one logical execution queue.
type QueueConfig struct {
	Name     string `json:"name" yaml:"name"`
	Limit    int    `json:"limit" yaml:"limit"`         // max concurrent executions
	LeaseTTL string `json:"lease_ttl" yaml:"lease_ttl"` // e.g., "5m"
}

// DispatchConfig controls event delivery retries.
type DispatchConfig struct {
	MaxAttempts int    `json:"max_attempts" yaml:"max_attempts"`
	BackoffBase string `json:"backoff_base" yaml:"backoff_base"` // e.g., "100ms"
}

// Intervals holds the daemon's background ticker periods.
type Intervals struct {
	LeaseReap         string `json:"lease_reap" yaml:"lease_reap"`
	InteractionExpiry string `json:"interaction_expiry" yaml:"interaction_expiry"`
	Redelivery        string `json:"redelivery" yaml:"redelivery"`
	WorkerPoll        string `json:"worker_poll" yaml:"worker_poll"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server:   ServerConfig{Addr: ":9090"},
		DataDir:  "./data",
		LogLevel: "info",
		Queues: []QueueConfig{
			{Name: "default", Limit: 2, LeaseTTL: "5m"},
		},
		Dispatch: DispatchConfig{MaxAttempts: 5, BackoffBase: "100ms"},
		Intervals: Intervals{
			LeaseReap:         "30s",
			InteractionExpiry: "1m",
			Redelivery:        "15s",
			WorkerPoll:        "1s",
		},
	}
}

// Load reads a YAML config file and returns the parsed configuration on
// top of the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// TTL parses the queue's lease TTL, falling back to 5 minutes.
func (q QueueConfig) TTL() time.Duration {
	return parseDuration(q.LeaseTTL, 5*time.Minute)
}

// Backoff parses the dispatch backoff base, falling back to 100ms.
func (d DispatchConfig) Backoff() time.Duration {
	return parseDuration(d.BackoffBase, 100*time.Millisecond)
}

// LeaseReapEvery parses the lease reaper period, falling back to 30s.
func (i Intervals) LeaseReapEvery() time.Duration {
	return parseDuration(i.LeaseReap, 30*time.Second)
}

// InteractionExpiryEvery parses the expiry sweep period, falling back to 1m.
func (i Intervals) InteractionExpiryEvery() time.Duration {
	return parseDuration(i.InteractionExpiry, time.Minute)
}

// RedeliveryEvery parses the event redelivery period, falling back to 15s.
func (i Intervals) RedeliveryEvery() time.Duration {
	return parseDuration(i.Redelivery, 15*time.Second)
}

// WorkerPollEvery parses the worker poll period, falling back to 1s.
func (i Intervals) WorkerPollEvery() time.Duration {
	return parseDuration(i.WorkerPoll, time.Second)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
