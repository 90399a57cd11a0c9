// Package config holds the flat set of named options shared by the client,
// the server and the netrpc binary.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// discovery
	RegistryEndpoints []string
	RegistryPrefix    string
	RegistryTTL       int64 // seconds

	// server
	ListenAddr      string
	AdvertiseHost   string
	DispatchWorkers int
	DispatchQueue   int
	IdleTimeout     time.Duration
	RateLimit       float64 // requests per second, 0 disables
	RateBurst       int

	// client
	Balancer          string
	ConnectWorkers    int
	ConnectQueue      int
	TaskWorkers       int
	TaskQueue         int
	ConnectTimeout    time.Duration
	WaitTimeout       time.Duration
	CallTimeout       time.Duration
	HeartbeatInterval time.Duration

	Codec       string
	MetricsAddr string
	LogLevel    string
}

// Default returns the documented defaults.
func Default() Config {
	return Config{
		RegistryEndpoints: []string{"127.0.0.1:2379"},
		RegistryPrefix:    "/netrpc/registry/",
		RegistryTTL:       10,

		ListenAddr:      ":18866",
		DispatchWorkers: 16,
		DispatchQueue:   1000,
		IdleTimeout:     90 * time.Second,
		RateBurst:       100,

		Balancer:          "round_robin",
		ConnectWorkers:    4,
		ConnectQueue:      1000,
		TaskWorkers:       8,
		TaskQueue:         1000,
		ConnectTimeout:    3 * time.Second,
		WaitTimeout:       5 * time.Second,
		CallTimeout:       10 * time.Second,
		HeartbeatInterval: 30 * time.Second,

		Codec:    "json",
		LogLevel: "info",
	}
}

// LoadFromEnv starts from Default and overrides every option whose NETRPC_*
// variable is set. A malformed value is an error naming the variable.
func LoadFromEnv() (*Config, error) {
	cfg := Default()
	l := envLoader{}

	if v := os.Getenv("NETRPC_REGISTRY_ENDPOINTS"); v != "" {
		cfg.RegistryEndpoints = splitList(v)
	}
	l.str("NETRPC_REGISTRY_PREFIX", &cfg.RegistryPrefix)
	l.int64("NETRPC_REGISTRY_TTL", &cfg.RegistryTTL)

	l.str("NETRPC_LISTEN_ADDR", &cfg.ListenAddr)
	l.str("NETRPC_ADVERTISE_HOST", &cfg.AdvertiseHost)
	l.int("NETRPC_DISPATCH_WORKERS", &cfg.DispatchWorkers)
	l.int("NETRPC_DISPATCH_QUEUE", &cfg.DispatchQueue)
	l.duration("NETRPC_IDLE_TIMEOUT", &cfg.IdleTimeout)
	l.float("NETRPC_RATE_LIMIT", &cfg.RateLimit)
	l.int("NETRPC_RATE_BURST", &cfg.RateBurst)

	l.str("NETRPC_BALANCER", &cfg.Balancer)
	l.int("NETRPC_CONNECT_WORKERS", &cfg.ConnectWorkers)
	l.int("NETRPC_CONNECT_QUEUE", &cfg.ConnectQueue)
	l.int("NETRPC_TASK_WORKERS", &cfg.TaskWorkers)
	l.int("NETRPC_TASK_QUEUE", &cfg.TaskQueue)
	l.duration("NETRPC_CONNECT_TIMEOUT", &cfg.ConnectTimeout)
	l.duration("NETRPC_WAIT_TIMEOUT", &cfg.WaitTimeout)
	l.duration("NETRPC_CALL_TIMEOUT", &cfg.CallTimeout)
	l.duration("NETRPC_HEARTBEAT_INTERVAL", &cfg.HeartbeatInterval)

	l.str("NETRPC_CODEC", &cfg.Codec)
	l.str("NETRPC_METRICS_ADDR", &cfg.MetricsAddr)
	l.str("NETRPC_LOG_LEVEL", &cfg.LogLevel)

	if l.err != nil {
		return nil, l.err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects option combinations no component can run with.
func (c *Config) Validate() error {
	if c.RegistryTTL <= 0 {
		return fmt.Errorf("registry ttl must be positive, got %d", c.RegistryTTL)
	}
	for name, n := range map[string]int{
		"dispatch workers": c.DispatchWorkers,
		"connect workers":  c.ConnectWorkers,
		"task workers":     c.TaskWorkers,
	} {
		if n < 1 {
			return fmt.Errorf("%s must be at least 1, got %d", name, n)
		}
	}
	if c.WaitTimeout <= 0 {
		return fmt.Errorf("wait timeout must be positive, got %s", c.WaitTimeout)
	}
	if c.IdleTimeout > 0 && c.HeartbeatInterval >= c.IdleTimeout {
		return fmt.Errorf("heartbeat interval %s must be shorter than idle timeout %s",
			c.HeartbeatInterval, c.IdleTimeout)
	}
	return nil
}

// envLoader keeps the first parse error so the call sites stay flat.
type envLoader struct {
	err error
}

func (l *envLoader) lookup(name string) (string, bool) {
	if l.err != nil {
		return "", false
	}
	v := os.Getenv(name)
	return v, v != ""
}

func (l *envLoader) str(name string, dst *string) {
	if v, ok := l.lookup(name); ok {
		*dst = v
	}
}

func (l *envLoader) int(name string, dst *int) {
	if v, ok := l.lookup(name); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			l.err = fmt.Errorf("invalid %s: %w", name, err)
			return
		}
		*dst = n
	}
}

func (l *envLoader) int64(name string, dst *int64) {
	if v, ok := l.lookup(name); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			l.err = fmt.Errorf("invalid %s: %w", name, err)
			return
		}
		*dst = n
	}
}

func (l *envLoader) float(name string, dst *float64) {
	if v, ok := l.lookup(name); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			l.err = fmt.Errorf("invalid %s: %w", name, err)
			return
		}
		*dst = f
	}
}

func (l *envLoader) duration(name string, dst *time.Duration) {
	if v, ok := l.lookup(name); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			l.err = fmt.Errorf("invalid %s: %w", name, err)
			return
		}
		*dst = d
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
