// Package config loads node settings from defaults, an optional YAML file,
// AFETMESH_* environment variables and command line flags, in that order of
// increasing precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/bit2swaz/afetmesh/internal/engine"
	"github.com/bit2swaz/afetmesh/internal/envelope"
	"github.com/bit2swaz/afetmesh/internal/queue"
	"github.com/bit2swaz/afetmesh/internal/radio"
	"github.com/spf13/viper"
)

const EnvPrefix = "AFETMESH"

type Config struct {
	Node   Node         `mapstructure:"node"`
	Radio  Radio        `mapstructure:"radio"`
	Web    Web          `mapstructure:"web"`
	Engine EngineTuning `mapstructure:"engine"`
	Queue  Queue        `mapstructure:"queue"`
	Log    Log          `mapstructure:"log"`
	Uplink Uplink       `mapstructure:"uplink"`
}

type Node struct {
	Name     string  `mapstructure:"name"`
	DataDir  string  `mapstructure:"data_dir"`
	Lat      float64 `mapstructure:"lat"`
	Lon      float64 `mapstructure:"lon"`
	Accuracy float64 `mapstructure:"accuracy"`
	Headless bool    `mapstructure:"headless"`
}

type Radio struct {
	Kind           string `mapstructure:"kind"`
	ServiceID      string `mapstructure:"service_id"`
	Port           int    `mapstructure:"port"`
	DiscoveryPort  int    `mapstructure:"discovery_port"`
	DiscoveryPorts []int  `mapstructure:"discovery_ports"`
	LANSignal      int    `mapstructure:"lan_signal"`
	SimPeers       int    `mapstructure:"sim_peers"`
}

type Web struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

type EngineTuning struct {
	MinSignal            int           `mapstructure:"min_signal"`
	MaxPeers             int           `mapstructure:"max_peers"`
	ScanTimeout          time.Duration `mapstructure:"scan_timeout"`
	ScanInterval         time.Duration `mapstructure:"scan_interval"`
	ConnectTimeout       time.Duration `mapstructure:"connect_timeout"`
	WriteTimeout         time.Duration `mapstructure:"write_timeout"`
	MaxFailures          int           `mapstructure:"max_failures"`
	HeartbeatInterval    time.Duration `mapstructure:"heartbeat_interval"`
	HousekeepingInterval time.Duration `mapstructure:"housekeeping_interval"`
	SeenRetention        time.Duration `mapstructure:"seen_retention"`
	PeerTimeout          time.Duration `mapstructure:"peer_timeout"`
}

// Queue holds the seconds-per-hop conversion of the delivery queue.
type Queue struct {
	PerHop       time.Duration `mapstructure:"per_hop"`
	StatusPing   time.Duration `mapstructure:"status_ping"`
	ResourcePost time.Duration `mapstructure:"resource_post"`
}

type Log struct {
	File  string `mapstructure:"file"`
	Level string `mapstructure:"level"`
}

type Uplink struct {
	Webhook string        `mapstructure:"webhook"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// NewViper returns a viper instance with every default set and environment
// lookup enabled.
func NewViper() *viper.Viper {
	v := viper.New()
	ed := engine.DefaultConfig()
	qp := queue.DefaultPolicy()

	v.SetDefault("node.name", "Anonymous")
	v.SetDefault("node.data_dir", ".afetmesh")
	v.SetDefault("node.lat", 0.0)
	v.SetDefault("node.lon", 0.0)
	v.SetDefault("node.accuracy", 0.0)
	v.SetDefault("node.headless", false)
	v.SetDefault("radio.kind", "lan")
	v.SetDefault("radio.service_id", radio.DefaultServiceID)
	v.SetDefault("radio.port", 9000)
	v.SetDefault("radio.discovery_port", 9000)
	v.SetDefault("radio.discovery_ports", []int{9000, 9001, 9002, 9003, 9004, 9005})
	v.SetDefault("radio.lan_signal", -50)
	v.SetDefault("radio.sim_peers", 3)
	v.SetDefault("web.enabled", true)
	v.SetDefault("web.port", 8080)
	v.SetDefault("engine.min_signal", ed.MinSignal)
	v.SetDefault("engine.max_peers", ed.MaxPeers)
	v.SetDefault("engine.scan_timeout", ed.ScanTimeout)
	v.SetDefault("engine.scan_interval", ed.ScanInterval)
	v.SetDefault("engine.connect_timeout", ed.ConnectTimeout)
	v.SetDefault("engine.write_timeout", ed.WriteTimeout)
	v.SetDefault("engine.max_failures", ed.MaxFailures)
	v.SetDefault("engine.heartbeat_interval", ed.HeartbeatInterval)
	v.SetDefault("engine.housekeeping_interval", ed.HousekeepingInterval)
	v.SetDefault("engine.seen_retention", ed.SeenRetention)
	v.SetDefault("engine.peer_timeout", ed.PeerTimeout)
	v.SetDefault("queue.per_hop", qp.PerHop)
	v.SetDefault("queue.status_ping", qp.ByKind[envelope.KindStatusPing])
	v.SetDefault("queue.resource_post", qp.ByKind[envelope.KindResourcePost])
	v.SetDefault("log.file", "debug.log")
	v.SetDefault("log.level", "info")
	v.SetDefault("uplink.webhook", "")
	v.SetDefault("uplink.timeout", 10*time.Second)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// LoadConfig reads the YAML file at path into v. An empty path is a no-op.
func LoadConfig(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return errors.New("config file not found")
		}
		return fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return nil
}

func ParseConfig(v *viper.Viper) (*Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		slog.Error("Unable to unmarshal config", "err", err)
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Load is NewViper, LoadConfig and ParseConfig in one call.
func Load(path string) (*Config, error) {
	v := NewViper()
	if err := LoadConfig(v, path); err != nil {
		return nil, err
	}
	return ParseConfig(v)
}

func (c *Config) Validate() error {
	switch c.Radio.Kind {
	case "lan", "sim":
	default:
		return fmt.Errorf("radio.kind must be lan or sim, got %q", c.Radio.Kind)
	}
	for name, port := range map[string]int{
		"radio.port":           c.Radio.Port,
		"radio.discovery_port": c.Radio.DiscoveryPort,
		"web.port":             c.Web.Port,
	} {
		if port < 0 || port > 65535 {
			return fmt.Errorf("%s out of range: %d", name, port)
		}
	}
	if c.Engine.MaxFailures < 1 {
		return fmt.Errorf("engine.max_failures must be at least 1")
	}
	if err := envelope.Validate(envelope.Record{
		ID: "location-check", CreatedAt: 1, PeopleCount: 1, Location: c.Location(),
	}); err != nil {
		return fmt.Errorf("node location: %w", err)
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	return nil
}

// Location is the fixed position this node reports.
func (c *Config) Location() envelope.Location {
	return envelope.Location{Lat: c.Node.Lat, Lon: c.Node.Lon, Accuracy: c.Node.Accuracy}
}

// Path resolves name inside the data directory.
func (c *Config) Path(name string) string {
	return filepath.Join(c.Node.DataDir, name)
}

func (c *Config) QueuePolicy() queue.Policy {
	p := queue.Policy{PerHop: c.Queue.PerHop, ByKind: map[envelope.Kind]time.Duration{}}
	if c.Queue.StatusPing > 0 {
		p.ByKind[envelope.KindStatusPing] = c.Queue.StatusPing
	}
	if c.Queue.ResourcePost > 0 {
		p.ByKind[envelope.KindResourcePost] = c.Queue.ResourcePost
	}
	return p
}

func (c *Config) EngineConfig() engine.Config {
	ec := engine.DefaultConfig()
	ec.ServiceID = c.Radio.ServiceID
	ec.MinSignal = c.Engine.MinSignal
	ec.MaxPeers = c.Engine.MaxPeers
	ec.ScanTimeout = c.Engine.ScanTimeout
	ec.ScanInterval = c.Engine.ScanInterval
	ec.ConnectTimeout = c.Engine.ConnectTimeout
	ec.WriteTimeout = c.Engine.WriteTimeout
	ec.MaxFailures = c.Engine.MaxFailures
	ec.HeartbeatInterval = c.Engine.HeartbeatInterval
	ec.HousekeepingInterval = c.Engine.HousekeepingInterval
	ec.SeenRetention = c.Engine.SeenRetention
	ec.PeerTimeout = c.Engine.PeerTimeout
	ec.QueuePolicy = c.QueuePolicy()
	return ec
}
