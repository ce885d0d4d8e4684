// Copyright (C) 2024 Garage Authors.
// See LICENSE for copying information.

// Package garagenode wires together every table, the block manager, the
// RPC stack and membership into the single top-level process object a
// `garage server` command constructs once at startup.
package garagenode

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/viper"
	"github.com/zeebo/errs"

	"deuxfleurs.fr/garage/pkg/identity"
	"deuxfleurs.fr/garage/pkg/ring"
)

// Error is this package's error class.
var Error = errs.Class("garagenode")

// Config holds every knob the server reads, loaded from a config file
// and environment through a bound *viper.Viper.
type Config struct {
	MetadataDir string `mapstructure:"metadata_dir"`
	DataDir     string `mapstructure:"data_dir"`

	RPCBindAddr   string `mapstructure:"rpc_bind_addr"`
	RPCPublicAddr string `mapstructure:"rpc_public_addr"`
	RPCSecret     string `mapstructure:"rpc_secret"`

	AdminBindAddr string `mapstructure:"admin_bind_addr"`

	BootstrapPeers []string `mapstructure:"bootstrap_peers"`

	ReplicationFactor int      `mapstructure:"replication_factor"`
	Zone              string   `mapstructure:"zone"`
	Tags              []string `mapstructure:"tags"`
	Capacity          uint64   `mapstructure:"capacity"`

	DataFsync     bool  `mapstructure:"data_fsync"`
	MetadataFsync bool  `mapstructure:"metadata_fsync"`
	Compression   bool  `mapstructure:"compression"`
	BlockSize     int64 `mapstructure:"block_size"`

	SchedulerWorkers    int `mapstructure:"scheduler_workers"`
	SchedulerQueueDepth int `mapstructure:"scheduler_queue_depth"`
}

// Defaults returns a Config pre-filled with sensible defaults
// (replication factor 3, 1 MiB blocks, fsync on) before a config file or
// environment overrides are layered on top.
func Defaults() Config {
	return Config{
		MetadataDir:         "/var/lib/garage/meta",
		DataDir:             "/var/lib/garage/data",
		RPCBindAddr:         "0.0.0.0:3901",
		AdminBindAddr:       "127.0.0.1:3903",
		ReplicationFactor:   3,
		Capacity:            1,
		DataFsync:           true,
		MetadataFsync:       true,
		Compression:         true,
		BlockSize:           1 << 20,
		SchedulerWorkers:    8,
		SchedulerQueueDepth: 256,
	}
}

// Load binds v's configuration (file + env, set up by the caller in
// cmd/garage) onto a Config seeded with Defaults.
func Load(v *viper.Viper) (Config, error) {
	cfg := Defaults()
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, Error.Wrap(err)
	}
	if cfg.RPCPublicAddr == "" {
		cfg.RPCPublicAddr = cfg.RPCBindAddr
	}
	return cfg, nil
}

// Validate checks the config invariants: a 64-char hex RPC secret and a
// positive replication factor.
func (c Config) Validate() error {
	if _, err := identity.ParseNetworkKey(c.RPCSecret); err != nil {
		return Error.Wrap(err)
	}
	if c.ReplicationFactor <= 0 {
		return Error.New("replication_factor must be positive, got %d", c.ReplicationFactor)
	}
	return nil
}

// BootstrapPeer is one parsed `<pubkey>@<host>:<port>` config entry.
type BootstrapPeer struct {
	ID      ring.NodeID
	Address string
}

// ParseBootstrapPeer parses one `<pubkey>@<host>:<port>` string.
func ParseBootstrapPeer(s string) (BootstrapPeer, error) {
	at := strings.IndexByte(s, '@')
	if at < 0 {
		return BootstrapPeer{}, Error.New("bootstrap peer %q missing '@pubkey' prefix", s)
	}
	pubHex, addr := s[:at], s[at+1:]
	if addr == "" {
		return BootstrapPeer{}, Error.New("bootstrap peer %q missing host:port", s)
	}
	id, err := parseNodeID(pubHex)
	if err != nil {
		return BootstrapPeer{}, Error.Wrap(err)
	}
	return BootstrapPeer{ID: id, Address: addr}, nil
}

func parseNodeID(hexStr string) (ring.NodeID, error) {
	var id ring.NodeID
	if len(hexStr) != len(id)*2 {
		return id, fmt.Errorf("garage: node id %q must be %d hex chars", hexStr, len(id)*2)
	}
	for i := range id {
		b, err := strconv.ParseUint(hexStr[i*2:i*2+2], 16, 8)
		if err != nil {
			return id, fmt.Errorf("garage: invalid node id %q: %w", hexStr, err)
		}
		id[i] = byte(b)
	}
	return id, nil
}

// NodeIDFromIdentity derives a ring.NodeID from a node's Ed25519 public
// key: the key is already 32 bytes, so the whole key is the id.
func NodeIDFromIdentity(id *identity.Identity) ring.NodeID {
	var out ring.NodeID
	copy(out[:], id.Public)
	return out
}
