// Package config loads the daemon's TOML configuration into a single
// read-once Config struct, mirroring the teacher's split of a typed Config
// plus defaulting logic around github.com/BurntSushi/toml.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/lvoege/lvrouted/internal/addrutil"
)

// DefaultConfigPath is the system-wide config path for the daemon.
const DefaultConfigPath = "/etc/lvrouted/lvrouted.toml"

// Config is the top-level daemon configuration, loaded once at startup and
// passed explicitly from there on — never a process-wide mutable (§9
// "Global configuration").
type Config struct {
	// Port is the UDP port the broadcast protocol listens on and sends to.
	Port int `toml:"port"`

	// SecretKey is the shared signing secret (§4.5). Symmetric across the
	// mesh; every node must carry the same value.
	SecretKey string `toml:"secret_key"`

	// BroadcastInterval is the minimum interval, in seconds, between two
	// broadcast runs absent a forcing change (§4.7).
	BroadcastInterval int `toml:"broadcast_interval"`

	// Timeout is the number of seconds since last_seen after which a
	// neighbor's tree is unilaterally discarded (§4.7, §8 "Stale expiry").
	Timeout int `toml:"timeout"`

	// AlarmTimeout is the period, in seconds, of the periodic driver tick
	// (§4.7, "Once per alarm_timeout tick").
	AlarmTimeout int `toml:"alarm_timeout"`

	// InterlinkNetmask is the minimum prefix length (inclusive) a directly
	// attached subnet must have to be treated as an interlink carrying
	// Neighbors (§3).
	InterlinkNetmask int `toml:"interlink_netmask"`

	// MinimumNetmask is the floor prefix length aggregation will not widen
	// past (§4.2).
	MinimumNetmask int `toml:"minimum_netmask"`

	// RealRouteUpdates gates whether derived routes are actually committed
	// to the kernel table. False runs the full derive/aggregate/diff
	// pipeline without touching the kernel — a dry run.
	RealRouteUpdates bool `toml:"real_route_updates"`

	// ThisIsAGateway marks this node as an upstream gateway itself: the
	// 0.0.0.0/0 route derived from a neighbor's advertisement is dropped
	// from this node's route table. It does not change the advertised tree
	// (see DESIGN.md "Config.ThisIsAGateway").
	ThisIsAGateway bool `toml:"this_is_a_gateway"`

	// DefaultGateways lists neighbor addresses treated as upstream
	// gateways; merge picks the nearest one for the 0/0 route.
	DefaultGateways []string `toml:"default_gateways"`

	// MinRoutable and MaxRoutable bound the address space every routable
	// address must fall within (§3). Defaults to 172.16.0.0..172.31.255.0.
	MinRoutable string `toml:"min_routable"`
	MaxRoutable string `toml:"max_routable"`

	Debug DebugConfig `toml:"debug"`
}

// DebugConfig groups opt-in diagnostic side effects, never defaulted on.
type DebugConfig struct {
	// DumpPackets writes every successfully-verified inbound packet to
	// /tmp/packet-<addr> (§5 "Supplemented Features", resolving spec.md's
	// §9 open question on the original's unconditional debug dump).
	DumpPackets bool `toml:"dump_packets"`
}

const (
	defaultPort              = 12345
	defaultBroadcastInterval = 30
	defaultAlarmTimeout      = 9
	defaultInterlinkNetmask  = 28
	defaultMinimumNetmask    = 24
	defaultMinRoutable       = "172.16.0.0"
	defaultMaxRoutable       = "172.31.255.0"
)

// defaultTimeout is 8 * BroadcastInterval (§4.7), recomputed by
// applyDefaults after BroadcastInterval is known.
func defaultTimeout(broadcastInterval int) int { return 8 * broadcastInterval }

// DefaultConfig returns a Config populated with spec.md §6's defaults.
// SecretKey and DefaultGateways are left empty; they are site-specific.
func DefaultConfig() *Config {
	cfg := &Config{
		Port:              defaultPort,
		BroadcastInterval: defaultBroadcastInterval,
		AlarmTimeout:      defaultAlarmTimeout,
		InterlinkNetmask:  defaultInterlinkNetmask,
		MinimumNetmask:    defaultMinimumNetmask,
		RealRouteUpdates:  true,
		MinRoutable:       defaultMinRoutable,
		MaxRoutable:       defaultMaxRoutable,
	}
	cfg.Timeout = defaultTimeout(cfg.BroadcastInterval)
	return cfg
}

// Load reads and decodes the TOML config at path, filling unset fields with
// DefaultConfig's values, then validates it.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	// Timeout/BroadcastInterval both have defaults; if the file sets one
	// without the other, re-derive Timeout only when it wasn't set
	// explicitly. toml.MetaData lets us tell "absent" from "zero".
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config file not found: %w", err)
		}
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}
	if !meta.IsDefined("timeout") && meta.IsDefined("broadcast_interval") {
		cfg.Timeout = defaultTimeout(cfg.BroadcastInterval)
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config file %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks a Config for the invariants the daemon relies on:
// SecretKey is set, numeric fields are positive, MinimumNetmask is not
// narrower than InterlinkNetmask, and the routable bounds parse as
// addresses with Min <= Max.
func Validate(cfg *Config) error {
	if strings.TrimSpace(cfg.SecretKey) == "" {
		return errors.New("secret_key must be set")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return fmt.Errorf("port %d out of range", cfg.Port)
	}
	if cfg.BroadcastInterval <= 0 {
		return errors.New("broadcast_interval must be positive")
	}
	if cfg.Timeout <= 0 {
		return errors.New("timeout must be positive")
	}
	if cfg.AlarmTimeout <= 0 {
		return errors.New("alarm_timeout must be positive")
	}
	if cfg.MinimumNetmask < cfg.InterlinkNetmask {
		return fmt.Errorf("minimum_netmask %d narrower than interlink_netmask %d", cfg.MinimumNetmask, cfg.InterlinkNetmask)
	}

	min, err := addrutil.ParseAddr(cfg.MinRoutable)
	if err != nil {
		return fmt.Errorf("min_routable: %w", err)
	}
	max, err := addrutil.ParseAddr(cfg.MaxRoutable)
	if err != nil {
		return fmt.Errorf("max_routable: %w", err)
	}
	if min > max {
		return fmt.Errorf("min_routable %s is greater than max_routable %s", cfg.MinRoutable, cfg.MaxRoutable)
	}

	for _, s := range cfg.DefaultGateways {
		if _, err := addrutil.ParseAddr(s); err != nil {
			return fmt.Errorf("default_gateways entry %q: %w", s, err)
		}
	}
	return nil
}

// Range returns cfg's routable address bounds as an addrutil.Range.
func (cfg *Config) Range() (addrutil.Range, error) {
	min, err := addrutil.ParseAddr(cfg.MinRoutable)
	if err != nil {
		return addrutil.Range{}, err
	}
	max, err := addrutil.ParseAddr(cfg.MaxRoutable)
	if err != nil {
		return addrutil.Range{}, err
	}
	return addrutil.Range{Min: min, Max: max}, nil
}

// DefaultGatewaySet parses DefaultGateways into the set form merge.Merge's
// callers need (neighbor.DeriveRoutesAndMyTree's defaultGateways param).
func (cfg *Config) DefaultGatewaySet() (map[addrutil.Addr]bool, error) {
	set := make(map[addrutil.Addr]bool, len(cfg.DefaultGateways))
	for _, s := range cfg.DefaultGateways {
		a, err := addrutil.ParseAddr(s)
		if err != nil {
			return nil, fmt.Errorf("default_gateways entry %q: %w", s, err)
		}
		set[a] = true
	}
	return set, nil
}
