// Package config assembles the agent's runtime configuration from
// command-line flags and an optional YAML file, in the style of cfg/ and
// cmd/internal/akiflag: github.com/spf13/pflag defines the flags,
// github.com/spf13/viper binds them and layers in the file and environment,
// and this package is the boundary the rest of the agent reads from. There
// is no control-plane RPC here -- per spec.md §1 that's out of scope, so
// this loader is the stand-in source of truth for service registry entries
// and tuning knobs.
package config

import (
	"net"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/postmanlabs/flowbreak/flowerr"
	"github.com/postmanlabs/flowbreak/registry"
)

const (
	// Defaults mirror the constants spec.md §5 states. WorkerCount sizes the
	// dispatch pool. The capacity, fragment-TTL and close-timeout values are
	// parsed into Config, but cmd/flowbreak-agent does not pass them on:
	// tcpreasm and ipdefrag use their own built-in constants, which equal
	// these defaults, so overriding them has no effect.
	DefaultConnectionTableCapacity = 65536
	DefaultFragmentTTLSeconds      = 30
	DefaultCloseTimeoutSeconds     = 30
	DefaultWorkerCount             = 4
)

// ServiceSpec is one --service flag occurrence, parsed but not yet resolved
// to a registry.Entry (that needs a real net.IP).
type ServiceSpec struct {
	IP       string
	Port     uint16
	Protocol string
}

// Config is everything the agent reads at startup. It is immutable once
// Load returns; runtime registry swaps go through registry.Registry.Replace,
// not through this struct.
type Config struct {
	Interface string
	BPFFilter string

	Services []ServiceSpec

	SinkPath      string
	AdminAddr     string
	HARPath       string

	ConnectionTableCapacity int
	FragmentTTLSeconds      int
	CloseTimeoutSeconds     int
	WorkerCount             int

	Verbose int
}

// flags groups the pflag.FlagSet and the variables it's bound to, the way
// cmd/root.go's init() builds rootCmd.PersistentFlags().
type flags struct {
	fs *flag.FlagSet

	iface     string
	bpf       string
	services  []string
	sinkPath  string
	adminAddr string
	harPath   string
	capacity  int
	fragTTL   int
	closeTO   int
	workers   int
	verbose   int
	confFile  string
}

func newFlags(fs *flag.FlagSet) *flags {
	f := &flags{fs: fs}
	fs.StringVar(&f.iface, "interface", "", "capture interface name")
	fs.StringVar(&f.bpf, "bpf-filter", "", "explicit BPF filter override; defaults to one derived from the service registry")
	fs.StringSliceVar(&f.services, "service", nil, "service registry entry ip:port:protocol, repeatable")
	fs.StringVar(&f.sinkPath, "sink", "-", "breakdown JSON sink path, '-' for stdout")
	fs.StringVar(&f.adminAddr, "admin-addr", "", "optional admin HTTP listen address (empty disables it)")
	fs.StringVar(&f.harPath, "har", "", "optional HAR auxiliary sink path (empty disables it)")
	fs.IntVar(&f.capacity, "connection-table-capacity", DefaultConnectionTableCapacity, "max tracked connections per dispatch worker")
	fs.IntVar(&f.fragTTL, "fragment-ttl-seconds", DefaultFragmentTTLSeconds, "IP fragment reassembly TTL")
	fs.IntVar(&f.closeTO, "close-timeout-seconds", DefaultCloseTimeoutSeconds, "TCP half-closed timeout")
	fs.IntVar(&f.workers, "workers", DefaultWorkerCount, "dispatch worker pool size")
	fs.IntVar(&f.verbose, "v", 0, "log verbosity level")
	fs.StringVar(&f.confFile, "config", "", "optional YAML config file, merged under the flags above")
	return f
}

// Load parses args (normally os.Args[1:]) and merges in confFile/env, the
// way cmd/root.go binds pflag values into viper. Flags win over the file;
// the file wins over built-in defaults.
func Load(args []string) (*Config, error) {
	fs := flag.NewFlagSet("flowbreak-agent", flag.ContinueOnError)
	f := newFlags(fs)
	if err := fs.Parse(args); err != nil {
		return nil, errors.Wrap(err, "failed to parse flags")
	}

	v := viper.New()
	if err := v.BindPFlags(fs); err != nil {
		return nil, errors.Wrap(err, "failed to bind flags")
	}
	v.SetEnvPrefix("flowbreak")
	v.AutomaticEnv()

	if f.confFile != "" {
		v.SetConfigFile(f.confFile)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, flowerr.Wrap(flowerr.CodeBadServiceRegistry, err, "failed to read config file "+f.confFile)
		}
	}

	services, err := parseServices(v.GetStringSlice("service"))
	if err != nil {
		return nil, err
	}

	return &Config{
		Interface:               v.GetString("interface"),
		BPFFilter:               v.GetString("bpf-filter"),
		Services:                services,
		SinkPath:                v.GetString("sink"),
		AdminAddr:               v.GetString("admin-addr"),
		HARPath:                 v.GetString("har"),
		ConnectionTableCapacity: v.GetInt("connection-table-capacity"),
		FragmentTTLSeconds:      v.GetInt("fragment-ttl-seconds"),
		CloseTimeoutSeconds:     v.GetInt("close-timeout-seconds"),
		WorkerCount:             v.GetInt("workers"),
		Verbose:                 v.GetInt("v"),
	}, nil
}

// parseServices parses "ip:port:protocol" entries the way registry entries
// are fed into registry.Registry.Replace.
func parseServices(raw []string) ([]ServiceSpec, error) {
	out := make([]ServiceSpec, 0, len(raw))
	for _, s := range raw {
		parts := strings.Split(s, ":")
		if len(parts) != 3 {
			return nil, flowerr.Newf(flowerr.CodeBadServiceRegistry, "malformed --service entry %q, want ip:port:protocol", s)
		}
		port, err := strconv.ParseUint(parts[1], 10, 16)
		if err != nil {
			return nil, flowerr.Wrap(flowerr.CodeBadServiceRegistry, err, "bad port in --service entry "+s)
		}
		out = append(out, ServiceSpec{IP: parts[0], Port: uint16(port), Protocol: parts[2]})
	}
	return out, nil
}

// BuildRegistry resolves every ServiceSpec's IP and protocol tag into a
// registry.Entry, rejecting anything registry.Registry.Replace would.
func (c *Config) BuildRegistry() ([]registry.Entry, error) {
	entries := make([]registry.Entry, 0, len(c.Services))
	for _, s := range c.Services {
		ip := net.ParseIP(s.IP)
		if ip == nil {
			return nil, flowerr.Newf(flowerr.CodeBadServiceRegistry, "invalid IP in service entry %q", s.IP)
		}
		proto := registry.Protocol(s.Protocol)
		switch proto {
		case registry.ProtocolHTTP, registry.ProtocolMySQL, registry.ProtocolDefault:
		default:
			return nil, flowerr.Newf(flowerr.CodeBadServiceRegistry, "unknown protocol %q for service %s:%d", s.Protocol, s.IP, s.Port)
		}
		entries = append(entries, registry.Entry{IP: ip, Port: s.Port, Protocol: proto})
	}
	return entries, nil
}

// ParseInterfaceList splits a comma-separated --interface value, mirroring
// how apidump lets operators list more than one capture interface.
func ParseInterfaceList(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// IsStdoutSink reports whether the sink path selects standard output.
// Kept here rather than in sink/ since "-" is a config-level convention,
// not a sink implementation detail.
func IsStdoutSink(path string) bool {
	return path == "" || path == "-"
}
