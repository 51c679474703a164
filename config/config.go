// Package config loads relayd's endpoint configuration from TOML or JSON,
// merges per-endpoint fields against top-level log/dns/network defaults,
// applies a command-line override layer, and builds endpoint.Endpoint
// values the engine can run. Grounded on infra/conf's Config/Override shape
// and main/confloader's path-based loader (spec §6 "Configuration file").
package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml"

	"github.com/l4mesh/relayd/balancer"
	"github.com/l4mesh/relayd/dns"
	"github.com/l4mesh/relayd/endpoint"
	"github.com/l4mesh/relayd/internal/errors"
	"github.com/l4mesh/relayd/transport"
)

// LogConfig is the top-level [log] group, carried as a global default.
type LogConfig struct {
	Level  string `toml:"level" json:"level"`
	Output string `toml:"output" json:"output"`
}

// DNSConfig is the top-level [dns] group.
type DNSConfig struct {
	Mode        string   `toml:"mode" json:"mode"`
	Nameservers []string `toml:"nameservers" json:"nameservers"`
	MinTTL      int      `toml:"min_ttl" json:"min_ttl"`
	MaxTTL      int      `toml:"max_ttl" json:"max_ttl"`
	CacheSize   int      `toml:"cache_size" json:"cache_size"`
	Protocol    string   `toml:"protocol" json:"protocol"`
}

// NetworkConfig is the top-level [network] group: defaults applied to any
// endpoint whose own field is empty.
type NetworkConfig struct {
	NoTCP              *bool  `toml:"no_tcp" json:"no_tcp"`
	UseUDP             *bool  `toml:"use_udp" json:"use_udp"`
	FastOpen           *bool  `toml:"fast_open" json:"fast_open"`
	ZeroCopy           *bool  `toml:"zero_copy" json:"zero_copy"`
	ConnectTimeout     int    `toml:"connect_timeout" json:"connect_timeout"`
	AssociateTimeout   int    `toml:"associate_timeout" json:"associate_timeout"`
	TCPKeepAlive       int    `toml:"tcp_keepalive" json:"tcp_keepalive"`
	TCPKeepAliveProbes int    `toml:"tcp_keepalive_probes" json:"tcp_keepalive_probes"`
	SendProxy          *bool  `toml:"send_proxy" json:"send_proxy"`
	SendProxyVersion   int    `toml:"send_proxy_version" json:"send_proxy_version"`
	AcceptProxy        *bool  `toml:"accept_proxy" json:"accept_proxy"`
	AcceptProxyTimeout int    `toml:"accept_proxy_timeout" json:"accept_proxy_timeout"`
	BindInterface      string `toml:"bind_interface" json:"bind_interface"`

	ReusePort        *bool `toml:"reuse_port" json:"reuse_port"`
	FastOpenQueueLen int   `toml:"fast_open_queue_len" json:"fast_open_queue_len"`
}

// TransportSide configures one side (accept or connect) of an endpoint's
// optional pluggable framing layer. Kind is currently only "websocket".
type TransportSide struct {
	Kind    string `toml:"kind" json:"kind"`
	Path    string `toml:"path" json:"path"`       // accept side: the upgrade request path
	URL     string `toml:"url" json:"url"`         // connect side: the ws(s):// URL to dial
	Timeout int    `toml:"timeout" json:"timeout"` // handshake timeout, seconds
}

// TransportConfig is an endpoint's [transport] group: an optional framing
// plugin wrapped around the accept side, the connect side, or both.
type TransportConfig struct {
	Accept  *TransportSide `toml:"accept" json:"accept"`
	Connect *TransportSide `toml:"connect" json:"connect"`
}

// EndpointConfig is one [[endpoints]] entry.
type EndpointConfig struct {
	Listen string   `toml:"listen" json:"listen"`
	Remote string   `toml:"remote" json:"remote"`
	Extra  []string `toml:"extra_remotes" json:"extra_remotes"`

	Balancer string  `toml:"balancer" json:"balancer"` // "off" | "iphash" | "roundrobin"
	Weights  []uint8 `toml:"weights" json:"weights"`

	SendThrough string `toml:"send_through" json:"send_through"`

	Network   NetworkConfig   `toml:"network" json:"network"`
	Transport TransportConfig `toml:"transport" json:"transport"`
}

// Config is the whole configuration tree: global default groups plus the
// list of endpoints, mirroring infra/conf.Config's LogConfig/DNSConfig/
// per-feature-group layering scaled to relayd's much smaller feature set.
type Config struct {
	Log       *LogConfig      `toml:"log" json:"log"`
	DNS       *DNSConfig      `toml:"dns" json:"dns"`
	Network   *NetworkConfig  `toml:"network" json:"network"`
	Endpoints []EndpointConfig `toml:"endpoints" json:"endpoints"`
}

// Override merges o onto c the way infra/conf.Config.Override does: any
// non-nil/non-empty group in o replaces c's, and endpoints are merged by
// listen address (update in place if present, append otherwise) rather than
// wholesale replaced, matching the CLI-override-replaces-file semantics of
// spec §6.
func (c *Config) Override(o *Config) {
	if o.Log != nil {
		c.Log = o.Log
	}
	if o.DNS != nil {
		c.DNS = o.DNS
	}
	if o.Network != nil {
		c.Network = o.Network
	}
	for _, oe := range o.Endpoints {
		if idx := c.findEndpoint(oe.Listen); idx >= 0 {
			c.Endpoints[idx] = oe
		} else {
			c.Endpoints = append(c.Endpoints, oe)
		}
	}
}

func (c *Config) findEndpoint(listen string) int {
	for i := range c.Endpoints {
		if c.Endpoints[i].Listen == listen {
			return i
		}
	}
	return -1
}

// DecodeTOML parses a TOML document into a Config, the same library
// (github.com/pelletier/go-toml) the teacher's main/toml package uses.
func DecodeTOML(data []byte) (*Config, error) {
	var c Config
	if err := toml.Unmarshal(data, &c); err != nil {
		return nil, errors.New("config: failed to decode TOML").Base(err)
	}
	return &c, nil
}

// DecodeJSON parses the JSON equivalent of the TOML schema into a Config.
func DecodeJSON(data []byte) (*Config, error) {
	var c Config
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, errors.New("config: failed to decode JSON").Base(err)
	}
	return &c, nil
}

// Decode picks a decoder by file extension ("toml" or "json", case
// insensitive); any other extension is an error.
func Decode(data []byte, ext string) (*Config, error) {
	switch strings.ToLower(ext) {
	case "toml":
		return DecodeTOML(data)
	case "json":
		return DecodeJSON(data)
	default:
		return nil, errors.New("config: unrecognized format ", ext)
	}
}

// LoadFile reads and decodes one config file, format chosen from its
// extension.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.New("config: failed to read ", path).Base(err)
	}
	return Decode(data, strings.TrimPrefix(filepath.Ext(path), "."))
}

// LoadDir merges every *.toml/*.json file under dir, in lexical filename
// order, the same "ingest all matching files under a path" rule spec §6
// describes, using Override so later files win per-endpoint and per-group.
func LoadDir(dir string) (*Config, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.New("config: failed to read directory ", dir).Base(err)
	}

	merged := &Config{}
	found := false
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(e.Name()), "."))
		if ext != "toml" && ext != "json" {
			continue
		}
		found = true
		c, err := LoadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		merged.Override(c)
	}
	if !found {
		return nil, errors.New("config: no *.toml/*.json files found under ", dir)
	}
	return merged, nil
}

// Build turns an EndpointConfig plus the resolved global defaults into a
// runnable endpoint.Endpoint. Per-endpoint Network fields take precedence
// over the global defaults, which are only used when the endpoint's own
// field is empty/zero, matching spec §6's "apply as global defaults, taken
// only if per-endpoint field is empty" rule.
func Build(ec EndpointConfig, globalNet *NetworkConfig) (*endpoint.Endpoint, error) {
	net4 := mergeNetwork(ec.Network, globalNet)

	primary, err := parseRemote(ec.Remote)
	if err != nil {
		return nil, errors.New("config: bad remote ", ec.Remote).Base(err)
	}

	extras := make([]endpoint.RemoteAddress, 0, len(ec.Extra))
	for _, e := range ec.Extra {
		ra, err := parseRemote(e)
		if err != nil {
			return nil, errors.New("config: bad extra remote ", e).Base(err)
		}
		extras = append(extras, ra)
	}

	var sendThrough *net.TCPAddr
	if ec.SendThrough != "" {
		addr, err := net.ResolveTCPAddr("tcp", ec.SendThrough)
		if err != nil {
			return nil, errors.New("config: bad send_through ", ec.SendThrough).Base(err)
		}
		sendThrough = addr
	}

	acceptTr, err := buildTransport(ec.Transport.Accept)
	if err != nil {
		return nil, err
	}
	dialTr, err := buildTransport(ec.Transport.Connect)
	if err != nil {
		return nil, err
	}

	ep := &endpoint.Endpoint{
		ListenAddr:    ec.Listen,
		PrimaryRemote: primary,
		ExtraRemotes:  extras,
		Balancer:      parseBalancer(ec.Balancer),
		Weights:       ec.Weights,
		ConnOpts: endpoint.ConnectOptions{
			ConnectTimeout:     durationOf(net4.ConnectTimeout),
			AssociateTimeout:   durationOf(net4.AssociateTimeout),
			SendThrough:        sendThrough,
			BindInterface:      net4.BindInterface,
			TCPKeepAlive:       durationOf(net4.TCPKeepAlive),
			TCPKeepAliveProbes: net4.TCPKeepAliveProbes,
			UseUDP:             boolOf(net4.UseUDP),
			NoTCP:              boolOf(net4.NoTCP),
			FastOpen:           boolOf(net4.FastOpen),
			FastOpenQueueLen:   net4.FastOpenQueueLen,
			ZeroCopy:           boolOf(net4.ZeroCopy),
			ReusePort:          boolOf(net4.ReusePort),
			Proxy: endpoint.ProxyOptions{
				SendProxy:          boolOf(net4.SendProxy),
				AcceptProxy:        boolOf(net4.AcceptProxy),
				SendProxyVersion:   orDefault(net4.SendProxyVersion, 1),
				AcceptProxyTimeout: durationOf(orDefault(net4.AcceptProxyTimeout, 3)),
			},
			AcceptTransport: acceptTr,
			DialTransport:   dialTr,
		},
	}
	return ep, nil
}

// buildTransport constructs the Transport a TransportSide names, or nil if
// side is nil/unset. "websocket"/"ws" is currently the only kind.
func buildTransport(side *TransportSide) (transport.Transport, error) {
	if side == nil || side.Kind == "" {
		return nil, nil
	}
	switch strings.ToLower(side.Kind) {
	case "websocket", "ws":
		return &transport.WebSocket{
			Path:             orDefaultStr(side.Path, "/"),
			DialURL:          side.URL,
			HandshakeTimeout: durationOf(orDefault(side.Timeout, 5)),
		}, nil
	default:
		return nil, errors.New("config: unknown transport kind ", side.Kind)
	}
}

// BuildDNSConfig turns the top-level [dns] group into a dns.Config, falling
// back to dns.DefaultConfig for an absent group.
func BuildDNSConfig(d *DNSConfig) dns.Config {
	if d == nil {
		return dns.DefaultConfig()
	}
	cfg := dns.DefaultConfig()
	cfg.Mode = dns.ParseMode(d.Mode)
	cfg.Nameservers = d.Nameservers
	if d.Protocol != "" {
		cfg.Protocol = d.Protocol
	}
	if d.MinTTL > 0 {
		cfg.MinTTL = durationOf(d.MinTTL)
	}
	if d.MaxTTL > 0 {
		cfg.MaxTTL = durationOf(d.MaxTTL)
	}
	cfg.CacheSize = d.CacheSize
	return cfg
}

// mergeNetwork fills zero-valued fields of ec with g's, matching spec §6's
// "global defaults taken only if per-endpoint field is empty" rule. Neither
// input is mutated.
func mergeNetwork(ec NetworkConfig, g *NetworkConfig) NetworkConfig {
	if g == nil {
		return ec
	}
	out := ec
	if out.NoTCP == nil {
		out.NoTCP = g.NoTCP
	}
	if out.UseUDP == nil {
		out.UseUDP = g.UseUDP
	}
	if out.FastOpen == nil {
		out.FastOpen = g.FastOpen
	}
	if out.ZeroCopy == nil {
		out.ZeroCopy = g.ZeroCopy
	}
	if out.ConnectTimeout == 0 {
		out.ConnectTimeout = g.ConnectTimeout
	}
	if out.AssociateTimeout == 0 {
		out.AssociateTimeout = g.AssociateTimeout
	}
	if out.TCPKeepAlive == 0 {
		out.TCPKeepAlive = g.TCPKeepAlive
	}
	if out.TCPKeepAliveProbes == 0 {
		out.TCPKeepAliveProbes = g.TCPKeepAliveProbes
	}
	if out.SendProxy == nil {
		out.SendProxy = g.SendProxy
	}
	if out.SendProxyVersion == 0 {
		out.SendProxyVersion = g.SendProxyVersion
	}
	if out.AcceptProxy == nil {
		out.AcceptProxy = g.AcceptProxy
	}
	if out.AcceptProxyTimeout == 0 {
		out.AcceptProxyTimeout = g.AcceptProxyTimeout
	}
	if out.BindInterface == "" {
		out.BindInterface = g.BindInterface
	}
	if out.ReusePort == nil {
		out.ReusePort = g.ReusePort
	}
	if out.FastOpenQueueLen == 0 {
		out.FastOpenQueueLen = g.FastOpenQueueLen
	}
	return out
}

func boolOf(b *bool) bool {
	return b != nil && *b
}

func durationOf(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}

func orDefault(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func orDefaultStr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func parseBalancer(s string) balancer.Strategy {
	switch strings.ToLower(s) {
	case "iphash", "ip_hash":
		return balancer.StrategyIpHash
	case "roundrobin", "round_robin":
		return balancer.StrategyRoundRobin
	default:
		return balancer.StrategyOff
	}
}

// parseRemote accepts "host:port" and produces either a resolved
// endpoint.RemoteAddress (if host is a literal IP) or an unresolved one
// that defers lookup to connection time, matching spec §3's RemoteAddress
// sum type.
func parseRemote(s string) (endpoint.RemoteAddress, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return endpoint.RemoteAddress{}, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return endpoint.RemoteAddress{}, fmt.Errorf("bad port %q: %w", portStr, err)
	}
	if ip := net.ParseIP(host); ip != nil {
		return endpoint.RemoteAddress{Addr: &net.TCPAddr{IP: ip, Port: port}}, nil
	}
	return endpoint.RemoteAddress{Host: host, Port: port}, nil
}
