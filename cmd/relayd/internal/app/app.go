// Package app wires the relayd CLI surface described in spec §6 (flags,
// options, subcommands, environment variable) to the config/engine/
// controlapi packages. Kept separate from package main so the flag-parsing
// and config-loading logic is unit-testable without exec'ing a binary.
package app

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"strings"

	toml "github.com/pelletier/go-toml"

	"github.com/l4mesh/relayd/config"
	"github.com/l4mesh/relayd/controlapi"
	"github.com/l4mesh/relayd/dns"
	"github.com/l4mesh/relayd/engine"
	"github.com/l4mesh/relayd/internal/errors"
	"github.com/l4mesh/relayd/internal/xlog"
)

// Version is relayd's reported version string for "-v".
const Version = "relayd 0.1.0"

// EnvConfig is the designated environment variable spec §6 describes:
// "if set, carries the entire configuration as a string (parsed as TOML or
// JSON)".
const EnvConfig = "RELAYD_CONFIG"

// Options collects every flag/option spec §6 lists.
type Options struct {
	ShowVersion bool
	Daemonize   bool
	ForceUDP    bool
	FastOpen    bool
	ZeroCopy    bool

	NoFile int
	Pipe   int

	ConfigPaths stringList
	ListenAddr  string
	RemoteAddr  string
	SendThrough string
	Interface   string

	AcceptTransport  string
	ConnectTransport string

	LogLevel string
	DNSMode  string
}

type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }
func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

// BindFlags registers every flag spec §6 names onto fs and returns the
// struct their values land in.
func BindFlags(fs *flag.FlagSet) *Options {
	o := &Options{}
	fs.BoolVar(&o.ShowVersion, "v", false, "print version and exit")
	fs.BoolVar(&o.Daemonize, "d", false, "daemonize (parsed, but relayd does not act on it and stays in the foreground)")
	fs.BoolVar(&o.ForceUDP, "u", false, "force UDP relay on every endpoint")
	fs.BoolVar(&o.FastOpen, "f", false, "enable TCP fast-open")
	fs.BoolVar(&o.ZeroCopy, "z", false, "enable zero-copy (Linux splice)")

	fs.IntVar(&o.NoFile, "n", 0, "set the open-file-descriptor limit (0 = leave unchanged)")
	fs.IntVar(&o.Pipe, "p", 0, "splice pipe size, in 4096-byte pages (0 = default)")

	fs.Var(&o.ConfigPaths, "c", "path to a config file or directory; may be repeated")
	fs.StringVar(&o.ListenAddr, "l", "", "listen address (ad hoc single-endpoint mode)")
	fs.StringVar(&o.RemoteAddr, "r", "", "remote address (ad hoc single-endpoint mode)")
	fs.StringVar(&o.SendThrough, "x", "", "bind outbound sockets to this source address")
	fs.StringVar(&o.Interface, "i", "", "bind to this network interface (Linux only)")
	fs.StringVar(&o.AcceptTransport, "a", "", "accept-side pluggable transport (websocket upgrade path, e.g. /ws)")
	fs.StringVar(&o.ConnectTransport, "b", "", "connect-side pluggable transport (websocket URL, e.g. ws://host/ws)")

	fs.StringVar(&o.LogLevel, "log-level", "", "override the configured log level")
	fs.StringVar(&o.DNSMode, "dns-mode", "", "override the configured DNS resolution mode")

	return o
}

// LoadConfig resolves opts into a config.Config: config files (each
// auto-detected legacy-vs-modern and TOML-vs-JSON per spec §6), the
// RELAYD_CONFIG environment variable, and the -l/-r ad hoc single-endpoint
// flags, in that order, with later sources overriding earlier ones via
// Config.Override exactly like the CLI-override-replaces-file rule.
func LoadConfig(opts *Options) (*config.Config, error) {
	cfg := &config.Config{}
	loaded := false

	for _, path := range opts.ConfigPaths {
		fileCfg, err := loadPath(path)
		if err != nil {
			return nil, err
		}
		cfg.Override(fileCfg)
		loaded = true
	}

	if env := os.Getenv(EnvConfig); env != "" {
		envCfg, err := decodeAuto([]byte(env))
		if err != nil {
			return nil, errors.New("app: failed to decode ", EnvConfig).Base(err)
		}
		cfg.Override(envCfg)
		loaded = true
	}

	if opts.ListenAddr != "" && opts.RemoteAddr != "" {
		cfg.Override(&config.Config{Endpoints: []config.EndpointConfig{adHocEndpoint(opts)}})
		loaded = true
	}

	if !loaded {
		return nil, errors.New("app: no configuration supplied (use -c, ", EnvConfig, ", or -l/-r)")
	}
	return cfg, nil
}

func adHocEndpoint(opts *Options) config.EndpointConfig {
	useUDP := opts.ForceUDP
	fastOpen := opts.FastOpen
	zeroCopy := opts.ZeroCopy
	ec := config.EndpointConfig{
		Listen:      opts.ListenAddr,
		Remote:      opts.RemoteAddr,
		SendThrough: opts.SendThrough,
		Network: config.NetworkConfig{
			UseUDP:        &useUDP,
			FastOpen:      &fastOpen,
			ZeroCopy:      &zeroCopy,
			BindInterface: opts.Interface,
		},
	}
	if opts.AcceptTransport != "" {
		ec.Transport.Accept = &config.TransportSide{Kind: "websocket", Path: opts.AcceptTransport}
	}
	if opts.ConnectTransport != "" {
		ec.Transport.Connect = &config.TransportSide{Kind: "websocket", URL: opts.ConnectTransport}
	}
	return ec
}

// ConfigureRuntime installs the process-wide logging sink and DNS resolver
// configuration from cfg, with opts' -log-level/-dns-mode flags overriding
// the configured values. Must run once, before StartAll, so every endpoint's
// resolve/log calls observe the final configuration.
func ConfigureRuntime(opts *Options, cfg *config.Config) error {
	level := ""
	output := ""
	if cfg.Log != nil {
		level, output = cfg.Log.Level, cfg.Log.Output
	}
	if opts.LogLevel != "" {
		level = opts.LogLevel
	}
	if err := xlog.Init(output, xlog.ParseLevel(level)); err != nil {
		return err
	}

	dnsCfg := cfg.DNS
	if opts.DNSMode != "" {
		if dnsCfg == nil {
			dnsCfg = &config.DNSConfig{}
		}
		overridden := *dnsCfg
		overridden.Mode = opts.DNSMode
		dnsCfg = &overridden
	}
	return dns.Configure(config.BuildDNSConfig(dnsCfg))
}

func loadPath(path string) (*config.Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.New("app: cannot stat ", path).Base(err)
	}
	if info.IsDir() {
		return config.LoadDir(path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.New("app: cannot read ", path).Base(err)
	}
	return decodeAutoNamed(data, path)
}

func decodeAutoNamed(data []byte, path string) (*config.Config, error) {
	if config.IsLegacy(data) {
		return decodeLegacy(data, path)
	}
	ext := strings.TrimPrefix(strings.ToLower(pathExt(path)), ".")
	if ext != "toml" && ext != "json" {
		ext = "toml"
	}
	return config.Decode(data, ext)
}

func decodeAuto(data []byte) (*config.Config, error) {
	if config.IsLegacy(data) {
		return decodeLegacy(data, "<env>")
	}
	if c, err := config.DecodeJSON(data); err == nil {
		return c, nil
	}
	return config.DecodeTOML(data)
}

func decodeLegacy(data []byte, name string) (*config.Config, error) {
	var legacy config.Legacy
	if err := decodeLegacyStruct(data, &legacy); err != nil {
		return nil, errors.New("app: failed to decode legacy config ", name).Base(err)
	}
	eps, err := legacy.Convert()
	if err != nil {
		return nil, err
	}
	return &config.Config{Endpoints: eps}, nil
}

// decodeLegacyStruct decodes data (TOML or JSON, whichever parses) into the
// legacy schema.
func decodeLegacyStruct(data []byte, legacy *config.Legacy) error {
	if err := json.Unmarshal(data, legacy); err == nil {
		return nil
	}
	return toml.Unmarshal(data, legacy)
}

// encodeTOML serializes cfg as modern TOML, the "convert" subcommand's
// output format.
func encodeTOML(cfg *config.Config) ([]byte, error) {
	return toml.Marshal(*cfg)
}

func pathExt(path string) string {
	idx := strings.LastIndexByte(path, '.')
	if idx < 0 {
		return ""
	}
	return path[idx:]
}

// StartAll builds and starts an engine.Runner for every configured
// endpoint, stopping whichever already started if a later one fails to
// bind, so LoadConfig/StartAll never leaves a partial fleet of orphaned
// listeners on error.
func StartAll(ctx context.Context, cfg *config.Config) ([]*engine.Runner, error) {
	var runners []*engine.Runner
	for _, ec := range cfg.Endpoints {
		ep, err := config.Build(ec, cfg.Network)
		if err != nil {
			stopAll(runners)
			return nil, err
		}
		r := engine.New(ep)
		if err := r.Start(ctx); err != nil {
			stopAll(runners)
			return nil, errors.New("app: endpoint ", ec.Listen, " failed to start").Base(err)
		}
		runners = append(runners, r)
	}
	return runners, nil
}

func stopAll(runners []*engine.Runner) {
	for _, r := range runners {
		r.Stop()
	}
}

// RunConvert implements the "convert" subcommand: legacy config in,
// modern TOML out, per spec §6 and SPEC_FULL.md §C.1.
func RunConvert(args []string) int {
	fs := flag.NewFlagSet("convert", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 2 {
		errors.LogError(nil, "usage: relayd convert <legacy-in> <modern-out.toml>")
		return 2
	}

	data, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		errors.LogErrorInner(nil, err, "convert: failed to read input")
		return 1
	}

	cfg, err := decodeLegacy(data, fs.Arg(0))
	if err != nil {
		errors.LogErrorInner(nil, err, "convert: failed to parse legacy config")
		return 1
	}

	out, err := encodeTOML(cfg)
	if err != nil {
		errors.LogErrorInner(nil, err, "convert: failed to encode output")
		return 1
	}
	if err := os.WriteFile(fs.Arg(1), out, 0o644); err != nil {
		errors.LogErrorInner(nil, err, "convert: failed to write output")
		return 1
	}
	return 0
}

// RunAPIServer implements the "api" subcommand: start the control server
// over an initially-empty instance set, per spec §6's "api (start control
// server)".
func RunAPIServer(args []string) int {
	fs := flag.NewFlagSet("api", flag.ContinueOnError)
	addr := fs.String("addr", "127.0.0.1:8080", "control API listen address")
	secret := fs.String("secret", "", "required X-Relayd-Secret header value")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	srv := controlapi.NewServer(nil)
	srv.SharedSecret = *secret

	errors.LogInfo(nil, "app: control API listening on ", *addr)
	if err := http.ListenAndServe(*addr, srv); err != nil {
		errors.LogErrorInner(nil, err, "app: control API server failed")
		return 1
	}
	return 0
}
