package config

import (
	"strconv"
	"strings"

	"github.com/l4mesh/relayd/internal/errors"
)

// Legacy is the old separate-address/port-list configuration format, with
// range notation like "1-4" in the port lists, auto-detected and converted
// on load per spec §6. Grounded on original_source/src/conf/legacy/mod.rs.
type Legacy struct {
	ListenAddrs []string `json:"listen_addrs" toml:"listen_addrs"`
	ListenPorts []string `json:"listen_ports" toml:"listen_ports"`
	RemoteAddrs []string `json:"remote_addrs" toml:"remote_addrs"`
	RemotePorts []string `json:"remote_ports" toml:"remote_ports"`
}

// IsLegacy reports whether data looks like the legacy schema (has
// listen_addrs/listen_ports keys) rather than the modern endpoints list,
// the auto-detection spec §6 calls for.
func IsLegacy(data []byte) bool {
	s := string(data)
	return strings.Contains(s, "listen_addrs") && strings.Contains(s, "listen_ports")
}

// Convert flattens the legacy format into modern EndpointConfigs: ports are
// expanded from range notation, and addresses are zipped by position with
// the first element repeated past the shorter list's end, exactly as spec
// §6 and test scenario E6 describe.
func (l Legacy) Convert() ([]EndpointConfig, error) {
	listenPorts, err := expandPorts(l.ListenPorts)
	if err != nil {
		return nil, errors.New("legacy: bad listen_ports").Base(err)
	}
	remotePorts, err := expandPorts(l.RemotePorts)
	if err != nil {
		return nil, errors.New("legacy: bad remote_ports").Base(err)
	}
	if len(listenPorts) == 0 {
		return nil, errors.New("legacy: no listen ports")
	}

	out := make([]EndpointConfig, 0, len(listenPorts))
	for i, port := range listenPorts {
		listenAddr := zipElement(l.ListenAddrs, i)
		remoteAddr := zipElement(l.RemoteAddrs, i)
		remotePort := port
		if len(remotePorts) > 0 {
			remotePort = zipIntElement(remotePorts, i)
		}
		out = append(out, EndpointConfig{
			Listen: listenAddr + ":" + strconv.Itoa(port),
			Remote: remoteAddr + ":" + strconv.Itoa(remotePort),
		})
	}
	return out, nil
}

// zipElement returns list[i], or list[0] if i is past the end of a
// shorter list ("addresses zipped by position with repetition of the
// first element beyond the shorter list", spec §6).
func zipElement(list []string, i int) string {
	if len(list) == 0 {
		return ""
	}
	if i < len(list) {
		return list[i]
	}
	return list[0]
}

func zipIntElement(list []int, i int) int {
	if i < len(list) {
		return list[i]
	}
	return list[0]
}

// expandPorts flattens a list of port strings, each either a single port
// ("80") or an inclusive range ("1-4"), into the full flattened list of
// ports in order.
func expandPorts(specs []string) ([]int, error) {
	var out []int
	for _, spec := range specs {
		if lo, hi, ok := splitRange(spec); ok {
			if hi < lo {
				return nil, errors.New("legacy: invalid port range ", spec)
			}
			for p := lo; p <= hi; p++ {
				out = append(out, p)
			}
			continue
		}
		p, err := strconv.Atoi(spec)
		if err != nil {
			return nil, errors.New("legacy: invalid port ", spec).Base(err)
		}
		out = append(out, p)
	}
	return out, nil
}

func splitRange(spec string) (lo, hi int, ok bool) {
	idx := strings.IndexByte(spec, '-')
	if idx <= 0 || idx == len(spec)-1 {
		return 0, 0, false
	}
	lo, err1 := strconv.Atoi(spec[:idx])
	hi, err2 := strconv.Atoi(spec[idx+1:])
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return lo, hi, true
}
