// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package multiaddr parses the composable transport addresses accepted by
// the netrpc server and client.
//
// An address is an ordered list of typed segments:
//
//	/dns/localhost/tcp/0/http
//	/ip4/127.0.0.1/tcp/8080/http
//	/ip6/::1/tcp/0/http
//
// Unix domain socket addresses must be built with Unix. The unix segment
// holds a path, and a path swallows every segment that follows it in the
// textual form, so String() of a unix address does not parse back to the
// same address.
package multiaddr

import (
	"errors"
	"fmt"
	"net"
	"strconv"

	ma "github.com/multiformats/go-multiaddr"
)

// Multiaddr is the address type used throughout netrpc.
type Multiaddr = ma.Multiaddr

var (
	ErrMalformedAddress    = errors.New("malformed addr")
	ErrUnsupportedProtocol = errors.New("unsupported protocol")
)

// Scheme is the application protocol marker that terminates an address.
type Scheme string

const (
	SchemeHTTP  Scheme = "http"
	SchemeHTTPS Scheme = "https"
)

// Parse parses the textual form of an address.
func Parse(s string) (Multiaddr, error) {
	addr, err := ma.NewMultiaddr(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedAddress, err)
	}
	return addr, nil
}

// MustParse is like Parse but panics on error.
func MustParse(s string) Multiaddr {
	addr, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return addr
}

// Unix builds /unix/<path>/http. It is the only way to obtain a unix
// socket address; see the package documentation.
func Unix(path string) (Multiaddr, error) {
	return UnixWithScheme(path, SchemeHTTP)
}

// UnixWithScheme builds /unix/<path>/<scheme>.
func UnixWithScheme(path string, scheme Scheme) (Multiaddr, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty unix path", ErrMalformedAddress)
	}
	sock, err := ma.NewComponent("unix", path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedAddress, err)
	}
	marker, err := ma.NewComponent(string(scheme), "")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedAddress, err)
	}
	return ma.Join(sock, marker), nil
}

// Segments splits addr into its components. A nil address has none.
func Segments(addr Multiaddr) []*ma.Component {
	if addr == nil {
		return nil
	}
	var out []*ma.Component
	ma.ForEach(addr, func(c ma.Component) bool {
		out = append(out, &c)
		return true
	})
	return out
}

// First returns the protocol of the first segment.
func First(addr Multiaddr) (ma.Protocol, error) {
	segs := Segments(addr)
	if len(segs) == 0 {
		return ma.Protocol{}, ErrMalformedAddress
	}
	return segs[0].Protocol(), nil
}

// DNS is a parsed /dns{,4,6}/<name>/tcp/<port>/<scheme> address.
type DNS struct {
	Name string
	Port uint16
	// Network is "tcp", "tcp4" or "tcp6" depending on the dns variant.
	Network string
	Scheme  Scheme
}

// ParseDNS parses an address of the form /dns/<name>/tcp/<port>/<scheme>.
func ParseDNS(addr Multiaddr) (DNS, error) {
	segs := Segments(addr)
	if len(segs) != 3 {
		return DNS{}, fmt.Errorf("%w: expected /dns/<name>/tcp/<port>/http, got %v", ErrMalformedAddress, addr)
	}
	var network string
	switch segs[0].Protocol().Code {
	case ma.P_DNS:
		network = "tcp"
	case ma.P_DNS4:
		network = "tcp4"
	case ma.P_DNS6:
		network = "tcp6"
	default:
		return DNS{}, fmt.Errorf("%w: expected dns, got %s", ErrMalformedAddress, segs[0].Protocol().Name)
	}
	port, err := tcpPort(segs[1])
	if err != nil {
		return DNS{}, err
	}
	scheme, err := parseScheme(segs[2])
	if err != nil {
		return DNS{}, err
	}
	return DNS{Name: segs[0].Value(), Port: port, Network: network, Scheme: scheme}, nil
}

// ParseIP4 parses an address of the form /ip4/<addr>/tcp/<port>/<scheme>.
func ParseIP4(addr Multiaddr) (*net.TCPAddr, Scheme, error) {
	return parseIP(addr, ma.P_IP4)
}

// ParseIP6 parses an address of the form /ip6/<addr>/tcp/<port>/<scheme>.
func ParseIP6(addr Multiaddr) (*net.TCPAddr, Scheme, error) {
	return parseIP(addr, ma.P_IP6)
}

func parseIP(addr Multiaddr, code int) (*net.TCPAddr, Scheme, error) {
	segs := Segments(addr)
	if len(segs) != 3 {
		return nil, "", fmt.Errorf("%w: expected /ip/<addr>/tcp/<port>/http, got %v", ErrMalformedAddress, addr)
	}
	if segs[0].Protocol().Code != code {
		return nil, "", fmt.Errorf("%w: unexpected %s segment", ErrMalformedAddress, segs[0].Protocol().Name)
	}
	ip := net.ParseIP(segs[0].Value())
	if ip == nil {
		return nil, "", fmt.Errorf("%w: invalid ip %q", ErrMalformedAddress, segs[0].Value())
	}
	port, err := tcpPort(segs[1])
	if err != nil {
		return nil, "", err
	}
	scheme, err := parseScheme(segs[2])
	if err != nil {
		return nil, "", err
	}
	return &net.TCPAddr{IP: ip, Port: int(port)}, scheme, nil
}

// ParseUnix parses an address of the form /unix/<path>/<scheme>.
func ParseUnix(addr Multiaddr) (string, Scheme, error) {
	segs := Segments(addr)
	if len(segs) != 2 {
		return "", "", fmt.Errorf("%w: expected /unix/<path>/http, got %v", ErrMalformedAddress, addr)
	}
	if segs[0].Protocol().Code != ma.P_UNIX {
		return "", "", fmt.Errorf("%w: unexpected %s segment", ErrMalformedAddress, segs[0].Protocol().Name)
	}
	scheme, err := parseScheme(segs[1])
	if err != nil {
		return "", "", err
	}
	return segs[0].Value(), scheme, nil
}

// ReplaceTCPPort returns a copy of addr with the tcp segment at index 1 set
// to port. It panics if that segment is not tcp.
func ReplaceTCPPort(addr Multiaddr, port uint16) Multiaddr {
	segs := Segments(addr)
	if len(segs) < 2 || segs[1].Protocol().Code != ma.P_TCP {
		panic("expected tcp protocol at index 1")
	}
	tcp, err := ma.NewComponent("tcp", strconv.Itoa(int(port)))
	if err != nil {
		panic(err)
	}
	parts := make([]Multiaddr, 0, len(segs))
	for i, c := range segs {
		if i == 1 {
			parts = append(parts, tcp)
			continue
		}
		parts = append(parts, c)
	}
	return ma.Join(parts...)
}

// TCPPort returns the port of the tcp segment at index 1.
func TCPPort(addr Multiaddr) (uint16, error) {
	segs := Segments(addr)
	if len(segs) < 2 {
		return 0, ErrMalformedAddress
	}
	return tcpPort(segs[1])
}

// DialTarget converts addr into a grpc dial target.
func DialTarget(addr Multiaddr) (string, error) {
	proto, err := First(addr)
	if err != nil {
		return "", err
	}
	switch proto.Code {
	case ma.P_DNS, ma.P_DNS4, ma.P_DNS6:
		d, err := ParseDNS(addr)
		if err != nil {
			return "", err
		}
		return "dns:///" + net.JoinHostPort(d.Name, strconv.Itoa(int(d.Port))), nil
	case ma.P_IP4, ma.P_IP6:
		tcp, _, err := parseIP(addr, proto.Code)
		if err != nil {
			return "", err
		}
		return "passthrough:///" + tcp.String(), nil
	case ma.P_UNIX:
		path, _, err := ParseUnix(addr)
		if err != nil {
			return "", err
		}
		return "unix:" + path, nil
	default:
		return "", fmt.Errorf("%w %s", ErrUnsupportedProtocol, proto.Name)
	}
}

func tcpPort(c *ma.Component) (uint16, error) {
	if c.Protocol().Code != ma.P_TCP {
		return 0, fmt.Errorf("%w: expected tcp, got %s", ErrMalformedAddress, c.Protocol().Name)
	}
	port, err := strconv.ParseUint(c.Value(), 10, 16)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid tcp port %q", ErrMalformedAddress, c.Value())
	}
	return uint16(port), nil
}

func parseScheme(c *ma.Component) (Scheme, error) {
	switch c.Protocol().Code {
	case ma.P_HTTP:
		return SchemeHTTP, nil
	case ma.P_HTTPS:
		return SchemeHTTPS, nil
	default:
		return "", fmt.Errorf("%w: expected http/https, got %s", ErrMalformedAddress, c.Protocol().Name)
	}
}
