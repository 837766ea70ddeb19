// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package netrpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"

	ma "github.com/multiformats/go-multiaddr"

	"github.com/luxfi/netrpc/multiaddr"
)

// listenFunc binds addr and returns the listener along with the address it
// actually bound, which differs from addr when port 0 was requested.
type listenFunc func(ctx context.Context, addr multiaddr.Multiaddr, cfg *Config) (net.Listener, multiaddr.Multiaddr, error)

var (
	listenersMu sync.RWMutex
	listeners   = map[int]listenFunc{
		ma.P_DNS:  listenDNS,
		ma.P_DNS4: listenDNS,
		ma.P_DNS6: listenDNS,
		ma.P_IP4:  listenIP,
		ma.P_IP6:  listenIP,
	}
)

// registerListener registers the bind function for a leading protocol code
// (used by platform specific files)
func registerListener(code int, listen listenFunc) {
	listenersMu.Lock()
	defer listenersMu.Unlock()
	listeners[code] = listen
}

func lookupListener(code int) (listenFunc, bool) {
	listenersMu.RLock()
	defer listenersMu.RUnlock()
	listen, ok := listeners[code]
	return listen, ok
}

// SupportedProtocols returns the names of the address families Bind accepts
// as the first segment.
func SupportedProtocols() []string {
	listenersMu.RLock()
	defer listenersMu.RUnlock()
	result := make([]string, 0, len(listeners))
	for code := range listeners {
		result = append(result, ma.ProtocolWithCode(code).Name)
	}
	sort.Strings(result)
	return result
}

// HasProtocol checks if Bind accepts addresses starting with name
func HasProtocol(name string) bool {
	p := ma.ProtocolWithName(name)
	if p.Code == 0 {
		return false
	}
	_, ok := lookupListener(p.Code)
	return ok
}

func isTCPProtocol(code int) bool {
	switch code {
	case ma.P_DNS, ma.P_DNS4, ma.P_DNS6, ma.P_IP4, ma.P_IP6:
		return true
	default:
		return false
	}
}

func listenIP(ctx context.Context, addr multiaddr.Multiaddr, cfg *Config) (net.Listener, multiaddr.Multiaddr, error) {
	first, err := multiaddr.First(addr)
	if err != nil {
		return nil, nil, err
	}
	parse := multiaddr.ParseIP4
	if first.Code == ma.P_IP6 {
		parse = multiaddr.ParseIP6
	}
	tcpAddr, _, err := parse(addr)
	if err != nil {
		return nil, nil, err
	}
	lis, err := listenTCP(ctx, "tcp", tcpAddr.String(), cfg)
	if err != nil {
		return nil, nil, err
	}
	return lis, boundAddr(addr, lis), nil
}

// listenDNS resolves the name and binds the first resolved address that
// accepts a listener.
func listenDNS(ctx context.Context, addr multiaddr.Multiaddr, cfg *Config) (net.Listener, multiaddr.Multiaddr, error) {
	d, err := multiaddr.ParseDNS(addr)
	if err != nil {
		return nil, nil, err
	}
	ips, err := net.DefaultResolver.LookupIP(ctx, ipNetwork(d.Network), d.Name)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve %s: %w", d.Name, err)
	}
	if len(ips) == 0 {
		return nil, nil, fmt.Errorf("resolve %s: no addresses", d.Name)
	}

	port := strconv.Itoa(int(d.Port))
	var errs []error
	for _, ip := range ips {
		lis, err := listenTCP(ctx, "tcp", net.JoinHostPort(ip.String(), port), cfg)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		return lis, boundAddr(addr, lis), nil
	}
	return nil, nil, errors.Join(errs...)
}

func ipNetwork(tcpNetwork string) string {
	switch tcpNetwork {
	case "tcp4":
		return "ip4"
	case "tcp6":
		return "ip6"
	default:
		return "ip"
	}
}

func listenTCP(ctx context.Context, network, address string, cfg *Config) (net.Listener, error) {
	lc := net.ListenConfig{KeepAlive: cfg.TCPKeepalive.Std()}
	lis, err := lc.Listen(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", address, err)
	}
	if cfg.TCPNoDelay != nil {
		lis = &noDelayListener{Listener: lis, noDelay: *cfg.TCPNoDelay}
	}
	return lis, nil
}

func boundAddr(addr multiaddr.Multiaddr, lis net.Listener) multiaddr.Multiaddr {
	tcp, ok := lis.Addr().(*net.TCPAddr)
	if !ok {
		return addr
	}
	return multiaddr.ReplaceTCPPort(addr, uint16(tcp.Port))
}

// noDelayListener applies TCP_NODELAY to every accepted connection.
type noDelayListener struct {
	net.Listener
	noDelay bool
}

func (l *noDelayListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(l.noDelay)
	}
	return conn, nil
}
