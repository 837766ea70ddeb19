//go:build unix

// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package netrpc

import (
	"context"
	"fmt"
	"net"

	ma "github.com/multiformats/go-multiaddr"

	"github.com/luxfi/netrpc/multiaddr"
)

func init() {
	registerListener(ma.P_UNIX, listenUnix)
}

// listenUnix binds a unix domain socket. The socket file is removed when the
// listener closes.
func listenUnix(ctx context.Context, addr multiaddr.Multiaddr, _ *Config) (net.Listener, multiaddr.Multiaddr, error) {
	path, _, err := multiaddr.ParseUnix(addr)
	if err != nil {
		return nil, nil, err
	}
	var lc net.ListenConfig
	lis, err := lc.Listen(ctx, "unix", path)
	if err != nil {
		return nil, nil, fmt.Errorf("bind %s: %w", path, err)
	}
	return lis, addr, nil
}
