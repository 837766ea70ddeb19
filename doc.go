// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package netrpc builds grpc servers and clients that listen on and dial
// multiaddr addresses.
//
// # Addresses
//
// The first segment of an address selects the transport:
//
//	/dns/localhost/tcp/0/http     resolve, then bind the first usable address
//	/ip4/127.0.0.1/tcp/8080/http  bind an IPv4 address
//	/ip6/::1/tcp/0/http           bind an IPv6 address
//	multiaddr.Unix("node.sock")   bind a unix domain socket
//
// Binding port 0 picks a free port; Server.LocalAddr reports it.
//
// # Usage
//
// Server usage:
//
//	cfg := &netrpc.Config{
//	    RequestTimeout:         netrpc.D(5 * time.Second),
//	    GlobalConcurrencyLimit: netrpc.Ptr[uint32](64),
//	    LoadShed:               netrpc.Ptr(true),
//	}
//	srv, err := netrpc.FromConfig(cfg, netrpc.WithLogger(log)).
//	    AddService(&pb.Validator_ServiceDesc, impl).
//	    Bind(ctx, multiaddr.MustParse("/ip4/127.0.0.1/tcp/0/http"))
//	if err != nil {
//	    return err
//	}
//	srv.HealthReporter().SetServing(pb.Validator_ServiceDesc.ServiceName)
//	cancel := srv.TakeCancelHandle()
//	go srv.Serve(ctx)
//	...
//	cancel.Cancel()
//
// Client usage:
//
//	conn, err := cfg.Connect(ctx, srv.LocalAddr())
//	if err != nil {
//	    return err
//	}
//	defer conn.Close()
//
// # Request layers
//
// Every request passes, outermost first: the per-connection concurrency
// limit, the request timeout (DEADLINE_EXCEEDED), load shedding
// (UNAVAILABLE instead of waiting), the global concurrency limit, and debug
// logging. Layers whose Config knob is unset are skipped.
//
// The request timeout applies to unary calls. Streams hold their limit
// permits only until the first header or message is sent, so a health Watch
// stays open without starving other calls.
//
// # Architecture
//
// The package separates concerns:
//
//   - config.go: Config knobs and their YAML/JSON form
//   - server.go: ServerBuilder, Server and CancelHandle
//   - layer.go: request interceptors
//   - health.go: HealthReporter over grpc.health.v1
//   - transport.go: listener registry keyed by address family
//   - transport_unix.go: unix domain sockets (unix builds only)
//   - client.go: Config.Connect and Config.ConnectLazy
//
// Serialization adaptors live in the serde package and BLS signatures in the
// bls package.
package netrpc
