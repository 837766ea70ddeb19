// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package main (cmd/netrpc) serves and probes the grpc health service over
// multiaddr transports.
//
// The serve command binds one server per --listen or --unix-socket address,
// each exposing grpc.health.v1.Health with the whole server marked SERVING.
// Request layers and transport knobs come from an optional YAML or JSON
// --config file. The servers drain and exit on SIGINT/SIGTERM.
//
// Example usage:
//
//	netrpc serve --listen /ip4/127.0.0.1/tcp/8080/http --unix-socket node.sock
//	netrpc check --addr /dns/localhost/tcp/8080/http
//	netrpc check --unix-socket node.sock --service my.Service
//	netrpc keygen
package main
