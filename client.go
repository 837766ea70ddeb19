// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package netrpc

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"

	"github.com/luxfi/netrpc/multiaddr"
)

// DialOption configures client connections
type DialOption func(*dialOptions)

type dialOptions struct {
	log         *zap.Logger
	grpcOptions []grpc.DialOption
}

// WithDialLogger sets the logger used for connection events
func WithDialLogger(log *zap.Logger) DialOption {
	return func(o *dialOptions) { o.log = log }
}

// WithGRPCDialOptions appends raw grpc dial options after the ones derived
// from the Config.
func WithGRPCDialOptions(opts ...grpc.DialOption) DialOption {
	return func(o *dialOptions) { o.grpcOptions = append(o.grpcOptions, opts...) }
}

// ConnectLazy returns a channel to addr without waiting for the transport to
// come up. The first call triggers the connection attempt.
func (c *Config) ConnectLazy(addr multiaddr.Multiaddr, opts ...DialOption) (*grpc.ClientConn, error) {
	o := &dialOptions{log: zap.NewNop()}
	for _, opt := range opts {
		opt(o)
	}

	target, err := multiaddr.DialTarget(addr)
	if err != nil {
		return nil, err
	}
	first, err := multiaddr.First(addr)
	if err != nil {
		return nil, err
	}

	dialOpts := c.grpcDialOptions(first.Code)
	dialOpts = append(dialOpts, o.grpcOptions...)
	conn, err := grpc.NewClient(target, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("grpc client %s: %w", addr, err)
	}
	o.log.Debug("created channel",
		zap.Stringer("addr", addr),
		zap.String("target", target),
	)
	return conn, nil
}

// Connect returns a channel to addr once the transport is ready. The wait is
// bounded by ctx and ConnectTimeout.
func (c *Config) Connect(ctx context.Context, addr multiaddr.Multiaddr, opts ...DialOption) (*grpc.ClientConn, error) {
	conn, err := c.ConnectLazy(addr, opts...)
	if err != nil {
		return nil, err
	}

	if timeout := c.ConnectTimeout.Std(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	conn.Connect()
	for {
		state := conn.GetState()
		if state == connectivity.Ready {
			return conn, nil
		}
		if state == connectivity.Shutdown || !conn.WaitForStateChange(ctx, state) {
			_ = conn.Close()
			if ctx.Err() != nil {
				return nil, fmt.Errorf("connect %s: %w", addr, ctx.Err())
			}
			return nil, fmt.Errorf("connect %s: channel shut down", addr)
		}
	}
}

func (c *Config) grpcDialOptions(proto int) []grpc.DialOption {
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}

	if v := c.HTTP2InitialStreamWindowSize; v != nil {
		opts = append(opts, grpc.WithInitialWindowSize(windowSize(*v)))
	}
	if v := c.HTTP2InitialConnectionWindowSize; v != nil {
		opts = append(opts, grpc.WithInitialConnWindowSize(windowSize(*v)))
	}
	if c.HTTP2KeepaliveInterval != nil || c.HTTP2KeepaliveTimeout != nil {
		opts = append(opts, grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                c.HTTP2KeepaliveInterval.Std(),
			Timeout:             c.HTTP2KeepaliveTimeout.Std(),
			PermitWithoutStream: true,
		}))
	}
	if timeout := c.RequestTimeout.Std(); timeout > 0 {
		opts = append(opts,
			grpc.WithChainUnaryInterceptor(defaultDeadlineUnary(timeout)),
			grpc.WithChainStreamInterceptor(defaultDeadlineStream(timeout)),
		)
	}

	// The unix resolver hands the socket path to the dialer, so only tcp
	// families get the custom one.
	if isTCPProtocol(proto) && (c.TCPNoDelay != nil || c.TCPKeepalive != nil) {
		dialer := &net.Dialer{KeepAlive: c.TCPKeepalive.Std()}
		noDelay := c.TCPNoDelay
		opts = append(opts, grpc.WithContextDialer(func(ctx context.Context, addr string) (net.Conn, error) {
			conn, err := dialer.DialContext(ctx, "tcp", addr)
			if err != nil {
				return nil, err
			}
			if tcp, ok := conn.(*net.TCPConn); ok && noDelay != nil {
				_ = tcp.SetNoDelay(*noDelay)
			}
			return conn, nil
		}))
	}
	return opts
}

func defaultDeadlineUnary(timeout time.Duration) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}

// Streams outlive the interceptor call, so the deadline is only applied to
// stream setup when the caller set none.
func defaultDeadlineStream(timeout time.Duration) grpc.StreamClientInterceptor {
	return func(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, streamer grpc.Streamer, opts ...grpc.CallOption) (grpc.ClientStream, error) {
		if _, ok := ctx.Deadline(); ok {
			return streamer(ctx, desc, cc, method, opts...)
		}
		ctx, cancel := context.WithTimeout(ctx, timeout)
		cs, err := streamer(ctx, desc, cc, method, opts...)
		if err != nil {
			cancel()
			return nil, err
		}
		go func() {
			<-cs.Context().Done()
			cancel()
		}()
		return cs, nil
	}
}
