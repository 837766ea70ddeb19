// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package netrpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"github.com/luxfi/netrpc/multiaddr"
)

var (
	ErrAlreadyServed = errors.New("server already served")
	ErrAlreadyBound  = errors.New("server builder already bound")
)

// maxPingRate caps how often the server lets clients ping when keepalive is
// configured.
const maxPingRate = 5 * time.Minute

// ServerOption configures servers
type ServerOption func(*serverOptions)

type serverOptions struct {
	log         *zap.Logger
	grpcOptions []grpc.ServerOption
	unary       []grpc.UnaryServerInterceptor
	stream      []grpc.StreamServerInterceptor
}

// WithLogger sets the server logger
func WithLogger(log *zap.Logger) ServerOption {
	return func(o *serverOptions) { o.log = log }
}

// WithGRPCServerOptions appends raw grpc server options after the ones
// derived from the Config.
func WithGRPCServerOptions(opts ...grpc.ServerOption) ServerOption {
	return func(o *serverOptions) { o.grpcOptions = append(o.grpcOptions, opts...) }
}

// WithUnaryInterceptor adds an interceptor that runs inside the built-in
// layers, right before the handler.
func WithUnaryInterceptor(i grpc.UnaryServerInterceptor) ServerOption {
	return func(o *serverOptions) { o.unary = append(o.unary, i) }
}

// WithStreamInterceptor is the streaming counterpart of WithUnaryInterceptor.
func WithStreamInterceptor(i grpc.StreamServerInterceptor) ServerOption {
	return func(o *serverOptions) { o.stream = append(o.stream, i) }
}

// ServerBuilder collects services for a server that is not bound yet. It
// implements grpc.ServiceRegistrar, so generated RegisterXServer functions
// accept it.
type ServerBuilder struct {
	config Config
	log    *zap.Logger
	server *grpc.Server
	health HealthReporter
	bound  bool
}

// FromConfig creates a builder whose transport and request layers follow cfg.
// The health service is always registered.
func FromConfig(cfg *Config, opts ...ServerOption) *ServerBuilder {
	o := &serverOptions{log: zap.NewNop()}
	for _, opt := range opts {
		opt(o)
	}
	if cfg == nil {
		cfg = NewConfig()
	}

	l := buildLayers(cfg, o.log)
	grpcOpts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(append(l.unary, o.unary...)...),
		grpc.ChainStreamInterceptor(append(l.stream, o.stream...)...),
	}
	for _, h := range l.stats {
		grpcOpts = append(grpcOpts, grpc.StatsHandler(h))
	}
	grpcOpts = append(grpcOpts, cfg.grpcServerOptions()...)
	grpcOpts = append(grpcOpts, o.grpcOptions...)

	b := &ServerBuilder{
		config: *cfg,
		log:    o.log,
		server: grpc.NewServer(grpcOpts...),
		health: newHealthReporter(),
	}
	healthpb.RegisterHealthServer(b.server, healthService{b.health.server})
	return b
}

// ServerBuilder is shorthand for FromConfig(c, opts...).
func (c *Config) ServerBuilder(opts ...ServerOption) *ServerBuilder {
	return FromConfig(c, opts...)
}

func (c *Config) grpcServerOptions() []grpc.ServerOption {
	var opts []grpc.ServerOption
	if v := c.HTTP2InitialStreamWindowSize; v != nil {
		opts = append(opts, grpc.InitialWindowSize(windowSize(*v)))
	}
	if v := c.HTTP2InitialConnectionWindowSize; v != nil {
		opts = append(opts, grpc.InitialConnWindowSize(windowSize(*v)))
	}
	if v := c.HTTP2MaxConcurrentStreams; v != nil {
		opts = append(opts, grpc.MaxConcurrentStreams(*v))
	}
	if c.HTTP2KeepaliveInterval != nil || c.HTTP2KeepaliveTimeout != nil {
		opts = append(opts, grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    c.HTTP2KeepaliveInterval.Std(),
			Timeout: c.HTTP2KeepaliveTimeout.Std(),
		}))
	}
	// Peers built from the same Config ping at the keepalive interval; the
	// default policy would answer that with GOAWAY.
	if interval := c.HTTP2KeepaliveInterval.Std(); interval > 0 {
		opts = append(opts, grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             min(interval, maxPingRate),
			PermitWithoutStream: true,
		}))
	}
	return opts
}

// RegisterService implements grpc.ServiceRegistrar.
func (b *ServerBuilder) RegisterService(desc *grpc.ServiceDesc, impl interface{}) {
	b.server.RegisterService(desc, impl)
}

// AddService registers impl for desc. Its health status stays
// SERVICE_UNKNOWN until marked through HealthReporter.
func (b *ServerBuilder) AddService(desc *grpc.ServiceDesc, impl interface{}) *ServerBuilder {
	b.RegisterService(desc, impl)
	b.log.Debug("added service", zap.String("service", desc.ServiceName))
	return b
}

// HealthReporter returns the reporter of the server being built.
func (b *ServerBuilder) HealthReporter() HealthReporter {
	return b.health
}

// Bind opens a listener for addr. With port 0 the returned server's LocalAddr
// carries the port that was actually bound. A builder can be bound once.
func (b *ServerBuilder) Bind(ctx context.Context, addr multiaddr.Multiaddr) (*Server, error) {
	if b.bound {
		return nil, ErrAlreadyBound
	}
	first, err := multiaddr.First(addr)
	if err != nil {
		return nil, err
	}
	listen, ok := lookupListener(first.Code)
	if !ok {
		return nil, fmt.Errorf("%w %s", multiaddr.ErrUnsupportedProtocol, first.Name)
	}
	lis, local, err := listen(ctx, addr, &b.config)
	if err != nil {
		return nil, err
	}
	b.bound = true

	cancel := &CancelHandle{ch: make(chan struct{})}
	b.log.Info("bound server",
		zap.Stringer("addr", local),
		zap.Stringer("listener", lis.Addr()),
	)
	return &Server{
		server:          b.server,
		listener:        lis,
		localAddr:       local,
		health:          b.health,
		log:             b.log,
		shutdownTimeout: b.config.GracefulShutdownTimeout.Std(),
		cancel:          cancel,
		shutdown:        cancel.ch,
	}, nil
}

// CancelHandle stops a running server.
type CancelHandle struct {
	ch   chan struct{}
	once sync.Once
}

// Cancel asks the server to drain and stop. Calls after the first are no-ops.
func (h *CancelHandle) Cancel() {
	h.once.Do(func() { close(h.ch) })
}

// Server is a bound server ready to serve.
type Server struct {
	server          *grpc.Server
	listener        net.Listener
	localAddr       multiaddr.Multiaddr
	health          HealthReporter
	log             *zap.Logger
	shutdownTimeout time.Duration

	cancelMu sync.Mutex
	cancel   *CancelHandle
	shutdown <-chan struct{}

	served atomic.Bool
}

// LocalAddr returns the bound address.
func (s *Server) LocalAddr() multiaddr.Multiaddr {
	return s.localAddr
}

// HealthReporter returns the reporter of this server.
func (s *Server) HealthReporter() HealthReporter {
	return s.health
}

// TakeCancelHandle returns the cancel handle on the first call and nil on
// every later one.
func (s *Server) TakeCancelHandle() *CancelHandle {
	s.cancelMu.Lock()
	defer s.cancelMu.Unlock()
	h := s.cancel
	s.cancel = nil
	return h
}

// Serve accepts connections until the cancel handle fires or ctx is done,
// then drains in-flight requests. It returns nil after a clean shutdown and
// the transport error otherwise.
func (s *Server) Serve(ctx context.Context) error {
	if s.served.Swap(true) {
		return ErrAlreadyServed
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.server.Serve(s.listener)
	}()
	s.log.Info("serving", zap.Stringer("addr", s.localAddr))

	select {
	case err := <-errCh:
		s.health.shutdown()
		if err != nil {
			return fmt.Errorf("serve %s: %w", s.localAddr, err)
		}
		return nil
	case <-s.shutdown:
		s.log.Info("cancel requested", zap.Stringer("addr", s.localAddr))
	case <-ctx.Done():
		s.log.Info("context done", zap.Stringer("addr", s.localAddr), zap.Error(ctx.Err()))
	}

	s.stop()
	if err := <-errCh; err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("serve %s: %w", s.localAddr, err)
	}
	s.log.Info("stopped", zap.Stringer("addr", s.localAddr))
	return nil
}

func (s *Server) stop() {
	s.health.shutdown()
	if s.shutdownTimeout <= 0 {
		s.server.GracefulStop()
		return
	}

	done := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(done)
	}()
	timer := time.NewTimer(s.shutdownTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		s.log.Warn("graceful shutdown timed out, closing connections",
			zap.Duration("timeout", s.shutdownTimeout),
		)
		s.server.Stop()
		<-done
	}
}
