// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package netrpc

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/stats"
	"google.golang.org/grpc/status"
)

// Requests pass the layers outermost first:
//
//	per-connection limit -> timeout -> load shed -> global limit -> logging -> handler
//
// Load shedding only changes how the global limit is acquired, so it must sit
// directly outside of it.
//
// A limit permit covers a request until its response starts. Streams hand the
// permit back on their first header or message, so a long lived stream such
// as a health Watch does not hold it. The timeout bounds unary calls only.
type layers struct {
	unary  []grpc.UnaryServerInterceptor
	stream []grpc.StreamServerInterceptor
	stats  []stats.Handler
}

func buildLayers(cfg *Config, log *zap.Logger) layers {
	var l layers

	if v := cfg.ConcurrencyLimitPerConnection; v != nil {
		l.stats = append(l.stats, &connLimiter{limit: int64(*v)})
		l.unary = append(l.unary, connLimitUnary)
		l.stream = append(l.stream, connLimitStream)
	}
	if timeout := cfg.RequestTimeout.Std(); timeout > 0 {
		l.unary = append(l.unary, timeoutUnary(timeout))
	}
	if cfg.LoadShed != nil && *cfg.LoadShed {
		l.unary = append(l.unary, loadShedUnary)
		l.stream = append(l.stream, loadShedStream)
	}
	if v := cfg.GlobalConcurrencyLimit; v != nil {
		g := &globalLimit{sem: semaphore.NewWeighted(int64(*v))}
		l.unary = append(l.unary, g.unary)
		l.stream = append(l.stream, g.stream)
	}
	l.unary = append(l.unary, logUnary(log))
	l.stream = append(l.stream, logStream(log))
	return l
}

// wrappedStream overrides the context of a server stream.
type wrappedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *wrappedStream) Context() context.Context {
	return s.ctx
}

func withContext(ss grpc.ServerStream, ctx context.Context) grpc.ServerStream {
	return &wrappedStream{ServerStream: ss, ctx: ctx}
}

// releasingStream runs release once, when the handler first sends or returns.
type releasingStream struct {
	grpc.ServerStream
	release func()
}

func (s *releasingStream) SendHeader(md metadata.MD) error {
	s.release()
	return s.ServerStream.SendHeader(md)
}

func (s *releasingStream) SendMsg(m interface{}) error {
	s.release()
	return s.ServerStream.SendMsg(m)
}

func handleReleasing(srv interface{}, ss grpc.ServerStream, handler grpc.StreamHandler, release func()) error {
	once := sync.OnceFunc(release)
	defer once()
	return handler(srv, &releasingStream{ServerStream: ss, release: once})
}

type connLimitKey struct{}

// connLimiter attaches a fresh semaphore to every accepted connection.
type connLimiter struct {
	limit int64
}

func (c *connLimiter) TagConn(ctx context.Context, _ *stats.ConnTagInfo) context.Context {
	return context.WithValue(ctx, connLimitKey{}, semaphore.NewWeighted(c.limit))
}

func (*connLimiter) HandleConn(context.Context, stats.ConnStats) {}

func (*connLimiter) TagRPC(ctx context.Context, _ *stats.RPCTagInfo) context.Context {
	return ctx
}

func (*connLimiter) HandleRPC(context.Context, stats.RPCStats) {}

func acquireConn(ctx context.Context) (func(), error) {
	sem, ok := ctx.Value(connLimitKey{}).(*semaphore.Weighted)
	if !ok {
		return func() {}, nil
	}
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, status.FromContextError(err).Err()
	}
	return func() { sem.Release(1) }, nil
}

func connLimitUnary(ctx context.Context, req interface{}, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	release, err := acquireConn(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	return handler(ctx, req)
}

func connLimitStream(srv interface{}, ss grpc.ServerStream, _ *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	release, err := acquireConn(ss.Context())
	if err != nil {
		return err
	}
	return handleReleasing(srv, ss, handler, release)
}

func timeoutUnary(timeout time.Duration) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		type result struct {
			resp interface{}
			err  error
		}
		done := make(chan result, 1)
		go func() {
			resp, err := handler(ctx, req)
			done <- result{resp, err}
		}()

		select {
		case r := <-done:
			return r.resp, r.err
		case <-ctx.Done():
			return nil, status.FromContextError(ctx.Err()).Err()
		}
	}
}

type loadShedKey struct{}

// errOverloaded is returned by the global limit when shedding is on and no
// permit is free.
var errOverloaded = errors.New("overloaded")

func shed(err error) error {
	if errors.Is(err, errOverloaded) {
		return status.Error(codes.Unavailable, "service overloaded")
	}
	return err
}

func loadShedUnary(ctx context.Context, req interface{}, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	resp, err := handler(context.WithValue(ctx, loadShedKey{}, true), req)
	return resp, shed(err)
}

func loadShedStream(srv interface{}, ss grpc.ServerStream, _ *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	ctx := context.WithValue(ss.Context(), loadShedKey{}, true)
	return shed(handler(srv, withContext(ss, ctx)))
}

// globalLimit bounds in-flight requests across all connections.
type globalLimit struct {
	sem *semaphore.Weighted
}

func (g *globalLimit) acquire(ctx context.Context) (func(), error) {
	if shedding, _ := ctx.Value(loadShedKey{}).(bool); shedding {
		if !g.sem.TryAcquire(1) {
			return nil, errOverloaded
		}
	} else if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, status.FromContextError(err).Err()
	}
	return func() { g.sem.Release(1) }, nil
}

func (g *globalLimit) unary(ctx context.Context, req interface{}, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	release, err := g.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	return handler(ctx, req)
}

func (g *globalLimit) stream(srv interface{}, ss grpc.ServerStream, _ *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	release, err := g.acquire(ss.Context())
	if err != nil {
		return err
	}
	return handleReleasing(srv, ss, handler, release)
}

func logUnary(log *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logCall(log, info.FullMethod, start, err)
		return resp, err
	}
}

func logStream(log *zap.Logger) grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		err := handler(srv, ss)
		logCall(log, info.FullMethod, start, err)
		return err
	}
}

func logCall(log *zap.Logger, method string, start time.Time, err error) {
	if ce := log.Check(zap.DebugLevel, "handled rpc"); ce != nil {
		ce.Write(
			zap.String("method", method),
			zap.Stringer("code", status.Code(err)),
			zap.Duration("duration", time.Since(start)),
		)
	}
}
