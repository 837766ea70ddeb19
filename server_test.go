// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package netrpc

import (
	"context"
	"io/fs"
	"math"
	"net"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"

	"github.com/luxfi/netrpc/multiaddr"
)

type sleeperServer interface {
	Sleep(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
}

var sleeperDesc = grpc.ServiceDesc{
	ServiceName: "test.Sleeper",
	HandlerType: (*sleeperServer)(nil),
	Methods: []grpc.MethodDesc{{
		MethodName: "Sleep",
		Handler:    sleepHandler,
	}},
	Metadata: "sleeper.proto",
}

func sleepHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(sleeperServer).Sleep(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/test.Sleeper/Sleep"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(sleeperServer).Sleep(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

// sleeper blocks every call until release is closed.
type sleeper struct {
	entered chan struct{}
	release chan struct{}
}

func newSleeper() *sleeper {
	return &sleeper{
		entered: make(chan struct{}, 16),
		release: make(chan struct{}),
	}
}

func (s *sleeper) Sleep(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	s.entered <- struct{}{}
	select {
	case <-s.release:
		return &emptypb.Empty{}, nil
	case <-ctx.Done():
		return nil, status.FromContextError(ctx.Err()).Err()
	}
}

func (s *sleeper) waitEntered(t *testing.T) {
	t.Helper()
	select {
	case <-s.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("call never reached the handler")
	}
}

func (s *sleeper) assertNotEntered(t *testing.T) {
	t.Helper()
	select {
	case <-s.entered:
		t.Fatal("call reached the handler")
	case <-time.After(100 * time.Millisecond):
	}
}

func callSleep(ctx context.Context, conn *grpc.ClientConn) error {
	return conn.Invoke(ctx, "/test.Sleeper/Sleep", &emptypb.Empty{}, &emptypb.Empty{})
}

func testLogger(t *testing.T) *zap.Logger {
	return zaptest.NewLogger(t, zaptest.Level(zap.InfoLevel))
}

// startServer binds addr and serves until the test ends.
func startServer(t *testing.T, cfg *Config, addr multiaddr.Multiaddr, svc *sleeper) *Server {
	t.Helper()
	b := FromConfig(cfg, WithLogger(testLogger(t)))
	if svc != nil {
		b.AddService(&sleeperDesc, svc)
	}
	srv, err := b.Bind(context.Background(), addr)
	require.NoError(t, err)

	cancel := srv.TakeCancelHandle()
	require.NotNil(t, cancel)
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(context.Background())
	}()
	t.Cleanup(func() {
		cancel.Cancel()
		require.NoError(t, <-errCh)
	})
	return srv
}

func dial(t *testing.T, cfg *Config, addr multiaddr.Multiaddr) *grpc.ClientConn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := cfg.Connect(ctx, addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// healthCheckThenCancel binds addr, checks the server health over a fresh
// channel, then cancels and waits for Serve to return.
func healthCheckThenCancel(t *testing.T, addr multiaddr.Multiaddr) *Server {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg := NewConfig()
	srv, err := FromConfig(cfg, WithLogger(testLogger(t))).Bind(ctx, addr)
	require.NoError(t, err)
	handle := srv.TakeCancelHandle()
	require.NotNil(t, handle)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ctx)
	}()

	conn, err := cfg.Connect(ctx, srv.LocalAddr())
	require.NoError(t, err)
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())

	handle.Cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("server did not stop after cancel")
	}
	return srv
}

func TestServeDNS(t *testing.T) {
	srv := healthCheckThenCancel(t, multiaddr.MustParse("/dns/localhost/tcp/0/http"))
	port, err := multiaddr.TCPPort(srv.LocalAddr())
	require.NoError(t, err)
	assert.NotZero(t, port)
}

func TestServeIP4(t *testing.T) {
	srv := healthCheckThenCancel(t, multiaddr.MustParse("/ip4/127.0.0.1/tcp/0/http"))
	port, err := multiaddr.TCPPort(srv.LocalAddr())
	require.NoError(t, err)
	assert.NotZero(t, port)
	assert.Equal(t, "/ip4/127.0.0.1/tcp/"+strconv.Itoa(int(port))+"/http", srv.LocalAddr().String())
}

func TestServeIP6(t *testing.T) {
	lis, err := net.Listen("tcp6", "[::1]:0")
	if err != nil {
		t.Skipf("ipv6 loopback unavailable: %v", err)
	}
	require.NoError(t, lis.Close())

	srv := healthCheckThenCancel(t, multiaddr.MustParse("/ip6/::1/tcp/0/http"))
	port, err := multiaddr.TCPPort(srv.LocalAddr())
	require.NoError(t, err)
	assert.NotZero(t, port)
}

func TestServeUnix(t *testing.T) {
	t.Chdir(t.TempDir())

	addr, err := multiaddr.Unix("unix-domain-socket")
	require.NoError(t, err)
	srv := healthCheckThenCancel(t, addr)
	assert.True(t, addr.Equal(srv.LocalAddr()))

	_, err = os.Stat("unix-domain-socket")
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func TestBindMissingHTTPMarker(t *testing.T) {
	for _, s := range []string{
		"/ip4/127.0.0.1/tcp/0",
		"/dns/localhost/tcp/0",
		"/ip4/127.0.0.1/tcp/0/tcp/1",
	} {
		addr := multiaddr.MustParse(s)
		_, err := FromConfig(nil).Bind(context.Background(), addr)
		require.ErrorIs(t, err, multiaddr.ErrMalformedAddress, s)
	}
}

func TestBindUnsupportedProtocol(t *testing.T) {
	addr := multiaddr.MustParse("/tcp/0/http")
	_, err := FromConfig(nil).Bind(context.Background(), addr)
	require.ErrorIs(t, err, multiaddr.ErrUnsupportedProtocol)
	assert.EqualError(t, err, "unsupported protocol tcp")
}

func TestBindOnce(t *testing.T) {
	b := FromConfig(nil)
	srv, err := b.Bind(context.Background(), multiaddr.MustParse("/ip4/127.0.0.1/tcp/0/http"))
	require.NoError(t, err)
	defer srv.listener.Close()

	_, err = b.Bind(context.Background(), multiaddr.MustParse("/ip4/127.0.0.1/tcp/0/http"))
	require.ErrorIs(t, err, ErrAlreadyBound)
}

func TestTakeCancelHandleOnce(t *testing.T) {
	srv, err := FromConfig(nil).Bind(context.Background(), multiaddr.MustParse("/ip4/127.0.0.1/tcp/0/http"))
	require.NoError(t, err)

	handle := srv.TakeCancelHandle()
	require.NotNil(t, handle)
	require.Nil(t, srv.TakeCancelHandle())

	// Cancelling before Serve makes Serve return right away.
	handle.Cancel()
	handle.Cancel()
	require.NoError(t, srv.Serve(context.Background()))
	require.ErrorIs(t, srv.Serve(context.Background()), ErrAlreadyServed)
}

func TestServeStopsOnContext(t *testing.T) {
	srv, err := FromConfig(nil).Bind(context.Background(), multiaddr.MustParse("/ip4/127.0.0.1/tcp/0/http"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ctx)
	}()
	cancel()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, srv.HealthReporter().Status(""))
}

func TestLoadShed(t *testing.T) {
	cfg := &Config{
		GlobalConcurrencyLimit: Ptr[uint32](1),
		LoadShed:               Ptr(true),
	}
	svc := newSleeper()
	srv := startServer(t, cfg, multiaddr.MustParse("/ip4/127.0.0.1/tcp/0/http"), svc)
	conn := dial(t, NewConfig(), srv.LocalAddr())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	first := make(chan error, 1)
	go func() {
		first <- callSleep(ctx, conn)
	}()
	svc.waitEntered(t)

	err := callSleep(ctx, conn)
	require.Equal(t, codes.Unavailable, status.Code(err), err)

	close(svc.release)
	require.NoError(t, <-first)
	require.NoError(t, callSleep(ctx, conn))
}

func TestGlobalLimitQueues(t *testing.T) {
	cfg := &Config{GlobalConcurrencyLimit: Ptr[uint32](1)}
	svc := newSleeper()
	srv := startServer(t, cfg, multiaddr.MustParse("/ip4/127.0.0.1/tcp/0/http"), svc)
	conn := dial(t, NewConfig(), srv.LocalAddr())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	results := make(chan error, 2)
	go func() {
		results <- callSleep(ctx, conn)
	}()
	svc.waitEntered(t)
	go func() {
		results <- callSleep(ctx, conn)
	}()
	svc.assertNotEntered(t)

	close(svc.release)
	require.NoError(t, <-results)
	require.NoError(t, <-results)
}

func TestConcurrencyLimitPerConnection(t *testing.T) {
	cfg := &Config{ConcurrencyLimitPerConnection: Ptr[uint32](1)}
	svc := newSleeper()
	srv := startServer(t, cfg, multiaddr.MustParse("/ip4/127.0.0.1/tcp/0/http"), svc)
	connA := dial(t, NewConfig(), srv.LocalAddr())
	connB := dial(t, NewConfig(), srv.LocalAddr())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	results := make(chan error, 3)
	call := func(conn *grpc.ClientConn) {
		go func() {
			results <- callSleep(ctx, conn)
		}()
	}

	call(connA)
	svc.waitEntered(t)
	call(connB)
	svc.waitEntered(t)
	call(connA)
	svc.assertNotEntered(t)

	close(svc.release)
	for range 3 {
		require.NoError(t, <-results)
	}
}

func TestRequestTimeout(t *testing.T) {
	cfg := &Config{RequestTimeout: D(50 * time.Millisecond)}
	svc := newSleeper()
	srv := startServer(t, cfg, multiaddr.MustParse("/ip4/127.0.0.1/tcp/0/http"), svc)
	conn := dial(t, NewConfig(), srv.LocalAddr())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := callSleep(ctx, conn)
	require.Equal(t, codes.DeadlineExceeded, status.Code(err), err)
	require.NoError(t, ctx.Err())
}

func TestClientRequestTimeout(t *testing.T) {
	svc := newSleeper()
	srv := startServer(t, NewConfig(), multiaddr.MustParse("/ip4/127.0.0.1/tcp/0/http"), svc)
	conn := dial(t, &Config{RequestTimeout: D(50 * time.Millisecond)}, srv.LocalAddr())

	err := callSleep(context.Background(), conn)
	require.Equal(t, codes.DeadlineExceeded, status.Code(err), err)
}

func TestGracefulShutdownTimeout(t *testing.T) {
	cfg := &Config{GracefulShutdownTimeout: D(50 * time.Millisecond)}
	svc := newSleeper()
	srv, err := FromConfig(cfg, WithLogger(testLogger(t))).
		AddService(&sleeperDesc, svc).
		Bind(context.Background(), multiaddr.MustParse("/ip4/127.0.0.1/tcp/0/http"))
	require.NoError(t, err)

	handle := srv.TakeCancelHandle()
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(context.Background())
	}()
	conn := dial(t, NewConfig(), srv.LocalAddr())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	callErr := make(chan error, 1)
	go func() {
		callErr <- callSleep(ctx, conn)
	}()
	svc.waitEntered(t)

	handle.Cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server kept draining past the shutdown timeout")
	}
	require.Error(t, <-callErr)
}

func TestHealthReporter(t *testing.T) {
	b := FromConfig(nil).AddService(&sleeperDesc, newSleeper())
	h := b.HealthReporter()

	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, h.Status(""))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVICE_UNKNOWN, h.Status("test.Sleeper"))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVICE_UNKNOWN, h.Status("unknown"))

	h.SetServing("test.Sleeper")
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, h.Status("test.Sleeper"))

	h.SetNotServing("test.Sleeper")
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, h.Status("test.Sleeper"))
	h.ClearServiceStatus("test.Sleeper")
	assert.Equal(t, healthpb.HealthCheckResponse_SERVICE_UNKNOWN, h.Status("test.Sleeper"))

	h.shutdown()
	h.SetServing("")
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, h.Status(""))
}

func TestHealthCheckUnknownService(t *testing.T) {
	srv := startServer(t, NewConfig(), multiaddr.MustParse("/ip4/127.0.0.1/tcp/0/http"), newSleeper())
	srv.HealthReporter().SetServing("test.Sleeper")
	conn := dial(t, NewConfig(), srv.LocalAddr())
	client := healthpb.NewHealthClient(conn)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: "test.Sleeper"})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())

	resp, err = client.Check(ctx, &healthpb.HealthCheckRequest{Service: "unknown"})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVICE_UNKNOWN, resp.GetStatus())

	srv.HealthReporter().SetNotServing("test.Sleeper")
	resp, err = client.Check(ctx, &healthpb.HealthCheckRequest{Service: "test.Sleeper"})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.GetStatus())
}

func TestTransportKnobs(t *testing.T) {
	cfg := &Config{
		TCPNoDelay:                       Ptr(true),
		TCPKeepalive:                     D(time.Minute),
		HTTP2InitialStreamWindowSize:     Ptr[uint32](1 << 20),
		HTTP2InitialConnectionWindowSize: Ptr[uint32](1 << 21),
		HTTP2KeepaliveInterval:           D(10 * time.Second),
		HTTP2KeepaliveTimeout:            D(5 * time.Second),
		HTTP2MaxConcurrentStreams:        Ptr[uint32](8),
	}
	srv := startServer(t, cfg, multiaddr.MustParse("/ip4/127.0.0.1/tcp/0/http"), nil)
	_, ok := srv.listener.(*noDelayListener)
	assert.True(t, ok)

	conn := dial(t, cfg, srv.LocalAddr())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())
}

func TestSupportedProtocols(t *testing.T) {
	protos := SupportedProtocols()
	for _, name := range []string{"dns", "dns4", "dns6", "ip4", "ip6", "unix"} {
		assert.Contains(t, protos, name)
		assert.True(t, HasProtocol(name), name)
	}
	assert.False(t, HasProtocol("udp"))
	assert.False(t, HasProtocol("nope"))
}

// watchSleeper opens a health Watch on test.Sleeper and returns the stream
// once its first status arrived.
func watchSleeper(ctx context.Context, t *testing.T, conn *grpc.ClientConn) healthpb.Health_WatchClient {
	t.Helper()
	stream, err := healthpb.NewHealthClient(conn).Watch(ctx, &healthpb.HealthCheckRequest{Service: "test.Sleeper"})
	require.NoError(t, err)
	resp, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())
	return stream
}

func TestHealthWatch(t *testing.T) {
	srv := startServer(t, NewConfig(), multiaddr.MustParse("/ip4/127.0.0.1/tcp/0/http"), newSleeper())
	srv.HealthReporter().SetServing("test.Sleeper")
	conn := dial(t, NewConfig(), srv.LocalAddr())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream := watchSleeper(ctx, t, conn)
	srv.HealthReporter().SetNotServing("test.Sleeper")
	resp, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.GetStatus())
}

func TestHealthWatchOutlivesRequestTimeout(t *testing.T) {
	cfg := &Config{RequestTimeout: D(100 * time.Millisecond)}
	srv := startServer(t, cfg, multiaddr.MustParse("/ip4/127.0.0.1/tcp/0/http"), newSleeper())
	srv.HealthReporter().SetServing("test.Sleeper")
	conn := dial(t, NewConfig(), srv.LocalAddr())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream := watchSleeper(ctx, t, conn)
	time.Sleep(300 * time.Millisecond)

	srv.HealthReporter().SetNotServing("test.Sleeper")
	resp, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.GetStatus())
}

func TestHealthWatchReleasesLimits(t *testing.T) {
	tests := []struct {
		name string
		cfg  *Config
	}{
		{
			name: "global limit with load shed",
			cfg: &Config{
				GlobalConcurrencyLimit: Ptr[uint32](1),
				LoadShed:               Ptr(true),
			},
		},
		{
			name: "global limit",
			cfg:  &Config{GlobalConcurrencyLimit: Ptr[uint32](1)},
		},
		{
			name: "per connection limit",
			cfg:  &Config{ConcurrencyLimitPerConnection: Ptr[uint32](1)},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newSleeper()
			close(svc.release)
			srv := startServer(t, tt.cfg, multiaddr.MustParse("/ip4/127.0.0.1/tcp/0/http"), svc)
			srv.HealthReporter().SetServing("test.Sleeper")
			conn := dial(t, NewConfig(), srv.LocalAddr())

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			stream := watchSleeper(ctx, t, conn)
			require.NoError(t, callSleep(ctx, conn))

			srv.HealthReporter().SetNotServing("test.Sleeper")
			resp, err := stream.Recv()
			require.NoError(t, err)
			assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.GetStatus())
		})
	}
}

func TestWindowSizeClamps(t *testing.T) {
	assert.Equal(t, int32(1<<20), windowSize(1<<20))
	assert.Equal(t, int32(math.MaxInt32), windowSize(math.MaxInt32))
	assert.Equal(t, int32(math.MaxInt32), windowSize(math.MaxInt32+1))
	assert.Equal(t, int32(math.MaxInt32), windowSize(math.MaxUint32))
}
