package server

import (
	"context"
	"io"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/shar-workflow/taskflow/internal/natstest"
	"gitlab.com/shar-workflow/taskflow/model"
	"gitlab.com/shar-workflow/taskflow/server/config"
	"gitlab.com/shar-workflow/taskflow/server/server/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	grpcHealth "google.golang.org/grpc/health/grpc_health_v1"
)

func start(t *testing.T, opts ...option.Option) *Server {
	t.Helper()
	s := New(opts...)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		assert.NoError(t, s.Shutdown(ctx))
	})
	return s
}

func TestHealthAndMetrics(t *testing.T) {
	s := start(t,
		option.Transport(config.TransportNone),
		option.GrpcPort(0),
		option.MetricsPort(0),
		option.WithModels("testdata/echo.yaml"),
	)
	assert.True(t, s.Ready())
	_, ok := s.Model("echo")
	assert.True(t, ok)

	cc, err := grpc.NewClient(s.GrpcAddr(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer cc.Close()
	res, err := grpcHealth.NewHealthClient(cc).Check(context.Background(), &grpcHealth.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, grpcHealth.HealthCheckResponse_SERVING, res.Status)

	resp, err := http.Get("http://" + s.MetricsAddr() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(b), "taskflow_models_published_total 1")
	assert.Contains(t, string(b), "taskflow_gateway_in_flight")
}

func TestShutdownStopsServing(t *testing.T) {
	s := New(option.Transport(config.TransportNone), option.WithNoHealthServer(), option.WithNoMetricsServer())
	require.NoError(t, s.Start(context.Background()))
	assert.True(t, s.Ready())
	assert.Empty(t, s.GrpcAddr())
	require.NoError(t, s.Shutdown(context.Background()))
	assert.False(t, s.Ready())
	assert.NoError(t, s.Shutdown(context.Background()))
}

func TestStartFailsOnBadModel(t *testing.T) {
	s := New(
		option.Transport(config.TransportNone),
		option.WithNoHealthServer(),
		option.WithNoMetricsServer(),
		option.WithModels("testdata/missing.yaml"),
	)
	assert.Error(t, s.Start(context.Background()))
	assert.False(t, s.Ready())
}

func TestNatsStoreAndTransport(t *testing.T) {
	nsvr := natstest.Server(t)

	responder, err := nats.Connect(nsvr.ClientURL())
	require.NoError(t, err)
	t.Cleanup(responder.Close)
	received := make(chan *nats.Msg, 1)
	sub, err := responder.Subscribe("taskflow.test.work", func(msg *nats.Msg) {
		received <- msg
		_ = msg.Respond(nil)
	})
	require.NoError(t, err)
	require.NoError(t, sub.AutoUnsubscribe(1))
	require.NoError(t, responder.Flush())

	s := start(t,
		option.NatsURL(nsvr.ClientURL()),
		option.Store(config.StoreNats, ""),
		option.Ephemeral(true),
		option.Transport(config.TransportNats),
		option.WithNoHealthServer(),
		option.WithNoMetricsServer(),
		option.WithModels("testdata/echo.yaml"),
	)
	mh, ok := s.Model("echo")
	require.True(t, ok)

	ctx := context.Background()
	h, err := s.Engine().StartProcess(ctx, mh, "echo-1", nil, "alice")
	require.NoError(t, err)

	select {
	case msg := <-received:
		assert.NotEmpty(t, msg.Header.Get("taskflow-instance"))
	case <-time.After(5 * time.Second):
		t.Fatal("no message received")
	}
	assert.Eventually(t, func() bool {
		pi, err := s.Engine().GetInstance(ctx, h, "alice")
		return err == nil && pi.State == model.InstanceStateFinished
	}, 5*time.Second, 10*time.Millisecond)
}

func TestFileStoresPersistModels(t *testing.T) {
	for _, kind := range []string{config.StoreBolt, config.StoreSQLite} {
		t.Run(kind, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "taskflow.db")
			opts := []option.Option{
				option.Store(kind, path),
				option.Transport(config.TransportNone),
				option.WithNoHealthServer(),
				option.WithNoMetricsServer(),
			}

			first := New(append(opts, option.WithModels("testdata/echo.yaml"))...)
			require.NoError(t, first.Start(context.Background()))
			mh, ok := first.Model("echo")
			require.True(t, ok)
			require.NoError(t, first.Shutdown(context.Background()))

			second := start(t, opts...)
			proc, err := second.Engine().GetModel(context.Background(), mh, SystemPrincipal)
			require.NoError(t, err)
			assert.Equal(t, "echo", proc.Name)
			assert.True(t, proc.Published)
		})
	}
}
