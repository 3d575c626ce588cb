// Package natstest runs an embedded JetStream enabled NATS server for tests.
package natstest

import (
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/require"
)

// Server starts an embedded NATS server on a random port.  It is shut down when the test ends.
func Server(t testing.TB) *server.Server {
	t.Helper()
	nsvr, err := server.NewServer(&server.Options{
		Host:      "127.0.0.1",
		Port:      server.RANDOM_PORT,
		JetStream: true,
		StoreDir:  t.TempDir(),
		NoLog:     true,
		NoSigs:    true,
	})
	require.NoError(t, err)
	go nsvr.Start()
	if !nsvr.ReadyForConnections(5 * time.Second) {
		t.Fatal("nats server not ready for connections")
	}
	t.Cleanup(func() {
		nsvr.Shutdown()
		nsvr.WaitForShutdown()
	})
	return nsvr
}

// Connect starts an embedded server and returns a connection and JetStream context to it.
func Connect(t testing.TB) (*nats.Conn, jetstream.JetStream) {
	t.Helper()
	nsvr := Server(t)
	nc, err := nats.Connect(nsvr.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)
	js, err := jetstream.New(nc)
	require.NoError(t, err)
	return nc, js
}
