package nats

import (
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"go.uber.org/zap"
)

// EmbeddedServer runs an in-process NATS server with JetStream
// enabled, so single-node deployments and smoke tests need no external
// broker and `orchestratord` stays one binary.
type EmbeddedServer struct {
	srv *server.Server
	log *zap.Logger
}

// StartEmbedded boots a JetStream-enabled server on an ephemeral port
// and waits for it to be ready.
func StartEmbedded(name, storeDir string, log *zap.Logger) (*EmbeddedServer, error) {
	opts := &server.Options{
		ServerName: name,
		Host:       "127.0.0.1",
		Port:       server.RANDOM_PORT,
		JetStream:  true,
		StoreDir:   storeDir,
		NoSigs:     true,
		NoLog:      true,
	}
	srv, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("build embedded nats server: %w", err)
	}

	go srv.Start()
	if !srv.ReadyForConnections(10 * time.Second) {
		srv.Shutdown()
		return nil, fmt.Errorf("embedded nats server not ready within 10s")
	}

	log.Info("embedded nats server started", zap.String("url", srv.ClientURL()))
	return &EmbeddedServer{srv: srv, log: log}, nil
}

// ClientURL is the URL Connect should dial.
func (e *EmbeddedServer) ClientURL() string { return e.srv.ClientURL() }

// Shutdown stops the server and waits for it to exit.
func (e *EmbeddedServer) Shutdown() {
	e.srv.Shutdown()
	e.srv.WaitForShutdown()
}
