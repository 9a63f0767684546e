package queue

import (
	"fmt"
	"os"
	"time"

	"github.com/nats-io/nats-server/v2/server"
)

const (
	// DefaultEmbeddedPort is the TCP port for the embedded NATS server.
	DefaultEmbeddedPort = 4222

	// Embedded JetStream limits: 256 MiB memory, 1 GiB file storage.
	embeddedMaxMem   = 256 << 20
	embeddedMaxStore = 1 << 30
)

// EmbeddedServer wraps an embedded NATS server with JetStream. Single-process
// `serve` starts one when no external QUEUE_URL is configured.
type EmbeddedServer struct {
	server *server.Server
	port   int
}

// EmbeddedConfig holds configuration for the embedded server.
type EmbeddedConfig struct {
	Port     int
	StoreDir string
	Token    string
}

// StartEmbedded creates and starts an embedded NATS server with JetStream.
func StartEmbedded(cfg EmbeddedConfig) (*EmbeddedServer, error) {
	if cfg.Port == 0 {
		cfg.Port = DefaultEmbeddedPort
	}
	if err := os.MkdirAll(cfg.StoreDir, 0o700); err != nil {
		return nil, fmt.Errorf("queue: create store dir: %w", err)
	}

	opts := &server.Options{
		ServerName:         "postured",
		Host:               "127.0.0.1",
		Port:               cfg.Port,
		JetStream:          true,
		JetStreamMaxMemory: embeddedMaxMem,
		JetStreamMaxStore:  embeddedMaxStore,
		StoreDir:           cfg.StoreDir,
		NoLog:              true,
		NoSigs:             true,
	}
	if cfg.Token != "" {
		opts.Authorization = cfg.Token
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("queue: create server: %w", err)
	}

	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("queue: server not ready within 10s")
	}

	return &EmbeddedServer{server: ns, port: cfg.Port}, nil
}

// URL returns the client connection URL.
func (s *EmbeddedServer) URL() string {
	return fmt.Sprintf("nats://127.0.0.1:%d", s.port)
}

// Shutdown stops the server and waits for completion.
func (s *EmbeddedServer) Shutdown() {
	if s.server != nil {
		s.server.Shutdown()
		s.server.WaitForShutdown()
	}
}
