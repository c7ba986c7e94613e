// Package nats embeds a NATS server in-process as the transport for
// external event-bus subscribers and wraps a client connection to it.
package nats

import (
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
)

// EmbeddedServerConfig configures the in-process NATS server.
type EmbeddedServerConfig struct {
	Port int // 0 picks an OS-assigned port
}

// EmbeddedServer wraps a *server.Server lifecycle.
type EmbeddedServer struct {
	server  *server.Server
	config  EmbeddedServerConfig
	mu      sync.RWMutex
	running bool
}

// NewEmbeddedServer returns an unstarted server for config; it does
// not validate config and always returns a nil error.
func NewEmbeddedServer(config EmbeddedServerConfig) (*EmbeddedServer, error) {
	return &EmbeddedServer{config: config}, nil
}

// Start boots the embedded server and blocks until it accepts
// connections or 10s elapse.
func (e *EmbeddedServer) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return fmt.Errorf("nats server already running")
	}

	opts := &server.Options{
		Host:       "127.0.0.1",
		Port:       e.config.Port,
		NoSigs:     true,
		MaxPayload: 1024 * 1024,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return fmt.Errorf("creating embedded nats server: %w", err)
	}

	e.server = ns
	go ns.Start()

	if !ns.ReadyForConnections(10 * time.Second) {
		return fmt.Errorf("embedded nats server not ready for connections")
	}

	e.running = true
	return nil
}

// Shutdown stops the server, waiting for it to drain.
func (e *EmbeddedServer) Shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running || e.server == nil {
		return
	}
	e.server.Shutdown()
	e.server.WaitForShutdown()
	e.running = false
	e.server = nil
}

// URL returns the nats:// connection string for this server.
func (e *EmbeddedServer) URL() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.server == nil {
		return fmt.Sprintf("nats://127.0.0.1:%d", e.config.Port)
	}
	return e.server.ClientURL()
}

// IsRunning reports whether Start has succeeded and Shutdown has not
// yet been called.
func (e *EmbeddedServer) IsRunning() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running
}
