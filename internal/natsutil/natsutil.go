// Package natsutil connects to NATS, starting an embedded JetStream server when no
// external URL is configured.
package natsutil

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Conn bundles a NATS connection, its JetStream context and the optional embedded server.
type Conn struct {
	NC       *nats.Conn
	JS       jetstream.JetStream
	embedded *server.Server
}

// Options configures Connect.
type Options struct {
	// URL of an external server. Empty starts an embedded server.
	URL string
	// StoreDir holds embedded JetStream data. Empty uses a temporary directory.
	StoreDir string
	// Name is reported to the server as the client name.
	Name string
}

// Connect dials NATS or starts an embedded server.
func Connect(opts Options) (*Conn, error) {
	c := &Conn{}
	url := opts.URL

	if url == "" {
		ns, err := server.NewServer(&server.Options{
			Port:      -1,
			JetStream: true,
			StoreDir:  opts.StoreDir,
			NoLog:     true,
			NoSigs:    true,
		})
		if err != nil {
			return nil, fmt.Errorf("create embedded NATS server: %w", err)
		}
		go ns.Start()
		if !ns.ReadyForConnections(5 * time.Second) {
			ns.Shutdown()
			return nil, fmt.Errorf("embedded NATS server failed to start")
		}
		c.embedded = ns
		url = ns.ClientURL()
		slog.Info("Started embedded NATS server", "url", url)
	}

	name := opts.Name
	if name == "" {
		name = "draftsmith"
	}
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		c.shutdownEmbedded()
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	c.NC = nc

	js, err := jetstream.New(nc)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}
	c.JS = js
	return c, nil
}

// Embedded reports whether the connection is to an in-process server.
func (c *Conn) Embedded() bool {
	return c.embedded != nil
}

// Close drains the connection and stops the embedded server, if any.
func (c *Conn) Close() {
	if c.NC != nil {
		if err := c.NC.Drain(); err != nil {
			slog.Warn("Failed to drain NATS connection", "error", err)
			c.NC.Close()
		}
	}
	c.shutdownEmbedded()
}

func (c *Conn) shutdownEmbedded() {
	if c.embedded != nil {
		c.embedded.Shutdown()
		c.embedded.WaitForShutdown()
		c.embedded = nil
	}
}
