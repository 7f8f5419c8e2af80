// Package messaging publishes pairchat lifecycle events on NATS for
// consumers outside the process, such as analytics and moderation tools.
// Publishing is fire-and-forget: the server never waits on a subscriber.
package messaging

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
)

// Subjects published by the server.
const (
	SubjectRoomOpened   = "pairchat.room.opened"
	SubjectRoomClosed   = "pairchat.room.closed"
	SubjectReportFiled  = "pairchat.report.filed"
	SubjectGraceExpired = "pairchat.session.expired"
)

// Config holds NATS connection settings.
type Config struct {
	URL           string
	Name          string        // client name shown in server monitoring
	ReconnectWait time.Duration // pause between reconnect attempts
	MaxReconnects int           // -1 retries forever
	DrainTimeout  time.Duration // bound on flushing buffered events at Close
}

// DefaultConfig returns the settings used when only the URL is configured.
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		Name:          "pairchat",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
		DrainTimeout:  5 * time.Second,
	}
}

// Client publishes JSON events. While NATS is unreachable the client
// buffers publishes and replays them on reconnect.
type Client struct {
	conn *nats.Conn
}

// Connect dials NATS. The initial dial must succeed.
func Connect(cfg Config) (*Client, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DrainTimeout(cfg.DrainTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Printf("[nats] disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("messaging: connect %s: %w", cfg.URL, err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())
	return &Client{conn: nc}, nil
}

// PublishJSON encodes v and publishes it on subject.
func (c *Client) PublishJSON(subject string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("messaging: encode %s: %w", subject, err)
	}
	if err := c.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("messaging: publish %s: %w", subject, err)
	}
	return nil
}

// Close drains buffered events and closes the connection.
func (c *Client) Close() {
	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] drain: %v", err)
		c.conn.Close()
	}
}
