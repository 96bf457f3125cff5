package hermes

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Subjects of import lifecycle events.
const (
	SubjectBatchCommitted  = "swarm.archivist.import.batch.committed"
	SubjectImportCompleted = "swarm.archivist.import.completed"
	SubjectImportAll       = "swarm.archivist.import.>"
)

// BatchCommitted is emitted after each committed batch of an import run.
type BatchCommitted struct {
	RunID       string `json:"run_id"`
	Source      string `json:"source"`
	Root        string `json:"root"`
	Offset      int64  `json:"offset"`
	Committed   int64  `json:"committed"`
	Imported    int    `json:"imported"`
	Duplicates  int    `json:"duplicates"`
	Attachments int    `json:"attachments"`
}

// ImportCompleted is emitted once per source root when a run ends, successfully or not.
type ImportCompleted struct {
	RunID      string `json:"run_id"`
	Source     string `json:"source"`
	Root       string `json:"root"`
	State      string `json:"state"`
	Imported   int    `json:"imported"`
	Duplicates int    `json:"duplicates"`
	Unresolved int    `json:"unresolved"`
	Corrupt    int    `json:"corrupt"`
	Committed  int64  `json:"committed"`
	Error      string `json:"error,omitempty"`
}

type Client struct {
	conn   *nats.Conn
	subs   []*nats.Subscription
	logger *slog.Logger
}

func NewClient(ctx context.Context, url, token string, logger *slog.Logger) (*Client, error) {
	opts := []nats.Option{
		nats.Name("archivist"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(60),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("nats reconnected")
		}),
	}
	if token != "" {
		opts = append(opts, nats.Token(token))
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	return &Client{conn: nc, logger: logger}, nil
}

func (c *Client) Publish(subject string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	return c.conn.Publish(subject, payload)
}

func (c *Client) Subscribe(subject string, handler func(subject string, data []byte)) error {
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Subject, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	c.subs = append(c.subs, sub)
	c.logger.Info("subscribed", "subject", subject)
	return nil
}

// Close drains pending publishes before closing the connection.
func (c *Client) Close() {
	for _, sub := range c.subs {
		_ = sub.Unsubscribe()
	}
	if err := c.conn.Drain(); err != nil {
		c.conn.Close()
	}
}
