// Package queue wraps the NATS transport: the durable PHOTOS work
// stream for processing tasks and the non-durable per-route completion
// subjects.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	// AckWait bounds in-flight task processing; tasks may involve
	// several image transcodes.
	AckWait = 120 * time.Second
	// MaxDeliver caps redelivery. A task undelivered three times is
	// poisoned and dropped by the transport.
	MaxDeliver = 3
)

type Client struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	logger *zap.Logger
}

func Connect(url, name string, logger *zap.Logger) (*Client, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("creating jetstream context: %w", err)
	}

	return &Client{nc: nc, js: js, logger: logger}, nil
}

func (c *Client) Close() {
	c.nc.Close()
}

func (c *Client) IsConnected() bool {
	return c.nc.Status() == nats.CONNECTED
}

// EnsureStream creates the PHOTOS stream if it does not exist.
func (c *Client) EnsureStream() error {
	_, err := c.js.StreamInfo(StreamName)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("looking up stream %s: %w", StreamName, err)
	}

	_, err = c.js.AddStream(&nats.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{TaskSubject},
		Retention: nats.WorkQueuePolicy,
		Storage:   nats.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("creating stream %s: %w", StreamName, err)
	}
	c.logger.Info("created stream", zap.String("stream", StreamName))
	return nil
}

// PublishTask enqueues a task on the durable stream.
func (c *Client) PublishTask(ctx context.Context, task Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshaling task: %w", err)
	}
	if _, err := c.js.Publish(TaskSubject, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publishing task: %w", err)
	}
	return nil
}

// PublishCompletion fires a completion event on the route's subject.
// Not persisted; subscribers must tolerate missed messages.
func (c *Client) PublishCompletion(routeID uuid.UUID, payload []byte) error {
	return c.nc.Publish(CompletionSubject(routeID), payload)
}

// SubscribeCompletions delivers completion events for all routes to
// the handler along with the parsed route id.
func (c *Client) SubscribeCompletions(handler func(routeID uuid.UUID, payload []byte)) (*nats.Subscription, error) {
	sub, err := c.nc.Subscribe(CompletionWildcard, func(msg *nats.Msg) {
		routeID, err := RouteIDFromSubject(msg.Subject)
		if err != nil {
			c.logger.Warn("ignoring completion event with bad subject",
				zap.String("subject", msg.Subject),
				zap.Error(err),
			)
			return
		}
		handler(routeID, msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", CompletionWildcard, err)
	}
	return sub, nil
}

// Consumer is the durable pull consumer shared by worker instances.
type Consumer struct {
	sub    *nats.Subscription
	logger *zap.Logger
}

func NewConsumer(c *Client) (*Consumer, error) {
	sub, err := c.js.PullSubscribe(TaskSubject, DurableConsumer,
		nats.AckWait(AckWait),
		nats.MaxDeliver(MaxDeliver),
		nats.ManualAck(),
		nats.BindStream(StreamName),
	)
	if err != nil {
		return nil, fmt.Errorf("creating durable consumer %s: %w", DurableConsumer, err)
	}
	return &Consumer{sub: sub, logger: c.logger}, nil
}

// TaskMsg is one delivered task. Ack destroys it; leaving it unacked
// triggers redelivery after AckWait.
type TaskMsg struct {
	msg *nats.Msg
}

func (m *TaskMsg) Data() []byte { return m.msg.Data }
func (m *TaskMsg) Ack() error   { return m.msg.Ack() }

// Fetch pulls the next task, one at a time. Returns (nil, nil) when
// the wait expired with nothing to do.
func (c *Consumer) Fetch(ctx context.Context) (*TaskMsg, error) {
	msgs, err := c.sub.Fetch(1, nats.Context(ctx))
	if err != nil {
		if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	return &TaskMsg{msg: msgs[0]}, nil
}
