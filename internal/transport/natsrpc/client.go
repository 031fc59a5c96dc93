package natsrpc

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/propagation"

	"conductor/internal/stage"
	"conductor/internal/wire"
)

// Client is the master-side handle on one remote worker. It satisfies
// protocol.Slave and protocol.Pinger.
type Client struct {
	conn  *nats.Conn
	index int
	opts  options
}

func NewClient(conn *nats.Conn, index int, opts ...Option) *Client {
	return &Client{conn: conn, index: index, opts: buildOptions(opts)}
}

func (c *Client) Index() int { return c.index }

// Execute sends spec and waits for the ack until ctx is done.
func (c *Client) Execute(ctx context.Context, spec stage.Spec) (stage.Ack, error) {
	msg := nats.NewMsg(ExecuteSubject(c.opts.prefix, c.index))
	msg.Data = wire.MarshalSpec(spec)
	c.opts.propagator.Inject(ctx, propagation.HeaderCarrier(msg.Header))

	reply, err := c.conn.RequestMsgWithContext(ctx, msg)
	if err != nil {
		return stage.Ack{}, c.requestError(err)
	}
	ack, err := wire.UnmarshalAck(reply.Data)
	if err != nil {
		return stage.Ack{}, fmt.Errorf("worker %d: decoding ack: %w", c.index, err)
	}
	return ack, nil
}

// Ping checks that the worker is subscribed and answering.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.conn.RequestWithContext(ctx, PingSubject(c.opts.prefix, c.index), nil); err != nil {
		return c.requestError(err)
	}
	return nil
}

func (c *Client) requestError(err error) error {
	if errors.Is(err, nats.ErrNoResponders) {
		return fmt.Errorf("worker %d is not listening: %w", c.index, err)
	}
	return fmt.Errorf("worker %d: %w", c.index, err)
}
