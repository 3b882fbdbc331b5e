package reducer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/ledgerd/internal/entry"
	"github.com/roach88/ledgerd/internal/fanout"
)

// Phase is the reconnect state machine's position. Transitions are
// deterministic: Disconnected -> Backoff(n) -> Subscribing -> Active,
// back to Backoff(n+1) on failure and to Backoff(0) after a healthy
// session.
type Phase int

const (
	Disconnected Phase = iota
	Backoff
	Subscribing
	Active
)

func (p Phase) String() string {
	switch p {
	case Disconnected:
		return "disconnected"
	case Backoff:
		return "backoff"
	case Subscribing:
		return "subscribing"
	case Active:
		return "active"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Subscription is the slice of a live subscription the client consumes.
// *fanout.Subscription satisfies it; chaos tests substitute flaky ones.
type Subscription interface {
	Batches() <-chan entry.DeliveryBatch
	Ack(ctx context.Context, upToSeq int64) error
	Err() error
	Close()
}

// Transport is the client's view of the fan-out engine.
type Transport interface {
	Subscribe(ctx context.Context, streamID, clientID string, fromSeq int64) (Subscription, error)
	Snapshot(ctx context.Context, streamID string) (entry.Snapshot, error)
}

// EngineTransport adapts a fan-out engine to the Transport interface.
type EngineTransport struct {
	Engine *fanout.Engine
}

func (t EngineTransport) Subscribe(ctx context.Context, streamID, clientID string, fromSeq int64) (Subscription, error) {
	sub, err := t.Engine.Subscribe(ctx, streamID, clientID, fromSeq)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (t EngineTransport) Snapshot(ctx context.Context, streamID string) (entry.Snapshot, error) {
	return t.Engine.Snapshot(ctx, streamID)
}

// Client drives one reducer against a transport: subscribe from the
// local cursor, fold batches, ack, and on transport loss retry with
// capped exponential backoff. A stale cursor triggers snapshot resync
// before the next subscribe.
type Client struct {
	transport Transport
	reducer   *Reducer
	streamID  string
	clientID  string

	backoffBase time.Duration
	backoffMax  time.Duration
	sleep       func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	phase   Phase
	retries int
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithBackoff sets the retry delay bounds. Delay doubles per
// consecutive failure from base, capped at max.
func WithBackoff(base, max time.Duration) ClientOption {
	return func(c *Client) {
		c.backoffBase = base
		c.backoffMax = max
	}
}

// WithSleep substitutes the backoff wait. Tests use a recording no-op
// to drive reconnect storms without real delays.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) ClientOption {
	return func(c *Client) { c.sleep = sleep }
}

// NewClient wires a reducer to a transport for one (stream, client)
// pair.
func NewClient(transport Transport, r *Reducer, streamID, clientID string, opts ...ClientOption) *Client {
	c := &Client{
		transport:   transport,
		reducer:     r,
		streamID:    streamID,
		clientID:    clientID,
		backoffBase: 100 * time.Millisecond,
		backoffMax:  30 * time.Second,
		phase:       Disconnected,
	}
	c.sleep = func(ctx context.Context, d time.Duration) error {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Phase reports the state machine's current position.
func (c *Client) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Reducer exposes the driven reducer for state and cursor inspection.
func (c *Client) Reducer() *Reducer { return c.reducer }

func (c *Client) setPhase(p Phase) {
	c.mu.Lock()
	c.phase = p
	c.mu.Unlock()
}

func (c *Client) delay() time.Duration {
	d := c.backoffBase << (c.retries - 1)
	if d > c.backoffMax || d <= 0 {
		d = c.backoffMax
	}
	return d
}

// Run drives the state machine until ctx is cancelled. It survives
// arbitrary reconnect storms without duplicate or missing application:
// the reducer's cursor is monotonic and duplicates fold to no-ops.
func (c *Client) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			c.setPhase(Disconnected)
			return err
		}

		if c.retries > 0 {
			c.setPhase(Backoff)
			d := c.delay()
			slog.Debug("reconnect backoff",
				"stream", c.streamID, "client", c.clientID, "attempt", c.retries, "delay", d)
			if err := c.sleep(ctx, d); err != nil {
				c.setPhase(Disconnected)
				return err
			}
		}

		c.setPhase(Subscribing)
		sub, err := c.transport.Subscribe(ctx, c.streamID, c.clientID, c.reducer.Cursor())
		if err != nil {
			if sc, ok := fanout.IsStaleCursor(err); ok {
				if rerr := c.resync(ctx, sc); rerr != nil {
					c.retries++
					continue
				}
				// Resync moved the cursor; go around and subscribe
				// from the snapshot position.
				continue
			}
			if ctx.Err() != nil {
				c.setPhase(Disconnected)
				return ctx.Err()
			}
			c.retries++
			continue
		}

		c.setPhase(Active)
		c.retries = 0
		if err := c.consume(ctx, sub); err != nil {
			c.setPhase(Disconnected)
			return err
		}
		// Transport dropped; back through the machine.
		c.setPhase(Disconnected)
		c.retries++
	}
}

// consume folds batches until the subscription ends or ctx cancels. A
// nil return means the transport dropped and the caller should
// reconnect; a non-nil return is fatal for the client.
func (c *Client) consume(ctx context.Context, sub Subscription) error {
	defer sub.Close()
	for {
		select {
		case batch, ok := <-sub.Batches():
			if !ok {
				if err := sub.Err(); err != nil {
					if sc, staleOK := fanout.IsStaleCursor(err); staleOK {
						// Floor overtook us mid-subscription.
						if rerr := c.resync(ctx, sc); rerr != nil {
							return nil
						}
					}
					slog.Warn("subscription dropped",
						"stream", c.streamID, "client", c.clientID, "err", err)
				}
				return nil
			}
			if err := c.reducer.ApplyBatch(batch); err != nil {
				return fmt.Errorf("apply batch: %w", err)
			}
			if err := sub.Ack(ctx, c.reducer.Cursor()); err != nil {
				slog.Warn("ack failed",
					"stream", c.streamID, "client", c.clientID, "err", err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Client) resync(ctx context.Context, sc *fanout.StaleCursorError) error {
	snap, err := c.transport.Snapshot(ctx, c.streamID)
	if err != nil {
		slog.Warn("snapshot fetch failed during resync",
			"stream", c.streamID, "client", c.clientID, "reason", sc.Reason.String(), "err", err)
		return err
	}
	c.reducer.Resync(snap)
	return nil
}
