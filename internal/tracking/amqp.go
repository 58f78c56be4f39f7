package tracking

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rabbitmq/amqp091-go"

	"github.com/ignite/dispatch-engine/internal/domain"
	"github.com/ignite/dispatch-engine/internal/pkg/logger"
)

const (
	AMQPExchange = "dispatch.tracking"
	AMQPQueue    = "dispatch.tracking.events"

	amqpRoutingPrefix = "tracking."
)

// AMQPChannel is the subset of *amqp091.Channel used by the publisher and consumer.
type AMQPChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp091.Table) (<-chan amqp091.Delivery, error)
	Cancel(consumer string, noWait bool) error
}

// DialAMQP connects to RabbitMQ and declares the topic exchange and the
// durable event queue bound to every tracking.* routing key.
func DialAMQP(url string) (*amqp091.Connection, *amqp091.Channel, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("open channel: %w", err)
	}
	fail := func(step string, err error) (*amqp091.Connection, *amqp091.Channel, error) {
		ch.Close()
		conn.Close()
		return nil, nil, fmt.Errorf("%s: %w", step, err)
	}
	if err := ch.ExchangeDeclare(AMQPExchange, "topic", true, false, false, false, nil); err != nil {
		return fail("declare exchange", err)
	}
	q, err := ch.QueueDeclare(AMQPQueue, true, false, false, false, nil)
	if err != nil {
		return fail("declare queue", err)
	}
	if err := ch.QueueBind(q.Name, amqpRoutingPrefix+"#", AMQPExchange, false, nil); err != nil {
		return fail("bind queue", err)
	}
	return conn, ch, nil
}

// AMQPDialer opens a channel with the topology declared. release closes the
// channel and its connection.
type AMQPDialer func() (ch AMQPChannel, release func(), err error)

// NewAMQPDialer returns a dialer over DialAMQP.
func NewAMQPDialer(url string) AMQPDialer {
	return func() (AMQPChannel, func(), error) {
		conn, ch, err := DialAMQP(url)
		if err != nil {
			return nil, nil, err
		}
		return ch, func() {
			_ = ch.Close()
			_ = conn.Close()
		}, nil
	}
}

// AMQPPublisher is an EventSink that publishes events as persistent JSON
// messages routed by event type, e.g. tracking.open.
type AMQPPublisher struct {
	ch      AMQPChannel
	timeout time.Duration
	mu      sync.Mutex
}

func NewAMQPPublisher(ch AMQPChannel) *AMQPPublisher {
	return &AMQPPublisher{ch: ch, timeout: 5 * time.Second}
}

// Submit implements EventSink. Publishing happens in the background.
func (p *AMQPPublisher) Submit(_ context.Context, evt domain.TrackingEvent) {
	body, err := json.Marshal(evt)
	if err != nil {
		logger.Error("[Tracking] marshal event", "error", err)
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		defer cancel()
		if err := p.publish(ctx, string(evt.EventType), body); err != nil {
			logger.Error("[Tracking] publish to RabbitMQ", "type", evt.EventType, "error", err)
		}
	}()
}

func (p *AMQPPublisher) publish(ctx context.Context, eventType string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ch.PublishWithContext(ctx, AMQPExchange, amqpRoutingPrefix+eventType, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
}

// AMQPConsumer applies queued events. Undecodable messages are rejected
// without requeue; transient apply failures are requeued after retryDelay.
// When the broker closes the delivery channel the consumer re-dials with
// exponential backoff; if that gives up the error is sent on Err.
type AMQPConsumer struct {
	dial       AMQPDialer
	queue      string
	tag        string
	applier    Applier
	retryDelay time.Duration
	backOff    func() backoff.BackOff
	errs       chan error

	mu      sync.Mutex
	running bool
	ch      AMQPChannel
	release func()
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewAMQPConsumer(dial AMQPDialer, queue string, applier Applier) *AMQPConsumer {
	if queue == "" {
		queue = AMQPQueue
	}
	return &AMQPConsumer{
		dial:       dial,
		queue:      queue,
		tag:        "dispatch-tracking",
		applier:    applier,
		retryDelay: 2 * time.Second,
		backOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxElapsedTime = 5 * time.Minute
			return b
		},
		errs: make(chan error, 1),
	}
}

// Err delivers the reconnect failure that stopped the consumer.
func (c *AMQPConsumer) Err() <-chan error { return c.errs }

// Start connects, registers the consumer and processes deliveries in the
// background. The first connection is not retried.
func (c *AMQPConsumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}
	deliveries, err := c.connectLocked()
	if err != nil {
		return err
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.running = true
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(ctx, deliveries)
	}()
	logger.Info("[Tracking] RabbitMQ consumer started", "queue", c.queue)
	return nil
}

// Stop cancels the consumer and waits for the current delivery.
func (c *AMQPConsumer) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.cancel()
	ch := c.ch
	c.mu.Unlock()

	if ch != nil {
		if err := ch.Cancel(c.tag, false); err != nil {
			logger.Warn("[Tracking] RabbitMQ cancel", "error", err)
		}
	}
	c.wg.Wait()
	logger.Info("[Tracking] RabbitMQ consumer stopped")
}

func (c *AMQPConsumer) connectLocked() (<-chan amqp091.Delivery, error) {
	ch, release, err := c.dial()
	if err != nil {
		return nil, fmt.Errorf("dial RabbitMQ: %w", err)
	}
	deliveries, err := ch.Consume(c.queue, c.tag, false, false, false, false, nil)
	if err != nil {
		release()
		return nil, fmt.Errorf("consume %s: %w", c.queue, err)
	}
	c.ch, c.release = ch, release
	return deliveries, nil
}

func (c *AMQPConsumer) disconnect() {
	c.mu.Lock()
	release := c.release
	c.ch, c.release = nil, nil
	c.mu.Unlock()
	if release != nil {
		release()
	}
}

func (c *AMQPConsumer) run(ctx context.Context, deliveries <-chan amqp091.Delivery) {
	for {
		c.consume(ctx, deliveries)
		c.disconnect()
		if ctx.Err() != nil {
			return
		}

		logger.Warn("[Tracking] RabbitMQ delivery channel closed, reconnecting", "queue", c.queue)
		var err error
		deliveries, err = c.reconnect(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			logger.Error("[Tracking] RabbitMQ reconnect gave up", "queue", c.queue, "error", err)
			c.errs <- fmt.Errorf("rabbitmq consumer: %w", err)
			return
		}
		logger.Info("[Tracking] RabbitMQ consumer reconnected", "queue", c.queue)
	}
}

func (c *AMQPConsumer) reconnect(ctx context.Context) (<-chan amqp091.Delivery, error) {
	var deliveries <-chan amqp091.Delivery
	op := func() error {
		c.mu.Lock()
		defer c.mu.Unlock()
		d, err := c.connectLocked()
		if err != nil {
			logger.Warn("[Tracking] RabbitMQ reconnect attempt failed", "error", err)
			return err
		}
		deliveries = d
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(c.backOff(), ctx)); err != nil {
		return nil, err
	}
	return deliveries, nil
}

func (c *AMQPConsumer) consume(ctx context.Context, deliveries <-chan amqp091.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			c.handle(ctx, d)
		}
	}
}

func (c *AMQPConsumer) handle(ctx context.Context, d amqp091.Delivery) {
	var evt domain.TrackingEvent
	if err := json.Unmarshal(d.Body, &evt); err != nil {
		logger.Warn("[Tracking] RabbitMQ bad message", "routing_key", d.RoutingKey, "error", err)
		if err := d.Reject(false); err != nil {
			logger.Warn("[Tracking] RabbitMQ reject", "error", err)
		}
		return
	}
	if err := c.applier.Apply(ctx, evt); err != nil {
		logger.Warn("[Tracking] RabbitMQ apply error, requeueing", "type", evt.EventType, "error", err)
		select {
		case <-ctx.Done():
		case <-time.After(c.retryDelay):
		}
		if err := d.Nack(false, true); err != nil {
			logger.Warn("[Tracking] RabbitMQ nack", "error", err)
		}
		return
	}
	if err := d.Ack(false); err != nil {
		logger.Warn("[Tracking] RabbitMQ ack", "error", err)
	}
}
