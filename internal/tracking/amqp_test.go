package tracking

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/dispatch-engine/internal/domain"
)

type fakeChannel struct {
	mu        sync.Mutex
	published []amqp091.Publishing
	keys      []string
	pubCh     chan struct{}

	deliveries chan amqp091.Delivery
	cancelled  bool
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp091.Publishing) error {
	f.mu.Lock()
	f.published = append(f.published, msg)
	f.keys = append(f.keys, exchange+"/"+key)
	f.mu.Unlock()
	if f.pubCh != nil {
		f.pubCh <- struct{}{}
	}
	return nil
}

func (f *fakeChannel) Consume(string, string, bool, bool, bool, bool, amqp091.Table) (<-chan amqp091.Delivery, error) {
	return f.deliveries, nil
}

func (f *fakeChannel) Cancel(string, bool) error {
	f.mu.Lock()
	f.cancelled = true
	f.mu.Unlock()
	return nil
}

// dialerOf hands out chans in order and counts releases.
type dialerOf struct {
	mu       sync.Mutex
	chans    []*fakeChannel
	dials    int
	releases int
}

func (d *dialerOf) dial() (AMQPChannel, func(), error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dials >= len(d.chans) {
		d.dials++
		return nil, nil, errors.New("connection refused")
	}
	ch := d.chans[d.dials]
	d.dials++
	return ch, func() {
		d.mu.Lock()
		d.releases++
		d.mu.Unlock()
	}, nil
}

func (d *dialerOf) counts() (int, int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials, d.releases
}

func openBody(t *testing.T, campaignID string) []byte {
	t.Helper()
	b, err := json.Marshal(domain.TrackingEvent{EventType: domain.EventOpen, CampaignID: campaignID, Address: "a@example.com"})
	require.NoError(t, err)
	return b
}

// fakeAck records the outcome of every delivery by tag.
type fakeAck struct {
	mu       sync.Mutex
	outcomes map[uint64]string
	done     chan uint64
}

func newFakeAck() *fakeAck {
	return &fakeAck{outcomes: map[uint64]string{}, done: make(chan uint64, 8)}
}

func (a *fakeAck) record(tag uint64, outcome string) error {
	a.mu.Lock()
	a.outcomes[tag] = outcome
	a.mu.Unlock()
	a.done <- tag
	return nil
}

func (a *fakeAck) Ack(tag uint64, _ bool) error { return a.record(tag, "ack") }
func (a *fakeAck) Nack(tag uint64, _ bool, requeue bool) error {
	if requeue {
		return a.record(tag, "requeue")
	}
	return a.record(tag, "nack")
}
func (a *fakeAck) Reject(tag uint64, _ bool) error { return a.record(tag, "reject") }

func (a *fakeAck) outcome(tag uint64) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.outcomes[tag]
}

func TestAMQPPublisher_RoutesByEventType(t *testing.T) {
	ch := &fakeChannel{pubCh: make(chan struct{}, 1)}
	p := NewAMQPPublisher(ch)

	p.Submit(context.Background(), domain.TrackingEvent{EventType: domain.EventClick, CampaignID: "c-1", Address: "a@example.com", URL: "https://x.test"})

	select {
	case <-ch.pubCh:
	case <-time.After(time.Second):
		t.Fatal("nothing published")
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	require.Len(t, ch.published, 1)
	assert.Equal(t, AMQPExchange+"/tracking.click", ch.keys[0])
	assert.Equal(t, amqp091.Persistent, ch.published[0].DeliveryMode)

	var evt domain.TrackingEvent
	require.NoError(t, json.Unmarshal(ch.published[0].Body, &evt))
	assert.Equal(t, "https://x.test", evt.URL)
}

func TestAMQPConsumer_AckRejectRequeue(t *testing.T) {
	ack := newFakeAck()
	ch := &fakeChannel{deliveries: make(chan amqp091.Delivery, 3)}

	var applied []string
	var mu sync.Mutex
	c := NewAMQPConsumer((&dialerOf{chans: []*fakeChannel{ch}}).dial, "", applierFunc(func(_ context.Context, evt domain.TrackingEvent) error {
		if evt.CampaignID == "flaky" {
			return errors.New("db down")
		}
		mu.Lock()
		applied = append(applied, evt.Address)
		mu.Unlock()
		return nil
	}))
	c.retryDelay = time.Millisecond

	ch.deliveries <- amqp091.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: openBody(t, "c-1")}
	ch.deliveries <- amqp091.Delivery{Acknowledger: ack, DeliveryTag: 2, Body: []byte("{broken")}
	ch.deliveries <- amqp091.Delivery{Acknowledger: ack, DeliveryTag: 3, Body: openBody(t, "flaky")}

	require.NoError(t, c.Start(context.Background()))
	for i := 0; i < 3; i++ {
		select {
		case <-ack.done:
		case <-time.After(2 * time.Second):
			t.Fatal("delivery not settled")
		}
	}
	c.Stop()

	assert.Equal(t, "ack", ack.outcome(1))
	assert.Equal(t, "reject", ack.outcome(2))
	assert.Equal(t, "requeue", ack.outcome(3))
	assert.Equal(t, []string{"a@example.com"}, applied)
	assert.True(t, ch.cancelled)
}

func TestAMQPConsumer_ReconnectsWhenDeliveriesClose(t *testing.T) {
	ack := newFakeAck()
	first := &fakeChannel{deliveries: make(chan amqp091.Delivery, 1)}
	second := &fakeChannel{deliveries: make(chan amqp091.Delivery, 1)}
	first.deliveries <- amqp091.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: openBody(t, "c-1")}
	close(first.deliveries)
	second.deliveries <- amqp091.Delivery{Acknowledger: ack, DeliveryTag: 2, Body: openBody(t, "c-2")}

	d := &dialerOf{chans: []*fakeChannel{first, second}}
	c := NewAMQPConsumer(d.dial, "", applierFunc(func(context.Context, domain.TrackingEvent) error { return nil }))
	c.backOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }

	require.NoError(t, c.Start(context.Background()))
	for i := 0; i < 2; i++ {
		select {
		case <-ack.done:
		case <-time.After(2 * time.Second):
			t.Fatal("delivery not settled")
		}
	}
	c.Stop()

	assert.Equal(t, "ack", ack.outcome(1))
	assert.Equal(t, "ack", ack.outcome(2))
	dials, releases := d.counts()
	assert.Equal(t, 2, dials)
	assert.Equal(t, 2, releases)
	assert.True(t, second.cancelled)
	select {
	case err := <-c.Err():
		t.Fatalf("unexpected consumer error: %v", err)
	default:
	}
}

func TestAMQPConsumer_ReportsWhenReconnectGivesUp(t *testing.T) {
	only := &fakeChannel{deliveries: make(chan amqp091.Delivery)}
	d := &dialerOf{chans: []*fakeChannel{only}}
	c := NewAMQPConsumer(d.dial, "", applierFunc(func(context.Context, domain.TrackingEvent) error { return nil }))
	c.backOff = func() backoff.BackOff { return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 2) }

	require.NoError(t, c.Start(context.Background()))
	close(only.deliveries)

	select {
	case err := <-c.Err():
		assert.ErrorContains(t, err, "connection refused")
	case <-time.After(2 * time.Second):
		t.Fatal("no error reported")
	}
	c.Stop()

	dials, _ := d.counts()
	assert.Equal(t, 4, dials, "initial dial plus three reconnect attempts")
}

func TestAMQPConsumer_StartFailsWhenDialFails(t *testing.T) {
	d := &dialerOf{}
	c := NewAMQPConsumer(d.dial, "", applierFunc(func(context.Context, domain.TrackingEvent) error { return nil }))
	assert.ErrorContains(t, c.Start(context.Background()), "dial RabbitMQ")
}
