package tracking

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/ignite/dispatch-engine/internal/domain"
	"github.com/ignite/dispatch-engine/internal/pkg/logger"
)

// Applier applies one event. Ingest implements it.
type Applier interface {
	Apply(ctx context.Context, evt domain.TrackingEvent) error
}

// Consumer drains the SQS tracking queue into an Applier. Messages whose
// apply fails with a transient error are left for redelivery.
type Consumer struct {
	client    SQSAPI
	queueURL  string
	applier   Applier
	waitTime  int32
	errorWait time.Duration

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewConsumer(client SQSAPI, queueURL string, applier Applier) *Consumer {
	return &Consumer{
		client:    client,
		queueURL:  queueURL,
		applier:   applier,
		waitTime:  20,
		errorWait: 5 * time.Second,
	}
}

// Start begins long-polling in the background.
func (c *Consumer) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.running = true
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.poll(ctx)
	}()
	logger.Info("[Tracking] SQS consumer started", "queue", c.queueURL)
}

// Stop cancels polling and waits for the current batch to finish.
func (c *Consumer) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.cancel()
	c.mu.Unlock()
	c.wg.Wait()
	logger.Info("[Tracking] SQS consumer stopped")
}

func (c *Consumer) poll(ctx context.Context) {
	for ctx.Err() == nil {
		out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(c.queueURL),
			MaxNumberOfMessages: 10,
			WaitTimeSeconds:     c.waitTime,
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("[Tracking] SQS receive error", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.errorWait):
			}
			continue
		}
		c.ProcessBatch(ctx, out.Messages)
	}
}

// ProcessBatch applies and acknowledges one receive batch.
func (c *Consumer) ProcessBatch(ctx context.Context, msgs []types.Message) {
	for _, msg := range msgs {
		var evt domain.TrackingEvent
		if err := json.Unmarshal([]byte(aws.ToString(msg.Body)), &evt); err != nil {
			logger.Warn("[Tracking] SQS bad message", "error", err)
			c.deleteMessage(ctx, msg.ReceiptHandle)
			continue
		}
		if err := c.applier.Apply(ctx, evt); err != nil {
			logger.Warn("[Tracking] SQS apply error, leaving for redelivery", "type", evt.EventType, "error", err)
			continue
		}
		c.deleteMessage(ctx, msg.ReceiptHandle)
	}
}

func (c *Consumer) deleteMessage(ctx context.Context, handle *string) {
	if _, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: handle,
	}); err != nil {
		logger.Warn("[Tracking] SQS delete failed", "error", err)
	}
}
