package tracking

import (
	"context"
	"encoding/json"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/ignite/dispatch-engine/internal/domain"
	"github.com/ignite/dispatch-engine/internal/pkg/logger"
)

// SQSAPI is the subset of the SQS client used by the publisher and consumer.
type SQSAPI interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// Publisher is an EventSink that forwards events to SQS so the tracking edge
// stays independent of the database.
type Publisher struct {
	client   SQSAPI
	queueURL string
	timeout  time.Duration
}

func NewPublisher(client SQSAPI, queueURL string) *Publisher {
	return &Publisher{client: client, queueURL: queueURL, timeout: 5 * time.Second}
}

// Submit implements EventSink. The send runs in the background so the pixel
// or redirect is not delayed.
func (p *Publisher) Submit(_ context.Context, evt domain.TrackingEvent) {
	body, err := json.Marshal(evt)
	if err != nil {
		logger.Error("[Tracking] marshal event", "error", err)
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		defer cancel()
		if err := p.send(ctx, body); err != nil {
			logger.Error("[Tracking] publish to SQS", "type", evt.EventType, "error", err)
		}
	}()
}

func (p *Publisher) send(ctx context.Context, body []byte) error {
	_, err := p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
	})
	return err
}
