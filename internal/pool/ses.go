package pool

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/ignite/dispatch-engine/internal/domain"
	"github.com/ignite/dispatch-engine/internal/service/sending"
)

// SESClient is the subset of the SES v2 client a session needs.
type SESClient interface {
	SendEmail(ctx context.Context, in *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
	GetAccount(ctx context.Context, in *sesv2.GetAccountInput, optFns ...func(*sesv2.Options)) (*sesv2.GetAccountOutput, error)
}

// SESFactory builds SES sessions. Account and Secret on the identity are the
// access key pair; when empty the default credential chain is used.
type SESFactory struct {
	// NewClient overrides client construction. Tests inject fakes here.
	NewClient func(ctx context.Context, p *domain.ProviderIdentity) (SESClient, error)
}

func defaultSESClient(ctx context.Context, p *domain.ProviderIdentity) (SESClient, error) {
	region := p.Region
	if region == "" {
		region = "us-east-1"
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if p.Account != "" && p.Secret != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(p.Account, p.Secret, "")))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return sesv2.NewFromConfig(cfg), nil
}

// NewSession implements sending.SessionFactory.
func (f *SESFactory) NewSession(ctx context.Context, p *domain.ProviderIdentity, _ sending.SessionOptions) (sending.Session, error) {
	newClient := f.NewClient
	if newClient == nil {
		newClient = defaultSESClient
	}
	client, err := newClient(ctx, p)
	if err != nil {
		return nil, err
	}
	return &sesSession{client: client}, nil
}

// Verify calls GetAccount and requires sending to be enabled.
func (f *SESFactory) Verify(ctx context.Context, s sending.Session) error {
	ss, ok := s.(*sesSession)
	if !ok {
		return fmt.Errorf("not an ses session: %T", s)
	}
	out, err := ss.client.GetAccount(ctx, &sesv2.GetAccountInput{})
	if err != nil {
		return fmt.Errorf("ses get account: %w", err)
	}
	if !out.SendingEnabled {
		return fmt.Errorf("ses sending is disabled for this account")
	}
	return nil
}

type sesSession struct {
	client SESClient
}

// Send implements sending.Session.
func (s *sesSession) Send(ctx context.Context, msg *domain.EmailMessage) (*domain.SendResult, error) {
	from := msg.FromEmail
	if msg.FromName != "" {
		from = fmt.Sprintf("%s <%s>", msg.FromName, msg.FromEmail)
	}

	body := &types.Body{}
	if msg.HTMLContent != "" {
		body.Html = &types.Content{Data: aws.String(msg.HTMLContent), Charset: aws.String("UTF-8")}
	}
	if msg.TextContent != "" {
		body.Text = &types.Content{Data: aws.String(msg.TextContent), Charset: aws.String("UTF-8")}
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(from),
		Destination:      &types.Destination{ToAddresses: []string{msg.To}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
				Body:    body,
			},
		},
		EmailTags: []types.MessageTag{
			{Name: aws.String("campaign_id"), Value: aws.String(msg.CampaignID)},
		},
	}
	if msg.ReplyTo != "" {
		input.ReplyToAddresses = []string{msg.ReplyTo}
	}

	out, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return nil, err
	}
	return &domain.SendResult{
		MessageID: aws.ToString(out.MessageId),
		Transport: domain.TransportSES,
		SentAt:    time.Now(),
	}, nil
}

// Close implements sending.Session. The SES client holds no connection state
// beyond the shared HTTP transport.
func (s *sesSession) Close() error { return nil }
