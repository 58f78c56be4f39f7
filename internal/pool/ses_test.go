package pool

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/dispatch-engine/internal/domain"
	"github.com/ignite/dispatch-engine/internal/service/sending"
)

type fakeSES struct {
	sendingEnabled bool
	sendErr        error
	last           *sesv2.SendEmailInput
}

func (f *fakeSES) SendEmail(_ context.Context, in *sesv2.SendEmailInput, _ ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.last = in
	return &sesv2.SendEmailOutput{MessageId: aws.String("0100-ses-id")}, nil
}

func (f *fakeSES) GetAccount(_ context.Context, _ *sesv2.GetAccountInput, _ ...func(*sesv2.Options)) (*sesv2.GetAccountOutput, error) {
	return &sesv2.GetAccountOutput{SendingEnabled: f.sendingEnabled}, nil
}

func sesFactory(client *fakeSES) *SESFactory {
	return &SESFactory{NewClient: func(context.Context, *domain.ProviderIdentity) (SESClient, error) { return client, nil }}
}

var sesIdentity = &domain.ProviderIdentity{ID: "ses-1", Kind: domain.TransportSES, Region: "eu-west-1", Account: "AKIA"}

func TestSESSession_Send(t *testing.T) {
	client := &fakeSES{sendingEnabled: true}
	f := sesFactory(client)
	ctx := context.Background()

	s, err := f.NewSession(ctx, sesIdentity, sending.SessionOptions{})
	require.NoError(t, err)
	require.NoError(t, f.Verify(ctx, s))

	res, err := s.Send(ctx, testMessage("a@example.com"))
	require.NoError(t, err)
	assert.Equal(t, "0100-ses-id", res.MessageID)
	assert.Equal(t, domain.TransportSES, res.Transport)

	require.NotNil(t, client.last)
	assert.Equal(t, "Sender <sender@example.com>", aws.ToString(client.last.FromEmailAddress))
	assert.Equal(t, []string{"a@example.com"}, client.last.Destination.ToAddresses)
	assert.Equal(t, "Hi", aws.ToString(client.last.Content.Simple.Body.Text.Data))
}

func TestSESSession_ErrorsAreReturnedVerbatim(t *testing.T) {
	client := &fakeSES{sendingEnabled: true, sendErr: errors.New("MessageRejected: Email address is not verified")}
	f := sesFactory(client)
	s, err := f.NewSession(context.Background(), sesIdentity, sending.SessionOptions{})
	require.NoError(t, err)

	_, err = s.Send(context.Background(), testMessage("a@example.com"))
	assert.EqualError(t, err, "MessageRejected: Email address is not verified")
}

func TestSESFactory_VerifyRequiresSendingEnabled(t *testing.T) {
	f := sesFactory(&fakeSES{sendingEnabled: false})
	p := New(Config{})
	p.Register(domain.TransportSES, f)

	_, err := p.Acquire(context.Background(), sesIdentity)
	assert.ErrorContains(t, err, "sending is disabled")
	assert.Zero(t, p.Len())
}
