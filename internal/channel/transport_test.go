package channel

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/smithy-go"
	"github.com/mrz1836/postmark"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeSES struct {
	input *ses.SendEmailInput
	err   error
}

func (f *fakeSES) SendEmail(_ context.Context, in *ses.SendEmailInput, _ ...func(*ses.Options)) (*ses.SendEmailOutput, error) {
	f.input = in
	if f.err != nil {
		return nil, f.err
	}
	return &ses.SendEmailOutput{MessageId: aws.String("ses-1")}, nil
}

func TestSESTransport_Send(t *testing.T) {
	client := &fakeSES{}
	tr := NewSESTransportWithClient(client, zap.NewNop())

	id, err := tr.Send(context.Background(), EmailMessage{
		From: "from@x.io", To: "to@x.io", Subject: "hi", Body: "<p>hello</p>", HTML: true,
	})

	require.NoError(t, err)
	assert.Equal(t, "ses-1", id)
	assert.Equal(t, []string{"to@x.io"}, client.input.Destination.ToAddresses)
	require.NotNil(t, client.input.Message.Body.Html)
	assert.Nil(t, client.input.Message.Body.Text)
}

func TestSESTransport_APIErrorIsMessaging(t *testing.T) {
	client := &fakeSES{err: &smithy.GenericAPIError{Code: "MessageRejected", Message: "Email address is not verified"}}
	tr := NewSESTransportWithClient(client, zap.NewNop())

	_, err := tr.Send(context.Background(), EmailMessage{To: "to@x.io", Body: "hello"})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMessaging)
	assert.Equal(t, ErrorCodeMessaging, ErrorCode(err))
}

func TestSESTransport_NetworkErrorIsUnknown(t *testing.T) {
	client := &fakeSES{err: errors.New("dial tcp: i/o timeout")}
	tr := NewSESTransportWithClient(client, zap.NewNop())

	_, err := tr.Send(context.Background(), EmailMessage{To: "to@x.io", Body: "hello"})

	require.Error(t, err)
	assert.Equal(t, ErrorCodeUnknown, ErrorCode(err))
}

type fakePostmark struct {
	email postmark.Email
	resp  postmark.EmailResponse
	err   error
}

func (f *fakePostmark) SendEmail(_ context.Context, email postmark.Email) (postmark.EmailResponse, error) {
	f.email = email
	return f.resp, f.err
}

func TestPostmarkTransport_Send(t *testing.T) {
	client := &fakePostmark{resp: postmark.EmailResponse{MessageID: "pm-1"}}
	tr := NewPostmarkTransportWithClient(client, "")

	id, err := tr.Send(context.Background(), EmailMessage{From: "a@x.io", To: "b@x.io", Subject: "s", Body: "text"})

	require.NoError(t, err)
	assert.Equal(t, "pm-1", id)
	assert.Equal(t, "text", client.email.TextBody)
	assert.Empty(t, client.email.HTMLBody)
	assert.Equal(t, "notification", client.email.Tag)
}

func TestPostmarkTransport_ErrorCodeIsMessaging(t *testing.T) {
	client := &fakePostmark{resp: postmark.EmailResponse{ErrorCode: 300, Message: "Invalid email request"}}
	tr := NewPostmarkTransportWithClient(client, "")

	_, err := tr.Send(context.Background(), EmailMessage{To: "bad", Body: "x"})

	assert.ErrorIs(t, err, ErrMessaging)
}

func TestNewPostmarkTransport_RequiresToken(t *testing.T) {
	_, err := NewPostmarkTransport("", "", "")
	assert.Error(t, err)
}

func TestLogTransport_Send(t *testing.T) {
	id, err := NewLogTransport(zap.NewNop()).Send(context.Background(), EmailMessage{To: "a@b.co"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}
