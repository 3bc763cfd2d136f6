package channel

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"
)

// SESAPI is the part of the SES client the transport calls
type SESAPI interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

// SESTransport sends email through Amazon SES
type SESTransport struct {
	client SESAPI
	logger *zap.Logger
}

// NewSESTransport loads the default AWS config for region and builds an SES client
func NewSESTransport(ctx context.Context, region string, logger *zap.Logger) (*SESTransport, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return NewSESTransportWithClient(ses.NewFromConfig(awsCfg), logger), nil
}

// NewSESTransportWithClient wraps an existing SES client
func NewSESTransportWithClient(client SESAPI, logger *zap.Logger) *SESTransport {
	return &SESTransport{client: client, logger: logger}
}

func (t *SESTransport) Name() string { return "ses" }

// Send submits msg to SES. API errors returned by SES are wrapped in ErrMessaging.
func (t *SESTransport) Send(ctx context.Context, msg EmailMessage) (string, error) {
	content := &types.Content{
		Data:    aws.String(msg.Body),
		Charset: aws.String("UTF-8"),
	}
	body := &types.Body{}
	if msg.HTML {
		body.Html = content
	} else {
		body.Text = content
	}

	input := &ses.SendEmailInput{
		Source: aws.String(msg.From),
		Destination: &types.Destination{
			ToAddresses: []string{msg.To},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(msg.Subject),
				Charset: aws.String("UTF-8"),
			},
			Body: body,
		},
	}

	result, err := t.client.SendEmail(ctx, input)
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			return "", fmt.Errorf("%w: ses %s: %s", ErrMessaging, apiErr.ErrorCode(), apiErr.ErrorMessage())
		}
		return "", fmt.Errorf("ses send: %w", err)
	}

	return aws.ToString(result.MessageId), nil
}
