package channel

import (
	"context"
	"fmt"

	"github.com/mrz1836/postmark"
)

// PostmarkAPI is the part of the Postmark client the transport calls
type PostmarkAPI interface {
	SendEmail(ctx context.Context, email postmark.Email) (postmark.EmailResponse, error)
}

// PostmarkTransport sends email through Postmark's transactional API
type PostmarkTransport struct {
	client PostmarkAPI
	tag    string
}

// NewPostmarkTransport creates a transport from server and account tokens
func NewPostmarkTransport(serverToken, accountToken, tag string) (*PostmarkTransport, error) {
	if serverToken == "" {
		return nil, fmt.Errorf("postmark server token is required")
	}
	return NewPostmarkTransportWithClient(postmark.NewClient(serverToken, accountToken), tag), nil
}

// NewPostmarkTransportWithClient wraps an existing Postmark client
func NewPostmarkTransportWithClient(client PostmarkAPI, tag string) *PostmarkTransport {
	if tag == "" {
		tag = "notification"
	}
	return &PostmarkTransport{client: client, tag: tag}
}

func (t *PostmarkTransport) Name() string { return "postmark" }

// Send submits msg to Postmark. A non-zero Postmark error code is wrapped in ErrMessaging.
func (t *PostmarkTransport) Send(ctx context.Context, msg EmailMessage) (string, error) {
	email := postmark.Email{
		From:    msg.From,
		To:      msg.To,
		Subject: msg.Subject,
		Tag:     t.tag,
	}
	if msg.HTML {
		email.HTMLBody = msg.Body
	} else {
		email.TextBody = msg.Body
	}

	resp, err := t.client.SendEmail(ctx, email)
	if err != nil {
		return "", fmt.Errorf("postmark send: %w", err)
	}
	if resp.ErrorCode > 0 {
		return "", fmt.Errorf("%w: postmark %d: %s", ErrMessaging, resp.ErrorCode, resp.Message)
	}

	return resp.MessageID, nil
}
