// Package sesnotify sends notifications as plain-text email through AWS SES.
package sesnotify

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"

	"tenantauth.dev/internal/notify"
)

// SendEmailAPI is the slice of the SES client used here.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, in *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

var _ notify.Notifier = (*Sender)(nil)

// Sender implements notify.Notifier using SES.
type Sender struct {
	client      SendEmailAPI
	fromAddress string
}

func NewSender(client SendEmailAPI, fromAddress string) *Sender {
	return &Sender{client: client, fromAddress: fromAddress}
}

// New loads the default AWS configuration for region and builds a Sender.
func New(ctx context.Context, region, fromAddress string) (*Sender, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewSender(ses.NewFromConfig(cfg), fromAddress), nil
}

func (s *Sender) Send(ctx context.Context, msg notify.Message) error {
	if strings.TrimSpace(msg.To) == "" {
		return fmt.Errorf("sesnotify: message %s for user %s has no recipient", msg.Kind, msg.UserID)
	}
	input := &ses.SendEmailInput{
		Source:      aws.String(s.fromAddress),
		Destination: &types.Destination{ToAddresses: []string{msg.To}},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(subject(msg.Kind)),
				Charset: aws.String("UTF-8"),
			},
			Body: &types.Body{
				Text: &types.Content{
					Data:    aws.String(body(msg)),
					Charset: aws.String("UTF-8"),
				},
			},
		},
	}
	if _, err := s.client.SendEmail(ctx, input); err != nil {
		return fmt.Errorf("sesnotify: send %s: %w", msg.Kind, err)
	}
	return nil
}

func subject(k notify.Kind) string {
	switch k {
	case notify.KindAccountLocked:
		return "Your account has been temporarily locked"
	case notify.KindPasswordChanged:
		return "Your password was changed"
	case notify.KindAccountDeactivated:
		return "Your account has been deactivated"
	case notify.KindTokenReuse:
		return "Suspicious sign-in activity"
	case notify.KindPasswordReset:
		return "Reset your password"
	default:
		return "Security notification"
	}
}

func body(msg notify.Message) string {
	var b strings.Builder
	b.WriteString(subject(msg.Kind))
	b.WriteString(".\n\n")
	keys := make([]string, 0, len(msg.Data))
	for k := range msg.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %s\n", k, msg.Data[k])
	}
	fmt.Fprintf(&b, "time: %s\n", msg.CreatedAt.UTC().Format("2006-01-02 15:04:05 MST"))
	return b.String()
}
