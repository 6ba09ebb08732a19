package channel

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/go-playground/validator/v10"

	"github.com/hray3182/concierge/internal/models"
)

type sesAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// EmailSender delivers plain-text reminders through Amazon SES v2.
type EmailSender struct {
	client   sesAPI
	from     string
	subject  string
	validate *validator.Validate
}

func NewEmailSender(client sesAPI, from string) *EmailSender {
	return &EmailSender{
		client:   client,
		from:     from,
		subject:  "A friendly reminder",
		validate: validator.New(),
	}
}

func (s *EmailSender) Send(ctx context.Context, identity *models.CommIdentity, text string) (Receipt, error) {
	to := strings.TrimSpace(identity.IdentityValue)
	if err := s.validate.Var(to, "required,email"); err != nil {
		return Receipt{}, Permanent(models.ChannelEmail, fmt.Errorf("invalid address %q", to))
	}

	out, err := s.client.SendEmail(ctx, &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(s.from),
		Destination:      &types.Destination{ToAddresses: []string{to}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(s.subject), Charset: aws.String("UTF-8")},
				Body: &types.Body{
					Text: &types.Content{Data: aws.String(text), Charset: aws.String("UTF-8")},
				},
			},
		},
	})
	if err != nil {
		return Receipt{}, classifySES(err)
	}
	return Receipt{ExternalID: aws.ToString(out.MessageId)}, nil
}

func classifySES(err error) error {
	var (
		rejected   *types.MessageRejected
		unverified *types.MailFromDomainNotVerifiedException
		notFound   *types.NotFoundException
		badRequest *types.BadRequestException
		suspended  *types.AccountSuspendedException
	)
	switch {
	case errors.As(err, &rejected),
		errors.As(err, &unverified),
		errors.As(err, &notFound),
		errors.As(err, &badRequest),
		errors.As(err, &suspended):
		return Permanent(models.ChannelEmail, err)
	default:
		return Transient(models.ChannelEmail, err)
	}
}
