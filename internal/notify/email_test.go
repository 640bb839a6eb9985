package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/wolfman30/clinic-scheduler/pkg/logging"
)

func TestNewSendGridSender_NilWithoutAPIKey(t *testing.T) {
	sender := NewSendGridSender(SendGridConfig{APIKey: "", FromEmail: "test@example.com"}, nil)
	if sender != nil {
		t.Error("expected nil sender when API key is empty")
	}
}

func TestNewSendGridSender_DefaultFromName(t *testing.T) {
	sender := NewSendGridSender(SendGridConfig{APIKey: "test-key", FromEmail: "test@example.com"}, nil)
	if sender == nil {
		t.Fatal("expected non-nil sender")
	}
	if sender.fromName != "Clinic Scheduler" {
		t.Errorf("expected default from name 'Clinic Scheduler', got %q", sender.fromName)
	}
}

type fakeSendGrid struct {
	status int
	err    error
	last   *mail.SGMailV3
}

func (f *fakeSendGrid) SendWithContext(ctx context.Context, email *mail.SGMailV3) (*rest.Response, error) {
	f.last = email
	if f.err != nil {
		return nil, f.err
	}
	return &rest.Response{StatusCode: f.status}, nil
}

func TestSendGridSender_Send(t *testing.T) {
	client := &fakeSendGrid{status: 202}
	sender := &SendGridSender{client: client, fromEmail: "clinic@example.com", fromName: "Clinic", logger: logging.Default()}

	if err := sender.Send(context.Background(), EmailMessage{To: "pat@example.com", Subject: "Hi", Body: "Body"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if client.last == nil || client.last.Subject != "Hi" {
		t.Fatalf("expected message to be handed to sendgrid, got %+v", client.last)
	}

	client.status = 500
	if err := sender.Send(context.Background(), EmailMessage{To: "pat@example.com", Subject: "Hi"}); err == nil {
		t.Fatal("expected error on 5xx status")
	}
}

func TestSendGridSender_Send_NilClient(t *testing.T) {
	sender := &SendGridSender{}
	if err := sender.Send(context.Background(), EmailMessage{To: "recipient@example.com"}); err == nil {
		t.Error("expected error when client is nil")
	}
}

type fakeSES struct {
	in  *sesv2.SendEmailInput
	err error
}

func (f *fakeSES) SendEmail(ctx context.Context, in *sesv2.SendEmailInput, _ ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	f.in = in
	if f.err != nil {
		return nil, f.err
	}
	return &sesv2.SendEmailOutput{MessageId: aws.String("ses-1")}, nil
}

func TestSESSender_Send(t *testing.T) {
	client := &fakeSES{}
	sender := NewSESSender(client, SESConfig{FromEmail: "clinic@example.com"}, nil)

	if err := sender.Send(context.Background(), EmailMessage{To: "pat@example.com", Subject: "Reminder", Body: "See you"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got := aws.ToString(client.in.FromEmailAddress); got != "Clinic Scheduler <clinic@example.com>" {
		t.Fatalf("unexpected from address %q", got)
	}
	if client.in.Content.Simple.Body.Html != nil {
		t.Fatal("expected no html part for plain message")
	}

	client.err = errors.New("throttled")
	if err := sender.Send(context.Background(), EmailMessage{To: "pat@example.com"}); err == nil {
		t.Fatal("expected SES error to propagate")
	}
}

func TestNewSESSender_NilClient(t *testing.T) {
	if NewSESSender(nil, SESConfig{}, nil) != nil {
		t.Fatal("expected nil sender without client")
	}
}

func TestStubEmailSender_Send(t *testing.T) {
	if err := NewStubEmailSender(nil).Send(context.Background(), EmailMessage{To: "recipient@example.com"}); err != nil {
		t.Errorf("stub sender should not return error, got: %v", err)
	}
}
