package speech

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// MessageSender sends a text message to a phone number.
type MessageSender interface {
	SendMessage(ctx context.Context, to string, body string) error
}

// TwilioOpts holds configuration options for the Twilio messaging client.
type TwilioOpts struct {
	AccountSID string
	AuthToken  string
	FromNumber string
}

// TwilioOption defines a configuration option for the Twilio messaging client.
type TwilioOption func(*TwilioOpts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) TwilioOption {
	return func(o *TwilioOpts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) TwilioOption {
	return func(o *TwilioOpts) { o.AuthToken = token }
}

// WithFromNumber sets the sending number, e.g. "+15550001111" or "whatsapp:+15550001111".
func WithFromNumber(from string) TwilioOption {
	return func(o *TwilioOpts) { o.FromNumber = from }
}

// TwilioClient wraps the Twilio REST API for outbound messages.
type TwilioClient struct {
	client *twilio.RestClient
	from   string
}

// NewTwilioClient creates a TwilioClient. Unset options fall back to TWILIO_ACCOUNT_SID,
// TWILIO_AUTH_TOKEN and TWILIO_FROM_NUMBER.
func NewTwilioClient(opts ...TwilioOption) (*TwilioClient, error) {
	var cfg TwilioOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.FromNumber == "" {
		cfg.FromNumber = os.Getenv("TWILIO_FROM_NUMBER")
	}
	slog.Debug("speech.NewTwilioClient: config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"FromNumber_set", cfg.FromNumber != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.FromNumber == "" {
		return nil, fmt.Errorf("from number must be provided")
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &TwilioClient{client: client, from: cfg.FromNumber}, nil
}

// SendMessage sends body to the given number through the Twilio Messages API.
func (c *TwilioClient) SendMessage(ctx context.Context, to string, body string) error {
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(c.from)
	params.SetBody(body)

	if _, err := c.client.Api.CreateMessage(params); err != nil {
		slog.Error("speech.TwilioClient.SendMessage: failed", "to", to, "error", err)
		return fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	slog.Debug("speech.TwilioClient.SendMessage: sent", "to", to)
	return nil
}

// TwilioOutput speaks a session's agent text as messages to a single recipient.
type TwilioOutput struct {
	sender MessageSender
	to     string
}

// NewTwilioOutput creates an Output that delivers every utterance to recipient.
func NewTwilioOutput(sender MessageSender, recipient string) *TwilioOutput {
	return &TwilioOutput{sender: sender, to: recipient}
}

// Say sends text to the bound recipient.
func (o *TwilioOutput) Say(ctx context.Context, sessionID, text string) error {
	if text == "" {
		return nil
	}
	if err := o.sender.SendMessage(ctx, o.to, text); err != nil {
		return fmt.Errorf("session %s: %w", sessionID, err)
	}
	return nil
}
