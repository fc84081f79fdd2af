package messaging

import (
	"context"
	"log/slog"
	"net/url"
	"strings"

	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/twiliowhatsapp"
)

// TwilioService implements Service on the Twilio WhatsApp API.
// Twilio's freeform messages carry no reply buttons, so choices go out as a numbered list.
type TwilioService struct {
	inbox
	client  twiliowhatsapp.Sender
	choices *ChoiceMemory
}

// NewTwilioService wraps a Twilio client (real or MockClient).
func NewTwilioService(client twiliowhatsapp.Sender) *TwilioService {
	return &TwilioService{
		inbox:   newInbox(),
		client:  client,
		choices: NewChoiceMemory(),
	}
}

func (s *TwilioService) Provider() models.Provider { return models.ProviderTwilio }

func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalRecipient(twiliowhatsapp.StripAddress(recipient))
}

// Start is a no-op; inbound messages arrive through the HTTP webhook.
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

func (s *TwilioService) Stop() error {
	s.close()
	slog.Info("TwilioService stopped")
	return nil
}

func (s *TwilioService) SendText(ctx context.Context, to string, body string) error {
	if err := s.running(); err != nil {
		return err
	}
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("TwilioService.SendText: invalid recipient", "error", err, "to", to)
		return err
	}
	if err := validateText(body); err != nil {
		return err
	}
	s.choices.Forget(canonicalTo)
	return s.client.SendMessage(ctx, canonicalTo, body)
}

func (s *TwilioService) SendButtons(ctx context.Context, to string, body string, buttons []models.Button) error {
	if err := s.running(); err != nil {
		return err
	}
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("TwilioService.SendButtons: invalid recipient", "error", err, "to", to)
		return err
	}
	if len(buttons) == 0 {
		return models.ErrNoButtons
	}
	text := RenderChoices(body, buttons)
	if err := validateText(text); err != nil {
		return err
	}
	if err := s.client.SendMessage(ctx, canonicalTo, text); err != nil {
		return err
	}
	s.choices.Remember(canonicalTo, buttons)
	return nil
}

// NormalizeTwilioForm turns an inbound Twilio webhook form into an Input.
// Quick-reply taps carry ButtonPayload (the id) and ButtonText; plain messages carry Body.
// It reports false when the form has no sender.
func NormalizeTwilioForm(form url.Values) (models.Input, bool) {
	from := twiliowhatsapp.StripAddress(form.Get("From"))
	if from == "" {
		return models.Input{}, false
	}
	in := models.Input{
		ActorID:   from,
		MessageID: form.Get("MessageSid"),
		Provider:  models.ProviderTwilio,
	}
	if payload := form.Get("ButtonPayload"); payload != "" {
		in.SelectionID = payload
		in.Text = strings.TrimSpace(form.Get("ButtonText"))
		return in, true
	}
	in.Text = strings.TrimSpace(form.Get("Body"))
	return in, true
}

// ParseWebhook normalizes an inbound form and resolves numbered replies against the
// choices last sent to the actor.
func (s *TwilioService) ParseWebhook(form url.Values) (models.Input, bool) {
	in, ok := NormalizeTwilioForm(form)
	if !ok {
		return in, false
	}
	return s.choices.Resolve(in), true
}
