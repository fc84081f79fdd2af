package messaging

import (
	"context"
	"log/slog"
	"strings"

	"go.mau.fi/whatsmeow/types/events"

	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/whatsapp"
)

// eventSource is implemented by the real whatsmeow-backed client.
type eventSource interface {
	AddEventHandler(handler func(evt interface{}))
}

// WhatsAppService implements Service using the whatsmeow linked-device client.
type WhatsAppService struct {
	inbox
	client  whatsapp.Sender
	events  eventSource
	choices *ChoiceMemory
}

// NewWhatsAppService wraps a WhatsApp client. Inbound events are only received when the
// client is the real whatsmeow client; a MockClient only sends.
func NewWhatsAppService(client whatsapp.Sender) *WhatsAppService {
	s := &WhatsAppService{
		inbox:   newInbox(),
		client:  client,
		choices: NewChoiceMemory(),
	}
	if src, ok := client.(eventSource); ok {
		s.events = src
	} else {
		slog.Debug("WhatsAppService created without event source (likely mock)")
	}
	return s
}

func (s *WhatsAppService) Provider() models.Provider { return models.ProviderWhatsmeow }

func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalRecipient(recipient)
}

// Start registers the inbound message handler.
func (s *WhatsAppService) Start(ctx context.Context) error {
	if s.events == nil {
		return nil
	}
	s.events.AddEventHandler(func(evt interface{}) {
		if msg, ok := evt.(*events.Message); ok {
			s.handleIncomingMessage(msg)
		}
	})
	slog.Debug("WhatsAppService event handler registered")
	return nil
}

func (s *WhatsAppService) Stop() error {
	s.close()
	if d, ok := s.client.(interface{ Disconnect() }); ok {
		d.Disconnect()
	}
	slog.Info("WhatsAppService stopped")
	return nil
}

func (s *WhatsAppService) SendText(ctx context.Context, to string, body string) error {
	if err := s.running(); err != nil {
		return err
	}
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return err
	}
	if err := validateText(body); err != nil {
		return err
	}
	s.choices.Forget(canonicalTo)
	return s.client.SendMessage(ctx, canonicalTo, body)
}

func (s *WhatsAppService) SendButtons(ctx context.Context, to string, body string, buttons []models.Button) error {
	if err := s.running(); err != nil {
		return err
	}
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
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

func (s *WhatsAppService) handleIncomingMessage(evt *events.Message) {
	in, ok := NormalizeWhatsAppMessage(evt)
	if !ok {
		return
	}
	in = s.choices.Resolve(in)
	slog.Debug("WhatsAppService incoming message", "actor", in.ActorID, "structured", in.Structured())
	s.emit(in)
}

// NormalizeWhatsAppMessage turns a whatsmeow message event into an Input.
// Own messages, group messages and empty events are skipped. Media and other unsupported
// message kinds yield empty text.
func NormalizeWhatsAppMessage(evt *events.Message) (models.Input, bool) {
	if evt == nil || evt.Message == nil || evt.Info.IsFromMe || evt.Info.IsGroup {
		return models.Input{}, false
	}
	in := models.Input{
		ActorID:   evt.Info.Sender.User,
		MessageID: string(evt.Info.ID),
		Provider:  models.ProviderWhatsmeow,
	}
	if in.ActorID == "" {
		return models.Input{}, false
	}

	m := evt.Message
	switch {
	case m.GetConversation() != "":
		in.Text = strings.TrimSpace(m.GetConversation())
	case m.GetExtendedTextMessage().GetText() != "":
		in.Text = strings.TrimSpace(m.GetExtendedTextMessage().GetText())
	case m.GetButtonsResponseMessage() != nil:
		r := m.GetButtonsResponseMessage()
		in.SelectionID = r.GetSelectedButtonID()
		in.Text = r.GetSelectedDisplayText()
	case m.GetListResponseMessage() != nil:
		r := m.GetListResponseMessage()
		in.SelectionID = r.GetSingleSelectReply().GetSelectedRowID()
		in.Text = r.GetTitle()
	}
	return in, true
}
