package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/models"
)

const (
	DefaultGraphAPIBaseURL = "https://graph.facebook.com"
	DefaultGraphAPIVersion = "v19.0"
	DefaultSendTimeout     = 15 * time.Second

	// ContinuationBody introduces the extra button messages of a long choice set.
	ContinuationBody = "Más opciones:"
)

// CloudOpts holds configuration for the WhatsApp Cloud API transport.
type CloudOpts struct {
	AccessToken   string
	PhoneNumberID string
	APIVersion    string
	BaseURL       string
	HTTPClient    *http.Client
}

// CloudOption configures a CloudService.
type CloudOption func(*CloudOpts)

// WithAccessToken sets the Graph API bearer token.
func WithAccessToken(token string) CloudOption {
	return func(o *CloudOpts) { o.AccessToken = token }
}

// WithPhoneNumberID sets the sending phone number id.
func WithPhoneNumberID(id string) CloudOption {
	return func(o *CloudOpts) { o.PhoneNumberID = id }
}

// WithAPIVersion sets the Graph API version, e.g. "v19.0".
func WithAPIVersion(v string) CloudOption {
	return func(o *CloudOpts) { o.APIVersion = v }
}

// WithBaseURL overrides the Graph API root.
func WithBaseURL(u string) CloudOption {
	return func(o *CloudOpts) { o.BaseURL = u }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) CloudOption {
	return func(o *CloudOpts) { o.HTTPClient = c }
}

// CloudService sends through the WhatsApp Business Cloud API.
type CloudService struct {
	inbox
	token    string
	endpoint string
	http     *http.Client
}

// NewCloudService creates a Cloud API transport. Access token and phone number id are required.
func NewCloudService(opts ...CloudOption) (*CloudService, error) {
	cfg := CloudOpts{APIVersion: DefaultGraphAPIVersion, BaseURL: DefaultGraphAPIBaseURL}
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("CloudService config loaded",
		"token_set", cfg.AccessToken != "", "phone_number_id_set", cfg.PhoneNumberID != "", "version", cfg.APIVersion)
	if cfg.AccessToken == "" || cfg.PhoneNumberID == "" {
		return nil, fmt.Errorf("access token and phone number id must be provided")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: DefaultSendTimeout}
	}
	return &CloudService{
		inbox:    newInbox(),
		token:    cfg.AccessToken,
		endpoint: fmt.Sprintf("%s/%s/%s/messages", strings.TrimRight(cfg.BaseURL, "/"), cfg.APIVersion, cfg.PhoneNumberID),
		http:     cfg.HTTPClient,
	}, nil
}

func (s *CloudService) Provider() models.Provider { return models.ProviderCloud }

func (s *CloudService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalRecipient(recipient)
}

func (s *CloudService) Start(ctx context.Context) error { return nil }

func (s *CloudService) Stop() error {
	s.close()
	slog.Info("CloudService stopped")
	return nil
}

type cloudText struct {
	Body string `json:"body"`
}

type cloudReply struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

type cloudButton struct {
	Type  string     `json:"type"`
	Reply cloudReply `json:"reply"`
}

type cloudInteractive struct {
	Type   string    `json:"type"`
	Body   cloudText `json:"body"`
	Action struct {
		Buttons []cloudButton `json:"buttons"`
	} `json:"action"`
}

type cloudMessage struct {
	MessagingProduct string            `json:"messaging_product"`
	To               string            `json:"to"`
	Type             string            `json:"type"`
	Text             *cloudText        `json:"text,omitempty"`
	Interactive      *cloudInteractive `json:"interactive,omitempty"`
}

// APIError is a non-2xx Graph API response.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("graph api returned status %d: %s", e.Status, e.Body)
}

// SendText sends a plain text message.
func (s *CloudService) SendText(ctx context.Context, to string, body string) error {
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
	return s.post(ctx, cloudMessage{
		MessagingProduct: "whatsapp",
		To:               canonicalTo,
		Type:             "text",
		Text:             &cloudText{Body: body},
	})
}

// SendButtons sends an interactive reply-button message. Choice sets larger than the
// per-message limit continue in further messages; titles are cut to the title limit.
func (s *CloudService) SendButtons(ctx context.Context, to string, body string, buttons []models.Button) error {
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
	if len(buttons) == 0 {
		return models.ErrNoButtons
	}
	for i, chunk := range chunkButtons(buttons, models.MaxButtonsPerMessage) {
		text := body
		if i > 0 {
			text = ContinuationBody
		}
		msg := cloudMessage{
			MessagingProduct: "whatsapp",
			To:               canonicalTo,
			Type:             "interactive",
			Interactive:      &cloudInteractive{Type: "button", Body: cloudText{Body: text}},
		}
		for _, b := range chunk {
			if err := b.Validate(); err != nil {
				return err
			}
			msg.Interactive.Action.Buttons = append(msg.Interactive.Action.Buttons, cloudButton{
				Type:  "reply",
				Reply: cloudReply{ID: b.ID, Title: truncateRunes(b.Title, models.MaxButtonTitleLength)},
			})
		}
		if err := s.post(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

func (s *CloudService) post(ctx context.Context, msg cloudMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		slog.Error("CloudService.post: request failed", "to", msg.To, "type", msg.Type, "error", err)
		return fmt.Errorf("failed to send message to %s: %w", msg.To, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		slog.Error("CloudService.post: rejected", "to", msg.To, "type", msg.Type, "status", resp.StatusCode)
		return &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	io.Copy(io.Discard, resp.Body)
	slog.Debug("CloudService.post: message sent", "to", msg.To, "type", msg.Type)
	return nil
}

func chunkButtons(buttons []models.Button, size int) [][]models.Button {
	var chunks [][]models.Button
	for len(buttons) > size {
		chunks = append(chunks, buttons[:size])
		buttons = buttons[size:]
	}
	return append(chunks, buttons)
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// CloudDelivery is the webhook body the Cloud API posts for inbound messages.
type CloudDelivery struct {
	Entry []struct {
		Changes []struct {
			Value struct {
				Messages []CloudInbound `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

// CloudInbound is one inbound message unit.
type CloudInbound struct {
	From        string     `json:"from"`
	ID          string     `json:"id"`
	Type        string     `json:"type"`
	Text        *cloudText `json:"text,omitempty"`
	Interactive *struct {
		Type        string      `json:"type"`
		ButtonReply *cloudReply `json:"button_reply,omitempty"`
		ListReply   *cloudReply `json:"list_reply,omitempty"`
	} `json:"interactive,omitempty"`
}

// ParseCloudDelivery decodes a Cloud API webhook body and normalizes its first message.
// It reports false when the delivery carries no message (status updates and the like).
func ParseCloudDelivery(body []byte) (models.Input, bool, error) {
	var d CloudDelivery
	if err := json.Unmarshal(body, &d); err != nil {
		return models.Input{}, false, fmt.Errorf("invalid delivery: %w", err)
	}
	in, ok := NormalizeCloudDelivery(d)
	return in, ok, nil
}

// NormalizeCloudDelivery extracts the first message unit of the first change of the first entry.
// Text messages yield the trimmed body; button and list replies yield the reply id and title;
// any other message type yields empty text and no selection.
func NormalizeCloudDelivery(d CloudDelivery) (models.Input, bool) {
	if len(d.Entry) == 0 || len(d.Entry[0].Changes) == 0 {
		return models.Input{}, false
	}
	msgs := d.Entry[0].Changes[0].Value.Messages
	if len(msgs) == 0 {
		return models.Input{}, false
	}
	msg := msgs[0]
	in := models.Input{ActorID: msg.From, MessageID: msg.ID, Provider: models.ProviderCloud}
	switch msg.Type {
	case "text":
		if msg.Text != nil {
			in.Text = strings.TrimSpace(msg.Text.Body)
		}
	case "interactive":
		if msg.Interactive == nil {
			break
		}
		reply := msg.Interactive.ButtonReply
		if reply == nil || reply.ID == "" {
			reply = msg.Interactive.ListReply
		}
		if reply != nil {
			in.SelectionID = reply.ID
			in.Text = reply.Title
		}
	}
	return in, true
}
