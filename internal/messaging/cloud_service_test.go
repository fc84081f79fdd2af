package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/BTreeMap/LeadPipe/internal/models"
)

// graphRecorder is a fake Graph API that records posted messages.
type graphRecorder struct {
	mu       sync.Mutex
	paths    []string
	auth     []string
	messages []cloudMessage
	status   int
}

func (g *graphRecorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var msg cloudMessage
	json.NewDecoder(r.Body).Decode(&msg)
	g.mu.Lock()
	g.paths = append(g.paths, r.URL.Path)
	g.auth = append(g.auth, r.Header.Get("Authorization"))
	g.messages = append(g.messages, msg)
	status := g.status
	g.mu.Unlock()
	if status != 0 {
		w.WriteHeader(status)
		w.Write([]byte(`{"error":{"message":"Invalid OAuth access token"}}`))
		return
	}
	w.Write([]byte(`{"messages":[{"id":"wamid.1"}]}`))
}

func (g *graphRecorder) sent() ([]cloudMessage, []string, []string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]cloudMessage(nil), g.messages...), append([]string(nil), g.paths...), append([]string(nil), g.auth...)
}

func (g *graphRecorder) fail(status int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.status = status
}

func newTestCloudService(t *testing.T) (*CloudService, *graphRecorder) {
	t.Helper()
	rec := &graphRecorder{}
	srv := httptest.NewServer(rec)
	t.Cleanup(srv.Close)
	svc, err := NewCloudService(
		WithAccessToken("tok"),
		WithPhoneNumberID("1099"),
		WithAPIVersion("v19.0"),
		WithBaseURL(srv.URL),
	)
	if err != nil {
		t.Fatalf("NewCloudService: %v", err)
	}
	return svc, rec
}

func TestCloudService_ImplementsService(t *testing.T) {
	var _ Service = (*CloudService)(nil)
}

func TestNewCloudService_RequiresCredentials(t *testing.T) {
	if _, err := NewCloudService(WithAccessToken("tok")); err == nil {
		t.Error("expected error without phone number id")
	}
	if _, err := NewCloudService(WithPhoneNumberID("1")); err == nil {
		t.Error("expected error without token")
	}
}

func TestCloudService_SendText(t *testing.T) {
	svc, rec := newTestCloudService(t)
	if err := svc.SendText(context.Background(), "+52 1 555 000 1111", "Hola"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	messages, paths, auth := rec.sent()
	if len(messages) != 1 {
		t.Fatalf("posted %d messages, want 1", len(messages))
	}
	msg := messages[0]
	if paths[0] != "/v19.0/1099/messages" || auth[0] != "Bearer tok" {
		t.Errorf("unexpected request %s %s", paths[0], auth[0])
	}
	if msg.MessagingProduct != "whatsapp" || msg.Type != "text" || msg.To != "5215550001111" || msg.Text == nil || msg.Text.Body != "Hola" {
		t.Errorf("unexpected payload %+v", msg)
	}
}

func TestCloudService_SendButtonsSplitsLongChoiceSets(t *testing.T) {
	svc, rec := newTestCloudService(t)
	buttons := []models.Button{
		{ID: "TYPE_CASA", Title: "Casa"},
		{ID: "TYPE_APTO", Title: "Apartamento"},
		{ID: "TYPE_TERRENO", Title: "Terreno"},
		{ID: "TYPE_LOCAL", Title: "Local comercial con bodega"},
	}
	if err := svc.SendButtons(context.Background(), "5215550001111", "¿Qué tipo de propiedad?", buttons); err != nil {
		t.Fatalf("SendButtons: %v", err)
	}
	messages, _, _ := rec.sent()
	if len(messages) != 2 {
		t.Fatalf("posted %d messages, want 2", len(messages))
	}
	first, second := messages[0], messages[1]
	if first.Type != "interactive" || first.Interactive.Type != "button" || first.Interactive.Body.Body != "¿Qué tipo de propiedad?" {
		t.Errorf("unexpected first message %+v", first)
	}
	if len(first.Interactive.Action.Buttons) != 3 || first.Interactive.Action.Buttons[0].Reply.ID != "TYPE_CASA" || first.Interactive.Action.Buttons[0].Type != "reply" {
		t.Errorf("unexpected first buttons %+v", first.Interactive.Action.Buttons)
	}
	if second.Interactive.Body.Body != ContinuationBody || len(second.Interactive.Action.Buttons) != 1 {
		t.Errorf("unexpected continuation %+v", second)
	}
	if title := second.Interactive.Action.Buttons[0].Reply.Title; len([]rune(title)) != models.MaxButtonTitleLength {
		t.Errorf("title %q not truncated to %d runes", title, models.MaxButtonTitleLength)
	}
}

func TestCloudService_Errors(t *testing.T) {
	svc, rec := newTestCloudService(t)
	ctx := context.Background()

	if err := svc.SendButtons(ctx, "5215550001111", "x", nil); !errors.Is(err, models.ErrNoButtons) {
		t.Errorf("expected ErrNoButtons, got %v", err)
	}
	if err := svc.SendText(ctx, "123", "x"); err == nil {
		t.Error("expected short recipient error")
	}
	if err := svc.SendText(ctx, "5215550001111", ""); !errors.Is(err, models.ErrEmptyBody) {
		t.Errorf("expected ErrEmptyBody, got %v", err)
	}

	rec.fail(http.StatusUnauthorized)
	err := svc.SendText(ctx, "5215550001111", "hola")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnauthorized || !strings.Contains(apiErr.Body, "OAuth") {
		t.Errorf("expected APIError 401, got %v", err)
	}

	svc.Stop()
	if err := svc.SendText(ctx, "5215550001111", "hola"); !errors.Is(err, ErrServiceStopped) {
		t.Errorf("expected ErrServiceStopped, got %v", err)
	}
	if _, ok := <-svc.Inputs(); ok {
		t.Error("inputs channel should be closed after Stop")
	}
}

func TestParseCloudDelivery(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		ok     bool
		expect models.Input
	}{
		{
			name:   "text message is trimmed",
			body:   `{"entry":[{"changes":[{"value":{"messages":[{"from":"5215550001111","id":"wamid.A","type":"text","text":{"body":"  hola  "}}]}}]}]}`,
			ok:     true,
			expect: models.Input{ActorID: "5215550001111", Text: "hola", MessageID: "wamid.A", Provider: models.ProviderCloud},
		},
		{
			name:   "button reply",
			body:   `{"entry":[{"changes":[{"value":{"messages":[{"from":"5215550001111","id":"wamid.B","type":"interactive","interactive":{"type":"button_reply","button_reply":{"id":"SELL","title":"Vender"}}}]}}]}]}`,
			ok:     true,
			expect: models.Input{ActorID: "5215550001111", Text: "Vender", SelectionID: "SELL", MessageID: "wamid.B", Provider: models.ProviderCloud},
		},
		{
			name:   "list reply",
			body:   `{"entry":[{"changes":[{"value":{"messages":[{"from":"5215550001111","id":"wamid.C","type":"interactive","interactive":{"type":"list_reply","list_reply":{"id":"RENT","title":"Rentar"}}}]}}]}]}`,
			ok:     true,
			expect: models.Input{ActorID: "5215550001111", Text: "Rentar", SelectionID: "RENT", MessageID: "wamid.C", Provider: models.ProviderCloud},
		},
		{
			name:   "unsupported type yields empty text",
			body:   `{"entry":[{"changes":[{"value":{"messages":[{"from":"5215550001111","id":"wamid.D","type":"image","image":{"id":"m1"}}]}}]}]}`,
			ok:     true,
			expect: models.Input{ActorID: "5215550001111", MessageID: "wamid.D", Provider: models.ProviderCloud},
		},
		{
			name:   "only the first message is used",
			body:   `{"entry":[{"changes":[{"value":{"messages":[{"from":"1111111","id":"a","type":"text","text":{"body":"uno"}},{"from":"2222222","id":"b","type":"text","text":{"body":"dos"}}]}}]}]}`,
			ok:     true,
			expect: models.Input{ActorID: "1111111", Text: "uno", MessageID: "a", Provider: models.ProviderCloud},
		},
		{name: "status update", body: `{"entry":[{"changes":[{"value":{"statuses":[{"id":"x"}]}}]}]}`},
		{name: "empty object", body: `{}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok, err := ParseCloudDelivery([]byte(tt.body))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if ok && got != tt.expect {
				t.Errorf("got %+v, want %+v", got, tt.expect)
			}
		})
	}

	if _, _, err := ParseCloudDelivery([]byte(`not json`)); err == nil {
		t.Error("expected error for malformed body")
	}
}
