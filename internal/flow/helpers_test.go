package flow

import (
	"context"
	"sync"

	"github.com/BTreeMap/LeadPipe/internal/models"
)

// sentMessage is one outbound message captured by mockMessenger.
type sentMessage struct {
	To      string
	Body    string
	Buttons []models.Button
}

// mockMessenger records outbound messages for assertions.
type mockMessenger struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (m *mockMessenger) SendText(ctx context.Context, to, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sentMessage{To: to, Body: body})
	return m.err
}

func (m *mockMessenger) SendButtons(ctx context.Context, to, body string, buttons []models.Button) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sentMessage{To: to, Body: body, Buttons: buttons})
	return m.err
}

func (m *mockMessenger) messages() []sentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]sentMessage, len(m.sent))
	copy(out, m.sent)
	return out
}

func (m *mockMessenger) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = nil
}

// mockSubmitter records submitted leads and returns a fixed result.
type mockSubmitter struct {
	mu     sync.Mutex
	calls  []map[string]string
	flows  []models.FlowType
	result models.SubmitResult
}

func (m *mockSubmitter) Submit(ctx context.Context, actorID string, flow models.FlowType, fields map[string]string) models.SubmitResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, fields)
	m.flows = append(m.flows, flow)
	return m.result
}

func (m *mockSubmitter) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}
