package testutil

import (
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/store"
)

func TestAssertHTTPStatus(t *testing.T) {
	tests := []struct {
		name       string
		expected   int
		actual     int
		shouldFail bool
	}{
		{"matching status codes", 200, 200, false},
		{"different status codes", 200, 404, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockT := &mockTestingT{}
			AssertHTTPStatus(mockT, tt.expected, tt.actual, "test context")
			if mockT.failed != tt.shouldFail {
				t.Errorf("failed = %v, want %v (%s)", mockT.failed, tt.shouldFail, mockT.errorMsg)
			}
			if !mockT.helper {
				t.Error("helper should call t.Helper()")
			}
		})
	}
}

func TestAssertJSONResponse(t *testing.T) {
	tests := []struct {
		name           string
		jsonBody       string
		expectedStatus string
		shouldFail     bool
	}{
		{"matching status", `{"status":"ok","result":[]}`, "ok", false},
		{"wrong status", `{"status":"error","message":"x"}`, "ok", true},
		{"missing status", `{"result":1}`, "ok", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			rr.Body.WriteString(tt.jsonBody)
			mockT := &mockTestingT{}
			AssertJSONResponse(mockT, rr, tt.expectedStatus)
			if mockT.failed != tt.shouldFail {
				t.Errorf("failed = %v, want %v (%s)", mockT.failed, tt.shouldFail, mockT.errorMsg)
			}
		})
	}
}

func TestCloudDeliveries(t *testing.T) {
	var d struct {
		Entry []struct {
			Changes []struct {
				Value struct {
					Messages []map[string]interface{} `json:"messages"`
				} `json:"value"`
			} `json:"changes"`
		} `json:"entry"`
	}
	if err := json.Unmarshal(CloudButtonDelivery("5215550001111", "wamid.1", "SELL", "Vender"), &d); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	msg := d.Entry[0].Changes[0].Value.Messages[0]
	if msg["from"] != "5215550001111" || msg["type"] != "interactive" {
		t.Errorf("unexpected message %v", msg)
	}

	if err := json.Unmarshal(CloudTextDelivery("5215550001111", "wamid.2", "hola"), &d); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if text := d.Entry[0].Changes[0].Value.Messages[0]["text"].(map[string]interface{})["body"]; text != "hola" {
		t.Errorf("text body = %v", text)
	}
}

func TestSignBody(t *testing.T) {
	if got := SignBody("secret", []byte("{}")); len(got) != len("sha256=")+64 || got[:7] != "sha256=" {
		t.Errorf("SignBody = %q", got)
	}
	if SignBody("a", []byte("x")) == SignBody("b", []byte("x")) {
		t.Error("different secrets must give different signatures")
	}
}

func TestSeedLeads(t *testing.T) {
	st := store.NewInMemoryStore()
	SeedLeads(t, st,
		models.Lead{ID: "l1", ActorID: "1", Flow: models.FlowBuy, Status: models.LeadStatusSubmitted, CreatedAt: time.Unix(1, 0)},
		models.Lead{ID: "l2", ActorID: "2", Flow: models.FlowRent, Status: models.LeadStatusFailed, CreatedAt: time.Unix(2, 0)},
	)
	leads, err := st.GetLeads()
	if err != nil || len(leads) != 2 {
		t.Fatalf("GetLeads = %v, %v", leads, err)
	}
}

func TestMustMarshalJSON(t *testing.T) {
	data := MustMarshalJSON(t, map[string]string{"key": "value"})
	if string(data) != `{"key":"value"}` {
		t.Errorf("unexpected JSON %s", data)
	}
}

// mockTestingT records failures instead of failing the enclosing test.
type mockTestingT struct {
	failed   bool
	errorMsg string
	helper   bool
}

func (m *mockTestingT) Helper() {
	m.helper = true
}

func (m *mockTestingT) Errorf(format string, args ...interface{}) {
	m.failed = true
	m.errorMsg = fmt.Sprintf(format, args...)
}

func (m *mockTestingT) Error(args ...interface{}) {
	m.failed = true
	m.errorMsg = fmt.Sprint(args...)
}

func (m *mockTestingT) Fatalf(format string, args ...interface{}) {
	m.failed = true
	m.errorMsg = fmt.Sprintf(format, args...)
}

func (m *mockTestingT) Fatal(args ...interface{}) {
	m.failed = true
	m.errorMsg = fmt.Sprint(args...)
}
