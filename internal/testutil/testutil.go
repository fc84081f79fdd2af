// Package testutil provides common test helpers for LeadPipe tests.
package testutil

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http/httptest"

	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/store"
)

// TB is the subset of testing.TB the helpers use.
type TB interface {
	Helper()
	Errorf(format string, args ...interface{})
	Error(args ...interface{})
	Fatalf(format string, args ...interface{})
	Fatal(args ...interface{})
}

// AssertHTTPStatus checks the HTTP status code.
func AssertHTTPStatus(t TB, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes a JSON envelope and validates its status field.
func AssertJSONResponse(t TB, rr *httptest.ResponseRecorder, expectedStatus string) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
		return nil
	}
	status, ok := response["status"].(string)
	if !ok {
		t.Error("response missing or invalid 'status' field")
		return response
	}
	if status != expectedStatus {
		t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
	}
	return response
}

// CloudTextDelivery builds a Cloud API webhook body carrying one text message.
func CloudTextDelivery(from, messageID, text string) []byte {
	return cloudDelivery(map[string]interface{}{
		"from": from, "id": messageID, "type": "text",
		"text": map[string]string{"body": text},
	})
}

// CloudButtonDelivery builds a Cloud API webhook body carrying one button reply.
func CloudButtonDelivery(from, messageID, id, title string) []byte {
	return cloudDelivery(map[string]interface{}{
		"from": from, "id": messageID, "type": "interactive",
		"interactive": map[string]interface{}{
			"type":         "button_reply",
			"button_reply": map[string]string{"id": id, "title": title},
		},
	})
}

func cloudDelivery(msg map[string]interface{}) []byte {
	body := map[string]interface{}{
		"object": "whatsapp_business_account",
		"entry": []interface{}{map[string]interface{}{
			"changes": []interface{}{map[string]interface{}{
				"field": "messages",
				"value": map[string]interface{}{"messages": []interface{}{msg}},
			}},
		}},
	}
	data, err := json.Marshal(body)
	if err != nil {
		panic(fmt.Sprintf("marshal delivery: %v", err))
	}
	return data
}

// SignBody returns the X-Hub-Signature-256 value for body under secret.
func SignBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// SeedLeads archives leads in st.
func SeedLeads(t TB, st store.Store, leads ...models.Lead) {
	t.Helper()
	for _, l := range leads {
		if err := st.SaveLead(l); err != nil {
			t.Fatalf("failed to seed lead %s: %v", l.ID, err)
		}
	}
}

// MustMarshalJSON marshals v to JSON and fails the test on error.
func MustMarshalJSON(t TB, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}
