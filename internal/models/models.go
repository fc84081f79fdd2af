// Package models defines the core data structures for LeadPipe.
//
// It includes normalized inbound input, outbound choice buttons, archived leads and the
// JSON envelope used by the admin API. Types here are shared across modules.
package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Provider identifies the messaging transport an input arrived on.
type Provider string

const (
	// ProviderCloud is the WhatsApp Cloud API (Graph API webhooks).
	ProviderCloud Provider = "cloud"
	// ProviderTwilio is Twilio's WhatsApp channel.
	ProviderTwilio Provider = "twilio"
	// ProviderWhatsmeow is a linked WhatsApp device driven by whatsmeow.
	ProviderWhatsmeow Provider = "whatsmeow"
)

// Validation constants for outbound messages
const (
	// MaxButtonsPerMessage is the number of reply buttons WhatsApp renders in one message.
	MaxButtonsPerMessage = 3
	// MaxButtonTitleLength is the maximum button title length in characters.
	MaxButtonTitleLength = 20
	// MaxTextBodyLength is the maximum text body length accepted by WhatsApp.
	MaxTextBodyLength = 4096
)

var (
	ErrEmptyRecipient = errors.New("recipient cannot be empty")
	ErrEmptyBody      = errors.New("message body cannot be empty")
	ErrBodyTooLong    = errors.New("message body exceeds maximum length")
	ErrNoButtons      = errors.New("at least one button is required")
	ErrEmptyButton    = errors.New("button id and title are required")
)

// Button is a fixed-choice reply option with a machine id and a display title.
type Button struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// Validate checks that the button carries both an id and a title.
func (b Button) Validate() error {
	if b.ID == "" || b.Title == "" {
		return ErrEmptyButton
	}
	return nil
}

// Input is a canonical inbound message.
// SelectionID is set only for structured button or list replies; Text is always the display
// text (the typed message or the selected title) and is empty for unsupported message shapes.
type Input struct {
	ActorID     string   `json:"actor_id"`
	Text        string   `json:"text"`
	SelectionID string   `json:"selection_id,omitempty"`
	MessageID   string   `json:"message_id,omitempty"`
	Provider    Provider `json:"provider,omitempty"`
}

// Structured reports whether the input is a structured reply.
func (in Input) Structured() bool {
	return in.SelectionID != ""
}

// LeadStatus records the outcome of handing a lead to the record store.
type LeadStatus string

const (
	LeadStatusSubmitted LeadStatus = "submitted"
	LeadStatusFailed    LeadStatus = "failed"
)

// Lead is a consented answer set as archived locally.
type Lead struct {
	ID         string            `json:"id"`
	ActorID    string            `json:"actor_id"`
	Flow       FlowType          `json:"flow"`
	Fields     map[string]string `json:"fields"`
	Status     LeadStatus        `json:"status"`
	RemoteID   string            `json:"remote_id,omitempty"`
	Diagnostic string            `json:"diagnostic,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// SubmitResult is the outcome of handing a lead to the record store.
// OK results carry the created record ID; failures carry Detail, the remote error payload or
// a transport error message.
type SubmitResult struct {
	OK     bool        `json:"ok"`
	ID     string      `json:"id,omitempty"`
	Detail interface{} `json:"error,omitempty"`
}

// Submitted returns a successful result for the created record id.
func Submitted(id string) SubmitResult {
	return SubmitResult{OK: true, ID: id}
}

// SubmitFailed returns a failed result carrying detail.
func SubmitFailed(detail interface{}) SubmitResult {
	if err, ok := detail.(error); ok {
		detail = err.Error()
	}
	return SubmitResult{Detail: detail}
}

// Diagnostic renders Detail as JSON, the form shown to the actor and archived with the lead.
func (r SubmitResult) Diagnostic() string {
	if r.Detail == nil {
		return ""
	}
	if raw, ok := r.Detail.(json.RawMessage); ok {
		return string(raw)
	}
	b, err := json.Marshal(r.Detail)
	if err != nil {
		return fmt.Sprintf("%v", r.Detail)
	}
	return string(b)
}

// APIStatus represents the status of an admin API response.
type APIStatus string

const (
	APIStatusOK    APIStatus = "ok"
	APIStatusError APIStatus = "error"
)

// APIResponse represents a standard JSON response from the admin API.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new API response builder.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{
		response: APIResponse{},
	}
}

// WithStatus sets the status of the response.
func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

// WithMessage sets the message of the response.
func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

// WithResult sets the result of the response.
func (b *APIResponseBuilder) WithResult(result interface{}) *APIResponseBuilder {
	b.response.Result = result
	return b
}

// Build returns the constructed APIResponse.
func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Success creates a successful response with optional result data.
func Success(result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithResult(result).
		Build()
}

// Error creates an error response with the given message.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusError).
		WithMessage(message).
		Build()
}
