// Package messaging provides the WhatsApp transports LeadPipe talks through.
//
// Each transport implements Service: it sends plain text and fixed-choice prompts, and turns
// provider deliveries into models.Input. The Cloud API transport renders native reply
// buttons; Twilio and the linked-device transport render choices as a numbered list and
// resolve numbered replies back into selections with a ChoiceMemory.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/models"
)

const (
	// DefaultChannelBufferSize is the buffer size of a service's input channel.
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout bounds how long an inbound message waits for a full channel.
	DefaultChannelTimeout = 1 * time.Second
	// MinRecipientDigits is the shortest phone number accepted as a recipient.
	MinRecipientDigits = 6
)

// ErrServiceStopped is returned by sends after Stop.
var ErrServiceStopped = errors.New("messaging service stopped")

var phoneNumberRegex = regexp.MustCompile(`\D`)

// Service is a pluggable WhatsApp transport.
type Service interface {
	// Provider names the transport.
	Provider() models.Provider

	// ValidateAndCanonicalizeRecipient strips everything but digits and checks the length.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendText sends a plain text message.
	SendText(ctx context.Context, to string, body string) error

	// SendButtons sends body with a fixed set of choices.
	SendButtons(ctx context.Context, to string, body string, buttons []models.Button) error

	// Start begins any background processing.
	Start(ctx context.Context) error

	// Stop stops background processing. Inputs is closed afterwards.
	Stop() error

	// Inputs delivers inbound messages for transports that push them (linked device).
	// Webhook transports hand inputs to the HTTP layer directly and never send here.
	Inputs() <-chan models.Input
}

// canonicalRecipient removes all non-digits and requires at least MinRecipientDigits.
func canonicalRecipient(recipient string) (string, error) {
	if recipient == "" {
		return "", models.ErrEmptyRecipient
	}
	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(canonical) < MinRecipientDigits {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum %d digits required)", canonical, MinRecipientDigits)
	}
	if canonical != recipient {
		slog.Debug("Canonicalized recipient", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}

// validateText checks an outbound text body.
func validateText(body string) error {
	if body == "" {
		return models.ErrEmptyBody
	}
	if len([]rune(body)) > models.MaxTextBodyLength {
		return models.ErrBodyTooLong
	}
	return nil
}

// inbox holds the stop state and input channel shared by the services.
type inbox struct {
	mu      sync.RWMutex
	stopped bool
	inputs  chan models.Input
}

func newInbox() inbox {
	return inbox{inputs: make(chan models.Input, DefaultChannelBufferSize)}
}

func (b *inbox) running() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.stopped {
		return ErrServiceStopped
	}
	return nil
}

// emit queues an inbound message, dropping it if the service stopped or the channel stays full.
func (b *inbox) emit(in models.Input) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.stopped {
		slog.Warn("Dropping inbound message, service stopped", "actor", in.ActorID)
		return false
	}
	select {
	case b.inputs <- in:
		return true
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("Inputs channel blocked, dropping message", "actor", in.ActorID, "timeout", DefaultChannelTimeout)
		return false
	}
}

func (b *inbox) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}
	b.stopped = true
	close(b.inputs)
}

func (b *inbox) Inputs() <-chan models.Input {
	return b.inputs
}
