package messaging

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/BTreeMap/LeadPipe/internal/models"
)

// ChoiceMemory remembers the last choice set rendered as text for each actor, so that a
// reply of "2" or of a choice title can be turned back into a structured selection.
// A remembered set answers exactly one reply.
type ChoiceMemory struct {
	mu      sync.Mutex
	choices map[string][]models.Button
}

// NewChoiceMemory creates an empty ChoiceMemory.
func NewChoiceMemory() *ChoiceMemory {
	return &ChoiceMemory{choices: make(map[string][]models.Button)}
}

// Remember records the choices just offered to actorID.
func (m *ChoiceMemory) Remember(actorID string, buttons []models.Button) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.choices[actorID] = append([]models.Button(nil), buttons...)
}

// Forget drops any choices offered to actorID.
func (m *ChoiceMemory) Forget(actorID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.choices, actorID)
}

// Resolve fills SelectionID (and the choice title as Text) when the reply picks one of the
// remembered choices by number or by title. Structured inputs pass through unchanged.
func (m *ChoiceMemory) Resolve(in models.Input) models.Input {
	if in.Structured() {
		return in
	}
	m.mu.Lock()
	buttons, ok := m.choices[in.ActorID]
	delete(m.choices, in.ActorID)
	m.mu.Unlock()
	if !ok {
		return in
	}

	text := strings.TrimSpace(in.Text)
	if n, err := strconv.Atoi(strings.TrimSuffix(text, ".")); err == nil && n >= 1 && n <= len(buttons) {
		in.SelectionID = buttons[n-1].ID
		in.Text = buttons[n-1].Title
		return in
	}
	for _, b := range buttons {
		if strings.EqualFold(text, b.Title) {
			in.SelectionID = b.ID
			in.Text = b.Title
			return in
		}
	}
	return in
}

// RenderChoices appends the choices to body as a numbered list.
func RenderChoices(body string, buttons []models.Button) string {
	var sb strings.Builder
	sb.WriteString(body)
	sb.WriteString("\n")
	for i, b := range buttons {
		fmt.Fprintf(&sb, "\n%d. %s", i+1, b.Title)
	}
	return sb.String()
}
