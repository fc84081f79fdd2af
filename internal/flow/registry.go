// Package flow implements the property intake questionnaires and the conversation engine
// that walks an actor through them.
package flow

import (
	"fmt"
	"strings"

	"github.com/BTreeMap/LeadPipe/internal/models"
)

// Capture turns a normalized input into the value stored for a stage.
// Returning false leaves the bound field unset.
type Capture func(in models.Input) (string, bool)

// Stage describes one question of a flow.
// Prompt (and Buttons, when the stage expects a fixed choice) is sent when the stage is entered.
type Stage struct {
	ID       models.StageType
	Prompt   string
	Buttons  []models.Button
	Field    models.FieldKey
	Capture  Capture
	Next     models.StageType
	Terminal bool // consent checkpoint; both outcomes end the session
}

// value applies the stage's capture rule; stages without one store the display text verbatim.
func (s Stage) value(in models.Input) (string, bool) {
	if s.Capture == nil {
		return in.Text, true
	}
	return s.Capture(in)
}

// Definition is the static description of one questionnaire.
type Definition struct {
	Type     models.FlowType
	Label    string   // stored in the Flujo field and shown on the menu button
	Keywords []string // upper-case selection tokens, English and Spanish
	Stages   []Stage  // ordered; the first stage prompt opens the flow

	Confirmation string // success message, formatted with the record id
	Failure      string // record store failure message, formatted with the diagnostic
	Decline      string // consent declined message

	index map[models.StageType]int
}

// First returns the stage a new session enters.
func (d *Definition) First() Stage {
	return d.Stages[0]
}

// Stage looks up a stage by id.
func (d *Definition) Stage(id models.StageType) (Stage, bool) {
	i, ok := d.index[id]
	if !ok {
		return Stage{}, false
	}
	return d.Stages[i], true
}

// validate checks the stage graph: every successor exists and the graph ends in a single
// terminal consent stage.
func (d *Definition) validate() error {
	if len(d.Stages) == 0 {
		return fmt.Errorf("flow %s has no stages", d.Type)
	}
	d.index = make(map[models.StageType]int, len(d.Stages))
	for i, s := range d.Stages {
		if _, dup := d.index[s.ID]; dup {
			return fmt.Errorf("flow %s: duplicate stage %s", d.Type, s.ID)
		}
		d.index[s.ID] = i
	}
	last := d.Stages[len(d.Stages)-1]
	if !last.Terminal {
		return fmt.Errorf("flow %s: last stage %s is not terminal", d.Type, last.ID)
	}
	for _, s := range d.Stages {
		if s.Prompt == "" {
			return fmt.Errorf("flow %s: stage %s has no prompt", d.Type, s.ID)
		}
		if s.Terminal {
			if s.ID != last.ID {
				return fmt.Errorf("flow %s: terminal stage %s before the end", d.Type, s.ID)
			}
			continue
		}
		if s.Field == "" {
			return fmt.Errorf("flow %s: stage %s binds no field", d.Type, s.ID)
		}
		if _, ok := d.index[s.Next]; !ok {
			return fmt.Errorf("flow %s: stage %s has unknown successor %q", d.Type, s.ID, s.Next)
		}
		if len(s.Buttons) > 0 {
			for _, b := range s.Buttons {
				if err := b.Validate(); err != nil {
					return fmt.Errorf("flow %s: stage %s: %w", d.Type, s.ID, err)
				}
			}
		}
	}
	return nil
}

// Registry holds the flow definitions and the idle-menu vocabulary.
type Registry struct {
	flows      map[models.FlowType]*Definition
	order      []models.FlowType
	keywords   map[string]models.FlowType
	menuWords  map[string]bool
	MenuPrompt string
}

// NewRegistry validates and indexes the given definitions.
func NewRegistry(menuPrompt string, menuWords []string, defs ...*Definition) (*Registry, error) {
	r := &Registry{
		flows:      make(map[models.FlowType]*Definition, len(defs)),
		keywords:   make(map[string]models.FlowType),
		menuWords:  make(map[string]bool, len(menuWords)),
		MenuPrompt: menuPrompt,
	}
	for _, w := range menuWords {
		r.menuWords[strings.ToUpper(w)] = true
	}
	for _, d := range defs {
		if err := d.validate(); err != nil {
			return nil, err
		}
		if _, dup := r.flows[d.Type]; dup {
			return nil, fmt.Errorf("flow %s registered twice", d.Type)
		}
		for _, kw := range d.Keywords {
			kw = strings.ToUpper(kw)
			if other, taken := r.keywords[kw]; taken {
				return nil, fmt.Errorf("keyword %s used by flows %s and %s", kw, other, d.Type)
			}
			r.keywords[kw] = d.Type
		}
		r.flows[d.Type] = d
		r.order = append(r.order, d.Type)
	}
	return r, nil
}

// Get retrieves the definition for a flow type.
func (r *Registry) Get(ft models.FlowType) (*Definition, bool) {
	d, ok := r.flows[ft]
	return d, ok
}

// Match returns the flow selected by token (a button id or upper-cased text).
func (r *Registry) Match(token string) (*Definition, bool) {
	ft, ok := r.keywords[token]
	if !ok {
		return nil, false
	}
	return r.flows[ft], true
}

// IsMenuWord reports whether token asks for the main menu.
func (r *Registry) IsMenuWord(token string) bool {
	return r.menuWords[token]
}

// IsKeyword reports whether token is any idle-state keyword.
func (r *Registry) IsKeyword(token string) bool {
	_, isFlow := r.keywords[token]
	return isFlow || r.menuWords[token]
}

// MenuButtons returns one button per flow, in registration order.
func (r *Registry) MenuButtons() []models.Button {
	buttons := make([]models.Button, 0, len(r.order))
	for _, ft := range r.order {
		buttons = append(buttons, models.Button{ID: string(ft), Title: r.flows[ft].Label})
	}
	return buttons
}
