package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/BTreeMap/LeadPipe/internal/models"
)

// MaxDiagnosticLength bounds the record store diagnostic echoed back to the actor.
const MaxDiagnosticLength = 200

// consentDateLayout matches the millisecond ISO-8601 timestamps the CRM table already holds.
const consentDateLayout = "2006-01-02T15:04:05.000Z07:00"

// Messenger is the outbound messaging collaborator.
type Messenger interface {
	SendText(ctx context.Context, to, body string) error
	SendButtons(ctx context.Context, to, body string, buttons []models.Button) error
}

// LeadSubmitter hands a finished answer set to the record store.
// Implementations never fail outside the returned result.
type LeadSubmitter interface {
	Submit(ctx context.Context, actorID string, flow models.FlowType, fields map[string]string) models.SubmitResult
}

// Recorder observes conversation milestones.
type Recorder interface {
	FlowStarted(flow models.FlowType)
	LeadOutcome(flow models.FlowType, outcome string)
	SessionReset()
}

// Lead outcomes reported to the Recorder.
const (
	OutcomeSubmitted = "submitted"
	OutcomeFailed    = "failed"
	OutcomeDeclined  = "declined"
)

type nopRecorder struct{}

func (nopRecorder) FlowStarted(models.FlowType)         {}
func (nopRecorder) LeadOutcome(models.FlowType, string) {}
func (nopRecorder) SessionReset()                       {}

// Engine is the conversation state machine. It is safe for concurrent use; inputs from the
// same actor are handled one at a time.
type Engine struct {
	registry *Registry
	sessions SessionStore
	msg      Messenger
	leads    LeadSubmitter
	recorder Recorder
	now      func() time.Time
	locks    *actorLocks
}

// Option configures an Engine.
type Option func(*Engine)

// WithRegistry replaces the built-in questionnaires.
func WithRegistry(r *Registry) Option {
	return func(e *Engine) { e.registry = r }
}

// WithSessionStore replaces the in-memory session store.
func WithSessionStore(s SessionStore) Option {
	return func(e *Engine) { e.sessions = s }
}

// WithRecorder installs a metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// WithClock overrides the time source used for the consent timestamp.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an Engine sending through msg and submitting leads through leads.
func NewEngine(msg Messenger, leads LeadSubmitter, opts ...Option) *Engine {
	e := &Engine{
		msg:      msg,
		leads:    leads,
		recorder: nopRecorder{},
		now:      time.Now,
		locks:    newActorLocks(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.registry == nil {
		e.registry = DefaultRegistry()
	}
	if e.sessions == nil {
		e.sessions = NewMemorySessionStore()
	}
	return e
}

// Sessions returns the engine's session store.
func (e *Engine) Sessions() SessionStore {
	return e.sessions
}

// chosenToken is the routing token of an input: the structured selection id when present,
// otherwise the upper-cased display text.
func chosenToken(in models.Input) string {
	if in.SelectionID != "" {
		return in.SelectionID
	}
	return strings.ToUpper(in.Text)
}

// Handle advances the actor's conversation by one input and sends the resulting prompts.
// Send failures are logged and never change the state transition already taken.
func (e *Engine) Handle(ctx context.Context, in models.Input) {
	if in.ActorID == "" {
		slog.Warn("Engine.Handle: input without actor, ignoring")
		return
	}
	unlock := e.locks.lock(in.ActorID)
	defer unlock()

	if strings.ToUpper(in.Text) == ResetKeyword {
		e.sessions.Remove(in.ActorID)
		e.recorder.SessionReset()
		slog.Info("Engine.Handle: session reset", "actor", in.ActorID)
		e.sendText(ctx, in.ActorID, ResetAck)
		e.showMenu(ctx, in.ActorID)
		return
	}

	s := e.sessions.GetOrCreate(in.ActorID)
	if !s.Active() {
		e.routeIdle(ctx, s, in)
		return
	}
	e.advance(ctx, s, in)
}

// routeIdle handles input for a session without an active flow.
func (e *Engine) routeIdle(ctx context.Context, s *models.Session, in models.Input) {
	token := chosenToken(in)

	if def, ok := e.registry.Match(token); ok {
		first := def.First()
		s.Flow = def.Type
		s.Stage = first.ID
		s.Answers = map[models.FieldKey]string{
			models.FieldSource: models.SourceWhatsApp,
			models.FieldFlow:   def.Label,
			models.FieldPhone:  s.ActorID,
		}
		e.sessions.Save(s)
		e.recorder.FlowStarted(def.Type)
		slog.Info("Engine.routeIdle: flow started", "actor", s.ActorID, "flow", def.Type, "stage", first.ID)
		e.sendStage(ctx, s.ActorID, first)
		return
	}

	if e.registry.IsMenuWord(token) {
		slog.Debug("Engine.routeIdle: menu requested", "actor", s.ActorID)
	} else {
		slog.Debug("Engine.routeIdle: unrecognized idle input, showing menu", "actor", s.ActorID, "structured", in.Structured())
	}
	e.showMenu(ctx, s.ActorID)
}

// advance applies the current stage's capture rule and moves to the successor stage.
func (e *Engine) advance(ctx context.Context, s *models.Session, in models.Input) {
	def, ok := e.registry.Get(s.Flow)
	if !ok {
		e.recoverUnknownState(ctx, s)
		return
	}
	stage, ok := def.Stage(s.Stage)
	if !ok {
		e.recoverUnknownState(ctx, s)
		return
	}

	if stage.Terminal {
		e.consent(ctx, s, def, in)
		return
	}

	if value, keep := stage.value(in); keep {
		s.Answers[stage.Field] = value
	}
	next, _ := def.Stage(stage.Next)
	s.Stage = next.ID
	e.sessions.Save(s)
	slog.Debug("Engine.advance: stage advanced", "actor", s.ActorID, "flow", s.Flow, "from", stage.ID, "to", next.ID)
	e.sendStage(ctx, s.ActorID, next)
}

// consent resolves the terminal checkpoint. Any input that is not affirmative declines.
func (e *Engine) consent(ctx context.Context, s *models.Session, def *Definition, in models.Input) {
	defer e.sessions.Remove(s.ActorID)

	if !isAffirmative(in) {
		e.recorder.LeadOutcome(def.Type, OutcomeDeclined)
		slog.Info("Engine.consent: consent declined", "actor", s.ActorID, "flow", def.Type)
		e.sendText(ctx, s.ActorID, def.Decline)
		return
	}

	s.Answers[models.FieldConsent] = valueYes
	s.Answers[models.FieldDate] = e.now().UTC().Format(consentDateLayout)

	result := e.leads.Submit(ctx, s.ActorID, def.Type, s.Fields())
	if result.OK {
		e.recorder.LeadOutcome(def.Type, OutcomeSubmitted)
		slog.Info("Engine.consent: lead submitted", "actor", s.ActorID, "flow", def.Type, "recordID", result.ID)
		e.sendText(ctx, s.ActorID, fmt.Sprintf(def.Confirmation, result.ID))
		return
	}

	diagnostic := result.Diagnostic()
	e.recorder.LeadOutcome(def.Type, OutcomeFailed)
	slog.Warn("Engine.consent: lead submission failed", "actor", s.ActorID, "flow", def.Type, "diagnostic", diagnostic)
	e.sendText(ctx, s.ActorID, fmt.Sprintf(def.Failure, truncate(diagnostic, MaxDiagnosticLength)))
}

// isAffirmative accepts the yes button, SI/SÍ, or any text starting with "s".
func isAffirmative(in models.Input) bool {
	switch chosenToken(in) {
	case ButtonConsentYes, "SI", "SÍ":
		return true
	}
	return strings.HasPrefix(strings.ToLower(in.Text), "s")
}

// recoverUnknownState drops a session whose flow or stage is not in the registry.
func (e *Engine) recoverUnknownState(ctx context.Context, s *models.Session) {
	slog.Error("Engine.advance: session in unknown state, resetting", "actor", s.ActorID, "flow", s.Flow, "stage", s.Stage)
	e.sessions.Remove(s.ActorID)
	e.showMenu(ctx, s.ActorID)
}

func (e *Engine) showMenu(ctx context.Context, to string) {
	e.sendButtons(ctx, to, e.registry.MenuPrompt, e.registry.MenuButtons())
}

func (e *Engine) sendStage(ctx context.Context, to string, stage Stage) {
	if len(stage.Buttons) > 0 {
		e.sendButtons(ctx, to, stage.Prompt, stage.Buttons)
		return
	}
	e.sendText(ctx, to, stage.Prompt)
}

func (e *Engine) sendText(ctx context.Context, to, body string) {
	if err := e.msg.SendText(ctx, to, body); err != nil {
		slog.Error("Engine.sendText: send failed", "error", err, "to", to)
	}
}

func (e *Engine) sendButtons(ctx context.Context, to, body string, buttons []models.Button) {
	if err := e.msg.SendButtons(ctx, to, body, buttons); err != nil {
		slog.Error("Engine.sendButtons: send failed", "error", err, "to", to)
	}
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
