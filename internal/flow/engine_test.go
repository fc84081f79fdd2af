package flow

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/models"
)

var fixedNow = time.Date(2024, 5, 1, 15, 4, 5, 123000000, time.UTC)

type engineFixture struct {
	engine   *Engine
	msg      *mockMessenger
	leads    *mockSubmitter
	sessions *MemorySessionStore
}

func newFixture(t *testing.T) *engineFixture {
	t.Helper()
	f := &engineFixture{
		msg:      &mockMessenger{},
		leads:    &mockSubmitter{result: models.Submitted("recABC")},
		sessions: NewMemorySessionStore(),
	}
	f.engine = NewEngine(f.msg, f.leads,
		WithSessionStore(f.sessions),
		WithClock(func() time.Time { return fixedNow }),
	)
	return f
}

func text(actor, body string) models.Input {
	return models.Input{ActorID: actor, Text: body, Provider: models.ProviderCloud}
}

func button(actor, id, title string) models.Input {
	return models.Input{ActorID: actor, Text: title, SelectionID: id, Provider: models.ProviderCloud}
}

func (f *engineFixture) send(inputs ...models.Input) {
	for _, in := range inputs {
		f.engine.Handle(context.Background(), in)
	}
}

func (f *engineFixture) session(t *testing.T, actor string) *models.Session {
	t.Helper()
	s, ok := f.sessions.Get(actor)
	if !ok {
		t.Fatalf("expected session for %s", actor)
	}
	return s
}

func assertMenu(t *testing.T, m sentMessage) {
	t.Helper()
	if m.Body != mainMenuPrompt {
		t.Errorf("expected main menu prompt, got %q", m.Body)
	}
	want := []models.Button{{ID: "BUY", Title: "Comprar"}, {ID: "SELL", Title: "Vender"}, {ID: "RENT", Title: "Rentar"}}
	if len(m.Buttons) != len(want) {
		t.Fatalf("expected %d menu buttons, got %d", len(want), len(m.Buttons))
	}
	for i := range want {
		if m.Buttons[i] != want[i] {
			t.Errorf("menu button %d = %+v, want %+v", i, m.Buttons[i], want[i])
		}
	}
}

func TestHandle_IdleFreeTextShowsMenu(t *testing.T) {
	for _, body := range []string{"Hola", "quiero información", "", "MENU", "hello"} {
		t.Run(body, func(t *testing.T) {
			f := newFixture(t)
			f.send(text("5551", body))

			sent := f.msg.messages()
			if len(sent) != 1 {
				t.Fatalf("expected exactly one message, got %d", len(sent))
			}
			assertMenu(t, sent[0])
			if s := f.session(t, "5551"); s.Active() || s.Stage != models.StageNone {
				t.Errorf("expected idle session, got flow=%q stage=%q", s.Flow, s.Stage)
			}
		})
	}
}

func TestHandle_IdleUnknownButtonShowsMenu(t *testing.T) {
	f := newFixture(t)
	f.send(button("5551", ButtonConsentYes, "Sí, autorizo"))

	sent := f.msg.messages()
	if len(sent) != 1 {
		t.Fatalf("expected one message, got %d", len(sent))
	}
	assertMenu(t, sent[0])
	if f.leads.count() != 0 {
		t.Error("stale consent button must not submit a lead")
	}
}

func TestHandle_FlowSelection(t *testing.T) {
	tests := []struct {
		input     models.Input
		flow      models.FlowType
		label     string
		opening   string
		firstStep models.StageType
	}{
		{button("5551", "BUY", "Comprar"), models.FlowBuy, "Comprar", "Perfecto 🏠 ¿En qué zona o ciudad te interesa comprar?", models.StageLocation},
		{text("5551", "comprar"), models.FlowBuy, "Comprar", "Perfecto 🏠 ¿En qué zona o ciudad te interesa comprar?", models.StageLocation},
		{text("5551", "buy"), models.FlowBuy, "Comprar", "Perfecto 🏠 ¿En qué zona o ciudad te interesa comprar?", models.StageLocation},
		{button("5551", "SELL", "Vender"), models.FlowSell, "Vender", "¡Excelente! 📍 ¿Dónde está ubicada la propiedad (ciudad/barrio)?", models.StageLocation},
		{text("5551", "Vender"), models.FlowSell, "Vender", "¡Excelente! 📍 ¿Dónde está ubicada la propiedad (ciudad/barrio)?", models.StageLocation},
		{text("5551", "SELL"), models.FlowSell, "Vender", "¡Excelente! 📍 ¿Dónde está ubicada la propiedad (ciudad/barrio)?", models.StageLocation},
		{button("5551", "RENT", "Rentar"), models.FlowRent, "Rentar", "Genial 🗺️ ¿En qué zona deseas rentar?", models.StageLocation},
		{text("5551", "rentar"), models.FlowRent, "Rentar", "Genial 🗺️ ¿En qué zona deseas rentar?", models.StageLocation},
		{text("5551", "Rent"), models.FlowRent, "Rentar", "Genial 🗺️ ¿En qué zona deseas rentar?", models.StageLocation},
	}
	for _, tt := range tests {
		t.Run(string(tt.flow)+"/"+tt.input.Text, func(t *testing.T) {
			f := newFixture(t)
			f.send(tt.input)

			s := f.session(t, "5551")
			if s.Flow != tt.flow || s.Stage != tt.firstStep {
				t.Errorf("got flow=%q stage=%q, want %q %q", s.Flow, s.Stage, tt.flow, tt.firstStep)
			}
			want := map[models.FieldKey]string{
				models.FieldSource: "WhatsApp",
				models.FieldFlow:   tt.label,
				models.FieldPhone:  "5551",
			}
			if len(s.Answers) != len(want) {
				t.Errorf("expected only metadata answers, got %v", s.Answers)
			}
			for k, v := range want {
				if s.Answers[k] != v {
					t.Errorf("answer %s = %q, want %q", k, s.Answers[k], v)
				}
			}
			sent := f.msg.messages()
			if len(sent) != 1 || sent[0].Body != tt.opening || len(sent[0].Buttons) != 0 {
				t.Errorf("unexpected opening messages: %+v", sent)
			}
		})
	}
}

func TestHandle_FlowIsNotReselectedMidFlow(t *testing.T) {
	f := newFixture(t)
	f.send(button("5551", "BUY", "Comprar"), text("5551", "SELL"))

	s := f.session(t, "5551")
	if s.Flow != models.FlowBuy {
		t.Fatalf("flow changed to %q", s.Flow)
	}
	if s.Answers[models.FieldLocation] != "SELL" {
		t.Errorf("expected keyword captured as location answer, got %q", s.Answers[models.FieldLocation])
	}
	if s.Stage != models.StagePropertyType {
		t.Errorf("expected ASK_TYPE, got %q", s.Stage)
	}
}

// walk answers every stage of a flow with the given inputs, keyed by stage.
func walk(f *engineFixture, actor string, start models.Input, answers []models.Input) {
	f.send(start)
	f.send(answers...)
}

func TestHandle_CompleteSellFlow(t *testing.T) {
	f := newFixture(t)
	walk(f, "5551", button("5551", "SELL", "Vender"), []models.Input{
		text("5551", "Coyoacán, CDMX"),
		button("5551", "TYPE_CASA", "Casa"),
		text("5551", "120 construidos / 300 terreno"),
		text("5551", "3 recámaras / 2 baños"),
		text("5551", "2"),
		text("5551", "MXN 4,500,000"),
		text("5551", "Ana López"),
		text("5551", "ana@example.com"),
		button("5551", ButtonConsentYes, "Sí, autorizo"),
	})

	if f.leads.count() != 1 {
		t.Fatalf("expected exactly one submission, got %d", f.leads.count())
	}
	got := f.leads.calls[0]
	want := map[string]string{
		"Fuente":             "WhatsApp",
		"Flujo":              "Vender",
		"Telefono":           "5551",
		"Ubicacion":          "Coyoacán, CDMX",
		"TipoPropiedad":      "Casa",
		"Metros":             "120 construidos / 300 terreno",
		"Habitabilidad":      "3 recámaras / 2 baños",
		"Estacionamientos":   "2",
		"PrecioOPresupuesto": "MXN 4,500,000",
		"Nombre":             "Ana López",
		"Email":              "ana@example.com",
		"Consentimiento":     "Sí",
		"Fecha":              "2024-05-01T15:04:05.123Z",
	}
	if len(got) != len(want) {
		t.Errorf("submitted %d fields, want %d: %v", len(got), len(want), got)
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("field %s = %q, want %q", k, got[k], v)
		}
	}
	if f.leads.flows[0] != models.FlowSell {
		t.Errorf("submitted flow %q", f.leads.flows[0])
	}

	sent := f.msg.messages()
	last := sent[len(sent)-1]
	if last.Body != "¡Listo! Registramos tu propiedad. ID: recABC. Un asesor te contactará pronto." {
		t.Errorf("unexpected confirmation %q", last.Body)
	}
	if _, ok := f.sessions.Get("5551"); ok {
		t.Error("session should be destroyed after submission")
	}
}

func TestHandle_CompleteBuyFlow(t *testing.T) {
	f := newFixture(t)
	walk(f, "5552", text("5552", "comprar"), []models.Input{
		text("5552", "Guadalajara"),
		button("5552", "TYPE_APTO", "Apartamento"),
		text("5552", "USD 200k"),
		text("5552", "2 y 1"),
		text("5552", "a credito"),
		text("5552", "1-3 meses"),
		text("5552", "Luis"),
		text("5552", "No"),
		text("5552", "si"),
	})

	if f.leads.count() != 1 {
		t.Fatalf("expected one submission, got %d", f.leads.count())
	}
	got := f.leads.calls[0]
	if got["FormaPago"] != "Crédito" {
		t.Errorf("FormaPago = %q, want Crédito", got["FormaPago"])
	}
	if got["TiempoCompra"] != "1-3 meses" || got["PrecioOPresupuesto"] != "USD 200k" {
		t.Errorf("unexpected buy fields: %v", got)
	}
	if _, ok := got["Email"]; ok {
		t.Error("email opt-out must leave Email unset")
	}
	for _, k := range []string{"Metros", "Estacionamientos", "Mascotas", "EstanciaMeses"} {
		if _, ok := got[k]; ok {
			t.Errorf("buy lead must not contain %s", k)
		}
	}
	sent := f.msg.messages()
	if last := sent[len(sent)-1].Body; last != "¡Gracias! Registramos tu búsqueda. ID: recABC. Un asesor te contactará." {
		t.Errorf("unexpected confirmation %q", last)
	}
}

func TestHandle_BuyPaymentDefaultsToCash(t *testing.T) {
	for _, in := range []models.Input{
		button("5552", ButtonPayCash, "Contado"),
		text("5552", "efectivo"),
	} {
		f := newFixture(t)
		walk(f, "5552", button("5552", "BUY", "Comprar"), []models.Input{
			text("5552", "x"), text("5552", "Casa"), text("5552", "x"), text("5552", "x"), in,
		})
		if got := f.session(t, "5552").Answers[models.FieldPayment]; got != "Contado" {
			t.Errorf("FormaPago for %+v = %q, want Contado", in, got)
		}
	}
}

func TestHandle_RentPetsButton(t *testing.T) {
	f := newFixture(t)
	walk(f, "5553", button("5553", "RENT", "Rentar"), []models.Input{
		text("5553", "Polanco"),
		button("5553", "TYPE_LOCAL", "Local"),
		text("5553", "MXN 20,000"),
		text("5553", "1"),
	})
	f.msg.reset()

	f.send(button("5553", ButtonPetsNo, "No"))

	s := f.session(t, "5553")
	if s.Answers[models.FieldPets] != "No" {
		t.Errorf("Mascotas = %q, want No", s.Answers[models.FieldPets])
	}
	if s.Stage != models.StageStay {
		t.Errorf("stage = %q, want ASK_STAY", s.Stage)
	}
	sent := f.msg.messages()
	if len(sent) != 1 || sent[0].Body != "¿Por cuántos meses planeas rentar?" {
		t.Errorf("unexpected stay prompt: %+v", sent)
	}
}

func TestHandle_RentPetsFreeTextYes(t *testing.T) {
	f := newFixture(t)
	walk(f, "5553", button("5553", "RENT", "Rentar"), []models.Input{
		text("5553", "Polanco"), text("5553", "Casa"), text("5553", "x"), text("5553", "x"), text("5553", "Sí, un perro"),
	})
	if got := f.session(t, "5553").Answers[models.FieldPets]; got != "Sí" {
		t.Errorf("Mascotas = %q, want Sí", got)
	}
}

func TestHandle_StagePromptsAndButtons(t *testing.T) {
	f := newFixture(t)
	f.send(button("5553", "RENT", "Rentar"), text("5553", "Polanco"))

	sent := f.msg.messages()
	typePrompt := sent[len(sent)-1]
	if typePrompt.Body != "¿Qué tipo de propiedad deseas rentar?" {
		t.Fatalf("unexpected prompt %q", typePrompt.Body)
	}
	if len(typePrompt.Buttons) != 3 {
		t.Fatalf("rent property types should offer 3 choices, got %d", len(typePrompt.Buttons))
	}
	for _, b := range typePrompt.Buttons {
		if b.ID == "TYPE_TERRENO" {
			t.Error("rent flow must not offer land")
		}
	}
}

func TestHandle_ConsentDeclined(t *testing.T) {
	for _, reply := range []models.Input{
		button("5554", ButtonConsentNo, "No"),
		text("5554", "no gracias"),
		text("5554", "tal vez"),
	} {
		t.Run(reply.Text, func(t *testing.T) {
			f := newFixture(t)
			walk(f, "5554", button("5554", "SELL", "Vender"), []models.Input{
				text("5554", "a"), text("5554", "Casa"), text("5554", "b"), text("5554", "c"),
				text("5554", "d"), text("5554", "e"), text("5554", "f"), text("5554", "no"), reply,
			})

			if f.leads.count() != 0 {
				t.Errorf("declined consent must not submit, got %d calls", f.leads.count())
			}
			if _, ok := f.sessions.Get("5554"); ok {
				t.Error("session should be destroyed after decline")
			}
			sent := f.msg.messages()
			if last := sent[len(sent)-1].Body; last != "Entendido. No compartiremos tus datos. Si cambias de opinión, escribe MENU." {
				t.Errorf("unexpected decline message %q", last)
			}
		})
	}
}

func TestIsAffirmative(t *testing.T) {
	tests := []struct {
		in   models.Input
		want bool
	}{
		{button("1", ButtonConsentYes, "Sí, autorizo"), true},
		{text("1", "SI"), true},
		{text("1", "SÍ"), true},
		{text("1", "sí"), true},
		{text("1", "Sure"), true},
		{text("1", "simón"), true},
		{text("1", "no"), false},
		{text("1", "ok"), false},
		{text("1", ""), false},
		{button("1", ButtonConsentNo, "No"), false},
	}
	for _, tt := range tests {
		if got := isAffirmative(tt.in); got != tt.want {
			t.Errorf("isAffirmative(%+v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestHandle_SubmissionFailure(t *testing.T) {
	f := newFixture(t)
	longDetail := json.RawMessage(`{"error":{"type":"NETWORK","message":"` + strings.Repeat("x", 300) + `"}}`)
	f.leads.result = models.SubmitFailed(longDetail)

	walk(f, "5555", button("5555", "RENT", "Rentar"), []models.Input{
		text("5555", "a"), text("5555", "Casa"), text("5555", "b"), text("5555", "c"),
		button("5555", ButtonPetsYes, "Sí"), text("5555", "12"), text("5555", "Eva"), text("5555", "eva@x.mx"),
		text("5555", "SI"),
	})

	if f.leads.count() != 1 {
		t.Fatalf("expected one submission attempt, got %d", f.leads.count())
	}
	sent := f.msg.messages()
	last := sent[len(sent)-1].Body
	prefix := "Guardamos tu info localmente pero falló el CRM. Seguimiento manual. Detalle: "
	if !strings.HasPrefix(last, prefix) || !strings.HasSuffix(last, "...") {
		t.Fatalf("unexpected failure message %q", last)
	}
	detail := strings.TrimSuffix(strings.TrimPrefix(last, prefix), "...")
	if len([]rune(detail)) != MaxDiagnosticLength {
		t.Errorf("diagnostic length = %d, want %d", len([]rune(detail)), MaxDiagnosticLength)
	}
	if !strings.HasPrefix(detail, `{"error":{"type":"NETWORK"`) {
		t.Errorf("diagnostic should start with the JSON payload, got %q", detail)
	}
	if _, ok := f.sessions.Get("5555"); ok {
		t.Error("session should be destroyed after failed submission")
	}
}

func TestHandle_NetworkErrorDiagnostic(t *testing.T) {
	f := newFixture(t)
	f.leads.result = models.SubmitFailed(errors.New("dial tcp 1.2.3.4:443: i/o timeout"))
	walk(f, "5556", button("5556", "BUY", "Comprar"), []models.Input{
		text("5556", "a"), text("5556", "Casa"), text("5556", "b"), text("5556", "c"),
		button("5556", ButtonPayCredit, "Crédito"), text("5556", "ya"), text("5556", "Leo"), text("5556", "no"),
		button("5556", ButtonConsentYes, "Sí, autorizo"),
	})
	sent := f.msg.messages()
	last := sent[len(sent)-1].Body
	if !strings.Contains(last, `"dial tcp 1.2.3.4:443: i/o timeout"...`) {
		t.Errorf("expected quoted diagnostic, got %q", last)
	}
	if _, ok := f.sessions.Get("5556"); ok {
		t.Error("session should be destroyed")
	}
}

func TestHandle_ResetFromAnyState(t *testing.T) {
	f := newFixture(t)
	f.send(button("5551", "SELL", "Vender"), text("5551", "Centro"), button("5551", "TYPE_CASA", "Casa"))
	f.msg.reset()

	for i := 0; i < 2; i++ {
		f.send(text("5551", "reset"))
		if _, ok := f.sessions.Get("5551"); ok {
			t.Fatalf("reset %d: session should not exist", i)
		}
		sent := f.msg.messages()
		if len(sent) != 2 || sent[0].Body != ResetAck {
			t.Fatalf("reset %d: unexpected messages %+v", i, sent)
		}
		assertMenu(t, sent[1])
		f.msg.reset()
	}

	f.send(text("5551", "RENT"))
	if s := f.session(t, "5551"); s.Flow != models.FlowRent {
		t.Errorf("fresh flow expected after reset, got %q", s.Flow)
	}
}

func TestHandle_FlowsDoNotShareFields(t *testing.T) {
	answers := func(actor string) []models.Input {
		out := make([]models.Input, 0, 9)
		for i := 0; i < 8; i++ {
			out = append(out, text(actor, "same"))
		}
		return append(out, button(actor, ButtonConsentYes, "Sí, autorizo"))
	}
	f := newFixture(t)
	walk(f, "a", button("a", "BUY", "Comprar"), answers("a"))
	walk(f, "b", button("b", "SELL", "Vender"), answers("b"))
	walk(f, "c", button("c", "RENT", "Rentar"), answers("c"))

	if f.leads.count() != 3 {
		t.Fatalf("expected 3 submissions, got %d", f.leads.count())
	}
	shared := map[string]bool{
		"Fuente": true, "Flujo": true, "Telefono": true, "Ubicacion": true, "TipoPropiedad": true,
		"PrecioOPresupuesto": true, "Habitabilidad": true, "Nombre": true, "Email": true,
		"Consentimiento": true, "Fecha": true,
	}
	own := map[models.FlowType][]string{
		models.FlowBuy:  {"FormaPago", "TiempoCompra"},
		models.FlowSell: {"Metros", "Estacionamientos"},
		models.FlowRent: {"Mascotas", "EstanciaMeses"},
	}
	for i, fields := range f.leads.calls {
		flow := f.leads.flows[i]
		allowed := map[string]bool{}
		for _, k := range own[flow] {
			allowed[k] = true
			if _, ok := fields[k]; !ok {
				t.Errorf("%s lead missing %s", flow, k)
			}
		}
		for k := range fields {
			if !shared[k] && !allowed[k] {
				t.Errorf("%s lead carries foreign field %s", flow, k)
			}
		}
	}
}

func TestHandle_SendErrorsDoNotBlockTransitions(t *testing.T) {
	f := newFixture(t)
	f.msg.err = errors.New("graph api down")
	f.send(button("5551", "BUY", "Comprar"), text("5551", "Centro"))

	s := f.session(t, "5551")
	if s.Stage != models.StagePropertyType || s.Answers[models.FieldLocation] != "Centro" {
		t.Errorf("state should advance despite send errors: %+v", s)
	}
}

func TestHandle_UnknownStageRecovers(t *testing.T) {
	f := newFixture(t)
	s := f.sessions.GetOrCreate("5551")
	s.Flow = models.FlowBuy
	s.Stage = "ASK_NOTHING"

	f.send(text("5551", "hola"))

	if _, ok := f.sessions.Get("5551"); ok {
		t.Error("corrupt session should be dropped")
	}
	sent := f.msg.messages()
	if len(sent) != 1 {
		t.Fatalf("expected menu, got %+v", sent)
	}
	assertMenu(t, sent[0])
}

func TestHandle_ConcurrentActorsAreIsolated(t *testing.T) {
	f := newFixture(t)
	actors := []string{"100", "200", "300", "400"}
	var wg sync.WaitGroup
	for _, a := range actors {
		wg.Add(1)
		go func(actor string) {
			defer wg.Done()
			f.send(button(actor, "SELL", "Vender"))
			for i := 0; i < 8; i++ {
				f.send(text(actor, actor))
			}
			f.send(text(actor, "si"))
		}(a)
	}
	wg.Wait()

	if f.leads.count() != len(actors) {
		t.Fatalf("expected %d submissions, got %d", len(actors), f.leads.count())
	}
	for _, fields := range f.leads.calls {
		if fields["Telefono"] != fields["Nombre"] {
			t.Errorf("answers crossed between actors: %v", fields)
		}
	}
	if f.engine.locks.size() != 0 {
		t.Errorf("actor locks leaked: %d", f.engine.locks.size())
	}
}

func TestHandle_SameActorConsentSubmitsOnce(t *testing.T) {
	const rounds, parallel = 20, 8
	f := newFixture(t)
	for r := 0; r < rounds; r++ {
		f.msg.reset()
		actor := "9"
		f.send(button(actor, "SELL", "Vender"))
		for i := 0; i < 8; i++ {
			f.send(text(actor, "respuesta"))
		}
		if s := f.session(t, actor); s.Stage != models.StageConsent {
			t.Fatalf("round %d: expected consent stage, got %q", r, s.Stage)
		}
		before := f.leads.count()

		start := make(chan struct{})
		var wg sync.WaitGroup
		for i := 0; i < parallel; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				f.send(text(actor, "si"))
			}()
		}
		close(start)
		wg.Wait()

		if got := f.leads.count() - before; got != 1 {
			t.Fatalf("round %d: %d concurrent answers produced %d submissions, want 1", r, parallel, got)
		}
		confirmations := 0
		for _, m := range f.msg.messages() {
			if strings.Contains(m.Body, "recABC") {
				confirmations++
			}
		}
		if confirmations != 1 {
			t.Errorf("round %d: sent %d confirmations, want 1", r, confirmations)
		}
		if n := f.engine.locks.size(); n != 0 {
			t.Fatalf("round %d: actor locks leaked: %d", r, n)
		}
		f.sessions.Remove(actor)
	}
}

func TestHandle_IgnoresInputWithoutActor(t *testing.T) {
	f := newFixture(t)
	f.send(text("", "hola"))
	if len(f.msg.messages()) != 0 || f.sessions.Len() != 0 {
		t.Error("input without actor must be ignored")
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("ñandú", 3); got != "ñan" {
		t.Errorf("truncate = %q", got)
	}
	if got := truncate("abc", 10); got != "abc" {
		t.Errorf("truncate = %q", got)
	}
}
