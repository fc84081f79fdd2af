package flow

import (
	"strings"

	"github.com/BTreeMap/LeadPipe/internal/models"
)

// Keywords understood outside of a flow.
const (
	ResetKeyword = "RESET"
	ResetAck     = "Conversación reiniciada."
)

var menuWords = []string{"MENU", "HOLA", "HI", "HELLO"}

const mainMenuPrompt = "¡Hola! Soy tu asistente inmobiliario. ¿Qué deseas hacer hoy?"

// Button ids used by structured replies.
const (
	ButtonConsentYes = "CONSENT_YES"
	ButtonConsentNo  = "CONSENT_NO"
	ButtonPayCredit  = "PAY_CREDITO"
	ButtonPayCash    = "PAY_CONTADO"
	ButtonPetsYes    = "PETS_YES"
	ButtonPetsNo     = "PETS_NO"
)

const (
	valueYes    = "Sí"
	valueNo     = "No"
	valueCredit = "Crédito"
	valueCash   = "Contado"
)

var (
	btnHouse      = models.Button{ID: "TYPE_CASA", Title: "Casa"}
	btnApartment  = models.Button{ID: "TYPE_APTO", Title: "Apartamento"}
	btnLand       = models.Button{ID: "TYPE_TERRENO", Title: "Terreno"}
	btnCommercial = models.Button{ID: "TYPE_LOCAL", Title: "Local"}

	consentButtons = []models.Button{
		{ID: ButtonConsentYes, Title: "Sí, autorizo"},
		{ID: ButtonConsentNo, Title: "No"},
	}
)

// optionalEmail stores the email unless the actor opted out with a literal "no".
func optionalEmail(in models.Input) (string, bool) {
	if strings.ToLower(in.Text) == "no" {
		return "", false
	}
	return in.Text, true
}

// paymentMethod normalizes the payment answer to Crédito or Contado.
func paymentMethod(in models.Input) (string, bool) {
	if chosenToken(in) == ButtonPayCredit || strings.Contains(strings.ToUpper(in.Text), "CRED") {
		return valueCredit, true
	}
	return valueCash, true
}

// petsAllowed normalizes the pets answer to Sí or No.
func petsAllowed(in models.Input) (string, bool) {
	if chosenToken(in) == ButtonPetsYes || strings.HasPrefix(strings.ToLower(in.Text), "s") {
		return valueYes, true
	}
	return valueNo, true
}

// contactStages are the closing stages every flow shares, starting at the name question.
func contactStages(consentPrompt string) []Stage {
	return []Stage{
		{ID: models.StageContactName, Prompt: "Tu nombre completo, por favor.", Field: models.FieldName, Next: models.StageEmail},
		{ID: models.StageEmail, Prompt: `Tu correo electrónico (opcional, puedes escribir "no").`, Field: models.FieldEmail, Capture: optionalEmail, Next: models.StageConsent},
		{ID: models.StageConsent, Prompt: consentPrompt, Buttons: consentButtons, Field: models.FieldConsent, Terminal: true},
	}
}

// SellFlow collects the details of a property the actor wants to sell.
func SellFlow() *Definition {
	stages := []Stage{
		{ID: models.StageLocation, Prompt: "¡Excelente! 📍 ¿Dónde está ubicada la propiedad (ciudad/barrio)?", Field: models.FieldLocation, Next: models.StagePropertyType},
		{ID: models.StagePropertyType, Prompt: "¿Qué tipo de propiedad es?", Buttons: []models.Button{btnHouse, btnApartment, btnLand, btnCommercial}, Field: models.FieldPropertyType, Next: models.StageMeters},
		{ID: models.StageMeters, Prompt: `¿Cuántos m² construidos y de terreno? (ej: "120 construidos / 300 terreno")`, Field: models.FieldMeters, Next: models.StageRooms},
		{ID: models.StageRooms, Prompt: `Número de recámaras y baños (ej: "3 recámaras / 2 baños").`, Field: models.FieldRooms, Next: models.StageParking},
		{ID: models.StageParking, Prompt: "¿Cuántos estacionamientos?", Field: models.FieldParking, Next: models.StagePrice},
		{ID: models.StagePrice, Prompt: "¿Precio de venta? (moneda y monto)", Field: models.FieldPrice, Next: models.StageContactName},
	}
	return &Definition{
		Type:         models.FlowSell,
		Label:        "Vender",
		Keywords:     []string{"SELL", "VENDER"},
		Stages:       append(stages, contactStages("¿Autorizas que compartamos tus datos con nuestro asesor para contacto?")...),
		Confirmation: "¡Listo! Registramos tu propiedad. ID: %s. Un asesor te contactará pronto.",
		Failure:      "Guardamos tu información localmente pero hubo un problema con el CRM. Un asesor dará seguimiento. Detalle: %s...",
		Decline:      "Entendido. No compartiremos tus datos. Si cambias de opinión, escribe MENU.",
	}
}

// BuyFlow collects what the actor is looking to buy.
func BuyFlow() *Definition {
	stages := []Stage{
		{ID: models.StageLocation, Prompt: "Perfecto 🏠 ¿En qué zona o ciudad te interesa comprar?", Field: models.FieldLocation, Next: models.StagePropertyType},
		{ID: models.StagePropertyType, Prompt: "¿Qué tipo de propiedad buscas?", Buttons: []models.Button{btnHouse, btnApartment, btnLand, btnCommercial}, Field: models.FieldPropertyType, Next: models.StageBudget},
		{ID: models.StageBudget, Prompt: "¿Cuál es tu presupuesto máximo? (moneda y monto)", Field: models.FieldPrice, Next: models.StageRooms},
		{ID: models.StageRooms, Prompt: "¿Cuántas recámaras y baños necesitas?", Field: models.FieldRooms, Next: models.StagePayment},
		{ID: models.StagePayment, Prompt: "¿Piensas comprar con crédito o contado?", Buttons: []models.Button{{ID: ButtonPayCredit, Title: valueCredit}, {ID: ButtonPayCash, Title: valueCash}}, Field: models.FieldPayment, Capture: paymentMethod, Next: models.StageTiming},
		{ID: models.StageTiming, Prompt: "¿En cuánto tiempo te gustaría comprar? (ej: 1-3 meses)", Field: models.FieldTiming, Next: models.StageContactName},
	}
	return &Definition{
		Type:         models.FlowBuy,
		Label:        "Comprar",
		Keywords:     []string{"BUY", "COMPRAR"},
		Stages:       append(stages, contactStages("¿Autorizas que compartamos tus datos con nuestro asesor para contactarte?")...),
		Confirmation: "¡Gracias! Registramos tu búsqueda. ID: %s. Un asesor te contactará.",
		Failure:      "Guardamos tu info localmente pero falló el CRM. Seguimiento manual. Detalle: %s...",
		Decline:      "OK, no compartiremos tus datos. Si quieres volver al menú, escribe MENU.",
	}
}

// RentFlow collects the actor's rental requirements.
func RentFlow() *Definition {
	stages := []Stage{
		{ID: models.StageLocation, Prompt: "Genial 🗺️ ¿En qué zona deseas rentar?", Field: models.FieldLocation, Next: models.StagePropertyType},
		{ID: models.StagePropertyType, Prompt: "¿Qué tipo de propiedad deseas rentar?", Buttons: []models.Button{btnHouse, btnApartment, btnCommercial}, Field: models.FieldPropertyType, Next: models.StageBudget},
		{ID: models.StageBudget, Prompt: "¿Presupuesto mensual (moneda y monto)?", Field: models.FieldPrice, Next: models.StageRooms},
		{ID: models.StageRooms, Prompt: "¿Recámaras y baños que necesitas?", Field: models.FieldRooms, Next: models.StagePets},
		{ID: models.StagePets, Prompt: "¿Aceptan/traes mascotas?", Buttons: []models.Button{{ID: ButtonPetsYes, Title: valueYes}, {ID: ButtonPetsNo, Title: valueNo}}, Field: models.FieldPets, Capture: petsAllowed, Next: models.StageStay},
		{ID: models.StageStay, Prompt: "¿Por cuántos meses planeas rentar?", Field: models.FieldStay, Next: models.StageContactName},
	}
	return &Definition{
		Type:         models.FlowRent,
		Label:        "Rentar",
		Keywords:     []string{"RENT", "RENTAR"},
		Stages:       append(stages, contactStages("¿Autorizas que compartamos tus datos con nuestro asesor para contacto?")...),
		Confirmation: "¡Perfecto! Registramos tu solicitud de renta. ID: %s. Un asesor te contactará.",
		Failure:      "Guardamos tu info localmente pero falló el CRM. Seguimiento manual. Detalle: %s...",
		Decline:      "Entendido. No compartiremos tus datos. Para menú, escribe MENU.",
	}
}

// DefaultRegistry returns the buy, sell and rent questionnaires. The menu lists them in that order.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(mainMenuPrompt, menuWords, BuyFlow(), SellFlow(), RentFlow())
	if err != nil {
		panic("flow: invalid built-in registry: " + err.Error())
	}
	return r
}
