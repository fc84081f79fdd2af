// Package models defines flow type definitions to avoid circular imports.
package models

// FlowType identifies one of the top-level questionnaires.
type FlowType string

// StageType represents a single question step within a flow.
type StageType string

// FieldKey is the name of a field in the submitted lead record.
type FieldKey string

// Flow type constants. FlowNone marks a session that has not chosen a flow yet.
const (
	FlowNone FlowType = ""
	FlowBuy  FlowType = "BUY"
	FlowSell FlowType = "SELL"
	FlowRent FlowType = "RENT"
)

// Stage constants shared by every flow. Not every flow visits every stage.
const (
	StageNone         StageType = ""
	StageLocation     StageType = "ASK_LOCATION"
	StagePropertyType StageType = "ASK_TYPE"
	StageMeters       StageType = "ASK_METERS"
	StageBudget       StageType = "ASK_BUDGET"
	StageRooms        StageType = "ASK_ROOMS"
	StageParking      StageType = "ASK_PARKING"
	StagePrice        StageType = "ASK_PRICE"
	StagePayment      StageType = "ASK_PAYMENT"
	StageTiming       StageType = "ASK_TIMING"
	StagePets         StageType = "ASK_PETS"
	StageStay         StageType = "ASK_STAY"
	StageContactName  StageType = "ASK_CONTACT_NAME"
	StageEmail        StageType = "ASK_EMAIL"
	StageConsent      StageType = "ASK_CONSENT"
)

// Metadata fields seeded when a flow starts.
const (
	FieldSource FieldKey = "Fuente"
	FieldFlow   FieldKey = "Flujo"
	FieldPhone  FieldKey = "Telefono"
)

// Answer fields captured along the stage paths.
const (
	FieldLocation     FieldKey = "Ubicacion"
	FieldPropertyType FieldKey = "TipoPropiedad"
	FieldMeters       FieldKey = "Metros"
	FieldRooms        FieldKey = "Habitabilidad"
	FieldParking      FieldKey = "Estacionamientos"
	FieldPrice        FieldKey = "PrecioOPresupuesto"
	FieldPayment      FieldKey = "FormaPago"
	FieldTiming       FieldKey = "TiempoCompra"
	FieldPets         FieldKey = "Mascotas"
	FieldStay         FieldKey = "EstanciaMeses"
	FieldName         FieldKey = "Nombre"
	FieldEmail        FieldKey = "Email"
	FieldConsent      FieldKey = "Consentimiento"
	FieldDate         FieldKey = "Fecha"
)

// SourceWhatsApp is the value stored in FieldSource for every lead.
const SourceWhatsApp = "WhatsApp"
