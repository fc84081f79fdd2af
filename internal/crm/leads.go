package crm

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/store"
)

// RecordCreator creates a remote record from a lead's fields.
type RecordCreator interface {
	Create(ctx context.Context, fields map[string]string) models.SubmitResult
}

// LeadService submits consented leads to the record store and archives every attempt.
// Archiving failures are logged and never change the result reported to the actor.
type LeadService struct {
	remote  RecordCreator
	archive store.Store
	now     func() time.Time
}

// NewLeadService wires a record creator to a local archive. archive may be nil.
func NewLeadService(remote RecordCreator, archive store.Store) *LeadService {
	return &LeadService{remote: remote, archive: archive, now: time.Now}
}

// Submit creates the remote record once, without retry, then archives the outcome.
func (s *LeadService) Submit(ctx context.Context, actorID string, flow models.FlowType, fields map[string]string) models.SubmitResult {
	res := s.remote.Create(ctx, fields)

	if s.archive == nil {
		return res
	}
	lead := models.Lead{
		ID:        uuid.NewString(),
		ActorID:   actorID,
		Flow:      flow,
		Fields:    fields,
		Status:    models.LeadStatusSubmitted,
		RemoteID:  res.ID,
		CreatedAt: s.now().UTC(),
	}
	if !res.OK {
		lead.Status = models.LeadStatusFailed
		lead.Diagnostic = res.Diagnostic()
	}
	if err := s.archive.SaveLead(lead); err != nil {
		slog.Error("LeadService.Submit: failed to archive lead", "lead_id", lead.ID, "actor", actorID, "error", err)
	} else {
		slog.Info("LeadService.Submit: lead archived", "lead_id", lead.ID, "flow", flow, "status", lead.Status)
	}
	return res
}
