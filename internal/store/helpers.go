package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/BTreeMap/LeadPipe/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// marshalFields encodes lead fields for storage.
func marshalFields(fields map[string]string) (string, error) {
	if fields == nil {
		fields = map[string]string{}
	}
	b, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("marshal lead fields failed: %w", err)
	}
	return string(b), nil
}

// scanLeads scans every lead row from rows.
func scanLeads(rows *sql.Rows) ([]models.Lead, error) {
	var leads []models.Lead
	for rows.Next() {
		var l models.Lead
		var flowType, status, fieldsJSON string
		var remoteID, diagnostic sql.NullString
		if err := rows.Scan(&l.ID, &l.ActorID, &flowType, &fieldsJSON, &status, &remoteID, &diagnostic, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan lead failed: %w", err)
		}
		l.Flow = models.FlowType(flowType)
		l.Status = models.LeadStatus(status)
		l.RemoteID = remoteID.String
		l.Diagnostic = diagnostic.String
		l.Fields = make(map[string]string)
		if fieldsJSON != "" {
			if err := json.Unmarshal([]byte(fieldsJSON), &l.Fields); err != nil {
				return nil, fmt.Errorf("decode fields of lead %s failed: %w", l.ID, err)
			}
		}
		leads = append(leads, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate lead rows: %w", err)
	}
	return leads, nil
}
