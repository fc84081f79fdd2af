// Package crm submits finished leads to the Airtable record store and archives them locally.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/models"
)

// Defaults for the Airtable REST API.
const (
	DefaultAPIURL  = "https://api.airtable.com"
	DefaultTable   = "Leads"
	DefaultTimeout = 15 * time.Second
)

// ErrNotConfigured is the failure reported when credentials are missing. Its text is shown to
// the actor, so it is in Spanish.
var ErrNotConfigured = errors.New("Airtable no configurado")

// Opts holds configuration for the Airtable client.
type Opts struct {
	APIKey     string
	BaseID     string
	Table      string
	APIURL     string
	HTTPClient *http.Client
}

// Option configures the Airtable client.
type Option func(*Opts)

// WithAPIKey sets the personal access token.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithBaseID sets the Airtable base.
func WithBaseID(id string) Option {
	return func(o *Opts) { o.BaseID = id }
}

// WithTable sets the table name. Names may contain spaces and accents.
func WithTable(table string) Option {
	return func(o *Opts) { o.Table = table }
}

// WithAPIURL overrides the API root, mainly for tests.
func WithAPIURL(u string) Option {
	return func(o *Opts) { o.APIURL = u }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) { o.HTTPClient = c }
}

// Airtable creates one record per submitted lead.
type Airtable struct {
	apiKey string
	baseID string
	table  string
	apiURL string
	http   *http.Client
}

// NewAirtable builds a client. Missing credentials are not an error here; Submit reports them.
func NewAirtable(opts ...Option) *Airtable {
	cfg := Opts{Table: DefaultTable, APIURL: DefaultAPIURL}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: DefaultTimeout}
	}
	if cfg.Table == "" {
		cfg.Table = DefaultTable
	}
	a := &Airtable{
		apiKey: cfg.APIKey,
		baseID: cfg.BaseID,
		table:  cfg.Table,
		apiURL: strings.TrimRight(cfg.APIURL, "/"),
		http:   cfg.HTTPClient,
	}
	if !a.Configured() {
		slog.Warn("Airtable credentials missing, leads will only be archived locally",
			"api_key_set", cfg.APIKey != "", "base_id_set", cfg.BaseID != "")
	}
	return a
}

// Configured reports whether both the API key and the base id are set.
func (a *Airtable) Configured() bool {
	return a.apiKey != "" && a.baseID != ""
}

func (a *Airtable) endpoint() string {
	return fmt.Sprintf("%s/v0/%s/%s", a.apiURL, url.PathEscape(a.baseID), url.PathEscape(a.table))
}

type createRequest struct {
	Records []recordFields `json:"records"`
}

type recordFields struct {
	Fields map[string]string `json:"fields"`
}

type createResponse struct {
	Records []struct {
		ID string `json:"id"`
	} `json:"records"`
}

// Create posts a single record. It never returns an error; failures are carried in the result.
func (a *Airtable) Create(ctx context.Context, fields map[string]string) models.SubmitResult {
	if !a.Configured() {
		return models.SubmitFailed(ErrNotConfigured)
	}

	body, err := json.Marshal(createRequest{Records: []recordFields{{Fields: fields}}})
	if err != nil {
		return models.SubmitFailed(fmt.Errorf("failed to encode record: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint(), bytes.NewReader(body))
	if err != nil {
		return models.SubmitFailed(err)
	}
	req.Header.Set("Authorization", "Bearer "+a.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.http.Do(req)
	if err != nil {
		slog.Error("Airtable.Create: request failed", "error", err)
		return models.SubmitFailed(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		slog.Error("Airtable.Create: failed to read response", "status", resp.StatusCode, "error", err)
		return models.SubmitFailed(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		slog.Error("Airtable.Create: record store rejected lead", "status", resp.StatusCode)
		if json.Valid(raw) {
			return models.SubmitFailed(json.RawMessage(raw))
		}
		return models.SubmitFailed(fmt.Sprintf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(raw))))
	}

	var created createResponse
	if err := json.Unmarshal(raw, &created); err != nil {
		slog.Error("Airtable.Create: undecodable success response", "error", err)
		return models.SubmitFailed(fmt.Errorf("invalid response: %w", err))
	}
	if len(created.Records) == 0 || created.Records[0].ID == "" {
		return models.SubmitFailed(json.RawMessage(raw))
	}
	slog.Debug("Airtable.Create: record created", "record_id", created.Records[0].ID)
	return models.Submitted(created.Records[0].ID)
}
