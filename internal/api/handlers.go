package api

import (
	"context"
	"crypto/subtle"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/BTreeMap/LeadPipe/internal/messaging"
	"github.com/BTreeMap/LeadPipe/internal/models"
)

const (
	// HealthBody is the static root response.
	HealthBody = "Bot Inmobiliaria OK"
	// maxDeliveryBytes bounds a webhook body.
	maxDeliveryBytes = 1 << 20
	emptyTwiML       = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`
)

func (s *Server) rootHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.WriteString(w, HealthBody)
}

func (s *Server) webhookHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.verifyHandler(w, r)
	case http.MethodPost:
		s.deliveryHandler(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// verifyHandler answers the Cloud API subscription handshake.
func (s *Server) verifyHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode := q.Get("hub.mode")
	token := q.Get("hub.verify_token")
	if mode != "subscribe" || s.cfg.VerifyToken == "" ||
		subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.VerifyToken)) != 1 {
		slog.Warn("Server.verifyHandler: verification rejected", "mode", mode)
		w.WriteHeader(http.StatusForbidden)
		return
	}
	slog.Info("Server.verifyHandler: webhook verified")
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.WriteString(w, q.Get("hub.challenge"))
}

// acknowledge writes the success status every delivery gets, whatever happened to it.
func acknowledge(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, "OK")
}

// deliveryHandler processes a Cloud API delivery. Only a bad signature is refused; every
// other outcome is acknowledged so the provider does not redeliver.
func (s *Server) deliveryHandler(w http.ResponseWriter, r *http.Request) {
	deliveryID := uuid.NewString()
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("Server.deliveryHandler: recovered from panic", "panic", rec, "delivery_id", deliveryID)
			acknowledge(w)
		}
	}()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxDeliveryBytes))
	r.Body.Close()
	if err != nil {
		slog.Error("Server.deliveryHandler: failed to read body", "error", err, "delivery_id", deliveryID)
		acknowledge(w)
		return
	}

	if s.cfg.AppSecret != "" {
		if err := verifySignature(s.cfg.AppSecret, body, r.Header.Get(signatureHeader)); err != nil {
			slog.Warn("Server.deliveryHandler: signature rejected", "error", err, "delivery_id", deliveryID)
			w.WriteHeader(http.StatusForbidden)
			return
		}
	}

	in, ok, err := messaging.ParseCloudDelivery(body)
	if err != nil {
		slog.Warn("Server.deliveryHandler: undecodable delivery", "error", err, "delivery_id", deliveryID)
		acknowledge(w)
		return
	}
	if !ok {
		slog.Debug("Server.deliveryHandler: delivery without messages", "delivery_id", deliveryID)
		acknowledge(w)
		return
	}

	slog.Debug("Server.deliveryHandler: message received", "actor", in.ActorID, "structured", in.Structured(), "delivery_id", deliveryID)
	s.process(context.WithoutCancel(r.Context()), in)
	acknowledge(w)
}

// twilioWebhookHandler processes an inbound Twilio WhatsApp message.
func (s *Server) twilioWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	deliveryID := uuid.NewString()
	rejected := false
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("Server.twilioWebhookHandler: recovered from panic", "panic", rec, "delivery_id", deliveryID)
		}
		if rejected {
			return
		}
		w.Header().Set("Content-Type", "text/xml")
		io.WriteString(w, emptyTwiML)
	}()

	r.Body = http.MaxBytesReader(w, r.Body, maxDeliveryBytes)
	if err := r.ParseForm(); err != nil {
		slog.Warn("Server.twilioWebhookHandler: failed to parse form", "error", err, "delivery_id", deliveryID)
		return
	}

	if s.twilio != nil {
		params := make(map[string]string, len(r.PostForm))
		for k, v := range r.PostForm {
			if len(v) > 0 {
				params[k] = v[0]
			}
		}
		if err := s.twilio.Validate(s.cfg.TwilioWebhookURL, params, r.Header.Get("X-Twilio-Signature")); err != nil {
			slog.Warn("Server.twilioWebhookHandler: signature rejected", "error", err, "delivery_id", deliveryID)
			rejected = true
			w.WriteHeader(http.StatusForbidden)
			return
		}
	}

	var (
		in models.Input
		ok bool
	)
	if tw, isTwilio := s.msgService.(*messaging.TwilioService); isTwilio {
		in, ok = tw.ParseWebhook(r.PostForm)
	} else {
		in, ok = messaging.NormalizeTwilioForm(r.PostForm)
	}
	if !ok {
		slog.Debug("Server.twilioWebhookHandler: form without sender", "delivery_id", deliveryID)
		return
	}
	s.process(context.WithoutCancel(r.Context()), in)
}

// leadsHandler lists the local lead archive. It is hidden unless an admin token is configured.
func (s *Server) leadsHandler(w http.ResponseWriter, r *http.Request) {
	if s.cfg.AdminToken == "" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AdminToken)) != 1 {
		slog.Warn("Server.leadsHandler: unauthorized request")
		writeJSONResponse(w, http.StatusUnauthorized, models.Error("Unauthorized"))
		return
	}

	leads, err := s.st.GetLeads()
	if err != nil {
		slog.Error("Server.leadsHandler: failed to load leads", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load leads"))
		return
	}
	if leads == nil {
		leads = []models.Lead{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(leads))
}
