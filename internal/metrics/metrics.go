// Package metrics exposes LeadPipe's Prometheus metrics.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/BTreeMap/LeadPipe/internal/models"
)

const namespace = "leadpipe"

// Recorder records conversation, delivery and lead metrics on its own registry.
type Recorder struct {
	registry        *prometheus.Registry
	inboundTotal    *prometheus.CounterVec
	duplicatesTotal *prometheus.CounterVec
	dedupPruned     prometheus.Counter
	flowsStarted    *prometheus.CounterVec
	leadsTotal      *prometheus.CounterVec
	outboundTotal   *prometheus.CounterVec
	sendDuration    *prometheus.HistogramVec
	resetsTotal     prometheus.Counter
	expiredTotal    prometheus.Counter
	activeSessions  prometheus.Gauge
}

// NewRecorder creates a Recorder with Go runtime and process collectors registered.
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		inboundTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "inbound_messages_total",
				Help:      "Inbound messages by provider and kind (text, selection, empty)",
			},
			[]string{"provider", "kind"},
		),
		duplicatesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "inbound_duplicates_total",
				Help:      "Redelivered inbound messages dropped by deduplication",
			},
			[]string{"provider"},
		),
		dedupPruned: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_dedup_pruned_total",
			Help:      "Dedup records dropped after the retention window",
		}),
		flowsStarted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "flows_started_total",
				Help:      "Questionnaires started by flow",
			},
			[]string{"flow"},
		),
		leadsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "leads_total",
				Help:      "Finished questionnaires by flow and outcome (submitted, failed, declined)",
			},
			[]string{"flow", "outcome"},
		),
		outboundTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "outbound_messages_total",
				Help:      "Outbound sends by kind (text, buttons) and status",
			},
			[]string{"kind", "status"},
		),
		sendDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "outbound_send_duration_seconds",
				Help:      "Duration of outbound sends in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"kind"},
		),
		resetsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_resets_total",
			Help:      "Conversations reset by the actor",
		}),
		expiredTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_expired_total",
			Help:      "Idle sessions removed by the sweeper",
		}),
		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Live conversation sessions after the last sweep",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// Inbound counts a normalized inbound message.
func (r *Recorder) Inbound(in models.Input) {
	kind := "text"
	switch {
	case in.Structured():
		kind = "selection"
	case in.Text == "":
		kind = "empty"
	}
	r.inboundTotal.WithLabelValues(string(in.Provider), kind).Inc()
}

// Duplicate counts a dropped redelivery.
func (r *Recorder) Duplicate(provider models.Provider) {
	r.duplicatesTotal.WithLabelValues(string(provider)).Inc()
}

// DedupPruned counts dedup records removed by retention.
func (r *Recorder) DedupPruned(n int) {
	r.dedupPruned.Add(float64(n))
}

// FlowStarted counts a questionnaire start.
func (r *Recorder) FlowStarted(flow models.FlowType) {
	r.flowsStarted.WithLabelValues(string(flow)).Inc()
}

// LeadOutcome counts a finished questionnaire.
func (r *Recorder) LeadOutcome(flow models.FlowType, outcome string) {
	r.leadsTotal.WithLabelValues(string(flow), outcome).Inc()
}

// SessionReset counts an actor-initiated reset.
func (r *Recorder) SessionReset() {
	r.resetsTotal.Inc()
}

// Swept records a sweeper pass.
func (r *Recorder) Swept(removed, live int) {
	r.expiredTotal.Add(float64(removed))
	r.activeSessions.Set(float64(live))
}

// Outbound records one outbound send.
func (r *Recorder) Outbound(kind string, err error, d time.Duration) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	r.outboundTotal.WithLabelValues(kind, status).Inc()
	r.sendDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// Sender is the outbound messaging surface that Messenger instruments.
type Sender interface {
	SendText(ctx context.Context, to, body string) error
	SendButtons(ctx context.Context, to, body string, buttons []models.Button) error
}

// Messenger wraps a Sender and records every send.
type Messenger struct {
	next Sender
	rec  *Recorder
}

// InstrumentSender returns a Messenger recording sends made through next.
func (r *Recorder) InstrumentSender(next Sender) *Messenger {
	return &Messenger{next: next, rec: r}
}

func (m *Messenger) SendText(ctx context.Context, to, body string) error {
	start := time.Now()
	err := m.next.SendText(ctx, to, body)
	m.rec.Outbound("text", err, time.Since(start))
	return err
}

func (m *Messenger) SendButtons(ctx context.Context, to, body string, buttons []models.Button) error {
	start := time.Now()
	err := m.next.SendButtons(ctx, to, body, buttons)
	m.rec.Outbound("buttons", err, time.Since(start))
	return err
}
