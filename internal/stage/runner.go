// Package stage implements the pipeline's stage processors: one generic
// runner (receive, filter, execute, emit) parameterized by a small stage
// definition, and the definitions for the check, poweroff and demise steps.
package stage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/TechGeekConnectTech/demised/internal/dedupe"
	"github.com/TechGeekConnectTech/demised/internal/metrics"
	"github.com/TechGeekConnectTech/demised/internal/pipeline/message"
)

// Producer publishes a pipeline message, reporting success as a boolean.
type Producer interface {
	Produce(ctx context.Context, m *message.Message) bool
}

// Definition describes one stage: its routing trigger and its execute step.
// Execute returns the successor message to emit (which may itself be a
// terminal failure message) or an error for unexpected conditions, which
// the runner converts into a terminal error message.
type Definition struct {
	Name    string
	Trigger message.Trigger
	Step    string
	// ErrorAction is the action used for terminal messages built from
	// unexpected Execute errors.
	ErrorAction message.Action
	Execute     func(ctx context.Context, msg *message.Message) (*message.Message, error)
}

// Runner drives one stage. It is handed every message on the shared
// subject and self-selects via the definition's trigger; everything else
// is dropped.
type Runner struct {
	def      Definition
	producer Producer
	ledger   *dedupe.Ledger
	metrics  *metrics.Metrics
	log      *zap.Logger
	id       string
}

func NewRunner(def Definition, producer Producer, ledger *dedupe.Ledger, m *metrics.Metrics, log *zap.Logger) *Runner {
	return &Runner{
		def:      def,
		producer: producer,
		ledger:   ledger,
		metrics:  m,
		log:      log.Named(def.Name),
		id:       uuid.NewString(),
	}
}

func (r *Runner) Name() string { return r.def.Name }

// Trigger exposes the routing key for the uniqueness check at startup.
func (r *Runner) Trigger() message.Trigger { return r.def.Trigger }

// Matches is the routing predicate: a pure function of action and status.
func (r *Runner) Matches(m *message.Message) bool {
	return r.def.Trigger.Matches(m)
}

// Handle is the broker handler for this stage. It never returns an error;
// every failure ends as a log line or a terminal pipeline message.
func (r *Runner) Handle(ctx context.Context, data []byte) {
	msg, err := message.Decode(data)
	if err != nil {
		r.log.Warn("dropping undecodable message", zap.Error(err))
		return
	}

	r.metrics.MessagesConsumed.WithLabelValues(r.def.Name).Inc()

	if !r.Matches(msg) {
		r.metrics.MessagesFiltered.WithLabelValues(r.def.Name).Inc()
		return
	}

	if r.ledger != nil {
		first, err := r.ledger.FirstSeen(msg.ID)
		if err != nil {
			// Ledger trouble must not stall the pipeline; proceed and
			// accept the double-execution risk for this message.
			r.log.Warn("dedupe ledger unavailable", zap.String("id", msg.ID), zap.Error(err))
		} else if !first {
			r.metrics.DedupeHits.Inc()
			r.log.Info("suppressing redelivered message",
				zap.String("id", msg.ID),
				zap.String("action", string(msg.Action)))
			return
		}
	}

	r.log.Info("processing message",
		zap.String("id", msg.ID),
		zap.String("request_id", msg.RequestID()),
		zap.String("server_id", msg.Data.ServerID()))

	timer := prometheus.NewTimer(r.metrics.HandleDuration.WithLabelValues(r.def.Name))
	result, err := r.def.Execute(ctx, msg)
	timer.ObserveDuration()

	if err != nil {
		r.metrics.StageOutcomes.WithLabelValues(r.def.Name, "error").Inc()
		r.log.Error("stage execution failed",
			zap.String("id", msg.ID),
			zap.Error(err))
		r.emit(ctx, r.errorMessage(msg, err))
		return
	}
	if result == nil {
		return
	}

	outcome := "success"
	if result.Status == message.StatusFailed {
		outcome = "failed"
	}
	r.metrics.StageOutcomes.WithLabelValues(r.def.Name, outcome).Inc()
	r.emit(ctx, result)
}

// emit stamps the message with this stage's identity and publishes it.
// A publish failure here is a gap in the audit trail, so it is logged at
// error level and counted; there is no retry at this layer.
func (r *Runner) emit(ctx context.Context, m *message.Message) {
	m.Processor = r.def.Name
	m.ProcessorID = r.id
	if m.PipelineStep == "" {
		m.PipelineStep = r.def.Step
	}
	if !r.producer.Produce(ctx, m) {
		r.metrics.PublishFailures.Inc()
		r.log.Error("failed to publish successor message",
			zap.String("id", m.ID),
			zap.String("action", string(m.Action)))
		return
	}
	r.metrics.MessagesPublished.WithLabelValues(string(m.Action)).Inc()
}

// errorMessage builds the terminal message for an unexpected execute error,
// preserving the original payload for audit.
func (r *Runner) errorMessage(orig *message.Message, execErr error) *message.Message {
	t := message.Successor(orig, r.def.ErrorAction, message.StatusError)
	t.Error = execErr.Error()
	t.Text = fmt.Sprintf("Processing failed: %v", execErr)
	t.PipelineStep = r.def.Step
	t.PipelineComplete = true
	return t
}
