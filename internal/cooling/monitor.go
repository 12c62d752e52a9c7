package cooling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/TechGeekConnectTech/demised/internal/config"
	"github.com/TechGeekConnectTech/demised/internal/metrics"
	"github.com/TechGeekConnectTech/demised/internal/oracle"
	"github.com/TechGeekConnectTech/demised/internal/pipeline/message"
	"github.com/TechGeekConnectTech/demised/internal/stage"
)

const stageName = "cooling_period"
const pipelineStep = "2.5"

// Monitor is the cooling-period stage. Unlike the other stages it does not
// complete synchronously: accepting a message spawns a background polling
// task whose successor message may be emitted hours later.
type Monitor struct {
	cfg      config.CoolingConfig
	producer stage.Producer
	checker  oracle.PowerStatusChecker
	store    *store
	metrics  *metrics.Metrics
	log      *zap.Logger
	id       string

	// now is swapped in tests to drive the wall clock.
	now func() time.Time
	wg  sync.WaitGroup
}

func NewMonitor(cfg config.CoolingConfig, producer stage.Producer, checker oracle.PowerStatusChecker, m *metrics.Metrics, log *zap.Logger) *Monitor {
	return &Monitor{
		cfg:      cfg,
		producer: producer,
		checker:  checker,
		store:    newStore(cfg.MaxSessions),
		metrics:  m,
		log:      log.Named(stageName),
		id:       uuid.NewString(),
		now:      time.Now,
	}
}

// Definition exposes the monitor as a stage for the shared runner.
func (m *Monitor) Definition() stage.Definition {
	return stage.Definition{
		Name:        stageName,
		Trigger:     message.Trigger{Action: message.ActionStartCoolingPeriod, Status: message.StatusPending},
		Step:        pipelineStep,
		ErrorAction: message.ActionCoolingError,
		Execute:     m.start,
	}
}

// ActiveSessions reports how many servers are currently cooling.
func (m *Monitor) ActiveSessions() int { return m.store.count() }

// Snapshot returns the current sessions for the status collaborator.
func (m *Monitor) Snapshot() []Summary { return m.store.snapshot(m.now()) }

// Wait blocks until every polling task has returned. Called during
// shutdown after the context is cancelled.
func (m *Monitor) Wait() { m.wg.Wait() }

// start accepts a start_cooling_period message: create the session, spawn
// its polling task and return the immediate acknowledgment. A second start
// for an in-flight server is a logged no-op so broker redeliveries can
// never create a second polling task.
func (m *Monitor) start(ctx context.Context, msg *message.Message) (*message.Message, error) {
	serverID := msg.Data.ServerID()
	if serverID == "" {
		return nil, errors.New("server ID is required for cooling period")
	}

	now := m.now().UTC()
	poweroffTS, _ := msg.Data["poweroff_timestamp"].(string)
	if poweroffTS == "" {
		poweroffTS = now.Format(time.RFC3339)
	}

	sess := &Session{
		ServerID:          serverID,
		Details:           msg.Data.Section("server_details"),
		PoweroffTimestamp: poweroffTS,
		Start:             now,
		End:               now.Add(m.cfg.Period),
		Status:            "monitoring",
		Origin:            msg,
	}

	if err := m.store.create(sess); err != nil {
		if errors.Is(err, ErrSessionExists) {
			m.log.Warn("server already in cooling period", zap.String("server_id", serverID))
			ack := message.Successor(msg, message.ActionCoolingStatus, message.StatusInfo)
			ack.Text = fmt.Sprintf("Server %s already in cooling period", serverID)
			ack.PipelineStep = pipelineStep
			return ack, nil
		}
		return nil, err
	}
	m.metrics.ActiveSessions.Inc()

	m.wg.Add(1)
	go m.run(ctx, sess)

	ack := message.Successor(msg, message.ActionCoolingPeriodStarted, message.StatusMonitoring)
	ack.Data["cooling_start"] = sess.Start.Format(time.RFC3339)
	ack.Data["cooling_end"] = sess.End.Format(time.RFC3339)
	ack.Data["cooling_period_hours"] = m.cfg.Period.Hours()
	ack.Data["check_interval_hours"] = m.cfg.CheckInterval.Hours()
	ack.Data["poweroff_timestamp"] = poweroffTS
	ack.PipelineStep = pipelineStep
	ack.Text = fmt.Sprintf("Server %s entered %s cooling period. Monitoring every %s.",
		serverID, m.cfg.Period, m.cfg.CheckInterval)

	m.log.Info("cooling period started",
		zap.String("server_id", serverID),
		zap.Time("cooling_end", sess.End))
	return ack, nil
}

// run is the per-session polling task: check the power oracle on the
// configured cadence until the period elapses, a violation is observed, or
// the process shuts down. Exactly one terminal branch destroys the session.
func (m *Monitor) run(ctx context.Context, sess *Session) {
	defer m.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			m.fail(ctx, sess, fmt.Errorf("cooling monitor panic: %v", r))
		}
	}()

	log := m.log.With(zap.String("server_id", sess.ServerID))

	for {
		if !m.now().Before(sess.End) {
			m.complete(ctx, sess, log)
			return
		}

		status := m.performCheck(ctx, sess, log)
		if status != nil && status.PoweredOn {
			m.violation(ctx, sess, status, log)
			return
		}
		if ctx.Err() != nil {
			m.abandon(sess, log)
			return
		}

		// Hours-long wait, cancellable so shutdown is not delayed.
		timer := time.NewTimer(m.cfg.CheckInterval)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			m.abandon(sess, log)
			return
		}
	}
}

// performCheck queries the power oracle outside the store lock and records
// the check. A failed query is treated as powered-off so one flaky check
// cannot cause a false escalation; the assumption is logged.
func (m *Monitor) performCheck(ctx context.Context, sess *Session, log *zap.Logger) *oracle.PowerStatus {
	m.metrics.CoolingChecks.Inc()

	ip, _ := sess.Details["ip_address"].(string)
	status, err := m.checker.PowerStatus(ctx, sess.ServerID, ip)
	if err != nil {
		log.Warn("power status check failed, assuming powered off", zap.Error(err))
		status = &oracle.PowerStatus{
			PoweredOn: false,
			State:     "unknown",
			Method:    "IPMI",
			CheckedAt: m.now().UTC().Format(time.RFC3339),
		}
	}

	count, ok := m.store.recordCheck(sess.ServerID, m.now())
	if !ok {
		return status
	}

	if !status.PoweredOn {
		remaining := sess.End.Sub(m.now()).Hours()
		log.Info("server remains powered off",
			zap.Int("check", count),
			zap.Float64("remaining_hours", remaining))
		if m.cfg.EmitUpdates {
			m.emit(ctx, m.statusUpdate(sess, status, remaining))
		}
	}
	return status
}

func (m *Monitor) statusUpdate(sess *Session, status *oracle.PowerStatus, remaining float64) *message.Message {
	u := message.Successor(sess.Origin, message.ActionCoolingStatusUpdate, message.StatusMonitoring)
	u.Data["cooling_status"] = map[string]any{
		"remaining_hours":     remaining,
		"check_number":        sess.CheckCount,
		"power_status":        status,
		"next_check_in_hours": m.cfg.CheckInterval.Hours(),
	}
	u.PipelineStep = pipelineStep
	u.Text = fmt.Sprintf("Server %s cooling check #%d: powered off, %.1fh remaining",
		sess.ServerID, sess.CheckCount, remaining)
	return u
}

// violation ends the session: power-on during cooling is a one-shot
// terminal outcome, never retried.
func (m *Monitor) violation(ctx context.Context, sess *Session, status *oracle.PowerStatus, log *zap.Logger) {
	if _, ok := m.store.take(sess.ServerID); !ok {
		return
	}
	m.metrics.ActiveSessions.Dec()

	now := m.now().UTC()
	log.Error("cooling period violation: server powered on",
		zap.Int("check", sess.CheckCount),
		zap.String("power_on_reason", status.PowerOnReason))

	v := message.Successor(sess.Origin, message.ActionCoolingViolationError, message.StatusViolationError)
	v.Data["violation_details"] = map[string]any{
		"power_status":          status,
		"violation_time":        now.Format(time.RFC3339),
		"cooling_elapsed_hours": now.Sub(sess.Start).Hours(),
		"remaining_hours":       sess.End.Sub(now).Hours(),
		"check_number":          sess.CheckCount,
	}
	v.Data["cooling_period_info"] = map[string]any{
		"cooling_start":          sess.Start.Format(time.RFC3339),
		"cooling_end":            sess.End.Format(time.RFC3339),
		"total_checks_performed": sess.CheckCount,
	}
	v.Error = fmt.Sprintf("Server %s powered on during mandatory cooling period", sess.ServerID)
	v.Text = fmt.Sprintf("CRITICAL: Server %s violated cooling period by powering on. Demise process terminated.", sess.ServerID)
	v.PipelineStep = pipelineStep
	v.PipelineComplete = true
	m.emit(ctx, v)
}

// complete ends the session successfully and hands the run to the demise
// stage with the full cooling summary.
func (m *Monitor) complete(ctx context.Context, sess *Session, log *zap.Logger) {
	if _, ok := m.store.take(sess.ServerID); !ok {
		return
	}
	m.metrics.ActiveSessions.Dec()

	now := m.now().UTC()
	log.Info("cooling period complete", zap.Int("checks", sess.CheckCount))

	done := message.Successor(sess.Origin, message.ActionDemiseServer, message.StatusPending)
	done.Data["cooling_completion"] = map[string]any{
		"cooling_start":          sess.Start.Format(time.RFC3339),
		"cooling_end":            sess.End.Format(time.RFC3339),
		"actual_completion":      now.Format(time.RFC3339),
		"total_checks_performed": sess.CheckCount,
		"cooling_duration_hours": m.cfg.Period.Hours(),
	}
	done.NextStep = message.ActionDemiseServer
	done.PipelineStep = pipelineStep
	done.Text = fmt.Sprintf("Server %s completed cooling period successfully. Proceeding to demise.", sess.ServerID)
	m.emit(ctx, done)
}

// fail ends the session after an unexpected monitor failure.
func (m *Monitor) fail(ctx context.Context, sess *Session, cause error) {
	if _, ok := m.store.take(sess.ServerID); !ok {
		return
	}
	m.metrics.ActiveSessions.Dec()

	m.log.Error("cooling monitor failed",
		zap.String("server_id", sess.ServerID),
		zap.Error(cause))

	e := message.Successor(sess.Origin, message.ActionCoolingError, message.StatusError)
	e.Data["error_details"] = map[string]any{
		"error_message":    cause.Error(),
		"error_time":       m.now().UTC().Format(time.RFC3339),
		"checks_completed": sess.CheckCount,
	}
	e.Error = cause.Error()
	e.Text = fmt.Sprintf("Cooling period monitoring failed for server %s: %v", sess.ServerID, cause)
	e.PipelineStep = pipelineStep
	e.PipelineComplete = true
	m.emit(ctx, e)
}

// abandon drops the session on shutdown without a terminal message.
// In-flight cooling state does not survive a restart; the operator
// re-issues start_cooling_period after bringing the daemon back up.
func (m *Monitor) abandon(sess *Session, log *zap.Logger) {
	if _, ok := m.store.take(sess.ServerID); !ok {
		return
	}
	m.metrics.ActiveSessions.Dec()
	log.Info("cooling session abandoned on shutdown",
		zap.Int("checks", sess.CheckCount))
}

// emit stamps and publishes a monitor-produced message. Publish failures
// are logged and counted; the session outcome stands either way.
func (m *Monitor) emit(ctx context.Context, msg *message.Message) {
	msg.Processor = stageName
	msg.ProcessorID = m.id
	if !m.producer.Produce(ctx, msg) {
		m.metrics.PublishFailures.Inc()
		m.log.Error("failed to publish cooling message",
			zap.String("id", msg.ID),
			zap.String("action", string(msg.Action)))
		return
	}
	m.metrics.MessagesPublished.WithLabelValues(string(msg.Action)).Inc()
}
