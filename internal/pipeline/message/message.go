// Package message defines the envelope that coordinates every stage of the
// server demise pipeline. All stages consume and produce this one structure;
// routing is decided purely on the (action, status) pair.
package message

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Action selects which stage should process a message next.
type Action string

const (
	ActionCheckServer           Action = "check_server"
	ActionPowerOffServer        Action = "poweroff_server"
	ActionStartCoolingPeriod    Action = "start_cooling_period"
	ActionDemiseServer          Action = "demise_server"
	ActionCoolingPeriodStarted  Action = "cooling_period_started"
	ActionCoolingStatusUpdate   Action = "cooling_status_update"
	ActionCoolingStatus         Action = "cooling_status"
	ActionCoolingViolationError Action = "cooling_violation_error"
	ActionCoolingError          Action = "cooling_error"
	ActionDemiseComplete        Action = "demise_complete"
	ActionError                 Action = "error"
)

// Status is the coordination flag that, together with Action, forms the
// routing key of a message.
type Status string

const (
	StatusPending        Status = "pending"
	StatusMonitoring     Status = "monitoring"
	StatusCompleted      Status = "completed"
	StatusFailed         Status = "failed"
	StatusError          Status = "error"
	StatusViolationError Status = "violation_error"
	StatusInfo           Status = "info"
)

var validActions = map[Action]struct{}{
	ActionCheckServer: {}, ActionPowerOffServer: {}, ActionStartCoolingPeriod: {},
	ActionDemiseServer: {}, ActionCoolingPeriodStarted: {}, ActionCoolingStatusUpdate: {},
	ActionCoolingStatus: {}, ActionCoolingViolationError: {}, ActionCoolingError: {},
	ActionDemiseComplete: {}, ActionError: {},
}

var validStatuses = map[Status]struct{}{
	StatusPending: {}, StatusMonitoring: {}, StatusCompleted: {}, StatusFailed: {},
	StatusError: {}, StatusViolationError: {}, StatusInfo: {},
}

// Valid reports whether the action is one of the closed set.
func (a Action) Valid() bool {
	_, ok := validActions[a]
	return ok
}

// Valid reports whether the status is one of the closed set.
func (s Status) Valid() bool {
	_, ok := validStatuses[s]
	return ok
}

// Trigger is the routing key a stage self-selects on.
type Trigger struct {
	Action Action
	Status Status
}

func (t Trigger) String() string {
	return string(t.Action) + "/" + string(t.Status)
}

// Matches reports whether the message carries this trigger's routing key.
func (t Trigger) Matches(m *Message) bool {
	return m != nil && m.Action == t.Action && m.Status == t.Status
}

// Payload is the free-form data section of a message. Stages append their
// own sub-fields without removing prior ones, so the payload only grows as
// it traverses the pipeline.
type Payload map[string]any

// ServerID returns the server_id field, or "" when absent.
func (p Payload) ServerID() string {
	id, _ := p["server_id"].(string)
	return id
}

// Section returns a nested object field as a map, or nil when the field is
// missing or not an object.
func (p Payload) Section(key string) map[string]any {
	s, _ := p[key].(map[string]any)
	return s
}

// Clone deep-copies the payload through its JSON form, so successor messages
// can append fields without aliasing the original. Struct values placed by a
// stage come back as generic maps, matching what a broker hop would produce.
func (p Payload) Clone() Payload {
	if p == nil {
		return Payload{}
	}
	raw, err := json.Marshal(p)
	if err != nil {
		// Payloads are built from JSON-safe values only; an unmarshalable
		// payload is a programming error upstream.
		return Payload{}
	}
	out := Payload{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return Payload{}
	}
	return out
}

// Message is the single unit of coordination on the pipeline subject.
type Message struct {
	ID                string    `json:"id"`
	OriginalRequestID string    `json:"original_request_id,omitempty"`
	Action            Action    `json:"action"`
	Status            Status    `json:"status"`
	Processor         string    `json:"processor,omitempty"`
	ProcessorID       string    `json:"processor_id,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
	Data              Payload   `json:"data"`
	Text              string    `json:"message,omitempty"`
	Error             string    `json:"error,omitempty"`
	PipelineStep      string    `json:"pipeline_step,omitempty"`
	NextStep          Action    `json:"next_step,omitempty"`
	PipelineComplete  bool      `json:"pipeline_complete,omitempty"`
}

// New builds a fresh message with a generated id and current timestamp.
func New(action Action, status Status, data Payload) *Message {
	if data == nil {
		data = Payload{}
	}
	return &Message{
		ID:        uuid.NewString(),
		Action:    action,
		Status:    status,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// Successor builds the next message in a pipeline run. It gets a new id,
// inherits the provenance chain and a deep copy of the payload, so callers
// can append stage results without touching the original.
func Successor(orig *Message, action Action, status Status) *Message {
	m := New(action, status, orig.Data.Clone())
	m.OriginalRequestID = orig.RequestID()
	return m
}

// RequestID returns the id of the first message in this pipeline run.
func (m *Message) RequestID() string {
	if m.OriginalRequestID != "" {
		return m.OriginalRequestID
	}
	return m.ID
}

// Validate checks the envelope invariants shared by every stage.
func (m *Message) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("message id is required")
	}
	if !m.Action.Valid() {
		return fmt.Errorf("unknown action %q", m.Action)
	}
	if !m.Status.Valid() {
		return fmt.Errorf("unknown status %q", m.Status)
	}
	return nil
}

// Encode marshals the message to its JSON wire form.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Decode unmarshals a wire-form message and validates its envelope.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	if m.Data == nil {
		m.Data = Payload{}
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}
