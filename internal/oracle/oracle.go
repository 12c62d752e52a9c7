// Package oracle defines the external collaborators each stage queries for
// ground truth: the inventory portal, the power controller, the
// decommission system and the power-status check used during cooling.
// The simulated implementations in sim.go are integration stubs; a real
// deployment replaces them with portal API, IPMI/BMC and ticketing clients.
package oracle

import (
	"context"
	"errors"
	"time"
)

// ErrServerNotFound is returned by Portal lookups for unknown servers.
var ErrServerNotFound = errors.New("server not found in portal")

// ServerDetails is the inventory record the check stage attaches to the
// pipeline payload.
type ServerDetails struct {
	Hostname  string `json:"hostname"`
	IPAddress string `json:"ip_address"`
	Status    string `json:"status"`
	Location  string `json:"location"`
}

// PowerOffResult describes a completed power-off operation.
type PowerOffResult struct {
	PowerStatus   string `json:"power_status"`
	Method        string `json:"poweroff_method"`
	ExecutionTime string `json:"execution_time"`
	Verification  string `json:"verification"`
}

// DemiseResult describes a completed decommission.
type DemiseResult struct {
	TicketID         string   `json:"demise_ticket_id"`
	Status           string   `json:"status"`
	StepsCompleted   []string `json:"steps_completed"`
	ExecutionTime    string   `json:"execution_time"`
	DecommissionDate string   `json:"decommission_date"`
}

// PowerStatus is one observation of a server's power state during cooling.
type PowerStatus struct {
	PoweredOn     bool   `json:"is_powered_on"`
	State         string `json:"power_state"`
	Method        string `json:"check_method"`
	CheckedAt     string `json:"check_timestamp"`
	ResponseTime  int    `json:"response_time_ms"`
	BootTime      string `json:"boot_time,omitempty"`
	PowerOnReason string `json:"power_on_reason,omitempty"`
}

// Portal answers whether a server exists and returns its inventory record.
type Portal interface {
	CheckServer(ctx context.Context, serverID string) (*ServerDetails, error)
}

// PowerController powers a server off. An error means the power-off could
// not be confirmed; the stage converts it into a terminal failure message.
type PowerController interface {
	PowerOff(ctx context.Context, serverID string, details ServerDetails) (*PowerOffResult, error)
}

// Decommissioner executes the demise request against the downstream
// inventory, DNS and ticketing systems.
type Decommissioner interface {
	Demise(ctx context.Context, serverID string, details ServerDetails) (*DemiseResult, error)
}

// PowerStatusChecker queries the power state of a server during its cooling
// period. Transient errors are handled by the caller (assume off, log).
type PowerStatusChecker interface {
	PowerStatus(ctx context.Context, serverID, ipAddress string) (*PowerStatus, error)
}

// sleep waits for d unless the context ends first.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
