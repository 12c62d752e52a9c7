package stage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/TechGeekConnectTech/demised/internal/oracle"
	"github.com/TechGeekConnectTech/demised/internal/pipeline/message"
)

// Check builds the first stage: verify the server exists in the portal.
// Found servers move on to poweroff with their inventory record attached;
// unknown servers terminate the run as failed.
func Check(portal oracle.Portal) Definition {
	return Definition{
		Name:        "server_check",
		Trigger:     message.Trigger{Action: message.ActionCheckServer, Status: message.StatusPending},
		Step:        "1",
		ErrorAction: message.ActionDemiseComplete,
		Execute: func(ctx context.Context, msg *message.Message) (*message.Message, error) {
			serverID := msg.Data.ServerID()
			if serverID == "" {
				return failed(msg, "1", message.StatusError, "Server ID is required"), nil
			}

			details, err := portal.CheckServer(ctx, serverID)
			if errors.Is(err, oracle.ErrServerNotFound) {
				return failed(msg, "1", message.StatusFailed,
					fmt.Sprintf("Server %s not found in portal", serverID)), nil
			}
			if err != nil {
				return nil, fmt.Errorf("server check: %w", err)
			}

			next := message.Successor(msg, message.ActionPowerOffServer, message.StatusPending)
			next.Data["server_details"] = details
			next.Data["check_result"] = "server_found"
			next.NextStep = message.ActionPowerOffServer
			next.Text = fmt.Sprintf("Server %s found in portal. Ready for power off.", serverID)
			return next, nil
		},
	}
}

// PowerOff builds the second stage: power the server down. With cooling
// enabled the successor starts the cooling period; otherwise the run hands
// off to demise directly.
func PowerOff(power oracle.PowerController, coolingEnabled bool) Definition {
	nextAction := message.ActionDemiseServer
	if coolingEnabled {
		nextAction = message.ActionStartCoolingPeriod
	}
	return Definition{
		Name:        "server_poweroff",
		Trigger:     message.Trigger{Action: message.ActionPowerOffServer, Status: message.StatusPending},
		Step:        "2",
		ErrorAction: message.ActionDemiseComplete,
		Execute: func(ctx context.Context, msg *message.Message) (*message.Message, error) {
			serverID := msg.Data.ServerID()
			if serverID == "" {
				return failed(msg, "2", message.StatusError, "Server ID is required"), nil
			}

			result, err := power.PowerOff(ctx, serverID, ServerDetails(msg.Data))
			if err != nil {
				return failed(msg, "2", message.StatusFailed,
					fmt.Sprintf("Failed to power off server %s: %v", serverID, err)), nil
			}

			next := message.Successor(msg, nextAction, message.StatusPending)
			next.Data["poweroff_result"] = result
			next.Data["poweroff_timestamp"] = time.Now().UTC().Format(time.RFC3339)
			next.NextStep = nextAction
			next.Text = fmt.Sprintf("Server %s powered off successfully. Ready for %s.", serverID, nextAction)
			return next, nil
		},
	}
}

// Demise builds the final stage: execute the decommission request and end
// the pipeline run.
func Demise(decom oracle.Decommissioner) Definition {
	return Definition{
		Name:        "server_demise",
		Trigger:     message.Trigger{Action: message.ActionDemiseServer, Status: message.StatusPending},
		Step:        "3",
		ErrorAction: message.ActionDemiseComplete,
		Execute: func(ctx context.Context, msg *message.Message) (*message.Message, error) {
			serverID := msg.Data.ServerID()
			if serverID == "" {
				return failed(msg, "3", message.StatusError, "Server ID is required"), nil
			}

			result, err := decom.Demise(ctx, serverID, ServerDetails(msg.Data))
			if err != nil {
				return failed(msg, "3", message.StatusFailed,
					fmt.Sprintf("Failed to demise server %s: %v", serverID, err)), nil
			}

			now := time.Now().UTC()
			done := message.Successor(msg, message.ActionDemiseComplete, message.StatusCompleted)
			done.Data["demise_result"] = result
			done.Data["completion_timestamp"] = now.Format(time.RFC3339)
			done.Data["pipeline_summary"] = map[string]string{
				"step_1": "Server found in portal",
				"step_2": "Server powered off successfully",
				"step_3": "Server demise request completed",
			}
			if !msg.Timestamp.IsZero() {
				done.Data["total_processing_time"] = now.Sub(msg.Timestamp).String()
			}
			done.PipelineComplete = true
			done.Text = fmt.Sprintf("Server %s demise process completed successfully.", serverID)
			return done, nil
		},
	}
}

// failed builds a stage-level terminal message, preserving the incoming
// payload unmodified for audit.
func failed(orig *message.Message, step string, status message.Status, errMsg string) *message.Message {
	t := message.Successor(orig, message.ActionDemiseComplete, status)
	t.Error = errMsg
	t.Text = "Pipeline terminated: " + errMsg
	t.PipelineStep = step
	t.PipelineComplete = true
	return t
}

// ServerDetails extracts the inventory record a previous stage attached to
// the payload. After one broker hop the record is a generic map, so it is
// rebuilt through its JSON form.
func ServerDetails(p message.Payload) oracle.ServerDetails {
	var d oracle.ServerDetails
	raw := p.Section("server_details")
	if raw == nil {
		return d
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return d
	}
	_ = json.Unmarshal(b, &d)
	return d
}
