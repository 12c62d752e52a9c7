package message

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_PopulatesEnvelope(t *testing.T) {
	m := New(ActionCheckServer, StatusPending, Payload{"server_id": "101"})
	require.NotEmpty(t, m.ID)
	require.False(t, m.Timestamp.IsZero())
	require.Equal(t, ActionCheckServer, m.Action)
	require.Equal(t, StatusPending, m.Status)
	require.Equal(t, "101", m.Data.ServerID())
}

func TestNew_NilDataBecomesEmptyPayload(t *testing.T) {
	m := New(ActionCheckServer, StatusPending, nil)
	require.NotNil(t, m.Data)
	require.Empty(t, m.Data.ServerID())
}

func TestSuccessor_InheritsRequestID(t *testing.T) {
	root := New(ActionCheckServer, StatusPending, Payload{"server_id": "101"})
	second := Successor(root, ActionPowerOffServer, StatusPending)
	third := Successor(second, ActionDemiseServer, StatusPending)

	require.NotEqual(t, root.ID, second.ID)
	require.NotEqual(t, second.ID, third.ID)
	require.Equal(t, root.ID, second.OriginalRequestID)
	require.Equal(t, root.ID, third.OriginalRequestID)
	require.Equal(t, root.ID, third.RequestID())
}

func TestSuccessor_PayloadIsIsolated(t *testing.T) {
	root := New(ActionCheckServer, StatusPending, Payload{"server_id": "101"})
	next := Successor(root, ActionPowerOffServer, StatusPending)
	next.Data["check_result"] = "server_found"

	require.Equal(t, "101", next.Data.ServerID())
	_, leaked := root.Data["check_result"]
	require.False(t, leaked, "successor payload must not alias the original")
}

func TestClone_StructValuesBecomeMaps(t *testing.T) {
	type record struct {
		Hostname string `json:"hostname"`
	}
	p := Payload{"server_details": record{Hostname: "srv-101"}}
	c := p.Clone()

	details := c.Section("server_details")
	require.NotNil(t, details)
	require.Equal(t, "srv-101", details["hostname"])
}

func TestPayload_SectionMissingOrWrongType(t *testing.T) {
	p := Payload{"server_id": "101"}
	require.Nil(t, p.Section("server_details"))
	require.Nil(t, p.Section("server_id"))
}

func TestTrigger_Matches(t *testing.T) {
	tr := Trigger{Action: ActionCheckServer, Status: StatusPending}

	require.True(t, tr.Matches(New(ActionCheckServer, StatusPending, nil)))
	require.False(t, tr.Matches(New(ActionCheckServer, StatusCompleted, nil)))
	require.False(t, tr.Matches(New(ActionDemiseServer, StatusPending, nil)))
	require.False(t, tr.Matches(nil))
}

func TestActionAndStatus_ClosedSets(t *testing.T) {
	for _, a := range []Action{
		ActionCheckServer, ActionPowerOffServer, ActionStartCoolingPeriod,
		ActionDemiseServer, ActionCoolingPeriodStarted, ActionCoolingStatusUpdate,
		ActionCoolingStatus, ActionCoolingViolationError, ActionCoolingError,
		ActionDemiseComplete, ActionError,
	} {
		assert.True(t, a.Valid(), "action %q", a)
	}
	assert.False(t, Action("reboot_server").Valid())
	assert.False(t, Action("").Valid())

	for _, s := range []Status{
		StatusPending, StatusMonitoring, StatusCompleted, StatusFailed,
		StatusError, StatusViolationError, StatusInfo,
	} {
		assert.True(t, s.Valid(), "status %q", s)
	}
	assert.False(t, Status("retrying").Valid())
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	m := New(ActionCheckServer, StatusPending, Payload{"server_id": "101"})
	m.Text = "Demise request for server 101"
	m.PipelineStep = "1"

	raw, err := m.Encode()
	require.NoError(t, err)

	got, err := Decode(raw)
	require.NoError(t, err)
	require.Equal(t, m.ID, got.ID)
	require.Equal(t, m.Action, got.Action)
	require.Equal(t, m.Status, got.Status)
	require.Equal(t, m.Text, got.Text)
	require.Equal(t, "101", got.Data.ServerID())
}

func TestDecode_RejectsBadInput(t *testing.T) {
	_, err := Decode([]byte("not json"))
	require.Error(t, err)

	_, err = Decode([]byte(`{"id":"x","action":"reboot_server","status":"pending"}`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown action")

	_, err = Decode([]byte(`{"id":"x","action":"check_server","status":"retrying"}`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown status")

	_, err = Decode([]byte(`{"action":"check_server","status":"pending"}`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "id is required")
}

func TestDecode_MissingDataBecomesEmptyPayload(t *testing.T) {
	got, err := Decode([]byte(`{"id":"abc","action":"check_server","status":"pending"}`))
	require.NoError(t, err)
	require.NotNil(t, got.Data)
}
