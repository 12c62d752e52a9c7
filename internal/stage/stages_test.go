package stage

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/TechGeekConnectTech/demised/internal/oracle"
	"github.com/TechGeekConnectTech/demised/internal/pipeline/message"
)

type fakePortal struct {
	details *oracle.ServerDetails
	err     error
	calls   int
}

func (p *fakePortal) CheckServer(_ context.Context, _ string) (*oracle.ServerDetails, error) {
	p.calls++
	return p.details, p.err
}

type fakePower struct {
	result *oracle.PowerOffResult
	err    error
	calls  int
}

func (p *fakePower) PowerOff(_ context.Context, _ string, _ oracle.ServerDetails) (*oracle.PowerOffResult, error) {
	p.calls++
	return p.result, p.err
}

type fakeDecom struct {
	result *oracle.DemiseResult
	err    error
	calls  int
	got    oracle.ServerDetails
}

func (d *fakeDecom) Demise(_ context.Context, _ string, details oracle.ServerDetails) (*oracle.DemiseResult, error) {
	d.calls++
	d.got = details
	return d.result, d.err
}

func foundDetails() *oracle.ServerDetails {
	return &oracle.ServerDetails{
		Hostname:  "server-101.example.com",
		IPAddress: "192.168.1.101",
		Status:    "active",
		Location:  "DC1-Rack42",
	}
}

// hop simulates a broker round trip between stages.
func hop(t *testing.T, m *message.Message) *message.Message {
	t.Helper()
	raw, err := m.Encode()
	require.NoError(t, err)
	out, err := message.Decode(raw)
	require.NoError(t, err)
	return out
}

func TestCheck_ServerFound(t *testing.T) {
	portal := &fakePortal{details: foundDetails()}
	def := Check(portal)

	in := message.New(message.ActionCheckServer, message.StatusPending, message.Payload{"server_id": "101"})
	out, err := def.Execute(context.Background(), in)
	require.NoError(t, err)

	require.Equal(t, message.ActionPowerOffServer, out.Action)
	require.Equal(t, message.StatusPending, out.Status)
	require.Equal(t, message.ActionPowerOffServer, out.NextStep)
	require.Equal(t, "server_found", out.Data["check_result"])
	require.NotNil(t, out.Data["server_details"])
	require.False(t, out.PipelineComplete)
}

func TestCheck_ServerNotFound(t *testing.T) {
	portal := &fakePortal{err: oracle.ErrServerNotFound}
	def := Check(portal)

	in := message.New(message.ActionCheckServer, message.StatusPending, message.Payload{"server_id": "9999"})
	out, err := def.Execute(context.Background(), in)
	require.NoError(t, err)

	require.Equal(t, message.ActionDemiseComplete, out.Action)
	require.Equal(t, message.StatusFailed, out.Status)
	require.True(t, out.PipelineComplete)
	require.Contains(t, out.Error, "not found in portal")
	require.Equal(t, "9999", out.Data.ServerID())
}

func TestCheck_MissingServerID(t *testing.T) {
	def := Check(&fakePortal{details: foundDetails()})

	in := message.New(message.ActionCheckServer, message.StatusPending, message.Payload{})
	out, err := def.Execute(context.Background(), in)
	require.NoError(t, err)

	require.Equal(t, message.ActionDemiseComplete, out.Action)
	require.Equal(t, message.StatusError, out.Status)
	require.True(t, out.PipelineComplete)
	require.Contains(t, out.Error, "Server ID is required")
}

func TestCheck_PortalErrorPropagates(t *testing.T) {
	def := Check(&fakePortal{err: errors.New("portal timeout")})

	in := message.New(message.ActionCheckServer, message.StatusPending, message.Payload{"server_id": "101"})
	out, err := def.Execute(context.Background(), in)
	require.Error(t, err)
	require.Nil(t, out)
}

func TestPowerOff_RoutesByCoolingFlag(t *testing.T) {
	in := message.New(message.ActionPowerOffServer, message.StatusPending, message.Payload{"server_id": "101"})
	result := &oracle.PowerOffResult{PowerStatus: "powered_off", Method: "graceful_shutdown"}

	withCooling := PowerOff(&fakePower{result: result}, true)
	out, err := withCooling.Execute(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, message.ActionStartCoolingPeriod, out.Action)
	require.Equal(t, message.ActionStartCoolingPeriod, out.NextStep)

	direct := PowerOff(&fakePower{result: result}, false)
	out, err = direct.Execute(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, message.ActionDemiseServer, out.Action)

	require.Equal(t, message.StatusPending, out.Status)
	require.NotNil(t, out.Data["poweroff_result"])
	require.NotEmpty(t, out.Data["poweroff_timestamp"])
}

func TestPowerOff_FailureTerminatesRun(t *testing.T) {
	def := PowerOff(&fakePower{err: errors.New("IPMI connection timeout")}, true)

	in := message.New(message.ActionPowerOffServer, message.StatusPending, message.Payload{"server_id": "101"})
	out, err := def.Execute(context.Background(), in)
	require.NoError(t, err)

	require.Equal(t, message.ActionDemiseComplete, out.Action)
	require.Equal(t, message.StatusFailed, out.Status)
	require.True(t, out.PipelineComplete)
	require.Contains(t, out.Error, "IPMI connection timeout")
}

func TestDemise_CompletesPipeline(t *testing.T) {
	decom := &fakeDecom{result: &oracle.DemiseResult{TicketID: "DM-1700000000-101", Status: "completed"}}
	def := Demise(decom)

	in := message.New(message.ActionDemiseServer, message.StatusPending, message.Payload{"server_id": "101"})
	out, err := def.Execute(context.Background(), in)
	require.NoError(t, err)

	require.Equal(t, message.ActionDemiseComplete, out.Action)
	require.Equal(t, message.StatusCompleted, out.Status)
	require.True(t, out.PipelineComplete)
	require.NotNil(t, out.Data["demise_result"])
	require.NotNil(t, out.Data["pipeline_summary"])
	require.NotEmpty(t, out.Data["completion_timestamp"])
	require.NotEmpty(t, out.Data["total_processing_time"])
}

func TestDemise_ReceivesDetailsAfterBrokerHop(t *testing.T) {
	portal := &fakePortal{details: foundDetails()}
	in := message.New(message.ActionCheckServer, message.StatusPending, message.Payload{"server_id": "101"})

	checked, err := Check(portal).Execute(context.Background(), in)
	require.NoError(t, err)

	decom := &fakeDecom{result: &oracle.DemiseResult{TicketID: "DM-1-101"}}
	hopped := hop(t, checked)
	hopped.Action = message.ActionDemiseServer
	_, err = Demise(decom).Execute(context.Background(), hopped)
	require.NoError(t, err)
	require.Equal(t, "server-101.example.com", decom.got.Hostname)
	require.Equal(t, "192.168.1.101", decom.got.IPAddress)
}

// TestPipeline_FullRunWithoutCooling walks one request through all three
// stages with a broker hop between each, checking provenance and payload
// growth end to end.
func TestPipeline_FullRunWithoutCooling(t *testing.T) {
	portal := &fakePortal{details: foundDetails()}
	power := &fakePower{result: &oracle.PowerOffResult{PowerStatus: "powered_off"}}
	decom := &fakeDecom{result: &oracle.DemiseResult{TicketID: "DM-1-101", Status: "completed"}}

	ctx := context.Background()
	request := message.New(message.ActionCheckServer, message.StatusPending, message.Payload{"server_id": "101"})

	afterCheck, err := Check(portal).Execute(ctx, hop(t, request))
	require.NoError(t, err)

	afterPowerOff, err := PowerOff(power, false).Execute(ctx, hop(t, afterCheck))
	require.NoError(t, err)

	final, err := Demise(decom).Execute(ctx, hop(t, afterPowerOff))
	require.NoError(t, err)

	require.Equal(t, message.ActionDemiseComplete, final.Action)
	require.Equal(t, message.StatusCompleted, final.Status)
	require.True(t, final.PipelineComplete)
	require.Equal(t, request.ID, final.OriginalRequestID)

	// the payload only grows: every stage's contribution survives to the end
	for _, key := range []string{
		"server_id", "server_details", "check_result",
		"poweroff_result", "poweroff_timestamp",
		"demise_result", "pipeline_summary",
	} {
		require.Contains(t, final.Data, key)
	}
	require.Equal(t, 1, portal.calls)
	require.Equal(t, 1, power.calls)
	require.Equal(t, 1, decom.calls)
}

// TestPipeline_NotFoundStopsBeforePowerOff routes every message through all
// runners like the shared subject would; an unknown server must terminate at
// step 1 without touching the later oracles.
func TestPipeline_NotFoundStopsBeforePowerOff(t *testing.T) {
	portal := &fakePortal{err: oracle.ErrServerNotFound}
	power := &fakePower{result: &oracle.PowerOffResult{}}
	decom := &fakeDecom{result: &oracle.DemiseResult{}}

	producer := &fakeProducer{}
	m := testMetrics()
	runners := []*Runner{
		NewRunner(Check(portal), producer, nil, m, zap.NewNop()),
		NewRunner(PowerOff(power, false), producer, nil, m, zap.NewNop()),
		NewRunner(Demise(decom), producer, nil, m, zap.NewNop()),
	}

	ctx := context.Background()
	request := message.New(message.ActionCheckServer, message.StatusPending, message.Payload{"server_id": "9999"})
	raw := encode(t, request)
	for _, r := range runners {
		r.Handle(ctx, raw)
	}

	published := producer.published()
	require.Len(t, published, 1)
	terminal := published[0]
	require.Equal(t, message.ActionDemiseComplete, terminal.Action)
	require.Equal(t, message.StatusFailed, terminal.Status)

	// deliver the terminal message to every stage as the broker would
	raw = encode(t, terminal)
	for _, r := range runners {
		r.Handle(ctx, raw)
	}

	require.Len(t, producer.published(), 1, "terminal message matches no stage")
	require.Equal(t, 0, power.calls)
	require.Equal(t, 0, decom.calls)
}

// TestDefinitions_TriggersAreUnique covers the routing contract: no two
// stages may self-select on the same (action, status) pair.
func TestDefinitions_TriggersAreUnique(t *testing.T) {
	defs := []Definition{
		Check(&fakePortal{}),
		PowerOff(&fakePower{}, true),
		Demise(&fakeDecom{}),
	}
	seen := map[message.Trigger]string{}
	for _, def := range defs {
		prev, dup := seen[def.Trigger]
		require.False(t, dup, "stages %s and %s share trigger %s", prev, def.Name, def.Trigger)
		seen[def.Trigger] = def.Name
	}
}

func TestServerDetails_MissingSection(t *testing.T) {
	d := ServerDetails(message.Payload{"server_id": "101"})
	require.Empty(t, d.Hostname)
	require.Empty(t, d.IPAddress)
}
