package oracle

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// The simulated oracles mimic the latency and failure profile of the real
// collaborators so the pipeline can be exercised end to end without
// datacenter access.

var validPrefixes = []string{"SRV", "HOST", "VM", "PROD", "TEST"}

// SimulatedPortal treats numeric ids 100-999 and a few well-known hostname
// prefixes as existing servers.
type SimulatedPortal struct {
	Latency time.Duration
}

func NewSimulatedPortal() *SimulatedPortal {
	return &SimulatedPortal{Latency: 500 * time.Millisecond}
}

func (p *SimulatedPortal) CheckServer(ctx context.Context, serverID string) (*ServerDetails, error) {
	if err := sleep(ctx, p.Latency); err != nil {
		return nil, err
	}
	if !p.exists(serverID) {
		return nil, ErrServerNotFound
	}
	return &ServerDetails{
		Hostname:  "server-" + serverID,
		IPAddress: "192.168.1." + serverID,
		Status:    "active",
		Location:  "datacenter-1",
	}, nil
}

func (p *SimulatedPortal) exists(serverID string) bool {
	if n, err := strconv.Atoi(serverID); err == nil {
		return n >= 100 && n <= 999
	}
	upper := strings.ToUpper(serverID)
	for _, prefix := range validPrefixes {
		if strings.HasPrefix(upper, prefix) {
			return true
		}
	}
	return false
}

// SimulatedPowerController succeeds ~90% of the time; the rest report an
// IPMI connection timeout.
type SimulatedPowerController struct {
	Latency  time.Duration
	FailRate float64

	mu  sync.Mutex
	rng *rand.Rand
	log *zap.Logger
}

func NewSimulatedPowerController(log *zap.Logger) *SimulatedPowerController {
	return &SimulatedPowerController{
		Latency:  4 * time.Second,
		FailRate: 0.1,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		log:      log,
	}
}

func (c *SimulatedPowerController) PowerOff(ctx context.Context, serverID string, details ServerDetails) (*PowerOffResult, error) {
	c.log.Info("executing power off",
		zap.String("server_id", serverID),
		zap.String("ip_address", details.IPAddress))
	if err := sleep(ctx, c.Latency); err != nil {
		return nil, err
	}
	if c.roll() < c.FailRate {
		return nil, fmt.Errorf("IPMI connection timeout")
	}
	return &PowerOffResult{
		PowerStatus:   "off",
		Method:        "IPMI",
		ExecutionTime: c.Latency.String(),
		Verification:  "confirmed_off",
	}, nil
}

func (c *SimulatedPowerController) roll() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rng.Float64()
}

// SimulatedDecommissioner walks the downstream systems in order and
// succeeds ~95% of the time.
type SimulatedDecommissioner struct {
	Latency  time.Duration
	FailRate float64

	mu  sync.Mutex
	rng *rand.Rand
	log *zap.Logger
}

var demiseSteps = []string{
	"removed_from_monitoring",
	"inventory_updated",
	"dns_dhcp_removed",
	"asset_management_updated",
	"load_balancer_updated",
	"config_management_updated",
	"decommission_ticket_created",
}

func NewSimulatedDecommissioner(log *zap.Logger) *SimulatedDecommissioner {
	return &SimulatedDecommissioner{
		Latency:  3 * time.Second,
		FailRate: 0.05,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		log:      log,
	}
}

func (d *SimulatedDecommissioner) Demise(ctx context.Context, serverID string, details ServerDetails) (*DemiseResult, error) {
	stepDelay := d.Latency / time.Duration(len(demiseSteps))
	for _, step := range demiseSteps {
		if err := sleep(ctx, stepDelay); err != nil {
			return nil, err
		}
		d.log.Debug("demise step complete",
			zap.String("server_id", serverID),
			zap.String("step", step))
	}

	d.mu.Lock()
	failed := d.rng.Float64() < d.FailRate
	d.mu.Unlock()
	if failed {
		return nil, fmt.Errorf("asset management system unavailable")
	}

	now := time.Now().UTC()
	return &DemiseResult{
		TicketID:         fmt.Sprintf("DM-%d-%s", now.Unix(), serverID),
		Status:           "decommissioned",
		StepsCompleted:   demiseSteps,
		ExecutionTime:    d.Latency.String(),
		DecommissionDate: now.Format(time.RFC3339),
	}, nil
}

// SimulatedPowerStatusChecker reports powered-on ~5% of the time, standing
// in for an IPMI query against the cooled server.
type SimulatedPowerStatusChecker struct {
	Latency       time.Duration
	ViolationRate float64

	mu  sync.Mutex
	rng *rand.Rand
}

var powerOnReasons = []string{"manual_power_on", "wake_on_lan", "scheduled_task", "hardware_event"}

func NewSimulatedPowerStatusChecker() *SimulatedPowerStatusChecker {
	return &SimulatedPowerStatusChecker{
		Latency:       1500 * time.Millisecond,
		ViolationRate: 0.05,
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (c *SimulatedPowerStatusChecker) PowerStatus(ctx context.Context, serverID, ipAddress string) (*PowerStatus, error) {
	if err := sleep(ctx, c.Latency); err != nil {
		return nil, err
	}

	c.mu.Lock()
	poweredOn := c.rng.Float64() < c.ViolationRate
	bootOffset := time.Duration(5+c.rng.Intn(115)) * time.Minute
	reason := powerOnReasons[c.rng.Intn(len(powerOnReasons))]
	c.mu.Unlock()

	now := time.Now().UTC()
	status := &PowerStatus{
		PoweredOn:    poweredOn,
		State:        "off",
		Method:       "IPMI",
		CheckedAt:    now.Format(time.RFC3339),
		ResponseTime: int(c.Latency.Milliseconds()),
	}
	if poweredOn {
		status.State = "on"
		status.BootTime = now.Add(-bootOffset).Format(time.RFC3339)
		status.PowerOnReason = reason
	}
	return status, nil
}
