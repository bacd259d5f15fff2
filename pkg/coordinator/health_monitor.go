package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/avfleet/handoff/pkg/model"
)

// HealthMonitor keeps a per-region healthy flag by periodically
// probing each participant's /health endpoint. Regions start healthy;
// the coordinator reads the flag at admission time only, so in-flight
// transactions are never cancelled by a flip.
type HealthMonitor struct {
	clients  map[model.Region]RegionClient
	interval time.Duration
	timeout  time.Duration

	mu     sync.RWMutex
	status map[model.Region]bool

	log *logrus.Entry
}

// NewHealthMonitor builds a monitor over the configured participants.
func NewHealthMonitor(clients map[model.Region]RegionClient, interval time.Duration) *HealthMonitor {
	status := make(map[model.Region]bool, len(clients))
	for region := range clients {
		status[region] = true
	}
	return &HealthMonitor{
		clients:  clients,
		interval: interval,
		timeout:  2 * time.Second,
		status:   status,
		log:      logrus.WithField("component", "health-monitor"),
	}
}

// Run probes every region on the configured interval until ctx ends.
func (h *HealthMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.log.Infof("health monitor started, interval %s", h.interval)
	h.checkAll(ctx)

	for {
		select {
		case <-ticker.C:
			h.checkAll(ctx)
		case <-ctx.Done():
			h.log.Info("health monitor stopped")
			return
		}
	}
}

func (h *HealthMonitor) checkAll(ctx context.Context) {
	for region, cl := range h.clients {
		probeCtx, cancel := context.WithTimeout(ctx, h.timeout)
		health, err := cl.Health(probeCtx)
		cancel()

		healthy := err == nil && health.Status != model.HealthUnhealthy
		h.set(region, healthy, err)
	}
}

func (h *HealthMonitor) set(region model.Region, healthy bool, probeErr error) {
	h.mu.Lock()
	prev := h.status[region]
	h.status[region] = healthy
	h.mu.Unlock()

	if prev != healthy {
		if healthy {
			h.log.Warnf("region %s recovered", region)
		} else {
			h.log.Warnf("region %s became unhealthy: %v", region, probeErr)
		}
	}
}

// IsHealthy reports the last observed health of a region.
func (h *HealthMonitor) IsHealthy(region model.Region) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status[region]
}

// Snapshot returns a copy of the health table.
func (h *HealthMonitor) Snapshot() map[model.Region]bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[model.Region]bool, len(h.status))
	for region, healthy := range h.status {
		out[region] = healthy
	}
	return out
}

// SetHealthy overrides a region's flag. Test hook.
func (h *HealthMonitor) SetHealthy(region model.Region, healthy bool) {
	h.set(region, healthy, nil)
}
