// Package health watches registered sessions and evicts tenants whose
// connections stay down: after a configured number of consecutive
// disconnected polls the tenant is logged out, so its slot does not
// rot while the linked phone is gone for good.
package health

import (
	"context"
	"time"

	waLog "go.mau.fi/whatsmeow/util/log"

	"waflow/internal/conn"
	"waflow/internal/netclient"
)

// Registry is the connection manager surface the monitor needs.
type Registry interface {
	GetAllConnections() map[string]*conn.Info
	Logout(ctx context.Context, tenantID string) error
}

// Monitor polls session states and counts consecutive disconnected
// observations per tenant.
type Monitor struct {
	registry  Registry
	interval  time.Duration
	threshold int
	log       waLog.Logger

	streaks map[string]int
	stop    chan struct{}
	done    chan struct{}
}

// NewMonitor creates a health monitor. threshold is the number of
// consecutive disconnected polls that triggers eviction.
func NewMonitor(registry Registry, interval time.Duration, threshold int, log waLog.Logger) *Monitor {
	return &Monitor{
		registry:  registry,
		interval:  interval,
		threshold: threshold,
		log:       log.Sub("Health"),
		streaks:   make(map[string]int),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start begins polling in the background.
func (m *Monitor) Start() {
	go m.run()
	m.log.Infof("Health monitor started (interval=%s threshold=%d)", m.interval, m.threshold)
}

// Stop halts polling and waits for the loop to exit.
func (m *Monitor) Stop() {
	close(m.stop)
	<-m.done
	m.log.Infof("Health monitor stopped")
}

func (m *Monitor) run() {
	defer close(m.done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.Sweep(context.Background())
		}
	}
}

// Sweep performs one poll over every registered session. Exported so
// callers can force a check outside the timer.
func (m *Monitor) Sweep(ctx context.Context) {
	infos := m.registry.GetAllConnections()

	// Tenants that left the registry take their streak with them.
	for id := range m.streaks {
		if _, ok := infos[id]; !ok {
			delete(m.streaks, id)
		}
	}

	for id, inf := range infos {
		if inf.State != netclient.StateDisconnected {
			delete(m.streaks, id)
			continue
		}

		m.streaks[id]++
		if m.streaks[id] < m.threshold {
			continue
		}

		m.log.Warnf("Tenant %s disconnected for %d consecutive polls, logging out", id, m.streaks[id])
		if err := m.registry.Logout(ctx, id); err != nil {
			// Streak is kept so the eviction retries next sweep.
			m.log.Errorf("Tenant %s: eviction logout: %v", id, err)
			continue
		}
		delete(m.streaks, id)
	}
}
