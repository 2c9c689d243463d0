package health

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"waflow/internal/conn"
	"waflow/internal/infra/logger"
	"waflow/internal/netclient"
)

// stubRegistry reports scripted states and records logouts.
type stubRegistry struct {
	mu      sync.Mutex
	states  map[string]netclient.State
	logouts []string
}

func newStubRegistry() *stubRegistry {
	return &stubRegistry{states: make(map[string]netclient.State)}
}

func (r *stubRegistry) GetAllConnections() map[string]*conn.Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]*conn.Info, len(r.states))
	for id, state := range r.states {
		out[id] = &conn.Info{TenantID: id, State: state}
	}
	return out
}

func (r *stubRegistry) Logout(ctx context.Context, tenantID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logouts = append(r.logouts, tenantID)
	r.states[tenantID] = netclient.StateLoggedOut
	return nil
}

func (r *stubRegistry) set(tenantID string, state netclient.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states[tenantID] = state
}

func (r *stubRegistry) loggedOut() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.logouts...)
}

func newTestMonitor(registry Registry, threshold int) *Monitor {
	return NewMonitor(registry, time.Second, threshold, logger.New("test", "ERROR"))
}

func TestSweep_EvictsAfterThreshold(t *testing.T) {
	req := require.New(t)
	registry := newStubRegistry()
	registry.set("tenant-a", netclient.StateDisconnected)
	m := newTestMonitor(registry, 3)

	m.Sweep(context.Background())
	m.Sweep(context.Background())
	req.Empty(registry.loggedOut())

	m.Sweep(context.Background())
	req.Equal([]string{"tenant-a"}, registry.loggedOut())

	// Once evicted the tenant is logged_out; no repeat logout.
	m.Sweep(context.Background())
	req.Len(registry.loggedOut(), 1)
}

func TestSweep_ReconnectResetsStreak(t *testing.T) {
	req := require.New(t)
	registry := newStubRegistry()
	registry.set("tenant-a", netclient.StateDisconnected)
	m := newTestMonitor(registry, 3)

	m.Sweep(context.Background())
	m.Sweep(context.Background())

	registry.set("tenant-a", netclient.StateConnected)
	m.Sweep(context.Background())

	// The streak restarts from zero after the reconnect.
	registry.set("tenant-a", netclient.StateDisconnected)
	m.Sweep(context.Background())
	m.Sweep(context.Background())
	req.Empty(registry.loggedOut())

	m.Sweep(context.Background())
	req.Equal([]string{"tenant-a"}, registry.loggedOut())
}

func TestSweep_OnlyDisconnectedCounts(t *testing.T) {
	req := require.New(t)
	registry := newStubRegistry()
	registry.set("tenant-a", netclient.StateQRPending)
	registry.set("tenant-b", netclient.StateConnecting)
	registry.set("tenant-c", netclient.StateConnected)
	m := newTestMonitor(registry, 1)

	m.Sweep(context.Background())
	req.Empty(registry.loggedOut())
}

func TestSweep_IndependentStreaksPerTenant(t *testing.T) {
	req := require.New(t)
	registry := newStubRegistry()
	registry.set("tenant-a", netclient.StateDisconnected)
	registry.set("tenant-b", netclient.StateConnected)
	m := newTestMonitor(registry, 2)

	m.Sweep(context.Background())
	registry.set("tenant-b", netclient.StateDisconnected)
	m.Sweep(context.Background())

	req.Equal([]string{"tenant-a"}, registry.loggedOut())
}

func TestStartStop(t *testing.T) {
	registry := newStubRegistry()
	m := NewMonitor(registry, 10*time.Millisecond, 3, logger.New("test", "ERROR"))
	m.Start()
	time.Sleep(30 * time.Millisecond)
	m.Stop()
}
