package dispatch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"waflow/internal/conn"
	"waflow/internal/infra/config"
	"waflow/internal/infra/logger"
	"waflow/internal/netclient"
	"waflow/internal/store"
)

// fakeRegistry plays the connection manager for the engine.
type fakeRegistry struct {
	mu       sync.Mutex
	state    netclient.State
	sendErrs map[string]error
	sent     []string
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{state: netclient.StateConnected, sendErrs: make(map[string]error)}
}

func (r *fakeRegistry) CreateConnection(ctx context.Context, tenantID string) (*conn.Info, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return &conn.Info{TenantID: tenantID, State: r.state}, nil
}

func (r *fakeRegistry) Send(ctx context.Context, tenantID, phone, text string) (*netclient.SendResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.sendErrs[phone]; err != nil {
		return nil, err
	}
	r.sent = append(r.sent, phone)
	return &netclient.SendResult{MessageID: "MSG-" + phone, Timestamp: time.Now()}, nil
}

func (r *fakeRegistry) sentPhones() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.sent...)
}

type testEnv struct {
	engine    *Engine
	store     *store.Store
	campaigns *store.CampaignStore
	registry  *fakeRegistry
}

func newTestEngine(t *testing.T) (*Engine, *store.CampaignStore, *fakeRegistry) {
	t.Helper()
	env := newTestEnv(t)
	return env.engine, env.campaigns, env.registry
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"), logger.New("test", "ERROR"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	campaigns := store.NewCampaignStore(s)
	registry := newFakeRegistry()
	cfg := config.Default()
	cfg.Dispatch.RatePerSec = 1000

	return &testEnv{
		engine:    NewEngine(campaigns, registry, cfg, logger.New("test", "ERROR")),
		store:     s,
		campaigns: campaigns,
		registry:  registry,
	}
}

func createCampaign(t *testing.T, campaigns *store.CampaignStore, scheduledAt time.Time, phones ...string) *store.Campaign {
	t.Helper()
	c := &store.Campaign{
		OwnerTenantID: "tenant-a",
		Name:          "promo",
		Content:       "hello!",
		ScheduledAt:   scheduledAt,
	}
	require.NoError(t, campaigns.Create(c, phones))
	return c
}

func TestRunDueCampaigns_DispatchesInOrder(t *testing.T) {
	req := require.New(t)
	engine, campaigns, registry := newTestEngine(t)
	c := createCampaign(t, campaigns, time.Now().Add(-time.Minute), "111", "222", "333")

	req.NoError(engine.RunDueCampaigns(context.Background()))

	got, err := campaigns.Get(c.ID)
	req.NoError(err)
	req.Equal(store.CampaignCompleted, got.Status)
	req.Equal(3, got.SentCount)
	req.Zero(got.FailedCount)
	req.Equal([]string{"111", "222", "333"}, registry.sentPhones())

	recips, err := campaigns.Recipients(c.ID)
	req.NoError(err)
	req.Equal("MSG-111", recips[0].MessageID)
	req.Equal(store.RecipientSent, recips[2].Status)
}

func TestRunDueCampaigns_FutureCampaignUntouched(t *testing.T) {
	req := require.New(t)
	engine, campaigns, registry := newTestEngine(t)
	c := createCampaign(t, campaigns, time.Now().Add(time.Hour), "111")

	req.NoError(engine.RunDueCampaigns(context.Background()))

	got, err := campaigns.Get(c.ID)
	req.NoError(err)
	req.Equal(store.CampaignPending, got.Status)
	req.Empty(registry.sentPhones())
}

func TestRunDueCampaigns_OverlappingTicksDispatchOnce(t *testing.T) {
	req := require.New(t)
	engine, campaigns, registry := newTestEngine(t)
	createCampaign(t, campaigns, time.Now().Add(-time.Minute), "111", "222", "333")

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req.NoError(engine.RunDueCampaigns(context.Background()))
		}()
	}
	wg.Wait()

	req.Len(registry.sentPhones(), 3)
}

func TestRunDueCampaigns_RecipientFailureContinues(t *testing.T) {
	req := require.New(t)
	engine, campaigns, registry := newTestEngine(t)
	registry.sendErrs["222"] = errors.New("recipient rejected")
	c := createCampaign(t, campaigns, time.Now().Add(-time.Minute), "111", "222", "333")

	req.NoError(engine.RunDueCampaigns(context.Background()))

	got, err := campaigns.Get(c.ID)
	req.NoError(err)
	req.Equal(store.CampaignCompleted, got.Status)
	req.Equal(2, got.SentCount)
	req.Equal(1, got.FailedCount)

	recips, err := campaigns.Recipients(c.ID)
	req.NoError(err)
	req.Equal(store.RecipientFailed, recips[1].Status)
	req.Contains(recips[1].Error, "recipient rejected")
	req.Equal(store.RecipientSent, recips[2].Status)
}

func TestRunDueCampaigns_SessionNotConnectedFailsCampaign(t *testing.T) {
	req := require.New(t)
	engine, campaigns, registry := newTestEngine(t)
	registry.state = netclient.StateQRPending
	c := createCampaign(t, campaigns, time.Now().Add(-time.Minute), "111", "222")

	req.NoError(engine.RunDueCampaigns(context.Background()))

	got, err := campaigns.Get(c.ID)
	req.NoError(err)
	req.Equal(store.CampaignFailed, got.Status)
	req.Contains(got.FailReason, "tenant session unavailable")
	req.Equal(2, got.FailedCount)

	recips, err := campaigns.Recipients(c.ID)
	req.NoError(err)
	req.Equal(store.RecipientFailed, recips[0].Status)
	req.Equal(store.RecipientFailed, recips[1].Status)
}

func TestRunDueCampaigns_SessionLostMidDispatch(t *testing.T) {
	req := require.New(t)
	engine, campaigns, registry := newTestEngine(t)
	registry.sendErrs["222"] = fmt.Errorf("gone: %w", netclient.ErrSessionUnavailable)
	c := createCampaign(t, campaigns, time.Now().Add(-time.Minute), "111", "222", "333")

	req.NoError(engine.RunDueCampaigns(context.Background()))

	got, err := campaigns.Get(c.ID)
	req.NoError(err)
	req.Equal(store.CampaignFailed, got.Status)
	req.Equal(1, got.SentCount)
	req.Equal(2, got.FailedCount)

	recips, err := campaigns.Recipients(c.ID)
	req.NoError(err)
	req.Equal(store.RecipientSent, recips[0].Status)
	req.Equal(store.RecipientFailed, recips[1].Status)
	req.Equal(store.RecipientFailed, recips[2].Status)
}

func TestHandleReceipt_UpgradesRecipients(t *testing.T) {
	req := require.New(t)
	engine, campaigns, _ := newTestEngine(t)
	c := createCampaign(t, campaigns, time.Now().Add(-time.Minute), "111", "222")

	req.NoError(engine.RunDueCampaigns(context.Background()))

	engine.HandleReceipt("tenant-a", netclient.Event{
		Kind:       netclient.EventReceipt,
		MessageIDs: []string{"MSG-111", "MSG-222"},
		Receipt:    netclient.ReceiptDelivered,
	})
	engine.HandleReceipt("tenant-a", netclient.Event{
		Kind:       netclient.EventReceipt,
		MessageIDs: []string{"MSG-111", "MSG-unknown"},
		Receipt:    netclient.ReceiptRead,
	})

	got, err := campaigns.Get(c.ID)
	req.NoError(err)
	req.Equal(2, got.DeliveredCount)
	req.Equal(1, got.ReadCount)

	recips, err := campaigns.Recipients(c.ID)
	req.NoError(err)
	req.Equal(store.RecipientRead, recips[0].Status)
	req.Equal(store.RecipientDelivered, recips[1].Status)
}

func TestRunDueCampaigns_ResumeSkipsTerminalRecipients(t *testing.T) {
	req := require.New(t)
	env := newTestEnv(t)
	c := createCampaign(t, env.campaigns, time.Now().Add(-time.Minute), "111", "222")

	// Simulate a run that died after the first recipient: the sent mark
	// survived, the campaign was requeued.
	claimed, err := env.campaigns.Claim(c.ID)
	req.NoError(err)
	req.True(claimed)
	req.NoError(env.campaigns.MarkRecipientSent(c.ID, 0, "MSG-111"))
	_, err = env.store.Exec(`UPDATE waflow_campaigns SET status = ? WHERE id = ?`, store.CampaignPending, c.ID)
	req.NoError(err)

	req.NoError(env.engine.RunDueCampaigns(context.Background()))

	req.Equal([]string{"222"}, env.registry.sentPhones())
	got, err := env.campaigns.Get(c.ID)
	req.NoError(err)
	req.Equal(store.CampaignCompleted, got.Status)
	req.Equal(1, got.SentCount)
}
