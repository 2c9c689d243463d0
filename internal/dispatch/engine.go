// Package dispatch runs due campaigns: each is claimed exactly once,
// streamed through the owner tenant's session under a global rate
// limit, and always driven to a terminal status.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	waLog "go.mau.fi/whatsmeow/util/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"waflow/internal/conn"
	"waflow/internal/infra/config"
	"waflow/internal/netclient"
	"waflow/internal/store"
	"waflow/internal/utils/retry"
)

// Registry is the connection manager surface the engine needs.
// *conn.Manager satisfies it; tests substitute fakes.
type Registry interface {
	CreateConnection(ctx context.Context, tenantID string) (*conn.Info, error)
	Send(ctx context.Context, tenantID, phone, text string) (*netclient.SendResult, error)
}

// Engine dispatches due campaigns.
type Engine struct {
	campaigns *store.CampaignStore
	registry  Registry
	cfg       *config.Config
	log       waLog.Logger
	limiter   *rate.Limiter
}

// NewEngine creates a dispatch engine. The rate limiter is shared by
// all campaigns so concurrent dispatches stay under one global ceiling.
func NewEngine(campaigns *store.CampaignStore, registry Registry, cfg *config.Config, log waLog.Logger) *Engine {
	return &Engine{
		campaigns: campaigns,
		registry:  registry,
		cfg:       cfg,
		log:       log.Sub("Dispatch"),
		limiter:   rate.NewLimiter(rate.Limit(cfg.Dispatch.RatePerSec), 1),
	}
}

// RunDueCampaigns claims and dispatches every campaign whose scheduled
// time has passed. Safe to call from overlapping ticks: the claim is a
// compare-and-set, so each campaign is dispatched at most once.
func (e *Engine) RunDueCampaigns(ctx context.Context) error {
	due, err := e.campaigns.Due(time.Now())
	if err != nil {
		return fmt.Errorf("list due campaigns: %w", err)
	}
	if len(due) == 0 {
		return nil
	}

	g := new(errgroup.Group)
	g.SetLimit(e.cfg.Dispatch.Concurrency)
	for _, c := range due {
		c := c
		g.Go(func() error {
			e.process(ctx, c)
			return nil
		})
	}
	return g.Wait()
}

// HandleReceipt upgrades recipient sub-statuses from delivery receipts.
// Receipts for messages outside any campaign are ignored by the store.
func (e *Engine) HandleReceipt(tenantID string, ev netclient.Event) {
	status := store.RecipientDelivered
	if ev.Receipt == netclient.ReceiptRead {
		status = store.RecipientRead
	}
	for _, id := range ev.MessageIDs {
		if err := e.campaigns.UpgradeByMessageID(id, status); err != nil {
			e.log.Warnf("Tenant %s: receipt upgrade for message %s: %v", tenantID, id, err)
		}
	}
}

func (e *Engine) process(ctx context.Context, c *store.Campaign) {
	claimed, err := e.campaigns.Claim(c.ID)
	if err != nil {
		e.log.Errorf("Campaign %s: claim: %v", c.ID, err)
		return
	}
	if !claimed {
		e.log.Debugf("Campaign %s already claimed elsewhere", c.ID)
		return
	}
	e.log.Infof("Campaign %s (%s): dispatching for tenant %s", c.ID, c.Name, c.OwnerTenantID)

	info, err := retry.Do(ctx, func() (*conn.Info, error) {
		return e.registry.CreateConnection(ctx, c.OwnerTenantID)
	})
	if err != nil {
		e.fail(c.ID, fmt.Sprintf("tenant session unavailable: %v", err))
		return
	}
	if info.State != netclient.StateConnected {
		e.fail(c.ID, fmt.Sprintf("tenant session unavailable: state %s", info.State))
		return
	}

	recips, err := e.campaigns.Recipients(c.ID)
	if err != nil {
		e.fail(c.ID, fmt.Sprintf("load recipients: %v", err))
		return
	}

	var sent, failed int
	for _, r := range recips {
		// Recipients already terminal (a previous run died mid-campaign)
		// are skipped, never re-sent.
		if r.Status != store.RecipientQueued {
			continue
		}

		if err := e.limiter.Wait(ctx); err != nil {
			e.fail(c.ID, "dispatch interrupted")
			return
		}

		sendCtx, cancel := context.WithTimeout(ctx, e.cfg.Dispatch.SendTimeout())
		res, err := e.registry.Send(sendCtx, c.OwnerTenantID, r.Phone, c.Content)
		cancel()

		if err != nil {
			if errors.Is(err, netclient.ErrSessionUnavailable) {
				e.fail(c.ID, fmt.Sprintf("tenant session lost mid-dispatch: %v", err))
				return
			}
			failed++
			if merr := e.campaigns.MarkRecipientFailed(c.ID, r.Position, err.Error()); merr != nil {
				e.log.Errorf("Campaign %s: recording failure for %s: %v", c.ID, r.Phone, merr)
			}
			continue
		}

		sent++
		if merr := e.campaigns.MarkRecipientSent(c.ID, r.Position, res.MessageID); merr != nil {
			e.log.Errorf("Campaign %s: recording send for %s: %v", c.ID, r.Phone, merr)
		}
	}

	done, err := e.campaigns.Complete(c.ID)
	if err != nil {
		e.log.Errorf("Campaign %s: marking completed: %v", c.ID, err)
		return
	}
	if !done {
		// Recipients left queued (a mark write failed mid-loop) must
		// not end up under a completed campaign.
		e.fail(c.ID, "recipient updates incomplete")
		return
	}
	e.log.Infof("Campaign %s done: %d sent, %d failed", c.ID, sent, failed)
}

// fail drives a claimed campaign to its terminal failed status; queued
// recipients are failed with it.
func (e *Engine) fail(campaignID, reason string) {
	e.log.Warnf("Campaign %s failed: %s", campaignID, reason)
	if err := e.campaigns.Fail(campaignID, reason); err != nil {
		e.log.Errorf("Campaign %s: marking failed: %v", campaignID, err)
	}
}
