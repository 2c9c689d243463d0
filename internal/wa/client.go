// Package wa implements the netclient contract on top of whatsmeow.
package wa

import (
	"context"
	"fmt"
	"time"

	"go.mau.fi/whatsmeow"
	wastore "go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"

	"waflow/internal/infra/config"
	"waflow/internal/netclient"
)

const connectTimeout = 30 * time.Second

// Client creates whatsmeow-backed network sessions. One device row in
// the shared sqlstore container per paired tenant; the credential blob
// handed to the connection manager is the device JID, which is opaque
// to everything above this package.
type Client struct {
	container *sqlstore.Container
	cfg       *config.Config
	log       waLog.Logger
}

// NewClient creates a new Client over the shared device container.
func NewClient(container *sqlstore.Container, cfg *config.Config, log waLog.Logger) *Client {
	wastore.SetOSInfo(cfg.DeviceName, wastore.GetWAVersion())
	return &Client{
		container: container,
		cfg:       cfg,
		log:       log.Sub("WA"),
	}
}

// Connect implements netclient.Client.
func (c *Client) Connect(ctx context.Context, tenantID string, creds []byte) (*netclient.ConnectResult, error) {
	if len(creds) > 0 {
		return c.resume(ctx, tenantID, creds)
	}
	return c.pair(ctx, tenantID)
}

// resume reattaches to a previously paired device. No pairing code is
// ever issued on this path.
func (c *Client) resume(ctx context.Context, tenantID string, creds []byte) (*netclient.ConnectResult, error) {
	jid, err := types.ParseJID(string(creds))
	if err != nil {
		return nil, fmt.Errorf("tenant %s: %w: %v", tenantID, netclient.ErrInvalidCredentials, err)
	}

	device, err := c.container.GetDevice(ctx, jid)
	if err != nil {
		return nil, fmt.Errorf("tenant %s: device lookup: %w: %v", tenantID, netclient.ErrSessionUnavailable, err)
	}
	if device == nil {
		return nil, fmt.Errorf("tenant %s: no device for stored credentials: %w", tenantID, netclient.ErrInvalidCredentials)
	}

	wac := c.newWAClient(device, tenantID)
	sess := newSession(c, wac, tenantID)
	wac.AddEventHandler(sess.handleEvent)

	if err := wac.Connect(); err != nil {
		sess.close()
		return nil, fmt.Errorf("tenant %s: connect: %w: %v", tenantID, netclient.ErrSessionUnavailable, err)
	}
	if !wac.WaitForConnection(connectTimeout) {
		wac.Disconnect()
		sess.close()
		return nil, fmt.Errorf("tenant %s: login timed out: %w", tenantID, netclient.ErrSessionUnavailable)
	}

	return &netclient.ConnectResult{
		State:       netclient.StateConnected,
		LinkedPhone: jid.User,
		Credentials: creds,
		Session:     sess,
	}, nil
}

// pair starts a fresh pairing flow on a new device. The result carries
// the first pairing code; later codes arrive on the event stream.
func (c *Client) pair(ctx context.Context, tenantID string) (*netclient.ConnectResult, error) {
	device := c.container.NewDevice()
	wac := c.newWAClient(device, tenantID)
	sess := newSession(c, wac, tenantID)

	qrChan, err := wac.GetQRChannel(ctx)
	if err != nil {
		sess.close()
		return nil, fmt.Errorf("tenant %s: qr channel: %w: %v", tenantID, netclient.ErrSessionUnavailable, err)
	}
	wac.AddEventHandler(sess.handleEvent)
	go sess.consumeQR(qrChan)

	if err := wac.Connect(); err != nil {
		sess.close()
		return nil, fmt.Errorf("tenant %s: connect: %w: %v", tenantID, netclient.ErrSessionUnavailable, err)
	}

	code, err := sess.PairingCode(ctx)
	if err != nil {
		wac.Disconnect()
		sess.close()
		return nil, fmt.Errorf("tenant %s: first pairing code: %w: %v", tenantID, netclient.ErrSessionUnavailable, err)
	}

	return &netclient.ConnectResult{
		State:       netclient.StateQRPending,
		PairingCode: code,
		Session:     sess,
	}, nil
}

// Discard implements netclient.Client. It deletes the device row
// behind a credential blob so the stored pairing cannot be resumed.
// Called when a tenant is logged out or cleared without a live session.
func (c *Client) Discard(ctx context.Context, creds []byte) error {
	jid, err := types.ParseJID(string(creds))
	if err != nil {
		return nil
	}
	device, err := c.container.GetDevice(ctx, jid)
	if err != nil {
		return fmt.Errorf("device lookup: %w", err)
	}
	if device == nil {
		return nil
	}
	return c.container.DeleteDevice(ctx, device)
}

func (c *Client) newWAClient(device *wastore.Device, tenantID string) *whatsmeow.Client {
	wac := whatsmeow.NewClient(device, c.log.Sub(tenantID))
	wac.EnableAutoReconnect = true
	wac.AutoTrustIdentity = true
	return wac
}

// Ensure Client implements netclient.Client.
var _ netclient.Client = (*Client)(nil)
